// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package cachegen runs the post-install cache generator for app
// layers (spec §4.5.12). The generator itself, and the container
// runtime that executes it, are external collaborators the core only
// invokes through [Runtime] — cachegen supplies one concrete adapter,
// [BwrapRuntime], built on the same bubblewrap invocation style as
// sandbox.BwrapBuilder, but callers may substitute any Runtime.
package cachegen

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/capsule-foundation/capsule/internal/core"
)

// Bind is one directory bind-mount exposed to the generator process.
type Bind struct {
	Source   string
	Dest     string
	ReadOnly bool
}

// RunSpec describes one cache-generation invocation.
type RunSpec struct {
	Binds   []Bind
	Command []string
}

// Runtime executes a cache generator inside a container. This is the
// seam spec §1 calls out as deliberately out of scope: cachegen never
// assumes a specific container technology.
type Runtime interface {
	Run(ctx context.Context, spec RunSpec) error
}

// Generator drives GenerateCache (spec §4.5.12): it binds a per-commit
// cache directory and font-cache subdirectory read-write, the
// generator binaries directory read-only, and runs the generator
// command through a Runtime. On failure the cache directory is
// removed so a half-populated cache is never mistaken for a complete
// one.
type Generator struct {
	runtime      Runtime
	generatorDir string
	command      []string
	logger       *slog.Logger
}

// New creates a Generator. generatorDir is bound read-only at
// "/generator" inside the sandbox; command is the argv run there
// (the first element resolved relative to generatorDir if it is not
// absolute).
func New(runtime Runtime, generatorDir string, command []string, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Generator{runtime: runtime, generatorDir: generatorDir, command: command, logger: logger}
}

// cacheRoot returns the per-commit cache directory for a layer
// content directory, per spec §6's persisted layout
// ("<install-root>/cache/<commit>/…").
func cacheRoot(installRoot, commitHex string) string {
	return filepath.Join(installRoot, "cache", commitHex)
}

// Generate runs the cache generator for a layer identified by
// commitHex, rooted under installRoot. On success the cache directory
// persists; on failure it is removed and the error returned, per the
// fatal-for-install/non-fatal-for-uninstall-and-prune policy the
// caller (internal/pm) applies.
func (g *Generator) Generate(ctx context.Context, installRoot, commitHex string) error {
	cacheDir := cacheRoot(installRoot, commitHex)
	fontCacheDir := filepath.Join(cacheDir, "fontconfig")

	if err := os.MkdirAll(fontCacheDir, 0o755); err != nil {
		return core.Wrap(core.KindIOError, "creating cache directories", err)
	}

	command := g.command
	if len(command) > 0 && !filepath.IsAbs(command[0]) {
		command = append([]string{filepath.Join("/generator", command[0])}, command[1:]...)
	}

	spec := RunSpec{
		Binds: []Bind{
			{Source: cacheDir, Dest: "/cache"},
			{Source: fontCacheDir, Dest: "/cache/fontconfig"},
			{Source: g.generatorDir, Dest: "/generator", ReadOnly: true},
		},
		Command: command,
	}

	if err := g.runtime.Run(ctx, spec); err != nil {
		g.logger.Error("cache generation failed, removing partial cache", "commit", commitHex, "error", err)
		if rmErr := os.RemoveAll(cacheDir); rmErr != nil {
			g.logger.Error("failed to remove partial cache directory", "dir", cacheDir, "error", rmErr)
		}
		return core.Wrap(core.KindInternal, fmt.Sprintf("generating cache for layer %s", commitHex), err)
	}

	g.logger.Info("cache generated", "commit", commitHex, "dir", cacheDir)
	return nil
}

// RemoveCache deletes the persisted cache directory for commitHex
// under installRoot, if present. Callers use this when the layer that
// owns the cache is physically removed (spec §4.5.8, §4.5.9, §4.5.10).
func RemoveCache(installRoot, commitHex string) error {
	return os.RemoveAll(cacheRoot(installRoot, commitHex))
}
