// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Capsuled is the capsule package manager daemon: it owns the local
// content-addressed repository, serializes install/update/uninstall
// work through the Task Engine, and exposes the whole surface over a
// Unix domain socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/capsule-foundation/capsule/internal/pm"
	"github.com/capsule-foundation/capsule/internal/repo"
	"github.com/capsule-foundation/capsule/internal/task"
	"github.com/capsule-foundation/capsule/internal/transport"
	"github.com/capsule-foundation/capsule/lib/cachegen"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		installRoot     string
		lockPath        string
		runtimeRoot     string
		configPath      string
		exportRoot      string
		socketPath      string
		generatorDir    string
		generatorBinary string
		showVersion     bool
	)

	flag.StringVar(&installRoot, "install-root", "/var/lib/capsule", "content-addressed layer store root")
	flag.StringVar(&lockPath, "lock-path", "/run/capsule/repo.lock", "repo lock sentinel file")
	flag.StringVar(&runtimeRoot, "runtime-root", "/run/capsule/containers", "running-container registry scan root")
	flag.StringVar(&configPath, "config", "/etc/capsule/config.yaml", "repo configuration file")
	flag.StringVar(&exportRoot, "export-root", "/var/lib/capsule/export", "application entry point export root")
	flag.StringVar(&socketPath, "socket", "/run/capsule/capsule.sock", "transport listen socket")
	flag.StringVar(&generatorDir, "generator-dir", "/usr/lib/capsule/cache-generator", "cache generator binaries directory")
	flag.StringVar(&generatorBinary, "generator-binary", "generate-cache", "cache generator command, resolved relative to --generator-dir if not absolute")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("capsuled (development build)")
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := repo.Open(repo.Options{
		Root:        installRoot,
		LockPath:    lockPath,
		RuntimeRoot: runtimeRoot,
		ConfigPath:  configPath,
		ExportRoot:  exportRoot,
		Logger:      logger.With("component", "repo"),
	})
	if err != nil {
		return fmt.Errorf("opening repo: %w", err)
	}
	defer r.Close()

	var gen *cachegen.Generator
	if bwrap, err := cachegen.NewBwrapRuntime(); err != nil {
		logger.Warn("cache generation disabled: bwrap not found", "error", err)
	} else {
		gen = cachegen.New(bwrap, generatorDir, []string{generatorBinary}, logger.With("component", "cachegen"))
	}

	// The Task Engine's event sink is the transport server, and its
	// Deferred-GC pass is the Manager's own method — both need a
	// Manager and a Server that in turn need the Engine to exist
	// first. sinkProxy and a GCFunc closure over a not-yet-assigned
	// variable break the cycle: the Engine is built against stand-ins
	// whose targets are filled in once the Manager and Server exist,
	// the same way a forward reference would be resolved by a setter.
	sink := &sinkProxy{}
	var mgr *pm.Manager

	engine := task.New(task.Options{
		Sink:       sink,
		Logger:     logger.With("component", "task"),
		GCInterval: task.DefaultGCInterval(os.Getenv("CAPSULE_GC_INTERVAL_SECONDS"), logger),
		GCFunc: func(ctx context.Context) {
			mgr.DeferredGC(ctx)
		},
	})

	mgr = pm.New(pm.Options{
		Repo:     r,
		Engine:   engine,
		CacheGen: gen,
		Sink:     sink,
		Logger:   logger.With("component", "pm"),
	})

	server := transport.New(socketPath, mgr, engine, r, logger.With("component", "transport"))
	sink.target = server

	engine.Start()
	defer engine.Stop()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	defer server.Stop()

	logger.Info("capsuled started", "socket", socketPath, "install_root", installRoot)
	<-ctx.Done()
	logger.Info("capsuled shutting down")
	return nil
}

// sinkProxy forwards every task.EventSink call to target, once set.
// Calls arriving before target is assigned are silently dropped —
// none occur before engine.Start, and target is assigned before that.
type sinkProxy struct {
	target task.EventSink
}

func (p *sinkProxy) TaskAdded(taskID string) {
	if p.target != nil {
		p.target.TaskAdded(taskID)
	}
}

func (p *sinkProxy) RequestInteraction(taskID string, messageType task.MessageType, additionalMessage string) {
	if p.target != nil {
		p.target.RequestInteraction(taskID, messageType, additionalMessage)
	}
}

func (p *sinkProxy) ReplyReceived(taskID string, action string) {
	if p.target != nil {
		p.target.ReplyReceived(taskID, action)
	}
}

func (p *sinkProxy) SearchFinished(jobID string) {
	if p.target != nil {
		p.target.SearchFinished(jobID)
	}
}

func (p *sinkProxy) PruneFinished(jobID string) {
	if p.target != nil {
		p.target.PruneFinished(jobID)
	}
}

func (p *sinkProxy) GenerateCacheFinished(jobID string, ok bool) {
	if p.target != nil {
		p.target.GenerateCacheFinished(jobID, ok)
	}
}
