// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package cachegen

import (
	"context"
	"os"
	"os/exec"

	"github.com/capsule-foundation/capsule/internal/core"
)

// BwrapRuntime runs a cache generator under bubblewrap, a minimal,
// fixed-policy adaptation of sandbox.BwrapBuilder: a cache generator
// needs no namespaces besides PID/net isolation and no profile
// expansion, just the binds RunSpec names plus /proc and /dev.
type BwrapRuntime struct {
	bwrapPath string
}

// NewBwrapRuntime locates bwrap on the host.
func NewBwrapRuntime() (*BwrapRuntime, error) {
	path, err := bwrapPath()
	if err != nil {
		return nil, err
	}
	return &BwrapRuntime{bwrapPath: path}, nil
}

// Run executes spec.Command under bwrap with spec.Binds mounted.
func (r *BwrapRuntime) Run(ctx context.Context, spec RunSpec) error {
	args := []string{
		"--unshare-pid",
		"--unshare-net",
		"--die-with-parent",
		"--new-session",
		"--proc", "/proc",
		"--dev", "/dev",
	}

	for _, bind := range spec.Binds {
		if bind.ReadOnly {
			args = append(args, "--ro-bind", bind.Source, bind.Dest)
		} else {
			args = append(args, "--bind", bind.Source, bind.Dest)
		}
	}

	args = append(args, "--clearenv", "--")
	args = append(args, spec.Command...)

	cmd := exec.CommandContext(ctx, r.bwrapPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return core.Wrap(core.KindInternal, "bwrap cache generator run failed: "+string(output), err)
	}
	return nil
}

// bwrapPath mirrors sandbox.BwrapPath's fixed search locations.
func bwrapPath() (string, error) {
	for _, path := range []string{"/usr/bin/bwrap", "/usr/local/bin/bwrap", "/bin/bwrap"} {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", core.New(core.KindInternal, "bwrap not found in standard locations")
}
