// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry implements the Running-Container Registry (spec
// §4.2 / component C2): enumerating which application references are
// currently in use by live sandboxes, by scanning a well-known
// runtime directory.
//
// The scan-a-directory-of-per-process-state-files pattern and the
// "cross-validate, log and skip orphans rather than delete them"
// policy are grounded on observe/list.go's daemon-side bookkeeping and
// lib/process's philosophy of small, single-purpose helpers around
// process lifecycle.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// ContainerProcessStateInfo is the JSON payload written by the
// container runtime for each live sandboxed application, one file per
// process at <runtime-root>/<user>/<pid>.
type ContainerProcessStateInfo struct {
	App string `json:"app"`
	PID int    `json:"pid"`
}

// Registry enumerates live applications by scanning RuntimeRoot. It
// holds no state of its own between calls: every query re-scans the
// directory, since the registry is read-only to the core and the
// filesystem is the source of truth (spec §5).
type Registry struct {
	runtimeRoot string
	logger      *slog.Logger
}

// New returns a Registry that scans runtimeRoot, laid out as
// "<runtimeRoot>/<user>/<pid>". If logger is nil, a discard logger is
// used.
func New(runtimeRoot string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{runtimeRoot: runtimeRoot, logger: logger}
}

// Scan walks the runtime directory and returns the set of app
// reference strings currently in use, cross-validated with a
// kill(pid, 0) liveness probe. Entries whose process no longer exists are logged at
// Info and skipped — they are not deleted, since cleaning up stale
// state files is the container runtime's responsibility, not the
// registry's.
func (r *Registry) Scan() (map[string]bool, error) {
	running := make(map[string]bool)

	entries, err := os.ReadDir(r.runtimeRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return running, nil
		}
		return nil, fmt.Errorf("registry: reading runtime root %s: %w", r.runtimeRoot, err)
	}

	for _, userEntry := range entries {
		if !userEntry.IsDir() {
			continue
		}
		userDir := filepath.Join(r.runtimeRoot, userEntry.Name())

		pidEntries, err := os.ReadDir(userDir)
		if err != nil {
			r.logger.Warn("registry: cannot read user directory", "dir", userDir, "error", err)
			continue
		}

		for _, pidEntry := range pidEntries {
			if pidEntry.IsDir() {
				continue
			}
			path := filepath.Join(userDir, pidEntry.Name())

			info, err := r.readStateFile(path)
			if err != nil {
				r.logger.Warn("registry: skipping unreadable container state file", "path", path, "error", err)
				continue
			}

			if !processAlive(info.PID) {
				r.logger.Info("registry: orphan container state file, process no longer exists", "path", path, "pid", info.PID, "app", info.App)
				continue
			}

			running[info.App] = true
		}
	}

	return running, nil
}

func (r *Registry) readStateFile(path string) (ContainerProcessStateInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ContainerProcessStateInfo{}, err
	}
	var info ContainerProcessStateInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ContainerProcessStateInfo{}, err
	}
	if info.PID == 0 {
		// Fall back to the filename, which the container runtime
		// names after the pid, in case the payload omits it.
		if pid, err := strconv.Atoi(filepath.Base(path)); err == nil {
			info.PID = pid
		}
	}
	return info, nil
}

// processAlive sends signal 0, the standard Linux liveness probe: the
// kernel still validates the pid without delivering anything, so
// unix.ESRCH means the process is gone and any other error (most
// commonly unix.EPERM, for a pid that belongs to another user) means
// it is still there, per spec §4.2.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err != unix.ESRCH
}

// IsRefBusy reports whether refString is currently running, for
// rejecting destructive operations on a running app (spec §4.2 use a).
func (r *Registry) IsRefBusy(refString string) (bool, error) {
	running, err := r.Scan()
	if err != nil {
		return false, err
	}
	return running[refString], nil
}

// RunningApps returns the full set of app reference strings currently
// in use, for the Deferred-GC pass to subtract from its candidate reap
// set (spec §4.2 use b).
func (r *Registry) RunningApps() (map[string]bool, error) {
	return r.Scan()
}
