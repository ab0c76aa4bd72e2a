// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package repolock provides a cross-process, exclusive, advisory lock
// over the repo directory via a sentinel file at a fixed filesystem
// path (spec §4.1 / component C1).
//
// Acquisition creates the sentinel with rw permission, then takes an
// exclusive whole-file range lock with flock(2). This is the same raw
// Linux syscall idiom the rest of the corpus uses wherever no portable
// stdlib equivalent exists — see lib/secret's unix.Mlock and
// lib/hwinfo/amdgpu's unix.Ioctl calls.
package repolock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/capsule-foundation/capsule/internal/core"
)

// Lock is a scoped handle on the repo-wide advisory lock. The zero
// value is not usable; create one with [New].
type Lock struct {
	path string

	mu      sync.Mutex
	fd      int
	held    bool
	waiters int // number of in-process Acquire calls currently holding
}

// New returns a Lock bound to the sentinel file at path. New does not
// create the file's parent directory; Acquire creates it if it is
// missing.
func New(path string) *Lock {
	return &Lock{path: path, fd: -1}
}

// Acquire takes the exclusive lock, blocking other processes. Within
// the same process, re-acquiring an already-held Lock value is a
// no-op that returns success immediately — this lets nested call
// paths (e.g. Deferred-GC invoked while an install task also holds the
// lock) avoid self-deadlock without every caller needing to track
// whether an ancestor already acquired it.
//
// Fails with a *core.Error of Kind core.KindLockContended if another
// process holds the lock, or core.KindIOError if the sentinel file
// cannot be created or opened.
func (l *Lock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		l.waiters++
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return core.Wrap(core.KindIOError, "creating repo lock directory", err)
	}

	fd, err := unix.Open(l.path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return core.Wrap(core.KindIOError, fmt.Sprintf("opening repo lock %s", l.path), err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return core.New(core.KindLockContended, "repo is locked by another process")
		}
		return core.Wrap(core.KindIOError, "flock repo lock", err)
	}

	l.fd = fd
	l.held = true
	l.waiters = 1
	return nil
}

// Release drops one level of in-process holding. The OS-level lock is
// released and the sentinel removed only when the last in-process
// holder releases.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}

	l.waiters--
	if l.waiters > 0 {
		return nil
	}

	var err error
	if unlockErr := unix.Flock(l.fd, unix.LOCK_UN); unlockErr != nil {
		err = core.Wrap(core.KindIOError, "unlocking repo lock", unlockErr)
	}
	unix.Close(l.fd)
	l.fd = -1
	l.held = false

	if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) && err == nil {
		err = core.Wrap(core.KindIOError, "removing repo lock sentinel", removeErr)
	}
	return err
}

// Held reports whether this Lock value currently holds the lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// WithLock acquires l, runs fn, and releases l afterward regardless of
// whether fn returns an error.
func WithLock(l *Lock, fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
