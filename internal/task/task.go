// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package task implements the Task Engine (component C4): queueable,
// cancellable work units with interactive prompts and observable
// state. The scheduling model is grounded on the cooperative,
// suspension-point style used throughout the teacher corpus's
// goroutine-per-connection daemon services: one primary executor
// goroutine drains a channel of task closures, and closures cooperate
// with cancellation by checking Handle.Terminal() around every call
// that performs I/O.
package task

import (
	"sync"
)

// State is a task's position in its lifecycle lattice (spec §3).
type State int

const (
	StateQueued State = iota
	StateProcessing
	StateSucceed
	StateFailed
	StateCanceled
	StatePartCompleted
	// StatePackageManagerDone is a terminal annotation: the data change
	// succeeded but a user-visible action (e.g. restarting a running
	// app) was deferred.
	StatePackageManagerDone
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "Queued"
	case StateProcessing:
		return "Processing"
	case StateSucceed:
		return "Succeed"
	case StateFailed:
		return "Failed"
	case StateCanceled:
		return "Canceled"
	case StatePartCompleted:
		return "PartCompleted"
	case StatePackageManagerDone:
		return "PackageManagerDone"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is one of the lattice's terminal states.
// Once a task reaches a terminal state it never transitions again
// (spec §3's "monotone lattice").
func (s State) Terminal() bool {
	switch s {
	case StateSucceed, StateFailed, StateCanceled, StatePartCompleted, StatePackageManagerDone:
		return true
	default:
		return false
	}
}

// SubState tracks fine-grained progress within Processing (spec §3).
type SubState int

const (
	SubStateNone SubState = iota
	SubStatePreAction
	SubStateInstallApplication
	SubStateInstallRuntime
	SubStateInstallBase
	SubStatePostAction
	SubStateUninstall
	SubStateAllDone
	SubStatePackageManagerDone
)

func (s SubState) String() string {
	switch s {
	case SubStatePreAction:
		return "PreAction"
	case SubStateInstallApplication:
		return "InstallApplication"
	case SubStateInstallRuntime:
		return "InstallRuntime"
	case SubStateInstallBase:
		return "InstallBase"
	case SubStatePostAction:
		return "PostAction"
	case SubStateUninstall:
		return "Uninstall"
	case SubStateAllDone:
		return "AllDone"
	case SubStatePackageManagerDone:
		return "PackageManagerDone"
	default:
		return "None"
	}
}

// Closure is the unit of work the engine schedules. It receives a
// Handle for state transitions, interaction, and cancellation checks.
type Closure func(h *Handle)

// Task is one queued or running unit of work (spec §3's Task type).
// Fields are accessed through Handle and Engine, never directly, to
// keep every mutation behind the task's mutex.
type Task struct {
	ID       string
	RefSpecs []string

	mu              sync.Mutex
	state           State
	subState        SubState
	message         string
	cancelRequested bool
	observed        bool

	// pendingReply is non-nil while the task's closure is blocked in
	// RequestInteraction, awaiting exactly one ReplyReceived for this
	// task (spec §4.4's interaction protocol).
	pendingReply chan string
	interactionDone chan struct{} // closed to release a pending wait on cancellation
}

func newTask(id string, refSpecs []string) *Task {
	return &Task{ID: id, RefSpecs: refSpecs, state: StateQueued}
}

// Snapshot is a point-in-time, race-free view of a Task's observable
// fields.
type Snapshot struct {
	ID       string
	RefSpecs []string
	State    State
	SubState SubState
	Message  string
}

// Snapshot returns t's current observable state.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{ID: t.ID, RefSpecs: t.RefSpecs, State: t.state, SubState: t.subState, Message: t.message}
}

// Terminal reports whether t has reached a terminal state.
func (t *Task) Terminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Terminal()
}

// RequestCancel marks t for cancellation. The closure observes this at
// its next suspension point via Handle.Terminal().
func (t *Task) RequestCancel() {
	t.mu.Lock()
	t.cancelRequested = true
	pending := t.interactionDone
	t.interactionDone = nil
	t.mu.Unlock()
	if pending != nil {
		close(pending)
	}
}
