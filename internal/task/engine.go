// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capsule-foundation/capsule/internal/core"
	"github.com/capsule-foundation/capsule/lib/clock"
)

// EventSink receives the engine's emitted events (spec §6). The RPC
// transport implements this to fan events out to subscribers, the way
// observe/relay.go fans out to connected clients; internal/task itself
// has no notion of subscribers or wire format.
type EventSink interface {
	TaskAdded(taskID string)
	RequestInteraction(taskID string, messageType MessageType, additionalMessage string)
	ReplyReceived(taskID string, action string)
	SearchFinished(jobID string)
	PruneFinished(jobID string)
	GenerateCacheFinished(jobID string, ok bool)
}

// NopEventSink discards every event; useful when a caller only needs
// the engine's scheduling behavior (e.g. in tests).
type NopEventSink struct{}

func (NopEventSink) TaskAdded(string)                               {}
func (NopEventSink) RequestInteraction(string, MessageType, string) {}
func (NopEventSink) ReplyReceived(string, string)                   {}
func (NopEventSink) SearchFinished(string)                          {}
func (NopEventSink) PruneFinished(string)                           {}
func (NopEventSink) GenerateCacheFinished(string, bool)             {}

const defaultGCIntervalSeconds = 3600

// DefaultGCInterval returns the Deferred-GC pass interval from the
// CAPSULE_GC_INTERVAL_SECONDS environment variable, falling back to
// 3600s on an absent value, and to 3600s with a warning on an invalid
// one, per spec §6's
// "one variable controls the deferred-GC interval" rule.
func DefaultGCInterval(raw string, logger *slog.Logger) time.Duration {
	if raw == "" {
		return defaultGCIntervalSeconds * time.Second
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || seconds <= 0 {
		if logger != nil {
			logger.Warn("invalid deferred-GC interval, using default", "value", raw, "default_seconds", defaultGCIntervalSeconds)
		}
		return defaultGCIntervalSeconds * time.Second
	}
	return time.Duration(seconds) * time.Second
}

// Engine is the Task Engine (component C4): a submission queue
// enforcing at-most-one active task per ref-spec set (I5), a single
// primary executor goroutine, and a periodic Deferred-GC timer.
type Engine struct {
	sink   EventSink
	clock  clock.Clock
	logger *slog.Logger

	mu             sync.Mutex
	tasks          map[string]*Task
	activeRefSpecs map[string]string // ref-spec key -> task ID holding it

	queue chan func()

	gcInterval time.Duration
	gcFunc     func(ctx context.Context)

	stop chan struct{}
	done chan struct{}
}

// Options configures New.
type Options struct {
	Sink       EventSink
	Clock      clock.Clock
	Logger     *slog.Logger
	GCInterval time.Duration
	// GCFunc runs the Deferred-GC pass; invoked on its own goroutine so
	// it never blocks the primary executor, per spec §5.
	GCFunc func(ctx context.Context)
}

// New creates an Engine. Call Start to begin processing.
func New(opts Options) *Engine {
	if opts.Sink == nil {
		opts.Sink = NopEventSink{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = defaultGCIntervalSeconds * time.Second
	}

	return &Engine{
		sink:           opts.Sink,
		clock:          opts.Clock,
		logger:         opts.Logger,
		tasks:          make(map[string]*Task),
		activeRefSpecs: make(map[string]string),
		queue:          make(chan func(), 64),
		gcInterval:     opts.GCInterval,
		gcFunc:         opts.GCFunc,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start launches the primary executor and the Deferred-GC timer. Stop
// shuts both down.
func (e *Engine) Start() {
	go e.runExecutor()
	if e.gcFunc != nil {
		go e.runGCTimer()
	}
}

// Stop signals the executor and GC timer to exit, releases every task
// currently blocked in RequestInteraction with a KindCanceled error
// (spec §9's "explicit cancellation of pending waits at shutdown"),
// and waits for the executor to drain its current closure.
func (e *Engine) Stop() {
	e.flushPendingInteractions()
	close(e.stop)
	<-e.done
}

// flushPendingInteractions resolves every task currently parked in
// Handle.RequestInteraction to Canceled, so a shutdown never leaves a
// closure's goroutine blocked forever on a reply that will never
// arrive.
func (e *Engine) flushPendingInteractions() {
	e.mu.Lock()
	tasks := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	for _, t := range tasks {
		t.mu.Lock()
		pending := t.interactionDone
		t.interactionDone = nil
		t.cancelRequested = true
		t.mu.Unlock()
		if pending != nil {
			close(pending)
		}
	}
}

func (e *Engine) runExecutor() {
	defer close(e.done)
	for {
		select {
		case fn := <-e.queue:
			fn()
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) runGCTimer() {
	ticker := e.clock.NewTicker(e.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.gcFunc(context.Background())
		case <-e.stop:
			return
		}
	}
}

// refSpecKey canonicalizes a ref-spec's (channel, id, arch, module)
// identity for I5's per-ref-spec serialization.
func refSpecKey(refSpec string) string { return refSpec }

// Submit enqueues closure under the given ref-specs. If any ref-spec
// is already held by an active task, Submit returns a *core.Error of
// KindBusy and the closure is never run — conflicting submissions are
// rejected outright, not queued behind the active task (spec §4.4).
func (e *Engine) Submit(refSpecs []string, closure Closure) (*Task, error) {
	e.mu.Lock()
	for _, spec := range refSpecs {
		key := refSpecKey(spec)
		if holder, busy := e.activeRefSpecs[key]; busy {
			e.mu.Unlock()
			return nil, core.Newf(core.KindBusy, "ref-spec %q is held by task %s", spec, holder)
		}
	}

	id := uuid.NewString()
	t := newTask(id, refSpecs)
	e.tasks[id] = t
	for _, spec := range refSpecs {
		e.activeRefSpecs[refSpecKey(spec)] = id
	}
	e.mu.Unlock()

	e.sink.TaskAdded(id)

	e.queue <- func() {
		t.mu.Lock()
		t.state = StateProcessing
		t.mu.Unlock()

		h := &Handle{task: t, engine: e}
		closure(h)

		// Defensive: a closure must call Handle.Finish before
		// returning. One that doesn't is a programming error in the
		// closure, not a user-facing outcome the spec defines, so it
		// is surfaced as Failed rather than left Processing forever.
		t.mu.Lock()
		stillProcessing := !t.state.Terminal()
		t.mu.Unlock()
		if stillProcessing {
			h.Finish(StateFailed, "task closure returned without reaching a terminal state")
		}
	}

	return t, nil
}

// releaseRefSpecs frees t's held ref-specs so a new submission against
// them can proceed. Called once, from Handle.Finish.
func (e *Engine) releaseRefSpecs(t *Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, spec := range t.RefSpecs {
		key := refSpecKey(spec)
		if e.activeRefSpecs[key] == t.ID {
			delete(e.activeRefSpecs, key)
		}
	}
}

// Get returns t's snapshot and marks it observed if terminal. A task
// that is both terminal and observed is removed from the engine's
// table on the next Get, so the Get that first sees a terminal task
// still returns it and the following Get sweeps it (spec §3's
// "destroyed when terminal AND observed").
func (e *Engine) Get(id string) (Snapshot, bool) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}

	snap := t.Snapshot()
	t.mu.Lock()
	wasTerminal := t.state.Terminal()
	alreadyObserved := t.observed
	if wasTerminal {
		t.observed = true
	}
	t.mu.Unlock()

	if wasTerminal && alreadyObserved {
		e.mu.Lock()
		delete(e.tasks, id)
		e.mu.Unlock()
	}
	return snap, true
}

// Cancel requests cancellation of the task with the given ID. Returns
// false if no such task exists.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	t, ok := e.tasks[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	t.RequestCancel()
	return true
}

// emitRequestInteraction publishes the RequestInteraction event.
func (e *Engine) emitRequestInteraction(taskID string, messageType MessageType, additionalMessage string) {
	e.sink.RequestInteraction(taskID, messageType, additionalMessage)
}

// ReplyInteraction delivers action to the task awaiting interaction
// with the given ID, resuming it exactly once (spec §4.4). Returns a
// *core.Error of KindNotFound if no task has that ID, and of
// KindInvalidArgs if the task exists but is not awaiting a reply; a
// reply for a different task than the one waiting is simply ignored,
// matching "a reply matching any other task is ignored for this task."
func (e *Engine) ReplyInteraction(taskID string, action string) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	e.mu.Unlock()
	if !ok {
		return core.Newf(core.KindNotFound, "no task %s waiting for an interaction reply", taskID)
	}

	t.mu.Lock()
	replyCh := t.pendingReply
	t.pendingReply = nil
	t.interactionDone = nil
	t.mu.Unlock()

	if replyCh == nil {
		return core.Newf(core.KindInvalidArgs, "task %s is not currently awaiting an interaction reply", taskID)
	}

	replyCh <- action
	e.sink.ReplyReceived(taskID, action)
	return nil
}
