// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"github.com/capsule-foundation/capsule/internal/core"
)

// MessageType selects how RequestInteraction's prompt should be
// rendered at the RPC boundary (spec §4.4).
type MessageType int

const (
	MessageQuestion MessageType = iota
	MessageNotification
)

// Handle is the mutable task handle a Closure receives. Every method
// is a suspension point: closures must call Terminal() before and
// after using Handle to perform I/O, per spec §5's cancellation
// checkpoints.
type Handle struct {
	task   *Task
	engine *Engine
}

// Terminal reports whether the task has been cancelled or otherwise
// reached a terminal state, without blocking. Closures check this at
// every suspension point (spec §5).
func (h *Handle) Terminal() bool {
	h.task.mu.Lock()
	defer h.task.mu.Unlock()
	return h.task.state.Terminal() || h.task.cancelRequested
}

// SetSubState updates the task's fine-grained progress marker.
func (h *Handle) SetSubState(sub SubState) {
	h.task.mu.Lock()
	h.task.subState = sub
	h.task.mu.Unlock()
}

// SetMessage updates the task's observable message.
func (h *Handle) SetMessage(message string) {
	h.task.mu.Lock()
	h.task.message = message
	h.task.mu.Unlock()
}

// Finish transitions the task to a terminal state with a final
// message. It is a no-op if the task is already terminal (the lattice
// is monotone; a closure must not call Finish twice).
func (h *Handle) Finish(state State, message string) {
	h.task.mu.Lock()
	if h.task.state.Terminal() {
		h.task.mu.Unlock()
		h.engine.logger.Warn("Finish called on an already-terminal task", "task_id", h.task.ID, "state", h.task.state, "attempted_state", state)
		return
	}
	h.task.state = state
	h.task.message = message
	h.task.mu.Unlock()
	h.engine.releaseRefSpecs(h.task)
}

// RequestInteraction emits an interaction prompt and blocks until
// exactly one matching ReplyReceived arrives or the task is
// cancelled. Returns the reply's action string ("yes" or any other
// value), or a *core.Error of KindCanceled if cancelled while
// waiting (spec §4.4, §7).
func (h *Handle) RequestInteraction(messageType MessageType, additionalMessage string) (string, error) {
	h.task.mu.Lock()
	if h.task.cancelRequested || h.task.state.Terminal() {
		h.task.mu.Unlock()
		return "", core.New(core.KindCanceled, "task cancelled before interaction could be requested")
	}
	replyCh := make(chan string, 1)
	doneCh := make(chan struct{})
	h.task.pendingReply = replyCh
	h.task.interactionDone = doneCh
	h.task.mu.Unlock()

	h.engine.emitRequestInteraction(h.task.ID, messageType, additionalMessage)

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-doneCh:
		return "", core.New(core.KindCanceled, "task cancelled while awaiting interaction reply")
	}
}
