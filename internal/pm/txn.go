// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package pm

import "log/slog"

// transaction accumulates rollback steps for a multi-step operation
// with all-or-nothing semantics (spec §9's "Scoped rollback
// registration" row). Steps run in LIFO order on rollback, each
// best-effort: a failing step is logged at error level and never stops
// the remaining steps from running (spec §5, §7).
type transaction struct {
	logger *slog.Logger
	steps  []func() error
}

func newTransaction(logger *slog.Logger) *transaction {
	return &transaction{logger: logger}
}

// add appends a rollback step, to be run if the transaction is rolled
// back. Steps run in reverse of the order they were added.
func (t *transaction) add(step func() error) {
	t.steps = append(t.steps, step)
}

// commit discards every recorded rollback step. Call this once the
// operation has succeeded and rollback is no longer needed.
func (t *transaction) commit() {
	t.steps = nil
}

// rollback runs every recorded step in LIFO order. Failures are
// logged at error level and never mask the error that triggered the
// rollback (spec §7): callers return their own error after calling
// rollback, not rollback's.
func (t *transaction) rollback() {
	for i := len(t.steps) - 1; i >= 0; i-- {
		if err := t.steps[i](); err != nil {
			t.logger.Error("rollback step failed", "error", err)
		}
	}
	t.steps = nil
}
