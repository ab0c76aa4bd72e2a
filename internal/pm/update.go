// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package pm

import (
	"context"
	"fmt"

	"github.com/capsule-foundation/capsule/internal/core"
	"github.com/capsule-foundation/capsule/internal/repo"
	"github.com/capsule-foundation/capsule/internal/task"
	"github.com/capsule-foundation/capsule/lib/capref"
	"github.com/capsule-foundation/capsule/lib/layerstore"
)

// updateItem is one resolved (oldRef, newRef) pair from an Update
// batch, plus the dependent-lookup state needed to run it.
type updateItem struct {
	oldRef  capref.Reference
	newRef  capref.Reference
	kind    layerstore.Kind
	modules []capref.Module
}

// Update implements spec §4.5.7: resolves every requested package
// against its "same app, newer version" remote candidate and runs the
// whole batch as a single task.
func (m *Manager) Update(ctx context.Context, params UpdateParameters) (*task.Task, error) {
	if len(params.Packages) == 0 {
		return nil, core.New(core.KindInvalidArgs, "at least one package is required")
	}

	var items []updateItem
	var refSpecs []string
	for _, pkg := range params.Packages {
		if pkg.ID == "" {
			return nil, core.New(core.KindInvalidArgs, "package id is required")
		}

		oldRef, err := m.repo.ClearReference(ctx, pkg.fuzzy(), repo.ScopeLocalOnly, "")
		if err != nil {
			return nil, core.Wrap(core.KindNotInstalled, fmt.Sprintf("%s is not installed", pkg.ID), err)
		}

		if pin, pinned := m.repo.GetConfig().PinFor(oldRef.ID); pinned {
			if pin.Version == "" || pin.Version == string(oldRef.Version) {
				return nil, core.Newf(core.KindAlreadyInstalled, "%s is version-pinned at %s", oldRef.ID, oldRef.Version)
			}
		}

		item, _ := m.repo.GetItem(oldRef, capref.ModuleBinary, "")
		kind := item.Info.Kind

		newRef, err := m.latestRemoteReference(ctx, kind, pkg.fuzzy())
		if err != nil {
			return nil, err
		}
		if !newRef.Version.GreaterThan(oldRef.Version) {
			return nil, core.Newf(core.KindAlreadyInstalled, "%s is already at the latest version", oldRef)
		}

		items = append(items, updateItem{oldRef: oldRef, newRef: newRef, kind: kind, modules: m.repo.GetModuleList(oldRef)})
		refSpecs = append(refSpecs, m.refSpecFor(newRef, capref.ModuleBinary))
	}

	return m.engine.Submit(refSpecs, func(h *task.Handle) {
		m.runUpdate(context.Background(), h, items)
	})
}

// latestRemoteReference implements §4.5.7 step 2: app-kind references
// drop their version before resolving remotely, allowing a jump across
// major versions; base/runtime references keep their version, so only
// same-line (bugfix) updates are ever offered.
func (m *Manager) latestRemoteReference(ctx context.Context, kind layerstore.Kind, fuzzy capref.Fuzzy) (capref.Reference, error) {
	if kind == layerstore.KindApp {
		fuzzy = fuzzy.WithoutVersion()
	}
	return m.repo.ClearReference(ctx, fuzzy, repo.ScopeRemoteOnly, "")
}

// runUpdate implements §4.5.7 step 4: each (oldRef, newRef) pair is
// installed independently, with its own transaction, so one item's
// failure never unwinds another's successful update. The task's
// overall terminal state summarizes the batch.
func (m *Manager) runUpdate(ctx context.Context, h *task.Handle, items []updateItem) {
	var succeeded, failed, deferred int

	for i, item := range items {
		if h.Terminal() {
			return
		}
		h.SetSubState(task.SubStatePreAction)
		h.SetMessage(fmt.Sprintf("updating %d/%d: %s -> %s", i+1, len(items), item.oldRef, item.newRef.Version))

		busy, err := m.updateOne(ctx, h, item)
		if err != nil {
			failed++
			m.logger.Error("update item failed", "ref", item.oldRef.String(), "error", err)
			continue
		}
		succeeded++
		if busy {
			deferred++
		}
	}

	if h.Terminal() {
		return
	}

	switch {
	case deferred > 0:
		h.SetSubState(task.SubStatePackageManagerDone)
		h.Finish(task.StatePackageManagerDone, fmt.Sprintf("%d/%d updated; restart running apps to apply", succeeded, len(items)))
	case failed > 0 && succeeded > 0:
		h.Finish(task.StatePartCompleted, fmt.Sprintf("%d/%d packages updated", succeeded, len(items)))
	case failed > 0:
		h.Finish(task.StateFailed, "all packages failed to update")
	default:
		h.SetSubState(task.SubStateAllDone)
		h.Finish(task.StateSucceed, fmt.Sprintf("%d packages updated", succeeded))
	}
}

// updateOne runs one batch item's install-and-replace sequence (spec
// §4.5.7's "Update(task, oldRef, newRef)"): installs newRef for
// oldRef's remotely-available module set, then, for app-kind items,
// calls removeAfterInstall and regenerates the cache. Cache generation
// failure is non-fatal here — Update's per-item continuation takes
// priority over the stricter fatal-for-install rule used by a
// single-package Install.
func (m *Manager) updateOne(ctx context.Context, h *task.Handle, item updateItem) (busy bool, err error) {
	txn := newTransaction(m.logger)
	_, err = m.installOne(ctx, h, txn, installSpec{
		newRef:     item.newRef,
		oldRef:     &item.oldRef,
		modules:    item.modules,
		cacheFatal: false,
	})
	if err != nil {
		txn.rollback()
		return false, err
	}
	txn.commit()

	busy, _ = m.repo.IsRefBusy(item.oldRef)
	return busy, nil
}
