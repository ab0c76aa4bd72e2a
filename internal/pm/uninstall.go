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
)

// Uninstall implements spec §4.5.6.
func (m *Manager) Uninstall(ctx context.Context, params UninstallParameters) (*task.Task, error) {
	pkg := params.Package
	if pkg.ID == "" {
		return nil, core.New(core.KindInvalidArgs, "package id is required")
	}

	ref, err := m.repo.ClearReference(ctx, pkg.fuzzy(), repo.ScopeLocalOnly, "")
	if err != nil {
		return nil, core.Wrap(core.KindNotInstalled, fmt.Sprintf("%s is not installed", pkg.ID), err)
	}

	if busy, err := m.repo.IsRefBusy(ref); err != nil {
		return nil, err
	} else if busy {
		return nil, core.Newf(core.KindBusy, "%s cannot be uninstalled while it is running", ref).AsNotification()
	}

	module := pkg.module()
	refSpec := m.refSpecFor(ref, module)
	return m.engine.Submit([]string{refSpec}, func(h *task.Handle) {
		m.runUninstall(context.Background(), h, ref, module)
	})
}

// runUninstall is the task closure body for §4.5.6's uninstall steps
// 3a–3c.
func (m *Manager) runUninstall(ctx context.Context, h *task.Handle, ref capref.Reference, module capref.Module) {
	if h.Terminal() {
		return
	}

	txn := newTransaction(m.logger)
	modules := []capref.Module{module}

	if module.IsPrincipal() {
		if err := m.repo.UnexportReference(ref); err != nil {
			h.Finish(task.StateFailed, fmt.Sprintf("unexporting %s: %v", ref, err))
			return
		}
		txn.add(func() error { return m.repo.ExportReference(ref) })
		modules = m.repo.GetModuleList(ref)
	}

	if err := m.uninstallRef(ctx, h, txn, ref, modules); err != nil {
		txn.rollback()
		if !h.Terminal() {
			h.Finish(task.StateFailed, err.Error())
		}
		return
	}
	if h.Terminal() {
		txn.rollback()
		return
	}

	txn.commit()
	m.repo.MergeModules()
	h.SetSubState(task.SubStateAllDone)
	h.Finish(task.StateSucceed, fmt.Sprintf("%s uninstalled", ref))
}

// uninstallRef implements §4.5.6's UninstallRef(task, ref,
// removedModules): for each module, removes its cache (if principal)
// and physically removes the layer, recording a rollback that re-pulls
// the module and regenerates its cache.
func (m *Manager) uninstallRef(ctx context.Context, h *task.Handle, txn *transaction, ref capref.Reference, modules []capref.Module) error {
	h.SetSubState(task.SubStateUninstall)

	for _, module := range modules {
		if h.Terminal() {
			return core.New(core.KindCanceled, "task cancelled")
		}

		if module.IsPrincipal() {
			m.removeCache(ref)
		}

		if err := m.repo.Remove(ref, module, ""); err != nil {
			return fmt.Errorf("removing %s module %s: %w", ref, module, err)
		}

		mod := module
		principal := module.IsPrincipal()
		txn.add(func() error {
			if _, err := m.repo.Pull(ctx, ref, mod, nil); err != nil {
				return err
			}
			if principal {
				return m.generateCache(ctx, ref, false)
			}
			return nil
		})
	}
	return nil
}

// removeAfterInstall implements spec §4.5.8: the transactional tail of
// an upgrade or replacement. If oldRef is in use by a running
// container, its modules are deferred-deleted instead of removed
// outright (spec I4); otherwise they are unexported, their caches and
// layers removed, and newRef is exported in their place.
func (m *Manager) removeAfterInstall(ctx context.Context, h *task.Handle, txn *transaction, oldRef, newRef capref.Reference, modules []capref.Module) error {
	busy, err := m.repo.IsRefBusy(oldRef)
	if err != nil {
		return fmt.Errorf("checking running containers for %s: %w", oldRef, err)
	}

	if busy {
		for _, module := range modules {
			if err := m.repo.MarkDeleted(oldRef, module, true); err != nil {
				return fmt.Errorf("marking %s module %s deleted: %w", oldRef, module, err)
			}
			mod := module
			txn.add(func() error { return m.repo.MarkDeleted(oldRef, mod, false) })
		}
		return nil
	}

	if err := m.repo.UnexportReference(oldRef); err != nil {
		return fmt.Errorf("unexporting %s: %w", oldRef, err)
	}
	txn.add(func() error { return m.repo.ExportReference(oldRef) })

	for _, module := range modules {
		if module.IsPrincipal() {
			m.removeCache(oldRef)
		}
		if err := m.repo.Remove(oldRef, module, ""); err != nil {
			return fmt.Errorf("removing %s module %s: %w", oldRef, module, err)
		}
		mod := module
		principal := module.IsPrincipal()
		txn.add(func() error {
			if _, err := m.repo.Pull(ctx, oldRef, mod, nil); err != nil {
				return err
			}
			if principal {
				return m.generateCache(ctx, oldRef, false)
			}
			return nil
		})
	}

	m.repo.MergeModules()

	if err := m.repo.ExportReference(newRef); err != nil {
		return fmt.Errorf("exporting %s: %w", newRef, err)
	}
	return nil
}
