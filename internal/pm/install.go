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

// installKind distinguishes the message type an Install request
// surfaces to the caller (spec §4.5.1 step 5).
type installKind int

const (
	installKindInstall installKind = iota
	installKindUpgrade
)

// Install resolves and installs or upgrades a package from the
// configured remote (spec §4.5.1).
func (m *Manager) Install(ctx context.Context, params InstallParameters) (*task.Task, error) {
	pkg := params.Package
	if pkg.ID == "" {
		return nil, core.New(core.KindInvalidArgs, "package id is required")
	}
	curModule := pkg.module()
	fuzzy := pkg.fuzzy()

	if !curModule.IsPrincipal() {
		return m.installNonPrincipalModule(ctx, fuzzy, curModule)
	}

	if pkg.Version != "" {
		if _, err := m.repo.ClearReference(ctx, fuzzy, repo.ScopeLocalOnly, ""); err == nil {
			return nil, core.New(core.KindAlreadyInstalled, "the requested version is already installed")
		}
	}

	unversioned := fuzzy.WithoutVersion()
	localRef, hasLocal, err := m.resolveLocalLatest(ctx, unversioned, curModule)
	if err != nil {
		return nil, err
	}
	remoteRef, err := m.repo.ClearReference(ctx, unversioned, repo.ScopeRemoteOnly, curModule)
	if err != nil {
		return nil, err
	}

	var localRefPtr *capref.Reference
	kind := installKindInstall
	if hasLocal {
		localRefPtr = &localRef
		switch {
		case localRef.Version == remoteRef.Version:
			return nil, core.New(core.KindAlreadyInstalled, "the latest version is already installed")
		case remoteRef.Version.GreaterThan(localRef.Version):
			kind = installKindUpgrade
		default:
			if !params.Options.Force {
				return nil, core.Newf(core.KindInvalidArgs,
					"remote version %s is older than installed version %s; pass --force to downgrade",
					remoteRef.Version, localRef.Version)
			}
			kind = installKindUpgrade
		}
	}

	modulesToInstall := []capref.Module{curModule}
	if hasLocal {
		modulesToInstall = m.repo.GetModuleList(localRef)
	}

	refSpec := m.refSpecFor(remoteRef, curModule)
	opts := params.Options
	return m.engine.Submit([]string{refSpec}, func(h *task.Handle) {
		if kind == installKindUpgrade && !opts.SkipInteraction {
			action, err := h.RequestInteraction(task.MessageQuestion, upgradeInteractionMessage(localRef, remoteRef))
			if err != nil || action != "yes" {
				h.Finish(task.StateCanceled, "upgrade declined")
				return
			}
		}
		m.runInstall(context.Background(), h, remoteRef, localRefPtr, modulesToInstall)
	})
}

// upgradeInteractionMessage renders the additionalMessage payload for
// the Upgrade RequestInteraction event (spec §4.5.1 step 6, scenario 2).
func upgradeInteractionMessage(localRef, remoteRef capref.Reference) string {
	return fmt.Sprintf("upgrade %s from %s to %s?", remoteRef.ID, localRef.Version, remoteRef.Version)
}

// resolveLocalLatest resolves the latest local reference matching
// fuzzy (with any version constraint already dropped by the caller)
// restricted to module, reporting whether one exists.
func (m *Manager) resolveLocalLatest(ctx context.Context, fuzzy capref.Fuzzy, module capref.Module) (capref.Reference, bool, error) {
	ref, err := m.repo.ClearReference(ctx, fuzzy, repo.ScopeLocalOnly, module)
	if err != nil {
		if core.Is(err, core.KindNotFound) {
			return capref.Reference{}, false, nil
		}
		return capref.Reference{}, false, err
	}
	return ref, true, nil
}

// installNonPrincipalModule implements spec §4.5.1 step 2: installing
// a module (develop, debug, …) other than the principal app always
// follows the already-installed principal's version, never pulls a
// new one.
func (m *Manager) installNonPrincipalModule(ctx context.Context, fuzzy capref.Fuzzy, module capref.Module) (*task.Task, error) {
	if fuzzy.Version != nil {
		return nil, core.New(core.KindInvalidArgs, "non-principal modules follow the principal module's version; omit version")
	}

	localRef, err := m.repo.ClearReference(ctx, fuzzy, repo.ScopeLocalOnly, "")
	if err != nil {
		return nil, core.Wrap(core.KindNotInstalled, "install the app first", err)
	}
	if capref.ContainsModule(m.repo.GetModuleList(localRef), module) {
		return nil, core.Newf(core.KindAlreadyInstalled, "module %s is already installed for %s", module, localRef)
	}

	refSpec := m.refSpecFor(localRef, module)
	return m.engine.Submit([]string{refSpec}, func(h *task.Handle) {
		m.runInstall(context.Background(), h, localRef, nil, []capref.Module{module})
	})
}

// runInstall is the task closure body for §4.5.3's Install(task,
// newRef, oldRef?, modules) algorithm.
func (m *Manager) runInstall(ctx context.Context, h *task.Handle, newRef capref.Reference, oldRef *capref.Reference, modules []capref.Module) {
	if h.Terminal() {
		return
	}

	txn := newTransaction(m.logger)
	_, err := m.installOne(ctx, h, txn, installSpec{newRef: newRef, oldRef: oldRef, modules: modules, cacheFatal: true})
	if err != nil {
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
	h.SetSubState(task.SubStateAllDone)
	if busy, _ := m.repo.IsRefBusy(newRef); busy && oldRef != nil {
		h.Finish(task.StatePackageManagerDone, fmt.Sprintf("%s installed; restart the running app to apply", newRef))
		return
	}
	h.Finish(task.StateSucceed, fmt.Sprintf("%s installed", newRef))
}

// installSpec bundles one Install(task, newRef, oldRef?, modules) call
// (spec §4.5.3) so it can be driven both by a single-package Install
// task and by Update's per-item batch loop.
type installSpec struct {
	newRef     capref.Reference
	oldRef     *capref.Reference
	modules    []capref.Module
	cacheFatal bool
}

// installOne runs §4.5.3's algorithm for one (newRef, oldRef?, modules)
// triple against an already-open transaction, without touching the
// task's terminal state — the caller decides how to finish the task
// from the returned error (or nil). Returns the modules actually
// installed (after remote-availability intersection).
func (m *Manager) installOne(ctx context.Context, h *task.Handle, txn *transaction, spec installSpec) ([]capref.Module, error) {
	remoteModules, err := m.repo.GetRemoteModuleList(ctx, spec.newRef, spec.modules)
	if err != nil {
		return nil, fmt.Errorf("listing remote modules for %s: %w", spec.newRef, err)
	}
	modules := capref.IntersectModules(spec.modules, remoteModules)
	if len(modules) == 0 {
		return nil, fmt.Errorf("%s: requested modules are not available remotely", spec.newRef)
	}

	installedModules := append([]capref.Module(nil), modules...)
	txn.add(func() error { return m.uninstallModules(spec.newRef, installedModules) })

	if err := m.installRef(ctx, h, txn, spec.newRef, modules); err != nil {
		return nil, err
	}
	if h.Terminal() {
		return nil, core.New(core.KindCanceled, "task cancelled")
	}

	m.repo.MergeModules()

	item, hasApp := m.repo.GetItem(spec.newRef, capref.ModuleBinary, "")
	if hasApp && item.Info.Kind == layerstore.KindApp {
		if spec.oldRef != nil {
			if err := m.removeAfterInstall(ctx, h, txn, *spec.oldRef, spec.newRef, modules); err != nil {
				return nil, err
			}
		} else if err := m.repo.ExportReference(spec.newRef); err != nil {
			return nil, fmt.Errorf("exporting %s: %w", spec.newRef, err)
		}

		h.SetSubState(task.SubStatePostAction)
		if err := m.generateCache(ctx, spec.newRef, spec.cacheFatal); err != nil {
			return nil, fmt.Errorf("generating cache for %s: %w", spec.newRef, err)
		}
	}

	return modules, nil
}

// installRef implements §4.5.4's InstallRef(task, ref, modules): pulls
// every requested module not already present as a deleted layer
// (which is unmarked instead), pulling the principal module's
// transitive dependencies along the way.
func (m *Manager) installRef(ctx context.Context, h *task.Handle, txn *transaction, ref capref.Reference, modules []capref.Module) error {
	if err := m.checkArch(ref); err != nil {
		return err
	}
	h.SetSubState(task.SubStateInstallApplication)

	for _, module := range modules {
		if h.Terminal() {
			return core.New(core.KindCanceled, "task cancelled")
		}

		if item, ok := m.repo.GetItem(ref, module, ""); ok && item.Deleted {
			if err := m.repo.MarkDeleted(ref, module, false); err != nil {
				return fmt.Errorf("unmarking %s module %s: %w", ref, module, err)
			}
			mod := module
			txn.add(func() error { return m.repo.MarkDeleted(ref, mod, true) })
			continue
		}

		report := func(transferred, total int64) {
			h.SetMessage(fmt.Sprintf("pulling %s module %s: %d bytes", ref, module, transferred))
		}
		if _, err := m.repo.Pull(ctx, ref, module, report); err != nil {
			return fmt.Errorf("pulling %s module %s: %w", ref, module, err)
		}
		mod := module
		txn.add(func() error { return m.repo.Remove(ref, mod, "") })

		if h.Terminal() {
			return core.New(core.KindCanceled, "task cancelled")
		}

		if mod.IsPrincipal() {
			item, ok := m.repo.GetItem(ref, mod, "")
			if ok {
				if err := m.pullDependency(ctx, h, txn, item.Info); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// pullDependency implements §4.5.5: resolves and pulls an app layer's
// declared runtime and base dependencies, if not already present
// locally, recording a rollback remove step for each pulled
// dependency. No-ops for non-app layers.
func (m *Manager) pullDependency(ctx context.Context, h *task.Handle, txn *transaction, info layerstore.PackageInfo) error {
	if info.Kind != layerstore.KindApp {
		return nil
	}

	if info.Runtime != nil {
		h.SetSubState(task.SubStateInstallRuntime)
		if err := m.ensureDependency(ctx, h, txn, *info.Runtime, capref.ModuleRuntime); err != nil {
			return err
		}
	}

	h.SetSubState(task.SubStateInstallBase)
	if info.Base != nil {
		if err := m.ensureDependency(ctx, h, txn, *info.Base, capref.ModuleBinary); err != nil {
			return err
		}
	}
	return nil
}

// ensureDependency resolves dep with local-with-remote-fallback scope
// and pulls it if not already local.
func (m *Manager) ensureDependency(ctx context.Context, h *task.Handle, txn *transaction, dep capref.Reference, module capref.Module) error {
	if h.Terminal() {
		return core.New(core.KindCanceled, "task cancelled")
	}

	fuzzy := capref.Fuzzy{Channel: capref.Str(dep.Channel), ID: capref.Str(dep.ID), Version: capref.Ver(string(dep.Version)), Arch: capref.Str(dep.Arch)}
	resolved, err := m.repo.ClearReference(ctx, fuzzy, repo.ScopeLocalWithRemoteFallback, module)
	if err != nil {
		return fmt.Errorf("resolving dependency %s: %w", dep, err)
	}

	if _, ok := m.repo.GetItem(resolved, module, ""); ok {
		return nil
	}

	report := func(transferred, total int64) {
		h.SetMessage(fmt.Sprintf("pulling dependency %s: %d bytes", resolved, transferred))
	}
	if _, err := m.repo.Pull(ctx, resolved, module, report); err != nil {
		return fmt.Errorf("pulling dependency %s: %w", resolved, err)
	}
	txn.add(func() error { return m.repo.Remove(resolved, module, "") })
	return nil
}

// uninstallModules is the best-effort rollback step registered by
// installOne: it removes every module it pulled for ref.
func (m *Manager) uninstallModules(ref capref.Reference, modules []capref.Module) error {
	var firstErr error
	for _, module := range modules {
		if err := m.repo.Remove(ref, module, ""); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
