// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package pm

import (
	"context"
	"fmt"

	"github.com/capsule-foundation/capsule/internal/core"
	"github.com/capsule-foundation/capsule/internal/task"
	"github.com/capsule-foundation/capsule/lib/capref"
	"github.com/capsule-foundation/capsule/lib/layerstore"
)

// FileSource opens an install-from-file descriptor and unpacks it. The
// loopback mount (or whatever backing store the descriptor resolves
// to) is this collaborator's responsibility end to end: every method
// below returns a Release func that must run on every exit path,
// mirroring the Repo Facade's own "the pull/checkout primitive is an
// external collaborator" boundary.
type FileSource interface {
	// OpenLayer parses a single ".layer" file's descriptor.
	OpenLayer(ctx context.Context, fd int) (LayerFile, error)
	// OpenUAB parses a ".uab" bundle's descriptor, unpacking every
	// embedded layer up front.
	OpenUAB(ctx context.Context, fd int) (UABFile, error)
}

// LayerFile is one opened, unpacked ".layer" descriptor.
type LayerFile struct {
	Ref      capref.Reference
	Module   capref.Module
	Arch     string
	Info     layerstore.PackageInfo
	Dir      string
	Overlays []string
	// Minified marks a dependency layer bundled into a UAB only for
	// that UAB's own use (spec §4.5.13): it imports under the owning
	// UAB's SubRef instead of the shared, unscoped slot. Always false
	// for the app layer itself, which never carries a SubRef.
	Minified bool
	Release  func()
}

// UABFile is one opened, unpacked ".uab" bundle: a principal app layer
// plus every layer it embeds (its own base/runtime, if bundled).
type UABFile struct {
	UUID    string
	Arch    string
	Layers  []LayerFile
	Release func()
}

// InstallFromFile implements spec §4.5.2: install from a locally
// opened file descriptor rather than a configured remote. fileType
// selects between the single-layer and UAB-bundle flavors.
func (m *Manager) InstallFromFile(ctx context.Context, fd int, fileType string, opts CommonOptions) (*task.Task, error) {
	if m.fileSource == nil {
		return nil, core.New(core.KindInternal, "installing from a file is not supported in this configuration")
	}
	switch fileType {
	case "layer":
		return m.installLayerFile(ctx, fd, opts)
	case "uab":
		return m.installUABFile(ctx, fd, opts)
	default:
		return nil, core.Newf(core.KindInvalidArgs, "unrecognized install-from-file type %q", fileType)
	}
}

// installLayerFile handles the single-layer flavor of §4.5.2: the file
// carries exactly one module of one reference, and installing a
// non-principal module this way is rejected — a develop/debug module
// has no meaning detached from an already-installed app.
func (m *Manager) installLayerFile(ctx context.Context, fd int, opts CommonOptions) (*task.Task, error) {
	lf, err := m.fileSource.OpenLayer(ctx, fd)
	if err != nil {
		return nil, core.Wrap(core.KindInvalidArgs, "opening layer file", err)
	}
	release := lf.Release
	ok := false
	defer func() {
		if !ok && release != nil {
			release()
		}
	}()

	if lf.Arch != m.hostArch {
		return nil, core.Newf(core.KindArchMismatch, "layer architecture %s does not match host architecture %s", lf.Arch, m.hostArch)
	}
	if !lf.Module.IsPrincipal() {
		return nil, core.New(core.KindInvalidArgs, "installing a non-principal module from a layer file is not supported; install the app first")
	}

	localRef, hasLocal, err := m.resolveLocalLatest(ctx, sameLineFuzzy(lf.Ref), lf.Module)
	if err != nil {
		return nil, err
	}
	var localRefPtr *capref.Reference
	if hasLocal {
		if err := checkNotOlder(localRef, lf.Ref, opts.Force); err != nil {
			return nil, err
		}
		localRefPtr = &localRef
	}

	refSpec := m.refSpecFor(lf.Ref, lf.Module)
	ok = true
	return m.engine.Submit([]string{refSpec}, func(h *task.Handle) {
		defer release()
		m.runInstallLayerFile(context.Background(), h, lf, localRefPtr)
	})
}

// runInstallLayerFile is the task closure body for the single-layer
// flavor: import the already-unpacked directory in place of a Pull,
// then fall through to the same dependency-pull, mergeModules, and
// replace-or-export tail that §4.5.3's Install uses.
func (m *Manager) runInstallLayerFile(ctx context.Context, h *task.Handle, lf LayerFile, oldRef *capref.Reference) {
	if h.Terminal() {
		return
	}
	if err := m.checkArch(lf.Ref); err != nil {
		h.Finish(task.StateFailed, err.Error())
		return
	}

	txn := newTransaction(m.logger)
	h.SetSubState(task.SubStateInstallApplication)

	item, err := m.repo.ImportLayerDir(lf.Ref, lf.Module, lf.Dir, lf.Overlays, "", lf.Info)
	if err != nil {
		h.Finish(task.StateFailed, fmt.Sprintf("importing %s: %v", lf.Ref, err))
		return
	}
	txn.add(func() error { return m.repo.Remove(lf.Ref, lf.Module, "") })

	if err := m.pullDependency(ctx, h, txn, item.Info); err != nil {
		txn.rollback()
		h.Finish(task.StateFailed, err.Error())
		return
	}
	if h.Terminal() {
		txn.rollback()
		return
	}

	m.repo.MergeModules()

	if item.Info.Kind == layerstore.KindApp {
		if err := m.finishAppInstall(ctx, h, txn, oldRef, lf.Ref, []capref.Module{lf.Module}, true); err != nil {
			txn.rollback()
			h.Finish(task.StateFailed, err.Error())
			return
		}
	}

	txn.commit()
	h.SetSubState(task.SubStateAllDone)
	h.Finish(task.StateSucceed, fmt.Sprintf("%s installed from layer file", lf.Ref))
}

// installUABFile handles the bundle flavor of §4.5.2: a UAB carries
// its principal app layer and, optionally, its own base/runtime
// layers bundled alongside it so the install can proceed fully
// offline, with no remote pull of any kind.
func (m *Manager) installUABFile(ctx context.Context, fd int, opts CommonOptions) (*task.Task, error) {
	uab, err := m.fileSource.OpenUAB(ctx, fd)
	if err != nil {
		return nil, core.Wrap(core.KindInvalidArgs, "opening uab file", err)
	}
	release := uab.Release
	ok := false
	defer func() {
		if !ok && release != nil {
			release()
		}
	}()

	if uab.Arch != m.hostArch {
		return nil, core.Newf(core.KindArchMismatch, "bundle architecture %s does not match host architecture %s", uab.Arch, m.hostArch)
	}

	appLayer, found := findAppLayer(uab.Layers)
	if !found {
		return nil, core.New(core.KindInvalidArgs, "bundle has no application layer")
	}

	localRef, hasLocal, err := m.resolveLocalLatest(ctx, sameLineFuzzy(appLayer.Ref), appLayer.Module)
	if err != nil {
		return nil, err
	}
	var localRefPtr *capref.Reference
	if hasLocal {
		if err := checkNotOlder(localRef, appLayer.Ref, opts.Force); err != nil {
			return nil, err
		}
		localRefPtr = &localRef
	}

	refSpec := m.refSpecFor(appLayer.Ref, appLayer.Module)
	ok = true
	return m.engine.Submit([]string{refSpec}, func(h *task.Handle) {
		defer release()
		m.runInstallUABFile(context.Background(), h, uab, appLayer, localRefPtr)
	})
}

// runInstallUABFile imports every embedded layer, the app layer first
// as spec §4.5.2 directs, then runs the same replace-or-export tail as
// a layer-file install. Every layer in a UAB is already unpacked
// locally, so there is no remote pull anywhere in this path — a UAB
// install runs fully offline from what the bundle itself carries.
func (m *Manager) runInstallUABFile(ctx context.Context, h *task.Handle, uab UABFile, appLayer LayerFile, oldRef *capref.Reference) {
	if h.Terminal() {
		return
	}

	txn := newTransaction(m.logger)
	h.SetSubState(task.SubStateInstallApplication)

	for _, layer := range orderAppFirst(uab.Layers, appLayer) {
		if h.Terminal() {
			txn.rollback()
			return
		}

		subRef := ""
		if layer.Info.Kind != layerstore.KindApp && layer.Minified {
			subRef = uab.UUID
		}

		if layer.Info.Kind != layerstore.KindApp {
			if _, present := m.repo.GetItem(layer.Ref, layer.Module, subRef); present {
				continue
			}
		}

		if _, err := m.repo.ImportLayerDir(layer.Ref, layer.Module, layer.Dir, layer.Overlays, subRef, layer.Info); err != nil {
			txn.rollback()
			h.Finish(task.StateFailed, fmt.Sprintf("importing %s module %s: %v", layer.Ref, layer.Module, err))
			return
		}
		ref, module, sr := layer.Ref, layer.Module, subRef
		txn.add(func() error { return m.repo.Remove(ref, module, sr) })
	}

	if h.Terminal() {
		txn.rollback()
		return
	}

	m.repo.MergeModules()

	if err := m.finishAppInstall(ctx, h, txn, oldRef, appLayer.Ref, []capref.Module{appLayer.Module}, true); err != nil {
		txn.rollback()
		h.Finish(task.StateFailed, err.Error())
		return
	}

	txn.commit()
	h.SetSubState(task.SubStateAllDone)
	h.Finish(task.StateSucceed, fmt.Sprintf("%s installed from bundle", appLayer.Ref))
}

// finishAppInstall is the replace-or-export-and-cache tail shared by
// both install-from-file flavors.
func (m *Manager) finishAppInstall(ctx context.Context, h *task.Handle, txn *transaction, oldRef *capref.Reference, newRef capref.Reference, modules []capref.Module, cacheFatal bool) error {
	if oldRef != nil {
		if err := m.removeAfterInstall(ctx, h, txn, *oldRef, newRef, modules); err != nil {
			return err
		}
	} else if err := m.repo.ExportReference(newRef); err != nil {
		return fmt.Errorf("exporting %s: %w", newRef, err)
	}

	h.SetSubState(task.SubStatePostAction)
	if err := m.generateCache(ctx, newRef, cacheFatal); err != nil {
		return fmt.Errorf("generating cache for %s: %w", newRef, err)
	}
	return nil
}

// findAppLayer locates the principal application layer among a
// bundle's embedded layers.
func findAppLayer(layers []LayerFile) (LayerFile, bool) {
	for _, layer := range layers {
		if layer.Info.Kind == layerstore.KindApp && layer.Module.IsPrincipal() {
			return layer, true
		}
	}
	return LayerFile{}, false
}

// orderAppFirst returns layers with the app layer moved to the front,
// matching §4.5.2's "iterate its embedded layers placing the app layer
// first."
func orderAppFirst(layers []LayerFile, appLayer LayerFile) []LayerFile {
	ordered := make([]LayerFile, 0, len(layers))
	ordered = append(ordered, appLayer)
	for _, layer := range layers {
		if layer.Ref == appLayer.Ref && layer.Module.Equal(appLayer.Module) {
			continue
		}
		ordered = append(ordered, layer)
	}
	return ordered
}

// sameLineFuzzy narrows a fuzzy match to ref's exact {channel, id,
// arch} line while leaving the version unconstrained, so a local
// lookup finds any installed version of the same app.
func sameLineFuzzy(ref capref.Reference) capref.Fuzzy {
	return capref.Fuzzy{Channel: capref.Str(ref.Channel), ID: capref.Str(ref.ID), Arch: capref.Str(ref.Arch)}
}

// checkNotOlder rejects installing fileRef over localRef when fileRef
// is strictly older, unless force is set (spec §4.5.2's "a file may
// name an older version than what's installed; that's a downgrade,
// not an upgrade, and needs --force like any other downgrade").
func checkNotOlder(localRef, fileRef capref.Reference, force bool) error {
	switch {
	case localRef.Version == fileRef.Version:
		return core.New(core.KindAlreadyInstalled, "this version is already installed")
	case fileRef.Version.LessThan(localRef.Version) && !force:
		return core.Newf(core.KindInvalidArgs,
			"file version %s is older than installed version %s; pass --force to downgrade",
			fileRef.Version, localRef.Version)
	default:
		return nil
	}
}
