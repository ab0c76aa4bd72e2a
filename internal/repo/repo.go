// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package repo implements the Repo Facade: the thin contract the
// Package Manager Core consumes over the object store (pull, remove,
// mark-deleted, list, export/unexport, merge-modules, prune, ref
// resolution). It composes lib/layerstore, lib/repolock,
// internal/registry, and lib/repoconfig the way the teacher's
// higher-level packages compose lower-level lib/ primitives behind a
// single facade type.
package repo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/capsule-foundation/capsule/internal/core"
	"github.com/capsule-foundation/capsule/internal/registry"
	"github.com/capsule-foundation/capsule/lib/capref"
	"github.com/capsule-foundation/capsule/lib/layerstore"
	"github.com/capsule-foundation/capsule/lib/repoconfig"
	"github.com/capsule-foundation/capsule/lib/repolock"
)

// Scope constrains where clearReference may resolve a FuzzyReference
// from (spec §4.3).
type Scope int

const (
	ScopeLocalOnly Scope = iota
	ScopeLocalWithRemoteFallback
	ScopeRemoteOnly
)

// Repo is the Repo Facade (component C3).
type Repo struct {
	store    *layerstore.Store
	lock     *repolock.Lock
	registry *registry.Registry
	merger   *layerstore.ModuleMerger
	source   layerstore.RemoteSource

	root       string
	configPath string
	config     *repoconfig.Config
	exportRoot string

	logger *slog.Logger
}

// Options configures Open.
type Options struct {
	// Root is the layer store root (spec's install-root).
	Root string
	// LockPath is the Repo Lock sentinel file path.
	LockPath string
	// RuntimeRoot is the Running-Container Registry's scan root.
	RuntimeRoot string
	// ConfigPath is the repo config file path.
	ConfigPath string
	// ExportRoot is where application entry points are published.
	ExportRoot string
	// Source performs remote listing and transfer.
	Source layerstore.RemoteSource
	Logger *slog.Logger
}

// Open wires the facade's collaborators together. The merger
// (fuse-overlayfs) is opened lazily on first use since it requires the
// fuse-overlayfs binary, which is not needed for read-only repos.
func Open(opts Options) (*Repo, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	store, err := layerstore.Open(opts.Root, logger)
	if err != nil {
		return nil, err
	}

	cfg, err := repoconfig.Load(opts.ConfigPath)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Repo{
		store:      store,
		lock:       repolock.New(opts.LockPath),
		registry:   registry.New(opts.RuntimeRoot, logger),
		source:     opts.Source,
		root:       opts.Root,
		configPath: opts.ConfigPath,
		config:     cfg,
		exportRoot: opts.ExportRoot,
		logger:     logger,
	}, nil
}

// Root returns the layer store root, the "install-root" spec §6's
// persisted layout places per-commit caches under.
func (r *Repo) Root() string { return r.root }

// RunningApps returns the set of app reference strings currently in
// use by a live container (spec §4.2), for Deferred-GC's bulk
// subtraction of the running set from the reap candidates.
func (r *Repo) RunningApps() (map[string]bool, error) {
	return r.registry.RunningApps()
}

// Close releases the facade's held resources.
func (r *Repo) Close() error {
	if r.merger != nil {
		r.merger.Close()
	}
	return r.store.Close()
}

// Lock returns the Repo Lock so callers (internal/pm) can serialize
// mutating operations and the Deferred-GC pass around it, per spec §5.
func (r *Repo) Lock() *repolock.Lock { return r.lock }

// IsRefBusy reports whether ref is currently in use by a live
// container (spec §4.2's isRefBusy use).
func (r *Repo) IsRefBusy(ref capref.Reference) (bool, error) {
	return r.registry.IsRefBusy(ref.String())
}

// ClearReference resolves fuzzy to a single concrete Reference under
// scope, optionally constrained to module.
func (r *Repo) ClearReference(ctx context.Context, fuzzy capref.Fuzzy, scope Scope, module capref.Module) (capref.Reference, error) {
	var local []capref.Reference
	if scope != ScopeRemoteOnly {
		for _, item := range r.store.ListLocal() {
			if module != "" && !item.Module.Equal(module) {
				continue
			}
			if fuzzy.Matches(item.Ref) {
				local = append(local, item.Ref)
			}
		}
	}

	if scope == ScopeLocalOnly {
		return pickOne(fuzzy, local)
	}
	if scope == ScopeLocalWithRemoteFallback && len(local) > 0 {
		return pickOne(fuzzy, local)
	}

	if r.source == nil {
		if scope == ScopeRemoteOnly {
			return capref.Reference{}, core.New(core.KindRemoteUnavailable, "no remote source configured")
		}
		return pickOne(fuzzy, local)
	}

	candidates, err := r.source.ListRemote(ctx, fuzzy)
	if err != nil {
		return capref.Reference{}, core.Wrap(core.KindRemoteUnavailable, "listing remote references", err)
	}
	var remote []capref.Reference
	for _, c := range candidates {
		if module == "" || capref.ContainsModule(c.Modules, module) {
			remote = append(remote, c.Ref)
		}
	}
	return pickOne(fuzzy, remote)
}

// pickOne resolves candidates to one Reference: candidates that all
// share one {channel, id, arch} line resolve to the highest version on
// that line; candidates spanning more than one line are ambiguous.
func pickOne(fuzzy capref.Fuzzy, candidates []capref.Reference) (capref.Reference, error) {
	if len(candidates) == 0 {
		return capref.Reference{}, core.Newf(core.KindNotFound, "no reference matches %s", fuzzy.String())
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if !c.SameLine(best) {
			return capref.Reference{}, &capref.ErrAmbiguous{Fuzzy: fuzzy, Candidates: candidates}
		}
		if c.Version.GreaterThan(best.Version) {
			best = c
		}
	}
	return best, nil
}

// Pull delegates to the layer store, reporting progress through
// report.
func (r *Repo) Pull(ctx context.Context, ref capref.Reference, module capref.Module, report layerstore.ProgressFunc) (layerstore.LayerItem, error) {
	if r.source == nil {
		return layerstore.LayerItem{}, core.New(core.KindRemoteUnavailable, "no remote source configured")
	}
	return r.store.Pull(ctx, r.source, ref, module, report)
}

// ImportLayerDir delegates to the layer store.
func (r *Repo) ImportLayerDir(ref capref.Reference, module capref.Module, dir string, overlays []string, subRef string, info layerstore.PackageInfo) (layerstore.LayerItem, error) {
	return r.store.ImportLayerDir(ref, module, dir, overlays, subRef, info)
}

// Remove delegates to the layer store.
func (r *Repo) Remove(ref capref.Reference, module capref.Module, subRef string) error {
	return r.store.Remove(ref, module, subRef)
}

// MarkDeleted delegates to the layer store.
func (r *Repo) MarkDeleted(ref capref.Reference, module capref.Module, deleted bool) error {
	return r.store.MarkDeleted(ref, module, deleted)
}

// ListLocal delegates to the layer store.
func (r *Repo) ListLocal() []layerstore.LayerItem { return r.store.ListLocal() }

// ListLocalBy delegates to the layer store.
func (r *Repo) ListLocalBy(q layerstore.Query) []layerstore.LayerItem { return r.store.ListLocalBy(q) }

// ListRemote enumerates remote candidates matching fuzzy, supporting
// substring id matching the way the original's fuzzy search does
// (spec §4.5.13's supplemented fuzzy id search).
func (r *Repo) ListRemote(ctx context.Context, fuzzy capref.Fuzzy) ([]layerstore.RemoteCandidate, error) {
	if r.source == nil {
		return nil, core.New(core.KindRemoteUnavailable, "no remote source configured")
	}
	// The backend is queried without the id so that it cannot drop
	// substring-id matches; the id is applied here as a substring filter.
	query := fuzzy
	query.ID = nil
	candidates, err := r.store.ListRemote(ctx, r.source, query)
	if err != nil {
		return nil, err
	}
	if fuzzy.ID == nil {
		return candidates, nil
	}
	var filtered []layerstore.RemoteCandidate
	for _, c := range candidates {
		if strings.Contains(c.Ref.ID, *fuzzy.ID) {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

// GetModuleList delegates to the layer store.
func (r *Repo) GetModuleList(ref capref.Reference) []capref.Module { return r.store.GetModuleList(ref) }

// GetRemoteModuleList delegates to the layer store.
func (r *Repo) GetRemoteModuleList(ctx context.Context, ref capref.Reference, desired []capref.Module) ([]capref.Module, error) {
	if r.source == nil {
		return nil, core.New(core.KindRemoteUnavailable, "no remote source configured")
	}
	return r.store.GetRemoteModuleList(ctx, r.source, ref, desired)
}

// GetLayerDir delegates to the layer store.
func (r *Repo) GetLayerDir(ref capref.Reference, module capref.Module, subRef string) (string, error) {
	return r.store.GetLayerDir(ref, module, subRef)
}

// GetItem returns the LayerItem for (ref, module, subRef), if present.
func (r *Repo) GetItem(ref capref.Reference, module capref.Module, subRef string) (layerstore.LayerItem, bool) {
	return r.store.Get(ref, module, subRef)
}

// GetMergedModuleDir overlays every installed module of ref into one
// read-only view and returns its path, opening the fuse-overlayfs
// merger on first use.
func (r *Repo) GetMergedModuleDir(ref capref.Reference) (string, error) {
	if err := r.ensureMerger(); err != nil {
		return "", err
	}

	modules := r.store.GetModuleList(ref)
	if len(modules) == 0 {
		return "", core.Newf(core.KindNotFound, "no installed modules for %s", ref)
	}

	var dirs []string
	// Non-principal modules (develop, debug, …) first, lowest priority,
	// then the principal module last so its files win on path
	// collisions — the principal module is what actually runs.
	order := []capref.Module{capref.Module("debug"), capref.Module("develop"), capref.ModuleRuntime, capref.ModuleBinary}
	seen := make(map[capref.Module]bool)
	for _, m := range order {
		for _, installed := range modules {
			if installed.Equal(m) && !seen[installed.Canonical()] {
				dir, err := r.store.GetLayerDir(ref, installed, "")
				if err == nil {
					dirs = append(dirs, dir)
					seen[installed.Canonical()] = true
				}
			}
		}
	}
	for _, installed := range modules {
		if !seen[installed.Canonical()] {
			dir, err := r.store.GetLayerDir(ref, installed, "")
			if err == nil {
				dirs = append([]string{dir}, dirs...)
				seen[installed.Canonical()] = true
			}
		}
	}

	return r.merger.Merge(ref.String(), dirs)
}

func (r *Repo) ensureMerger() error {
	if r.merger != nil {
		return nil
	}
	merger, err := layerstore.NewModuleMerger()
	if err != nil {
		return err
	}
	r.merger = merger
	return nil
}

// MergeModules rebuilds module-overlay views for every reference with
// more than one installed module. Failure is logged, never returned,
// matching spec §4.3's non-fatal mergeModules contract.
func (r *Repo) MergeModules() {
	seen := make(map[capref.Reference]bool)
	for _, item := range r.store.ListLocal() {
		if item.Deleted || seen[item.Ref] {
			continue
		}
		seen[item.Ref] = true
		if len(r.store.GetModuleList(item.Ref)) < 2 {
			continue
		}
		if _, err := r.GetMergedModuleDir(item.Ref); err != nil {
			r.logger.Error("mergeModules: failed to rebuild module overlay", "ref", item.Ref.String(), "error", err)
		}
	}
}

// Prune runs content-addressed garbage collection: every deleted,
// unreferenced layer not currently in use by a live container is
// physically removed.
func (r *Repo) Prune(ctx context.Context) (int, error) {
	running, err := r.registry.RunningApps()
	if err != nil {
		return 0, fmt.Errorf("repo: prune: scanning running containers: %w", err)
	}

	reaped := 0
	for _, item := range r.store.ListLocal() {
		if !item.Deleted {
			continue
		}
		if running[item.Ref.String()] {
			continue
		}
		if err := r.store.Remove(item.Ref, item.Module, item.SubRef); err != nil {
			return reaped, fmt.Errorf("repo: prune: removing %s module %s: %w", item.Ref, item.Module, err)
		}
		reaped++
	}
	return reaped, nil
}

// GetConfig returns the current persisted repo configuration.
func (r *Repo) GetConfig() *repoconfig.Config { return r.config }

// SetConfig persists cfg as the repo's configuration.
func (r *Repo) SetConfig(cfg *repoconfig.Config) error {
	if err := repoconfig.Save(r.configPath, cfg); err != nil {
		return err
	}
	r.config = cfg
	return nil
}

// ExportReference publishes ref's application entry points (desktop
// entries, icons) into the system-visible export directories. Only
// KindApp layers are exported (spec §3's Kind note).
func (r *Repo) ExportReference(ref capref.Reference) error {
	item, ok := r.store.Get(ref, capref.ModuleBinary, "")
	if !ok || item.Info.Kind != layerstore.KindApp {
		return nil
	}

	dir, err := r.store.GetLayerDir(ref, capref.ModuleBinary, "")
	if err != nil {
		return err
	}

	for _, entry := range exportedSubtrees {
		src := filepath.Join(dir, entry.relPath)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		dest := filepath.Join(r.exportRoot, entry.relPath, exportMarker(ref))
		if err := copyTree(src, dest); err != nil {
			return core.Wrap(core.KindIOError, fmt.Sprintf("exporting %s", entry.relPath), err)
		}
	}
	return nil
}

// UnexportReference retracts everything ExportReference published for
// ref.
func (r *Repo) UnexportReference(ref capref.Reference) error {
	for _, entry := range exportedSubtrees {
		dest := filepath.Join(r.exportRoot, entry.relPath, exportMarker(ref))
		if err := os.RemoveAll(dest); err != nil {
			return core.Wrap(core.KindIOError, fmt.Sprintf("unexporting %s", entry.relPath), err)
		}
	}
	return nil
}

type exportSubtree struct{ relPath string }

// exportedSubtrees are the well-known locations under a layer's
// content directory that constitute its application entry points.
var exportedSubtrees = []exportSubtree{
	{relPath: filepath.Join("share", "applications")},
	{relPath: filepath.Join("share", "icons")},
	{relPath: filepath.Join("share", "dbus-1", "services")},
}

// exportMarker namespaces exported content by reference so
// unexporting one reference never touches another's files.
func exportMarker(ref capref.Reference) string {
	return strings.ReplaceAll(ref.String(), "/", "_")
}

// copyTree recursively copies src onto dest, creating directories as
// needed.
func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFileTo(path, target)
	})
}

func copyFileTo(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
