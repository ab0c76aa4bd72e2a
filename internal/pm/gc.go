// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package pm

import (
	"context"
	"fmt"

	"github.com/capsule-foundation/capsule/lib/capref"
	"github.com/capsule-foundation/capsule/lib/layerstore"
	"github.com/capsule-foundation/capsule/lib/repolock"
)

// PruneResult is the payload recorded for a finished Prune job (spec
// §4.5.10's "list of removed PackageInfo records").
type PruneResult struct {
	Removed []layerstore.PackageInfo
	Err     error
}

// Prune runs the explicit, reference-counted garbage collection pass
// (spec §4.5.10) asynchronously on its own goroutine, returning a job
// id immediately (spec §6).
func (m *Manager) Prune(ctx context.Context) string {
	jobID := m.newJobID()
	go func() {
		removed, err := m.runExplicitPrune(context.Background())
		m.setJobResult(jobID, PruneResult{Removed: removed, Err: err})
		m.sink.PruneFinished(jobID)
	}()
	return jobID
}

// depKey identifies one principal-module dependency layer that can be
// reference-counted on its own: a plain dependency shares one count
// across every consumer, but a minified layer is scoped to the single
// UAB whose SubRef it carries, so it is counted independently of the
// non-minified layer for the same Reference.
type depKey struct {
	ref    capref.Reference
	subRef string
}

// runExplicitPrune implements §4.5.10: counts each principal-module
// layer's inbound references from installed app layers' declared
// base/runtime, removes every reference whose count is zero, and
// returns the removed layers' PackageInfo for the caller's report.
func (m *Manager) runExplicitPrune(ctx context.Context) ([]layerstore.PackageInfo, error) {
	var removed []layerstore.PackageInfo
	err := repolock.WithLock(m.repo.Lock(), func() error {
		counts := make(map[depKey]int)
		var apps []layerstore.LayerItem

		for _, item := range m.repo.ListLocalBy(layerstore.Query{}) {
			if !item.Module.IsPrincipal() || item.Deleted {
				continue
			}
			if item.Info.Kind == layerstore.KindApp {
				apps = append(apps, item)
				continue
			}
			key := depKey{item.Ref, item.SubRef}
			if _, ok := counts[key]; !ok {
				counts[key] = 0
			}
		}

		for _, app := range apps {
			if app.Info.Base != nil {
				if key, ok := m.resolveLocalDependency(*app.Info.Base, app.SubRef); ok {
					counts[key]++
				}
			}
			if app.Info.Runtime != nil {
				if key, ok := m.resolveLocalDependency(*app.Info.Runtime, app.SubRef); ok {
					counts[key]++
				}
			}
		}

		for key, count := range counts {
			if count > 0 {
				continue
			}
			for _, module := range m.repo.GetModuleList(key.ref) {
				item, ok := m.repo.GetItem(key.ref, module, key.subRef)
				if !ok {
					continue
				}
				if err := m.repo.Remove(key.ref, module, key.subRef); err != nil {
					return fmt.Errorf("prune: removing %s module %s: %w", key.ref, module, err)
				}
				removed = append(removed, item.Info)
			}
		}

		m.repo.MergeModules()
		if _, err := m.repo.Prune(ctx); err != nil {
			return fmt.Errorf("prune: backend content gc: %w", err)
		}
		return nil
	})
	return removed, err
}

// resolveLocalDependency finds the local LayerItem for a declared
// dependency reference, preferring the minified variant scoped to
// consumerSubRef (the depending app's own SubRef) before falling back
// to the shared, non-minified layer. The dependency's module is
// treated as its principal module, since a declared base/runtime
// always names that.
func (m *Manager) resolveLocalDependency(dep capref.Reference, consumerSubRef string) (depKey, bool) {
	if consumerSubRef != "" {
		if _, ok := m.repo.GetItem(dep, capref.ModuleBinary, consumerSubRef); ok {
			return depKey{dep, consumerSubRef}, true
		}
		if _, ok := m.repo.GetItem(dep, capref.ModuleRuntime, consumerSubRef); ok {
			return depKey{dep, consumerSubRef}, true
		}
	}
	if _, ok := m.repo.GetItem(dep, capref.ModuleBinary, ""); ok {
		return depKey{dep, ""}, true
	}
	if _, ok := m.repo.GetItem(dep, capref.ModuleRuntime, ""); ok {
		return depKey{dep, ""}, true
	}
	return depKey{}, false
}

// DeferredGC implements spec §4.5.9: the Task Engine's periodic timer
// invokes this to reap every marked-deleted reference no longer in use
// by a running container.
func (m *Manager) DeferredGC(ctx context.Context) {
	if err := repolock.WithLock(m.repo.Lock(), func() error {
		return m.runDeferredGC(ctx)
	}); err != nil {
		m.logger.Error("deferred GC pass failed", "error", err)
	}
}

func (m *Manager) runDeferredGC(ctx context.Context) error {
	running, err := m.repo.RunningApps()
	if err != nil {
		return fmt.Errorf("deferred gc: scanning running containers: %w", err)
	}

	groups := make(map[capref.Reference]bool)
	for _, item := range m.repo.ListLocalBy(layerstore.Query{}) {
		if item.Deleted {
			groups[item.Ref] = true
		}
	}

	for ref := range groups {
		if running[ref.String()] {
			continue
		}

		if err := m.repo.UnexportReference(ref); err != nil {
			m.logger.Error("deferred gc: unexporting reference", "ref", ref.String(), "error", err)
		}

		for _, module := range m.repo.GetModuleList(ref) {
			if module.IsPrincipal() {
				m.removeCache(ref)
			}
			if err := m.repo.Remove(ref, module, ""); err != nil {
				m.logger.Error("deferred gc: removing layer", "ref", ref.String(), "module", string(module), "error", err)
			}
		}

		m.repo.MergeModules()

		if latest, ok := m.latestSurvivingVersion(ctx, ref); ok {
			if err := m.repo.ExportReference(latest); err != nil {
				m.logger.Error("deferred gc: exporting surviving version", "ref", latest.String(), "error", err)
			}
		}
	}

	return nil
}

// latestSurvivingVersion resolves the highest-versioned, non-deleted
// local layer sharing ref's {channel, id, arch}, if any remains after
// reaping (spec §4.5.9's "so a downgrade-by-deletion still leaves an
// exported version if any remains").
func (m *Manager) latestSurvivingVersion(ctx context.Context, ref capref.Reference) (capref.Reference, bool) {
	var best capref.Reference
	found := false
	for _, item := range m.repo.ListLocal() {
		if item.Deleted || !item.Module.IsPrincipal() {
			continue
		}
		if !item.Ref.SameLine(ref) {
			continue
		}
		if !found || item.Ref.Version.GreaterThan(best.Version) {
			best = item.Ref
			found = true
		}
	}
	return best, found
}
