// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package pm implements the Package Manager Core (component C5):
// install, update, uninstall, search, prune, and cache-generation
// orchestration with transactional rollback, built on top of the Repo
// Facade (internal/repo) and the Task Engine (internal/task).
package pm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/capsule-foundation/capsule/internal/core"
	"github.com/capsule-foundation/capsule/internal/repo"
	"github.com/capsule-foundation/capsule/internal/task"
	"github.com/capsule-foundation/capsule/lib/cachegen"
	"github.com/capsule-foundation/capsule/lib/capref"
	"github.com/capsule-foundation/capsule/lib/layerstore"
)

// Manager is the Package Manager Core. It owns no state of its own
// beyond its collaborators: every durable fact lives in the Repo
// Facade, every in-flight operation lives in the Task Engine.
type Manager struct {
	repo       *repo.Repo
	engine     *task.Engine
	cacheGen   *cachegen.Generator
	fileSource FileSource
	sink       task.EventSink
	logger     *slog.Logger

	hostArch string

	jobsMu     sync.Mutex
	jobResults map[string]any
}

// Options configures New.
type Options struct {
	Repo     *repo.Repo
	Engine   *task.Engine
	CacheGen *cachegen.Generator
	// FileSource backs InstallFromFile (spec §4.5.2). Left nil to
	// disable install-from-file support entirely.
	FileSource FileSource
	// Sink receives SearchFinished/PruneFinished/GenerateCacheFinished
	// events from the Manager's own worker-thread jobs (spec §5: search,
	// prune, and generate-cache run on their own threads, independent
	// of the Task Engine's primary executor and its TaskAdded/
	// RequestInteraction/ReplyReceived events).
	Sink   task.EventSink
	Logger *slog.Logger
	// HostArch overrides architecture detection, for tests that need
	// to exercise ArchMismatch without depending on the build host.
	HostArch string
}

// New creates a Manager wired to repo, engine, and an optional cache
// generator (nil disables cache generation; GenerateCache then fails
// every call, matching "deliberately out of scope" degrading to an
// explicit error rather than silently skipping the generator).
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	sink := opts.Sink
	if sink == nil {
		sink = task.NopEventSink{}
	}
	arch := opts.HostArch
	if arch == "" {
		arch = hostArch()
	}
	return &Manager{
		repo:       opts.Repo,
		engine:     opts.Engine,
		cacheGen:   opts.CacheGen,
		fileSource: opts.FileSource,
		sink:       sink,
		logger:     logger,
		hostArch:   arch,
		jobResults: make(map[string]any),
	}
}

// newJobID allocates a fresh job id for an asynchronous, non-task
// operation (Search, Prune, GenerateCache — spec §4.5.11, §6).
func (m *Manager) newJobID() string {
	return uuid.NewString()
}

// setJobResult records a job's outcome for later retrieval via
// JobResult. The events emitted through Sink tell a transport when a
// job finished; JobResult is how it fetches the payload (spec §6's
// SearchFinished/PruneFinished/GenerateCacheFinished carry a result,
// but the EventSink's job is only to notify — not to carry payloads
// across process/goroutine boundaries).
func (m *Manager) setJobResult(jobID string, result any) {
	m.jobsMu.Lock()
	defer m.jobsMu.Unlock()
	m.jobResults[jobID] = result
}

// JobResult returns the recorded outcome of a Search, Prune, or
// GenerateCache job, if it has finished.
func (m *Manager) JobResult(jobID string) (any, bool) {
	m.jobsMu.Lock()
	defer m.jobsMu.Unlock()
	result, ok := m.jobResults[jobID]
	return result, ok
}

// hostArch maps runtime.GOARCH onto the architecture tag layers are
// tagged with. Packages are always published for the host's own
// architecture in this deployment model, so the mapping only needs to
// cover what a single build target reports.
func hostArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	default:
		return runtime.GOARCH
	}
}

// refSpec renders the Task Engine's per-ref-spec serialization key
// (spec §4.5.1 step 6, §5's I5).
func refSpec(ref capref.Reference, module capref.Module) string {
	return fmt.Sprintf("%s/%s/%s/%s", ref.Channel, ref.ID, ref.Arch, module.Canonical())
}

// refSpecFor renders the full ref-spec including the default repo
// prefix (spec §4.5.1 step 6's "<defaultRepo>:<channel>/<id>/<arch>/<module>").
func (m *Manager) refSpecFor(ref capref.Reference, module capref.Module) string {
	return fmt.Sprintf("%s:%s", m.defaultRepoName(), refSpec(ref, module))
}

// defaultRepoName returns the name of the highest-priority configured
// remote, or "local" when none is configured (spec §4.5.13's
// supplemented getConfig/setConfig default-repo field).
func (m *Manager) defaultRepoName() string {
	if remotes := m.repo.GetConfig().SortedRemotes(); len(remotes) > 0 {
		return remotes[0].Name
	}
	return "local"
}

// checkArch fails with KindArchMismatch if ref's architecture is not
// the host's.
func (m *Manager) checkArch(ref capref.Reference) error {
	if ref.Arch != m.hostArch {
		return core.Newf(core.KindArchMismatch, "package architecture %s does not match host architecture %s", ref.Arch, m.hostArch)
	}
	return nil
}

// generateCache runs the post-install cache generator for ref's
// binary-module commit, if a generator is configured. fatal controls
// whether a generator failure is returned to the caller (install/
// upgrade of app layers) or only logged (uninstall/prune/Deferred-GC,
// spec §4.5.12 and §7).
func (m *Manager) generateCache(ctx context.Context, ref capref.Reference, fatal bool) error {
	if m.cacheGen == nil {
		if fatal {
			return core.New(core.KindInternal, "no cache generator configured")
		}
		return nil
	}
	item, ok := m.repo.GetItem(ref, capref.ModuleBinary, "")
	if !ok || item.Info.Kind != layerstore.KindApp {
		return nil
	}
	commitHex := layerstore.FormatHash(item.Commit)
	if err := m.cacheGen.Generate(ctx, m.repo.Root(), commitHex); err != nil {
		m.logger.Error("generateCache failed", "ref", ref.String(), "error", err)
		if fatal {
			return err
		}
		return nil
	}
	return nil
}

// removeCache deletes the persisted cache directory for ref's binary
// module commit, best-effort. Used when a layer carrying a generated
// cache is physically removed (spec §4.5.8, §4.5.9, §4.5.10).
func (m *Manager) removeCache(ref capref.Reference) {
	item, ok := m.repo.GetItem(ref, capref.ModuleBinary, "")
	if !ok {
		return
	}
	commitHex := layerstore.FormatHash(item.Commit)
	if err := cachegen.RemoveCache(m.repo.Root(), commitHex); err != nil {
		m.logger.Error("failed to remove cache directory", "ref", ref.String(), "error", err)
	}
}
