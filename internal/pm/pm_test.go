// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package pm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/capsule-foundation/capsule/internal/core"
	"github.com/capsule-foundation/capsule/internal/registry"
	"github.com/capsule-foundation/capsule/internal/repo"
	"github.com/capsule-foundation/capsule/internal/task"
	"github.com/capsule-foundation/capsule/lib/cachegen"
	"github.com/capsule-foundation/capsule/lib/capref"
	"github.com/capsule-foundation/capsule/lib/layerstore"
)

// fakeRuntime satisfies cachegen.Runtime without running any actual
// container; tests only need GenerateCache's bind/cleanup bookkeeping
// to run, not a real sandboxed generator.
type fakeRuntime struct{ err error }

func (f *fakeRuntime) Run(ctx context.Context, spec cachegen.RunSpec) error { return f.err }

// fakeRemote is an in-memory layerstore.RemoteSource: a fixed catalog
// of (ref, module) -> PackageInfo entries, each fetched from a fixed
// payload. It does not attempt to model "latest version" resolution
// itself — tests populate exactly the candidates a scenario needs.
type fakeRemote struct {
	candidates []layerstore.RemoteCandidate
	infos      map[capref.Reference]map[capref.Module]layerstore.PackageInfo
	payload    []byte

	// failModule, if set, makes Fetch return an error for exactly this
	// (ref, module) pair, simulating a transfer failure partway
	// through a multi-module install.
	failModule *capref.Module
	failRef    capref.Reference
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{infos: make(map[capref.Reference]map[capref.Module]layerstore.PackageInfo), payload: []byte("packed bytes")}
}

func (f *fakeRemote) add(ref capref.Reference, modules []capref.Module, info layerstore.PackageInfo) {
	f.candidates = append(f.candidates, layerstore.RemoteCandidate{Ref: ref, Modules: modules})
	if f.infos[ref] == nil {
		f.infos[ref] = make(map[capref.Module]layerstore.PackageInfo)
	}
	for _, m := range modules {
		f.infos[ref][m] = info
	}
}

// failOn makes every subsequent Fetch of (ref, module) return an
// error, so a caller can exercise mid-install rollback.
func (f *fakeRemote) failOn(ref capref.Reference, module capref.Module) {
	f.failRef = ref
	f.failModule = &module
}

func (f *fakeRemote) ListRemote(ctx context.Context, fuzzy capref.Fuzzy) ([]layerstore.RemoteCandidate, error) {
	var out []layerstore.RemoteCandidate
	for _, c := range f.candidates {
		if fuzzy.Matches(c.Ref) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRemote) Fetch(ctx context.Context, ref capref.Reference, module capref.Module) (io.ReadCloser, layerstore.PackageInfo, error) {
	if f.failModule != nil && ref == f.failRef && module.Equal(*f.failModule) {
		return nil, layerstore.PackageInfo{}, core.Newf(core.KindIOError, "simulated transfer failure for %s module %s", ref, module)
	}
	info, ok := f.infos[ref][module]
	if !ok {
		return nil, layerstore.PackageInfo{}, core.Newf(core.KindNotFound, "no remote layer for %s module %s", ref, module)
	}
	return io.NopCloser(&byteReader{data: f.payload}), info, nil
}

func (f *fakeRemote) RemoteModules(ctx context.Context, ref capref.Reference) ([]capref.Module, error) {
	for _, c := range f.candidates {
		if c.Ref == ref {
			return c.Modules, nil
		}
	}
	return nil, nil
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func appRef(id, version string) capref.Reference {
	return capref.Reference{Channel: "stable", ID: id, Version: capref.Version(version), Arch: "x86_64"}
}

// testHarness wires a Manager to an in-process Repo and Task Engine,
// with a Manager.hostArch fixed to the test fixtures' "x86_64" so
// tests never depend on the build host's architecture.
type testHarness struct {
	t           *testing.T
	repo        *repo.Repo
	engine      *task.Engine
	mgr         *Manager
	remote      *fakeRemote
	runtimeRoot string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	root := t.TempDir()
	remote := newFakeRemote()
	runtimeRoot := filepath.Join(root, "runtime")

	r, err := repo.Open(repo.Options{
		Root:        filepath.Join(root, "store"),
		LockPath:    filepath.Join(root, "repo.lock"),
		RuntimeRoot: runtimeRoot,
		ConfigPath:  filepath.Join(root, "config.yaml"),
		ExportRoot:  filepath.Join(root, "export"),
		Source:      remote,
	})
	if err != nil {
		t.Fatalf("repo.Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	engine := task.New(task.Options{})
	engine.Start()
	t.Cleanup(engine.Stop)

	gen := cachegen.New(&fakeRuntime{}, t.TempDir(), []string{"generate-cache"}, nil)
	mgr := New(Options{Repo: r, Engine: engine, CacheGen: gen, HostArch: "x86_64"})

	return &testHarness{t: t, repo: r, engine: engine, mgr: mgr, remote: remote, runtimeRoot: runtimeRoot}
}

// markRunning writes a container state file naming the test process
// itself as the live pid, so the registry's liveness probe finds a
// genuinely running process without mocking it.
func (h *testHarness) markRunning(ref capref.Reference) {
	h.t.Helper()
	userDir := filepath.Join(h.runtimeRoot, "testuser")
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		h.t.Fatalf("creating runtime user dir: %v", err)
	}
	info := registry.ContainerProcessStateInfo{App: ref.String(), PID: os.Getpid()}
	data, err := json.Marshal(info)
	if err != nil {
		h.t.Fatalf("marshaling container state: %v", err)
	}
	path := filepath.Join(userDir, strconv.Itoa(os.Getpid()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		h.t.Fatalf("writing container state file: %v", err)
	}
}

// markStopped removes the state file markRunning wrote, simulating
// the container exiting.
func (h *testHarness) markStopped() {
	h.t.Helper()
	if err := os.RemoveAll(filepath.Join(h.runtimeRoot, "testuser")); err != nil {
		h.t.Fatalf("removing runtime user dir: %v", err)
	}
}

func (h *testHarness) waitFor(tk *task.Task) task.Snapshot {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := h.engine.Get(tk.ID)
		if !ok {
			h.t.Fatalf("task %s vanished before reaching a terminal state", tk.ID)
		}
		if snap.State.Terminal() {
			return snap
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatalf("task %s did not reach a terminal state in time", tk.ID)
	return task.Snapshot{}
}

func TestInstallFreshAppPullsAndExports(t *testing.T) {
	h := newHarness(t)
	ref := appRef("org.example.App", "1.0.0")
	h.remote.add(ref, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	tk, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	snap := h.waitFor(tk)
	if snap.State != task.StateSucceed {
		t.Fatalf("State = %v, message %q, want Succeed", snap.State, snap.Message)
	}

	item, ok := h.repo.GetItem(ref, capref.ModuleBinary, "")
	if !ok {
		t.Fatal("installed layer not present in the repo")
	}
	if item.Info.Kind != layerstore.KindApp {
		t.Errorf("Info.Kind = %v, want KindApp", item.Info.Kind)
	}
}

func TestInstallAlreadyInstalledIsRejected(t *testing.T) {
	h := newHarness(t)
	ref := appRef("org.example.App", "1.0.0")
	h.remote.add(ref, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	tk, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	h.waitFor(tk)

	_, err = h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if !core.Is(err, core.KindAlreadyInstalled) {
		t.Fatalf("second Install error = %v, want KindAlreadyInstalled", err)
	}
}

func TestInstallUpgradeAsksForConfirmation(t *testing.T) {
	h := newHarness(t)
	oldRef := appRef("org.example.App", "1.0.0")
	newRef := appRef("org.example.App", "2.0.0")
	h.remote.add(oldRef, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	tk, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if err != nil {
		t.Fatalf("initial Install: %v", err)
	}
	h.waitFor(tk)

	h.remote.candidates = nil
	h.remote.add(newRef, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	tk2, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if err != nil {
		t.Fatalf("upgrade Install: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := h.engine.Get(tk2.ID); ok && snap.State == task.StateProcessing {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := h.engine.ReplyInteraction(tk2.ID, "yes"); err != nil {
		t.Fatalf("ReplyInteraction: %v", err)
	}

	snap := h.waitFor(tk2)
	if snap.State != task.StateSucceed {
		t.Fatalf("State = %v, message %q, want Succeed", snap.State, snap.Message)
	}

	if _, ok := h.repo.GetItem(oldRef, capref.ModuleBinary, ""); ok {
		t.Error("old version still present after upgrade")
	}
	if _, ok := h.repo.GetItem(newRef, capref.ModuleBinary, ""); !ok {
		t.Error("new version missing after upgrade")
	}
}

func TestInstallArchMismatchFails(t *testing.T) {
	h := newHarness(t)
	ref := capref.Reference{Channel: "stable", ID: "org.example.App", Version: "1.0.0", Arch: "aarch64"}
	h.remote.add(ref, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	tk, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if err != nil {
		t.Fatalf("Install should resolve before checking architecture, got error: %v", err)
	}

	snap := h.waitFor(tk)
	if snap.State != task.StateFailed {
		t.Fatalf("State = %v, message %q, want Failed (architecture mismatch)", snap.State, snap.Message)
	}
}

func TestInstallNonPrincipalModuleRequiresAppFirst(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App", Module: "develop"}})
	if !core.Is(err, core.KindNotInstalled) {
		t.Fatalf("error = %v, want KindNotInstalled", err)
	}
}

func TestUninstallRemovesLayerAndExport(t *testing.T) {
	h := newHarness(t)
	ref := appRef("org.example.App", "1.0.0")
	h.remote.add(ref, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	tk, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	h.waitFor(tk)

	tk2, err := h.mgr.Uninstall(context.Background(), UninstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	snap := h.waitFor(tk2)
	if snap.State != task.StateSucceed {
		t.Fatalf("State = %v, message %q, want Succeed", snap.State, snap.Message)
	}

	if _, ok := h.repo.GetItem(ref, capref.ModuleBinary, ""); ok {
		t.Error("layer still present after uninstall")
	}
}

func TestUninstallNotInstalledFails(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Uninstall(context.Background(), UninstallParameters{Package: PackageSpec{ID: "org.example.Missing"}})
	if !core.Is(err, core.KindNotInstalled) {
		t.Fatalf("error = %v, want KindNotInstalled", err)
	}
}

func TestUpdateInstallsNewerVersion(t *testing.T) {
	h := newHarness(t)
	oldRef := appRef("org.example.Good", "1.0.0")
	newRef := appRef("org.example.Good", "1.1.0")

	h.remote.add(oldRef, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	tk1, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.Good"}})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	h.waitFor(tk1)

	h.remote.add(newRef, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	tk2, err := h.mgr.Update(context.Background(), UpdateParameters{Packages: []PackageSpec{{ID: "org.example.Good"}}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	snap := h.waitFor(tk2)
	if snap.State != task.StateSucceed {
		t.Fatalf("State = %v, message %q, want Succeed", snap.State, snap.Message)
	}
	if _, ok := h.repo.GetItem(newRef, capref.ModuleBinary, ""); !ok {
		t.Error("updated version missing after Update")
	}
	if _, ok := h.repo.GetItem(oldRef, capref.ModuleBinary, ""); ok {
		t.Error("old version still present after Update")
	}
}

func TestUpdateBatchFailsWhenAnyPackageHasNoNewerVersion(t *testing.T) {
	h := newHarness(t)
	goodOld := appRef("org.example.Good", "1.0.0")
	goodNew := appRef("org.example.Good", "1.1.0")
	badOld := appRef("org.example.Bad", "1.0.0")

	h.remote.add(goodOld, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})
	h.remote.add(badOld, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	tk1, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.Good"}})
	if err != nil {
		t.Fatalf("install good: %v", err)
	}
	h.waitFor(tk1)
	tk2, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.Bad"}})
	if err != nil {
		t.Fatalf("install bad: %v", err)
	}
	h.waitFor(tk2)

	// org.example.Bad has no newer remote candidate: its
	// latestRemoteReference resolves to the installed 1.0.0, which is
	// rejected as not newer, and that rejection fails the whole batch
	// before any task is submitted (spec §4.5.7 step 2's resolution
	// happens up front, across the whole batch).
	h.remote.add(goodNew, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	_, err = h.mgr.Update(context.Background(), UpdateParameters{Packages: []PackageSpec{{ID: "org.example.Good"}, {ID: "org.example.Bad"}}})
	if err == nil {
		t.Fatal("Update should fail because org.example.Bad has no newer version")
	}
	if _, ok := h.repo.GetItem(goodNew, capref.ModuleBinary, ""); ok {
		t.Error("org.example.Good should not have been updated when the batch was rejected")
	}
}

func TestUpdateRejectsPackageAlreadyAtLatest(t *testing.T) {
	h := newHarness(t)
	ref := appRef("org.example.App", "1.0.0")
	h.remote.add(ref, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	tk, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	h.waitFor(tk)

	_, err = h.mgr.Update(context.Background(), UpdateParameters{Packages: []PackageSpec{{ID: "org.example.App"}}})
	if !core.Is(err, core.KindAlreadyInstalled) {
		t.Fatalf("Update error = %v, want KindAlreadyInstalled", err)
	}
}

func TestPruneRemovesUnreferencedDependency(t *testing.T) {
	h := newHarness(t)
	baseRef := appRef("org.example.Base", "1.0.0")
	appRefVal := appRef("org.example.App", "1.0.0")

	h.remote.add(baseRef, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindBase})
	h.remote.add(appRefVal, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp, Base: &baseRef})

	tk, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	h.waitFor(tk)

	tk2, err := h.mgr.Uninstall(context.Background(), UninstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	h.waitFor(tk2)

	if _, ok := h.repo.GetItem(baseRef, capref.ModuleBinary, ""); !ok {
		t.Fatal("base dependency should still be present before Prune")
	}

	jobID := h.mgr.Prune(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := h.mgr.JobResult(jobID); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	result, ok := h.mgr.JobResult(jobID)
	if !ok {
		t.Fatal("Prune job result never recorded")
	}
	pruneResult := result.(PruneResult)
	if pruneResult.Err != nil {
		t.Fatalf("Prune: %v", pruneResult.Err)
	}

	if _, ok := h.repo.GetItem(baseRef, capref.ModuleBinary, ""); ok {
		t.Error("unreferenced base dependency still present after Prune")
	}
}

func TestSearchFiltersBySubstringID(t *testing.T) {
	h := newHarness(t)
	h.remote.add(appRef("org.example.App", "1.0.0"), []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})
	h.remote.add(appRef("org.other.Thing", "1.0.0"), []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	jobID := h.mgr.Search("example")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := h.mgr.JobResult(jobID); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	result, ok := h.mgr.JobResult(jobID)
	if !ok {
		t.Fatal("Search job result never recorded")
	}
	searchResult := result.(SearchResult)
	if searchResult.Err != nil {
		t.Fatalf("Search: %v", searchResult.Err)
	}
	if len(searchResult.Candidates) != 1 || searchResult.Candidates[0].Ref.ID != "org.example.App" {
		t.Errorf("Search candidates = %+v, want only org.example.App", searchResult.Candidates)
	}
}

func TestGenerateCacheWithoutGeneratorFails(t *testing.T) {
	h := newHarness(t)
	ref := appRef("org.example.App", "1.0.0")
	h.remote.add(ref, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	tk, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	h.waitFor(tk)

	bare := New(Options{Repo: h.repo, Engine: h.engine, HostArch: "x86_64"})
	jobID, err := bare.GenerateCache(ref.String())
	if err != nil {
		t.Fatalf("GenerateCache: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := bare.JobResult(jobID); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	result, ok := bare.JobResult(jobID)
	if !ok {
		t.Fatal("GenerateCache job result never recorded")
	}
	genResult := result.(GenerateCacheResult)
	if genResult.OK {
		t.Error("GenerateCache should fail with no generator configured")
	}
}

func TestDefaultRepoNameFallsBackToLocal(t *testing.T) {
	h := newHarness(t)
	if got := h.mgr.defaultRepoName(); got != "local" {
		t.Errorf("defaultRepoName() = %q, want %q", got, "local")
	}
}

// TestInstallUpgradeDeclined covers spec §8 scenario 3: declining the
// upgrade interaction must cancel the task and leave the older version
// exactly as it was, not partially upgraded.
func TestInstallUpgradeDeclined(t *testing.T) {
	h := newHarness(t)
	oldRef := appRef("org.example.App", "1.0.0")
	newRef := appRef("org.example.App", "1.1.0")
	h.remote.add(oldRef, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	tk, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if err != nil {
		t.Fatalf("initial Install: %v", err)
	}
	h.waitFor(tk)

	h.remote.candidates = nil
	h.remote.add(newRef, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	tk2, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if err != nil {
		t.Fatalf("upgrade Install: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := h.engine.Get(tk2.ID); ok && snap.State == task.StateProcessing {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := h.engine.ReplyInteraction(tk2.ID, "no"); err != nil {
		t.Fatalf("ReplyInteraction: %v", err)
	}

	snap := h.waitFor(tk2)
	if snap.State != task.StateCanceled {
		t.Fatalf("State = %v, message %q, want Canceled", snap.State, snap.Message)
	}

	if _, ok := h.repo.GetItem(oldRef, capref.ModuleBinary, ""); !ok {
		t.Error("declined upgrade should leave the old version installed")
	}
	if _, ok := h.repo.GetItem(newRef, capref.ModuleBinary, ""); ok {
		t.Error("declined upgrade should not install the new version")
	}
}

// TestInstallDowngradeWithoutForceRejected covers spec §8 scenario 4:
// a remote version older than what's installed is a synchronous
// rejection, with guidance mentioning --force, unless Force is set.
func TestInstallDowngradeWithoutForceRejected(t *testing.T) {
	h := newHarness(t)
	newer := appRef("org.example.App", "1.1.0")
	older := appRef("org.example.App", "1.0.0")
	h.remote.add(newer, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	tk, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if err != nil {
		t.Fatalf("initial Install: %v", err)
	}
	h.waitFor(tk)

	h.remote.candidates = nil
	h.remote.add(older, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	_, err = h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if !core.Is(err, core.KindInvalidArgs) {
		t.Fatalf("error = %v, want KindInvalidArgs", err)
	}
	if !strings.Contains(err.Error(), "--force") {
		t.Errorf("error %q should mention --force", err.Error())
	}

	if _, ok := h.repo.GetItem(newer, capref.ModuleBinary, ""); !ok {
		t.Error("rejected downgrade should leave the newer version installed")
	}
}

// TestUninstallRejectedWhileRunning covers spec §8 scenario 5's first
// half: uninstalling a currently-running app is a synchronous
// rejection surfaced as a notification, not a task.
func TestUninstallRejectedWhileRunning(t *testing.T) {
	h := newHarness(t)
	ref := appRef("org.example.App", "1.0.0")
	h.remote.add(ref, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	tk, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	h.waitFor(tk)

	h.markRunning(ref)

	_, err = h.mgr.Uninstall(context.Background(), UninstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	var ce *core.Error
	if !errors.As(err, &ce) {
		t.Fatalf("Uninstall error = %v, want a *core.Error", err)
	}
	if ce.Kind != core.KindBusy {
		t.Errorf("Kind = %v, want KindBusy", ce.Kind)
	}
	if ce.Type != core.MessageNotification {
		t.Errorf("Type = %v, want MessageNotification", ce.Type)
	}
	if !strings.Contains(ce.Message, "cannot be uninstalled") {
		t.Errorf("message %q should mention it cannot be uninstalled", ce.Message)
	}

	if _, ok := h.repo.GetItem(ref, capref.ModuleBinary, ""); !ok {
		t.Error("layer should still be present after the rejected uninstall")
	}
}

// TestDeferredGCLeavesRunningLayerThenReapsAfterExit covers spec §8
// scenario 5's second half: an upgrade over a running app
// deferred-deletes the old version instead of removing it outright;
// Deferred-GC leaves it in place while the app is still running, and
// reaps it once the container exits.
func TestDeferredGCLeavesRunningLayerThenReapsAfterExit(t *testing.T) {
	h := newHarness(t)
	oldRef := appRef("org.example.App", "1.0.0")
	newRef := appRef("org.example.App", "1.1.0")
	h.remote.add(oldRef, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	tk, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if err != nil {
		t.Fatalf("initial Install: %v", err)
	}
	h.waitFor(tk)

	h.markRunning(oldRef)

	h.remote.candidates = nil
	h.remote.add(newRef, []capref.Module{capref.ModuleBinary}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	// Update, not Install, is used for the upgrade here: it is the
	// path whose busy check spec §4.5.7 step 4 documents against
	// oldRef ("if oldRef is busy at completion, annotate sub-state
	// PackageManagerDone").
	tk2, err := h.mgr.Update(context.Background(), UpdateParameters{Packages: []PackageSpec{{ID: "org.example.App"}}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	snap := h.waitFor(tk2)
	if snap.State != task.StatePackageManagerDone {
		t.Fatalf("State = %v, message %q, want PackageManagerDone (old version still running)", snap.State, snap.Message)
	}

	if item, ok := h.repo.GetItem(oldRef, capref.ModuleBinary, ""); !ok || !item.Deleted {
		t.Fatal("old version should be present and marked deleted while still running")
	}

	h.mgr.DeferredGC(context.Background())
	if _, ok := h.repo.GetItem(oldRef, capref.ModuleBinary, ""); !ok {
		t.Fatal("deferred GC should leave the running layer in place")
	}

	h.markStopped()

	h.mgr.DeferredGC(context.Background())
	if _, ok := h.repo.GetItem(oldRef, capref.ModuleBinary, ""); ok {
		t.Error("deferred GC should reap the layer once the container has exited")
	}
}

// TestUpdateRollsBackOnMidInstallFailure covers property P2: when a
// multi-module install fails partway through, rollback leaves no
// trace of the new version and the old version fully intact.
func TestUpdateRollsBackOnMidInstallFailure(t *testing.T) {
	h := newHarness(t)
	oldRef := appRef("org.example.App", "1.0.0")
	newRef := appRef("org.example.App", "1.1.0")

	h.remote.add(oldRef, []capref.Module{capref.ModuleBinary, "develop"}, layerstore.PackageInfo{Kind: layerstore.KindApp})

	tk, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App"}})
	if err != nil {
		t.Fatalf("install binary: %v", err)
	}
	h.waitFor(tk)

	tk2, err := h.mgr.Install(context.Background(), InstallParameters{Package: PackageSpec{ID: "org.example.App", Module: "develop"}})
	if err != nil {
		t.Fatalf("install develop module: %v", err)
	}
	h.waitFor(tk2)

	if _, ok := h.repo.GetItem(oldRef, "develop", ""); !ok {
		t.Fatal("develop module should be installed before the upgrade attempt")
	}

	h.remote.add(newRef, []capref.Module{capref.ModuleBinary, "develop"}, layerstore.PackageInfo{Kind: layerstore.KindApp})
	h.remote.failOn(newRef, "develop")

	tk3, err := h.mgr.Update(context.Background(), UpdateParameters{Packages: []PackageSpec{{ID: "org.example.App"}}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	snap := h.waitFor(tk3)
	if snap.State != task.StateFailed {
		t.Fatalf("State = %v, message %q, want Failed", snap.State, snap.Message)
	}

	if _, ok := h.repo.GetItem(newRef, capref.ModuleBinary, ""); ok {
		t.Error("rollback should leave no trace of the new version's binary module")
	}
	if _, ok := h.repo.GetItem(newRef, "develop", ""); ok {
		t.Error("rollback should leave no trace of the new version's develop module")
	}
	if _, ok := h.repo.GetItem(oldRef, capref.ModuleBinary, ""); !ok {
		t.Error("rollback should leave the old version's binary module intact")
	}
	if _, ok := h.repo.GetItem(oldRef, "develop", ""); !ok {
		t.Error("rollback should leave the old version's develop module intact")
	}
}

// TestPruneScopesMinifiedLayerCountBySubRef covers DESIGN.md's Open
// Question resolution on minified layers (spec §4.5.13): a dependency
// bundled into a UAB is reference-counted under its own SubRef,
// independent of the shared, unscoped layer for the same Reference.
func TestPruneScopesMinifiedLayerCountBySubRef(t *testing.T) {
	h := newHarness(t)
	baseRef := appRef("org.example.Base", "1.0.0")
	sharedApp := appRef("org.example.SharedConsumer", "1.0.0")
	const uabUUID = "11111111-1111-1111-1111-111111111111"

	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "payload"), []byte("content"), 0o644); err != nil {
		t.Fatalf("writing fixture payload: %v", err)
	}

	if _, err := h.repo.ImportLayerDir(baseRef, capref.ModuleBinary, srcDir, nil, "", layerstore.PackageInfo{Kind: layerstore.KindBase}); err != nil {
		t.Fatalf("importing shared base: %v", err)
	}
	if _, err := h.repo.ImportLayerDir(baseRef, capref.ModuleBinary, srcDir, nil, uabUUID, layerstore.PackageInfo{Kind: layerstore.KindBase, UUID: uabUUID}); err != nil {
		t.Fatalf("importing minified base: %v", err)
	}
	if _, err := h.repo.ImportLayerDir(sharedApp, capref.ModuleBinary, srcDir, nil, "", layerstore.PackageInfo{Kind: layerstore.KindApp, Base: &baseRef}); err != nil {
		t.Fatalf("importing shared consumer app: %v", err)
	}
	// The minified base's only consumer (a UAB-installed app tagged
	// with uabUUID) has already been uninstalled, leaving the minified
	// variant with a zero reference count while the shared variant is
	// still referenced by sharedApp.

	removed, err := h.mgr.runExplicitPrune(context.Background())
	if err != nil {
		t.Fatalf("runExplicitPrune: %v", err)
	}
	if len(removed) != 1 || removed[0].Kind != layerstore.KindBase {
		t.Fatalf("removed = %+v, want exactly one KindBase entry", removed)
	}

	if _, ok := h.repo.GetItem(baseRef, capref.ModuleBinary, uabUUID); ok {
		t.Error("unreferenced minified base should have been pruned")
	}
	if _, ok := h.repo.GetItem(baseRef, capref.ModuleBinary, ""); !ok {
		t.Error("shared base is still referenced by sharedApp and should survive")
	}
}
