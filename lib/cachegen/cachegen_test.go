// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package cachegen

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeRuntime struct {
	spec    RunSpec
	failErr error
}

func (f *fakeRuntime) Run(ctx context.Context, spec RunSpec) error {
	f.spec = spec
	return f.failErr
}

func TestGenerateSuccessPersistsCache(t *testing.T) {
	root := t.TempDir()
	rt := &fakeRuntime{}
	gen := New(rt, filepath.Join(root, "generator"), []string{"update-caches"}, nil)

	if err := gen.Generate(context.Background(), root, "deadbeef"); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	cacheDir := cacheRoot(root, "deadbeef")
	if _, err := os.Stat(cacheDir); err != nil {
		t.Errorf("cache directory missing after successful generate: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "fontconfig")); err != nil {
		t.Errorf("fontconfig subdirectory missing: %v", err)
	}

	if len(rt.spec.Binds) != 3 {
		t.Errorf("RunSpec had %d binds, want 3", len(rt.spec.Binds))
	}
	if !rt.spec.Binds[2].ReadOnly {
		t.Error("generator directory bind was not read-only")
	}
}

func TestGenerateFailureRemovesPartialCache(t *testing.T) {
	root := t.TempDir()
	rt := &fakeRuntime{failErr: errors.New("generator crashed")}
	gen := New(rt, filepath.Join(root, "generator"), []string{"update-caches"}, nil)

	err := gen.Generate(context.Background(), root, "deadbeef")
	if err == nil {
		t.Fatal("expected Generate to return an error")
	}

	if _, statErr := os.Stat(cacheRoot(root, "deadbeef")); !os.IsNotExist(statErr) {
		t.Errorf("cache directory should have been removed after failure, stat err = %v", statErr)
	}
}
