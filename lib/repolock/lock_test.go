// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package repolock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/capsule-foundation/capsule/internal/core"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.lock")
	l := New(path)

	if err := l.Acquire(); err != nil {
		t.Fatal(err)
	}
	if !l.Held() {
		t.Fatal("expected Held() to be true after Acquire")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("sentinel file not created: %v", err)
	}

	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if l.Held() {
		t.Fatal("expected Held() to be false after Release")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("sentinel file should be removed after Release")
	}
}

func TestReacquireInSameProcessIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.lock")
	l := New(path)

	if err := l.Acquire(); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire(); err != nil {
		t.Fatalf("nested Acquire should succeed, got %v", err)
	}

	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if !l.Held() {
		t.Fatal("lock should still be held after one of two Release calls")
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if l.Held() {
		t.Fatal("lock should be released after matching Release calls")
	}
}

func TestAcquireContendedFromSecondLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.lock")
	first := New(path)
	second := New(path)

	if err := first.Acquire(); err != nil {
		t.Fatal(err)
	}
	defer first.Release()

	err := second.Acquire()
	if err == nil {
		t.Fatal("expected second Acquire to fail while first holds the lock")
	}
	if !core.Is(err, core.KindLockContended) {
		t.Errorf("expected KindLockContended, got %v", err)
	}
}

func TestWithLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.lock")
	l := New(path)

	ran := false
	if err := WithLock(l, func() error {
		ran = true
		if !l.Held() {
			t.Error("lock should be held inside WithLock's function")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("function was not called")
	}
	if l.Held() {
		t.Fatal("lock should be released after WithLock returns")
	}
}
