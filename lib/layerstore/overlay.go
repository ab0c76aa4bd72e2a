// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package layerstore

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/capsule-foundation/capsule/internal/core"
)

// ModuleMerger mounts the read-only view an installed reference exposes
// at runtime: its modules' content directories stacked with
// fuse-overlayfs, base/runtime/app lowest-to-highest, into one merged
// directory (spec §4.3's mergeModules / getMergedModuleDir). It is
// adapted from sandbox.OverlayManager, generalized from one fixed
// lower/upper pair to an arbitrary ordered stack of read-only lower
// directories with no upper layer at all — a module stack never needs
// writes, so there is no upperdir/workdir to manage or clean up.
type ModuleMerger struct {
	fuseBin       string
	fusermountBin string
	tempDir       string
	merges        map[string]string // ref string -> merged dir
}

// NewModuleMerger locates fuse-overlayfs and fusermount, failing loudly
// rather than falling back to a non-overlay mount.
func NewModuleMerger() (*ModuleMerger, error) {
	fuseBin, err := exec.LookPath("fuse-overlayfs")
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "fuse-overlayfs not found; install fuse-overlayfs to merge module layers", err)
	}

	fusermountBin, err := exec.LookPath("fusermount")
	if err != nil {
		fusermountBin, err = exec.LookPath("fusermount3")
		if err != nil {
			return nil, core.Wrap(core.KindInternal, "fusermount/fusermount3 not found; install fuse3", err)
		}
	}

	return &ModuleMerger{fuseBin: fuseBin, fusermountBin: fusermountBin, merges: make(map[string]string)}, nil
}

// validateMergePath rejects characters that would corrupt
// fuse-overlayfs's comma-delimited option string, the same injection
// sandbox.validateOverlayPath guards against.
func validateMergePath(path, fieldName string) error {
	if strings.Contains(path, ",") {
		return core.Newf(core.KindInvalidArgs, "%s path %q contains a comma, which would corrupt fuse-overlayfs options", fieldName, path)
	}
	if strings.ContainsAny(path, "\x00\n\r") {
		return core.Newf(core.KindInvalidArgs, "%s path %q contains invalid characters", fieldName, path)
	}
	return nil
}

// Merge stacks lowerDirs (lowest priority first, so the principal
// module's directory should be last) into one read-only merged view
// keyed by key, and returns its path. Calling Merge again with the
// same key replaces the previous merge.
func (m *ModuleMerger) Merge(key string, lowerDirs []string) (string, error) {
	if len(lowerDirs) == 0 {
		return "", core.New(core.KindInvalidArgs, "cannot merge zero module directories")
	}
	for _, dir := range lowerDirs {
		if err := validateMergePath(dir, "lower"); err != nil {
			return "", err
		}
		if _, err := os.Stat(dir); err != nil {
			return "", core.Wrap(core.KindNotFound, fmt.Sprintf("module directory %s does not exist", dir), err)
		}
	}

	if m.tempDir == "" {
		tempDir, err := os.MkdirTemp("", "capsule-merge-*")
		if err != nil {
			return "", core.Wrap(core.KindIOError, "creating merge temp directory", err)
		}
		m.tempDir = tempDir
	}

	if existing, ok := m.merges[key]; ok {
		m.unmount(existing)
	}

	mergedDir := filepath.Join(m.tempDir, sanitizeMergeKey(key))
	if err := os.MkdirAll(mergedDir, 0o700); err != nil {
		return "", core.Wrap(core.KindIOError, "creating merged view directory", err)
	}

	// fuse-overlayfs reads lowerdir left-to-right as highest-to-lowest
	// priority, so reverse lowerDirs (given lowest-first) before
	// joining.
	reversed := make([]string, len(lowerDirs))
	for i, dir := range lowerDirs {
		reversed[len(lowerDirs)-1-i] = dir
	}

	args := []string{"-o", "lowerdir=" + strings.Join(reversed, ":"), mergedDir}
	cmd := exec.Command(m.fuseBin, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", core.Wrapf(core.KindInternal, err, "fuse-overlayfs failed: %s", string(output))
	}

	if err := waitForFuseMount(mergedDir); err != nil {
		exec.Command(m.fusermountBin, "-u", mergedDir).Run()
		return "", err
	}

	m.merges[key] = mergedDir
	return mergedDir, nil
}

// Unmerge tears down the merged view for key, if one exists.
func (m *ModuleMerger) Unmerge(key string) {
	if dir, ok := m.merges[key]; ok {
		m.unmount(dir)
		delete(m.merges, key)
	}
}

func (m *ModuleMerger) unmount(dir string) {
	cmd := exec.Command(m.fusermountBin, "-u", dir)
	if _, err := cmd.CombinedOutput(); err != nil {
		exec.Command(m.fusermountBin, "-u", "-z", dir).Run()
	}
}

// Close unmounts every active merge and removes the temp directory.
func (m *ModuleMerger) Close() error {
	for key := range m.merges {
		m.Unmerge(key)
	}
	if m.tempDir != "" {
		err := os.RemoveAll(m.tempDir)
		m.tempDir = ""
		if err != nil {
			return core.Wrap(core.KindIOError, "removing merge temp directory", err)
		}
	}
	return nil
}

func sanitizeMergeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}

const fuseSuperMagic = 0x65735546

func waitForFuseMount(path string) error {
	const maxAttempts = 50
	const sleepInterval = 20 * time.Millisecond

	for i := 0; i < maxAttempts; i++ {
		var stat syscall.Statfs_t
		if err := syscall.Statfs(path, &stat); err == nil && stat.Type == fuseSuperMagic {
			return nil
		}
		time.Sleep(sleepInterval)
	}
	return core.Newf(core.KindInternal, "timeout waiting for fuse-overlayfs mount at %s", path)
}
