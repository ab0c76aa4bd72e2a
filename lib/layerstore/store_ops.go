// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package layerstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/capsule-foundation/capsule/internal/core"
	"github.com/capsule-foundation/capsule/lib/capref"
)

// Get returns the LayerItem for (ref, module, subRef), using canonical
// (binary/runtime-aliased) module comparison, and whether it exists.
func (s *Store) Get(ref capref.Reference, module capref.Module, subRef string) (LayerItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[(Key{Ref: ref, Module: module, SubRef: subRef}).CanonicalKey()]
	return item, ok
}

// ImportLayerDir commits a pre-unpacked directory as a layer without a
// network transfer (spec §4.3's importLayerDir). overlays are
// additional source roots merged on top of dir before hashing and
// storing, lowest-priority first; subRef tags a minified layer.
func (s *Store) ImportLayerDir(ref capref.Reference, module capref.Module, dir string, overlays []string, subRef string, info PackageInfo) (LayerItem, error) {
	merged := dir
	if len(overlays) > 0 {
		var err error
		merged, err = mergeDirsToTemp(append([]string{dir}, overlays...))
		if err != nil {
			return LayerItem{}, err
		}
		defer os.RemoveAll(merged)
	}

	hash, err := hashDir(merged)
	if err != nil {
		return LayerItem{}, err
	}

	destDir := s.layerContentDir(hash)
	if _, err := os.Stat(destDir); os.IsNotExist(err) {
		if err := copyDir(merged, destDir); err != nil {
			return LayerItem{}, err
		}
	}

	now := time.Now()
	item := LayerItem{Commit: hash, Ref: ref, Module: module, SubRef: subRef, Info: info, CreatedAt: now, UpdatedAt: now}
	if existing, ok := s.Get(ref, module, subRef); ok {
		item.CreatedAt = existing.CreatedAt
	}
	if err := s.persist(item); err != nil {
		return LayerItem{}, err
	}
	return item, nil
}

// Remove physically deletes the layer for (ref, module, subRef). It is
// a no-op, not an error, if absent (spec §4.3's remove contract).
func (s *Store) Remove(ref capref.Reference, module capref.Module, subRef string) error {
	s.mu.Lock()
	key := (Key{Ref: ref, Module: module, SubRef: subRef}).CanonicalKey()
	item, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.items, key)
	s.mu.Unlock()

	if err := os.Remove(recordPath(s.root, item.Commit)); err != nil && !os.IsNotExist(err) {
		return core.Wrap(core.KindIOError, "removing layer record", err)
	}
	if err := s.idx.Delete(context.Background(), ref, module, subRef); err != nil {
		return fmt.Errorf("layerstore: removing index row: %w", err)
	}
	if !s.contentStillReferenced(item.Commit) {
		if err := os.RemoveAll(s.layerContentDir(item.Commit)); err != nil {
			return core.Wrap(core.KindIOError, "removing layer content", err)
		}
	}
	return nil
}

func (s *Store) contentStillReferenced(h Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.items {
		if item.Commit == h {
			return true
		}
	}
	return false
}

// MarkDeleted sets or clears the deletion marker for (ref, module)
// without touching objects (spec §4.3's markDeleted contract). It
// matches against every SubRef variant of (ref, module).
func (s *Store) MarkDeleted(ref capref.Reference, module capref.Module, deleted bool) error {
	s.mu.Lock()
	var toUpdate []LayerItem
	for key, item := range s.items {
		if key.Ref == ref && key.Module.Equal(module) {
			item.Deleted = deleted
			item.UpdatedAt = time.Now()
			s.items[key] = item
			toUpdate = append(toUpdate, item)
		}
	}
	s.mu.Unlock()

	for _, item := range toUpdate {
		if err := s.persist(item); err != nil {
			return err
		}
	}
	return nil
}

// ListLocal returns every installed (non-filtered) LayerItem.
func (s *Store) ListLocal() []LayerItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]LayerItem, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item)
	}
	return items
}

// ListLocalBy returns the installed LayerItems matching q.
func (s *Store) ListLocalBy(q Query) []LayerItem {
	var matched []LayerItem
	for _, item := range s.ListLocal() {
		if q.Matches(item) {
			matched = append(matched, item)
		}
	}
	return matched
}

// ListRemote delegates to source's listing.
func (s *Store) ListRemote(ctx context.Context, source RemoteSource, fuzzy capref.Fuzzy) ([]RemoteCandidate, error) {
	candidates, err := source.ListRemote(ctx, fuzzy)
	if err != nil {
		return nil, core.Wrap(core.KindRemoteUnavailable, "listing remote references", err)
	}
	return candidates, nil
}

// GetModuleList returns the modules currently installed for ref
// (including deleted ones, since a caller re-checking "is this module
// present" generally wants to know about markDeleted entries too; call
// ListLocalBy with Deleted=false first if only live modules matter).
func (s *Store) GetModuleList(ref capref.Reference) []capref.Module {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var modules []capref.Module
	for key := range s.items {
		if key.Ref == ref {
			modules = append(modules, key.Module)
		}
	}
	return modules
}

// GetRemoteModuleList returns the intersection of desired with the
// modules source reports as available for ref.
func (s *Store) GetRemoteModuleList(ctx context.Context, source RemoteSource, ref capref.Reference, desired []capref.Module) ([]capref.Module, error) {
	available, err := source.RemoteModules(ctx, ref)
	if err != nil {
		return nil, core.Wrap(core.KindRemoteUnavailable, fmt.Sprintf("listing remote modules for %s", ref), err)
	}
	return capref.IntersectModules(desired, available), nil
}

// GetLayerDir resolves a LayerItem to its on-disk content directory.
func (s *Store) GetLayerDir(ref capref.Reference, module capref.Module, subRef string) (string, error) {
	item, ok := s.Get(ref, module, subRef)
	if !ok {
		return "", core.Newf(core.KindNotFound, "no local layer for %s module %s", ref, module)
	}
	return s.layerContentDir(item.Commit), nil
}

func mergeDirsToTemp(dirs []string) (string, error) {
	dest, err := os.MkdirTemp("", "capsule-import-*")
	if err != nil {
		return "", core.Wrap(core.KindIOError, "creating import staging directory", err)
	}
	for _, dir := range dirs {
		if err := copyDirOnto(dir, dest); err != nil {
			os.RemoveAll(dest)
			return "", err
		}
	}
	return dest, nil
}

func copyDirOnto(src, dest string) error {
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
		return copyFile(path, target)
	})
}

func copyDir(src, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return core.Wrap(core.KindIOError, "creating layer destination directory", err)
	}
	return copyDirOnto(src, dest)
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return core.Wrap(core.KindIOError, "creating destination directory", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return core.Wrap(core.KindIOError, "opening source file", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return core.Wrap(core.KindIOError, "creating destination file", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return core.Wrap(core.KindIOError, "copying file content", err)
	}
	return nil
}

func hashDir(dir string) (Hash, error) {
	hasher, err := newDirHasher()
	if err != nil {
		return Hash{}, err
	}
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return hasher.addFile(rel, f)
	})
	if err != nil {
		return Hash{}, core.Wrap(core.KindIOError, "hashing directory", err)
	}
	return hasher.sum(), nil
}
