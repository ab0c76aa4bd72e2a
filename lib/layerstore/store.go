// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package layerstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/capsule-foundation/capsule/internal/core"
	"github.com/capsule-foundation/capsule/lib/capref"
	"github.com/capsule-foundation/capsule/lib/layerstore/index"
)

// Store manages the on-disk layer repository: one CBOR metadata file
// and one content directory per layer, plus a SQLite secondary index
// for fast listing. Store is safe for concurrent reads; callers
// serialize writes through the Repo Lock (lib/repolock), matching
// lib/artifact.Store's documented concurrency contract.
type Store struct {
	root   string
	idx    *index.Index
	logger *slog.Logger

	mu    sync.RWMutex
	items map[Key]LayerItem // canonical key -> item, in-memory cache
}

// Open opens (creating if necessary) the layer store rooted at root.
// The on-disk CBOR records are the durable source of truth; the
// SQLite index is rebuilt from them on every Open, so deleting the index file is always a safe, recoverable operation.
func Open(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	for _, dir := range []string{root, layersDir(root), contentDir(root)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("layerstore: creating %s: %w", dir, err)
		}
	}

	idx, err := index.Open(filepath.Join(root, "index.sqlite"), logger)
	if err != nil {
		return nil, fmt.Errorf("layerstore: opening index: %w", err)
	}

	store := &Store{root: root, idx: idx, logger: logger, items: make(map[Key]LayerItem)}
	if err := store.loadFromDisk(); err != nil {
		idx.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the index's connection pool.
func (s *Store) Close() error {
	return s.idx.Close()
}

func layersDir(root string) string  { return filepath.Join(root, "layers") }
func contentDir(root string) string { return filepath.Join(root, "content") }

func recordPath(root string, h Hash) string {
	hexHash := hex.EncodeToString(h[:])
	return filepath.Join(layersDir(root), hexHash[:2], hexHash[2:4], hexHash+".cbor")
}

// layerContentDir returns the directory holding a layer's unpacked
// content. Content is stored by commit hash, so two (Reference,
// Module) pairs with identical content share storage — the same
// content-addressing idempotency spec §4.3 requires of pull.
func (s *Store) layerContentDir(h Hash) string {
	hexHash := hex.EncodeToString(h[:])
	return filepath.Join(contentDir(s.root), hexHash[:2], hexHash[2:4], hexHash)
}

// loadFromDisk scans every CBOR record on disk into the in-memory
// cache and rebuilds the SQLite index from it. Called once on Open.
func (s *Store) loadFromDisk() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []index.Row
	err := filepath.WalkDir(layersDir(s.root), func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || filepath.Ext(path) != ".cbor" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("layerstore: reading %s: %w", path, err)
		}
		var item LayerItem
		if err := cbor.Unmarshal(data, &item); err != nil {
			s.logger.Warn("layerstore: skipping corrupt layer record", "path", path, "error", err)
			return nil
		}
		key := Key{Ref: item.Ref, Module: item.Module, SubRef: item.SubRef}.CanonicalKey()
		s.items[key] = item
		rows = append(rows, index.Row{
			Ref: item.Ref, Module: item.Module, SubRef: item.SubRef,
			CommitHex: hex.EncodeToString(item.Commit[:]), Kind: string(item.Info.Kind), Deleted: item.Deleted,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("layerstore: scanning layer records: %w", err)
	}

	if err := s.idx.Rebuild(context.Background(), rows); err != nil {
		return fmt.Errorf("layerstore: rebuilding index: %w", err)
	}
	return nil
}

func (s *Store) persist(item LayerItem) error {
	data, err := cbor.Marshal(item)
	if err != nil {
		return fmt.Errorf("layerstore: marshaling layer record: %w", err)
	}
	path := recordPath(s.root, item.Commit)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("layerstore: creating layer record directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("layerstore: writing layer record %s: %w", path, err)
	}

	key := Key{Ref: item.Ref, Module: item.Module, SubRef: item.SubRef}.CanonicalKey()
	s.items[key] = item

	return s.idx.Upsert(context.Background(), index.Row{
		Ref: item.Ref, Module: item.Module, SubRef: item.SubRef,
		CommitHex: hex.EncodeToString(item.Commit[:]), Kind: string(item.Info.Kind), Deleted: item.Deleted,
	})
}

// RemoteSource is the abstract collaborator that performs the actual
// network transfer and remote listing. Capsule's core treats the
// content-addressed pull/checkout primitive as an external backend
// (spec §1); Store.Pull and Store.ListRemote delegate to whatever
// RemoteSource the caller injects, so the core never assumes a
// specific wire protocol.
type RemoteSource interface {
	// ListRemote returns candidates matching fuzzy.
	ListRemote(ctx context.Context, fuzzy capref.Fuzzy) ([]RemoteCandidate, error)
	// Fetch streams a (ref, module) layer's packed content plus its
	// PackageInfo. The caller must Close the returned reader.
	Fetch(ctx context.Context, ref capref.Reference, module capref.Module) (io.ReadCloser, PackageInfo, error)
	// RemoteModules lists the modules available for ref.
	RemoteModules(ctx context.Context, ref capref.Reference) ([]capref.Module, error)
}

// RemoteCandidate is one entry in a remote listing.
type RemoteCandidate struct {
	Ref     capref.Reference
	Modules []capref.Module
}

// ProgressFunc reports pull progress to the caller (e.g. the task
// handle in internal/task), as raw bytes transferred.
type ProgressFunc func(transferred, total int64)

// Pull transfers ref's module into the store from source, reporting
// progress through report (may be nil). Pull is idempotent at the
// content-address level: if the fetched content hashes to a layer
// already present, no new content is written, only the metadata
// record for this (ref, module) pair is created or updated.
func (s *Store) Pull(ctx context.Context, source RemoteSource, ref capref.Reference, module capref.Module, report ProgressFunc) (LayerItem, error) {
	reader, info, err := source.Fetch(ctx, ref, module)
	if err != nil {
		return LayerItem{}, core.Wrap(core.KindRemoteUnavailable, fmt.Sprintf("fetching %s module %s", ref, module), err)
	}
	defer reader.Close()

	tmp, err := os.CreateTemp(contentDir(s.root), "pull-*")
	if err != nil {
		return LayerItem{}, core.Wrap(core.KindIOError, "creating temporary pull file", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	counting := &countingReader{r: reader, onRead: func(n int64) {
		if report != nil {
			report(n, -1)
		}
	}}
	if _, err := io.Copy(tmp, counting); err != nil {
		return LayerItem{}, core.Wrap(core.KindIOError, "writing pulled content", err)
	}
	if err := tmp.Sync(); err != nil {
		return LayerItem{}, core.Wrap(core.KindIOError, "syncing pulled content", err)
	}

	hash, err := hashFile(tmp.Name())
	if err != nil {
		return LayerItem{}, err
	}

	raw, err := os.ReadFile(tmp.Name())
	if err != nil {
		return LayerItem{}, core.Wrap(core.KindIOError, "reading pulled content for compression", err)
	}
	probeLen := len(raw)
	if probeLen > 4096 {
		probeLen = 4096
	}
	tag := SelectCompression(raw[:probeLen], "")
	packed, actualTag, err := CompressChunk(raw, tag)
	if err != nil {
		return LayerItem{}, core.Wrap(core.KindInternal, "compressing pulled content", err)
	}

	destDir := s.layerContentDir(hash)
	if _, err := os.Stat(destDir); os.IsNotExist(err) {
		if err := writePayload(destDir, packed); err != nil {
			return LayerItem{}, err
		}
	}

	now := time.Now()
	item := LayerItem{
		Commit: hash, Ref: ref, Module: module, Info: info,
		Compression: actualTag, UncompressedSize: int64(len(raw)),
		CreatedAt: now, UpdatedAt: now,
	}
	if existing, ok := s.Get(ref, module, ""); ok {
		item.CreatedAt = existing.CreatedAt
	}
	if err := s.persist(item); err != nil {
		return LayerItem{}, err
	}
	return item, nil
}

// ReadPayload returns the decompressed content of a pulled layer's
// single-file payload (spec §4.3's pull contract: transferred content
// addressable by commit hash). Layers committed through
// ImportLayerDir have no single payload file and are read through
// GetLayerDir instead.
func (s *Store) ReadPayload(ref capref.Reference, module capref.Module, subRef string) ([]byte, error) {
	item, ok := s.Get(ref, module, subRef)
	if !ok {
		return nil, core.Newf(core.KindNotFound, "no local layer for %s module %s", ref, module)
	}
	packed, err := os.ReadFile(filepath.Join(s.layerContentDir(item.Commit), "payload"))
	if err != nil {
		return nil, core.Wrap(core.KindIOError, "reading layer payload", err)
	}
	return DecompressChunk(packed, item.Compression, int(item.UncompressedSize))
}

type countingReader struct {
	r      io.Reader
	total  int64
	onRead func(n int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.total += int64(n)
		if c.onRead != nil {
			c.onRead(c.total)
		}
	}
	return n, err
}

func hashFile(path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, core.Wrap(core.KindIOError, "reopening pulled content for hashing", err)
	}
	defer f.Close()
	h, err := HashReader(f)
	if err != nil {
		return Hash{}, core.Wrap(core.KindIOError, "hashing pulled content", err)
	}
	return h, nil
}

// writePayload stores packed (already compressed per Store.Pull's
// auto-selected codec) as the single content file for a pulled layer.
// Real package archives (layer tarballs, UAB payloads) are unpacked by
// the caller before calling ImportLayerDir; Pull's own job is only to
// get bytes into content-addressed storage.
func writePayload(destDir string, packed []byte) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return core.Wrap(core.KindIOError, "creating layer content directory", err)
	}
	if err := os.WriteFile(filepath.Join(destDir, "payload"), packed, 0o644); err != nil {
		return core.Wrap(core.KindIOError, "writing layer content", err)
	}
	return nil
}
