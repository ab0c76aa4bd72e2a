// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package layerstore implements the content-addressed object
// repository that backs the Repo Facade (spec §4.3 / component C3):
// LayerItem storage, module-aware listing, export/unexport of
// application entry points, and the merged-module overlay view.
//
// Content addressing is grounded on lib/artifact/store.go: layers are
// identified by a BLAKE3 digest of their content (zeebo/blake3,
// already a teacher dependency), and per-layer metadata is persisted
// as a CBOR record on disk, one file per layer, the same layout
// lib/artifact/tagstore.go uses for tag records.
package layerstore

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// Hash is a content digest identifying a layer: the BLAKE3 hash of
// its packed content.
type Hash [32]byte

// FormatHash renders h as the display form "ref-<64 hex>".
func FormatHash(h Hash) string {
	return "ref-" + hex.EncodeToString(h[:])
}

// ParseHash parses the "ref-<64 hex>" form produced by FormatHash.
func ParseHash(s string) (Hash, error) {
	const prefix = "ref-"
	if len(s) != len(prefix)+64 || s[:len(prefix)] != prefix {
		return Hash{}, fmt.Errorf("layerstore: %q is not a valid hash reference", s)
	}
	raw, err := hex.DecodeString(s[len(prefix):])
	if err != nil {
		return Hash{}, fmt.Errorf("layerstore: decoding hash reference %q: %w", s, err)
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}

// HashBytes computes the content hash of data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashReader computes the content hash of everything read from r.
func HashReader(r io.Reader) (Hash, error) {
	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return Hash{}, fmt.Errorf("layerstore: hashing reader: %w", err)
	}
	var sum Hash
	copy(sum[:], hasher.Sum(nil))
	return sum, nil
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// dirHasher folds a sequence of (relative path, content) pairs into a
// single content hash, used to hash an unpacked directory tree the
// same way imported layers are content-addressed. The caller must feed
// paths in a stable (e.g. lexical walk) order for the hash to be
// reproducible.
type dirHasher struct {
	h *blake3.Hasher
}

func newDirHasher() (*dirHasher, error) {
	return &dirHasher{h: blake3.New()}, nil
}

func (d *dirHasher) addFile(relPath string, r io.Reader) error {
	if _, err := io.WriteString(d.h, relPath+"\x00"); err != nil {
		return err
	}
	if _, err := io.Copy(d.h, r); err != nil {
		return err
	}
	_, err := d.h.Write([]byte{0})
	return err
}

func (d *dirHasher) sum() Hash {
	var sum Hash
	copy(sum[:], d.h.Sum(nil))
	return sum
}
