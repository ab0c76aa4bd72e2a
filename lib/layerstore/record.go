// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package layerstore

import (
	"time"

	"github.com/capsule-foundation/capsule/lib/capref"
)

// Kind classifies a layer's role. Only KindApp layers are exported and
// trigger cache generation (spec §3).
type Kind string

const (
	KindApp     Kind = "app"
	KindRuntime Kind = "runtime"
	KindBase    Kind = "base"
)

// PackageInfo is the metadata embedded in a layer describing its
// declared dependencies. Base is required for app and runtime layers;
// Runtime is optional (an app may depend directly on a base only).
type PackageInfo struct {
	Kind    Kind              `cbor:"kind"`
	Base    *capref.Reference `cbor:"base,omitempty"`
	Runtime *capref.Reference `cbor:"runtime,omitempty"`
	// UUID tags a "minified" layer: a dependency variant installed
	// only while a specific UAB is its consumer (spec §4.5.13).
	UUID string `cbor:"uuid,omitempty"`
}

// LayerItem is the on-disk realization of one (Reference, Module)
// pair (spec §3).
type LayerItem struct {
	Commit  Hash            `cbor:"commit"`
	Ref     capref.Reference `cbor:"ref"`
	Module  capref.Module   `cbor:"module"`
	SubRef  string          `cbor:"sub_ref,omitempty"`
	Info    PackageInfo     `cbor:"info"`
	Deleted bool            `cbor:"deleted"`

	// Compression and UncompressedSize describe how a pulled layer's
	// single-file payload is stored on disk (see Store.Pull); zero
	// value (CompressionNone, 0) for layers imported directly from an
	// unpacked directory, which are never compressed.
	Compression      CompressionTag `cbor:"compression,omitempty"`
	UncompressedSize int64          `cbor:"uncompressed_size,omitempty"`

	CreatedAt time.Time `cbor:"created_at"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

// Key identifies a LayerItem within the store: a (Reference, Module,
// SubRef) triple. Module equality in key lookups uses canonical
// (binary/runtime-aliased) comparison; Key itself stores the caller's
// original spelling for display, matching capref.Module's contract.
type Key struct {
	Ref    capref.Reference
	Module capref.Module
	SubRef string
}

// CanonicalKey returns a copy of k with Module canonicalized, for use
// as a map key where binary/runtime aliasing must collapse to one
// entry.
func (k Key) CanonicalKey() Key {
	k.Module = k.Module.Canonical()
	return k
}

// Query filters ListLocalBy results (spec §4.3's listLocalBy).
type Query struct {
	ID      *string
	Channel *string
	Version *capref.Version
	Deleted *bool
}

// Matches reports whether item satisfies every non-nil field of q.
func (q Query) Matches(item LayerItem) bool {
	if q.ID != nil && *q.ID != item.Ref.ID {
		return false
	}
	if q.Channel != nil && *q.Channel != item.Ref.Channel {
		return false
	}
	if q.Version != nil && *q.Version != item.Ref.Version {
		return false
	}
	if q.Deleted != nil && *q.Deleted != item.Deleted {
		return false
	}
	return true
}
