// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package capref provides strongly typed identity references for
// capsule's package repository: fully qualified [Reference] values,
// partially specified [Fuzzy] queries, and [Module] names with
// binary/runtime aliasing.
//
// A Reference is always {channel, id, version, architecture} — every
// component is required and toString is injective. A Fuzzy reference
// relaxes every component to optional, for resolving user input
// against the repo or a remote index.
package capref

import (
	"fmt"
	"strings"
)

// Reference is a fully qualified installable identity.
type Reference struct {
	Channel string
	ID      string
	Version Version
	Arch    string
}

// String returns the canonical, injective textual form
// "channel:id/version/arch".
func (r Reference) String() string {
	return fmt.Sprintf("%s:%s/%s/%s", r.Channel, r.ID, r.Version, r.Arch)
}

// IsZero reports whether r is the zero Reference.
func (r Reference) IsZero() bool {
	return r == Reference{}
}

// Validate returns an error if any component is empty.
func (r Reference) Validate() error {
	var missing []string
	if r.Channel == "" {
		missing = append(missing, "channel")
	}
	if r.ID == "" {
		missing = append(missing, "id")
	}
	if r.Version == "" {
		missing = append(missing, "version")
	}
	if r.Arch == "" {
		missing = append(missing, "arch")
	}
	if len(missing) > 0 {
		return fmt.Errorf("capref: incomplete reference, missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// WithVersion returns a copy of r with Version replaced.
func (r Reference) WithVersion(v Version) Reference {
	r.Version = v
	return r
}

// SameLine reports whether a and b share {channel, id, arch}, ignoring
// version. The package manager core uses it to find the newest
// surviving version on a reference's line during Deferred-GC, and
// reference resolution uses it to pick the highest version when all
// candidates share one line.
func (r Reference) SameLine(other Reference) bool {
	return r.Channel == other.Channel && r.ID == other.ID && r.Arch == other.Arch
}

// ParseReference parses the canonical "channel:id/version/arch" form
// produced by [Reference.String].
func ParseReference(s string) (Reference, error) {
	channel, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Reference{}, fmt.Errorf("capref: %q is missing channel separator ':'", s)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return Reference{}, fmt.Errorf("capref: %q must have form channel:id/version/arch", s)
	}
	ref := Reference{Channel: channel, ID: parts[0], Version: Version(parts[1]), Arch: parts[2]}
	if err := ref.Validate(); err != nil {
		return Reference{}, err
	}
	return ref, nil
}
