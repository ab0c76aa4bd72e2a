// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package capref

// Module is the name of a slice of a package: "binary", "runtime",
// "develop", "debug", or any other channel-defined name.
type Module string

// Well-known module names. Binary and Runtime are historical aliases
// for the same principal module (see [Module.Canonical]).
const (
	ModuleBinary  Module = "binary"
	ModuleRuntime Module = "runtime"
)

// Canonical returns the form used for equality and intersection:
// ModuleRuntime canonicalizes to ModuleBinary, every other module name
// is returned unchanged. Display code should keep using the caller's
// original spelling; only comparisons go through Canonical.
func (m Module) Canonical() Module {
	if m == ModuleRuntime {
		return ModuleBinary
	}
	return m
}

// Equal reports whether m and other denote the same module, treating
// "binary" and "runtime" as equal.
func (m Module) Equal(other Module) bool {
	return m.Canonical() == other.Canonical()
}

// IsPrincipal reports whether m is the principal module name (binary
// or runtime) as opposed to a non-principal module (develop, debug, …).
func (m Module) IsPrincipal() bool {
	return m.Canonical() == ModuleBinary
}

// ContainsModule reports whether modules contains a module equal to m
// under aliasing.
func ContainsModule(modules []Module, m Module) bool {
	for _, candidate := range modules {
		if candidate.Equal(m) {
			return true
		}
	}
	return false
}

// IntersectModules returns the modules present in both a and b, using
// aliased equality, preserving a's ordering and spelling.
func IntersectModules(a, b []Module) []Module {
	var out []Module
	for _, m := range a {
		if ContainsModule(b, m) {
			out = append(out, m)
		}
	}
	return out
}
