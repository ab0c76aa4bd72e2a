// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package pm

import "github.com/capsule-foundation/capsule/lib/capref"

// PackageSpec identifies the package an Install/Update/Uninstall
// request names, with every field but ID optional (spec §6's
// InstallParameters/UninstallParameters/UpdateParameters package
// fields).
type PackageSpec struct {
	ID      string
	Channel string
	Version string
	Module  string
}

// fuzzy renders p as a capref.Fuzzy, leaving unset fields nil so
// resolution is unconstrained on them.
func (p PackageSpec) fuzzy() capref.Fuzzy {
	f := capref.Fuzzy{ID: capref.Str(p.ID)}
	if p.Channel != "" {
		f.Channel = capref.Str(p.Channel)
	}
	if p.Version != "" {
		f.Version = capref.Ver(p.Version)
	}
	return f
}

// module returns p's requested module, or capref.ModuleBinary when
// unset (spec §4.5.1 step 1's curModule default).
func (p PackageSpec) module() capref.Module {
	if p.Module == "" {
		return capref.ModuleBinary
	}
	return capref.Module(p.Module)
}

// CommonOptions are the shared options every mutating RPC method
// accepts (spec §6's CommonOptions).
type CommonOptions struct {
	// Force allows a downgrade install that would otherwise be
	// rejected (spec §4.5.1 step 5).
	Force bool
	// SkipInteraction bypasses the Upgrade confirmation prompt.
	SkipInteraction bool
}

// InstallParameters are the arguments to Install (spec §6).
type InstallParameters struct {
	Package PackageSpec
	Options CommonOptions
}

// UninstallParameters are the arguments to Uninstall (spec §6).
type UninstallParameters struct {
	Package PackageSpec
}

// UpdateParameters are the arguments to Update: a batch of packages
// updated within a single task (spec §4.5.7, §6).
type UpdateParameters struct {
	Packages []PackageSpec
}
