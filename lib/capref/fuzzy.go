// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package capref

import "fmt"

// Fuzzy is a partially specified Reference: any field may be nil,
// meaning "unconstrained". Resolving a Fuzzy against a scope produces
// exactly one Reference or fails — see the resolver in internal/repo.
type Fuzzy struct {
	Channel *string
	ID      *string
	Version *Version
	Arch    *string
}

// String renders a human-readable description of the constraints for
// error messages and log lines, e.g. "id=app.example channel=stable".
func (f Fuzzy) String() string {
	s := ""
	add := func(name, value string) {
		if s != "" {
			s += " "
		}
		s += name + "=" + value
	}
	if f.ID != nil {
		add("id", *f.ID)
	}
	if f.Channel != nil {
		add("channel", *f.Channel)
	}
	if f.Version != nil {
		add("version", string(*f.Version))
	}
	if f.Arch != nil {
		add("arch", *f.Arch)
	}
	if s == "" {
		return "<empty fuzzy reference>"
	}
	return s
}

// WithoutVersion returns a copy of f with Version cleared. Several
// install-path decisions drop the version constraint before resolving
// "the latest local installation" (spec §4.5.1 step 4).
func (f Fuzzy) WithoutVersion() Fuzzy {
	f.Version = nil
	return f
}

// Matches reports whether ref satisfies every non-nil constraint in f.
func (f Fuzzy) Matches(ref Reference) bool {
	if f.Channel != nil && *f.Channel != ref.Channel {
		return false
	}
	if f.ID != nil && *f.ID != ref.ID {
		return false
	}
	if f.Version != nil && *f.Version != ref.Version {
		return false
	}
	if f.Arch != nil && *f.Arch != ref.Arch {
		return false
	}
	return true
}

// Str is a convenience constructor for a *string pointer, used when
// building Fuzzy literals from request parameters.
func Str(s string) *string { return &s }

// Ver is a convenience constructor for a *Version pointer.
func Ver(v string) *Version { ver := Version(v); return &ver }

// ErrAmbiguous is returned by resolvers when more than one candidate
// satisfies a Fuzzy reference and no further disambiguation rule
// applies (e.g. "pick the highest version") resolves it.
type ErrAmbiguous struct {
	Fuzzy      Fuzzy
	Candidates []Reference
}

func (e *ErrAmbiguous) Error() string {
	return fmt.Sprintf("capref: %s matches %d candidates, expected exactly one", e.Fuzzy, len(e.Candidates))
}
