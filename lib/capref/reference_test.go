// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package capref

import "testing"

func TestReferenceStringRoundTrip(t *testing.T) {
	ref := Reference{Channel: "stable", ID: "app.example", Version: "1.0.0", Arch: "x86_64"}
	s := ref.String()
	if s != "stable:app.example/1.0.0/x86_64" {
		t.Fatalf("String() = %q", s)
	}

	parsed, err := ParseReference(s)
	if err != nil {
		t.Fatal(err)
	}
	if parsed != ref {
		t.Errorf("ParseReference(%q) = %+v, want %+v", s, parsed, ref)
	}
}

func TestReferenceValidate(t *testing.T) {
	cases := []struct {
		name string
		ref  Reference
		ok   bool
	}{
		{"complete", Reference{"stable", "app.example", "1.0.0", "x86_64"}, true},
		{"missing channel", Reference{"", "app.example", "1.0.0", "x86_64"}, false},
		{"missing id", Reference{"stable", "", "1.0.0", "x86_64"}, false},
		{"missing version", Reference{"stable", "app.example", "", "x86_64"}, false},
		{"missing arch", Reference{"stable", "app.example", "1.0.0", ""}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ref.Validate()
			if (err == nil) != tc.ok {
				t.Errorf("Validate() err = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestReferenceSameLine(t *testing.T) {
	a := Reference{"stable", "app.example", "1.0.0", "x86_64"}
	b := Reference{"stable", "app.example", "1.1.0", "x86_64"}
	c := Reference{"stable", "app.other", "1.0.0", "x86_64"}

	if !a.SameLine(b) {
		t.Error("expected a and b to share (channel, id, arch)")
	}
	if a.SameLine(c) {
		t.Error("expected a and c to differ in id")
	}
}

func TestVersionCompare(t *testing.T) {
	if !Version("1.0.0").LessThan(Version("1.1.0")) {
		t.Error("1.0.0 should sort before 1.1.0")
	}
	if !Version("2.0.0").GreaterThan(Version("1.9.9")) {
		t.Error("2.0.0 should sort after 1.9.9 lexicographically")
	}
}

func TestModuleAliasing(t *testing.T) {
	if !ModuleBinary.Equal(ModuleRuntime) {
		t.Error("binary and runtime must be equal modules")
	}
	if Module("develop").Equal(Module("debug")) {
		t.Error("develop and debug must not be equal")
	}
	if !ModuleRuntime.IsPrincipal() {
		t.Error("runtime must be a principal module")
	}
	if Module("develop").IsPrincipal() {
		t.Error("develop must not be a principal module")
	}
}

func TestIntersectModules(t *testing.T) {
	a := []Module{ModuleBinary, "develop", "debug"}
	b := []Module{ModuleRuntime, "debug"}
	got := IntersectModules(a, b)
	if len(got) != 2 || got[0] != ModuleBinary || got[1] != "debug" {
		t.Errorf("IntersectModules = %v", got)
	}
}

func TestFuzzyMatches(t *testing.T) {
	ref := Reference{"stable", "app.example", "1.0.0", "x86_64"}
	f := Fuzzy{ID: Str("app.example")}
	if !f.Matches(ref) {
		t.Error("fuzzy id-only match should succeed")
	}

	f2 := Fuzzy{ID: Str("app.example"), Version: Ver("2.0.0")}
	if f2.Matches(ref) {
		t.Error("fuzzy with mismatched version should not match")
	}
}
