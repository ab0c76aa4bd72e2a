// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package repoconfig loads and persists a repository's local
// configuration: the default channel new installs resolve against,
// the remote(s) a repository pulls from, and the version-pinning
// allowlist that supplements the original system's per-app version
// locking. Grounded on lib/config's single-file, no-fallback loading
// style, trimmed to one file with no environment-override sections
// since a repository's config is local rather than deployment-staged.
package repoconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// RemoteConfig describes one configured remote repository endpoint.
type RemoteConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Priority orders remotes when more than one exposes the same
	// reference; lower values are preferred.
	Priority int `yaml:"priority"`
}

// VersionPin holds a single app at a version until explicitly cleared.
// Only Update consults it (spec §4.5): an Update request naming a
// pinned app fails with KindAlreadyInstalled when the pin has no
// Version or its Version equals the installed version. A pin whose
// Version differs from the installed version does not restrict Update,
// and Install never consults pins.
type VersionPin struct {
	ID      string `yaml:"id"`
	Version string `yaml:"version,omitempty"`
}

// Config is a repository's local, on-disk configuration.
type Config struct {
	// DefaultChannel is stored and returned with the configuration; the
	// install path does not read it, and a request that omits a channel
	// matches every channel.
	DefaultChannel string `yaml:"default_channel"`

	// DefaultArch is stored and returned with the configuration; the
	// package manager does not read it and always uses the host's
	// architecture.
	DefaultArch string `yaml:"default_arch,omitempty"`

	Remotes []RemoteConfig `yaml:"remotes"`

	// VersionPins lists pinned apps; see VersionPin for how Update
	// applies them.
	VersionPins []VersionPin `yaml:"version_pins,omitempty"`

	// GenerateCacheOnInstall is stored and returned with the
	// configuration; the package manager does not read it and runs the
	// cache generator after every successful app install.
	GenerateCacheOnInstall bool `yaml:"generate_cache_on_install"`
}

// Default returns the configuration used when no file is present yet.
func Default() *Config {
	return &Config{
		DefaultChannel:         "stable",
		GenerateCacheOnInstall: true,
	}
}

// Load reads the repository config file at path. A missing file is
// not an error: it returns Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("repoconfig: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("repoconfig: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("repoconfig: creating %s: %w", filepath.Dir(path), err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("repoconfig: marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("repoconfig: writing %s: %w", path, err)
	}
	return nil
}

// PinFor returns the VersionPin for id, if one exists.
func (c *Config) PinFor(id string) (VersionPin, bool) {
	for _, pin := range c.VersionPins {
		if pin.ID == id {
			return pin, true
		}
	}
	return VersionPin{}, false
}

// SetPin adds or replaces the pin for id.
func (c *Config) SetPin(pin VersionPin) {
	for i, existing := range c.VersionPins {
		if existing.ID == pin.ID {
			c.VersionPins[i] = pin
			return
		}
	}
	c.VersionPins = append(c.VersionPins, pin)
}

// ClearPin removes any pin for id. It reports whether a pin was
// removed.
func (c *Config) ClearPin(id string) bool {
	for i, pin := range c.VersionPins {
		if pin.ID == id {
			c.VersionPins = append(c.VersionPins[:i], c.VersionPins[i+1:]...)
			return true
		}
	}
	return false
}

// SortedRemotes returns Remotes ordered by ascending Priority.
func (c *Config) SortedRemotes() []RemoteConfig {
	sorted := make([]RemoteConfig, len(c.Remotes))
	copy(sorted, c.Remotes)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Priority < sorted[j-1].Priority; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted
}
