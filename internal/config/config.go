// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon's on-disk configuration: a single
// JSONC document (JSON extended with comments and trailing commas),
// the same format and library the teacher uses for its own pipeline
// definitions and template validation. Plugin manifests are a separate
// document (YAML) owned by internal/plugin, not this package — pcsd's
// own configuration and a plugin's manifest are different documents
// with different lifecycles, so they are not merged into one loader.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

// Config is the daemon's full configuration.
type Config struct {
	// SocketPath is the primary control socket every mode connects to.
	SocketPath string `json:"socketPath"`

	// EndpointSocketDir holds the ad-hoc sockets AddHttpEndpoint
	// allocates for third-party HTTP endpoints.
	EndpointSocketDir string `json:"endpointSocketDir"`

	// FilesRoot is the directory virtual SD-card paths (ResolvePath,
	// GetFileInfo) resolve under.
	FilesRoot string `json:"filesRoot"`

	// PluginDir is where installed plugins are unpacked.
	PluginDir string `json:"pluginDir"`

	// DatabasePath is the sqlite file backing internal/store.
	DatabasePath string `json:"databasePath"`

	// AgeIdentityPath is a file holding the daemon's age identity
	// (generated on first run if absent), used to seal SetPluginData
	// values before they reach internal/store.
	AgeIdentityPath string `json:"ageIdentityPath"`

	// Log configures the daemon's rotated log file.
	Log LogConfig `json:"log"`
}

// LogConfig configures log rotation. Rotated files are lz4-compressed
// (SPEC_FULL.md §11), kept up to MaxBackups deep.
type LogConfig struct {
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"maxSizeMB"`
	MaxBackups int    `json:"maxBackups"`
}

// Default returns the configuration used when no file overrides a
// field, the way lib/config.Default seeds every field with a sensible
// zero-value before a config file is applied on top.
func Default() *Config {
	return &Config{
		SocketPath:        "/run/pcs/pcs.sock",
		EndpointSocketDir: "/run/pcs/endpoints",
		FilesRoot:         "/var/lib/pcs/gcodes",
		PluginDir:         "/var/lib/pcs/plugins",
		DatabasePath:      "/var/lib/pcs/pcs.db",
		AgeIdentityPath:   "/var/lib/pcs/identity.age",
		Log: LogConfig{
			Path:       "/var/log/pcs/pcsd.log",
			MaxSizeMB:  64,
			MaxBackups: 5,
		},
	}
}

// Load reads and parses the JSONC config file at path, applying its
// fields over Default(). A missing file is not an error — pcsd can run
// entirely off defaults, unlike the teacher's config.Load which treats
// an unset config path as fatal; pcs has no equivalent of Bureau's
// multi-environment deployment model requiring an explicit file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	stripped := jsonc.ToJSON(data)
	if err := json.Unmarshal(stripped, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that socketPath, endpointSocketDir and databasePath
// are non-empty and that log.maxSizeMB is positive; other fields are not
// checked, and it does not check that directories exist since EnsureDirs
// creates them.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socketPath is required")
	}
	if c.EndpointSocketDir == "" {
		return fmt.Errorf("endpointSocketDir is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("databasePath is required")
	}
	if c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log.maxSizeMB must be positive")
	}
	return nil
}

// EnsureDirs creates every directory the configuration names, mirroring
// lib/config.Config's EnsurePaths.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		filepath.Dir(c.SocketPath),
		c.EndpointSocketDir,
		c.FilesRoot,
		c.PluginDir,
		filepath.Dir(c.DatabasePath),
		filepath.Dir(c.AgeIdentityPath),
		filepath.Dir(c.Log.Path),
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: creating %s: %w", dir, err)
		}
	}
	return nil
}
