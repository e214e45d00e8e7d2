// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the signing engine's YAML configuration and maps it
// onto the per-component Config structs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianSign/services/signing/expiry"
	"github.com/AleutianAI/AleutianSign/services/signing/session"
	"github.com/AleutianAI/AleutianSign/services/signing/store"
	"github.com/AleutianAI/AleutianSign/services/signing/syncq"
	"github.com/AleutianAI/AleutianSign/services/signing/transport"
)

// maxConfigSize caps how much of a config file is read. A signing config
// measured in megabytes is a mistake, not a configuration.
const maxConfigSize = 1 << 20

// Config is the full engine configuration as it appears on disk.
type Config struct {
	Store struct {
		// Path is the badger database directory. Defaults to
		// ~/.aleutian-sign/db.
		Path       string `yaml:"path"`
		SyncWrites bool   `yaml:"sync_writes"`
	} `yaml:"store"`

	Session struct {
		// DefaultTTL is applied to sessions created without an explicit
		// deadline. Zero means no expiry.
		DefaultTTL time.Duration `yaml:"default_ttl"`
	} `yaml:"session"`

	Sync struct {
		PollInterval   time.Duration `yaml:"poll_interval"`
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		MaxBackoff     time.Duration `yaml:"max_backoff"`
		BackoffFactor  float64       `yaml:"backoff_factor"`
		JitterFactor   float64       `yaml:"jitter_factor"`
		MaxRetries     int           `yaml:"max_retries"`
	} `yaml:"sync"`

	Transport struct {
		Endpoint          string        `yaml:"endpoint"`
		Timeout           time.Duration `yaml:"timeout"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Burst             int           `yaml:"burst"`
		// TokenFile holds the bearer token for the authority, one line.
		// Empty means unauthenticated.
		TokenFile string `yaml:"token_file"`
	} `yaml:"transport"`

	Expiry struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"expiry"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	var c Config
	c.Store.Path = defaultStorePath()
	c.Store.SyncWrites = true
	c.Transport.Endpoint = "http://localhost:8841"
	return c
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".aleutian-sign", "db")
	}
	return filepath.Join(home, ".aleutian-sign", "db")
}

// Load reads a YAML config file. A missing file yields DefaultConfig.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, fmt.Errorf("config path is empty")
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("stat config %s: %w", path, err)
	}
	if info.Size() > maxConfigSize {
		return Config{}, fmt.Errorf("config %s exceeds %d bytes", path, maxConfigSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// WriteDefault creates a default config file at path, directories included.
// Used on first run.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// -----------------------------------------------------------------------------
// Component mapping
// -----------------------------------------------------------------------------

// StoreConfig maps the file config onto the store layer.
func (c Config) StoreConfig() store.Config {
	sc := store.DefaultConfig()
	if c.Store.Path != "" {
		sc.Path = c.Store.Path
	}
	sc.SyncWrites = c.Store.SyncWrites
	return sc
}

// SessionConfig maps the file config onto the session manager.
func (c Config) SessionConfig() session.Config {
	return session.Config{DefaultTTL: c.Session.DefaultTTL}
}

// SyncConfig maps the file config onto the sync queue.
func (c Config) SyncConfig() syncq.Config {
	return syncq.Config{
		PollInterval:   c.Sync.PollInterval,
		InitialBackoff: c.Sync.InitialBackoff,
		MaxBackoff:     c.Sync.MaxBackoff,
		BackoffFactor:  c.Sync.BackoffFactor,
		JitterFactor:   c.Sync.JitterFactor,
		MaxRetries:     c.Sync.MaxRetries,
	}
}

// TransportConfig maps the file config onto the HTTP replicator, loading
// the bearer token if one is configured.
func (c Config) TransportConfig() (transport.Config, error) {
	tc := transport.Config{
		Endpoint:          c.Transport.Endpoint,
		Timeout:           c.Transport.Timeout,
		RequestsPerSecond: c.Transport.RequestsPerSecond,
		Burst:             c.Transport.Burst,
	}
	if c.Transport.TokenFile != "" {
		raw, err := os.ReadFile(c.Transport.TokenFile)
		if err != nil {
			return transport.Config{}, fmt.Errorf("read token file %s: %w", c.Transport.TokenFile, err)
		}
		tc.Credentials = transport.StaticToken(firstLine(raw))
	}
	return tc, nil
}

// ExpiryConfig maps the file config onto the expiry watcher.
func (c Config) ExpiryConfig() expiry.Config {
	return expiry.Config{Interval: c.Expiry.Interval}
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' || c == '\r' {
			return string(b[:i])
		}
	}
	return string(b)
}
