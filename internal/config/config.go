// Copyright 2024 Repovul Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads repovul's TOML configuration into an explicit
// value, passed to constructors rather than held as a package-level
// global.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
)

// Config holds the TOML configuration file's values, plus the filesystem
// paths derived from them.
type Config struct {
	Ecosystems         []string `toml:"ecosystems"`
	SupportedDomains   []string `toml:"supported_domains"`
	CachePath          string   `toml:"cache_path"`
	CacheWriteInterval int      `toml:"cache_write_interval"`
	Workdir            string   `toml:"workdir"`
	OSVRoot            string   `toml:"osv_root"`
	DBDir              string   `toml:"db_dir"`
}

// envOverride mirrors the subset of Config that may be overridden by
// environment variables via `env:"..."` struct tags.
type envOverride struct {
	CachePath string `env:"REPOVUL_CACHE_PATH"`
	Workdir   string `env:"REPOVUL_WORKDIR"`
	OSVRoot   string `env:"REPOVUL_OSV_ROOT"`
	DBDir     string `env:"REPOVUL_DB_DIR"`
}

// CacheWriteIntervalDuration returns CacheWriteInterval as a time.Duration.
func (c *Config) CacheWriteIntervalDuration() time.Duration {
	return time.Duration(c.CacheWriteInterval) * time.Second
}

// DBPath is the path to the sqlite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DBDir, "repovul.db")
}

// Load reads and decodes the TOML file at path, applies environment
// overrides, defaults unset fields, and creates the directories the rest of
// the pipeline assumes exist (workdir, the database's parent directory).
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("toml.DecodeFile: %w", err)
	}
	c.applyDefaults()

	var ov envOverride
	if err := env.Parse(&ov); err != nil {
		return nil, fmt.Errorf("env.Parse: %w", err)
	}
	if ov.CachePath != "" {
		c.CachePath = ov.CachePath
	}
	if ov.Workdir != "" {
		c.Workdir = ov.Workdir
	}
	if ov.OSVRoot != "" {
		c.OSVRoot = ov.OSVRoot
	}
	if ov.DBDir != "" {
		c.DBDir = ov.DBDir
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(c.Workdir, 0o755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll(workdir): %w", err)
	}
	if err := os.MkdirAll(c.DBDir, 0o755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll(db_dir): %w", err)
	}
	if dir := filepath.Dir(c.CachePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("os.MkdirAll(cache dir): %w", err)
		}
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.CacheWriteInterval == 0 {
		c.CacheWriteInterval = 60
	}
	if c.DBDir == "" {
		c.DBDir = "db"
	}
	if c.OSVRoot == "" {
		c.OSVRoot = "osv"
	}
	if c.Workdir == "" {
		c.Workdir = filepath.Join(os.TempDir(), "repovul")
	}
	if c.CachePath == "" {
		c.CachePath = filepath.Join(c.Workdir, "cache.json")
	}
}

// Validate checks the minimal invariants the rest of the pipeline relies on.
func (c *Config) Validate() error {
	if len(c.Ecosystems) == 0 {
		return fmt.Errorf("config: ecosystems must be non-empty")
	}
	if len(c.SupportedDomains) == 0 {
		return fmt.Errorf("config: supported_domains must be non-empty")
	}
	if c.CacheWriteInterval < 0 {
		return fmt.Errorf("config: cache_write_interval must be non-negative")
	}
	return nil
}
