// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads and persists kmstat's YAML settings file
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sigs.k8s.io/yaml"
)

const (
	ConfigDir  = ".config/kmstat"
	ConfigFile = "config.yaml"

	DefaultBaud         = 115200
	DefaultPollInterval = 200 * time.Millisecond
	DefaultTimeout      = 2 * time.Second
	DefaultLogLevel     = "warn"
	DefaultLogFormat    = "text"
	DefaultOutputFormat = "text"
	DefaultGraphRate    = "50"
	DefaultGraphVariant = "standard"
)

// ErrConfigFileExists is returned by Persist when the file is already there
// and overwrite was not requested
type ErrConfigFileExists struct {
	Path string
}

func (e ErrConfigFileExists) Error() string {
	return fmt.Sprintf("config file %s already exists", e.Path)
}

// Connection selects the transport to the meter
type Connection struct {
	Port        string `json:"port,omitempty"`
	Baud        int    `json:"baud,omitempty"`
	URL         string `json:"url,omitempty"`
	Username    string `json:"username,omitempty"`
	NoSSLVerify bool   `json:"noSslVerify,omitempty"`
}

// Polling controls request pacing and timeouts
type Polling struct {
	Interval Duration `json:"interval,omitempty"`
	Timeout  Duration `json:"timeout,omitempty"`
}

// Logging mirrors the --log-level and --log-format flags
type Logging struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"`
}

// Output controls how decoded data is written
type Output struct {
	Format string `json:"format,omitempty"`
}

// Graph holds defaults for AdcQueue streaming
type Graph struct {
	Rate    string `json:"rate,omitempty"`
	Variant string `json:"variant,omitempty"`
}

type Config struct {
	Connection Connection `json:"connection"`
	Polling    Polling    `json:"polling"`
	Logging    Logging    `json:"logging"`
	Output     Output     `json:"output"`
	Graph      Graph      `json:"graph"`

	path string
}

// Duration is a time.Duration stored as a Go duration string
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DefaultConfigPath returns $HOME/.config/kmstat/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	return filepath.Join(home, ConfigDir, ConfigFile)
}

// Default returns the built-in settings bound to path. An empty path means
// DefaultConfigPath.
func Default(path string) *Config {
	if path == "" {
		path = DefaultConfigPath()
	}
	return &Config{
		Connection: Connection{Baud: DefaultBaud},
		Polling: Polling{
			Interval: Duration(DefaultPollInterval),
			Timeout:  Duration(DefaultTimeout),
		},
		Logging: Logging{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Output: Output{Format: DefaultOutputFormat},
		Graph: Graph{
			Rate:    DefaultGraphRate,
			Variant: DefaultGraphVariant,
		},
		path: path,
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	c := Default(path)
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", c.path, err)
	}
	return c, nil
}

// Path returns the file the config is bound to
func (c *Config) Path() string {
	return c.path
}

// Marshal renders the config as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Persist writes the config to its path, creating parent directories
func (c *Config) Persist(overwrite bool) error {
	if _, err := os.Stat(c.path); err == nil && !overwrite {
		return ErrConfigFileExists{Path: c.path}
	}

	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o644)
}
