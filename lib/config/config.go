// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the master configuration for one ipybridge session.
type Config struct {
	// Helper configures the kernel helper subprocess.
	Helper HelperConfig `yaml:"helper"`

	// Filters configures variable filtering defaults sent to the
	// kernel with vars requests.
	Filters Filters `yaml:"filters"`

	// Preview configures preview window limits.
	Preview PreviewConfig `yaml:"preview"`

	// Transcript configures session transcript recording.
	Transcript TranscriptConfig `yaml:"transcript"`
}

// HelperConfig configures how the helper subprocess is spawned.
type HelperConfig struct {
	// Command is the helper executable. Required for sessions that
	// use the RPC channel.
	Command string `yaml:"command"`

	// Args are extra command-line arguments (e.g. --conn-file).
	Args []string `yaml:"args"`

	// StartAttempts bounds spawn retries. Default: 3.
	StartAttempts int `yaml:"start_attempts"`

	// StartBackoff is the fixed delay between spawn attempts.
	// Default: 500ms.
	StartBackoff Duration `yaml:"start_backoff"`
}

// Filters describes which variables the kernel should omit from
// captures. Name and type patterns support a trailing "*" wildcard;
// everything else is an exact match (the kernel side interprets them).
type Filters struct {
	// HideNames lists variable name patterns to hide.
	HideNames []string `yaml:"hide_names" json:"hide_names"`

	// HideTypes lists type name patterns to hide.
	HideTypes []string `yaml:"hide_types" json:"hide_types"`

	// MaxRepr caps the length of value reprs. Default: 120.
	MaxRepr int `yaml:"max_repr" json:"max_repr"`
}

// PreviewConfig configures data preview window limits.
type PreviewConfig struct {
	// MaxRows is the row window for previews. Default: 30.
	MaxRows int `yaml:"max_rows"`

	// MaxCols is the column window for previews. Default: 20.
	MaxCols int `yaml:"max_cols"`
}

// TranscriptConfig configures session transcript recording.
type TranscriptConfig struct {
	// Path is the JSONL transcript file. Empty disables recording.
	Path string `yaml:"path"`

	// CheckpointPath is where CBOR checkpoints are written. Empty
	// disables checkpointing.
	CheckpointPath string `yaml:"checkpoint_path"`

	// CheckpointEvery is the record interval between checkpoints.
	// Default: 256.
	CheckpointEvery int `yaml:"checkpoint_every"`

	// Compression selects the checkpoint compression algorithm:
	// "none", "lz4", or "zstd". Default: zstd (checkpoints are
	// JSON-shaped data, which zstd handles well).
	Compression string `yaml:"compression"`
}

// Default returns the default configuration. Defaults exist so every
// field has a sensible value before the config file is applied — the
// file is still required for Load.
func Default() Config {
	return Config{
		Helper: HelperConfig{
			StartAttempts: 3,
			StartBackoff:  Duration(500 * time.Millisecond),
		},
		Filters: Filters{
			MaxRepr: 120,
		},
		Preview: PreviewConfig{
			MaxRows: 30,
			MaxCols: 20,
		},
		Transcript: TranscriptConfig{
			CheckpointEvery: 256,
			Compression:     "zstd",
		},
	}
}

// Load reads the config file named by the IPYBRIDGE_CONFIG environment
// variable.
func Load() (Config, error) {
	path := os.Getenv("IPYBRIDGE_CONFIG")
	if path == "" {
		return Config{}, fmt.Errorf("IPYBRIDGE_CONFIG environment variable not set")
	}
	return LoadFile(path)
}

// LoadFile reads and validates a config file, applying defaults for
// unset fields.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Helper.StartAttempts < 0 {
		return fmt.Errorf("helper.start_attempts must not be negative")
	}
	if c.Helper.StartBackoff < 0 {
		return fmt.Errorf("helper.start_backoff must not be negative")
	}
	if c.Filters.MaxRepr <= 0 {
		return fmt.Errorf("filters.max_repr must be positive")
	}
	if c.Preview.MaxRows <= 0 || c.Preview.MaxCols <= 0 {
		return fmt.Errorf("preview limits must be positive")
	}
	switch c.Transcript.Compression {
	case "none", "lz4", "zstd":
	default:
		return fmt.Errorf("transcript.compression %q is not one of none, lz4, zstd", c.Transcript.Compression)
	}
	return nil
}

// LoadFilters reads a standalone JSONC variable-filter file. Comments
// and trailing commas are stripped before JSON decoding.
func LoadFilters(path string) (Filters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Filters{}, fmt.Errorf("reading filters %q: %w", path, err)
	}

	filters := Filters{MaxRepr: Default().Filters.MaxRepr}
	if err := json.Unmarshal(jsonc.ToJSON(data), &filters); err != nil {
		return Filters{}, fmt.Errorf("parsing filters %q: %w", path, err)
	}
	if filters.MaxRepr <= 0 {
		return Filters{}, fmt.Errorf("filters %q: max_repr must be positive", path)
	}
	return filters, nil
}
