// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for ipybridge
// sessions.
//
// Configuration is loaded from a single YAML file specified by:
//   - IPYBRIDGE_CONFIG environment variable, or
//   - an explicit path passed to LoadFile
//
// There are no fallbacks or automatic discovery. This keeps
// configuration deterministic with no hidden overrides.
//
// Variable-filter sets may additionally live in standalone JSONC files
// (JSON with // comments, /* blocks */, and trailing commas) so users
// can annotate why a name or type is hidden; see LoadFilters.
package config
