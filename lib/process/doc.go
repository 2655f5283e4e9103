// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for ipybridge
// command binaries: fatal error reporting to stderr for errors from
// run() where the structured logger may not be initialized yet.
package process
