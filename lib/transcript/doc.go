// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transcript records session activity to disk.
//
// Two artifacts are produced. The transcript proper is a JSONL file
// (one JSON object per line) appended as the session runs: every
// envelope extracted from kernel output and every helper request and
// response becomes one record. Checkpoints are periodic CBOR snapshots
// of session state, compressed and integrity-checked, written to a
// separate file so a crashed session can be inspected without
// replaying the whole transcript.
package transcript
