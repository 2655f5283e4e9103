// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch routes decoded envelopes to registered handlers by
// tag. A handler failure (panic) is recorded as a diagnostic and never
// propagates: one misbehaving handler cannot break the extraction
// pipeline or other handlers.
package dispatch
