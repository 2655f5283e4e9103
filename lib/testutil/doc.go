// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for callback-driven
// code. The RPC multiplexer and session tests deliver results on
// channels; these helpers encapsulate the receive-with-timeout safety
// valve so individual tests do not need raw time.After selects.
package testutil
