// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream extracts hidden ipybridge envelopes from a terminal
// byte stream.
//
// The kernel side emits structured messages inline with normal
// terminal output, framed as an OSC escape sequence:
//
//	<prefix><tag>:<json><suffix>
//
// where prefix is "\x1b]5379;ipybridge:" and suffix is BEL. Terminals
// ignore the sequence, so the visible output is unchanged for a human
// watching the REPL; the Extractor removes well-formed envelopes from
// the stream and delivers them to a consumer callback.
//
// The Extractor is incremental: chunks may split an envelope at any
// byte offset, and the scanner retains only the minimum trailing bytes
// needed to resume (at most len(Prefix)-1 bytes while no envelope is
// in progress). A malformed envelope body is dropped with a diagnostic
// and never disturbs extraction of later envelopes.
package stream
