// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session ties the bridge together: one Session owns the
// envelope extractor, the handler dispatcher, the kernel helper RPC
// client, and the scope resolver, and optionally records everything to
// a transcript.
//
// The embedding editor feeds raw terminal bytes through Feed and
// renders the returned visible bytes; envelopes are routed internally.
// Variable state is queried through Variables, Lookup, and
// LookupPreview; fresh captures are requested over RPC with
// RequestVariables and RequestPreview.
package session
