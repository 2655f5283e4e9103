// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides ipybridge's standard CBOR encoding
// configuration.
//
// ipybridge uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: the hidden envelope channel, the
//     helper subprocess line protocol, and CLI output.
//   - CBOR for internal on-disk state: transcript checkpoints.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical data always produces identical bytes, which keeps
// checkpoint integrity digests stable.
package codec
