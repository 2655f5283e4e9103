// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kernelrpc

import "encoding/json"

// Request is one line on the helper's stdin.
type Request struct {
	// ID correlates the response. Decimal string, monotonically
	// increasing per client.
	ID string `json:"id"`

	// Op names the helper operation: "ping", "vars", "preview".
	Op string `json:"op"`

	// Args carries op-specific parameters.
	Args map[string]any `json:"args,omitempty"`
}

// Response is one line on the helper's stdout.
type Response struct {
	// ID echoes the request id.
	ID string `json:"id"`

	// OK reports whether the operation succeeded on the kernel side.
	OK bool `json:"ok"`

	// Tag names the payload kind ("pong", "vars", "preview").
	Tag string `json:"tag,omitempty"`

	// Data is the opaque result payload. Present when OK.
	Data json.RawMessage `json:"data,omitempty"`

	// Error is the failure description. Present when not OK. For a
	// synthetic exit-flush response it describes why the helper went
	// away.
	Error string `json:"error,omitempty"`
}

// Callback receives a request's response exactly once.
type Callback func(Response)

// Helper operation names.
const (
	OpPing    = "ping"
	OpVars    = "vars"
	OpPreview = "preview"
)
