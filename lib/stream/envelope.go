// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wire delimiters for the hidden envelope channel. These are protocol
// constants shared with the kernel-side emitter — changing them breaks
// every deployed kernel helper. The prefix is an OSC escape with a
// private identifier so terminal emulators swallow the whole sequence;
// the suffix is the OSC terminator BEL.
const (
	Prefix = "\x1b]5379;ipybridge:"
	Suffix = "\x07"
)

// Envelope is one decoded hidden message: a routing tag and an opaque
// JSON payload. The payload is carried by reference and never
// inspected by the transport layers; handlers decode the parts they
// understand.
type Envelope struct {
	Tag     string
	Payload json.RawMessage
}

// Encode frames a tag and payload as a wire envelope. Used by the mock
// helper and by tests; the production emitter lives kernel-side.
func Encode(tag string, payload any) ([]byte, error) {
	if strings.Contains(tag, ":") {
		return nil, fmt.Errorf("envelope tag %q must not contain %q", tag, ":")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope payload: %w", err)
	}
	var b strings.Builder
	b.Grow(len(Prefix) + len(tag) + 1 + len(body) + len(Suffix))
	b.WriteString(Prefix)
	b.WriteString(tag)
	b.WriteByte(':')
	b.Write(body)
	b.WriteString(Suffix)
	return []byte(b.String()), nil
}
