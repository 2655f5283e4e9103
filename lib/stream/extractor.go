// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
)

// Extractor is a stateful scanner that separates hidden envelopes from
// visible terminal text. Feed it raw chunks with Scan; it returns the
// visible bytes and delivers decoded envelopes synchronously to the
// Envelopes callback.
//
// An Extractor is owned by a single session and is not safe for
// concurrent use. Callers deliver chunks from one goroutine (the
// terminal output pump).
type Extractor struct {
	// Envelopes receives each well-formed envelope, synchronously,
	// in stream order, during the Scan call that completed it. A nil
	// callback discards envelopes.
	Envelopes func(Envelope)

	// Logger receives diagnostics for malformed envelopes. If nil,
	// slog.Default() is used.
	Logger *slog.Logger

	// pending holds unconsumed trailing bytes from the previous
	// chunk: either a partial Prefix match (< len(Prefix) bytes) or
	// a complete Prefix still awaiting its Suffix.
	pending []byte
}

func (e *Extractor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Scan consumes one chunk of raw terminal output and returns the
// visible text it contains, with all well-formed envelopes removed.
// Chunks may split envelopes at any byte offset; the scanner carries
// partial matches across calls. Scan never fails: a malformed envelope
// produces a diagnostic, no visible text, and no Envelopes call, and
// scanning resumes immediately after its terminator.
func (e *Extractor) Scan(chunk []byte) []byte {
	if len(e.pending) == 0 && len(chunk) == 0 {
		return nil
	}

	data := chunk
	if len(e.pending) > 0 {
		data = append(e.pending, chunk...)
		e.pending = nil
	}

	var visible []byte
	for {
		start := bytes.Index(data, []byte(Prefix))
		if start < 0 {
			break
		}
		visible = append(visible, data[:start]...)
		data = data[start:]

		end := bytes.Index(data[len(Prefix):], []byte(Suffix))
		if end < 0 {
			// Envelope in progress: retain from the prefix onward
			// and wait for more bytes. Nothing partial is emitted.
			// Copied because data may alias the caller's chunk
			// buffer, which the caller is free to reuse.
			e.pending = append([]byte(nil), data...)
			return visible
		}
		body := data[len(Prefix) : len(Prefix)+end]
		e.decode(body)
		data = data[len(Prefix)+end+len(Suffix):]
	}

	// No prefix remains. Retain the longest tail that could still be
	// the start of a prefix split across chunks; everything before it
	// is visible text.
	keep := partialPrefixLen(data)
	visible = append(visible, data[:len(data)-keep]...)
	if keep > 0 {
		e.pending = append([]byte(nil), data[len(data)-keep:]...)
	}
	return visible
}

// Flush returns any retained bytes and resets the scanner. Call at
// end of stream: a trailing partial prefix or an unterminated envelope
// is surfaced verbatim as visible text rather than silently dropped.
func (e *Extractor) Flush() []byte {
	out := e.pending
	e.pending = nil
	return out
}

// decode splits an envelope body into tag and JSON, validates the
// JSON, and hands the envelope to the consumer. Failures are dropped
// with a diagnostic; the stream position has already moved past the
// terminator, so one bad envelope cannot corrupt the next.
func (e *Extractor) decode(body []byte) {
	tag, jsonBody, ok := strings.Cut(string(body), ":")
	if !ok {
		e.logger().Warn("dropping envelope without tag separator",
			"body_bytes", len(body),
		)
		return
	}
	if !json.Valid([]byte(jsonBody)) {
		e.logger().Warn("dropping envelope with invalid JSON payload",
			"tag", tag,
			"payload_bytes", len(jsonBody),
		)
		return
	}
	if e.Envelopes != nil {
		e.Envelopes(Envelope{Tag: tag, Payload: json.RawMessage(jsonBody)})
	}
}

// partialPrefixLen returns the length of the longest suffix of data
// that is a proper prefix of Prefix, or 0 if none. This bounds the
// retained buffer at len(Prefix)-1 bytes while no envelope is in
// progress.
func partialPrefixLen(data []byte) int {
	max := len(Prefix) - 1
	if len(data) < max {
		max = len(data)
	}
	for n := max; n > 0; n-- {
		if bytes.HasSuffix(data, []byte(Prefix[:n])) {
			return n
		}
	}
	return 0
}
