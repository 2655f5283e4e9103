// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ipybridge/ipybridge/lib/clock"
)

// Record kinds. The kind tells a reader which side of the bridge
// produced the record.
const (
	// KindEnvelope is a hidden envelope extracted from kernel output.
	KindEnvelope = "envelope"

	// KindRequest is a request written to the helper subprocess.
	KindRequest = "request"

	// KindResponse is a response received from the helper, including
	// synthetic failure responses flushed when the helper exits.
	KindResponse = "response"

	// KindNote is free-form session metadata (start, stop, restarts).
	KindNote = "note"
)

// Record is one transcript line.
type Record struct {
	Time    time.Time       `json:"time"`
	Kind    string          `json:"kind"`
	Tag     string          `json:"tag,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Writer appends records to a JSONL transcript file. It is safe for
// concurrent use.
type Writer struct {
	file    *os.File
	encoder *json.Encoder
	clock   clock.Clock

	mutex  sync.Mutex
	closed bool

	// Counters, protected by mutex.
	startTime     time.Time
	recordCount   int64
	envelopeCount int64
	requestCount  int64
	responseCount int64
}

// NewWriter creates (or truncates) the transcript file at path. A nil
// clk uses the real clock.
func NewWriter(path string, clk clock.Clock) (*Writer, error) {
	if clk == nil {
		clk = clock.Real()
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating transcript %q: %w", path, err)
	}
	encoder := json.NewEncoder(file)
	// No indentation — one compact JSON object per line.
	encoder.SetEscapeHTML(false)
	return &Writer{
		file:      file,
		encoder:   encoder,
		clock:     clk,
		startTime: clk.Now(),
	}, nil
}

// Write appends a single record, stamping it with the current time.
func (writer *Writer) Write(kind, tag string, payload json.RawMessage) error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	if writer.closed {
		return fmt.Errorf("transcript is closed")
	}

	record := Record{
		Time:    writer.clock.Now(),
		Kind:    kind,
		Tag:     tag,
		Payload: payload,
	}
	if err := writer.encoder.Encode(record); err != nil {
		return fmt.Errorf("encoding transcript record: %w", err)
	}

	// Sync after each write so records survive a crash of the editor
	// process. Transcript throughput is low (a handful of records per
	// user action), so the cost is acceptable.
	if err := writer.file.Sync(); err != nil {
		return fmt.Errorf("syncing transcript: %w", err)
	}

	writer.recordCount++
	switch kind {
	case KindEnvelope:
		writer.envelopeCount++
	case KindRequest:
		writer.requestCount++
	case KindResponse:
		writer.responseCount++
	}
	return nil
}

// Close flushes and closes the transcript file. Close is idempotent —
// calling it more than once returns nil.
func (writer *Writer) Close() error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	if writer.closed {
		return nil
	}
	writer.closed = true
	return writer.file.Close()
}

// Summary aggregates the records written so far.
type Summary struct {
	RecordCount   int64         `json:"record_count"`
	EnvelopeCount int64         `json:"envelope_count"`
	RequestCount  int64         `json:"request_count"`
	ResponseCount int64         `json:"response_count"`
	Duration      time.Duration `json:"duration"`
}

// Summary returns counters for the records written so far.
func (writer *Writer) Summary() Summary {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	return Summary{
		RecordCount:   writer.recordCount,
		EnvelopeCount: writer.envelopeCount,
		RequestCount:  writer.requestCount,
		ResponseCount: writer.responseCount,
		Duration:      writer.clock.Now().Sub(writer.startTime),
	}
}

// RecordCount returns the number of records written so far. Sessions
// use it to decide when a checkpoint is due.
func (writer *Writer) RecordCount() int64 {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	return writer.recordCount
}
