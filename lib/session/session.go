// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ipybridge/ipybridge/lib/clock"
	"github.com/ipybridge/ipybridge/lib/config"
	"github.com/ipybridge/ipybridge/lib/dispatch"
	"github.com/ipybridge/ipybridge/lib/kernelrpc"
	"github.com/ipybridge/ipybridge/lib/scope"
	"github.com/ipybridge/ipybridge/lib/stream"
	"github.com/ipybridge/ipybridge/lib/transcript"
)

// Envelope tags the kernel-side emitter uses.
const (
	// TagVars carries a variable capture.
	TagVars = "vars"

	// TagDebugLocation carries the debugger's current position.
	TagDebugLocation = "debug_location"
)

// DebugLocation is the debugger's current position, pushed by the
// kernel whenever the debugger stops.
type DebugLocation struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
	Source   string `json:"source"`
}

// inFunction reports whether the location is inside a function body
// (as opposed to module top level or no debug pause at all). Frame
// locals are only meaningful there.
func (l DebugLocation) inFunction() bool {
	return l.Function != "" && l.Function != "<module>"
}

// Options configures a Session. Config is required; the rest default.
type Options struct {
	Config config.Config

	// Logger receives session diagnostics. If nil, slog.Default().
	Logger *slog.Logger

	// Clock drives transcript timestamps and helper retry backoff. If
	// nil, the real clock.
	Clock clock.Clock
}

// Session owns the full bridge state for one kernel.
type Session struct {
	logger *slog.Logger
	clock  clock.Clock

	extractor  *stream.Extractor
	dispatcher *dispatch.Dispatcher
	client     *kernelrpc.Client
	resolver   *scope.Resolver

	// recorder is nil when transcript recording is disabled.
	recorder        *transcript.Writer
	checkpointPath  string
	checkpointEvery int64
	compression     transcript.CompressionTag

	filters config.Filters
	preview config.PreviewConfig

	mu           sync.Mutex
	preferLocals bool
	location     DebugLocation
	closed       bool
}

// New builds a Session from options. The helper subprocess is not
// started; call Start when the kernel is ready.
func New(options Options) (*Session, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	cfg := options.Config

	s := &Session{
		logger:   logger,
		clock:    clk,
		resolver: &scope.Resolver{},
		filters:  cfg.Filters,
		preview:  cfg.Preview,
	}

	if cfg.Transcript.Path != "" {
		recorder, err := transcript.NewWriter(cfg.Transcript.Path, clk)
		if err != nil {
			return nil, fmt.Errorf("opening transcript: %w", err)
		}
		s.recorder = recorder
		s.checkpointPath = cfg.Transcript.CheckpointPath
		s.checkpointEvery = int64(cfg.Transcript.CheckpointEvery)
		tag, err := transcript.ParseCompressionTag(cfg.Transcript.Compression)
		if err != nil {
			recorder.Close()
			return nil, err
		}
		s.compression = tag
	}

	s.dispatcher = &dispatch.Dispatcher{Logger: logger}
	s.dispatcher.Register(TagVars, s.handleVars)
	s.dispatcher.Register(TagDebugLocation, s.handleDebugLocation)

	s.extractor = &stream.Extractor{
		Logger:    logger,
		Envelopes: s.handleEnvelope,
	}

	s.client = &kernelrpc.Client{
		Command:       cfg.Helper.Command,
		Args:          cfg.Helper.Args,
		StartAttempts: cfg.Helper.StartAttempts,
		StartBackoff:  cfg.Helper.StartBackoff.Std(),
		Logger:        logger,
		Clock:         clk,
	}

	return s, nil
}

// Start launches the kernel helper subprocess.
func (s *Session) Start(ctx context.Context) error {
	return s.client.Start(ctx)
}

// Feed scans one chunk of raw terminal output. Envelopes are consumed
// internally; the returned bytes are what the terminal should display.
func (s *Session) Feed(chunk []byte) []byte {
	return s.extractor.Scan(chunk)
}

// Flush returns any bytes still held back as a possible envelope start
// when the output stream ends.
func (s *Session) Flush() []byte {
	return s.extractor.Flush()
}

// Close stops the helper, takes a final checkpoint, and closes the
// transcript. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.client.Stop()
	s.resolver.Clear()

	if s.recorder == nil {
		return nil
	}
	s.record(transcript.KindNote, "", json.RawMessage(`{"event":"close"}`))
	s.writeCheckpoint()
	return s.recorder.Close()
}

// Variables returns the active variable view under the current scope
// preference.
func (s *Session) Variables() scope.Bindings {
	return s.resolver.Resolve(s.PreferLocals())
}

// Lookup finds a single binding by name.
func (s *Session) Lookup(name string) (json.RawMessage, scope.Kind, bool) {
	return s.resolver.Lookup(name)
}

// LookupPreview resolves a cached preview for a name or nested access
// path without touching the kernel.
func (s *Session) LookupPreview(path string) (json.RawMessage, bool) {
	return s.resolver.LookupPreview(path)
}

// PreferLocals reports whether frame locals currently take priority,
// derived from the last debug location.
func (s *Session) PreferLocals() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preferLocals
}

// Location returns the last debug location pushed by the kernel.
func (s *Session) Location() DebugLocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

// RequestVariables asks the helper for a fresh capture. The callback
// fires exactly once with the resolved view (or an error), after the
// capture has been folded into the session's scope state.
func (s *Session) RequestVariables(callback func(scope.Bindings, error)) error {
	args := map[string]any{
		"hide_names": s.filters.HideNames,
		"hide_types": s.filters.HideTypes,
		"max_repr":   s.filters.MaxRepr,
	}
	return s.request(kernelrpc.OpVars, args, func(response kernelrpc.Response) {
		if !response.OK {
			callback(nil, fmt.Errorf("vars request failed: %s", response.Error))
			return
		}
		preferLocals := s.PreferLocals()
		if err := s.resolver.ApplyVarsPayload(response.Data, preferLocals); err != nil {
			callback(nil, fmt.Errorf("applying vars capture: %w", err))
			return
		}
		s.maybeCheckpoint()
		callback(s.resolver.Resolve(preferLocals), nil)
	})
}

// PreviewRequest asks for a windowed preview of one variable or nested
// access path.
type PreviewRequest struct {
	Name      string
	MaxRows   int
	MaxCols   int
	RowOffset int
	ColOffset int
}

// RequestPreview asks the helper to compute a preview window. Zero
// limits take the configured defaults. The callback fires exactly once
// with the preview payload or an error.
func (s *Session) RequestPreview(request PreviewRequest, callback func(json.RawMessage, error)) error {
	if request.Name == "" {
		return fmt.Errorf("preview request needs a variable name")
	}
	maxRows := request.MaxRows
	if maxRows <= 0 {
		maxRows = s.preview.MaxRows
	}
	maxCols := request.MaxCols
	if maxCols <= 0 {
		maxCols = s.preview.MaxCols
	}
	args := map[string]any{
		"name":       request.Name,
		"max_rows":   maxRows,
		"max_cols":   maxCols,
		"row_offset": request.RowOffset,
		"col_offset": request.ColOffset,
		"debug":      s.PreferLocals(),
	}
	return s.request(kernelrpc.OpPreview, args, func(response kernelrpc.Response) {
		if !response.OK {
			callback(nil, fmt.Errorf("preview request failed: %s", response.Error))
			return
		}
		callback(response.Data, nil)
	})
}

// Ping checks helper liveness. The callback receives nil on a healthy
// round trip.
func (s *Session) Ping(callback func(error)) error {
	return s.request(kernelrpc.OpPing, nil, func(response kernelrpc.Response) {
		if !response.OK {
			callback(fmt.Errorf("ping failed: %s", response.Error))
			return
		}
		callback(nil)
	})
}

// request sends one RPC, recording the request and its response to the
// transcript when recording is enabled.
func (s *Session) request(op string, args map[string]any, callback kernelrpc.Callback) error {
	s.recordRequest(op, args)
	return s.client.Request(op, args, func(response kernelrpc.Response) {
		s.recordResponse(op, response)
		callback(response)
	})
}

// handleEnvelope routes one extracted envelope through the dispatcher,
// recording it first.
func (s *Session) handleEnvelope(envelope stream.Envelope) {
	s.record(transcript.KindEnvelope, envelope.Tag, envelope.Payload)
	s.dispatcher.Handle(envelope)
}

// handleVars folds a pushed variable capture into the resolver. A
// frame-scoped capture (__scoped__ true) elevates the locals
// preference: the kernel only marks a capture scoped while paused
// inside a function, and the capture can arrive before its
// debug_location envelope. Clearing the preference stays with
// debug_location, the authority on where the debugger is.
func (s *Session) handleVars(envelope stream.Envelope) {
	if scope.Scoped(envelope.Payload) {
		s.mu.Lock()
		s.preferLocals = true
		s.mu.Unlock()
	}
	if err := s.resolver.ApplyVarsPayload(envelope.Payload, s.PreferLocals()); err != nil {
		s.logger.Warn("dropping malformed vars capture", "error", err)
		return
	}
	s.maybeCheckpoint()
}

// handleDebugLocation updates the debug position and the scope
// preference derived from it.
func (s *Session) handleDebugLocation(envelope stream.Envelope) {
	var location DebugLocation
	if err := json.Unmarshal(envelope.Payload, &location); err != nil {
		s.logger.Warn("dropping malformed debug location", "error", err)
		return
	}
	s.mu.Lock()
	s.location = location
	s.preferLocals = location.inFunction()
	s.mu.Unlock()
}

func (s *Session) record(kind, tag string, payload json.RawMessage) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Write(kind, tag, payload); err != nil {
		s.logger.Warn("transcript write failed", "kind", kind, "error", err)
	}
}

func (s *Session) recordRequest(op string, args map[string]any) {
	if s.recorder == nil {
		return
	}
	payload, err := json.Marshal(args)
	if err != nil {
		payload = nil
	}
	s.record(transcript.KindRequest, op, payload)
}

func (s *Session) recordResponse(op string, response kernelrpc.Response) {
	if s.recorder == nil {
		return
	}
	payload, err := json.Marshal(response)
	if err != nil {
		payload = nil
	}
	s.record(transcript.KindResponse, op, payload)
}

// maybeCheckpoint writes a checkpoint when the configured record
// interval has elapsed.
func (s *Session) maybeCheckpoint() {
	if s.recorder == nil || s.checkpointPath == "" || s.checkpointEvery <= 0 {
		return
	}
	if s.recorder.RecordCount()%s.checkpointEvery != 0 {
		return
	}
	s.writeCheckpoint()
}

// writeCheckpoint snapshots the resolver state to the checkpoint file.
func (s *Session) writeCheckpoint() {
	if s.recorder == nil || s.checkpointPath == "" {
		return
	}
	snapshots := s.resolver.Snapshots()
	scopes := make(map[string]map[string]json.RawMessage, len(snapshots))
	for kind, bindings := range snapshots {
		scopes[string(kind)] = bindings
	}
	checkpoint := transcript.Checkpoint{
		Time:         s.clock.Now(),
		RecordCount:  s.recorder.RecordCount(),
		PreferLocals: s.PreferLocals(),
		Scopes:       scopes,
	}
	if err := transcript.WriteCheckpoint(s.checkpointPath, checkpoint, s.compression); err != nil {
		s.logger.Warn("checkpoint write failed", "path", s.checkpointPath, "error", err)
	}
}
