// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ipybridge/ipybridge/lib/config"
	"github.com/ipybridge/ipybridge/lib/kernelrpc"
	"github.com/ipybridge/ipybridge/lib/scope"
	"github.com/ipybridge/ipybridge/lib/stream"
	"github.com/ipybridge/ipybridge/lib/testutil"
	"github.com/ipybridge/ipybridge/lib/transcript"
)

// TestMain doubles as the fake helper binary, as in kernelrpc's tests:
// re-executed with IPYBRIDGE_SESSION_HELPER set, it answers the helper
// line protocol instead of running tests.
func TestMain(m *testing.M) {
	if os.Getenv("IPYBRIDGE_SESSION_HELPER") != "" {
		helperMain()
		return
	}
	os.Exit(m.Run())
}

// helperMain answers ping with an empty object, vars with a small
// capture, and preview by echoing the request args back as the data
// payload so tests can inspect what the session sent.
func helperMain() {
	stdout := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var request kernelrpc.Request
		if err := json.Unmarshal(scanner.Bytes(), &request); err != nil {
			continue
		}
		var data json.RawMessage
		switch request.Op {
		case kernelrpc.OpPing:
			data = json.RawMessage(`{}`)
		case kernelrpc.OpVars:
			data = json.RawMessage(`{"x":{"type":"int","repr":"1"},"df":{"type":"DataFrame","repr":"..."}}`)
		case kernelrpc.OpPreview:
			encoded, err := json.Marshal(request.Args)
			if err != nil {
				continue
			}
			data = encoded
		default:
			stdout.Encode(kernelrpc.Response{ID: request.ID, OK: false, Error: fmt.Sprintf("unknown op %q", request.Op)})
			continue
		}
		stdout.Encode(kernelrpc.Response{ID: request.ID, OK: true, Tag: request.Op, Data: data})
	}
	os.Exit(0)
}

func newTestSession(t *testing.T, cfg config.Config) *Session {
	t.Helper()
	executable, err := os.Executable()
	if err != nil {
		t.Fatalf("locating test binary: %v", err)
	}
	cfg.Helper.Command = executable
	t.Setenv("IPYBRIDGE_SESSION_HELPER", "1")

	s, err := New(Options{Config: cfg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// feedEnvelope frames a payload and feeds it through the session,
// returning the visible bytes.
func feedEnvelope(t *testing.T, s *Session, tag string, payload any) []byte {
	t.Helper()
	wire, err := stream.Encode(tag, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return s.Feed(wire)
}

func TestFeedRoutesVarsEnvelope(t *testing.T) {
	s := newTestSession(t, config.Default())

	visible := s.Feed([]byte("In [1]: run()\n"))
	if string(visible) != "In [1]: run()\n" {
		t.Errorf("visible = %q, want passthrough", visible)
	}

	payload := map[string]any{
		"x": map[string]any{"type": "int", "repr": "42"},
	}
	if got := feedEnvelope(t, s, TagVars, payload); len(got) != 0 {
		t.Errorf("envelope leaked %q into visible output", got)
	}

	variables := s.Variables()
	if _, ok := variables["x"]; !ok {
		t.Fatalf("variables = %v, want x present", variables)
	}
}

func TestDebugLocationSwitchesScopePreference(t *testing.T) {
	s := newTestSession(t, config.Default())

	if s.PreferLocals() {
		t.Fatal("locals preferred before any debug location")
	}

	feedEnvelope(t, s, TagDebugLocation, map[string]any{
		"file": "train.py", "line": 10, "function": "step", "source": "loss.backward()",
	})
	if !s.PreferLocals() {
		t.Error("locals not preferred while paused inside a function")
	}
	if location := s.Location(); location.Function != "step" || location.Line != 10 {
		t.Errorf("location = %+v", location)
	}

	feedEnvelope(t, s, TagDebugLocation, map[string]any{
		"file": "train.py", "line": 3, "function": "<module>",
	})
	if s.PreferLocals() {
		t.Error("locals still preferred at module top level")
	}
}

func TestWrappedCaptureResolvesLocalsDuringPause(t *testing.T) {
	s := newTestSession(t, config.Default())

	feedEnvelope(t, s, TagDebugLocation, map[string]any{
		"file": "train.py", "line": 10, "function": "step",
	})
	feedEnvelope(t, s, TagVars, map[string]any{
		"__locals__":  map[string]any{"grad": map[string]any{"type": "Tensor"}},
		"__globals__": map[string]any{"model": map[string]any{"type": "Module"}},
		"__scoped__":  true,
	})

	variables := s.Variables()
	if _, ok := variables["grad"]; !ok {
		t.Errorf("variables = %v, want frame locals view", variables)
	}
	if _, ok := variables["model"]; ok {
		t.Errorf("globals leaked into locals view: %v", variables)
	}
}

func TestScopedCaptureElevatesLocalsPreference(t *testing.T) {
	s := newTestSession(t, config.Default())

	// The scoped capture arrives before any debug_location envelope.
	feedEnvelope(t, s, TagVars, map[string]any{
		"__locals__":  map[string]any{"grad": map[string]any{"type": "Tensor"}},
		"__globals__": nil,
		"__scoped__":  true,
	})
	if !s.PreferLocals() {
		t.Error("scoped capture did not elevate the locals preference")
	}
	if _, ok := s.Variables()["grad"]; !ok {
		t.Errorf("variables = %v, want frame locals view", s.Variables())
	}

	// Leaving the frame clears the preference via debug_location.
	feedEnvelope(t, s, TagDebugLocation, map[string]any{
		"file": "train.py", "line": 3, "function": "<module>",
	})
	if s.PreferLocals() {
		t.Error("locals still preferred after returning to module top level")
	}
}

func TestRequestVariables(t *testing.T) {
	s := newTestSession(t, config.Default())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	type result struct {
		variables scope.Bindings
		err       error
	}
	results := make(chan result, 1)
	err := s.RequestVariables(func(variables scope.Bindings, err error) {
		results <- result{variables, err}
	})
	if err != nil {
		t.Fatalf("RequestVariables: %v", err)
	}

	r := testutil.RequireReceive(t, results, 5*time.Second, "waiting for vars response")
	if r.err != nil {
		t.Fatalf("vars callback error: %v", r.err)
	}
	if _, ok := r.variables["df"]; !ok {
		t.Errorf("variables = %v, want df present", r.variables)
	}

	// The capture is folded into session state, not just handed to the
	// callback.
	if _, _, ok := s.Lookup("x"); !ok {
		t.Error("Lookup(x) missed after a successful capture")
	}
}

func TestRequestPreviewAppliesDefaults(t *testing.T) {
	s := newTestSession(t, config.Default())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	previews := make(chan json.RawMessage, 1)
	err := s.RequestPreview(PreviewRequest{Name: "df"}, func(preview json.RawMessage, err error) {
		if err != nil {
			t.Errorf("preview callback error: %v", err)
		}
		previews <- preview
	})
	if err != nil {
		t.Fatalf("RequestPreview: %v", err)
	}

	preview := testutil.RequireReceive(t, previews, 5*time.Second, "waiting for preview echo")
	var args struct {
		Name    string `json:"name"`
		MaxRows int    `json:"max_rows"`
		MaxCols int    `json:"max_cols"`
		Debug   bool   `json:"debug"`
	}
	if err := json.Unmarshal(preview, &args); err != nil {
		t.Fatalf("decoding echoed args: %v", err)
	}
	if args.Name != "df" {
		t.Errorf("name = %q, want df", args.Name)
	}
	if args.MaxRows != 30 || args.MaxCols != 20 {
		t.Errorf("limits = %d x %d, want configured defaults 30 x 20", args.MaxRows, args.MaxCols)
	}
	if args.Debug {
		t.Error("debug flag set outside a debug pause")
	}
}

func TestRequestPreviewRequiresName(t *testing.T) {
	s := newTestSession(t, config.Default())
	if err := s.RequestPreview(PreviewRequest{}, func(json.RawMessage, error) {
		t.Error("callback fired for a rejected request")
	}); err == nil {
		t.Error("RequestPreview accepted an empty name")
	}
}

func TestPing(t *testing.T) {
	s := newTestSession(t, config.Default())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	errs := make(chan error, 1)
	if err := s.Ping(func(err error) { errs <- err }); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := testutil.RequireReceive(t, errs, 5*time.Second, "waiting for pong"); err != nil {
		t.Errorf("ping round trip: %v", err)
	}
}

func TestTranscriptAndCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Transcript.Path = filepath.Join(dir, "session.jsonl")
	cfg.Transcript.CheckpointPath = filepath.Join(dir, "checkpoint.bin")
	cfg.Transcript.CheckpointEvery = 1

	s := newTestSession(t, cfg)

	feedEnvelope(t, s, TagVars, map[string]any{
		"x": map[string]any{"type": "int", "repr": "7"},
	})

	checkpoint, err := transcript.ReadCheckpoint(cfg.Transcript.CheckpointPath)
	if err != nil {
		t.Fatalf("ReadCheckpoint: %v", err)
	}
	bindings, ok := checkpoint.Scopes["raw_globals"]
	if !ok {
		t.Fatalf("checkpoint scopes = %v, want raw_globals", checkpoint.Scopes)
	}
	if _, ok := bindings["x"]; !ok {
		t.Errorf("checkpoint raw_globals = %v, want x", bindings)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close returned %v, want nil", err)
	}

	data, err := os.ReadFile(cfg.Transcript.Path)
	if err != nil {
		t.Fatalf("reading transcript: %v", err)
	}
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	if len(lines) < 2 {
		t.Fatalf("transcript has %d lines, want envelope plus close note", len(lines))
	}
	var first transcript.Record
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("decoding first record: %v", err)
	}
	if first.Kind != transcript.KindEnvelope || first.Tag != TagVars {
		t.Errorf("first record = %+v, want vars envelope", first)
	}
}
