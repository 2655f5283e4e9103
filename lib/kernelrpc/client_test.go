// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kernelrpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ipybridge/ipybridge/lib/clock"
	"github.com/ipybridge/ipybridge/lib/testutil"
)

// syncBuffer is a goroutine-safe log sink: the stderr pump writes from
// its own goroutine while the test polls.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TestMain doubles as the fake helper binary: when re-executed with
// IPYBRIDGE_TEST_HELPER set, the test binary speaks the helper line
// protocol instead of running tests.
func TestMain(m *testing.M) {
	if mode := os.Getenv("IPYBRIDGE_TEST_HELPER"); mode != "" {
		helperMain(mode)
		return
	}
	os.Exit(m.Run())
}

// helperMain implements the fake helper. Modes:
//
//	echo    — answer each request immediately, echoing op into data
//	reorder — buffer three requests, answer them last-first
//	silent  — consume requests without ever answering; exit on EOF
//	stderr  — write one stderr line, then behave like echo
func helperMain(mode string) {
	stdout := json.NewEncoder(os.Stdout)
	if mode == "stderr" {
		fmt.Fprintln(os.Stderr, "helper diagnostic line")
		mode = "echo"
	}

	var buffered []Request
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var request Request
		if err := json.Unmarshal(scanner.Bytes(), &request); err != nil {
			continue
		}
		switch mode {
		case "echo":
			data, _ := json.Marshal(map[string]string{"op": request.Op})
			stdout.Encode(Response{ID: request.ID, OK: true, Tag: request.Op, Data: data})
		case "reorder":
			buffered = append(buffered, request)
			if len(buffered) == 3 {
				for i := len(buffered) - 1; i >= 0; i-- {
					data, _ := json.Marshal(map[string]string{"op": buffered[i].Op})
					stdout.Encode(Response{ID: buffered[i].ID, OK: true, Tag: buffered[i].Op, Data: data})
				}
				buffered = nil
			}
		case "silent":
			// Swallow the request.
		}
	}
	os.Exit(0)
}

// newTestClient returns a Client that re-executes this test binary as
// the fake helper in the given mode.
func newTestClient(t *testing.T, mode string) *Client {
	t.Helper()
	executable, err := os.Executable()
	if err != nil {
		t.Fatalf("locating test binary: %v", err)
	}
	client := &Client{
		Command: executable,
		Clock:   clock.Fake(time.Unix(1700000000, 0)),
	}
	t.Setenv("IPYBRIDGE_TEST_HELPER", mode)
	return client
}

func TestRequestEcho(t *testing.T) {
	client := newTestClient(t, "echo")
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer client.Stop()

	responses := make(chan Response, 1)
	if err := client.Request(OpPing, nil, func(r Response) { responses <- r }); err != nil {
		t.Fatalf("Request: %v", err)
	}

	response := testutil.RequireReceive(t, responses, 5*time.Second, "waiting for ping response")
	if !response.OK || response.Tag != OpPing {
		t.Errorf("response = %+v, want ok ping echo", response)
	}
	if response.ID != "1" {
		t.Errorf("first request id = %q, want %q", response.ID, "1")
	}
}

func TestStderrIsDiagnosticOnly(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	client := newTestClient(t, "stderr")
	client.Logger = logger
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer client.Stop()

	// The helper wrote to stderr before answering; the request must
	// still resolve normally over stdout.
	responses := make(chan Response, 1)
	if err := client.Request(OpPing, nil, func(r Response) { responses <- r }); err != nil {
		t.Fatalf("Request: %v", err)
	}
	response := testutil.RequireReceive(t, responses, 5*time.Second, "waiting for ping response")
	if !response.OK {
		t.Errorf("response = %+v, want ok despite stderr output", response)
	}

	// The stderr line surfaces as a diagnostic. The stderr pump runs
	// on its own goroutine, so poll briefly.
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(logs.String(), "helper diagnostic line") {
		if time.Now().After(deadline) {
			t.Fatalf("stderr line never logged; log output:\n%s", logs.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// And it is never mistaken for protocol data.
	if strings.Contains(logs.String(), "undecodable helper response") {
		t.Errorf("stderr line was parsed as a response:\n%s", logs.String())
	}
}

func TestStartIdempotent(t *testing.T) {
	client := newTestClient(t, "echo")
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer client.Stop()
	if err := client.Start(ctx); err != nil {
		t.Errorf("second Start returned %v, want nil no-op", err)
	}
}

func TestOutOfOrderCorrelation(t *testing.T) {
	client := newTestClient(t, "reorder")
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer client.Stop()

	type result struct {
		op       string
		response Response
	}
	results := make(chan result, 3)
	for _, op := range []string{"a", "b", "c"} {
		op := op
		if err := client.Request(op, nil, func(r Response) { results <- result{op, r} }); err != nil {
			t.Fatalf("Request(%s): %v", op, err)
		}
	}

	seen := make(map[string]int)
	for i := 0; i < 3; i++ {
		r := testutil.RequireReceive(t, results, 5*time.Second, "waiting for reordered responses")
		seen[r.op]++
		// The helper echoes the op in the tag: correlation by id must
		// deliver each response to its original callback even though
		// arrival order is c, a, b.
		if r.response.Tag != r.op {
			t.Errorf("callback for %q received response tagged %q", r.op, r.response.Tag)
		}
		if !r.response.OK {
			t.Errorf("response for %q not ok: %+v", r.op, r.response)
		}
	}
	for _, op := range []string{"a", "b", "c"} {
		if seen[op] != 1 {
			t.Errorf("callback for %q fired %d times, want exactly once", op, seen[op])
		}
	}
}

func TestExitFlushFailsAllPending(t *testing.T) {
	client := newTestClient(t, "silent")
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	const pendingCount = 4
	responses := make(chan Response, pendingCount)
	for i := 0; i < pendingCount; i++ {
		err := client.Request(OpVars, nil, func(r Response) { responses <- r })
		if err != nil {
			t.Fatalf("Request %d: %v", i, err)
		}
	}

	client.Stop()

	for i := 0; i < pendingCount; i++ {
		response := testutil.RequireReceive(t, responses, 5*time.Second, "waiting for synthetic failure %d", i)
		if response.OK {
			t.Errorf("synthetic response %d is ok, want failure", i)
		}
		if response.Error == "" {
			t.Errorf("synthetic response %d has empty error", i)
		}
	}
	testutil.RequireNoReceive(t, responses, 100*time.Millisecond, "callbacks must fire exactly once")

	if err := client.Request(OpPing, nil, func(Response) {}); err == nil {
		t.Error("Request succeeded after Stop, want failure until Start")
	}
}

func TestRequestFailsWhenNotStarted(t *testing.T) {
	client := &Client{Command: "/nonexistent"}
	err := client.Request(OpPing, nil, func(Response) {
		t.Error("callback invoked for a request that never started")
	})
	if err == nil {
		t.Fatal("Request succeeded with no helper running")
	}
}

func TestRestartAfterStop(t *testing.T) {
	client := newTestClient(t, "echo")
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	client.Stop()
	if client.Running() {
		t.Fatal("client still running after Stop")
	}

	if err := client.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer client.Stop()

	responses := make(chan Response, 1)
	if err := client.Request(OpPing, nil, func(r Response) { responses <- r }); err != nil {
		t.Fatalf("Request after restart: %v", err)
	}
	response := testutil.RequireReceive(t, responses, 5*time.Second, "waiting for post-restart response")
	if !response.OK {
		t.Errorf("post-restart response = %+v, want ok", response)
	}
	// Ids keep increasing across helper instances; the first request
	// of the new helper must not reuse "1".
	if response.ID == "1" {
		t.Error("request id reused after restart")
	}
}

func TestStartRetriesWithFixedBackoff(t *testing.T) {
	fake := clock.Fake(time.Unix(1700000000, 0))
	client := &Client{
		Command:       "/nonexistent/ipybridge-helper",
		StartAttempts: 3,
		StartBackoff:  250 * time.Millisecond,
		Clock:         fake,
	}

	err := client.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded for a nonexistent helper binary")
	}

	sleeps := fake.Sleeps()
	if len(sleeps) != 2 {
		t.Fatalf("slept %d times, want 2 (between 3 attempts)", len(sleeps))
	}
	for i, d := range sleeps {
		if d != 250*time.Millisecond {
			t.Errorf("backoff %d = %v, want fixed 250ms", i, d)
		}
	}
}

func TestStopWhenNeverStarted(t *testing.T) {
	client := &Client{Command: "/nonexistent"}
	client.Stop()
}
