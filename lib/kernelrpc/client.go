// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kernelrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/ipybridge/ipybridge/lib/clock"
)

// Scanner buffer sizing. Preview responses for large dataframes can
// run to megabytes on a single line.
const (
	initialLineBuffer = 64 * 1024
	maxLineBytes      = 16 * 1024 * 1024
)

// Default start retry policy: bounded attempts with a fixed backoff.
const (
	DefaultStartAttempts = 3
	DefaultStartBackoff  = 500 * time.Millisecond
)

// Client owns one kernel helper subprocess and correlates requests
// with its out-of-order responses. The zero value plus Command is
// usable; call Start before Request.
//
// The subprocess belongs exclusively to this Client: nothing else may
// write its stdin or reap it.
type Client struct {
	// Command is the helper executable path. Required.
	Command string

	// Args are the helper's command-line arguments.
	Args []string

	// StartAttempts bounds spawn retries in Start. Zero means
	// DefaultStartAttempts.
	StartAttempts int

	// StartBackoff is the fixed delay between spawn attempts. Zero
	// means DefaultStartBackoff.
	StartBackoff time.Duration

	// Logger receives transport and protocol diagnostics. If nil,
	// slog.Default() is used.
	Logger *slog.Logger

	// Clock is used for retry backoff. If nil, clock.Real() is used.
	Clock clock.Clock

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[string]Callback
	nextID  uint64
	// exited is closed when the helper's pumps have drained and the
	// pending map has been flushed. Nil while no helper has run.
	exited chan struct{}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) clock() clock.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return clock.Real()
}

// Running reports whether a helper subprocess is currently running.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil
}

// Start spawns the helper if it is not already running. Calling Start
// on a running client is a no-op success. Spawn failures are retried
// up to StartAttempts times with a fixed StartBackoff delay; the last
// error is returned if every attempt fails.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cmd != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.Command == "" {
		return fmt.Errorf("kernelrpc: Command is required")
	}

	attempts := c.StartAttempts
	if attempts <= 0 {
		attempts = DefaultStartAttempts
	}
	backoff := c.StartBackoff
	if backoff <= 0 {
		backoff = DefaultStartBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			c.clock().Sleep(backoff)
		}
		if err := c.spawn(ctx); err != nil {
			lastErr = err
			c.logger().Warn("kernel helper spawn failed",
				"attempt", attempt,
				"attempts", attempts,
				"error", err,
			)
			continue
		}
		return nil
	}
	return fmt.Errorf("starting kernel helper after %d attempts: %w", attempts, lastErr)
}

// spawn launches the subprocess and wires its pumps.
func (c *Client) spawn(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening helper stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("opening helper stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning %q: %w", c.Command, err)
	}

	exited := make(chan struct{})
	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.pending = make(map[string]Callback)
	c.exited = exited
	c.mu.Unlock()

	c.logger().Info("kernel helper started", "command", c.Command, "pid", cmd.Process.Pid)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		c.pumpStdout(stdout)
	}()
	go func() {
		defer pumps.Done()
		c.pumpStderr(stderr)
	}()
	go func() {
		pumps.Wait()
		err := cmd.Wait()
		reason := "kernel helper exited"
		if err != nil {
			reason = fmt.Sprintf("kernel helper exited: %v", err)
		}
		c.handleExit(cmd, reason)
		close(exited)
	}()

	return nil
}

// Request sends one operation to the helper. The callback fires
// exactly once: with the helper's response, or with a synthetic
// failure on exit. Returns an error (and never invokes the callback)
// if no helper is running or the stdin write fails.
func (c *Client) Request(op string, args map[string]any, callback Callback) error {
	c.mu.Lock()
	if c.cmd == nil {
		c.mu.Unlock()
		return fmt.Errorf("kernelrpc: helper is not running")
	}
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)

	line, err := json.Marshal(Request{ID: id, Op: op, Args: args})
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("encoding request: %w", err)
	}
	line = append(line, '\n')

	c.pending[id] = callback
	stdin := c.stdin
	c.mu.Unlock()

	// Written outside the lock: a blocked helper must not stall
	// response dispatch. The pending entry is already registered, so
	// a racing response cannot be lost; on write failure the entry
	// is withdrawn (unless the exit flush got there first).
	if _, err := stdin.Write(line); err != nil {
		c.mu.Lock()
		_, stillPending := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !stillPending {
			// The exit flush already consumed the callback; the
			// caller must not see both an error and a callback.
			return nil
		}
		return fmt.Errorf("writing request %s: %w", id, err)
	}
	return nil
}

// Stop terminates the helper and synchronously flushes every pending
// request with a synthetic failure. Safe to call when not running.
func (c *Client) Stop() {
	c.mu.Lock()
	cmd := c.cmd
	stdin := c.stdin
	exited := c.exited
	c.mu.Unlock()
	if cmd == nil {
		return
	}

	// Fail pending work now — synchronously, per the exit contract —
	// rather than waiting for the process to die.
	c.handleExit(cmd, "kernel helper stopped")

	// Closing stdin asks a well-behaved helper to exit; kill covers
	// the rest. The pump goroutine reaps the process.
	if stdin != nil {
		stdin.Close()
	}
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	if exited != nil {
		<-exited
	}
}

// pumpStdout reads response lines and dispatches them to pending
// callbacks. Undecodable lines and unknown ids are protocol errors:
// logged and skipped, never fatal.
func (c *Client) pumpStdout(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, initialLineBuffer), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var response Response
		if err := json.Unmarshal(line, &response); err != nil {
			c.logger().Warn("undecodable helper response line",
				"error", err,
				"line_bytes", len(line),
			)
			continue
		}
		c.dispatch(response)
	}
	if err := scanner.Err(); err != nil {
		c.logger().Warn("kernel helper stdout read failed", "error", err)
	}
}

// pumpStderr surfaces helper stderr lines as diagnostics.
func (c *Client) pumpStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, initialLineBuffer), maxLineBytes)
	for scanner.Scan() {
		c.logger().Debug("kernel helper stderr", "line", scanner.Text())
	}
}

// dispatch resolves one response against the pending map.
func (c *Client) dispatch(response Response) {
	if response.ID == "" {
		c.logger().Debug("helper response without id ignored", "tag", response.Tag)
		return
	}
	c.mu.Lock()
	callback, ok := c.pending[response.ID]
	if ok {
		delete(c.pending, response.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger().Debug("helper response with unknown id ignored", "id", response.ID)
		return
	}
	callback(response)
}

// handleExit clears the process state and fails every pending request
// with a synthetic response. Idempotent per process instance: the
// second caller (Stop racing the reaper, or vice versa) finds nothing
// to do.
func (c *Client) handleExit(cmd *exec.Cmd, reason string) {
	c.mu.Lock()
	if c.cmd != cmd {
		c.mu.Unlock()
		return
	}
	c.cmd = nil
	c.stdin = nil
	flushed := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(flushed) > 0 {
		c.logger().Warn("failing pending kernel requests", "count", len(flushed), "reason", reason)
	}
	for id, callback := range flushed {
		callback(Response{ID: id, OK: false, Error: reason})
	}
}
