// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Ipybridge-helper-mock is a drop-in replacement for the kernel helper
// in integration tests. It speaks the helper line protocol exactly
// (line-delimited JSON requests on stdin, responses on stdout) and
// answers ping, vars, and preview from a fixture file, so editor-side
// code can be exercised without a running kernel.
//
// With --emit-envelopes the mock instead emulates the kernel's
// terminal stream: it writes visible text interleaved with hidden
// envelopes (the fixture's vars capture and debug location) to stdout
// and exits. That mode feeds extractor and relay tests end to end.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/ipybridge/ipybridge/lib/kernelrpc"
	"github.com/ipybridge/ipybridge/lib/process"
	"github.com/ipybridge/ipybridge/lib/stream"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

// fixture is the canned kernel state the mock serves. All fields are
// optional; built-in defaults cover the common cases.
type fixture struct {
	// Vars is the payload returned for vars requests and pushed as a
	// vars envelope in --emit-envelopes mode.
	Vars json.RawMessage `json:"vars"`

	// Previews maps variable names (or nested access paths) to preview
	// payloads returned for preview requests.
	Previews map[string]json.RawMessage `json:"previews"`

	// DebugLocation is pushed as a debug_location envelope in
	// --emit-envelopes mode.
	DebugLocation json.RawMessage `json:"debug_location"`
}

func defaultFixture() fixture {
	return fixture{
		Vars: json.RawMessage(`{"x":{"type":"int","repr":"42"},"df":{"type":"DataFrame","repr":"[3 rows x 2 columns]"}}`),
		Previews: map[string]json.RawMessage{
			"df": json.RawMessage(`{"columns":["a","b"],"rows":[[1,4],[2,5],[3,6]]}`),
		},
	}
}

func run() error {
	var fixturePath string
	var emitEnvelopes bool
	var failOps []string

	flags := pflag.NewFlagSet("ipybridge-helper-mock", pflag.ContinueOnError)
	flags.StringVar(&fixturePath, "fixture", "", "JSON fixture file with canned vars, previews, and debug location")
	flags.BoolVar(&emitEnvelopes, "emit-envelopes", false, "emulate the kernel terminal stream instead of the RPC protocol")
	flags.StringSliceVar(&failOps, "fail-ops", nil, "operations to answer with an error response")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	// Stdout is the protocol channel; diagnostics go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	fix := defaultFixture()
	if fixturePath != "" {
		data, err := os.ReadFile(fixturePath)
		if err != nil {
			return fmt.Errorf("reading fixture %q: %w", fixturePath, err)
		}
		if err := json.Unmarshal(data, &fix); err != nil {
			return fmt.Errorf("parsing fixture %q: %w", fixturePath, err)
		}
	}

	if emitEnvelopes {
		return emitStream(fix)
	}

	failing := make(map[string]bool, len(failOps))
	for _, op := range failOps {
		failing[strings.TrimSpace(op)] = true
	}
	return serve(fix, failing, logger)
}

// serve answers the helper line protocol until stdin closes.
func serve(fix fixture, failing map[string]bool, logger *slog.Logger) error {
	encoder := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var request kernelrpc.Request
		if err := json.Unmarshal(line, &request); err != nil {
			logger.Warn("undecodable request line", "error", err)
			continue
		}
		response := answer(fix, failing, request)
		if err := encoder.Encode(response); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
	return scanner.Err()
}

func answer(fix fixture, failing map[string]bool, request kernelrpc.Request) kernelrpc.Response {
	if failing[request.Op] {
		return kernelrpc.Response{ID: request.ID, OK: false, Tag: request.Op, Error: fmt.Sprintf("mock failure for %s", request.Op)}
	}
	switch request.Op {
	case kernelrpc.OpPing:
		return kernelrpc.Response{ID: request.ID, OK: true, Tag: request.Op, Data: json.RawMessage(`{}`)}

	case kernelrpc.OpVars:
		return kernelrpc.Response{ID: request.ID, OK: true, Tag: request.Op, Data: fix.Vars}

	case kernelrpc.OpPreview:
		name, _ := request.Args["name"].(string)
		preview, ok := fix.Previews[name]
		if !ok {
			return kernelrpc.Response{ID: request.ID, OK: false, Tag: request.Op, Error: fmt.Sprintf("no preview for %q", name)}
		}
		return kernelrpc.Response{ID: request.ID, OK: true, Tag: request.Op, Data: preview}

	default:
		return kernelrpc.Response{ID: request.ID, OK: false, Error: fmt.Sprintf("unknown op %q", request.Op)}
	}
}

// emitStream writes a short kernel-like terminal session: visible
// prompt text with the fixture's envelopes hidden inside it.
func emitStream(fix fixture) error {
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	out.WriteString("In [1]: x = 42\n")

	if len(fix.DebugLocation) > 0 {
		wire, err := stream.Encode("debug_location", fix.DebugLocation)
		if err != nil {
			return fmt.Errorf("framing debug location: %w", err)
		}
		out.Write(wire)
	}

	if len(fix.Vars) > 0 {
		wire, err := stream.Encode("vars", fix.Vars)
		if err != nil {
			return fmt.Errorf("framing vars capture: %w", err)
		}
		out.Write(wire)
	}

	out.WriteString("In [2]: \n")
	return out.Flush()
}
