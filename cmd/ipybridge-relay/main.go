// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Ipybridge-relay sits between a kernel's terminal stream and the
// terminal that displays it. It copies stdin to stdout, extracting
// hidden envelopes on the way: the terminal never sees them, and each
// one is appended to a JSONL envelope log for the editor (or a test)
// to consume.
//
// With --plain the relay additionally writes an ANSI-stripped copy of
// the visible text, which makes session output greppable.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ipybridge/ipybridge/lib/process"
	"github.com/ipybridge/ipybridge/lib/stream"
	"github.com/ipybridge/ipybridge/lib/transcript"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var envelopePath string
	var plainPath string

	flags := pflag.NewFlagSet("ipybridge-relay", pflag.ContinueOnError)
	flags.StringVar(&envelopePath, "envelopes", "", "append extracted envelopes to this JSONL file")
	flags.StringVar(&plainPath, "plain", "", "write an ANSI-stripped copy of the visible text to this file")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Warn("stdin is a terminal; the relay expects the kernel stream piped in")
	}

	var recorder *transcript.Writer
	if envelopePath != "" {
		writer, err := transcript.NewWriter(envelopePath, nil)
		if err != nil {
			return err
		}
		defer writer.Close()
		recorder = writer
	}

	var plain *os.File
	if plainPath != "" {
		file, err := os.Create(plainPath)
		if err != nil {
			return fmt.Errorf("creating plain transcript %q: %w", plainPath, err)
		}
		defer file.Close()
		plain = file
	}

	extractor := &stream.Extractor{
		Logger: logger,
		Envelopes: func(envelope stream.Envelope) {
			if recorder == nil {
				return
			}
			if err := recorder.Write(transcript.KindEnvelope, envelope.Tag, envelope.Payload); err != nil {
				logger.Warn("envelope log write failed", "tag", envelope.Tag, "error", err)
			}
		},
	}

	emit := func(visible []byte) error {
		if len(visible) == 0 {
			return nil
		}
		if _, err := os.Stdout.Write(visible); err != nil {
			return fmt.Errorf("writing to stdout: %w", err)
		}
		if plain != nil {
			if _, err := plain.WriteString(ansi.Strip(string(visible))); err != nil {
				return fmt.Errorf("writing plain transcript: %w", err)
			}
		}
		return nil
	}

	buffer := make([]byte, 32*1024)
	for {
		n, err := os.Stdin.Read(buffer)
		if n > 0 {
			if err := emit(extractor.Scan(buffer[:n])); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
	}

	// An unterminated envelope at EOF is visible text after all.
	return emit(extractor.Flush())
}
