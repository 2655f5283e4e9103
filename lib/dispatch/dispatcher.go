// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"log/slog"
	"sync"

	"github.com/ipybridge/ipybridge/lib/stream"
)

// Handler processes one envelope. Handlers must not block; they run
// synchronously on the stream pump. A handler may issue further RPC
// requests.
type Handler func(stream.Envelope)

// Dispatcher routes each envelope to at most one handler, keyed by
// tag. Safe for concurrent use: registration may happen while the
// stream pump is dispatching.
type Dispatcher struct {
	// Logger receives handler failure diagnostics. If nil,
	// slog.Default() is used.
	Logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Register stores handler for tag, overwriting any prior handler.
func (d *Dispatcher) Register(tag string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = make(map[string]Handler)
	}
	d.handlers[tag] = handler
}

// Unregister removes the handler for tag. Subsequent envelopes with
// that tag become no-ops.
func (d *Dispatcher) Unregister(tag string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, tag)
}

// Handle routes envelope to its registered handler. Envelopes with an
// empty tag or no registered handler are dropped silently. A panicking
// handler is recovered and logged; Handle itself never fails.
func (d *Dispatcher) Handle(envelope stream.Envelope) {
	if envelope.Tag == "" {
		return
	}
	d.mu.Lock()
	handler := d.handlers[envelope.Tag]
	d.mu.Unlock()
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger().Warn("envelope handler panicked",
				"tag", envelope.Tag,
				"panic", r,
			)
		}
	}()
	handler(envelope)
}
