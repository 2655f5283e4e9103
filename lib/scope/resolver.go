// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scope

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// MarkerPrefix marks reserved internal binding names. Names beginning
// with this prefix (the wrapped-capture keys themselves, plus any
// kernel-side bookkeeping that leaks into a capture) are stripped from
// every resolved view.
const MarkerPrefix = "__"

// Wrapped-capture payload keys. Protocol constants shared with the
// kernel-side emitter.
const (
	localsKey  = "__locals__"
	globalsKey = "__globals__"
	scopedKey  = "__scoped__"
)

// Bindings maps variable names to opaque binding records. A binding's
// interior ({type, shape, dtype, repr, ...}) belongs to the kernel and
// the presentation layer; this package never rewrites it.
type Bindings map[string]json.RawMessage

// Kind names one of the four snapshot slots.
type Kind string

const (
	// KindLocals is the frame-locals half of a wrapped debug capture.
	KindLocals Kind = "locals"

	// KindGlobals is the module-globals half of a wrapped debug capture.
	KindGlobals Kind = "globals"

	// KindRawLocals is a plain capture taken while paused inside a
	// function body (RPC vars response during a debug pause).
	KindRawLocals Kind = "raw_locals"

	// KindRawGlobals is a plain capture of the interactive namespace
	// (RPC vars response outside any debug pause).
	KindRawGlobals Kind = "raw_globals"
)

// Resolver holds the current snapshots for one session. Safe for
// concurrent use: the envelope pump and the RPC callback goroutine may
// both update it.
type Resolver struct {
	mu        sync.Mutex
	snapshots map[Kind]Bindings
}

// Replace installs bindings as the new snapshot for kind, discarding
// the previous snapshot of that kind entirely.
func (r *Resolver) Replace(kind Kind, bindings Bindings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapshots == nil {
		r.snapshots = make(map[Kind]Bindings)
	}
	r.snapshots[kind] = bindings
}

// Clear drops every snapshot. Called when the owning session ends or
// the kernel restarts.
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = nil
}

// Snapshots returns a copy of every current snapshot, unfiltered.
// Used for checkpointing; the copies are safe to hold after the
// resolver moves on.
func (r *Resolver) Snapshots() map[Kind]Bindings {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Kind]Bindings, len(r.snapshots))
	for kind, bindings := range r.snapshots {
		copied := make(Bindings, len(bindings))
		for name, binding := range bindings {
			copied[name] = binding
		}
		out[kind] = copied
	}
	return out
}

// ApplyVarsPayload consumes one "vars" envelope or RPC payload.
//
// A wrapped payload (one carrying the __locals__ or __globals__ keys)
// replaces the corresponding wrapped snapshots. A plain payload is an
// un-scoped capture: it replaces the raw-locals snapshot when
// preferLocals is true (the caller knows a debug pause is inside a
// function) and the raw-globals snapshot otherwise.
func (r *Resolver) ApplyVarsPayload(payload json.RawMessage, preferLocals bool) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("decoding vars payload: %w", err)
	}

	localsRaw, hasLocals := fields[localsKey]
	globalsRaw, hasGlobals := fields[globalsKey]
	if hasLocals || hasGlobals {
		if hasLocals {
			bindings, err := decodeBindings(localsRaw)
			if err != nil {
				return fmt.Errorf("decoding %s: %w", localsKey, err)
			}
			r.Replace(KindLocals, bindings)
		}
		if hasGlobals {
			bindings, err := decodeBindings(globalsRaw)
			if err != nil {
				return fmt.Errorf("decoding %s: %w", globalsKey, err)
			}
			r.Replace(KindGlobals, bindings)
		}
		return nil
	}

	bindings := make(Bindings, len(fields))
	for name, value := range fields {
		bindings[name] = value
	}
	if preferLocals {
		r.Replace(KindRawLocals, bindings)
	} else {
		r.Replace(KindRawGlobals, bindings)
	}
	return nil
}

// Scoped reports whether a wrapped vars payload marks a frame-scoped
// capture (__scoped__ true).
func Scoped(payload json.RawMessage) bool {
	var fields struct {
		Scoped bool `json:"__scoped__"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return false
	}
	return fields.Scoped
}

// Resolve selects the active view. Priority order: preferred locals,
// globals, locals fallback, raw globals, raw locals, empty. Each
// candidate is filtered (reserved marker names stripped) before its
// emptiness is judged, so a snapshot containing only internal markers
// never wins.
func (r *Resolver) Resolve(preferLocals bool) Bindings {
	r.mu.Lock()
	defer r.mu.Unlock()

	locals := filtered(r.snapshots[KindLocals])
	if preferLocals && len(locals) > 0 {
		return locals
	}
	if globals := filtered(r.snapshots[KindGlobals]); len(globals) > 0 {
		return globals
	}
	if len(locals) > 0 {
		return locals
	}
	if raw := filtered(r.snapshots[KindRawGlobals]); len(raw) > 0 {
		return raw
	}
	if raw := filtered(r.snapshots[KindRawLocals]); len(raw) > 0 {
		return raw
	}
	return Bindings{}
}

// Lookup finds a binding by exact name, trying the locals snapshot,
// then globals, then the raw captures. Returns the binding, the kind
// of the snapshot that held it, and whether it was found. Reserved
// marker names are never returned.
func (r *Resolver) Lookup(name string) (json.RawMessage, Kind, bool) {
	if strings.HasPrefix(name, MarkerPrefix) {
		return nil, "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kind := range []Kind{KindLocals, KindGlobals, KindRawGlobals, KindRawLocals} {
		if binding, ok := r.snapshots[kind][name]; ok {
			return binding, kind, true
		}
	}
	return nil, "", false
}

// bindingEnrichment is the slice of a binding record this package is
// allowed to read: the kernel-side preview cache and the nested child
// preview index. Everything else in the record stays opaque.
type bindingEnrichment struct {
	PreviewCache    json.RawMessage            `json:"_preview_cache"`
	PreviewChildren map[string]json.RawMessage `json:"_preview_children"`
}

// LookupPreview resolves a cached preview for a name or a nested
// access path (e.g. "frame['col']"). A direct top-level binding match
// always shadows a child-preview path of the same spelling under a
// different binding. Order: locals, then globals, then each scope's
// child-preview indices.
func (r *Resolver) LookupPreview(path string) (json.RawMessage, bool) {
	if binding, _, ok := r.Lookup(path); ok {
		var enrichment bindingEnrichment
		if err := json.Unmarshal(binding, &enrichment); err == nil && len(enrichment.PreviewCache) > 0 {
			return enrichment.PreviewCache, true
		}
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kind := range []Kind{KindLocals, KindGlobals, KindRawGlobals, KindRawLocals} {
		for name, binding := range r.snapshots[kind] {
			if strings.HasPrefix(name, MarkerPrefix) {
				continue
			}
			var enrichment bindingEnrichment
			if err := json.Unmarshal(binding, &enrichment); err != nil {
				continue
			}
			if preview, ok := enrichment.PreviewChildren[path]; ok {
				return preview, true
			}
		}
	}
	return nil, false
}

// decodeBindings unmarshals a JSON object into Bindings. A JSON null
// decodes to an empty snapshot (the kernel emits null for an absent
// scope).
func decodeBindings(raw json.RawMessage) (Bindings, error) {
	var bindings Bindings
	if err := json.Unmarshal(raw, &bindings); err != nil {
		return nil, err
	}
	if bindings == nil {
		bindings = Bindings{}
	}
	return bindings, nil
}

// filtered returns bindings with reserved marker names removed. The
// input snapshot is never mutated; the result is a fresh map the
// presentation layer may hold.
func filtered(bindings Bindings) Bindings {
	if len(bindings) == 0 {
		return nil
	}
	out := make(Bindings, len(bindings))
	for name, binding := range bindings {
		if strings.HasPrefix(name, MarkerPrefix) {
			continue
		}
		out[name] = binding
	}
	return out
}
