// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package scope reconciles variable snapshots captured from the kernel
// into one presentable view.
//
// Two channels feed it: the hidden envelope stream delivers wrapped
// debug captures ({"__locals__": ..., "__globals__": ..., "__scoped__":
// bool}) at every debugger pause, and the helper RPC path delivers
// plain name→binding maps on demand. Each capture replaces exactly one
// snapshot wholesale — snapshots are never merged.
//
// Resolution picks the active view deterministically from the four
// snapshots and an externally supplied preferLocals flag (derived by
// the caller from whether the debugger is paused inside a function
// body). Binding records are opaque: the resolver moves them by
// reference and only reads the reserved protocol keys.
package scope
