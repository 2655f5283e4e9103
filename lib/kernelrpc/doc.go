// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kernelrpc multiplexes request/response traffic over a
// persistent kernel helper subprocess.
//
// The helper speaks line-delimited JSON on stdin/stdout: each request
// is one {"id", "op", "args"} line, each response one {"id", "ok",
// "tag", "data", "error"} line. Responses may arrive in any order;
// correlation is solely by id. stderr is diagnostic output, never
// protocol data.
//
// Every request's callback fires exactly once — with the helper's
// response, or with a synthetic ok:false response when the helper
// exits (or is stopped) while the request is pending. There is no
// per-request cancellation or timeout; callers that need a deadline
// bound their own retries.
package kernelrpc
