// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code injects
// Real(); tests inject Fake() and control time explicitly. Anything in
// ipybridge that sleeps (kernelrpc start retry backoff) or stamps times
// (transcript records) takes a Clock instead of calling the time
// package directly.
package clock
