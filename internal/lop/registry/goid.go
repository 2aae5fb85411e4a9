// Copyright 2025 The lopprofiler Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Common goroutine ID extraction utilities.
//
// The registry keys every buffer lookup on the goroutine id, so extraction
// sits on the hot path of every emit. Two implementations exist:
//
//   - goid_fast.go: reads the goid field straight out of the runtime.g
//     struct via an assembly getg() stub (amd64/arm64, ~1-2ns)
//   - goid_fallback.go: parses runtime.Stack output (~1.5µs), used on other
//     architectures and whenever the fast path cannot verify itself
//
// goidSlow and parseGoid below are shared by both.

package registry

import "runtime"

// goidSlow extracts the goroutine id by parsing runtime.Stack output.
//
// Slow (~1.5µs, dominated by runtime.Stack) but reliable on every platform
// and Go version. The fast path uses it once at startup to verify the g
// struct field offset before trusting it.
func goidSlow() int64 {
	// Only the first line is needed: "goroutine 123 [running]:\n..."
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGoid(buf[:n])
}

// parseGoid extracts the goroutine id from stack trace bytes.
//
// Expected format: "goroutine 123 [running]:...". Returns 0 when the input
// does not match. Direct byte parsing, no regex, no allocation.
func parseGoid(buf []byte) int64 {
	const prefix = "goroutine "
	if len(buf) < len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}

	var goid int64
	seen := false
	for i := len(prefix); i < len(buf); i++ {
		c := buf[i]
		if c < '0' || c > '9' {
			break
		}
		goid = goid*10 + int64(c-'0')
		seen = true
	}
	if !seen {
		return 0
	}
	return goid
}
