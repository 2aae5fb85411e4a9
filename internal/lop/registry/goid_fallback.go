// Copyright 2025 The lopprofiler Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !(amd64 || arm64)

// Fallback goroutine ID extraction for architectures without a getg stub.
//
// Performance: ~1.5µs per call (runtime.Stack parsing). Buffer resolution
// dominates the emit cost on these platforms; the trace stays correct, only
// slower to record.

package registry

// Goid returns the current goroutine id via stack parsing.
func Goid() int64 {
	return goidSlow()
}
