// Copyright 2025 The lopprofiler Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build amd64 || arm64

// Fast goroutine ID extraction via direct runtime.g access.
//
// The goid field lives at a fixed offset inside the runtime's g struct. The
// offset is not part of any compatibility promise, so instead of pinning it
// per Go version this file PROBES a small set of known candidate offsets at
// startup and verifies each against the stack-parsing slow path, on two
// different goroutines. Only a doubly-verified offset is trusted; otherwise
// every call silently takes the slow path.
//
// Performance: ~1-2ns per call once verified (getg stub + one load).

package registry

import (
	"unsafe"
)

// goidOffsetCandidates are g-struct goid offsets observed across recent Go
// releases (the field drifts as gobuf and the syscall bookkeeping around it
// change). Verified at startup, never assumed.
var goidOffsetCandidates = []uintptr{152, 160, 168, 144}

// goidOffset is the verified offset, or 0 when probing failed and the slow
// path must be used. Written once during package init, read-only afterwards.
var goidOffset uintptr

// getg returns the current goroutine's g struct pointer.
// Implemented in assembly (goid_amd64.s, goid_arm64.s).
//
//go:noescape
func getg() uintptr

func init() {
	goidOffset = resolveGoidOffset()
}

// resolveGoidOffset probes the candidate offsets on the current goroutine
// and re-verifies the winner on a second goroutine (a field that merely
// happened to equal one goroutine's id will not match a fresh id too).
func resolveGoidOffset() uintptr {
	off := probeGoidOffset()
	if off == 0 {
		return 0
	}

	verified := make(chan bool)
	go func() {
		g := getg()
		verified <- g != 0 && *(*int64)(unsafe.Pointer(g+off)) == goidSlow()
	}()
	if !<-verified {
		return 0
	}
	return off
}

func probeGoidOffset() uintptr {
	g := getg()
	if g == 0 {
		return 0
	}
	want := goidSlow()
	if want == 0 {
		return 0
	}
	for _, off := range goidOffsetCandidates {
		if *(*int64)(unsafe.Pointer(g + off)) == want {
			return off
		}
	}
	return 0
}

// Goid returns the current goroutine id.
//
// Reads the verified g-struct offset when startup probing succeeded, the
// runtime.Stack parser otherwise. The g struct never moves (goroutine
// stacks do, the g itself is heap-allocated and pinned), so the offset read
// is stable for the goroutine's lifetime.
//
//go:nocheckptr
func Goid() int64 {
	if off := goidOffset; off != 0 {
		if g := getg(); g != 0 {
			return *(*int64)(unsafe.Pointer(g + off))
		}
	}
	return goidSlow()
}
