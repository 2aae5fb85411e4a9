// Copyright 2025 The lopprofiler Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build amd64

package timebase

// Ticks reads the invariant TSC (RDTSC, EDX:EAX composed into one 64-bit
// value). Implemented in tsc_amd64.s.
//
// No serializing instruction is issued: the couple-of-cycles reordering
// window is far below the per-event resolution anyone looks at in a trace,
// and LFENCE would double the cost of every emit.
//
//go:noescape
func Ticks() uint64
