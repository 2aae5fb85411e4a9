// Copyright 2025 The lopprofiler Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry maps writer goroutines to their event buffers.
//
// Resolve is on the hot path of every emit, so the mapping is a 65536-slot
// direct-mapped table indexed by the low bits of the goroutine id, with
// bounded linear probing when two goroutines land on the same slot. A hit
// costs the goid read plus one or two dependent loads; only the first access
// from a goroutine pays for allocation.
//
// Entries are never evicted: Go has no goroutine-exit hook, and reclaiming a
// buffer before the next flush would silently drop its records. Buffers are
// reset (not freed) at flush time, so a profiling session's footprint is
// bounded by the number of distinct writer goroutines.
package registry

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kolkov/lopprofiler/internal/lop/buffer"
)

const (
	slotBits  = 16
	slotCount = 1 << slotBits
	slotMask  = slotCount - 1

	// maxProbe bounds the linear scan on collision. Goroutine ids are
	// allocated sequentially, so clustering beyond a few slots means the
	// table is effectively saturated and further probing just burns the
	// hot path.
	maxProbe = 64
)

// entry binds one goroutine to its buffer. Immutable after publication.
type entry struct {
	goid int64
	buf  *buffer.Buffer
}

// AllocFunc creates and registers a buffer for a first-touch goroutine.
// A nil return (allocation refused/failed) leaves the slot empty; the
// goroutine's emits become no-ops and the next emit will retry.
type AllocFunc func(goid int64) *buffer.Buffer

// Registry is the goid → buffer table.
type Registry struct {
	slots [slotCount]atomic.Pointer[entry]

	alloc AllocFunc
	log   *zap.Logger

	probeWarn sync.Once
}

// New creates a registry that allocates buffers through alloc.
func New(alloc AllocFunc, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{alloc: alloc, log: log}
}

// Resolve returns the calling goroutine's buffer, allocating on first touch.
// Returns nil when allocation failed or the probe window is saturated; the
// caller drops the event.
func (r *Registry) Resolve() *buffer.Buffer {
	return r.resolve(Goid())
}

// resolve is the goid-parameterized body, split out so collision handling is
// testable with synthetic ids.
func (r *Registry) resolve(goid int64) *buffer.Buffer {
	h := uint32(uint64(goid)) & slotMask

	var fresh *buffer.Buffer
	for i := uint32(0); i < maxProbe; i++ {
		slot := &r.slots[(h+i)&slotMask]
		e := slot.Load()
		if e == nil {
			if fresh == nil {
				fresh = r.alloc(goid)
				if fresh == nil {
					return nil
				}
			}
			if slot.CompareAndSwap(nil, &entry{goid: goid, buf: fresh}) {
				return fresh
			}
			// Lost the publication race; reload and fall through to
			// the ownership check, keeping fresh for the next slot.
			e = slot.Load()
		}
		if e.goid == goid {
			return e.buf
		}
	}

	r.probeWarn.Do(func() {
		r.log.Warn("buffer registry probe window saturated; dropping events",
			zap.Int64("goid", goid),
			zap.Int("max_probe", maxProbe))
	})
	return nil
}
