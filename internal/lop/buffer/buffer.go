// Copyright 2025 The lopprofiler Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package buffer implements the per-writer append-only event store.
//
// Each writer goroutine owns exactly one Buffer; all emit primitives append
// to it through the reservation helpers on Block. The write cursor lives
// inside the storage block so that a recovery hot-swap (installing a fresh
// block while the old one is handed to the background flusher) replaces the
// cursor and the storage as one atomic unit. A writer that raced the swap
// keeps appending to the block it already resolved; its stragglers land past
// the snapshot clamp and are dropped, never lost into the new block.
package buffer

import "sync/atomic"

// DefaultCapacity is the number of records per storage block when the
// configuration does not override it: 4M records, roughly 32 ms of headroom
// at the maximum sustained emit rate.
const DefaultCapacity = 1 << 22

// Block is one contiguous storage region plus its write cursor.
//
// The cursor counts reserved records, not written ones; the emit path stores
// timestamps last, so readers treat a zero timestamp below the cursor as a
// straggling in-flight record. The cursor may exceed len(Events) after a
// failed shared reservation - readers must clamp.
type Block struct {
	next   atomic.Uint64
	Events []Event
}

// NewBlock allocates a storage block of the given capacity.
func NewBlock(capacity int) *Block {
	return &Block{Events: make([]Event, capacity)}
}

// ReserveFast claims n consecutive records for the single owning writer.
//
// Load+store, no lock prefix. Safe only while exactly one goroutine appends
// to this block; the hot-swap path never touches a block's cursor, it
// replaces the whole block.
//
// Returns the starting index and false when the block cannot hold n more
// records (nothing is reserved in that case).
//
//go:nosplit
func (b *Block) ReserveFast(n int) (int, bool) {
	idx := b.next.Load()
	if idx+uint64(n) > uint64(len(b.Events)) {
		return 0, false
	}
	b.next.Store(idx + uint64(n))
	return int(idx), true
}

// ReserveShared claims n consecutive records with an atomic fetch-and-add,
// allowing the lossless recovery path to run without quiescing writers.
//
// On overflow the reservation is abandoned (the cursor stays past the end,
// which readers clamp) and ok is false; the caller is expected to run the
// exhaustion handler and retry against the swapped-in block.
//
//go:nosplit
func (b *Block) ReserveShared(n int) (int, bool) {
	end := b.next.Add(uint64(n))
	if end > uint64(len(b.Events)) {
		return 0, false
	}
	return int(end) - n, true
}

// Len returns the number of occupied records, clamped to capacity.
func (b *Block) Len() int {
	n := b.next.Load()
	if n > uint64(len(b.Events)) {
		return len(b.Events)
	}
	return int(n)
}

// Cap returns the block capacity in records.
func (b *Block) Cap() int { return len(b.Events) }

// Full reports whether the block cannot hold n more records.
func (b *Block) Full(n int) bool {
	return b.next.Load()+uint64(n) > uint64(len(b.Events))
}

// Reset rewinds the cursor. Callers must hold the writer quiesced (after a
// flush snapshot or under the recovery locks).
func (b *Block) Reset() { b.next.Store(0) }

// Buffer is the per-writer event store: the current storage block, the
// pre-allocated standby block used by recovery mode, and the immutable
// writer identity captured at creation.
type Buffer struct {
	storage atomic.Pointer[Block]
	standby atomic.Pointer[Block]

	goid  int64
	osTID int
}

// Snapshot is a consistent view of one buffer taken under the control locks:
// the occupied prefix of a storage block plus the writer identity the
// formatter renders as the trace tid.
type Snapshot struct {
	Events []Event
	Goid   int64
}

// New creates a buffer owned by the goroutine with the given id.
//
// osTID is the kernel thread the owner happened to run on at creation,
// recorded for diagnostics only (goroutines migrate). withStandby
// pre-allocates the recovery block so the hot-swap path never allocates.
func New(goid int64, osTID, capacity int, withStandby bool) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Buffer{goid: goid, osTID: osTID}
	b.storage.Store(NewBlock(capacity))
	if withStandby {
		b.standby.Store(NewBlock(capacity))
	}
	return b
}

// Storage returns the current storage block.
//
//go:nosplit
func (b *Buffer) Storage() *Block { return b.storage.Load() }

// Standby returns the pre-allocated recovery block, or nil when it has not
// been replenished since the last swap.
func (b *Buffer) Standby() *Block { return b.standby.Load() }

// SetStandby installs a fresh recovery block. Called by the scheduler after
// each exhaustion, under the buffers lock.
func (b *Buffer) SetStandby(blk *Block) { b.standby.Store(blk) }

// SwapToStandby substitutes the standby block for the current storage and
// clears the standby slot. Returns the displaced block, or ok=false when no
// standby is available (the swap is skipped and the buffer keeps its full
// block). Callers must hold the recovery locks.
func (b *Buffer) SwapToStandby() (old *Block, ok bool) {
	fresh := b.standby.Load()
	if fresh == nil {
		return nil, false
	}
	old = b.storage.Load()
	b.storage.Store(fresh)
	b.standby.Store(nil)
	return old, true
}

// Snapshot captures the occupied prefix of the current block.
func (b *Buffer) Snapshot() Snapshot {
	blk := b.storage.Load()
	return Snapshot{Events: blk.Events[:blk.Len()], Goid: b.goid}
}

// Reset rewinds the current block's cursor; valid only while the owner is
// quiesced.
func (b *Buffer) Reset() { b.storage.Load().Reset() }

// Goid returns the owning goroutine id.
func (b *Buffer) Goid() int64 { return b.goid }

// OSThreadID returns the kernel thread id observed at creation.
func (b *Buffer) OSThreadID() int { return b.osTID }
