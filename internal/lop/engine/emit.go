// Copyright 2025 The lopprofiler Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Event emission primitives.
//
// Every primitive has the same shape: gate on the enabled flag, resolve the
// caller's buffer, reserve 1-3 consecutive records, store name/metadata/kind,
// and store the timestamps last from a single counter read. Compound events
// synthesize their second and third timestamps as base+1/+5/+10 ticks so the
// viewer orders them without a second hardware read.
//
// Emit never allocates after a goroutine's first touch and never reports
// errors: a record that cannot be placed is dropped. It does not block except
// inside the exhaustion handler of the safer and lossless modes, which takes
// the recovery locks (and in lossless mode waits for a standby block).

package engine

import (
	"github.com/kolkov/lopprofiler/internal/lop/buffer"
	"github.com/kolkov/lopprofiler/internal/lop/timebase"
)

// maxLosslessRetries bounds the reserve-swap-retry loop. Two passes suffice
// in practice (the handler swaps in an empty block); the bound is against a
// writer racing several back-to-back exhaustions.
const maxLosslessRetries = 4

// reserve claims n consecutive records in the caller's buffer, running the
// exhaustion protocol of the configured mode.
func (e *Engine) reserve(n int) (*buffer.Block, int, bool) {
	buf := e.reg.Resolve()
	if buf == nil {
		return nil, 0, false
	}

	switch e.mode {
	case ModeLossless:
		for attempt := 0; attempt < maxLosslessRetries; attempt++ {
			blk := buf.Storage()
			if idx, ok := blk.ReserveShared(n); ok {
				return blk, idx, true
			}
			e.handleExhausted(buf, blk)
		}
		return nil, 0, false

	case ModeSafer:
		blk := buf.Storage()
		if blk.Full(n) {
			// The handler swaps the storage; this emit is dropped, the
			// next one lands in the fresh block.
			e.handleExhausted(buf, blk)
			return nil, 0, false
		}
		idx, ok := blk.ReserveFast(n)
		return blk, idx, ok

	default: // ModeFast: a full buffer drops events, never writes past the end.
		blk := buf.Storage()
		idx, ok := blk.ReserveFast(n)
		return blk, idx, ok
	}
}

// reserveDirect claims records without the exhaustion protocol. Used for the
// engine's own sentinel records, which are emitted with controlMu (and
// during recovery, buffersMu) already held - the exhaustion handler would
// self-deadlock on them.
func (e *Engine) reserveDirect(n int) (*buffer.Block, int, bool) {
	buf := e.reg.Resolve()
	if buf == nil {
		return nil, 0, false
	}
	blk := buf.Storage()
	if e.mode == ModeLossless {
		idx, ok := blk.ReserveShared(n)
		return blk, idx, ok
	}
	idx, ok := blk.ReserveFast(n)
	return blk, idx, ok
}

// emitSentinel places one engine-lifecycle record, bypassing recovery.
func (e *Engine) emitSentinel(name string, meta uint64, kind buffer.Kind) {
	blk, idx, ok := e.reserveDirect(1)
	if !ok {
		return
	}
	ev := &blk.Events[idx]
	ev.Name, ev.Metadata, ev.Kind = name, meta, kind
	ev.Timestamp = timebase.Ticks()
}

// emitOne is the shared single-record body.
func (e *Engine) emitOne(name string, meta uint64, kind buffer.Kind) {
	blk, idx, ok := e.reserve(1)
	if !ok {
		return
	}
	ev := &blk.Events[idx]
	ev.Name, ev.Metadata, ev.Kind = name, meta, kind
	ev.Timestamp = timebase.Ticks()
}

// EmitBegin opens a duration span.
func (e *Engine) EmitBegin(name string) {
	if !e.enabled.Load() {
		return
	}
	e.emitOne(name, 0, buffer.KindCallBegin)
}

// EmitEnd closes the innermost open span with the same name.
func (e *Engine) EmitEnd(name string) {
	if !e.enabled.Load() {
		return
	}
	e.emitOne(name, 0, buffer.KindCallEnd)
}

// EmitEndBegin closes one span and opens the next with a single counter
// read: a cheap separator between two adjacent profiled regions. The begin
// record is stamped one tick after the end record.
func (e *Engine) EmitEndBegin(endName, beginName string) {
	if !e.enabled.Load() {
		return
	}
	blk, idx, ok := e.reserve(2)
	if !ok {
		return
	}
	end, begin := &blk.Events[idx], &blk.Events[idx+1]
	end.Name, end.Metadata, end.Kind = endName, 0, buffer.KindCallEnd
	begin.Name, begin.Metadata, begin.Kind = beginName, 0, buffer.KindCallBegin
	ts := timebase.Ticks()
	end.Timestamp = ts
	begin.Timestamp = ts + 1
}

// EmitImmediate places a zero-width span: begin at ts, end at ts+10 ticks,
// wide enough for the viewer to draw it.
func (e *Engine) EmitImmediate(name string) {
	if !e.enabled.Load() {
		return
	}
	blk, idx, ok := e.reserve(2)
	if !ok {
		return
	}
	begin, end := &blk.Events[idx], &blk.Events[idx+1]
	begin.Name, begin.Metadata, begin.Kind = name, 0, buffer.KindCallBegin
	end.Name, end.Metadata, end.Kind = name, 0, buffer.KindCallEnd
	ts := timebase.Ticks()
	begin.Timestamp = ts
	end.Timestamp = ts + 10
}

// EmitBeginMeta opens a span carrying a 64-bit payload.
func (e *Engine) EmitBeginMeta(name string, meta uint64) {
	if !e.enabled.Load() {
		return
	}
	e.emitOne(name, meta, buffer.KindCallBeginMeta)
}

// EmitEndMeta closes a span carrying a 64-bit payload.
func (e *Engine) EmitEndMeta(name string, meta uint64) {
	if !e.enabled.Load() {
		return
	}
	e.emitOne(name, meta, buffer.KindCallEndMeta)
}

// EmitImmediateMeta places a zero-width meta span.
func (e *Engine) EmitImmediateMeta(name string, meta uint64) {
	if !e.enabled.Load() {
		return
	}
	blk, idx, ok := e.reserve(2)
	if !ok {
		return
	}
	begin, end := &blk.Events[idx], &blk.Events[idx+1]
	begin.Name, begin.Metadata, begin.Kind = name, meta, buffer.KindCallBeginMeta
	end.Name, end.Metadata, end.Kind = name, meta, buffer.KindCallEndMeta
	ts := timebase.Ticks()
	begin.Timestamp = ts
	end.Timestamp = ts + 10
}

// EmitCounter samples an integer time series value.
func (e *Engine) EmitCounter(name string, value uint64) {
	if !e.enabled.Load() {
		return
	}
	e.emitOne(name, value, buffer.KindCounterInt)
}

// EmitFlowStart opens a flow arrow and wraps it in a zero-width meta span so
// the start stays visible on the emitting track: meta-begin at ts, meta-end
// at ts+5, the flow record itself at ts+10. All three carry the flow id.
func (e *Engine) EmitFlowStart(name string, flowID uint64) {
	if !e.enabled.Load() {
		return
	}
	e.emitFlow(name, flowID, buffer.KindFlowStart)
}

// EmitFlowFinish terminates a flow arrow, mirroring EmitFlowStart.
func (e *Engine) EmitFlowFinish(name string, flowID uint64) {
	if !e.enabled.Load() {
		return
	}
	e.emitFlow(name, flowID, buffer.KindFlowFinish)
}

func (e *Engine) emitFlow(name string, flowID uint64, kind buffer.Kind) {
	blk, idx, ok := e.reserve(3)
	if !ok {
		return
	}
	begin, end, flow := &blk.Events[idx], &blk.Events[idx+1], &blk.Events[idx+2]
	begin.Name, begin.Metadata, begin.Kind = name, flowID, buffer.KindCallBeginMeta
	end.Name, end.Metadata, end.Kind = name, flowID, buffer.KindCallEndMeta
	flow.Name, flow.Metadata, flow.Kind = name, flowID, kind
	ts := timebase.Ticks()
	begin.Timestamp = ts
	end.Timestamp = ts + 5
	flow.Timestamp = ts + 10
}
