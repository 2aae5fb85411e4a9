// Copyright 2025 The lopprofiler Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Buffer-exhaustion recovery: the hot-swap protocol run on the signaling
// writer, and the background scheduler that replenishes standby blocks and
// writes exhausted snapshots to disk.

package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kolkov/lopprofiler/internal/lop/buffer"
	"github.com/kolkov/lopprofiler/internal/lop/timebase"
)

// quiescenceWindow is how long the non-lossless swap waits, spinning on the
// tick counter, for in-flight writers to leave the emit procedure after the
// enabled flag is cleared.
const quiescenceWindow = 2 * time.Microsecond

// exhaustBatch is one hot-swap's worth of displaced storage, queued for the
// background writer. The snapshots keep the displaced blocks alive until the
// trace file is written; dropping the batch releases the memory.
type exhaustBatch struct {
	seq   uint64
	snaps []buffer.Snapshot
}

// handleExhausted runs the hot-swap protocol on the writer that found its
// buffer full.
//
// In safer mode the exhaustion mutex is try-locked: a writer that finds it
// contended leaves recovery to the holder and drops its event. In lossless
// mode it blocks, and the handler additionally waits for the standby block
// to be replenished, so the retrying emit always finds room.
//
// Lock order: exhaustionMu -> controlMu -> buffersMu.
func (e *Engine) handleExhausted(buf *buffer.Buffer, full *buffer.Block) {
	lossless := e.mode == ModeLossless
	if lossless {
		e.exhaustionMu.Lock()
	} else if !e.exhaustionMu.TryLock() {
		return
	}
	defer e.exhaustionMu.Unlock()

	for {
		e.controlMu.Lock()
		e.buffersMu.Lock()
		if buf.Storage() != full {
			// Another actor already swapped the signaling buffer while we
			// waited for the locks; nothing to do.
			e.buffersMu.Unlock()
			e.controlMu.Unlock()
			return
		}
		if !lossless || buf.Standby() != nil {
			break
		}
		// Lossless: a swap now would have nothing to install. Wait for the
		// scheduler to replenish the standby, without holding the locks it
		// needs.
		e.buffersMu.Unlock()
		e.controlMu.Unlock()
		time.Sleep(e.cfg.SchedulerInterval)
	}

	wasEnabled := e.enabled.Load()
	batch := exhaustBatch{seq: e.exhaustSeq.Add(1)}
	swapped, skipped := 0, 0

	if lossless {
		// Only the signaling buffer is swapped: its owner is right here in
		// the handler, so the snapshot cannot race a reservation. Other
		// writers keep appending atomically and run their own recovery when
		// they fill up. Swapping them from this goroutine would race the
		// window between their storage load and their fetch-and-add.
		if old, ok := buf.SwapToStandby(); ok {
			batch.snaps = append(batch.snaps, buffer.Snapshot{
				Events: old.Events[:old.Len()],
				Goid:   buf.Goid(),
			})
			swapped++
		} else {
			skipped++
		}
	} else {
		// Stop new emits and give in-flight ones a moment to finish their
		// stores, then swap every occupied buffer in one sweep. Writers
		// racing this window lose their records.
		e.enabled.Store(false)
		timebase.SpinWait(e.TicksPerNS(), quiescenceWindow)

		for _, b := range e.buffers {
			if b.Storage().Len() == 0 {
				continue // idle writer; keep its standby for later
			}
			old, ok := b.SwapToStandby()
			if !ok {
				// Standby not replenished since the previous exhaustion:
				// this buffer stays full and its writer keeps dropping.
				// Best effort.
				skipped++
				continue
			}
			batch.snaps = append(batch.snaps, buffer.Snapshot{
				Events: old.Events[:old.Len()],
				Goid:   b.Goid(),
			})
			swapped++
		}

		if wasEnabled {
			e.enabled.Store(true)
		}
	}

	// Anchor the fresh segment in wall time, mirroring the enable sentinel.
	wall := time.Now()
	e.emitSentinel("lop_engine_recovery", 0, buffer.KindCallBegin)
	e.emitSentinel("lop_engine_recovery", uint64(wall.UnixNano()), buffer.KindCallEndMeta)

	if len(batch.snaps) > 0 {
		e.activeExhaustions.Add(1)
		select {
		case e.exhaustQ <- batch:
		default:
			// The scheduler is hopelessly behind; dropping the batch keeps
			// writers alive at the cost of these records.
			e.activeExhaustions.Add(-1)
			e.log.Warn("recovery queue full; dropping exhausted snapshot",
				zap.Uint64("seq", batch.seq))
		}
	}

	e.log.Info("buffer exhaustion handled",
		zap.Uint64("seq", batch.seq),
		zap.Int("swapped", swapped),
		zap.Int("skipped", skipped))

	e.buffersMu.Unlock()
	e.controlMu.Unlock()
}

// schedulerLoop is the dedicated recovery goroutine: replenish standby
// blocks, then hand queued snapshots to the bounded writer pool. The 5ms
// default period stays well ahead of the ~32ms worst-case interval between
// exhaustions of a 4M-record buffer at peak emit rate.
func (e *Engine) schedulerLoop() {
	defer e.schedulerDone.Done()

	ticker := time.NewTicker(e.cfg.SchedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.replenishStandby()
			e.dispatchExhausted()
		}
	}
}

// replenishStandby restocks every buffer whose standby block was consumed by
// a swap. Allocation happens here, on the scheduler, never on the emit path.
func (e *Engine) replenishStandby() {
	e.buffersMu.Lock()
	defer e.buffersMu.Unlock()
	for _, b := range e.buffers {
		if b.Standby() == nil {
			b.SetStandby(buffer.NewBlock(e.cfg.BufferCapacity))
		}
	}
}

// dispatchExhausted drains the queue, spawning one bounded writer per batch.
func (e *Engine) dispatchExhausted() {
	for {
		select {
		case batch := <-e.exhaustQ:
			go e.writeExhausted(batch)
		default:
			return
		}
	}
}

// writeExhausted renders one displaced snapshot set to its exh_<N> file.
// Runs off the hot path under the writer-pool semaphore; must not touch
// controlMu (flush holds it while draining us).
func (e *Engine) writeExhausted(batch exhaustBatch) {
	defer e.activeExhaustions.Add(-1)

	if err := e.flushSem.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer e.flushSem.Release(1)

	var elapsed time.Duration
	if ns := e.timeEnableNS.Load(); ns > 0 {
		elapsed = time.Since(time.Unix(0, ns))
	}

	name := traceFileName(e.pid, elapsed, fmt.Sprintf("exh_%d", batch.seq))
	if n, err := e.writeTrace(name, batch.snaps); err != nil {
		e.log.Error("exhausted-buffer flush failed",
			zap.String("file", name), zap.Error(err))
	} else {
		e.log.Info("exhausted buffers flushed",
			zap.String("file", name), zap.Int("events", n))
	}
}
