// Copyright 2025 The lopprofiler Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package engine ties the tracer together: the emit primitives writing into
// per-goroutine buffers, the enable/disable/flush controller, and the
// buffer-exhaustion recovery scheduler.
//
// One Engine instance serves the whole process (the lop facade owns it);
// independent instances exist only in tests.
//
// Lock order, everywhere: exhaustionMu -> controlMu -> buffersMu. Flush
// never takes exhaustionMu; it waits for in-flight recovery flushes through
// the activeExhaustions counter instead.
package engine

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kolkov/lopprofiler/internal/lop/buffer"
	"github.com/kolkov/lopprofiler/internal/lop/format"
	"github.com/kolkov/lopprofiler/internal/lop/registry"
	"github.com/kolkov/lopprofiler/internal/lop/timebase"
)

// Mode selects the append protocol.
type Mode int

const (
	// ModeFast appends with plain stores and no exhaustion recovery: when a
	// buffer fills, further events from that writer are dropped. Cheapest.
	ModeFast Mode = iota

	// ModeSafer adds exhaustion recovery: a full buffer triggers a hot-swap
	// under a short writer quiescence window. Events racing the swap may
	// drop.
	ModeSafer

	// ModeLossless reserves slots with atomic fetch-and-add so the swap
	// needs no quiescence and no event is ever dropped, at roughly double
	// the per-event cost.
	ModeLossless
)

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "fast":
		return ModeFast, nil
	case "safer":
		return ModeSafer, nil
	case "lossless":
		return ModeLossless, nil
	}
	return ModeFast, fmt.Errorf("engine: unknown mode %q", s)
}

// Config carries the engine construction parameters. Zero values fall back
// to production defaults.
type Config struct {
	// Disabled keeps the engine dormant; every operation is a no-op.
	Disabled bool

	Mode           Mode
	BufferCapacity int
	OutputDir      string

	// Calibration is the startup frequency-estimation sleep.
	Calibration time.Duration

	// SchedulerInterval is the recovery scheduler polling period. The
	// default 5ms stays comfortably ahead of the ~32ms worst-case gap
	// between exhaustions of a 4M-record buffer at peak emit rate.
	SchedulerInterval time.Duration

	// FlushWorkers bounds concurrent background trace writers.
	FlushWorkers int

	Logger *zap.Logger
}

// Engine is the process-wide tracer instance.
type Engine struct {
	log  *zap.Logger
	mode Mode
	cfg  Config
	pid  int

	// enabled gates every emit. A plain atomic load on the hot path; a
	// transition missed by a concurrent emit costs at most a handful of
	// spurious or missing events around enable/disable, which the sentinel
	// records bracket anyway.
	enabled atomic.Bool

	// running is false when the engine is dormant (LOP_DISABLE).
	// Immutable after New.
	running bool

	controlMu sync.Mutex
	flushed   bool

	tscEnable   uint64
	tscDisable  uint64
	timeEnable  time.Time
	timeDisable time.Time

	// timeEnableNS duplicates timeEnable for lock-free reads from the
	// background exhaustion writers (they must not touch controlMu: flush
	// holds it while waiting for them to drain).
	timeEnableNS atomic.Int64

	// ticksPerNS as float bits; read by formatter invocations on several
	// goroutines, refined at flush time.
	ticksPerNS atomic.Uint64

	buffersMu sync.Mutex
	buffers   []*buffer.Buffer

	reg *registry.Registry

	// Recovery machinery (safer/lossless modes).
	exhaustionMu      sync.Mutex
	exhaustQ          chan exhaustBatch
	exhaustSeq        atomic.Uint64
	activeExhaustions atomic.Int64
	flushSem          *semaphore.Weighted
	stop              chan struct{}
	stopOnce          sync.Once
	schedulerDone     sync.WaitGroup
}

// New constructs an engine: loads defaults, runs the startup calibration,
// and in the recovery modes starts the background scheduler.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = buffer.DefaultCapacity
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if cfg.Calibration <= 0 {
		cfg.Calibration = 200 * time.Millisecond
	}
	if cfg.SchedulerInterval <= 0 {
		cfg.SchedulerInterval = 5 * time.Millisecond
	}
	if cfg.FlushWorkers <= 0 {
		cfg.FlushWorkers = 4
	}

	e := &Engine{
		log:      cfg.Logger,
		mode:     cfg.Mode,
		cfg:      cfg,
		pid:      os.Getpid(),
		flushed:  true, // nothing recorded yet
		exhaustQ: make(chan exhaustBatch, 64),
		flushSem: semaphore.NewWeighted(int64(cfg.FlushWorkers)),
		stop:     make(chan struct{}),
	}
	e.reg = registry.New(e.allocBuffer, cfg.Logger)

	if cfg.Disabled {
		e.log.Info("tracer disabled via environment; all operations are no-ops")
		return e
	}

	ratio := timebase.Estimate(cfg.Calibration)
	e.setTicksPerNS(ratio)
	e.log.Info("estimated counter frequency",
		zap.Float64("ticks_per_ns", ratio),
		zap.Duration("calibration", cfg.Calibration))

	e.running = true

	if e.mode != ModeFast {
		e.schedulerDone.Add(1)
		go e.schedulerLoop()
	}
	return e
}

// allocBuffer is the registry's first-touch constructor. Registers the new
// buffer with the flush list.
func (e *Engine) allocBuffer(goid int64) *buffer.Buffer {
	buf := buffer.New(goid, osThreadID(), e.cfg.BufferCapacity, e.mode != ModeFast)
	if buf == nil {
		e.log.Warn("could not allocate event buffer", zap.Int64("goid", goid))
		return nil
	}
	e.buffersMu.Lock()
	e.buffers = append(e.buffers, buf)
	e.buffersMu.Unlock()
	e.log.Debug("event buffer allocated",
		zap.Int64("goid", goid),
		zap.Int("os_tid", buf.OSThreadID()),
		zap.Int("capacity", buf.Storage().Cap()))
	return buf
}

// Enable transitions the engine to the active state. Already-enabled and
// dormant engines are no-ops. The lop_engine_enable sentinel pair anchors
// the session in wall-clock time: its end record carries the UNIX nanosecond
// timestamp as metadata.
func (e *Engine) Enable() {
	e.controlMu.Lock()
	defer e.controlMu.Unlock()
	if !e.running || e.enabled.Load() {
		return
	}

	e.flushed = false
	e.enabled.Store(true)

	e.emitSentinel("lop_engine_enable", 0, buffer.KindCallBegin)
	now := time.Now()
	e.timeEnable = now
	e.timeEnableNS.Store(now.UnixNano())
	e.tscEnable = timebase.Ticks()
	e.emitSentinel("lop_engine_enable", uint64(now.UnixNano()), buffer.KindCallEndMeta)

	e.log.Info("tracing enabled")
}

// Disable clears the active flag after emitting the lop_engine_disable
// sentinel pair. Writers are not quiesced: an in-flight emit completes
// normally, later ones observe the flag.
func (e *Engine) Disable() {
	e.controlMu.Lock()
	defer e.controlMu.Unlock()
	if !e.running || !e.enabled.Load() {
		return
	}

	e.emitSentinel("lop_engine_disable", 0, buffer.KindCallBegin)
	e.tscDisable = timebase.Ticks()
	now := time.Now()
	e.timeDisable = now
	e.emitSentinel("lop_engine_disable", uint64(now.UnixNano()), buffer.KindCallEndMeta)

	e.enabled.Store(false)
	e.log.Info("tracing disabled", zap.Duration("session", now.Sub(e.timeEnable)))
}

// Flush snapshots every live buffer, resets the write cursors and renders
// the snapshot to a trace file. Refused (logged, no effect) while enabled or
// when nothing was recorded since the previous flush. Waits for background
// recovery flushes to drain before touching the buffers.
func (e *Engine) Flush(suffix string) {
	e.controlMu.Lock()
	defer e.controlMu.Unlock()
	if !e.running {
		return
	}
	if e.enabled.Load() {
		e.log.Warn("flush requested while tracing is enabled; ignoring")
		return
	}
	if e.flushed {
		e.log.Warn("flush requested but the session is already flushed; ignoring")
		return
	}

	e.waitRecoveryDrain()

	var snaps []buffer.Snapshot
	total := 0
	e.buffersMu.Lock()
	for _, b := range e.buffers {
		s := b.Snapshot()
		occupancy := len(s.Events)
		capacity := b.Storage().Cap()
		e.log.Info("buffer occupancy",
			zap.Int64("goid", s.Goid),
			zap.Int("events", occupancy),
			zap.Int("capacity", capacity),
			zap.Int("percent", occupancy*100/capacity))
		total += occupancy
		snaps = append(snaps, s)
		b.Reset()
	}
	e.buffersMu.Unlock()

	e.flushed = true
	e.log.Info("flush", zap.Int("total_events", total), zap.String("suffix", suffix))
	if total == 0 {
		return
	}

	elapsed := e.timeDisable.Sub(e.timeEnable)
	if elapsed > time.Second {
		// The session itself is a longer calibration interval than the
		// startup estimate; the measured ratio is strictly better.
		if ratio := timebase.Ratio(e.tscDisable-e.tscEnable, elapsed); ratio > 0 {
			e.setTicksPerNS(ratio)
			e.log.Info("long session; re-estimated counter frequency over the full run",
				zap.Float64("ticks_per_ns", ratio))
		}
	}

	name := traceFileName(e.pid, elapsed, suffix)
	if n, err := e.writeTrace(name, snaps); err != nil {
		e.log.Error("flush failed", zap.String("file", name), zap.Error(err))
	} else {
		e.log.Info("trace written", zap.String("file", name), zap.Int("events", n))
	}
}

// Close shuts the engine down: disable, final flush if anything is pending,
// stop the recovery scheduler. Safe to call more than once.
func (e *Engine) Close() {
	e.Disable()

	e.controlMu.Lock()
	pending := e.running && !e.flushed
	e.controlMu.Unlock()
	if pending {
		e.Flush("")
	}

	e.stopOnce.Do(func() { close(e.stop) })
	e.schedulerDone.Wait()
}

// waitRecoveryDrain blocks until all queued and in-flight exhaustion flushes
// completed. Caller holds controlMu, which is why the background writers
// never take it.
func (e *Engine) waitRecoveryDrain() {
	for e.activeExhaustions.Load() > 0 {
		time.Sleep(time.Millisecond)
	}
}

// writeTrace renders snaps into OutputDir/name.
func (e *Engine) writeTrace(name string, snaps []buffer.Snapshot) (int, error) {
	path := filepath.Join(e.cfg.OutputDir, name)
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := format.Write(f, snaps, e.TicksPerNS(), e.pid)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// TicksPerNS returns the current calibration ratio.
func (e *Engine) TicksPerNS() float64 {
	return math.Float64frombits(e.ticksPerNS.Load())
}

func (e *Engine) setTicksPerNS(v float64) {
	e.ticksPerNS.Store(math.Float64bits(v))
}

// traceFileName assembles the output file name. Path separators smuggled in
// through the suffix are flattened so the file always lands in OutputDir.
func traceFileName(pid int, elapsed time.Duration, suffix string) string {
	name := fmt.Sprintf("events_pid%d_ts%d", pid, elapsed.Microseconds())
	if suffix != "" {
		name += "_" + suffix
	}
	name += ".json"
	return strings.NewReplacer("/", "_", "\\", "_").Replace(name)
}
