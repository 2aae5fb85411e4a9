// Package lop provides the public API for the low-overhead event tracer.
//
// See doc.go for detailed documentation and examples.
package lop

import (
	"sync"

	"github.com/kolkov/lopprofiler/internal/lop/config"
	"github.com/kolkov/lopprofiler/internal/lop/engine"
	"github.com/kolkov/lopprofiler/internal/lop/logging"
)

var (
	stdOnce sync.Once
	stdEng  *engine.Engine
)

// std returns the process-wide engine, constructing it on first use from the
// LOP_* environment. Construction includes the startup calibration sleep, so
// the first call to any API function pays it once.
func std() *engine.Engine {
	stdOnce.Do(func() {
		cfg := config.Load()
		log := logging.New(cfg.LogLevel)

		mode, err := engine.ParseMode(cfg.Mode)
		if err != nil {
			log.Warn("unknown LOP_MODE; falling back to fast mode")
		}

		stdEng = engine.New(engine.Config{
			Disabled:          cfg.Disable,
			Mode:              mode,
			BufferCapacity:    cfg.BufferCapacity,
			OutputDir:         cfg.OutputDir,
			Calibration:       cfg.Calibration,
			SchedulerInterval: cfg.SchedulerInterval,
			FlushWorkers:      cfg.FlushWorkers,
			Logger:            log,
		})
	})
	return stdEng
}

// Enable starts recording events. A no-op when tracing is already enabled or
// the tracer is disabled via LOP_DISABLE.
func Enable() {
	std().Enable()
}

// Disable stops recording. Emits already in flight on other goroutines
// complete normally; the recorded data stays in the buffers until Flush.
func Disable() {
	std().Disable()
}

// Flush writes everything recorded since the last flush to a trace file
// named events_pid<PID>_ts<DURATION_US>[_<suffix>].json in the configured
// output directory, then rewinds the buffers.
//
// Must be called with tracing disabled; a flush while enabled or a repeated
// flush is refused with a logged warning. The suffix distinguishes multiple
// files from one process session.
func Flush(suffix string) {
	std().Flush(suffix)
}

// Shutdown disables tracing, flushes any pending session and stops the
// background machinery. Call it once on the way out of main:
//
//	func main() {
//		defer lop.Shutdown()
//		lop.Enable()
//		// ...
//	}
func Shutdown() {
	std().Close()
}

// EmitBegin opens a duration span named name on the calling goroutine's
// track. Pair it with EmitEnd of the same name.
func EmitBegin(name string) {
	std().EmitBegin(name)
}

// EmitEnd closes the innermost open span named name.
func EmitEnd(name string) {
	std().EmitEnd(name)
}

// EmitEndBegin closes one span and opens the next with the cost of roughly a
// single event: one timestamp read covers both records. A cheap separator
// between adjacent profiled regions.
func EmitEndBegin(endName, beginName string) {
	std().EmitEndBegin(endName, beginName)
}

// EmitImmediate marks a point in time as a minimal-width span, so it remains
// visible at any zoom level.
func EmitImmediate(name string) {
	std().EmitImmediate(name)
}

// EmitBeginMeta opens a span carrying a 64-bit payload, shown by the viewer
// as the span's b_meta argument.
func EmitBeginMeta(name string, meta uint64) {
	std().EmitBeginMeta(name, meta)
}

// EmitEndMeta closes a span carrying a 64-bit payload (e_meta argument).
func EmitEndMeta(name string, meta uint64) {
	std().EmitEndMeta(name, meta)
}

// EmitImmediateMeta marks a point in time carrying a 64-bit payload.
func EmitImmediateMeta(name string, meta uint64) {
	std().EmitImmediateMeta(name, meta)
}

// EmitCounter samples an integer value; the viewer renders the series named
// name as a time graph.
func EmitCounter(name string, value uint64) {
	std().EmitCounter(name, value)
}

// EmitFlowStart opens a flow arrow identified by flowID. The matching
// EmitFlowFinish may run on any goroutine; viewers draw the connecting
// arrow. Note that Perfetto only distinguishes the low 32 bits of the id;
// all 64 bits are preserved in the event arguments.
func EmitFlowStart(name string, flowID uint64) {
	std().EmitFlowStart(name, flowID)
}

// EmitFlowFinish terminates the flow arrow identified by flowID.
func EmitFlowFinish(name string, flowID uint64) {
	std().EmitFlowFinish(name, flowID)
}

// Scope opens a span and returns the closure that closes it, for use with
// defer:
//
//	func decode(r io.Reader) error {
//		defer lop.Scope("decode")()
//		// ...
//	}
func Scope(name string) func() {
	e := std()
	e.EmitBegin(name)
	return func() { e.EmitEnd(name) }
}

// ScopeMeta is Scope with a 64-bit payload attached to the opening record.
func ScopeMeta(name string, meta uint64) func() {
	e := std()
	e.EmitBeginMeta(name, meta)
	return func() { e.EmitEnd(name) }
}
