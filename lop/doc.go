// Package lop is an in-process event tracer with nanosecond-scale per-event
// overhead, producing trace files for Perfetto and other Chrome-Trace-Event
// viewers.
//
// Each writer goroutine records into its own append-only buffer resolved
// through a direct-mapped registry; events are stamped with the platform's
// fast monotonic counter and converted to wall time only at flush. The emit
// path performs no I/O, no locking and no allocation beyond a goroutine's
// first event.
//
// # Quick start
//
//	package main
//
//	import "github.com/kolkov/lopprofiler/lop"
//
//	func main() {
//		defer lop.Shutdown()
//		lop.Enable()
//
//		lop.EmitBegin("startup")
//		initialize()
//		lop.EmitEnd("startup")
//
//		for i, job := range jobs {
//			defer lop.Scope("job")()
//			lop.EmitCounter("queue_depth", uint64(len(jobs)-i))
//			run(job)
//		}
//	}
//
// Shutdown (or an explicit Disable followed by Flush) writes
// events_pid<PID>_ts<DURATION_US>.json into the output directory; open it at
// https://ui.perfetto.dev.
//
// # Configuration
//
// The tracer is configured once, at first use, from LOP_* environment
// variables. LOP_DISABLE=1 keeps it dormant with every call a no-op.
// LOP_MODE selects the append protocol:
//
//   - fast: plain single-writer stores; a full buffer drops further events
//   - safer: full buffers are hot-swapped and flushed in the background, so
//     long sessions keep recording; events racing a swap may be lost
//   - lossless: safer plus atomic slot reservation, nothing is ever dropped,
//     at roughly double the per-event cost
//
// LOP_BUFFER_CAPACITY, LOP_OUTPUT_DIR, LOP_CALIBRATION, LOP_FLUSH_WORKERS
// and LOP_LOG_LEVEL tune the rest.
//
// # Flows
//
// Flow events connect work across goroutines: call [EmitFlowStart] where an
// item is handed off and [EmitFlowFinish] where it is picked up, using the
// same id, and the viewer draws the arrow between the tracks.
//
// # API overview
//
//   - Lifecycle: [Enable], [Disable], [Flush], [Shutdown]
//   - Spans: [EmitBegin], [EmitEnd], [EmitEndBegin], [EmitImmediate], [Scope]
//   - Metadata spans: [EmitBeginMeta], [EmitEndMeta], [EmitImmediateMeta], [ScopeMeta]
//   - Series: [EmitCounter]
//   - Flows: [EmitFlowStart], [EmitFlowFinish]
package lop
