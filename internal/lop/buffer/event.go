// Copyright 2025 The lopprofiler Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package buffer

// Kind tags an event record with its wire meaning.
//
// The numeric values are stable: the formatter switches on them and the
// recovery path copies records between storage blocks without inspecting them.
type Kind uint32

const (
	// KindCallBegin opens a duration span ("B" phase in the trace).
	KindCallBegin Kind = iota

	// KindCallEnd closes a duration span ("E" phase in the trace).
	KindCallEnd

	// KindCallBeginMeta opens a span carrying a 64-bit payload rendered
	// as the "b_meta" argument.
	KindCallBeginMeta

	// KindCallEndMeta closes a span carrying a 64-bit payload rendered
	// as the "e_meta" argument.
	KindCallEndMeta

	// KindCounterInt samples an integer value ("C" phase). The value
	// travels in Metadata.
	KindCounterInt

	// KindFlowStart opens a flow arrow ("s" phase). The flow id travels
	// in Metadata.
	KindFlowStart

	// KindFlowFinish terminates a flow arrow ("f" phase).
	KindFlowFinish
)

// String returns the tag name, for diagnostics only.
func (k Kind) String() string {
	switch k {
	case KindCallBegin:
		return "call_begin"
	case KindCallEnd:
		return "call_end"
	case KindCallBeginMeta:
		return "call_begin_meta"
	case KindCallEndMeta:
		return "call_end_meta"
	case KindCounterInt:
		return "counter_int"
	case KindFlowStart:
		return "flow_start"
	case KindFlowFinish:
		return "flow_finish"
	}
	return "unknown"
}

// Event is a single fixed-size observation in a per-writer buffer.
//
// Appending one record is a handful of stores; the emit path fills Name,
// Metadata and Kind first and stores Timestamp last, so a record with a
// non-zero timestamp is complete.
//
// Name is the caller-supplied event label. The engine never copies the
// bytes; storing the string header in the record is what keeps them alive
// for the garbage collector, so the original's "pointer must outlive the
// next flush" contract needs no caller cooperation here.
//
// Writer identity is deliberately NOT part of the record - it is an
// attribute of the buffer the record came from. That halves the per-event
// stores compared to stamping every record.
type Event struct {
	// Timestamp is the raw tick value captured at emission. Converted to
	// nanoseconds only at flush time, using the calibrated ratio.
	Timestamp uint64

	// Name labels the event in the trace.
	Name string

	// Metadata is a 64-bit payload whose meaning depends on Kind:
	// user metadata for meta spans, the sampled value for counters,
	// the flow id for flow records.
	Metadata uint64

	// Kind selects the record's wire meaning.
	Kind Kind
}
