// Copyright 2025 The lopprofiler Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package format renders a buffer snapshot set as a Chrome Trace Event JSON
// document, the format Perfetto and chrome://tracing consume.
//
// The formatter is a pure function over snapshotted data: it never touches
// live buffers and performs no synchronization. Span and flow records are
// written in buffer order per writer (the viewers tolerate locally unsorted
// span pairs within one tid); counter records are collected and written in
// globally ascending timestamp order, because the viewers glitch on unsorted
// counters and nothing in their documentation says so.
package format

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/kolkov/lopprofiler/internal/lop/buffer"
)

// tid renders a writer id the way the trace wants it: a hex string.
type tid uint64

func (t tid) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", fmt.Sprintf("%x", uint64(t)))), nil
}

// hex64 renders a 64-bit payload as an unprefixed hex string.
type hex64 uint64

func (h hex64) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", fmt.Sprintf("%x", uint64(h)))), nil
}

// microTS renders a nanosecond offset as microseconds with three sub-µs
// decimals, e.g. 1234ns -> 1.234. Emitted as a bare JSON number.
type microTS uint64

func (ts microTS) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%d.%03d", uint64(ts)/1000, uint64(ts)%1000)), nil
}

// spanEvent covers CallBegin/CallEnd and their meta variants.
type spanEvent struct {
	TID  tid               `json:"tid"`
	PID  int               `json:"pid"`
	TS   microTS           `json:"ts"`
	Name string            `json:"name"`
	Ph   string            `json:"ph"`
	Args map[string]hex64  `json:"args,omitempty"`
}

// flowEvent covers FlowStart/FlowFinish. Perfetto only honors 32-bit flow
// ids, so ID carries the low half while args.flow_id keeps all 64 bits.
type flowEvent struct {
	TID  tid              `json:"tid"`
	PID  int              `json:"pid"`
	TS   microTS          `json:"ts"`
	Name string           `json:"name"`
	Ph   string           `json:"ph"`
	BP   string           `json:"bp"`
	ID   uint32           `json:"id"`
	Args map[string]hex64 `json:"args"`
}

// counterEvent covers CounterInt. Counters have no tid: the viewer renders
// them as one per-process time series.
type counterEvent struct {
	PID  int               `json:"pid"`
	TS   microTS           `json:"ts"`
	Name string            `json:"name"`
	Ph   string            `json:"ph"`
	Args map[string]uint64 `json:"args"`
}

// pendingCounter defers a counter record until the global sort.
type pendingCounter struct {
	ticks uint64
	ns    microTS
	name  string
	value uint64
}

// Write renders the snapshots to w.
//
// ticksPerNS converts raw tick deltas (against the earliest record across
// all snapshots) to nanoseconds. Returns the number of records written. An
// unknown record kind aborts the invocation with an error; the output is
// truncated at that point.
func Write(w io.Writer, snaps []buffer.Snapshot, ticksPerNS float64, pid int) (int, error) {
	if ticksPerNS <= 0 {
		return 0, fmt.Errorf("format: invalid ticks-per-ns ratio %f", ticksPerNS)
	}

	base := uint64(math.MaxUint64)
	for _, s := range snaps {
		for i := range s.Events {
			if ts := s.Events[i].Timestamp; ts != 0 && ts < base {
				base = ts
			}
		}
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("{\"displayTimeUnit\": \"ns\", \"traceEvents\": [\n"); err != nil {
		return 0, err
	}

	toNS := func(ticks uint64) microTS {
		return microTS(float64(ticks-base) / ticksPerNS)
	}

	emit := func(v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := bw.Write(raw); err != nil {
			return err
		}
		_, err = bw.WriteString(",\n")
		return err
	}

	var counters []pendingCounter
	count := 0

	for _, s := range snaps {
		writer := tid(uint64(s.Goid))
		for i := range s.Events {
			ev := &s.Events[i]
			if ev.Timestamp == 0 {
				// Reserved but never stamped: a straggler caught by a
				// recovery snapshot. Nothing usable to render.
				continue
			}

			switch ev.Kind {
			case buffer.KindCallBegin, buffer.KindCallEnd:
				ph := "B"
				if ev.Kind == buffer.KindCallEnd {
					ph = "E"
				}
				if err := emit(spanEvent{TID: writer, PID: pid, TS: toNS(ev.Timestamp), Name: ev.Name, Ph: ph}); err != nil {
					return count, err
				}

			case buffer.KindCallBeginMeta, buffer.KindCallEndMeta:
				ph, key := "B", "b_meta"
				if ev.Kind == buffer.KindCallEndMeta {
					ph, key = "E", "e_meta"
				}
				if err := emit(spanEvent{
					TID: writer, PID: pid, TS: toNS(ev.Timestamp), Name: ev.Name, Ph: ph,
					Args: map[string]hex64{key: hex64(ev.Metadata)},
				}); err != nil {
					return count, err
				}

			case buffer.KindFlowStart, buffer.KindFlowFinish:
				ph := "s"
				if ev.Kind == buffer.KindFlowFinish {
					ph = "f"
				}
				if err := emit(flowEvent{
					TID: writer, PID: pid, TS: toNS(ev.Timestamp), Name: "flow", Ph: ph, BP: "e",
					ID:   uint32(ev.Metadata),
					Args: map[string]hex64{"flow_id": hex64(ev.Metadata)},
				}); err != nil {
					return count, err
				}

			case buffer.KindCounterInt:
				counters = append(counters, pendingCounter{
					ticks: ev.Timestamp,
					ns:    toNS(ev.Timestamp),
					name:  ev.Name,
					value: ev.Metadata,
				})

			default:
				return count, fmt.Errorf("format: unknown event kind %d", ev.Kind)
			}
			count++
		}
	}

	sort.SliceStable(counters, func(i, j int) bool { return counters[i].ticks < counters[j].ticks })
	for _, c := range counters {
		if err := emit(counterEvent{
			PID: pid, TS: c.ns, Name: c.name, Ph: "C",
			Args: map[string]uint64{"val": c.value},
		}); err != nil {
			return count, err
		}
	}

	if _, err := bw.WriteString("{}]}"); err != nil {
		return count, err
	}
	return count, bw.Flush()
}
