package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/lopprofiler/internal/lop/buffer"
)

// ownBuffer returns the calling goroutine's buffer, emitting one throwaway
// record first if needed to force first-touch allocation.
func ownBuffer(t *testing.T, e *Engine) *buffer.Buffer {
	t.Helper()
	b := e.reg.Resolve()
	require.NotNil(t, b)
	return b
}

// tail returns the records appended after mark.
func tail(b *buffer.Buffer, mark int) []buffer.Event {
	blk := b.Storage()
	return blk.Events[mark:blk.Len()]
}

func TestEmitShapes(t *testing.T) {
	type record struct {
		kind   buffer.Kind
		name   string
		meta   uint64
		offset uint64 // timestamp offset from the first record of the call
	}

	tests := []struct {
		name string
		emit func(e *Engine)
		want []record
	}{
		{
			name: "begin",
			emit: func(e *Engine) { e.EmitBegin("b") },
			want: []record{{buffer.KindCallBegin, "b", 0, 0}},
		},
		{
			name: "end",
			emit: func(e *Engine) { e.EmitEnd("e") },
			want: []record{{buffer.KindCallEnd, "e", 0, 0}},
		},
		{
			name: "endbegin",
			emit: func(e *Engine) { e.EmitEndBegin("prev", "next") },
			want: []record{
				{buffer.KindCallEnd, "prev", 0, 0},
				{buffer.KindCallBegin, "next", 0, 1},
			},
		},
		{
			name: "immediate",
			emit: func(e *Engine) { e.EmitImmediate("i") },
			want: []record{
				{buffer.KindCallBegin, "i", 0, 0},
				{buffer.KindCallEnd, "i", 0, 10},
			},
		},
		{
			name: "begin_meta",
			emit: func(e *Engine) { e.EmitBeginMeta("bm", 0xAA) },
			want: []record{{buffer.KindCallBeginMeta, "bm", 0xAA, 0}},
		},
		{
			name: "end_meta",
			emit: func(e *Engine) { e.EmitEndMeta("em", 0xBB) },
			want: []record{{buffer.KindCallEndMeta, "em", 0xBB, 0}},
		},
		{
			name: "immediate_meta",
			emit: func(e *Engine) { e.EmitImmediateMeta("im", 0xCC) },
			want: []record{
				{buffer.KindCallBeginMeta, "im", 0xCC, 0},
				{buffer.KindCallEndMeta, "im", 0xCC, 10},
			},
		},
		{
			name: "counter",
			emit: func(e *Engine) { e.EmitCounter("c", 77) },
			want: []record{{buffer.KindCounterInt, "c", 77, 0}},
		},
		{
			name: "flow_start",
			emit: func(e *Engine) { e.EmitFlowStart("fs", 0x11) },
			want: []record{
				{buffer.KindCallBeginMeta, "fs", 0x11, 0},
				{buffer.KindCallEndMeta, "fs", 0x11, 5},
				{buffer.KindFlowStart, "fs", 0x11, 10},
			},
		},
		{
			name: "flow_finish",
			emit: func(e *Engine) { e.EmitFlowFinish("ff", 0x22) },
			want: []record{
				{buffer.KindCallBeginMeta, "ff", 0x22, 0},
				{buffer.KindCallEndMeta, "ff", 0x22, 5},
				{buffer.KindFlowFinish, "ff", 0x22, 10},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, nil)
			e.Enable()
			b := ownBuffer(t, e)
			mark := b.Storage().Len()

			tt.emit(e)

			got := tail(b, mark)
			require.Len(t, got, len(tt.want), "record count")
			base := got[0].Timestamp
			for i, want := range tt.want {
				assert.Equal(t, want.kind, got[i].Kind, "record %d kind", i)
				assert.Equal(t, want.name, got[i].Name, "record %d name", i)
				assert.Equal(t, want.meta, got[i].Metadata, "record %d metadata", i)
				assert.Equal(t, base+want.offset, got[i].Timestamp, "record %d timestamp offset", i)
			}
		})
	}
}

func TestEmitGatedWhenDisabled(t *testing.T) {
	e := newTestEngine(t, nil)

	// Never enabled: everything drops, no buffer is even allocated.
	e.EmitBegin("x")
	e.EmitCounter("x", 1)
	e.EmitFlowStart("x", 1)

	e.buffersMu.Lock()
	defer e.buffersMu.Unlock()
	assert.Empty(t, e.buffers, "gated emits must not touch the registry")
}

func TestEmitAppendOrdering(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.BufferCapacity = 4096 })
	e.Enable()
	b := ownBuffer(t, e)
	mark := b.Storage().Len()

	const n = 2000
	for i := 0; i < n; i++ {
		e.EmitBegin("tick")
	}

	got := tail(b, mark)
	require.Len(t, got, n)
	for i := 1; i < n; i++ {
		require.GreaterOrEqual(t, got[i].Timestamp, got[i-1].Timestamp,
			"timestamps must not regress within one writer (record %d)", i)
	}
}

func TestEmitNamePreserved(t *testing.T) {
	e := newTestEngine(t, nil)
	e.Enable()
	b := ownBuffer(t, e)
	mark := b.Storage().Len()

	const stable = "image_decode"
	e.EmitBegin(stable)

	got := tail(b, mark)
	require.Len(t, got, 1)
	assert.Equal(t, stable, got[0].Name, "names are stored, never copied or rewritten")
}

func TestFastModeDropsWhenFull(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.BufferCapacity = 8 })
	e.Enable() // sentinels take 2 slots

	for i := 0; i < 20; i++ {
		e.EmitBegin("x")
	}

	b := ownBuffer(t, e)
	assert.Equal(t, 8, b.Storage().Len(), "fast mode must stop at capacity")
}

func TestMultiRecordEmitNeverStraddlesCapacity(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.BufferCapacity = 9 })
	e.Enable() // 2 sentinel records

	e.EmitFlowStart("f", 1) // 3 records -> 5
	e.EmitFlowStart("f", 2) // 3 records -> 8
	e.EmitFlowStart("f", 3) // needs 3, only 1 left: dropped whole

	b := ownBuffer(t, e)
	got := b.Storage().Len()
	assert.Equal(t, 8, got, "a compound emit is all-or-nothing")
}
