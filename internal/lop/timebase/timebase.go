// Copyright 2025 The lopprofiler Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package timebase reads the platform's fast monotonic tick counter and
// estimates how many ticks elapse per nanosecond.
//
// On amd64 the counter is the invariant TSC read with a short assembly stub
// (RDTSC plus the shift/or that joins EDX:EAX, ~5ns). Elsewhere it is the runtime's monotonic clock, which
// already reports nanoseconds, so the estimated ratio comes out at ~1.0.
//
// Hardware cycle counters are invariant across frequency scaling on modern
// CPUs but carry no unit; a software calibration against the wall clock maps
// ticks to real time. The longer the measured interval, the lower the
// relative error, which is why the engine re-estimates the ratio at flush
// time for sessions longer than a second.
package timebase

import "time"

// Estimate measures ticks-per-nanosecond by bracketing a sleep of the given
// interval with wall-clock and tick readings.
//
// The result is a starting point: for any session longer than a second the
// enable/disable pairs give a longer baseline and a tighter ratio, see
// Ratio.
func Estimate(interval time.Duration) float64 {
	start := time.Now()
	startTicks := Ticks()
	time.Sleep(interval)
	stopTicks := Ticks()
	stop := time.Now()

	return Ratio(stopTicks-startTicks, stop.Sub(start))
}

// Ratio converts a (tick delta, wall-clock delta) pair into ticks per
// nanosecond. Returns 0 when the elapsed time is not positive.
func Ratio(tickDelta uint64, elapsed time.Duration) float64 {
	ns := float64(elapsed.Nanoseconds())
	if ns <= 0 {
		return 0
	}
	return float64(tickDelta) / ns
}

// fallbackSpinReads bounds the quiescence spin when no calibration is
// available yet. Matches the 2000 counter reads the non-lossless recovery
// path historically used as a microsecond-scale wait.
const fallbackSpinReads = 2000

// SpinWait busy-reads the tick counter until roughly d has elapsed.
//
// Used by the recovery path as a quiescence window: it must not sleep (the
// wait is a couple of microseconds, far below timer resolution) and must not
// allocate. With a zero or unknown ratio it falls back to a fixed number of
// counter reads.
func SpinWait(ticksPerNS float64, d time.Duration) {
	target := uint64(float64(d.Nanoseconds()) * ticksPerNS)
	if target == 0 {
		for i := 0; i < fallbackSpinReads; i++ {
			_ = Ticks()
		}
		return
	}
	start := Ticks()
	for Ticks()-start < target {
	}
}
