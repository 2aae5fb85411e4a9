// Copyright 2025 The lopprofiler Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads engine settings from the environment.
//
// Every knob lives under the LOP_ prefix and is read once, when the global
// engine is constructed. The only setting programs are expected to touch is
// LOP_DISABLE; the rest exist for tuning and tests.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Mode names accepted by LOP_MODE.
const (
	ModeFast     = "fast"
	ModeSafer    = "safer"
	ModeLossless = "lossless"
)

// Config carries the engine settings resolved from the environment.
type Config struct {
	// Disable keeps the engine dormant: every operation is a no-op and no
	// trace file is ever written. Set LOP_DISABLE=1.
	Disable bool

	// Mode selects the append protocol: "fast" (single-writer stores, no
	// recovery), "safer" (exhaustion recovery, events may drop during a
	// swap) or "lossless" (atomic reservations, nothing drops).
	Mode string

	// BufferCapacity is the number of records per writer buffer.
	BufferCapacity int

	// OutputDir receives the trace files.
	OutputDir string

	// Calibration is the sleep bracketing the startup frequency estimate.
	Calibration time.Duration

	// SchedulerInterval is the recovery scheduler's polling period.
	SchedulerInterval time.Duration

	// FlushWorkers bounds the concurrent background trace writers spawned
	// by the recovery scheduler.
	FlushWorkers int

	// LogLevel is the zap level for engine diagnostics.
	LogLevel string
}

// Load reads the LOP_* environment.
//
// Unset variables fall back to defaults; malformed values fall back too
// (viper's zero value) and are then clamped by the engine. Load never fails:
// tracing must not take a process down over an env var.
func Load() Config {
	v := viper.New()
	v.SetEnvPrefix("lop")
	v.AutomaticEnv()

	v.SetDefault("disable", false)
	v.SetDefault("mode", ModeFast)
	v.SetDefault("buffer_capacity", 1<<22)
	v.SetDefault("output_dir", ".")
	v.SetDefault("calibration", 200*time.Millisecond)
	v.SetDefault("scheduler_interval", 5*time.Millisecond)
	v.SetDefault("flush_workers", 4)
	v.SetDefault("log_level", "warn")

	return Config{
		Disable:           v.GetBool("disable"),
		Mode:              v.GetString("mode"),
		BufferCapacity:    v.GetInt("buffer_capacity"),
		OutputDir:         v.GetString("output_dir"),
		Calibration:       v.GetDuration("calibration"),
		SchedulerInterval: v.GetDuration("scheduler_interval"),
		FlushWorkers:      v.GetInt("flush_workers"),
		LogLevel:          v.GetString("log_level"),
	}
}
