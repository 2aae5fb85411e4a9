// Copyright 2025 The lopprofiler Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging builds the engine's diagnostic logger.
//
// Diagnostics never run on the emit path; they cover lifecycle transitions,
// flush accounting and recovery activity, the output the original printed
// with raw printf.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger at the given level, writing to stderr.
// Unknown levels fall back to warn; construction failures fall back to a
// nop logger rather than refusing to trace.
func New(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.WarnLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log.Named("lop")
}
