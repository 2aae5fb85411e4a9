// Copyright 2025 The lopprofiler Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package engine

import "golang.org/x/sys/unix"

// osThreadID returns the kernel thread the caller happens to run on.
// Recorded per buffer at creation for diagnostics; goroutines migrate, so
// it never identifies the writer in the trace (the goid does).
func osThreadID() int {
	return unix.Gettid()
}
