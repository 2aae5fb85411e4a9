// Copyright 2025 The lopprofiler Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package engine

// osThreadID is a diagnostic-only value; no portable equivalent of gettid
// exists off Linux.
func osThreadID() int {
	return 0
}
