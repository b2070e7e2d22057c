// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package winproc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/google/winaflpt/internal/config"
)

// TestLaunchRequiresWindows documents the portability boundary: on any
// platform other than Windows there is no traced-process backend, so
// Launch always fails with winapi.ErrUnsupported. Launch itself is not
// exercised here; the logic that runs against a launched process
// (breakpoints, calling-convention capture/restore) is tested in
// internal/breakpoint and internal/callconv against procmock, since
// cross-process memory access is abstracted as its own capability
// interface.
func TestLaunchRequiresWindows(t *testing.T) {
	cfg := &config.Config{FuzzIterations: 1}
	c := New(cfg)
	_, err := c.Launch("target.exe")
	assert.Error(t, err)
}
