// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build !windows

package winapi

import "errors"

// ErrUnsupported is returned by every winapi operation on non-Windows
// platforms, where no traced-process backend exists. Property tests and
// the rest of the module exercise procmem.Memory mocks instead (see
// internal/procmem/procmock).
var ErrUnsupported = errors.New("winapi: target-process control requires windows")

// Launch always fails on non-Windows platforms.
func Launch(commandLine string, flags LaunchFlags) (Process, error) {
	return nil, ErrUnsupported
}

// EnumModules always fails on non-Windows platforms.
func EnumModules(process Process) ([]EnumModule, error) {
	return nil, ErrUnsupported
}
