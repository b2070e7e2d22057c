// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package winproc implements the target-process controller: launch
// under debug supervision, resource-limit application, and the bitness-
// parity check.
package winproc

import (
	"fmt"
	"runtime"

	"github.com/google/winaflpt/internal/config"
	"github.com/google/winaflpt/internal/winapi"
)

// Controller owns the launched, debug-attached traced process for the
// engine's lifetime, one process per launch.
type Controller struct {
	cfg *config.Config
}

// New returns a Controller for the given configuration.
func New(cfg *config.Config) *Controller {
	return &Controller{cfg: cfg}
}

// Launch starts commandLine under debug supervision, subject to the
// configured job-object limits and stdio sinkholing, and asserts bitness
// parity between the harness and the traced process. Any
// failure here is fatal for the caller.
func (c *Controller) Launch(commandLine string) (winapi.Process, error) {
	proc, err := winapi.Launch(commandLine, winapi.LaunchFlags{
		SinkholeStdio: c.cfg.SinkholeStdio,
		Job: winapi.JobLimits{
			MemLimitBytes:   c.cfg.MemLimitBytes,
			CPUAffinityMask: c.cfg.CPUAffinityMask,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("launching %q under debug supervision: %w", commandLine, err)
	}

	if err := c.assertBitnessParity(proc); err != nil {
		proc.Terminate(1)
		proc.Close()
		return nil, err
	}
	return proc, nil
}

// assertBitnessParity fails if the traced process's bitness does not
// match the harness's own. The
// harness is always built for amd64; a WOW64 (32-bit) traced process is therefore always a
// mismatch.
func (c *Controller) assertBitnessParity(proc winapi.Process) error {
	if runtime.GOARCH != "amd64" {
		return fmt.Errorf("harness built for unsupported architecture %q", runtime.GOARCH)
	}
	isWow64, err := proc.IsWow64()
	if err != nil {
		return fmt.Errorf("checking traced process bitness: %w", err)
	}
	if isWow64 {
		return fmt.Errorf("bitness mismatch: traced process is 32-bit, harness is 64-bit")
	}
	return nil
}
