// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasic(t *testing.T) {
	cfg, cursor, err := Parse([]string{
		"-target_module", "target.exe",
		"-target_offset", "0x1000",
		"-covtype", "edge",
		"-nargs", "3",
		"-call_convention", "fastcall",
		"-fuzz_iterations", "50",
		"--", "arg0", "arg1",
	})
	require.NoError(t, err)
	assert.Equal(t, 12, cursor)
	assert.Equal(t, "target.exe", cfg.TargetModule)
	assert.Equal(t, uint64(0x1000), cfg.TargetOffset)
	assert.Equal(t, CoverageEdge, cfg.CoverageKind)
	assert.Equal(t, 3, cfg.NumArgs)
	assert.Equal(t, CallConvFastcall, cfg.CallConv)
	assert.Equal(t, 50, cfg.FuzzIterations)
}

func TestParseDefaults(t *testing.T) {
	cfg, _, err := Parse([]string{"--"})
	require.NoError(t, err)
	assert.Equal(t, defaultFuzzIterations, cfg.FuzzIterations)
	assert.Equal(t, defaultNumArgs, cfg.NumArgs)
	assert.Equal(t, CallConvMSx64, cfg.CallConv)
	assert.True(t, cfg.ThreadCoverage)
}

func TestParseMissingSeparator(t *testing.T) {
	_, _, err := Parse([]string{"-debug"})
	require.Error(t, err)
}

func TestParseRequiresMethodOrOffset(t *testing.T) {
	_, _, err := Parse([]string{"-target_module", "t.exe", "--"})
	require.Error(t, err)
}

func TestParseRejectsBothMethodAndOffset(t *testing.T) {
	_, _, err := Parse([]string{
		"-target_module", "t.exe",
		"-target_method", "Fuzz",
		"-target_offset", "0x10",
		"--",
	})
	require.Error(t, err)
}

func TestParseStdcallMapsToCdecl(t *testing.T) {
	cfg, _, err := Parse([]string{"-call_convention", "stdcall", "--"})
	require.NoError(t, err)
	assert.Equal(t, CallConvCdecl, cfg.CallConv)
}

func TestParseUnknownFlagIsFatal(t *testing.T) {
	_, _, err := Parse([]string{"-not_a_flag", "x", "--"})
	require.Error(t, err)
}

// TestParseStructuralDiff compares the fully-parsed Config against the
// expected literal with cmp.Diff rather than field-by-field assert.Equal
// calls, so a future field added to Config shows up in the failure
// instead of silently passing an incomplete check.
func TestParseStructuralDiff(t *testing.T) {
	cfg, _, err := Parse([]string{
		"-target_module", "target.dll",
		"-target_method", "FuzzMe",
		"-covtype", "edge",
		"-nargs", "2",
		"-call_convention", "thiscall",
		"-fuzz_iterations", "10",
		"-sinkhole_stdio",
		"--",
	})
	require.NoError(t, err)
	want := &Config{
		CoverageKind:   CoverageEdge,
		TargetModule:   "target.dll",
		TargetMethod:   "FuzzMe",
		FuzzIterations: 10,
		NumArgs:        2,
		CallConv:       CallConvThiscall,
		ThreadCoverage: true,
		SinkholeStdio:  true,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRepeatableCoverageModule(t *testing.T) {
	cfg, _, err := Parse([]string{
		"-coverage_module", "a.dll",
		"-coverage_module", "b.dll",
		"--",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.dll", "b.dll"}, cfg.CoverageModules)
}
