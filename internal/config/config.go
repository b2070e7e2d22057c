// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package config parses and validates the harness-scoped configuration
// record: the flags the fuzzer driver's init(argv) call consumes before
// handing the remainder of argv to the target.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// CoverageKind is the coverage fold mode.
type CoverageKind int

const (
	CoverageBlock CoverageKind = iota
	CoverageEdge
)

func (k CoverageKind) String() string {
	switch k {
	case CoverageBlock:
		return "block"
	case CoverageEdge:
		return "edge"
	default:
		return fmt.Sprintf("CoverageKind(%d)", int(k))
	}
}

// CallConv is the argument-passing convention used to snapshot/restore the
// fuzz method's parameters.
type CallConv int

const (
	CallConvMSx64 CallConv = iota
	CallConvCdecl
	CallConvFastcall
	CallConvThiscall
)

func (c CallConv) String() string {
	switch c {
	case CallConvMSx64:
		return "ms-x64"
	case CallConvCdecl:
		return "cdecl"
	case CallConvFastcall:
		return "fastcall"
	case CallConvThiscall:
		return "thiscall"
	default:
		return fmt.Sprintf("CallConv(%d)", int(c))
	}
}

// Config is the process-scoped record built once by Parse and never
// mutated afterwards.
type Config struct {
	CoverageKind CoverageKind
	// CoverageModules is accepted and stored but never consulted during the
	// coverage fold — module-base subtraction is explicitly deferred, see
	// internal/ipt.
	CoverageModules []string

	TargetModule string
	TargetMethod string
	// TargetOffset is module-relative; zero means "not set" (an offset of
	// exactly zero is indistinguishable from unset, matching the original
	// harness this is derived from).
	TargetOffset uint64

	FuzzIterations int
	NumArgs        int
	CallConv       CallConv

	DebugMode bool
	// ThreadCoverage is accepted for compatibility; the engine always binds
	// tracing to the first thread that reaches the fuzz method, so the flag
	// has no additional effect.
	ThreadCoverage bool

	// SinkholeStdio, MemLimitBytes and CPUAffinityMask mirror the
	// original harness's own flags and are carried over as ambient
	// process-launch plumbing, not a new feature area.
	SinkholeStdio   bool
	MemLimitBytes   uint64
	CPUAffinityMask uint64

	// MetricsAddr, if non-empty, is the listen address for the engine's
	// diagnostic Prometheus counters. Empty disables the listener.
	MetricsAddr string
}

const (
	defaultFuzzIterations = 1000
	defaultNumArgs        = 0
)

// Validate enforces the record's cross-field invariants.
func (c *Config) Validate() error {
	if c.TargetModule != "" {
		hasMethod := c.TargetMethod != ""
		hasOffset := c.TargetOffset != 0
		if hasMethod == hasOffset {
			return fmt.Errorf("target_module given: exactly one of target_method or target_offset must be set")
		}
	}
	if c.FuzzIterations <= 0 {
		return fmt.Errorf("fuzz_iterations must be positive, got %d", c.FuzzIterations)
	}
	if c.NumArgs < 0 {
		return fmt.Errorf("nargs must not be negative, got %d", c.NumArgs)
	}
	return nil
}

// fileOverlay is the optional -config YAML document. It mirrors Config's
// exported fields using lower_snake_case keys.
type fileOverlay struct {
	CoverageKind    string   `yaml:"covtype"`
	CoverageModules []string `yaml:"coverage_module"`
	TargetModule    string   `yaml:"target_module"`
	TargetMethod    string   `yaml:"target_method"`
	TargetOffset    string   `yaml:"target_offset"`
	FuzzIterations  int      `yaml:"fuzz_iterations"`
	NumArgs         int      `yaml:"nargs"`
	CallConvention  string   `yaml:"call_convention"`
	DebugMode       bool     `yaml:"debug"`
	ThreadCoverage  bool     `yaml:"thread_coverage"`
	SinkholeStdio   bool     `yaml:"sinkhole_stdio"`
	MemLimitBytes   uint64   `yaml:"mem_limit"`
	CPUAffinityMask string   `yaml:"cpu_aff"`
	MetricsAddr     string   `yaml:"metrics_addr"`
}

// Parse implements init(argv) -> argv_cursor: it parses harness flags up
// to the "--" separator (not present in argv[0]) and returns the built
// Config plus the index within argv of the separator, so the caller
// knows where the traced child's own argv begins. Unknown flags are
// fatal.
func Parse(argv []string) (cfg *Config, cursor int, err error) {
	cursor = -1
	for i, a := range argv {
		if a == "--" {
			cursor = i
			break
		}
	}
	if cursor < 0 {
		return nil, -1, fmt.Errorf("missing -- separator before target argv")
	}

	cfg = &Config{
		FuzzIterations: defaultFuzzIterations,
		NumArgs:        defaultNumArgs,
		ThreadCoverage: true,
		CallConv:       CallConvMSx64,
	}

	fs := flag.NewFlagSet("winaflpt", flag.ContinueOnError)
	debugMode := fs.Bool("debug", false, "write per-iteration and per-module log to debug.log")
	covType := fs.String("covtype", "bb", "coverage fold mode: bb|edge")
	targetModule := fs.String("target_module", "", "module containing the fuzz function")
	targetMethod := fs.String("target_method", "", "symbol name of the fuzz function")
	targetOffset := fs.String("target_offset", "0", "module-relative offset of the fuzz function (0x-prefixed hex allowed)")
	fuzzIterations := fs.Int("fuzz_iterations", defaultFuzzIterations, "persistence iteration cap per process launch")
	nargs := fs.Int("nargs", defaultNumArgs, "number of arguments to snapshot/restore")
	callConvention := fs.String("call_convention", "ms64", "ms64|stdcall|fastcall|thiscall")
	threadCoverage := fs.Bool("thread_coverage", true, "accepted; tracing is always bound to the first-entry thread")
	sinkholeStdio := fs.Bool("sinkhole_stdio", false, "redirect the child's stdout/stderr to a null device")
	memLimit := fs.Uint64("mem_limit", 0, "job-object memory cap in bytes (0 = unlimited)")
	cpuAff := fs.String("cpu_aff", "0", "job-object CPU affinity mask (0x-prefixed hex allowed, 0 = unrestricted)")
	metricsAddr := fs.String("metrics_addr", "", "optional listen address (e.g. :9090) for diagnostic Prometheus counters")
	configFile := fs.String("config", "", "optional YAML file overlaying these flags (flags win over the file)")

	var coverageModules stringList
	fs.Var(&coverageModules, "coverage_module", "repeatable; reserved for future module-filtered coverage (see internal/ipt)")

	if err := fs.Parse(argv[:cursor]); err != nil {
		return nil, -1, fmt.Errorf("parsing harness flags: %w", err)
	}
	if fs.NArg() != 0 {
		return nil, -1, fmt.Errorf("unrecognized option: %q", fs.Arg(0))
	}

	if *configFile != "" {
		if err := applyOverlay(cfg, *configFile); err != nil {
			return nil, -1, err
		}
	}

	// Flags always win over the -config overlay.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "debug":
			cfg.DebugMode = *debugMode
		case "covtype":
			cfg.CoverageKind, err = parseCoverageKind(*covType)
		case "target_module":
			cfg.TargetModule = *targetModule
		case "target_method":
			cfg.TargetMethod = *targetMethod
		case "target_offset":
			cfg.TargetOffset, err = strconv.ParseUint(*targetOffset, 0, 64)
		case "fuzz_iterations":
			cfg.FuzzIterations = *fuzzIterations
		case "nargs":
			cfg.NumArgs = *nargs
		case "call_convention":
			cfg.CallConv = parseCallConv(*callConvention)
		case "thread_coverage":
			cfg.ThreadCoverage = *threadCoverage
		case "sinkhole_stdio":
			cfg.SinkholeStdio = *sinkholeStdio
		case "mem_limit":
			cfg.MemLimitBytes = *memLimit
		case "cpu_aff":
			cfg.CPUAffinityMask, err = strconv.ParseUint(*cpuAff, 0, 64)
		case "metrics_addr":
			cfg.MetricsAddr = *metricsAddr
		}
	})
	if err != nil {
		return nil, -1, err
	}
	if len(coverageModules) > 0 {
		cfg.CoverageModules = []string(coverageModules)
	}

	if err := cfg.Validate(); err != nil {
		return nil, -1, err
	}
	return cfg, cursor, nil
}

func applyOverlay(cfg *Config, path string) error {
	data, err := readFile(path)
	if err != nil {
		return fmt.Errorf("reading -config file %q: %w", path, err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing -config file %q: %w", path, err)
	}
	if overlay.CoverageKind != "" {
		cfg.CoverageKind, err = parseCoverageKind(overlay.CoverageKind)
		if err != nil {
			return err
		}
	}
	if len(overlay.CoverageModules) > 0 {
		cfg.CoverageModules = overlay.CoverageModules
	}
	if overlay.TargetModule != "" {
		cfg.TargetModule = overlay.TargetModule
	}
	if overlay.TargetMethod != "" {
		cfg.TargetMethod = overlay.TargetMethod
	}
	if overlay.TargetOffset != "" {
		if cfg.TargetOffset, err = strconv.ParseUint(overlay.TargetOffset, 0, 64); err != nil {
			return fmt.Errorf("invalid target_offset in %q: %w", path, err)
		}
	}
	if overlay.FuzzIterations != 0 {
		cfg.FuzzIterations = overlay.FuzzIterations
	}
	if overlay.NumArgs != 0 {
		cfg.NumArgs = overlay.NumArgs
	}
	if overlay.CallConvention != "" {
		cfg.CallConv = parseCallConv(overlay.CallConvention)
	}
	cfg.DebugMode = cfg.DebugMode || overlay.DebugMode
	cfg.ThreadCoverage = cfg.ThreadCoverage || overlay.ThreadCoverage
	cfg.SinkholeStdio = cfg.SinkholeStdio || overlay.SinkholeStdio
	if overlay.MemLimitBytes != 0 {
		cfg.MemLimitBytes = overlay.MemLimitBytes
	}
	if overlay.CPUAffinityMask != "" {
		if cfg.CPUAffinityMask, err = strconv.ParseUint(overlay.CPUAffinityMask, 0, 64); err != nil {
			return fmt.Errorf("invalid cpu_aff in %q: %w", path, err)
		}
	}
	if overlay.MetricsAddr != "" {
		cfg.MetricsAddr = overlay.MetricsAddr
	}
	return nil
}

func parseCoverageKind(s string) (CoverageKind, error) {
	switch s {
	case "bb":
		return CoverageBlock, nil
	case "edge":
		return CoverageEdge, nil
	default:
		return 0, fmt.Errorf("invalid coverage type %q, want bb|edge", s)
	}
}

// parseCallConv mirrors the original harness's flag naming exactly: the
// "stdcall" flag value selects the cdecl calling convention. This is
// preserved as an open question, not fixed.
func parseCallConv(s string) CallConv {
	switch s {
	case "stdcall":
		return CallConvCdecl
	case "fastcall":
		return CallConvFastcall
	case "thiscall":
		return CallConvThiscall
	case "ms64":
		return CallConvMSx64
	default:
		return CallConvMSx64
	}
}

// stringList implements flag.Value for a repeatable -coverage_module flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }
func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}
