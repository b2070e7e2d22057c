// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package symbols implements the module and symbol resolver: three
// strategies, tried in order, for turning a configured target module/
// method/offset into an absolute address in a traced process.
package symbols

import (
	"fmt"
	"strings"

	"github.com/ianlancetaylor/demangle"

	"github.com/google/winaflpt/internal/peimage"
)

// Strategy records which of the three resolution paths produced a Target,
// for logging.
type Strategy int

const (
	StrategyUnknown Strategy = iota
	StrategyOffset
	StrategyExportTable
	StrategyDebugSymbol
)

func (s Strategy) String() string {
	switch s {
	case StrategyOffset:
		return "target_offset"
	case StrategyExportTable:
		return "export_table"
	case StrategyDebugSymbol:
		return "debug_symbol"
	default:
		return "unknown"
	}
}

// Target is the resolved fuzz-method address, plus which strategy found it.
type Target struct {
	Address  uint64
	Strategy Strategy
}

// DebugSymbolLookup is the third, fallback resolution strategy: a
// debug-symbol lookup against the module image on disk.
// The original harness calls into DbgHelp's SymFromName; on non-Windows
// builds this is an external collaborator with no local implementation
// (see debugsym_other.go).
type DebugSymbolLookup interface {
	// Resolve returns the module-relative offset of name within the PE
	// image at diskPath, or found == false if the symbol does not exist
	// in the module's debug information.
	Resolve(diskPath, name string) (offset uint64, found bool, err error)
}

// Module describes one of the three resolver inputs needed to locate a
// fuzz method: where the image lives in the traced process, and where a
// copy of it can be read from disk for the debug-symbol fallback.
type Module struct {
	Base     uint64
	Remote   peimage.Reader
	DiskPath string
}

// Resolve tries three strategies in order: explicit offset, export
// table scan, debug-symbol fallback. A failure of all three strategies
// that apply is fatal for the caller.
func Resolve(mod Module, targetOffset uint64, targetMethod string, debugLookup DebugSymbolLookup) (Target, error) {
	if targetOffset != 0 {
		return Target{Address: mod.Base + targetOffset, Strategy: StrategyOffset}, nil
	}

	addr, found, err := findExportFuzzy(mod.Base, mod.Remote, targetMethod)
	if err != nil {
		return Target{}, fmt.Errorf("scanning export table for %q: %w", targetMethod, err)
	}
	if found {
		return Target{Address: addr, Strategy: StrategyExportTable}, nil
	}

	if debugLookup == nil {
		return Target{}, fmt.Errorf("symbol %q not found in export table and no debug-symbol lookup configured", targetMethod)
	}
	offset, found, err := debugLookup.Resolve(mod.DiskPath, targetMethod)
	if err != nil {
		return Target{}, fmt.Errorf("debug-symbol lookup for %q: %w", targetMethod, err)
	}
	if !found {
		return Target{}, fmt.Errorf("symbol %q not found via offset, export table, or debug symbols", targetMethod)
	}
	return Target{Address: mod.Base + offset, Strategy: StrategyDebugSymbol}, nil
}

// findExportFuzzy scans the export table for name, matching either the
// raw decorated export name or its demangled form, since C++ fuzz methods
// are commonly exported under a mangled name while -target_method is
// given in source form.
func findExportFuzzy(base uint64, r peimage.Reader, name string) (uint64, bool, error) {
	exports, err := peimage.ListExports(base, r)
	if err != nil {
		return 0, false, err
	}
	for _, e := range exports {
		if e.Name == name {
			return e.Address, true, nil
		}
	}
	for _, e := range exports {
		if demangledMatches(e.Name, name) {
			return e.Address, true, nil
		}
	}
	return 0, false, nil
}

// demangledMatches reports whether decoratedName's demangled form equals
// target, ignoring a trailing parameter list (callers typically give the
// bare function name, not its full mangled signature).
func demangledMatches(decoratedName, target string) bool {
	demangled := demangle.Filter(decoratedName)
	if demangled == decoratedName {
		return false
	}
	if name, _, ok := strings.Cut(demangled, "("); ok {
		demangled = name
	}
	return strings.TrimSpace(demangled) == target
}
