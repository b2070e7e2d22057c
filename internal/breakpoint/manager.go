// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package breakpoint implements the software breakpoint manager: install,
// record, and service one-shot breakpoints across the process boundary.
package breakpoint

import (
	"fmt"

	"github.com/google/winaflpt/internal/procmem"
)

// Kind classifies why a breakpoint was installed. A tagged sum type in
// spirit: Kind plus the exhaustive switches in Manager.Handle and its
// callers stand in for a variant union, in place of raw integer codes.
type Kind int

const (
	Unknown Kind = iota
	Entrypoint
	ModuleLoaded
	FuzzMethod
)

func (k Kind) String() string {
	switch k {
	case Entrypoint:
		return "entrypoint"
	case ModuleLoaded:
		return "module-loaded"
	case FuzzMethod:
		return "fuzz-method"
	default:
		return "unknown"
	}
}

// trapByte is the x86 single-byte software breakpoint instruction (0xCC,
// INT3).
const trapByte byte = 0xCC

// record is a single installed, not-yet-fired breakpoint.
type record struct {
	address      uint64
	kind         Kind
	originalByte byte
	moduleName   string
	moduleBase   uint64
}

// Manager owns every installed software breakpoint in a single traced
// process. It is not safe for concurrent use — the engine's debug event
// loop is single-threaded, so no locking is needed here.
type Manager struct {
	mem     procmem.Memory
	records map[uint64]*record
}

func NewManager(mem procmem.Memory) *Manager {
	return &Manager{mem: mem, records: map[uint64]*record{}}
}

// Install writes the trap instruction at address, after recording the
// original byte it overwrote. moduleName/moduleBase are recorded verbatim
// for ModuleLoaded/FuzzMethod breakpoints planted on a specific module; pass
// "" / 0 otherwise.
func (m *Manager) Install(address uint64, kind Kind, moduleName string, moduleBase uint64) error {
	if _, exists := m.records[address]; exists {
		return fmt.Errorf("breakpoint already installed at %#x", address)
	}
	original, err := m.mem.ReadProcessMemory(address, 1)
	if err != nil {
		return fmt.Errorf("reading original opcode at %#x: %w", address, err)
	}
	if err := m.mem.WriteProcessMemory(address, []byte{trapByte}); err != nil {
		return fmt.Errorf("writing trap instruction at %#x: %w", address, err)
	}
	if err := m.mem.FlushICache(address, 1); err != nil {
		return fmt.Errorf("flushing icache at %#x: %w", address, err)
	}
	m.records[address] = &record{
		address:      address,
		kind:         kind,
		originalByte: original[0],
		moduleName:   moduleName,
		moduleBase:   moduleBase,
	}
	return nil
}

// Hit describes a serviced breakpoint.
type Hit struct {
	Found      bool
	Kind       Kind
	ModuleName string
	ModuleBase uint64
}

// Handle services a breakpoint-exception debug event at address: if a
// record matches, the original byte is restored, the icache flushed, and
// the record deleted (one-shot semantics) before the kind is returned. If no
// record matches, Handle leaves process memory untouched and returns a Hit
// with Found == false, so the caller reports the exception as unhandled.
//
// Handle does not rewind the instruction pointer; that is the debug event
// loop's responsibility, since the loop, not the breakpoint
// manager, owns thread context access.
func (m *Manager) Handle(address uint64) (Hit, error) {
	rec, ok := m.records[address]
	if !ok {
		return Hit{Found: false}, nil
	}
	delete(m.records, address)
	if err := m.mem.WriteProcessMemory(address, []byte{rec.originalByte}); err != nil {
		// The invariant that the original opcode is recoverable has been
		// broken; this is a class-4 fatal error for the caller to surface.
		return Hit{}, fmt.Errorf("restoring original opcode at %#x: %w", address, err)
	}
	if err := m.mem.FlushICache(address, 1); err != nil {
		return Hit{}, fmt.Errorf("flushing icache at %#x: %w", address, err)
	}
	return Hit{Found: true, Kind: rec.kind, ModuleName: rec.moduleName, ModuleBase: rec.moduleBase}, nil
}

// Installed reports whether a breakpoint is currently installed at address.
func (m *Manager) Installed(address uint64) bool {
	_, ok := m.records[address]
	return ok
}

// Count returns the number of breakpoints currently installed, for tests
// and diagnostics.
func (m *Manager) Count() int {
	return len(m.records)
}
