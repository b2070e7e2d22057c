// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package procmem abstracts cross-process memory access as a capability,
// so that the breakpoint manager, symbol resolver and debug event loop
// can be exercised in tests against an in-memory mock instead of a real
// Windows process.
package procmem

// Memory is the capability every component that touches a traced process's
// address space depends on. Every Write is expected to be followed by a
// FlushICache call over the same range.
type Memory interface {
	ReadProcessMemory(address uint64, size int) ([]byte, error)
	WriteProcessMemory(address uint64, data []byte) error
	FlushICache(address uint64, size int) error
}

// ThreadContext is the subset of a thread's register file the engine
// needs to snapshot and restore: the instruction pointer, stack pointer,
// and the four integer argument registers used by ms-x64/fastcall/thiscall.
type ThreadContext struct {
	IP  uint64
	SP  uint64
	Arg [4]uint64
}

// ThreadContextAccess abstracts per-thread register access.
type ThreadContextAccess interface {
	GetThreadContext(threadID uint32) (ThreadContext, error)
	SetThreadContext(threadID uint32, ctx ThreadContext) error
}
