// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package callconv captures and restores a thread's calling-convention
// arguments for the persistent-mode return trick.
//
// The layouts below preserve the original harness's behavior exactly,
// including a fastcall/thiscall stack-argument indexing quirk: args
// beyond the register-passed ones are read starting at
// [Esp + sizeof(ptr)], without a shadow-space-style skip for the
// register args already consumed. This is intentionally not "fixed"
// here.
package callconv

import (
	"encoding/binary"
	"fmt"

	"github.com/google/winaflpt/internal/config"
	"github.com/google/winaflpt/internal/procmem"
)

// ptrSize is the stack slot width used for argument indexing. The module
// targets x86-64 traced processes exclusively; the
// 32-bit stack layouts (cdecl/fastcall/thiscall) are preserved from the
// original harness's own 32-bit build for documentation and are exercised
// here with the same ptrSize, matching how the original computed
// `[Esp + n*sizeof(ptr)]` slot offsets regardless of target bitness.
const ptrSize = 8

// Snapshot is the set of argument values captured on first entry to the
// fuzz method, to be restored byte-for-byte on every subsequent
// iteration.
type Snapshot struct {
	SP       uint64
	Args     []uint64
	StackArg []uint64 // not populated by Capture; Restore writes stack slots from Args
}

// stackArgOffset returns, for conv and arg index i (0-based) beyond the
// register-passed arguments, the byte offset from SP at which that
// argument's stack slot lives.
func stackArgOffset(conv config.CallConv, i int) (uint64, error) {
	switch conv {
	case config.CallConvMSx64:
		// Args 4+ (i >= 4) live in the shadow-space-adjacent slots above
		// the return address: [Rsp + 5*ptr], [Rsp + 6*ptr], ...
		return uint64(5+i-4) * ptrSize, nil
	case config.CallConvCdecl:
		// All arguments are stack-resident, starting right above the
		// return address.
		return uint64(1+i) * ptrSize, nil
	case config.CallConvFastcall:
		// Args 2+ (i >= 2) are stack-resident.
		return uint64(1+i-2) * ptrSize, nil
	case config.CallConvThiscall:
		// Args 1+ (i >= 1) are stack-resident.
		return uint64(1+i-1) * ptrSize, nil
	default:
		return 0, fmt.Errorf("unknown calling convention %v", conv)
	}
}

// Capture reads numArgs argument values from ctx (registers) and mem
// (stack), per conv, and returns a Snapshot anchored at ctx.SP.
func Capture(mem procmem.Memory, ctx procmem.ThreadContext, conv config.CallConv, numArgs int) (Snapshot, error) {
	snap := Snapshot{SP: ctx.SP, Args: make([]uint64, numArgs)}

	regArgs := registerArgCount(conv)
	for i := 0; i < numArgs && i < regArgs; i++ {
		snap.Args[i] = ctx.Arg[i]
	}

	for i := regArgs; i < numArgs; i++ {
		off, err := stackArgOffset(conv, i)
		if err != nil {
			return Snapshot{}, err
		}
		buf, err := mem.ReadProcessMemory(ctx.SP+off, ptrSize)
		if err != nil {
			return Snapshot{}, fmt.Errorf("reading stack argument %d at sp+%#x: %w", i, off, err)
		}
		snap.Args[i] = binary.LittleEndian.Uint64(buf)
	}
	return snap, nil
}

// Restore rewrites ctx's argument registers and the stack's argument
// slots from snap, and sets ctx.IP to fuzzAddress / ctx.SP to snap.SP.
// The caller is responsible for applying the returned context via
// SetThreadContext.
func Restore(mem procmem.Memory, ctx procmem.ThreadContext, conv config.CallConv, snap Snapshot, fuzzAddress uint64) (procmem.ThreadContext, error) {
	ctx.IP = fuzzAddress
	ctx.SP = snap.SP

	regArgs := registerArgCount(conv)
	for i, v := range snap.Args {
		if i < regArgs {
			ctx.Arg[i] = v
			continue
		}
		off, err := stackArgOffset(conv, i)
		if err != nil {
			return procmem.ThreadContext{}, err
		}
		buf := make([]byte, ptrSize)
		binary.LittleEndian.PutUint64(buf, v)
		if err := mem.WriteProcessMemory(snap.SP+off, buf); err != nil {
			return procmem.ThreadContext{}, fmt.Errorf("restoring stack argument %d at sp+%#x: %w", i, off, err)
		}
	}
	return ctx, nil
}

// registerArgCount returns how many leading arguments conv passes in
// registers rather than on the stack.
func registerArgCount(conv config.CallConv) int {
	switch conv {
	case config.CallConvMSx64:
		return 4 // Rcx, Rdx, R8, R9
	case config.CallConvCdecl:
		return 0
	case config.CallConvFastcall:
		return 2 // Ecx, Edx
	case config.CallConvThiscall:
		return 1 // Ecx
	default:
		return 0
	}
}

