// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build windows

package symbols

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// fakeModuleBase is an arbitrary, page-aligned base DbgHelp is told the
// module is loaded at for the sole purpose of an offline symbol lookup; no
// memory is actually mapped there. The returned symbol address minus this
// base yields the module-relative offset DebugSymbolLookup.Resolve wants.
const fakeModuleBase = 0x10000000

// symbolInfoSize is big enough to hold SYMBOL_INFO plus a generously long
// trailing name buffer; DbgHelp writes the name in place after the fixed
// fields.
const symbolInfoSize = 2048

// symbolInfo mirrors the fixed-size prefix of the Win32 SYMBOL_INFO
// struct; MaxNameLen/Name occupy the remainder of the symbolInfoSize
// buffer allocated by callers.
type symbolInfo struct {
	SizeOfStruct uint32
	TypeIndex    uint32
	_            [2]uint64
	Index        uint32
	Size         uint32
	ModBase      uint64
	Flags        uint32
	Value        uint64
	Address      uint64
	Register     uint32
	Scope        uint32
	Tag          uint32
	NameLen      uint32
	MaxNameLen   uint32
}

var (
	dbghelp = windows.NewLazySystemDLL("dbghelp.dll")

	procSymInitializeW  = dbghelp.NewProc("SymInitializeW")
	procSymLoadModuleExW = dbghelp.NewProc("SymLoadModuleExW")
	procSymFromName      = dbghelp.NewProc("SymFromName")
	procSymUnloadModule64 = dbghelp.NewProc("SymUnloadModule64")
	procSymCleanup       = dbghelp.NewProc("SymCleanup")

	// DbgHelp is not safe for concurrent use against the same process
	// handle; the engine's single-threaded event loop means
	// this is only defensive.
	dbghelpMu sync.Mutex
)

// DbgHelpLookup implements DebugSymbolLookup against DbgHelp, the Windows
// symbol-handling library the original harness calls into via
// SymFromName.
type DbgHelpLookup struct {
	process windows.Handle
}

// NewDbgHelpLookup initializes a DbgHelp symbol handler scoped to the
// calling process. Callers should keep one instance for the engine's
// lifetime and not call Resolve concurrently.
func NewDbgHelpLookup() (*DbgHelpLookup, error) {
	process := windows.CurrentProcess()
	dbghelpMu.Lock()
	defer dbghelpMu.Unlock()
	ret, _, err := procSymInitializeW.Call(uintptr(process), 0, 0)
	if ret == 0 {
		return nil, fmt.Errorf("SymInitializeW: %w", err)
	}
	return &DbgHelpLookup{process: process}, nil
}

// Resolve loads diskPath as a symbol module at a synthetic base address
// and looks up name, returning its offset from that base — i.e. its
// module-relative offset, independent of where the module is actually
// mapped in the traced process.
func (d *DbgHelpLookup) Resolve(diskPath, name string) (uint64, bool, error) {
	dbghelpMu.Lock()
	defer dbghelpMu.Unlock()

	pathPtr, err := windows.UTF16PtrFromString(diskPath)
	if err != nil {
		return 0, false, fmt.Errorf("converting path %q: %w", diskPath, err)
	}
	base, _, err := procSymLoadModuleExW.Call(
		uintptr(d.process), 0, uintptr(unsafe.Pointer(pathPtr)), 0, fakeModuleBase, 0, 0, 0)
	if base == 0 {
		return 0, false, fmt.Errorf("SymLoadModuleExW(%q): %w", diskPath, err)
	}
	defer procSymUnloadModule64.Call(uintptr(d.process), base)

	buf := make([]byte, symbolInfoSize)
	info := (*symbolInfo)(unsafe.Pointer(&buf[0]))
	info.SizeOfStruct = uint32(unsafe.Sizeof(*info))
	info.MaxNameLen = uint32(len(buf)) - info.SizeOfStruct

	namePtr, err := windows.BytePtrFromString(name)
	if err != nil {
		return 0, false, fmt.Errorf("converting symbol name %q: %w", name, err)
	}
	ret, _, callErr := procSymFromName.Call(
		uintptr(d.process), uintptr(unsafe.Pointer(namePtr)), uintptr(unsafe.Pointer(info)))
	if ret == 0 {
		// ERROR_MOD_NOT_FOUND / ERROR_INVALID_NAME class failures mean
		// "not found", not a hard error; anything else propagates.
		if callErr == windows.ERROR_MOD_NOT_FOUND || callErr == windows.Errno(123) { // 123: ERROR_INVALID_NAME
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("SymFromName(%q): %w", name, callErr)
	}
	return info.Address - uint64(base), true, nil
}

// Close releases the DbgHelp symbol handler.
func (d *DbgHelpLookup) Close() error {
	dbghelpMu.Lock()
	defer dbghelpMu.Unlock()
	ret, _, err := procSymCleanup.Call(uintptr(d.process))
	if ret == 0 {
		return fmt.Errorf("SymCleanup: %w", err)
	}
	return nil
}
