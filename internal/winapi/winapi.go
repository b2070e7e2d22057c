// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package winapi is the thin syscall layer the target-process controller
// and the debug event loop are built on: process launch under debug
// supervision, job-object resource limits, cross-process memory access,
// thread-context access, and the Win32 debug-event stream.
//
// Every exported type and function here has a real implementation only on
// windows (winapi_windows.go); winapi_other.go provides a portable stub
// returning ErrUnsupported, so the rest of the module — config parsing,
// the breakpoint manager and calling-convention logic exercised against
// procmock, the IPT decoding pipeline — builds and tests on any platform.
package winapi

import "github.com/google/winaflpt/internal/procmem"

// EventCode classifies a Win32 DEBUG_EVENT's dwDebugEventCode.
type EventCode int

const (
	EventUnknown EventCode = iota
	EventCreateProcess
	EventCreateThread
	EventExitThread
	EventExitProcess
	EventLoadDLL
	EventUnloadDLL
	EventOutputDebugString
	EventRIP
	EventException
)

func (e EventCode) String() string {
	switch e {
	case EventCreateProcess:
		return "create-process"
	case EventCreateThread:
		return "create-thread"
	case EventExitThread:
		return "exit-thread"
	case EventExitProcess:
		return "exit-process"
	case EventLoadDLL:
		return "load-dll"
	case EventUnloadDLL:
		return "unload-dll"
	case EventOutputDebugString:
		return "output-debug-string"
	case EventRIP:
		return "rip"
	case EventException:
		return "exception"
	default:
		return "unknown"
	}
}

// ExceptionClass further classifies an EventException.
type ExceptionClass int

const (
	ExceptionOther ExceptionClass = iota
	ExceptionBreakpoint
	ExceptionAccessViolation
	ExceptionIllegalInstruction
	ExceptionPrivilegedInstruction
	ExceptionIntegerDivideByZero
	ExceptionStackOverflow
	ExceptionHeapCorruption
	ExceptionStackBufferOverrun
	ExceptionFastFail
)

// DebugEvent is the subset of a Win32 DEBUG_EVENT this module consumes,
// flattened out of the underlying union.
type DebugEvent struct {
	Code     EventCode
	ProcessID uint32
	ThreadID  uint32

	// Populated for EventException.
	Exception        ExceptionClass
	ExceptionAddress uint64

	// Populated for EventCreateProcess / EventLoadDLL.
	ImageBase uint64
	ImagePath string

	// Populated for EventExitProcess.
	ExitCode uint32
}

// ContinueStatus is the dwContinueStatus argument to ContinueDebugEvent.
type ContinueStatus uint32

const (
	ContinueNormal         ContinueStatus = 0x00010002 // DBG_CONTINUE
	ContinueExceptionNotHandled ContinueStatus = 0x80010001 // DBG_EXCEPTION_NOT_HANDLED
)

// JobLimits configures the job object a traced process is optionally
// assigned to.
type JobLimits struct {
	// MemLimitBytes caps the job's committed memory; 0 means unlimited.
	MemLimitBytes uint64
	// CPUAffinityMask restricts the job to the given processor mask; 0
	// means unrestricted.
	CPUAffinityMask uint64
}

// LaunchFlags are the controller's launch-time options.
type LaunchFlags struct {
	SinkholeStdio bool
	Job           JobLimits
}

// Process is everything the controller and the event loop need from a
// launched, debug-attached traced process.
type Process interface {
	procmem.Memory
	procmem.ThreadContextAccess

	// WaitForDebugEvent blocks up to timeoutMs for the next debug event.
	// ok is false on timeout (not an error).
	WaitForDebugEvent(timeoutMs uint32) (ev DebugEvent, ok bool, err error)
	ContinueDebugEvent(processID, threadID uint32, status ContinueStatus) error

	// Terminate force-kills the traced process.
	Terminate(exitCode uint32) error
	// Close releases the process and thread handles.
	Close() error

	// IsWow64 reports whether the traced process is a 32-bit process
	// running under WOW64 on a 64-bit OS, used for the bitness-parity
	// check.
	IsWow64() (bool, error)
}

// EnumModule is one entry from EnumProcessModules/GetModuleBaseNameW.
type EnumModule struct {
	BaseName string
	DiskPath string
	Base     uint64
}
