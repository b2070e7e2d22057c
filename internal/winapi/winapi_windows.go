// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build windows

package winapi

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/google/winaflpt/internal/procmem"
)

const (
	debugProcess    = 0x00000001
	createSuspended = 0x00000004

	infoClassExtendedLimit = 9 // JobObjectExtendedLimitInformation
	limitFlagJobMemory     = 0x00000200
	limitFlagAffinity      = 0x00000010
	limitFlagKillOnClose   = 0x00002000
)

var (
	psapi = windows.NewLazySystemDLL("psapi.dll")

	procEnumProcessModules  = psapi.NewProc("EnumProcessModules")
	procGetModuleBaseNameW  = psapi.NewProc("GetModuleBaseNameW")
	procGetModuleFileNameExW = psapi.NewProc("GetModuleFileNameExW")

	kernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procWaitForDebugEvent   = kernel32.NewProc("WaitForDebugEvent")
	procContinueDebugEvent  = kernel32.NewProc("ContinueDebugEvent")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
	procIsWow64Process      = kernel32.NewProc("IsWow64Process")
	procGetThreadContext    = kernel32.NewProc("GetThreadContext")
	procSetThreadContext    = kernel32.NewProc("SetThreadContext")
)

// debugEventRaw mirrors the fixed-size prefix of Win32's DEBUG_EVENT: a
// 4-byte code, process/thread IDs, and a union whose largest member
// (EXCEPTION_DEBUG_INFO) we size for explicitly. Individual fields are
// decoded by offset in decodeDebugEvent, matching how the original union
// layout packs them.
type debugEventRaw struct {
	Code      uint32
	ProcessID uint32
	ThreadID  uint32
	union     [88]byte
}

// winProcess is the concrete, Windows-only Process implementation.
type winProcess struct {
	handle       windows.Handle
	mainThread   windows.Handle
	threadHandles map[uint32]windows.Handle
}

// Launch starts commandLine under debug supervision, optionally assigning
// it to a job object with the requested resource limits, and sinkholing
// its standard handles to a null device.
func Launch(commandLine string, flags LaunchFlags) (Process, error) {
	var startupInfo windows.StartupInfo
	var procInfo windows.ProcessInformation

	if flags.SinkholeStdio {
		null, err := windows.CreateFile(
			windows.StringToUTF16Ptr("NUL"), windows.GENERIC_WRITE, windows.FILE_SHARE_WRITE,
			nil, windows.OPEN_EXISTING, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("opening null device: %w", err)
		}
		startupInfo.Flags |= windows.STARTF_USESTDHANDLES
		startupInfo.StdOutput = null
		startupInfo.StdErr = null
	}

	cmdPtr, err := windows.UTF16PtrFromString(commandLine)
	if err != nil {
		return nil, fmt.Errorf("converting command line: %w", err)
	}
	creationFlags := uint32(debugProcess)
	err = windows.CreateProcess(nil, cmdPtr, nil, nil, true, creationFlags, nil, nil, &startupInfo, &procInfo)
	if err != nil {
		return nil, fmt.Errorf("CreateProcess(%q): %w", commandLine, err)
	}

	if flags.Job.MemLimitBytes != 0 || flags.Job.CPUAffinityMask != 0 {
		if err := assignJob(procInfo.Process, flags.Job); err != nil {
			windows.TerminateProcess(procInfo.Process, 1)
			return nil, err
		}
	}

	return &winProcess{
		handle:        procInfo.Process,
		mainThread:    procInfo.Thread,
		threadHandles: map[uint32]windows.Handle{procInfo.ThreadId: procInfo.Thread},
	}, nil
}

func assignJob(process windows.Handle, limits JobLimits) error {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return fmt.Errorf("CreateJobObject: %w", err)
	}
	type basicLimits struct {
		PerProcessUserTimeLimit int64
		PerJobUserTimeLimit     int64
		LimitFlags              uint32
		MinimumWorkingSetSize   uintptr
		MaximumWorkingSetSize   uintptr
		ActiveProcessLimit      uint32
		Affinity                uintptr
		PriorityClass           uint32
		SchedulingClass         uint32
	}
	type ioCounters struct {
		ReadOperationCount, WriteOperationCount, OtherOperationCount       uint64
		ReadTransferCount, WriteTransferCount, OtherTransferCount          uint64
	}
	type extendedLimits struct {
		Basic                     basicLimits
		IO                        ioCounters
		ProcessMemoryLimit        uintptr
		JobMemoryLimit            uintptr
		PeakProcessMemoryUsed     uintptr
		PeakJobMemoryUsed         uintptr
	}

	var info extendedLimits
	var flagBits uint32
	if limits.MemLimitBytes != 0 {
		flagBits |= limitFlagJobMemory
		info.JobMemoryLimit = uintptr(limits.MemLimitBytes)
		info.ProcessMemoryLimit = uintptr(limits.MemLimitBytes)
	}
	if limits.CPUAffinityMask != 0 {
		flagBits |= limitFlagAffinity
		info.Basic.Affinity = uintptr(limits.CPUAffinityMask)
	}
	info.Basic.LimitFlags = flagBits | limitFlagKillOnClose

	if err := windows.SetInformationJobObject(
		job, infoClassExtendedLimit, uintptr(unsafe.Pointer(&info)), uint32(unsafe.Sizeof(info))); err != nil {
		return fmt.Errorf("SetInformationJobObject: %w", err)
	}
	if err := windows.AssignProcessToJobObject(job, process); err != nil {
		return fmt.Errorf("AssignProcessToJobObject: %w", err)
	}
	return nil
}

func (p *winProcess) ReadProcessMemory(address uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	var n uintptr
	if err := windows.ReadProcessMemory(p.handle, uintptr(address), &buf[0], uintptr(size), &n); err != nil {
		return nil, fmt.Errorf("ReadProcessMemory(%#x, %d): %w", address, size, err)
	}
	return buf[:n], nil
}

func (p *winProcess) WriteProcessMemory(address uint64, data []byte) error {
	var n uintptr
	if len(data) == 0 {
		return nil
	}
	if err := windows.WriteProcessMemory(p.handle, uintptr(address), &data[0], uintptr(len(data)), &n); err != nil {
		return fmt.Errorf("WriteProcessMemory(%#x, %d bytes): %w", address, len(data), err)
	}
	return nil
}

func (p *winProcess) FlushICache(address uint64, size int) error {
	ret, _, err := procFlushInstructionCache.Call(uintptr(p.handle), uintptr(address), uintptr(size))
	if ret == 0 {
		return fmt.Errorf("FlushInstructionCache(%#x, %d): %w", address, size, err)
	}
	return nil
}

func (p *winProcess) threadHandle(threadID uint32) (windows.Handle, error) {
	if h, ok := p.threadHandles[threadID]; ok {
		return h, nil
	}
	const threadAllAccess = 0x1FFFFF
	h, err := windows.OpenThread(threadAllAccess, false, threadID)
	if err != nil {
		return 0, fmt.Errorf("OpenThread(%d): %w", threadID, err)
	}
	p.threadHandles[threadID] = h
	return h, nil
}

// amd64Context mirrors the real winnt.h CONTEXT struct for x86-64 at its
// actual field offsets, up through Rip; the trailing floating-point/vector
// area is kept as opaque padding since this module never inspects it, but
// must still be preserved byte-for-byte across a Get/Set round trip.
type amd64Context struct {
	_            [0x30]byte // P1Home..P6Home
	ContextFlags uint32
	MxCsr        uint32
	_            [0x10]byte // SegCs..SegSs, EFlags
	_            [0x30]byte // Dr0..Dr7
	Rax, Rcx, Rdx, Rbx uint64
	Rsp, Rbp           uint64
	Rsi, Rdi           uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip                uint64
	_                  [0x3D0]byte // FloatSave / Vector registers / Debug control / LastExceptionFromRip
}

const contextAll = 0x10000B // CONTEXT_AMD64 | CONTEXT_FULL

func (p *winProcess) getFullContext(threadID uint32) (amd64Context, windows.Handle, error) {
	h, err := p.threadHandle(threadID)
	if err != nil {
		return amd64Context{}, 0, err
	}
	var c amd64Context
	c.ContextFlags = contextAll
	ret, _, callErr := procGetThreadContext.Call(uintptr(h), uintptr(unsafe.Pointer(&c)))
	if ret == 0 {
		return amd64Context{}, 0, fmt.Errorf("GetThreadContext(%d): %w", threadID, callErr)
	}
	return c, h, nil
}

func (p *winProcess) GetThreadContext(threadID uint32) (procmem.ThreadContext, error) {
	c, _, err := p.getFullContext(threadID)
	if err != nil {
		return procmem.ThreadContext{}, err
	}
	return procmem.ThreadContext{
		IP:  c.Rip,
		SP:  c.Rsp,
		Arg: [4]uint64{c.Rcx, c.Rdx, c.R8, c.R9},
	}, nil
}

// SetThreadContext re-fetches the thread's full register file, overlays
// only the fields procmem.ThreadContext models (IP, SP, the four integer
// argument registers), and writes the whole context back, so registers
// this module does not track are left untouched.
func (p *winProcess) SetThreadContext(threadID uint32, ctx procmem.ThreadContext) error {
	c, h, err := p.getFullContext(threadID)
	if err != nil {
		return err
	}
	c.Rip, c.Rsp = ctx.IP, ctx.SP
	c.Rcx, c.Rdx, c.R8, c.R9 = ctx.Arg[0], ctx.Arg[1], ctx.Arg[2], ctx.Arg[3]
	ret, _, callErr := procSetThreadContext.Call(uintptr(h), uintptr(unsafe.Pointer(&c)))
	if ret == 0 {
		return fmt.Errorf("SetThreadContext(%d): %w", threadID, callErr)
	}
	return nil
}

func (p *winProcess) WaitForDebugEvent(timeoutMs uint32) (DebugEvent, bool, error) {
	var raw debugEventRaw
	ret, _, err := procWaitForDebugEvent.Call(uintptr(unsafe.Pointer(&raw)), uintptr(timeoutMs))
	if ret == 0 {
		if err == windows.Errno(121) || err == syscall.Errno(0x79) { // ERROR_SEM_TIMEOUT-class idle wait
			return DebugEvent{}, false, nil
		}
		return DebugEvent{}, false, fmt.Errorf("WaitForDebugEvent: %w", err)
	}
	return decodeDebugEvent(raw), true, nil
}

func (p *winProcess) ContinueDebugEvent(processID, threadID uint32, status ContinueStatus) error {
	ret, _, err := procContinueDebugEvent.Call(uintptr(processID), uintptr(threadID), uintptr(status))
	if ret == 0 {
		return fmt.Errorf("ContinueDebugEvent: %w", err)
	}
	return nil
}

func (p *winProcess) Terminate(exitCode uint32) error {
	return windows.TerminateProcess(p.handle, exitCode)
}

func (p *winProcess) Close() error {
	for _, h := range p.threadHandles {
		windows.CloseHandle(h)
	}
	return windows.CloseHandle(p.handle)
}

func (p *winProcess) IsWow64() (bool, error) {
	var wow32 int32
	ret, _, err := procIsWow64Process.Call(uintptr(p.handle), uintptr(unsafe.Pointer(&wow32)))
	if ret == 0 {
		return false, fmt.Errorf("IsWow64Process: %w", err)
	}
	return wow32 != 0, nil
}

// EnumModules lists the modules currently loaded in process, as observed
// at the process entrypoint or a load-DLL event.
func EnumModules(process Process) ([]EnumModule, error) {
	wp, ok := process.(*winProcess)
	if !ok {
		return nil, fmt.Errorf("EnumModules requires a live winapi.Process")
	}
	const maxModules = 1024
	handles := make([]uintptr, maxModules)
	var needed uint32
	ret, _, err := procEnumProcessModules.Call(
		uintptr(wp.handle), uintptr(unsafe.Pointer(&handles[0])),
		uintptr(maxModules*unsafe.Sizeof(handles[0])), uintptr(unsafe.Pointer(&needed)))
	if ret == 0 {
		return nil, fmt.Errorf("EnumProcessModules: %w", err)
	}
	count := int(needed / uint32(unsafe.Sizeof(handles[0])))
	if count > maxModules {
		count = maxModules
	}

	out := make([]EnumModule, 0, count)
	for _, h := range handles[:count] {
		nameBuf := make([]uint16, 260)
		n, _, _ := procGetModuleBaseNameW.Call(
			uintptr(wp.handle), h, uintptr(unsafe.Pointer(&nameBuf[0])), uintptr(len(nameBuf)))
		pathBuf := make([]uint16, 260)
		procGetModuleFileNameExW.Call(
			uintptr(wp.handle), h, uintptr(unsafe.Pointer(&pathBuf[0])), uintptr(len(pathBuf)))
		out = append(out, EnumModule{
			BaseName: windows.UTF16ToString(nameBuf[:n]),
			DiskPath: windows.UTF16ToString(pathBuf),
			Base:     uint64(h),
		})
	}
	return out, nil
}

func decodeDebugEvent(raw debugEventRaw) DebugEvent {
	ev := DebugEvent{ProcessID: raw.ProcessID, ThreadID: raw.ThreadID}
	switch raw.Code {
	case 1:
		ev.Code = EventException
		ev.Exception = decodeExceptionCode(le32(raw.union[0:4]))
		ev.ExceptionAddress = le64(raw.union[8:16])
	case 3:
		ev.Code = EventCreateProcess
		ev.ImageBase = le64(raw.union[16:24])
	case 2:
		ev.Code = EventCreateThread
	case 4:
		ev.Code = EventExitThread
	case 5:
		ev.Code = EventExitProcess
		ev.ExitCode = le32(raw.union[0:4])
	case 6:
		ev.Code = EventLoadDLL
		ev.ImageBase = le64(raw.union[0:8])
	case 7:
		ev.Code = EventUnloadDLL
	case 8:
		ev.Code = EventOutputDebugString
	case 9:
		ev.Code = EventRIP
	default:
		ev.Code = EventUnknown
	}
	return ev
}

// decodeExceptionCode maps a subset of NTSTATUS exception codes to
// ExceptionClass.
func decodeExceptionCode(code uint32) ExceptionClass {
	switch code {
	case 0x80000003:
		return ExceptionBreakpoint
	case 0xC0000005:
		return ExceptionAccessViolation
	case 0xC000001D:
		return ExceptionIllegalInstruction
	case 0xC0000096:
		return ExceptionPrivilegedInstruction
	case 0xC0000094:
		return ExceptionIntegerDivideByZero
	case 0xC00000FD:
		return ExceptionStackOverflow
	case 0xC0000374:
		return ExceptionHeapCorruption
	case 0xC0000409:
		return ExceptionStackBufferOverrun
	case 0xC0000602:
		return ExceptionFastFail
	default:
		return ExceptionOther
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
