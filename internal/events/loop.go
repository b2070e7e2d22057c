// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package events implements the debug event loop and persistence engine:
// the per-process state machine, thread-context snapshot/restore for the
// return-trick, and dispatch of the OS debug-event stream.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/winaflpt/internal/breakpoint"
	"github.com/google/winaflpt/internal/callconv"
	"github.com/google/winaflpt/internal/config"
	"github.com/google/winaflpt/internal/ipt"
	"github.com/google/winaflpt/internal/peimage"
	"github.com/google/winaflpt/internal/procmem"
	"github.com/google/winaflpt/internal/symbols"
	"github.com/google/winaflpt/internal/winapi"
	"github.com/google/winaflpt/pkg/log"
)

// sentinelReturnAddress is the reserved, permanently-unmapped value the
// return trick overwrites a function's return slot with.
const sentinelReturnAddress = 0x0AF1

// State is the per-process lifecycle state.
type State int

const (
	StateLaunched State = iota
	StateEntrypointHit
	StateModulesEnumerated
	StateFuzzMethodArmed
	StateFuzzMethodReached
	StateTraceCollected
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateLaunched:
		return "launched"
	case StateEntrypointHit:
		return "entrypoint-hit"
	case StateModulesEnumerated:
		return "modules-enumerated"
	case StateFuzzMethodArmed:
		return "fuzz-method-armed"
	case StateFuzzMethodReached:
		return "fuzz-method-reached"
	case StateTraceCollected:
		return "trace-collected"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Result is the outcome of one RunIteration call.
type Result int

const (
	ResultFuzzMethodReached Result = iota
	ResultFuzzMethodEnd
	ResultCrashed
	ResultProcessExit
	ResultHanged
)

func (r Result) String() string {
	switch r {
	case ResultFuzzMethodReached:
		return "FuzzMethodReached"
	case ResultFuzzMethodEnd:
		return "FuzzMethodEnd"
	case ResultCrashed:
		return "Crashed"
	case ResultProcessExit:
		return "ProcessExit"
	case ResultHanged:
		return "Hanged"
	default:
		return "Unknown"
	}
}

// snapshot is the iteration snapshot: captured once, on first entry,
// and reused on every subsequent re-entry.
type snapshot struct {
	threadID uint32
	address  uint64
	args     callconv.Snapshot
}

// Loop drives a single traced process's debug-event stream through its
// state machine. It is not safe for concurrent use — the engine is
// single-threaded by design.
type Loop struct {
	proc        winapi.Process
	bp          *breakpoint.Manager
	cfg         *config.Config
	debugLookup symbols.DebugSymbolLookup

	state State

	targetAddress uint64 // resolved once modules are enumerated / the target module loads
	targetResolved bool

	snap *snapshot

	ring    *ipt.RingDrainer
	session ipt.Session
	bitmap  *ipt.Bitmap
	tracing bool

	decoderFactory ipt.DecoderFactory
	stats          *ipt.Stats
	extBitmap      []byte
}

// New returns a Loop ready to drive proc from StateLaunched. decoderFactory
// builds the packet-level decoder handed the accumulated trace at the end
// of each iteration; stats may be nil.
func New(proc winapi.Process, cfg *config.Config, session ipt.Session, bitmap *ipt.Bitmap,
	debugLookup symbols.DebugSymbolLookup, decoderFactory ipt.DecoderFactory, stats *ipt.Stats) *Loop {
	if decoderFactory == nil {
		decoderFactory = ipt.DefaultDecoderFactory
	}
	return &Loop{
		proc:           proc,
		bp:             breakpoint.NewManager(proc),
		cfg:            cfg,
		debugLookup:    debugLookup,
		session:        session,
		bitmap:         bitmap,
		ring:           ipt.NewRingDrainer(),
		decoderFactory: decoderFactory,
		stats:          stats,
	}
}

// SetBitmap points the loop at the externally-owned coverage bitmap
// the next RunIteration call should fold trace IPs into.
func (l *Loop) SetBitmap(bitmap []byte) {
	l.extBitmap = bitmap
}

// State reports the loop's current lifecycle state, for logging.
func (l *Loop) State() State {
	return l.state
}

// LastTrace returns the raw IPT bytes accumulated during the most
// recently completed RunIteration call, for diagnostic dumping.
func (l *Loop) LastTrace() []byte {
	return l.ring.Bytes()
}

// RunIteration drives the traced process until the fuzz method is first
// reached, or — on every call after the first — until one full traced
// invocation of the fuzz method completes. timeout
// bounds the whole call; exceeding it returns ResultHanged.
func (l *Loop) RunIteration(timeout time.Duration) (Result, error) {
	deadline := time.Now().Add(timeout)
	l.ring.Reset()
	l.bitmap.ResetIteration()

	// After the first entry, tracing was stopped at the previous sentinel
	// hit; restart it before resuming the re-armed fuzz method.
	if l.snap != nil && !l.tracing {
		if l.session.Available() {
			if err := l.session.Start(l.snap.threadID, ipt.DefaultConfig); err != nil {
				return ResultCrashed, fmt.Errorf("starting IPT trace: %w", err)
			}
		}
		l.tracing = true
	}

	for {
		if time.Now().After(deadline) {
			return ResultHanged, nil
		}

		waitMs := uint32(100)
		if l.tracing {
			waitMs = 0
			if l.session.Available() {
				headers, err := l.session.FetchBlob()
				if err != nil {
					log.Errorf("events: fetching IPT blob: %v", err)
				} else {
					l.ring.DrainBlob(headers, l.snap.threadID)
				}
			}
		}

		ev, ok, err := l.proc.WaitForDebugEvent(waitMs)
		if err != nil {
			return ResultCrashed, fmt.Errorf("waiting for debug event: %w", err)
		}
		if !ok {
			continue
		}

		result, status, done, err := l.dispatch(ev)
		if err != nil {
			return ResultCrashed, err
		}
		if err := l.proc.ContinueDebugEvent(ev.ProcessID, ev.ThreadID, status); err != nil {
			return ResultCrashed, fmt.Errorf("continuing debug event: %w", err)
		}
		if done {
			return result, nil
		}
	}
}

// dispatch handles a single debug event, returning the Result to
// surface (if any), the continue status, and whether RunIteration
// should return now.
func (l *Loop) dispatch(ev winapi.DebugEvent) (Result, winapi.ContinueStatus, bool, error) {
	switch ev.Code {
	case winapi.EventException:
		return l.dispatchException(ev)

	case winapi.EventCreateProcess:
		if err := l.onCreateProcess(ev); err != nil {
			return 0, winapi.ContinueNormal, false, err
		}
		return 0, winapi.ContinueNormal, false, nil

	case winapi.EventLoadDLL:
		if err := l.onLoadDLL(ev); err != nil {
			return 0, winapi.ContinueNormal, false, err
		}
		return 0, winapi.ContinueNormal, false, nil

	case winapi.EventExitProcess:
		l.state = StateTerminated
		return ResultProcessExit, winapi.ContinueNormal, true, nil

	default:
		// Thread create/exit, unload-DLL, debug-string, RIP: continued
		// silently.
		return 0, winapi.ContinueNormal, false, nil
	}
}

func (l *Loop) dispatchException(ev winapi.DebugEvent) (Result, winapi.ContinueStatus, bool, error) {
	switch ev.Exception {
	case winapi.ExceptionBreakpoint:
		return l.dispatchBreakpoint(ev)

	case winapi.ExceptionAccessViolation:
		if ev.ExceptionAddress == sentinelReturnAddress {
			if err := l.onSentinelHit(ev.ThreadID); err != nil {
				return 0, winapi.ContinueNormal, false, err
			}
			l.tracing = false
			return ResultFuzzMethodEnd, winapi.ContinueNormal, true, nil
		}
		return ResultCrashed, winapi.ContinueExceptionNotHandled, true, nil

	case winapi.ExceptionIllegalInstruction, winapi.ExceptionPrivilegedInstruction,
		winapi.ExceptionIntegerDivideByZero, winapi.ExceptionStackOverflow,
		winapi.ExceptionHeapCorruption, winapi.ExceptionStackBufferOverrun, winapi.ExceptionFastFail:
		return ResultCrashed, winapi.ContinueExceptionNotHandled, true, nil

	default:
		return 0, winapi.ContinueExceptionNotHandled, false, nil
	}
}

func (l *Loop) dispatchBreakpoint(ev winapi.DebugEvent) (Result, winapi.ContinueStatus, bool, error) {
	hit, err := l.bp.Handle(ev.ExceptionAddress)
	if err != nil {
		return 0, winapi.ContinueNormal, false, fmt.Errorf("servicing breakpoint at %#x: %w", ev.ExceptionAddress, err)
	}
	if !hit.Found {
		return 0, winapi.ContinueExceptionNotHandled, false, nil
	}

	// Re-execute the original instruction: set IP back to the trap
	// address now that the original opcode has been restored.
	ctx, err := l.proc.GetThreadContext(ev.ThreadID)
	if err != nil {
		return 0, winapi.ContinueNormal, false, fmt.Errorf("reading thread context after breakpoint: %w", err)
	}
	ctx.IP = ev.ExceptionAddress
	if err := l.proc.SetThreadContext(ev.ThreadID, ctx); err != nil {
		return 0, winapi.ContinueNormal, false, fmt.Errorf("restoring instruction pointer after breakpoint: %w", err)
	}

	switch hit.Kind {
	case breakpoint.FuzzMethod:
		if err := l.onFuzzMethodHit(ev.ThreadID, ev.ExceptionAddress); err != nil {
			return 0, winapi.ContinueNormal, false, err
		}
		l.state = StateFuzzMethodReached
		l.tracing = true
		return ResultFuzzMethodReached, winapi.ContinueNormal, true, nil

	case breakpoint.Entrypoint:
		l.state = StateEntrypointHit
		if err := l.EnumerateModules(); err != nil {
			return 0, winapi.ContinueNormal, false, err
		}
		return 0, winapi.ContinueNormal, false, nil

	case breakpoint.ModuleLoaded:
		if err := l.installFuzzMethodOnModule(hit.ModuleName, hit.ModuleBase); err != nil {
			return 0, winapi.ContinueNormal, false, err
		}
		return 0, winapi.ContinueNormal, false, nil

	default:
		return 0, winapi.ContinueNormal, false, nil
	}
}

func (l *Loop) onCreateProcess(ev winapi.DebugEvent) error {
	reader := peimage.RemoteReader{Mem: l.proc, Base: ev.ImageBase}
	entry, err := peimage.Entrypoint(ev.ImageBase, reader)
	if err != nil {
		return fmt.Errorf("resolving main image entrypoint: %w", err)
	}
	if err := l.bp.Install(entry, breakpoint.Entrypoint, "", ev.ImageBase); err != nil {
		return fmt.Errorf("installing entrypoint breakpoint: %w", err)
	}
	return nil
}

func (l *Loop) onLoadDLL(ev winapi.DebugEvent) error {
	if l.state != StateEntrypointHit && l.state != StateModulesEnumerated && l.state != StateFuzzMethodArmed {
		// Late-loaded modules are only intercepted after the process
		// entrypoint has been reached.
		return nil
	}
	if l.targetResolved {
		return nil
	}
	modules, err := winapi.EnumModules(l.proc)
	if err != nil {
		return nil // Best-effort; the base-name match below falls through to nothing.
	}
	for _, m := range modules {
		if m.Base != ev.ImageBase {
			continue
		}
		if !strings.EqualFold(m.BaseName, l.cfg.TargetModule) {
			return nil
		}
		reader := peimage.RemoteReader{Mem: l.proc, Base: m.Base}
		entry, err := peimage.Entrypoint(m.Base, reader)
		if err != nil {
			return fmt.Errorf("resolving late-loaded module entrypoint: %w", err)
		}
		return l.bp.Install(entry, breakpoint.ModuleLoaded, m.BaseName, m.Base)
	}
	return nil
}

// installFuzzMethodOnModule resolves the fuzz method inside a now-loaded
// module (either enumerated at the process entrypoint or hit via its own
// deferred module-loaded breakpoint) and arms the fuzz-method breakpoint.
func (l *Loop) installFuzzMethodOnModule(moduleName string, moduleBase uint64) error {
	reader := peimage.RemoteReader{Mem: l.proc, Base: moduleBase}
	target, err := symbols.Resolve(symbols.Module{Base: moduleBase, Remote: reader, DiskPath: moduleName},
		l.cfg.TargetOffset, l.cfg.TargetMethod, l.debugLookup)
	if err != nil {
		return fmt.Errorf("resolving fuzz method in %q: %w", moduleName, err)
	}
	l.targetAddress = target.Address
	l.targetResolved = true
	if err := l.bp.Install(target.Address, breakpoint.FuzzMethod, moduleName, moduleBase); err != nil {
		return fmt.Errorf("installing fuzz-method breakpoint: %w", err)
	}
	l.state = StateFuzzMethodArmed
	log.Logf(1, "events: fuzz method resolved at %#x via %v", target.Address, target.Strategy)
	return nil
}

// EnumerateModules performs the one-time module enumeration triggered by
// the process entrypoint breakpoint: loaded modules are logged in
// enumeration order until the one matching TargetModule (if already
// loaded), which is instrumented immediately; modules after the match are
// not logged.
func (l *Loop) EnumerateModules() error {
	modules, err := winapi.EnumModules(l.proc)
	if err != nil {
		return fmt.Errorf("enumerating modules: %w", err)
	}
	l.state = StateModulesEnumerated
	for _, m := range modules {
		log.Logf(2, "events: module %s base=%#x path=%s", m.BaseName, m.Base, m.DiskPath)
		if strings.EqualFold(m.BaseName, l.cfg.TargetModule) {
			return l.installFuzzMethodOnModule(m.BaseName, m.Base)
		}
	}
	return nil
}

// onFuzzMethodHit implements the entry-to-target transition: bind the
// fuzz thread, snapshot its context and arguments, and plant the
// sentinel return address.
func (l *Loop) onFuzzMethodHit(threadID uint32, address uint64) error {
	ctx, err := l.proc.GetThreadContext(threadID)
	if err != nil {
		return fmt.Errorf("reading fuzz-thread context: %w", err)
	}
	args, err := callconv.Capture(l.proc, ctx, l.cfg.CallConv, l.cfg.NumArgs)
	if err != nil {
		return fmt.Errorf("capturing fuzz-method arguments: %w", err)
	}
	l.snap = &snapshot{threadID: threadID, address: address, args: args}

	// Tracing is started immediately before resuming the traced process
	// for an iteration.
	if l.session.Available() {
		if err := l.session.Start(threadID, ipt.DefaultConfig); err != nil {
			return fmt.Errorf("starting IPT trace: %w", err)
		}
	}

	sentinel := make([]byte, 8)
	sentinel[0] = sentinelReturnAddress & 0xFF
	sentinel[1] = (sentinelReturnAddress >> 8) & 0xFF
	if err := l.proc.WriteProcessMemory(ctx.SP, sentinel); err != nil {
		return fmt.Errorf("planting sentinel return address: %w", err)
	}
	return nil
}

// onSentinelHit implements "Iteration return": restore the
// thread to fuzzAddress with the captured arguments, and (via caller)
// report FuzzMethodEnd.
func (l *Loop) onSentinelHit(threadID uint32) error {
	ctx, err := l.proc.GetThreadContext(threadID)
	if err != nil {
		return fmt.Errorf("reading thread context at sentinel hit: %w", err)
	}
	restored, err := callconv.Restore(l.proc, ctx, l.cfg.CallConv, l.snap.args, l.snap.address)
	if err != nil {
		return fmt.Errorf("restoring captured arguments: %w", err)
	}
	if err := l.proc.SetThreadContext(threadID, restored); err != nil {
		return fmt.Errorf("applying restored thread context: %w", err)
	}

	sentinel := make([]byte, 8)
	sentinel[0] = sentinelReturnAddress & 0xFF
	sentinel[1] = (sentinelReturnAddress >> 8) & 0xFF
	if err := l.proc.WriteProcessMemory(restored.SP, sentinel); err != nil {
		return err
	}

	l.decodeAndFold()
	return nil
}

// decodeAndFold implements the end-of-iteration half of the trace
// pipeline: tracing is stopped, the accumulated ring bytes are handed to
// the packet-level decoder, and every TIP packet's reconstructed IP is
// folded into the externally-owned coverage bitmap.
func (l *Loop) decodeAndFold() {
	if l.session.Available() {
		if err := l.session.Stop(); err != nil {
			log.Errorf("events: stopping IPT trace: %v", err)
		}
	}
	trace := l.ring.Bytes()
	if l.extBitmap != nil {
		start := time.Now()
		dec := l.decoderFactory(trace)
		ipt.Decode(dec, func(ip uint64) { l.bitmap.Fold(l.extBitmap, ip) })
		if l.stats != nil {
			l.stats.ObserveTraceSize(len(trace))
			l.stats.ObserveDecodeLatency(float64(time.Since(start).Microseconds()))
		}
	}
	log.Logf(1, "events: iteration trace %d bytes (overflowed=%v)", len(trace), l.ring.Overflowed())
}

var _ procmem.ThreadContextAccess = (winapi.Process)(nil)
