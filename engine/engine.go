// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package engine wires target-process control, symbol resolution,
// breakpoints, the debug-event loop, and Intel PT tracing into a single
// long-lived value a fuzzer driver holds for a process's lifetime: Init
// builds it from argv, RunIteration drives one persistent-mode fuzzing
// iteration, and DebugTarget drives fuzz_iterations end-to-end for
// diagnostics. There is no package-level mutable debugger state; every
// call takes or returns an *Engine explicitly.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/google/winaflpt/engine/metrics"
	"github.com/google/winaflpt/internal/config"
	"github.com/google/winaflpt/internal/events"
	"github.com/google/winaflpt/internal/ipt"
	"github.com/google/winaflpt/internal/symbols"
	"github.com/google/winaflpt/internal/winapi"
	"github.com/google/winaflpt/internal/winproc"
	"github.com/google/winaflpt/pkg/log"
)

// FaultCode is the coarse iteration outcome RunIteration and DebugTarget
// report to the fuzzer driver.
type FaultCode int

const (
	FaultNone FaultCode = iota
	FaultTimeout
	FaultCrash
	FaultError
	FaultNoInst
	FaultNoBits
)

func (f FaultCode) String() string {
	switch f {
	case FaultNone:
		return "None"
	case FaultTimeout:
		return "Timeout"
	case FaultCrash:
		return "Crash"
	case FaultError:
		return "Error"
	case FaultNoInst:
		return "NoInst"
	case FaultNoBits:
		return "NoBits"
	default:
		return "Unknown"
	}
}

// DefaultMapSize is the externally-owned coverage bitmap's typical size.
const DefaultMapSize = 65536

// firstEntryTimeout bounds how long the engine waits for the very first
// iteration of a freshly launched process to reach the fuzz method. It
// is generous because it also covers process/loader startup, not just
// the fuzz method's own execution.
const firstEntryTimeout = 30 * time.Second

// Engine is the process-scoped value that replaces a debugger's usual
// file-static globals. It owns the traced process across
// persistent-mode iterations and is not safe for concurrent use from more
// than one RunIteration/DebugTarget call at a time (sem enforces this).
type Engine struct {
	cfg         *config.Config
	id          uuid.UUID
	controller  *winproc.Controller
	session     ipt.Session
	debugLookup symbols.DebugSymbolLookup
	fold        *ipt.Bitmap
	stats       *ipt.Stats
	metrics     *metrics.Registry
	sem         *semaphore.Weighted

	// DecoderFactory builds the packet-level IPT decoder handed each
	// iteration's accumulated trace bytes. The concrete decoder library
	// is an out-of-scope external collaborator; production
	// callers override this after Init with a real binding. Exported so
	// callers outside this package can plug one in.
	DecoderFactory ipt.DecoderFactory

	proc      winapi.Process
	loop      *events.Loop
	iteration int

	// lastTrace holds the most recently completed iteration's raw IPT
	// bytes, captured before any process reset, for DebugTarget's
	// optional trace dump.
	lastTrace []byte
}

// Init implements init(argv) -> argv_cursor: it parses the
// harness flags up to "--", verifies the IPT kernel service is available,
// and returns a ready Engine plus the index of "--" in argv so the caller
// knows where the traced child's own argv begins. Every failure here is
// class-1 fatal; the caller is expected to log.Fatalf on a
// non-nil error, not retry.
func Init(argv []string) (*Engine, int, error) {
	cfg, cursor, err := config.Parse(argv)
	if err != nil {
		return nil, -1, fmt.Errorf("parsing harness configuration: %w", err)
	}
	if cfg.DebugMode {
		if err := log.EnableDebug("debug.log"); err != nil {
			return nil, -1, err
		}
	}

	session, err := ipt.OpenSession()
	if err != nil {
		return nil, -1, fmt.Errorf("opening IPT session: %w", err)
	}
	if !session.Available() {
		return nil, -1, fmt.Errorf("IPT kernel service unavailable")
	}

	debugLookup, err := symbols.NewDbgHelpLookup()
	if err != nil {
		return nil, -1, fmt.Errorf("initializing debug-symbol lookup: %w", err)
	}

	mode := ipt.ModeBlock
	if cfg.CoverageKind == config.CoverageEdge {
		mode = ipt.ModeEdge
	}

	e := &Engine{
		cfg:            cfg,
		id:             uuid.New(),
		controller:     winproc.New(cfg),
		session:        session,
		debugLookup:    debugLookup,
		fold:           ipt.NewBitmap(DefaultMapSize, mode),
		stats:          ipt.NewStats(),
		metrics:        metrics.New(),
		sem:            semaphore.NewWeighted(1),
		DecoderFactory: ipt.DefaultDecoderFactory,
	}
	if cfg.MetricsAddr != "" {
		if err := e.metrics.Serve(cfg.MetricsAddr); err != nil {
			return nil, -1, fmt.Errorf("starting metrics listener on %q: %w", cfg.MetricsAddr, err)
		}
		log.Logf(0, "engine[%s]: serving diagnostic metrics on %s", e.id, cfg.MetricsAddr)
	}
	log.Logf(0, "engine[%s]: initialized, target_module=%q covtype=%v", e.id, cfg.TargetModule, cfg.CoverageKind)
	return e, cursor, nil
}

// RunIteration implements run_iteration(argv, timeout) -> FaultCode.
// bitmap is the externally-owned coverage map; it is zeroed
// unconditionally at the start of the call. childCommandLine is the
// already-formatted command line for the traced process (argv-to-
// command-line formatting is the caller's responsibility); timeout
// bounds the traced iteration. On a call that launches the process, the
// launch-and-arm phase before it is bounded separately by
// firstEntryTimeout.
func (e *Engine) RunIteration(bitmap []byte, childCommandLine string, timeout time.Duration) FaultCode {
	ctx := context.Background()
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return FaultError
	}
	defer e.sem.Release(1)

	for i := range bitmap {
		bitmap[i] = 0
	}

	if e.proc == nil {
		if err := e.launchAndArm(childCommandLine); err != nil {
			// Pre-first-iteration abnormal termination is fatal: the harness cannot fuzz a target it cannot
			// enter.
			log.Fatalf("engine[%s]: %v", e.id, err)
		}
	}

	e.loop.SetBitmap(bitmap)
	result, err := e.loop.RunIteration(timeout)
	if err != nil {
		log.Errorf("engine[%s]: iteration error: %v", e.id, err)
		e.resetProcess()
		return FaultError
	}

	e.lastTrace = e.loop.LastTrace()

	fault := e.classifyResult(result, bitmap)
	e.metrics.Iterations.WithLabelValues(fault.String()).Inc()
	switch fault {
	case FaultCrash:
		e.metrics.Crashes.Inc()
	case FaultTimeout:
		e.metrics.Timeouts.Inc()
		if result == events.ResultHanged {
			e.metrics.Hangs.Inc()
		}
	}
	return fault
}

// classifyResult turns one debug-event-loop Result into the FaultCode
// RunIteration reports, driving the same process-lifecycle transitions
// (retiring or resetting the traced process) the fault code implies.
func (e *Engine) classifyResult(result events.Result, bitmap []byte) FaultCode {
	switch result {
	case events.ResultFuzzMethodEnd:
		e.iteration++
		if e.iteration >= e.cfg.FuzzIterations {
			log.Logf(0, "engine[%s]: fuzz_iterations cap (%d) reached, retiring process", e.id, e.cfg.FuzzIterations)
			e.terminateAndReset()
		}
		if !anyNonZero(bitmap) {
			return FaultNoBits
		}
		return FaultNone

	case events.ResultCrashed:
		log.Logf(0, "engine[%s]: crash at iteration %d", e.id, e.iteration+1)
		e.terminateAndReset()
		return FaultCrash

	case events.ResultHanged:
		log.Logf(0, "engine[%s]: hang at iteration %d", e.id, e.iteration+1)
		e.terminateAndReset()
		return FaultTimeout

	case events.ResultProcessExit:
		log.Logf(0, "engine[%s]: traced process exited mid-run", e.id)
		e.resetProcess()
		return FaultError

	default:
		return FaultError
	}
}

// launchAndArm implements the first-call half of run_iteration: launch the child and drive the debug-event loop until the fuzz
// method is first reached. Any abnormal termination before that point is
// reported as an error for the caller to treat as fatal.
func (e *Engine) launchAndArm(commandLine string) error {
	proc, err := e.controller.Launch(commandLine)
	if err != nil {
		return fmt.Errorf("launching target: %w", err)
	}
	e.proc = proc
	e.loop = events.New(proc, e.cfg, e.session, e.fold, e.debugLookup, e.DecoderFactory, e.stats)
	e.iteration = 0

	result, err := e.loop.RunIteration(firstEntryTimeout)
	if err != nil {
		e.resetProcess()
		return fmt.Errorf("driving target to fuzz method: %w", err)
	}
	if result != events.ResultFuzzMethodReached {
		e.resetProcess()
		return fmt.Errorf("target did not reach fuzz method on first launch, got %v", result)
	}
	return nil
}

// terminateAndReset force-kills and reaps the traced process, then calls
// resetProcess so the next RunIteration relaunches.
func (e *Engine) terminateAndReset() {
	if e.proc != nil {
		if err := e.proc.Terminate(1); err != nil {
			log.Errorf("engine[%s]: terminating traced process: %v", e.id, err)
		}
	}
	e.resetProcess()
}

// resetProcess nulls the process/loop handles.
func (e *Engine) resetProcess() {
	if e.proc != nil {
		e.proc.Close()
	}
	e.proc = nil
	e.loop = nil
	e.iteration = 0
}

// DebugTarget drives fuzz_iterations runs of commandLine end-to-end for
// diagnostic use, logging each iteration's fault code, the final bitmap
// in hex, and the trace-size/decode-latency distribution, and writing an
// xz-compressed dump of the last iteration's trace bytes to the current
// working directory.
func (e *Engine) DebugTarget(commandLine string, timeout time.Duration) error {
	bitmap := make([]byte, DefaultMapSize)
	for i := 0; i < e.cfg.FuzzIterations; i++ {
		fault := e.RunIteration(bitmap, commandLine, timeout)
		log.Logf(0, "engine[%s]: debug_target iteration %d -> %v", e.id, i+1, fault)
		if fault == FaultCrash || fault == FaultTimeout {
			break
		}
	}
	dump := log.Truncate([]byte(fmt.Sprintf("%x", bitmap)), 64, 64)
	log.Logf(1, "engine[%s]: final bitmap: %s", e.id, dump)

	summary := e.stats.Summary()
	log.Logf(0, "engine[%s]: trace stats mean_bytes=%.0f mean_decode_us=%.0f", e.id, summary.MeanTraceBytes, summary.MeanDecodeMicros)

	if len(e.lastTrace) > 0 {
		path := fmt.Sprintf("winaflpt-debug-%s.trace.xz", e.id)
		if err := ipt.DumpTrace(path, e.lastTrace); err != nil {
			log.Errorf("engine[%s]: dumping trace: %v", e.id, err)
		} else {
			log.Logf(0, "engine[%s]: wrote trace dump %s", e.id, path)
		}
	}
	return nil
}

func anyNonZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return true
		}
	}
	return false
}
