// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// verbosity mirrors syzkaller's pkg/log leveled logging: higher level means
// more detail, and a log line is only emitted if its level is <= the
// configured verbosity.
var (
	mu        sync.Mutex
	verbosity = 0
	mirror    io.WriteCloser
)

// EnableDebug raises the verbosity threshold and mirrors every Logf/Errorf
// line to the file at path, truncating it first. Used by -debug: "Write per-iteration and per-module log to debug.log."
func EnableDebug(path string) error {
	mu.Lock()
	defer mu.Unlock()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("open debug log %q: %w", path, err)
	}
	mirror = f
	verbosity = 3
	return nil
}

// Close flushes and closes the mirrored debug log, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if mirror != nil {
		mirror.Close()
		mirror = nil
	}
}

func write(prefix, format string, args ...any) {
	line := fmt.Sprintf("%s %s%s\n", time.Now().Format("15:04:05.000"), prefix, fmt.Sprintf(format, args...))
	mu.Lock()
	m := mirror
	mu.Unlock()
	os.Stderr.WriteString(line)
	if m != nil {
		io.WriteString(m, line)
	}
}

// Logf logs at the given level; level 0 is always shown, higher levels are
// only shown once -debug has raised the verbosity threshold.
func Logf(level int, format string, args ...any) {
	mu.Lock()
	v := verbosity
	mu.Unlock()
	if level > v {
		return
	}
	write("", format, args...)
}

// Errorf always logs, tagged as an error, and does not terminate the process.
func Errorf(format string, args ...any) {
	write("ERROR: ", format, args...)
}

// Fatalf logs the message, flushes the debug log, and terminates the
// process. Used for every class of error the harness treats as
// unrecoverable.
func Fatalf(format string, args ...any) {
	write("FATAL: ", format, args...)
	Close()
	os.Exit(1)
}
