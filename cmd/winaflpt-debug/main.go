// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Command winaflpt-debug is a diagnostic driver: a stand-in for the
// outer fuzzer main loop, wired just enough to drive fuzz_iterations
// end-to-end against one target and print the result.
package main

import (
	"os"
	"strings"
	"time"

	"github.com/google/winaflpt/engine"
	"github.com/google/winaflpt/pkg/log"
)

// commandLine joins argv into a single Windows command-line string,
// quoting any argument containing whitespace. Argument-vector-to-
// command-line formatting is an out-of-scope external collaborator
//; this is the minimal version that collaborator needs to
// provide.
func commandLine(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if strings.ContainsAny(a, " \t\"") {
			parts[i] = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}

func main() {
	e, cursor, err := engine.Init(os.Args[1:])
	if err != nil {
		log.Fatalf("winaflpt-debug: %v", err)
	}
	childArgv := os.Args[1+cursor+1:]
	if len(childArgv) == 0 {
		log.Fatalf("winaflpt-debug: no target command line given after --")
	}

	if err := e.DebugTarget(commandLine(childArgv), 5*time.Second); err != nil {
		log.Fatalf("winaflpt-debug: %v", err)
	}
}
