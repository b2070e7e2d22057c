// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipt

import (
	"fmt"
	"io"
	"os"

	"github.com/ulikunitz/xz"
)

// DumpTrace writes trace, xz-compressed, to path. This is an optional
// diagnostic aid invoked from debug_target; it plays no part
// in the core run_iteration contract.
func DumpTrace(path string, trace []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating trace dump %q: %w", path, err)
	}
	defer f.Close()

	w, err := xz.NewWriter(f)
	if err != nil {
		return fmt.Errorf("initializing xz writer for %q: %w", path, err)
	}
	defer w.Close()

	if _, err := w.Write(trace); err != nil {
		return fmt.Errorf("writing trace dump %q: %w", path, err)
	}
	return nil
}

// LoadTraceDump reads and decompresses a trace previously written by
// DumpTrace.
func LoadTraceDump(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening trace dump %q: %w", path, err)
	}
	defer f.Close()

	r, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("initializing xz reader for %q: %w", path, err)
	}
	return io.ReadAll(r)
}
