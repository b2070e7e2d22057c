// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build !windows

package symbols

import "errors"

// ErrUnsupported is returned by DbgHelpLookup on platforms other than
// Windows, where no debug-symbol backend is available.
var ErrUnsupported = errors.New("symbols: debug-symbol lookup requires windows")

// DbgHelpLookup is a non-functional stand-in on non-Windows platforms, so
// the rest of the module (config parsing, the export-table strategies,
// property tests) builds and runs portably; only Resolve is unsupported.
type DbgHelpLookup struct{}

func NewDbgHelpLookup() (*DbgHelpLookup, error) {
	return &DbgHelpLookup{}, nil
}

func (d *DbgHelpLookup) Resolve(diskPath, name string) (uint64, bool, error) {
	return 0, false, ErrUnsupported
}

func (d *DbgHelpLookup) Close() error {
	return nil
}
