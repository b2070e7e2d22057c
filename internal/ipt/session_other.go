// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build !windows

package ipt

import "errors"

// ErrUnsupported is returned by the stub Session on non-Windows
// platforms, where no IPT kernel service exists.
var ErrUnsupported = errors.New("ipt: hardware tracing requires windows")

type stubSession struct{}

// OpenSession returns a Session whose Available() always reports false on
// non-Windows platforms; ring reassembly, decoding and coverage folding
// (the pure-Go parts of this package) are still fully usable and tested
// here.
func OpenSession() (Session, error) {
	return stubSession{}, nil
}

func (stubSession) Available() bool                             { return false }
func (stubSession) Start(threadID uint32, cfg Config) error      { return ErrUnsupported }
func (stubSession) Stop() error                                  { return nil }
func (stubSession) FetchBlob() ([]ThreadTraceHeader, error)      { return nil, ErrUnsupported }
