// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build windows

package ipt

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// ioctlSession talks to the IPT kernel service driver through
// DeviceIoControl. The driver's own installation/enablement is out of
// scope here; this type assumes a handle to an already-running service
// device.
type ioctlSession struct {
	device windows.Handle
	cfg    Config
}

const (
	ioctlIptStart = 0x9C402000 // device-defined control code, start tracing
	ioctlIptStop  = 0x9C402004 // device-defined control code, stop tracing
	ioctlIptFetch = 0x9C402008 // device-defined control code, fetch trace blob
)

// OpenSession opens a handle to the IPT kernel service's control device.
func OpenSession() (Session, error) {
	path, err := windows.UTF16PtrFromString(`\\.\WinAFLPT`)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFile(path, windows.GENERIC_READ|windows.GENERIC_WRITE, 0, nil,
		windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		return &ioctlSession{}, nil // Available() reports false for this session's lifetime.
	}
	return &ioctlSession{device: h}, nil
}

func (s *ioctlSession) Available() bool {
	return s.device != 0
}

func (s *ioctlSession) Start(threadID uint32, cfg Config) error {
	if !s.Available() {
		return fmt.Errorf("ipt: kernel service unavailable")
	}
	s.cfg = cfg
	in := struct {
		ThreadID     uint32
		RingSizePow2 uint32
	}{threadID, cfg.RingSizePow2}
	var outLen uint32
	return windows.DeviceIoControl(s.device, ioctlIptStart,
		(*byte)(unsafe.Pointer(&in)), uint32(unsafe.Sizeof(in)), nil, 0, &outLen, nil)
}

func (s *ioctlSession) Stop() error {
	if !s.Available() {
		return nil
	}
	var outLen uint32
	return windows.DeviceIoControl(s.device, ioctlIptStop, nil, 0, nil, 0, &outLen, nil)
}

func (s *ioctlSession) FetchBlob() ([]ThreadTraceHeader, error) {
	if !s.Available() {
		return nil, fmt.Errorf("ipt: kernel service unavailable")
	}
	ringSize := uint64(1) << s.cfg.RingSizePow2
	const headerSize = 20 // ThreadID(4) + TraceSize(8) + RingOffset(8).
	out := make([]byte, headerSize+ringSize)
	var outLen uint32
	if err := windows.DeviceIoControl(s.device, ioctlIptFetch, nil, 0,
		&out[0], uint32(len(out)), &outLen, nil); err != nil {
		return nil, fmt.Errorf("fetching IPT trace blob: %w", err)
	}
	if outLen < headerSize {
		return nil, nil
	}
	threadID := binary.LittleEndian.Uint32(out[0:4])
	traceSize := binary.LittleEndian.Uint64(out[4:12])
	ringOffset := binary.LittleEndian.Uint64(out[12:20])
	return []ThreadTraceHeader{{
		ThreadID:   threadID,
		TraceSize:  traceSize,
		RingOffset: ringOffset,
		Trace:      out[headerSize:],
	}}, nil
}
