// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package procmock implements an in-memory procmem.Memory /
// procmem.ThreadContextAccess double for property tests P1, P2, R1 and for
// unit tests of the breakpoint manager and debug event loop that do not
// require a real Windows process.
package procmock

import (
	"fmt"
	"sync"

	"github.com/google/winaflpt/internal/procmem"
)

// Process is a fake traced process: a flat byte image addressed starting at
// Base, plus a set of thread register files.
type Process struct {
	mu       sync.Mutex
	Base     uint64
	image    []byte
	contexts map[uint32]procmem.ThreadContext
	// FlushedRanges records every FlushICache call, for assertions.
	FlushedRanges []Range
}

type Range struct {
	Address uint64
	Size    int
}

// New creates a mock process whose address space is [base, base+len(image)).
func New(base uint64, image []byte) *Process {
	cp := make([]byte, len(image))
	copy(cp, image)
	return &Process{
		Base:     base,
		image:    cp,
		contexts: map[uint32]procmem.ThreadContext{},
	}
}

func (p *Process) offset(address uint64, size int) (int, error) {
	if address < p.Base || address+uint64(size) > p.Base+uint64(len(p.image)) {
		return 0, fmt.Errorf("address %#x size %d out of mock process bounds", address, size)
	}
	return int(address - p.Base), nil
}

func (p *Process) ReadProcessMemory(address uint64, size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	off, err := p.offset(address, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, p.image[off:off+size])
	return out, nil
}

func (p *Process) WriteProcessMemory(address uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	off, err := p.offset(address, len(data))
	if err != nil {
		return err
	}
	copy(p.image[off:off+len(data)], data)
	return nil
}

func (p *Process) FlushICache(address uint64, size int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FlushedRanges = append(p.FlushedRanges, Range{address, size})
	return nil
}

func (p *Process) GetThreadContext(threadID uint32) (procmem.ThreadContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, ok := p.contexts[threadID]
	if !ok {
		return procmem.ThreadContext{}, fmt.Errorf("unknown thread %d", threadID)
	}
	return ctx, nil
}

func (p *Process) SetThreadContext(threadID uint32, ctx procmem.ThreadContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contexts[threadID] = ctx
	return nil
}

// SeedThreadContext installs the initial register file for a thread, as if
// captured from a real OpenThread/GetThreadContext call.
func (p *Process) SeedThreadContext(threadID uint32, ctx procmem.ThreadContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contexts[threadID] = ctx
}

// ByteAt returns a single byte from the mock image, for assertions.
func (p *Process) ByteAt(address uint64) byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	off, err := p.offset(address, 1)
	if err != nil {
		panic(err)
	}
	return p.image[off]
}
