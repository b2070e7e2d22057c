// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
package breakpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/winaflpt/internal/procmem/procmock"
)

const base = 0x140000000

func newMock() *procmock.Process {
	image := make([]byte, 0x1000)
	for i := range image {
		image[i] = 0x90 // NOP filler, distinct from the trap byte.
	}
	return procmock.New(base, image)
}

// TestOpcodePreservation is property P1: after install then handle, the
// byte at the breakpoint address equals the original.
func TestOpcodePreservation(t *testing.T) {
	proc := newMock()
	addr := base + 0x10
	original := proc.ByteAt(addr)

	mgr := NewManager(proc)
	require.NoError(t, mgr.Install(addr, FuzzMethod, "", 0))
	assert.Equal(t, trapByte, proc.ByteAt(addr))

	hit, err := mgr.Handle(addr)
	require.NoError(t, err)
	assert.True(t, hit.Found)
	assert.Equal(t, FuzzMethod, hit.Kind)
	assert.Equal(t, original, proc.ByteAt(addr))
}

// TestOneShot is property P2: after a breakpoint fires, a second event at
// the same address with no reinstall returns Found == false.
func TestOneShot(t *testing.T) {
	proc := newMock()
	addr := base + 0x20

	mgr := NewManager(proc)
	require.NoError(t, mgr.Install(addr, Entrypoint, "", 0))
	hit, err := mgr.Handle(addr)
	require.NoError(t, err)
	require.True(t, hit.Found)

	hit, err = mgr.Handle(addr)
	require.NoError(t, err)
	assert.False(t, hit.Found)
}

// TestRoundTripImageIdentical is property R1: install then restore yields a
// process image byte-identical to pre-install.
func TestRoundTripImageIdentical(t *testing.T) {
	proc := newMock()
	addr := base + 0x30
	before, err := proc.ReadProcessMemory(base, 0x1000)
	require.NoError(t, err)

	mgr := NewManager(proc)
	require.NoError(t, mgr.Install(addr, ModuleLoaded, "target.dll", base))
	_, err = mgr.Handle(addr)
	require.NoError(t, err)

	after, err := proc.ReadProcessMemory(base, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestNoSharedAddressRecords(t *testing.T) {
	proc := newMock()
	addr := base + 0x40
	mgr := NewManager(proc)
	require.NoError(t, mgr.Install(addr, FuzzMethod, "", 0))
	require.Error(t, mgr.Install(addr, FuzzMethod, "", 0))
	assert.Equal(t, 1, mgr.Count())
}

func TestHandleUnknownAddress(t *testing.T) {
	proc := newMock()
	mgr := NewManager(proc)
	hit, err := mgr.Handle(base + 0x999)
	require.NoError(t, err)
	assert.False(t, hit.Found)
}

func TestModuleMetadataPreserved(t *testing.T) {
	proc := newMock()
	addr := base + 0x50
	mgr := NewManager(proc)
	require.NoError(t, mgr.Install(addr, ModuleLoaded, "fuzz.dll", base))
	hit, err := mgr.Handle(addr)
	require.NoError(t, err)
	assert.Equal(t, "fuzz.dll", hit.ModuleName)
	assert.Equal(t, uint64(base), hit.ModuleBase)
}
