// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package callconv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/winaflpt/internal/config"
	"github.com/google/winaflpt/internal/procmem"
	"github.com/google/winaflpt/internal/procmem/procmock"
)

const (
	base    = 0x140000000
	spValue = base + 0x800
)

func newStackMock() *procmock.Process {
	image := make([]byte, 0x1000)
	return procmock.New(base, image)
}

// seedContext writes a deterministic, distinguishable value into every
// register and stack slot Capture might read for numArgs, and returns the
// resulting ThreadContext anchored at spValue.
func seedContext(t *testing.T, proc *procmock.Process) procmem.ThreadContext {
	t.Helper()
	ctx := procmem.ThreadContext{SP: spValue}
	for i := range ctx.Arg {
		ctx.Arg[i] = uint64(0x1000 + i)
	}
	stackImage := make([]byte, 0x100)
	for i := range stackImage {
		stackImage[i] = byte(0x20 + i)
	}
	require.NoError(t, proc.WriteProcessMemory(spValue, stackImage))
	return ctx
}

// TestCaptureRestoreRoundTrip is property P4: after capture then restore,
// registers and stack slots byte-equal the originally captured values.
func TestCaptureRestoreRoundTrip(t *testing.T) {
	for _, conv := range []config.CallConv{
		config.CallConvMSx64, config.CallConvCdecl, config.CallConvFastcall, config.CallConvThiscall,
	} {
		t.Run(conv.String(), func(t *testing.T) {
			proc := newStackMock()
			ctx := seedContext(t, proc)

			snap, err := Capture(proc, ctx, conv, 6)
			require.NoError(t, err)

			// Scribble over everything capture read, to prove restore
			// actually writes it back rather than it remaining untouched.
			scribbled := ctx
			for i := range scribbled.Arg {
				scribbled.Arg[i] = 0xDEADBEEF
			}
			require.NoError(t, proc.WriteProcessMemory(spValue, make([]byte, 0x100)))

			restored, err := Restore(proc, scribbled, conv, snap, base+0x9999)
			require.NoError(t, err)
			assert.Equal(t, uint64(base+0x9999), restored.IP)
			assert.Equal(t, snap.SP, restored.SP)

			again, err := Capture(proc, restored, conv, 6)
			require.NoError(t, err)
			assert.Equal(t, snap.Args, again.Args)
		})
	}
}

func TestMSx64RegisterArgs(t *testing.T) {
	proc := newStackMock()
	ctx := seedContext(t, proc)
	snap, err := Capture(proc, ctx, config.CallConvMSx64, 2)
	require.NoError(t, err)
	assert.Equal(t, ctx.Arg[0], snap.Args[0])
	assert.Equal(t, ctx.Arg[1], snap.Args[1])
}

func TestCdeclAllStackArgs(t *testing.T) {
	proc := newStackMock()
	ctx := seedContext(t, proc)
	snap, err := Capture(proc, ctx, config.CallConvCdecl, 3)
	require.NoError(t, err)
	assert.Len(t, snap.Args, 3)
}

func TestUnknownCallConvErrors(t *testing.T) {
	proc := newStackMock()
	ctx := seedContext(t, proc)
	_, err := Capture(proc, ctx, config.CallConv(99), 5)
	assert.Error(t, err)
}
