// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRingWrapReassembly is scenario S6: a 1024-byte ring with writes of
// 900 then 300 bytes must reassemble into a 1200-byte concatenation in
// order, with last_ring_offset advancing 0 -> 900 -> 176.
func TestRingWrapReassembly(t *testing.T) {
	const ringSize = 1024
	ring := make([]byte, ringSize)
	for i := range ring {
		ring[i] = byte(i)
	}

	d := NewRingDrainer()
	require.Equal(t, uint64(0), d.LastRingOffset)

	// First drain: ring cursor advances to 900 (900 bytes written from 0).
	d.DrainBlob([]ThreadTraceHeader{{ThreadID: 1, TraceSize: ringSize, RingOffset: 900, Trace: ring}}, 1)
	assert.Equal(t, uint64(900), d.LastRingOffset)
	assert.Equal(t, 900, len(d.Bytes()))
	assert.Equal(t, ring[0:900], d.Bytes())

	// Second drain: 300 more bytes written, wrapping past the 1024 end to
	// offset 176 (900+300-1024=176).
	wrapped := make([]byte, ringSize)
	copy(wrapped, ring[900:1024])
	for i := 0; i < 176; i++ {
		wrapped[i] = byte(200 + i)
	}
	d.DrainBlob([]ThreadTraceHeader{{ThreadID: 1, TraceSize: ringSize, RingOffset: 176, Trace: wrapped}}, 1)
	assert.Equal(t, uint64(176), d.LastRingOffset)
	assert.Equal(t, 1200, len(d.Bytes()))
	assert.Equal(t, ring[0:900], d.Bytes()[0:900])
	assert.Equal(t, wrapped[900:1024], d.Bytes()[900:1024])
	assert.Equal(t, wrapped[0:176], d.Bytes()[1024:1200])
}

func TestDrainBlobIgnoresOtherThreads(t *testing.T) {
	d := NewRingDrainer()
	ring := make([]byte, 64)
	d.DrainBlob([]ThreadTraceHeader{{ThreadID: 99, TraceSize: 64, RingOffset: 10, Trace: ring}}, 1)
	assert.Empty(t, d.Bytes())
}

func TestDrainBlobNoNewBytes(t *testing.T) {
	d := NewRingDrainer()
	ring := make([]byte, 64)
	d.DrainBlob([]ThreadTraceHeader{{ThreadID: 1, TraceSize: 64, RingOffset: 0, Trace: ring}}, 1)
	assert.Empty(t, d.Bytes())
	assert.Equal(t, uint64(0), d.LastRingOffset)
}

func TestRingAccumulatorOverflowCap(t *testing.T) {
	d := NewRingDrainer()
	ring := make([]byte, maxAccumulatorBytes+10)
	d.DrainBlob([]ThreadTraceHeader{{ThreadID: 1, TraceSize: uint64(len(ring)), RingOffset: uint64(len(ring)), Trace: ring}}, 1)
	assert.True(t, d.Overflowed())
	assert.Empty(t, d.Bytes())
}

func TestResetClearsState(t *testing.T) {
	d := NewRingDrainer()
	ring := make([]byte, 64)
	d.DrainBlob([]ThreadTraceHeader{{ThreadID: 1, TraceSize: 64, RingOffset: 32, Trace: ring}}, 1)
	require.NotEmpty(t, d.Bytes())
	d.Reset()
	assert.Empty(t, d.Bytes())
	assert.Equal(t, uint64(0), d.LastRingOffset)
	assert.False(t, d.Overflowed())
}
