// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const mapSize = 65536

// TestBlockModeSingleHit is scenario S1 (block mode): a single TIP
// increments exactly one cell.
func TestBlockModeSingleHit(t *testing.T) {
	bitmap := make([]byte, mapSize)
	b := NewBitmap(mapSize, ModeBlock)
	b.Fold(bitmap, 0x140001234)

	nonZero := countNonZero(bitmap)
	assert.Equal(t, 1, nonZero)
	assert.Equal(t, byte(1), bitmap[0x140001234%mapSize])
}

// TestBlockModeLoopSaturates is scenario S2 (block mode): 100 hits to the
// same cell saturate-count to 100, not wrapping past 255.
func TestBlockModeLoopSaturates(t *testing.T) {
	bitmap := make([]byte, mapSize)
	b := NewBitmap(mapSize, ModeBlock)
	for i := 0; i < 100; i++ {
		b.Fold(bitmap, 0x1000)
	}
	assert.Equal(t, byte(100), bitmap[0x1000%mapSize])
}

func TestBlockModeSaturatesAt255(t *testing.T) {
	bitmap := make([]byte, mapSize)
	b := NewBitmap(mapSize, ModeBlock)
	for i := 0; i < 300; i++ {
		b.Fold(bitmap, 0x1000)
	}
	assert.Equal(t, byte(255), bitmap[0x1000%mapSize])
}

// TestEdgeModeFirstHitSeed is property P6: the first TIP of an iteration
// in edge mode writes to (ip mod MAP_SIZE) XOR 0.
func TestEdgeModeFirstHitSeed(t *testing.T) {
	bitmap := make([]byte, mapSize)
	b := NewBitmap(mapSize, ModeEdge)
	b.ResetIteration()
	ip := uint64(0x2345)
	b.Fold(bitmap, ip)
	assert.Equal(t, byte(1), bitmap[ip%mapSize])
}

// TestEdgeModeLoopTouchesTwoCells is scenario S2 (edge mode): a tight
// loop repeatedly taking the same branch touches exactly two cells — the
// first entry (seeded from previous_offset == 0) and every subsequent
// entry (seeded from the now-stable previous_offset).
func TestEdgeModeLoopTouchesTwoCells(t *testing.T) {
	bitmap := make([]byte, mapSize)
	b := NewBitmap(mapSize, ModeEdge)
	b.ResetIteration()
	for i := 0; i < 100; i++ {
		b.Fold(bitmap, 0x1000)
	}
	assert.Equal(t, 2, countNonZero(bitmap))
}

// TestFoldStaysInBounds is property P5: every index written is within
// [0, mapSize).
func TestFoldStaysInBounds(t *testing.T) {
	bitmap := make([]byte, mapSize)
	b := NewBitmap(mapSize, ModeEdge)
	ips := []uint64{0, 1, mapSize - 1, mapSize, mapSize + 1, 0xFFFFFFFFFFFF, 1 << 63}
	for _, ip := range ips {
		b.Fold(bitmap, ip)
	}
	assert.Len(t, bitmap, mapSize)
}

func countNonZero(bitmap []byte) int {
	n := 0
	for _, v := range bitmap {
		if v != 0 {
			n++
		}
	}
	return n
}
