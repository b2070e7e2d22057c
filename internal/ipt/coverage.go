// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipt

import "golang.org/x/exp/constraints"

// Mode selects the coverage fold semantics.
type Mode int

const (
	ModeBlock Mode = iota
	ModeEdge
)

// Bitmap folds reconstructed IPs into an externally-owned, fixed-size
// coverage bitmap under block or edge semantics. It is not safe for concurrent use; the engine's event loop is
// single-threaded.
type Bitmap struct {
	mapSize        int
	mode           Mode
	previousOffset uint64
}

// NewBitmap returns a Bitmap folder for a mapSize-byte bitmap (typically
// MAP_SIZE = 65536).
func NewBitmap(mapSize int, mode Mode) *Bitmap {
	return &Bitmap{mapSize: mapSize, mode: mode}
}

// ResetIteration zeroes the edge-mode seed at the start of an iteration.
func (b *Bitmap) ResetIteration() {
	b.previousOffset = 0
}

// Fold increments the bitmap cell(s) selected by ip. Every write lands
// at an index in [0, mapSize) since index and index^previousOffset are
// both reduced modulo mapSize before use.
func (b *Bitmap) Fold(bitmap []byte, ip uint64) {
	index := uint64(ip) % uint64(b.mapSize)
	switch b.mode {
	case ModeBlock:
		saturatingInc(&bitmap[index])
	case ModeEdge:
		cell := index ^ b.previousOffset
		cell %= uint64(b.mapSize)
		saturatingInc(&bitmap[cell])
		b.previousOffset = index >> 1
	}
}

// saturatingInc increments *v, clamping at the type's maximum instead of
// wrapping (AFL's saturating-counter convention).
func saturatingInc[T constraints.Unsigned](v *T) {
	if *v != ^T(0) {
		*v++
	}
}
