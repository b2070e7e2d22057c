// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package ipt implements the IPT trace pipeline: ring-buffer
// reassembly under wrap-around, packet decoding, IP reconstruction, and
// the coverage fold.
package ipt

import "github.com/google/winaflpt/pkg/log"

// maxAccumulatorBytes bounds the per-iteration trace accumulator.
const maxAccumulatorBytes = 64 << 20

// ThreadTraceHeader is one per-thread entry in a trace-data blob fetched
// during a ring drain.
type ThreadTraceHeader struct {
	ThreadID   uint32
	TraceSize  uint64 // ring capacity
	RingOffset uint64 // current write cursor
	Trace      []byte // full ring snapshot, length TraceSize
}

// RingDrainer accumulates trace bytes for a single thread across
// repeated ring drains during one iteration, tracking last_ring_offset
// and the ≈64 MiB overflow cap.
type RingDrainer struct {
	LastRingOffset uint64
	buf            []byte
	overflowed     bool
}

// NewRingDrainer returns a drainer ready for a fresh iteration.
func NewRingDrainer() *RingDrainer {
	return &RingDrainer{}
}

// Reset clears accumulated bytes and ring state for a new iteration.
func (d *RingDrainer) Reset() {
	d.LastRingOffset = 0
	d.buf = d.buf[:0]
	d.overflowed = false
}

// Bytes returns the trace bytes accumulated so far.
func (d *RingDrainer) Bytes() []byte {
	return d.buf
}

// Overflowed reports whether the accumulator cap has been hit this
// iteration; further Drain calls are no-ops besides advancing
// LastRingOffset.
func (d *RingDrainer) Overflowed() bool {
	return d.overflowed
}

// DrainBlob scans headers for the one matching fuzzThreadID and appends
// its newly-written bytes. Headers for any other thread are ignored.
func (d *RingDrainer) DrainBlob(headers []ThreadTraceHeader, fuzzThreadID uint32) {
	for _, h := range headers {
		if h.ThreadID != fuzzThreadID {
			continue
		}
		d.drainOne(h.TraceSize, h.RingOffset, h.Trace)
		return
	}
}

func (d *RingDrainer) drainOne(traceSize, ringOffset uint64, ring []byte) {
	switch {
	case ringOffset > d.LastRingOffset:
		d.append(ring[d.LastRingOffset:ringOffset])
	case ringOffset < d.LastRingOffset:
		d.append(ring[d.LastRingOffset:traceSize])
		d.append(ring[0:ringOffset])
	default:
		// Equal: nothing new.
	}
	d.LastRingOffset = ringOffset
}

func (d *RingDrainer) append(b []byte) {
	if d.overflowed || len(b) == 0 {
		return
	}
	if len(d.buf)+len(b) > maxAccumulatorBytes {
		log.Logf(0, "ipt: trace accumulator overflow at %d bytes, disabling further collection for this iteration", len(d.buf))
		d.overflowed = true
		return
	}
	d.buf = append(d.buf, b...)
}
