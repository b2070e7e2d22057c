// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipt

import "github.com/VividCortex/gohistogram"

// histogramBins is a practical bucket count for the trace-size and
// decode-latency distributions this module tracks; gohistogram's
// NumericHistogram merges bins adaptively within that budget.
const histogramBins = 20

// Stats tracks distributions of per-iteration trace size and decode
// latency, for the optional debug log / diagnostics surface the -debug
// flag enables. It is not part of the core fault-code contract; nothing
// reads Stats to make a control-flow decision.
type Stats struct {
	traceBytes    *gohistogram.NumericHistogram
	decodeMicros  *gohistogram.NumericHistogram
}

// NewStats returns an empty Stats tracker.
func NewStats() *Stats {
	return &Stats{
		traceBytes:   gohistogram.NewHistogram(histogramBins),
		decodeMicros: gohistogram.NewHistogram(histogramBins),
	}
}

// ObserveTraceSize records one iteration's accumulated trace size.
func (s *Stats) ObserveTraceSize(bytes int) {
	s.traceBytes.Add(float64(bytes))
}

// ObserveDecodeLatency records one iteration's decode wall-clock duration
// in microseconds.
func (s *Stats) ObserveDecodeLatency(micros float64) {
	s.decodeMicros.Add(micros)
}

// Summary is a point-in-time snapshot of the tracked distributions'
// means, for logging.
type Summary struct {
	MeanTraceBytes   float64
	MeanDecodeMicros float64
}

func (s *Stats) Summary() Summary {
	return Summary{
		MeanTraceBytes:   s.traceBytes.Mean(),
		MeanDecodeMicros: s.decodeMicros.Mean(),
	}
}
