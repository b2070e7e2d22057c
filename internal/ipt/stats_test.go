// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsSummary(t *testing.T) {
	s := NewStats()
	s.ObserveTraceSize(1000)
	s.ObserveTraceSize(2000)
	s.ObserveDecodeLatency(50)
	s.ObserveDecodeLatency(150)

	summary := s.Summary()
	assert.InDelta(t, 1500, summary.MeanTraceBytes, 1)
	assert.InDelta(t, 100, summary.MeanDecodeMicros, 1)
}
