// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestInitRequiresIPTService documents that Init is fatal-by-error when the
// IPT kernel service is unavailable, exercised here
// on the portable stub session that always reports Available() == false.
func TestInitRequiresIPTService(t *testing.T) {
	_, _, err := Init([]string{"-target_module", "t.dll", "-target_method", "Fuzz", "--"})
	assert.Error(t, err)
}

func TestInitRejectsBadConfig(t *testing.T) {
	_, _, err := Init([]string{"-target_module", "t.dll", "--"})
	assert.Error(t, err)
}

func TestFaultCodeString(t *testing.T) {
	cases := map[FaultCode]string{
		FaultNone:    "None",
		FaultTimeout: "Timeout",
		FaultCrash:   "Crash",
		FaultError:   "Error",
		FaultNoInst:  "NoInst",
		FaultNoBits:  "NoBits",
	}
	for code, want := range cases {
		assert.Equal(t, want, code.String())
	}
}

func TestAnyNonZero(t *testing.T) {
	assert.False(t, anyNonZero(make([]byte, 16)))
	b := make([]byte, 16)
	b[3] = 1
	assert.True(t, anyNonZero(b))
}
