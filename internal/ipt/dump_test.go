// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDumpAndLoadTraceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.xz")
	original := []byte("deterministic trace bytes for a single fuzz iteration")

	require.NoError(t, DumpTrace(path, original))
	loaded, err := LoadTraceDump(path)
	require.NoError(t, err)
	assert.Equal(t, original, loaded)
}
