// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package symbols

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/winaflpt/internal/peimage"
)

const moduleBase = 0x180000000

// buildImageWithExport constructs a minimal 64-bit PE image exporting a
// single name at a known RVA, mirroring peimage's own test helper but kept
// local so this package's tests do not depend on peimage's test file.
func buildImageWithExport(name string, rva uint32) []byte {
	const (
		peOffset  = 0x80
		optOffset = peOffset + 4 + 20
		dirOffset = optOffset + 112
		exportRVA = 0x200
	)
	buf := make([]byte, 0x500)
	binary.LittleEndian.PutUint32(buf[0x3C:], peOffset)
	copy(buf[peOffset:], []byte{'P', 'E', 0, 0})
	binary.LittleEndian.PutUint16(buf[optOffset:], 0x20b)
	binary.LittleEndian.PutUint32(buf[dirOffset:], exportRVA)
	binary.LittleEndian.PutUint32(buf[dirOffset+4:], 0x80)

	const (
		addressTableRVA     = 0x300
		namePointerTableRVA = 0x310
		ordinalTableRVA     = 0x320
		nameRVA             = 0x400
	)
	dir := buf[exportRVA:]
	binary.LittleEndian.PutUint32(dir[24:28], 1)
	binary.LittleEndian.PutUint32(dir[28:32], addressTableRVA)
	binary.LittleEndian.PutUint32(dir[32:36], namePointerTableRVA)
	binary.LittleEndian.PutUint32(dir[36:40], ordinalTableRVA)

	binary.LittleEndian.PutUint32(buf[addressTableRVA:], rva)
	binary.LittleEndian.PutUint32(buf[namePointerTableRVA:], nameRVA)
	binary.LittleEndian.PutUint16(buf[ordinalTableRVA:], 0)
	copy(buf[nameRVA:], name+"\x00")
	return buf
}

func TestResolveByOffset(t *testing.T) {
	mod := Module{Base: moduleBase}
	target, err := Resolve(mod, 0x4567, "", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(moduleBase+0x4567), target.Address)
	assert.Equal(t, StrategyOffset, target.Strategy)
}

func TestResolveByExportTable(t *testing.T) {
	image := buildImageWithExport("FuzzMe", 0x1234)
	mod := Module{Base: moduleBase, Remote: peimage.BufferReader(image)}
	target, err := Resolve(mod, 0, "FuzzMe", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(moduleBase+0x1234), target.Address)
	assert.Equal(t, StrategyExportTable, target.Strategy)
}

func TestResolveByMangledExportName(t *testing.T) {
	image := buildImageWithExport("_Z6FuzzMev", 0x1234)
	mod := Module{Base: moduleBase, Remote: peimage.BufferReader(image)}
	target, err := Resolve(mod, 0, "FuzzMe", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(moduleBase+0x1234), target.Address)
	assert.Equal(t, StrategyExportTable, target.Strategy)
}

type fakeDebugSymbolLookup struct {
	offset uint64
	found  bool
}

func (f fakeDebugSymbolLookup) Resolve(diskPath, name string) (uint64, bool, error) {
	return f.offset, f.found, nil
}

func TestResolveFallsBackToDebugSymbols(t *testing.T) {
	image := buildImageWithExport("Unrelated", 0x1234)
	mod := Module{Base: moduleBase, Remote: peimage.BufferReader(image), DiskPath: "target.dll"}
	target, err := Resolve(mod, 0, "FuzzMe", fakeDebugSymbolLookup{offset: 0x50, found: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(moduleBase+0x50), target.Address)
	assert.Equal(t, StrategyDebugSymbol, target.Strategy)
}

func TestResolveFailsAllStrategies(t *testing.T) {
	image := buildImageWithExport("Unrelated", 0x1234)
	mod := Module{Base: moduleBase, Remote: peimage.BufferReader(image), DiskPath: "target.dll"}
	_, err := Resolve(mod, 0, "FuzzMe", fakeDebugSymbolLookup{found: false})
	assert.Error(t, err)
}

func TestResolveNoDebugLookupConfigured(t *testing.T) {
	image := buildImageWithExport("Unrelated", 0x1234)
	mod := Module{Base: moduleBase, Remote: peimage.BufferReader(image)}
	_, err := Resolve(mod, 0, "FuzzMe", nil)
	assert.Error(t, err)
}
