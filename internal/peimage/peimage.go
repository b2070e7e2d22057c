// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package peimage parses the subset of the PE image format the module and
// symbol resolver needs: the entrypoint RVA and the export directory,
// read either out of a live process's memory or off disk.
//
// This is deliberately not a full PE parser (the stdlib's debug/pe package
// already covers on-disk parsing well); it exists because the export-
// table resolution strategy must walk these same structures out of a
// *remote process's* memory image, where debug/pe's io.ReaderAt-over-a-
// file model does not apply directly to a ReadProcessMemory-backed
// source.
package peimage

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Reader is the minimal capability peimage needs: read size bytes starting
// at a byte offset from the image's base (which may be a remote process's
// module base, or offset zero within an on-disk file).
type Reader interface {
	ReadAt(offset uint64, size int) ([]byte, error)
}

const (
	peSignature    = 0x00004550 // "PE\0\0"
	magicPE32      = 0x10b
	magicPE32Plus  = 0x20b
	dosHeaderLfanew = 0x3C
)

// Headers is the subset of PE header fields this package exposes.
type Headers struct {
	Is64PE              bool
	AddressOfEntryPoint  uint32
	ExportTableRVA       uint32
	ExportTableSize      uint32
	peHeaderOffset       uint32
	optionalHeaderOffset uint32
}

// ParseHeaders walks DOS stub → e_lfanew → "PE\0\0" signature → optional
// header magic, and returns the entrypoint RVA and export directory
// location.
func ParseHeaders(r Reader) (Headers, error) {
	dos, err := r.ReadAt(0, 0x40)
	if err != nil {
		return Headers{}, fmt.Errorf("reading DOS header: %w", err)
	}
	peOffset := binary.LittleEndian.Uint32(dos[dosHeaderLfanew:])

	sig, err := r.ReadAt(uint64(peOffset), 4)
	if err != nil {
		return Headers{}, fmt.Errorf("reading PE signature: %w", err)
	}
	if binary.LittleEndian.Uint32(sig) != peSignature {
		return Headers{}, fmt.Errorf("bad PE signature at offset %#x", peOffset)
	}

	const fileHeaderSize = 20
	optOffset := uint64(peOffset) + 4 + fileHeaderSize

	magicBuf, err := r.ReadAt(optOffset, 2)
	if err != nil {
		return Headers{}, fmt.Errorf("reading optional header magic: %w", err)
	}
	magic := binary.LittleEndian.Uint16(magicBuf)
	is64 := false
	switch magic {
	case magicPE32:
		is64 = false
	case magicPE32Plus:
		is64 = true
	default:
		return Headers{}, fmt.Errorf("unknown PE optional header magic %#x", magic)
	}

	entryBuf, err := r.ReadAt(optOffset+16, 4)
	if err != nil {
		return Headers{}, fmt.Errorf("reading AddressOfEntryPoint: %w", err)
	}
	entry := binary.LittleEndian.Uint32(entryBuf)

	// The data-directory array starts right after the fixed optional-header
	// fields: 96 bytes in for PE32, 112 for PE32+. The export table is
	// always data directory #0.
	dirOffset := optOffset + 96
	if is64 {
		dirOffset = optOffset + 112
	}
	dirBuf, err := r.ReadAt(dirOffset, 8)
	if err != nil {
		return Headers{}, fmt.Errorf("reading export data directory: %w", err)
	}

	return Headers{
		Is64PE:               is64,
		AddressOfEntryPoint:  entry,
		ExportTableRVA:       binary.LittleEndian.Uint32(dirBuf[0:4]),
		ExportTableSize:      binary.LittleEndian.Uint32(dirBuf[4:8]),
		peHeaderOffset:       peOffset,
		optionalHeaderOffset: optOffset,
	}, nil
}

// Entrypoint returns the absolute address of the module's entrypoint,
// combining the module's load base with AddressOfEntryPoint.
func Entrypoint(base uint64, r Reader) (uint64, error) {
	h, err := ParseHeaders(r)
	if err != nil {
		return 0, err
	}
	return base + uint64(h.AddressOfEntryPoint), nil
}

// Export is a single resolved export-table entry: its decorated name and
// absolute address.
type Export struct {
	Name    string
	Address uint64
}

// ListExports walks the full export directory's name-pointer table and
// returns every entry's name and resolved address. An absent export table yields a nil, non-error result.
func ListExports(base uint64, r Reader) ([]Export, error) {
	h, err := ParseHeaders(r)
	if err != nil {
		return nil, err
	}
	if h.ExportTableRVA == 0 {
		return nil, nil
	}

	dir, err := r.ReadAt(uint64(h.ExportTableRVA), 40)
	if err != nil {
		return nil, fmt.Errorf("reading export directory: %w", err)
	}
	numEntries := binary.LittleEndian.Uint32(dir[24:28])
	addressTableRVA := binary.LittleEndian.Uint32(dir[28:32])
	namePointerTableRVA := binary.LittleEndian.Uint32(dir[32:36])
	ordinalTableRVA := binary.LittleEndian.Uint32(dir[36:40])

	if numEntries == 0 {
		return nil, nil
	}

	namePointers, err := r.ReadAt(uint64(namePointerTableRVA), int(numEntries)*4)
	if err != nil {
		return nil, fmt.Errorf("reading export name-pointer table: %w", err)
	}
	ordinals, err := r.ReadAt(uint64(ordinalTableRVA), int(numEntries)*2)
	if err != nil {
		return nil, fmt.Errorf("reading export ordinal table: %w", err)
	}

	exports := make([]Export, 0, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		nameRVA := binary.LittleEndian.Uint32(namePointers[i*4 : i*4+4])
		name, err := readCString(r, uint64(nameRVA), 512)
		if err != nil {
			return nil, fmt.Errorf("reading export name at index %d: %w", i, err)
		}
		ordinal := binary.LittleEndian.Uint16(ordinals[i*2 : i*2+2])
		addrBuf, err := r.ReadAt(uint64(addressTableRVA)+uint64(ordinal)*4, 4)
		if err != nil {
			return nil, fmt.Errorf("reading export address table entry: %w", err)
		}
		exports = append(exports, Export{
			Name:    name,
			Address: base + uint64(binary.LittleEndian.Uint32(addrBuf)),
		})
	}
	return exports, nil
}

// FindExport linearly scans the export directory's name-pointer table for
// name and, on match, returns base + address_table[ordinal_table[i]].
// found is false if the export table is absent or name is not exported.
func FindExport(base uint64, r Reader, name string) (address uint64, found bool, err error) {
	exports, err := ListExports(base, r)
	if err != nil {
		return 0, false, err
	}
	for _, e := range exports {
		if e.Name == name {
			return e.Address, true, nil
		}
	}
	return 0, false, nil
}

func readCString(r Reader, offset uint64, maxLen int) (string, error) {
	var b strings.Builder
	const chunk = 32
	for read := 0; read < maxLen; read += chunk {
		buf, err := r.ReadAt(offset+uint64(read), chunk)
		if err != nil {
			return "", err
		}
		for _, c := range buf {
			if c == 0 {
				return b.String(), nil
			}
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}
