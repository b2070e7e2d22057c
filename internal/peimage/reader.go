// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package peimage

import (
	"fmt"

	"github.com/google/winaflpt/internal/procmem"
)

// RemoteReader adapts a procmem.Memory-backed traced process into a Reader
// rooted at a module's load base, so ParseHeaders/Entrypoint/FindExport can
// walk a live process's image the same way they would walk a byte buffer.
type RemoteReader struct {
	Mem  procmem.Memory
	Base uint64
}

func (r RemoteReader) ReadAt(offset uint64, size int) ([]byte, error) {
	return r.Mem.ReadProcessMemory(r.Base+offset, size)
}

// BufferReader adapts a flat in-memory byte slice (e.g. an on-disk image
// loaded wholesale) into a Reader rooted at offset zero.
type BufferReader []byte

func (b BufferReader) ReadAt(offset uint64, size int) ([]byte, error) {
	if offset+uint64(size) > uint64(len(b)) {
		return nil, fmt.Errorf("read of %d bytes at offset %#x exceeds buffer length %d", size, offset, len(b))
	}
	return b[offset : offset+uint64(size)], nil
}
