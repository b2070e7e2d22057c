// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// fakeDecoder replays a fixed script of sync points, each followed by a
// fixed packet sequence terminated by a decode error, matching the
// forward-sync / pull-until-error / resync loop Decode drives.
type fakeDecoder struct {
	syncs   []([]Packet)
	syncIdx int
	pktIdx  int
}

func (f *fakeDecoder) ForwardSync() bool {
	if f.syncIdx >= len(f.syncs) {
		return false
	}
	f.pktIdx = 0
	return true
}

func (f *fakeDecoder) Next() (Packet, error) {
	pkts := f.syncs[f.syncIdx]
	if f.pktIdx >= len(pkts) {
		f.syncIdx++
		return Packet{}, ErrDecodeSync
	}
	p := pkts[f.pktIdx]
	f.pktIdx++
	return p, nil
}

func TestDecodeOnlyFoldsTIPPackets(t *testing.T) {
	dec := &fakeDecoder{syncs: [][]Packet{
		{
			{Kind: PacketPSB},
			{Kind: PacketTIP, IPClass: IPFull, Payload: 0x1000},
			{Kind: PacketTSC},
			{Kind: PacketTIP, IPClass: IPUpdate16, Payload: 0x2222},
		},
	}}
	var folded []uint64
	Decode(dec, func(ip uint64) { folded = append(folded, ip) })
	assert.Equal(t, []uint64{0x1000, 0x2222}, folded)
}

func TestDecodeResyncsAcrossMultipleSyncPoints(t *testing.T) {
	dec := &fakeDecoder{syncs: [][]Packet{
		{{Kind: PacketTIP, IPClass: IPFull, Payload: 1}},
		{{Kind: PacketTIP, IPClass: IPFull, Payload: 2}},
	}}
	var folded []uint64
	Decode(dec, func(ip uint64) { folded = append(folded, ip) })
	assert.Equal(t, []uint64{1, 2}, folded)
}

func TestReconstructIPMaskingByClass(t *testing.T) {
	ip, ok := ReconstructIP(IPUpdate16, 0x1FFFF)
	assert.True(t, ok)
	assert.Equal(t, uint64(0xFFFF), ip)

	ip, ok = ReconstructIP(IPUpdate32, 0x1_FFFFFFFF)
	assert.True(t, ok)
	assert.Equal(t, uint64(0xFFFFFFFF), ip)

	ip, ok = ReconstructIP(IPFull, 0x140001234)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x140001234), ip)

	_, ok = ReconstructIP(IPOther, 0x1234)
	assert.False(t, ok)
}

func TestSignExtend48(t *testing.T) {
	// Bit 47 set: sign-extends to all-ones above bit 47.
	ip, ok := ReconstructIP(IPSext48, 0x800000000000)
	assert.True(t, ok)
	assert.Equal(t, uint64(0xFFFF800000000000), ip)

	// Bit 47 clear: high bits stay zero.
	ip, ok = ReconstructIP(IPSext48, 0x123456789AB)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x123456789AB), ip)
}
