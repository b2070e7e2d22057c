// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipt

import "errors"

// PacketKind classifies a decoded IPT packet. Only TIP carries a branch
// target this module cares about; the rest are consumed and discarded.
type PacketKind int

const (
	PacketOther PacketKind = iota
	PacketTIP
	PacketPSB
	PacketMode
	PacketTSC
	PacketFlowUpdate
)

// IPCompression is the TIP payload's compression class.
type IPCompression int

const (
	IPOther IPCompression = iota
	IPUpdate16
	IPUpdate32
	IPUpdate48
	IPSext48
	IPFull
)

// Packet is a single decoded IPT packet, as delivered by the external
// packet-level decoder.
type Packet struct {
	Kind    PacketKind
	IPClass IPCompression
	Payload uint64
}

// ErrDecodeSync is returned by Decoder.Next to signal a decode error that
// should trigger a forward-sync re-attempt.
var ErrDecodeSync = errors.New("ipt: decode error, resyncing")

// Decoder is the packet-level IPT decoder collaborator this pipeline
// drives. ForwardSync advances to the next synchronization
// point (e.g. a PSB packet) and reports whether one was found. Next pulls
// a single packet; it returns ErrDecodeSync when the stream desyncs.
type Decoder interface {
	ForwardSync() bool
	Next() (Packet, error)
}

// Decode drives dec through repeated forward-sync attempts until none
// succeeds; between syncs, packets are pulled one at a time
// until a decode error, at which point control rejoins forward-sync. Only
// TIP packets invoke fold; every other kind is ignored.
func Decode(dec Decoder, fold func(ip uint64)) {
	for dec.ForwardSync() {
		for {
			pkt, err := dec.Next()
			if err != nil {
				break
			}
			if pkt.Kind != PacketTIP {
				continue
			}
			if ip, ok := ReconstructIP(pkt.IPClass, pkt.Payload); ok {
				fold(ip)
			}
		}
	}
}

// ReconstructIP computes the branch-target IP from a TIP payload's
// compression class. update-16/32/48 intentionally do not merge with
// the last full IP — this mirrors the original harness's behavior,
// left as-is rather than "fixed". ok is false for any class outside the
// five handled here, matching "any other class: discard".
func ReconstructIP(class IPCompression, payload uint64) (ip uint64, ok bool) {
	switch class {
	case IPUpdate16:
		return payload & 0xFFFF, true
	case IPUpdate32:
		return payload & 0xFFFFFFFF, true
	case IPUpdate48:
		return payload & 0xFFFFFFFFFFFF, true
	case IPSext48:
		return signExtend48(payload), true
	case IPFull:
		return payload, true
	default:
		return 0, false
	}
}

// signExtend48 sign-extends the low 48 bits of payload to a full 64-bit
// value.
func signExtend48(payload uint64) uint64 {
	const signBit = uint64(1) << 47
	v := payload & 0xFFFFFFFFFFFF
	if v&signBit != 0 {
		v |= ^uint64(0) << 48
	}
	return v
}
