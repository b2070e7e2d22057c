// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipt

// NullDecoder is a Decoder that never finds a sync point. It is the
// default decoder backend: the packet-level IPT decoder itself is an
// out-of-scope external collaborator, so this module only
// ships the orchestration (Decode, ReconstructIP) and a no-op placeholder
// for the library a real deployment links in.
type NullDecoder struct{}

func (NullDecoder) ForwardSync() bool        { return false }
func (NullDecoder) Next() (Packet, error)    { return Packet{}, ErrDecodeSync }

// DecoderFactory builds a Decoder over one iteration's accumulated trace
// bytes. The engine calls it once per iteration at trace-decode time.
type DecoderFactory func(trace []byte) Decoder

// DefaultDecoderFactory returns NullDecoder for every trace; callers that
// link a real packet-level IPT decoder (e.g. via a cgo binding to libipt)
// override this on the Engine instead of relying on the default.
func DefaultDecoderFactory(trace []byte) Decoder {
	return NullDecoder{}
}
