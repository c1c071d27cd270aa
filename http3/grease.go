package http3

import (
	"crypto/rand"
	"encoding/binary"
)

// greaseValue computes a GREASE identifier 0x1f*N + 0x21 for a uniformly
// random N chosen so the result still fits in 62 bits.
// A read failure from crypto/rand (practically never) degrades to N=0,
// i.e. the smallest legal GREASE value, rather than panicking: GREASE is
// advisory and must never be allowed to fail a connection.
func greaseValue() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0x21
	}
	n := binary.BigEndian.Uint64(buf[:]) % ((MaxVarInt8 - 0x21) / 0x1f)
	return 0x1f*n + 0x21
}

// greaseSettingID returns a GREASE identifier suitable for an additional,
// unrecognised SETTINGS entry.
func greaseSettingID() uint64 { return greaseValue() }

// greaseFrameType returns a GREASE identifier suitable for use as a frame
// type on a request stream.
func greaseFrameType() FrameType { return FrameType(greaseValue()) }

// greaseStreamType returns a GREASE identifier suitable for opening a
// unidirectional stream that the peer must tolerate and ignore.
func greaseStreamType() uint64 { return greaseValue() }
