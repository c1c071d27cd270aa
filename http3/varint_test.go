package http3

import (
	"bytes"
	"testing"
)

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 37, 63,
		64, 1000, MaxVarInt2,
		MaxVarInt2 + 1, 100000, MaxVarInt4,
		MaxVarInt4 + 1, 1 << 40, MaxVarInt8,
	}
	for _, v := range values {
		b := appendVarint(nil, v)
		got, err := readVarint(bytes.NewReader(b))
		if err != nil {
			t.Fatalf("readVarint(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip mismatch: encoded %d, decoded %d", v, got)
		}
	}
}

func TestVarintLen(t *testing.T) {
	cases := []struct {
		v    uint64
		want int
	}{
		{0, 1}, {MaxVarInt1, 1},
		{MaxVarInt1 + 1, 2}, {MaxVarInt2, 2},
		{MaxVarInt2 + 1, 4}, {MaxVarInt4, 4},
		{MaxVarInt4 + 1, 8}, {MaxVarInt8, 8},
	}
	for _, c := range cases {
		if got := varintLen(c.v); got != c.want {
			t.Errorf("varintLen(%d) = %d, want %d", c.v, got, c.want)
		}
		if got := len(appendVarint(nil, c.v)); got != c.want {
			t.Errorf("len(appendVarint(%d)) = %d, want %d", c.v, got, c.want)
		}
	}
}

func TestVarintTruncated(t *testing.T) {
	b := appendVarint(nil, MaxVarInt2+1) // 4-byte encoding
	_, err := readVarint(bytes.NewReader(b[:2]))
	if err == nil {
		t.Fatal("expected error decoding truncated varint")
	}
}
