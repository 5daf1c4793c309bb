package allocator

import (
	"bytes"
	"math"
	"testing"
)

// TestVarintRoundTrip checks every encoded value decodes back unchanged
// across a wide range of magnitudes.
func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 2, 127, 128, 129, 255, 256,
		1 << 13, 1<<13 - 1, 1 << 14,
		1 << 20, 1 << 27, 1 << 28,
		1 << 34, 1 << 41, 1 << 48, 1 << 55, 1 << 62,
		math.MaxUint32, math.MaxUint64, math.MaxUint64 - 1,
	}
	for _, v := range values {
		var buf bytes.Buffer
		if err := WriteVarint(&buf, v); err != nil {
			t.Fatalf("WriteVarint(%d): %v", v, err)
		}
		got, err := ReadVarint(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("ReadVarint(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip %d -> %d", v, got)
		}
	}
}

// TestVarintLengthSchedule checks the encoded length matches base-128
// magnitude bands, from 1 up to 10 bytes.
func TestVarintLengthSchedule(t *testing.T) {
	cases := []struct {
		v      uint64
		length int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{1<<14 - 1, 2},
		{1 << 14, 3},
		{1<<63 - 1, 9},
		{math.MaxUint64, 10},
	}
	for _, c := range cases {
		var buf bytes.Buffer
		if err := WriteVarint(&buf, c.v); err != nil {
			t.Fatalf("WriteVarint(%d): %v", c.v, err)
		}
		if buf.Len() != c.length {
			t.Fatalf("len(varint(%d)) = %d, want %d", c.v, buf.Len(), c.length)
		}
	}
}

func TestVarintTooLong(t *testing.T) {
	// 10 continuation-flagged bytes with no terminator is invalid.
	buf := bytes.Repeat([]byte{0x80}, 10)
	if _, err := ReadVarint(bytes.NewReader(buf)); err != ErrVarintTooLong {
		t.Fatalf("ReadVarint on all-continuation buffer = %v, want ErrVarintTooLong", err)
	}
}
