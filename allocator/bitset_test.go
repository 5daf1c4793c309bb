package allocator

import "testing"

// TestBitsetPackRoundTrip checks that packing and unpacking a bitset
// preserves every bit, including a cleared interior range.
func TestBitsetPackRoundTrip(t *testing.T) {
	b := Ones(128)
	b.ClearRange(60, 68)

	packed, err := b.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	got, err := Unpack(packed)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if got.NrBits != b.NrBits {
		t.Fatalf("NrBits = %d, want %d", got.NrBits, b.NrBits)
	}
	for i := uint64(0); i < 128; i++ {
		want := !(i >= 60 && i < 68)
		if got.IsSet(i) != want {
			t.Fatalf("bit %d = %v, want %v", i, got.IsSet(i), want)
		}
	}
}

func TestBitsetPackRoundTripVariants(t *testing.T) {
	cases := []func() *Bitset{
		func() *Bitset { return Zeroes(200) },
		func() *Bitset { return Ones(200) },
		func() *Bitset {
			b := Zeroes(256)
			b.SetRange(0, 1)
			b.SetRange(130, 131)
			b.SetRange(255, 256)
			return b
		},
		func() *Bitset { return Zeroes(0) },
		func() *Bitset { return Ones(1) },
		func() *Bitset {
			b := Zeroes(70)
			b.SetRange(10, 60)
			return b
		},
	}
	for i, mk := range cases {
		b := mk()
		packed, err := b.Pack()
		if err != nil {
			t.Fatalf("case %d: Pack: %v", i, err)
		}
		got, err := Unpack(packed)
		if err != nil {
			t.Fatalf("case %d: Unpack: %v", i, err)
		}
		if got.NrBits != b.NrBits {
			t.Fatalf("case %d: NrBits = %d, want %d", i, got.NrBits, b.NrBits)
		}
		for bit := uint64(0); bit < b.NrBits; bit++ {
			if got.IsSet(bit) != b.IsSet(bit) {
				t.Fatalf("case %d: bit %d mismatch", i, bit)
			}
		}
	}
}

func TestBitsetZeroRuns(t *testing.T) {
	b := Ones(100)
	b.ClearRange(10, 20)
	b.ClearRange(50, 51)

	runs := b.ZeroRuns()
	want := []Run{{10, 20}, {50, 51}}
	if len(runs) != len(want) {
		t.Fatalf("runs = %v, want %v", runs, want)
	}
	for i, r := range want {
		if runs[i] != r {
			t.Fatalf("runs[%d] = %v, want %v", i, runs[i], r)
		}
	}
}

func TestBitsetOutOfRangeIsClear(t *testing.T) {
	b := Zeroes(10)
	if b.IsSet(1000) {
		t.Fatalf("IsSet far out of range = true, want false")
	}
}
