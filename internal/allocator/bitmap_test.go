package allocator

import "testing"

func TestBitOperations(t *testing.T) {
	bitmap := make([]byte, 4)

	t.Run("set and test", func(t *testing.T) {
		SetBit(bitmap, 0)
		SetBit(bitmap, 9)
		SetBit(bitmap, 31)
		for _, bit := range []uint32{0, 9, 31} {
			if !TestBit(bitmap, bit) {
				t.Errorf("bit %d should be set", bit)
			}
		}
		if TestBit(bitmap, 1) || TestBit(bitmap, 8) {
			t.Error("neighbor bits were disturbed")
		}
	})

	t.Run("bit order is least-significant first", func(t *testing.T) {
		bm := make([]byte, 1)
		SetBit(bm, 0)
		if bm[0] != 0x01 {
			t.Errorf("bit 0 should be the low bit, got %#x", bm[0])
		}
	})

	t.Run("clear", func(t *testing.T) {
		ClearBit(bitmap, 9)
		if TestBit(bitmap, 9) {
			t.Error("bit 9 should be clear")
		}
		if !TestBit(bitmap, 0) || !TestBit(bitmap, 31) {
			t.Error("clearing disturbed other bits")
		}
	})
}

func TestBitRangeNarrowing(t *testing.T) {
	bitmap := make([]byte, 2)
	// Layout: bits 0-3 set, 4-9 clear, 10-15 set.
	for bit := uint32(0); bit < 4; bit++ {
		SetBit(bitmap, bit)
	}
	for bit := uint32(10); bit < 16; bit++ {
		SetBit(bitmap, bit)
	}

	cases := []struct {
		name    string
		bit     uint32
		maxBits int
		set     bool
		count   int
	}{
		{"run of set bits stops at the first clear bit", 0, 16, true, 4},
		{"run of clear bits stops at the first set bit", 4, 16, false, 6},
		{"count never exceeds maxBits", 0, 2, true, 2},
		{"run is clipped at the bitmap end", 10, 16, true, 6},
		{"single bit", 3, 1, true, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			set, count := TestBitRange(bitmap, tc.bit, tc.maxBits)
			if set != tc.set || count != tc.count {
				t.Errorf("TestBitRange(%d, %d) = (%v, %d), want (%v, %d)",
					tc.bit, tc.maxBits, set, count, tc.set, tc.count)
			}
		})
	}
}

func TestMaskBitmap(t *testing.T) {
	t.Run("drops masked bits", func(t *testing.T) {
		src := []byte{0xFF, 0x0F}
		mask := []byte{0x01, 0x0C}
		dst := make([]byte, 2)
		MaskBitmap(dst, src, mask)
		if dst[0] != 0xFE || dst[1] != 0x03 {
			t.Errorf("unexpected mask result: %x", dst)
		}
	})

	t.Run("nil mask is a plain copy", func(t *testing.T) {
		src := []byte{0xAA, 0x55}
		dst := make([]byte, 2)
		MaskBitmap(dst, src, nil)
		if dst[0] != 0xAA || dst[1] != 0x55 {
			t.Errorf("unexpected copy result: %x", dst)
		}
	})
}
