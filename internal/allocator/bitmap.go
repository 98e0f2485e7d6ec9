package allocator

// Bitmap primitives. Bit i of a bitmap describes block i of the group; bit
// order within a byte is least-significant first.

// TestBit reports whether bit is set.
func TestBit(bitmap []byte, bit uint32) bool {
	return bitmap[bit>>3]&(1<<(bit&7)) != 0
}

// SetBit sets bit.
func SetBit(bitmap []byte, bit uint32) {
	bitmap[bit>>3] |= 1 << (bit & 7)
}

// ClearBit clears bit.
func ClearBit(bitmap []byte, bit uint32) {
	bitmap[bit>>3] &^= 1 << (bit & 7)
}

// TestBitRange tests bit and measures the run of equal-valued bits starting
// there, up to maxBits. It returns the value of the first bit and the run
// length. The engines use the narrowed count to shrink a multi-block
// decision to the contiguous range it actually covers.
func TestBitRange(bitmap []byte, bit uint32, maxBits int) (bool, int) {
	set := TestBit(bitmap, bit)
	count := 1
	for count < maxBits && uint64(bit)+uint64(count) < uint64(len(bitmap))*8 {
		if TestBit(bitmap, bit+uint32(count)) != set {
			break
		}
		count++
	}
	return set, count
}

// MaskBitmap copies src AND NOT mask into dst. A nil mask degenerates to a
// plain copy. Used to freeze a COW bitmap net of excluded blocks.
func MaskBitmap(dst, src, mask []byte) {
	if mask == nil {
		copy(dst, src)
		return
	}
	for i := range src {
		dst[i] = src[i] &^ mask[i]
	}
}
