package buf

import "testing"

func TestEndianHelpers(t *testing.T) {
	data := []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef}

	if got := U16LE(data); got != 0x2301 {
		t.Fatalf("U16LE = 0x%x, want 0x2301", got)
	}
	if got := U32LE(data); got != 0x67452301 {
		t.Fatalf("U32LE = 0x%x, want 0x67452301", got)
	}
	if got := U64LE(data); got != 0xefcdab8967452301 {
		t.Fatalf("U64LE = 0x%x, want 0xefcdab8967452301", got)
	}

	short := []byte{0xAA}
	if U16LE(short) != 0 || U32LE(short) != 0 || U64LE(short) != 0 {
		t.Fatalf("short reads should return 0")
	}
}

func TestPutHelpers(t *testing.T) {
	b := make([]byte, 8)
	if !PutU64LE(b, 0x8000000000001003) {
		t.Fatalf("PutU64LE failed")
	}
	if b[0] != 0x03 || b[1] != 0x10 || b[7] != 0x80 {
		t.Fatalf("PutU64LE layout = % x", b)
	}
	if PutU32LE(b[:3], 1) || PutU16LE(b[:1], 1) {
		t.Fatalf("short writes should fail")
	}
}

func TestUintLEWidths(t *testing.T) {
	b := make([]byte, 8)
	for _, width := range []int{1, 2, 4, 8} {
		max := uint64(1)<<(8*uint(width)) - 1
		if width == 8 {
			max = ^uint64(0)
		}
		if !PutUintLE(b, width, max) {
			t.Fatalf("PutUintLE width %d failed", width)
		}
		if got := UintLE(b, width); got != max {
			t.Fatalf("UintLE width %d = %#x, want %#x", width, got, max)
		}
	}
	if PutUintLE(b, 3, 1) || UintLE(b, 3) != 0 {
		t.Fatalf("width 3 must be rejected")
	}
}
