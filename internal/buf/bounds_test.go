package buf

import (
	"math"
	"testing"
)

func TestAddOverflowSafe(t *testing.T) {
	if sum, ok := AddOverflowSafe(10, 5); !ok || sum != 15 {
		t.Fatalf("AddOverflowSafe(10,5)=%d,%v want 15,true", sum, ok)
	}
	if _, ok := AddOverflowSafe(math.MaxInt, 1); ok {
		t.Fatalf("expected overflow when adding to MaxInt")
	}
	if _, ok := AddOverflowSafe(math.MinInt, -1); ok {
		t.Fatalf("expected underflow when subtracting from MinInt")
	}
}

func TestMulOverflowSafe(t *testing.T) {
	if p, ok := MulOverflowSafe(24, 10); !ok || p != 240 {
		t.Fatalf("MulOverflowSafe(24,10)=%d,%v want 240,true", p, ok)
	}
	if _, ok := MulOverflowSafe(math.MaxInt/2+1, 2); ok {
		t.Fatalf("expected overflow")
	}
	if _, ok := MulOverflowSafe(-1, 2); ok {
		t.Fatalf("negative operands must be rejected")
	}
}

func TestRangeEnd(t *testing.T) {
	if end, ok := RangeEnd(0x100000, 0x1000); !ok || end != 0x101000 {
		t.Fatalf("RangeEnd = %#x,%v", end, ok)
	}
	if _, ok := RangeEnd(math.MaxUint64-0xFFF, 0x1000); ok {
		t.Fatalf("expected wrap to be reported")
	}
}

func TestCheckListBounds(t *testing.T) {
	end, err := CheckListBounds(16+3*24, 16, 3, 24)
	if err != nil || end != 88 {
		t.Fatalf("CheckListBounds = %d,%v want 88,nil", end, err)
	}
	if _, err := CheckListBounds(64, 16, 3, 24); err == nil {
		t.Fatalf("expected bounds error")
	}
	if _, err := CheckListBounds(64, -1, 1, 1); err == nil {
		t.Fatalf("expected negative offset error")
	}
}

func TestSliceAndHas(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4}
	if got, ok := Slice(data, 1, 3); !ok || len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("Slice returned unexpected result: %v, %v", got, ok)
	}
	if _, ok := Slice(data, 4, 2); ok {
		t.Fatalf("Slice should fail when extending beyond len")
	}
	if Has(data, 2, 4) {
		t.Fatalf("Has should be false for out-of-bounds range")
	}
	if !Has(data, 2, 1) {
		t.Fatalf("Has should be true for valid range")
	}
	if _, ok := Slice(data, -1, 1); ok {
		t.Fatalf("Slice should reject negative offset")
	}
}
