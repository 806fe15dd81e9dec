package format

import "math/bits"

// Alignment utilities. All alignments are powers of two; callers validate
// untrusted alignments with IsPow2 first.

// AlignUp returns v rounded up to a multiple of align.
//
// Example:
//
//	AlignUp(1, 4096)    = 4096
//	AlignUp(4096, 4096) = 4096
//	AlignUp(4097, 4096) = 8192
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown returns v rounded down to a multiple of align.
func AlignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// IsAligned reports whether v is a multiple of align.
func IsAligned(v, align uint64) bool {
	return v&(align-1) == 0
}

// IsPow2 reports whether v is a non-zero power of two.
func IsPow2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// PagesFor returns the number of whole pages needed to hold size bytes.
func PagesFor(size uint64) uint64 {
	return (size + PageMask) >> PageShift
}

// Log2Ceil returns the smallest k with 1<<k >= n. Log2Ceil(0) and
// Log2Ceil(1) are 0.
func Log2Ceil(n uint64) uint {
	if n <= 1 {
		return 0
	}
	return uint(bits.Len64(n - 1))
}
