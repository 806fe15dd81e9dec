// Package buf contains helpers for endian-safe decoding and encoding of the
// little-endian structures the memory core reads and writes: page-table
// entries, slab free-index slots and Multiboot2 tags.
package buf

import "encoding/binary"

// U16LE reads a little-endian uint16 from b. Returns 0 when b is too short.
func U16LE(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// U32LE reads a little-endian uint32 from b. Returns 0 when b is too short.
func U32LE(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// U64LE reads a little-endian uint64 from b. Returns 0 when b is too short.
func U64LE(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// PutU16LE writes v into b. Reports false when b is too short.
func PutU16LE(b []byte, v uint16) bool {
	if len(b) < 2 {
		return false
	}
	binary.LittleEndian.PutUint16(b, v)
	return true
}

// PutU32LE writes v into b. Reports false when b is too short.
func PutU32LE(b []byte, v uint32) bool {
	if len(b) < 4 {
		return false
	}
	binary.LittleEndian.PutUint32(b, v)
	return true
}

// PutU64LE writes v into b. Reports false when b is too short.
func PutU64LE(b []byte, v uint64) bool {
	if len(b) < 8 {
		return false
	}
	binary.LittleEndian.PutUint64(b, v)
	return true
}

// UintLE reads an unsigned little-endian integer of width 1, 2, 4 or 8 bytes.
// Returns 0 for any other width or when b is too short.
func UintLE(b []byte, width int) uint64 {
	switch width {
	case 1:
		if len(b) < 1 {
			return 0
		}
		return uint64(b[0])
	case 2:
		return uint64(U16LE(b))
	case 4:
		return uint64(U32LE(b))
	case 8:
		return U64LE(b)
	default:
		return 0
	}
}

// PutUintLE writes the low width bytes of v into b. Reports false for an
// unsupported width or a short buffer.
func PutUintLE(b []byte, width int, v uint64) bool {
	switch width {
	case 1:
		if len(b) < 1 {
			return false
		}
		b[0] = byte(v)
		return true
	case 2:
		return PutU16LE(b, uint16(v))
	case 4:
		return PutU32LE(b, uint32(v))
	case 8:
		return PutU64LE(b, v)
	default:
		return false
	}
}
