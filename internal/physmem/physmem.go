// Package physmem simulates the physical memory the allocators manage.
//
// Every allocator in the core keeps its state inside the memory it manages:
// bitmap bits, slab free-index chains and page tables all live in page frames.
// A Memory hands out 4 KiB views of frames so that those structures can be
// stored byte for byte the way the hardware and the kernel see them.
//
// Two implementations are provided: Arena, a contiguous anonymous mapping
// suited to machines of a few GiB, and Sparse, which materializes frames on
// first touch so that memory maps with large holes or high ranges stay cheap.
package physmem

import (
	"github.com/joshuapare/kmem/internal/assert"
	"github.com/joshuapare/kmem/internal/buf"
	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem"
)

// Memory is byte-addressable simulated physical memory.
type Memory interface {
	// Size returns the exclusive upper bound of addressable physical memory.
	Size() uint64
	// Page returns the PageSize-byte view of frame pfn. Out-of-range frames
	// are an invariant violation.
	Page(pfn mem.PFN) []byte
}

// Bytes returns the n bytes starting at addr. The range must stay inside a
// single page frame.
func Bytes(m Memory, addr mem.PhysAddr, n int) []byte {
	off := int(uint64(addr) & format.PageMask)
	b, ok := buf.Slice(m.Page(addr.PFN()), off, n)
	assert.Value(ok, "physmem: access straddles a page boundary", addr)
	return b
}

// Zero clears n bytes starting at addr, crossing page boundaries as needed.
func Zero(m Memory, addr mem.PhysAddr, n uint64) {
	for n > 0 {
		off := uint64(addr) & format.PageMask
		chunk := format.PageSize - off
		if chunk > n {
			chunk = n
		}
		clear(m.Page(addr.PFN())[off : off+chunk])
		addr += mem.PhysAddr(chunk)
		n -= chunk
	}
}

// ZeroPage clears one whole frame.
func ZeroPage(m Memory, pfn mem.PFN) {
	clear(m.Page(pfn))
}

// ReadU64 loads the little-endian word at addr, which must be 8-byte aligned.
func ReadU64(m Memory, addr mem.PhysAddr) uint64 {
	return ReadUint(m, addr, 8)
}

// WriteU64 stores v little-endian at addr, which must be 8-byte aligned.
func WriteU64(m Memory, addr mem.PhysAddr, v uint64) {
	WriteUint(m, addr, 8, v)
}

// ReadUint loads a naturally aligned little-endian integer of width 1, 2, 4
// or 8 bytes.
func ReadUint(m Memory, addr mem.PhysAddr, width int) uint64 {
	checkWidth(addr, width)
	return buf.UintLE(Bytes(m, addr, width), width)
}

// WriteUint stores the low width bytes of v at a naturally aligned addr.
func WriteUint(m Memory, addr mem.PhysAddr, width int, v uint64) {
	checkWidth(addr, width)
	buf.PutUintLE(Bytes(m, addr, width), width, v)
}

func checkWidth(addr mem.PhysAddr, width int) {
	assert.Value(width == 1 || width == 2 || width == 4 || width == 8, "physmem: unsupported access width", width)
	assert.Value(format.IsAligned(uint64(addr), uint64(width)), "physmem: misaligned access", addr)
}
