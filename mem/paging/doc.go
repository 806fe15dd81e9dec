// Package paging builds x86-64 4-level page tables in simulated physical
// memory.
//
// # Overview
//
// A Mapper owns a PML4 and edits the radix tree below it. Tables are 512
// little-endian 8-byte entries in frames obtained from a FrameAllocator.
// During boot the frames come from the bitmap allocator (below 4 GiB); once
// the buddy allocator is up the mapper is switched over with
// SetFrameAllocator.
//
// # Mapping
//
//	m, _ := paging.New(phys, frames)
//	err := m.Map(paging.Page2M, virt, phys, paging.FlagWritable|paging.FlagNoExecute)
//
// Map allocates missing intermediate tables (present, writable, and user
// when the leaf is user) and refuses to overwrite a present entry. Range
// helpers map many 4 KiB pages at once: MapRange consumes frames from a
// RegionProvider, highest first by default, and MapRangeWith draws each
// frame from an allocator.
//
// IdentityMap and MapDirect use 1 GiB pages only, so the first 512 GiB cost
// one PDPT on top of the PML4.
//
// # Inspection
//
// Lookup, Translate and Walk read the tree back. Unmap clears a leaf,
// records the range for the next FlushTLB and frees emptied tables when the
// frame allocator can take frames back. UnmapRange does the same for every
// leaf in a range and records it as one stale range. Release tears the
// whole tree down.
package paging
