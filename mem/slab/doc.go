// Package slab carves buddy blocks into caches of fixed-size objects.
//
// # Overview
//
// An ObjectCache serves one object size. Its memory comes in slabs: buddy
// blocks of 2^order frames sliced into Capacity slots. Free slots form a
// chain of indices stored in a free-index array, one entry per slot:
//
//	on-slab:   | slot 0 | slot 1 | ... | slot N-1 | idx 0 | idx 1 | ... | pad |
//	off-slab:  | slot 0 | slot 1 | ... | slot N-1 | pad |   + array in a smaller cache
//
// Entry i holds the index of the next free slot after i. Two values of the
// index width are reserved: all ones ends the chain and all ones minus one
// marks an allocated slot, which is how a second free of the same object is
// caught without walking the chain.
//
// # Layout
//
// The index width is the narrowest of 1, 2, 4 and 8 bytes that can number
// every slot plus the two markers. The block order is the first order,
// searching upward from 0, whose space efficiency (Capacity*ObjectSize over
// the block size) reaches format.SlabMinEfficiency; when no order does, the
// most efficient order wins, preferring the smaller order when two are within
// format.SlabEfficiencyTolerance. Capacity always satisfies
// Capacity*(ObjectSize+IndexWidth) <= block size.
//
// Objects of format.SlabOffSlabMinSize bytes and above keep their index array
// off-slab so the block holds objects only.
//
// # Slab lists
//
// Each cache threads its slabs through the pagemeta records of their head
// frames onto one of three lists: partial, full and empty. Alloc serves from
// partial (then empty), growing from the buddy allocator only when both are
// exhausted. Empty slabs stay cached until Shrink hands them back.
//
// Every frame of a slab is tagged pagemeta.KindSlab with the owning cache id,
// so any address inside a slab resolves to its cache in O(1).
package slab
