// Package buddy implements the binary buddy allocator that owns physical
// memory once boot is complete.
//
// Free memory is kept as power-of-two aligned blocks of 2^order frames,
// order 0 through format.MaxOrder, one intrusive free list per order. Links
// are frame numbers threaded through the pagemeta table, so the allocator
// holds no memory of its own beyond eleven list heads.
//
// # Splitting and merging
//
// Alloc takes the first block from the lowest non-empty list at or above the
// requested order and splits it down: each halving keeps the lower half and
// pushes the upper half (pfn ^ 1<<lower) onto the next list down.
//
// Free tags the block free and merges it with its buddy (pfn ^ 1<<order)
// while the buddy is a free block of the same order, moving the base to the
// lower of the two each time. Because splitting and merging are the only
// transitions, every block stays aligned to its own size.
//
// Freeing anything that is not the head of an allocated block (double free,
// an interior frame, a slab page) is a fatal invariant violation.
package buddy
