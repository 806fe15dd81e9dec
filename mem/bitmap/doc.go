// Package bitmap implements the boot-time physical page allocator: one bit
// per page frame over all of physical memory, 1 meaning reserved or allocated.
//
// # Bootstrap
//
// New sizes the bitmap from the highest available address in the memory map
// and stores it inside the memory it describes. The storage is placed at the
// top of the first available range that lies at or above the caller's lowest
// safe address and ends below 4 GiB, so 32-bit boot code can reach it. All
// frames start reserved; frames covered by available entries are then freed
// and finally the bitmap's own frames are reserved again.
//
// # Allocation
//
// Alloc scans backwards from the last allocation point and wraps around once,
// so high memory is handed out first. Alloc32 runs the same scan confined to
// the frames below 4 GiB with its own cursor, preserving DMA-capable memory
// for the consumers that need it.
//
// AllocContiguous finds a run of frames with a reverse first-fit scan that
// resets on every reserved frame (whole reserved bytes are skipped at once).
// A run never wraps from frame 0 to the top of memory.
//
// Reserve and Free treat a frame already in the target state as a fatal
// invariant violation.
package bitmap
