// Package format houses the compile-time constants of the memory core: page
// geometry, buddy orders, slab size classes and the fixed virtual layout.
// The values are hardware or design constants and are not configurable at
// run time.
package format

const (
	// PageShift is log2 of the base page size.
	PageShift = 12

	// PageSize is the size of a page frame in bytes. Every allocator in this
	// module indexes memory by page frame number (address >> PageShift).
	PageSize = 1 << PageShift

	// PageMask selects the offset bits inside a page.
	PageMask = PageSize - 1

	// MaxOrder is the largest buddy order; blocks span up to 2^MaxOrder pages
	// (4 MiB).
	MaxOrder = 10

	// NumOrders is the number of buddy free lists (orders 0..MaxOrder).
	NumOrders = MaxOrder + 1
)

const (
	// Limit32 is the first physical address a 32-bit (DMA-capable) consumer
	// cannot reach.
	Limit32 = 1 << 32

	// Pages32 is the number of page frames below Limit32.
	Pages32 = Limit32 >> PageShift
)

// Virtual layout.
const (
	// DirectMapBase is the start of the direct map of physical memory.
	// Physical address p is visible at DirectMapBase+p.
	DirectMapBase = 0xFFFF800000000000

	// KernelBase is the virtual address the kernel image is linked at.
	KernelBase = 0xFFFFFFFF80000000

	// IdentityMapLimit is how much memory boot code identity maps
	// (the span of one PML4 entry).
	IdentityMapLimit = 512 << 30
)

// Page-table geometry.
const (
	// EntriesPerTable is the number of 8-byte entries in each page table.
	EntriesPerTable = 512

	// EntrySize is the size of a page-table entry in bytes.
	EntrySize = 8

	// TableIndexBits is the number of virtual address bits consumed per level.
	TableIndexBits = 9

	// TableLevels is the depth of the x86-64 radix tree (PML4..PML1).
	TableLevels = 4

	// HugePage2M and HugePage1G are the large page sizes mapped at PML2 and PML3.
	HugePage2M = 1 << 21
	HugePage1G = 1 << 30
)

// Slab sizing.
const (
	// SlabMinShift and SlabMaxShift bound the power-of-two size classes
	// (8..4096 bytes).
	SlabMinShift = 3
	SlabMaxShift = 12

	// SlabClasses is the number of size classes.
	SlabClasses = SlabMaxShift - SlabMinShift + 1

	// SlabMinObjectSize and SlabMaxObjectSize are the smallest and largest class.
	SlabMinObjectSize = 1 << SlabMinShift
	SlabMaxObjectSize = 1 << SlabMaxShift

	// SlabMinEfficiency is the space efficiency (used bytes / block bytes) the
	// block order search stops at.
	SlabMinEfficiency = 0.95

	// SlabEfficiencyTolerance treats two efficiencies this close as equal when
	// ranking block orders.
	SlabEfficiencyTolerance = 0.01

	// SlabOffSlabMinSize is the object size from which the free-index array is
	// kept outside the slab block.
	SlabOffSlabMinSize = 512
)
