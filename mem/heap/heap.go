// Package heap is the kernel's general-purpose allocator: small requests
// go to the slab size classes, everything else to the buddy allocator.
package heap

import (
	"fmt"
	"sync/atomic"

	"github.com/joshuapare/kmem/internal/assert"
	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/internal/physmem"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/mem/buddy"
	"github.com/joshuapare/kmem/mem/pagemeta"
	"github.com/joshuapare/kmem/mem/slab"
	"github.com/joshuapare/kmem/pkg/types"
)

// alignHeader is the slot before an aligned block that holds the address
// MallocAligned got from Malloc.
const alignHeader = 8

// Pages allocates whole buddy blocks.
type Pages interface {
	Alloc(order uint8) (mem.PhysAddr, error)
	Free(addr mem.PhysAddr)
}

// Caches resolves slab caches by size and by tag.
type Caches interface {
	GetCache(size uint64) *slab.ObjectCache
	CacheByID(id uint16) *slab.ObjectCache
}

// Heap routes allocations between slab caches and the buddy allocator.
type Heap struct {
	pages  Pages
	caches Caches
	table  *pagemeta.Table
	phys   physmem.Memory

	smallAllocs, largeAllocs atomic.Uint64
	smallFrees, largeFrees   atomic.Uint64
}

// Stats counts heap calls by path.
type Stats struct {
	SmallAllocs, LargeAllocs uint64
	SmallFrees, LargeFrees   uint64
}

// New returns a heap over pages and caches. table must be the pagemeta
// table both allocators tag.
func New(pages Pages, caches Caches, table *pagemeta.Table, phys physmem.Memory) *Heap {
	return &Heap{pages: pages, caches: caches, table: table, phys: phys}
}

// Malloc returns the direct-map address of a block of at least size bytes.
func (h *Heap) Malloc(size uint64) (mem.VirtAddr, error) {
	if size == 0 {
		return 0, fmt.Errorf("heap: zero-size allocation: %w", types.ErrInvalidArgument)
	}
	if c := h.caches.GetCache(size); c != nil {
		v, err := c.Alloc()
		if err != nil {
			return 0, fmt.Errorf("heap: %d bytes: %w", size, err)
		}
		h.smallAllocs.Add(1)
		return v, nil
	}

	if size > buddy.BlockSize(format.MaxOrder) {
		return 0, fmt.Errorf("heap: %d bytes exceeds the largest block (%d bytes): %w",
			size, buddy.BlockSize(format.MaxOrder), types.ErrInvalidArgument)
	}
	order := buddy.OrderForSize(size)
	p, err := h.pages.Alloc(order)
	if err != nil {
		return 0, fmt.Errorf("heap: %d bytes: %w", size, err)
	}
	h.largeAllocs.Add(1)
	logger.Debug("heap: large allocation", "size", size, "order", order, "phys", uint64(p))
	return p.ToVirt(), nil
}

// Free releases a block from Malloc. The page's metadata tag picks the
// path: slab pages go back to their cache, allocated buddy blocks to the
// buddy allocator. Freeing 0 does nothing.
func (h *Heap) Free(v mem.VirtAddr) {
	if v == 0 {
		return
	}
	p := v.ToPhys()
	rec := h.table.Lookup(p)
	switch rec.Kind() {
	case pagemeta.KindSlab:
		c := h.caches.CacheByID(rec.Slab().Cache())
		assert.Value(c != nil, "heap: slab page tagged with an unknown cache", rec.Slab().Cache())
		c.Free(v)
		h.smallFrees.Add(1)
	case pagemeta.KindAllocated:
		assert.Value(p.PageAligned(), "heap: freeing an address inside a block", v)
		h.pages.Free(p)
		h.largeFrees.Add(1)
	default:
		assert.Fail("heap: freeing memory the heap does not own", v)
	}
}

// MallocAligned returns a block of size bytes aligned to align, which must
// be a power of two. Release it with FreeAligned.
func (h *Heap) MallocAligned(size, align uint64) (mem.VirtAddr, error) {
	if !format.IsPow2(align) {
		return 0, fmt.Errorf("heap: alignment %d is not a power of two: %w", align, types.ErrInvalidArgument)
	}
	if size == 0 {
		return 0, fmt.Errorf("heap: zero-size allocation: %w", types.ErrInvalidArgument)
	}
	if align < alignHeader {
		align = alignHeader
	}
	total := size + align + alignHeader
	if total < size {
		return 0, fmt.Errorf("heap: %d bytes aligned to %d overflows: %w", size, align, types.ErrInvalidArgument)
	}
	raw, err := h.Malloc(total)
	if err != nil {
		return 0, err
	}
	v := mem.VirtAddr(format.AlignUp(uint64(raw)+alignHeader, align))
	physmem.WriteU64(h.phys, (v - alignHeader).ToPhys(), uint64(raw))
	return v, nil
}

// FreeAligned releases a block from MallocAligned. Freeing 0 does nothing.
func (h *Heap) FreeAligned(v mem.VirtAddr) {
	if v == 0 {
		return
	}
	raw := mem.VirtAddr(physmem.ReadU64(h.phys, (v - alignHeader).ToPhys()))
	assert.Value(raw < v && uint64(v-raw) >= alignHeader, "heap: corrupt alignment header", v)
	h.Free(raw)
}

// Bytes returns n bytes of heap memory at v. The span must not cross a page.
func (h *Heap) Bytes(v mem.VirtAddr, n int) []byte {
	return physmem.Bytes(h.phys, v.ToPhys(), n)
}

// Stats returns the call counters.
func (h *Heap) Stats() Stats {
	return Stats{
		SmallAllocs: h.smallAllocs.Load(),
		LargeAllocs: h.largeAllocs.Load(),
		SmallFrees:  h.smallFrees.Load(),
		LargeFrees:  h.largeFrees.Load(),
	}
}
