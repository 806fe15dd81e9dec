package bitmap

import (
	"fmt"
	"sync"

	"github.com/joshuapare/kmem/internal/assert"
	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/internal/physmem"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/mem/memmap"
	"github.com/joshuapare/kmem/pkg/types"
)

// Allocator is the bitmap physical page allocator.
type Allocator struct {
	mu sync.Mutex

	// bitmap storage: one view per backing frame
	chunks [][]byte
	base   mem.PhysAddr
	bytes  uint64

	total   uint64 // managed frames [0, total)
	limit32 uint64 // frames below 4 GiB, capped at total
	free    uint64

	index   uint64 // next frame Alloc examines
	index32 uint64 // next frame Alloc32 examines
}

// Stats is a point-in-time summary of the bitmap.
type Stats struct {
	TotalPages uint64
	FreePages  uint64
	Location   mem.PhysAddr
	SizeBytes  uint64
}

// New builds the bitmap for m inside phys. lowestSafe is the lowest address
// the bitmap storage may occupy (the kernel image usually sits below it).
func New(m memmap.Map, lowestSafe mem.PhysAddr, phys physmem.Memory) (*Allocator, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	top := m.HighestAvailable()
	if top == 0 {
		return nil, fmt.Errorf("bitmap: memory map has no available range: %w", types.ErrOutOfMemory)
	}
	if uint64(top) > phys.Size() {
		return nil, fmt.Errorf("bitmap: memory map reaches %s beyond %d bytes of memory: %w", top, phys.Size(), types.ErrInvalidArgument)
	}

	total := format.PagesFor(uint64(top))
	b := &Allocator{
		total:   total,
		limit32: min(total, format.Pages32),
		bytes:   (total + 7) / 8,
	}

	base, ok := findLocation(m, lowestSafe, format.AlignUp(b.bytes, format.PageSize))
	if !ok {
		return nil, fmt.Errorf("bitmap: no room for %d bytes of bitmap above %s below 4GiB: %w", b.bytes, lowestSafe, types.ErrOutOfMemory)
	}
	b.base = base

	pages := format.PagesFor(b.bytes)
	b.chunks = make([][]byte, pages)
	for i := range b.chunks {
		b.chunks[i] = phys.Page(base.PFN() + mem.PFN(i))
	}

	b.setAll()
	for _, e := range m.Coalesced() {
		b.clearRange(uint64(e.Base.PFN()), e.Length>>format.PageShift)
	}
	b.setRange(uint64(base.PFN()), pages)
	b.initIndices()

	logger.Info("bitmap: initialized",
		"total_pages", b.total,
		"free_pages", b.free,
		"location", fmt.Sprintf("%#x", uint64(base)),
		"bytes", b.bytes)
	return b, nil
}

// findLocation returns the first page-aligned spot of size bytes at the top
// of an available entry, at or above lowestSafe and below 4 GiB. Entries are
// tried in map order; the spot must lie wholly in usable RAM.
func findLocation(m memmap.Map, lowestSafe mem.PhysAddr, size uint64) (mem.PhysAddr, bool) {
	floor := format.AlignUp(uint64(lowestSafe), format.PageSize)
	usable := m.Coalesced()
	for _, e := range m.Available() {
		start := format.AlignUp(uint64(e.Base), format.PageSize)
		end := min(uint64(e.End()), format.Limit32)
		if end < size {
			continue
		}
		cand := format.AlignDown(end-size, format.PageSize)
		if cand >= start && cand >= floor && usable.Contains(mem.PhysAddr(cand), size) {
			return mem.PhysAddr(cand), true
		}
	}
	return 0, false
}

func (b *Allocator) initIndices() {
	b.index = b.total - 1
	b.index32 = b.limit32 - 1
	for p := b.total; p > 0; p-- {
		if !b.test(p - 1) {
			b.index = p - 1
			break
		}
	}
	for p := b.limit32; p > 0; p-- {
		if !b.test(p - 1) {
			b.index32 = p - 1
			break
		}
	}
}

// bit helpers; callers hold mu or own b exclusively

func (b *Allocator) byteAt(i uint64) *byte {
	return &b.chunks[i>>format.PageShift][i&format.PageMask]
}

func (b *Allocator) test(pfn uint64) bool {
	return *b.byteAt(pfn>>3)&(1<<(pfn&7)) != 0
}

func (b *Allocator) set(pfn uint64) {
	*b.byteAt(pfn>>3) |= 1 << (pfn & 7)
}

func (b *Allocator) clear(pfn uint64) {
	*b.byteAt(pfn>>3) &^= 1 << (pfn & 7)
}

func (b *Allocator) setAll() {
	remaining := b.bytes
	for _, c := range b.chunks {
		n := min(remaining, uint64(len(c)))
		for i := range c[:n] {
			c[i] = 0xFF
		}
		remaining -= n
	}
	b.free = 0
}

func (b *Allocator) setRange(start, n uint64) {
	for p := start; p < start+n; p++ {
		assert.Value(!b.test(p), "bitmap: reserving a page that is not free", mem.PFN(p))
	}
	for p := start; p < start+n; p++ {
		b.set(p)
	}
	b.free -= n
}

func (b *Allocator) clearRange(start, n uint64) {
	for p := start; p < start+n; p++ {
		assert.Value(b.test(p), "bitmap: freeing a page that is not reserved", mem.PFN(p))
	}
	for p := start; p < start+n; p++ {
		b.clear(p)
	}
	b.free += n
}

// pageRange converts a physical range to frames, asserting alignment and bounds.
func (b *Allocator) pageRange(addr mem.PhysAddr, size uint64) (uint64, uint64) {
	assert.Value(addr.PageAligned(), "bitmap: range start is not page aligned", addr)
	start := uint64(addr.PFN())
	n := format.PagesFor(size)
	assert.Value(start+n <= b.total && start+n >= start, "bitmap: range beyond managed memory", addr)
	return start, n
}

// Reserve marks the pages covering [addr, addr+size) as in use. Every page
// must currently be free.
func (b *Allocator) Reserve(addr mem.PhysAddr, size uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start, n := b.pageRange(addr, size)
	b.setRange(start, n)
}

// Free returns the pages covering [addr, addr+size). Every page must
// currently be reserved.
func (b *Allocator) Free(addr mem.PhysAddr, size uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start, n := b.pageRange(addr, size)
	b.clearRange(start, n)
}

// Alloc returns one free page, preferring high memory.
func (b *Allocator) Alloc() (mem.PhysAddr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pfn, ok := b.scan(&b.index, b.total)
	if !ok {
		return 0, fmt.Errorf("bitmap: no free page: %w", types.ErrOutOfMemory)
	}
	return mem.PFN(pfn).Addr(), nil
}

// Alloc32 returns one free page below 4 GiB.
func (b *Allocator) Alloc32() (mem.PhysAddr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pfn, ok := b.scan(&b.index32, b.limit32)
	if !ok {
		return 0, fmt.Errorf("bitmap: no free page below 4GiB: %w", types.ErrOutOfMemory)
	}
	return mem.PFN(pfn).Addr(), nil
}

// AllocFrame is Alloc under the name page-table builders expect.
func (b *Allocator) AllocFrame() (mem.PhysAddr, error) { return b.Alloc() }

// scan walks backwards from *cursor over [0, limit), wrapping once.
func (b *Allocator) scan(cursor *uint64, limit uint64) (uint64, bool) {
	if limit == 0 {
		return 0, false
	}
	p := min(*cursor, limit-1)
	for i := uint64(0); i < limit; i++ {
		if !b.test(p) {
			b.set(p)
			b.free--
			*cursor = prev(p, limit)
			return p, true
		}
		p = prev(p, limit)
	}
	return 0, false
}

func prev(p, limit uint64) uint64 {
	if p == 0 {
		return limit - 1
	}
	return p - 1
}

// AllocContiguous returns ceil(size/PageSize) contiguous free pages.
func (b *Allocator) AllocContiguous(size uint64) (mem.PhysAddr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocContiguous(size, &b.index, b.total, "")
}

// AllocContiguous32 is AllocContiguous confined to memory below 4 GiB.
func (b *Allocator) AllocContiguous32(size uint64) (mem.PhysAddr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocContiguous(size, &b.index32, b.limit32, " below 4GiB")
}

func (b *Allocator) allocContiguous(size uint64, cursor *uint64, limit uint64, where string) (mem.PhysAddr, error) {
	n := format.PagesFor(size)
	if n == 0 {
		return 0, fmt.Errorf("bitmap: contiguous allocation of zero bytes: %w", types.ErrInvalidArgument)
	}
	if n <= limit {
		hint := min(*cursor+1, limit)
		start, ok := b.findRun(hint, n)
		if !ok && hint < limit {
			start, ok = b.findRun(limit, n)
		}
		if ok {
			for p := start; p < start+n; p++ {
				b.set(p)
			}
			b.free -= n
			*cursor = prev(start, limit)
			return mem.PFN(start).Addr(), nil
		}
	}
	return 0, fmt.Errorf("bitmap: no run of %d free pages%s: %w", n, where, types.ErrOutOfMemory)
}

// findRun returns the start of the highest run of n free frames inside
// [0, hi).
func (b *Allocator) findRun(hi, n uint64) (uint64, bool) {
	run := uint64(0)
	for p := hi; p > 0; {
		p--
		if p&7 == 7 && *b.byteAt(p>>3) == 0xFF {
			run = 0
			p -= 7
			continue
		}
		if b.test(p) {
			run = 0
			continue
		}
		run++
		if run == n {
			return p, true
		}
	}
	return 0, false
}

// IsFree reports whether frame pfn is free.
func (b *Allocator) IsFree(pfn mem.PFN) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Value(uint64(pfn) < b.total, "bitmap: frame out of range", pfn)
	return !b.test(uint64(pfn))
}

// TotalPages returns the number of managed frames.
func (b *Allocator) TotalPages() uint64 { return b.total }

// FreePages returns the number of free frames.
func (b *Allocator) FreePages() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.free
}

// Location returns the physical placement of the bitmap storage.
func (b *Allocator) Location() (mem.PhysAddr, uint64) { return b.base, b.bytes }

// Stats returns a summary snapshot.
func (b *Allocator) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{TotalPages: b.total, FreePages: b.free, Location: b.base, SizeBytes: b.bytes}
}
