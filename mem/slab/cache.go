package slab

import (
	"fmt"
	"sync"

	"github.com/joshuapare/kmem/internal/assert"
	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/internal/physmem"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/mem/pagemeta"
	"github.com/joshuapare/kmem/pkg/types"
)

// BlockAllocator supplies slab blocks. The buddy allocator satisfies it.
type BlockAllocator interface {
	Alloc(order uint8) (mem.PhysAddr, error)
	Free(addr mem.PhysAddr)
}

// CacheConfig describes an object cache.
type CacheConfig struct {
	ID         uint16 // tag written into the pagemeta record of every slab frame
	Name       string
	ObjectSize uint64 // multiple of 8

	// OffSlab keeps each slab's free-index array in an object of Meta. Meta
	// must serve objects of at least Capacity*IndexWidth bytes.
	OffSlab bool
	Meta    *ObjectCache
}

// ObjectCache allocates objects of one size.
type ObjectCache struct {
	mu sync.Mutex

	id     uint16
	name   string
	layout Layout
	meta   *ObjectCache // nil when on-slab

	pages BlockAllocator
	table *pagemeta.Table
	phys  physmem.Memory

	endMark, allocMark uint64

	partial, full, empty mem.PFN // slab lists, linked through head records
	nPartial             uint64
	nFull                uint64
	nEmpty               uint64
	live                 uint64

	stats cacheStats
}

type cacheStats struct {
	allocs, frees  uint64
	grows, shrinks uint64
}

// CacheStats is a point-in-time summary of a cache.
type CacheStats struct {
	Name       string
	ObjectSize uint64
	Order      uint8
	Capacity   uint64
	IndexWidth int
	OffSlab    bool

	Slabs, Partial, Full, Empty uint64
	Live                        uint64

	Allocs, Frees  uint64
	Grows, Shrinks uint64
}

// NewCache returns an empty cache. Slabs are allocated on first use.
func NewCache(cfg CacheConfig, pages BlockAllocator, table *pagemeta.Table, phys physmem.Memory) (*ObjectCache, error) {
	if cfg.ObjectSize < format.SlabMinObjectSize || cfg.ObjectSize%8 != 0 {
		return nil, fmt.Errorf("slab: object size %d must be a multiple of 8 and at least %d: %w",
			cfg.ObjectSize, format.SlabMinObjectSize, types.ErrInvalidArgument)
	}
	l := Plan(cfg.ObjectSize)
	if l.Capacity == 0 {
		return nil, fmt.Errorf("slab: object size %d does not fit a block of order %d: %w",
			cfg.ObjectSize, format.MaxOrder, types.ErrInvalidArgument)
	}
	c := &ObjectCache{
		id:        cfg.ID,
		name:      cfg.Name,
		layout:    l,
		pages:     pages,
		table:     table,
		phys:      phys,
		endMark:   maxIndex(l.IndexWidth),
		allocMark: maxIndex(l.IndexWidth) - 1,
		partial:   mem.NoPFN,
		full:      mem.NoPFN,
		empty:     mem.NoPFN,
	}
	if c.name == "" {
		c.name = fmt.Sprintf("cache-%d", cfg.ObjectSize)
	}
	if cfg.OffSlab {
		need := l.Capacity * uint64(l.IndexWidth)
		if cfg.Meta == nil || cfg.Meta.layout.ObjectSize < need {
			return nil, fmt.Errorf("slab: %s needs a metadata cache of %d-byte objects: %w", c.name, need, types.ErrInvalidArgument)
		}
		c.meta = cfg.Meta
	}
	return c, nil
}

// ID returns the cache id.
func (c *ObjectCache) ID() uint16 { return c.id }

// Name returns the cache name.
func (c *ObjectCache) Name() string { return c.name }

// ObjectSize returns the size of the objects the cache serves.
func (c *ObjectCache) ObjectSize() uint64 { return c.layout.ObjectSize }

// Layout returns the slab layout.
func (c *ObjectCache) Layout() Layout { return c.layout }

// OffSlab reports whether free-index arrays live outside the slabs.
func (c *ObjectCache) OffSlab() bool { return c.meta != nil }

// Alloc returns the direct-map address of a free object.
func (c *ObjectCache) Alloc() (mem.VirtAddr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	head := c.partial
	if !head.Valid() {
		head = c.empty
		if head.Valid() {
			c.move(head, &c.empty, &c.nEmpty, &c.partial, &c.nPartial)
		} else {
			var err error
			if head, err = c.grow(); err != nil {
				return 0, err
			}
		}
	}

	st := c.table.Get(head).Slab()
	idx := st.FreeHead()
	assert.Value(idx != c.endMark, "slab: partial slab has no free slot", head)
	next := c.readIndex(head, st, idx)
	assert.Value(next != c.allocMark, "slab: free chain reaches an allocated slot", idx)
	c.writeIndex(head, st, idx, c.allocMark)

	st.SetFreeHead(next)
	st.SetInUse(st.InUse() + 1)
	if uint64(st.InUse()) == c.layout.Capacity {
		c.move(head, &c.partial, &c.nPartial, &c.full, &c.nFull)
	}
	c.live++
	c.stats.allocs++
	return c.slotAddr(head, idx).ToVirt(), nil
}

// Free returns an object obtained from Alloc on this cache.
func (c *ObjectCache) Free(v mem.VirtAddr) {
	p := v.ToPhys()

	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.table.Lookup(p)
	assert.Value(rec.Kind() == pagemeta.KindSlab, "slab: freeing an address outside any slab", v)
	assert.Value(rec.Slab().Cache() == c.id, "slab: object freed to the wrong cache", v)

	order := rec.Order()
	head := p.PFN() &^ (mem.PFN(1)<<order - 1)
	off := uint64(p - head.Addr())
	assert.Value(off%c.layout.ObjectSize == 0, "slab: address is not the start of a slot", v)
	idx := off / c.layout.ObjectSize
	assert.Value(idx < c.layout.Capacity, "slab: address in slab padding", v)

	st := c.table.Get(head).Slab()
	assert.Value(c.readIndex(head, st, idx) == c.allocMark, "slab: double free", v)
	c.writeIndex(head, st, idx, st.FreeHead())
	st.SetFreeHead(idx)

	wasFull := uint64(st.InUse()) == c.layout.Capacity
	inUse := st.InUse() - 1
	st.SetInUse(inUse)
	switch {
	case inUse == 0 && wasFull:
		c.move(head, &c.full, &c.nFull, &c.empty, &c.nEmpty)
	case inUse == 0:
		c.move(head, &c.partial, &c.nPartial, &c.empty, &c.nEmpty)
	case wasFull:
		c.move(head, &c.full, &c.nFull, &c.partial, &c.nPartial)
	}
	c.live--
	c.stats.frees++
}

// grow allocates and formats a new slab, leaving it on the partial list.
// Callers hold mu.
func (c *ObjectCache) grow() (mem.PFN, error) {
	base, err := c.pages.Alloc(c.layout.Order)
	if err != nil {
		return mem.NoPFN, fmt.Errorf("slab: grow %s: %w", c.name, err)
	}
	var metaAddr mem.PhysAddr
	if c.meta != nil {
		v, err := c.meta.Alloc()
		if err != nil {
			c.pages.Free(base)
			return mem.NoPFN, fmt.Errorf("slab: grow %s metadata: %w", c.name, err)
		}
		metaAddr = v.ToPhys()
	}

	head := base.PFN()
	for i := mem.PFN(0); i < mem.PFN(1)<<c.layout.Order; i++ {
		c.table.Get(head+i).SetSlab(c.layout.Order, c.id)
	}
	st := c.table.Get(head).Slab()
	st.SetMeta(metaAddr)
	st.SetFreeHead(0)
	for i := uint64(0); i < c.layout.Capacity; i++ {
		next := i + 1
		if next == c.layout.Capacity {
			next = c.endMark
		}
		c.writeIndex(head, st, i, next)
	}

	c.push(head, &c.partial, &c.nPartial)
	c.stats.grows++
	logger.Debug("slab: grow", "cache", c.name, "slab", uint64(base), "order", c.layout.Order, "capacity", c.layout.Capacity)
	return head, nil
}

// Shrink returns every empty slab to the block allocator and reports how
// many were released.
func (c *ObjectCache) Shrink() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for c.empty.Valid() {
		head := c.empty
		c.unlink(head, &c.empty, &c.nEmpty)
		st := c.table.Get(head).Slab()
		if c.meta != nil {
			c.meta.Free(st.Meta().ToVirt())
		}
		c.table.Get(head).SetAllocated(c.layout.Order)
		for i := mem.PFN(1); i < mem.PFN(1)<<c.layout.Order; i++ {
			c.table.Get(head + i).SetUnused()
		}
		c.pages.Free(head.Addr())
		n++
	}
	c.stats.shrinks += uint64(n)
	if n > 0 {
		logger.Debug("slab: shrink", "cache", c.name, "released", n)
	}
	return n
}

// Stats returns a summary snapshot.
func (c *ObjectCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Name:       c.name,
		ObjectSize: c.layout.ObjectSize,
		Order:      c.layout.Order,
		Capacity:   c.layout.Capacity,
		IndexWidth: c.layout.IndexWidth,
		OffSlab:    c.meta != nil,
		Slabs:      c.nPartial + c.nFull + c.nEmpty,
		Partial:    c.nPartial,
		Full:       c.nFull,
		Empty:      c.nEmpty,
		Live:       c.live,
		Allocs:     c.stats.allocs,
		Frees:      c.stats.frees,
		Grows:      c.stats.grows,
		Shrinks:    c.stats.shrinks,
	}
}

func (c *ObjectCache) slotAddr(head mem.PFN, idx uint64) mem.PhysAddr {
	return head.Addr() + mem.PhysAddr(idx*c.layout.ObjectSize)
}

// indexAddr locates free-index entry idx of the slab headed by head.
func (c *ObjectCache) indexAddr(head mem.PFN, st pagemeta.SlabState, idx uint64) mem.PhysAddr {
	w := uint64(c.layout.IndexWidth)
	if c.meta != nil {
		return st.Meta() + mem.PhysAddr(idx*w)
	}
	return c.slotAddr(head, c.layout.Capacity) + mem.PhysAddr(idx*w)
}

func (c *ObjectCache) readIndex(head mem.PFN, st pagemeta.SlabState, idx uint64) uint64 {
	return physmem.ReadUint(c.phys, c.indexAddr(head, st, idx), c.layout.IndexWidth)
}

func (c *ObjectCache) writeIndex(head mem.PFN, st pagemeta.SlabState, idx, v uint64) {
	physmem.WriteUint(c.phys, c.indexAddr(head, st, idx), c.layout.IndexWidth, v)
}

// list helpers; callers hold mu

func (c *ObjectCache) push(head mem.PFN, list *mem.PFN, n *uint64) {
	next := *list
	c.table.Get(head).SetLink(pagemeta.Link{Prev: mem.NoPFN, Next: next})
	if next.Valid() {
		c.table.Get(next).SetPrev(head)
	}
	*list = head
	*n++
}

func (c *ObjectCache) unlink(head mem.PFN, list *mem.PFN, n *uint64) {
	rec := c.table.Get(head)
	l := rec.Link()
	if l.Prev.Valid() {
		c.table.Get(l.Prev).SetNext(l.Next)
	} else {
		*list = l.Next
	}
	if l.Next.Valid() {
		c.table.Get(l.Next).SetPrev(l.Prev)
	}
	rec.SetLink(pagemeta.Link{Prev: mem.NoPFN, Next: mem.NoPFN})
	*n--
}

func (c *ObjectCache) move(head mem.PFN, from *mem.PFN, nFrom *uint64, to *mem.PFN, nTo *uint64) {
	c.unlink(head, from, nFrom)
	c.push(head, to, nTo)
}
