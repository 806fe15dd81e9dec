package slab

import (
	"fmt"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/internal/physmem"
	"github.com/joshuapare/kmem/mem/pagemeta"
)

// Allocator holds one cache per power-of-two size class.
type Allocator struct {
	caches [format.SlabClasses]*ObjectCache

	// upper bound of each class, ascending
	bounds [format.SlabClasses]uint64
}

// ClassName returns the conventional name of the class serving size bytes.
func ClassName(size uint64) string { return fmt.Sprintf("kmalloc-%d", size) }

// New builds the size-class caches on top of pages. The caches are empty;
// nothing is allocated until the first Alloc.
func New(pages BlockAllocator, table *pagemeta.Table, phys physmem.Memory) (*Allocator, error) {
	a := &Allocator{}
	for i := range a.caches {
		size := uint64(1) << (format.SlabMinShift + i)
		a.bounds[i] = size

		cfg := CacheConfig{ID: uint16(i), Name: ClassName(size), ObjectSize: size}
		if size >= format.SlabOffSlabMinSize {
			l := Plan(size)
			cfg.OffSlab = true
			cfg.Meta = a.GetCache(l.Capacity * uint64(l.IndexWidth))
		}
		c, err := NewCache(cfg, pages, table, phys)
		if err != nil {
			return nil, err
		}
		a.caches[i] = c
	}
	logger.Info("slab: initialized", "classes", len(a.caches),
		"min", a.bounds[0], "max", a.bounds[len(a.bounds)-1])
	return a, nil
}

// GetCache returns the smallest cache whose objects hold size bytes, or nil
// when size is 0 or larger than the largest class.
func (a *Allocator) GetCache(size uint64) *ObjectCache {
	if size == 0 || size > format.SlabMaxObjectSize {
		return nil
	}
	lo, hi := 0, len(a.bounds)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if size <= a.bounds[mid] {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	// Nil while New is still building the larger classes.
	return a.caches[lo]
}

// CacheByID returns the cache tagged id, or nil.
func (a *Allocator) CacheByID(id uint16) *ObjectCache {
	if int(id) >= len(a.caches) {
		return nil
	}
	return a.caches[id]
}

// Caches returns every cache, smallest class first.
func (a *Allocator) Caches() []*ObjectCache {
	out := make([]*ObjectCache, len(a.caches))
	copy(out, a.caches[:])
	return out
}

// Shrink releases the empty slabs of every cache. Larger classes go first
// so their metadata objects are back in the small caches before those are
// shrunk.
func (a *Allocator) Shrink() int {
	n := 0
	for i := len(a.caches) - 1; i >= 0; i-- {
		n += a.caches[i].Shrink()
	}
	return n
}

// Stats returns the stats of every cache, smallest class first.
func (a *Allocator) Stats() []CacheStats {
	out := make([]CacheStats, len(a.caches))
	for i, c := range a.caches {
		out[i] = c.Stats()
	}
	return out
}
