package buddy

import (
	"fmt"
	"slices"
	"sync"

	"github.com/joshuapare/kmem/internal/assert"
	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/mem/pagemeta"
	"github.com/joshuapare/kmem/pkg/types"
)

// FreeMap reports the frames that are free at hand-off time. The bitmap
// allocator satisfies it.
type FreeMap interface {
	IsFree(pfn mem.PFN) bool
}

// FreeFunc adapts a predicate to FreeMap.
type FreeFunc func(pfn mem.PFN) bool

// IsFree calls f.
func (f FreeFunc) IsFree(pfn mem.PFN) bool { return f(pfn) }

// Config tunes initialization. The zero value hands every free frame to the
// allocator.
type Config struct {
	// PageLimit caps the number of free frames taken over from the FreeMap.
	// Zero means no limit.
	PageLimit uint64
}

// Allocator is a buddy allocator over a pagemeta table.
type Allocator struct {
	mu    sync.Mutex
	table *pagemeta.Table
	total uint64

	heads  [format.NumOrders]mem.PFN
	blocks [format.NumOrders]uint64
	free   uint64

	stats allocatorStats
}

type allocatorStats struct {
	allocs, frees    uint64
	splits, merges   uint64
	failedAllocs     uint64
	managedAtHandoff uint64
}

// Stats is a point-in-time summary of the allocator.
type Stats struct {
	TotalPages   uint64
	ManagedPages uint64 // frames handed over at initialization
	FreePages    uint64
	Blocks       [format.NumOrders]uint64 // free blocks per order

	Allocs, Frees  uint64
	Splits, Merges uint64
	FailedAllocs   uint64
}

// New initializes the allocator over table. Every record starts as an
// allocated order-0 block; each frame fm reports free is then freed, which
// coalesces the free memory into maximal blocks.
func New(fm FreeMap, table *pagemeta.Table, cfg *Config) *Allocator {
	if cfg == nil {
		cfg = &Config{}
	}
	a := &Allocator{table: table, total: table.TotalPages()}
	for i := range a.heads {
		a.heads[i] = mem.NoPFN
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for pfn := mem.PFN(0); uint64(pfn) < a.total; pfn++ {
		table.Get(pfn).SetAllocated(0)
	}
	for pfn := mem.PFN(0); uint64(pfn) < a.total; pfn++ {
		if cfg.PageLimit != 0 && a.stats.managedAtHandoff == cfg.PageLimit {
			break
		}
		if fm.IsFree(pfn) {
			a.free0(pfn)
			a.stats.managedAtHandoff++
		}
	}
	a.stats.frees = 0
	a.stats.merges = 0

	logger.Info("buddy: initialized", "total_pages", a.total, "free_pages", a.free, "blocks", a.blockCount())
	return a
}

// BlockSize returns the size in bytes of a block of the given order.
func BlockSize(order uint8) uint64 { return format.PageSize << order }

// OrderForPages returns the smallest order whose block holds pages frames.
func OrderForPages(pages uint64) uint8 { return uint8(format.Log2Ceil(pages)) }

// OrderForSize returns the smallest order whose block holds size bytes.
func OrderForSize(size uint64) uint8 { return OrderForPages(format.PagesFor(size)) }

// Alloc returns the base address of a free block of 2^order frames.
func (a *Allocator) Alloc(order uint8) (mem.PhysAddr, error) {
	if order > format.MaxOrder {
		return 0, fmt.Errorf("buddy: order %d above maximum %d: %w", order, format.MaxOrder, types.ErrInvalidArgument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for o := order; o <= format.MaxOrder; o++ {
		pfn := a.heads[o]
		if !pfn.Valid() {
			continue
		}
		a.remove(pfn, o)
		a.split(pfn, o, order)
		a.table.Get(pfn).SetAllocated(order)
		a.free -= 1 << order
		a.stats.allocs++
		return pfn.Addr(), nil
	}
	a.stats.failedAllocs++
	return 0, fmt.Errorf("buddy: no free block of order %d: %w", order, types.ErrOutOfMemory)
}

// AllocFrame allocates a single frame.
func (a *Allocator) AllocFrame() (mem.PhysAddr, error) { return a.Alloc(0) }

// FreeFrame releases a frame obtained from AllocFrame.
func (a *Allocator) FreeFrame(addr mem.PhysAddr) { a.Free(addr) }

// split halves the block at pfn from order from down to order to, pushing
// every upper half onto its free list.
func (a *Allocator) split(pfn mem.PFN, from, to uint8) {
	for o := from; o > to; o-- {
		lower := o - 1
		buddy := pfn ^ mem.PFN(1)<<lower
		a.table.Get(buddy).SetBuddy(lower)
		a.push(buddy, lower)
		a.stats.splits++
	}
}

// Free returns the block whose base address is addr.
func (a *Allocator) Free(addr mem.PhysAddr) {
	assert.Value(addr.PageAligned(), "buddy: freeing an address that is not page aligned", addr)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.free0(addr.PFN())
	a.stats.frees++
}

// free0 frees and merges the block headed by pfn. Callers hold mu.
func (a *Allocator) free0(pfn mem.PFN) {
	rec := a.table.Get(pfn)
	assert.Value(rec.Kind() == pagemeta.KindAllocated, "buddy: freeing a block that is not allocated", pfn)

	order := rec.Order()
	assert.Value(uint64(pfn)&(1<<order-1) == 0, "buddy: block base not aligned to its order", pfn)
	a.free += 1 << order

	for order < format.MaxOrder {
		buddy := pfn ^ mem.PFN(1)<<order
		if uint64(buddy) >= a.total {
			break
		}
		br := a.table.Get(buddy)
		if br.Kind() != pagemeta.KindBuddy || br.Order() != order {
			break
		}
		a.remove(buddy, order)
		br.SetUnused()
		if buddy < pfn {
			a.table.Get(pfn).SetUnused()
			pfn = buddy
		}
		order++
		a.stats.merges++
	}

	a.table.Get(pfn).SetBuddy(order)
	a.push(pfn, order)
}

func (a *Allocator) push(pfn mem.PFN, order uint8) {
	next := a.heads[order]
	a.table.Get(pfn).SetLink(pagemeta.Link{Prev: mem.NoPFN, Next: next})
	if next.Valid() {
		a.table.Get(next).SetPrev(pfn)
	}
	a.heads[order] = pfn
	a.blocks[order]++
}

func (a *Allocator) remove(pfn mem.PFN, order uint8) {
	rec := a.table.Get(pfn)
	l := rec.Link()
	if l.Prev.Valid() {
		a.table.Get(l.Prev).SetNext(l.Next)
	} else {
		assert.Value(a.heads[order] == pfn, "buddy: unlinked block claims to head a list", pfn)
		a.heads[order] = l.Next
	}
	if l.Next.Valid() {
		a.table.Get(l.Next).SetPrev(l.Prev)
	}
	rec.SetLink(pagemeta.Link{Prev: mem.NoPFN, Next: mem.NoPFN})
	a.blocks[order]--
}

func (a *Allocator) blockCount() uint64 {
	var n uint64
	for _, c := range a.blocks {
		n += c
	}
	return n
}

// walk visits the free list of order. Callers hold mu.
func (a *Allocator) walk(order uint8, fn func(pfn mem.PFN) bool) {
	for pfn := a.heads[order]; pfn.Valid(); {
		next := a.table.Get(pfn).Link().Next
		if !fn(pfn) {
			return
		}
		pfn = next
	}
}

// FreeBlocks returns the base frames on the free list of order, in list order.
func (a *Allocator) FreeBlocks(order uint8) []mem.PFN {
	assert.Value(order <= format.MaxOrder, "buddy: order out of range", order)
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]mem.PFN, 0, a.blocks[order])
	a.walk(order, func(pfn mem.PFN) bool {
		out = append(out, pfn)
		return true
	})
	return out
}

// Snapshot is the sorted content of every free list.
type Snapshot [format.NumOrders][]mem.PFN

// Snapshot captures the free lists with each list sorted by frame number, so
// two snapshots compare equal exactly when the free block sets match.
func (a *Allocator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	var s Snapshot
	for o := uint8(0); o <= format.MaxOrder; o++ {
		list := make([]mem.PFN, 0, a.blocks[o])
		a.walk(o, func(pfn mem.PFN) bool {
			list = append(list, pfn)
			return true
		})
		slices.Sort(list)
		s[o] = list
	}
	return s
}

// FreePages returns the number of free frames.
func (a *Allocator) FreePages() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free
}

// TotalPages returns the number of frames covered by the allocator's table.
func (a *Allocator) TotalPages() uint64 { return a.total }

// Stats returns a summary snapshot.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		TotalPages:   a.total,
		ManagedPages: a.stats.managedAtHandoff,
		FreePages:    a.free,
		Blocks:       a.blocks,
		Allocs:       a.stats.allocs,
		Frees:        a.stats.frees,
		Splits:       a.stats.splits,
		Merges:       a.stats.merges,
		FailedAllocs: a.stats.failedAllocs,
	}
}
