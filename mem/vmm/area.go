package vmm

import (
	"fmt"
	"slices"
	"sync"

	"github.com/joshuapare/kmem/internal/buf"
	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/mem/paging"
	"github.com/joshuapare/kmem/pkg/types"
)

// Area is a reserved span of virtual addresses in one address space.
type Area struct {
	Start mem.VirtAddr
	Size  uint64
	Flags paging.Entry // leaf flags for the pages backing the area

	// Populate backs every page with a fresh frame when the area is added.
	// Those frames belong to the area and are freed with it.
	Populate bool
}

// End returns the first address past the area.
func (a Area) End() mem.VirtAddr { return a.Start + mem.VirtAddr(a.Size) }

// Contains reports whether v lies inside the area.
func (a Area) Contains(v mem.VirtAddr) bool { return v >= a.Start && v < a.End() }

func (a Area) String() string {
	return fmt.Sprintf("[%#x-%#x)", uint64(a.Start), uint64(a.End()))
}

func (a Area) validate() error {
	if a.Size == 0 {
		return fmt.Errorf("vmm: empty area at %s: %w", a.Start, types.ErrInvalidArgument)
	}
	if !format.IsAligned(uint64(a.Start), format.PageSize) || !format.IsAligned(a.Size, format.PageSize) {
		return fmt.Errorf("vmm: area %s+%#x is not page aligned: %w", a.Start, a.Size, types.ErrInvalidArgument)
	}
	end, ok := buf.RangeEnd(uint64(a.Start), a.Size)
	last := mem.VirtAddr(end - 1)
	if !ok || !a.Start.Canonical() || !last.Canonical() || (uint64(a.Start)^uint64(last))>>47 != 0 {
		return fmt.Errorf("vmm: area %s+%#x is not canonical: %w", a.Start, a.Size, types.ErrInvalidArgument)
	}
	return nil
}

// AddressSpace is a page-table tree plus the areas reserved in it.
type AddressSpace struct {
	mapper *paging.Mapper

	mu    sync.Mutex
	areas []Area // sorted by Start, disjoint
	dead  bool
}

// Root returns the physical address of the PML4.
func (as *AddressSpace) Root() mem.PhysAddr { return as.mapper.Root() }

// Mapper returns the page-table editor of the space.
func (as *AddressSpace) Mapper() *paging.Mapper { return as.mapper }

// Areas returns a snapshot of the areas in address order.
func (as *AddressSpace) Areas() []Area {
	as.mu.Lock()
	defer as.mu.Unlock()
	return slices.Clone(as.areas)
}

// FindArea returns the area containing v.
func (as *AddressSpace) FindArea(v mem.VirtAddr) (Area, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	i, ok := as.find(v)
	if !ok {
		return Area{}, false
	}
	return as.areas[i], true
}

// find returns the index of the area containing v. Callers hold mu.
func (as *AddressSpace) find(v mem.VirtAddr) (int, bool) {
	// First area starting after v; the candidate is the one before it.
	i, _ := slices.BinarySearchFunc(as.areas, v+1, func(a Area, t mem.VirtAddr) int {
		if a.Start < t {
			return -1
		}
		return 1
	})
	if i == 0 || !as.areas[i-1].Contains(v) {
		return 0, false
	}
	return i - 1, true
}

// insert adds a, rejecting any overlap. Callers hold mu.
func (as *AddressSpace) insert(a Area) error {
	i, _ := slices.BinarySearchFunc(as.areas, a.Start, func(b Area, t mem.VirtAddr) int {
		if b.Start < t {
			return -1
		}
		return 1
	})
	if i > 0 && as.areas[i-1].End() > a.Start {
		return fmt.Errorf("vmm: area %s overlaps %s: %w", a, as.areas[i-1], types.ErrAlreadyMapped)
	}
	if i < len(as.areas) && as.areas[i].Start < a.End() {
		return fmt.Errorf("vmm: area %s overlaps %s: %w", a, as.areas[i], types.ErrAlreadyMapped)
	}
	as.areas = slices.Insert(as.areas, i, a)
	return nil
}

// remove drops the area at index i. Callers hold mu.
func (as *AddressSpace) remove(i int) {
	as.areas = slices.Delete(as.areas, i, i+1)
}

func (as *AddressSpace) checkLive() error {
	if as.dead {
		return fmt.Errorf("vmm: address space %s was destroyed: %w", as.mapper.Root(), types.ErrInvalidArgument)
	}
	return nil
}
