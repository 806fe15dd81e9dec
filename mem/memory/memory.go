// Package memory boots the memory core and bundles its components.
//
// Boot runs the fixed bring-up order: the bitmap allocator is built from the
// firmware memory map, gives the page metadata table its backing frames and
// feeds the early page-table mapper with frames below 4 GiB. The buddy
// allocator then takes over every frame the bitmap still reports free, the
// slab caches and the heap are layered on top, the mapper is switched to
// the buddy allocator for later table frames, and the boot tables become
// the active kernel address space. The bitmap is kept for
// inspection only; allocating from it after Boot would hand out frames the
// buddy allocator owns.
package memory

import (
	"fmt"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/internal/physmem"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/mem/bitmap"
	"github.com/joshuapare/kmem/mem/buddy"
	"github.com/joshuapare/kmem/mem/heap"
	"github.com/joshuapare/kmem/mem/memmap"
	"github.com/joshuapare/kmem/mem/pagemeta"
	"github.com/joshuapare/kmem/mem/paging"
	"github.com/joshuapare/kmem/mem/slab"
	"github.com/joshuapare/kmem/mem/tlb"
	"github.com/joshuapare/kmem/mem/vmm"
	"github.com/joshuapare/kmem/pkg/types"
)

// Config holds the boot inputs.
type Config struct {
	Map        memmap.Map
	Phys       physmem.Memory
	LowestSafe mem.PhysAddr // lowest address boot structures may occupy

	// BuddyPageLimit caps the frames handed to the buddy allocator; 0 means
	// all of them.
	BuddyPageLimit uint64

	// IdentityMapLimit is how much of low memory is identity mapped;
	// 0 means format.IdentityMapLimit.
	IdentityMapLimit uint64

	// SkipDirectMap leaves the direct map out of the boot page tables.
	SkipDirectMap bool

	// TLB receives invalidations from address-space changes; nil records
	// them in a tlb.Recorder.
	TLB tlb.Invalidator
}

// Module is a booted memory core.
type Module struct {
	bitmap *bitmap.Allocator
	table  *pagemeta.Table
	mapper *paging.Mapper
	buddy  *buddy.Allocator
	slabs  *slab.Allocator
	heap   *heap.Heap
	phys   physmem.Memory
	usable memmap.Map // coalesced RAM ranges of the boot memory map
	vmm    *vmm.Manager
	kernel *vmm.AddressSpace
}

// Boot brings the memory core up on cfg.Phys.
func Boot(cfg Config) (*Module, error) {
	if cfg.Phys == nil {
		return nil, fmt.Errorf("memory: no physical memory: %w", types.ErrInvalidArgument)
	}
	identity := cfg.IdentityMapLimit
	if identity == 0 {
		identity = format.IdentityMapLimit
	}

	bm, err := bitmap.New(cfg.Map, cfg.LowestSafe, cfg.Phys)
	if err != nil {
		return nil, fmt.Errorf("memory: bitmap: %w", err)
	}
	table, err := pagemeta.New(bm.TotalPages(), bm, cfg.Phys)
	if err != nil {
		return nil, fmt.Errorf("memory: page metadata: %w", err)
	}

	mapper, err := paging.New(cfg.Phys, paging.FrameAllocatorFunc(bm.Alloc32))
	if err != nil {
		return nil, fmt.Errorf("memory: page tables: %w", err)
	}
	if err := mapper.IdentityMap(identity, paging.FlagWritable); err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	if !cfg.SkipDirectMap {
		top := uint64(cfg.Map.HighestAvailable())
		if err := mapper.MapDirect(top, paging.FlagWritable|paging.FlagNoExecute); err != nil {
			return nil, fmt.Errorf("memory: %w", err)
		}
	}

	b := buddy.New(bm, table, &buddy.Config{PageLimit: cfg.BuddyPageLimit})
	slabs, err := slab.New(b, table, cfg.Phys)
	if err != nil {
		return nil, fmt.Errorf("memory: slab: %w", err)
	}
	h := heap.New(b, slabs, table, cfg.Phys)
	mapper.SetFrameAllocator(b)

	inv := cfg.TLB
	if inv == nil {
		inv = &tlb.Recorder{}
	}
	vm, err := vmm.New(vmm.Config{Phys: cfg.Phys, Frames: b, TLB: inv})
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	kernel := vm.Adopt(mapper)
	if err := vm.Switch(kernel); err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}

	m := &Module{
		bitmap: bm, table: table, mapper: mapper, buddy: b, slabs: slabs, heap: h,
		phys: cfg.Phys, usable: cfg.Map.Coalesced(), vmm: vm, kernel: kernel,
	}
	logger.Info("memory: boot complete",
		"total_pages", bm.TotalPages(),
		"buddy_free_pages", b.FreePages(),
		"table_frames", mapper.TableFrames())
	return m, nil
}

// Bitmap returns the boot allocator.
func (m *Module) Bitmap() *bitmap.Allocator { return m.bitmap }

// Table returns the page metadata table.
func (m *Module) Table() *pagemeta.Table { return m.table }

// Mapper returns the kernel page-table mapper.
func (m *Module) Mapper() *paging.Mapper { return m.mapper }

// Buddy returns the buddy allocator.
func (m *Module) Buddy() *buddy.Allocator { return m.buddy }

// Slabs returns the slab size classes.
func (m *Module) Slabs() *slab.Allocator { return m.slabs }

// Heap returns the heap.
func (m *Module) Heap() *heap.Heap { return m.heap }

// VMM returns the address-space manager.
func (m *Module) VMM() *vmm.Manager { return m.vmm }

// Kernel returns the address space built on the boot page tables.
func (m *Module) Kernel() *vmm.AddressSpace { return m.kernel }

// Phys returns the physical memory the module runs on.
func (m *Module) Phys() physmem.Memory { return m.phys }

// Stats is a snapshot of every component.
type Stats struct {
	Bitmap      bitmap.Stats
	Buddy       buddy.Stats
	Slabs       []slab.CacheStats
	Heap        heap.Stats
	TableFrames uint64
	MetaBase    mem.PhysAddr
	MetaBytes   uint64
}

// Stats collects component snapshots.
func (m *Module) Stats() Stats {
	base, bytes := m.table.Location()
	return Stats{
		Bitmap:      m.bitmap.Stats(),
		Buddy:       m.buddy.Stats(),
		Slabs:       m.slabs.Stats(),
		Heap:        m.heap.Stats(),
		TableFrames: m.mapper.TableFrames(),
		MetaBase:    base,
		MetaBytes:   bytes,
	}
}
