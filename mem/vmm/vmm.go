// Package vmm manages address spaces: page-table trees together with the
// list of virtual areas reserved in each.
//
// Every change that removes translations goes through the Manager so the
// TLB is kept in step: RemoveArea unmaps the area's range in one pass and
// invalidates it, Switch loads a new root and flushes everything.
package vmm

import (
	"context"
	"fmt"
	"sync"

	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/internal/physmem"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/mem/paging"
	"github.com/joshuapare/kmem/mem/tlb"
	"github.com/joshuapare/kmem/pkg/types"
)

// Config wires a Manager to the rest of the memory core.
type Config struct {
	Phys   physmem.Memory
	Frames paging.FrameAllocator // table frames and area backing
	TLB    tlb.Invalidator
}

// Manager creates, edits and switches address spaces.
type Manager struct {
	phys   physmem.Memory
	frames paging.FrameAllocator
	inv    tlb.Invalidator

	mu     sync.Mutex
	active *AddressSpace
}

// New returns a Manager with no active address space.
func New(cfg Config) (*Manager, error) {
	if cfg.Phys == nil || cfg.Frames == nil || cfg.TLB == nil {
		return nil, fmt.Errorf("vmm: incomplete config: %w", types.ErrInvalidArgument)
	}
	return &Manager{phys: cfg.Phys, frames: cfg.Frames, inv: cfg.TLB}, nil
}

// Create builds an address space with an empty page-table tree.
func (vm *Manager) Create() (*AddressSpace, error) {
	m, err := paging.New(vm.phys, vm.frames)
	if err != nil {
		return nil, fmt.Errorf("vmm: create: %w", err)
	}
	logger.Debug("vmm: address space created", "root", uint64(m.Root()))
	return &AddressSpace{mapper: m}, nil
}

// Adopt wraps an existing tree, such as the boot page tables, as an
// address space with no areas.
func (vm *Manager) Adopt(m *paging.Mapper) *AddressSpace {
	return &AddressSpace{mapper: m}
}

// Active returns the address space loaded by the last Switch, or nil.
func (vm *Manager) Active() *AddressSpace {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.active
}

// Switch makes as the active address space and flushes the whole TLB.
func (vm *Manager) Switch(as *AddressSpace) error {
	as.mu.Lock()
	err := as.checkLive()
	as.mu.Unlock()
	if err != nil {
		return err
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.inv.FlushAll(); err != nil {
		return fmt.Errorf("vmm: switch: %w", err)
	}
	vm.active = as
	logger.Debug("vmm: switched", "root", uint64(as.Root()))
	return nil
}

// AddArea reserves a in as and returns its start. An area overlapping an
// existing one is rejected with ErrAlreadyMapped. With Populate set every
// page is backed now; if that fails the area is rolled back completely.
func (vm *Manager) AddArea(as *AddressSpace, a Area) (mem.VirtAddr, error) {
	if err := a.validate(); err != nil {
		return 0, err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if err := as.checkLive(); err != nil {
		return 0, err
	}
	if err := as.insert(a); err != nil {
		return 0, err
	}

	if a.Populate {
		if err := as.mapper.MapRangeWith(a.Start, a.Size, a.Flags, vm.frames); err != nil {
			leaves, uerr := as.mapper.UnmapRange(a.Start, a.Size)
			if uerr == nil {
				vm.release(leaves)
			}
			i, _ := as.find(a.Start)
			as.remove(i)
			return 0, fmt.Errorf("vmm: populate %s: %w", a, err)
		}
	}
	logger.Debug("vmm: area added", "area", a.String(), "populate", a.Populate)
	return a.Start, nil
}

// RemoveArea drops the area containing v, unmaps its whole range, frees
// the backing of a populated area and invalidates the range in the TLB.
func (vm *Manager) RemoveArea(ctx context.Context, as *AddressSpace, v mem.VirtAddr) error {
	as.mu.Lock()
	err := vm.removeArea(as, v)
	as.mu.Unlock()
	if err != nil {
		return err
	}
	if err := as.mapper.FlushTLB(ctx, vm.inv); err != nil {
		return fmt.Errorf("vmm: remove area: %w", err)
	}
	return nil
}

// removeArea does RemoveArea's work short of the flush. Callers hold as.mu.
func (vm *Manager) removeArea(as *AddressSpace, v mem.VirtAddr) error {
	if err := as.checkLive(); err != nil {
		return err
	}
	i, ok := as.find(v)
	if !ok {
		return fmt.Errorf("vmm: no area contains %s: %w", v, types.ErrNotMapped)
	}
	a := as.areas[i]
	leaves, err := as.mapper.UnmapRange(a.Start, a.Size)
	if err != nil {
		return fmt.Errorf("vmm: remove area %s: %w", a, err)
	}
	if a.Populate {
		vm.release(leaves)
	}
	as.remove(i)
	logger.Debug("vmm: area removed", "area", a.String(), "pages", len(leaves))
	return nil
}

// Destroy removes every area of as and frees its page tables. The active
// address space cannot be destroyed.
func (vm *Manager) Destroy(ctx context.Context, as *AddressSpace) error {
	if vm.Active() == as {
		return fmt.Errorf("vmm: destroy: %s is the active address space: %w", as.Root(), types.ErrInvalidArgument)
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if err := as.checkLive(); err != nil {
		return err
	}
	for len(as.areas) > 0 {
		if err := vm.removeArea(as, as.areas[0].Start); err != nil {
			return fmt.Errorf("vmm: destroy: %w", err)
		}
	}
	if err := as.mapper.FlushTLB(ctx, vm.inv); err != nil {
		return fmt.Errorf("vmm: destroy: %w", err)
	}
	root := as.Root()
	tables, err := as.mapper.Release()
	if err != nil {
		return fmt.Errorf("vmm: destroy: %w", err)
	}
	as.dead = true
	logger.Debug("vmm: address space destroyed", "root", uint64(root), "tables", tables)
	return nil
}

// release returns the frames behind 4 KiB leaves to the frame allocator.
func (vm *Manager) release(leaves []paging.Mapping) {
	freer, ok := vm.frames.(paging.FrameFreer)
	if !ok {
		return
	}
	for _, mp := range leaves {
		if mp.Size == paging.Page4K {
			freer.FreeFrame(mp.Phys)
		}
	}
}
