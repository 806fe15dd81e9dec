package paging

import (
	"context"
	"fmt"
	"sync"

	"github.com/joshuapare/kmem/internal/assert"
	"github.com/joshuapare/kmem/internal/buf"
	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/internal/physmem"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/mem/tlb"
	"github.com/joshuapare/kmem/pkg/types"
)

// FrameAllocator supplies zeroable page frames for page tables.
type FrameAllocator interface {
	AllocFrame() (mem.PhysAddr, error)
}

// FrameAllocatorFunc adapts a function to FrameAllocator.
type FrameAllocatorFunc func() (mem.PhysAddr, error)

// AllocFrame calls f.
func (f FrameAllocatorFunc) AllocFrame() (mem.PhysAddr, error) { return f() }

// FrameFreer is implemented by frame allocators that take frames back.
// Unmap releases emptied tables through it.
type FrameFreer interface {
	FreeFrame(mem.PhysAddr)
}

// Mapping is one leaf translation.
type Mapping struct {
	Virt  mem.VirtAddr
	Phys  mem.PhysAddr
	Size  PageSize
	Flags Entry // as passed to Map, plus whatever the CPU set
}

// Mapper edits a 4-level page-table tree stored in simulated physical memory.
type Mapper struct {
	mu     sync.Mutex
	phys   physmem.Memory
	frames FrameAllocator
	root   mem.PhysAddr
	tables uint64 // table frames in the tree, root included
	stale  *tlb.Tracker
}

// New allocates and zeroes an empty PML4.
func New(phys physmem.Memory, frames FrameAllocator) (*Mapper, error) {
	m := &Mapper{phys: phys, frames: frames, stale: tlb.NewTracker()}
	root, err := m.newTable()
	if err != nil {
		return nil, err
	}
	m.root = root
	logger.Debug("paging: root table", "pml4", uint64(root))
	return m, nil
}

// Root returns the physical address of the PML4 (the CR3 value).
func (m *Mapper) Root() mem.PhysAddr { return m.root }

// SetFrameAllocator switches the source of new table frames.
func (m *Mapper) SetFrameAllocator(f FrameAllocator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = f
}

// TableFrames returns the number of frames holding tables.
func (m *Mapper) TableFrames() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables
}

// StaleRanges returns the virtual ranges awaiting TLB invalidation.
func (m *Mapper) StaleRanges() []tlb.Range {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale.Ranges()
}

// FlushTLB invalidates the ranges changed since the last flush.
func (m *Mapper) FlushTLB(ctx context.Context, inv tlb.Invalidator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale.Flush(ctx, inv)
}

func (m *Mapper) newTable() (mem.PhysAddr, error) {
	frame, err := m.frames.AllocFrame()
	if err != nil {
		return 0, fmt.Errorf("paging: table frame: %w", err)
	}
	assert.Value(frame.PageAligned(), "paging: frame allocator returned an unaligned frame", frame)
	physmem.ZeroPage(m.phys, frame.PFN())
	m.tables++
	return frame, nil
}

func (m *Mapper) entryAddr(table mem.PhysAddr, virt mem.VirtAddr, level int) mem.PhysAddr {
	return table + mem.PhysAddr(index(virt, level)*format.EntrySize)
}

func (m *Mapper) read(addr mem.PhysAddr) Entry { return Entry(physmem.ReadU64(m.phys, addr)) }

func (m *Mapper) write(addr mem.PhysAddr, e Entry) { physmem.WriteU64(m.phys, addr, uint64(e)) }

// Map installs a leaf translating virt to phys. Missing intermediate tables
// are allocated; the leaf is always present.
func (m *Mapper) Map(size PageSize, virt mem.VirtAddr, phys mem.PhysAddr, flags Entry) error {
	level := size.level()
	if level == 0 {
		return fmt.Errorf("paging: page size %d: %w", uint64(size), types.ErrInvalidArgument)
	}
	assert.Value(uint64(virt)%uint64(size) == 0, "paging: virtual address not aligned to the page size", virt)
	assert.Value(uint64(phys)%uint64(size) == 0, "paging: physical address not aligned to the page size", phys)
	if !virt.Canonical() {
		return fmt.Errorf("paging: %s is not canonical: %w", virt, types.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	table := m.root
	var fresh []step
	for lvl := format.TableLevels; lvl > level; lvl-- {
		ea := m.entryAddr(table, virt, lvl)
		e := m.read(ea)
		switch {
		case !e.Present():
			next, err := m.newTable()
			if err != nil {
				m.unwind(fresh)
				return err
			}
			e = NewEntry(next, FlagPresent|FlagWritable|flags&FlagUser)
			m.write(ea, e)
			fresh = append(fresh, step{table: next, entry: ea, level: lvl - 1})
		case lvl < format.TableLevels && e.Huge():
			return fmt.Errorf("paging: %s lies inside a %s page: %w", virt, sizeName(lvl), types.ErrAlreadyMapped)
		case flags&FlagUser != 0 && e&FlagUser == 0:
			e |= FlagUser
			m.write(ea, e)
		}
		table = e.Frame()
	}

	ea := m.entryAddr(table, virt, level)
	if m.read(ea).Present() {
		return fmt.Errorf("paging: %s: %w", virt, types.ErrAlreadyMapped)
	}
	m.write(ea, leafEntry(phys, flags, level))
	return nil
}

// unwind removes tables a failed Map installed, deepest first, when the
// frame allocator can take them back. Callers hold mu.
func (m *Mapper) unwind(fresh []step) {
	freer, ok := m.frames.(FrameFreer)
	if !ok {
		return
	}
	for i := len(fresh) - 1; i >= 0; i-- {
		m.write(fresh[i].entry, 0)
		freer.FreeFrame(fresh[i].table)
		m.tables--
	}
}

func sizeName(level int) string { return PageSize(sizeAt(level)).String() }

// step is one level of a walk towards a virtual address.
type step struct {
	table mem.PhysAddr
	entry mem.PhysAddr
	level int
}

// find walks to the leaf covering virt. Callers hold mu.
func (m *Mapper) find(virt mem.VirtAddr) ([]step, Entry, bool) {
	path := make([]step, 0, format.TableLevels)
	table := m.root
	for lvl := format.TableLevels; lvl >= 1; lvl-- {
		ea := m.entryAddr(table, virt, lvl)
		path = append(path, step{table: table, entry: ea, level: lvl})
		e := m.read(ea)
		if !e.Present() {
			return path, e, false
		}
		if lvl == 1 || (lvl < format.TableLevels && e.Huge()) {
			return path, e, true
		}
		table = e.Frame()
	}
	return path, 0, false
}

func mappingOf(virt mem.VirtAddr, e Entry, level int) Mapping {
	size := sizeAt(level)
	phys := e.Frame()
	if level > 1 {
		phys = e.HugeFrame()
	}
	return Mapping{
		Virt:  mem.VirtAddr(format.AlignDown(uint64(virt), size)),
		Phys:  phys,
		Size:  PageSize(size),
		Flags: leafFlags(e, level),
	}
}

// Lookup returns the leaf mapping covering virt.
func (m *Mapper) Lookup(virt mem.VirtAddr) (Mapping, error) {
	if !virt.Canonical() {
		return Mapping{}, fmt.Errorf("paging: %s is not canonical: %w", virt, types.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	path, e, ok := m.find(virt)
	if !ok {
		return Mapping{}, fmt.Errorf("paging: %s: %w", virt, types.ErrNotMapped)
	}
	return mappingOf(virt, e, path[len(path)-1].level), nil
}

// Translate returns the physical address virt maps to.
func (m *Mapper) Translate(virt mem.VirtAddr) (mem.PhysAddr, error) {
	mp, err := m.Lookup(virt)
	if err != nil {
		return 0, err
	}
	return mp.Phys + mem.PhysAddr(virt-mp.Virt), nil
}

// Unmap removes the leaf covering virt and returns what it mapped. Tables
// left empty are released when the frame allocator is a FrameFreer. The
// range is recorded for the next FlushTLB.
func (m *Mapper) Unmap(virt mem.VirtAddr) (Mapping, error) {
	if !virt.Canonical() {
		return Mapping{}, fmt.Errorf("paging: %s is not canonical: %w", virt, types.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	path, e, ok := m.find(virt)
	if !ok {
		return Mapping{}, fmt.Errorf("paging: %s: %w", virt, types.ErrNotMapped)
	}
	mp := mappingOf(virt, e, path[len(path)-1].level)
	m.clearLeaf(path)
	m.stale.Add(mp.Virt, uint64(mp.Size))
	return mp, nil
}

// UnmapRange removes every leaf inside [virt, virt+size), widened to whole
// pages, and returns them in address order. Holes are skipped. The range is
// recorded as a single stale TLB range. A huge leaf that crosses either end
// of the range is an error, and then nothing is removed.
func (m *Mapper) UnmapRange(virt mem.VirtAddr, size uint64) ([]Mapping, error) {
	if size == 0 {
		return nil, nil
	}
	end, ok := buf.RangeEnd(uint64(virt), size)
	start := format.AlignDown(uint64(virt), format.PageSize)
	if ok {
		end = format.AlignUp(end, format.PageSize)
		ok = end > start
	}
	last := mem.VirtAddr(end - 1)
	if !ok || !virt.Canonical() || !last.Canonical() || (start^uint64(last))>>47 != 0 {
		return nil, fmt.Errorf("paging: range %s+%#x is not canonical: %w", virt, size, types.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var leaves []Mapping
	for v := start; v < end; {
		path, e, ok := m.find(mem.VirtAddr(v))
		level := path[len(path)-1].level
		span := sizeAt(level)
		next := format.AlignDown(v, span) + span
		if ok {
			mp := mappingOf(mem.VirtAddr(v), e, level)
			if uint64(mp.Virt) < start || uint64(mp.Virt)+span > end {
				return nil, fmt.Errorf("paging: %s page at %s crosses the range %s+%#x: %w",
					mp.Size, mp.Virt, virt, size, types.ErrInvalidArgument)
			}
			leaves = append(leaves, mp)
		}
		if next <= v {
			break
		}
		v = next
	}

	for _, mp := range leaves {
		path, _, ok := m.find(mp.Virt)
		assert.Value(ok, "paging: leaf vanished during range unmap", mp.Virt)
		m.clearLeaf(path)
	}
	if len(leaves) > 0 {
		m.stale.Add(mem.VirtAddr(start), end-start)
	}
	return leaves, nil
}

// clearLeaf zeroes the leaf at the end of path and releases tables left
// empty, bottom-up, when the frame allocator is a FrameFreer. The root
// stays. Callers hold mu.
func (m *Mapper) clearLeaf(path []step) {
	m.write(path[len(path)-1].entry, 0)

	freer, ok := m.frames.(FrameFreer)
	if !ok {
		return
	}
	for i := len(path) - 1; i > 0; i-- {
		if !m.tableEmpty(path[i].table) {
			break
		}
		m.write(path[i-1].entry, 0)
		freer.FreeFrame(path[i].table)
		m.tables--
	}
}

// Release frees every table frame of the tree, root included, and returns
// how many it freed. Leaf frames are not touched. The frame allocator must
// be a FrameFreer; the mapper is unusable afterwards.
func (m *Mapper) Release() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	freer, ok := m.frames.(FrameFreer)
	if !ok {
		return 0, fmt.Errorf("paging: release: frame allocator cannot free frames: %w", types.ErrInvalidArgument)
	}
	assert.Value(m.tables > 0, "paging: tree already released", m.root)
	n := m.releaseTable(freer, m.root, format.TableLevels)
	m.root = 0
	m.tables = 0
	m.stale.Reset()
	logger.Debug("paging: released tree", "tables", n)
	return n, nil
}

func (m *Mapper) releaseTable(freer FrameFreer, table mem.PhysAddr, level int) uint64 {
	var n uint64
	if level > 1 {
		for i := uint64(0); i < format.EntriesPerTable; i++ {
			e := m.read(table + mem.PhysAddr(i*format.EntrySize))
			if !e.Present() || (level < format.TableLevels && e.Huge()) {
				continue
			}
			n += m.releaseTable(freer, e.Frame(), level-1)
		}
	}
	freer.FreeFrame(table)
	return n + 1
}

func (m *Mapper) tableEmpty(table mem.PhysAddr) bool {
	for i := uint64(0); i < format.EntriesPerTable; i++ {
		if m.read(table + mem.PhysAddr(i*format.EntrySize)).Present() {
			return false
		}
	}
	return true
}

// IdentityMap maps [0, limit) onto itself with 1 GiB pages.
func (m *Mapper) IdentityMap(limit uint64, flags Entry) error {
	end := format.AlignUp(limit, format.HugePage1G)
	for p := uint64(0); p < end; p += format.HugePage1G {
		if err := m.Map(Page1G, mem.VirtAddr(p), mem.PhysAddr(p), flags); err != nil {
			return fmt.Errorf("paging: identity map: %w", err)
		}
	}
	logger.Info("paging: identity mapped", "limit", end, "tables", m.TableFrames())
	return nil
}

// MapDirect maps [0, limit) at the direct-map base with 1 GiB pages.
func (m *Mapper) MapDirect(limit uint64, flags Entry) error {
	end := format.AlignUp(limit, format.HugePage1G)
	for p := uint64(0); p < end; p += format.HugePage1G {
		if err := m.Map(Page1G, mem.PhysAddr(p).ToVirt(), mem.PhysAddr(p), flags); err != nil {
			return fmt.Errorf("paging: direct map: %w", err)
		}
	}
	logger.Info("paging: direct mapped", "limit", end, "tables", m.TableFrames())
	return nil
}
