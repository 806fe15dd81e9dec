// Package pagemeta holds one metadata record per page frame. The buddy and
// slab allocators keep all per-frame state here: block order, free-list
// links and the slab bookkeeping that lets a bare address be traced back to
// its owner.
//
// The records are stored in the frames the table reserves at construction,
// RecordSize bytes each in a fixed little-endian layout, so the metadata
// about memory lives in the memory it describes. A Record is a handle onto
// those bytes; copying it does not copy the record.
//
// Links between records are frame numbers rather than pointers, so every hop
// through a list is bounds checked against the table.
//
// The table performs no locking. Records are only mutated by the allocator
// that owns the frame, under that allocator's lock.
package pagemeta

import (
	"fmt"

	"github.com/joshuapare/kmem/internal/assert"
	"github.com/joshuapare/kmem/internal/buf"
	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/internal/physmem"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/pkg/types"
)

// RecordSize is the number of bytes of physical memory used per frame. It
// divides the page size, so no record straddles a frame.
const RecordSize = 64

const recordsPerPage = format.PageSize / RecordSize

// Record layout. Links hold PFN+1 so that a zeroed record is unused and
// unlinked.
const (
	offKind     = 0  // u8
	offOrder    = 1  // u8
	offCache    = 2  // u16, slab owner
	offInUse    = 4  // u32, slab live objects
	offPrev     = 8  // u64
	offNext     = 16 // u64
	offFreeHead = 24 // u64, slab first free slot
	offMeta     = 32 // u64, slab off-slab index array
)

// Kind is the variant tag of a record.
type Kind uint8

const (
	// KindUnused marks frames inside a larger block that are not its head.
	KindUnused Kind = iota
	// KindAllocated marks the head of a block handed out by the buddy allocator.
	KindAllocated
	// KindBuddy marks the head of a free block on a buddy free list.
	KindBuddy
	// KindSlab marks every frame of a block owned by an object cache.
	KindSlab
)

func (k Kind) String() string {
	switch k {
	case KindUnused:
		return "unused"
	case KindAllocated:
		return "allocated"
	case KindBuddy:
		return "buddy"
	case KindSlab:
		return "slab"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Link threads a record into an intrusive doubly linked list.
type Link struct {
	Prev, Next mem.PFN
}

// Record is a handle onto the metadata of one frame.
type Record struct {
	t   *Table
	pfn mem.PFN
	b   []byte // RecordSize bytes inside a backing frame
}

func (r Record) u64(off int) uint64 { return buf.U64LE(r.b[off:]) }

func (r Record) put64(off int, v uint64) { buf.PutU64LE(r.b[off:], v) }

func (r Record) reset(kind Kind, order uint8) {
	clear(r.b)
	r.b[offKind] = byte(kind)
	r.b[offOrder] = order
}

// Kind returns the variant tag.
func (r Record) Kind() Kind { return Kind(r.b[offKind]) }

// Order returns the order of the block this record describes.
func (r Record) Order() uint8 { return r.b[offOrder] }

// PFN returns the frame the record describes.
func (r Record) PFN() mem.PFN { return r.pfn }

// Addr returns the physical address the record is stored at.
func (r Record) Addr() mem.PhysAddr {
	return r.t.base + mem.PhysAddr(uint64(r.pfn)*RecordSize)
}

// SetAllocated marks the record as the head of an allocated block.
func (r Record) SetAllocated(order uint8) { r.reset(KindAllocated, order) }

// SetBuddy marks the record as the head of a free block with no links yet.
func (r Record) SetBuddy(order uint8) { r.reset(KindBuddy, order) }

// SetSlab marks the record as part of a slab block owned by cache.
func (r Record) SetSlab(order uint8, cache uint16) {
	r.reset(KindSlab, order)
	buf.PutU16LE(r.b[offCache:], cache)
}

// SetUnused clears the record.
func (r Record) SetUnused() { clear(r.b) }

func (r Record) listed() {
	k := r.Kind()
	assert.Value(k == KindBuddy || k == KindSlab, "pagemeta: links of a record that is not listed", k)
}

func decodePFN(v uint64) mem.PFN {
	if v == 0 {
		return mem.NoPFN
	}
	return mem.PFN(v - 1)
}

func encodePFN(p mem.PFN) uint64 {
	if !p.Valid() {
		return 0
	}
	return uint64(p) + 1
}

// Link returns the list links of a buddy or slab record.
func (r Record) Link() Link {
	r.listed()
	return Link{Prev: decodePFN(r.u64(offPrev)), Next: decodePFN(r.u64(offNext))}
}

// SetLink replaces both links.
func (r Record) SetLink(l Link) {
	r.listed()
	r.put64(offPrev, encodePFN(l.Prev))
	r.put64(offNext, encodePFN(l.Next))
}

// SetPrev replaces the backward link.
func (r Record) SetPrev(p mem.PFN) {
	r.listed()
	r.put64(offPrev, encodePFN(p))
}

// SetNext replaces the forward link.
func (r Record) SetNext(p mem.PFN) {
	r.listed()
	r.put64(offNext, encodePFN(p))
}

// Slab returns the slab state of a slab record. Only the head frame of a
// slab carries meaningful FreeHead, InUse and Meta values.
func (r Record) Slab() SlabState {
	assert.Value(r.Kind() == KindSlab, "pagemeta: slab state of a non-slab record", r.Kind())
	return SlabState{r: r}
}

// SlabState is the slab view of a record.
type SlabState struct {
	r Record
}

// Cache returns the owning cache id.
func (s SlabState) Cache() uint16 { return buf.U16LE(s.r.b[offCache:]) }

// FreeHead returns the first free slot index.
func (s SlabState) FreeHead() uint64 { return s.r.u64(offFreeHead) }

// SetFreeHead sets the first free slot index.
func (s SlabState) SetFreeHead(idx uint64) { s.r.put64(offFreeHead, idx) }

// InUse returns the number of live objects.
func (s SlabState) InUse() uint32 { return buf.U32LE(s.r.b[offInUse:]) }

// SetInUse sets the number of live objects.
func (s SlabState) SetInUse(n uint32) { buf.PutU32LE(s.r.b[offInUse:], n) }

// Meta returns the off-slab free-index array, 0 when on-slab.
func (s SlabState) Meta() mem.PhysAddr { return mem.PhysAddr(s.r.u64(offMeta)) }

// SetMeta records the off-slab free-index array.
func (s SlabState) SetMeta(p mem.PhysAddr) { s.r.put64(offMeta, uint64(p)) }

// ContiguousAllocator supplies the table's backing frames.
type ContiguousAllocator interface {
	AllocContiguous(size uint64) (mem.PhysAddr, error)
}

// SourceFunc adapts a function to ContiguousAllocator.
type SourceFunc func(size uint64) (mem.PhysAddr, error)

// AllocContiguous calls f.
func (f SourceFunc) AllocContiguous(size uint64) (mem.PhysAddr, error) { return f(size) }

// Table is the frame-indexed metadata array.
type Table struct {
	pages [][]byte // backing frames, recordsPerPage records each
	total uint64
	base  mem.PhysAddr
	bytes uint64
}

// New builds a table for totalPages frames, taking its backing frames from
// src inside phys. The backing is zeroed, so every record starts as
// KindUnused.
func New(totalPages uint64, src ContiguousAllocator, phys physmem.Memory) (*Table, error) {
	if totalPages == 0 {
		return nil, fmt.Errorf("pagemeta: empty table: %w", types.ErrInvalidArgument)
	}
	bytes := format.AlignUp(totalPages*RecordSize, format.PageSize)
	base, err := src.AllocContiguous(bytes)
	if err != nil {
		return nil, fmt.Errorf("pagemeta: backing for %d records: %w", totalPages, err)
	}
	if end, ok := buf.RangeEnd(uint64(base), bytes); !ok || !base.PageAligned() || end > phys.Size() {
		return nil, fmt.Errorf("pagemeta: backing %s+%d outside %d bytes of memory: %w",
			base, bytes, phys.Size(), types.ErrInvalidArgument)
	}

	t := &Table{
		pages: make([][]byte, bytes>>format.PageShift),
		total: totalPages,
		base:  base,
		bytes: bytes,
	}
	for i := range t.pages {
		p := phys.Page(base.PFN() + mem.PFN(i))
		clear(p)
		t.pages[i] = p
	}
	logger.Info("pagemeta: initialized", "records", totalPages, "location", fmt.Sprintf("%#x", uint64(base)), "bytes", bytes)
	return t, nil
}

// Get returns the record of frame pfn.
func (t *Table) Get(pfn mem.PFN) Record {
	assert.Value(uint64(pfn) < t.total, "pagemeta: frame out of range", pfn)
	page := t.pages[uint64(pfn)/recordsPerPage]
	off := uint64(pfn) % recordsPerPage * RecordSize
	return Record{t: t, pfn: pfn, b: page[off : off+RecordSize : off+RecordSize]}
}

// Lookup returns the record of the frame containing addr.
func (t *Table) Lookup(addr mem.PhysAddr) Record {
	return t.Get(addr.PFN())
}

// PFNOf returns the frame a record belongs to. r must be stored in t.
func (t *Table) PFNOf(r Record) mem.PFN {
	ok := r.t == t && len(r.b) == RecordSize && uint64(r.pfn) < t.total
	if ok {
		page := t.pages[uint64(r.pfn)/recordsPerPage]
		off := uint64(r.pfn) % recordsPerPage * RecordSize
		ok = &page[off] == &r.b[0]
	}
	assert.Value(ok, "pagemeta: record does not belong to table", r.pfn)
	return r.pfn
}

// Contains reports whether pfn is covered by the table.
func (t *Table) Contains(pfn mem.PFN) bool { return uint64(pfn) < t.total }

// TotalPages returns the number of records.
func (t *Table) TotalPages() uint64 { return t.total }

// Location returns the physical placement of the table's backing frames.
func (t *Table) Location() (mem.PhysAddr, uint64) { return t.base, t.bytes }
