package paging

import (
	"fmt"
	"strings"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem"
)

// Entry is one 8-byte page-table entry in the hardware layout.
type Entry uint64

// Entry flag bits.
const (
	FlagPresent      Entry = 1 << 0
	FlagWritable     Entry = 1 << 1
	FlagUser         Entry = 1 << 2
	FlagWriteThrough Entry = 1 << 3
	FlagCacheDisable Entry = 1 << 4
	FlagAccessed     Entry = 1 << 5
	FlagDirty        Entry = 1 << 6
	FlagHuge         Entry = 1 << 7 // PML3/PML2 only
	FlagGlobal       Entry = 1 << 8
	FlagNoExecute    Entry = 1 << 63

	// FlagPAT selects the PAT entry. The hardware bit is 7 in a 4 KiB leaf
	// and 12 in a huge leaf, so callers use this software-available bit and
	// Map and Mapping.Flags translate. It never reaches a live entry.
	FlagPAT Entry = 1 << 58

	pat4K   Entry = 1 << 7
	patHuge Entry = 1 << 12
)

// frameMask selects the 40-bit frame field (bits 12..51).
const frameMask Entry = 0x000FFFFFFFFFF000

// NewEntry builds an entry pointing at frame with the given flag bits.
func NewEntry(frame mem.PhysAddr, flags Entry) Entry {
	return Entry(uint64(frame))&frameMask | flags&^frameMask
}

// Present reports whether the entry is valid.
func (e Entry) Present() bool { return e&FlagPresent != 0 }

// Huge reports whether a PML3/PML2 entry maps a large page.
func (e Entry) Huge() bool { return e&FlagHuge != 0 }

// Frame returns the physical address of the table or 4 KiB page the entry
// references.
func (e Entry) Frame() mem.PhysAddr { return mem.PhysAddr(e & frameMask) }

// HugeFrame returns the frame of a huge leaf.
func (e Entry) HugeFrame() mem.PhysAddr { return mem.PhysAddr(e & frameMask &^ patHuge) }

// String renders the set flags, e.g. "P|W|NX".
func (e Entry) String() string {
	names := []struct {
		bit  Entry
		name string
	}{
		{FlagPresent, "P"}, {FlagWritable, "W"}, {FlagUser, "U"},
		{FlagWriteThrough, "PWT"}, {FlagCacheDisable, "PCD"},
		{FlagAccessed, "A"}, {FlagDirty, "D"}, {FlagHuge, "PS"},
		{FlagGlobal, "G"}, {FlagPAT, "PAT"}, {FlagNoExecute, "NX"},
	}
	var parts []string
	for _, n := range names {
		if e&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// PageSize is a leaf mapping size.
type PageSize uint64

const (
	Page4K PageSize = format.PageSize
	Page2M PageSize = format.HugePage2M
	Page1G PageSize = format.HugePage1G
)

// level returns the table level holding leaves of this size, or 0.
func (s PageSize) level() int {
	switch s {
	case Page4K:
		return 1
	case Page2M:
		return 2
	case Page1G:
		return 3
	}
	return 0
}

func (s PageSize) String() string {
	switch s {
	case Page4K:
		return "4K"
	case Page2M:
		return "2M"
	case Page1G:
		return "1G"
	}
	return fmt.Sprintf("pagesize(%d)", uint64(s))
}

// sizeAt is the span of one entry at level.
func sizeAt(level int) uint64 {
	return 1 << (format.PageShift + format.TableIndexBits*(level-1))
}

// index returns the slot of virt in a table at level (4 = PML4).
func index(virt mem.VirtAddr, level int) uint64 {
	shift := format.PageShift + format.TableIndexBits*(level-1)
	return uint64(virt) >> shift & (format.EntriesPerTable - 1)
}

// leafEntry builds the leaf for phys at level from caller flags. FlagHuge
// in flags is ignored: the level alone decides whether the leaf is huge.
func leafEntry(phys mem.PhysAddr, flags Entry, level int) Entry {
	pat := flags&FlagPAT != 0
	flags = flags&^(frameMask|FlagPAT|FlagHuge) | FlagPresent
	if level == 1 {
		if pat {
			flags |= pat4K
		}
		return NewEntry(phys, flags)
	}
	e := NewEntry(phys, flags|FlagHuge)
	if pat {
		e |= patHuge
	}
	return e
}

// leafFlags converts leaf bits back to the flags Map accepts.
func leafFlags(e Entry, level int) Entry {
	f := e &^ frameMask
	if level == 1 {
		if f&pat4K != 0 {
			f = f&^pat4K | FlagPAT
		}
		return f
	}
	f &^= FlagHuge
	if e&patHuge != 0 {
		f |= FlagPAT
	}
	return f
}
