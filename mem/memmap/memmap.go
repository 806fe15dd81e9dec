// Package memmap models the firmware memory map handed to the kernel by the
// boot loader: an ordered list of physical ranges, each tagged with a
// Multiboot2 memory type. Only TypeAvailable ranges are ever treated as free.
package memmap

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/joshuapare/kmem/internal/buf"
	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/pkg/types"
)

// Type is a Multiboot2 memory range type.
type Type uint32

const (
	TypeAvailable       Type = 1
	TypeReserved        Type = 2
	TypeACPIReclaimable Type = 3
	TypeNVS             Type = 4
	TypeBadRAM          Type = 5
)

var typeNames = map[Type]string{
	TypeAvailable:       "available",
	TypeReserved:        "reserved",
	TypeACPIReclaimable: "acpi",
	TypeNVS:             "nvs",
	TypeBadRAM:          "bad",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "type-" + strconv.FormatUint(uint64(t), 10)
}

// MarshalText encodes t by name so JSON maps stay readable.
func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText accepts a type name or its decimal value.
func (t *Type) UnmarshalText(b []byte) error {
	s := string(b)
	for k, n := range typeNames {
		if n == s {
			*t = k
			return nil
		}
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("memmap: unknown memory type %q", s)
	}
	*t = Type(v)
	return nil
}

// UnmarshalJSON accepts both "available" and 1.
func (t *Type) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return fmt.Errorf("memmap: bad memory type %s", b)
		}
		return t.UnmarshalText([]byte(s))
	}
	return t.UnmarshalText(b)
}

// Entry is one range of the memory map.
type Entry struct {
	Base   mem.PhysAddr `json:"base"`
	Length uint64       `json:"length"`
	Type   Type         `json:"type"`
}

// End returns the exclusive end address of the entry.
func (e Entry) End() mem.PhysAddr { return e.Base + mem.PhysAddr(e.Length) }

// Available reports whether the range is usable RAM.
func (e Entry) Available() bool { return e.Type == TypeAvailable }

func (e Entry) String() string {
	return fmt.Sprintf("[%#016x-%#016x) %s", uint64(e.Base), uint64(e.End()), e.Type)
}

// Map is an ordered firmware memory map.
type Map []Entry

// Validate rejects entries that wrap the address space.
func (m Map) Validate() error {
	for i, e := range m {
		if _, ok := buf.RangeEnd(uint64(e.Base), e.Length); !ok {
			return &types.Error{Kind: types.ErrKindFormat, Msg: fmt.Sprintf("memmap: entry %d wraps the address space", i)}
		}
	}
	return nil
}

// HighestAvailable returns the end of the highest available range, or 0 when
// the map has none.
func (m Map) HighestAvailable() mem.PhysAddr {
	var top mem.PhysAddr
	for _, e := range m {
		if e.Available() && e.Length > 0 && e.End() > top {
			top = e.End()
		}
	}
	return top
}

// TotalAvailable returns the number of available bytes.
func (m Map) TotalAvailable() uint64 {
	var n uint64
	for _, e := range m {
		if e.Available() {
			n += e.Length
		}
	}
	return n
}

// Available returns the available entries in map order.
func (m Map) Available() Map {
	out := make(Map, 0, len(m))
	for _, e := range m {
		if e.Available() && e.Length > 0 {
			out = append(out, e)
		}
	}
	return out
}

// Sorted returns a copy ordered by base address.
func (m Map) Sorted() Map {
	out := slices.Clone(m)
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Base < b.Base:
			return -1
		case a.Base > b.Base:
			return 1
		default:
			return 0
		}
	})
	return out
}

type span struct{ lo, hi uint64 }

func mergeSpans(spans []span) []span {
	slices.SortFunc(spans, func(a, b span) int { return cmp.Compare(a.lo, b.lo) })
	var out []span
	for _, s := range spans {
		if n := len(out); n > 0 && s.lo <= out[n-1].hi {
			out[n-1].hi = max(out[n-1].hi, s.hi)
			continue
		}
		out = append(out, s)
	}
	return out
}

// Coalesced returns the usable RAM of m as sorted, disjoint, whole-page
// available entries. Overlapping and adjacent available entries are merged
// first; any page touched by a non-available entry is then removed, so a
// firmware map that lists a range twice never yields a frame twice.
func (m Map) Coalesced() Map {
	var avail, holes []span
	for _, e := range m {
		if e.Length == 0 {
			continue
		}
		lo, hi := uint64(e.Base), uint64(e.End())
		if e.Available() {
			avail = append(avail, span{lo, hi})
			continue
		}
		lo = format.AlignDown(lo, format.PageSize)
		if up := format.AlignUp(hi, format.PageSize); up >= hi {
			hi = up
		} else {
			hi = math.MaxUint64
		}
		holes = append(holes, span{lo, hi})
	}
	holes = mergeSpans(holes)

	var out Map
	emit := func(lo, hi uint64) {
		if hi > lo {
			out = append(out, Entry{Base: mem.PhysAddr(lo), Length: hi - lo, Type: TypeAvailable})
		}
	}
	for _, a := range mergeSpans(avail) {
		lo := format.AlignUp(a.lo, format.PageSize)
		hi := format.AlignDown(a.hi, format.PageSize)
		for _, h := range holes {
			if h.hi <= lo || h.lo >= hi {
				continue
			}
			emit(lo, h.lo)
			lo = h.hi
		}
		emit(lo, hi)
	}
	return out
}

// Contains reports whether [base, base+size) lies inside a single entry.
func (m Map) Contains(base mem.PhysAddr, size uint64) bool {
	end, ok := buf.RangeEnd(uint64(base), size)
	if !ok {
		return false
	}
	for _, e := range m {
		if base >= e.Base && end <= uint64(e.End()) {
			return true
		}
	}
	return false
}

// PC returns the memory map a typical PC firmware reports for ramSize bytes
// of RAM: conventional memory below 640 KiB, the legacy hole up to 1 MiB,
// RAM up to the 3 GiB PCI hole, and the remainder relocated above 4 GiB.
func PC(ramSize uint64) Map {
	const (
		lowTop  = 0x9FC00
		highMem = 0x100000
		pciHole = 3 << 30
		limit32 = 1 << 32
	)
	m := Map{
		{Base: 0, Length: lowTop, Type: TypeAvailable},
		{Base: lowTop, Length: highMem - lowTop, Type: TypeReserved},
	}
	if ramSize <= highMem {
		return m
	}
	below := min(ramSize, pciHole) - highMem
	m = append(m, Entry{Base: highMem, Length: below, Type: TypeAvailable})
	if ramSize > pciHole {
		m = append(m,
			Entry{Base: pciHole, Length: limit32 - pciHole, Type: TypeReserved},
			Entry{Base: limit32, Length: ramSize - pciHole, Type: TypeAvailable},
		)
	}
	return m
}
