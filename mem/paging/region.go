package paging

import (
	"fmt"
	"sort"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/mem/memmap"
	"github.com/joshuapare/kmem/pkg/types"
)

// Region is a span of physical memory usable as backing frames.
type Region struct {
	Base   mem.PhysAddr
	Length uint64
}

// End returns the first address past the region.
func (r Region) End() mem.PhysAddr { return r.Base + mem.PhysAddr(r.Length) }

// RegionProvider lists the physical regions a range mapping may consume.
type RegionProvider interface {
	Regions() []Region
}

// RegionList is a fixed RegionProvider.
type RegionList []Region

// Regions returns l.
func (l RegionList) Regions() []Region { return l }

// Pages returns the number of whole pages in l.
func (l RegionList) Pages() uint64 {
	var n uint64
	for _, r := range l {
		n += r.Length >> format.PageShift
	}
	return n
}

// MemoryMapRegions returns the usable RAM of m as whole-page regions, with
// overlapping entries merged so no frame is offered twice.
func MemoryMapRegions(m memmap.Map) RegionList {
	var out RegionList
	for _, e := range m.Coalesced() {
		out = append(out, Region{Base: e.Base, Length: e.Length})
	}
	return out
}

// Direction picks the end of the provider frames are consumed from.
type Direction int

const (
	// Descending takes the highest frames first, keeping low memory for
	// devices limited to 32-bit addresses.
	Descending Direction = iota
	Ascending
)

func (d Direction) String() string {
	if d == Ascending {
		return "ascending"
	}
	return "descending"
}

// MapRange maps size bytes at virt with 4 KiB pages backed by frames taken
// from p in the given direction. It returns the frames it used, coalesced,
// so the caller can withdraw them from its allocator.
//
// On error, pages mapped so far stay mapped.
func (m *Mapper) MapRange(virt mem.VirtAddr, size uint64, flags Entry, p RegionProvider, dir Direction) (RegionList, error) {
	pages := format.PagesFor(size)
	if pages == 0 {
		return nil, nil
	}
	regions := sortedRegions(p.Regions(), dir)

	var used RegionList
	var done uint64
	for _, r := range regions {
		n := r.Length >> format.PageShift
		for i := uint64(0); i < n && done < pages; i++ {
			var frame mem.PhysAddr
			if dir == Ascending {
				frame = r.Base + mem.PhysAddr(i<<format.PageShift)
			} else {
				frame = r.Base + mem.PhysAddr((n-1-i)<<format.PageShift)
			}
			v := virt + mem.VirtAddr(done<<format.PageShift)
			if err := m.Map(Page4K, v, frame, flags); err != nil {
				return used, err
			}
			used = appendFrame(used, frame)
			done++
		}
		if done == pages {
			return used, nil
		}
	}
	return used, fmt.Errorf("paging: map range: %d of %d pages backed: %w", done, pages, types.ErrOutOfMemory)
}

// MapRangeWith maps size bytes at virt with 4 KiB pages, each backed by a
// frame from frames. On error, pages mapped so far stay mapped; the frame
// that could not be mapped goes back to frames if it is a FrameFreer.
func (m *Mapper) MapRangeWith(virt mem.VirtAddr, size uint64, flags Entry, frames FrameAllocator) error {
	pages := format.PagesFor(size)
	for i := uint64(0); i < pages; i++ {
		frame, err := frames.AllocFrame()
		if err != nil {
			return fmt.Errorf("paging: map range: page %d of %d: %w", i, pages, err)
		}
		if err := m.Map(Page4K, virt+mem.VirtAddr(i<<format.PageShift), frame, flags); err != nil {
			if freer, ok := frames.(FrameFreer); ok {
				freer.FreeFrame(frame)
			}
			return err
		}
	}
	return nil
}

func sortedRegions(in []Region, dir Direction) []Region {
	out := make([]Region, 0, len(in))
	for _, r := range in {
		start := format.AlignUp(uint64(r.Base), format.PageSize)
		end := format.AlignDown(uint64(r.End()), format.PageSize)
		if end > start {
			out = append(out, Region{Base: mem.PhysAddr(start), Length: end - start})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if dir == Ascending {
			return out[i].Base < out[j].Base
		}
		return out[i].Base > out[j].Base
	})
	return out
}

// appendFrame adds one frame to l, extending the last region when adjacent.
func appendFrame(l RegionList, frame mem.PhysAddr) RegionList {
	if n := len(l); n > 0 {
		last := &l[n-1]
		switch {
		case last.End() == frame:
			last.Length += format.PageSize
			return l
		case frame+format.PageSize == last.Base:
			last.Base = frame
			last.Length += format.PageSize
			return l
		}
	}
	return append(l, Region{Base: frame, Length: format.PageSize})
}
