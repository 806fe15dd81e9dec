package memory

import (
	"fmt"
	"strings"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/mem/pagemeta"
)

// VerifyError lists every inconsistency Verify found.
type VerifyError struct {
	Problems []string
}

func (e *VerifyError) Error() string {
	if len(e.Problems) == 1 {
		return "memory: verify: " + e.Problems[0]
	}
	return fmt.Sprintf("memory: verify: %d problems:\n  %s", len(e.Problems), strings.Join(e.Problems, "\n  "))
}

// Verify checks that every frame belongs to exactly one block (free,
// allocated or slab), that block interiors carry no stale tags, and that the
// buddy free lists are consistent. It also checks that no free block covers
// a frame the bitmap holds reserved for good: memory the firmware map does
// not list as RAM, or the frames of the bitmap and the page records. It
// returns nil or a *VerifyError.
//
// Verify reads the metadata table without the allocators' locks; run it
// while nothing allocates.
func (m *Module) Verify() error {
	var problems []string
	addf := func(msg string, args ...any) {
		problems = append(problems, fmt.Sprintf(msg, args...))
	}

	total := m.table.TotalPages()
	var freePages uint64
	for pfn := mem.PFN(0); uint64(pfn) < total; {
		rec := m.table.Get(pfn)
		kind := rec.Kind()
		if kind == pagemeta.KindUnused {
			addf("frame %s belongs to no block", pfn)
			pfn++
			continue
		}

		order := rec.Order()
		span := mem.PFN(1) << order
		if uint64(pfn)&(uint64(span)-1) != 0 {
			addf("%s block at %s is not aligned to order %d", kind, pfn, order)
		}
		if uint64(pfn+span) > total {
			addf("%s block at %s of order %d runs past the last frame", kind, pfn, order)
			span = mem.PFN(total) - pfn
		}
		if kind == pagemeta.KindBuddy {
			freePages += uint64(span)
			for i := mem.PFN(0); i < span; i++ {
				if m.permanentlyReserved(pfn + i) {
					addf("free block at %s covers reserved frame %s", pfn, pfn+i)
				}
			}
		}

		for i := mem.PFN(1); i < span; i++ {
			r := m.table.Get(pfn + i)
			switch {
			case kind == pagemeta.KindSlab:
				if r.Kind() != pagemeta.KindSlab || r.Slab().Cache() != rec.Slab().Cache() {
					addf("slab at %s: frame %s is %s", pfn, pfn+i, r.Kind())
				}
			case r.Kind() != pagemeta.KindUnused:
				addf("%s block at %s: interior frame %s is %s", kind, pfn, pfn+i, r.Kind())
			}
		}
		pfn += span
	}

	if got := m.buddy.FreePages(); got != freePages {
		addf("buddy reports %d free pages, table holds %d", got, freePages)
	}
	if err := m.buddy.Validate(); err != nil {
		addf("%v", err)
	}

	if len(problems) == 0 {
		return nil
	}
	return &VerifyError{Problems: problems}
}

// permanentlyReserved reports whether the bitmap reserves pfn for a reason
// that outlives boot. Boot page-table frames are reserved too but may reach
// the buddy allocator once the mapper frees them, so they are not counted.
func (m *Module) permanentlyReserved(pfn mem.PFN) bool {
	if m.bitmap.IsFree(pfn) {
		return false
	}
	addr := pfn.Addr()
	if !m.usable.Contains(addr, format.PageSize) {
		return true
	}
	for _, loc := range [][2]uint64{m.bitmapSpan(), m.tableSpan()} {
		if uint64(addr) >= loc[0] && uint64(addr) < loc[1] {
			return true
		}
	}
	return false
}

func (m *Module) bitmapSpan() [2]uint64 {
	base, size := m.bitmap.Location()
	return [2]uint64{uint64(base), uint64(base) + format.AlignUp(size, format.PageSize)}
}

func (m *Module) tableSpan() [2]uint64 {
	base, size := m.table.Location()
	return [2]uint64{uint64(base), uint64(base) + size}
}
