package buddy

import (
	"errors"
	"fmt"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/mem/pagemeta"
)

// ValidationError describes one broken free-list invariant.
type ValidationError struct {
	Order   uint8
	PFN     mem.PFN
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("buddy: order %d block %s: %s", e.Order, e.PFN, e.Message)
}

// Validate walks every free list and checks the structural invariants: each
// listed block is a buddy record of the list's order, aligned, inside the
// table, linked consistently, and never free together with its buddy at the
// same order. The sum of listed blocks must equal the free page count.
//
// All problems are returned joined; nil means the lists are sound.
func (a *Allocator) Validate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	bad := func(order uint8, pfn mem.PFN, msg string, args ...any) {
		errs = append(errs, &ValidationError{Order: order, PFN: pfn, Message: fmt.Sprintf(msg, args...)})
	}

	var pages uint64
	for o := uint8(0); o <= format.MaxOrder; o++ {
		seen := uint64(0)
		prev := mem.NoPFN
		for pfn := a.heads[o]; pfn.Valid(); {
			if seen > a.blocks[o] {
				bad(o, pfn, "list longer than its count %d (cycle?)", a.blocks[o])
				break
			}
			if !a.table.Contains(pfn) {
				bad(o, pfn, "frame outside the table")
				break
			}
			rec := a.table.Get(pfn)
			if rec.Kind() != pagemeta.KindBuddy {
				bad(o, pfn, "record kind %s on a free list", rec.Kind())
				break
			}
			if rec.Order() != o {
				bad(o, pfn, "record order %d", rec.Order())
			}
			if uint64(pfn)&(1<<o-1) != 0 {
				bad(o, pfn, "base not aligned to 2^%d frames", o)
			}
			if uint64(pfn)+1<<o > a.total {
				bad(o, pfn, "block runs past the end of memory")
			}
			if l := rec.Link(); l.Prev != prev {
				bad(o, pfn, "prev link %s, want %s", l.Prev, prev)
			}
			if o < format.MaxOrder {
				buddy := pfn ^ mem.PFN(1)<<o
				if a.table.Contains(buddy) {
					br := a.table.Get(buddy)
					if br.Kind() == pagemeta.KindBuddy && br.Order() == o {
						bad(o, pfn, "buddy %s is free at the same order", buddy)
					}
				}
			}

			pages += 1 << o
			seen++
			prev = pfn
			pfn = rec.Link().Next
		}
		if seen != a.blocks[o] {
			bad(o, mem.NoPFN, "walked %d blocks, counted %d", seen, a.blocks[o])
		}
	}
	if pages != a.free {
		bad(0, mem.NoPFN, "lists hold %d pages, free count is %d", pages, a.free)
	}
	return errors.Join(errs...)
}
