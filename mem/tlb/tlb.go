package tlb

import (
	"context"
	"sort"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem"
)

const (
	// defaultRangeCapacity is the pre-allocated capacity for stale ranges.
	defaultRangeCapacity = 64

	// FullFlushThreshold is the number of stale pages above which a full flush
	// is cheaper than invalidating each range.
	FullFlushThreshold = 33
)

// Range is a span of virtual addresses.
type Range struct {
	Start mem.VirtAddr
	Len   uint64
}

// End returns the first address past the range.
func (r Range) End() mem.VirtAddr { return r.Start + mem.VirtAddr(r.Len) }

// Pages returns the number of base pages the range covers.
func (r Range) Pages() uint64 { return r.Len >> format.PageShift }

// Invalidator drops cached translations.
type Invalidator interface {
	InvalidateRange(r Range) error
	FlushAll() error
}

// Recorder is an Invalidator that only records what it was asked to do.
type Recorder struct {
	Ranges      []Range
	FullFlushes int
}

// InvalidateRange appends r.
func (rec *Recorder) InvalidateRange(r Range) error {
	rec.Ranges = append(rec.Ranges, r)
	return nil
}

// FlushAll counts a full flush.
func (rec *Recorder) FlushAll() error {
	rec.FullFlushes++
	return nil
}

// Tracker accumulates stale ranges.
type Tracker struct {
	ranges []Range // raw, coalesced at flush time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{ranges: make([]Range, 0, defaultRangeCapacity)}
}

// Add records that translations in [virt, virt+length) are stale.
func (t *Tracker) Add(virt mem.VirtAddr, length uint64) {
	if length == 0 {
		return
	}
	t.ranges = append(t.ranges, Range{Start: virt, Len: length})
}

// Pending reports whether anything awaits a flush.
func (t *Tracker) Pending() bool { return len(t.ranges) > 0 }

// Ranges returns the page-aligned, sorted and merged stale ranges.
func (t *Tracker) Ranges() []Range { return t.coalesce() }

// Reset drops every recorded range without invalidating anything.
func (t *Tracker) Reset() { t.ranges = t.ranges[:0] }

// Flush invalidates every stale range and clears the tracker.
//
// If ctx is cancelled between ranges, Flush returns its error and keeps
// the ranges so a later Flush can finish the job.
func (t *Tracker) Flush(ctx context.Context, inv Invalidator) error {
	if len(t.ranges) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	merged := t.coalesce()
	var pages uint64
	for _, r := range merged {
		pages += r.Pages()
	}

	if pages > FullFlushThreshold {
		if err := inv.FlushAll(); err != nil {
			return err
		}
	} else {
		for _, r := range merged {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := inv.InvalidateRange(r); err != nil {
				return err
			}
		}
	}

	t.ranges = t.ranges[:0]
	return nil
}

// coalesce page-aligns all ranges, sorts them and merges overlapping or
// adjacent ones.
func (t *Tracker) coalesce() []Range {
	if len(t.ranges) == 0 {
		return nil
	}

	aligned := make([]Range, len(t.ranges))
	for i, r := range t.ranges {
		start := format.AlignDown(uint64(r.Start), format.PageSize)
		end := format.AlignUp(uint64(r.Start)+r.Len, format.PageSize)
		aligned[i] = Range{Start: mem.VirtAddr(start), Len: end - start}
	}

	sort.Slice(aligned, func(i, j int) bool {
		return aligned[i].Start < aligned[j].Start
	})

	merged := make([]Range, 0, len(aligned))
	current := aligned[0]
	for _, next := range aligned[1:] {
		if next.Start <= current.End() {
			if next.End() > current.End() {
				current.Len = uint64(next.End() - current.Start)
			}
			continue
		}
		merged = append(merged, current)
		current = next
	}
	return append(merged, current)
}
