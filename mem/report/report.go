// Package report renders human-readable tables of allocator state. Counts
// are printed with the digit grouping of the chosen language.
package report

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem/buddy"
	"github.com/joshuapare/kmem/mem/memory"
	"github.com/joshuapare/kmem/mem/paging"
	"github.com/joshuapare/kmem/mem/slab"
)

// Writer prints reports to an io.Writer.
type Writer struct {
	w io.Writer
	p *message.Printer
}

// New returns a Writer using the number formatting of tag.
func New(w io.Writer, tag language.Tag) *Writer {
	return &Writer{w: w, p: message.NewPrinter(tag)}
}

func (r *Writer) printf(msg string, args ...any) {
	r.p.Fprintf(r.w, msg, args...)
}

func (r *Writer) rule(title string) {
	r.printf("\n%s\n%s\n", title, strings.Repeat("=", len(title)))
}

// Bytes formats n with a binary unit.
func Bytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Summary prints the boot summary of a module.
func (r *Writer) Summary(st memory.Stats) {
	r.rule("Memory")
	r.printf("  Managed frames:   %d (%s)\n", st.Bitmap.TotalPages, Bytes(st.Bitmap.TotalPages<<format.PageShift))
	r.printf("  Bitmap:           %#x, %d bytes\n", uint64(st.Bitmap.Location), st.Bitmap.SizeBytes)
	r.printf("  Page metadata:    %#x, %d bytes\n", uint64(st.MetaBase), st.MetaBytes)
	r.printf("  Page tables:      %d frames\n", st.TableFrames)
	r.printf("  Buddy free:       %d of %d pages (%s)\n",
		st.Buddy.FreePages, st.Buddy.ManagedPages, Bytes(st.Buddy.FreePages<<format.PageShift))
	r.printf("  Heap calls:       %d small, %d large allocations; %d small, %d large frees\n",
		st.Heap.SmallAllocs, st.Heap.LargeAllocs, st.Heap.SmallFrees, st.Heap.LargeFrees)
}

// FreeLists prints the number of free blocks per order.
func (r *Writer) FreeLists(st buddy.Stats) {
	r.rule("Buddy free lists")
	r.printf("  %-5s  %10s  %10s  %12s\n", "order", "block", "blocks", "pages")
	for o, n := range st.Blocks {
		pages := n << o
		r.printf("  %-5d  %10s  %10d  %12d\n", o, Bytes(buddy.BlockSize(uint8(o))), n, pages)
	}
	r.printf("  %-5s  %10s  %10s  %12d\n", "total", "", "", st.FreePages)
	r.printf("  allocs %d, frees %d, splits %d, merges %d, failed %d\n",
		st.Allocs, st.Frees, st.Splits, st.Merges, st.FailedAllocs)
}

// Efficiency prints the slab layout table.
func (r *Writer) Efficiency(layouts []slab.Layout) {
	r.rule("Slab layouts")
	r.printf("  %-6s  %5s  %6s  %8s  %10s\n", "size", "order", "index", "capacity", "efficiency")
	for _, l := range layouts {
		r.printf("  %-6d  %5d  %5dB  %8d  %9.2f%%\n", l.ObjectSize, l.Order, l.IndexWidth, l.Capacity, l.Efficiency*100)
	}
}

// Slabs prints per-cache statistics.
func (r *Writer) Slabs(caches []slab.CacheStats) {
	r.rule("Slab caches")
	r.printf("  %-13s  %6s  %8s  %7s  %5s  %5s  %8s  %10s\n",
		"cache", "slabs", "partial", "full", "empty", "meta", "live", "allocs")
	for _, c := range caches {
		meta := "on"
		if c.OffSlab {
			meta = "off"
		}
		r.printf("  %-13s  %6d  %8d  %7d  %5d  %5s  %8d  %10d\n",
			c.Name, c.Slabs, c.Partial, c.Full, c.Empty, meta, c.Live, c.Allocs)
	}
}

// Mappings prints leaf translations, merging runs that are contiguous in
// both address spaces and share size and flags.
func (r *Writer) Mappings(ms []paging.Mapping) {
	r.rule("Page tables")
	r.printf("  %-18s  %-18s  %4s  %8s  %s\n", "virtual", "physical", "page", "count", "flags")
	for i := 0; i < len(ms); {
		j := i + 1
		for j < len(ms) && contiguous(ms[j-1], ms[j]) {
			j++
		}
		m := ms[i]
		r.printf("  %#018x  %#018x  %4s  %8d  %s\n", uint64(m.Virt), uint64(m.Phys), m.Size, j-i, m.Flags)
		i = j
	}
}

func contiguous(a, b paging.Mapping) bool {
	return a.Size == b.Size && a.Flags == b.Flags &&
		uint64(b.Virt) == uint64(a.Virt)+uint64(a.Size) &&
		uint64(b.Phys) == uint64(a.Phys)+uint64(a.Size)
}
