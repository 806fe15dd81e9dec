package slab

import (
	"github.com/joshuapare/kmem/internal/format"
)

// Layout describes how slabs of one block order hold objects of one size.
type Layout struct {
	ObjectSize uint64
	Order      uint8
	IndexWidth int     // bytes per free-index entry
	Capacity   uint64  // slots per slab
	Efficiency float64 // Capacity*ObjectSize / block bytes
}

// BlockSize returns the slab size in bytes.
func (l Layout) BlockSize() uint64 { return format.PageSize << l.Order }

// indexWidths are the candidate free-index entry widths, narrowest first.
var indexWidths = [...]int{1, 2, 4, 8}

// maxIndex returns the all-ones value of a width, used as the chain end.
func maxIndex(width int) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(width)) - 1
}

// ComputeLayout returns the layout of objects of objSize bytes in a slab of
// the given order with the narrowest index width that fits.
func ComputeLayout(objSize uint64, order uint8) Layout {
	block := uint64(format.PageSize) << order
	l := Layout{ObjectSize: objSize, Order: order}
	for _, w := range indexWidths {
		capacity := block / (objSize + uint64(w))
		// Indices 0..capacity-1 must stay clear of the end and allocated markers.
		if capacity <= maxIndex(w)-1 {
			l.IndexWidth = w
			l.Capacity = capacity
			break
		}
	}
	l.Efficiency = float64(l.Capacity*objSize) / float64(block)
	return l
}

// Layouts returns the layout for every block order.
func Layouts(objSize uint64) [format.NumOrders]Layout {
	var out [format.NumOrders]Layout
	for o := range out {
		out[o] = ComputeLayout(objSize, uint8(o))
	}
	return out
}

// Plan picks the block order for objSize: the first order reaching
// format.SlabMinEfficiency, or else the most efficient one.
func Plan(objSize uint64) Layout {
	all := Layouts(objSize)
	for _, l := range all {
		if l.Efficiency >= format.SlabMinEfficiency {
			return l
		}
	}
	best := all[0]
	for _, l := range all[1:] {
		if l.Efficiency > best.Efficiency+format.SlabEfficiencyTolerance {
			best = l
		}
	}
	return best
}

// EfficiencyTable returns the planned layout of every size class, smallest
// class first.
func EfficiencyTable() []Layout {
	out := make([]Layout, 0, format.SlabClasses)
	for shift := format.SlabMinShift; shift <= format.SlabMaxShift; shift++ {
		out = append(out, Plan(1<<shift))
	}
	return out
}
