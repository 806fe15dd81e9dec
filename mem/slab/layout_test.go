package slab

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmem/internal/format"
)

func TestComputeLayout_KnownValues(t *testing.T) {
	cases := []struct {
		size     uint64
		order    uint8
		width    int
		capacity uint64
	}{
		{8, 0, 2, 409},     // 455 slots would not fit a byte index
		{16, 0, 1, 240},    // 4096/17
		{32, 0, 1, 124},    // 4096/33
		{256, 1, 1, 31},    // 8192/257
		{512, 2, 1, 31},    // 16384/513
		{4096, 0, 1, 0},    // a page cannot hold a page plus its index
		{4096, 5, 1, 31},   // 131072/4097
		{8, 10, 4, 349525}, // 4 MiB / 10 exceeds a 16-bit index
	}
	for _, tc := range cases {
		l := ComputeLayout(tc.size, tc.order)
		require.Equal(t, tc.width, l.IndexWidth, "size %d order %d", tc.size, tc.order)
		require.Equal(t, tc.capacity, l.Capacity, "size %d order %d", tc.size, tc.order)
	}
}

func TestPlan_ClassOrders(t *testing.T) {
	want := map[uint64]uint8{
		8:    0, // best is ~0.80 at every order; ties prefer the smallest
		16:   0,
		32:   0,
		64:   0,
		128:  0,
		256:  1,
		512:  2,
		1024: 3,
		2048: 4,
		4096: 5,
	}
	for size, order := range want {
		require.Equal(t, order, Plan(size).Order, "size %d", size)
	}
}

func TestPlan_MeetsTargetWhenPossible(t *testing.T) {
	for _, l := range EfficiencyTable() {
		if l.ObjectSize >= 32 {
			require.GreaterOrEqual(t, l.Efficiency, format.SlabMinEfficiency, "size %d", l.ObjectSize)
		}
	}
}

func TestLayout_CapacityBound(t *testing.T) {
	for shift := format.SlabMinShift; shift <= format.SlabMaxShift; shift++ {
		size := uint64(1) << shift
		for o, l := range Layouts(size) {
			require.LessOrEqual(t, l.Capacity*(size+uint64(l.IndexWidth)), l.BlockSize(),
				"size %d order %d", size, o)
			require.Less(t, l.Capacity, maxIndex(l.IndexWidth), "markers must stay distinct")
		}
	}
}

func TestEfficiencyTable_Shape(t *testing.T) {
	table := EfficiencyTable()
	require.Len(t, table, format.SlabClasses)
	require.Equal(t, uint64(8), table[0].ObjectSize)
	require.Equal(t, uint64(4096), table[len(table)-1].ObjectSize)
}
