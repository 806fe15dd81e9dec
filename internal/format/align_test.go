package format

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlignUpDown(t *testing.T) {
	cases := []struct {
		v, align, up, down uint64
	}{
		{0, PageSize, 0, 0},
		{1, PageSize, PageSize, 0},
		{PageSize, PageSize, PageSize, PageSize},
		{PageSize + 1, PageSize, 2 * PageSize, PageSize},
		{0x1234567, HugePage2M, 0x1400000, 0x1200000},
		{7, 8, 8, 0},
	}
	for _, tc := range cases {
		require.Equal(t, tc.up, AlignUp(tc.v, tc.align), "AlignUp(%#x, %#x)", tc.v, tc.align)
		require.Equal(t, tc.down, AlignDown(tc.v, tc.align), "AlignDown(%#x, %#x)", tc.v, tc.align)
	}
}

func TestIsAligned(t *testing.T) {
	require.True(t, IsAligned(0, PageSize))
	require.True(t, IsAligned(HugePage1G, HugePage2M))
	require.False(t, IsAligned(HugePage2M, HugePage1G))
	require.False(t, IsAligned(PageSize+8, PageSize))
}

func TestIsPow2(t *testing.T) {
	for _, v := range []uint64{1, 2, 8, 4096, 1 << 63} {
		require.True(t, IsPow2(v), "%d", v)
	}
	for _, v := range []uint64{0, 3, 12, 4097} {
		require.False(t, IsPow2(v), "%d", v)
	}
}

func TestPagesFor(t *testing.T) {
	require.Equal(t, uint64(0), PagesFor(0))
	require.Equal(t, uint64(1), PagesFor(1))
	require.Equal(t, uint64(1), PagesFor(PageSize))
	require.Equal(t, uint64(2), PagesFor(PageSize+1))
}

func TestLog2Ceil(t *testing.T) {
	cases := map[uint64]uint{0: 0, 1: 0, 2: 1, 3: 2, 4: 2, 5: 3, 1024: 10, 1025: 11}
	for n, want := range cases {
		require.Equal(t, want, Log2Ceil(n), "Log2Ceil(%d)", n)
	}
}

func TestSlabClasses(t *testing.T) {
	require.Equal(t, 10, SlabClasses)
	require.Equal(t, 8, SlabMinObjectSize)
	require.Equal(t, PageSize, SlabMaxObjectSize)
}
