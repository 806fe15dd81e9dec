package heap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/internal/physmem"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/mem/buddy"
	"github.com/joshuapare/kmem/mem/pagemeta"
	"github.com/joshuapare/kmem/mem/slab"
	"github.com/joshuapare/kmem/pkg/types"
)

const testPages = 4096 // 16 MiB

type fixture struct {
	heap  *Heap
	buddy *buddy.Allocator
	slabs *slab.Allocator
	table *pagemeta.Table
}

func newHeap(t *testing.T) *fixture {
	t.Helper()
	// The table lives in frames past the ones the buddy allocator manages.
	tableBytes := format.AlignUp(testPages*pagemeta.RecordSize, format.PageSize)
	phys := physmem.NewSparse(testPages<<12 + tableBytes)
	table, err := pagemeta.New(testPages, pagemeta.SourceFunc(func(uint64) (mem.PhysAddr, error) {
		return testPages << 12, nil
	}), phys)
	require.NoError(t, err)
	b := buddy.New(buddy.FreeFunc(func(mem.PFN) bool { return true }), table, nil)
	s, err := slab.New(b, table, phys)
	require.NoError(t, err)
	return &fixture{heap: New(b, s, table, phys), buddy: b, slabs: s, table: table}
}

func TestMalloc_ZeroSize(t *testing.T) {
	f := newHeap(t)
	_, err := f.heap.Malloc(0)
	require.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestMalloc_SmallGoesToSlab(t *testing.T) {
	f := newHeap(t)
	v, err := f.heap.Malloc(24)
	require.NoError(t, err)

	rec := f.table.Lookup(v.ToPhys())
	require.Equal(t, pagemeta.KindSlab, rec.Kind())
	require.Equal(t, f.slabs.GetCache(32).ID(), rec.Slab().Cache())

	f.heap.Free(v)
	require.Zero(t, f.slabs.GetCache(32).Stats().Live)
	require.Equal(t, Stats{SmallAllocs: 1, SmallFrees: 1}, f.heap.Stats())
}

func TestMalloc_LargeGoesToBuddy(t *testing.T) {
	f := newHeap(t)
	before := f.buddy.FreePages()

	v, err := f.heap.Malloc(4097)
	require.NoError(t, err)
	p := v.ToPhys()
	require.True(t, p.PageAligned())

	rec := f.table.Lookup(p)
	require.Equal(t, pagemeta.KindAllocated, rec.Kind())
	require.Equal(t, uint8(1), rec.Order())
	require.Equal(t, before-2, f.buddy.FreePages())

	f.heap.Free(v)
	require.Equal(t, before, f.buddy.FreePages())
	require.NoError(t, f.buddy.Validate())
}

func TestMalloc_TooLarge(t *testing.T) {
	f := newHeap(t)
	free := f.buddy.FreePages()
	for _, size := range []uint64{buddy.BlockSize(10) + 1, 8 << 20, ^uint64(0)} {
		_, err := f.heap.Malloc(size)
		require.ErrorIs(t, err, types.ErrInvalidArgument, "size %d", size)
		require.NotErrorIs(t, err, types.ErrOutOfMemory, "size %d", size)
	}
	require.Equal(t, free, f.buddy.FreePages())
}

func TestMalloc_MaxBlock(t *testing.T) {
	f := newHeap(t)
	v, err := f.heap.Malloc(buddy.BlockSize(10))
	require.NoError(t, err)
	require.Equal(t, uint8(10), f.table.Lookup(v.ToPhys()).Order())
	f.heap.Free(v)
}

func TestFree_Routing(t *testing.T) {
	f := newHeap(t)
	f.heap.Free(0)

	// Free pages are not heap allocations.
	require.Panics(t, func() { f.heap.Free(mem.PhysAddr(0x10000).ToVirt()) })

	large, err := f.heap.Malloc(4 * 4096)
	require.NoError(t, err)
	require.Panics(t, func() { f.heap.Free(large + 16) })
	require.Panics(t, func() { f.heap.Free(large + 4096) })

	small, err := f.heap.Malloc(8)
	require.NoError(t, err)
	f.heap.Free(small)
	require.Panics(t, func() { f.heap.Free(small) })

	f.heap.Free(large)
	require.NoError(t, f.buddy.Validate())
}

func TestMallocAligned(t *testing.T) {
	f := newHeap(t)

	_, err := f.heap.MallocAligned(64, 48)
	require.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = f.heap.MallocAligned(0, 64)
	require.ErrorIs(t, err, types.ErrInvalidArgument)

	tests := []struct{ size, align uint64 }{
		{1, 1},
		{10, 16},
		{100, 64},
		{100, 4096},
		{8192, 8192},
	}
	var got []mem.VirtAddr
	for _, tt := range tests {
		v, err := f.heap.MallocAligned(tt.size, tt.align)
		require.NoError(t, err)
		require.Zero(t, uint64(v)%tt.align, "size %d align %d", tt.size, tt.align)
		got = append(got, v)
	}
	for _, v := range got {
		f.heap.FreeAligned(v)
	}
	f.heap.FreeAligned(0)

	for _, st := range f.slabs.Stats() {
		require.Zero(t, st.Live, st.Name)
	}
	f.slabs.Shrink()
	require.Equal(t, uint64(testPages), f.buddy.FreePages())
}

func TestBytes(t *testing.T) {
	f := newHeap(t)
	v, err := f.heap.Malloc(64)
	require.NoError(t, err)

	b := f.heap.Bytes(v, 64)
	copy(b, "kernel heap")
	require.Equal(t, "kernel heap", string(f.heap.Bytes(v, 11)))
}
