package physmem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem"
)

func TestArena_PageViews(t *testing.T) {
	a, err := NewArena(8*format.PageSize + 1)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	require.Equal(t, uint64(9*format.PageSize), a.Size())

	p := a.Page(mem.PFN(8))
	require.Len(t, p, format.PageSize)
	require.Equal(t, format.PageSize, cap(p), "view must not reach into the next frame")

	WriteU64(a, mem.PFN(8).Addr(), 42)
	require.Equal(t, uint64(42), ReadU64(a, 8*format.PageSize))
	require.Panics(t, func() { a.Page(9) })
}

func TestArena_ZeroSizeRejected(t *testing.T) {
	_, err := NewArena(0)
	require.Error(t, err)
}

func TestArena_DoubleClose(t *testing.T) {
	a, err := NewArena(format.PageSize)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}
