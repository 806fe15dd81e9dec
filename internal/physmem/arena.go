package physmem

import (
	"fmt"

	"github.com/joshuapare/kmem/internal/assert"
	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem"
)

// Arena is contiguous simulated physical memory starting at address 0.
type Arena struct {
	data    []byte
	release func() error
}

// NewArena reserves size bytes (rounded up to whole pages). On unix the
// backing is an anonymous private mapping, so untouched frames cost nothing.
func NewArena(size uint64) (*Arena, error) {
	size = format.AlignUp(size, format.PageSize)
	if size == 0 {
		return nil, fmt.Errorf("physmem: arena size must be positive")
	}
	if size > uint64(^uint(0)>>1) {
		return nil, fmt.Errorf("physmem: arena too large (%d bytes)", size)
	}
	data, release, err := mapAnon(int(size))
	if err != nil {
		return nil, fmt.Errorf("physmem: reserve %d bytes: %w", size, err)
	}
	return &Arena{data: data, release: release}, nil
}

// Size returns the arena length in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.data)) }

// Page returns the view of frame pfn.
func (a *Arena) Page(pfn mem.PFN) []byte {
	off := uint64(pfn) << format.PageShift
	assert.Value(pfn < mem.PFN(len(a.data)>>format.PageShift), "physmem: frame beyond arena", pfn)
	return a.data[off : off+format.PageSize : off+format.PageSize]
}

// Close releases the backing mapping. The arena must not be used afterwards.
func (a *Arena) Close() error {
	if a.release == nil {
		return nil
	}
	err := a.release()
	a.release = nil
	a.data = nil
	return err
}
