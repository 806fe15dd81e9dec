package physmem

import (
	"sync"

	"github.com/joshuapare/kmem/internal/assert"
	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem"
)

// Sparse is simulated physical memory whose frames are allocated on first
// access. Untouched frames read as zero.
type Sparse struct {
	size uint64

	mu    sync.Mutex
	pages map[mem.PFN]*[format.PageSize]byte
}

// NewSparse returns memory addressable up to size bytes (rounded up to whole
// pages).
func NewSparse(size uint64) *Sparse {
	return &Sparse{
		size:  format.AlignUp(size, format.PageSize),
		pages: make(map[mem.PFN]*[format.PageSize]byte),
	}
}

// Size returns the addressable size in bytes.
func (s *Sparse) Size() uint64 { return s.size }

// Page returns the view of frame pfn, materializing it if needed.
func (s *Sparse) Page(pfn mem.PFN) []byte {
	assert.Value(uint64(pfn) < s.size>>format.PageShift, "physmem: frame beyond sparse memory", pfn)

	s.mu.Lock()
	p, ok := s.pages[pfn]
	if !ok {
		p = new([format.PageSize]byte)
		s.pages[pfn] = p
	}
	s.mu.Unlock()
	return p[:]
}

// Resident returns the number of frames that have been touched.
func (s *Sparse) Resident() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages)
}
