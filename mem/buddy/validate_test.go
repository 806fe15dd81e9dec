package buddy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem"
)

func TestValidate_DetectsCorruptRecord(t *testing.T) {
	a := newBuddy(t, 1024, freeRange{0, 1024})
	_, err := a.Alloc(0)
	require.NoError(t, err)

	// Frame 1 heads the order-0 list; retag it behind the allocator's back.
	a.table.Get(1).SetAllocated(0)

	err = a.Validate()
	require.Error(t, err)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, mem.PFN(1), verr.PFN)
	require.Contains(t, err.Error(), "record kind allocated")
}

func TestValidate_DetectsUncoalescedBuddies(t *testing.T) {
	a := newBuddy(t, 1024, freeRange{0, 1024})
	for o := uint8(0); o < format.MaxOrder; o++ {
		require.Len(t, a.FreeBlocks(o), 0)
	}

	// Split by hand without merging back: frames 0 and 1 both free at order 0.
	a.mu.Lock()
	a.remove(0, format.MaxOrder)
	a.table.Get(0).SetBuddy(0)
	a.push(0, 0)
	a.table.Get(1).SetBuddy(0)
	a.push(1, 0)
	a.free = 2
	a.mu.Unlock()

	err := a.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "is free at the same order")
}

func TestValidate_DetectsCountMismatch(t *testing.T) {
	a := newBuddy(t, 16, freeRange{0, 16})
	a.mu.Lock()
	a.free++
	a.mu.Unlock()

	require.ErrorContains(t, a.Validate(), "free count is 17")
}
