package tlb

import (
	"context"
	"errors"
	"testing"

	"github.com/joshuapare/kmem/mem"
)

// Test 1: Page Alignment.
func TestTracker_PageAlignment(t *testing.T) {
	tracker := NewTracker()
	tracker.Add(0x1100, 200)

	got := tracker.Ranges()
	if len(got) != 1 {
		t.Fatalf("expected 1 range, got %d", len(got))
	}
	if got[0].Start != 0x1000 || got[0].Len != 4096 {
		t.Errorf("range not page aligned: %+v", got[0])
	}
}

// Test 2: Adjacent and overlapping ranges merge.
func TestTracker_Coalesce(t *testing.T) {
	tracker := NewTracker()
	tracker.Add(0x3000, 0x1000)
	tracker.Add(0x1000, 0x1000)
	tracker.Add(0x2000, 0x1800) // overlaps the first
	tracker.Add(0x10000, 1)

	got := tracker.Ranges()
	want := []Range{{Start: 0x1000, Len: 0x3000}, {Start: 0x10000, Len: 0x1000}}
	if len(got) != len(want) {
		t.Fatalf("got %d ranges, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

// Test 3: Contained ranges do not shrink the enclosing one.
func TestTracker_CoalesceContained(t *testing.T) {
	tracker := NewTracker()
	tracker.Add(0x1000, 0x4000)
	tracker.Add(0x2000, 0x1000)

	got := tracker.Ranges()
	if len(got) != 1 || got[0].Len != 0x4000 {
		t.Fatalf("unexpected ranges: %+v", got)
	}
}

// Test 4: Flush issues one invalidation per merged range.
func TestTracker_FlushPerRange(t *testing.T) {
	tracker := NewTracker()
	tracker.Add(0x1000, 4096)
	tracker.Add(0x2000, 4096)
	tracker.Add(0x9000, 4096)

	var rec Recorder
	if err := tracker.Flush(context.Background(), &rec); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(rec.Ranges) != 2 || rec.FullFlushes != 0 {
		t.Fatalf("unexpected invalidations: %+v", rec)
	}
	if tracker.Pending() {
		t.Error("tracker not cleared after flush")
	}
}

// Test 5: Large invalidations become one full flush.
func TestTracker_FlushAllAboveThreshold(t *testing.T) {
	tracker := NewTracker()
	tracker.Add(mem.VirtAddr(1<<30), (FullFlushThreshold+1)*4096)

	var rec Recorder
	if err := tracker.Flush(context.Background(), &rec); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if rec.FullFlushes != 1 || len(rec.Ranges) != 0 {
		t.Fatalf("expected a single full flush, got %+v", rec)
	}
}

// Test 6: Cancellation keeps the ranges.
func TestTracker_FlushCancelled(t *testing.T) {
	tracker := NewTracker()
	tracker.Add(0x1000, 4096)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var rec Recorder
	err := tracker.Flush(ctx, &rec)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !tracker.Pending() {
		t.Error("ranges dropped by a cancelled flush")
	}
}

type failing struct{}

func (failing) InvalidateRange(Range) error { return errors.New("boom") }
func (failing) FlushAll() error             { return errors.New("boom") }

// Test 7: Invalidator errors propagate and keep the ranges.
func TestTracker_FlushError(t *testing.T) {
	tracker := NewTracker()
	tracker.Add(0x1000, 4096)
	if err := tracker.Flush(context.Background(), failing{}); err == nil {
		t.Fatal("expected error")
	}
	if !tracker.Pending() {
		t.Error("ranges dropped after a failed flush")
	}
}

func TestTracker_ResetAndZeroLength(t *testing.T) {
	tracker := NewTracker()
	tracker.Add(0x1000, 0)
	if tracker.Pending() {
		t.Fatal("zero-length range recorded")
	}
	tracker.Add(0x1000, 1)
	tracker.Reset()
	if tracker.Pending() || tracker.Ranges() != nil {
		t.Fatal("reset left ranges behind")
	}
}
