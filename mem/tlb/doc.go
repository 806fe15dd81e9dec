// Package tlb tracks virtual ranges whose translations went stale.
//
// # Overview
//
// Changing a present page-table entry leaves the old translation cached in
// the TLB until it is invalidated. The mapper reports every such change to a
// Tracker; nothing is invalidated until Flush.
//
// # Usage
//
//	tracker := tlb.NewTracker()
//	tracker.Add(virt, 4096)
//	...
//	err := tracker.Flush(ctx, invalidator)
//
// Flush page-aligns the recorded ranges, sorts and merges them, then issues
// one InvalidateRange per merged range. When more than FullFlushThreshold
// pages are stale it issues a single FlushAll instead.
//
// # Thread Safety
//
// A Tracker is not safe for concurrent use. The mapper only touches it while
// holding its own lock.
package tlb
