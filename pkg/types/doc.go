// Package types defines the error taxonomy shared by every allocator in the
// kmem memory core.
//
// Recoverable conditions are returned as values and carry an ErrKind so that
// callers can branch on intent rather than text:
//
//	addr, err := buddy.Alloc(order)
//	if errors.Is(err, types.ErrOutOfMemory) {
//	    // fall back to a smaller order
//	}
//
// Invariant violations (double free, out-of-range frame numbers, misaligned
// addresses) are never returned. They halt through the internal assert
// package instead.
//
// This package has no dependencies beyond the standard library.
package types
