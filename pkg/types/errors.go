package types

// -----------------------------------------------------------------------------
// Typed Errors (stable categories for programmatic handling)
// -----------------------------------------------------------------------------

// ErrKind classifies errors so callers can branch on intent rather than text.
type ErrKind int

const (
	ErrKindOutOfMemory     ErrKind = iota // no suitable free block/region found
	ErrKindInvalidArgument                // zero size, order above the maximum, bad alignment value
	ErrKindNotMapped                      // virtual address has no leaf mapping
	ErrKindAlreadyMapped                  // mapping would overwrite a present entry
	ErrKindFormat                         // malformed memory-map input
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindOutOfMemory:
		return "out of memory"
	case ErrKindInvalidArgument:
		return "invalid argument"
	case ErrKindNotMapped:
		return "not mapped"
	case ErrKindAlreadyMapped:
		return "already mapped"
	case ErrKindFormat:
		return "bad format"
	default:
		return "unknown"
	}
}

// Error is a typed error with an optional underlying cause.
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error // optional underlying cause
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind, so errors built
// with a custom message still match the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels commonly returned by implementations.
var (
	// ErrOutOfMemory indicates that no free page, block or region satisfies the request.
	ErrOutOfMemory = &Error{Kind: ErrKindOutOfMemory, Msg: "out of memory"}
	// ErrInvalidArgument indicates a request that can never succeed (zero size, order too large).
	ErrInvalidArgument = &Error{Kind: ErrKindInvalidArgument, Msg: "invalid argument"}
	// ErrNotMapped indicates that a virtual address has no translation.
	ErrNotMapped = &Error{Kind: ErrKindNotMapped, Msg: "address not mapped"}
	// ErrAlreadyMapped indicates that the target entry is already present.
	ErrAlreadyMapped = &Error{Kind: ErrKindAlreadyMapped, Msg: "address already mapped"}
	// ErrBadMemoryMap indicates a malformed firmware memory map.
	ErrBadMemoryMap = &Error{Kind: ErrKindFormat, Msg: "malformed memory map"}
)
