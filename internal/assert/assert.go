// Package assert implements the fatal path of the memory core. A failed
// check means allocator state is already corrupt, so it is never returned as
// an error: the violation is logged and the goroutine panics with a
// *Violation describing the condition, the caller's source location and the
// offending value.
package assert

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/joshuapare/kmem/internal/logger"
)

// Violation is the panic value raised for a broken invariant.
type Violation struct {
	Msg   string // Condition that failed
	File  string // Source file of the failing check
	Line  int
	Value any // Offending value, nil when not applicable
}

func (v *Violation) Error() string {
	loc := fmt.Sprintf("%s:%d", filepath.Base(v.File), v.Line)
	if v.Value != nil {
		return fmt.Sprintf("invariant violation at %s: %s (value: %v)", loc, v.Msg, v.Value)
	}
	return fmt.Sprintf("invariant violation at %s: %s", loc, v.Msg)
}

// That panics with msg unless cond holds.
func That(cond bool, msg string) {
	if !cond {
		fail(msg, nil)
	}
}

// Thatf panics with a formatted message unless cond holds.
func Thatf(cond bool, format string, args ...any) {
	if !cond {
		fail(fmt.Sprintf(format, args...), nil)
	}
}

// Value panics with msg and the offending value unless cond holds.
func Value(cond bool, msg string, value any) {
	if !cond {
		fail(msg, value)
	}
}

// Fail panics unconditionally.
func Fail(msg string, value any) {
	fail(msg, value)
}

func fail(msg string, value any) {
	// Skip fail and the exported wrapper.
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file, line = "unknown", 0
	}
	v := &Violation{Msg: msg, File: file, Line: line, Value: value}
	logger.Error("invariant violation", "msg", msg, "at", fmt.Sprintf("%s:%d", filepath.Base(file), line), "value", value)
	panic(v)
}
