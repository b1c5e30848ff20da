// Package allocerr provides the categorized error type used to report
// allocator invariant violations and other internal faults, in the style of
// the compiler's standardized error messaging.
package allocerr

import (
	"fmt"
	"runtime"
)

// Category classifies a Fault.
type Category string

const (
	// CategoryOOM marks a heap-extension failure.
	CategoryOOM Category = "OOM"
	// CategoryInvariant marks a structural invariant violation caught by
	// the checker.
	CategoryInvariant Category = "INVARIANT"
	// CategoryInput marks a caller misuse the allocator can detect (e.g. a
	// misaligned address passed where one is required).
	CategoryInput Category = "INPUT"
)

// Fault is a categorized allocator error carrying the call site that
// raised it.
type Fault struct {
	Category Category
	Code     string
	Message  string
	Caller   string
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return fmt.Sprintf("[%s:%s] %s (at %s)", f.Category, f.Code, f.Message, f.Caller)
}

// New builds a Fault, capturing the caller one frame above its own caller
// (i.e. the site that detected the fault, not New itself).
func New(category Category, code, message string) *Fault {
	return &Fault{
		Category: category,
		Code:     code,
		Message:  message,
		Caller:   callerSite(2),
	}
}

func callerSite(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}

	fn := runtime.FuncForPC(pc)
	name := "unknown"

	if fn != nil {
		name = fn.Name()
	}

	return fmt.Sprintf("%s (%s:%d)", name, file, line)
}

// Invariant builds a Fault for an invariant named by code (e.g.
// "I3_ADJACENT_FREE"), with message describing the offending block.
func Invariant(code, message string) *Fault {
	f := New(CategoryInvariant, code, message)
	f.Caller = callerSite(2)

	return f
}
