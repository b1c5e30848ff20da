package alloc

import "github.com/selenia-project/segalloc/internal/heap"

// PageStep is the default minimum heap growth per extension (spec PAGE_STEP).
const PageStep uintptr = 256

// DefaultCeiling bounds how large a Heap's backing region may grow across
// its lifetime, since the region is reserved once and never moved.
const DefaultCeiling uintptr = 1 << 30 // 1GiB

// Config controls a Heap's tunables, in the functional-options style used
// throughout this codebase.
type Config struct {
	// GrowthStep is PAGE_STEP: the minimum number of bytes requested from
	// the substrate on a single heap extension.
	GrowthStep uintptr
	// Ceiling bounds the substrate's reserved region.
	Ceiling uintptr
	// CheckOnEveryCall runs the invariant checker after every public
	// operation and panics on the first violation. Intended for tests and
	// debug builds; expensive on a hot path.
	CheckOnEveryCall bool
	// EnforceFormat stamps and verifies the heap-format version tag.
	EnforceFormat bool

	arena *heap.Arena
}

// Option configures a Heap at Open time.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		GrowthStep: PageStep,
		Ceiling:    DefaultCeiling,
	}
}

// WithGrowthStep overrides PAGE_STEP.
func WithGrowthStep(bytes uintptr) Option {
	return func(c *Config) { c.GrowthStep = bytes }
}

// WithCeiling overrides the substrate's reserved region size.
func WithCeiling(bytes uintptr) Option {
	return func(c *Config) { c.Ceiling = bytes }
}

// WithCheckOnEveryCall enables or disables the debug-mode invariant check
// after every public operation.
func WithCheckOnEveryCall(enabled bool) Option {
	return func(c *Config) { c.CheckOnEveryCall = enabled }
}

// WithFormatEnforcement enables or disables heap-format version stamping
// and verification.
func WithFormatEnforcement(enabled bool) Option {
	return func(c *Config) { c.EnforceFormat = enabled }
}

// WithArena injects an already-open Arena instead of letting Open reserve
// one from the platform substrate. Tests use this to run against
// heap.OpenPortable regardless of the host OS.
func WithArena(a *heap.Arena) Option {
	return func(c *Config) { c.arena = a }
}
