// Package heapfmt gives the heap's reserved alignment word a second job:
// carrying a small semver-compatible tag identifying the on-heap block
// layout revision, so a future incompatible layout change is caught at
// Open time instead of silently corrupting an existing region.
package heapfmt

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/selenia-project/segalloc/internal/heap"
)

// CurrentVersion is the layout revision this build writes.
const CurrentVersion = "1.0.0"

// CompatConstraint is the range of layout revisions this build can safely
// attach to.
const CompatConstraint = "^1.0.0"

// Tag packs a semver version into the 4-byte alignment word. Each of
// major/minor/patch occupies one byte, so versions above 255 in any
// component cannot be represented.
func Tag(version string) (uint32, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return 0, fmt.Errorf("heapfmt: invalid version %q: %w", version, err)
	}

	if v.Major() > 255 || v.Minor() > 255 || v.Patch() > 255 {
		return 0, fmt.Errorf("heapfmt: version %s does not fit the on-heap tag", version)
	}

	return uint32(v.Major())<<16 | uint32(v.Minor())<<8 | uint32(v.Patch()), nil
}

// Decode unpacks a tag back into a semver string.
func Decode(tag uint32) string {
	major := (tag >> 16) & 0xFF
	minor := (tag >> 8) & 0xFF
	patch := tag & 0xFF

	return fmt.Sprintf("%d.%d.%d", major, minor, patch)
}

// WriteTag stamps the current format version into the heap's alignment
// word at addr.
func WriteTag(a *heap.Arena, addr uintptr) error {
	tag, err := Tag(CurrentVersion)
	if err != nil {
		return err
	}

	a.WriteHalf(addr, tag)

	return nil
}

// CheckTag verifies the tag stamped at addr satisfies CompatConstraint.
func CheckTag(a *heap.Arena, addr uintptr) error {
	tag := a.ReadHalf(addr)

	versionStr := Decode(tag)

	v, err := semver.NewVersion(versionStr)
	if err != nil {
		return fmt.Errorf("heapfmt: on-heap tag %#x decodes to an invalid version: %w", tag, err)
	}

	c, err := semver.NewConstraint(CompatConstraint)
	if err != nil {
		return fmt.Errorf("heapfmt: invalid compatibility constraint %q: %w", CompatConstraint, err)
	}

	if !c.Check(v) {
		return fmt.Errorf("heapfmt: on-heap format %s is incompatible with %s", versionStr, CompatConstraint)
	}

	return nil
}
