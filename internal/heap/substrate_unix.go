//go:build unix

package heap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mmapSubstrate reserves its ceiling as a single anonymous, zero-filled
// mapping and grows only the logical high-water mark inside it, mirroring
// a real break/sbrk primitive without ever remapping or copying.
type mmapSubstrate struct {
	*regionState
}

func reserve(ceilingBytes uintptr) (Substrate, []byte, error) {
	buf, err := unix.Mmap(-1, 0, int(ceilingBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("heap: mmap %d bytes: %w", ceilingBytes, err)
	}

	return &mmapSubstrate{regionState: newRegionState(buf)}, buf, nil
}

// Extend advances the logical high-water mark by nBytes; the backing
// mapping is already fully committed, so no further syscall is needed.
func (m *mmapSubstrate) Extend(nBytes uintptr) (uintptr, error) {
	return m.extend(nBytes)
}
