// Package block encodes and decodes the allocator's packed block headers
// and footers and walks the implicit list of adjacent blocks. It performs
// no allocation of its own and holds no free-list knowledge; it only knows
// how to read and write the metadata of a single, already-located block.
package block

import "github.com/selenia-project/segalloc/internal/heap"

const (
	// HalfWordSize is the width of a header or footer metadata slot.
	HalfWordSize = 4
	// WordSize is the width of one heap word; block boundaries and payload
	// pointers are always aligned to it.
	WordSize = 8
	// MinSize is the smallest legal block size: a header, an 8-byte link
	// word (when free) or payload (when allocated), and a footer.
	MinSize = 16
	// Overhead is the number of bytes of every block's size that are not
	// available to its payload: the header and the footer.
	Overhead = 2 * HalfWordSize
)

// Layout reads and writes block metadata through an Arena.
type Layout struct {
	a *heap.Arena
}

// New returns a Layout over the given arena.
func New(a *heap.Arena) *Layout {
	return &Layout{a: a}
}

func pack(size uintptr, alloc bool) uint32 {
	w := uint32(size)
	if alloc {
		w |= 1
	}

	return w
}

func unpack(w uint32) (size uintptr, alloc bool) {
	return uintptr(w &^ 1), w&1 != 0
}

// HeaderAddr returns the address of bp's header half-word.
func HeaderAddr(bp uintptr) uintptr {
	return bp - HalfWordSize
}

// footerAddrFor returns the address of the footer half-word for a block of
// the given size starting at bp.
func footerAddrFor(bp, size uintptr) uintptr {
	return bp + size - WordSize
}

// Size decodes bp's size from its header.
func (l *Layout) Size(bp uintptr) uintptr {
	size, _ := unpack(l.a.ReadHalf(HeaderAddr(bp)))

	return size
}

// Alloc decodes bp's allocated bit from its header.
func (l *Layout) Alloc(bp uintptr) bool {
	_, alloc := unpack(l.a.ReadHalf(HeaderAddr(bp)))

	return alloc
}

// FooterAddr returns the address of bp's footer half-word, computed from
// its current header size.
func (l *Layout) FooterAddr(bp uintptr) uintptr {
	return footerAddrFor(bp, l.Size(bp))
}

// SetMeta writes bp's header and footer together so they never disagree.
func (l *Layout) SetMeta(bp, size uintptr, alloc bool) {
	w := pack(size, alloc)
	l.a.WriteHalf(HeaderAddr(bp), w)
	l.a.WriteHalf(footerAddrFor(bp, size), w)
}

// NextBlock returns the payload pointer of the block immediately following
// bp in address order.
func (l *Layout) NextBlock(bp uintptr) uintptr {
	return bp + l.Size(bp)
}

// PrevBlock returns the payload pointer of the block immediately preceding
// bp, by reading the preceding block's footer.
func (l *Layout) PrevBlock(bp uintptr) uintptr {
	prevSize, _ := unpack(l.a.ReadHalf(bp - WordSize))

	return bp - prevSize
}

// WriteEpilogue writes the zero-size, allocated epilogue signature at
// headerAddr. The epilogue has no footer; NextBlock is never called on it.
func WriteEpilogue(a *heap.Arena, headerAddr uintptr) {
	a.WriteHalf(headerAddr, pack(0, true))
}
