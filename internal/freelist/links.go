// Package freelist encodes and maintains the doubly-linked free-list
// pointers that live inside a free block's payload. The pointers are stored
// as 32-bit offsets relative to a fixed anchor rather than raw addresses, so
// a free block's first word (header aside) fits in 8 bytes.
package freelist

import "github.com/selenia-project/segalloc/internal/heap"

// Links reads and writes the next/prev offsets of a free block's link word.
// A valid in-heap block offset is never zero, so zero safely doubles as the
// list-end / no-predecessor sentinel.
type Links struct {
	a      *heap.Arena
	anchor uintptr
}

// New returns a Links view anchored at the given address, the first byte
// of the class-heads table (FULL_HEAP), against which every offset in this
// heap is computed.
func New(a *heap.Arena, anchor uintptr) *Links {
	return &Links{a: a, anchor: anchor}
}

// GetNext decodes the offset to the next free block in bp's class list, or
// 0 if bp is the tail.
func (f *Links) GetNext(bp uintptr) uintptr {
	return f.decode(f.a.ReadHalf(bp))
}

// GetPrev decodes the offset to the previous free block in bp's class
// list, or 0 if bp is the head.
func (f *Links) GetPrev(bp uintptr) uintptr {
	return f.decode(f.a.ReadHalf(bp + 4))
}

// SetNext points bp's next slot at q, or clears it if q is 0.
func (f *Links) SetNext(bp, q uintptr) {
	f.a.WriteHalf(bp, f.encode(q))
}

// SetPrev points bp's prev slot at q, or clears it if q is 0.
func (f *Links) SetPrev(bp, q uintptr) {
	f.a.WriteHalf(bp+4, f.encode(q))
}

func (f *Links) decode(off uint32) uintptr {
	if off == 0 {
		return 0
	}

	return f.anchor + uintptr(off)
}

func (f *Links) encode(addr uintptr) uint32 {
	if addr == 0 {
		return 0
	}

	return uint32(addr - f.anchor)
}
