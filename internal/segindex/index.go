// Package segindex owns the class-heads table and the per-class free lists
// built on top of it: mapping a size to its class, filing a free block into
// the head of its class list, unlinking one, and picking a fit for a
// request.
package segindex

import (
	"github.com/selenia-project/segalloc/internal/block"
	"github.com/selenia-project/segalloc/internal/freelist"
	"github.com/selenia-project/segalloc/internal/heap"
)

// TableBytes is the size in bytes of the class-heads table.
const TableBytes = NumClasses * heap.WordSize

// Index owns the class-heads table (in-heap, at anchor) and the per-class
// free lists whose link words it maintains through freelist.Links.
type Index struct {
	a      *heap.Arena
	l      *block.Layout
	f      *freelist.Links
	anchor uintptr // address of classHeads[0], i.e. FULL_HEAP
}

// New returns an Index whose class-heads table starts at anchor. The
// caller is responsible for having reserved TableBytes at anchor.
func New(a *heap.Arena, l *block.Layout, anchor uintptr) *Index {
	return &Index{
		a:      a,
		l:      l,
		f:      freelist.New(a, anchor),
		anchor: anchor,
	}
}

func (ix *Index) headAddr(class int) uintptr {
	return ix.anchor + uintptr(class)*heap.WordSize
}

func (ix *Index) head(class int) uintptr {
	return uintptr(ix.a.ReadWord(ix.headAddr(class)))
}

func (ix *Index) setHead(class int, bp uintptr) {
	ix.a.WriteWord(ix.headAddr(class), uint64(bp))
}

// Insert files bp, a free block, at the head of its size class (LIFO).
func (ix *Index) Insert(bp uintptr) {
	class := ClassOf(ix.l.Size(bp))
	old := ix.head(class)

	ix.f.SetPrev(bp, 0)
	ix.f.SetNext(bp, old)

	if old != 0 {
		ix.f.SetPrev(old, bp)
	}

	ix.setHead(class, bp)
}

// Remove unlinks bp from its size class's free list.
func (ix *Index) Remove(bp uintptr) {
	class := ClassOf(ix.l.Size(bp))
	prev := ix.f.GetPrev(bp)
	next := ix.f.GetNext(bp)

	switch {
	case prev != 0 && next != 0:
		ix.f.SetNext(prev, next)
		ix.f.SetPrev(next, prev)
	case prev != 0:
		ix.f.SetNext(prev, 0)
	case next != 0:
		ix.f.SetPrev(next, 0)
		ix.setHead(class, next)
	default:
		ix.setHead(class, 0)
	}
}

// FindFit searches for a free block able to satisfy size, per the
// allocator's placement policy: first-fit within classes k..NumClasses-2 in
// ascending class order, best-fit over the whole of the unbounded top
// class. It returns 0 if no block qualifies.
func (ix *Index) FindFit(size uintptr) uintptr {
	k := ClassOf(size)

	for class := k; class < NumClasses-1; class++ {
		for bp := ix.head(class); bp != 0; bp = ix.f.GetNext(bp) {
			if ix.l.Size(bp) >= size {
				return bp
			}
		}
	}

	var best uintptr

	var bestSize uintptr

	for bp := ix.head(NumClasses - 1); bp != 0; bp = ix.f.GetNext(bp) {
		s := ix.l.Size(bp)
		if s >= size && (best == 0 || s < bestSize) {
			best = bp
			bestSize = s
		}
	}

	return best
}

// Heads returns a snapshot of the NumClasses class-head addresses, used by
// the invariant checker to walk every list.
func (ix *Index) Heads() [NumClasses]uintptr {
	var heads [NumClasses]uintptr
	for c := 0; c < NumClasses; c++ {
		heads[c] = ix.head(c)
	}

	return heads
}

// Next exposes the free-list next pointer for callers (the checker) that
// need to walk a class list without mutating it.
func (ix *Index) Next(bp uintptr) uintptr { return ix.f.GetNext(bp) }

// Prev exposes the free-list prev pointer for the same reason.
func (ix *Index) Prev(bp uintptr) uintptr { return ix.f.GetPrev(bp) }

// Anchor returns the FULL_HEAP anchor address the index's offsets are
// computed against.
func (ix *Index) Anchor() uintptr { return ix.anchor }
