// Package checker walks a heap's implicit block list and its segregated
// free lists, verifying the structural invariants the rest of the
// allocator relies on. Its rules are not an optional diagnostic bolted on
// after the fact (they are the allocator's invariants, written down as
// code). It must only ever be called at a quiescent point: before or after
// a public allocator operation, never from inside coalesce or a list edit.
package checker

import (
	"fmt"

	"github.com/selenia-project/segalloc/internal/allocerr"
	"github.com/selenia-project/segalloc/internal/block"
	"github.com/selenia-project/segalloc/internal/heap"
	"github.com/selenia-project/segalloc/internal/segindex"
)

// Params names everything the checker needs to walk one heap.
type Params struct {
	Arena *heap.Arena
	Layout *block.Layout
	Index *segindex.Index
	// FirstBP is the payload pointer of the first real block, immediately
	// after the prologue.
	FirstBP uintptr
}

// Walk verifies the structural invariants documented in the package doc: the
// implicit block list is well-formed, every free block appears in exactly
// one segregated class list and nowhere else, and no two free blocks are
// ever adjacent. It returns the first violation found, or nil if the heap
// is consistent.
func Walk(p Params) error {
	if err := checkPrologue(p); err != nil {
		return err
	}

	freeByWalk, err := checkImplicitList(p)
	if err != nil {
		return err
	}

	freeByLists, err := checkFreeLists(p)
	if err != nil {
		return err
	}

	return crossCheckFreeSets(freeByWalk, freeByLists)
}

func checkPrologue(p Params) error {
	prologueBP := p.Layout.PrevBlock(p.FirstBP)

	if size := p.Layout.Size(prologueBP); size != 8 {
		return allocerr.Invariant("I7_PROLOGUE_SIGNATURE",
			fmt.Sprintf("prologue at %#x has size %d, want 8", prologueBP, size))
	}

	if !p.Layout.Alloc(prologueBP) {
		return allocerr.Invariant("I7_PROLOGUE_SIGNATURE",
			fmt.Sprintf("prologue at %#x is not marked allocated", prologueBP))
	}

	return nil
}

// checkImplicitList walks every block from FirstBP to the epilogue in
// address order, checking I1-I3 and I6's alignment clause, and returns the
// set of free block addresses it saw.
func checkImplicitList(p Params) (map[uintptr]bool, error) {
	free := make(map[uintptr]bool)

	lo, hi := p.Arena.Lo(), p.Arena.Hi()
	prevAlloc := true // the prologue is always allocated

	bp := p.FirstBP
	for {
		// The epilogue's header is the heap's last half-word, so its payload
		// pointer is exactly hi; real blocks are checked against their span
		// once the epilogue has been ruled out below.
		if bp < lo || bp > hi {
			return nil, allocerr.Invariant("I6_OUT_OF_RANGE",
				fmt.Sprintf("block %#x lies outside heap [%#x, %#x)", bp, lo, hi))
		}

		if bp%block.WordSize != 0 {
			return nil, allocerr.Invariant("I6_MISALIGNED",
				fmt.Sprintf("block %#x is not %d-byte aligned", bp, block.WordSize))
		}

		size := p.Layout.Size(bp)
		alloc := p.Layout.Alloc(bp)

		if size == 0 {
			if !alloc {
				return nil, allocerr.Invariant("I7_EPILOGUE_SIGNATURE",
					fmt.Sprintf("epilogue at %#x is not marked allocated", bp))
			}

			return free, nil
		}

		if bp+size-block.HalfWordSize > hi {
			return nil, allocerr.Invariant("I6_OUT_OF_RANGE",
				fmt.Sprintf("block %#x of size %d extends past heap end %#x", bp, size, hi))
		}

		headerWord := p.Arena.ReadHalf(block.HeaderAddr(bp))
		footerWord := p.Arena.ReadHalf(p.Layout.FooterAddr(bp))

		if headerWord != footerWord {
			return nil, allocerr.Invariant("I1_HEADER_FOOTER_MISMATCH",
				fmt.Sprintf("block %#x: header %#x != footer %#x", bp, headerWord, footerWord))
		}

		if size%block.WordSize != 0 || size < block.MinSize {
			return nil, allocerr.Invariant("I2_BAD_SIZE",
				fmt.Sprintf("block %#x has size %d, want a multiple of %d that is >= %d", bp, size, block.WordSize, block.MinSize))
		}

		if !alloc {
			if !prevAlloc {
				return nil, allocerr.Invariant("I3_ADJACENT_FREE",
					fmt.Sprintf("block %#x is free and its predecessor is also free", bp))
			}

			free[bp] = true
		}

		prevAlloc = alloc
		bp = p.Layout.NextBlock(bp)
	}
}

// checkFreeLists walks every class list, checking I4-I6, and returns the
// set of free block addresses it saw.
func checkFreeLists(p Params) (map[uintptr]bool, error) {
	seen := make(map[uintptr]bool)
	lo, hi := p.Arena.Lo(), p.Arena.Hi()
	heads := p.Index.Heads()

	for class, head := range heads {
		if head != 0 && p.Index.Prev(head) != 0 {
			return nil, allocerr.Invariant("I5_HEAD_HAS_PREV",
				fmt.Sprintf("class %d head %#x has a non-zero prev", class, head))
		}

		prev := uintptr(0)

		for bp := head; bp != 0; bp = p.Index.Next(bp) {
			if bp < lo || bp >= hi {
				return nil, allocerr.Invariant("I6_OUT_OF_RANGE",
					fmt.Sprintf("free-list node %#x in class %d lies outside heap [%#x, %#x)", bp, class, lo, hi))
			}

			if bp%block.WordSize != 0 {
				return nil, allocerr.Invariant("I6_MISALIGNED",
					fmt.Sprintf("free-list node %#x in class %d is not %d-byte aligned", bp, class, block.WordSize))
			}

			if seen[bp] {
				return nil, allocerr.Invariant("I4_DUPLICATE_MEMBERSHIP",
					fmt.Sprintf("block %#x appears more than once across the free lists", bp))
			}

			seen[bp] = true

			if got := segindex.ClassOf(p.Layout.Size(bp)); got != class {
				return nil, allocerr.Invariant("I4_WRONG_CLASS",
					fmt.Sprintf("block %#x has size %d mapping to class %d, but lives in class %d", bp, p.Layout.Size(bp), got, class))
			}

			if p.Index.Prev(bp) != prev {
				return nil, allocerr.Invariant("I5_BROKEN_LINK",
					fmt.Sprintf("block %#x: prev=%#x, want %#x", bp, p.Index.Prev(bp), prev))
			}

			prev = bp
		}
	}

	return seen, nil
}

func crossCheckFreeSets(byWalk, byLists map[uintptr]bool) error {
	for bp := range byWalk {
		if !byLists[bp] {
			return allocerr.Invariant("I4_MISSING_FROM_LIST",
				fmt.Sprintf("free block %#x is not present in any class list", bp))
		}
	}

	for bp := range byLists {
		if !byWalk[bp] {
			return allocerr.Invariant("I4_NOT_ACTUALLY_FREE",
				fmt.Sprintf("block %#x is on a free list but its header marks it allocated", bp))
		}
	}

	return nil
}
