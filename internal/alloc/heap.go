// Package alloc implements the allocator core: a contiguous, growable heap
// of packed blocks indexed by segregated free lists, exposing the classic
// four-function surface (Allocate, Free, Reallocate, Calloc) over it.
package alloc

import (
	"fmt"

	"github.com/selenia-project/segalloc/internal/block"
	"github.com/selenia-project/segalloc/internal/checker"
	"github.com/selenia-project/segalloc/internal/heap"
	"github.com/selenia-project/segalloc/internal/heapfmt"
	"github.com/selenia-project/segalloc/internal/segindex"
)

// NoAddress is the sentinel returned by Allocate, Calloc, and Reallocate
// when a request cannot (or need not) be satisfied. No real block ever
// starts at address 0, since the heap's prologue always precedes it.
const NoAddress uintptr = 0

// Stats is a point-in-time snapshot of a Heap's bookkeeping counters. The
// allocator is single-threaded by design, so these are plain counters
// rather than atomics.
type Stats struct {
	AllocationCount uint64
	FreeCount       uint64
	GrowthCount     uint64
	BytesInUse      uintptr
	HeapBytes       uintptr
}

// Heap is one independent allocator instance: an Arena, the block/index
// layers over it, and the bookkeeping needed to grow it and place requests.
type Heap struct {
	cfg    *Config
	arena  *heap.Arena
	layout *block.Layout
	index  *segindex.Index

	anchor       uintptr // FULL_HEAP: start of the class-heads table
	alignWord    uintptr // the reserved alignment/format-tag half-word
	firstBP      uintptr // payload pointer of the first real block, constant
	epilogueAddr uintptr // header address of the current epilogue

	stats Stats
}

// Open builds a new Heap: a pad half-word, the class-heads table, a
// prologue, and an epilogue, laid out so the first real block's payload
// pointer (once one exists) is always 8-byte aligned. No real block exists
// until the first Allocate call grows the heap.
func Open(opts ...Option) (*Heap, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	a := cfg.arena
	if a == nil {
		var err error

		a, err = heap.Open(cfg.Ceiling)
		if err != nil {
			return nil, fmt.Errorf("alloc: open substrate: %w", err)
		}
	}

	// An injected Arena that already has bytes committed (Hi past Lo) holds
	// a heap laid out by an earlier Open call against this same substrate;
	// attach to it instead of re-initializing over its contents.
	if a.Hi() > a.Lo() {
		return attach(cfg, a)
	}

	h := &Heap{cfg: cfg, arena: a}
	h.layout = block.New(a)

	alignWord, err := a.Extend(block.HalfWordSize)
	if err != nil {
		return nil, fmt.Errorf("alloc: reserve alignment word: %w", err)
	}

	h.alignWord = alignWord

	if cfg.EnforceFormat {
		if err := heapfmt.WriteTag(a, alignWord); err != nil {
			return nil, fmt.Errorf("alloc: stamp heap format: %w", err)
		}
	} else {
		a.WriteHalf(alignWord, 0)
	}

	anchor, err := a.Extend(segindex.TableBytes)
	if err != nil {
		return nil, fmt.Errorf("alloc: reserve class-heads table: %w", err)
	}

	h.anchor = anchor
	a.Zero(anchor, segindex.TableBytes)
	h.index = segindex.New(a, h.layout, anchor)

	prologueRegion, err := a.Extend(block.WordSize)
	if err != nil {
		return nil, fmt.Errorf("alloc: reserve prologue: %w", err)
	}

	prologueBP := prologueRegion + block.HalfWordSize
	h.layout.SetMeta(prologueBP, block.WordSize, true)

	epilogueRegion, err := a.Extend(block.HalfWordSize)
	if err != nil {
		return nil, fmt.Errorf("alloc: reserve epilogue: %w", err)
	}

	h.epilogueAddr = epilogueRegion
	block.WriteEpilogue(a, h.epilogueAddr)

	h.firstBP = h.layout.NextBlock(prologueBP)

	return h, nil
}

// attach rebuilds a Heap's bookkeeping over an Arena that already carries a
// previously initialized layout, rather than writing a fresh one. Every
// address it needs is derivable from the arena's current bounds: the
// alignment word sits at Lo, the class-heads table and prologue immediately
// follow it at fixed offsets, and the epilogue always occupies the last
// half-word of the committed region (growHeap never leaves anything past
// it). When EnforceFormat is set, the on-heap tag is checked against
// CompatConstraint and attaching fails rather than operating on an
// incompatible layout.
func attach(cfg *Config, a *heap.Arena) (*Heap, error) {
	h := &Heap{cfg: cfg, arena: a}
	h.layout = block.New(a)

	h.alignWord = a.Lo()

	if cfg.EnforceFormat {
		if err := heapfmt.CheckTag(a, h.alignWord); err != nil {
			return nil, fmt.Errorf("alloc: attach: %w", err)
		}
	}

	h.anchor = h.alignWord + block.HalfWordSize
	h.index = segindex.New(a, h.layout, h.anchor)

	prologueRegion := h.anchor + segindex.TableBytes
	prologueBP := prologueRegion + block.HalfWordSize

	h.firstBP = h.layout.NextBlock(prologueBP)
	h.epilogueAddr = a.Hi() - block.HalfWordSize

	return h, nil
}

// Allocate reserves at least nBytes of usable, 8-byte-aligned payload and
// returns its address, or NoAddress if nBytes is 0 or the heap cannot grow
// far enough to satisfy the request.
func (h *Heap) Allocate(nBytes uintptr) uintptr {
	if nBytes == 0 {
		return NoAddress
	}

	asize := alignedSize(nBytes)

	bp := h.index.FindFit(asize)
	if bp == 0 {
		growBy := asize
		if growBy < h.cfg.GrowthStep {
			growBy = h.cfg.GrowthStep
		}

		var err error

		bp, err = h.growHeap(growBy)
		if err != nil {
			return NoAddress
		}
	}

	addr := h.place(bp, asize)
	h.stats.AllocationCount++
	h.stats.BytesInUse += asize

	h.maybeCheck()

	return addr
}

// Free returns addr's block to its size class, coalescing with either
// neighbor that is itself free. Freeing NoAddress is a no-op.
func (h *Heap) Free(addr uintptr) {
	if addr == NoAddress {
		return
	}

	size := h.layout.Size(addr)
	h.layout.SetMeta(addr, size, false)
	h.coalesce(addr)

	h.stats.FreeCount++
	h.stats.BytesInUse -= size

	h.maybeCheck()
}

// Reallocate resizes the block at addr to hold nBytes, preserving the
// lesser of its old and new payload sizes. Reallocate(addr, 0) is
// equivalent to Free(addr); Reallocate(NoAddress, n) is equivalent to
// Allocate(n). The new block is always obtained before the old one is
// freed, so the source payload is never disturbed by a list edit before
// it has been copied out.
func (h *Heap) Reallocate(addr, nBytes uintptr) uintptr {
	if nBytes == 0 {
		h.Free(addr)
		return NoAddress
	}

	if addr == NoAddress {
		return h.Allocate(nBytes)
	}

	oldPayload := h.layout.Size(addr) - block.Overhead

	newAddr := h.Allocate(nBytes)
	if newAddr == NoAddress {
		return NoAddress
	}

	copyN := oldPayload
	if nBytes < copyN {
		copyN = nBytes
	}

	h.arena.CopyWithin(newAddr, addr, copyN)
	h.Free(addr)

	return newAddr
}

// Calloc allocates room for n elements of size bytes each and zeroes the
// payload before returning it. It returns NoAddress if n*size is 0, would
// overflow, or cannot be satisfied.
func (h *Heap) Calloc(n, size uintptr) uintptr {
	if n == 0 || size == 0 {
		return NoAddress
	}

	total := n * size
	if total/size != n {
		return NoAddress
	}

	addr := h.Allocate(total)
	if addr == NoAddress {
		return NoAddress
	}

	h.arena.Zero(addr, total)

	return addr
}

// Check runs the invariant checker over the heap's current state.
func (h *Heap) Check() error {
	return checker.Walk(checker.Params{
		Arena:   h.arena,
		Layout:  h.layout,
		Index:   h.index,
		FirstBP: h.firstBP,
	})
}

// Stats returns a snapshot of the heap's bookkeeping counters.
func (h *Heap) Stats() Stats {
	s := h.stats
	s.HeapBytes = h.arena.Hi() - h.arena.Lo()

	return s
}

func (h *Heap) maybeCheck() {
	if !h.cfg.CheckOnEveryCall {
		return
	}

	if err := h.Check(); err != nil {
		panic(err)
	}
}

// alignedSize computes the total on-heap size (header + payload + footer)
// for a request of nBytes, guaranteeing it is a multiple of 8, at least
// MinSize, and leaves at least nBytes of payload available to the caller
// (asize - block.Overhead >= nBytes). Every block carries both a header and
// a footer, so the full block.Overhead is billed here rather than just the
// header half-word; billing only the header can round a request down to
// fewer usable payload bytes than the caller asked for.
func alignedSize(nBytes uintptr) uintptr {
	asize := roundUp8(nBytes + block.Overhead)
	if asize < block.MinSize {
		asize = block.MinSize
	}

	return asize
}

func roundUp8(x uintptr) uintptr {
	return (x + (block.WordSize - 1)) &^ (block.WordSize - 1)
}

// place installs bp, a free block of at least asize bytes, as an allocated
// block. When the remainder is at least MinSize it is split off and
// re-filed, leaving bp exactly asize bytes; otherwise the whole block,
// remainder included, is allocated.
func (h *Heap) place(bp, asize uintptr) uintptr {
	total := h.layout.Size(bp)
	h.index.Remove(bp)

	leftover := total - asize
	if leftover >= block.MinSize {
		h.layout.SetMeta(bp, asize, true)

		rest := h.layout.NextBlock(bp)
		h.layout.SetMeta(rest, leftover, false)
		h.index.Insert(rest)

		return bp
	}

	h.layout.SetMeta(bp, total, true)

	return bp
}

// coalesce merges bp, an already-free block, with whichever neighbor (prev,
// next, both, or neither) is also free, filing the resulting block into its
// new class and returning its payload pointer. Neighbor sizes are read
// before any header in the merged run is rewritten, since NextBlock and
// PrevBlock both depend on still-accurate size fields.
func (h *Heap) coalesce(bp uintptr) uintptr {
	prevBP := h.layout.PrevBlock(bp)
	nextBP := h.layout.NextBlock(bp)
	prevFree := !h.layout.Alloc(prevBP)
	nextFree := !h.layout.Alloc(nextBP)
	size := h.layout.Size(bp)

	switch {
	case !prevFree && !nextFree:
		h.index.Insert(bp)
		return bp

	case !prevFree && nextFree:
		h.index.Remove(nextBP)
		size += h.layout.Size(nextBP)
		h.layout.SetMeta(bp, size, false)
		h.index.Insert(bp)

		return bp

	case prevFree && !nextFree:
		h.index.Remove(prevBP)
		size += h.layout.Size(prevBP)
		h.layout.SetMeta(prevBP, size, false)
		h.index.Insert(prevBP)

		return prevBP

	default: // both free
		h.index.Remove(prevBP)
		h.index.Remove(nextBP)
		size += h.layout.Size(prevBP) + h.layout.Size(nextBP)
		h.layout.SetMeta(prevBP, size, false)
		h.index.Insert(prevBP)

		return prevBP
	}
}

// growHeap extends the heap by at least nBytes, rounded to an even number
// of words, reusing the outgoing epilogue's header slot as the new free
// block's header and writing a fresh epilogue immediately after it. The new
// block is coalesced with its predecessor before being handed back, since
// growth always follows a failed FindFit and the preceding block, if any,
// is known to be too small on its own.
func (h *Heap) growHeap(nBytes uintptr) (uintptr, error) {
	words := (nBytes + block.WordSize - 1) / block.WordSize
	if words%2 != 0 {
		words++
	}

	rounded := words * block.WordSize

	base, err := h.arena.Extend(rounded)
	if err != nil {
		return 0, fmt.Errorf("alloc: grow heap by %d bytes: %w", rounded, err)
	}

	newBP := base
	h.layout.SetMeta(newBP, rounded, false)

	h.epilogueAddr = h.layout.NextBlock(newBP) - block.HalfWordSize
	block.WriteEpilogue(h.arena, h.epilogueAddr)

	h.stats.GrowthCount++

	return h.coalesce(newBP), nil
}
