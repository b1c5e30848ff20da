package alloc

import (
	"testing"

	"github.com/selenia-project/segalloc/internal/heap"
)

func newTestHeap(t *testing.T, opts ...Option) *Heap {
	t.Helper()

	a := heap.OpenPortable(1 << 24)
	all := append([]Option{WithArena(a), WithCheckOnEveryCall(true)}, opts...)

	h, err := Open(all...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	return h
}

func TestAllocateOneBlockFromFreshHeap(t *testing.T) {
	h := newTestHeap(t)

	p := h.Allocate(24)
	if p == NoAddress {
		t.Fatal("Allocate(24) returned NoAddress")
	}

	if got := h.layout.Size(p); got != 32 {
		t.Fatalf("size(block(p)) = %d, want 32", got)
	}

	if !h.layout.Alloc(p) {
		t.Fatal("allocated block is not marked allocated")
	}
}

func TestAllocateSplitsLargeFreeBlock(t *testing.T) {
	h := newTestHeap(t, WithGrowthStep(4096))

	p := h.Allocate(64)
	if p == NoAddress {
		t.Fatal("Allocate(64) returned NoAddress")
	}

	asize := alignedSize(64)
	if got := h.layout.Size(p); got != asize {
		t.Fatalf("size(block(p)) = %d, want %d", got, asize)
	}

	// The remainder of the grown region must still be free and correctly
	// classed.
	rest := h.layout.NextBlock(p)
	if h.layout.Alloc(rest) {
		t.Fatal("remainder block is marked allocated")
	}
}

func TestFreeCoalescesWithBothNeighbors(t *testing.T) {
	h := newTestHeap(t, WithGrowthStep(4096))

	a := h.Allocate(32)
	b := h.Allocate(32)
	c := h.Allocate(32)

	h.Free(a)
	h.Free(c)

	sizeBefore := h.layout.Size(b)

	h.Free(b)

	// a, b, and c are contiguous, so a's address now heads the merged run.
	if h.layout.Alloc(a) {
		t.Fatalf("expected merged block at a's address to be free")
	}

	if got := h.layout.Size(a); got <= sizeBefore {
		t.Fatalf("merged block size %d did not grow past %d", got, sizeBefore)
	}
}

func TestLIFOOrderAtHeapLevel(t *testing.T) {
	h := newTestHeap(t, WithGrowthStep(4096))

	// A filler allocation separates each of x, y, z from its neighbors so
	// that freeing them does not coalesce them back into one block; the
	// point of this test is the free list's LIFO order, not coalescing.
	x := h.Allocate(40)
	fx := h.Allocate(16)
	y := h.Allocate(40)
	fy := h.Allocate(16)
	z := h.Allocate(40)
	fz := h.Allocate(16)

	_ = fx
	_ = fy
	_ = fz

	h.Free(x)
	h.Free(y)
	h.Free(z)

	asize := alignedSize(40)

	first := h.index.FindFit(asize)
	if first != z {
		t.Fatalf("first FindFit returned %#x, want z (%#x)", first, z)
	}

	h.place(first, asize)

	second := h.index.FindFit(asize)
	if second != y {
		t.Fatalf("second FindFit returned %#x, want y (%#x)", second, y)
	}
}

func TestBestFitInTopClassAtHeapLevel(t *testing.T) {
	h := newTestHeap(t, WithGrowthStep(1<<20))

	// Fillers keep a, b, and c from coalescing with each other or with the
	// trailing leftover block once freed, isolating the best-fit choice.
	a := h.Allocate(200000)
	fa := h.Allocate(16)
	b := h.Allocate(100000)
	fb := h.Allocate(16)
	c := h.Allocate(150000)
	fc := h.Allocate(16)

	_ = fa
	_ = fb
	_ = fc

	h.Free(a)
	h.Free(b)
	h.Free(c)

	want := b

	asize := alignedSize(90000)

	got := h.index.FindFit(asize)
	if got != want {
		t.Fatalf("FindFit(90000-ish) = %#x, want the 100000-byte block %#x", got, want)
	}
}

func TestReallocateGrowsAndPreservesPayload(t *testing.T) {
	h := newTestHeap(t, WithGrowthStep(4096))

	p := h.Allocate(16)

	data := h.arena.Bytes(p, 16)
	for i := range data {
		data[i] = byte(i + 1)
	}

	q := h.Reallocate(p, 256)
	if q == NoAddress {
		t.Fatal("Reallocate returned NoAddress")
	}

	got := h.arena.Bytes(q, 16)
	for i := range got {
		if got[i] != byte(i+1) {
			t.Fatalf("byte %d = %d, want %d (payload not preserved across Reallocate)", i, got[i], i+1)
		}
	}
}

func TestReallocateToZeroFrees(t *testing.T) {
	h := newTestHeap(t)

	p := h.Allocate(32)

	if got := h.Reallocate(p, 0); got != NoAddress {
		t.Fatalf("Reallocate(p, 0) = %#x, want NoAddress", got)
	}

	if err := h.Check(); err != nil {
		t.Fatalf("heap invariants broken after Reallocate-to-zero: %v", err)
	}
}

func TestReallocateFromNoAddressAllocates(t *testing.T) {
	h := newTestHeap(t)

	p := h.Reallocate(NoAddress, 48)
	if p == NoAddress {
		t.Fatal("Reallocate(NoAddress, 48) returned NoAddress")
	}
}

func TestCallocZeroesPayload(t *testing.T) {
	h := newTestHeap(t)

	p := h.Calloc(8, 4)
	if p == NoAddress {
		t.Fatal("Calloc(8, 4) returned NoAddress")
	}

	for _, b := range h.arena.Bytes(p, 32) {
		if b != 0 {
			t.Fatal("calloc'd payload is not zeroed")
		}
	}
}

func TestCallocRejectsOverflow(t *testing.T) {
	h := newTestHeap(t)

	const big = ^uintptr(0)/2 + 1

	if got := h.Calloc(big, 4); got != NoAddress {
		t.Fatalf("Calloc(overflowing) = %#x, want NoAddress", got)
	}
}

func TestAllocateZeroReturnsNoAddress(t *testing.T) {
	h := newTestHeap(t)

	if got := h.Allocate(0); got != NoAddress {
		t.Fatalf("Allocate(0) = %#x, want NoAddress", got)
	}
}

func TestFreeNoAddressIsNoop(t *testing.T) {
	h := newTestHeap(t)
	h.Free(NoAddress) // must not panic
}

func TestHeapRemainsConsistentAcrossManyOperations(t *testing.T) {
	h := newTestHeap(t, WithGrowthStep(512))

	var live []uintptr

	sizes := []uintptr{8, 24, 1, 500, 63, 128, 4000, 17}

	for round := 0; round < 3; round++ {
		for _, s := range sizes {
			p := h.Allocate(s)
			if p == NoAddress {
				t.Fatalf("Allocate(%d) failed", s)
			}

			live = append(live, p)
		}

		for i := 0; i < len(live); i += 2 {
			h.Free(live[i])
		}

		var kept []uintptr

		for i, p := range live {
			if i%2 != 0 {
				kept = append(kept, p)
			}
		}

		live = kept
	}

	if err := h.Check(); err != nil {
		t.Fatalf("invariants broken after mixed alloc/free workload: %v", err)
	}
}

func TestFormatEnforcementRoundTrips(t *testing.T) {
	a := heap.OpenPortable(1 << 16)

	h, err := Open(WithArena(a), WithFormatEnforcement(true))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := h.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}

	// Reopening against the same, already-initialized arena attaches instead
	// of re-initializing, and must pass the tag check the first Open stamped.
	h2, err := Open(WithArena(a), WithFormatEnforcement(true))
	if err != nil {
		t.Fatalf("Open (attach): %v", err)
	}

	if err := h2.Check(); err != nil {
		t.Fatalf("Check after attach: %v", err)
	}
}

func TestFormatEnforcementRejectsIncompatibleTag(t *testing.T) {
	a := heap.OpenPortable(1 << 16)

	if _, err := Open(WithArena(a), WithFormatEnforcement(true)); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Corrupt the stamped tag to a version CompatConstraint cannot accept.
	a.WriteHalf(a.Lo(), 2<<16)

	if _, err := Open(WithArena(a), WithFormatEnforcement(true)); err == nil {
		t.Fatal("expected Open to reject attaching to an incompatible format tag")
	}
}

func TestAttachWithoutFormatEnforcementSkipsTagCheck(t *testing.T) {
	a := heap.OpenPortable(1 << 16)

	if _, err := Open(WithArena(a)); err != nil {
		t.Fatalf("Open: %v", err)
	}

	h2, err := Open(WithArena(a))
	if err != nil {
		t.Fatalf("Open (attach, no format enforcement): %v", err)
	}

	if err := h2.Check(); err != nil {
		t.Fatalf("Check after attach: %v", err)
	}
}
