package segindex

import (
	"testing"

	"github.com/selenia-project/segalloc/internal/block"
	"github.com/selenia-project/segalloc/internal/heap"
)

func newTestIndex(t *testing.T) (*heap.Arena, *block.Layout, *Index, uintptr) {
	t.Helper()

	a := heap.OpenPortable(1 << 20)

	anchor, err := a.Extend(TableBytes)
	if err != nil {
		t.Fatalf("Extend table: %v", err)
	}

	region, err := a.Extend(1 << 19)
	if err != nil {
		t.Fatalf("Extend region: %v", err)
	}

	l := block.New(a)
	ix := New(a, l, anchor)

	// A block's header sits in the half-word before its payload pointer, so
	// the first block starts one word into the region rather than at its
	// first byte, whose preceding half-word is the table's last slot.
	return a, l, ix, region + block.WordSize
}

func freeBlockAt(l *block.Layout, bp, size uintptr) uintptr {
	l.SetMeta(bp, size, false)

	return bp
}

func TestClassOfBoundaries(t *testing.T) {
	cases := []struct {
		size  uintptr
		class int
	}{
		{64, 0}, {127, 0}, {128, 1}, {255, 1}, {256, 2},
		{32767, 8}, {32768, 9}, {65535, 9}, {65536, 10}, {1 << 30, 10},
	}
	for _, c := range cases {
		if got := ClassOf(c.size); got != c.class {
			t.Errorf("ClassOf(%d) = %d, want %d", c.size, got, c.class)
		}
	}
}

func TestLIFOOrder(t *testing.T) {
	_, l, ix, region := newTestIndex(t)

	x := freeBlockAt(l, region, 80)
	y := freeBlockAt(l, region+80, 80)
	z := freeBlockAt(l, region+160, 80)

	ix.Insert(x)
	ix.Insert(y)
	ix.Insert(z)

	if got := ix.FindFit(80); got != z {
		t.Fatalf("first FindFit(80) = %#x, want z=%#x (last freed, first reused)", got, z)
	}

	ix.Remove(z)

	if got := ix.FindFit(80); got != y {
		t.Fatalf("second FindFit(80) = %#x, want y=%#x", got, y)
	}

	ix.Remove(y)

	if got := ix.FindFit(80); got != x {
		t.Fatalf("third FindFit(80) = %#x, want x=%#x", got, x)
	}
}

func TestBestFitInTopClass(t *testing.T) {
	_, l, ix, region := newTestIndex(t)

	bp := region
	b200k := freeBlockAt(l, bp, 200000)
	bp += 200000
	b100k := freeBlockAt(l, bp, 100000)
	bp += 100000
	b150k := freeBlockAt(l, bp, 150000)

	ix.Insert(b200k)
	ix.Insert(b100k)
	ix.Insert(b150k)

	if got := ix.FindFit(90000); got != b100k {
		t.Fatalf("FindFit(90000) = %#x, want the 100000-byte block %#x", got, b100k)
	}
}

func TestFindFitReturnsZeroWhenNoneQualify(t *testing.T) {
	_, l, ix, region := newTestIndex(t)

	ix.Insert(freeBlockAt(l, region, 64))

	if got := ix.FindFit(1 << 20); got != 0 {
		t.Fatalf("FindFit should return 0 when nothing qualifies, got %#x", got)
	}
}

func TestRemoveBothNeighbors(t *testing.T) {
	_, l, ix, region := newTestIndex(t)

	x := freeBlockAt(l, region, 64)
	y := freeBlockAt(l, region+64, 64)
	z := freeBlockAt(l, region+128, 64)

	ix.Insert(x)
	ix.Insert(y)
	ix.Insert(z) // list head order: z, y, x

	ix.Remove(y) // y has both a prev (z) and a next (x)

	if got := ix.Next(z); got != x {
		t.Fatalf("Next(z) = %#x, want x=%#x", got, x)
	}

	if got := ix.Prev(x); got != z {
		t.Fatalf("Prev(x) = %#x, want z=%#x", got, z)
	}
}

func TestRemovePrevOnly(t *testing.T) {
	_, l, ix, region := newTestIndex(t)

	x := freeBlockAt(l, region, 64)
	y := freeBlockAt(l, region+64, 64)

	ix.Insert(x)
	ix.Insert(y) // list: y, x (x is the tail, its only neighbor is prev=y)

	ix.Remove(x)

	if got := ix.Next(y); got != 0 {
		t.Fatalf("Next(y) = %#x, want 0 after removing the tail", got)
	}
}

func TestRemoveNextOnly(t *testing.T) {
	_, l, ix, region := newTestIndex(t)

	p := freeBlockAt(l, region, 64)
	q := freeBlockAt(l, region+64, 64)

	ix.Insert(p)
	ix.Insert(q) // list: q, p (q is the head, its only neighbor is next=p)

	ix.Remove(q)

	if got := ix.FindFit(64); got != p {
		t.Fatalf("FindFit(64) = %#x, want p=%#x after removing the head", got, p)
	}

	if got := ix.Prev(p); got != 0 {
		t.Fatalf("Prev(p) = %#x, want 0 after removing its only predecessor", got)
	}
}

func TestRemoveSingleton(t *testing.T) {
	_, l, ix, region := newTestIndex(t)

	x := freeBlockAt(l, region, 64)
	ix.Insert(x) // neither a prev nor a next

	ix.Remove(x)

	if got := ix.FindFit(64); got != 0 {
		t.Fatalf("FindFit(64) = %#x, want 0 after emptying the list", got)
	}
}
