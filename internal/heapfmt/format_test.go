package heapfmt

import (
	"testing"

	"github.com/selenia-project/segalloc/internal/heap"
)

func TestWriteThenCheckTagRoundTrips(t *testing.T) {
	a := heap.OpenPortable(64)
	addr, err := a.Extend(4)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}

	if err := WriteTag(a, addr); err != nil {
		t.Fatalf("WriteTag: %v", err)
	}

	if err := CheckTag(a, addr); err != nil {
		t.Fatalf("CheckTag: %v", err)
	}
}

func TestCheckTagRejectsIncompatibleMajor(t *testing.T) {
	a := heap.OpenPortable(64)
	addr, err := a.Extend(4)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}

	tag, err := Tag("2.0.0")
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}

	a.WriteHalf(addr, tag)

	if err := CheckTag(a, addr); err == nil {
		t.Fatal("expected CheckTag to reject an incompatible major version")
	}
}

func TestDecodeMatchesTag(t *testing.T) {
	tag, err := Tag("1.2.3")
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}

	if got := Decode(tag); got != "1.2.3" {
		t.Fatalf("Decode(Tag(%q)) = %q", "1.2.3", got)
	}
}
