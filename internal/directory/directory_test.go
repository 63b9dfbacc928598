package directory

import (
	"testing"

	"github.com/accstore/lhacc/internal/pagestore"
)

func TestSetGetPageRef(t *testing.T) {
	m := New()
	if got := m.GetPageRef(42); got != pagestore.NilID {
		t.Fatalf("expected NilID for unwritten slot, got %v", got)
	}
	m.SetPageRef(42, pagestore.ID(7))
	if got := m.GetPageRef(42); got != pagestore.ID(7) {
		t.Fatalf("got %v, want 7", got)
	}
}

func TestSetPageRefSpansHighAndLowBits(t *testing.T) {
	m := New()
	// Exercise range/dir/slot split across a value touching all three
	// levels: range=1, dir=2, slot=3.
	id := uint32(1)<<16 | uint32(2)<<8 | uint32(3)
	m.SetPageRef(id, pagestore.ID(99))
	if got := m.GetPageRef(id); got != pagestore.ID(99) {
		t.Fatalf("got %v, want 99", got)
	}
	if m.LastOverIndex() != id+1 {
		t.Fatalf("lastOverIndex = %d, want %d", m.LastOverIndex(), id+1)
	}
}

func TestReleaseRangeFreesEmptyTailDirectories(t *testing.T) {
	m := New()
	m.SetPageRef(5, pagestore.ID(1))
	m.SetPageRef(5, pagestore.NilID) // empties the only slot in its directory

	var freedBases []uint32
	m.ReleaseRange(0, func(base uint32) {
		freedBases = append(freedBases, base)
	})
	if len(freedBases) != 1 {
		t.Fatalf("expected one freed directory, got %d", len(freedBases))
	}
}
