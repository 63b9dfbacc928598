package adaptivehash

import (
	"testing"

	"github.com/accstore/lhacc/internal/container"
)

func TestBuildThenGuessHits(t *testing.T) {
	c := New(4)
	cur := container.ElemRef{Page: 1, Slot: 2, Offset: 3}
	c.Build(42, cur)
	got, ok := c.Guess(42)
	if !ok || got != cur {
		t.Fatalf("got %+v, ok=%v", got, ok)
	}
	if c.Stats.Hits != 1 {
		t.Fatalf("expected 1 hit, got %d", c.Stats.Hits)
	}
}

func TestGuessMissOnUnknownFold(t *testing.T) {
	c := New(4)
	if _, ok := c.Guess(999); ok {
		t.Fatal("expected miss")
	}
	if c.Stats.Misses != 1 {
		t.Fatalf("expected 1 miss, got %d", c.Stats.Misses)
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c := New(4)
	c.Build(1, container.ElemRef{Page: 1})
	c.Invalidate(1)
	if _, ok := c.Guess(1); ok {
		t.Fatal("expected miss after invalidate")
	}
}

func TestEvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	c := New(2)
	c.Build(1, container.ElemRef{Page: 1})
	c.Build(2, container.ElemRef{Page: 2})
	c.Guess(1) // touch 1, making 2 the LRU victim
	c.Build(3, container.ElemRef{Page: 3})

	if _, ok := c.Guess(2); ok {
		t.Fatal("expected fold 2 to have been evicted")
	}
	if _, ok := c.Guess(1); !ok {
		t.Fatal("expected fold 1 to survive (recently used)")
	}
}
