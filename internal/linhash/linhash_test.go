package linhash

import (
	"testing"

	"github.com/accstore/lhacc/internal/container"
	"github.com/accstore/lhacc/internal/directory"
	"github.com/accstore/lhacc/internal/fragment"
	"github.com/accstore/lhacc/internal/pagestore"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	store, err := pagestore.New(16, 0)
	if err != nil {
		t.Fatal(err)
	}
	frag := &fragment.Fragment{
		LH: fragment.LHParams{
			K:             2,
			P:             0,
			MaxP:          0,
			HashCheckBit:  2,
			MaxLoadFactor: 0.8,
			MinLoadFactor: 0.2,
		},
		LocalKeyLength: 1,
	}
	return &Index{
		Store:       store,
		BucketDir:   directory.New(),
		OverflowDir: directory.New(),
		Frag:        frag,
		Overflow:    fragment.NewOverflowArena(8),
	}
}

func TestBucketAddressWithinInitialRange(t *testing.T) {
	ix := newTestIndex(t)
	// With p=0, maxp=0, k=2: hi = (h>>2)&0 = 0 always (since p==0 routes
	// only hi<p never true because p=0), so bucket = low = h & 3.
	for h := uint32(0); h < 8; h++ {
		b := ix.BucketAddress(h)
		if b != h&3 {
			t.Fatalf("hash %d: bucket %d, want %d", h, b, h&3)
		}
	}
}

func TestExpandMovesBitSetElements(t *testing.T) {
	ix := newTestIndex(t)

	senderPage, senderSlot := ix.PageAndSlot(0)
	pid, err := ix.EnsureBucketPage(senderPage)
	if err != nil {
		t.Fatal(err)
	}

	// Remainder with bit 2 set moves; without, stays.
	moving := container.SetUnlocked(0b0100, 0)
	staying := container.SetUnlocked(0b0000, 0)

	if _, err := container.InsertElement(ix, pid, senderSlot, container.LeftHalf, moving, []uint32{1}); err != nil {
		t.Fatal(err)
	}
	if _, err := container.InsertElement(ix, pid, senderSlot, container.LeftHalf, staying, []uint32{2}); err != nil {
		t.Fatal(err)
	}

	if err := ix.Expand(); err != nil {
		t.Fatal(err)
	}

	// p started at 0 with maxp 0; after the step p becomes 1, which is
	// > maxp, so it wraps back to 0 and maxp doubles to 1.
	if ix.Frag.LH.P != 0 {
		t.Fatalf("expected p to wrap back to 0 after expand, got %d", ix.Frag.LH.P)
	}
	if ix.Frag.LH.MaxP != 1 {
		t.Fatalf("expected maxp to become 1, got %d", ix.Frag.LH.MaxP)
	}

	recvPage, recvSlot := ix.PageAndSlot(1) // maxp(0)+p(0)+1 = 1
	recvPageID := ix.BucketDir.GetPageRef(recvPage)
	if recvPageID == pagestore.NilID {
		t.Fatal("expected receiver page to be allocated")
	}

	var recvKeys []uint32
	err = container.ForEachElement(ix, recvPageID, recvSlot, container.LeftHalf, 1, func(ref container.ElemRef, e container.Element) (bool, error) {
		recvKeys = append(recvKeys, e.LocalKey[0])
		return true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(recvKeys) != 1 || recvKeys[0] != 1 {
		t.Fatalf("expected receiver to hold key [1], got %v", recvKeys)
	}

	var senderKeys []uint32
	err = container.ForEachElement(ix, pid, senderSlot, container.LeftHalf, 1, func(ref container.ElemRef, e container.Element) (bool, error) {
		senderKeys = append(senderKeys, e.LocalKey[0])
		return true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(senderKeys) != 1 || senderKeys[0] != 2 {
		t.Fatalf("expected sender to retain key [2], got %v", senderKeys)
	}
}

func TestExpandWrapsPAndBumpsMaxP(t *testing.T) {
	ix := newTestIndex(t)
	ix.Frag.LH.P = 0
	ix.Frag.LH.MaxP = 0

	if err := ix.Expand(); err != nil {
		t.Fatal(err)
	}
	if ix.Frag.LH.P != 0 {
		t.Fatalf("expected p to wrap to 0, got %d", ix.Frag.LH.P)
	}
	if ix.Frag.LH.MaxP != 1 {
		t.Fatalf("expected maxp to become 1 (2*0+1), got %d", ix.Frag.LH.MaxP)
	}
	if ix.Frag.LH.HashCheckBit != 3 {
		t.Fatalf("expected hashCheckBit incremented to 3, got %d", ix.Frag.LH.HashCheckBit)
	}
}
