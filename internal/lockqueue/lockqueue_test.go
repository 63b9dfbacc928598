package lockqueue

import (
	"testing"

	"github.com/accstore/lhacc/internal/container"
	"github.com/accstore/lhacc/internal/fragment"
	"github.com/accstore/lhacc/internal/pagestore"
)

type provider struct{ store *pagestore.Store }

func (p *provider) Page(id pagestore.ID) *pagestore.Page { return p.store.Page(id) }
func (p *provider) FreeSlotOnPage(page pagestore.ID) int {
	pg := p.store.Page(page)
	for i := 1; i < pagestore.ContainerSlots; i++ {
		if pg.ContainerSlot(i)[0]&0x3f == 0 {
			return i
		}
	}
	return -1
}
func (p *provider) NewOverflowPage(from pagestore.ID) (pagestore.ID, error) {
	return p.store.Seize()
}

func setup(t *testing.T) (*Queue, *provider, container.ElemRef) {
	t.Helper()
	store, err := pagestore.New(4, 0)
	if err != nil {
		t.Fatal(err)
	}
	page, err := store.Seize()
	if err != nil {
		t.Fatal(err)
	}
	pp := &provider{store: store}
	ref, err := container.InsertElement(pp, page, 0, container.LeftHalf, container.SetUnlocked(0x99, 0), []uint32{7})
	if err != nil {
		t.Fatal(err)
	}
	q := &Queue{
		Ops:      fragment.NewOpArena(16),
		Frag:     &fragment.Fragment{},
		Pages:    pp,
		KeyWords: 1,
	}
	return q, pp, ref
}

func mkOp(q *Queue, kind fragment.OpKind, mode fragment.LockMode, tx fragment.TxID) fragment.Ref {
	r, o, err := q.Ops.Alloc("op")
	if err != nil {
		panic(err)
	}
	o.Kind = kind
	o.Mode = mode
	o.Tx = tx
	return r
}

func TestWriteThenReadsQueueAndDrainInOrder(t *testing.T) {
	q, _, ref := setup(t)

	txA := fragment.TxID{Node: 1, Seq: 1}
	txB := fragment.TxID{Node: 2, Seq: 1}
	txC := fragment.TxID{Node: 3, Seq: 1}

	a := mkOp(q, fragment.OpUpdate, fragment.LockExclusive, txA)
	out, err := q.Arrive(ref, a, false)
	if err != nil || out != Success {
		t.Fatalf("A arrive: out=%v err=%v", out, err)
	}

	b := mkOp(q, fragment.OpRead, fragment.LockShared, txB)
	out, err = q.Arrive(ref, b, false)
	if err != nil || out != Blocked {
		t.Fatalf("B arrive: expected Blocked, got out=%v err=%v", out, err)
	}

	c := mkOp(q, fragment.OpRead, fragment.LockShared, txC)
	out, err = q.Arrive(ref, c, false)
	if err != nil || out != Blocked {
		t.Fatalf("C arrive: expected Blocked, got out=%v err=%v", out, err)
	}

	if err := q.Commit(a); err != nil {
		t.Fatal(err)
	}

	hdr := container.HeaderAt(q.Pages, ref)
	if !hdr.IsLocked() {
		t.Fatal("expected B to now own the lock")
	}
	if fragment.Ref(hdr.OpIndex()) != b {
		t.Fatalf("expected B to be promoted to owner, got op %d", hdr.OpIndex())
	}
}

func TestInsertBehindDeleteFromSameTxConvertsToInsert(t *testing.T) {
	q, _, ref := setup(t)
	tx := fragment.TxID{Node: 1, Seq: 1}

	del := mkOp(q, fragment.OpDelete, fragment.LockExclusive, tx)
	if out, err := q.Arrive(ref, del, false); err != nil || out != Success {
		t.Fatalf("delete arrive: out=%v err=%v", out, err)
	}

	ins := mkOp(q, fragment.OpInsert, fragment.LockExclusive, tx)
	if out, err := q.Arrive(ref, ins, false); err != nil || out != Success {
		t.Fatalf("insert-behind-delete arrive: out=%v err=%v", out, err)
	}
}

func TestInsertBehindNonDeleteSameTxIsError(t *testing.T) {
	q, _, ref := setup(t)
	tx := fragment.TxID{Node: 1, Seq: 1}

	upd := mkOp(q, fragment.OpUpdate, fragment.LockExclusive, tx)
	if out, err := q.Arrive(ref, upd, false); err != nil || out != Success {
		t.Fatalf("update arrive: out=%v err=%v", out, err)
	}

	ins := mkOp(q, fragment.OpInsert, fragment.LockExclusive, tx)
	if _, err := q.Arrive(ref, ins, false); err != ErrInvalidInsert {
		t.Fatalf("expected ErrInvalidInsert, got %v", err)
	}
}

func TestDeleteCommitPhysicallyRemovesElement(t *testing.T) {
	q, pp, ref := setup(t)
	tx := fragment.TxID{Node: 1, Seq: 1}

	del := mkOp(q, fragment.OpDelete, fragment.LockExclusive, tx)
	if out, err := q.Arrive(ref, del, false); err != nil || out != Success {
		t.Fatalf("delete arrive: out=%v err=%v", out, err)
	}
	q.Ops.Get(del).LocalKey = []uint32{7}

	var deallocated [][]uint32
	q.Dealloc = func(k []uint32) { deallocated = append(deallocated, k) }

	if err := q.Commit(del); err != nil {
		t.Fatal(err)
	}
	if len(deallocated) != 1 {
		t.Fatalf("expected one deallocation, got %d", len(deallocated))
	}

	if _, _, err := container.GetElement(pp, ref.Page, ref.Slot, ref.Half, 1, matchKey{7}); err != container.ErrNotFound {
		t.Fatalf("expected element physically removed, got err=%v", err)
	}
}

type matchKey struct{ v uint32 }

func (m matchKey) Match(ref container.ElemRef, e container.Element) (bool, bool, error) {
	return len(e.LocalKey) == 1 && e.LocalKey[0] == m.v, e.Header.IsLocked(), nil
}
