package opexec

import (
	"errors"
	"testing"

	"golang.org/x/text/language"

	"github.com/accstore/lhacc/internal/adaptivehash"
	"github.com/accstore/lhacc/internal/container"
	"github.com/accstore/lhacc/internal/directory"
	"github.com/accstore/lhacc/internal/fragment"
	"github.com/accstore/lhacc/internal/linhash"
	"github.com/accstore/lhacc/internal/lockqueue"
	"github.com/accstore/lhacc/internal/pagestore"
	"github.com/accstore/lhacc/internal/tuplemgr"
)

func newTestExecutor(t *testing.T) (*Executor, *fragment.Arena[fragment.OpRecord]) {
	t.Helper()
	store, err := pagestore.New(16, 0)
	if err != nil {
		t.Fatal(err)
	}
	frag := &fragment.Fragment{
		LH:             fragment.LHParams{K: 6, P: 0, MaxP: 0},
		LocalKeyLength: 2,
	}
	ix := &linhash.Index{
		Store:       store,
		BucketDir:   directory.New(),
		OverflowDir: directory.New(),
		Frag:        frag,
		Overflow:    fragment.NewOverflowArena(8),
	}
	ops := fragment.NewOpArena(32)
	locks := &lockqueue.Queue{Ops: ops, Frag: frag, Pages: ix, KeyWords: 2}
	ex := NewExecutor(ix, locks, adaptivehash.New(8), tuplemgr.NewInMemory(), 1, 1, 2, language.Und)
	return ex, ops
}

func TestInsertThenReadFindsSameElement(t *testing.T) {
	ex, ops := newTestExecutor(t)

	insertRes, err := ex.Execute(ops, Request{
		Kind:    fragment.OpInsert,
		Mode:    fragment.LockExclusive,
		Tx:      fragment.TxID{Node: 1, Seq: 1},
		Key:     [][]byte{[]byte("alice")},
		NFields: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if insertRes.Outcome != lockqueue.Success {
		t.Fatalf("expected Success, got %v", insertRes.Outcome)
	}
	if err := ex.Locks.Commit(insertRes.Op); err != nil {
		t.Fatal(err)
	}

	readRes, err := ex.Execute(ops, Request{
		Kind:    fragment.OpRead,
		Mode:    fragment.LockShared,
		Tx:      fragment.TxID{Node: 2, Seq: 1},
		Key:     [][]byte{[]byte("alice")},
		NFields: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if readRes.Elem != insertRes.Elem {
		t.Fatalf("expected read to land on the same element: got %+v want %+v", readRes.Elem, insertRes.Elem)
	}
}

func TestReadOnMissingKeyReturnsTupleNotFound(t *testing.T) {
	ex, ops := newTestExecutor(t)
	_, err := ex.Execute(ops, Request{
		Kind:    fragment.OpRead,
		Mode:    fragment.LockShared,
		Tx:      fragment.TxID{Node: 1, Seq: 1},
		Key:     [][]byte{[]byte("ghost")},
		NFields: 1,
	})
	if !errors.Is(err, ErrTupleNotFound) {
		t.Fatalf("expected ErrTupleNotFound, got %v", err)
	}
}

func TestCaseFoldNormalizesKeyBeforeFold(t *testing.T) {
	ex, ops := newTestExecutor(t)
	insertRes, err := ex.Execute(ops, Request{
		Kind:     fragment.OpInsert,
		Mode:     fragment.LockExclusive,
		Tx:       fragment.TxID{Node: 1, Seq: 1},
		Key:      [][]byte{[]byte("Alice")},
		NFields:  1,
		CaseFold: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.Locks.Commit(insertRes.Op); err != nil {
		t.Fatal(err)
	}

	readRes, err := ex.Execute(ops, Request{
		Kind:     fragment.OpRead,
		Mode:     fragment.LockShared,
		Tx:       fragment.TxID{Node: 2, Seq: 1},
		Key:      [][]byte{[]byte("ALICE")},
		NFields:  1,
		CaseFold: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if readRes.Elem != insertRes.Elem {
		t.Fatal("expected case-folded keys to collide onto the same element")
	}
}

func TestSecondReadAfterGuessHitsAdaptiveHash(t *testing.T) {
	ex, ops := newTestExecutor(t)
	insertRes, err := ex.Execute(ops, Request{
		Kind:    fragment.OpInsert,
		Mode:    fragment.LockExclusive,
		Tx:      fragment.TxID{Node: 1, Seq: 1},
		Key:     [][]byte{[]byte("bob")},
		NFields: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.Locks.Commit(insertRes.Op); err != nil {
		t.Fatal(err)
	}

	fold := container.Fold([][]byte{[]byte("bob")}, 1, 0, 0)
	ex.Hash.Build(fold, insertRes.Elem)

	before := ex.Hash.Stats.Hits
	res, err := ex.Execute(ops, Request{
		Kind:    fragment.OpRead,
		Mode:    fragment.LockShared,
		Tx:      fragment.TxID{Node: 3, Seq: 1},
		Key:     [][]byte{[]byte("bob")},
		NFields: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ex.Hash.Stats.Hits != before+1 {
		t.Fatalf("expected a cache hit, got hits=%d (was %d)", ex.Hash.Stats.Hits, before)
	}
	if res.Elem != insertRes.Elem {
		t.Fatal("expected guess-validated read to land on the same element")
	}
}
