package acc

import (
	"errors"
	"testing"

	"golang.org/x/text/language"

	"github.com/accstore/lhacc/internal/config"
	"github.com/accstore/lhacc/internal/fragment"
)

func newTestBlock(t *testing.T) *Block {
	t.Helper()
	cfg := config.Default()
	cfg.Page8 = 32
	cfg.OpRecs = 64
	cfg.OverflowRecs = 8
	cfg.Scan = 8
	b, err := NewBlock(Options{
		Config:    cfg,
		TableID:   1,
		FragID:    1,
		KeyWords:  2,
		Collation: language.Und,
		DataDir:   t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestInsertCommitThenReadRoundTrips(t *testing.T) {
	b := newTestBlock(t)
	tx1 := fragment.TxID{Node: 1, Seq: 1}

	insertRes, err := b.Insert(tx1, [][]byte{[]byte("alice")})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(insertRes.Op); err != nil {
		t.Fatal(err)
	}

	tx2 := fragment.TxID{Node: 2, Seq: 1}
	readRes, err := b.Read(tx2, [][]byte{[]byte("alice")}, true)
	if err != nil {
		t.Fatal(err)
	}
	if readRes.Elem != insertRes.Elem {
		t.Fatalf("expected read to land on the inserted element: got %+v want %+v", readRes.Elem, insertRes.Elem)
	}
	if err := b.Commit(readRes.Op); err != nil {
		t.Fatal(err)
	}
}

func TestCommitDecrementsSlackOnInsert(t *testing.T) {
	b := newTestBlock(t)
	before := b.Frag.LH.Slack

	tx := fragment.TxID{Node: 1, Seq: 1}
	res, err := b.Insert(tx, [][]byte{[]byte("carol")})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(res.Op); err != nil {
		t.Fatal(err)
	}
	// The insert drops slack by one, to below zero on a fresh fragment, so
	// the same commit runs one expand step, which adds MaxLoadFactor back.
	want := before - 1 + int64(b.Frag.LH.MaxLoadFactor)
	if b.Frag.LH.Slack != want {
		t.Fatalf("expected slack to drop by one on committed insert and rise by MaxLoadFactor on the expand it triggers: before=%d after=%d want=%d", before, b.Frag.LH.Slack, want)
	}
}

func TestReadOnMissingKeyFails(t *testing.T) {
	b := newTestBlock(t)
	tx := fragment.TxID{Node: 1, Seq: 1}
	_, err := b.Read(tx, [][]byte{[]byte("ghost")}, true)
	if err == nil {
		t.Fatal("expected an error for a missing key")
	}
}

func TestOperationsFailAfterClose(t *testing.T) {
	b := newTestBlock(t)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	tx := fragment.TxID{Node: 1, Seq: 1}
	_, err := b.Insert(tx, [][]byte{[]byte("dave")})
	if !errors.Is(err, ErrBlockClosed) {
		t.Fatalf("expected ErrBlockClosed, got %v", err)
	}
}

func TestScanSeesCommittedInserts(t *testing.T) {
	b := newTestBlock(t)
	for i, k := range []string{"a", "b", "c"} {
		tx := fragment.TxID{Node: 1, Seq: uint64(i + 1)}
		res, err := b.Insert(tx, [][]byte{[]byte(k)})
		if err != nil {
			t.Fatal(err)
		}
		if err := b.Commit(res.Op); err != nil {
			t.Fatal(err)
		}
	}

	ref, err := b.StartScan(fragment.LockShared, true)
	if err != nil {
		t.Fatal(err)
	}
	defer b.CloseScan(ref)

	seen := 0
	for i := 0; i < 100; i++ {
		_, done, rateLimited, err := b.NextScan(ref)
		if err != nil {
			t.Fatal(err)
		}
		if rateLimited {
			continue
		}
		if done {
			break
		}
		seen++
	}
	if seen != 3 {
		t.Fatalf("expected to scan 3 committed rows, saw %d", seen)
	}
}

func TestCheckpointRunsToCompletion(t *testing.T) {
	b := newTestBlock(t)
	tx := fragment.TxID{Node: 1, Seq: 1}
	res, err := b.Insert(tx, [][]byte{[]byte("eve")})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(res.Op); err != nil {
		t.Fatal(err)
	}

	if err := b.StartCheckpoint(); err != nil {
		t.Fatal(err)
	}
	if err := b.StartCheckpoint(); !errors.Is(err, ErrCheckpointInProgress) {
		t.Fatalf("expected ErrCheckpointInProgress for a second concurrent checkpoint, got %v", err)
	}

	for i := 0; i < 1000; i++ {
		done, err := b.CheckpointStep()
		if err != nil {
			t.Fatal(err)
		}
		if done {
			return
		}
	}
	t.Fatal("checkpoint did not finish within the step budget")
}

func TestCheckpointStepWithoutStartFails(t *testing.T) {
	b := newTestBlock(t)
	_, err := b.CheckpointStep()
	if !errors.Is(err, ErrNoCheckpointInProgress) {
		t.Fatalf("expected ErrNoCheckpointInProgress, got %v", err)
	}
}
