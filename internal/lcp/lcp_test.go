package lcp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/accstore/lhacc/internal/container"
	"github.com/accstore/lhacc/internal/directory"
	"github.com/accstore/lhacc/internal/fragment"
	"github.com/accstore/lhacc/internal/linhash"
	"github.com/accstore/lhacc/internal/pagestore"
	"github.com/accstore/lhacc/internal/undolog"
)

type memUndoBackend struct{ data []byte }

func (m *memUndoBackend) WriteGroup(compressed []byte) error {
	m.data = append(m.data, compressed...)
	return nil
}
func (m *memUndoBackend) Sync() error { return nil }

func newTestEngine(t *testing.T) (*Engine, *linhash.Index) {
	t.Helper()
	store, err := pagestore.New(32, 0)
	if err != nil {
		t.Fatal(err)
	}
	frag := &fragment.Fragment{
		ID:             1,
		LH:             fragment.LHParams{K: 2, P: 1, MaxP: 1, HashCheckBit: 3},
		LocalKeyLength: 1,
	}
	ix := &linhash.Index{
		Store:       store,
		BucketDir:   directory.New(),
		OverflowDir: directory.New(),
		Frag:        frag,
		Overflow:    fragment.NewOverflowArena(8),
	}
	ring, err := undolog.NewRing(&memUndoBackend{})
	if err != nil {
		t.Fatal(err)
	}
	eng := &Engine{
		Index:   ix,
		Ops:     fragment.NewOpArena(16),
		Undo:    ring,
		TableID: 7,
	}
	return eng, ix
}

func driveToDone(t *testing.T, eng *Engine, ckpt *Checkpoint) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		done, err := eng.Step(ckpt)
		if err != nil {
			t.Fatal(err)
		}
		if done {
			return
		}
	}
	t.Fatal("checkpoint did not finish within 1000 steps")
}

func TestCheckpointRoundTripsZeroPage(t *testing.T) {
	eng, ix := newTestEngine(t)

	page, slot := ix.PageAndSlot(ix.Frag.LH.P)
	pid, err := ix.EnsureBucketPage(page)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := container.InsertElement(ix, pid, slot, container.LeftHalf, container.SetUnlocked(5, 0), []uint32{99}); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	dataPath := filepath.Join(dir, "S1.DATA")
	ckpt, err := eng.StartCheckpoint(1, 1, 42, dataPath)
	if err != nil {
		t.Fatal(err)
	}
	driveToDone(t, eng, ckpt)

	if _, err := os.Stat(dataPath); err != nil {
		t.Fatalf("expected data file to exist: %v", err)
	}

	freshStore, err := pagestore.New(32, 0)
	if err != nil {
		t.Fatal(err)
	}
	recoverIx := &linhash.Index{
		Store:       freshStore,
		BucketDir:   directory.New(),
		OverflowDir: directory.New(),
		Frag:        &fragment.Fragment{LocalKeyLength: 1},
	}
	info, err := RecoverDataFile(recoverIx, dataPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.LH.K != ix.Frag.LH.K || info.LH.P != ix.Frag.LH.P || info.LH.MaxP != ix.Frag.LH.MaxP {
		t.Fatalf("LH params did not round-trip: got %+v", info.LH)
	}
	if info.NoOfElements != 1 || info.CommitCount != 42 {
		t.Fatalf("metadata did not round-trip: %+v", info)
	}
}

func TestCheckpointOnEmptyFragmentCompletes(t *testing.T) {
	eng, _ := newTestEngine(t)
	dir := t.TempDir()
	ckpt, err := eng.StartCheckpoint(1, 0, 0, filepath.Join(dir, "S1.DATA"))
	if err != nil {
		t.Fatal(err)
	}
	driveToDone(t, eng, ckpt)
	if ckpt.State != StateDone {
		t.Fatalf("expected StateDone, got %v", ckpt.State)
	}
}
