package undolog

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/dsnet/golib/memfile"
	"github.com/klauspost/compress/zstd"
)

// memBackend adapts an in-memory memfile.File to the Backend interface,
// exercising group writes without touching disk.
type memBackend struct {
	f *memfile.File
}

func newMemBackend() *memBackend {
	return &memBackend{f: memfile.New(nil)}
}

func (m *memBackend) WriteGroup(compressed []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(compressed)))
	if _, err := m.f.Write(hdr[:]); err != nil {
		return err
	}
	_, err := m.f.Write(compressed)
	return err
}

func (m *memBackend) Sync() error { return nil }

func (m *memBackend) bytes() []byte {
	if _, err := m.f.Seek(0, io.SeekStart); err != nil {
		panic(err)
	}
	data, err := io.ReadAll(m.f)
	if err != nil {
		panic(err)
	}
	return data
}

func TestAppendWithinOneGroupDoesNotFlush(t *testing.T) {
	b := newMemBackend()
	r, err := NewRing(b)
	if err != nil {
		t.Fatal(err)
	}
	rec := NewPageInfo(Header{TableID: 1, RootFragID: 2, LocalFragID: 0}, 7, make([]byte, 64))
	if _, err := r.Append(rec); err != nil {
		t.Fatal(err)
	}
	if r.GroupsFlushed() != 0 {
		t.Fatalf("expected no flush yet, got %d groups", r.GroupsFlushed())
	}
	if len(b.bytes()) != 0 {
		t.Fatal("backend should not have received any bytes yet")
	}
}

func TestFlushWritesOneGroupDecodableBack(t *testing.T) {
	b := newMemBackend()
	r, err := NewRing(b)
	if err != nil {
		t.Fatal(err)
	}
	h := Header{TableID: 1, RootFragID: 2, LocalFragID: 1, LCPID: 9}
	a1, err := r.Append(NewPageInfo(h, 5, []byte("prior-image-one")))
	if err != nil {
		t.Fatal(err)
	}
	h.PrevUndoAddress = a1
	if _, err := r.Append(NewOpInfo(h, 2, 0xdead, []uint32{1, 2, 3})); err != nil {
		t.Fatal(err)
	}
	if err := r.Flush(); err != nil {
		t.Fatal(err)
	}
	if r.GroupsFlushed() != 1 {
		t.Fatalf("expected 1 flushed group, got %d", r.GroupsFlushed())
	}

	groups, err := ReadGroups(bytes.NewReader(b.bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(groups[0], nil)
	if err != nil {
		t.Fatal(err)
	}
	recs := DecodeGroup(raw)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Header.Kind != KindPageInfo || recs[1].Header.Kind != KindOpInfo {
		t.Fatalf("unexpected record kinds: %v %v", recs[0].Header.Kind, recs[1].Header.Kind)
	}
	if recs[1].Header.PrevUndoAddress != a1 {
		t.Fatalf("expected second record to chain to %d, got %d", a1, recs[1].Header.PrevUndoAddress)
	}

	opKind, hash, localKey := DecodeOpInfo(recs[1].Payload)
	if opKind != 2 || hash != 0xdead || len(localKey) != 3 || localKey[2] != 3 {
		t.Fatalf("unexpected decoded OpInfo: %d %x %v", opKind, hash, localKey)
	}
}

func TestWalkFollowsChainBackward(t *testing.T) {
	h := Header{TableID: 1}
	r1 := NewPageInfo(h, 1, nil)
	h.PrevUndoAddress = 0
	addrs := GroupAddrs(0, []Record{r1})
	h.PrevUndoAddress = addrs[0]
	r2 := NewOpInfo(h, 1, 1, nil)

	recs := []Record{r1, r2}
	allAddrs := GroupAddrs(0, recs)

	var visited []Kind
	Walk(recs, allAddrs, allAddrs[len(allAddrs)-1], func(rec Record) bool {
		visited = append(visited, rec.Header.Kind)
		return true
	})
	if len(visited) != 2 || visited[0] != KindOpInfo || visited[1] != KindPageInfo {
		t.Fatalf("unexpected walk order: %v", visited)
	}
}

func TestBackpressureThresholdsOrderCorrectly(t *testing.T) {
	b := newMemBackend()
	r, err := NewRing(b)
	if err != nil {
		t.Fatal(err)
	}
	if !r.AdmitCommit() || !r.AdmitOperation() || !r.AdmitExpand() {
		t.Fatal("expected all admits to pass on an empty ring")
	}
	big := make([]byte, groupBytes-ZMinUndoPagesAtExpand*undoPageBytes+1)
	if _, err := r.Append(NewPageInfo(Header{}, 1, big)); err != nil {
		t.Fatal(err)
	}
	if r.AdmitExpand() {
		t.Fatal("expected expand to be denied once free pages drop below ZMinUndoPagesAtExpand")
	}
	if !r.AdmitOperation() {
		t.Fatal("expected operation admit to still pass at a looser threshold")
	}
}
