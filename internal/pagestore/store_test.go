package pagestore

import "testing"

func TestSeizeReleaseReusesFreedPage(t *testing.T) {
	s, err := New(4, 1)
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.Seize()
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Seize()
	if err != nil {
		t.Fatal(err)
	}
	s.Release(a)
	c, err := s.Seize()
	if err != nil {
		t.Fatal(err)
	}
	if c != a {
		t.Fatalf("expected freed page %d to be reused, got %d", a, c)
	}
	if b == c {
		t.Fatalf("pages should be distinct")
	}
}

func TestSeizeExhaustsAndRefusesOutOfPages(t *testing.T) {
	s, err := New(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Seize(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Seize(); err != ErrOutOfPages {
		t.Fatalf("expected ErrOutOfPages, got %v", err)
	}
}

func TestLCPPoolIsDisjointFromBucketPool(t *testing.T) {
	s, err := New(4, 2)
	if err != nil {
		t.Fatal(err)
	}
	var bucketIDs []ID
	for i := 0; i < 2; i++ {
		id, err := s.Seize()
		if err != nil {
			t.Fatal(err)
		}
		bucketIDs = append(bucketIDs, id)
	}
	if _, err := s.Seize(); err != ErrOutOfPages {
		t.Fatalf("bucket pool should be exhausted, got %v", err)
	}
	lcpID, err := s.SeizeLCP()
	if err != nil {
		t.Fatalf("lcp pool should still have capacity: %v", err)
	}
	for _, b := range bucketIDs {
		if b == lcpID {
			t.Fatalf("lcp page overlaps bucket page id %d", b)
		}
	}
}

func TestPageZeroedOnSeize(t *testing.T) {
	s, _ := New(2, 0)
	id, _ := s.Seize()
	p := s.Page(id)
	p.Words[10] = 0xdeadbeef
	s.Release(id)
	id2, _ := s.Seize()
	p2 := s.Page(id2)
	if p2.Words[10] != 0 {
		t.Fatalf("expected reseized page to be zeroed, got %x", p2.Words[10])
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	s, _ := New(1, 0)
	id, _ := s.Seize()
	p := s.Page(id)
	p.Words[20] = 42
	p.Words[21] = 7
	p.UpdateChecksum()
	if !p.VerifyChecksum() {
		t.Fatal("expected checksum to verify")
	}
	p.Words[20] = 43
	if p.VerifyChecksum() {
		t.Fatal("expected checksum mismatch after corruption")
	}
}
