package pagestore

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfPages is returned by Seize when both the free list and the
// unallocated-capacity cursor are exhausted (spec.md §4.1).
var ErrOutOfPages = errors.New("pagestore: out of pages")

// Store is an in-memory slab of Page values sized at startup from
// config.Config.Page8. It plays the role the teacher's
// `internal/storage/pager.Pager` buffer pool plays for B+Tree pages, but
// for this repo the whole slab lives resident (bucket pages are small and
// the spec's PageStore has no eviction policy of its own — eviction is an
// AdaptiveHash concern, not a PageStore one).
type Store struct {
	mu sync.Mutex

	pages    []Page
	freeHead ID // 0 = empty; else 1-based index into pages of the free list head
	cursor   int

	lcpReserveStart int // first page index carved out for LCP copy pages
	lcpFreeHead     ID
	lcpCursor       int
}

// New allocates a Store with capacity total pages, reserving lcpReserve of
// them in a disjoint sub-pool per spec.md §4.1 ("A separate LCP-page
// sub-pool is reserved at startup; LCP pages never mix with bucket/overflow
// pages").
func New(total, lcpReserve int) (*Store, error) {
	if lcpReserve > total {
		return nil, fmt.Errorf("pagestore: lcp reserve %d exceeds total %d", lcpReserve, total)
	}
	s := &Store{
		pages:           make([]Page, total),
		cursor:          0,
		lcpReserveStart: total - lcpReserve,
		lcpCursor:       total - lcpReserve,
	}
	return s, nil
}

// Seize returns a zeroed page reference from the bucket/overflow pool.
func (s *Store) Seize() (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seizeFrom(&s.freeHead, &s.cursor, 0, s.lcpReserveStart)
}

// Release returns a page to the bucket/overflow free list.
func (s *Store) Release(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseInto(&s.freeHead, id)
}

// SeizeLCP returns a zeroed page from the disjoint LCP copy-page sub-pool.
func (s *Store) SeizeLCP() (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seizeFrom(&s.lcpFreeHead, &s.lcpCursor, s.lcpReserveStart, len(s.pages))
}

// ReleaseLCP returns a page to the LCP sub-pool's free list.
func (s *Store) ReleaseLCP(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseInto(&s.lcpFreeHead, id)
}

func (s *Store) seizeFrom(head *ID, cursor *int, lo, hi int) (ID, error) {
	if *head != NilID {
		idx := int(*head) - 1
		next := ID(s.pages[idx].Words[wordFreeNext])
		*head = next
		s.pages[idx].zero(ID(idx + 1))
		return ID(idx + 1), nil
	}
	if *cursor < hi {
		idx := *cursor
		*cursor++
		s.pages[idx].zero(ID(idx + 1))
		return ID(idx + 1), nil
	}
	return NilID, ErrOutOfPages
}

func (s *Store) releaseInto(head *ID, id ID) {
	idx := int(id) - 1
	s.pages[idx].Words[wordFreeNext] = uint32(*head)
	*head = id
}

// Page returns a pointer to the live page backing id. The pointer is valid
// until the next Release of the same id; callers within a single-threaded
// block never observe use-after-release because release only happens at a
// signal boundary once all references have been dropped (spec.md §5).
func (s *Store) Page(id ID) *Page {
	if id == NilID {
		return nil
	}
	return &s.pages[int(id)-1]
}

// Len reports total capacity, including the LCP reserve.
func (s *Store) Len() int { return len(s.pages) }
