// Package fragment holds the per-fragment state of spec.md §3 (Fragment,
// root fragment, operation record, scan record, overflow record) and the
// "arena + indices" allocation pattern prescribed by spec.md §9: each pool
// is a bump-allocated slice addressed by 32-bit indices, removing the cyclic
// pointers a parallel/serial lock queue or a lock-owners list would
// otherwise need. Releasing a record zeroes it and links it into the
// arena's free list, the same shape as internal/pagestore's page free list,
// which is itself grounded on the teacher's
// `internal/storage/pager/freelist.go`.
package fragment

// Ref is a 1-based arena index; zero means "no record".
type Ref uint32

// NilRef is the sentinel for "no record".
const NilRef Ref = 0

// Arena is a generic bump-allocated pool of T addressed by Ref, with a
// free list threaded through a caller-supplied accessor pair so T need not
// itself expose a "next free" field publicly.
type Arena[T any] struct {
	items    []T
	freeHead Ref
	cursor   int
	nextFree func(*T) Ref
	setNext  func(*T, Ref)
	reset    func(*T)
}

// NewArena allocates an Arena with the given capacity and free-list
// plumbing functions.
func NewArena[T any](capacity int, nextFree func(*T) Ref, setNext func(*T, Ref), reset func(*T)) *Arena[T] {
	return &Arena[T]{
		items:    make([]T, capacity),
		nextFree: nextFree,
		setNext:  setNext,
		reset:    reset,
	}
}

// ErrArenaExhausted is returned by Alloc when the arena has no free slot
// and no unused capacity left.
type ErrArenaExhausted struct{ Kind string }

func (e ErrArenaExhausted) Error() string { return "fragment: " + e.Kind + " pool exhausted" }

// Alloc returns a fresh, reset record and its Ref.
func (a *Arena[T]) Alloc(kind string) (Ref, *T, error) {
	if a.freeHead != NilRef {
		idx := a.freeHead
		item := &a.items[idx-1]
		a.freeHead = a.nextFree(item)
		a.reset(item)
		return idx, item, nil
	}
	if a.cursor < len(a.items) {
		idx := Ref(a.cursor + 1)
		a.cursor++
		item := &a.items[idx-1]
		a.reset(item)
		return idx, item, nil
	}
	return NilRef, nil, ErrArenaExhausted{Kind: kind}
}

// Free returns ref to the arena's free list.
func (a *Arena[T]) Free(ref Ref) {
	item := &a.items[ref-1]
	a.reset(item)
	a.setNext(item, a.freeHead)
	a.freeHead = ref
}

// Get returns a pointer to the record at ref. Ref must be currently
// allocated; callers within this single-threaded design never hold a Ref
// across a Free of the same Ref.
func (a *Arena[T]) Get(ref Ref) *T {
	if ref == NilRef {
		return nil
	}
	return &a.items[ref-1]
}

// Len reports total capacity.
func (a *Arena[T]) Len() int { return len(a.items) }
