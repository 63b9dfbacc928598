// Package adaptivehash implements the process-wide fold→cursor cache of
// spec.md §4.8: a heuristically built and torn down cache, protected by one
// shared/exclusive latch, that is never persisted and whose entries are
// best-effort guesses validated before use. Grounded on the teacher's
// `internal/storage/bufferpool.go` LRU/CacheStats shape, repurposed from
// whole-table caching to per-fold cursor caching.
package adaptivehash

import (
	"container/list"
	"sync"

	"github.com/accstore/lhacc/internal/container"
)

// BuildThreshold is the running-counter-vs-record-count ratio that triggers
// a build for a page, per spec.md §4.8's "hash-potential" heuristic.
const BuildThreshold = 4

// Stats mirrors the teacher's CacheStats hit/miss/eviction counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Builds    uint64
	Drops     uint64
	Evictions uint64
}

type entry struct {
	fold   uint32
	cursor container.ElemRef
	elem   *list.Element
}

// Cache is the process-wide fold→cursor map. Capacity bounds memory use;
// the least-recently-used entry is evicted when a build would exceed it,
// mirroring the teacher's LRUQueue eviction policy.
type Cache struct {
	mu       sync.RWMutex
	capacity int
	entries  map[uint32]*entry
	lru      *list.List

	// potential tracks the per-page running counter the spec describes
	// ("a running counter crosses a threshold relative to the page's
	// current record count"), keyed by page-identifying fold prefix.
	potential map[uint32]int

	Stats Stats
}

// New returns an empty Cache with the given maximum entry count.
func New(capacity int) *Cache {
	return &Cache{
		capacity:  capacity,
		entries:   make(map[uint32]*entry),
		lru:       list.New(),
		potential: make(map[uint32]int),
	}
}

// Guess performs guessOnHash's lookup half (spec.md §4.8): probe under a
// shared latch, return the cached cursor if present. Callers MUST validate
// the guess against the live element before trusting it (opexec.Executor
// does this immediately after calling Guess).
func (c *Cache) Guess(fold uint32) (container.ElemRef, bool) {
	c.mu.RLock()
	e, ok := c.entries[fold]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		c.Stats.Misses++
		c.mu.Unlock()
		return container.ElemRef{}, false
	}
	c.mu.Lock()
	c.lru.MoveToFront(e.elem)
	c.Stats.Hits++
	c.mu.Unlock()
	return e.cursor, true
}

// NotePotential records one more consecutive search whose recommended
// nFields/nBytes matched the actual match depth at pageRecordCount records.
// When the running counter crosses BuildThreshold relative to
// pageRecordCount, the counter is reset and true is returned; the caller
// then calls Build itself.
func (c *Cache) NotePotential(fold uint32, pageRecordCount int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.potential[fold]++
	if pageRecordCount > 0 && c.potential[fold] >= BuildThreshold*pageRecordCount {
		delete(c.potential, fold)
		return true
	}
	return false
}

// Build inserts or refreshes a fold→cursor entry, evicting the
// least-recently-used entry first if the cache is at capacity.
func (c *Cache) Build(fold uint32, cursor container.ElemRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[fold]; ok {
		e.cursor = cursor
		c.lru.MoveToFront(e.elem)
		return
	}
	if c.capacity > 0 && len(c.entries) >= c.capacity {
		back := c.lru.Back()
		if back != nil {
			victim := back.Value.(*entry)
			delete(c.entries, victim.fold)
			c.lru.Remove(back)
			c.Stats.Evictions++
		}
	}
	e := &entry{fold: fold, cursor: cursor}
	e.elem = c.lru.PushFront(e)
	c.entries[fold] = e
	c.Stats.Builds++
}

// Invalidate removes an entry: spec.md §4.8 drops entries "when a page is
// released, when an element is deleted, or when the page's fold
// recommendation changes", and opexec.Executor calls this on any
// mispredicted guess.
func (c *Cache) Invalidate(fold uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fold]
	if !ok {
		return
	}
	delete(c.entries, fold)
	c.lru.Remove(e.elem)
	c.Stats.Drops++
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
