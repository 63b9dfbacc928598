// Package directory implements the two-level directory-of-directories
// described in spec.md §3/§4.2: a DirRange maps the high bits of a logical
// page id to a Directory, which maps the low bits to a physical page
// reference. Separate Map instances are kept for bucket pages and overflow
// pages. The lazy-allocate-on-write / release-on-empty-tail discipline is
// grounded on the teacher's `internal/storage/pager/freelist.go`, which
// threads free-list pages the same way: allocate lazily, walk and release
// from the tail.
package directory

import "github.com/accstore/lhacc/internal/pagestore"

const (
	// RangeFanOut is the number of Directory slots per DirRange (spec.md
	// requires >= 256; 256 matches the spec's literal example).
	RangeFanOut = 256
	// DirFanOut is the number of page-ref slots per Directory.
	DirFanOut = 256
)

type directoryPage struct {
	refs [DirFanOut]pagestore.ID
	used int
}

type dirRange struct {
	dirs [RangeFanOut]*directoryPage
	used int
}

// Map is one two-level directory instance (bucket pages or overflow pages,
// one Map each, per the fragment that owns them).
type Map struct {
	ranges      [RangeFanOut]*dirRange
	lastOverIdx uint32 // highest logical index ever written, +1; tracks the tail
}

// New returns an empty two-level directory.
func New() *Map {
	return &Map{}
}

func split(logicalID uint32) (rangeIdx, dirIdx, slotIdx int) {
	rangeIdx = int(logicalID >> 16)
	dirIdx = int((logicalID >> 8) & 0xff)
	slotIdx = int(logicalID & 0xff)
	return
}

// GetPageRef returns the physical page reference for logicalID, or
// pagestore.NilID if the slot was never written.
func (m *Map) GetPageRef(logicalID uint32) pagestore.ID {
	r, d, s := split(logicalID)
	dr := m.ranges[r]
	if dr == nil {
		return pagestore.NilID
	}
	dp := dr.dirs[d]
	if dp == nil {
		return pagestore.NilID
	}
	return dp.refs[s]
}

// SetPageRef lazily allocates intermediate directories on first write, then
// stores ref at logicalID.
func (m *Map) SetPageRef(logicalID uint32, ref pagestore.ID) {
	r, d, s := split(logicalID)
	dr := m.ranges[r]
	if dr == nil {
		dr = &dirRange{}
		m.ranges[r] = dr
	}
	dp := dr.dirs[d]
	if dp == nil {
		dp = &directoryPage{}
		dr.dirs[d] = dp
		dr.used++
	}
	wasEmpty := dp.refs[s] == pagestore.NilID
	dp.refs[s] = ref
	if wasEmpty && ref != pagestore.NilID {
		dp.used++
	} else if !wasEmpty && ref == pagestore.NilID {
		dp.used--
	}
	if ref != pagestore.NilID && logicalID+1 > m.lastOverIdx {
		m.lastOverIdx = logicalID + 1
	}
}

// LastOverIndex returns the current tail bound: the lowest logical id known
// to be unallocated from this point forward.
func (m *Map) LastOverIndex() uint32 { return m.lastOverIdx }

// ReleaseRange walks directories upward from fromLogicalID to the current
// lastOverIdx and returns intermediate directories to the pool as they
// empty, matching
// spec.md §4.2's releaseRange behavior: "a release of a final intermediate
// directory decrements lastOverIndex and triggers sweeping of free-dir-index
// overflow records whose index is now beyond the tail." The onDirFreed
// callback lets internal/fragment sweep its free-dir-index overflow records.
func (m *Map) ReleaseRange(fromLogicalID uint32, onDirFreed func(freedLogicalBase uint32)) {
	for logicalID := fromLogicalID; logicalID < m.lastOverIdx; {
		r, d, _ := split(logicalID)
		dr := m.ranges[r]
		if dr == nil {
			logicalID += DirFanOut
			continue
		}
		dp := dr.dirs[d]
		if dp != nil && dp.used == 0 {
			dr.dirs[d] = nil
			dr.used--
			base := uint32(r)<<16 | uint32(d)<<8
			if onDirFreed != nil {
				onDirFreed(base)
			}
			if m.lastOverIdx > base && m.lastOverIdx <= base+DirFanOut {
				m.lastOverIdx = base
			}
			if dr.used == 0 {
				m.ranges[r] = nil
			}
		}
		logicalID += DirFanOut
	}
}
