// Package pagestore implements the fixed-size page slab described in
// spec.md §4.1: a slab of 8 KiB pages threaded into a free list through word
// zero of each free page, plus a cursor advancing through never-yet-used
// capacity, plus a disjoint sub-pool reserved for local-checkpoint copy
// pages. The layout mirrors the teacher's `internal/storage/pager/page.go`
// header-plus-CRC discipline; the free list mirrors
// `internal/storage/pager/freelist.go`'s chained-pages idea, collapsed from
// a multi-page free list into a single in-page "next free" word because the
// whole slab already lives in one arena.
package pagestore

import "hash/crc32"

const (
	// PageWords is the number of 4-byte words in one 8 KiB page.
	PageWords = 2048
	// HeaderWords is the fixed header size in words (spec §3).
	HeaderWords = 32
	// ContainerSlots is the number of 28-word container slots per page.
	ContainerSlots = 64
	// ContainerWords is the size in words of one container slot.
	ContainerWords = 28

	wordFreeNext  = 0 // word used to thread the free list when a page is free
	wordPageID    = 1
	wordPageType  = 2
	wordAllocCont = 3
	wordEmptyHead = 4 // packs left-empty idx / right-empty idx / page-type bit
	wordOverflow  = 5
	wordChecksum  = 6
)

// PageType distinguishes a normal bucket page from an overflow page.
type PageType uint32

const (
	PageTypeNormal PageType = iota
	PageTypeOverflow
	PageTypeLCP
)

// ID identifies a page within a PageStore's arena. Zero is never a valid
// allocated id; it marks "no page" the way a nil pointer would.
type ID uint32

// NilID is the sentinel for "no page".
const NilID ID = 0

// Page is one 8 KiB slab entry: a fixed word array plus the bookkeeping
// header fields named in spec.md §3. The header occupies the first
// HeaderWords words; callers of Container/Directory treat everything from
// HeaderWords onward as the 64 container slots.
type Page struct {
	Words [PageWords]uint32
}

func (p *Page) ID() ID      { return ID(p.Words[wordPageID]) }
func (p *Page) setID(id ID) { p.Words[wordPageID] = uint32(id) }

// Adopt overwrites p's contents with src's and restamps the id word to id,
// for internal/lcp's recovery path: a recovered page's on-disk id belongs
// to the checkpoint that wrote it, not the freshly seized slot it is being
// loaded into.
func (p *Page) Adopt(id ID, src *Page) {
	*p = *src
	p.setID(id)
}
func (p *Page) Type() PageType    { return PageType(p.Words[wordPageType]) }
func (p *Page) SetType(t PageType) {
	p.Words[wordPageType] = uint32(t)
}
func (p *Page) AllocContainers() uint32     { return p.Words[wordAllocCont] }
func (p *Page) SetAllocContainers(n uint32) { p.Words[wordAllocCont] = n }
func (p *Page) EmptyListHead() uint32       { return p.Words[wordEmptyHead] }
func (p *Page) SetEmptyListHead(v uint32)   { p.Words[wordEmptyHead] = v }
func (p *Page) OverflowRecRef() uint32      { return p.Words[wordOverflow] }
func (p *Page) SetOverflowRecRef(v uint32)  { p.Words[wordOverflow] = v }

// ContainerSlot returns the word slice for container slot i (0-based).
func (p *Page) ContainerSlot(i int) []uint32 {
	start := HeaderWords + i*ContainerWords
	return p.Words[start : start+ContainerWords]
}

// zero clears a page to its post-seize state: zeroed words, fresh id, normal
// type. Used by PageStore.seize so callers always observe spec.md's
// "zeroed page reference" contract.
func (p *Page) zero(id ID) {
	for i := range p.Words {
		p.Words[i] = 0
	}
	p.setID(id)
}

// UpdateChecksum recomputes the XOR checksum described in SPEC_FULL.md §12
// over every word of the page on each call; word writes do not update it.
// The checksum word itself is excluded from the accumulation, exactly as
// the invariant in spec.md §8 states (`checksum == xor of words with
// checksum==0`).
func (p *Page) UpdateChecksum() {
	var acc uint32
	for i, w := range p.Words {
		if i == wordChecksum {
			continue
		}
		acc ^= w
	}
	p.Words[wordChecksum] = acc
}

// VerifyChecksum reports whether the stored checksum matches a fresh
// recomputation, mirroring the teacher's pager/page.go VerifyPageCRC shape
// but using the XOR accumulator named above instead of CRC32-C, because
// spec.md §8 states the invariant in XOR terms.
func (p *Page) VerifyChecksum() bool {
	stored := p.Words[wordChecksum]
	var acc uint32
	for i, w := range p.Words {
		if i == wordChecksum {
			continue
		}
		acc ^= w
	}
	return acc == stored
}

// crcTable backs StreamCRC32C, independent of the in-memory XOR checksum
// above.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// StreamCRC32C computes the CRC32-Castagnoli of a page's raw bytes. The
// data files internal/lcp writes carry raw pages with no CRC trailer, and
// nothing in this repository calls this function.
func StreamCRC32C(words *[PageWords]uint32) uint32 {
	buf := make([]byte, 4)
	h := crc32.New(crcTable)
	for _, w := range words {
		buf[0] = byte(w)
		buf[1] = byte(w >> 8)
		buf[2] = byte(w >> 16)
		buf[3] = byte(w >> 24)
		h.Write(buf)
	}
	return h.Sum32()
}
