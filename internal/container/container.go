// Package container implements the record-container layout within one
// page, per spec.md §4.3: each of a page's 64 slots holds an independent
// LEFT container (header at word 0 of the slot, elements growing forward)
// and RIGHT container (header at the slot's last word, elements growing
// backward), which can coalesce into one container owning the whole slot.
// Chains that outgrow a single page continue onto the page's one overflow
// continuation (spec.md §4.9's OverPageInfo page), addressed through the
// page header's OverflowRecRef.
//
// The grow-from-both-ends-of-a-fixed-slot layout and the tombstone/compact
// discipline on delete are grounded on the teacher's
// `internal/storage/pager/slotted_page.go`; the chained-continuation-page
// idea mirrors `internal/storage/pager/overflow.go`.
package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/accstore/lhacc/internal/pagestore"
)

// ZUP_LIMIT and ZDOWN_LIMIT are the ownership-transfer thresholds of
// spec.md §4.3, in words.
const (
	ZUpLimit   = 14
	ZDownLimit = 12

	headWords  = 1 // ZCON_HEAD_SIZE
	slotWords  = pagestore.ContainerWords
	maxKeyWords = 2
)

// Half identifies which end of a 28-word slot a container occupies.
type Half uint8

const (
	LeftHalf Half = iota
	RightHalf
)

// NextType is the 2-bit "next-container-type" field: none, or continue
// into the LEFT half or RIGHT half of the next container in the chain.
type NextType uint8

const (
	NextNone NextType = iota
	NextLeft
	NextRight
)

// ErrNoFreeContainer is returned when neither the same page nor a new
// overflow page could supply a free container.
var ErrNoFreeContainer = errors.New("container: no free container available")

// ErrNotFound is returned by GetElement when no element matches.
var ErrNotFound = errors.New("container: element not found")

// head packs one half's header fields.
type head struct {
	length        uint8
	nextType      NextType
	nextSamePage  bool
	dualOwnership bool
	nextRef       uint8 // slot index of the next container, meaning depends on nextSamePage
}

func packHead(h head) uint32 {
	v := uint32(h.length) & 0x3f
	v |= uint32(h.nextType&0x3) << 6
	if h.nextSamePage {
		v |= 1 << 8
	}
	if h.dualOwnership {
		v |= 1 << 9
	}
	v |= uint32(h.nextRef&0x7f) << 10
	return v
}

func unpackHead(v uint32) head {
	return head{
		length:        uint8(v & 0x3f),
		nextType:      NextType((v >> 6) & 0x3),
		nextSamePage:  v&(1<<8) != 0,
		dualOwnership: v&(1<<9) != 0,
		nextRef:       uint8((v >> 10) & 0x7f),
	}
}

func headWordIndex(half Half) int {
	if half == LeftHalf {
		return 0
	}
	return slotWords - 1
}

func getHead(slot []uint32, half Half) head {
	return unpackHead(slot[headWordIndex(half)])
}

func setHead(slot []uint32, half Half, h head) {
	slot[headWordIndex(half)] = packHead(h)
}

// elemRange returns the element word area for half, given the other half's
// current length and whether this half owns the other half entirely.
func elemRange(slot []uint32, half Half, h head) []uint32 {
	if half == LeftHalf {
		lo := headWords
		hi := slotWords - headWords
		if h.dualOwnership {
			hi = slotWords
		}
		return slot[lo:hi]
	}
	lo := headWords
	hi := slotWords - headWords
	if h.dualOwnership {
		lo = 0
	}
	return slot[lo:hi]
}

// ElemRef addresses one element: its page, slot index, half, and word
// offset within the half's element area (0-based, in element-growth order).
type ElemRef struct {
	Page   pagestore.ID
	Slot   int
	Half   Half
	Offset int
}

// IsZero reports whether r is the zero value (no element).
func (r ElemRef) IsZero() bool { return r.Page == pagestore.NilID }

// PageProvider gives Container access to pages and the ability to grow a
// chain onto a new slot or a new overflow page. Implemented by
// internal/linhash, which owns PageStore and Directory.
type PageProvider interface {
	Page(id pagestore.ID) *pagestore.Page
	// FreeSlotOnPage returns the index of a slot on page with a free half,
	// or -1 if none.
	FreeSlotOnPage(page pagestore.ID) int
	// NewOverflowPage seizes and links a fresh overflow page as the
	// continuation of page, returning its id.
	NewOverflowPage(fromPage pagestore.ID) (pagestore.ID, error)
}

// Element is one stored (header, localkey) pair.
type Element struct {
	Header   ElementHeader
	LocalKey []uint32
}

func elemLen(keyWords int) int { return 1 + keyWords }

// readElement reads the element starting at logical offset off within the
// half's element area (growth-order indexed, so callers never need to know
// which physical direction the half grows).
func readElement(area []uint32, half Half, off, keyWords int) Element {
	hdr, key := physicalSlice(area, half, off, elemLen(keyWords))
	e := Element{Header: ElementHeader(hdr[0]), LocalKey: append([]uint32(nil), key...)}
	return e
}

// physicalSlice maps a (offset, length) in growth order to the physical
// sub-slice, splitting it into the header word and the remaining words.
func physicalSlice(area []uint32, half Half, off, length int) (hdrWord []uint32, rest []uint32) {
	if half == LeftHalf {
		return area[off : off+1], area[off+1 : off+length]
	}
	n := len(area)
	start := n - off - length
	return area[start+length-1 : start+length], area[start : start+length-1]
}

func writeElement(area []uint32, half Half, off int, e Element) {
	length := elemLen(len(e.LocalKey))
	hdrWord, rest := physicalSlice(area, half, off, length)
	hdrWord[0] = uint32(e.Header)
	copy(rest, e.LocalKey)
}

// InsertElement walks the chain starting at (startPage, startSlot, startHalf)
// and inserts (hdr, key), growing the chain onto a new container or a new
// overflow page if every reachable container is full.
func InsertElement(pp PageProvider, startPage pagestore.ID, startSlot int, startHalf Half, hdr ElementHeader, key []uint32) (ElemRef, error) {
	needed := elemLen(len(key))
	page, slotIdx, half := startPage, startSlot, startHalf
	for {
		p := pp.Page(page)
		slot := p.ContainerSlot(slotIdx)
		h := getHead(slot, half)
		other := otherHead(slot, half)

		budget := slotWords - 2*headWords
		if h.dualOwnership {
			budget = slotWords - headWords
		} else if other.length > 0 && !otherOwnsThis(slot, half) {
			budget = slotWords - headWords - int(other.length) - headWords
		}

		if int(h.length)+needed <= budget {
			area := elemRange(slot, half, h)
			off := int(h.length)
			writeElement(area, half, off, Element{Header: hdr, LocalKey: key})
			h.length += uint8(needed)
			if int(h.length) >= ZUpLimit && other.length == 0 {
				h.dualOwnership = true
			}
			setHead(slot, half, h)
			return ElemRef{Page: page, Slot: slotIdx, Half: half, Offset: off}, nil
		}

		if h.nextType != NextNone {
			if h.nextSamePage {
				slotIdx = int(h.nextRef)
			} else {
				next, err := chaseOverflow(pp, page)
				if err != nil {
					return ElemRef{}, err
				}
				page = next
				slotIdx = int(h.nextRef)
			}
			half = nextHalfOf(h.nextType)
			continue
		}

		// Chain exhausted: grow it.
		freeSlot := pp.FreeSlotOnPage(page)
		if freeSlot >= 0 {
			h.nextType = NextLeft
			h.nextSamePage = true
			h.nextRef = uint8(freeSlot)
			setHead(slot, half, h)
			page, slotIdx, half = page, freeSlot, LeftHalf
			continue
		}
		newPage, err := pp.NewOverflowPage(page)
		if err != nil {
			return ElemRef{}, fmt.Errorf("container: grow chain: %w", err)
		}
		h.nextType = NextLeft
		h.nextSamePage = false
		h.nextRef = 0
		setHead(slot, half, h)
		page, slotIdx, half = newPage, 0, LeftHalf
	}
}

func nextHalfOf(t NextType) Half {
	if t == NextLeft {
		return LeftHalf
	}
	return RightHalf
}

func otherHalf(half Half) Half {
	if half == LeftHalf {
		return RightHalf
	}
	return LeftHalf
}

func otherHead(slot []uint32, half Half) head {
	return getHead(slot, otherHalf(half))
}

func otherOwnsThis(slot []uint32, half Half) bool {
	return getHead(slot, otherHalf(half)).dualOwnership
}

func chaseOverflow(pp PageProvider, page pagestore.ID) (pagestore.ID, error) {
	p := pp.Page(page)
	ref := pagestore.ID(p.OverflowRecRef())
	if ref == pagestore.NilID {
		return pagestore.NilID, errors.New("container: chain claims next page but overflow ref is nil")
	}
	return ref, nil
}

// Matcher compares the element at ref against a target key, resolving a
// locked element's remainder through an operation-pool lookup when needed.
type Matcher interface {
	// Match reports whether the element matches, and whether it is
	// currently locked.
	Match(ref ElemRef, e Element) (matched bool, locked bool, err error)
}

// GetElement walks the chain from (startPage, startSlot, startHalf) looking
// for the first element Matcher accepts.
func GetElement(pp PageProvider, startPage pagestore.ID, startSlot int, startHalf Half, keyWords int, m Matcher) (ElemRef, bool, error) {
	page, slotIdx, half := startPage, startSlot, startHalf
	for {
		p := pp.Page(page)
		slot := p.ContainerSlot(slotIdx)
		h := getHead(slot, half)
		area := elemRange(slot, half, h)
		for off := 0; off < int(h.length); off += elemLen(keyWords) {
			e := readElement(area, half, off, keyWords)
			ref := ElemRef{Page: page, Slot: slotIdx, Half: half, Offset: off}
			matched, locked, err := m.Match(ref, e)
			if err != nil {
				return ElemRef{}, false, err
			}
			if matched {
				return ref, locked, nil
			}
		}
		if h.nextType == NextNone {
			return ElemRef{}, false, ErrNotFound
		}
		if h.nextSamePage {
			slotIdx = int(h.nextRef)
		} else {
			next, err := chaseOverflow(pp, page)
			if err != nil {
				return ElemRef{}, false, err
			}
			page = next
			slotIdx = int(h.nextRef)
		}
		half = nextHalfOf(h.nextType)
	}
}

// HeaderAt returns the element header stored at ref without touching the
// rest of the element, letting LockQueue flip an element between Locked and
// Unlocked in place.
func HeaderAt(pp PageProvider, ref ElemRef) ElementHeader {
	p := pp.Page(ref.Page)
	slot := p.ContainerSlot(ref.Slot)
	h := getHead(slot, ref.Half)
	area := elemRange(slot, ref.Half, h)
	hdrWord, _ := physicalSlice(area, ref.Half, ref.Offset, 1)
	return ElementHeader(hdrWord[0])
}

// SetHeaderAt overwrites the element header stored at ref in place.
func SetHeaderAt(pp PageProvider, ref ElemRef, hdr ElementHeader) {
	p := pp.Page(ref.Page)
	slot := p.ContainerSlot(ref.Slot)
	h := getHead(slot, ref.Half)
	area := elemRange(slot, ref.Half, h)
	hdrWord, _ := physicalSlice(area, ref.Half, ref.Offset, 1)
	hdrWord[0] = uint32(hdr)
}

// ForEachElement walks every element reachable from (startPage, startSlot,
// startHalf), invoking fn with each element's ref and value. fn returns
// false to stop early. Used by internal/linhash's expand/shrink element
// migration and by internal/scan's bucket walk.
func ForEachElement(pp PageProvider, startPage pagestore.ID, startSlot int, startHalf Half, keyWords int, fn func(ref ElemRef, e Element) (cont bool, err error)) error {
	page, slotIdx, half := startPage, startSlot, startHalf
	for {
		p := pp.Page(page)
		slot := p.ContainerSlot(slotIdx)
		h := getHead(slot, half)
		area := elemRange(slot, half, h)
		for off := 0; off < int(h.length); off += elemLen(keyWords) {
			e := readElement(area, half, off, keyWords)
			ref := ElemRef{Page: page, Slot: slotIdx, Half: half, Offset: off}
			cont, err := fn(ref, e)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		if h.nextType == NextNone {
			return nil
		}
		if h.nextSamePage {
			slotIdx = int(h.nextRef)
		} else {
			next, err := chaseOverflow(pp, page)
			if err != nil {
				return err
			}
			page = next
			slotIdx = int(h.nextRef)
		}
		half = nextHalfOf(h.nextType)
	}
}

// DeleteElement removes the element at ref by overwriting it with the last
// element of its container (getLastAndRemove) and shrinking the container,
// per spec.md §4.3. onElementMoved is invoked (when non-nil) with the ref of
// the moved last element's new location equal to ref, so LockQueue can
// repoint a locked operation record's element reference. Unlinking a
// now-empty non-head container from its predecessor is left to the caller,
// via CollapseChain, since only the caller (internal/linhash) can batch that
// walk across a whole expand/shrink step instead of repeating it per delete.
func DeleteElement(pp PageProvider, ref ElemRef, keyWords int, onElementMoved func(oldLast ElemRef, newRef ElemRef)) error {
	p := pp.Page(ref.Page)
	slot := p.ContainerSlot(ref.Slot)
	h := getHead(slot, ref.Half)
	area := elemRange(slot, ref.Half, h)
	step := elemLen(keyWords)
	lastOff := int(h.length) - step

	if ref.Offset != lastOff {
		last := readElement(area, ref.Half, lastOff, keyWords)
		writeElement(area, ref.Half, ref.Offset, last)
		if onElementMoved != nil {
			onElementMoved(ElemRef{Page: ref.Page, Slot: ref.Slot, Half: ref.Half, Offset: lastOff}, ref)
		}
	}
	h.length -= uint8(step)

	other := otherHead(slot, ref.Half)
	if h.dualOwnership && int(h.length) < ZDownLimit && other.length == 0 {
		h.dualOwnership = false
	}
	setHead(slot, ref.Half, h)
	return nil
}

func slotEmpty(slot []uint32) bool {
	return getHead(slot, LeftHalf).length == 0 && getHead(slot, RightHalf).length == 0
}

// PageFullyEmpty reports whether every container slot on page is empty,
// letting a caller reclaim a wholly-vacated overflow page.
func PageFullyEmpty(pp PageProvider, page pagestore.ID) bool {
	p := pp.Page(page)
	for i := 0; i < pagestore.ContainerSlots; i++ {
		if !slotEmpty(p.ContainerSlot(i)) {
			return false
		}
	}
	return true
}

type chainNode struct {
	page      pagestore.ID
	slot      int
	half      Half
	ownerPage pagestore.ID // page whose OverflowRecRef led here; NilID for a same-page link
}

func (n chainNode) next(pp PageProvider, h head) chainNode {
	nxt := chainNode{half: nextHalfOf(h.nextType)}
	if h.nextSamePage {
		nxt.page = n.page
		nxt.slot = int(h.nextRef)
	} else {
		nxt.page = pagestore.ID(pp.Page(n.page).OverflowRecRef())
		nxt.slot = int(h.nextRef)
		nxt.ownerPage = n.page
	}
	return nxt
}

// CollapseChain walks the chain from (startPage, startSlot, startHalf)
// looking for the first now-empty container reached after the start. When
// found, it truncates the chain there (the predecessor's next-link is reset
// to NextNone) and walks the detached remainder, returning every overflow
// page on it that has gone completely empty, clearing the single upstream
// OverflowRecRef pointer that led to each one as it goes. The start
// container itself is never unlinked, even when it is the one that emptied
// out, since a bucket's chain always keeps its head slot.
func CollapseChain(pp PageProvider, startPage pagestore.ID, startSlot int, startHalf Half) []pagestore.ID {
	cur := chainNode{page: startPage, slot: startSlot, half: startHalf}
	for {
		p := pp.Page(cur.page)
		slot := p.ContainerSlot(cur.slot)
		h := getHead(slot, cur.half)
		if h.nextType == NextNone {
			return nil
		}
		next := cur.next(pp, h)
		nextSlot := pp.Page(next.page).ContainerSlot(next.slot)
		if getHead(nextSlot, next.half).length != 0 {
			cur = next
			continue
		}
		h.nextType = NextNone
		h.nextSamePage = false
		h.nextRef = 0
		setHead(slot, cur.half, h)
		return freeDetachedOverflowPages(pp, next)
	}
}

// freeDetachedOverflowPages walks forward from a just-detached chain node,
// releasing every overflow page it touches that has gone completely empty.
func freeDetachedOverflowPages(pp PageProvider, start chainNode) []pagestore.ID {
	var freed []pagestore.ID
	visited := map[pagestore.ID]bool{}
	cur := start
	for {
		if !visited[cur.page] {
			visited[cur.page] = true
			if cur.ownerPage != pagestore.NilID && PageFullyEmpty(pp, cur.page) {
				pp.Page(cur.ownerPage).SetOverflowRecRef(0)
				freed = append(freed, cur.page)
			}
		}
		p := pp.Page(cur.page)
		slot := p.ContainerSlot(cur.slot)
		h := getHead(slot, cur.half)
		if h.nextType == NextNone {
			return freed
		}
		cur = cur.next(pp, h)
	}
}

// Fold computes the deterministic fingerprint used by the adaptive hash and
// stored in unlocked element headers (spec.md §4.3): nFields full words of
// key plus the leading nBytes of the next field, combined with treeId.
func Fold(key [][]byte, nFields, nBytes int, treeID uint32) uint32 {
	h := fnv.New32a()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], treeID)
	h.Write(buf[:])
	for i := 0; i < nFields && i < len(key); i++ {
		h.Write(key[i])
	}
	if nFields < len(key) && nBytes > 0 {
		field := key[nFields]
		n := nBytes
		if n > len(field) {
			n = len(field)
		}
		h.Write(field[:n])
	}
	return h.Sum32()
}
