// Package linhash implements bucket address computation and the
// expand/shrink state machine of spec.md §4.4, and plays the role of
// container.PageProvider by owning the PageStore and the two directories
// (bucket pages, overflow pages) a fragment needs.
package linhash

import (
	"errors"
	"fmt"

	"github.com/accstore/lhacc/internal/container"
	"github.com/accstore/lhacc/internal/directory"
	"github.com/accstore/lhacc/internal/fragment"
	"github.com/accstore/lhacc/internal/pagestore"
)

// ErrExpandDenied and ErrShrinkDenied are returned when a caller (typically
// internal/scan, per spec.md §4.7) vetoes a step.
var (
	ErrExpandDenied = errors.New("linhash: expand denied")
	ErrShrinkDenied = errors.New("linhash: shrink denied")
)

// RemainderSource resolves the hash remainder of a possibly-locked element,
// delegating to the operation pool when the element is locked. Unlocked
// elements carry their remainder directly in the header.
type RemainderSource interface {
	RemainderOf(e container.Element) (uint16, error)
}

// Index ties PageStore, the two directories, and a Fragment's linear-hash
// parameters together, and implements container.PageProvider.
type Index struct {
	Store       *pagestore.Store
	BucketDir   *directory.Map
	OverflowDir *directory.Map
	Frag        *fragment.Fragment
	Overflow    *fragment.Arena[fragment.OverflowRecord]
	Remainders  RemainderSource

	nextOverflowIdx uint32
	overflowByPage  map[pagestore.ID]fragment.Ref
}

// BucketAddress computes the bucket index for hash value h, per spec.md
// §4.4.
func (ix *Index) BucketAddress(h uint32) uint32 {
	lh := ix.Frag.LH
	k := lh.K
	low := h & ((1 << k) - 1)
	hi := (h >> k) & lh.MaxP
	if hi < lh.P {
		hi = (h >> k) & ((lh.MaxP << 1) | 1)
	}
	return (hi << k) | low
}

// PageAndSlot splits a bucket index into its logical page id and container
// slot index.
func (ix *Index) PageAndSlot(bucket uint32) (logicalPageID uint32, slot int) {
	k := ix.Frag.LH.K
	return bucket >> k, int(bucket & ((1 << k) - 1))
}

// EnsureBucketPage returns the physical page backing logicalPageID,
// allocating and initializing it on first use.
func (ix *Index) EnsureBucketPage(logicalPageID uint32) (pagestore.ID, error) {
	ref := ix.BucketDir.GetPageRef(logicalPageID)
	if ref != pagestore.NilID {
		return ref, nil
	}
	id, err := ix.Store.Seize()
	if err != nil {
		return pagestore.NilID, fmt.Errorf("linhash: ensure bucket page %d: %w", logicalPageID, err)
	}
	ix.Store.Page(id).SetType(pagestore.PageTypeNormal)
	ix.BucketDir.SetPageRef(logicalPageID, id)
	return id, nil
}

// --- container.PageProvider ---

// Page returns the live page for id.
func (ix *Index) Page(id pagestore.ID) *pagestore.Page { return ix.Store.Page(id) }

// FreeSlotOnPage scans page for a slot with both halves empty.
func (ix *Index) FreeSlotOnPage(page pagestore.ID) int {
	p := ix.Store.Page(page)
	for i := 1; i < pagestore.ContainerSlots; i++ {
		slot := p.ContainerSlot(i)
		if slotEmpty(slot) {
			return i
		}
	}
	return -1
}

func slotEmpty(slot []uint32) bool {
	// Both half-header words encode length in their low 6 bits.
	return slot[0]&0x3f == 0 && slot[pagestore.ContainerWords-1]&0x3f == 0
}

// NewOverflowPage seizes a fresh overflow page, links it as fromPage's
// continuation, and records it in the overflow directory and the
// fragment's with-free-space list.
func (ix *Index) NewOverflowPage(fromPage pagestore.ID) (pagestore.ID, error) {
	id, err := ix.Store.Seize()
	if err != nil {
		return pagestore.NilID, fmt.Errorf("linhash: new overflow page: %w", err)
	}
	p := ix.Store.Page(id)
	p.SetType(pagestore.PageTypeOverflow)

	idx := ix.nextOverflowIdx
	ix.nextOverflowIdx++
	ix.OverflowDir.SetPageRef(idx, id)

	ref, rec, err := ix.Overflow.Alloc("overflow")
	if err != nil {
		ix.Store.Release(id)
		return pagestore.NilID, err
	}
	rec.LogicalDirIndex = idx
	rec.PageRef = uint32(id)
	pushWithFree(ix.Overflow, ix.Frag, ref)

	if ix.overflowByPage == nil {
		ix.overflowByPage = make(map[pagestore.ID]fragment.Ref)
	}
	ix.overflowByPage[id] = ref

	ix.Store.Page(fromPage).SetOverflowRecRef(uint32(id))
	return id, nil
}

func pushWithFree(arena *fragment.Arena[fragment.OverflowRecord], frag *fragment.Fragment, ref fragment.Ref) {
	rec := arena.Get(ref)
	rec.PrevWithFree = frag.LastWithFreeSpace
	rec.NextWithFree = fragment.NilRef
	if frag.LastWithFreeSpace != fragment.NilRef {
		arena.Get(frag.LastWithFreeSpace).NextWithFree = ref
	} else {
		frag.FirstWithFreeSpace = ref
	}
	frag.LastWithFreeSpace = ref
}

func popWithFree(arena *fragment.Arena[fragment.OverflowRecord], frag *fragment.Fragment, ref fragment.Ref) {
	rec := arena.Get(ref)
	if rec.PrevWithFree != fragment.NilRef {
		arena.Get(rec.PrevWithFree).NextWithFree = rec.NextWithFree
	} else {
		frag.FirstWithFreeSpace = rec.NextWithFree
	}
	if rec.NextWithFree != fragment.NilRef {
		arena.Get(rec.NextWithFree).PrevWithFree = rec.PrevWithFree
	} else {
		frag.LastWithFreeSpace = rec.PrevWithFree
	}
	rec.PrevWithFree = fragment.NilRef
	rec.NextWithFree = fragment.NilRef
}

// releaseOverflowPage returns page to the store and drops its directory
// slot and with-free-space bookkeeping, closing the leak spec.md §4.2/§4.3's
// boundary property requires against: every overflow page a fragment
// allocates is eventually reclaimed once CollapseChain (or a full-chain
// drain in Shrink) finds it carries no live containers.
func (ix *Index) releaseOverflowPage(page pagestore.ID) error {
	ref, ok := ix.overflowByPage[page]
	if !ok {
		return nil
	}
	rec := ix.Overflow.Get(ref)
	logicalIdx := rec.LogicalDirIndex

	popWithFree(ix.Overflow, ix.Frag, ref)
	delete(ix.overflowByPage, page)
	ix.Overflow.Free(ref)

	ix.OverflowDir.SetPageRef(logicalIdx, pagestore.NilID)
	base := logicalIdx &^ (directory.DirFanOut - 1)
	ix.OverflowDir.ReleaseRange(base, nil)

	ix.Store.Release(page)
	return nil
}

func (ix *Index) releasePages(pages []pagestore.ID) error {
	for _, page := range pages {
		if err := ix.releaseOverflowPage(page); err != nil {
			return err
		}
	}
	return nil
}

// movedElement is a snapshot of one element slated to move during an
// expand or shrink step.
type movedElement struct {
	ref container.ElemRef
	e   container.Element
}

// Expand performs one single-bucket expand step at bucket p, per spec.md
// §4.4.
func (ix *Index) Expand() error {
	lh := &ix.Frag.LH
	senderBucket := lh.P
	senderPage, senderSlot := ix.PageAndSlot(senderBucket)
	senderPageID, err := ix.EnsureBucketPage(senderPage)
	if err != nil {
		return err
	}

	receiverBucket := lh.MaxP + lh.P + 1
	recvPage, recvSlot := ix.PageAndSlot(receiverBucket)
	recvPageID, err := ix.EnsureBucketPage(recvPage)
	if err != nil {
		return err
	}

	var toMove []movedElement
	err = container.ForEachElement(ix, senderPageID, senderSlot, container.LeftHalf, ix.Frag.LocalKeyLength, func(ref container.ElemRef, e container.Element) (bool, error) {
		remainder, rerr := ix.remainderOf(e)
		if rerr != nil {
			return false, rerr
		}
		if remainder&(1<<lh.HashCheckBit) != 0 {
			toMove = append(toMove, movedElement{ref: ref, e: e})
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("linhash: expand scan: %w", err)
	}

	for _, m := range toMove {
		if _, err := container.InsertElement(ix, recvPageID, recvSlot, container.LeftHalf, m.e.Header, m.e.LocalKey); err != nil {
			return fmt.Errorf("linhash: expand move insert: %w", err)
		}
		if err := container.DeleteElement(ix, m.ref, ix.Frag.LocalKeyLength, nil); err != nil {
			return fmt.Errorf("linhash: expand move delete: %w", err)
		}
	}

	if len(toMove) > 0 {
		freed := container.CollapseChain(ix, senderPageID, senderSlot, container.LeftHalf)
		if err := ix.releasePages(freed); err != nil {
			return fmt.Errorf("linhash: expand collapse chain: %w", err)
		}
	}

	lh.P++
	if lh.P > lh.MaxP {
		lh.MaxP = (lh.MaxP << 1) | 1
		lh.LHDirBits++
		lh.HashCheckBit++
		lh.P = 0
	}

	lh.Slack += int64(lh.MaxLoadFactor)
	lh.ExpandCounter++
	bucketCount := int64(lh.BucketCount())
	lh.SlackCheck = bucketCount * int64(lh.MaxLoadFactor-lh.MinLoadFactor)

	return nil
}

// Shrink performs one single-bucket shrink step, the symmetric inverse of
// Expand, per spec.md §4.4.
func (ix *Index) Shrink() error {
	lh := &ix.Frag.LH

	if lh.P == 0 {
		lh.MaxP >>= 1
		lh.P = lh.MaxP
		lh.LHDirBits--
		lh.HashCheckBit--
	} else {
		lh.P--
	}

	senderBucket := lh.MaxP + lh.P + 1
	senderPage, senderSlot := ix.PageAndSlot(senderBucket)
	senderPageID := ix.BucketDir.GetPageRef(senderPage)
	if senderPageID == pagestore.NilID {
		return nil // nothing was ever allocated there
	}

	recvPage, recvSlot := ix.PageAndSlot(lh.P)
	recvPageID, err := ix.EnsureBucketPage(recvPage)
	if err != nil {
		return err
	}

	var toMove []movedElement
	err = container.ForEachElement(ix, senderPageID, senderSlot, container.LeftHalf, ix.Frag.LocalKeyLength, func(ref container.ElemRef, e container.Element) (bool, error) {
		toMove = append(toMove, movedElement{ref: ref, e: e})
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("linhash: shrink scan: %w", err)
	}

	for _, m := range toMove {
		if _, err := container.InsertElement(ix, recvPageID, recvSlot, container.LeftHalf, m.e.Header, m.e.LocalKey); err != nil {
			return fmt.Errorf("linhash: shrink move insert: %w", err)
		}
		if err := container.DeleteElement(ix, m.ref, ix.Frag.LocalKeyLength, nil); err != nil {
			return fmt.Errorf("linhash: shrink move delete: %w", err)
		}
	}

	if len(toMove) > 0 {
		freed := container.CollapseChain(ix, senderPageID, senderSlot, container.LeftHalf)
		if err := ix.releasePages(freed); err != nil {
			return fmt.Errorf("linhash: shrink collapse chain: %w", err)
		}
	}

	if senderPage != recvPage {
		ix.Store.Release(senderPageID)
		ix.BucketDir.SetPageRef(senderPage, pagestore.NilID)
	}

	return nil
}

func (ix *Index) remainderOf(e container.Element) (uint16, error) {
	if !e.Header.IsLocked() {
		return e.Header.HashRemainder(), nil
	}
	if ix.Remainders == nil {
		return 0, errors.New("linhash: locked element encountered but no RemainderSource configured")
	}
	return ix.Remainders.RemainderOf(e)
}
