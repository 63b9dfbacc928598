// Package scan implements the per-fragment scan engine of spec.md §4.7:
// bucket-by-bucket traversal with a per-scan bitmask, first/second-lap
// rescan handling across expand/shrink merges, and a lock-held cap. The
// package has no heartbeat: it emits no liveness notification and runs no
// timer, and ScanRecord.HeartbeatTicks is not read.
package scan

import (
	"errors"

	"github.com/accstore/lhacc/internal/container"
	"github.com/accstore/lhacc/internal/fragment"
	"github.com/accstore/lhacc/internal/linhash"
	"github.com/accstore/lhacc/internal/lockqueue"
	"github.com/accstore/lhacc/internal/pagestore"
)

// MaxConcurrentScans is the scan-parallelism system constant N (spec.md
// §4.7 fixes it at 4 in the reference implementation).
const MaxConcurrentScans = 4

// ZScanMaxLock is the lock-held cap that triggers back-pressure.
const ZScanMaxLock = 32

// ErrNoFreeScanBit is returned when all MaxConcurrentScans bits are in use.
var ErrNoFreeScanBit = errors.New("scan: no free scan bit")

// Row is one row handed back to the scan's caller.
type Row struct {
	Elem container.ElemRef
	Op   fragment.Ref
}

// Engine drives scans against one fragment's buckets.
type Engine struct {
	Index    *linhash.Index
	Locks    *lockqueue.Queue
	Ops      *fragment.Arena[fragment.OpRecord]
	Scans    *fragment.Arena[fragment.ScanRecord]
	KeyWords int

	bitsInUse uint8
}

// Start begins a new scan over the fragment Engine.Index serves, recording
// startNoOfBuckets per spec.md §4.7.
func (e *Engine) Start(fragID uint32, mode fragment.LockMode, readCommitted bool) (fragment.Ref, error) {
	bit, err := e.allocBit()
	if err != nil {
		return fragment.NilRef, err
	}
	ref, s, err := e.Scans.Alloc("scan")
	if err != nil {
		e.freeBit(bit)
		return fragment.NilRef, err
	}
	s.FragmentID = fragID
	s.Bit = bit
	s.Mode = mode
	s.ReadCommitted = readCommitted
	s.Lap = fragment.FirstLap
	s.NextBucket = 0
	s.StartNoOfBuckets = e.Index.Frag.LH.BucketCount()
	return ref, nil
}

func (e *Engine) allocBit() (uint8, error) {
	for b := uint8(0); b < MaxConcurrentScans; b++ {
		if e.bitsInUse&(1<<b) == 0 {
			e.bitsInUse |= 1 << b
			return b, nil
		}
	}
	return 0, ErrNoFreeScanBit
}

func (e *Engine) freeBit(b uint8) {
	e.bitsInUse &^= 1 << b
}

// Close releases a completed scan's bit and record.
func (e *Engine) Close(scanRef fragment.Ref) {
	s := e.Scans.Get(scanRef)
	e.freeBit(s.Bit)
	e.Scans.Free(scanRef)
}

// stepResult is Next's outcome.
type stepResult int

const (
	resultRow stepResult = iota
	resultRateLimited
	resultDone
	resultContinue
)

// Next advances the scan by at most one row, per spec.md §4.7's per-bucket
// flow. It returns (row, done, rateLimited, error); when rateLimited is
// true the caller should retry after a commit/abort releases a locked op.
func (e *Engine) Next(scanRef fragment.Ref) (Row, bool, bool, error) {
	s := e.Scans.Get(scanRef)

	if len(s.ReadyOps) > 0 {
		opRef := s.ReadyOps[0]
		s.ReadyOps = s.ReadyOps[1:]
		op := e.Ops.Get(opRef)
		s.ActiveOps = append(s.ActiveOps, opRef)
		return Row{Elem: op.Elem, Op: opRef}, false, false, nil
	}

	for {
		if s.Lap == fragment.Completed {
			if s.LocksHeld == 0 {
				return Row{}, true, false, nil
			}
			return Row{}, false, false, nil // waiting for locks to drain
		}

		if s.LocksHeld >= ZScanMaxLock {
			return Row{}, false, true, nil
		}

		lh := e.Index.Frag.LH
		lastBucket := lh.P + lh.MaxP
		if s.NextBucket > lastBucket {
			e.advanceLap(s)
			continue
		}

		row, advanced, err := e.scanOneBucket(s, scanRef)
		if err != nil {
			return Row{}, false, false, err
		}
		if advanced {
			s.NextBucket++
			continue
		}
		if row != nil {
			return *row, false, false, nil
		}
		return Row{}, false, true, nil
	}
}

// Wake moves opRef from LockedOps to ReadyOps once LockQueue reports it
// unblocked, so the next Next call can hand it back to the caller without
// re-walking the bucket, per spec.md §4.7's scan-side half of the restart
// contract. It marks the element's scan bit and counts it against
// LocksHeld exactly as scanOneBucket would have on the spot.
func (e *Engine) Wake(scanRef fragment.Ref, opRef fragment.Ref) {
	s := e.Scans.Get(scanRef)
	for i, r := range s.LockedOps {
		if r == opRef {
			s.LockedOps = append(s.LockedOps[:i], s.LockedOps[i+1:]...)
			break
		}
	}
	op := e.Ops.Get(opRef)
	hdr := container.HeaderAt(e.Index, op.Elem)
	if !hdr.IsLocked() {
		container.SetHeaderAt(e.Index, op.Elem, hdr.SetScanBit(s.Bit))
	}
	s.LocksHeld++
	s.ReadyOps = append(s.ReadyOps, opRef)
}

func (e *Engine) advanceLap(s *fragment.ScanRecord) {
	switch s.Lap {
	case fragment.FirstLap:
		if s.HasRescanRange {
			s.Lap = fragment.SecondLap
			s.NextBucket = s.MinRescan
		} else {
			s.Lap = fragment.Completed
		}
	case fragment.SecondLap:
		s.Lap = fragment.Completed
	}
}

// scanOneBucket attempts to return exactly one unvisited, lockable row from
// the scan's current bucket. advanced=true means the bucket is exhausted
// and the caller should move to the next one.
func (e *Engine) scanOneBucket(s *fragment.ScanRecord, scanRef fragment.Ref) (*Row, bool, error) {
	page, slot := e.Index.PageAndSlot(s.NextBucket)
	pageID := e.Index.BucketDir.GetPageRef(page)
	if pageID == 0 {
		return nil, true, nil
	}

	var result *Row
	err := container.ForEachElement(e.Index, pageID, slot, container.LeftHalf, e.KeyWords, func(ref container.ElemRef, el container.Element) (bool, error) {
		if !el.Header.IsLocked() && el.Header.HasScanBit(s.Bit) {
			return true, nil
		}

		opRef, op, err := e.Ops.Alloc("op")
		if err != nil {
			return false, err
		}
		op.Kind = fragment.OpRead
		op.Mode = s.Mode
		op.ScanRec = scanRef

		outcome, err := e.Locks.Arrive(ref, opRef, s.ReadCommitted)
		if err != nil {
			e.Ops.Free(opRef)
			return false, err
		}

		if outcome == lockqueue.Blocked {
			s.LockedOps = append(s.LockedOps, opRef)
			return true, nil
		}

		if !el.Header.IsLocked() {
			container.SetHeaderAt(e.Index, ref, el.Header.SetScanBit(s.Bit))
		}
		s.ActiveOps = append(s.ActiveOps, opRef)
		if outcome != lockqueue.SkippedReadCommitted {
			s.LocksHeld++
		}
		result = &Row{Elem: ref, Op: opRef}
		return false, nil
	})
	if err != nil {
		return nil, false, err
	}
	if result != nil {
		return result, false, nil
	}
	return nil, true, nil
}

// ClearBitsForMerge clears scan bit `bit` from every unlocked element
// reachable from (page, slot), restoring the original's scan-bit cleanup on
// merge (SPEC_FULL.md §12): called by the orchestrator (acc.Block) on the
// receiving bucket after every expand or shrink step.
func ClearBitsForMerge(pp container.PageProvider, page pagestore.ID, slot int, keyWords int, bit uint8) error {
	return container.ForEachElement(pp, page, slot, container.LeftHalf, keyWords, func(ref container.ElemRef, e container.Element) (bool, error) {
		if !e.Header.IsLocked() && e.Header.HasScanBit(bit) {
			container.SetHeaderAt(pp, ref, e.Header.ClearScanBit(bit))
		}
		return true, nil
	})
}

// NoteMerge widens [minRescan, maxRescan] to include destBucket, per
// spec.md §4.7: "On every merge that moves elements from a bucket ahead of
// the scan to a bucket behind it, widen the rescan range."
func (e *Engine) NoteMerge(scanRef fragment.Ref, destBucket uint32) {
	s := e.Scans.Get(scanRef)
	if !s.HasRescanRange {
		s.HasRescanRange = true
		s.MinRescan = destBucket
		s.MaxRescan = destBucket
		return
	}
	if destBucket < s.MinRescan {
		s.MinRescan = destBucket
	}
	if destBucket > s.MaxRescan {
		s.MaxRescan = destBucket
	}
}

// VetoesExpand reports whether a proposed expand/shrink step at bucket
// touches this scan's current or sender bucket, per spec.md §4.7 steps 1-2.
func (e *Engine) VetoesExpand(scanRef fragment.Ref, bucket uint32) bool {
	s := e.Scans.Get(scanRef)
	return s.Lap != fragment.Completed && bucket == s.NextBucket
}
