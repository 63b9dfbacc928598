// Package lockqueue implements the per-element parallel/serial lock queues,
// lock upgrade, and commit/abort walk of spec.md §4.5. Grounded on the
// teacher's `internal/storage/mvcc.go` for the shape of transaction
// bookkeeping (status enum, explicit state structs) generalized here from
// whole-row MVCC versions to per-element lock ownership.
package lockqueue

import (
	"errors"
	"fmt"

	"github.com/accstore/lhacc/internal/container"
	"github.com/accstore/lhacc/internal/fragment"
)

// Outcome is the result of Arrive.
type Outcome uint8

const (
	// Success means the op now holds or shares the lock and may proceed.
	Success Outcome = iota
	// Blocked means the op was queued at the serial tail and must wait
	// for a release.
	Blocked
	// SkippedReadCommitted means a read-committed read returned without
	// locking anything.
	SkippedReadCommitted
)

// ErrInvalidInsert is returned when a fresh insert arrives behind anything
// other than a delete from the same transaction (spec.md §4.5).
var ErrInvalidInsert = errors.New("lockqueue: insert behind non-delete from same transaction is invalid")

// Queue drives lock arrival, commit, and abort for one fragment's elements.
type Queue struct {
	Ops      *fragment.Arena[fragment.OpRecord]
	Frag     *fragment.Fragment
	Pages    container.PageProvider
	KeyWords int

	// Dealloc is called on physical delete of an element whose transaction
	// committed a delete with no remaining owner (the external tuple
	// manager deallocation hook, spec.md §6).
	Dealloc func(localKey []uint32)

	// Restart is called once per op that just became runnable, either by
	// lock upgrade (spec.md §4.5) or by simple promotion of a new owner's
	// parallel queue. predecessorWasDelete reports whether the element's
	// effective state is "disappeared" going into the restart, per §4.6's
	// restart contract. Nil is a legal no-op wiring for tests that don't
	// exercise the wake-up path.
	Restart func(opRef fragment.Ref, predecessorWasDelete bool)
}

func (q *Queue) parallelGroupIsOnly(head fragment.Ref, tx fragment.TxID) bool {
	for r := head; r != fragment.NilRef; r = q.Ops.Get(r).NextParallel {
		if q.Ops.Get(r).Tx != tx {
			return false
		}
	}
	return true
}

func (q *Queue) parallelGroupAllReads(head fragment.Ref) bool {
	for r := head; r != fragment.NilRef; r = q.Ops.Get(r).NextParallel {
		if q.Ops.Get(r).Mode != fragment.LockShared {
			return false
		}
	}
	return true
}

func (q *Queue) strongestMode(head fragment.Ref) fragment.LockMode {
	mode := fragment.LockShared
	for r := head; r != fragment.NilRef; r = q.Ops.Get(r).NextParallel {
		if q.Ops.Get(r).Mode == fragment.LockExclusive {
			return fragment.LockExclusive
		}
	}
	return mode
}

// Arrive applies the arrival rules of spec.md §4.5 for op against the
// element at ref. op must already have Kind, Mode, and Tx populated.
func (q *Queue) Arrive(ref container.ElemRef, opRef fragment.Ref, readCommitted bool) (Outcome, error) {
	op := q.Ops.Get(opRef)
	hdr := container.HeaderAt(q.Pages, ref)

	if !hdr.IsLocked() {
		if op.Kind == fragment.OpRead && readCommitted {
			return SkippedReadCommitted, nil
		}
		container.SetHeaderAt(q.Pages, ref, container.SetLocked(uint32(opRef)))
		op.Elem = ref
		op.IsLockOwner = true
		fragment.PushLockOwner(q.Ops, q.Frag, opRef)
		return Success, nil
	}

	ownerRef := fragment.Ref(hdr.OpIndex())
	owner := q.Ops.Get(ownerRef)
	op.Elem = ref

	if op.Kind == fragment.OpRead {
		if q.parallelGroupIsOnly(ownerRef, op.Tx) {
			fragment.AppendParallel(q.Ops, ownerRef, opRef)
			return Success, nil
		}
		if owner.Mode == fragment.LockShared && owner.NextSerial == fragment.NilRef {
			fragment.AppendParallel(q.Ops, ownerRef, opRef)
			return Success, nil
		}
		// Walk the serial queue for an entry whose parallel group
		// contains only this transaction.
		serialTail := ownerRef
		for s := owner.NextSerial; s != fragment.NilRef; s = q.Ops.Get(s).NextSerial {
			if q.parallelGroupIsOnly(s, op.Tx) {
				fragment.AppendParallel(q.Ops, s, opRef)
				return Success, nil
			}
			serialTail = s
		}
		if serialTail != ownerRef && q.parallelGroupAllReads(serialTail) {
			fragment.AppendParallel(q.Ops, serialTail, opRef)
			return Blocked, nil
		}
		appendSerialNode(q.Ops, ownerRef, opRef)
		return Blocked, nil
	}

	// Write-like arrival (Update/Insert/Write/Delete).
	if q.parallelGroupIsOnly(ownerRef, op.Tx) {
		lastInGroup := lastOfParallel(q.Ops, ownerRef)
		last := q.Ops.Get(lastInGroup)
		if op.Kind == fragment.OpInsert {
			if last.Kind != fragment.OpDelete {
				return 0, ErrInvalidInsert
			}
		}
		fragment.AppendParallel(q.Ops, ownerRef, opRef)
		return Success, nil
	}

	appendSerialNode(q.Ops, ownerRef, opRef)
	return Blocked, nil
}

func lastOfParallel(ops *fragment.Arena[fragment.OpRecord], head fragment.Ref) fragment.Ref {
	r := head
	for ops.Get(r).NextParallel != fragment.NilRef {
		r = ops.Get(r).NextParallel
	}
	return r
}

// appendSerialNode adds opRef as a new serial-queue node (head of its own,
// one-member, parallel group) at the tail of the serial chain rooted at
// ownerRef.
func appendSerialNode(ops *fragment.Arena[fragment.OpRecord], ownerRef, opRef fragment.Ref) {
	owner := ops.Get(ownerRef)
	wasEmpty := owner.NextSerial == fragment.NilRef
	owner.NextSerial = fragment.AppendSerial(ops, owner.NextSerial, opRef)
	if wasEmpty {
		ops.Get(opRef).PrevSerial = ownerRef
	}
}

// Commit processes a commit of op, which must currently own or share the
// lock on its element, per spec.md §4.5.
func (q *Queue) Commit(opRef fragment.Ref) error {
	return q.release(opRef, true)
}

// Abort processes an abort of op, converting an insert to a physical
// delete on release (spec.md §4.5).
func (q *Queue) Abort(opRef fragment.Ref) error {
	return q.release(opRef, false)
}

func (q *Queue) release(opRef fragment.Ref, committing bool) error {
	op := q.Ops.Get(opRef)
	ref := op.Elem
	hdr := container.HeaderAt(q.Pages, ref)
	if !hdr.IsLocked() {
		return fmt.Errorf("lockqueue: release on unlocked element")
	}
	ownerRef := fragment.Ref(hdr.OpIndex())
	owner := q.Ops.Get(ownerRef)

	isFirstReleaseForLock := !owner.CommitDeleteCheckFlag
	if isFirstReleaseForLock {
		owner.CommitDeleteCheckFlag = true
		if effectIsDelete(q.Ops, ownerRef, committing) {
			markDisappeared(q.Ops, ownerRef)
		}
	}

	if opRef == ownerRef {
		fragment.RemoveLockOwner(q.Ops, q.Frag, opRef)
	}

	newHead := fragment.RemoveParallel(q.Ops, ownerRef, opRef)

	if newHead != fragment.NilRef {
		// Parallel group still has members; ownership and scan bits stay
		// as-is until the group drains.
		if opRef == ownerRef {
			container.SetHeaderAt(q.Pages, ref, container.SetLocked(uint32(newHead)))
			newOwner := q.Ops.Get(newHead)
			newOwner.Elem = ref
			newOwner.IsLockOwner = true
			newOwner.CommitDeleteCheckFlag = owner.CommitDeleteCheckFlag
			newOwner.ElementIsDisappeared = owner.ElementIsDisappeared
			newOwner.NextSerial = owner.NextSerial
			if newOwner.NextSerial != fragment.NilRef {
				q.Ops.Get(newOwner.NextSerial).PrevSerial = newHead
			}
			owner.NextSerial = fragment.NilRef
			fragment.PushLockOwner(q.Ops, q.Frag, newHead)
			ownerRef = newHead
			owner = newOwner
		}
		if committing && op.Kind == fragment.OpRead {
			q.tryUpgrade(ownerRef)
		}
		return nil
	}

	if opRef != ownerRef {
		// A non-owner parallel member released; the owner is unaffected.
		if committing && op.Kind == fragment.OpRead {
			q.tryUpgrade(ownerRef)
		}
		return nil
	}

	if owner.NextSerial != fragment.NilRef {
		nextOwnerRef, newSerialHead := fragment.PopSerialHead(q.Ops, owner.NextSerial)
		nextOwner := q.Ops.Get(nextOwnerRef)
		nextOwner.PrevSerial = fragment.NilRef
		nextOwner.NextSerial = newSerialHead
		nextOwner.Elem = ref
		nextOwner.IsLockOwner = true
		nextOwner.CommitDeleteCheckFlag = owner.CommitDeleteCheckFlag
		nextOwner.ElementIsDisappeared = owner.ElementIsDisappeared
		container.SetHeaderAt(q.Pages, ref, container.SetLocked(uint32(nextOwnerRef)))
		fragment.PushLockOwner(q.Ops, q.Frag, nextOwnerRef)
		q.restartGroup(nextOwnerRef, nextOwner.ElementIsDisappeared)
		return nil
	}

	if owner.ElementIsDisappeared {
		local := append([]uint32(nil), q.Ops.Get(opRef).LocalKey...)
		if err := container.DeleteElement(q.Pages, ref, q.KeyWords, nil); err != nil {
			return fmt.Errorf("lockqueue: physical delete on release: %w", err)
		}
		if q.Dealloc != nil {
			q.Dealloc(local)
		}
		return nil
	}

	if !committing && owner.Kind == fragment.OpInsert {
		if err := container.DeleteElement(q.Pages, ref, q.KeyWords, nil); err != nil {
			return fmt.Errorf("lockqueue: abort-insert physical delete: %w", err)
		}
		return nil
	}

	container.SetHeaderAt(q.Pages, ref, container.SetUnlocked(hashRemainderOf(op), hdr.ScanBits()))
	return nil
}

// effectIsDelete runs the delete-check of spec.md §4.5: the final effect
// on the tuple is delete if the last op in the parallel group (in arrival
// order) is a delete, ignoring trailing reads/scans.
func effectIsDelete(ops *fragment.Arena[fragment.OpRecord], ownerRef fragment.Ref, committing bool) bool {
	if !committing {
		return false
	}
	var lastWrite *fragment.OpRecord
	for r := ownerRef; r != fragment.NilRef; r = ops.Get(r).NextParallel {
		o := ops.Get(r)
		switch o.Kind {
		case fragment.OpInsert, fragment.OpUpdate, fragment.OpWrite, fragment.OpDelete:
			lastWrite = o
		}
	}
	return lastWrite != nil && lastWrite.Kind == fragment.OpDelete
}

func markDisappeared(ops *fragment.Arena[fragment.OpRecord], head fragment.Ref) {
	for r := head; r != fragment.NilRef; r = ops.Get(r).NextParallel {
		ops.Get(r).ElementIsDisappeared = true
	}
}

func hashRemainderOf(op *fragment.OpRecord) uint16 {
	return uint16(op.Hash)
}

// soleTx reports the transaction id shared by every member of the parallel
// group rooted at head, and whether the group is in fact single-tx.
func (q *Queue) soleTx(head fragment.Ref) (fragment.TxID, bool) {
	tx := q.Ops.Get(head).Tx
	return tx, q.parallelGroupIsOnly(head, tx)
}

// tryUpgrade implements spec.md §4.5's lock upgrade: called after a
// read-only commit leaves the parallel group headed by ownerRef non-empty.
// If that remaining group is single-tx and the first serial entry's own
// group is also single-tx, the serial entry's parallel queue is spliced
// onto the remaining group's tail, the lock mode is normalized to the
// strongest across the combined queue, and every newly-unblocked op is
// restarted in arrival order.
func (q *Queue) tryUpgrade(ownerRef fragment.Ref) {
	owner := q.Ops.Get(ownerRef)
	serialHead := owner.NextSerial
	if serialHead == fragment.NilRef {
		return
	}
	if _, ok := q.soleTx(ownerRef); !ok {
		return
	}
	if _, ok := q.soleTx(serialHead); !ok {
		return
	}

	spliced, newSerialHead := fragment.PopSerialHead(q.Ops, serialHead)
	owner.NextSerial = newSerialHead
	if newSerialHead != fragment.NilRef {
		q.Ops.Get(newSerialHead).PrevSerial = fragment.NilRef
	}

	tail := lastOfParallel(q.Ops, ownerRef)
	fragment.AppendParallel(q.Ops, tail, spliced)

	strongest := q.strongestMode(ownerRef)
	for r := ownerRef; r != fragment.NilRef; r = q.Ops.Get(r).NextParallel {
		q.Ops.Get(r).Mode = strongest
	}

	q.restartGroup(spliced, owner.ElementIsDisappeared)
}

// restartGroup calls Queue.Restart for every member of the parallel group
// rooted at head, in arrival order, per spec.md §4.5's release/upgrade
// restart requirement.
func (q *Queue) restartGroup(head fragment.Ref, predecessorWasDelete bool) {
	if q.Restart == nil {
		return
	}
	for r := head; r != fragment.NilRef; r = q.Ops.Get(r).NextParallel {
		q.Restart(r, predecessorWasDelete)
	}
}
