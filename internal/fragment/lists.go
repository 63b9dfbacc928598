package fragment

// PushLockOwner appends op to the tail of frag's lock-owners list.
func PushLockOwner(ops *Arena[OpRecord], frag *Fragment, op Ref) {
	o := ops.Get(op)
	o.PrevLockOwner = frag.LockOwnersTail
	o.NextLockOwner = NilRef
	if frag.LockOwnersTail != NilRef {
		ops.Get(frag.LockOwnersTail).NextLockOwner = op
	} else {
		frag.LockOwnersHead = op
	}
	frag.LockOwnersTail = op
	o.IsLockOwner = true
}

// RemoveLockOwner unlinks op from frag's lock-owners list in O(1), per
// SPEC_FULL.md §12's doubly-linked lock-owners list.
func RemoveLockOwner(ops *Arena[OpRecord], frag *Fragment, op Ref) {
	o := ops.Get(op)
	if o.PrevLockOwner != NilRef {
		ops.Get(o.PrevLockOwner).NextLockOwner = o.NextLockOwner
	} else {
		frag.LockOwnersHead = o.NextLockOwner
	}
	if o.NextLockOwner != NilRef {
		ops.Get(o.NextLockOwner).PrevLockOwner = o.PrevLockOwner
	} else {
		frag.LockOwnersTail = o.PrevLockOwner
	}
	o.PrevLockOwner = NilRef
	o.NextLockOwner = NilRef
	o.IsLockOwner = false
}

// PushWait appends op to the tail of frag's wait-in-queue list.
func PushWait(ops *Arena[OpRecord], frag *Fragment, op Ref) {
	o := ops.Get(op)
	o.PrevWait = frag.WaitQueueTail
	o.NextWait = NilRef
	if frag.WaitQueueTail != NilRef {
		ops.Get(frag.WaitQueueTail).NextWait = op
	} else {
		frag.WaitQueueHead = op
	}
	frag.WaitQueueTail = op
}

// RemoveWait unlinks op from frag's wait-in-queue list.
func RemoveWait(ops *Arena[OpRecord], frag *Fragment, op Ref) {
	o := ops.Get(op)
	if o.PrevWait != NilRef {
		ops.Get(o.PrevWait).NextWait = o.NextWait
	} else {
		frag.WaitQueueHead = o.NextWait
	}
	if o.NextWait != NilRef {
		ops.Get(o.NextWait).PrevWait = o.PrevWait
	} else {
		frag.WaitQueueTail = o.PrevWait
	}
	o.PrevWait = NilRef
	o.NextWait = NilRef
}

// AppendParallel appends newOp to the tail of the parallel queue headed by
// walking from head.
func AppendParallel(ops *Arena[OpRecord], head Ref, newOp Ref) {
	tail := head
	for ops.Get(tail).NextParallel != NilRef {
		tail = ops.Get(tail).NextParallel
	}
	ops.Get(tail).NextParallel = newOp
	ops.Get(newOp).PrevParallel = tail
}

// RemoveParallel unlinks op from its parallel queue, returning the new head
// (NilRef if op was the only member and is now removed, meaning the group
// is empty; headHint is returned unchanged if op was not the head).
func RemoveParallel(ops *Arena[OpRecord], headHint Ref, op Ref) Ref {
	o := ops.Get(op)
	prev, next := o.PrevParallel, o.NextParallel
	if prev != NilRef {
		ops.Get(prev).NextParallel = next
	}
	if next != NilRef {
		ops.Get(next).PrevParallel = prev
	}
	o.PrevParallel = NilRef
	o.NextParallel = NilRef
	if headHint == op {
		return next
	}
	return headHint
}

// AppendSerial appends newOwner to the tail of the serial queue headed by
// head (NilRef if the serial queue is currently empty).
func AppendSerial(ops *Arena[OpRecord], head Ref, newOwner Ref) Ref {
	if head == NilRef {
		return newOwner
	}
	tail := head
	for ops.Get(tail).NextSerial != NilRef {
		tail = ops.Get(tail).NextSerial
	}
	ops.Get(tail).NextSerial = newOwner
	ops.Get(newOwner).PrevSerial = tail
	return head
}

// PopSerialHead removes and returns the head of the serial queue, and the
// new head.
func PopSerialHead(ops *Arena[OpRecord], head Ref) (popped Ref, newHead Ref) {
	if head == NilRef {
		return NilRef, NilRef
	}
	next := ops.Get(head).NextSerial
	ops.Get(head).NextSerial = NilRef
	if next != NilRef {
		ops.Get(next).PrevSerial = NilRef
	}
	return head, next
}
