package fragment

import "testing"

func TestArenaAllocReusesFreedSlot(t *testing.T) {
	a := NewOpArena(2)
	r1, _, err := a.Alloc("op")
	if err != nil {
		t.Fatal(err)
	}
	r2, _, err := a.Alloc("op")
	if err != nil {
		t.Fatal(err)
	}
	a.Free(r1)
	r3, _, err := a.Alloc("op")
	if err != nil {
		t.Fatal(err)
	}
	if r3 != r1 {
		t.Fatalf("expected freed ref %d reused, got %d", r1, r3)
	}
	if r2 == r3 {
		t.Fatal("refs should differ")
	}
}

func TestArenaExhaustion(t *testing.T) {
	a := NewOpArena(1)
	if _, _, err := a.Alloc("op"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.Alloc("op"); err == nil {
		t.Fatal("expected exhaustion error")
	}
}

func TestLockOwnersListPushRemove(t *testing.T) {
	ops := NewOpArena(4)
	frag := &Fragment{}
	r1, _, _ := ops.Alloc("op")
	r2, _, _ := ops.Alloc("op")
	r3, _, _ := ops.Alloc("op")

	PushLockOwner(ops, frag, r1)
	PushLockOwner(ops, frag, r2)
	PushLockOwner(ops, frag, r3)

	if frag.LockOwnersHead != r1 || frag.LockOwnersTail != r3 {
		t.Fatalf("unexpected head/tail: %v/%v", frag.LockOwnersHead, frag.LockOwnersTail)
	}

	RemoveLockOwner(ops, frag, r2)
	if ops.Get(r1).NextLockOwner != r3 || ops.Get(r3).PrevLockOwner != r1 {
		t.Fatal("expected r2 spliced out of the middle")
	}
	if ops.Get(r2).IsLockOwner {
		t.Fatal("expected IsLockOwner cleared on removal")
	}

	RemoveLockOwner(ops, frag, r1)
	RemoveLockOwner(ops, frag, r3)
	if frag.LockOwnersHead != NilRef || frag.LockOwnersTail != NilRef {
		t.Fatal("expected empty list after removing all owners")
	}
}

func TestParallelQueueAppendRemove(t *testing.T) {
	ops := NewOpArena(4)
	r1, _, _ := ops.Alloc("op")
	r2, _, _ := ops.Alloc("op")
	r3, _, _ := ops.Alloc("op")

	AppendParallel(ops, r1, r2)
	AppendParallel(ops, r1, r3)

	if ops.Get(r1).NextParallel != r2 || ops.Get(r2).NextParallel != r3 {
		t.Fatal("unexpected parallel chain")
	}

	head := RemoveParallel(ops, r1, r1)
	if head != r2 {
		t.Fatalf("expected new head r2, got %v", head)
	}
	if ops.Get(r2).PrevParallel != NilRef {
		t.Fatal("expected r2 to become head with no prev")
	}
}
