package fragment

import "github.com/accstore/lhacc/internal/container"

// OpKind is the kind of a single-record request (spec.md §3).
type OpKind uint8

const (
	OpRead OpKind = iota
	OpUpdate
	OpInsert
	OpWrite
	OpDelete
	OpScan
)

// LockMode is the requested or held lock strength.
type LockMode uint8

const (
	LockShared LockMode = iota
	LockExclusive
)

// TxID is a transaction identifier pair, matching the teacher's
// internal/storage/mvcc.go TxID/Timestamp pairing convention.
type TxID struct {
	Node uint32
	Seq  uint64
}

// OpRecord is the per-request operation record of spec.md §3. All list
// membership is expressed as Refs into the owning Fragment's op arena
// rather than pointers, per the arena+indices design note.
type OpRecord struct {
	Kind     OpKind
	Mode     LockMode
	Tx       TxID
	Hash     uint32
	NFields  int
	NBytes   int

	Elem container.ElemRef

	// Lock queue links (spec.md §4.5).
	PrevParallel Ref
	NextParallel Ref
	PrevSerial   Ref
	NextSerial   Ref

	// Fragment wait-in-queue links.
	PrevWait Ref
	NextWait Ref

	// Lock-owners list links. Doubly linked per SPEC_FULL.md §12 so commit
	// can unlink a mid-list owner in O(1) without a scan, restoring detail
	// the distillation dropped from the original's lockOwnersList.
	PrevLockOwner Ref
	NextLockOwner Ref

	IsLockOwner           bool
	ElementIsDisappeared  bool
	CommitDeleteCheckFlag bool

	LocalKey []uint32

	// ScanRec is non-zero when this op was produced by a scan walking the
	// bucket (spec.md §4.7).
	ScanRec Ref
}

func resetOp(o *OpRecord) {
	*o = OpRecord{}
}

// NewOpArena returns an arena of op records sized capacity, wired for the
// free list to thread through NextParallel (any otherwise-unused link on a
// free record serves; NextParallel is as good as any).
func NewOpArena(capacity int) *Arena[OpRecord] {
	return NewArena(capacity,
		func(o *OpRecord) Ref { return o.NextParallel },
		func(o *OpRecord, r Ref) { o.NextParallel = r },
		resetOp,
	)
}

// LapState is a scan's progress through its fragment (spec.md §4.7).
type LapState uint8

const (
	FirstLap LapState = iota
	SecondLap
	Completed
)

// ScanRecord is the per-active-scan state of spec.md §3.
type ScanRecord struct {
	FragmentID      uint32
	Bit             uint8
	Mode            LockMode
	ReadCommitted   bool
	NextBucket      uint32
	Lap             LapState
	HasRescanRange  bool
	MinRescan       uint32
	MaxRescan       uint32
	StartNoOfBuckets uint32

	ActiveOps []Ref
	ReadyOps  []Ref
	LockedOps []Ref

	LocksHeld int
	AllocCap  int

	HeartbeatTicks int
}

func resetScan(s *ScanRecord) { *s = ScanRecord{} }

// NewScanArena returns an arena of scan records. ScanRecord has no natural
// "next free" field of its own type, so the free list is threaded through
// NextBucket, which is always reset to 0 on free/alloc and is harmless to
// reuse transiently.
func NewScanArena(capacity int) *Arena[ScanRecord] {
	return NewArena(capacity,
		func(s *ScanRecord) Ref { return Ref(s.NextBucket) },
		func(s *ScanRecord, r Ref) { s.NextBucket = uint32(r) },
		resetScan,
	)
}

// OverflowRecord describes one overflow page (spec.md §3).
type OverflowRecord struct {
	LogicalDirIndex uint32
	PageRef         uint32 // pagestore.ID, kept as uint32 to avoid an import cycle

	// Per-fragment "with free space" list links.
	PrevWithFree Ref
	NextWithFree Ref

	// Per-fragment "free dir index" list links.
	PrevFreeDirIdx Ref
	NextFreeDirIdx Ref
}

func resetOverflow(o *OverflowRecord) { *o = OverflowRecord{} }

// NewOverflowArena returns an arena of overflow records.
func NewOverflowArena(capacity int) *Arena[OverflowRecord] {
	return NewArena(capacity,
		func(o *OverflowRecord) Ref { return o.NextWithFree },
		func(o *OverflowRecord, r Ref) { o.NextWithFree = r },
		resetOverflow,
	)
}

// LHParams are the linear-hashing parameters of spec.md §3.
type LHParams struct {
	P             uint32
	MaxP          uint32
	K             uint32
	HashCheckBit  uint32
	LHDirBits     uint32
	LHFragBits    uint32
	Slack         int64
	SlackCheck    int64
	MinLoadFactor float64
	MaxLoadFactor float64
	ExpandCounter uint32
}

// BucketCount returns (1<<k) + p + maxp + 1, the spec.md §3 invariant.
func (lh LHParams) BucketCount() uint32 {
	return (uint32(1) << lh.K) + lh.P + lh.MaxP + 1
}

// Fragment is one of the two halves of a RootFragment (spec.md §3).
type Fragment struct {
	ID uint32

	LH LHParams

	ElementLength  int
	KeyLength      int
	LocalKeyLength int

	LockOwnersHead Ref
	LockOwnersTail Ref

	WaitQueueHead Ref
	WaitQueueTail Ref
	SentWait      bool

	FirstWithFreeSpace Ref
	LastWithFreeSpace  Ref
	FirstFreeDirIndex  Ref

	// LCP-scoped fields (spec.md §3, §4.9).
	LCPCopyPages       []uint32
	LCPFileHandle      int
	LCPNextFilePage    int
	LCPPrevUndoAddress uint64
}

// RootFragment ties together exactly two Fragments (spec.md §3).
type RootFragment struct {
	ID uint32

	NoOfElements uint32
	CommitCount  uint64

	// ScanPointers has one slot per concurrent scan (system constant N).
	ScanPointers []Ref

	Fragments [2]uint32 // Fragment.ID of each half
}
