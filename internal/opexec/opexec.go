// Package opexec implements the single-record insert/update/delete/read
// contract of spec.md §4.6: compute a fold, try the adaptive-hash
// short-circuit, fall back to LinearHashIndex→Container, apply LockQueue
// rules, and call the external tuple manager's AllocateTuple when an insert
// acquires its element lock. No path here calls DeallocateTuple on a
// delete commit.
// Grounded on the teacher's `internal/storage/concurrency.go` WorkRequest
// shape, generalized from a generic work queue to one element operation.
package opexec

import (
	"errors"
	"fmt"

	"github.com/accstore/lhacc/internal/adaptivehash"
	"github.com/accstore/lhacc/internal/container"
	"github.com/accstore/lhacc/internal/fragment"
	"github.com/accstore/lhacc/internal/linhash"
	"github.com/accstore/lhacc/internal/lockqueue"
	"github.com/accstore/lhacc/internal/tuplemgr"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/width"
)

// ErrTupleNotFound and ErrWriteError are the semantic failures named in
// spec.md §4.6's restart contract.
var (
	ErrTupleNotFound = errors.New("opexec: tuple not found")
	ErrWriteError    = errors.New("opexec: write error")
)

// Request describes a single-record operation (spec.md §4.6).
type Request struct {
	Kind          fragment.OpKind
	Mode          fragment.LockMode
	Tx            fragment.TxID
	Key           [][]byte
	NFields       int
	NBytes        int
	TreeID        uint32
	ReadCommitted bool
	// CaseFold normalizes every key field for case-insensitive
	// lookups (SPEC_FULL.md §11's OpExecutor key-normalization consumer).
	CaseFold bool
}

// Result is the outcome of a successful operation.
type Result struct {
	Op       fragment.Ref
	Elem     container.ElemRef
	Outcome  lockqueue.Outcome
	PageNo   uint32
	PageIdx  uint32
	LocalKey []uint32
}

// Executor wires LinearHashIndex, LockQueue, AdaptiveHash, and a tuple
// manager together to satisfy spec.md §4.6.
type Executor struct {
	Index    *linhash.Index
	Locks    *lockqueue.Queue
	Hash     *adaptivehash.Cache
	Tuples   tuplemgr.TupleManager
	TableID  uint32
	FragID   uint32
	KeyWords int

	caser cases.Caser

	restarted map[fragment.Ref]restartOutcome
}

type restartOutcome struct {
	res Result
	err error
}

// NewExecutor constructs an Executor. collation is not consulted:
// normalizeKey always applies locale-independent Unicode default case
// folding.
func NewExecutor(index *linhash.Index, locks *lockqueue.Queue, hash *adaptivehash.Cache, tuples tuplemgr.TupleManager, tableID, fragID uint32, keyWords int, collation language.Tag) *Executor {
	return &Executor{
		Index:    index,
		Locks:    locks,
		Hash:     hash,
		Tuples:   tuples,
		TableID:  tableID,
		FragID:   fragID,
		KeyWords: keyWords,
		caser:    cases.Fold(cases.Compact, cases.HandleFinalSigma(true)),

		restarted: make(map[fragment.Ref]restartOutcome),
	}
}

// normalizeKey applies case-insensitive/locale normalization per spec.md
// §4.6 ("Long-key and character-set handling"): transformed length
// replaces the raw key length in subsequent comparisons. Full-width and
// half-width variants of the same character are folded to one form before
// case folding so e.g. a fullwidth "Ａ" and an ASCII "a" land on the same
// fold.
func (ex *Executor) normalizeKey(req *Request) [][]byte {
	if !req.CaseFold || len(req.Key) == 0 {
		return req.Key
	}
	out := make([][]byte, len(req.Key))
	for i, field := range req.Key {
		folded := width.Fold.String(string(field))
		out[i] = []byte(ex.caser.String(folded))
	}
	return out
}

type keyMatcher struct {
	ex       *Executor
	ops      *fragment.Arena[fragment.OpRecord]
	keyWords int
	target   []uint32
}

func (m keyMatcher) Match(ref container.ElemRef, e container.Element) (matched bool, locked bool, err error) {
	if len(e.LocalKey) != len(m.target) {
		return false, e.Header.IsLocked(), nil
	}
	for i := range m.target {
		if e.LocalKey[i] != m.target[i] {
			return false, e.Header.IsLocked(), nil
		}
	}
	return true, e.Header.IsLocked(), nil
}

// Execute runs req against ops (the fragment's operation-record arena),
// implementing the OpExecutor contract of spec.md §4.6.
func (ex *Executor) Execute(ops *fragment.Arena[fragment.OpRecord], req Request) (Result, error) {
	key := ex.normalizeKey(&req)
	fold := container.Fold(key, req.NFields, req.NBytes, req.TreeID)

	localKey := encodeLocalKey(key, ex.KeyWords)

	if cursor, ok := ex.Hash.Guess(fold); ok {
		if hdr := container.HeaderAt(ex.Index, cursor); !hdr.IsLocked() && hdr.HashRemainder() == uint16(fold) {
			// Validated guess: proceed directly from this cursor.
			return ex.applyAt(ops, req, cursor, localKey, fold)
		}
		ex.Hash.Invalidate(fold)
	}

	bucket := ex.Index.BucketAddress(fold)
	page, slot := ex.Index.PageAndSlot(bucket)
	pageID, err := ex.Index.EnsureBucketPage(page)
	if err != nil {
		return Result{}, fmt.Errorf("opexec: ensure bucket page: %w", err)
	}

	ref, _, err := container.GetElement(ex.Index, pageID, slot, container.LeftHalf, ex.KeyWords, keyMatcher{ex: ex, ops: ops, keyWords: ex.KeyWords, target: localKey})
	switch {
	case err == nil:
		return ex.applyAt(ops, req, ref, localKey, fold)
	case errors.Is(err, container.ErrNotFound):
		if req.Kind != fragment.OpInsert {
			return Result{}, ErrTupleNotFound
		}
		newRef, err := container.InsertElement(ex.Index, pageID, slot, container.LeftHalf, container.SetUnlocked(uint16(fold), 0), localKey)
		if err != nil {
			return Result{}, fmt.Errorf("opexec: insert element: %w", err)
		}
		return ex.applyAt(ops, req, newRef, localKey, fold)
	default:
		return Result{}, err
	}
}

func encodeLocalKey(key [][]byte, keyWords int) []uint32 {
	out := make([]uint32, 0, keyWords)
	for _, field := range key {
		for i := 0; i+4 <= len(field) && len(out) < keyWords; i += 4 {
			var w uint32
			for b := 0; b < 4; b++ {
				w |= uint32(field[i+b]) << (8 * b)
			}
			out = append(out, w)
		}
	}
	for len(out) < keyWords {
		out = append(out, 0)
	}
	return out[:keyWords]
}

func (ex *Executor) applyAt(ops *fragment.Arena[fragment.OpRecord], req Request, ref container.ElemRef, localKey []uint32, fold uint32) (Result, error) {
	opRef, op, err := ops.Alloc("op")
	if err != nil {
		return Result{}, fmt.Errorf("opexec: %w", err)
	}
	op.Kind = req.Kind
	op.Mode = req.Mode
	op.Tx = req.Tx
	op.Hash = fold
	op.LocalKey = localKey

	outcome, err := ex.Locks.Arrive(ref, opRef, req.ReadCommitted)
	if err != nil {
		ops.Free(opRef)
		return Result{}, err
	}

	res := Result{Op: opRef, Elem: ref, Outcome: outcome, LocalKey: localKey}

	if outcome != lockqueue.Blocked && req.Kind == fragment.OpInsert {
		pageNo, pageIdx, err := ex.Tuples.AllocateTuple(ex.TableID, ex.FragID)
		if err != nil {
			return Result{}, fmt.Errorf("opexec: allocate tuple: %w", err)
		}
		res.PageNo, res.PageIdx = pageNo, pageIdx
	}

	return res, nil
}

// Restart re-derives the outcome for an op unblocked by LockQueue, per
// spec.md §4.6's restart contract: the element ref is still valid, so no
// re-search is needed. An unblocked insert whose predecessor was a delete
// proceeds as a fresh insert; any other unblocked write whose predecessor
// was a delete is a semantic failure.
func (ex *Executor) Restart(ops *fragment.Arena[fragment.OpRecord], opRef fragment.Ref, predecessorWasDelete bool) (Result, error) {
	op := ops.Get(opRef)
	if predecessorWasDelete && op.Kind != fragment.OpInsert {
		return Result{}, ErrWriteError
	}
	res := Result{Op: opRef, Elem: op.Elem, Outcome: lockqueue.Success, LocalKey: op.LocalKey}
	if op.Kind == fragment.OpInsert {
		pageNo, pageIdx, err := ex.Tuples.AllocateTuple(ex.TableID, ex.FragID)
		if err != nil {
			return Result{}, fmt.Errorf("opexec: restart allocate tuple: %w", err)
		}
		res.PageNo, res.PageIdx = pageNo, pageIdx
	}
	return res, nil
}

// HandleRestart is the LockQueue.Restart callback for ops that belong to
// this executor rather than a scan (op.ScanRec == fragment.NilRef). It
// re-derives the outcome via Restart and stashes it for TakeRestart, since
// this codebase has no blocking wait: the original caller polls for it.
func (ex *Executor) HandleRestart(ops *fragment.Arena[fragment.OpRecord], opRef fragment.Ref, predecessorWasDelete bool) {
	res, err := ex.Restart(ops, opRef, predecessorWasDelete)
	ex.restarted[opRef] = restartOutcome{res: res, err: err}
}

// TakeRestart returns and clears the stashed outcome for opRef, if
// HandleRestart has produced one yet.
func (ex *Executor) TakeRestart(opRef fragment.Ref) (Result, error, bool) {
	out, ok := ex.restarted[opRef]
	if !ok {
		return Result{}, nil, false
	}
	delete(ex.restarted, opRef)
	return out.res, out.err, true
}
