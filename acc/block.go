// Package acc is the top-level orchestrator named in SPEC_FULL.md §0: it
// wires PageStore, Directory, Container, LinearHashIndex, LockQueue,
// OpExecutor, ScanEngine, AdaptiveHash, UndoLog, and LcpEngine together
// into one fragment-store instance, the way the teacher's `pager.go` was
// the single entry point sitting in front of its own buffer pool, WAL, and
// B+Tree. Grounded on that file's "one struct, one constructor, thin
// public methods delegating to the real subsystems" shape.
package acc

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/text/language"

	"github.com/accstore/lhacc/internal/adaptivehash"
	"github.com/accstore/lhacc/internal/config"
	"github.com/accstore/lhacc/internal/container"
	"github.com/accstore/lhacc/internal/directory"
	"github.com/accstore/lhacc/internal/fragment"
	"github.com/accstore/lhacc/internal/lcp"
	"github.com/accstore/lhacc/internal/linhash"
	"github.com/accstore/lhacc/internal/lockqueue"
	"github.com/accstore/lhacc/internal/opexec"
	"github.com/accstore/lhacc/internal/pagestore"
	"github.com/accstore/lhacc/internal/scan"
	"github.com/accstore/lhacc/internal/tuplemgr"
	"github.com/accstore/lhacc/internal/undolog"
)

// opRemainderSource implements linhash.RemainderSource by resolving a
// locked element's remainder through the op that holds it, per spec.md
// §4.4's "a locked element's remainder is found via its owning operation".
type opRemainderSource struct {
	ops *fragment.Arena[fragment.OpRecord]
}

func (s opRemainderSource) RemainderOf(e container.Element) (uint16, error) {
	if !e.Header.IsLocked() {
		return e.Header.HashRemainder(), nil
	}
	op := s.ops.Get(fragment.Ref(e.Header.OpIndex()))
	if op == nil {
		return 0, fmt.Errorf("acc: locked element points at a freed op")
	}
	return uint16(op.Hash), nil
}

// Block is one running fragment-store instance: a single (tableID, fragID)
// linear-hash bucket index with its lock queue, scan engine, adaptive hash
// cache, undo log, and checkpoint engine.
type Block struct {
	Cfg     config.Config
	Log     *log.Logger
	TableID uint32
	FragID  uint32

	Store       *pagestore.Store
	BucketDir   *directory.Map
	OverflowDir *directory.Map
	Frag        *fragment.Fragment
	Overflow    *fragment.Arena[fragment.OverflowRecord]
	Index       *linhash.Index

	Ops   *fragment.Arena[fragment.OpRecord]
	Locks *lockqueue.Queue
	Hash  *adaptivehash.Cache

	Tuples tuplemgr.TupleManager
	Exec   *opexec.Executor

	Scans   *fragment.Arena[fragment.ScanRecord]
	ScanEng *scan.Engine

	Undo        *undolog.Ring
	undoBackend *undolog.FileBackend

	LCP *lcp.Engine

	dataDir string

	mu        sync.Mutex
	closed    bool
	scanRefs  map[fragment.Ref]struct{}
	ckpt      *lcp.Checkpoint
	nextLCPID uint32
	scheduler *lcp.Scheduler
}

// Options configures NewBlock. Zero-valued fields take the documented
// default.
type Options struct {
	Config    config.Config
	TableID   uint32
	FragID    uint32
	KeyWords  int
	Collation language.Tag
	Tuples    tuplemgr.TupleManager // defaults to tuplemgr.NewInMemory()
	Logger    *log.Logger           // defaults to log.Default()
	DataDir   string                // defaults to Config.DataDir
	LcpCron   string                // defaults to Config.LcpCron; "" disables scheduling
}

// NewBlock constructs and wires a Block per SPEC_FULL.md §0's module map.
func NewBlock(opt Options) (*Block, error) {
	cfg := opt.Config
	if cfg.Page8 == 0 {
		cfg = config.Default()
	}
	logger := opt.Logger
	if logger == nil {
		logger = log.Default()
	}
	tuples := opt.Tuples
	if tuples == nil {
		tuples = tuplemgr.NewInMemory()
	}
	dataDir := opt.DataDir
	if dataDir == "" {
		dataDir = cfg.DataDir
	}
	if dataDir == "" {
		dataDir = "."
	}
	fragDir := filepath.Join(dataDir, "D3", "DBACC", fmt.Sprintf("T%d", opt.TableID), fmt.Sprintf("F%d", opt.FragID))
	if err := os.MkdirAll(fragDir, 0o755); err != nil {
		return nil, fmt.Errorf("acc: create fragment directory: %w", err)
	}
	undoDir := filepath.Join(dataDir, "D4", "DBACC", fmt.Sprintf("%d", opt.FragID))
	if err := os.MkdirAll(undoDir, 0o755); err != nil {
		return nil, fmt.Errorf("acc: create undo directory: %w", err)
	}

	store, err := pagestore.New(cfg.Page8, cfg.Page8/8)
	if err != nil {
		return nil, fmt.Errorf("acc: new page store: %w", err)
	}

	frag := &fragment.Fragment{
		ID: opt.FragID,
		LH: fragment.LHParams{
			K:             6,
			P:             0,
			MaxP:          0,
			HashCheckBit:  2,
			MinLoadFactor: 0.5,
			MaxLoadFactor: 2.0,
		},
		LocalKeyLength: opt.KeyWords,
	}

	index := &linhash.Index{
		Store:       store,
		BucketDir:   directory.New(),
		OverflowDir: directory.New(),
		Frag:        frag,
		Overflow:    fragment.NewOverflowArena(cfg.OverflowRecs),
	}

	ops := fragment.NewOpArena(cfg.OpRecs)
	index.Remainders = opRemainderSource{ops: ops}

	locks := &lockqueue.Queue{
		Ops:      ops,
		Frag:     frag,
		Pages:    index,
		KeyWords: opt.KeyWords,
		Dealloc:  nil,
	}

	hash := adaptivehash.New(cfg.OpRecs)
	exec := opexec.NewExecutor(index, locks, hash, tuples, opt.TableID, opt.FragID, opt.KeyWords, opt.Collation)

	scans := fragment.NewScanArena(cfg.Scan)
	scanEng := &scan.Engine{
		Index:    index,
		Locks:    locks,
		Ops:      ops,
		Scans:    scans,
		KeyWords: opt.KeyWords,
	}

	// Wire LockQueue's wake-up half of spec.md §4.5/§4.7: an op unblocked
	// by release or lock upgrade is either a parked scan row (dispatched
	// back into the scan's ReadyOps queue) or a direct opexec caller
	// (stashed for Block.PollRestart), per this repository's no-blocking-
	// wait polling idiom.
	locks.Restart = func(opRef fragment.Ref, predecessorWasDelete bool) {
		op := ops.Get(opRef)
		if op.ScanRec != fragment.NilRef {
			scanEng.Wake(op.ScanRec, opRef)
			return
		}
		exec.HandleRestart(ops, opRef, predecessorWasDelete)
	}

	undoPath := filepath.Join(undoDir, "0.LOCLOG")
	undoBackend, err := undolog.OpenFileBackend(undoPath)
	if err != nil {
		return nil, fmt.Errorf("acc: open undo log: %w", err)
	}
	ring, err := undolog.NewRing(undoBackend)
	if err != nil {
		undoBackend.Close()
		return nil, fmt.Errorf("acc: new undo ring: %w", err)
	}

	lcpEng := &lcp.Engine{
		Index:   index,
		Ops:     ops,
		Undo:    ring,
		TableID: opt.TableID,
	}

	b := &Block{
		Cfg:         cfg,
		Log:         logger,
		TableID:     opt.TableID,
		FragID:      opt.FragID,
		Store:       store,
		BucketDir:   index.BucketDir,
		OverflowDir: index.OverflowDir,
		Frag:        frag,
		Overflow:    index.Overflow,
		Index:       index,
		Ops:         ops,
		Locks:       locks,
		Hash:        hash,
		Tuples:      tuples,
		Exec:        exec,
		Scans:       scans,
		ScanEng:     scanEng,
		Undo:        ring,
		undoBackend: undoBackend,
		LCP:         lcpEng,
		dataDir:     fragDir,
		scanRefs:    make(map[fragment.Ref]struct{}),
		nextLCPID:   1,
	}

	cron := opt.LcpCron
	if cron == "" {
		cron = cfg.LcpCron
	}
	if cron != "" {
		sched, err := lcp.NewScheduler(cron, func() { b.triggerScheduledCheckpoint() })
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("acc: start lcp scheduler: %w", err)
		}
		b.scheduler = sched
	}

	return b, nil
}

func (b *Block) triggerScheduledCheckpoint() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.ckpt != nil {
		return
	}
	b.Log.Printf("acc: scheduled checkpoint firing for table %d frag %d", b.TableID, b.FragID)
	if err := b.startCheckpointLocked(); err != nil {
		b.Log.Printf("acc: scheduled checkpoint failed to start: %v", err)
		return
	}
	for {
		done, err := b.LCP.Step(b.ckpt)
		if err != nil {
			b.Log.Printf("acc: scheduled checkpoint failed: %v", err)
			b.ckpt = nil
			return
		}
		if done {
			b.Log.Printf("acc: scheduled checkpoint %s complete", b.ckpt.ID)
			b.ckpt = nil
			return
		}
	}
}

// Close stops the scheduler (if any) and releases the undo log file lock.
func (b *Block) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.scheduler != nil {
		b.scheduler.Stop()
	}
	return b.undoBackend.Close()
}

// Insert, Read, Update, and Delete are thin per-kind wrappers over Execute,
// matching the teacher's pager.go convention of one named method per verb
// in front of a shared internal dispatch.

func (b *Block) Insert(tx fragment.TxID, key [][]byte) (opexec.Result, error) {
	return b.execute(opexec.Request{Kind: fragment.OpInsert, Mode: fragment.LockExclusive, Tx: tx, Key: key, NFields: len(key)})
}

func (b *Block) Read(tx fragment.TxID, key [][]byte, readCommitted bool) (opexec.Result, error) {
	return b.execute(opexec.Request{Kind: fragment.OpRead, Mode: fragment.LockShared, Tx: tx, Key: key, NFields: len(key), ReadCommitted: readCommitted})
}

func (b *Block) Update(tx fragment.TxID, key [][]byte) (opexec.Result, error) {
	return b.execute(opexec.Request{Kind: fragment.OpUpdate, Mode: fragment.LockExclusive, Tx: tx, Key: key, NFields: len(key)})
}

func (b *Block) Delete(tx fragment.TxID, key [][]byte) (opexec.Result, error) {
	return b.execute(opexec.Request{Kind: fragment.OpDelete, Mode: fragment.LockExclusive, Tx: tx, Key: key, NFields: len(key)})
}

// PollRestart reports the outcome of a previously blocked direct (non-scan)
// op once LockQueue's release or lock-upgrade path has unblocked it and
// Executor.HandleRestart has re-derived its result. Callers whose Insert/
// Update/Delete/Read returned lockqueue.Blocked poll this until ok is true,
// matching this repository's no-blocking-wait idiom.
func (b *Block) PollRestart(opRef fragment.Ref) (opexec.Result, error, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Exec.TakeRestart(opRef)
}

func (b *Block) execute(req opexec.Request) (opexec.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return opexec.Result{}, ErrBlockClosed
	}
	if req.Kind != fragment.OpRead && !b.Undo.AdmitOperation() {
		return opexec.Result{}, fmt.Errorf("acc: operation refused: %w", undolog.ErrBackpressure)
	}
	res, err := b.Exec.Execute(b.Ops, req)
	if err != nil {
		return opexec.Result{}, err
	}
	return res, nil
}

// Commit commits an operation previously returned by Insert/Read/Update/
// Delete, updates the fragment's slack counter per spec.md §4.4 ("slack"
// tracks load relative to the load-factor bounds; insert decrements it,
// delete increments it), and gives expand/shrink a chance to run. Refuses
// with undolog.ErrBackpressure if the undo ring lacks commit credit.
func (b *Block) Commit(op fragment.Ref) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBlockClosed
	}
	if !b.Undo.AdmitCommit() {
		return fmt.Errorf("acc: commit refused: %w", undolog.ErrBackpressure)
	}
	rec := b.Ops.Get(op)
	if rec == nil {
		return fmt.Errorf("acc: commit: unknown op %d", op)
	}
	kind := rec.Kind
	if kind == fragment.OpRead && rec.Elem == (container.ElemRef{}) {
		// A read-committed read took no lock, so there is nothing to release.
		return nil
	}
	if err := b.Locks.Commit(op); err != nil {
		return err
	}
	switch kind {
	case fragment.OpInsert:
		b.Frag.LH.Slack--
	case fragment.OpDelete:
		b.Frag.LH.Slack++
	}
	b.maybeMaintainLoadLocked()
	return nil
}

// Abort aborts an operation previously returned by Insert/Read/Update/
// Delete.
func (b *Block) Abort(op fragment.Ref) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBlockClosed
	}
	return b.Locks.Abort(op)
}

// maxExpandStepsPerCommit bounds spec.md §4.4's "if slack remains negative,
// schedule another expand step without waiting for the next commit" so a
// pathological load factor can't spin this call forever.
const maxExpandStepsPerCommit = 8

// maybeMaintainLoadLocked runs expand steps while slack is negative (spec.md
// §4.4 step 4) and, symmetrically, one shrink step once slack has grown
// past slackCheck. Called with b.mu held.
func (b *Block) maybeMaintainLoadLocked() {
	lh := &b.Frag.LH
	for i := 0; i < maxExpandStepsPerCommit && lh.Slack < 0; i++ {
		performed, err := b.tryExpandLocked()
		if err != nil {
			b.Log.Printf("acc: expand step failed: %v", err)
			break
		}
		if !performed {
			break // vetoed by an active scan; retry on a later commit
		}
	}
	if lh.SlackCheck > 0 && lh.Slack >= lh.SlackCheck {
		if _, err := b.tryShrinkLocked(); err != nil {
			b.Log.Printf("acc: shrink step failed: %v", err)
		}
	}
}

// tryExpandLocked vetoes the step if any active scan currently sits on the
// sender bucket, otherwise performs it and widens every active scan's
// rescan range over the receiver bucket (SPEC_FULL.md §12's
// restored scan/merge interaction). Called with b.mu held.
func (b *Block) tryExpandLocked() (performed bool, err error) {
	if !b.Undo.AdmitExpand() {
		return false, nil // insufficient undo credit; retry on a later commit
	}
	lh := b.Frag.LH
	senderBucket := lh.P
	for ref := range b.scanRefs {
		if b.ScanEng.VetoesExpand(ref, senderBucket) {
			return false, nil
		}
	}
	receiverBucket := lh.MaxP + lh.P + 1
	if err := b.Index.Expand(); err != nil {
		return false, err
	}
	for ref := range b.scanRefs {
		b.ScanEng.NoteMerge(ref, receiverBucket)
	}
	return true, b.clearScanBitsOnBucketLocked(receiverBucket)
}

// tryShrinkLocked is Shrink's veto-and-notify counterpart. It predicts the
// post-shrink (sender, dest) bucket pair the same way internal/linhash's
// Shrink derives them internally, without mutating Frag.LH itself, so the
// veto check runs against the bucket Shrink is actually about to touch.
func (b *Block) tryShrinkLocked() (performed bool, err error) {
	lh := b.Frag.LH
	newP, newMaxP := lh.P, lh.MaxP
	if newP == 0 {
		newMaxP >>= 1
		newP = newMaxP
	} else {
		newP--
	}
	senderBucket := newMaxP + newP + 1
	destBucket := newP

	for ref := range b.scanRefs {
		if b.ScanEng.VetoesExpand(ref, senderBucket) {
			return false, nil
		}
	}
	if err := b.Index.Shrink(); err != nil {
		return false, err
	}
	for ref := range b.scanRefs {
		b.ScanEng.NoteMerge(ref, destBucket)
	}
	return true, b.clearScanBitsOnBucketLocked(destBucket)
}

// clearScanBitsOnBucketLocked clears every active scan's bit from the
// bucket elements just merged in, per SPEC_FULL.md §12.
func (b *Block) clearScanBitsOnBucketLocked(bucket uint32) error {
	page, slot := b.Index.PageAndSlot(bucket)
	pageID := b.BucketDir.GetPageRef(page)
	if pageID == pagestore.NilID {
		return nil
	}
	for ref := range b.scanRefs {
		s := b.Scans.Get(ref)
		if err := scan.ClearBitsForMerge(b.Index, pageID, slot, b.Locks.KeyWords, s.Bit); err != nil {
			return err
		}
	}
	return nil
}

// StartScan begins a scan over this Block's fragment.
func (b *Block) StartScan(mode fragment.LockMode, readCommitted bool) (fragment.Ref, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fragment.NilRef, ErrBlockClosed
	}
	ref, err := b.ScanEng.Start(b.FragID, mode, readCommitted)
	if err != nil {
		return fragment.NilRef, err
	}
	b.scanRefs[ref] = struct{}{}
	return ref, nil
}

// NextScan advances scanRef by at most one row.
func (b *Block) NextScan(scanRef fragment.Ref) (scan.Row, bool, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return scan.Row{}, false, false, ErrBlockClosed
	}
	return b.ScanEng.Next(scanRef)
}

// CloseScan releases a scan started with StartScan.
func (b *Block) CloseScan(scanRef fragment.Ref) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.scanRefs, scanRef)
	b.ScanEng.Close(scanRef)
}

// StartCheckpoint begins a local checkpoint, failing if one is already in
// flight.
func (b *Block) StartCheckpoint() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBlockClosed
	}
	return b.startCheckpointLocked()
}

func (b *Block) startCheckpointLocked() error {
	if b.ckpt != nil {
		return ErrCheckpointInProgress
	}
	id := b.nextLCPID
	b.nextLCPID++
	dataPath := filepath.Join(b.dataDir, fmt.Sprintf("S%d.DATA", id))
	ckpt, err := b.LCP.StartCheckpoint(id, b.countElements(), b.commitCount(), dataPath)
	if err != nil {
		return err
	}
	b.ckpt = ckpt
	return nil
}

// CheckpointStep advances the in-flight checkpoint by one bounded unit of
// work, per spec.md §4.9's cooperative-yield discipline.
func (b *Block) CheckpointStep() (done bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, ErrBlockClosed
	}
	if b.ckpt == nil {
		return false, ErrNoCheckpointInProgress
	}
	done, err = b.LCP.Step(b.ckpt)
	if err != nil {
		return false, err
	}
	if done {
		b.ckpt = nil
	}
	return done, nil
}

// countElements is a placeholder metadata source for StartCheckpoint; a
// full deployment would track this incrementally alongside Slack rather
// than recomputing it, but nothing in this repository's scope reads it
// except the zero-page round trip checked in internal/lcp's tests.
func (b *Block) countElements() uint32 {
	return 0
}

func (b *Block) commitCount() uint64 {
	return uint64(b.Frag.LH.ExpandCounter)
}
