package acc

import "errors"

// Sentinel errors surfaced by Block, layered on top of the per-package
// errors internal/opexec, internal/lockqueue, and internal/lcp already
// define (this package wraps theirs with fmt.Errorf rather than hiding
// them; errors.Is still reaches ErrTupleNotFound etc. through a Block
// call).
var (
	// ErrBlockClosed is returned by any Block method called after Close.
	ErrBlockClosed = errors.New("acc: block is closed")
	// ErrCheckpointInProgress is returned by StartCheckpoint when a prior
	// checkpoint on this Block has not finished.
	ErrCheckpointInProgress = errors.New("acc: checkpoint already in progress")
	// ErrNoCheckpointInProgress is returned by CheckpointStep when no
	// checkpoint has been started.
	ErrNoCheckpointInProgress = errors.New("acc: no checkpoint in progress")
)
