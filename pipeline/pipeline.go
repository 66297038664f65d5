// Package pipeline coordinates the three commit phases across the parallel
// writer and committer instances of a job: every writer snapshots in
// lock-step, then every committer finalizes its writer's pending files, and
// only once all committers are done does the single global committer append
// the checkpoint's batch to the table log.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tablesink/tablesink/committable"
	"github.com/tablesink/tablesink/committer"
	"github.com/tablesink/tablesink/writer"
)

// Phase is the state of one checkpoint's progress through the pipeline. The
// global commit is gated on the phase: it can only run for a checkpoint that
// has reached PhaseReadyToCommit.
type Phase int

const (
	PhaseWaitingForWriters Phase = iota
	PhaseWaitingForCommitters
	PhaseReadyToCommit
	PhaseCommitted
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseWaitingForWriters:
		return "WAITING_FOR_WRITERS"
	case PhaseWaitingForCommitters:
		return "WAITING_FOR_COMMITTERS"
	case PhaseReadyToCommit:
		return "READY_TO_COMMIT"
	case PhaseCommitted:
		return "COMMITTED"
	case PhaseAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(p))
	}
}

// checkpointState tracks one in-flight checkpoint. Hand-off buffers are keyed
// by instance index so that a writer's pending files always flow to its
// paired committer.
type checkpointState struct {
	phase        Phase
	committables [][]committable.Committable
	finalized    [][]committable.FinalizedFile
}

// Coordinator drives the phase transitions of checkpoints for one job. The
// external runtime calls its methods as checkpoint barriers and completion
// notifications arrive; the Coordinator enforces that phases run in order,
// that batches from different checkpoints never mix, and that an aborted
// checkpoint never reaches the global committer.
type Coordinator struct {
	writers    []*writer.Writer
	committers []*committer.Committer
	global     *committer.GlobalCommitter
	snapshots  *SnapshotStore

	mu       sync.Mutex
	inflight map[uint64]*checkpointState
}

func NewCoordinator(
	writers []*writer.Writer,
	committers []*committer.Committer,
	global *committer.GlobalCommitter,
	snapshots *SnapshotStore,
) (*Coordinator, error) {
	if len(writers) == 0 {
		return nil, fmt.Errorf("at least one writer is required")
	} else if len(writers) != len(committers) {
		return nil, fmt.Errorf("%d writers but %d committers; instances must be paired", len(writers), len(committers))
	} else if global == nil {
		return nil, fmt.Errorf("missing global committer")
	}

	return &Coordinator{
		writers:    writers,
		committers: committers,
		global:     global,
		snapshots:  snapshots,
		inflight:   make(map[uint64]*checkpointState),
	}, nil
}

func (c *Coordinator) transition(checkpointID uint64, from, to Phase) (*checkpointState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.inflight[checkpointID]
	if !ok {
		return nil, fmt.Errorf("checkpoint %d is not in flight", checkpointID)
	}
	if st.phase != from {
		return nil, fmt.Errorf("checkpoint %d is in phase %s, expected %s", checkpointID, st.phase, from)
	}
	st.phase = to

	return st, nil
}

// SnapshotRequested begins checkpoint checkpointID: every writer prepares its
// commit in parallel, and each writer's bucket state is persisted through its
// versioned serializer. On any failure the checkpoint is aborted.
func (c *Coordinator) SnapshotRequested(ctx context.Context, checkpointID uint64) error {
	c.mu.Lock()
	if _, ok := c.inflight[checkpointID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("checkpoint %d is already in flight", checkpointID)
	}
	st := &checkpointState{
		phase:        PhaseWaitingForWriters,
		committables: make([][]committable.Committable, len(c.writers)),
		finalized:    make([][]committable.FinalizedFile, len(c.committers)),
	}
	c.inflight[checkpointID] = st
	c.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for i, w := range c.writers {
		i, w := i, w
		group.Go(func() error {
			committables, states, err := w.PrepareCommit(groupCtx, checkpointID)
			if err != nil {
				return fmt.Errorf("writer %d prepare commit: %w", i, err)
			}

			if c.snapshots != nil {
				if err := c.snapshots.PutWriterState(checkpointID, i, states); err != nil {
					return fmt.Errorf("persisting writer %d state: %w", i, err)
				}
			}

			st.committables[i] = committables
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		c.CheckpointAborted(checkpointID)
		return err
	}

	if _, err := c.transition(checkpointID, PhaseWaitingForWriters, PhaseWaitingForCommitters); err != nil {
		return err
	}

	log.WithField("checkpoint", checkpointID).Debug("all writers snapshotted")
	return nil
}

// AllWritersSnapshotted runs the committer phase: each committer finalizes
// its paired writer's pending files in parallel, and each finalized file
// list is persisted through its versioned serializer. On any failure the
// checkpoint is aborted so that the global committer can never observe a
// partial result.
func (c *Coordinator) AllWritersSnapshotted(ctx context.Context, checkpointID uint64) error {
	c.mu.Lock()
	st, ok := c.inflight[checkpointID]
	if !ok || st.phase != PhaseWaitingForCommitters {
		phase := PhaseAborted
		if ok {
			phase = st.phase
		}
		c.mu.Unlock()
		return fmt.Errorf("checkpoint %d is in phase %s, expected %s", checkpointID, phase, PhaseWaitingForCommitters)
	}
	c.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for i, cm := range c.committers {
		i, cm := i, cm
		group.Go(func() error {
			finalized, err := cm.Commit(groupCtx, st.committables[i])
			if err != nil {
				return fmt.Errorf("committer %d: %w", i, err)
			}

			if c.snapshots != nil {
				if err := c.snapshots.PutCommitterOutput(checkpointID, i, finalized); err != nil {
					return fmt.Errorf("persisting committer %d output: %w", i, err)
				}
			}

			st.finalized[i] = finalized
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		c.CheckpointAborted(checkpointID)
		return err
	}

	if _, err := c.transition(checkpointID, PhaseWaitingForCommitters, PhaseReadyToCommit); err != nil {
		return err
	}

	log.WithField("checkpoint", checkpointID).Debug("all committers done")
	return nil
}

// AllCommittersDone runs the global phase: the per-committer results of this
// checkpoint, and only this checkpoint, are combined into a single batch and
// appended to the table log as one version. It refuses to run for a
// checkpoint that has not completed both earlier phases.
func (c *Coordinator) AllCommittersDone(ctx context.Context, checkpointID uint64) error {
	st, err := c.transition(checkpointID, PhaseReadyToCommit, PhaseCommitted)
	if err != nil {
		return err
	}

	batch := c.global.Combine(checkpointID, st.finalized...)
	if err := c.global.Commit(ctx, batch); err != nil {
		c.mu.Lock()
		st.phase = PhaseReadyToCommit
		c.mu.Unlock()
		return fmt.Errorf("global commit of checkpoint %d: %w", checkpointID, err)
	}

	c.mu.Lock()
	delete(c.inflight, checkpointID)
	c.mu.Unlock()

	return nil
}

// CheckpointAborted cancels an in-flight checkpoint. Part files already
// finalized for it are left orphaned: they are never referenced by a log
// version and are not cleaned up synchronously.
func (c *Coordinator) CheckpointAborted(checkpointID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.inflight[checkpointID]
	if !ok || st.phase == PhaseCommitted {
		return
	}

	// The hand-off buffers are left in place: a phase still in flight may be
	// writing into them by index, and the phase gate alone is what keeps an
	// aborted checkpoint away from the global committer.
	st.phase = PhaseAborted

	log.WithField("checkpoint", checkpointID).Warn("checkpoint aborted")
}

// RunCheckpoint drives all three phases of one checkpoint in order. It is a
// convenience for runtimes without an external barrier mechanism.
func (c *Coordinator) RunCheckpoint(ctx context.Context, checkpointID uint64) error {
	if err := c.SnapshotRequested(ctx, checkpointID); err != nil {
		return err
	}
	if err := c.AllWritersSnapshotted(ctx, checkpointID); err != nil {
		return err
	}
	return c.AllCommittersDone(ctx, checkpointID)
}
