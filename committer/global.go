package committer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/tablesink/tablesink/committable"
	"github.com/tablesink/tablesink/tablelog"
)

// GlobalCommitter aggregates the finalized files of every committer instance
// for one checkpoint and appends them to the table log as exactly one new
// version. Exactly one instance runs per job, and only one commit may be in
// flight per checkpoint.
type GlobalCommitter struct {
	log   tablelog.Log
	jobID string

	// maxElapsed bounds how long an unreachable log is retried with backoff
	// before the failure is escalated as fatal.
	maxElapsed      time.Duration
	initialInterval time.Duration
}

func NewGlobalCommitter(tlog tablelog.Log, jobID string) *GlobalCommitter {
	return &GlobalCommitter{
		log:             tlog,
		jobID:           jobID,
		maxElapsed:      2 * time.Minute,
		initialInterval: 100 * time.Millisecond,
	}
}

// Combine merges the per-committer finalized file lists of one checkpoint
// into a single batch. The union is deterministic: entries are deduplicated
// by final path, so a list delivered more than once contributes each file
// exactly once, and the result is sorted by path.
func (g *GlobalCommitter) Combine(checkpointID uint64, lists ...[]committable.FinalizedFile) committable.CommitBatch {
	seen := make(map[string]struct{})
	var files []committable.FinalizedFile

	for _, list := range lists {
		for _, f := range list {
			if _, ok := seen[f.Path]; ok {
				continue
			}
			seen[f.Path] = struct{}{}
			files = append(files, f)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return committable.CommitBatch{
		JobID:        g.jobID,
		CheckpointID: checkpointID,
		Files:        files,
	}
}

// Commit appends the batch to the table log as one new version. A batch whose
// checkpoint was already committed by a previous attempt is recognized by the
// job's transaction version recorded in the log and treated as success
// without appending again; this is what keeps the pipeline exactly-once under
// retried checkpoint notifications. An empty batch is skipped and never
// fails.
func (g *GlobalCommitter) Commit(ctx context.Context, batch committable.CommitBatch) error {
	ll := log.WithFields(log.Fields{
		"job":        batch.JobID,
		"checkpoint": batch.CheckpointID,
		"files":      len(batch.Files),
	})

	if batch.Empty() {
		ll.Info("no files to commit for checkpoint")
		return nil
	}

	actions := make([]tablelog.Action, 0, len(batch.Files))
	for _, f := range batch.Files {
		actions = append(actions, tablelog.Action{
			Path:     f.Path,
			Size:     f.Size,
			RowCount: f.RowCount,
			ModTime:  f.ModTime,
		})
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.initialInterval
	bo.MaxElapsedTime = g.maxElapsed

	return backoff.Retry(func() error {
		err := g.tryCommit(ctx, batch, actions)
		if errors.Is(err, tablelog.ErrUnreachable) {
			ll.WithField("error", err).Warn("table log unreachable, retrying commit")
			return err
		}
		// Conflicts are resolved inside tryCommit; anything else surfacing
		// here is fatal for this checkpoint attempt.
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

// maxConflictRetries bounds how often a lost version race is retried before
// the conflict is escalated as irrecoverable.
const maxConflictRetries = 10

func (g *GlobalCommitter) tryCommit(ctx context.Context, batch committable.CommitBatch, actions []tablelog.Action) error {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		// A transaction version at or beyond this checkpoint means a prior
		// attempt already committed this batch durably.
		lastCommitted, found, err := g.log.TxnVersion(ctx, batch.JobID)
		if err != nil {
			return err
		}
		if found && lastCommitted >= batch.CheckpointID {
			log.WithFields(log.Fields{
				"job":           batch.JobID,
				"checkpoint":    batch.CheckpointID,
				"lastCommitted": lastCommitted,
			}).Info("checkpoint already committed, skipping")
			return nil
		}

		current, err := g.log.CurrentVersion(ctx)
		if err != nil {
			return err
		}

		err = g.log.Append(ctx, tablelog.Commit{
			Version:      current + 1,
			JobID:        batch.JobID,
			CheckpointID: batch.CheckpointID,
			CommittedAt:  time.Now().UTC(),
			Actions:      actions,
		})
		if err == nil {
			log.WithFields(log.Fields{
				"job":        batch.JobID,
				"checkpoint": batch.CheckpointID,
				"version":    current + 1,
				"files":      len(batch.Files),
			}).Info("committed checkpoint to table log")
			return nil
		}
		if errors.Is(err, tablelog.ErrConflict) {
			// Someone claimed the version first: either a concurrent writer
			// to the same table, or our own retried delivery racing a prior
			// attempt. Loop to re-read the transaction version and the new
			// head.
			lastErr = err
			continue
		}
		return fmt.Errorf("appending version %d: %w", current+1, err)
	}

	return fmt.Errorf("giving up after %d version conflicts: %w", maxConflictRetries, lastErr)
}
