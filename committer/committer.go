// Package committer implements the second and third phases of the commit
// pipeline: finalizing pending part files at their published paths, and
// appending the aggregated result of a checkpoint to the table log exactly
// once.
package committer

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tablesink/tablesink/committable"
	"github.com/tablesink/tablesink/storage"
)

// CommitError indicates that a pending file could not be finalized. The
// checkpoint attempt it occurred in must be aborted and retried; no partial
// set of finalized files is forwarded.
type CommitError struct {
	CheckpointID uint64
	Path         string
	Err          error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit failure for checkpoint %d (%s): %s", e.CheckpointID, e.Path, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Committer finalizes the pending files of its paired writer by publishing
// each temporary file under its final path. One Committer instance runs per
// writer instance, and instances never communicate with each other.
type Committer struct {
	store storage.Store

	// maxAttempts bounds the per-file finalization retries before the
	// checkpoint is aborted.
	maxAttempts int
	retryDelay  time.Duration
}

func NewCommitter(store storage.Store) *Committer {
	return &Committer{
		store:       store,
		maxAttempts: 3,
		retryDelay:  time.Second,
	}
}

// Commit finalizes every closed pending file and returns one FinalizedFile
// per published file, with size and modification time taken from the file's
// state after finalization. It is safe to invoke more than once with the
// same committables: a file already present at its final path is left alone
// and reported from its published state.
func (c *Committer) Commit(ctx context.Context, committables []committable.Committable) ([]committable.FinalizedFile, error) {
	var finalized []committable.FinalizedFile

	for _, cm := range committables {
		pf := cm.File

		if pf.InProgress {
			// Still-open files are carried in writer state and must not be
			// published yet.
			continue
		}

		f, err := c.finalize(ctx, cm)
		if err != nil {
			return nil, err
		}
		finalized = append(finalized, f)
	}

	return finalized, nil
}

func (c *Committer) finalize(ctx context.Context, cm committable.Committable) (committable.FinalizedFile, error) {
	pf := cm.File

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return committable.FinalizedFile{}, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		// A file already present at the final path was published by an
		// earlier attempt; re-finalizing is a no-op.
		if exists, err := c.store.Exists(ctx, pf.FinalPath); err != nil {
			lastErr = err
			continue
		} else if !exists {
			if err := c.store.Rename(ctx, pf.TmpPath, pf.FinalPath); err != nil {
				if errors.Is(err, storage.ErrNotExist) {
					// Neither the temporary nor the final file exists: the
					// pending file's content is gone and retrying cannot
					// recover it.
					return committable.FinalizedFile{}, &CommitError{
						CheckpointID: cm.CheckpointID,
						Path:         pf.FinalPath,
						Err:          err,
					}
				}
				lastErr = err
				continue
			}
		}

		info, err := c.store.Stat(ctx, pf.FinalPath)
		if err != nil {
			lastErr = err
			continue
		}

		log.WithFields(log.Fields{
			"path":       pf.FinalPath,
			"bytes":      info.Size,
			"rows":       pf.RowCount,
			"checkpoint": cm.CheckpointID,
		}).Debug("finalized part file")

		return committable.FinalizedFile{
			Path:     pf.FinalPath,
			Size:     info.Size,
			RowCount: pf.RowCount,
			ModTime:  info.ModTime,
		}, nil
	}

	return committable.FinalizedFile{}, &CommitError{
		CheckpointID: cm.CheckpointID,
		Path:         pf.FinalPath,
		Err:          lastErr,
	}
}
