// Package writer implements the first phase of the commit pipeline: routing
// records into per-bucket part files, rolling those files on size and age,
// and producing pending file descriptors plus resumable state at every
// checkpoint.
package writer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tablesink/tablesink/committable"
	"github.com/tablesink/tablesink/encode"
	"github.com/tablesink/tablesink/storage"
)

// BucketAssigner routes a record to the logical output partition it belongs
// to. It is expected to be a pure function of the row.
type BucketAssigner interface {
	AssignBucket(row []any) string
}

// BucketAssignerFunc adapts a plain function to a BucketAssigner.
type BucketAssignerFunc func(row []any) string

func (f BucketAssignerFunc) AssignBucket(row []any) string { return f(row) }

// WriteError indicates that buffering a record or flushing a part file
// failed. The checkpoint attempt it occurred in must be retried from the last
// successful checkpoint.
type WriteError struct {
	BucketID string
	Path     string
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write failure in bucket %q (%s): %s", e.BucketID, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

type Config struct {
	// JobID identifies the logical job across restarts, and tags every
	// committable so that replayed commits can be recognized at the log.
	JobID string

	// WriterID is the index of this parallel writer instance.
	WriterID int

	// Format selects the bulk file format for part files.
	Format encode.Format

	// Compression enables gzip compression of part files. Compressed part
	// files cannot be kept open across a restart, so they are always closed
	// at checkpoints.
	Compression bool

	// FileSizeLimit rolls a part file once it reaches this many bytes.
	FileSizeLimit int64

	// RollInterval bounds how long a part file may stay open before it is
	// rolled regardless of size.
	RollInterval time.Duration

	// FlushOnCheckpoint closes every open part file when a checkpoint is
	// taken, instead of carrying it across the checkpoint in writer state.
	// This is forced for stores that cannot reopen a file for appending.
	FlushOnCheckpoint bool
}

const (
	DefaultFileSizeLimit = 128 * 1024 * 1024
	DefaultRollInterval  = 15 * time.Minute
)

func (c Config) Validate() error {
	if c.JobID == "" {
		return fmt.Errorf("missing jobID")
	} else if c.WriterID < 0 {
		return fmt.Errorf("writerID %d cannot be negative", c.WriterID)
	} else if err := c.Format.Validate(); err != nil {
		return err
	} else if c.FileSizeLimit < 0 {
		return fmt.Errorf("fileSizeLimit %d cannot be negative", c.FileSizeLimit)
	} else if c.RollInterval < 0 {
		return fmt.Errorf("rollInterval %s cannot be negative", c.RollInterval)
	}

	return nil
}

func (c Config) withDefaults() Config {
	if c.FileSizeLimit == 0 {
		c.FileSizeLimit = DefaultFileSizeLimit
	}
	if c.RollInterval == 0 {
		c.RollInterval = DefaultRollInterval
	}
	return c
}

// Writer is one parallel instance of the buffering phase. It is not safe for
// concurrent use; the external runtime drives it from a single goroutine and
// coordinates checkpoints across instances.
type Writer struct {
	cfg      Config
	store    storage.Store
	assigner BucketAssigner

	// session disambiguates part file names from other writer sessions
	// (earlier incarnations of this instance included).
	session string
	buckets map[string]*bucketWriter
}

func NewWriter(cfg Config, store storage.Store, assigner BucketAssigner) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid writer config: %w", err)
	}

	return &Writer{
		cfg:      cfg.withDefaults(),
		store:    store,
		assigner: assigner,
		session:  uuid.NewString(),
		buckets:  make(map[string]*bucketWriter),
	}, nil
}

// RestoreWriter rebuilds a Writer from the bucket states persisted at the
// last successful checkpoint. In-progress part files are reopened at their
// recorded offset, discarding anything written after the checkpoint cut, so
// previously captured rows are resumed without being re-emitted.
func RestoreWriter(ctx context.Context, cfg Config, store storage.Store, assigner BucketAssigner, states []BucketState) (*Writer, error) {
	w, err := NewWriter(cfg, store, assigner)
	if err != nil {
		return nil, err
	}

	for _, st := range states {
		b := &bucketWriter{id: st.BucketID, partCounter: st.PartCounter}

		if ip := st.InProgress; ip != nil {
			if cfg.Compression {
				return nil, fmt.Errorf("bucket %q has an in-progress file but compressed part files cannot be resumed", st.BucketID)
			}

			f, err := store.OpenAppend(ctx, ip.TmpPath, ip.Size)
			if err != nil {
				return nil, fmt.Errorf("resuming in-progress file of bucket %q: %w", st.BucketID, err)
			}

			enc, err := encode.NewEncoder(w.cfg.Format, f, false)
			if err != nil {
				return nil, err
			}

			b.file = f
			b.enc = enc
			b.tmpPath = ip.TmpPath
			b.finalPath = ip.FinalPath
			b.restored = ip.Size
			b.rowCount = ip.RowCount
			b.opened = ip.CreatedAt

			log.WithFields(log.Fields{
				"bucket": st.BucketID,
				"path":   ip.TmpPath,
				"offset": ip.Size,
				"rows":   ip.RowCount,
			}).Info("resumed in-progress part file")
		}

		w.buckets[st.BucketID] = b
	}

	return w, nil
}

// Write routes a single record to its bucket and appends it to the bucket's
// open part file, opening one if needed and rolling the file when its size or
// age limit is reached.
func (w *Writer) Write(ctx context.Context, row []any) error {
	bucketID := ""
	if w.assigner != nil {
		bucketID = w.assigner.AssignBucket(row)
	}

	b, ok := w.buckets[bucketID]
	if !ok {
		b = &bucketWriter{id: bucketID}
		w.buckets[bucketID] = b
	}

	if b.file != nil && time.Since(b.opened) >= w.cfg.RollInterval {
		if err := b.closePart(); err != nil {
			return &WriteError{BucketID: bucketID, Path: b.tmpPath, Err: err}
		}
	}

	if b.file == nil {
		if err := b.openPart(ctx, w); err != nil {
			return &WriteError{BucketID: bucketID, Err: err}
		}
	}

	if err := b.enc.Encode(row); err != nil {
		return &WriteError{BucketID: bucketID, Path: b.tmpPath, Err: err}
	}
	b.rowCount++

	if b.size() >= w.cfg.FileSizeLimit {
		if err := b.closePart(); err != nil {
			return &WriteError{BucketID: bucketID, Path: b.tmpPath, Err: err}
		}
	}

	return nil
}

// PrepareCommit rolls every part file that is due, emits one committable per
// pending file, and returns the per-bucket state to be persisted by the
// checkpointing mechanism. It is idempotent with respect to already flushed
// content: a repeated call without intervening writes emits no additional
// closed files.
func (w *Writer) PrepareCommit(ctx context.Context, checkpointID uint64) ([]committable.Committable, []BucketState, error) {
	ids := make([]string, 0, len(w.buckets))
	for id := range w.buckets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var committables []committable.Committable
	var states []BucketState

	for _, id := range ids {
		b := w.buckets[id]

		if b.file != nil {
			keepOpen := !w.cfg.FlushOnCheckpoint &&
				b.enc.Resumable() &&
				time.Since(b.opened) < w.cfg.RollInterval

			if !keepOpen {
				if err := b.closePart(); err != nil {
					return nil, nil, &WriteError{BucketID: id, Path: b.tmpPath, Err: err}
				}
			} else if err := b.enc.Flush(); err != nil {
				return nil, nil, &WriteError{BucketID: id, Path: b.tmpPath, Err: err}
			}
		}

		st := BucketState{BucketID: id, PartCounter: b.partCounter}

		if b.file != nil {
			// The file stays open across this checkpoint; its consistent cut
			// is captured in state so a restarted writer can resume it, and
			// an in-progress descriptor is emitted for observability. The
			// committer does not finalize in-progress files.
			st.InProgress = &InProgressFile{
				TmpPath:   b.tmpPath,
				FinalPath: b.finalPath,
				Size:      b.size(),
				RowCount:  b.rowCount,
				CreatedAt: b.opened,
			}

			committables = append(committables, committable.Committable{
				JobID:        w.cfg.JobID,
				CheckpointID: checkpointID,
				File: committable.PendingFile{
					BucketID:   id,
					TmpPath:    b.tmpPath,
					FinalPath:  b.finalPath,
					Size:       b.size(),
					RowCount:   b.rowCount,
					InProgress: true,
				},
			})
		}

		for _, pf := range b.pending {
			committables = append(committables, committable.Committable{
				JobID:        w.cfg.JobID,
				CheckpointID: checkpointID,
				File:         pf,
			})
		}
		b.pending = nil

		states = append(states, st)
	}

	log.WithFields(log.Fields{
		"writer":       w.cfg.WriterID,
		"checkpoint":   checkpointID,
		"committables": len(committables),
		"buckets":      len(states),
	}).Debug("prepared commit")

	return committables, states, nil
}

// Close abandons any open part files without emitting them. Their temporary
// files are left behind as orphans, never referenced by a log version.
func (w *Writer) Close() error {
	for _, b := range w.buckets {
		if b.file != nil {
			if err := b.enc.Close(); err != nil {
				log.WithFields(log.Fields{
					"bucket": b.id,
					"path":   b.tmpPath,
					"error":  err,
				}).Warn("closing abandoned part file")
			}
			b.file = nil
			b.enc = nil
		}
	}
	return nil
}
