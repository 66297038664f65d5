// Package tablelog defines the versioned, append-only table log that commit
// batches are appended to, with file-backed and SQLite-backed
// implementations.
//
// The log's append primitive is the single serialization point of the whole
// pipeline: a commit claims a specific version number and fails with
// ErrConflict if that version was already claimed, compare-and-swap style.
// Each committed version carries the job and checkpoint that produced it so
// that a retried commit can be recognized as a replay.
package tablelog

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict is returned by Append when the requested version has
	// already been claimed by another commit.
	ErrConflict = errors.New("table log version conflict")

	// ErrUnreachable is returned for transport or storage failures talking to
	// the log, which may be retried.
	ErrUnreachable = errors.New("table log unreachable")

	// ErrNotFound is returned when reading a version that does not exist.
	ErrNotFound = errors.New("table log version not found")
)

// Action records that a specific file is now part of the table.
type Action struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	RowCount int64     `json:"rowCount"`
	ModTime  time.Time `json:"modificationTime"`
}

// Commit is one version of the table log.
type Commit struct {
	Version      int64     `json:"version"`
	JobID        string    `json:"jobId"`
	CheckpointID uint64    `json:"checkpointId"`
	CommittedAt  time.Time `json:"committedAt"`
	Actions      []Action  `json:"actions"`
}

// Log is the table log collaborator.
type Log interface {
	// CurrentVersion returns the highest committed version, or -1 if the log
	// is empty.
	CurrentVersion(ctx context.Context) (int64, error)

	// Append atomically claims c.Version and records the commit. It returns
	// ErrConflict if the version was already claimed.
	Append(ctx context.Context, c Commit) error

	// TxnVersion returns the highest checkpoint id ever committed by jobID,
	// or found=false if the job has never committed.
	TxnVersion(ctx context.Context, jobID string) (checkpointID uint64, found bool, err error)

	// Read returns the commit recorded at version, or ErrNotFound.
	Read(ctx context.Context, version int64) (Commit, error)
}
