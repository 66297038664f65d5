// Package storage abstracts the file system that part files are written to
// and published on, with implementations for local disk and S3-compatible
// object stores.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotExist is returned by Stat when the path does not exist.
	ErrNotExist = errors.New("path does not exist")

	// ErrNotSupported is returned by OpenAppend on stores that cannot resume
	// writing a partially written object.
	ErrNotSupported = errors.New("operation not supported by this store")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// File is an open handle for appending to an object. Close makes the written
// bytes durable; until then nothing is assumed to have been stored.
type File interface {
	io.WriteCloser
}

// Store is the file system collaborator used by writers and committers.
//
// Rename must be idempotent with respect to re-invocation after a crash: if
// the destination already exists the call is a no-op, so a committer can
// safely retry finalization.
type Store interface {
	// Create opens a new object for writing at path, truncating any partial
	// object left behind by an earlier attempt.
	Create(ctx context.Context, path string) (File, error)

	// OpenAppend reopens an existing object for appending at offset. Any
	// bytes past offset are discarded first, so content written after the
	// last consistent cut never survives a restart. Stores without append
	// support return ErrNotSupported.
	OpenAppend(ctx context.Context, path string, offset int64) (File, error)

	// Rename publishes the object at tmpPath under finalPath.
	Rename(ctx context.Context, tmpPath, finalPath string) error

	// Exists reports whether an object exists at path.
	Exists(ctx context.Context, path string) (bool, error)

	// Stat returns metadata for the object at path, or ErrNotExist.
	Stat(ctx context.Context, path string) (ObjectInfo, error)

	// Remove deletes the object at path. Removing a missing object is not an
	// error.
	Remove(ctx context.Context, path string) error
}
