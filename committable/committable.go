// Package committable defines the descriptors that cross checkpoint
// boundaries between the writer, committer, and global committer phases,
// along with their versioned binary serializers.
package committable

import (
	"fmt"
	"time"
)

// PendingFile describes a part file produced by a writer that has not yet
// been finalized. It is owned exclusively by the writer until handed to its
// paired committer, and is immutable once emitted.
type PendingFile struct {
	// BucketID identifies the logical output partition the file belongs to.
	BucketID string
	// TmpPath is the temporary path the file was written to.
	TmpPath string
	// FinalPath is the path the file will be published at once finalized.
	FinalPath string
	// Size is the number of bytes written so far.
	Size int64
	// RowCount is the number of rows written so far.
	RowCount int64
	// InProgress is true if the file was still open for appending when the
	// checkpoint fired. In-progress files are carried in writer state and are
	// not finalized by the committer.
	InProgress bool
}

// FinalizedFile describes a part file that has been made durable and visible
// at its final path. Its metadata reflects the file's state after
// finalization.
type FinalizedFile struct {
	Path     string
	Size     int64
	RowCount int64
	ModTime  time.Time
}

// Committable pairs a PendingFile with the job and checkpoint that produced
// it, so that retried deliveries can be recognized downstream.
type Committable struct {
	JobID        string
	CheckpointID uint64
	File         PendingFile
}

// CommitBatch is the global committer's unit of work: the deduplicated union
// of all finalized files contributed by every committer for one checkpoint.
type CommitBatch struct {
	JobID        string
	CheckpointID uint64
	Files        []FinalizedFile
}

// Empty reports whether the batch carries no files.
func (b CommitBatch) Empty() bool { return len(b.Files) == 0 }

func (f FinalizedFile) String() string {
	return fmt.Sprintf("%s (%d bytes, %d rows)", f.Path, f.Size, f.RowCount)
}
