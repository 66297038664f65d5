package committable

import (
	"errors"
	"fmt"
)

// Every persisted blob begins with a type-specific magic number followed by a
// format version. Deserialization validates the magic first and then
// dispatches on the version, so an incompatible or damaged blob fails cleanly
// instead of being misread. Adding a field to any payload bumps that payload's
// version.
const (
	committableMagic   = 0x1e765c80
	finalizedListMagic = 0x2b94d10f
	commitBatchMagic   = 0x3d1f9a2e

	committableVersion   = 1
	finalizedListVersion = 1
	commitBatchVersion   = 1
)

var (
	// ErrCorruptData indicates that a persisted blob failed its magic-number
	// or structural validation and cannot be trusted.
	ErrCorruptData = errors.New("corrupt data")

	// ErrUnsupportedVersion indicates that a persisted blob was written by a
	// format version this build does not understand.
	ErrUnsupportedVersion = errors.New("unsupported format version")
)

func appendHeader(a *Appender, magic uint32, version uint32) {
	a.Uint32(magic)
	a.Uint32(version)
}

func readHeader(r *Reader, magic uint32) (uint32, error) {
	got := r.Uint32()
	if err := r.Err(); err != nil {
		return 0, err
	}
	if got != magic {
		return 0, fmt.Errorf("%w: unexpected magic number %08X", ErrCorruptData, got)
	}
	version := r.Uint32()
	if err := r.Err(); err != nil {
		return 0, err
	}
	return version, nil
}

// SerializeCommittable encodes a Committable for the writer → committer
// hand-off.
func SerializeCommittable(c Committable) []byte {
	a := NewAppender()
	appendHeader(a, committableMagic, committableVersion)
	a.String(c.JobID)
	a.Uint64(c.CheckpointID)
	appendPendingFile(a, c.File)
	return a.Bytes()
}

// DeserializeCommittable decodes a blob produced by SerializeCommittable.
func DeserializeCommittable(b []byte) (Committable, error) {
	r := NewReader(b)
	version, err := readHeader(r, committableMagic)
	if err != nil {
		return Committable{}, err
	}

	switch version {
	case 1:
		return deserializeCommittableV1(r)
	default:
		return Committable{}, fmt.Errorf("%w: committable version %d", ErrUnsupportedVersion, version)
	}
}

func deserializeCommittableV1(r *Reader) (Committable, error) {
	var c Committable
	c.JobID = r.String()
	c.CheckpointID = r.Uint64()
	c.File = readPendingFile(r)
	if err := r.Err(); err != nil {
		return Committable{}, err
	}
	return c, nil
}

func appendPendingFile(a *Appender, f PendingFile) {
	a.String(f.BucketID)
	a.String(f.TmpPath)
	a.String(f.FinalPath)
	a.Int64(f.Size)
	a.Int64(f.RowCount)
	a.Bool(f.InProgress)
}

func readPendingFile(r *Reader) PendingFile {
	var f PendingFile
	f.BucketID = r.String()
	f.TmpPath = r.String()
	f.FinalPath = r.String()
	f.Size = r.Int64()
	f.RowCount = r.Int64()
	f.InProgress = r.Bool()
	return f
}

// SerializeFinalizedFiles encodes one committer's per-checkpoint output for
// persistence by the checkpointing mechanism.
func SerializeFinalizedFiles(files []FinalizedFile) []byte {
	a := NewAppender()
	appendHeader(a, finalizedListMagic, finalizedListVersion)
	appendFinalizedFiles(a, files)
	return a.Bytes()
}

// DeserializeFinalizedFiles decodes a blob produced by
// SerializeFinalizedFiles.
func DeserializeFinalizedFiles(b []byte) ([]FinalizedFile, error) {
	r := NewReader(b)
	version, err := readHeader(r, finalizedListMagic)
	if err != nil {
		return nil, err
	}

	switch version {
	case 1:
		files := readFinalizedFiles(r)
		if err := r.Err(); err != nil {
			return nil, err
		}
		return files, nil
	default:
		return nil, fmt.Errorf("%w: finalized file list version %d", ErrUnsupportedVersion, version)
	}
}

func appendFinalizedFiles(a *Appender, files []FinalizedFile) {
	a.Uint32(uint32(len(files)))
	for _, f := range files {
		a.String(f.Path)
		a.Int64(f.Size)
		a.Int64(f.RowCount)
		a.Time(f.ModTime)
	}
}

func readFinalizedFiles(r *Reader) []FinalizedFile {
	n := r.Uint32()
	if r.Err() != nil {
		return nil
	}
	files := make([]FinalizedFile, 0, n)
	for i := uint32(0); i < n; i++ {
		var f FinalizedFile
		f.Path = r.String()
		f.Size = r.Int64()
		f.RowCount = r.Int64()
		f.ModTime = r.Time()
		if r.Err() != nil {
			return nil
		}
		files = append(files, f)
	}
	return files
}

// SerializeCommitBatch encodes the global committer's aggregated batch. The
// payload carries the job, checkpoint, and full file list so that a restarted
// global committer can reconstruct its unit of work without consulting any
// other state.
func SerializeCommitBatch(b CommitBatch) []byte {
	a := NewAppender()
	appendHeader(a, commitBatchMagic, commitBatchVersion)
	a.String(b.JobID)
	a.Uint64(b.CheckpointID)
	appendFinalizedFiles(a, b.Files)
	return a.Bytes()
}

// DeserializeCommitBatch decodes a blob produced by SerializeCommitBatch.
func DeserializeCommitBatch(buf []byte) (CommitBatch, error) {
	r := NewReader(buf)
	version, err := readHeader(r, commitBatchMagic)
	if err != nil {
		return CommitBatch{}, err
	}

	switch version {
	case 1:
		var b CommitBatch
		b.JobID = r.String()
		b.CheckpointID = r.Uint64()
		b.Files = readFinalizedFiles(r)
		if err := r.Err(); err != nil {
			return CommitBatch{}, err
		}
		return b, nil
	default:
		return CommitBatch{}, fmt.Errorf("%w: commit batch version %d", ErrUnsupportedVersion, version)
	}
}
