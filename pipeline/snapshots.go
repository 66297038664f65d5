package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tablesink/tablesink/committable"
	"github.com/tablesink/tablesink/writer"
)

// SnapshotStore persists the per-instance checkpoint artifacts: one bucket
// state blob per writer and one finalized file list per committer, each
// written through its versioned serializer. A real stream-processing runtime
// would store these in its own checkpoint storage; this implementation keeps
// them as files under a snapshot directory.
type SnapshotStore struct {
	dir string
}

func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("missing snapshot directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}

	return &SnapshotStore{dir: dir}, nil
}

func (s *SnapshotStore) writerStatePath(checkpointID uint64, writerID int) string {
	return filepath.Join(s.dir, fmt.Sprintf("checkpoint-%020d", checkpointID), fmt.Sprintf("writer-%d.state", writerID))
}

func (s *SnapshotStore) committerOutputPath(checkpointID uint64, committerID int) string {
	return filepath.Join(s.dir, fmt.Sprintf("checkpoint-%020d", checkpointID), fmt.Sprintf("committer-%d.files", committerID))
}

// put writes b atomically by writing a temporary file and renaming it into
// place, so a crash never leaves a truncated blob behind.
func (s *SnapshotStore) put(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}

	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("writing snapshot blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing snapshot blob: %w", err)
	}

	return nil
}

// PutWriterState persists one writer's bucket states for a checkpoint.
func (s *SnapshotStore) PutWriterState(checkpointID uint64, writerID int, states []writer.BucketState) error {
	return s.put(s.writerStatePath(checkpointID, writerID), writer.SerializeBucketStates(states))
}

// WriterState loads one writer's bucket states persisted at a checkpoint.
func (s *SnapshotStore) WriterState(checkpointID uint64, writerID int) ([]writer.BucketState, error) {
	b, err := os.ReadFile(s.writerStatePath(checkpointID, writerID))
	if err != nil {
		return nil, fmt.Errorf("reading writer %d state of checkpoint %d: %w", writerID, checkpointID, err)
	}
	return writer.DeserializeBucketStates(b)
}

// PutCommitterOutput persists one committer's finalized file list for a
// checkpoint.
func (s *SnapshotStore) PutCommitterOutput(checkpointID uint64, committerID int, files []committable.FinalizedFile) error {
	return s.put(s.committerOutputPath(checkpointID, committerID), committable.SerializeFinalizedFiles(files))
}

// CommitterOutput loads one committer's finalized file list persisted at a
// checkpoint.
func (s *SnapshotStore) CommitterOutput(checkpointID uint64, committerID int) ([]committable.FinalizedFile, error) {
	b, err := os.ReadFile(s.committerOutputPath(checkpointID, committerID))
	if err != nil {
		return nil, fmt.Errorf("reading committer %d output of checkpoint %d: %w", committerID, checkpointID, err)
	}
	return committable.DeserializeFinalizedFiles(b)
}
