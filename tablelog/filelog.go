package tablelog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	log "github.com/sirupsen/logrus"
)

const logDirName = "_table_log"

// FileLog is a table log kept as one JSON file per version inside a
// `_table_log` directory, named by zero-padded version number. A version is
// claimed by hard-linking a fully written temporary file to its final name:
// link fails if the name exists, which makes the claim atomic on any POSIX
// file system, and a claimed version file is always complete.
type FileLog struct {
	dir string
}

var _ Log = (*FileLog)(nil)

func NewFileLog(root string) (*FileLog, error) {
	if root == "" {
		return nil, fmt.Errorf("missing root directory")
	}

	dir := filepath.Join(root, logDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	return &FileLog{dir: dir}, nil
}

func versionFileName(version int64) string {
	return fmt.Sprintf("%020d.json", version)
}

func parseVersionFileName(name string) (int64, bool) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(base, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func (l *FileLog) CurrentVersion(context.Context) (int64, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("listing log directory: %w (%w)", err, ErrUnreachable)
	}

	current := int64(-1)
	for _, e := range entries {
		if v, ok := parseVersionFileName(e.Name()); ok && v > current {
			current = v
		}
	}

	return current, nil
}

func (l *FileLog) Append(_ context.Context, c Commit) error {
	if c.Version < 0 {
		return fmt.Errorf("invalid version %d", c.Version)
	}

	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling commit: %w", err)
	}

	// Write the full commit to a temporary name first so that the version
	// file is complete before it becomes visible under its claimed name.
	tmp := filepath.Join(l.dir, fmt.Sprintf(".tmp-%s.json", uuid.NewString()))
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("writing commit: %w (%w)", err, ErrUnreachable)
	}
	defer os.Remove(tmp)

	final := filepath.Join(l.dir, versionFileName(c.Version))
	if err := os.Link(tmp, final); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("version %d already committed: %w", c.Version, ErrConflict)
		}
		return fmt.Errorf("claiming version %d: %w (%w)", c.Version, err, ErrUnreachable)
	}

	log.WithFields(log.Fields{
		"version":    c.Version,
		"checkpoint": c.CheckpointID,
		"actions":    len(c.Actions),
	}).Info("appended table log version")

	return nil
}

func (l *FileLog) TxnVersion(ctx context.Context, jobID string) (uint64, bool, error) {
	current, err := l.CurrentVersion(ctx)
	if err != nil {
		return 0, false, err
	}

	// Scan backwards from the newest version. The newest commit from a job
	// always has its highest checkpoint id, since checkpoints commit in
	// order.
	for v := current; v >= 0; v-- {
		c, err := l.Read(ctx, v)
		if err != nil {
			return 0, false, err
		}
		if c.JobID == jobID {
			return c.CheckpointID, true, nil
		}
	}

	return 0, false, nil
}

func (l *FileLog) Read(_ context.Context, version int64) (Commit, error) {
	b, err := os.ReadFile(filepath.Join(l.dir, versionFileName(version)))
	if err != nil {
		if os.IsNotExist(err) {
			return Commit{}, fmt.Errorf("version %d: %w", version, ErrNotFound)
		}
		return Commit{}, fmt.Errorf("reading version %d: %w (%w)", version, err, ErrUnreachable)
	}

	var c Commit
	if err := json.Unmarshal(b, &c); err != nil {
		return Commit{}, fmt.Errorf("unmarshalling version %d: %w", version, err)
	}

	return c, nil
}
