package tablelog

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Both backends must satisfy the same append/read/txn contract, so every test
// here runs against each of them.
func forEachBackend(t *testing.T, test func(t *testing.T, l Log)) {
	t.Run("file", func(t *testing.T) {
		l, err := NewFileLog(t.TempDir())
		require.NoError(t, err)
		test(t, l)
	})

	t.Run("sqlite", func(t *testing.T) {
		// The database must live on disk: an in-memory database is per
		// connection, and the pool may use more than one.
		l, err := NewSQLiteLog(context.Background(), filepath.Join(t.TempDir(), "log.db"))
		require.NoError(t, err)
		t.Cleanup(func() { l.Close() })
		test(t, l)
	})
}

func testCommit(version int64, jobID string, checkpointID uint64) Commit {
	return Commit{
		Version:      version,
		JobID:        jobID,
		CheckpointID: checkpointID,
		CommittedAt:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Actions: []Action{{
			Path:     "part-00000.jsonl",
			Size:     1024,
			RowCount: 10,
			ModTime:  time.Date(2024, 3, 1, 8, 59, 0, 0, time.UTC),
		}},
	}
}

func TestEmptyLog(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Log) {
		ctx := context.Background()

		v, err := l.CurrentVersion(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(-1), v)

		_, found, err := l.TxnVersion(ctx, "job-1")
		require.NoError(t, err)
		require.False(t, found)

		_, err = l.Read(ctx, 0)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAppendAndRead(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Log) {
		ctx := context.Background()

		want := testCommit(0, "job-1", 1)
		require.NoError(t, l.Append(ctx, want))

		v, err := l.CurrentVersion(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(0), v)

		got, err := l.Read(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, want.Version, got.Version)
		require.Equal(t, want.JobID, got.JobID)
		require.Equal(t, want.CheckpointID, got.CheckpointID)
		require.Equal(t, want.Actions, got.Actions)
		require.True(t, want.CommittedAt.Equal(got.CommittedAt))
	})
}

func TestAppendConflictsOnClaimedVersion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Log) {
		ctx := context.Background()

		require.NoError(t, l.Append(ctx, testCommit(0, "job-1", 1)))

		err := l.Append(ctx, testCommit(0, "job-2", 1))
		require.ErrorIs(t, err, ErrConflict)

		// The losing append must not have overwritten the claimed version.
		got, err := l.Read(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, "job-1", got.JobID)
	})
}

func TestAppendRejectsNegativeVersion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Log) {
		require.Error(t, l.Append(context.Background(), testCommit(-1, "job-1", 1)))
	})
}

func TestTxnVersionTracksLatestCheckpointPerJob(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Log) {
		ctx := context.Background()

		require.NoError(t, l.Append(ctx, testCommit(0, "job-1", 1)))
		require.NoError(t, l.Append(ctx, testCommit(1, "job-2", 1)))
		require.NoError(t, l.Append(ctx, testCommit(2, "job-1", 2)))

		cp, found, err := l.TxnVersion(ctx, "job-1")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, uint64(2), cp)

		cp, found, err = l.TxnVersion(ctx, "job-2")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, uint64(1), cp)

		_, found, err = l.TxnVersion(ctx, "job-3")
		require.NoError(t, err)
		require.False(t, found)
	})
}

func TestFileLogUnreachableKeepsCause(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l, err := NewFileLog(dir)
	require.NoError(t, err)

	// Destroy the log directory out from under the log. The failure is
	// retryable and must still carry the underlying cause.
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "_table_log")))

	_, err = l.CurrentVersion(ctx)
	require.ErrorIs(t, err, ErrUnreachable)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestVersionsAreContiguousUnderInterleaving(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Log) {
		ctx := context.Background()

		// Two jobs interleave appends the way concurrent global committers
		// would: read the head, claim head+1, retry on conflict.
		for i := 0; i < 6; i++ {
			jobID := "job-1"
			if i%2 == 1 {
				jobID = "job-2"
			}

			current, err := l.CurrentVersion(ctx)
			require.NoError(t, err)
			require.NoError(t, l.Append(ctx, testCommit(current+1, jobID, uint64(i/2+1))))
		}

		v, err := l.CurrentVersion(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(5), v)

		for i := int64(0); i <= 5; i++ {
			_, err := l.Read(ctx, i)
			require.NoError(t, err)
		}
	})
}
