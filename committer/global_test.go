package committer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tablesink/tablesink/committable"
	"github.com/tablesink/tablesink/tablelog"
)

// fakeLog is an in-memory tablelog.Log with injectable failures.
type fakeLog struct {
	mu      sync.Mutex
	commits map[int64]tablelog.Commit

	// failAppends makes the next N Append calls return ErrUnreachable.
	failAppends int
	// conflictAppends makes the next N Append calls return ErrConflict.
	conflictAppends int

	appendCalls int
}

func newFakeLog() *fakeLog {
	return &fakeLog{commits: make(map[int64]tablelog.Commit)}
}

func (l *fakeLog) CurrentVersion(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var max int64 = -1
	for v := range l.commits {
		if v > max {
			max = v
		}
	}
	return max, nil
}

func (l *fakeLog) Append(_ context.Context, c tablelog.Commit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendCalls++
	if l.failAppends > 0 {
		l.failAppends--
		return tablelog.ErrUnreachable
	}
	if l.conflictAppends > 0 {
		l.conflictAppends--
		return tablelog.ErrConflict
	}
	if _, ok := l.commits[c.Version]; ok {
		return tablelog.ErrConflict
	}
	l.commits[c.Version] = c
	return nil
}

func (l *fakeLog) TxnVersion(_ context.Context, jobID string) (uint64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var last uint64
	var found bool
	for _, c := range l.commits {
		if c.JobID == jobID && c.CheckpointID >= last {
			last = c.CheckpointID
			found = true
		}
	}
	return last, found, nil
}

func (l *fakeLog) Read(_ context.Context, version int64) (tablelog.Commit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.commits[version]
	if !ok {
		return tablelog.Commit{}, tablelog.ErrNotFound
	}
	return c, nil
}

func newTestGlobalCommitter(l tablelog.Log) *GlobalCommitter {
	g := NewGlobalCommitter(l, "job-1")
	g.initialInterval = time.Millisecond
	g.maxElapsed = 250 * time.Millisecond
	return g
}

func someFiles(paths ...string) []committable.FinalizedFile {
	var files []committable.FinalizedFile
	for _, p := range paths {
		files = append(files, committable.FinalizedFile{Path: p, Size: 10, RowCount: 1})
	}
	return files
}

func TestCombineDeduplicatesAndSorts(t *testing.T) {
	g := newTestGlobalCommitter(newFakeLog())

	batch := g.Combine(7,
		someFiles("b.jsonl", "a.jsonl"),
		someFiles("c.jsonl", "a.jsonl"), // a.jsonl delivered twice
	)

	require.Equal(t, "job-1", batch.JobID)
	require.Equal(t, uint64(7), batch.CheckpointID)
	require.Len(t, batch.Files, 3)
	require.Equal(t, "a.jsonl", batch.Files[0].Path)
	require.Equal(t, "b.jsonl", batch.Files[1].Path)
	require.Equal(t, "c.jsonl", batch.Files[2].Path)
}

func TestCommitAppendsOneVersion(t *testing.T) {
	ctx := context.Background()
	l := newFakeLog()
	g := newTestGlobalCommitter(l)

	batch := g.Combine(1, someFiles("a.jsonl", "b.jsonl"))
	require.NoError(t, g.Commit(ctx, batch))

	v, err := l.CurrentVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), v)

	c, err := l.Read(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "job-1", c.JobID)
	require.Equal(t, uint64(1), c.CheckpointID)
	require.Len(t, c.Actions, 2)
}

func TestCommitSkipsAlreadyCommittedCheckpoint(t *testing.T) {
	ctx := context.Background()
	l := newFakeLog()
	l.commits[0] = tablelog.Commit{Version: 0, JobID: "job-1", CheckpointID: 5}
	g := newTestGlobalCommitter(l)

	// A replayed commit for checkpoint 5 must succeed without a new append.
	batch := g.Combine(5, someFiles("a.jsonl"))
	require.NoError(t, g.Commit(ctx, batch))
	require.Zero(t, l.appendCalls)

	v, err := l.CurrentVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), v)
}

func TestCommitRetriesUnreachableLog(t *testing.T) {
	ctx := context.Background()
	l := newFakeLog()
	l.failAppends = 2
	g := newTestGlobalCommitter(l)

	require.NoError(t, g.Commit(ctx, g.Combine(1, someFiles("a.jsonl"))))
	require.Equal(t, 3, l.appendCalls)
}

func TestCommitResolvesVersionConflicts(t *testing.T) {
	ctx := context.Background()
	l := newFakeLog()
	l.conflictAppends = 3 // lose the version race a few times
	g := newTestGlobalCommitter(l)

	require.NoError(t, g.Commit(ctx, g.Combine(1, someFiles("a.jsonl"))))
	require.Equal(t, 4, l.appendCalls)
}

func TestCommitGivesUpAfterRepeatedConflicts(t *testing.T) {
	ctx := context.Background()
	l := newFakeLog()
	l.conflictAppends = maxConflictRetries + 1
	g := newTestGlobalCommitter(l)

	err := g.Commit(ctx, g.Combine(1, someFiles("a.jsonl")))
	require.ErrorIs(t, err, tablelog.ErrConflict)
}

func TestCommitEmptyBatchNeverFails(t *testing.T) {
	ctx := context.Background()
	l := newFakeLog()
	l.failAppends = 100
	g := newTestGlobalCommitter(l)

	require.NoError(t, g.Commit(ctx, g.Combine(1)))
	require.Zero(t, l.appendCalls)

	v, err := l.CurrentVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(-1), v)
}
