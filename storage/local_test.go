package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) (*LocalStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	require.NoError(t, err)
	return store, dir
}

func TestLocalCreateAndStat(t *testing.T) {
	ctx := context.Background()
	store, _ := newLocal(t)

	f, err := store.Create(ctx, "bucket=a/.part-0.inprogress")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info, err := store.Stat(ctx, "bucket=a/.part-0.inprogress")
	require.NoError(t, err)
	require.Equal(t, int64(6), info.Size)
	require.False(t, info.ModTime.IsZero())

	// Create truncates an existing file.
	f, err = store.Create(ctx, "bucket=a/.part-0.inprogress")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	info, err = store.Stat(ctx, "bucket=a/.part-0.inprogress")
	require.NoError(t, err)
	require.Zero(t, info.Size)
}

func TestLocalOpenAppendTruncatesToOffset(t *testing.T) {
	ctx := context.Background()
	store, dir := newLocal(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "part"), []byte("keep-this|drop-this"), 0o644))

	f, err := store.OpenAppend(ctx, "part", int64(len("keep-this")))
	require.NoError(t, err)
	_, err = f.Write([]byte("|and-this"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	b, err := os.ReadFile(filepath.Join(dir, "part"))
	require.NoError(t, err)
	require.Equal(t, "keep-this|and-this", string(b))
}

func TestLocalOpenAppendMissingFile(t *testing.T) {
	store, _ := newLocal(t)
	_, err := store.OpenAppend(context.Background(), "nope", 0)
	require.ErrorIs(t, err, ErrNotExist)
}

func TestLocalRename(t *testing.T) {
	ctx := context.Background()
	store, dir := newLocal(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp"), []byte("data"), 0o644))
	require.NoError(t, store.Rename(ctx, ".tmp", "sub/final"))

	b, err := os.ReadFile(filepath.Join(dir, "sub", "final"))
	require.NoError(t, err)
	require.Equal(t, "data", string(b))

	exists, err := store.Exists(ctx, ".tmp")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestLocalRenameIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, dir := newLocal(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp"), []byte("data"), 0o644))
	require.NoError(t, store.Rename(ctx, ".tmp", "final"))

	// Source is gone, destination exists: re-invocation is a no-op success.
	require.NoError(t, store.Rename(ctx, ".tmp", "final"))

	b, err := os.ReadFile(filepath.Join(dir, "final"))
	require.NoError(t, err)
	require.Equal(t, "data", string(b))
}

func TestLocalRenameMissingSource(t *testing.T) {
	store, _ := newLocal(t)
	err := store.Rename(context.Background(), ".missing", "final")
	require.ErrorIs(t, err, ErrNotExist)
}

func TestLocalExists(t *testing.T) {
	ctx := context.Background()
	store, dir := newLocal(t)

	exists, err := store.Exists(ctx, "nope")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "yep"), nil, 0o644))
	exists, err = store.Exists(ctx, "yep")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestLocalRemove(t *testing.T) {
	ctx := context.Background()
	store, dir := newLocal(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "gone"), nil, 0o644))
	require.NoError(t, store.Remove(ctx, "gone"))

	_, err := os.Stat(filepath.Join(dir, "gone"))
	require.True(t, os.IsNotExist(err))

	// Removing a file that is already gone is not an error.
	require.NoError(t, store.Remove(ctx, "gone"))
}

func TestLocalStatMissing(t *testing.T) {
	store, _ := newLocal(t)
	_, err := store.Stat(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotExist)
}
