package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore implements Store on a local (or locally mounted) file system
// rooted at a base directory. Renames are atomic, and partially written files
// can be resumed at a recorded offset.
type LocalStore struct {
	root string
}

var _ Store = (*LocalStore)(nil)

func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("missing root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	return &LocalStore{root: root}, nil
}

func (s *LocalStore) abs(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

func (s *LocalStore) Create(_ context.Context, path string) (File, error) {
	p := s.abs(path)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent directory: %w", err)
	}

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating %q: %w", path, err)
	}
	return f, nil
}

func (s *LocalStore) OpenAppend(_ context.Context, path string, offset int64) (File, error) {
	f, err := os.OpenFile(s.abs(path), os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("opening %q: %w", path, ErrNotExist)
		}
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}

	// Discard any bytes written after the recorded cut before resuming.
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating %q to %d: %w", path, offset, err)
	}
	if _, err := f.Seek(offset, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking %q to %d: %w", path, offset, err)
	}

	return f, nil
}

func (s *LocalStore) Rename(ctx context.Context, tmpPath, finalPath string) error {
	// Re-invocation after a crash mid-rename finds the destination already in
	// place and the source gone; treat that as success.
	if exists, err := s.Exists(ctx, finalPath); err != nil {
		return err
	} else if exists {
		return nil
	}

	final := s.abs(finalPath)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	if err := os.Rename(s.abs(tmpPath), final); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("renaming %q: %w", tmpPath, ErrNotExist)
		}
		return fmt.Errorf("renaming %q to %q: %w", tmpPath, finalPath, err)
	}
	return nil
}

func (s *LocalStore) Exists(_ context.Context, path string) (bool, error) {
	if _, err := os.Stat(s.abs(path)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("statting %q: %w", path, err)
	}
	return true, nil
}

func (s *LocalStore) Stat(_ context.Context, path string) (ObjectInfo, error) {
	fi, err := os.Stat(s.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, fmt.Errorf("statting %q: %w", path, ErrNotExist)
		}
		return ObjectInfo{}, fmt.Errorf("statting %q: %w", path, err)
	}

	return ObjectInfo{
		Path:    path,
		Size:    fi.Size(),
		ModTime: fi.ModTime().UTC(),
	}, nil
}

func (s *LocalStore) Remove(_ context.Context, path string) error {
	if err := os.Remove(s.abs(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %q: %w", path, err)
	}
	return nil
}
