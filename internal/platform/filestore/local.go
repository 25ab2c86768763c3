package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Local stores objects on a mounted filesystem.
type Local struct{}

func NewLocal() *Local {
	return &Local{}
}

// Save writes to a temporary sibling first and renames it into place, so a
// reader never observes a half written file.
func (l *Local) Save(_ context.Context, obj Encoder, loc Location) (Saved, error) {
	if loc.Root == "" {
		return Saved{}, ErrInvalidLocation
	}
	rel, err := RelPath(loc)
	if err != nil {
		return Saved{}, err
	}
	abs := filepath.Join(loc.Root, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Saved{}, fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".incoming-*")
	if err != nil {
		return Saved{}, fmt.Errorf("create temp file: %w", err)
	}
	if err := obj.Encode(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Saved{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Saved{}, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		os.Remove(tmp.Name())
		return Saved{}, fmt.Errorf("rename into place: %w", err)
	}

	return Saved{AbsPath: abs, RelPath: rel}, nil
}

func (l *Local) Remove(_ context.Context, absPath string) error {
	err := os.Remove(absPath)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}
