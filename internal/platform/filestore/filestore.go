// Package filestore writes archived DICOM objects to their deterministic
// location and removes them again when an ingestion is rolled back.
//
// Layout, relative to a media root:
//
//	<partition_id>/<study_date|NoDate>/<modality>/<series_uid>/IM_<uuid>.dcm
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("file not found")
	ErrInvalidLocation = errors.New("invalid storage location")
)

// NoDate replaces a missing study date in the path.
const NoDate = "NoDate"

var unsafeComponent = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Encoder is anything that can serialize itself, typically a DICOM object.
type Encoder interface {
	Encode(w io.Writer) error
}

// Location identifies where an object goes.
type Location struct {
	Root        string
	PartitionID uuid.UUID
	StudyDate   string
	Modality    string
	SeriesUID   string
	SOPUID      string
}

// Saved is the outcome of a write: the backend-absolute path used for
// cleanup and the root-relative path stored on the image row.
type Saved struct {
	AbsPath string
	RelPath string
}

// Store is a backend the archive can write into.
type Store interface {
	Save(ctx context.Context, obj Encoder, loc Location) (Saved, error)
	Remove(ctx context.Context, absPath string) error
}

// RelPath returns the root-relative path for loc with a fresh file name.
func RelPath(loc Location) (string, error) {
	if loc.PartitionID == uuid.Nil || loc.Modality == "" || loc.SeriesUID == "" {
		return "", ErrInvalidLocation
	}
	date := loc.StudyDate
	if date == "" {
		date = NoDate
	}
	return path.Join(
		loc.PartitionID.String(),
		sanitize(date),
		sanitize(loc.Modality),
		sanitize(loc.SeriesUID),
		fmt.Sprintf("IM_%s.dcm", uuid.New()),
	), nil
}

func sanitize(component string) string {
	component = unsafeComponent.ReplaceAllString(component, "_")
	if component == "." || component == ".." {
		return "_"
	}
	return component
}

// Journal remembers every file written during one ingestion attempt so a
// rollback can delete them. It is safe for concurrent use.
type Journal struct {
	store Store

	mu    sync.Mutex
	paths []string
}

func NewJournal(store Store) *Journal {
	return &Journal{store: store}
}

// Save writes through the journal's store and records the path.
func (j *Journal) Save(ctx context.Context, obj Encoder, loc Location) (Saved, error) {
	saved, err := j.store.Save(ctx, obj, loc)
	if err != nil {
		return Saved{}, err
	}
	j.mu.Lock()
	j.paths = append(j.paths, saved.AbsPath)
	j.mu.Unlock()
	return saved, nil
}

// Paths returns a copy of the recorded paths.
func (j *Journal) Paths() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.paths...)
}

// Forget drops the recorded paths; called once the owning transaction has
// committed and the files are permanent.
func (j *Journal) Forget() {
	j.mu.Lock()
	j.paths = nil
	j.mu.Unlock()
}

// Cleanup removes every recorded file. Files already gone are not an error.
func (j *Journal) Cleanup(ctx context.Context) error {
	j.mu.Lock()
	paths := j.paths
	j.paths = nil
	j.mu.Unlock()

	var errs []error
	for _, p := range paths {
		if err := j.store.Remove(ctx, p); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}
