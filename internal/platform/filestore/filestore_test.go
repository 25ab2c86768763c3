package filestore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

type payload string

func (p payload) Encode(w io.Writer) error {
	_, err := io.WriteString(w, string(p))
	return err
}

type failingEncoder struct{}

func (failingEncoder) Encode(io.Writer) error { return errors.New("encode failed") }

func testLocation(root string) Location {
	return Location{
		Root:        root,
		PartitionID: uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		StudyDate:   "20240131",
		Modality:    "CT",
		SeriesUID:   "1.2.3",
		SOPUID:      "1.2.3.4",
	}
}

func TestRelPath_Layout(t *testing.T) {
	rel, err := RelPath(testLocation("/archive"))
	if err != nil {
		t.Fatalf("RelPath: %v", err)
	}
	parts := strings.Split(rel, "/")
	if len(parts) != 5 {
		t.Fatalf("expected 5 path components, got %q", rel)
	}
	if parts[0] != "11111111-2222-3333-4444-555555555555" || parts[1] != "20240131" || parts[2] != "CT" || parts[3] != "1.2.3" {
		t.Errorf("unexpected layout %q", rel)
	}
	if !strings.HasPrefix(parts[4], "IM_") || !strings.HasSuffix(parts[4], ".dcm") {
		t.Errorf("unexpected file name %q", parts[4])
	}
	if _, err := uuid.Parse(strings.TrimSuffix(strings.TrimPrefix(parts[4], "IM_"), ".dcm")); err != nil {
		t.Errorf("file name should embed a uuid: %v", err)
	}
}

func TestRelPath_NoDate(t *testing.T) {
	loc := testLocation("/archive")
	loc.StudyDate = ""
	rel, err := RelPath(loc)
	if err != nil {
		t.Fatalf("RelPath: %v", err)
	}
	if strings.Split(rel, "/")[1] != NoDate {
		t.Errorf("expected %s component, got %q", NoDate, rel)
	}
}

func TestRelPath_SanitizesComponents(t *testing.T) {
	loc := testLocation("/archive")
	loc.Modality = "../MR"
	rel, err := RelPath(loc)
	if err != nil {
		t.Fatalf("RelPath: %v", err)
	}
	if strings.Contains(rel, "/../") || strings.Split(rel, "/")[2] != ".._MR" {
		t.Errorf("modality component not sanitized: %q", rel)
	}
}

func TestRelPath_Invalid(t *testing.T) {
	loc := testLocation("/archive")
	loc.SeriesUID = ""
	if _, err := RelPath(loc); !errors.Is(err, ErrInvalidLocation) {
		t.Fatalf("expected ErrInvalidLocation, got %v", err)
	}
}

func TestLocal_SaveAndRemove(t *testing.T) {
	root := t.TempDir()
	store := NewLocal()

	saved, err := store.Save(context.Background(), payload("DICM"), testLocation(root))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.AbsPath != filepath.Join(root, filepath.FromSlash(saved.RelPath)) {
		t.Errorf("abs %q does not match root + rel %q", saved.AbsPath, saved.RelPath)
	}
	data, err := os.ReadFile(saved.AbsPath)
	if err != nil || string(data) != "DICM" {
		t.Fatalf("unexpected content %q, err %v", data, err)
	}

	if err := store.Remove(context.Background(), saved.AbsPath); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := store.Remove(context.Background(), saved.AbsPath); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second remove, got %v", err)
	}
}

func TestLocal_SaveEncodeFailureLeavesNothing(t *testing.T) {
	root := t.TempDir()
	if _, err := NewLocal().Save(context.Background(), failingEncoder{}, testLocation(root)); err == nil {
		t.Fatal("expected encode error")
	}

	var files []string
	filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if len(files) != 0 {
		t.Errorf("expected no files after failed save, got %v", files)
	}
}

func TestJournal_CleanupRemovesRecorded(t *testing.T) {
	root := t.TempDir()
	j := NewJournal(NewLocal())

	a, err := j.Save(context.Background(), payload("a"), testLocation(root))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	b, err := j.Save(context.Background(), payload("b"), testLocation(root))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(j.Paths()) != 2 {
		t.Fatalf("expected 2 recorded paths, got %d", len(j.Paths()))
	}

	os.Remove(b.AbsPath)
	if err := j.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(a.AbsPath); !os.IsNotExist(err) {
		t.Errorf("expected %s removed", a.AbsPath)
	}
	if len(j.Paths()) != 0 {
		t.Error("journal should be empty after cleanup")
	}
}

func TestJournal_ForgetKeepsFiles(t *testing.T) {
	root := t.TempDir()
	j := NewJournal(NewLocal())

	saved, err := j.Save(context.Background(), payload("keep"), testLocation(root))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	j.Forget()
	if err := j.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(saved.AbsPath); err != nil {
		t.Errorf("expected file kept after Forget: %v", err)
	}
}

func TestGCS_ObjectName(t *testing.T) {
	g := &GCS{bucket: "archive"}

	if got := g.uri("root/a.dcm"); got != "gs://archive/root/a.dcm" {
		t.Errorf("uri = %q", got)
	}
	name, err := g.objectName("gs://archive/root/a.dcm")
	if err != nil || name != "root/a.dcm" {
		t.Errorf("objectName = %q, %v", name, err)
	}
	for _, bad := range []string{"gs://other/root/a.dcm", "gs://archive/", "/tmp/a.dcm"} {
		if _, err := g.objectName(bad); !errors.Is(err, ErrInvalidLocation) {
			t.Errorf("objectName(%q): expected ErrInvalidLocation, got %v", bad, err)
		}
	}
}

// fakeUpload mimics storage.Writer: Close commits unless the upload
// context was cancelled.
type fakeUpload struct {
	ctx       context.Context
	buf       bytes.Buffer
	committed map[string][]byte
	name      string
}

func (u *fakeUpload) Write(p []byte) (int, error) { return u.buf.Write(p) }

func (u *fakeUpload) Close() error {
	if err := u.ctx.Err(); err != nil {
		return err
	}
	u.committed[u.name] = u.buf.Bytes()
	return nil
}

func fakeGCS(committed map[string][]byte) *GCS {
	g := &GCS{bucket: "archive"}
	g.open = func(ctx context.Context, name string) io.WriteCloser {
		return &fakeUpload{ctx: ctx, committed: committed, name: name}
	}
	return g
}

func TestGCS_SaveCommitsObject(t *testing.T) {
	committed := map[string][]byte{}
	g := fakeGCS(committed)

	saved, err := g.Save(context.Background(), payload("dicom"), testLocation("root"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	name, err := g.objectName(saved.AbsPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(committed[name]); got != "dicom" {
		t.Errorf("object %s = %q, want dicom", name, got)
	}
	if !strings.HasSuffix(name, saved.RelPath) {
		t.Errorf("object name %s does not end with %s", name, saved.RelPath)
	}
}

func TestGCS_SaveEncodeFailureLeavesNothing(t *testing.T) {
	committed := map[string][]byte{}
	g := fakeGCS(committed)

	_, err := g.Save(context.Background(), failingEncoder{}, testLocation("root"))
	if err == nil || err.Error() != "encode failed" {
		t.Fatalf("expected encode error, got %v", err)
	}
	if len(committed) != 0 {
		t.Errorf("failed upload was committed: %v", committed)
	}
}
