package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// GCS stores objects in a Cloud Storage bucket. Location.Root becomes the
// object name prefix. STORAGE_EMULATOR_HOST is honored by the client.
type GCS struct {
	client *storage.Client
	bucket string
	// open starts an object upload. The upload is committed by Close unless
	// ctx was cancelled first.
	open func(ctx context.Context, name string) io.WriteCloser
}

func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	g := &GCS{client: client, bucket: bucket}
	g.open = g.newWriter
	return g, nil
}

func (g *GCS) newWriter(ctx context.Context, name string) io.WriteCloser {
	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/dicom"
	return w
}

func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) Save(ctx context.Context, obj Encoder, loc Location) (Saved, error) {
	rel, err := RelPath(loc)
	if err != nil {
		return Saved{}, err
	}
	name := path.Join(strings.Trim(loc.Root, "/"), rel)

	// Closing a writer commits the object; cancelling its context first
	// discards the upload instead.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := g.open(wctx, name)
	if err := obj.Encode(w); err != nil {
		cancel()
		w.Close()
		return Saved{}, err
	}
	if err := w.Close(); err != nil {
		return Saved{}, fmt.Errorf("upload %s: %w", name, err)
	}

	return Saved{AbsPath: g.uri(name), RelPath: rel}, nil
}

func (g *GCS) Remove(ctx context.Context, absPath string) error {
	name, err := g.objectName(absPath)
	if err != nil {
		return err
	}
	err = g.client.Bucket(g.bucket).Object(name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotFound
	}
	return err
}

func (g *GCS) uri(name string) string {
	return "gs://" + g.bucket + "/" + name
}

func (g *GCS) objectName(uri string) (string, error) {
	prefix := "gs://" + g.bucket + "/"
	if !strings.HasPrefix(uri, prefix) || len(uri) == len(prefix) {
		return "", fmt.Errorf("%w: %s is not in bucket %s", ErrInvalidLocation, uri, g.bucket)
	}
	return strings.TrimPrefix(uri, prefix), nil
}
