// Package dicomfile wraps github.com/suyashkumar/dicom with the small surface
// the archive needs: parse a Part 10 stream, read tag values as strings and
// encode the dataset back out.
package dicomfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ErrEmpty is returned when a stream holds no bytes at all.
var ErrEmpty = errors.New("dicom: empty input")

// Object is a parsed DICOM instance.
type Object struct {
	ds dicom.Dataset
}

// New wraps an already built dataset.
func New(ds dicom.Dataset) *Object {
	return &Object{ds: ds}
}

// Parse reads a complete Part 10 stream of the given size. Pixel data is
// kept so the object can be written back verbatim.
func Parse(r io.Reader, size int64) (*Object, error) {
	if size == 0 {
		return nil, ErrEmpty
	}
	ds, err := dicom.Parse(r, size, nil)
	if err != nil {
		return nil, fmt.Errorf("parse dicom: %w", err)
	}
	return &Object{ds: ds}, nil
}

// ParseBytes parses an in-memory Part 10 payload.
func ParseBytes(b []byte) (*Object, error) {
	return Parse(bytes.NewReader(b), int64(len(b)))
}

// ReadFile opens and parses the file at path.
func ReadFile(path string) (*Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return Parse(f, info.Size())
}

// Get returns the value of t as a string. Multi-valued elements are joined
// with the DICOM value separator so callers can apply their own rules; a
// missing or empty element yields "".
func (o *Object) Get(t tag.Tag) string {
	elem, err := o.ds.FindElementByTag(t)
	if err != nil || elem.Value == nil {
		return ""
	}

	switch v := elem.Value.GetValue().(type) {
	case []string:
		return strings.TrimSpace(strings.Join(v, `\`))
	case string:
		return strings.TrimSpace(v)
	case []int:
		parts := make([]string, len(v))
		for i, n := range v {
			parts[i] = fmt.Sprint(n)
		}
		return strings.Join(parts, `\`)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Encode writes the dataset as a Part 10 stream.
func (o *Object) Encode(w io.Writer) error {
	if err := dicom.Write(w, o.ds, dicom.DefaultMissingTransferSyntax()); err != nil {
		return fmt.Errorf("write dicom: %w", err)
	}
	return nil
}

// Dataset exposes the underlying toolkit dataset.
func (o *Object) Dataset() dicom.Dataset {
	return o.ds
}
