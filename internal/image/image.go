// Package image provides bounds-checked access to a mapped Mach-O image.
//
// Every view handed out by an Image is checked against the length of the
// underlying buffer; callers never index the raw bytes directly.
package image

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// ErrOutOfBounds is returned when a read would leave the mapped image.
var ErrOutOfBounds = errors.New("read outside of mapped image")

// Image owns the bytes of a Mach-O image for the lifetime of a parse.
type Image struct {
	data []byte
}

// New wraps data. The slice must not be modified while the Image is in use.
func New(data []byte) *Image {
	return &Image{data: data}
}

type sizer interface {
	Size() int64
}

type statter interface {
	Stat() (os.FileInfo, error)
}

// FromReaderAt reads the whole of r into memory. The size is taken from a
// Size() method (bytes.Reader, io.SectionReader) or from Stat() (os.File).
func FromReaderAt(r io.ReaderAt) (*Image, error) {
	var size int64
	switch v := r.(type) {
	case sizer:
		size = v.Size()
	case statter:
		fi, err := v.Stat()
		if err != nil {
			return nil, errors.Wrap(err, "failed to stat image")
		}
		size = fi.Size()
	default:
		return nil, errors.New("reader does not expose its size")
	}
	if size < 0 {
		return nil, errors.Errorf("invalid image size %d", size)
	}
	data := make([]byte, size)
	if _, err := r.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to read image")
	}
	return New(data), nil
}

// Len returns the number of mapped bytes.
func (i *Image) Len() uint64 { return uint64(len(i.data)) }

// Valid reports whether [off, off+n) lies inside the image.
func (i *Image) Valid(off, n uint64) bool {
	return inBounds(uint64(len(i.data)), off, n)
}

// Offset returns the view [off, off+n) when it lies inside the image.
func (i *Image) Offset(off, n uint64) ([]byte, bool) {
	return Within(i.data, off, n)
}

// Cursor returns a cursor over [off, off+n) when it lies inside the image.
func (i *Image) Cursor(off, n uint64, bo binary.ByteOrder) (*Cursor, bool) {
	b, ok := i.Offset(off, n)
	if !ok {
		return nil, false
	}
	return NewCursor(b, bo), true
}

// Tail returns the view from off to the end of the image.
func (i *Image) Tail(off uint64) ([]byte, bool) {
	if off > uint64(len(i.data)) {
		return nil, false
	}
	return i.data[off:], true
}

// Within returns view[off:off+n] when the range lies inside view.
func Within(view []byte, off, n uint64) ([]byte, bool) {
	if !inBounds(uint64(len(view)), off, n) {
		return nil, false
	}
	return view[off : off+n : off+n], true
}

func inBounds(size, off, n uint64) bool {
	end := off + n
	if end < off { // overflow
		return false
	}
	return off <= size && end <= size
}
