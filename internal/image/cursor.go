package image

import (
	"bytes"
	"encoding/binary"
)

// Cursor reads typed values from a bounded slice. A read that would cross
// the end of the slice fails with ErrOutOfBounds and leaves the position
// unchanged.
type Cursor struct {
	buf []byte
	pos int
	bo  binary.ByteOrder
}

// NewCursor returns a Cursor over b positioned at its start.
func NewCursor(b []byte, bo binary.ByteOrder) *Cursor {
	return &Cursor{buf: b, bo: bo}
}

// ByteOrder is the order multi-byte reads decode with.
func (c *Cursor) ByteOrder() binary.ByteOrder { return c.bo }

// Pos is the current offset from the start of the slice.
func (c *Cursor) Pos() int { return c.pos }

// Len is the length of the whole slice.
func (c *Cursor) Len() int { return len(c.buf) }

// Remaining is the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.buf) - c.pos }

// EOF reports whether every byte has been read.
func (c *Cursor) EOF() bool { return c.pos >= len(c.buf) }

// Seek moves to an absolute offset, which may equal Len.
func (c *Cursor) Seek(pos int) error {
	if pos < 0 || pos > len(c.buf) {
		return ErrOutOfBounds
	}
	c.pos = pos
	return nil
}

// Skip advances the position by n bytes.
func (c *Cursor) Skip(n int) error {
	if n < 0 || n > c.Remaining() {
		return ErrOutOfBounds
	}
	c.pos += n
	return nil
}

// Bytes returns the next n bytes without copying.
func (c *Cursor) Bytes(n int) ([]byte, error) {
	if n < 0 || n > c.Remaining() {
		return nil, ErrOutOfBounds
	}
	b := c.buf[c.pos : c.pos+n : c.pos+n]
	c.pos += n
	return b, nil
}

// ReadByte implements io.ByteReader.
func (c *Cursor) ReadByte() (byte, error) {
	if c.pos >= len(c.buf) {
		return 0, ErrOutOfBounds
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

// UnreadByte implements io.ByteScanner.
func (c *Cursor) UnreadByte() error {
	if c.pos == 0 {
		return ErrOutOfBounds
	}
	c.pos--
	return nil
}

// Uint8, Uint16, Uint32 and Uint64 decode with the cursor's byte order.
func (c *Cursor) Uint8() (uint8, error) { return c.ReadByte() }

func (c *Cursor) Uint16() (uint16, error) {
	b, err := c.Bytes(2)
	if err != nil {
		return 0, err
	}
	return c.bo.Uint16(b), nil
}

func (c *Cursor) Uint32() (uint32, error) {
	b, err := c.Bytes(4)
	if err != nil {
		return 0, err
	}
	return c.bo.Uint32(b), nil
}

func (c *Cursor) Uint64() (uint64, error) {
	b, err := c.Bytes(8)
	if err != nil {
		return 0, err
	}
	return c.bo.Uint64(b), nil
}

// Pointer reads a pointer-sized value (4 or 8 bytes) widened to 64 bits.
func (c *Cursor) Pointer(size int) (uint64, error) {
	if size == 4 {
		v, err := c.Uint32()
		return uint64(v), err
	}
	return c.Uint64()
}

// CString reads a NUL-terminated string and consumes the terminator. A
// string that runs to the end of the slice without a NUL is an error.
func (c *Cursor) CString() (string, error) {
	i := bytes.IndexByte(c.buf[c.pos:], 0)
	if i < 0 {
		return "", ErrOutOfBounds
	}
	s := string(c.buf[c.pos : c.pos+i])
	c.pos += i + 1
	return s, nil
}
