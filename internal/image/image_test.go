package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func TestOffset(t *testing.T) {
	img := New(make([]byte, 16))

	tests := []struct {
		name string
		off  uint64
		n    uint64
		want bool
	}{
		{"whole", 0, 16, true},
		{"empty at end", 16, 0, true},
		{"tail", 12, 4, true},
		{"past end", 12, 5, false},
		{"start past end", 17, 0, false},
		{"overflow", math.MaxUint64, 2, false},
		{"huge length", 1, math.MaxUint64, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, ok := img.Offset(tt.off, tt.n)
			if ok != tt.want {
				t.Fatalf("Offset(%d, %d) ok = %v, want %v", tt.off, tt.n, ok, tt.want)
			}
			if ok && uint64(len(b)) != tt.n {
				t.Errorf("Offset(%d, %d) len = %d", tt.off, tt.n, len(b))
			}
			if img.Valid(tt.off, tt.n) != tt.want {
				t.Errorf("Valid(%d, %d) disagrees with Offset", tt.off, tt.n)
			}
		})
	}
}

func TestFromReaderAt(t *testing.T) {
	img, err := FromReaderAt(bytes.NewReader([]byte{1, 2, 3}))
	if err != nil {
		t.Fatal(err)
	}
	if img.Len() != 3 {
		t.Errorf("Len() = %d, want 3", img.Len())
	}
}

func TestCursor(t *testing.T) {
	data := []byte{
		0x01,
		0x02, 0x03,
		0x04, 0x05, 0x06, 0x07,
		'a', 'b', 0,
		0xff,
	}
	c := NewCursor(data, binary.LittleEndian)

	if v, err := c.Uint8(); err != nil || v != 0x01 {
		t.Fatalf("Uint8() = %#x, %v", v, err)
	}
	if v, err := c.Uint16(); err != nil || v != 0x0302 {
		t.Fatalf("Uint16() = %#x, %v", v, err)
	}
	if v, err := c.Pointer(4); err != nil || v != 0x07060504 {
		t.Fatalf("Pointer(4) = %#x, %v", v, err)
	}
	if s, err := c.CString(); err != nil || s != "ab" {
		t.Fatalf("CString() = %q, %v", s, err)
	}
	pos := c.Pos()
	if _, err := c.Uint16(); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("Uint16() past end err = %v", err)
	}
	if c.Pos() != pos {
		t.Errorf("failed read moved cursor from %d to %d", pos, c.Pos())
	}
	if _, err := c.CString(); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("unterminated CString() err = %v", err)
	}
	if b, err := c.ReadByte(); err != nil || b != 0xff {
		t.Fatalf("ReadByte() = %#x, %v", b, err)
	}
	if !c.EOF() {
		t.Error("expected EOF")
	}
	if err := c.Seek(len(data) + 1); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Seek past end err = %v", err)
	}
}
