// Package hexdump renders `hexdump -C` style dumps keyed by virtual address.
package hexdump

import (
	"encoding/hex"
	"io"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/pkg/errors"
)

var (
	colorAddr  = color.New(color.Italic, color.Faint)
	colorFaint = color.New(color.Faint, color.FgHiBlue).SprintFunc()
	colorLabel = color.New(color.Bold, color.FgHiCyan).SprintFunc()

	zerosRE = regexp.MustCompile(`\s(00\s)+|\.`)
)

func colorZeros(dump string) string {
	if color.NoColor || len(dump) == 0 {
		return dump
	}
	return zerosRE.ReplaceAllStringFunc(dump, func(s string) string {
		return colorFaint(s)
	})
}

// Dump returns a hex dump of data whose first byte lives at vaddr.
func Dump(data []byte, vaddr uint64) string {
	if len(data) == 0 {
		return ""
	}

	var buf strings.Builder
	// 79 bytes per full line of 16, at most 15 wasted on the last.
	buf.Grow((1 + ((len(data) - 1) / 16)) * 79)

	d := Dumper(&buf, vaddr)
	d.Write(data)
	d.Close()
	return colorZeros(buf.String())
}

// Labeled is Dump preceded by a header line naming the dumped region.
func Labeled(label string, data []byte, vaddr uint64) string {
	return colorLabel(label) + "\n" + Dump(data, vaddr)
}

// Dumper returns a WriteCloser that writes a hex dump of all written data to
// w, numbering lines from vaddr.
func Dumper(w io.Writer, vaddr uint64) io.WriteCloser {
	return &dumper{w: w, n: vaddr}
}

type dumper struct {
	w          io.Writer
	rightChars [18]byte
	buf        [27]byte
	used       int    // bytes in the current line
	n          uint64 // address of the next byte
	closed     bool
}

func toChar(b byte) byte {
	if b < 32 || b > 126 {
		return '.'
	}
	return b
}

func (h *dumper) Write(data []byte) (n int, err error) {
	if h.closed {
		return 0, errors.New("hexdump: dumper closed")
	}

	// 0000000000001010:  2e 2f 30 31 32 33 34 35  36 37 38 39 3a 3b 3c 3d  |./0123456789:;<=|
	for i := range data {
		if h.used == 0 {
			h.buf[0] = byte(h.n >> 56)
			h.buf[1] = byte(h.n >> 48)
			h.buf[2] = byte(h.n >> 40)
			h.buf[3] = byte(h.n >> 32)
			h.buf[4] = byte(h.n >> 24)
			h.buf[5] = byte(h.n >> 16)
			h.buf[6] = byte(h.n >> 8)
			h.buf[7] = byte(h.n)
			hex.Encode(h.buf[8:], h.buf[:8])
			h.buf[24] = ':'
			h.buf[25] = ' '
			h.buf[26] = ' '
			if _, err = colorAddr.Fprint(h.w, string(h.buf[8:25])); err != nil {
				return
			}
			if _, err = h.w.Write(h.buf[25:]); err != nil {
				return
			}
		}
		hex.Encode(h.buf[:], data[i:i+1])
		h.buf[2] = ' '
		l := 3
		if h.used == 7 {
			h.buf[3] = ' '
			l = 4
		} else if h.used == 15 {
			h.buf[3] = ' '
			h.buf[4] = '|'
			l = 5
		}
		if _, err = h.w.Write(h.buf[:l]); err != nil {
			return
		}
		n++
		h.rightChars[h.used] = toChar(data[i])
		h.used++
		h.n++
		if h.used == 16 {
			h.rightChars[16] = '|'
			h.rightChars[17] = '\n'
			if _, err = h.w.Write(h.rightChars[:]); err != nil {
				return
			}
			h.used = 0
		}
	}
	return
}

func (h *dumper) Close() (err error) {
	if h.closed {
		return
	}
	h.closed = true
	if h.used == 0 {
		return
	}
	h.buf[0] = ' '
	h.buf[1] = ' '
	h.buf[2] = ' '
	h.buf[3] = ' '
	h.buf[4] = '|'
	nBytes := h.used
	for h.used < 16 {
		l := 3
		if h.used == 7 {
			l = 4
		} else if h.used == 15 {
			l = 5
		}
		if _, err = h.w.Write(h.buf[:l]); err != nil {
			return
		}
		h.used++
	}
	h.rightChars[nBytes] = '|'
	h.rightChars[nBytes+1] = '\n'
	_, err = h.w.Write(h.rightChars[:nBytes+2])
	return
}
