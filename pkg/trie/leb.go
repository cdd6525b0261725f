package trie

import (
	"io"

	"github.com/pkg/errors"
)

// ReadUleb128 decodes an unsigned LEB128 value. There is no length limit;
// the reader bounds the read. Bits past the 64th are dropped.
func ReadUleb128(r io.ByteReader) (uint64, error) {
	var result uint64
	var shift uint

	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, errors.Wrap(err, "could not parse ULEB128 value")
		}
		if shift < 64 {
			result |= uint64(b&0x7f) << shift
		}
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
}

// ReadSleb128 decodes a signed LEB128 value, sign-extending from bit 6 of
// the final group.
func ReadSleb128(r io.ByteReader) (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error

	for {
		b, err = r.ReadByte()
		if err != nil {
			return 0, errors.Wrap(err, "could not parse SLEB128 value")
		}
		if shift < 64 {
			result |= int64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

// ReadTerminalSize reads the size prefix of an export trie node. A first
// byte above 127 means the size is a full ULEB128 starting at that byte.
func ReadTerminalSize(r io.ByteScanner) (uint64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, errors.Wrap(err, "could not read terminal size")
	}
	if b <= 127 {
		return uint64(b), nil
	}
	if err := r.UnreadByte(); err != nil {
		return 0, err
	}
	return ReadUleb128(r)
}

// AppendUleb128 appends the ULEB128 encoding of v to b.
func AppendUleb128(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

// AppendSleb128 appends the SLEB128 encoding of v to b.
func AppendSleb128(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}
