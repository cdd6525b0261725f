package macho

import (
	"fmt"

	"github.com/appsworld/go-machodump/internal/image"
	"github.com/appsworld/go-machodump/pkg/dyldinfo"
	"github.com/appsworld/go-machodump/pkg/trie"
	"github.com/pkg/errors"
)

// Fatal kinds abort NewFile. Every other kind is recoverable: the failing
// step is abandoned, the error is logged and kept in File.Errors, and the
// parse moves on.
var (
	ErrMalformedMagic = errors.New("malformed magic")
	ErrUnsupportedCPU = errors.New("unsupported cpu type")

	ErrOutOfBounds         = image.ErrOutOfBounds
	ErrMisalignedCommand   = errors.New("misaligned load command size")
	ErrMissingPrerequisite = errors.New("missing prerequisite table")
	ErrUnknownOpcode       = dyldinfo.ErrUnknownOpcode
	ErrTrieCycle           = trie.ErrTrieCycle
)

// FormatError is returned by some operations if the data does
// not have the correct format for an object file.
type FormatError struct {
	off int64
	msg string
	val any
	err error
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.off)
	return msg
}

// Unwrap exposes the error kind to errors.Is.
func (e *FormatError) Unwrap() error { return e.err }

// Cause exposes the error kind to errors.Cause.
func (e *FormatError) Cause() error { return e.err }

// Offset is the file offset of the offending record.
func (e *FormatError) Offset() int64 { return e.off }

func formatError(kind error, off uint64, msg string, val any) *FormatError {
	return &FormatError{off: int64(off), msg: msg, val: val, err: kind}
}
