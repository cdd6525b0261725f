package macho

import (
	"bytes"
	"encoding/binary"

	"github.com/appsworld/go-machodump/internal/image"
	"github.com/appsworld/go-machodump/pkg/trie"
	"github.com/appsworld/go-machodump/types"
	"github.com/pkg/errors"
)

// functionStarts decodes the ULEB128 delta list of LC_FUNCTION_STARTS into
// offsets from the start of __TEXT. A zero byte or the end of the blob ends
// the list.
func functionStarts(data []byte) ([]uint64, error) {
	var offs []uint64
	var off uint64

	r := image.NewCursor(data, binary.LittleEndian)
	for !r.EOF() {
		b, _ := r.ReadByte()
		if b == 0 {
			break
		}
		r.UnreadByte()
		delta, err := trie.ReadUleb128(r)
		if err != nil {
			return offs, err
		}
		off += delta
		offs = append(offs, off)
	}
	return offs, nil
}

func dataInCode(data []byte, bo binary.ByteOrder) ([]types.DataInCodeEntry, error) {
	dice := make([]types.DataInCodeEntry, len(data)/types.DataInCodeEntrySize)
	if err := binary.Read(bytes.NewReader(data), bo, dice); err != nil {
		return nil, err
	}
	return dice, nil
}

func (f *File) linkEditData(cmd types.LoadCmd) ([]byte, error) {
	l := f.linkEdit(cmd)
	if l == nil {
		return nil, errors.Wrapf(ErrMissingPrerequisite, "macho does not contain %s", cmd)
	}
	b, ok := f.img.Offset(uint64(l.Offset), uint64(l.Size))
	if !ok {
		return nil, formatError(ErrOutOfBounds, uint64(l.Offset), "linkedit data outside of image", cmd)
	}
	return b, nil
}

// FunctionStarts returns the start address of every function listed by
// LC_FUNCTION_STARTS.
func (f *File) FunctionStarts() ([]uint64, error) {
	data, err := f.linkEditData(types.LC_FUNCTION_STARTS)
	if err != nil {
		return nil, err
	}
	offs, err := functionStarts(data)
	for i := range offs {
		offs[i] += f.BaseAddress()
	}
	if err != nil {
		return offs, errors.Wrap(err, "truncated function starts")
	}
	return offs, nil
}

// DataInCode returns the LC_DATA_IN_CODE entries.
func (f *File) DataInCode() ([]types.DataInCodeEntry, error) {
	data, err := f.linkEditData(types.LC_DATA_IN_CODE)
	if err != nil {
		return nil, err
	}
	dice, err := dataInCode(data, f.ByteOrder)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read data in code entries")
	}
	return dice, nil
}

// logLinkEdit dumps the linkedit blobs this package understands at debug level.
func (p *parser) logLinkEdit(cmd types.LoadCmd, data []byte) {
	switch cmd {
	case types.LC_FUNCTION_STARTS:
		offs, err := functionStarts(data)
		for _, off := range offs {
			p.log.Debugf("function start: %#x", off)
		}
		if err != nil {
			p.log.WithError(err).Warn("truncated function starts")
		}
	case types.LC_DATA_IN_CODE:
		dice, err := dataInCode(data, p.bo)
		if err != nil {
			p.log.WithError(err).Warn("malformed data in code")
			return
		}
		for _, d := range dice {
			p.log.Debugf("%s: offset=%d length=%d", d.Kind, d.Offset, d.Length)
		}
	}
}
