package dyldinfo

import (
	"encoding/binary"

	"github.com/appsworld/go-machodump/internal/image"
	"github.com/appsworld/go-machodump/pkg/trie"
	"github.com/appsworld/go-machodump/types"
	"github.com/pkg/errors"
)

var rebaseOpcodeNames = map[byte]string{
	types.REBASE_OPCODE_DO_REBASE_IMM_TIMES:                "REBASE_OPCODE_DO_REBASE_IMM_TIMES",
	types.REBASE_OPCODE_DO_REBASE_ULEB_TIMES:               "REBASE_OPCODE_DO_REBASE_ULEB_TIMES",
	types.REBASE_OPCODE_DO_REBASE_ADD_ADDR_ULEB:            "REBASE_OPCODE_DO_REBASE_ADD_ADDR_ULEB",
	types.REBASE_OPCODE_DO_REBASE_ULEB_TIMES_SKIPPING_ULEB: "REBASE_OPCODE_DO_REBASE_ULEB_TIMES_SKIPPING_ULEB",
}

// Rebase runs a rebase opcode stream until REBASE_OPCODE_DONE or the end of
// data. Records decoded before a truncated operand are returned along with
// the error.
func (in *Interpreter) Rebase(data []byte) ([]Rebase, error) {
	var rebases []Rebase
	var seg segState
	var typ types.RebaseType
	var unknown opcodeErrors

	r := image.NewCursor(data, binary.LittleEndian)
	ptr := in.PointerSize

	emit := func(opcode byte) error {
		if len(rebases) >= MaxRecords {
			return ErrTooManyRecords
		}
		if err := seg.fits(ptr); err != nil {
			return err
		}
		addr := seg.address()
		rebases = append(rebases, Rebase{
			Segment:      seg.name,
			SegmentIndex: seg.index,
			Section:      in.Resolver.SectionName(seg.index, addr),
			Address:      addr,
			Type:         typ,
			Opcode:       rebaseOpcodeNames[opcode],
		})
		return nil
	}

	stop := func(err error) ([]Rebase, error) {
		return rebases, errors.Wrapf(err, "rebase stream stopped at offset %#x", r.Pos())
	}

	for !r.EOF() {
		at := r.Pos()
		b, _ := r.ReadByte()
		imm := b & types.REBASE_IMMEDIATE_MASK
		opcode := b & types.REBASE_OPCODE_MASK

		switch opcode {
		case types.REBASE_OPCODE_DONE:
			return rebases, unknown.err()
		case types.REBASE_OPCODE_SET_TYPE_IMM:
			typ = types.RebaseType(imm)
		case types.REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			off, err := trie.ReadUleb128(r)
			if err != nil {
				return stop(err)
			}
			in.setSegment(&seg, int(imm), off)
		case types.REBASE_OPCODE_ADD_ADDR_ULEB:
			off, err := trie.ReadUleb128(r)
			if err != nil {
				return stop(err)
			}
			seg.offset += off
		case types.REBASE_OPCODE_ADD_ADDR_IMM_SCALED:
			seg.offset += uint64(imm) * ptr
		case types.REBASE_OPCODE_DO_REBASE_IMM_TIMES:
			for i := 0; i < int(imm); i++ {
				if err := emit(opcode); err != nil {
					return stop(err)
				}
				seg.offset += ptr
			}
		case types.REBASE_OPCODE_DO_REBASE_ULEB_TIMES:
			count, err := trie.ReadUleb128(r)
			if err != nil {
				return stop(err)
			}
			for i := uint64(0); i < count; i++ {
				if err := emit(opcode); err != nil {
					return stop(err)
				}
				seg.offset += ptr
			}
		case types.REBASE_OPCODE_DO_REBASE_ADD_ADDR_ULEB:
			if err := emit(opcode); err != nil {
				return stop(err)
			}
			skip, err := trie.ReadUleb128(r)
			if err != nil {
				return stop(err)
			}
			seg.offset += skip + ptr
		case types.REBASE_OPCODE_DO_REBASE_ULEB_TIMES_SKIPPING_ULEB:
			count, err := trie.ReadUleb128(r)
			if err != nil {
				return stop(err)
			}
			skip, err := trie.ReadUleb128(r)
			if err != nil {
				return stop(err)
			}
			for i := uint64(0); i < count; i++ {
				if err := emit(opcode); err != nil {
					return stop(err)
				}
				seg.offset += skip + ptr
			}
		default:
			in.log().Errorf("invalid rebase opcode %#02x at offset %#x", opcode, at)
			unknown.add("rebase", opcode, at)
		}
	}

	return rebases, unknown.err()
}
