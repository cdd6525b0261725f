package dyldinfo

import (
	"encoding/binary"

	"github.com/appsworld/go-machodump/internal/image"
	"github.com/appsworld/go-machodump/pkg/trie"
	"github.com/appsworld/go-machodump/types"
	"github.com/pkg/errors"
)

type dialect int

const (
	regularBind dialect = iota
	weakBind
	lazyBind
)

func (d dialect) String() string {
	switch d {
	case weakBind:
		return "weak bind"
	case lazyBind:
		return "lazy bind"
	}
	return "bind"
}

var bindOpcodeNames = map[byte]string{
	types.BIND_OPCODE_DO_BIND:                          "BIND_OPCODE_DO_BIND",
	types.BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB:            "BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB",
	types.BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED:      "BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED",
	types.BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB: "BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB",
}

// Bind runs a bind opcode stream until BIND_OPCODE_DONE or the end of data.
func (in *Interpreter) Bind(data []byte) ([]Bind, error) {
	return in.bind(data, regularBind)
}

// WeakBind runs a weak bind stream. Ordinal opcodes are not part of this
// dialect; symbols flagged BIND_SYMBOL_FLAGS_NON_WEAK_DEFINITION are
// reported as strong definitions.
func (in *Interpreter) WeakBind(data []byte) ([]Bind, error) {
	return in.bind(data, weakBind)
}

// LazyBind runs a lazy bind stream to the end of data. DONE separates the
// per-stub entries; each record carries the offset of its entry.
func (in *Interpreter) LazyBind(data []byte) ([]Bind, error) {
	return in.bind(data, lazyBind)
}

// specialOrdinal sign-extends the 4-bit immediate of
// BIND_OPCODE_SET_DYLIB_SPECIAL_IMM.
func specialOrdinal(imm byte) int64 {
	if imm == 0 {
		return 0
	}
	return int64(int8(types.BIND_OPCODE_MASK | imm))
}

func (in *Interpreter) bind(data []byte, d dialect) ([]Bind, error) {
	var binds []Bind
	var seg segState
	var unknown opcodeErrors
	var lazyOffset uint64

	cur := Bind{Type: types.BIND_TYPE_POINTER}
	if d != weakBind {
		cur.Dylib = in.Resolver.OrdinalName(0)
	}

	r := image.NewCursor(data, binary.LittleEndian)
	ptr := in.PointerSize

	emit := func(opcode byte) error {
		if len(binds) >= MaxRecords {
			return ErrTooManyRecords
		}
		if err := seg.fits(ptr); err != nil {
			return err
		}
		b := cur
		b.Segment = seg.name
		b.SegmentIndex = seg.index
		b.Address = seg.address()
		b.Section = in.Resolver.SectionName(seg.index, b.Address)
		b.Opcode = bindOpcodeNames[opcode]
		if d == lazyBind {
			b.LazyOffset = lazyOffset
		}
		binds = append(binds, b)
		return nil
	}

	stop := func(err error) ([]Bind, error) {
		return binds, errors.Wrapf(err, "%s stream stopped at offset %#x", d, r.Pos())
	}

	for !r.EOF() {
		at := r.Pos()
		b, _ := r.ReadByte()
		imm := b & types.BIND_IMMEDIATE_MASK
		opcode := b & types.BIND_OPCODE_MASK

		if d == weakBind {
			switch opcode {
			case types.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM,
				types.BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB,
				types.BIND_OPCODE_SET_DYLIB_SPECIAL_IMM:
				in.log().Errorf("unknown weak bind opcode %#02x at offset %#x", opcode, at)
				unknown.add(d.String(), opcode, at)
				continue
			}
		}

		switch opcode {
		case types.BIND_OPCODE_DONE:
			if d != lazyBind {
				return binds, unknown.err()
			}
			lazyOffset = uint64(r.Pos())
		case types.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM:
			cur.Ordinal = int64(imm)
			cur.Dylib = in.Resolver.OrdinalName(cur.Ordinal)
		case types.BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB:
			ord, err := trie.ReadUleb128(r)
			if err != nil {
				return stop(err)
			}
			cur.Ordinal = int64(ord)
			cur.Dylib = in.Resolver.OrdinalName(cur.Ordinal)
		case types.BIND_OPCODE_SET_DYLIB_SPECIAL_IMM:
			cur.Ordinal = specialOrdinal(imm)
			cur.Dylib = in.Resolver.OrdinalName(cur.Ordinal)
		case types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM:
			name, err := r.CString()
			if err != nil {
				return stop(err)
			}
			cur.Name = name
			cur.Flags = imm
			cur.WeakImport = imm&types.BIND_SYMBOL_FLAGS_WEAK_IMPORT != 0
			cur.NonWeakDefinition = imm&types.BIND_SYMBOL_FLAGS_NON_WEAK_DEFINITION != 0
			if d == weakBind && cur.NonWeakDefinition {
				in.log().WithField("symbol", name).Debug("strong")
			}
		case types.BIND_OPCODE_SET_TYPE_IMM:
			cur.Type = types.BindType(imm)
		case types.BIND_OPCODE_SET_ADDEND_SLEB:
			addend, err := trie.ReadSleb128(r)
			if err != nil {
				return stop(err)
			}
			cur.Addend = addend
		case types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			off, err := trie.ReadUleb128(r)
			if err != nil {
				return stop(err)
			}
			in.setSegment(&seg, int(imm), off)
		case types.BIND_OPCODE_ADD_ADDR_ULEB:
			off, err := trie.ReadUleb128(r)
			if err != nil {
				return stop(err)
			}
			seg.offset += off
		case types.BIND_OPCODE_DO_BIND:
			if err := emit(opcode); err != nil {
				return stop(err)
			}
			seg.offset += ptr
		case types.BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB:
			if err := emit(opcode); err != nil {
				return stop(err)
			}
			skip, err := trie.ReadUleb128(r)
			if err != nil {
				return stop(err)
			}
			seg.offset += skip + ptr
		case types.BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED:
			if err := emit(opcode); err != nil {
				return stop(err)
			}
			seg.offset += uint64(imm)*ptr + ptr
		case types.BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB:
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
			in.log().Errorf("unknown %s opcode %#02x at offset %#x", d, opcode, at)
			unknown.add(d.String(), opcode, at)
		}
	}

	return binds, unknown.err()
}
