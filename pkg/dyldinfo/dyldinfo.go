// Package dyldinfo interprets the compressed rebase and bind opcode streams
// referenced by LC_DYLD_INFO and LC_DYLD_INFO_ONLY.
package dyldinfo

import (
	"fmt"

	"github.com/apex/log"
	"github.com/appsworld/go-machodump/types"
	"github.com/pkg/errors"
)

// MaxRecords caps the records a single stream may produce.
const MaxRecords = 1 << 20

var (
	// ErrUnknownOpcode is reported when a stream contains an opcode outside
	// the dialect being interpreted.
	ErrUnknownOpcode = errors.New("unknown dyld info opcode")
	// ErrTooManyRecords is reported when a stream exceeds MaxRecords.
	ErrTooManyRecords = errors.New("dyld info stream exceeds record limit")
	// ErrOutsideSegment is reported when a slot would land past the end of
	// its segment's vmsize.
	ErrOutsideSegment = errors.New("dyld info address outside of segment")
)

// Resolver turns the segment indices and addresses carried by the opcode
// streams into names.
type Resolver interface {
	SegmentName(idx int) string
	SegmentAddress(idx int) (uint64, bool)
	SegmentSize(idx int) (uint64, bool)
	SectionName(idx int, addr uint64) string
	OrdinalName(ordinal int64) string
}

// A Rebase is one pointer slot the loader slides by the image's load bias.
type Rebase struct {
	Segment      string
	SegmentIndex int
	Section      string
	Address      uint64
	Type         types.RebaseType
	Opcode       string
}

func (r Rebase) String() string {
	return fmt.Sprintf("%-7s %-16s %#08x  %s", r.Segment, r.Section, r.Address, r.Type)
}

// A Bind is one pointer slot the loader fills with an imported symbol.
type Bind struct {
	Segment           string
	SegmentIndex      int
	Section           string
	Address           uint64
	Type              types.BindType
	Addend            int64
	Ordinal           int64
	Dylib             string
	Name              string
	Flags             uint8
	WeakImport        bool
	NonWeakDefinition bool
	// LazyOffset is the offset in the lazy bind stream just past the most
	// recent DONE opcode. Only set for lazy binds.
	LazyOffset uint64
	Opcode     string
}

func (b Bind) String() string {
	var weak string
	if b.WeakImport {
		weak = " (weak import)"
	}
	return fmt.Sprintf("%-7s %-16s %#08x %10s  %5d %-16s %s%s", b.Segment, b.Section, b.Address, b.Type, b.Addend, b.Dylib, b.Name, weak)
}

// An Interpreter runs opcode streams against one image.
type Interpreter struct {
	PointerSize uint64
	Resolver    Resolver
	Logger      log.Interface
}

func (in *Interpreter) log() log.Interface {
	if in.Logger == nil {
		return log.Log
	}
	return in.Logger
}

// ParseRebase interprets a rebase stream with the package logger.
func ParseRebase(data []byte, ptrSize uint64, r Resolver) ([]Rebase, error) {
	return (&Interpreter{PointerSize: ptrSize, Resolver: r}).Rebase(data)
}

// ParseBind interprets a bind stream with the package logger.
func ParseBind(data []byte, ptrSize uint64, r Resolver) ([]Bind, error) {
	return (&Interpreter{PointerSize: ptrSize, Resolver: r}).Bind(data)
}

// ParseWeakBind interprets a weak bind stream with the package logger.
func ParseWeakBind(data []byte, ptrSize uint64, r Resolver) ([]Bind, error) {
	return (&Interpreter{PointerSize: ptrSize, Resolver: r}).WeakBind(data)
}

// ParseLazyBind interprets a lazy bind stream with the package logger.
func ParseLazyBind(data []byte, ptrSize uint64, r Resolver) ([]Bind, error) {
	return (&Interpreter{PointerSize: ptrSize, Resolver: r}).LazyBind(data)
}

// segState is the addressing state shared by every dialect.
type segState struct {
	index  int
	name   string
	base   uint64
	offset uint64
	// size bounds offset once a known segment is selected.
	size    uint64
	bounded bool
}

func (in *Interpreter) setSegment(s *segState, idx int, offset uint64) {
	s.index = idx
	s.offset = offset
	s.name = in.Resolver.SegmentName(idx)
	base, ok := in.Resolver.SegmentAddress(idx)
	if !ok {
		in.log().WithField("segment", idx).Warn("opcode references a segment that does not exist")
	}
	s.base = base
	s.size, s.bounded = in.Resolver.SegmentSize(idx)
}

func (s *segState) address() uint64 { return s.base + s.offset }

// fits reports an error when a ptr sized slot at the current offset would
// run past the segment.
func (s *segState) fits(ptr uint64) error {
	if !s.bounded || (s.offset <= s.size && s.size-s.offset >= ptr) {
		return nil
	}
	return errors.Wrapf(ErrOutsideSegment, "%s offset %#x (vmsize %#x)", s.name, s.offset, s.size)
}

// opcodeErrors remembers the first unknown opcode and how many were seen.
type opcodeErrors struct {
	first error
	count int
}

func (o *opcodeErrors) add(stream string, opcode byte, pos int) {
	o.count++
	if o.first == nil {
		o.first = errors.Wrapf(ErrUnknownOpcode, "%s opcode %#02x at offset %#x", stream, opcode, pos)
	}
}

func (o *opcodeErrors) err() error {
	if o.first == nil {
		return nil
	}
	if o.count > 1 {
		return errors.Wrapf(o.first, "%d unknown opcodes", o.count)
	}
	return o.first
}
