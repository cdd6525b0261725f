// Package fixupchains walks the chained fixups described by
// LC_DYLD_CHAINED_FIXUPS and reports every rebase and bind slot.
package fixupchains

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/appsworld/go-machodump/internal/image"
	"github.com/appsworld/go-machodump/types"
	"github.com/pkg/errors"
)

// MaxFixups caps the slots a single payload may produce.
const MaxFixups = 1 << 22

var (
	// ErrUnknownPointerFormat is reported for a segment whose pointer format
	// is not one of DYLD_CHAINED_PTR_*.
	ErrUnknownPointerFormat = errors.New("unknown chained pointer format")
	// ErrBadChain is reported when a chain leaves its page or the image.
	ErrBadChain = errors.New("malformed fixup chain")
	// ErrTooManyFixups is reported when a payload exceeds MaxFixups.
	ErrTooManyFixups = errors.New("chained fixups exceed record limit")
)

// Resolver names the dylib behind an import's library ordinal.
type Resolver interface {
	OrdinalName(ordinal int64) string
}

// An Import is one entry of the imports table.
type Import struct {
	Name    string
	Ordinal int64
	Dylib   string
	Weak    bool
	Addend  int64
}

func (i Import) String() string {
	var weak string
	if i.Weak {
		weak = " (weak)"
	}
	return fmt.Sprintf("%-16s %s%s", i.Dylib, i.Name, weak)
}

// Starts is the chain start table of one segment.
type Starts struct {
	types.DyldChainedStartsInSegment
	SegmentIndex int
	// PageStarts holds page_start[PageCount] followed by the overflow
	// chain_starts used by multi-start pages.
	PageStarts []types.DCPtrStart
}

// Chains is a decoded LC_DYLD_CHAINED_FIXUPS payload.
type Chains struct {
	types.DyldChainedFixupsHeader
	Imports []Import
	Starts  []Starts
	Fixups  []Fixup
}

// Rebases returns the rebase slots of every chain.
func (c *Chains) Rebases() []Fixup { return c.filter(Rebase) }

// Binds returns the bind slots of every chain.
func (c *Chains) Binds() []Fixup { return c.filter(Bind) }

func (c *Chains) filter(k Kind) []Fixup {
	var out []Fixup
	for _, f := range c.Fixups {
		if f.Kind == k {
			out = append(out, f)
		}
	}
	return out
}

// A Walker decodes chained fixups against one image.
type Walker struct {
	Image     *image.Image
	ByteOrder binary.ByteOrder
	// Base is the preferred load address of the image.
	Base uint64
	// FileOffset maps an offset from Base to a file offset.
	FileOffset func(vmOffset uint64) (uint64, bool)
	Resolver   Resolver
	Logger     log.Interface
}

func (w *Walker) log() log.Interface {
	if w.Logger == nil {
		return log.Log
	}
	return w.Logger
}

func (w *Walker) bo() binary.ByteOrder {
	if w.ByteOrder == nil {
		return binary.LittleEndian
	}
	return w.ByteOrder
}

// chainErrors remembers the first failing chain and how many failed.
type chainErrors struct {
	first error
	count int
}

func (c *chainErrors) add(err error) {
	c.count++
	if c.first == nil {
		c.first = err
	}
}

func (c *chainErrors) err() error {
	if c.first == nil {
		return nil
	}
	if c.count > 1 {
		return errors.Wrapf(c.first, "%d chains failed", c.count)
	}
	return c.first
}

// Parse decodes the header, imports and start tables of data and walks
// every chain. A chain that fails is abandoned and the walk continues with
// the next one; the returned error describes the first failure.
func (w *Walker) Parse(data []byte) (*Chains, error) {
	c, err := w.ParseStarts(data)
	if err != nil {
		return nil, err
	}

	var errs chainErrors
	if err := w.parseImports(c, data); err != nil {
		errs.add(err)
	}

	for _, s := range c.Starts {
		if err := w.walkSegment(c, s); err != nil {
			if errors.Is(err, ErrTooManyFixups) {
				return c, err
			}
			errs.add(err)
		}
	}
	return c, errs.err()
}

// ParseStarts decodes the header and the per-segment start tables.
func (w *Walker) ParseStarts(data []byte) (*Chains, error) {
	r := image.NewCursor(data, w.bo())
	c := &Chains{}
	hdr := []*uint32{
		&c.FixupsVersion,
		&c.StartsOffset,
		&c.ImportsOffset,
		&c.SymbolsOffset,
		&c.ImportsCount,
		(*uint32)(&c.ImportsFormat),
		(*uint32)(&c.SymbolsFormat),
	}
	for _, v := range hdr {
		var err error
		if *v, err = r.Uint32(); err != nil {
			return nil, errors.Wrap(err, "failed to read chained fixups header")
		}
	}
	if c.FixupsVersion != 0 {
		w.log().WithField("version", c.FixupsVersion).Warn("unexpected chained fixups version")
	}

	if err := r.Seek(int(c.StartsOffset)); err != nil {
		return nil, errors.Wrapf(err, "starts offset %#x", c.StartsOffset)
	}
	segCount, err := r.Uint32()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read segment count")
	}
	if uint64(segCount)*4 > uint64(r.Remaining()) {
		return nil, errors.Wrapf(image.ErrOutOfBounds, "%d segment start offsets", segCount)
	}
	infoOffsets := make([]uint32, segCount)
	for i := range infoOffsets {
		infoOffsets[i], _ = r.Uint32()
	}

	for segIdx, off := range infoOffsets {
		if off == 0 {
			continue
		}
		s, err := w.readStarts(data, uint64(c.StartsOffset)+uint64(off))
		if err != nil {
			return nil, errors.Wrapf(err, "segment %d starts", segIdx)
		}
		s.SegmentIndex = segIdx
		c.Starts = append(c.Starts, s)
	}
	return c, nil
}

func (w *Walker) readStarts(data []byte, off uint64) (Starts, error) {
	var s Starts
	b, ok := image.Within(data, off, types.DyldChainedStartsInSegmentSize)
	if !ok {
		return s, image.ErrOutOfBounds
	}
	bo := w.bo()
	s.Size = bo.Uint32(b[0:])
	s.PageSize = bo.Uint16(b[4:])
	s.PointerFormat = types.DCPtrKind(bo.Uint16(b[6:]))
	s.SegmentOffset = bo.Uint64(b[8:])
	s.MaxValidPointer = bo.Uint32(b[16:])
	s.PageCount = bo.Uint16(b[20:])

	n := uint64(s.PageCount)
	if uint64(s.Size) > types.DyldChainedStartsInSegmentSize {
		n = max(n, (uint64(s.Size)-types.DyldChainedStartsInSegmentSize)/2)
	}
	starts, ok := image.Within(data, off+types.DyldChainedStartsInSegmentSize, n*2)
	if !ok {
		return s, errors.Wrapf(image.ErrOutOfBounds, "%d page starts", n)
	}
	s.PageStarts = make([]types.DCPtrStart, n)
	for i := range s.PageStarts {
		s.PageStarts[i] = types.DCPtrStart(bo.Uint16(starts[i*2:]))
	}
	return s, nil
}

func (w *Walker) parseImports(c *Chains, data []byte) error {
	var entrySize uint64
	switch c.ImportsFormat {
	case types.DC_IMPORT:
		entrySize = 4
	case types.DC_IMPORT_ADDEND:
		entrySize = 8
	case types.DC_IMPORT_ADDEND64:
		entrySize = 16
	default:
		return errors.Errorf("unknown imports format %d", c.ImportsFormat)
	}
	table, ok := image.Within(data, uint64(c.ImportsOffset), uint64(c.ImportsCount)*entrySize)
	if !ok {
		return errors.Wrapf(image.ErrOutOfBounds, "%d imports at %#x", c.ImportsCount, c.ImportsOffset)
	}
	symbols, ok := image.Within(data, uint64(c.SymbolsOffset), uint64(len(data))-min(uint64(len(data)), uint64(c.SymbolsOffset)))
	if !ok {
		return errors.Wrapf(image.ErrOutOfBounds, "symbols at %#x", c.SymbolsOffset)
	}
	if c.SymbolsFormat == types.DC_SFORMAT_ZLIB_COMPRESSED {
		zr, err := zlib.NewReader(bytes.NewReader(symbols))
		if err != nil {
			return errors.Wrap(err, "failed to open compressed import symbols")
		}
		if symbols, err = io.ReadAll(zr); err != nil {
			return errors.Wrap(err, "failed to inflate import symbols")
		}
	}

	bo := w.bo()
	sr := image.NewCursor(symbols, bo)
	c.Imports = make([]Import, 0, c.ImportsCount)
	for i := uint64(0); i < uint64(c.ImportsCount); i++ {
		e := table[i*entrySize:]
		var imp Import
		var nameOff uint64
		switch c.ImportsFormat {
		case types.DC_IMPORT, types.DC_IMPORT_ADDEND:
			v := types.DyldChainedImport(bo.Uint32(e))
			imp.Ordinal, imp.Weak, nameOff = v.LibOrdinal(), v.WeakImport(), v.NameOffset()
			if c.ImportsFormat == types.DC_IMPORT_ADDEND {
				imp.Addend = int64(int32(bo.Uint32(e[4:])))
			}
		case types.DC_IMPORT_ADDEND64:
			v := types.DyldChainedImport64(bo.Uint64(e))
			imp.Ordinal, imp.Weak, nameOff = v.LibOrdinal(), v.WeakImport(), v.NameOffset()
			imp.Addend = int64(bo.Uint64(e[8:]))
		}
		if w.Resolver != nil {
			imp.Dylib = w.Resolver.OrdinalName(imp.Ordinal)
		}
		if err := sr.Seek(int(nameOff)); err == nil {
			imp.Name, err = sr.CString()
			if err != nil {
				w.log().Warnf("import %d: unterminated name at %#x", i, nameOff)
			}
		} else {
			w.log().Warnf("import %d: name offset %#x outside of symbol pool", i, nameOff)
		}
		c.Imports = append(c.Imports, imp)
	}
	return nil
}

func (w *Walker) walkSegment(c *Chains, s Starts) error {
	if s.PointerFormat < types.DYLD_CHAINED_PTR_ARM64E || s.PointerFormat > types.DYLD_CHAINED_PTR_ARM64E_USERLAND24 {
		return errors.Wrapf(ErrUnknownPointerFormat, "segment %d format %#04x", s.SegmentIndex, uint16(s.PointerFormat))
	}
	var errs chainErrors
	for page := uint16(0); page < s.PageCount && int(page) < len(s.PageStarts); page++ {
		start := s.PageStarts[page]
		if start == types.DYLD_CHAINED_PTR_START_NONE {
			continue
		}
		if start&types.DYLD_CHAINED_PTR_START_MULTI == 0 {
			if err := w.walkChain(c, s, page, uint64(start)); err != nil {
				if errors.Is(err, ErrTooManyFixups) {
					return err
				}
				errs.add(err)
			}
			continue
		}
		// 32-bit formats may carry several chains in one page
		for idx := int(start &^ types.DYLD_CHAINED_PTR_START_MULTI); ; idx++ {
			if idx >= len(s.PageStarts) {
				errs.add(errors.Wrapf(ErrBadChain, "segment %d page %d: overflow start %d outside of table", s.SegmentIndex, page, idx))
				break
			}
			v := s.PageStarts[idx]
			if err := w.walkChain(c, s, page, uint64(v&^types.DYLD_CHAINED_PTR_START_LAST)); err != nil {
				if errors.Is(err, ErrTooManyFixups) {
					return err
				}
				errs.add(err)
			}
			if v&types.DYLD_CHAINED_PTR_START_LAST != 0 {
				break
			}
		}
	}
	return errs.err()
}

func (w *Walker) walkChain(c *Chains, s Starts, page uint16, offsetInPage uint64) error {
	pageStart := s.SegmentOffset + uint64(page)*uint64(s.PageSize)
	width := uint64(8)
	if s.PointerFormat.Is32() {
		width = 4
	}
	stride := s.PointerFormat.Stride()
	bo := w.bo()

	for {
		if s.PageSize != 0 && offsetInPage+width > uint64(s.PageSize) {
			return errors.Wrapf(ErrBadChain, "segment %d page %d: fixup at %#x leaves the page", s.SegmentIndex, page, offsetInPage)
		}
		vmOff := pageStart + offsetInPage
		fileOff, ok := vmOff, true
		if w.FileOffset != nil {
			fileOff, ok = w.FileOffset(vmOff)
		}
		if !ok {
			return errors.Wrapf(ErrBadChain, "fixup at vm offset %#x is not mapped from the file", vmOff)
		}
		b, ok := w.Image.Offset(fileOff, width)
		if !ok {
			return errors.Wrapf(image.ErrOutOfBounds, "fixup at file offset %#x", fileOff)
		}
		var raw uint64
		if width == 4 {
			raw = uint64(bo.Uint32(b))
		} else {
			raw = bo.Uint64(b)
		}

		if len(c.Fixups) >= MaxFixups {
			return ErrTooManyFixups
		}
		fx, next := decode(s.PointerFormat, raw, w.Base)
		fx.Segment = s.SegmentIndex
		fx.Offset = vmOff
		fx.FileOffset = fileOff
		if fx.Kind == Bind {
			if fx.Ordinal < uint64(len(c.Imports)) {
				imp := c.Imports[fx.Ordinal]
				fx.Import = imp.Name
				fx.Dylib = imp.Dylib
				fx.Addend += imp.Addend
			} else {
				fx.Import = "invalid"
				w.log().WithField("ordinal", fx.Ordinal).Warnf("bind at %#x references an import that does not exist", vmOff)
			}
		}
		w.log().Debugf("chained fixup: %s", fx)
		c.Fixups = append(c.Fixups, fx)

		if next == 0 {
			return nil
		}
		offsetInPage += next * stride
	}
}
