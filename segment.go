package macho

import (
	"bytes"
	"encoding/binary"

	"github.com/apex/log"
	"github.com/appsworld/go-machodump/internal/image"
	"github.com/appsworld/go-machodump/types"
	"github.com/pkg/errors"
)

/*******************************************************************************
 * LC_SEGMENT, LC_SEGMENT_64
 *******************************************************************************/

func (p *parser) loadSegment(c Command) (Load, error) {
	f := p.f

	want := types.LC_SEGMENT
	if f.width == Width64 {
		want = types.LC_SEGMENT_64
	}
	if c.Cmd != want {
		p.log.WithFields(log.Fields{"cmd": c.Cmd.String(), "width": int(f.width), "offset": c.Offset}).Warn("segment command does not match image width, skipping")
		return nil, nil
	}

	s := &Segment{LoadBytes: LoadBytes(c.Data), Width: f.width, Index: len(f.segments)}
	var hdrSize int
	if f.width == Width64 {
		var seg types.Segment64
		if err := p.read(c, &seg); err != nil {
			return nil, err
		}
		s.SegmentHeader = SegmentHeader{
			LoadCmd: seg.LoadCmd,
			Len:     seg.Len,
			Name:    cstring(seg.Name[:]),
			Addr:    seg.Addr,
			Memsz:   seg.Memsz,
			Offset:  seg.Offset,
			Filesz:  seg.Filesz,
			Maxprot: seg.Maxprot,
			Prot:    seg.Prot,
			Nsect:   seg.Nsect,
			Flag:    seg.Flag,
		}
		hdrSize = types.Segment64Size
	} else {
		var seg types.Segment32
		if err := p.read(c, &seg); err != nil {
			return nil, err
		}
		s.SegmentHeader = SegmentHeader{
			LoadCmd: seg.LoadCmd,
			Len:     seg.Len,
			Name:    cstring(seg.Name[:]),
			Addr:    uint64(seg.Addr),
			Memsz:   uint64(seg.Memsz),
			Offset:  uint64(seg.Offset),
			Filesz:  uint64(seg.Filesz),
			Maxprot: seg.Maxprot,
			Prot:    seg.Prot,
			Nsect:   seg.Nsect,
			Flag:    seg.Flag,
		}
		hdrSize = types.Segment32Size
	}
	s.Firstsect = uint32(len(f.Sections))

	f.segments = append(f.segments, s)
	if !f.hasBase && s.Name == "__TEXT" {
		f.base = s.Addr
		f.hasBase = true
	}

	p.log.WithFields(log.Fields{
		"name":   s.Name,
		"addr":   s.Addr,
		"memsz":  s.Memsz,
		"offset": s.Offset,
		"filesz": s.Filesz,
		"nsect":  s.Nsect,
	}).Debug("segment")

	cur := image.NewCursor(c.Data, p.bo)
	if err := cur.Skip(hdrSize); err != nil {
		return s, nil
	}
	for i := uint32(0); i < s.Nsect; i++ {
		sec, err := p.readSection(cur, s, c.Offset)
		if err != nil {
			p.fail(errors.Wrapf(err, "segment %s: dropping sections %d-%d", s.Name, i, s.Nsect-1))
			break
		}
		s.sections = append(s.sections, sec)
		f.Sections = append(f.Sections, sec)
	}

	return s, nil
}

// readSection reads the next section header of a segment command and
// admits the section when its contents lie inside the image.
func (p *parser) readSection(cur *image.Cursor, s *Segment, cmdOff uint64) (*Section, error) {
	var sh SectionHeader
	at := cmdOff + uint64(cur.Pos())

	if s.Width == Width64 {
		b, err := cur.Bytes(types.Section64Size)
		if err != nil {
			return nil, formatError(ErrOutOfBounds, at, "section header runs past end of command", nil)
		}
		var sect types.Section64
		if err := binary.Read(bytes.NewReader(b), p.bo, &sect); err != nil {
			return nil, formatError(ErrOutOfBounds, at, "malformed section header", nil)
		}
		sh = SectionHeader{
			Name:      cstring(sect.Name[:]),
			Seg:       cstring(sect.Seg[:]),
			Addr:      sect.Addr,
			Size:      sect.Size,
			Offset:    sect.Offset,
			Align:     sect.Align,
			Reloff:    sect.Reloff,
			Nreloc:    sect.Nreloc,
			Flags:     sect.Flags,
			Reserved1: sect.Reserve1,
			Reserved2: sect.Reserve2,
			Reserved3: sect.Reserve3,
		}
	} else {
		b, err := cur.Bytes(types.Section32Size)
		if err != nil {
			return nil, formatError(ErrOutOfBounds, at, "section header runs past end of command", nil)
		}
		var sect types.Section32
		if err := binary.Read(bytes.NewReader(b), p.bo, &sect); err != nil {
			return nil, formatError(ErrOutOfBounds, at, "malformed section header", nil)
		}
		sh = SectionHeader{
			Name:      cstring(sect.Name[:]),
			Seg:       cstring(sect.Seg[:]),
			Addr:      uint64(sect.Addr),
			Size:      uint64(sect.Size),
			Offset:    sect.Offset,
			Align:     sect.Align,
			Reloff:    sect.Reloff,
			Nreloc:    sect.Nreloc,
			Flags:     sect.Flags,
			Reserved1: sect.Reserve1,
			Reserved2: sect.Reserve2,
		}
	}

	sec := &Section{SectionHeader: sh, SegIndex: s.Index}
	if !sh.Flags.IsZerofill() && sh.Size > 0 {
		data, ok := p.img.Offset(uint64(sh.Offset), sh.Size)
		if !ok {
			return nil, formatError(ErrOutOfBounds, at, "section data outside of image", sh.Seg+"."+sh.Name)
		}
		sec.data = data
	}

	// Tolerated: older linkers emit sections that spill past their segment.
	if sh.Size > 0 && (sh.Addr < s.Addr || sh.Addr+sh.Size > s.Addr+s.Memsz) {
		p.log.WithFields(log.Fields{
			"section": sh.Seg + "." + sh.Name,
			"addr":    sh.Addr,
			"size":    sh.Size,
			"segment": s.Name,
		}).Warn("section lies outside of its segment")
	}

	return sec, nil
}

/*
 * Segment and section lookups
 */

// Segments returns every segment in discovery order.
func (f *File) Segments() []*Segment { return f.segments }

// Segments32 returns the segments of a 32-bit image.
func (f *File) Segments32() []*Segment {
	if f.width != Width32 {
		return nil
	}
	return f.segments
}

// Segments64 returns the segments of a 64-bit image.
func (f *File) Segments64() []*Segment {
	if f.width != Width64 {
		return nil
	}
	return f.segments
}

// BaseAddress returns the vmaddr of the first __TEXT segment.
func (f *File) BaseAddress() uint64 { return f.base }

// GetSectionsForSegment returns the admitted sections of the named segment.
func (f *File) GetSectionsForSegment(name string) []*Section {
	if s := f.Segment(name); s != nil {
		return s.sections
	}
	return nil
}
