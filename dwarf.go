package macho

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/blacktop/go-dwarf"
	"github.com/pkg/errors"
)

func dwarfSuffix(s *Section) string {
	switch {
	case strings.HasPrefix(s.Name, "__debug_"):
		return s.Name[8:]
	case strings.HasPrefix(s.Name, "__zdebug_"):
		return s.Name[9:]
	case strings.HasPrefix(s.Name, "__apple_"):
		return s.Name[8:]
	default:
		return ""
	}
}

func dwarfSectionData(s *Section) ([]byte, error) {
	b, err := s.Data()
	if err != nil {
		return nil, err
	}
	if len(b) >= 12 && string(b[:4]) == "ZLIB" {
		dlen := binary.BigEndian.Uint64(b[4:12])
		r, err := zlib.NewReader(bytes.NewReader(b[12:]))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		var dbuf bytes.Buffer
		if _, err := io.Copy(&dbuf, io.LimitReader(r, int64(dlen))); err != nil {
			return nil, err
		}
		if uint64(dbuf.Len()) != dlen {
			return nil, formatError(ErrOutOfBounds, uint64(s.Offset), "short compressed DWARF section", s.Name)
		}
		b = dbuf.Bytes()
	}
	return b, nil
}

// DWARF returns the DWARF debug information of the __DWARF sections.
func (f *File) DWARF() (*dwarf.Data, error) {
	// There are many other DWARF sections, but these
	// are the ones the dwarf package uses.
	var dat = map[string][]byte{"abbrev": nil, "info": nil, "str": nil, "line": nil, "ranges": nil}
	for _, s := range f.Sections {
		suffix := dwarfSuffix(s)
		if suffix == "" {
			continue
		}
		if _, ok := dat[suffix]; !ok {
			continue
		}
		b, err := dwarfSectionData(s)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s.%s", s.Seg, s.Name)
		}
		dat[suffix] = b
	}
	if dat["info"] == nil {
		return nil, errors.Wrap(ErrMissingPrerequisite, "macho does not contain __debug_info")
	}

	d, err := dwarf.New(dat["abbrev"], nil, nil, dat["info"], dat["line"], nil, dat["ranges"], dat["str"])
	if err != nil {
		return nil, err
	}

	// Look for DWARF4 .debug_types sections.
	for i, s := range f.Sections {
		if dwarfSuffix(s) != "types" || !strings.HasPrefix(s.Name, "__debug_") {
			continue
		}
		b, err := dwarfSectionData(s)
		if err != nil {
			return nil, err
		}
		if err := d.AddTypes(fmt.Sprintf("types-%d", i), b); err != nil {
			return nil, err
		}
	}

	return d, nil
}
