package macho

import (
	"github.com/pkg/errors"
)

const unknownSection = "unknown section"

type addrKey struct {
	seg  int
	addr uint64
}

// OffsetFromRVA translates a virtual address to a file offset through the
// segment that maps it.
func (f *File) OffsetFromRVA(rva uint64) (uint64, bool) {
	for _, seg := range f.segments {
		if seg.Contains(rva) {
			return (rva - seg.Addr) + seg.Offset, true
		}
	}
	return 0, false
}

// GetOffset returns the file offset for a given virtual address
func (f *File) GetOffset(address uint64) (uint64, error) {
	if off, ok := f.OffsetFromRVA(address); ok {
		return off, nil
	}
	return 0, errors.Errorf("address %#x not within any segments adress range", address)
}

// GetVMAddress returns the virtal address for a given file offset
func (f *File) GetVMAddress(offset uint64) (uint64, error) {
	for _, seg := range f.segments {
		if seg.Offset <= offset && offset-seg.Offset < seg.Filesz {
			return (offset - seg.Offset) + seg.Addr, nil
		}
	}
	return 0, errors.Errorf("offset %#x not within any segments file offset range", offset)
}

// SegmentName returns the name of the segment at a dyld info segment index.
func (f *File) SegmentName(idx int) string {
	if idx < 0 || idx >= len(f.segments) {
		return invalidName
	}
	return f.segments[idx].Name
}

// SegmentAddress returns the vmaddr of the segment at a dyld info segment index.
func (f *File) SegmentAddress(idx int) (uint64, bool) {
	if idx < 0 || idx >= len(f.segments) {
		return 0, false
	}
	return f.segments[idx].Addr, true
}

// SegmentSize returns the vmsize of the segment at a dyld info segment index.
func (f *File) SegmentSize(idx int) (uint64, bool) {
	if idx < 0 || idx >= len(f.segments) {
		return 0, false
	}
	return f.segments[idx].Memsz, true
}

// SectionName names the section holding addr. The segment at idx is
// searched first, then every section of the image.
func (f *File) SectionName(idx int, addr uint64) string {
	key := addrKey{seg: idx, addr: addr}
	if name, ok := f.names.Get(key); ok {
		return name
	}

	name := unknownSection
	if idx >= 0 && idx < len(f.segments) {
		for _, sec := range f.segments[idx].sections {
			if sec.Contains(addr) {
				name = sec.Name
				break
			}
		}
	}
	if name == unknownSection {
		if sec := f.FindSectionForVMAddr(addr); sec != nil {
			name = sec.Name
		}
	}

	f.names.Add(key, name)
	return name
}

// FindSegmentForVMAddr returns the segment containing a given virtual memory ddress.
func (f *File) FindSegmentForVMAddr(vmAddr uint64) *Segment {
	for _, seg := range f.segments {
		if seg.Contains(vmAddr) {
			return seg
		}
	}
	return nil
}

// FindSectionForVMAddr returns the section containing a given virtual memory ddress.
func (f *File) FindSectionForVMAddr(vmAddr uint64) *Section {
	for _, sec := range f.Sections {
		if sec.Contains(vmAddr) {
			return sec
		}
	}
	return nil
}
