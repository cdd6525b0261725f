package types

import "fmt"

// ExtractBits returns the width bits of x starting at bit start.
func ExtractBits(x uint64, start, width int) uint64 {
	return (x >> start) & ((1 << width) - 1)
}

// DyldChainedFixupsHeader object is the header of the LC_DYLD_CHAINED_FIXUPS payload
type DyldChainedFixupsHeader struct {
	FixupsVersion uint32          // 0
	StartsOffset  uint32          // offset of DyldChainedStartsInImage in chain_data
	ImportsOffset uint32          // offset of imports table in chain_data
	SymbolsOffset uint32          // offset of symbol strings in chain_data
	ImportsCount  uint32          // number of imported symbol names
	ImportsFormat DCImportsFormat // DYLD_CHAINED_IMPORT*
	SymbolsFormat DCSymbolsFormat // 0 => uncompressed, 1 => zlib compressed
}

const DyldChainedFixupsHeaderSize = 28

type DCSymbolsFormat uint32

const (
	DC_SFORMAT_UNCOMPRESSED    DCSymbolsFormat = 0
	DC_SFORMAT_ZLIB_COMPRESSED DCSymbolsFormat = 1
)

// DCImportsFormat are values for dyld_chained_fixups_header.imports_format
type DCImportsFormat uint32

const (
	DC_IMPORT          DCImportsFormat = 1
	DC_IMPORT_ADDEND   DCImportsFormat = 2
	DC_IMPORT_ADDEND64 DCImportsFormat = 3
)

func (f DCImportsFormat) String() string {
	switch f {
	case DC_IMPORT:
		return "DYLD_CHAINED_IMPORT"
	case DC_IMPORT_ADDEND:
		return "DYLD_CHAINED_IMPORT_ADDEND"
	case DC_IMPORT_ADDEND64:
		return "DYLD_CHAINED_IMPORT_ADDEND64"
	}
	return fmt.Sprintf("DCImportsFormat(%d)", uint32(f))
}

// DCPtrKind are values for dyld_chained_starts_in_segment.pointer_format
type DCPtrKind uint16

const (
	DYLD_CHAINED_PTR_ARM64E              DCPtrKind = 1 // stride 8, unauth target is vmaddr
	DYLD_CHAINED_PTR_64                  DCPtrKind = 2 // target is vmaddr
	DYLD_CHAINED_PTR_32                  DCPtrKind = 3
	DYLD_CHAINED_PTR_32_CACHE            DCPtrKind = 4
	DYLD_CHAINED_PTR_32_FIRMWARE         DCPtrKind = 5
	DYLD_CHAINED_PTR_64_OFFSET           DCPtrKind = 6 // target is vm offset
	DYLD_CHAINED_PTR_ARM64E_KERNEL       DCPtrKind = 7 // stride 4, unauth target is vm offset
	DYLD_CHAINED_PTR_64_KERNEL_CACHE     DCPtrKind = 8
	DYLD_CHAINED_PTR_ARM64E_USERLAND     DCPtrKind = 9  // stride 8, unauth target is vm offset
	DYLD_CHAINED_PTR_ARM64E_FIRMWARE     DCPtrKind = 10 // stride 4, unauth target is vmaddr
	DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE DCPtrKind = 11 // stride 1, x86_64 kernel caches
	DYLD_CHAINED_PTR_ARM64E_USERLAND24   DCPtrKind = 12 // stride 8, unauth target is vm offset, 24-bit bind
)

var dcPtrKindStrings = []intName{
	{uint32(DYLD_CHAINED_PTR_ARM64E), "DYLD_CHAINED_PTR_ARM64E"},
	{uint32(DYLD_CHAINED_PTR_64), "DYLD_CHAINED_PTR_64"},
	{uint32(DYLD_CHAINED_PTR_32), "DYLD_CHAINED_PTR_32"},
	{uint32(DYLD_CHAINED_PTR_32_CACHE), "DYLD_CHAINED_PTR_32_CACHE"},
	{uint32(DYLD_CHAINED_PTR_32_FIRMWARE), "DYLD_CHAINED_PTR_32_FIRMWARE"},
	{uint32(DYLD_CHAINED_PTR_64_OFFSET), "DYLD_CHAINED_PTR_64_OFFSET"},
	{uint32(DYLD_CHAINED_PTR_ARM64E_KERNEL), "DYLD_CHAINED_PTR_ARM64E_KERNEL"},
	{uint32(DYLD_CHAINED_PTR_64_KERNEL_CACHE), "DYLD_CHAINED_PTR_64_KERNEL_CACHE"},
	{uint32(DYLD_CHAINED_PTR_ARM64E_USERLAND), "DYLD_CHAINED_PTR_ARM64E_USERLAND"},
	{uint32(DYLD_CHAINED_PTR_ARM64E_FIRMWARE), "DYLD_CHAINED_PTR_ARM64E_FIRMWARE"},
	{uint32(DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE), "DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE"},
	{uint32(DYLD_CHAINED_PTR_ARM64E_USERLAND24), "DYLD_CHAINED_PTR_ARM64E_USERLAND24"},
}

func (k DCPtrKind) String() string { return stringName(uint32(k), dcPtrKindStrings, false) }

// Stride is the unit of a chain's next field in bytes.
func (k DCPtrKind) Stride() uint64 {
	switch k {
	case DYLD_CHAINED_PTR_ARM64E, DYLD_CHAINED_PTR_ARM64E_USERLAND, DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		return 8
	case DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE:
		return 1
	}
	return 4
}

// Is32 reports whether chain entries of this format are 32 bits wide.
func (k DCPtrKind) Is32() bool {
	switch k {
	case DYLD_CHAINED_PTR_32, DYLD_CHAINED_PTR_32_CACHE, DYLD_CHAINED_PTR_32_FIRMWARE:
		return true
	}
	return false
}

// DyldChainedStartsInSegment object is embedded in dyld_chain_starts_in_image
// and passed down to the kernel for page-in linking
type DyldChainedStartsInSegment struct {
	Size            uint32    // size of this (amount kernel needs to copy)
	PageSize        uint16    // 0x1000 or 0x4000
	PointerFormat   DCPtrKind // DYLD_CHAINED_PTR_*
	SegmentOffset   uint64    // offset in memory to start of segment
	MaxValidPointer uint32    // for 32-bit OS, any value beyond this is not a pointer
	PageCount       uint16    // how many pages are in array
	// uint16_t    page_start[PageCount]
	// uint16_t    chain_starts[];  multi-start pages of 32-bit formats
}

const DyldChainedStartsInSegmentSize = 22

type DCPtrStart uint16

const (
	DYLD_CHAINED_PTR_START_NONE  DCPtrStart = 0xFFFF // used in page_start[] to denote a page with no fixups
	DYLD_CHAINED_PTR_START_MULTI DCPtrStart = 0x8000 // used in page_start[] to denote a page which has multiple starts
	DYLD_CHAINED_PTR_START_LAST  DCPtrStart = 0x8000 // used in chain_starts[] to denote last start in list for page
)

// KeyName returns the name of a pointer authentication key.
func KeyName(key uint64) string {
	name := []string{"IA", "IB", "DA", "DB"}
	if key >= 4 {
		return "ERROR"
	}
	return name[key]
}

// DYLD_CHAINED_IMPORT
type DyldChainedImport uint32

func (d DyldChainedImport) LibOrdinal() int64 {
	return int64(int8(ExtractBits(uint64(d), 0, 8)))
}
func (d DyldChainedImport) WeakImport() bool {
	return ExtractBits(uint64(d), 8, 1) == 1
}
func (d DyldChainedImport) NameOffset() uint64 {
	return ExtractBits(uint64(d), 9, 23)
}

// DYLD_CHAINED_IMPORT_ADDEND64
type DyldChainedImport64 uint64

func (d DyldChainedImport64) LibOrdinal() int64 {
	return int64(int16(ExtractBits(uint64(d), 0, 16)))
}
func (d DyldChainedImport64) WeakImport() bool {
	return ExtractBits(uint64(d), 16, 1) == 1
}
func (d DyldChainedImport64) NameOffset() uint64 {
	return ExtractBits(uint64(d), 32, 32)
}
