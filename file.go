package macho

// High level access to low level data structures.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/appsworld/go-machodump/internal/image"
	"github.com/appsworld/go-machodump/pkg/dyldinfo"
	"github.com/appsworld/go-machodump/pkg/fixupchains"
	"github.com/appsworld/go-machodump/pkg/trie"
	"github.com/appsworld/go-machodump/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

const defaultSectionCacheSize = 1024

// Width is the address-space width of an image.
type Width int

const (
	Width32 Width = 32
	Width64 Width = 64
)

// PointerSize is the size in bytes of a pointer at this width.
func (w Width) PointerSize() uint64 { return uint64(w) / 8 }

// FileKind is the coarse classification of the header file type.
type FileKind int

const (
	KindUnknown FileKind = iota
	KindObject
	KindCore
	KindExecutable
	KindLibrary
)

func (k FileKind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindCore:
		return "core"
	case KindExecutable:
		return "executable"
	case KindLibrary:
		return "library"
	}
	return "unknown"
}

// Arch is one of the supported cpu families.
type Arch int

const (
	ArchX86 Arch = iota + 1
	ArchX86_64
	ArchARM
	ArchARM64
)

func (a Arch) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchX86_64:
		return "x86_64"
	case ArchARM:
		return "arm"
	case ArchARM64:
		return "arm64"
	}
	return "unknown"
}

// FileConfig is a MachO file config object
type FileConfig struct {
	// Logger receives every diagnostic. Defaults to log.Log.
	Logger log.Interface
	// DumpSections hex dumps routed sections at debug level.
	DumpSections bool
	// SkipDyldInfo leaves the rebase/bind/export streams uninterpreted.
	SkipDyldInfo bool
	// Handlers run after the built-in decoder of their command kind.
	Handlers map[types.LoadCmd]HandlerFunc
	// SectionCacheSize bounds the address to section name cache.
	SectionCacheSize int
}

// A Command is a copy of one load command as it appears in the file.
type Command struct {
	Cmd    types.LoadCmd
	Offset uint64
	Data   []byte
}

// HandlerFunc observes one load command of a parse.
type HandlerFunc func(f *File, cmd Command) error

// A File represents an open Mach-O file.
type File struct {
	types.FileHeader
	ByteOrder binary.ByteOrder
	Loads     []Load
	Sections  []*Section

	Symtab   *Symtab
	Dysymtab *Dysymtab
	Content  SectionContent

	width    Width
	kind     FileKind
	arch     Arch
	segments []*Segment
	dylibs   []*Dylib
	base     uint64
	hasBase  bool

	rebases   []dyldinfo.Rebase
	binds     []dyldinfo.Bind
	weakBinds []dyldinfo.Bind
	lazyBinds []dyldinfo.Bind
	exports   []trie.TrieEntry
	chains    *fixupchains.Chains

	errs   []error
	cfg    FileConfig
	log    log.Interface
	img    *image.Image
	names  *lru.Cache[addrKey, string]
	closer io.Closer
}

// Open opens the named file using os.Open and prepares it for use as a Mach-O binary.
func Open(name string, config ...FileConfig) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	ff, err := NewFile(f, config...)
	if err != nil {
		f.Close()
		return nil, err
	}
	ff.closer = f
	return ff, nil
}

// Close closes the File.
// If the File was created using NewFile directly instead of Open,
// Close has no effect.
func (f *File) Close() error {
	var err error
	if f.closer != nil {
		err = f.closer.Close()
		f.closer = nil
	}
	return err
}

// NewFile creates a new File for accessing a Mach-O binary in an underlying reader.
// The Mach-O binary is expected to start at position 0 in the ReaderAt.
//
// Only a bad magic or an unsupported cpu type fail the parse. Every other
// problem is logged, collected in Errors, and the parse continues.
func NewFile(r io.ReaderAt, config ...FileConfig) (*File, error) {
	img, err := image.FromReaderAt(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to map image")
	}

	f := new(File)
	if len(config) > 0 {
		f.cfg = config[0]
	}
	f.log = f.cfg.Logger
	if f.log == nil {
		f.log = log.Log
	}
	size := f.cfg.SectionCacheSize
	if size <= 0 {
		size = defaultSectionCacheSize
	}
	if f.names, err = lru.New[addrKey, string](size); err != nil {
		return nil, errors.Wrap(err, "failed to create section name cache")
	}
	f.img = img

	if err := f.readHeader(); err != nil {
		return nil, err
	}

	p := newParser(f)
	p.run()

	return f, nil
}

// Classify maps the first four bytes of an image to its byte order and
// address width.
func Classify(magic [4]byte) (binary.ByteOrder, Width, error) {
	be := types.Magic(binary.BigEndian.Uint32(magic[:]))
	le := types.Magic(binary.LittleEndian.Uint32(magic[:]))
	switch {
	case be == types.Magic32:
		return binary.BigEndian, Width32, nil
	case be == types.Magic64:
		return binary.BigEndian, Width64, nil
	case le == types.Magic32:
		return binary.LittleEndian, Width32, nil
	case le == types.Magic64:
		return binary.LittleEndian, Width64, nil
	}
	return nil, 0, formatError(ErrMalformedMagic, 0, "invalid magic number", fmt.Sprintf("%#08x", uint32(be)))
}

func (f *File) readHeader() error {
	b, ok := f.img.Offset(0, 4)
	if !ok {
		return formatError(ErrMalformedMagic, 0, "file too small to hold a magic number", nil)
	}
	var magic [4]byte
	copy(magic[:], b)
	bo, width, err := Classify(magic)
	if err != nil {
		return err
	}
	f.ByteOrder = bo
	f.width = width

	c, ok := f.img.Cursor(0, f.headerSize(), bo)
	if !ok {
		return formatError(ErrOutOfBounds, 0, "truncated mach-o header", nil)
	}
	// Cursor bounds are already checked against headerSize.
	magicVal, _ := c.Uint32()
	cpu, _ := c.Uint32()
	sub, _ := c.Uint32()
	typ, _ := c.Uint32()
	f.Magic = types.Magic(magicVal)
	f.CPU = types.CPU(cpu)
	f.SubCPU = types.CPUSubtype(sub)
	f.Type = types.HeaderFileType(typ)
	f.NCommands, _ = c.Uint32()
	f.SizeCommands, _ = c.Uint32()
	flags, _ := c.Uint32()
	f.Flags = types.HeaderFlag(flags)
	if width == Width64 {
		f.Reserved, _ = c.Uint32()
	}

	switch f.CPU {
	case types.CPUX86:
		f.arch = ArchX86
	case types.CPUX8664:
		f.arch = ArchX86_64
	case types.CPUArm:
		f.arch = ArchARM
	case types.CPUArm64:
		f.arch = ArchARM64
	default:
		return formatError(ErrUnsupportedCPU, 4, "unsupported cpu type", f.CPU)
	}
	if f.CPU.Is64() != (width == Width64) {
		f.log.WithFields(log.Fields{"cpu": f.CPU, "width": width}).Warn("cpu type does not match header width")
	}

	switch f.Type {
	case types.MH_OBJECT:
		f.kind = KindObject
	case types.MH_CORE:
		f.kind = KindCore
	case types.MH_EXECUTE:
		f.kind = KindExecutable
	case types.MH_DYLIB, types.MH_BUNDLE:
		f.kind = KindLibrary
	default:
		f.kind = KindUnknown
		f.log.WithField("type", f.Type).Warn("unknown file type")
	}
	return nil
}

func (f *File) headerSize() uint64 {
	if f.width == Width64 {
		return types.FileHeaderSize64
	}
	return types.FileHeaderSize32
}

// Kind returns the coarse file type.
func (f *File) Kind() FileKind { return f.kind }

// Arch returns the cpu family.
func (f *File) Arch() Arch { return f.arch }

// Width returns the address-space width.
func (f *File) Width() Width { return f.width }

// PointerSize returns the size of a pointer in bytes.
func (f *File) PointerSize() uint64 { return f.width.PointerSize() }

// Errors returns every recoverable error met during the parse, in order.
func (f *File) Errors() []error { return f.errs }

// Len is the size of the mapped image.
func (f *File) Len() uint64 { return f.img.Len() }

// ReadAt reads data at offset within MachO
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrOutOfBounds
	}
	b, ok := f.img.Tail(uint64(off))
	if !ok {
		return 0, ErrOutOfBounds
	}
	n := copy(p, b)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func cstring(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i == -1 {
		i = len(b)
	}
	return string(b[0:i])
}

// GetCStringAtOffset reads the NUL terminated string at a file offset.
func (f *File) GetCStringAtOffset(off uint64) (string, error) {
	b, ok := f.img.Tail(off)
	if !ok {
		return "", formatError(ErrOutOfBounds, off, "string offset outside of image", nil)
	}
	c := image.NewCursor(b, f.ByteOrder)
	s, err := c.CString()
	if err != nil {
		return "", formatError(err, off, "unterminated string", nil)
	}
	return s, nil
}

// GetCString reads the NUL terminated string at a virtual address.
func (f *File) GetCString(addr uint64) (string, error) {
	off, ok := f.OffsetFromRVA(addr)
	if !ok {
		return "", errors.Errorf("address %#x not within any segment", addr)
	}
	return f.GetCStringAtOffset(off)
}

/*
 * Load command accessors
 */

// Segment returns the first Segment with the given name, or nil if no such segment exists.
func (f *File) Segment(name string) *Segment {
	for _, s := range f.segments {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Section returns the first section with the given name in the given segment,
// or nil if no such section exists.
func (f *File) Section(segment, section string) *Section {
	for _, s := range f.Sections {
		if s.Seg == segment && s.Name == section {
			return s
		}
	}
	return nil
}

// UUID returns the LC_UUID load command, if any.
func (f *File) UUID() *UUID {
	for _, l := range f.Loads {
		if u, ok := l.(*UUID); ok {
			return u
		}
	}
	return nil
}

// DylibID returns the LC_ID_DYLIB load command, if any.
func (f *File) DylibID() *DylibID {
	for _, l := range f.Loads {
		if s, ok := l.(*DylibID); ok {
			return s
		}
	}
	return nil
}

// DyldInfo returns the first LC_DYLD_INFO(_ONLY) load command, if any.
func (f *File) DyldInfo() *DyldInfo {
	for _, l := range f.Loads {
		if s, ok := l.(*DyldInfo); ok {
			return s
		}
	}
	return nil
}

// EntryPoint returns the LC_MAIN load command, if any.
func (f *File) EntryPoint() *EntryPoint {
	for _, l := range f.Loads {
		if s, ok := l.(*EntryPoint); ok {
			return s
		}
	}
	return nil
}

// SourceVersion returns the LC_SOURCE_VERSION load command, if any.
func (f *File) SourceVersion() *SourceVersion {
	for _, l := range f.Loads {
		if s, ok := l.(*SourceVersion); ok {
			return s
		}
	}
	return nil
}

// BuildVersion returns the LC_BUILD_VERSION load command, if any.
func (f *File) BuildVersion() *BuildVersion {
	for _, l := range f.Loads {
		if s, ok := l.(*BuildVersion); ok {
			return s
		}
	}
	return nil
}

// linkEdit returns the first linkedit data command of the given kind.
func (f *File) linkEdit(cmd types.LoadCmd) *LinkEditData {
	for _, l := range f.Loads {
		if s, ok := l.(*LinkEditData); ok && s.Command() == cmd {
			return s
		}
	}
	return nil
}

// CodeSignature returns the LC_CODE_SIGNATURE range, if any.
func (f *File) CodeSignature() *LinkEditData { return f.linkEdit(types.LC_CODE_SIGNATURE) }

// ImportedLibraries returns the libraries referred to by the binary f that
// are expected to be linked with the binary at dynamic link time, in
// ordinal order.
func (f *File) ImportedLibraries() []*Dylib { return f.dylibs }

// OrdinalName returns the name bind records use for a library ordinal.
func (f *File) OrdinalName(ordinal int64) string {
	switch ordinal {
	case types.BIND_SPECIAL_DYLIB_SELF:
		return "this-image"
	case types.BIND_SPECIAL_DYLIB_MAIN_EXECUTABLE:
		return "main-executable"
	case types.BIND_SPECIAL_DYLIB_FLAT_LOOKUP:
		return "flat-namespace"
	case types.BIND_SPECIAL_DYLIB_WEAK_LOOKUP:
		return "weak-coalesce"
	}
	if ordinal > 0 && ordinal <= int64(len(f.dylibs)) {
		return f.dylibs[ordinal-1].BaseName()
	}
	return "invalid"
}

// LibraryOrdinalName returns the dependency library ordinal's name
func (f *File) LibraryOrdinalName(libraryOrdinal int) string {
	return f.OrdinalName(int64(libraryOrdinal))
}

// FindSymbolAddress returns the value of the first symbol with the given name.
func (f *File) FindSymbolAddress(symbol string) (uint64, error) {
	if f.Symtab == nil {
		return 0, errors.Wrap(ErrMissingPrerequisite, "no symbol table")
	}
	for _, sym := range f.Symtab.Syms {
		if sym.NameValid && sym.Name == symbol {
			return sym.Value, nil
		}
	}
	return 0, errors.Errorf("symbol %s not found in macho symtab", symbol)
}

// FindAddressSymbols returns every symbol whose value is addr.
func (f *File) FindAddressSymbols(addr uint64) ([]Symbol, error) {
	if f.Symtab == nil {
		return nil, errors.Wrap(ErrMissingPrerequisite, "no symbol table")
	}
	var syms []Symbol
	for _, sym := range f.Symtab.Syms {
		if sym.Value == addr {
			syms = append(syms, sym)
		}
	}
	if len(syms) > 0 {
		return syms, nil
	}
	return nil, errors.Errorf("symbol(s) not found in macho symtab for addr 0x%016x", addr)
}
