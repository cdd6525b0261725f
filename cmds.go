package macho

import (
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/appsworld/go-machodump/types"
)

// A Load represents any Mach-O load command.
type Load interface {
	Raw() []byte
	String() string
	Command() types.LoadCmd
}

// LoadCmdBytes is a command-tagged sequence of bytes.
// This is used for Load Commands that are not (yet)
// interesting to us, and to common up this behavior for
// all those that are.
type LoadCmdBytes struct {
	types.LoadCmd
	LoadBytes
}

func (s LoadCmdBytes) String() string {
	return s.LoadCmd.String() + ": " + s.LoadBytes.String()
}

// A LoadBytes is the uninterpreted bytes of a Mach-O load command.
type LoadBytes []byte

func (b LoadBytes) String() string {
	s := "["
	for i, a := range b {
		if i > 0 {
			s += " "
			if len(b) > 48 && i >= 16 {
				s += fmt.Sprintf("... (%d bytes)", len(b))
				break
			}
		}
		s += fmt.Sprintf("%x", a)
	}
	s += "]"
	return s
}
func (b LoadBytes) Raw() []byte { return b }

func pad(length int) string {
	if length > 0 {
		return strings.Repeat(" ", length)
	}
	return " "
}

/*******************************************************************************
 * SEGMENT
 *******************************************************************************/

// A SegmentHeader is the header for a Mach-O 32-bit or 64-bit load segment
// command. 32-bit segments are widened on load.
type SegmentHeader struct {
	types.LoadCmd
	Len       uint32
	Name      string
	Addr      uint64
	Memsz     uint64
	Offset    uint64
	Filesz    uint64
	Maxprot   types.VmProtection
	Prot      types.VmProtection
	Nsect     uint32
	Flag      types.SegFlag
	Firstsect uint32
}

func (s *SegmentHeader) String() string {
	return fmt.Sprintf(
		"Seg %s, len=%#x, addr=%#x, memsz=%#x, offset=%#x, filesz=%#x, maxprot=%#x, prot=%#x, nsect=%d, flag=%#x, firstsect=%d",
		s.Name, s.Len, s.Addr, s.Memsz, s.Offset, s.Filesz, s.Maxprot, s.Prot, s.Nsect, s.Flag, s.Firstsect)
}

// A Segment represents a Mach-O 32-bit or 64-bit load segment command.
type Segment struct {
	SegmentHeader
	LoadBytes
	Width Width
	// Index is the position in discovery order, the index dyld info
	// opcodes refer to.
	Index    int
	sections []*Section
}

func (s *Segment) String() string {
	return fmt.Sprintf("sz=0x%08x off=0x%08x-0x%08x addr=0x%09x-0x%09x %s/%s   %s%s%s",
		s.Filesz, s.Offset, s.Offset+s.Filesz, s.Addr, s.Addr+s.Memsz, s.Prot, s.Maxprot, s.Name, pad(20-len(s.Name)), s.Flag)
}

// Contains reports whether addr lies in the segment's VM range.
func (s *Segment) Contains(addr uint64) bool {
	return addr >= s.Addr && addr-s.Addr < s.Memsz
}

// Sections returns the admitted sections of the segment. It can be shorter
// than Nsect when a section failed validation.
func (s *Segment) Sections() []*Section { return s.sections }

/*******************************************************************************
 * SECTION
 *******************************************************************************/

type SectionHeader struct {
	Name      string
	Seg       string
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     types.SectionFlag
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

// A Section is one admitted section of a segment.
type Section struct {
	SectionHeader
	// SegIndex is the Index of the owning segment.
	SegIndex int
	data     []byte
}

// Data returns the section contents. Zero-fill sections have none.
func (s *Section) Data() ([]byte, error) {
	if s.Flags.IsZerofill() {
		return nil, nil
	}
	if uint64(len(s.data)) != s.Size {
		return s.data, formatError(ErrOutOfBounds, uint64(s.Offset), "section data truncated", s.Name)
	}
	return s.data, nil
}

// Contains reports whether addr lies in the section's VM range.
func (s *Section) Contains(addr uint64) bool {
	return addr >= s.Addr && addr-s.Addr < s.Size
}

func (s *Section) String() string {
	return fmt.Sprintf("sz=0x%08x off=0x%08x-0x%08x addr=0x%09x-0x%09x\t\t%s.%s%s%s",
		s.Size, s.Offset, uint64(s.Offset)+s.Size, s.Addr, s.Addr+s.Size, s.Seg, s.Name, pad(32-(len(s.Seg)+len(s.Name)+1)), s.Flags)
}

/*******************************************************************************
 * LC_SYMTAB
 *******************************************************************************/

// A Symtab represents a Mach-O symbol table command.
type Symtab struct {
	LoadBytes
	types.SymtabCmd
	Syms []Symbol
	// StrtabValid is false when the string table range failed validation;
	// every name is then reported invalid.
	StrtabValid bool
	entSize     uint32
}

func (s *Symtab) String() string {
	return fmt.Sprintf("offset=0x%08x-0x%08x, %d symbols, strtab=0x%08x-0x%08x",
		s.Symoff, s.Symoff+s.Nsyms*s.entSize, s.Nsyms, s.Stroff, s.Stroff+s.Strsize)
}

// A Symbol is a Mach-O symbol table entry, widened to the 64-bit form.
type Symbol struct {
	Name      string
	NameValid bool
	StrIndex  uint32
	Type      types.NLType
	Sect      uint8
	Desc      types.NDesc
	Value     uint64
}

func (s Symbol) String() string {
	return fmt.Sprintf("0x%016x %-24s %s", s.Value, s.Type, s.Name)
}

/*******************************************************************************
 * LC_DYSYMTAB
 *******************************************************************************/

// A Dysymtab represents a Mach-O dynamic symbol table command.
type Dysymtab struct {
	LoadBytes
	types.DysymtabCmd
	IndirectSyms []uint32 // indices into Symtab.Syms
	symtab       *Symtab
	log          log.Interface
}

func (d *Dysymtab) String() string {
	return fmt.Sprintf("%d locals, %d exported, %d undefined, %d indirect",
		d.Nlocalsym, d.Nextdefsym, d.Nundefsym, d.Nindirectsyms)
}

/*******************************************************************************
 * LC_LOAD_DYLIB, LC_LOAD_WEAK_DYLIB, LC_REEXPORT_DYLIB, LC_LAZY_LOAD_DYLIB,
 * LC_LOAD_UPWARD_DYLIB
 *******************************************************************************/

// A Dylib represents a Mach-O load dynamic library command.
type Dylib struct {
	LoadBytes
	types.DylibCmd
	Name string
	// Ordinal is the 1-based position among the imported libraries.
	Ordinal int
}

func (d *Dylib) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.CurrentVersion)
}

// BaseName is the library path with its directory stripped.
func (d *Dylib) BaseName() string {
	if i := strings.LastIndexAny(d.Name, "/\\"); i >= 0 {
		return d.Name[i+1:]
	}
	return d.Name
}

/*******************************************************************************
 * LC_ID_DYLIB
 *******************************************************************************/

// A DylibID represents a Mach-O load dynamic library ident command.
type DylibID Dylib

func (d *DylibID) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.CurrentVersion)
}

/*******************************************************************************
 * LC_LOAD_DYLINKER, LC_ID_DYLINKER, LC_DYLD_ENVIRONMENT, LC_RPATH,
 * LC_SUB_FRAMEWORK, LC_SUB_UMBRELLA, LC_SUB_CLIENT, LC_SUB_LIBRARY
 *******************************************************************************/

// A StringLoad is a load command whose body is a single string.
type StringLoad struct {
	LoadBytes
	types.StringCmd
	Value string
}

func (s *StringLoad) String() string { return s.Value }

/*******************************************************************************
 * LC_THREAD, LC_UNIXTHREAD
 *******************************************************************************/

// A Thread is a Mach-O thread state command.
type Thread struct {
	LoadBytes
	types.LoadCmd
	Len    uint32
	States []ThreadState
}

func (t *Thread) String() string {
	var flavors []string
	for _, s := range t.States {
		flavors = append(flavors, fmt.Sprintf("%d", s.Flavor))
	}
	return fmt.Sprintf("%d thread states, flavors=[%s]", len(t.States), strings.Join(flavors, ","))
}

/*******************************************************************************
 * LC_ROUTINES, LC_ROUTINES_64
 *******************************************************************************/

// A Routines is a Mach-O image routines command, widened to 64 bits.
type Routines struct {
	LoadBytes
	types.LoadCmd
	Len         uint32
	InitAddress uint64
	InitModule  uint64
}

func (r *Routines) String() string {
	return fmt.Sprintf("init_address=%#x, init_module=%d", r.InitAddress, r.InitModule)
}

/*******************************************************************************
 * LC_UUID
 *******************************************************************************/

// UUID represents a Mach-O uuid command.
type UUID struct {
	LoadBytes
	types.UUIDCmd
}

func (s *UUID) String() string { return s.UUID.String() }

/*******************************************************************************
 * LC_CODE_SIGNATURE, LC_SEGMENT_SPLIT_INFO, LC_FUNCTION_STARTS,
 * LC_DATA_IN_CODE, LC_DYLIB_CODE_SIGN_DRS, LC_LINKER_OPTIMIZATION_HINT,
 * LC_DYLD_EXPORTS_TRIE, LC_DYLD_CHAINED_FIXUPS
 *******************************************************************************/

// A LinkEditData is a command pointing at a blob in __LINKEDIT.
type LinkEditData struct {
	LoadBytes
	types.LinkEditDataCmd
}

func (l *LinkEditData) String() string {
	return fmt.Sprintf("offset=0x%08x-0x%08x size=%5d", l.Offset, l.Offset+l.Size, l.Size)
}

/*******************************************************************************
 * LC_ENCRYPTION_INFO, LC_ENCRYPTION_INFO_64
 *******************************************************************************/

// An EncryptionInfo identifies the encrypted range of the file.
type EncryptionInfo struct {
	LoadBytes
	types.LoadCmd
	Len     uint32
	Offset  uint32
	Size    uint32
	CryptID types.EncryptionSystem
}

func (e *EncryptionInfo) String() string {
	if e.CryptID == types.NOT_ENCRYPTED_YET {
		return fmt.Sprintf("offset=%#x size=%#x (not encrypted)", e.Offset, e.Size)
	}
	return fmt.Sprintf("offset=%#x size=%#x cryptid=%d", e.Offset, e.Size, e.CryptID)
}

/*******************************************************************************
 * LC_DYLD_INFO, LC_DYLD_INFO_ONLY
 *******************************************************************************/

// A DyldInfo is the compressed dyld information command.
type DyldInfo struct {
	LoadBytes
	types.DyldInfoCmd
}

func (d *DyldInfo) String() string {
	return fmt.Sprintf(
		"rebase_off=0x%x, rebase_size=%d, bind_off=0x%x, bind_size=%d, weak_bind_off=0x%x, weak_bind_size=%d, lazy_bind_off=0x%x, lazy_bind_size=%d, export_off=0x%x, export_size=%d",
		d.RebaseOff, d.RebaseSize, d.BindOff, d.BindSize, d.WeakBindOff, d.WeakBindSize, d.LazyBindOff, d.LazyBindSize, d.ExportOff, d.ExportSize)
}

/*******************************************************************************
 * LC_VERSION_MIN_MACOSX, LC_VERSION_MIN_IPHONEOS, LC_VERSION_MIN_TVOS,
 * LC_VERSION_MIN_WATCHOS
 *******************************************************************************/

// A VersionMin is a minimum OS version command.
type VersionMin struct {
	LoadBytes
	types.VersionMinCmd
}

func (v *VersionMin) String() string {
	return fmt.Sprintf("version=%s, sdk=%s", v.Version, v.Sdk)
}

/*******************************************************************************
 * LC_MAIN
 *******************************************************************************/

// EntryPoint represents a Mach-O main command.
type EntryPoint struct {
	LoadBytes
	types.EntryPointCmd
}

func (e *EntryPoint) String() string {
	return fmt.Sprintf("entry_offset=0x%08x stacksize=%#x", e.Offset, e.StackSize)
}

/*******************************************************************************
 * LC_SOURCE_VERSION
 *******************************************************************************/

// A SourceVersion represents a Mach-O source version.
type SourceVersion struct {
	LoadBytes
	types.SourceVersionCmd
}

func (s *SourceVersion) String() string { return s.Version.String() }

/*******************************************************************************
 * LC_BUILD_VERSION
 *******************************************************************************/

// A BuildVersion represents a Mach-O build for platform min OS version.
type BuildVersion struct {
	LoadBytes
	types.BuildVersionCmd
	Tools []types.BuildToolVersion
}

func (b *BuildVersion) String() string {
	var tools []string
	for _, t := range b.Tools {
		tools = append(tools, fmt.Sprintf("%s (%s)", t.Tool, t.Version))
	}
	return fmt.Sprintf("Platform: %s, SDK: %s, Tools: [%s]", b.Platform, b.Sdk, strings.Join(tools, ", "))
}
