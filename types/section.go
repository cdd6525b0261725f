package types

import "strings"

// A Section32 is a 32-bit Mach-O section header.
type Section32 struct {
	Name     [16]byte
	Seg      [16]byte
	Addr     uint32
	Size     uint32
	Offset   uint32
	Align    uint32
	Reloff   uint32
	Nreloc   uint32
	Flags    SectionFlag
	Reserve1 uint32
	Reserve2 uint32
}

// A Section64 is a 64-bit Mach-O section header.
type Section64 struct {
	Name     [16]byte
	Seg      [16]byte
	Addr     uint64
	Size     uint64
	Offset   uint32
	Align    uint32
	Reloff   uint32
	Nreloc   uint32
	Flags    SectionFlag
	Reserve1 uint32
	Reserve2 uint32
	Reserve3 uint32
}

const (
	Section32Size = 68
	Section64Size = 80
)

type SectionFlag uint32

const (
	SectionTypeMask       SectionFlag = 0x000000ff /* 256 section types */
	SectionAttributesMask SectionFlag = 0xffffff00 /*  24 section attributes */
)

// SectionType is the low byte of a section's flags.
type SectionType uint8

const (
	S_REGULAR                             SectionType = 0x0  /* regular section */
	S_ZEROFILL                            SectionType = 0x1  /* zero fill on demand section */
	S_CSTRING_LITERALS                    SectionType = 0x2  /* section with only literal C strings*/
	S_4BYTE_LITERALS                      SectionType = 0x3  /* section with only 4 byte literals */
	S_8BYTE_LITERALS                      SectionType = 0x4  /* section with only 8 byte literals */
	S_LITERAL_POINTERS                    SectionType = 0x5  /* section with only pointers to literals */
	S_NON_LAZY_SYMBOL_POINTERS            SectionType = 0x6  /* section with only non-lazy symbol pointers */
	S_LAZY_SYMBOL_POINTERS                SectionType = 0x7  /* section with only lazy symbol pointers */
	S_SYMBOL_STUBS                        SectionType = 0x8  /* section with only symbol stubs, byte size of stub in the reserved2 field */
	S_MOD_INIT_FUNC_POINTERS              SectionType = 0x9  /* section with only function pointers for initialization*/
	S_MOD_TERM_FUNC_POINTERS              SectionType = 0xa  /* section with only function pointers for termination */
	S_COALESCED                           SectionType = 0xb  /* section contains symbols that are to be coalesced */
	S_GB_ZEROFILL                         SectionType = 0xc  /* zero fill on demand section (that can be larger than 4 gigabytes) */
	S_INTERPOSING                         SectionType = 0xd  /* section with only pairs of function pointers for interposing */
	S_16BYTE_LITERALS                     SectionType = 0xe  /* section with only 16 byte literals */
	S_DTRACE_DOF                          SectionType = 0xf  /* section contains DTrace Object Format */
	S_LAZY_DYLIB_SYMBOL_POINTERS          SectionType = 0x10 /* section with only lazy symbol pointers to lazy loaded dylibs */
	S_THREAD_LOCAL_REGULAR                SectionType = 0x11 /* template of initial values for TLVs */
	S_THREAD_LOCAL_ZEROFILL               SectionType = 0x12 /* template of initial values for TLVs */
	S_THREAD_LOCAL_VARIABLES              SectionType = 0x13 /* TLV descriptors */
	S_THREAD_LOCAL_VARIABLE_POINTERS      SectionType = 0x14 /* pointers to TLV descriptors */
	S_THREAD_LOCAL_INIT_FUNCTION_POINTERS SectionType = 0x15 /* functions to call to initialize TLV values */
)

var sectionTypeStrings = []intName{
	{uint32(S_REGULAR), "Regular"},
	{uint32(S_ZEROFILL), "Zerofill"},
	{uint32(S_CSTRING_LITERALS), "Cstring Literals"},
	{uint32(S_4BYTE_LITERALS), "4Byte Literals"},
	{uint32(S_8BYTE_LITERALS), "8Byte Literals"},
	{uint32(S_LITERAL_POINTERS), "Literal Pointers"},
	{uint32(S_NON_LAZY_SYMBOL_POINTERS), "NonLazySymbolPointers"},
	{uint32(S_LAZY_SYMBOL_POINTERS), "LazySymbolPointers"},
	{uint32(S_SYMBOL_STUBS), "SymbolStubs"},
	{uint32(S_MOD_INIT_FUNC_POINTERS), "ModInitFuncPointers"},
	{uint32(S_MOD_TERM_FUNC_POINTERS), "ModTermFuncPointers"},
	{uint32(S_COALESCED), "Coalesced"},
	{uint32(S_GB_ZEROFILL), "GbZerofill"},
	{uint32(S_INTERPOSING), "Interposing"},
	{uint32(S_16BYTE_LITERALS), "16Byte Literals"},
	{uint32(S_DTRACE_DOF), "Dtrace DOF"},
	{uint32(S_LAZY_DYLIB_SYMBOL_POINTERS), "LazyDylibSymbolPointers"},
	{uint32(S_THREAD_LOCAL_REGULAR), "ThreadLocalRegular"},
	{uint32(S_THREAD_LOCAL_ZEROFILL), "ThreadLocalZerofill"},
	{uint32(S_THREAD_LOCAL_VARIABLES), "ThreadLocalVariables"},
	{uint32(S_THREAD_LOCAL_VARIABLE_POINTERS), "ThreadLocalVariablePointers"},
	{uint32(S_THREAD_LOCAL_INIT_FUNCTION_POINTERS), "ThreadLocalInitFunctionPointers"},
}

func (t SectionType) String() string { return stringName(uint32(t), sectionTypeStrings, false) }

const (
	PURE_INSTRUCTIONS   SectionFlag = 0x80000000 /* section contains only true machine instructions */
	NO_TOC              SectionFlag = 0x40000000 /* section contains coalesced symbols that are not to be in a ranlib table of contents */
	STRIP_STATIC_SYMS   SectionFlag = 0x20000000 /* ok to strip static symbols in this section in files with the MH_DYLDLINK flag */
	NO_DEAD_STRIP       SectionFlag = 0x10000000 /* no dead stripping */
	LIVE_SUPPORT        SectionFlag = 0x08000000 /* blocks are live if they reference live blocks */
	SELF_MODIFYING_CODE SectionFlag = 0x04000000 /* Used with i386 code stubs written on by dyld */
	DEBUG               SectionFlag = 0x02000000 /* a debug section */
	SOME_INSTRUCTIONS   SectionFlag = 0x00000400 /* section contains some machine instructions */
	EXT_RELOC           SectionFlag = 0x00000200 /* section has external relocation entries */
	LOC_RELOC           SectionFlag = 0x00000100 /* section has local relocation entries */
)

var sectionAttrStrings = []intName{
	{uint32(PURE_INSTRUCTIONS), "PureInstructions"},
	{uint32(NO_TOC), "NoToc"},
	{uint32(STRIP_STATIC_SYMS), "StripStaticSyms"},
	{uint32(NO_DEAD_STRIP), "NoDeadStrip"},
	{uint32(LIVE_SUPPORT), "LiveSupport"},
	{uint32(SELF_MODIFYING_CODE), "SelfModifyingCode"},
	{uint32(DEBUG), "Debug"},
	{uint32(SOME_INSTRUCTIONS), "SomeInstructions"},
	{uint32(EXT_RELOC), "ExtReloc"},
	{uint32(LOC_RELOC), "LocReloc"},
}

// Type returns the section type encoded in the low byte.
func (f SectionFlag) Type() SectionType { return SectionType(f & SectionTypeMask) }

func (f SectionFlag) Attributes() SectionFlag { return f & SectionAttributesMask }

func (f SectionFlag) IsZerofill() bool {
	return f.Type() == S_ZEROFILL || f.Type() == S_GB_ZEROFILL || f.Type() == S_THREAD_LOCAL_ZEROFILL
}

func (f SectionFlag) IsDebug() bool { return f&DEBUG != 0 }

func (f SectionFlag) AttributesList() []string {
	var attrs []string
	for _, n := range sectionAttrStrings {
		if uint32(f)&n.i != 0 {
			attrs = append(attrs, n.s)
		}
	}
	return attrs
}

func (f SectionFlag) String() string {
	if attrs := f.AttributesList(); len(attrs) > 0 {
		return f.Type().String() + " (" + strings.Join(attrs, "|") + ")"
	}
	return f.Type().String()
}

// Indirect symbol table markers.
const (
	INDIRECT_SYMBOL_LOCAL uint32 = 0x80000000
	INDIRECT_SYMBOL_ABS   uint32 = 0x40000000
)
