package types

import "strings"

// An Nlist32 is a Mach-O 32-bit symbol table entry.
type Nlist32 struct {
	Name  uint32
	Type  NLType
	Sect  uint8
	Desc  NDesc
	Value uint32
}

// An Nlist64 is a Mach-O 64-bit symbol table entry.
type Nlist64 struct {
	Name  uint32
	Type  NLType
	Sect  uint8
	Desc  NDesc
	Value uint64
}

const (
	Nlist32Size = 12
	Nlist64Size = 16
)

// Widen returns the 64-bit form of a 32-bit entry.
func (n Nlist32) Widen() Nlist64 {
	return Nlist64{Name: n.Name, Type: n.Type, Sect: n.Sect, Desc: n.Desc, Value: uint64(n.Value)}
}

type NLType uint8

/*
 * The n_type field really contains four fields:
 *	unsigned char N_STAB:3,
 *		      N_PEXT:1,
 *		      N_TYPE:3,
 *		      N_EXT:1;
 * which are used via the following masks.
 */
const (
	N_STAB NLType = 0xe0 /* if any of these bits set, a symbolic debugging entry */
	N_PEXT NLType = 0x10 /* private external symbol bit */
	N_TYPE NLType = 0x0e /* mask for the type bits */
	N_EXT  NLType = 0x01 /* external symbol bit, set for external symbols */
)

/*
 * Values for N_TYPE bits of the n_type field.
 */
const (
	N_UNDF NLType = 0x0 /* undefined, n_sect == NO_SECT */
	N_ABS  NLType = 0x2 /* absolute, n_sect == NO_SECT */
	N_SECT NLType = 0xe /* defined in section number n_sect */
	N_PBUD NLType = 0xc /* prebound undefined (defined in a dylib) */
	N_INDR NLType = 0xa /* indirect */
)

func (t NLType) IsDebugSym() bool             { return t&N_STAB != 0 }
func (t NLType) IsPrivateExternalSym() bool   { return t&N_PEXT != 0 }
func (t NLType) IsExternalSym() bool          { return t&N_EXT != 0 }
func (t NLType) IsUndefinedSym() bool         { return t&N_TYPE == N_UNDF }
func (t NLType) IsAbsoluteSym() bool          { return t&N_TYPE == N_ABS }
func (t NLType) IsDefinedInSection() bool     { return t&N_TYPE == N_SECT }
func (t NLType) IsPreboundUndefinedSym() bool { return t&N_TYPE == N_PBUD }
func (t NLType) IsIndirectSym() bool          { return t&N_TYPE == N_INDR }

func (t NLType) String() string {
	var parts []string
	if t.IsDebugSym() {
		parts = append(parts, "debug")
	}
	if t.IsPrivateExternalSym() {
		parts = append(parts, "private_external")
	}
	if t.IsExternalSym() {
		parts = append(parts, "external")
	}
	switch t & N_TYPE {
	case N_UNDF:
		parts = append(parts, "undefined")
	case N_ABS:
		parts = append(parts, "absolute")
	case N_SECT:
		parts = append(parts, "section")
	case N_PBUD:
		parts = append(parts, "prebound_undefined")
	case N_INDR:
		parts = append(parts, "indirect")
	}
	return strings.Join(parts, "|")
}

// NDesc is the n_desc field of a symbol table entry.
type NDesc uint16

const (
	N_ARM_THUMB_DEF   NDesc = 0x0008 /* symbol is a Thumb function (ARM) */
	N_NO_DEAD_STRIP   NDesc = 0x0020 /* symbol is not to be dead stripped */
	N_WEAK_REF        NDesc = 0x0040 /* symbol is weak referenced */
	N_WEAK_DEF        NDesc = 0x0080 /* coalesced symbol is a weak definition */
	N_SYMBOL_RESOLVER NDesc = 0x0100 /* symbol is a resolver function */
)

func (d NDesc) WeakRef() bool        { return d&N_WEAK_REF != 0 }
func (d NDesc) WeakDef() bool        { return d&N_WEAK_DEF != 0 }
func (d NDesc) ArmThumbDef() bool    { return d&N_ARM_THUMB_DEF != 0 }
func (d NDesc) SymbolResolver() bool { return d&N_SYMBOL_RESOLVER != 0 }

// LibraryOrdinal is the two-level namespace ordinal stored in the high byte.
func (d NDesc) LibraryOrdinal() uint8 { return uint8(d >> 8) }

func (d NDesc) String() string {
	var parts []string
	if d.WeakRef() {
		parts = append(parts, "weak_ref")
	}
	if d.WeakDef() {
		parts = append(parts, "weak_def")
	}
	if d.ArmThumbDef() {
		parts = append(parts, "thumb")
	}
	if d.SymbolResolver() {
		parts = append(parts, "resolver")
	}
	return strings.Join(parts, "|")
}
