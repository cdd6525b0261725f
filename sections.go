package macho

import (
	"github.com/apex/log"
	"github.com/appsworld/go-machodump/internal/hexdump"
	"github.com/appsworld/go-machodump/internal/image"
	"github.com/appsworld/go-machodump/types"
	"github.com/pkg/errors"
)

// SectionContent collects what the section decoders found, in section order.
type SectionContent struct {
	CStrings        []CString
	Literals        []Literal
	LiteralPointers []LiteralPointer
	InitFuncs       []Pointer
	TermFuncs       []Pointer
	TLVInits        []Pointer
	// Pointers holds the raw pointer tables of __VECTORS.__recover and
	// __HIB.__desc.
	Pointers       []Pointer
	SymbolPointers []SymbolPointer
	Stubs          []Stub
	Interposers    []Interposer
	CFStrings      []CFString
	SysctlOIDs     []SysctlOID
	SFIClasses     []SFIClass
	AllImageInfo   *AllImageInfo
	ObjCPointers   []ObjCPointer
	ObjCImageInfo  *ObjCImageInfo
}

// A CString is one NUL terminated string of a c-string literal section.
type CString struct {
	Addr  uint64
	Value string
}

// A Literal is one fixed size entry of a 4, 8 or 16 byte literal pool.
type Literal struct {
	Addr uint64
	Data []byte
}

// A LiteralPointer is a pointer to a literal, with the string it points to
// when that resolves.
type LiteralPointer struct {
	Section string
	Addr    uint64
	Value   uint64
	String  string
}

// A Pointer is one slot of a pointer table.
type Pointer struct {
	Section string
	Addr    uint64
	Value   uint64
}

// SymbolPointerKind tells the three indirect pointer sections apart.
type SymbolPointerKind uint8

const (
	NonLazyPointer SymbolPointerKind = iota
	LazyPointer
	LazyDylibPointer
)

func (k SymbolPointerKind) String() string {
	switch k {
	case NonLazyPointer:
		return "NONLAZY"
	case LazyPointer:
		return "LAZY"
	case LazyDylibPointer:
		return "LAZY_DYLIB"
	}
	return "unknown"
}

// A SymbolPointer is one slot of a lazy, non-lazy or lazy-dylib pointer
// section, named through the indirect symbol table.
type SymbolPointer struct {
	Section string
	Kind    SymbolPointerKind
	Addr    uint64
	Value   uint64
	// Index is the raw indirect symbol table entry.
	Index  uint32
	Symbol string
}

// A Stub is one element of a symbol stub section.
type Stub struct {
	Section string
	Addr    uint64
	Size    uint32
	Index   uint32
	Symbol  string
}

// An Interposer replaces Replacee with Replacement at load time.
type Interposer struct {
	Addr        uint64
	Replacement uint64
	Replacee    uint64
}

// A CFString is a constant CoreFoundation string record.
type CFString struct {
	Addr   uint64
	ISA    uint64
	Flags  uint64
	Data   uint64 // vm address of the characters
	Length uint64
	Value  string
}

// A SysctlOID is a kernel sysctl registration from __DATA.__sysctl_set.
type SysctlOID struct {
	Addr    uint64
	Parent  uint64
	Link    uint64
	Number  int32
	Kind    int32
	Arg1    uint64
	Arg2    int32
	Name    string
	Handler uint64
	Format  string
}

// An SFIClass is a kernel SFI class registration.
type SFIClass struct {
	Addr         uint64
	ID           uint32
	Continuation uint64
	Name         string
	LedgerName   string
}

// AllImageInfo is the header of dyld's all image info structure.
type AllImageInfo struct {
	Version        uint32
	InfoArrayCount uint32
}

// An ObjCPointer is one entry of an Objective-C pointer list, translated
// to a file offset when it lands inside a segment.
type ObjCPointer struct {
	Section string
	Addr    uint64
	Value   uint64
	Offset  uint64
	Mapped  bool
}

// ObjCImageInfo is the __objc_imageinfo record.
type ObjCImageInfo struct {
	Version uint32
	Flags   uint32
}

/*
 * Regular section routes
 */

type sectionKey struct {
	seg  string
	sect string
}

type sectionDecoder func(p *parser, sec *Section, data []byte) error

var sectionRoutes = map[sectionKey]sectionDecoder{
	{"__DATA", "__interpose"}:      (*parser).interposing,
	{"__DATA", "__cfstring"}:       (*parser).cfstrings,
	{"__DATA", "__got"}:            nonLazyPointers,
	{"__DATA", "__nl_symbol_ptr"}:  nonLazyPointers,
	{"__KLD", "__nl_symbol_ptr"}:   nonLazyPointers,
	{"__DATA", "__la_symbol_ptr"}:  lazyPointers,
	{"__KLD", "__la_symbol_ptr"}:   lazyPointers,
	{"__DATA", "__ld_symbol_ptr"}:  lazyDylibPointers,
	{"__DATA", "__all_image_info"}: (*parser).allImageInfo,
	{"__DATA", "__sfi_class_reg"}:  (*parser).sfiClasses,
	{"__DATA", "__sysctl_set"}:     (*parser).sysctlSet,
	{"__DATA", "__objc_imageinfo"}: (*parser).objcImageInfo,
	{"__DATA", "__objc_selrefs"}:   (*parser).literalPointers,
	{"__VECTORS", "__recover"}:     (*parser).pointerTable,
	{"__HIB", "__desc"}:            (*parser).pointerTable,
}

var objcPointerLists = []string{
	"__objc_catlist",
	"__objc_classlist",
	"__objc_classrefs",
	"__objc_data",
	"__objc_ivar",
	"__objc_msgrefs",
	"__objc_nlcatlist",
	"__objc_nlclslist",
	"__objc_protolist",
	"__objc_protorefs",
	"__objc_superrefs",
}

// dumpRoutes are acknowledged and only hex dumped.
var dumpRoutes = map[string][]string{
	"__TEXT": {"__ustring", "__eh_frame", "__gcc_except_tab", "__unwind_info"},
	"__DATA": {"__dyld", "__gcc_except_tab"},
	"__DWARF": {
		"__apple_names", "__apple_namespac", "__apple_objc", "__apple_types",
		"__debug_abbrev", "__debug_aranges", "__debug_frame", "__debug_info",
		"__debug_inlined", "__debug_line", "__debug_loc", "__debug_macinfo",
		"__debug_pubnames", "__debug_pubtypes", "__debug_ranges", "__debug_str",
	},
	"__LD": {"__compact_unwind"},
	"__OBJC": {
		"__cat_cls_meth", "__cat_inst_meth", "__category", "__class",
		"__class_ext", "__class_vars", "__cls_meth", "__cstring_object",
		"__image_info", "__inst_meth", "__instance_vars", "__meta_class",
		"__module_info", "__property", "__protocol", "__protocol_ext",
		"__sel_fixup", "__string_object", "__symbols",
	},
	"__PRELINK_INFO":  {"__info"},
	"__PRELINK_STATE": {"__kernel", "__kexts"},
	"__PRELINK_TEXT":  {"__text"},
}

func init() {
	for _, name := range objcPointerLists {
		sectionRoutes[sectionKey{"__DATA", name}] = (*parser).objcPointers
	}
	for seg, sects := range dumpRoutes {
		for _, name := range sects {
			sectionRoutes[sectionKey{seg, name}] = (*parser).dump
		}
	}
}

func nonLazyPointers(p *parser, sec *Section, data []byte) error {
	return p.symbolPointers(sec, data, NonLazyPointer)
}

func lazyPointers(p *parser, sec *Section, data []byte) error {
	return p.symbolPointers(sec, data, LazyPointer)
}

func lazyDylibPointers(p *parser, sec *Section, data []byte) error {
	return p.symbolPointers(sec, data, LazyDylibPointer)
}

// decodeSection dispatches on the section type, and for regular sections
// on the (segment, section) name pair.
func (p *parser) decodeSection(sec *Section) {
	p.log.WithFields(log.Fields{
		"seg":    sec.Seg,
		"sect":   sec.Name,
		"addr":   sec.Addr,
		"size":   sec.Size,
		"offset": sec.Offset,
		"align":  sec.Align,
		"reloff": sec.Reloff,
		"nreloc": sec.Nreloc,
		"flags":  uint32(sec.Flags),
	}).Debug("section")

	data, err := sec.Data()
	if err != nil {
		p.fail(err)
		return
	}

	var dec sectionDecoder
	switch typ := sec.Flags.Type(); typ {
	case types.S_REGULAR:
		dec = sectionRoutes[sectionKey{sec.Seg, sec.Name}]
	case types.S_CSTRING_LITERALS:
		dec = (*parser).cstrings
	case types.S_4BYTE_LITERALS:
		dec = literals(4)
	case types.S_8BYTE_LITERALS:
		dec = literals(8)
	case types.S_16BYTE_LITERALS:
		dec = literals(16)
	case types.S_LITERAL_POINTERS:
		dec = (*parser).literalPointers
	case types.S_MOD_INIT_FUNC_POINTERS:
		dec = funcPointers(&p.f.Content.InitFuncs)
	case types.S_MOD_TERM_FUNC_POINTERS:
		dec = funcPointers(&p.f.Content.TermFuncs)
	case types.S_THREAD_LOCAL_INIT_FUNCTION_POINTERS:
		dec = funcPointers(&p.f.Content.TLVInits)
	case types.S_NON_LAZY_SYMBOL_POINTERS:
		dec = nonLazyPointers
	case types.S_LAZY_SYMBOL_POINTERS:
		dec = lazyPointers
	case types.S_LAZY_DYLIB_SYMBOL_POINTERS:
		dec = lazyDylibPointers
	case types.S_SYMBOL_STUBS:
		dec = (*parser).stubs
	case types.S_INTERPOSING:
		dec = (*parser).interposing
	case types.S_COALESCED,
		types.S_GB_ZEROFILL,
		types.S_DTRACE_DOF,
		types.S_THREAD_LOCAL_REGULAR,
		types.S_THREAD_LOCAL_ZEROFILL,
		types.S_THREAD_LOCAL_VARIABLES,
		types.S_THREAD_LOCAL_VARIABLE_POINTERS,
		types.S_ZEROFILL:
	default:
		p.log.Warnf("Unknown section type %#08x in %s.%s, ignoring", uint32(typ), sec.Seg, sec.Name)
	}
	if dec == nil {
		return
	}

	if err := dec(p, sec, data); err != nil {
		p.fail(errors.Wrapf(err, "failed to decode section %s.%s", sec.Seg, sec.Name))
	}
}

func (p *parser) ptrSize() int { return int(p.f.PointerSize()) }

// pointers reads the whole pointer slots of a section.
func (p *parser) pointers(data []byte) []uint64 {
	n := len(data) / p.ptrSize()
	out := make([]uint64, 0, n)
	c := image.NewCursor(data, p.bo)
	for i := 0; i < n; i++ {
		v, err := c.Pointer(p.ptrSize())
		if err != nil {
			break
		}
		out = append(out, v)
	}
	return out
}

// vmString reads the string at a virtual address. Unmapped and null
// pointers give the empty string.
func (p *parser) vmString(addr uint64) (string, error) {
	if addr == 0 {
		return "", nil
	}
	return p.f.GetCString(addr)
}

func (p *parser) cstrings(sec *Section, data []byte) error {
	start := 0
	for i, b := range data {
		if b != 0 {
			continue
		}
		s := CString{Addr: sec.Addr + uint64(start), Value: string(data[start:i])}
		p.log.Debugf("String: %s", s.Value)
		p.f.Content.CStrings = append(p.f.Content.CStrings, s)
		start = i + 1
	}
	return nil
}

func literals(size int) sectionDecoder {
	return func(p *parser, sec *Section, data []byte) error {
		for off := 0; off+size <= len(data); off += size {
			l := Literal{Addr: sec.Addr + uint64(off), Data: data[off : off+size : off+size]}
			p.log.Debugf("%d byte literal: %x", size, l.Data)
			p.f.Content.Literals = append(p.f.Content.Literals, l)
		}
		return nil
	}
}

func (p *parser) literalPointers(sec *Section, data []byte) error {
	for i, v := range p.pointers(data) {
		lp := LiteralPointer{
			Section: sec.Name,
			Addr:    sec.Addr + uint64(i*p.ptrSize()),
			Value:   v,
		}
		if s, err := p.vmString(v); err == nil {
			lp.String = s
		}
		p.log.Debugf("POINTER: %#016x -> %#016x (%s)", lp.Addr, lp.Value, lp.String)
		p.f.Content.LiteralPointers = append(p.f.Content.LiteralPointers, lp)
	}
	return nil
}

func funcPointers(dst *[]Pointer) sectionDecoder {
	return func(p *parser, sec *Section, data []byte) error {
		for i, v := range p.pointers(data) {
			ptr := Pointer{Section: sec.Name, Addr: sec.Addr + uint64(i*p.ptrSize()), Value: v}
			p.log.Debugf("function pointer at %#016x -> %#016x", ptr.Addr, ptr.Value)
			*dst = append(*dst, ptr)
		}
		return nil
	}
}

func (p *parser) pointerTable(sec *Section, data []byte) error {
	return funcPointers(&p.f.Content.Pointers)(p, sec, data)
}

func (p *parser) symbolPointers(sec *Section, data []byte, kind SymbolPointerKind) error {
	d := p.f.Dysymtab
	if d == nil {
		return errors.Wrap(ErrMissingPrerequisite, "no indirect symbol table")
	}
	for i, v := range p.pointers(data) {
		idx, name := d.IndirectSymbol(uint64(sec.Reserved1) + uint64(i))
		sp := SymbolPointer{
			Section: sec.Name,
			Kind:    kind,
			Addr:    sec.Addr + uint64(i*p.ptrSize()),
			Value:   v,
			Index:   idx,
			Symbol:  name,
		}
		p.log.Debugf("%#016x %#08x %s %s", sp.Addr, sp.Index, kind, sp.Symbol)
		p.f.Content.SymbolPointers = append(p.f.Content.SymbolPointers, sp)
	}
	return nil
}

func (p *parser) stubs(sec *Section, data []byte) error {
	size := sec.Reserved2
	if size == 0 {
		return formatError(ErrOutOfBounds, uint64(sec.Offset), "symbol stub section with zero element size", sec.Name)
	}
	d := p.f.Dysymtab
	count := sec.Size / uint64(size)
	for i := uint64(0); i < count; i++ {
		st := Stub{Section: sec.Name, Addr: sec.Addr + i*uint64(size), Size: size}
		if d != nil {
			st.Index, st.Symbol = d.IndirectSymbol(uint64(sec.Reserved1) + i)
		}
		p.log.Debugf("Stub at %#016x %s", st.Addr, st.Symbol)
		p.f.Content.Stubs = append(p.f.Content.Stubs, st)
	}
	return nil
}

func (p *parser) interposing(sec *Section, data []byte) error {
	ptrs := p.pointers(data)
	for i := 0; i+1 < len(ptrs); i += 2 {
		in := Interposer{
			Addr:        sec.Addr + uint64(i*p.ptrSize()),
			Replacement: ptrs[i],
			Replacee:    ptrs[i+1],
		}
		p.log.Debugf("Interposer from %#016x to %#016x", in.Replacement, in.Replacee)
		p.f.Content.Interposers = append(p.f.Content.Interposers, in)
	}
	return nil
}

func (p *parser) cfstrings(sec *Section, data []byte) error {
	ptrs := p.pointers(data)
	for i := 0; i+3 < len(ptrs); i += 4 {
		cf := CFString{
			Addr:   sec.Addr + uint64(i*p.ptrSize()),
			ISA:    ptrs[i],
			Flags:  ptrs[i+1],
			Data:   ptrs[i+2],
			Length: ptrs[i+3],
		}
		off, ok := p.f.OffsetFromRVA(cf.Data)
		if !ok {
			p.fail(formatError(ErrOutOfBounds, uint64(sec.Offset)+uint64(i*p.ptrSize()), "CFString data not within any segment", cf.Data))
			continue
		}
		b, ok := p.img.Offset(off, cf.Length)
		if !ok {
			p.fail(formatError(ErrOutOfBounds, off, "CFString data outside of image", cf.Length))
			continue
		}
		cf.Value = string(b)
		p.log.Debugf("CFString -> %#016x: %s", cf.Data, cf.Value)
		p.f.Content.CFStrings = append(p.f.Content.CFStrings, cf)
	}
	return nil
}

func (p *parser) allImageInfo(sec *Section, data []byte) error {
	c := image.NewCursor(data, p.bo)
	version, err := c.Uint32()
	if err != nil {
		return err
	}
	count, err := c.Uint32()
	if err != nil {
		return err
	}
	p.f.Content.AllImageInfo = &AllImageInfo{Version: version, InfoArrayCount: count}
	p.log.Debugf("Version = %#08x, Array count = %#08x", version, count)
	return nil
}

func (p *parser) sfiClasses(sec *Section, data []byte) error {
	ps := p.ptrSize()
	entSize := 4 * ps
	for off := 0; off+entSize <= len(data); off += entSize {
		c := image.NewCursor(data[off:off+entSize], p.bo)
		id, _ := c.Uint32()
		c.Seek(ps)
		cont, _ := c.Pointer(ps)
		name, _ := c.Pointer(ps)
		ledger, _ := c.Pointer(ps)

		cls := SFIClass{Addr: sec.Addr + uint64(off), ID: id, Continuation: cont}
		cls.Name, _ = p.vmString(name)
		cls.LedgerName, _ = p.vmString(ledger)
		p.log.WithFields(log.Fields{
			"class_id":           cls.ID,
			"class_continuation": cls.Continuation,
			"class_name":         cls.Name,
			"class_ledger_name":  cls.LedgerName,
		}).Debug("sfi class")
		p.f.Content.SFIClasses = append(p.f.Content.SFIClasses, cls)
	}
	return nil
}

func (p *parser) sysctlSet(sec *Section, data []byte) error {
	ps := p.ptrSize()
	oidSize := uint64(36)
	if ps == 8 {
		oidSize = 64
	}
	for _, addr := range p.pointers(data) {
		off, ok := p.f.OffsetFromRVA(addr)
		if !ok {
			p.fail(formatError(ErrOutOfBounds, uint64(sec.Offset), "sysctl oid not within any segment", addr))
			continue
		}
		c, ok := p.img.Cursor(off, oidSize, p.bo)
		if !ok {
			p.fail(formatError(ErrOutOfBounds, off, "sysctl oid outside of image", addr))
			continue
		}
		// Cursor bounds are already checked against oidSize.
		oid := SysctlOID{Addr: addr}
		oid.Parent, _ = c.Pointer(ps)
		oid.Link, _ = c.Pointer(ps)
		num, _ := c.Uint32()
		kind, _ := c.Uint32()
		oid.Number, oid.Kind = int32(num), int32(kind)
		oid.Arg1, _ = c.Pointer(ps)
		arg2, _ := c.Uint32()
		oid.Arg2 = int32(arg2)
		if ps == 8 {
			c.Skip(4)
		}
		name, _ := c.Pointer(ps)
		oid.Handler, _ = c.Pointer(ps)
		format, _ := c.Pointer(ps)
		oid.Name, _ = p.vmString(name)
		oid.Format, _ = p.vmString(format)

		p.log.WithFields(log.Fields{
			"parent":  oid.Parent,
			"link":    oid.Link,
			"number":  oid.Number,
			"kind":    oid.Kind,
			"arg1":    oid.Arg1,
			"arg2":    oid.Arg2,
			"name":    oid.Name,
			"handler": oid.Handler,
			"format":  oid.Format,
		}).Debugf("Dumping OID at %#016x", addr)
		p.f.Content.SysctlOIDs = append(p.f.Content.SysctlOIDs, oid)
	}
	return nil
}

func (p *parser) objcPointers(sec *Section, data []byte) error {
	for i, v := range p.pointers(data) {
		op := ObjCPointer{Section: sec.Name, Addr: sec.Addr + uint64(i*p.ptrSize()), Value: v}
		op.Offset, op.Mapped = p.f.OffsetFromRVA(v)
		p.log.Debugf("%s -> %#016x (rva) -> %#016x (offset)", sec.Name, op.Value, op.Offset)
		p.f.Content.ObjCPointers = append(p.f.Content.ObjCPointers, op)
	}
	return nil
}

func (p *parser) objcImageInfo(sec *Section, data []byte) error {
	c := image.NewCursor(data, p.bo)
	version, err := c.Uint32()
	if err != nil {
		return err
	}
	flags, err := c.Uint32()
	if err != nil {
		return err
	}
	p.f.Content.ObjCImageInfo = &ObjCImageInfo{Version: version, Flags: flags}
	p.log.Debugf("objc_image_info.version = %#08x, flags = %#08x", version, flags)
	return nil
}

func (p *parser) dump(sec *Section, data []byte) error {
	if p.f.cfg.DumpSections {
		p.log.Debug(hexdump.Labeled(sec.Seg+"."+sec.Name, data, sec.Addr))
	}
	return nil
}
