package macho

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/apex/log"
	"github.com/appsworld/go-machodump/pkg/trie"
	"github.com/appsworld/go-machodump/types"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// file offsets of the fixture image
const (
	textOff     = 0x1000
	cstringOff  = 0x1100
	stubsOff    = 0x1200
	gotOff      = 0x2000
	initOff     = 0x2010
	indirectOff = 0x3100
	symOff      = 0x3200
	strOff      = 0x3300
	rebaseOff   = 0x3400
	bindOff     = 0x3500
	exportOff   = 0x3600
	startsOff   = 0x3700
)

var (
	fixtureStrtab = []byte("\x00_main\x00_printf\x00")

	fixtureRebase = []byte{
		types.REBASE_OPCODE_SET_TYPE_IMM | types.REBASE_TYPE_POINTER,
		types.REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB | 1, 0x10,
		types.REBASE_OPCODE_DO_REBASE_IMM_TIMES | 1,
		types.REBASE_OPCODE_DONE,
	}

	fixtureBind = []byte{
		types.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM | 1,
		types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM, '_', 'p', 'r', 'i', 'n', 't', 'f', 0x00,
		types.BIND_OPCODE_SET_TYPE_IMM | types.BIND_TYPE_POINTER,
		types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB | 1, 0x00,
		types.BIND_OPCODE_DO_BIND,
		types.BIND_OPCODE_DONE,
	}

	// _main at __TEXT+0x1000
	fixtureExports = []byte{
		0x00, 0x01, '_', 'm', 'a', 'i', 'n', 0x00, 0x09,
		0x03, 0x00, 0x80, 0x20, 0x00,
	}

	// 0x1000, 0x1010
	fixtureStarts = []byte{0x80, 0x20, 0x10, 0x00}
)

// fixture builds a small linked executable: __TEXT with code, C strings and
// stubs, __DATA with a GOT and an initializer, a symbol table of two good
// names and one bad string index, and dyld info for all of it.
func fixture(width Width) *machoBuilder {
	return fixtureOrder(width, binary.LittleEndian)
}

// fixtureOrder builds the fixture image in the given byte order.
func fixtureOrder(width Width, bo binary.ByteOrder) *machoBuilder {
	b := newBuilder(width)
	b.bo = bo
	ps := width.PointerSize()

	b.standard(
		[]testSection{
			{name: "__text", seg: "__TEXT", off: textOff, size: 0x100},
			{name: "__cstring", seg: "__TEXT", off: cstringOff, size: 16, flags: types.SectionFlag(types.S_CSTRING_LITERALS)},
			{name: "__stubs", seg: "__TEXT", off: stubsOff, size: 12, flags: types.SectionFlag(types.S_SYMBOL_STUBS), r1: 2, r2: 6},
		},
		[]testSection{
			{name: "__got", seg: "__DATA", off: gotOff, size: 2 * ps, flags: types.SectionFlag(types.S_NON_LAZY_SYMBOL_POINTERS)},
			{name: "__mod_init_func", seg: "__DATA", off: initOff, size: ps, flags: types.SectionFlag(types.S_MOD_INIT_FUNC_POINTERS)},
		},
	)
	b.put(cstringOff, []byte("hello\x00world\x00tail"))
	if width == Width64 {
		b.put(initOff, b.enc(b.vm(textOff)))
	} else {
		b.put(initOff, b.enc(uint32(b.vm(textOff))))
	}

	b.symtab(symOff, []testSym{
		{strx: 1, typ: types.N_SECT | types.N_EXT, sect: 1, value: b.vm(textOff)},
		{strx: 7, typ: types.N_UNDF | types.N_EXT, desc: 1 << 8},
		{strx: 0xffff, typ: types.N_UNDF | types.N_EXT},
	}, strOff, fixtureStrtab)
	b.dysymtab(types.DysymtabCmd{
		Iextdefsym:     0,
		Nextdefsym:     1,
		Iundefsym:      1,
		Nundefsym:      2,
		Indirectsymoff: indirectOff,
	}, []uint32{
		1,
		types.INDIRECT_SYMBOL_LOCAL,
		1,
		types.INDIRECT_SYMBOL_LOCAL | types.INDIRECT_SYMBOL_ABS,
	})
	b.dylib(types.LC_LOAD_DYLIB, "/usr/lib/libSystem.B.dylib")

	b.put(rebaseOff, fixtureRebase)
	b.put(bindOff, fixtureBind)
	b.put(exportOff, fixtureExports)
	b.dyldInfo(types.DyldInfoCmd{
		RebaseOff:  rebaseOff,
		RebaseSize: uint32(len(fixtureRebase)),
		BindOff:    bindOff,
		BindSize:   uint32(len(fixtureBind)),
		ExportOff:  exportOff,
		ExportSize: uint32(len(fixtureExports)),
	})
	b.linkedit(types.LC_FUNCTION_STARTS, startsOff, fixtureStarts)

	return b
}

func TestOpenFailure(t *testing.T) {
	filename := "file.go"    // not a Mach-O file
	_, err := Open(filename) // don't crash
	if err == nil {
		t.Errorf("open %s: succeeded unexpectedly", filename)
	}
	if !errors.Is(err, ErrMalformedMagic) {
		t.Errorf("open %s: got %v, want ErrMalformedMagic", filename, err)
	}
}

func TestTypeString(t *testing.T) {
	tests := []struct {
		name string
		got  fmt.Stringer
		want string
	}{
		{"file type", types.MH_EXECUTE, "EXECUTE"},
		{"no segment flags", types.SegFlag(0), ""},
		{"one segment flag", types.ReadOnly, "ReadOnly"},
		{"segment flags", types.NoReLoc | types.ProtectedVersion1, "NoReLoc|ProtectedVersion1"},
		{"unknown segment flag", types.HighVM | 0x100, "HighVM|0x100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.got.String(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSegmentString(t *testing.T) {
	f, _ := fixture(Width64).open(t)
	seg := f.Segment("__DATA")
	if seg == nil {
		t.Fatal("Segment(__DATA) = nil")
	}
	if s := seg.String(); strings.Contains(s, "%!") {
		t.Errorf("Segment.String() = %q", s)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		magic   [4]byte
		big     bool
		width   Width
		wantErr error
	}{
		{"32-bit big endian", [4]byte{0xfe, 0xed, 0xfa, 0xce}, true, Width32, nil},
		{"64-bit big endian", [4]byte{0xfe, 0xed, 0xfa, 0xcf}, true, Width64, nil},
		{"32-bit little endian", [4]byte{0xce, 0xfa, 0xed, 0xfe}, false, Width32, nil},
		{"64-bit little endian", [4]byte{0xcf, 0xfa, 0xed, 0xfe}, false, Width64, nil},
		{"fat", [4]byte{0xca, 0xfe, 0xba, 0xbe}, false, 0, ErrMalformedMagic},
		{"garbage", [4]byte{0x7f, 'E', 'L', 'F'}, false, 0, ErrMalformedMagic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bo, width, err := Classify(tt.magic)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Classify() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if width != tt.width {
				t.Errorf("Classify() width = %d, want %d", width, tt.width)
			}
			if got := bo.String() == "BigEndian"; got != tt.big {
				t.Errorf("Classify() byte order = %s", bo)
			}
		})
	}
}

func TestNewFileUnsupportedCPU(t *testing.T) {
	b := newBuilder(Width32)
	b.cpu = types.CPU(18) // ppc
	_, err := NewFile(strings.NewReader(string(b.bytes())))
	if !errors.Is(err, ErrUnsupportedCPU) {
		t.Fatalf("NewFile() error = %v, want ErrUnsupportedCPU", err)
	}
}

func TestNewFile(t *testing.T) {
	for _, width := range []Width{Width32, Width64} {
		b := fixture(width)
		t.Run(b.cpu.String(), func(t *testing.T) {
			f, _ := b.open(t)

			if len(f.Errors()) != 0 {
				t.Errorf("Errors() = %v, want none", f.Errors())
			}
			if f.Kind() != KindExecutable {
				t.Errorf("Kind() = %s, want executable", f.Kind())
			}
			if f.Width() != width {
				t.Errorf("Width() = %d, want %d", f.Width(), width)
			}
			if f.BaseAddress() != b.base {
				t.Errorf("BaseAddress() = %#x, want %#x", f.BaseAddress(), b.base)
			}

			var names []string
			for _, s := range f.Segments() {
				names = append(names, s.Name)
			}
			if diff := cmp.Diff([]string{"__TEXT", "__DATA", "__LINKEDIT"}, names); diff != "" {
				t.Errorf("segments mismatch (-want +got):\n%s", diff)
			}
			if len(f.Sections) != 5 {
				t.Errorf("got %d sections, want 5", len(f.Sections))
			}
			if sec := f.Section("__DATA", "__got"); sec == nil || sec.SegIndex != 1 {
				t.Errorf("Section(__DATA, __got) = %v", sec)
			}
			if got := f.OrdinalName(1); got != "libSystem.B.dylib" {
				t.Errorf("OrdinalName(1) = %s", got)
			}
		})
	}
}

func TestSymbols(t *testing.T) {
	b := fixture(Width64)
	f, h := b.open(t)

	want := []Symbol{
		{Name: "_main", NameValid: true, StrIndex: 1, Type: types.N_SECT | types.N_EXT, Sect: 1, Value: b.vm(textOff)},
		{Name: "_printf", NameValid: true, StrIndex: 7, Type: types.N_UNDF | types.N_EXT, Desc: 1 << 8},
		{Name: "invalid", StrIndex: 0xffff, Type: types.N_UNDF | types.N_EXT},
	}
	if diff := cmp.Diff(want, f.Symtab.Syms); diff != "" {
		t.Errorf("symbols mismatch (-want +got):\n%s", diff)
	}
	if countLevel(h, log.ErrorLevel) != 1 {
		t.Errorf("expected one error diagnostic for the bad string index, got %d", countLevel(h, log.ErrorLevel))
	}

	if diff := cmp.Diff(want[:1], f.Dysymtab.ExternalDefined()); diff != "" {
		t.Errorf("ExternalDefined() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want[1:], f.Dysymtab.Undefined()); diff != "" {
		t.Errorf("Undefined() mismatch (-want +got):\n%s", diff)
	}
	if got := f.Dysymtab.Locals(); len(got) != 0 {
		t.Errorf("Locals() = %v, want none", got)
	}

	addr, err := f.FindSymbolAddress("_main")
	if err != nil || addr != b.vm(textOff) {
		t.Errorf("FindSymbolAddress(_main) = %#x, %v", addr, err)
	}
	if _, err := f.FindSymbolAddress("invalid"); err == nil {
		t.Error("FindSymbolAddress(invalid) matched a symbol without a valid name")
	}
}

func TestIndirectSymbol(t *testing.T) {
	f, _ := fixture(Width64).open(t)

	tests := []struct {
		i     uint64
		index uint32
		name  string
	}{
		{0, 1, "_printf"},
		{1, types.INDIRECT_SYMBOL_LOCAL, "INDIRECT_SYMBOL_LOCAL"},
		{3, types.INDIRECT_SYMBOL_LOCAL | types.INDIRECT_SYMBOL_ABS, "INDIRECT_SYMBOL_ABS | INDIRECT_SYMBOL_LOCAL"},
		{4, 0, "invalid"},
	}
	for _, tt := range tests {
		index, name := f.Dysymtab.IndirectSymbol(tt.i)
		if index != tt.index || name != tt.name {
			t.Errorf("IndirectSymbol(%d) = %#x, %s; want %#x, %s", tt.i, index, name, tt.index, tt.name)
		}
	}
}

func TestSectionContent(t *testing.T) {
	for _, width := range []Width{Width32, Width64} {
		b := fixture(width)
		t.Run(b.cpu.String(), func(t *testing.T) {
			f, _ := b.open(t)
			ps := width.PointerSize()

			wantStrings := []CString{
				{Addr: b.vm(cstringOff), Value: "hello"},
				{Addr: b.vm(cstringOff + 6), Value: "world"},
			}
			if diff := cmp.Diff(wantStrings, f.Content.CStrings); diff != "" {
				t.Errorf("C strings mismatch (-want +got):\n%s", diff)
			}

			wantPointers := []SymbolPointer{
				{Section: "__got", Kind: NonLazyPointer, Addr: b.vm(gotOff), Index: 1, Symbol: "_printf"},
				{Section: "__got", Kind: NonLazyPointer, Addr: b.vm(gotOff) + ps, Index: types.INDIRECT_SYMBOL_LOCAL, Symbol: "INDIRECT_SYMBOL_LOCAL"},
			}
			if diff := cmp.Diff(wantPointers, f.Content.SymbolPointers); diff != "" {
				t.Errorf("symbol pointers mismatch (-want +got):\n%s", diff)
			}

			wantStubs := []Stub{
				{Section: "__stubs", Addr: b.vm(stubsOff), Size: 6, Index: 1, Symbol: "_printf"},
				{Section: "__stubs", Addr: b.vm(stubsOff) + 6, Size: 6, Index: types.INDIRECT_SYMBOL_LOCAL | types.INDIRECT_SYMBOL_ABS, Symbol: "INDIRECT_SYMBOL_ABS | INDIRECT_SYMBOL_LOCAL"},
			}
			if diff := cmp.Diff(wantStubs, f.Content.Stubs); diff != "" {
				t.Errorf("stubs mismatch (-want +got):\n%s", diff)
			}

			wantInit := []Pointer{{Section: "__mod_init_func", Addr: b.vm(initOff), Value: b.vm(textOff)}}
			if diff := cmp.Diff(wantInit, f.Content.InitFuncs); diff != "" {
				t.Errorf("init funcs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSymbolPointersWithoutDysymtab(t *testing.T) {
	b := newBuilder(Width64)
	b.standard(nil, []testSection{
		{name: "__la_symbol_ptr", seg: "__DATA", off: gotOff, size: 8, flags: types.SectionFlag(types.S_LAZY_SYMBOL_POINTERS)},
	})
	f, _ := b.open(t)

	if len(f.Errors()) != 1 || !errors.Is(f.Errors()[0], ErrMissingPrerequisite) {
		t.Fatalf("Errors() = %v, want one ErrMissingPrerequisite", f.Errors())
	}
	if len(f.Content.SymbolPointers) != 0 {
		t.Errorf("decoded %d pointers without an indirect symbol table", len(f.Content.SymbolPointers))
	}
}

func TestDysymtabWithoutSymtab(t *testing.T) {
	b := newBuilder(Width64)
	b.standard(nil, nil)
	b.dysymtab(types.DysymtabCmd{Nlocalsym: 1}, nil)
	f, _ := b.open(t)

	if f.Dysymtab != nil {
		t.Error("Dysymtab loaded without a symbol table")
	}
	if len(f.Errors()) != 1 || !errors.Is(f.Errors()[0], ErrMissingPrerequisite) {
		t.Fatalf("Errors() = %v, want one ErrMissingPrerequisite", f.Errors())
	}
	if _, ok := f.Loads[len(f.Loads)-1].(LoadCmdBytes); !ok {
		t.Errorf("failed command kept as %T, want LoadCmdBytes", f.Loads[len(f.Loads)-1])
	}
}

func TestSymtabBeforeDysymtabOrder(t *testing.T) {
	// LC_DYSYMTAB ahead of LC_SYMTAB still resolves
	b := newBuilder(Width64)
	b.standard(nil, nil)
	b.dysymtab(types.DysymtabCmd{Nextdefsym: 1}, nil)
	b.symtab(symOff, []testSym{{strx: 1, typ: types.N_SECT | types.N_EXT, sect: 1}}, strOff, fixtureStrtab)
	f, _ := b.open(t)

	if len(f.Errors()) != 0 {
		t.Fatalf("Errors() = %v", f.Errors())
	}
	if got := f.Dysymtab.ExternalDefined(); len(got) != 1 || got[0].Name != "_main" {
		t.Errorf("ExternalDefined() = %v", got)
	}
	if _, ok := f.Loads[3].(*Dysymtab); !ok {
		t.Errorf("Loads[3] = %T, want commands kept in file order", f.Loads[3])
	}
}

func TestMisalignedCommand(t *testing.T) {
	b := newBuilder(Width64)
	b.standard(nil, nil)
	b.raw(types.LC_UUID, 20, make([]byte, 12))
	b.add(b.enc(types.UUIDCmd{LoadCmd: types.LC_UUID, UUID: types.UUID{0xde, 0xad}}))
	f, h := b.open(t)

	if len(f.Errors()) != 1 || !errors.Is(f.Errors()[0], ErrMisalignedCommand) {
		t.Fatalf("Errors() = %v, want one ErrMisalignedCommand", f.Errors())
	}
	if countLevel(h, log.WarnLevel) == 0 {
		t.Error("misaligned command was not warned about")
	}
	u := f.UUID()
	if u == nil || u.UUID[0] != 0xde {
		t.Fatalf("UUID() = %v, want the command after the misaligned one", u)
	}
	if len(f.Loads) != 4 {
		t.Errorf("got %d loads, want the misaligned command skipped", len(f.Loads))
	}
}

func TestSegmentWidthMismatch(t *testing.T) {
	b := newBuilder(Width64)
	b.standard(nil, nil)
	b.width = Width32
	b.segment("__OTHER", 0x3000, 0x100)
	b.width = Width64
	f, h := b.open(t)

	if len(f.Segments()) != 3 {
		t.Errorf("got %d segments, want the 32-bit segment skipped", len(f.Segments()))
	}
	if countLevel(h, log.WarnLevel) != 1 {
		t.Errorf("got %d warnings, want 1", countLevel(h, log.WarnLevel))
	}
	if len(f.Errors()) != 0 {
		t.Errorf("Errors() = %v, want a width mismatch to only warn", f.Errors())
	}
}

func TestAddressTranslation(t *testing.T) {
	b := fixture(Width64)
	f, _ := b.open(t)

	off, ok := f.OffsetFromRVA(b.vm(initOff))
	if !ok || off != initOff {
		t.Errorf("OffsetFromRVA(%#x) = %#x, %v", b.vm(initOff), off, ok)
	}
	if _, ok := f.OffsetFromRVA(0x10); ok {
		t.Error("OffsetFromRVA(0x10) translated an unmapped address")
	}
	if _, err := f.GetOffset(0x10); err == nil {
		t.Error("GetOffset(0x10) translated an unmapped address")
	}
	addr, err := f.GetVMAddress(gotOff)
	if err != nil || addr != b.vm(gotOff) {
		t.Errorf("GetVMAddress(%#x) = %#x, %v", gotOff, addr, err)
	}

	s, err := f.GetCString(b.vm(cstringOff + 6))
	if err != nil || s != "world" {
		t.Errorf("GetCString() = %q, %v", s, err)
	}

	tests := []struct {
		seg  int
		addr uint64
		want string
	}{
		{1, b.vm(gotOff), "__got"},
		{1, b.vm(initOff), "__mod_init_func"},
		{0, b.vm(initOff), "__mod_init_func"},
		{1, b.vm(0x2800), "unknown section"},
	}
	for _, tt := range tests {
		// twice, the second from the cache
		for i := 0; i < 2; i++ {
			if got := f.SectionName(tt.seg, tt.addr); got != tt.want {
				t.Errorf("SectionName(%d, %#x) = %s, want %s", tt.seg, tt.addr, got, tt.want)
			}
		}
	}
	if got := f.SegmentName(7); got != "invalid" {
		t.Errorf("SegmentName(7) = %s", got)
	}
}

func TestOrdinalName(t *testing.T) {
	f, _ := fixture(Width64).open(t)

	tests := []struct {
		ordinal int64
		want    string
	}{
		{0, "this-image"},
		{-1, "main-executable"},
		{-2, "flat-namespace"},
		{-3, "weak-coalesce"},
		{1, "libSystem.B.dylib"},
		{2, "invalid"},
		{-4, "invalid"},
	}
	for _, tt := range tests {
		if got := f.OrdinalName(tt.ordinal); got != tt.want {
			t.Errorf("OrdinalName(%d) = %s, want %s", tt.ordinal, got, tt.want)
		}
	}
}

func TestDyldInfo(t *testing.T) {
	b := fixture(Width64)
	f, _ := b.open(t)

	rebases := f.Rebases()
	if len(rebases) != 1 {
		t.Fatalf("got %d rebases, want 1", len(rebases))
	}
	if r := rebases[0]; r.Segment != "__DATA" || r.Section != "__mod_init_func" || r.Address != b.vm(initOff) {
		t.Errorf("rebase = %+v", r)
	}

	binds := f.Binds()
	if len(binds) != 1 {
		t.Fatalf("got %d binds, want 1", len(binds))
	}
	if bd := binds[0]; bd.Name != "_printf" || bd.Dylib != "libSystem.B.dylib" || bd.Section != "__got" || bd.Address != b.vm(gotOff) {
		t.Errorf("bind = %+v", bd)
	}
	if len(f.WeakBinds()) != 0 || len(f.LazyBinds()) != 0 {
		t.Errorf("decoded weak/lazy binds from empty streams")
	}

	want := []trie.TrieEntry{{Name: "_main", Address: b.vm(textOff)}}
	if diff := cmp.Diff(want, f.Exports(), cmpopts.IgnoreFields(trie.TrieEntry{}, "Offset")); diff != "" {
		t.Errorf("exports mismatch (-want +got):\n%s", diff)
	}

	addr, err := f.ExportAddress("_main")
	if err != nil || addr != b.vm(textOff) {
		t.Errorf("ExportAddress(_main) = %#x, %v", addr, err)
	}
	if _, err := f.ExportAddress("_missing"); err == nil {
		t.Error("ExportAddress(_missing) found a symbol not in the trie")
	}
}

func TestSkipDyldInfo(t *testing.T) {
	f, _ := fixture(Width64).open(t, FileConfig{SkipDyldInfo: true})

	if len(f.Rebases()) != 0 || len(f.Binds()) != 0 || len(f.Exports()) != 0 {
		t.Error("dyld info interpreted with SkipDyldInfo set")
	}
	if f.DyldInfo() == nil {
		t.Error("DyldInfo() = nil, want the command kept")
	}
}

func TestDyldInfoOutOfBounds(t *testing.T) {
	b := newBuilder(Width64)
	b.standard(nil, nil)
	b.dyldInfo(types.DyldInfoCmd{RebaseOff: 0x3ff0, RebaseSize: 0x100})
	f, _ := b.open(t)

	if len(f.Errors()) != 1 || !errors.Is(f.Errors()[0], ErrOutOfBounds) {
		t.Fatalf("Errors() = %v, want one ErrOutOfBounds", f.Errors())
	}
}

func TestHandlers(t *testing.T) {
	var seen []types.LoadCmd
	fail := errors.New("boom")

	f, _ := fixture(Width64).open(t, FileConfig{Handlers: map[types.LoadCmd]HandlerFunc{
		types.LC_SYMTAB: func(f *File, cmd Command) error {
			seen = append(seen, cmd.Cmd)
			if f.Symtab == nil {
				t.Error("handler ran before the built-in decoder")
			}
			cmd.Data[0] = 0xff
			return nil
		},
		types.LC_LOAD_DYLIB: func(f *File, cmd Command) error {
			seen = append(seen, cmd.Cmd)
			return fail
		},
	}})

	if diff := cmp.Diff([]types.LoadCmd{types.LC_SYMTAB, types.LC_LOAD_DYLIB}, seen); diff != "" {
		t.Errorf("handler calls mismatch (-want +got):\n%s", diff)
	}
	if len(f.Errors()) != 1 || !errors.Is(f.Errors()[0], fail) {
		t.Errorf("Errors() = %v, want the handler error", f.Errors())
	}
	if f.Symtab.Raw()[0] == 0xff {
		t.Error("handler mutated the parsed command")
	}
}

func TestThreadState(t *testing.T) {
	b := fixture(Width64)
	regs := RegsAMD64{IP: b.vm(textOff), SP: 0x7ff0}
	body := b.enc(uint32(types.LC_UNIXTHREAD), uint32(0), uint32(X86ThreadState64), uint32(42), regs)
	b.add(body)
	f, _ := b.open(t)

	states := f.ThreadState()
	if len(states) != 1 {
		t.Fatalf("got %d thread states, want 1", len(states))
	}
	got, ok := states[0].Regs.(RegsAMD64)
	if !ok {
		t.Fatalf("Regs = %T, want RegsAMD64", states[0].Regs)
	}
	if diff := cmp.Diff(regs, got); diff != "" {
		t.Errorf("registers mismatch (-want +got):\n%s", diff)
	}
	if got.ProgramCounter() != b.vm(textOff) {
		t.Errorf("ProgramCounter() = %#x", got.ProgramCounter())
	}
}

func TestThreadStateOverrun(t *testing.T) {
	b := newBuilder(Width64)
	b.standard(nil, nil)
	b.add(b.enc(uint32(types.LC_THREAD), uint32(0), uint32(X86ThreadState64), uint32(42), uint64(0)))
	f, _ := b.open(t)

	if len(f.Errors()) != 1 || !errors.Is(f.Errors()[0], ErrOutOfBounds) {
		t.Fatalf("Errors() = %v, want one ErrOutOfBounds", f.Errors())
	}
	if len(f.ThreadState()) != 0 {
		t.Errorf("ThreadState() = %v, want the overrunning state dropped", f.ThreadState())
	}
}

func TestFunctionStarts(t *testing.T) {
	b := fixture(Width64)
	f, _ := b.open(t)

	got, err := f.FunctionStarts()
	if err != nil {
		t.Fatalf("FunctionStarts() error = %v", err)
	}
	if diff := cmp.Diff([]uint64{b.vm(0x1000), b.vm(0x1010)}, got); diff != "" {
		t.Errorf("function starts mismatch (-want +got):\n%s", diff)
	}
	if _, err := f.DataInCode(); !errors.Is(err, ErrMissingPrerequisite) {
		t.Errorf("DataInCode() error = %v, want ErrMissingPrerequisite", err)
	}
}

func TestDWARFMissing(t *testing.T) {
	f, _ := fixture(Width64).open(t)
	if _, err := f.DWARF(); !errors.Is(err, ErrMissingPrerequisite) {
		t.Errorf("DWARF() error = %v, want ErrMissingPrerequisite", err)
	}
}

func TestReadAt(t *testing.T) {
	b := fixture(Width64)
	f, _ := b.open(t)

	buf := make([]byte, 5)
	if _, err := f.ReadAt(buf, cstringOff); err != nil || string(buf) != "hello" {
		t.Errorf("ReadAt() = %q, %v", buf, err)
	}
	if _, err := f.ReadAt(buf, int64(f.Len())+1); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("ReadAt() past end error = %v, want ErrOutOfBounds", err)
	}
}

func TestByteOrders(t *testing.T) {
	for _, bo := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		for _, width := range []Width{Width32, Width64} {
			b := fixtureOrder(width, bo)
			if width == Width64 {
				regs := RegsAMD64{IP: b.vm(textOff), SP: 0x7ff0}
				b.add(b.enc(uint32(types.LC_UNIXTHREAD), uint32(0), uint32(X86ThreadState64), uint32(42), regs))
			}
			t.Run(fmt.Sprintf("%s/%d", bo, width), func(t *testing.T) {
				f, _ := b.open(t)
				ps := width.PointerSize()

				if f.ByteOrder != bo {
					t.Fatalf("ByteOrder = %s, want %s", f.ByteOrder, bo)
				}
				if f.Width() != width || f.Kind() != KindExecutable {
					t.Errorf("Width() = %d, Kind() = %s", f.Width(), f.Kind())
				}
				if len(f.Errors()) != 0 {
					t.Errorf("Errors() = %v, want none", f.Errors())
				}
				if got := len(f.Segments()); got != 3 {
					t.Errorf("got %d segments, want 3", got)
				}
				if got := len(f.Sections); got != 5 {
					t.Errorf("got %d sections, want 5", got)
				}

				wantSyms := []Symbol{
					{Name: "_main", NameValid: true, StrIndex: 1, Type: types.N_SECT | types.N_EXT, Sect: 1, Value: b.vm(textOff)},
					{Name: "_printf", NameValid: true, StrIndex: 7, Type: types.N_UNDF | types.N_EXT, Desc: 1 << 8},
					{Name: "invalid", StrIndex: 0xffff, Type: types.N_UNDF | types.N_EXT},
				}
				if diff := cmp.Diff(wantSyms, f.Symtab.Syms); diff != "" {
					t.Errorf("symbols mismatch (-want +got):\n%s", diff)
				}

				wantPointers := []SymbolPointer{
					{Section: "__got", Kind: NonLazyPointer, Addr: b.vm(gotOff), Index: 1, Symbol: "_printf"},
					{Section: "__got", Kind: NonLazyPointer, Addr: b.vm(gotOff) + ps, Index: types.INDIRECT_SYMBOL_LOCAL, Symbol: "INDIRECT_SYMBOL_LOCAL"},
				}
				if diff := cmp.Diff(wantPointers, f.Content.SymbolPointers); diff != "" {
					t.Errorf("symbol pointers mismatch (-want +got):\n%s", diff)
				}
				wantInit := []Pointer{{Section: "__mod_init_func", Addr: b.vm(initOff), Value: b.vm(textOff)}}
				if diff := cmp.Diff(wantInit, f.Content.InitFuncs); diff != "" {
					t.Errorf("init funcs mismatch (-want +got):\n%s", diff)
				}

				if r := f.Rebases(); len(r) != 1 || r[0].Address != b.vm(initOff) || r[0].Section != "__mod_init_func" {
					t.Errorf("Rebases() = %v", r)
				}
				if bd := f.Binds(); len(bd) != 1 || bd[0].Name != "_printf" || bd[0].Dylib != "libSystem.B.dylib" || bd[0].Address != b.vm(gotOff) {
					t.Errorf("Binds() = %v", bd)
				}
				wantExports := []trie.TrieEntry{{Name: "_main", Address: b.vm(textOff)}}
				if diff := cmp.Diff(wantExports, f.Exports(), cmpopts.IgnoreFields(trie.TrieEntry{}, "Offset")); diff != "" {
					t.Errorf("exports mismatch (-want +got):\n%s", diff)
				}

				if width == Width64 {
					states := f.ThreadState()
					if len(states) != 1 || states[0].Regs == nil || states[0].Regs.ProgramCounter() != b.vm(textOff) {
						t.Errorf("ThreadState() = %+v", states)
					}
				}
			})
		}
	}
}
