package fixupchains

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/appsworld/go-machodump/internal/image"
	"github.com/appsworld/go-machodump/types"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

const testBase = 0x100000000

type libs []string

func (l libs) OrdinalName(ordinal int64) string {
	if ordinal > 0 && int(ordinal) <= len(l) {
		return l[ordinal-1]
	}
	return "invalid"
}

// payload lays out a chained fixups blob with one segment start table.
type payload struct {
	format     types.DCPtrKind
	segOffset  uint64
	pageStarts []uint16
	imports    []uint32
	symbols    string
}

func (p payload) bytes() []byte {
	le := binary.LittleEndian
	const startsOff = 0x20
	segInfoOff := uint32(4 + 4*2)
	segInfoSize := uint32(types.DyldChainedStartsInSegmentSize + 2*len(p.pageStarts))
	importsOff := (startsOff + segInfoOff + segInfoSize + 7) &^ 7
	symbolsOff := importsOff + uint32(4*len(p.imports))

	b := make([]byte, symbolsOff+uint32(len(p.symbols)))
	for i, v := range []uint32{0, startsOff, importsOff, symbolsOff, uint32(len(p.imports)), uint32(types.DC_IMPORT), 0} {
		le.PutUint32(b[i*4:], v)
	}
	le.PutUint32(b[startsOff:], 2)
	le.PutUint32(b[startsOff+4:], 0)
	le.PutUint32(b[startsOff+8:], segInfoOff)

	s := b[startsOff+segInfoOff:]
	le.PutUint32(s[0:], segInfoSize)
	le.PutUint16(s[4:], 0x1000)
	le.PutUint16(s[6:], uint16(p.format))
	le.PutUint64(s[8:], p.segOffset)
	le.PutUint16(s[20:], 1)
	for i, ps := range p.pageStarts {
		le.PutUint16(s[22+2*i:], ps)
	}
	for i, imp := range p.imports {
		le.PutUint32(b[importsOff+uint32(4*i):], imp)
	}
	copy(b[symbolsOff:], p.symbols)
	return b
}

func importEntry(ordinal uint8, weak bool, nameOff uint32) uint32 {
	v := uint32(ordinal) | nameOff<<9
	if weak {
		v |= 1 << 8
	}
	return v
}

func newWalker(img []byte) (*Walker, *memory.Handler) {
	h := memory.New()
	return &Walker{
		Image:     image.New(img),
		ByteOrder: binary.LittleEndian,
		Base:      testBase,
		Resolver:  libs{"/usr/lib/libSystem.B.dylib"},
		Logger:    &log.Logger{Handler: h, Level: log.DebugLevel},
	}, h
}

func TestParse(t *testing.T) {
	img := make([]byte, 0x2000)
	le := binary.LittleEndian
	le.PutUint64(img[0x1010:], 0x1234|2<<51)
	le.PutUint64(img[0x1018:], 1<<63|1|5<<24)

	data := payload{
		format:     types.DYLD_CHAINED_PTR_64_OFFSET,
		segOffset:  0x1000,
		pageStarts: []uint16{0x10},
		imports:    []uint32{importEntry(1, false, 0), importEntry(1, true, 5)},
		symbols:    "_foo\x00_bar\x00",
	}.bytes()

	w, _ := newWalker(img)
	c, err := w.Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	wantImports := []Import{
		{Name: "_foo", Ordinal: 1, Dylib: "/usr/lib/libSystem.B.dylib"},
		{Name: "_bar", Ordinal: 1, Dylib: "/usr/lib/libSystem.B.dylib", Weak: true},
	}
	if diff := cmp.Diff(wantImports, c.Imports); diff != "" {
		t.Errorf("Imports mismatch (-want +got):\n%s", diff)
	}

	want := []Fixup{
		{Kind: Rebase, Format: types.DYLD_CHAINED_PTR_64_OFFSET, Segment: 1, Offset: 0x1010, FileOffset: 0x1010, Target: testBase + 0x1234},
		{Kind: Bind, Format: types.DYLD_CHAINED_PTR_64_OFFSET, Segment: 1, Offset: 0x1018, FileOffset: 0x1018, Ordinal: 1, Import: "_bar", Dylib: "/usr/lib/libSystem.B.dylib", Addend: 5},
	}
	if diff := cmp.Diff(want, c.Fixups, cmpopts.IgnoreFields(Fixup{}, "Raw")); diff != "" {
		t.Errorf("Fixups mismatch (-want +got):\n%s", diff)
	}
	if got := len(c.Rebases()); got != 1 {
		t.Errorf("Rebases() = %d slots, want 1", got)
	}
	if got := c.Binds(); len(got) != 1 || got[0].Import != "_bar" {
		t.Errorf("Binds() = %v", got)
	}
}

func TestParseFileOffset(t *testing.T) {
	img := make([]byte, 0x1000)
	binary.LittleEndian.PutUint64(img[0x808:], 0x40)

	data := payload{
		format:     types.DYLD_CHAINED_PTR_64,
		segOffset:  0x4000,
		pageStarts: []uint16{0x8},
	}.bytes()

	w, _ := newWalker(img)
	w.FileOffset = func(vmOff uint64) (uint64, bool) {
		if vmOff < 0x4000 || vmOff >= 0x5000 {
			return 0, false
		}
		return vmOff - 0x4000 + 0x800, true
	}
	c, err := w.Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(c.Fixups) != 1 {
		t.Fatalf("got %d fixups, want 1", len(c.Fixups))
	}
	if f := c.Fixups[0]; f.Offset != 0x4008 || f.FileOffset != 0x808 || f.Target != 0x40 {
		t.Errorf("fixup = %+v", f)
	}
}

func TestParseMultiStart(t *testing.T) {
	img := make([]byte, 0x2000)
	le := binary.LittleEndian
	le.PutUint32(img[0x1000:], 0x3000)
	le.PutUint32(img[0x1100:], 0x3100|1<<26)
	le.PutUint32(img[0x1104:], 0x3104)

	data := payload{
		format:     types.DYLD_CHAINED_PTR_32,
		segOffset:  0x1000,
		pageStarts: []uint16{0x8001, 0x0000, 0x0100 | 0x8000},
	}.bytes()

	w, _ := newWalker(img)
	c, err := w.Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	var got []uint64
	for _, f := range c.Fixups {
		got = append(got, f.Target)
	}
	if diff := cmp.Diff([]uint64{0x3000, 0x3100, 0x3104}, got); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	t.Run("unknown pointer format", func(t *testing.T) {
		data := payload{format: 0x20, segOffset: 0, pageStarts: []uint16{0}}.bytes()
		w, _ := newWalker(make([]byte, 0x100))
		c, err := w.Parse(data)
		if !errors.Is(err, ErrUnknownPointerFormat) {
			t.Fatalf("Parse() error = %v, want ErrUnknownPointerFormat", err)
		}
		if c == nil || len(c.Starts) != 1 {
			t.Errorf("start tables should still be returned, got %+v", c)
		}
	})

	t.Run("chain leaves the page", func(t *testing.T) {
		img := make([]byte, 0x2000)
		binary.LittleEndian.PutUint64(img[0xff8:], 0x10|0x100<<51)
		data := payload{format: types.DYLD_CHAINED_PTR_64, pageStarts: []uint16{0xff8}}.bytes()
		w, _ := newWalker(img)
		c, err := w.Parse(data)
		if !errors.Is(err, ErrBadChain) {
			t.Fatalf("Parse() error = %v, want ErrBadChain", err)
		}
		if len(c.Fixups) != 1 {
			t.Errorf("got %d fixups, want the one before the bad link", len(c.Fixups))
		}
	})

	t.Run("fixup outside of image", func(t *testing.T) {
		data := payload{format: types.DYLD_CHAINED_PTR_64, segOffset: 0x4000, pageStarts: []uint16{0}}.bytes()
		w, _ := newWalker(make([]byte, 0x100))
		if _, err := w.Parse(data); !errors.Is(err, image.ErrOutOfBounds) {
			t.Fatalf("Parse() error = %v, want ErrOutOfBounds", err)
		}
	})

	t.Run("invalid import ordinal", func(t *testing.T) {
		img := make([]byte, 0x100)
		binary.LittleEndian.PutUint64(img[0:], 1<<63|9)
		data := payload{format: types.DYLD_CHAINED_PTR_64, pageStarts: []uint16{0}}.bytes()
		w, h := newWalker(img)
		c, err := w.Parse(data)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if c.Fixups[0].Import != "invalid" {
			t.Errorf("Import = %q, want invalid", c.Fixups[0].Import)
		}
		var warned bool
		for _, e := range h.Entries {
			warned = warned || e.Level == log.WarnLevel
		}
		if !warned {
			t.Error("expected a warning for the bad ordinal")
		}
	})

	t.Run("truncated header", func(t *testing.T) {
		w, _ := newWalker(nil)
		if _, err := w.Parse(make([]byte, 10)); !errors.Is(err, image.ErrOutOfBounds) {
			t.Fatalf("Parse() error = %v, want ErrOutOfBounds", err)
		}
	})
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		format   types.DCPtrKind
		raw      uint64
		want     Fixup
		wantNext uint64
	}{
		{
			name:   "arm64e rebase keeps high8",
			format: types.DYLD_CHAINED_PTR_ARM64E,
			raw:    0x1234 | 0x7f<<43,
			want:   Fixup{Target: 0x7f<<56 | 0x1234, High8: 0x7f},
		},
		{
			name:     "arm64e userland auth rebase",
			format:   types.DYLD_CHAINED_PTR_ARM64E_USERLAND,
			raw:      1<<63 | 0x4000 | 0xabcd<<32 | 1<<48 | 2<<49 | 3<<51,
			want:     Fixup{Target: testBase + 0x4000, Auth: true, Diversity: 0xabcd, AddrDiv: true, Key: "DA"},
			wantNext: 3,
		},
		{
			name:   "arm64e bind with negative addend",
			format: types.DYLD_CHAINED_PTR_ARM64E,
			raw:    1<<62 | 7 | (0x7fffc << 32),
			want:   Fixup{Kind: Bind, Ordinal: 7, Addend: -4},
		},
		{
			name:   "arm64e userland24 auth bind",
			format: types.DYLD_CHAINED_PTR_ARM64E_USERLAND24,
			raw:    1<<63 | 1<<62 | 0x123456,
			want:   Fixup{Kind: Bind, Ordinal: 0x123456, Auth: true, Key: "IA"},
		},
		{
			name:   "32-bit bind",
			format: types.DYLD_CHAINED_PTR_32,
			raw:    1<<31 | 3 | 2<<20,
			want:   Fixup{Kind: Bind, Ordinal: 3, Addend: 2},
		},
		{
			name:     "32-bit rebase",
			format:   types.DYLD_CHAINED_PTR_32,
			raw:      0x5000 | 1<<26,
			want:     Fixup{Target: 0x5000},
			wantNext: 1,
		},
		{
			name:     "kernel cache rebase",
			format:   types.DYLD_CHAINED_PTR_64_KERNEL_CACHE,
			raw:      0x2000 | 2<<51,
			want:     Fixup{Target: testBase + 0x2000},
			wantNext: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, next := decode(tt.format, tt.raw, testBase)
			tt.want.Format = tt.format
			tt.want.Raw = tt.raw
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("decode() mismatch (-want +got):\n%s", diff)
			}
			if next != tt.wantNext {
				t.Errorf("next = %d, want %d", next, tt.wantNext)
			}
		})
	}
}
