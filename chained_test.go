package macho

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/appsworld/go-machodump/pkg/fixupchains"
	"github.com/appsworld/go-machodump/types"
)

// chainedPayload builds a one-segment, one-page LC_DYLD_CHAINED_FIXUPS blob
// for the __DATA segment of the standard layout.
func chainedPayload(format types.DCPtrKind, pageStart uint16, imports []uint32, symbols string) []byte {
	le := binary.LittleEndian
	const (
		startsOff  = 0x20
		segInfoOff = 4 + 4*3
		importsOff = 0x50
	)
	symbolsOff := importsOff + 4*len(imports)
	b := make([]byte, symbolsOff+len(symbols))
	for i, v := range []uint32{0, startsOff, importsOff, uint32(symbolsOff), uint32(len(imports)), uint32(types.DC_IMPORT), 0} {
		le.PutUint32(b[i*4:], v)
	}
	// __TEXT and __LINKEDIT carry no chains
	le.PutUint32(b[startsOff:], 3)
	le.PutUint32(b[startsOff+8:], segInfoOff)

	s := b[startsOff+segInfoOff:]
	le.PutUint32(s[0:], types.DyldChainedStartsInSegmentSize+2)
	le.PutUint16(s[4:], 0x1000)
	le.PutUint16(s[6:], uint16(format))
	le.PutUint64(s[8:], 0x2000)
	le.PutUint16(s[20:], 1)
	le.PutUint16(s[22:], pageStart)

	for i, imp := range imports {
		le.PutUint32(b[importsOff+4*i:], imp)
	}
	copy(b[symbolsOff:], symbols)
	return b
}

func chainedFixture(pageStart uint16) *machoBuilder {
	b := newBuilder(Width64)
	b.standard(nil, nil)
	b.dylib(types.LC_LOAD_DYLIB, "/usr/lib/libSystem.B.dylib")

	le := binary.LittleEndian
	slot := make([]byte, 16)
	le.PutUint64(slot[0:], 0x1000|2<<51)
	le.PutUint64(slot[8:], 1<<63)
	b.put(0x2000, slot)

	// ordinal 1, name at offset 0
	imports := []uint32{1}
	b.linkedit(types.LC_DYLD_CHAINED_FIXUPS, 0x3800, chainedPayload(types.DYLD_CHAINED_PTR_64_OFFSET, pageStart, imports, "_printf\x00"))
	return b
}

func TestChainedFixups(t *testing.T) {
	b := chainedFixture(0)
	f, _ := b.open(t)

	if errs := f.Errors(); len(errs) != 0 {
		t.Fatalf("Errors() = %v", errs)
	}
	if !f.HasFixups() {
		t.Fatal("HasFixups() = false")
	}
	c := f.ChainedFixups()
	if c == nil {
		t.Fatal("ChainedFixups() = nil")
	}
	if len(c.Fixups) != 2 {
		t.Fatalf("got %d fixups, want 2", len(c.Fixups))
	}

	r := c.Fixups[0]
	if r.Kind != fixupchains.Rebase || r.Target != b.vm(0x1000) || r.Offset != 0x2000 || r.Segment != 1 {
		t.Errorf("rebase = %+v", r)
	}
	bind := c.Fixups[1]
	if bind.Kind != fixupchains.Bind || bind.Import != "_printf" || bind.Dylib != "libSystem.B.dylib" {
		t.Errorf("bind = %+v", bind)
	}
	if bind.FileOffset != 0x2008 {
		t.Errorf("bind FileOffset = %#x, want %#x", bind.FileOffset, 0x2008)
	}
}

func TestChainedFixupsSkipped(t *testing.T) {
	f, _ := chainedFixture(0).open(t, FileConfig{SkipDyldInfo: true})
	if f.ChainedFixups() != nil {
		t.Error("chained fixups walked with SkipDyldInfo set")
	}
	if !f.HasFixups() {
		t.Error("HasFixups() = false, want the command kept")
	}
}

func TestChainedFixupsBadChain(t *testing.T) {
	// the chain starts past the end of the page
	f, _ := chainedFixture(0xffc).open(t)

	errs := f.Errors()
	if len(errs) != 1 || !errors.Is(errs[0], fixupchains.ErrBadChain) {
		t.Fatalf("Errors() = %v, want one ErrBadChain", errs)
	}
	if c := f.ChainedFixups(); c == nil || len(c.Starts) != 1 {
		t.Errorf("start tables should survive a bad chain, got %+v", c)
	}
}
