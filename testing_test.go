package macho

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/appsworld/go-machodump/types"
)

// machoBuilder assembles a Mach-O image in memory. Load commands follow the
// header; content is placed at explicit file offsets, which must lie past
// the command area. Every segment maps at base+fileoff, so vm turns a file
// offset into its address.
type machoBuilder struct {
	bo    binary.ByteOrder
	base  uint64
	width Width
	cpu   types.CPU
	ftype types.HeaderFileType
	ncmds uint32
	cmds  bytes.Buffer
	data  []byte
}

type testSection struct {
	name   string
	seg    string
	off    uint32
	size   uint64
	flags  types.SectionFlag
	r1, r2 uint32
}

type testSym struct {
	strx  uint32
	typ   types.NLType
	sect  uint8
	desc  types.NDesc
	value uint64
}

func newBuilder(width Width) *machoBuilder {
	b := &machoBuilder{bo: binary.LittleEndian, base: 0x100000000, width: width, cpu: types.CPUX8664, ftype: types.MH_EXECUTE}
	if width == Width32 {
		b.base = 0x10000
		b.cpu = types.CPUX86
	}
	return b
}

func (b *machoBuilder) vm(off uint32) uint64 { return b.base + uint64(off) }

func (b *machoBuilder) enc(vs ...any) []byte {
	var buf bytes.Buffer
	for _, v := range vs {
		if err := binary.Write(&buf, b.bo, v); err != nil {
			panic(err)
		}
	}
	return buf.Bytes()
}

func (b *machoBuilder) align() int {
	if b.width == Width64 {
		return 8
	}
	return 4
}

// put places p at file offset off.
func (b *machoBuilder) put(off uint32, p []byte) {
	end := int(off) + len(p)
	if end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	copy(b.data[off:], p)
}

// raw appends a command with an exact cmdsize, whatever its body.
func (b *machoBuilder) raw(cmd types.LoadCmd, size uint32, body []byte) {
	b.cmds.Write(b.enc(uint32(cmd), size))
	b.cmds.Write(body)
	b.ncmds++
}

// add appends a full command (header included), padding it to the
// image's command alignment and patching cmdsize.
func (b *machoBuilder) add(full []byte) {
	for len(full)%b.align() != 0 {
		full = append(full, 0)
	}
	b.bo.PutUint32(full[4:], uint32(len(full)))
	b.cmds.Write(full)
	b.ncmds++
}

func name16(s string) (n [16]byte) {
	copy(n[:], s)
	return
}

func (b *machoBuilder) segment(name string, off, size uint32, sects ...testSection) {
	var full []byte
	if b.width == Width64 {
		full = b.enc(types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Name:    name16(name),
			Addr:    b.vm(off),
			Memsz:   uint64(size),
			Offset:  uint64(off),
			Filesz:  uint64(size),
			Maxprot: 7,
			Prot:    5,
			Nsect:   uint32(len(sects)),
		})
		for _, s := range sects {
			full = append(full, b.enc(types.Section64{
				Name:     name16(s.name),
				Seg:      name16(s.seg),
				Addr:     b.vm(s.off),
				Size:     s.size,
				Offset:   s.off,
				Flags:    s.flags,
				Reserve1: s.r1,
				Reserve2: s.r2,
			})...)
		}
	} else {
		full = b.enc(types.Segment32{
			LoadCmd: types.LC_SEGMENT,
			Name:    name16(name),
			Addr:    uint32(b.vm(off)),
			Memsz:   size,
			Offset:  off,
			Filesz:  size,
			Maxprot: 7,
			Prot:    5,
			Nsect:   uint32(len(sects)),
		})
		for _, s := range sects {
			full = append(full, b.enc(types.Section32{
				Name:     name16(s.name),
				Seg:      name16(s.seg),
				Addr:     uint32(b.vm(s.off)),
				Size:     uint32(s.size),
				Offset:   s.off,
				Flags:    s.flags,
				Reserve1: s.r1,
				Reserve2: s.r2,
			})...)
		}
	}
	b.add(full)
}

// symtab writes the symbol and string tables at the given offsets and
// appends the LC_SYMTAB pointing at them.
func (b *machoBuilder) symtab(symoff uint32, syms []testSym, stroff uint32, strtab []byte) {
	var ents []byte
	for _, s := range syms {
		if b.width == Width64 {
			ents = append(ents, b.enc(types.Nlist64{Name: s.strx, Type: s.typ, Sect: s.sect, Desc: s.desc, Value: s.value})...)
		} else {
			ents = append(ents, b.enc(types.Nlist32{Name: s.strx, Type: s.typ, Sect: s.sect, Desc: s.desc, Value: uint32(s.value)})...)
		}
	}
	b.put(symoff, ents)
	b.put(stroff, strtab)
	b.add(b.enc(types.SymtabCmd{
		LoadCmd: types.LC_SYMTAB,
		Symoff:  symoff,
		Nsyms:   uint32(len(syms)),
		Stroff:  stroff,
		Strsize: uint32(len(strtab)),
	}))
}

func (b *machoBuilder) dysymtab(hdr types.DysymtabCmd, indirect []uint32) {
	hdr.LoadCmd = types.LC_DYSYMTAB
	hdr.Nindirectsyms = uint32(len(indirect))
	if len(indirect) > 0 {
		b.put(hdr.Indirectsymoff, b.enc(indirect))
	}
	b.add(b.enc(hdr))
}

func (b *machoBuilder) dylib(cmd types.LoadCmd, name string) {
	full := b.enc(types.DylibCmd{LoadCmd: cmd, Name: 24, Time: 2, CurrentVersion: 0x10000, CompatVersion: 0x10000})
	full = append(full, name...)
	full = append(full, 0)
	b.add(full)
}

func (b *machoBuilder) dyldInfo(hdr types.DyldInfoCmd) {
	hdr.LoadCmd = types.LC_DYLD_INFO_ONLY
	b.add(b.enc(hdr))
}

func (b *machoBuilder) linkedit(cmd types.LoadCmd, off uint32, p []byte) {
	b.put(off, p)
	b.add(b.enc(types.LinkEditDataCmd{LoadCmd: cmd, Offset: off, Size: uint32(len(p))}))
}

func (b *machoBuilder) bytes() []byte {
	magic := types.Magic32
	hdrSize := types.FileHeaderSize32
	if b.width == Width64 {
		magic = types.Magic64
		hdrSize = types.FileHeaderSize64
	}
	hdr := b.enc(uint32(magic), uint32(b.cpu), uint32(3), uint32(b.ftype), b.ncmds, uint32(b.cmds.Len()), uint32(0))
	if b.width == Width64 {
		hdr = append(hdr, 0, 0, 0, 0)
	}

	img := append(hdr[:hdrSize:hdrSize], b.cmds.Bytes()...)
	if len(b.data) > len(img) {
		img = append(img, b.data[len(img):]...)
	}
	return img
}

// open parses the built image with every diagnostic captured.
func (b *machoBuilder) open(t *testing.T, cfg ...FileConfig) (*File, *memory.Handler) {
	t.Helper()
	h := memory.New()
	var c FileConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	c.Logger = &log.Logger{Handler: h, Level: log.DebugLevel}
	f, err := NewFile(bytes.NewReader(b.bytes()), c)
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}
	return f, h
}

// standard lays out __TEXT [0x0, 0x2000), __DATA [0x2000, 0x3000) and
// __LINKEDIT [0x3000, 0x4000) with the given sections.
func (b *machoBuilder) standard(text, data []testSection) {
	b.segment("__TEXT", 0, 0x2000, text...)
	b.segment("__DATA", 0x2000, 0x1000, data...)
	b.segment("__LINKEDIT", 0x3000, 0x1000)
	b.put(0x3fff, []byte{0})
}

func countLevel(h *memory.Handler, lvl log.Level) int {
	var n int
	for _, e := range h.Entries {
		if e.Level == lvl {
			n++
		}
	}
	return n
}
