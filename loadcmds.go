package macho

import (
	"bytes"
	"encoding/binary"

	"github.com/apex/log"
	"github.com/appsworld/go-machodump/internal/image"
	"github.com/appsworld/go-machodump/types"
	"github.com/pkg/errors"
)

// parser is the state of one parse. It is built fresh for every image and
// never shared.
type parser struct {
	f   *File
	img *image.Image
	bo  binary.ByteOrder
	log log.Interface

	// decoded in the first pass, keyed by command offset
	preloaded map[uint64]Load
	dyldInfo  []*DyldInfo
	exportLC  []*LinkEditData
	chainedLC []*LinkEditData
}

func newParser(f *File) *parser {
	return &parser{
		f:         f,
		img:       f.img,
		bo:        f.ByteOrder,
		log:       f.log,
		preloaded: make(map[uint64]Load),
	}
}

type loadHandler func(p *parser, c Command) (Load, error)

var loadHandlers = map[types.LoadCmd]loadHandler{
	types.LC_SEGMENT:    (*parser).loadSegment,
	types.LC_SEGMENT_64: (*parser).loadSegment,
	types.LC_SYMTAB:     (*parser).loadSymtab,
	types.LC_DYSYMTAB:   (*parser).loadDysymtab,

	types.LC_LOAD_DYLIB:        (*parser).loadDylib,
	types.LC_LOAD_WEAK_DYLIB:   (*parser).loadDylib,
	types.LC_REEXPORT_DYLIB:    (*parser).loadDylib,
	types.LC_LAZY_LOAD_DYLIB:   (*parser).loadDylib,
	types.LC_LOAD_UPWARD_DYLIB: (*parser).loadDylib,
	types.LC_ID_DYLIB:          (*parser).loadDylibID,

	types.LC_THREAD:     (*parser).loadThread,
	types.LC_UNIXTHREAD: (*parser).loadThread,

	types.LC_DYLD_INFO:      (*parser).loadDyldInfo,
	types.LC_DYLD_INFO_ONLY: (*parser).loadDyldInfo,

	types.LC_ENCRYPTION_INFO:    (*parser).loadEncryptionInfo,
	types.LC_ENCRYPTION_INFO_64: (*parser).loadEncryptionInfo,
	types.LC_ROUTINES:           (*parser).loadRoutines,
	types.LC_ROUTINES_64:        (*parser).loadRoutines,
	types.LC_MAIN:               (*parser).loadEntryPoint,
	types.LC_UUID:               (*parser).loadUUID,

	types.LC_FUNCTION_STARTS:          (*parser).loadLinkEdit,
	types.LC_DATA_IN_CODE:             (*parser).loadLinkEdit,
	types.LC_CODE_SIGNATURE:           (*parser).loadLinkEdit,
	types.LC_SEGMENT_SPLIT_INFO:       (*parser).loadLinkEdit,
	types.LC_DYLIB_CODE_SIGN_DRS:      (*parser).loadLinkEdit,
	types.LC_LINKER_OPTIMIZATION_HINT: (*parser).loadLinkEdit,
	types.LC_DYLD_EXPORTS_TRIE:        (*parser).loadLinkEdit,
	types.LC_DYLD_CHAINED_FIXUPS:      (*parser).loadLinkEdit,

	types.LC_RPATH:            (*parser).loadString,
	types.LC_LOAD_DYLINKER:    (*parser).loadString,
	types.LC_ID_DYLINKER:      (*parser).loadString,
	types.LC_DYLD_ENVIRONMENT: (*parser).loadString,
	types.LC_SUB_FRAMEWORK:    (*parser).loadString,
	types.LC_SUB_CLIENT:       (*parser).loadString,
	types.LC_SUB_UMBRELLA:     (*parser).loadString,
	types.LC_SUB_LIBRARY:      (*parser).loadString,

	types.LC_SOURCE_VERSION:       (*parser).loadSourceVersion,
	types.LC_VERSION_MIN_MACOSX:   (*parser).loadVersionMin,
	types.LC_VERSION_MIN_IPHONEOS: (*parser).loadVersionMin,
	types.LC_VERSION_MIN_TVOS:     (*parser).loadVersionMin,
	types.LC_VERSION_MIN_WATCHOS:  (*parser).loadVersionMin,
	types.LC_BUILD_VERSION:        (*parser).loadBuildVersion,

	types.LC_SYMSEG:         (*parser).loadRaw,
	types.LC_IDENT:          (*parser).loadRaw,
	types.LC_IDFVMLIB:       (*parser).loadRaw,
	types.LC_LOADFVMLIB:     (*parser).loadRaw,
	types.LC_FVMFILE:        (*parser).loadRaw,
	types.LC_PREPAGE:        (*parser).loadRaw,
	types.LC_PREBOUND_DYLIB: (*parser).loadRaw,
	types.LC_TWOLEVEL_HINTS: (*parser).loadRaw,
	types.LC_PREBIND_CKSUM:  (*parser).loadRaw,
	types.LC_LINKER_OPTION:  (*parser).loadRaw,
	types.LC_NOTE:           (*parser).loadRaw,
	types.LC_FILESET_ENTRY:  (*parser).loadRaw,
}

// fail records a recoverable error at error level.
func (p *parser) fail(err error) {
	p.log.WithError(err).Error("parse step failed")
	p.f.errs = append(p.f.errs, err)
}

// tolerate records a recoverable error at warn level.
func (p *parser) tolerate(err error) {
	p.log.Warn(err.Error())
	p.f.errs = append(p.f.errs, err)
}

// commands enumerates the load commands. A command that cannot be sized
// ends the walk; a misaligned one is skipped.
func (p *parser) commands() []Command {
	var cmds []Command

	align := uint32(4)
	if p.f.width == Width64 {
		align = 8
	}

	off := p.f.headerSize()
	for i := uint32(0); i < p.f.NCommands; i++ {
		b, ok := p.img.Offset(off, types.LoadCmdHeaderSize)
		if !ok {
			p.fail(formatError(ErrOutOfBounds, off, "load command header outside of image", i))
			break
		}
		cmd := types.LoadCmd(p.bo.Uint32(b))
		siz := p.bo.Uint32(b[4:])
		if siz < types.LoadCmdHeaderSize {
			p.fail(formatError(ErrOutOfBounds, off, "invalid command block size", siz))
			break
		}
		data, ok := p.img.Offset(off, uint64(siz))
		if !ok {
			p.fail(formatError(ErrOutOfBounds, off, "command block extends past end of image", cmd))
			break
		}
		if siz%align != 0 {
			p.tolerate(formatError(ErrMisalignedCommand, off, "skipping misaligned command", cmd))
			off += uint64(siz)
			continue
		}
		cmds = append(cmds, Command{Cmd: cmd, Offset: off, Data: data})
		off += uint64(siz)
	}

	if end := p.f.headerSize() + uint64(p.f.SizeCommands); off > end {
		p.log.WithFields(log.Fields{"sizeofcmds": p.f.SizeCommands, "walked": off - p.f.headerSize()}).Warn("load commands overrun sizeofcmds")
	}

	return cmds
}

// run walks the load commands twice. The first pass loads the symbol
// tables so section decoders can resolve indirect symbols whatever the
// command order; the second pass decodes everything else. Section
// contents are decoded once every segment is known so pointers into later
// segments translate, and dyld info and fixup chains are interpreted last
// so ordinal names see every dylib.
func (p *parser) run() {
	cmds := p.commands()

	for _, kind := range []types.LoadCmd{types.LC_SYMTAB, types.LC_DYSYMTAB} {
		for _, c := range cmds {
			if c.Cmd == kind {
				p.preloaded[c.Offset] = p.decode(c)
			}
		}
	}

	for _, c := range cmds {
		l, ok := p.preloaded[c.Offset]
		if !ok {
			l = p.decode(c)
		}
		p.f.Loads = append(p.f.Loads, l)

		if h := p.f.cfg.Handlers[c.Cmd]; h != nil {
			cpy := Command{Cmd: c.Cmd, Offset: c.Offset, Data: append([]byte(nil), c.Data...)}
			if err := h(p.f, cpy); err != nil {
				p.fail(errors.Wrapf(err, "%s handler failed at offset %#x", c.Cmd, c.Offset))
			}
		}
	}

	for _, sec := range p.f.Sections {
		p.decodeSection(sec)
	}

	if !p.f.cfg.SkipDyldInfo {
		p.interpretDyldInfo()
		p.walkChainedFixups()
	}
}

func (p *parser) decode(c Command) Load {
	raw := LoadCmdBytes{LoadCmd: c.Cmd, LoadBytes: LoadBytes(c.Data)}

	h, ok := loadHandlers[c.Cmd]
	if !ok {
		p.log.Warnf("found NEW load command: %s (%#x) at offset %#x", c.Cmd, uint32(c.Cmd), c.Offset)
		return raw
	}
	l, err := h(p, c)
	if err != nil {
		p.fail(errors.Wrapf(err, "failed to read %s", c.Cmd))
		return raw
	}
	if l == nil {
		return raw
	}
	return l
}

// read decodes the fixed prefix of a command.
func (p *parser) read(c Command, v any) error {
	if err := binary.Read(bytes.NewReader(c.Data), p.bo, v); err != nil {
		return formatError(ErrOutOfBounds, c.Offset, "command too small", c.Cmd)
	}
	return nil
}

// str reads the lc_str at a command relative offset.
func (p *parser) str(c Command, off uint32) (string, error) {
	if off >= uint32(len(c.Data)) {
		return "", formatError(ErrOutOfBounds, c.Offset, "invalid name offset", off)
	}
	return cstring(c.Data[off:]), nil
}

func (p *parser) loadRaw(c Command) (Load, error) {
	p.log.WithField("cmd", c.Cmd.String()).Debug("acknowledged")
	return LoadCmdBytes{LoadCmd: c.Cmd, LoadBytes: LoadBytes(c.Data)}, nil
}

/*******************************************************************************
 * Dylibs
 *******************************************************************************/

func (p *parser) loadDylib(c Command) (Load, error) {
	var hdr types.DylibCmd
	if err := p.read(c, &hdr); err != nil {
		return nil, err
	}
	name, err := p.str(c, hdr.Name)
	if err != nil {
		return nil, err
	}
	l := &Dylib{LoadBytes: LoadBytes(c.Data), DylibCmd: hdr, Name: name}
	p.f.dylibs = append(p.f.dylibs, l)
	l.Ordinal = len(p.f.dylibs)

	p.log.WithFields(log.Fields{
		"name":    name,
		"tstamp":  hdr.Time,
		"version": hdr.CurrentVersion,
		"compat":  hdr.CompatVersion,
		"ordinal": l.Ordinal,
	}).Debug("imported library")
	return l, nil
}

func (p *parser) loadDylibID(c Command) (Load, error) {
	var hdr types.DylibCmd
	if err := p.read(c, &hdr); err != nil {
		return nil, err
	}
	name, err := p.str(c, hdr.Name)
	if err != nil {
		return nil, err
	}
	p.log.WithField("name", name).Debug("current library")
	return &DylibID{LoadBytes: LoadBytes(c.Data), DylibCmd: hdr, Name: name}, nil
}

/*******************************************************************************
 * Simple commands
 *******************************************************************************/

func (p *parser) loadString(c Command) (Load, error) {
	var hdr types.StringCmd
	if err := p.read(c, &hdr); err != nil {
		return nil, err
	}
	s, err := p.str(c, hdr.Offset)
	if err != nil {
		return nil, err
	}
	return &StringLoad{LoadBytes: LoadBytes(c.Data), StringCmd: hdr, Value: s}, nil
}

func (p *parser) loadUUID(c Command) (Load, error) {
	var hdr types.UUIDCmd
	if err := p.read(c, &hdr); err != nil {
		return nil, err
	}
	return &UUID{LoadBytes: LoadBytes(c.Data), UUIDCmd: hdr}, nil
}

func (p *parser) loadLinkEdit(c Command) (Load, error) {
	var hdr types.LinkEditDataCmd
	if err := p.read(c, &hdr); err != nil {
		return nil, err
	}
	blob, ok := p.img.Offset(uint64(hdr.Offset), uint64(hdr.Size))
	if !ok {
		return nil, formatError(ErrOutOfBounds, c.Offset, "linkedit data outside of image", c.Cmd)
	}
	p.logLinkEdit(c.Cmd, blob)
	l := &LinkEditData{LoadBytes: LoadBytes(c.Data), LinkEditDataCmd: hdr}
	switch c.Cmd {
	case types.LC_DYLD_EXPORTS_TRIE:
		p.exportLC = append(p.exportLC, l)
	case types.LC_DYLD_CHAINED_FIXUPS:
		p.chainedLC = append(p.chainedLC, l)
	}
	return l, nil
}

func (p *parser) loadEncryptionInfo(c Command) (Load, error) {
	l := &EncryptionInfo{LoadBytes: LoadBytes(c.Data)}
	if c.Cmd == types.LC_ENCRYPTION_INFO_64 {
		var hdr types.EncryptionInfo64Cmd
		if err := p.read(c, &hdr); err != nil {
			return nil, err
		}
		l.LoadCmd, l.Len, l.Offset, l.Size, l.CryptID = hdr.LoadCmd, hdr.Len, hdr.Offset, hdr.Size, hdr.CryptID
	} else {
		var hdr types.EncryptionInfoCmd
		if err := p.read(c, &hdr); err != nil {
			return nil, err
		}
		l.LoadCmd, l.Len, l.Offset, l.Size, l.CryptID = hdr.LoadCmd, hdr.Len, hdr.Offset, hdr.Size, hdr.CryptID
	}
	p.log.Debugf("cryptoff = %#08x cryptsize = %#08x cryptid = %#08x", l.Offset, l.Size, uint32(l.CryptID))
	return l, nil
}

func (p *parser) loadRoutines(c Command) (Load, error) {
	l := &Routines{LoadBytes: LoadBytes(c.Data)}
	if c.Cmd == types.LC_ROUTINES_64 {
		var hdr types.Routines64Cmd
		if err := p.read(c, &hdr); err != nil {
			return nil, err
		}
		l.LoadCmd, l.Len, l.InitAddress, l.InitModule = hdr.LoadCmd, hdr.Len, hdr.InitAddress, hdr.InitModule
	} else {
		var hdr types.RoutinesCmd
		if err := p.read(c, &hdr); err != nil {
			return nil, err
		}
		l.LoadCmd, l.Len = hdr.LoadCmd, hdr.Len
		l.InitAddress, l.InitModule = uint64(hdr.InitAddress), uint64(hdr.InitModule)
	}
	return l, nil
}

func (p *parser) loadEntryPoint(c Command) (Load, error) {
	var hdr types.EntryPointCmd
	if err := p.read(c, &hdr); err != nil {
		return nil, err
	}
	p.log.Debugf("entryoff=%#016x stacksize=%#016x", hdr.Offset, hdr.StackSize)
	return &EntryPoint{LoadBytes: LoadBytes(c.Data), EntryPointCmd: hdr}, nil
}

func (p *parser) loadSourceVersion(c Command) (Load, error) {
	var hdr types.SourceVersionCmd
	if err := p.read(c, &hdr); err != nil {
		return nil, err
	}
	return &SourceVersion{LoadBytes: LoadBytes(c.Data), SourceVersionCmd: hdr}, nil
}

func (p *parser) loadVersionMin(c Command) (Load, error) {
	var hdr types.VersionMinCmd
	if err := p.read(c, &hdr); err != nil {
		return nil, err
	}
	return &VersionMin{LoadBytes: LoadBytes(c.Data), VersionMinCmd: hdr}, nil
}

func (p *parser) loadBuildVersion(c Command) (Load, error) {
	var hdr types.BuildVersionCmd
	r := bytes.NewReader(c.Data)
	if err := binary.Read(r, p.bo, &hdr); err != nil {
		return nil, formatError(ErrOutOfBounds, c.Offset, "command too small", c.Cmd)
	}
	l := &BuildVersion{LoadBytes: LoadBytes(c.Data), BuildVersionCmd: hdr}
	for i := uint32(0); i < hdr.NumTools; i++ {
		var tool types.BuildToolVersion
		if err := binary.Read(r, p.bo, &tool); err != nil {
			return nil, formatError(ErrOutOfBounds, c.Offset, "truncated build tool list", i)
		}
		l.Tools = append(l.Tools, tool)
	}
	return l, nil
}
