package macho

import (
	"github.com/appsworld/go-machodump/internal/image"
	"github.com/appsworld/go-machodump/pkg/dyldinfo"
	"github.com/appsworld/go-machodump/pkg/trie"
	"github.com/appsworld/go-machodump/types"
	"github.com/pkg/errors"
)

func (p *parser) loadDyldInfo(c Command) (Load, error) {
	var hdr types.DyldInfoCmd
	if err := p.read(c, &hdr); err != nil {
		return nil, err
	}
	l := &DyldInfo{LoadBytes: LoadBytes(c.Data), DyldInfoCmd: hdr}
	p.dyldInfo = append(p.dyldInfo, l)
	return l, nil
}

// stream returns the blob at [off, off+size). An empty stream is not an
// error; a stream outside the image is.
func (p *parser) stream(name string, off, size uint32) ([]byte, bool) {
	if size == 0 {
		return nil, false
	}
	b, ok := p.img.Offset(uint64(off), uint64(size))
	if !ok {
		p.fail(formatError(ErrOutOfBounds, uint64(off), name+" stream outside of image", size))
		return nil, false
	}
	return b, true
}

// interpretDyldInfo runs the rebase, bind and export decoders over every
// dyld info command and every standalone exports trie.
func (p *parser) interpretDyldInfo() {
	f := p.f
	in := &dyldinfo.Interpreter{
		PointerSize: f.PointerSize(),
		Resolver:    f,
		Logger:      p.log,
	}

	for _, di := range p.dyldInfo {
		if b, ok := p.stream("rebase", di.RebaseOff, di.RebaseSize); ok {
			recs, err := in.Rebase(b)
			f.rebases = append(f.rebases, recs...)
			if err != nil {
				p.fail(errors.Wrap(err, "failed to interpret rebase info"))
			}
		}
		for _, s := range []struct {
			name string
			off  uint32
			size uint32
			run  func([]byte) ([]dyldinfo.Bind, error)
			dst  *[]dyldinfo.Bind
		}{
			{"bind", di.BindOff, di.BindSize, in.Bind, &f.binds},
			{"weak bind", di.WeakBindOff, di.WeakBindSize, in.WeakBind, &f.weakBinds},
			{"lazy bind", di.LazyBindOff, di.LazyBindSize, in.LazyBind, &f.lazyBinds},
		} {
			b, ok := p.stream(s.name, s.off, s.size)
			if !ok {
				continue
			}
			recs, err := s.run(b)
			*s.dst = append(*s.dst, recs...)
			if err != nil {
				p.fail(errors.Wrapf(err, "failed to interpret %s info", s.name))
			}
		}
		if b, ok := p.stream("export", di.ExportOff, di.ExportSize); ok {
			p.exportTrie(b)
		}
	}

	for _, l := range p.exportLC {
		if b, ok := p.stream("exports trie", l.Offset, l.Size); ok {
			p.exportTrie(b)
		}
	}
}

func (p *parser) exportTrie(b []byte) {
	entries, err := trie.ParseTrie(b, p.f.BaseAddress())
	for _, e := range entries {
		p.log.Debugf("export: %s", e)
	}
	p.f.exports = append(p.f.exports, entries...)
	if err != nil {
		p.fail(errors.Wrap(err, "failed to parse export trie"))
	}
}

// Rebases returns the decoded rebase records.
func (f *File) Rebases() []dyldinfo.Rebase { return f.rebases }

// Binds returns the decoded bind records.
func (f *File) Binds() []dyldinfo.Bind { return f.binds }

// WeakBinds returns the decoded weak bind records.
func (f *File) WeakBinds() []dyldinfo.Bind { return f.weakBinds }

// LazyBinds returns the decoded lazy bind records.
func (f *File) LazyBinds() []dyldinfo.Bind { return f.lazyBinds }

// Exports returns the exported symbols of the dyld info and exports trie
// commands, in trie order.
func (f *File) Exports() []trie.TrieEntry { return f.exports }

// exportData returns the first export trie of the image.
func (f *File) exportData() ([]byte, error) {
	if di := f.DyldInfo(); di != nil && di.ExportSize > 0 {
		if b, ok := f.img.Offset(uint64(di.ExportOff), uint64(di.ExportSize)); ok {
			return b, nil
		}
		return nil, formatError(ErrOutOfBounds, uint64(di.ExportOff), "export stream outside of image", di.ExportSize)
	}
	if l := f.linkEdit(types.LC_DYLD_EXPORTS_TRIE); l != nil {
		if b, ok := f.img.Offset(uint64(l.Offset), uint64(l.Size)); ok {
			return b, nil
		}
		return nil, formatError(ErrOutOfBounds, uint64(l.Offset), "exports trie outside of image", l.Size)
	}
	return nil, errors.Wrap(ErrMissingPrerequisite, "macho does not contain an export trie")
}

// ExportAddress looks up one exported symbol in the export trie without
// decoding the whole trie.
func (f *File) ExportAddress(symbol string) (uint64, error) {
	data, err := f.exportData()
	if err != nil {
		return 0, err
	}
	off, err := trie.WalkTrie(data, symbol)
	if err != nil {
		return 0, errors.Wrapf(err, "symbol %s not found in export trie", symbol)
	}
	r := image.NewCursor(data, f.ByteOrder)
	if err := r.Seek(int(off)); err != nil {
		return 0, err
	}
	flags, err := trie.ReadUleb128(r)
	if err != nil {
		return 0, err
	}
	fl := types.ExportFlag(flags)
	if fl.ReExport() {
		return 0, errors.Errorf("symbol %s is re-exported", symbol)
	}
	addr, err := trie.ReadUleb128(r)
	if err != nil {
		return 0, err
	}
	if fl.Absolute() {
		return addr, nil
	}
	return f.BaseAddress() + addr, nil
}
