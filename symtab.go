package macho

import (
	"bytes"
	"encoding/binary"

	"github.com/apex/log"
	"github.com/appsworld/go-machodump/types"
	"github.com/pkg/errors"
)

const invalidName = "invalid"

func (p *parser) loadSymtab(c Command) (Load, error) {
	var hdr types.SymtabCmd
	if err := p.read(c, &hdr); err != nil {
		return nil, err
	}

	st := &Symtab{LoadBytes: LoadBytes(c.Data), SymtabCmd: hdr, entSize: types.Nlist32Size}
	if p.f.width == Width64 {
		st.entSize = types.Nlist64Size
	}

	strtab, ok := p.img.Offset(uint64(hdr.Stroff), uint64(hdr.Strsize))
	if ok {
		st.StrtabValid = true
	} else {
		p.fail(formatError(ErrOutOfBounds, c.Offset, "string table outside of image", hdr.Stroff))
	}

	symdat, ok := p.img.Offset(uint64(hdr.Symoff), uint64(hdr.Nsyms)*uint64(st.entSize))
	if !ok {
		return nil, formatError(ErrOutOfBounds, c.Offset, "symbol table outside of image", hdr.Symoff)
	}

	var entries []types.Nlist64
	if p.f.width == Width64 {
		entries = make([]types.Nlist64, hdr.Nsyms)
		if err := binary.Read(bytes.NewReader(symdat), p.bo, entries); err != nil {
			return nil, errors.Wrap(err, "failed to read nlist64")
		}
	} else {
		narrow := make([]types.Nlist32, hdr.Nsyms)
		if err := binary.Read(bytes.NewReader(symdat), p.bo, narrow); err != nil {
			return nil, errors.Wrap(err, "failed to read nlist32")
		}
		entries = make([]types.Nlist64, 0, len(narrow))
		for _, n := range narrow {
			entries = append(entries, n.Widen())
		}
	}

	st.Syms = make([]Symbol, 0, len(entries))
	for i, n := range entries {
		sym := Symbol{
			Name:     invalidName,
			StrIndex: n.Name,
			Type:     n.Type,
			Sect:     n.Sect,
			Desc:     n.Desc,
			Value:    n.Value,
		}
		if st.StrtabValid && n.Name < hdr.Strsize {
			sym.Name = cstring(strtab[n.Name:])
			sym.NameValid = true
		} else if st.StrtabValid {
			p.log.Errorf("symbol %d: string index %#x is outside the string table", i, n.Name)
		}
		p.log.WithFields(log.Fields{
			"name":  sym.Name,
			"sect":  sym.Sect,
			"value": sym.Value,
			"desc":  sym.Desc.String(),
		}).Debug("symbol")
		st.Syms = append(st.Syms, sym)
	}

	p.f.Symtab = st
	return st, nil
}

func (p *parser) loadDysymtab(c Command) (Load, error) {
	if p.f.Symtab == nil {
		return nil, errors.Wrap(ErrMissingPrerequisite, "LC_DYSYMTAB without a loaded LC_SYMTAB")
	}

	var hdr types.DysymtabCmd
	if err := p.read(c, &hdr); err != nil {
		return nil, err
	}

	d := &Dysymtab{LoadBytes: LoadBytes(c.Data), DysymtabCmd: hdr, symtab: p.f.Symtab, log: p.log}

	if hdr.Nindirectsyms > 0 {
		dat, ok := p.img.Offset(uint64(hdr.Indirectsymoff), uint64(hdr.Nindirectsyms)*4)
		if !ok {
			p.fail(formatError(ErrOutOfBounds, c.Offset, "indirect symbol table outside of image", hdr.Indirectsymoff))
		} else {
			d.IndirectSyms = make([]uint32, hdr.Nindirectsyms)
			if err := binary.Read(bytes.NewReader(dat), p.bo, d.IndirectSyms); err != nil {
				return nil, errors.Wrap(err, "failed to read indirect symbol table")
			}
		}
	}

	for _, grp := range []struct {
		name string
		syms []Symbol
	}{
		{"local", d.Locals()},
		{"external defined", d.ExternalDefined()},
		{"external undefined", d.Undefined()},
	} {
		for _, s := range grp.syms {
			p.log.WithFields(log.Fields{"name": s.Name, "sect": s.Sect, "value": s.Value}).Debugf("%s symbol", grp.name)
		}
	}
	p.log.Debugf("tocoff=%#08x ntoc=%#08x modtaboff=%#08x nmodtab=%#08x", hdr.Tocoffset, hdr.Ntoc, hdr.Modtaboff, hdr.Nmodtab)
	p.log.Debugf("extrefsymoff=%#08x nextrefsyms=%#08x indirectsymoff=%#08x nindirectsyms=%#08x", hdr.Extrefsymoff, hdr.Nextrefsyms, hdr.Indirectsymoff, hdr.Nindirectsyms)
	p.log.Debugf("extreloff=%#08x nextrel=%#08x locreloff=%#08x nlocrel=%#08x", hdr.Extreloff, hdr.Nextrel, hdr.Locreloff, hdr.Nlocrel)

	p.f.Dysymtab = d
	return d, nil
}

// Locals returns the local symbols.
func (d *Dysymtab) Locals() []Symbol { return d.symRange(d.Ilocalsym, d.Nlocalsym, "local") }

// ExternalDefined returns the externally defined symbols.
func (d *Dysymtab) ExternalDefined() []Symbol {
	return d.symRange(d.Iextdefsym, d.Nextdefsym, "external defined")
}

// Undefined returns the undefined external symbols.
func (d *Dysymtab) Undefined() []Symbol {
	return d.symRange(d.Iundefsym, d.Nundefsym, "external undefined")
}

func (d *Dysymtab) symRange(start, n uint32, what string) []Symbol {
	syms := d.symtab.Syms
	end := uint64(start) + uint64(n)
	if end > uint64(len(syms)) {
		if d.log != nil {
			d.log.Errorf("%s symbols %d-%d run past the %d entry symbol table", what, start, end, len(syms))
		}
		end = uint64(len(syms))
	}
	if uint64(start) >= end {
		return nil
	}
	return syms[start:end]
}

// IndirectSymbol returns entry i of the indirect symbol table and the name
// it refers to.
func (d *Dysymtab) IndirectSymbol(i uint64) (uint32, string) {
	if i >= uint64(len(d.IndirectSyms)) {
		return 0, invalidName
	}
	v := d.IndirectSyms[i]
	switch v {
	case types.INDIRECT_SYMBOL_LOCAL | types.INDIRECT_SYMBOL_ABS:
		return v, "INDIRECT_SYMBOL_ABS | INDIRECT_SYMBOL_LOCAL"
	case types.INDIRECT_SYMBOL_LOCAL:
		return v, "INDIRECT_SYMBOL_LOCAL"
	case types.INDIRECT_SYMBOL_ABS:
		return v, "INDIRECT_SYMBOL_ABS"
	}
	if uint64(v) >= uint64(len(d.symtab.Syms)) {
		return v, invalidName
	}
	return v, d.symtab.Syms[v].Name
}
