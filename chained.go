package macho

import (
	"github.com/appsworld/go-machodump/pkg/fixupchains"
	"github.com/appsworld/go-machodump/types"
	"github.com/pkg/errors"
)

// walkChainedFixups decodes the first LC_DYLD_CHAINED_FIXUPS payload.
func (p *parser) walkChainedFixups() {
	if len(p.chainedLC) == 0 {
		return
	}
	if len(p.chainedLC) > 1 {
		p.log.Warnf("found %d LC_DYLD_CHAINED_FIXUPS commands, only the first is walked", len(p.chainedLC))
	}
	l := p.chainedLC[0]
	data, ok := p.stream("chained fixups", l.Offset, l.Size)
	if !ok {
		return
	}
	chains, err := p.f.chainWalker().Parse(data)
	p.f.chains = chains
	if err != nil {
		p.fail(errors.Wrap(err, "failed to walk chained fixups"))
	}
}

func (f *File) chainWalker() *fixupchains.Walker {
	base := f.BaseAddress()
	return &fixupchains.Walker{
		Image:     f.img,
		ByteOrder: f.ByteOrder,
		Base:      base,
		FileOffset: func(vmOff uint64) (uint64, bool) {
			return f.OffsetFromRVA(base + vmOff)
		},
		Resolver: f,
		Logger:   f.log,
	}
}

// ChainedFixups returns the decoded LC_DYLD_CHAINED_FIXUPS payload, or nil
// when the image has none or dyld info interpretation was skipped.
func (f *File) ChainedFixups() *fixupchains.Chains { return f.chains }

// HasFixups reports whether the image carries chained fixups.
func (f *File) HasFixups() bool {
	return f.linkEdit(types.LC_DYLD_CHAINED_FIXUPS) != nil
}
