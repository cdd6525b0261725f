package macho

import (
	"bytes"
	"encoding/binary"

	"github.com/apex/log"
	"github.com/appsworld/go-machodump/types"
)

// A ThreadState is one flavor of an LC_THREAD or LC_UNIXTHREAD command.
// Regs is nil when the flavor is not one this package decodes; Data always
// holds the raw state.
type ThreadState struct {
	Flavor uint32
	Count  uint32 // in 32-bit words
	Regs   RegisterState
	Data   []byte
}

func (p *parser) loadThread(c Command) (Load, error) {
	var hdr types.ThreadCmd
	if err := p.read(c, &hdr); err != nil {
		return nil, err
	}
	t := &Thread{LoadBytes: LoadBytes(c.Data), LoadCmd: hdr.LoadCmd, Len: hdr.Len}

	body := c.Data[types.LoadCmdHeaderSize:]
	for len(body) >= 8 {
		flavor := p.bo.Uint32(body)
		count := p.bo.Uint32(body[4:])
		size := uint64(count) * 4
		if size > uint64(len(body)-8) {
			p.fail(formatError(ErrOutOfBounds, c.Offset, "thread state runs past end of command", flavor))
			break
		}
		ts := ThreadState{Flavor: flavor, Count: count, Data: body[8 : 8+size]}
		ts.Regs = p.registers(flavor, ts.Data, true)

		l := p.log.WithFields(log.Fields{"flavor": flavor, "count": count})
		if ts.Regs != nil {
			l.Debugf("thread state\n%s", ts.Regs.String(4))
		} else {
			l.Debug("undecoded thread state flavor")
		}
		t.States = append(t.States, ts)
		body = body[8+size:]
	}

	return t, nil
}

// registers decodes one flavor for the image's cpu. The generic flavors
// carry a nested flavor/count header and are unwrapped once.
func (p *parser) registers(flavor uint32, data []byte, unwrap bool) RegisterState {
	var regs RegisterState
	switch p.f.arch {
	case ArchARM:
		switch flavor {
		case ARMThreadState, ARMThreadState32:
			regs = new(RegsARM)
		case ARMExceptionState:
			regs = new(ArmExceptionState)
		}
	case ArchARM64:
		switch flavor {
		case ARMThreadState64:
			regs = new(RegsARM64)
		case ARMThreadState32:
			regs = new(RegsARM)
		case ARMExceptionState64:
			regs = new(ArmExceptionState64)
		case ARMThreadState:
			if unwrap {
				return p.nested(data)
			}
		}
	case ArchX86:
		if flavor == X86ThreadState32 {
			regs = new(Regs386)
		}
	case ArchX86_64:
		switch flavor {
		case X86ThreadState64:
			regs = new(RegsAMD64)
		case X86ThreadState32:
			regs = new(Regs386)
		case X86ThreadState:
			if unwrap {
				return p.nested(data)
			}
		}
	}
	if regs == nil {
		return nil
	}
	if err := binary.Read(bytes.NewReader(data), p.bo, regs); err != nil {
		p.log.WithField("flavor", flavor).Warn("thread state too small for its flavor")
		return nil
	}
	// binary.Read fills the pointer; hand back the value.
	switch r := regs.(type) {
	case *RegsARM:
		return *r
	case *RegsARM64:
		return *r
	case *Regs386:
		return *r
	case *RegsAMD64:
		return *r
	case *ArmExceptionState:
		return *r
	case *ArmExceptionState64:
		return *r
	}
	return regs
}

func (p *parser) nested(data []byte) RegisterState {
	if len(data) < 8 {
		return nil
	}
	return p.registers(p.bo.Uint32(data), data[8:], false)
}

// ThreadState returns every thread state of the LC_THREAD and
// LC_UNIXTHREAD commands, in command order.
func (f *File) ThreadState() []ThreadState {
	var states []ThreadState
	for _, l := range f.Loads {
		if t, ok := l.(*Thread); ok {
			states = append(states, t.States...)
		}
	}
	return states
}
