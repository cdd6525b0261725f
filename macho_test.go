package macho

import (
	"strings"
	"testing"
)

func TestProgramCounter(t *testing.T) {
	tests := []struct {
		name string
		regs RegisterState
		want uint64
	}{
		{"i386", Regs386{IP: 0x1f00}, 0x1f00},
		{"x86_64", RegsAMD64{IP: 0x100001f00}, 0x100001f00},
		{"arm", RegsARM{PC: 0xc000}, 0xc000},
		{"arm64", RegsARM64{PC: 0x100007f00}, 0x100007f00},
		{"arm exception", ArmExceptionState{}, 0},
		{"arm64 exception", ArmExceptionState64{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.regs.ProgramCounter(); got != tt.want {
				t.Errorf("ProgramCounter() = %#x, want %#x", got, tt.want)
			}
			if s := tt.regs.String(2); !strings.HasPrefix(s, "  ") {
				t.Errorf("String(2) = %q, want padded output", s)
			}
		})
	}
}
