package fixupchains

import (
	"fmt"

	"github.com/appsworld/go-machodump/types"
)

// Kind tells rebase slots from bind slots.
type Kind uint8

const (
	Rebase Kind = iota
	Bind
)

func (k Kind) String() string {
	if k == Bind {
		return "bind"
	}
	return "rebase"
}

// A Fixup is one slot of a chain.
type Fixup struct {
	Kind    Kind
	Format  types.DCPtrKind
	Segment int
	// Offset is the slot's distance from the image base.
	Offset     uint64
	FileOffset uint64
	Raw        uint64
	// Target is the rebased address for rebases.
	Target uint64
	High8  uint64
	// Auth is set for arm64e pointers signed at load time.
	Auth      bool
	Key       string
	Diversity uint16
	AddrDiv   bool
	// Ordinal indexes the imports table for binds.
	Ordinal uint64
	Import  string
	Dylib   string
	Addend  int64
}

func (f Fixup) String() string {
	var auth string
	if f.Auth {
		auth = fmt.Sprintf(" auth(key=%s div=%#04x addr=%t)", f.Key, f.Diversity, f.AddrDiv)
	}
	if f.Kind == Bind {
		var addend string
		if f.Addend != 0 {
			addend = fmt.Sprintf(" + %#x", f.Addend)
		}
		return fmt.Sprintf("%#08x bind   %-16s %s%s%s", f.Offset, f.Dylib, f.Import, addend, auth)
	}
	return fmt.Sprintf("%#08x rebase %#016x%s", f.Offset, f.Target, auth)
}

func bit(v uint64, n int) bool { return types.ExtractBits(v, n, 1) == 1 }

// signExtend widens the low width bits of v as a two's complement value.
func signExtend(v uint64, width int) int64 {
	shift := 64 - width
	return int64(v<<shift) >> shift
}

// decode unpacks raw and returns the slot and its next field in strides.
func decode(format types.DCPtrKind, raw, base uint64) (Fixup, uint64) {
	f := Fixup{Format: format, Raw: raw}
	x := types.ExtractBits

	switch format {
	case types.DYLD_CHAINED_PTR_32:
		if bit(raw, 31) {
			f.Kind = Bind
			f.Ordinal = x(raw, 0, 20)
			f.Addend = int64(x(raw, 20, 6))
		} else {
			f.Target = x(raw, 0, 26)
		}
		return f, x(raw, 26, 5)
	case types.DYLD_CHAINED_PTR_32_CACHE:
		f.Target = base + x(raw, 0, 30)
		return f, x(raw, 30, 2)
	case types.DYLD_CHAINED_PTR_32_FIRMWARE:
		f.Target = x(raw, 0, 26)
		return f, x(raw, 26, 6)

	case types.DYLD_CHAINED_PTR_64, types.DYLD_CHAINED_PTR_64_OFFSET:
		if bit(raw, 63) {
			f.Kind = Bind
			f.Ordinal = x(raw, 0, 24)
			f.Addend = int64(x(raw, 24, 8))
		} else {
			f.High8 = x(raw, 36, 8)
			f.Target = x(raw, 0, 36)
			if format == types.DYLD_CHAINED_PTR_64_OFFSET {
				f.Target += base
			}
			f.Target |= f.High8 << 56
		}
		return f, x(raw, 51, 12)

	case types.DYLD_CHAINED_PTR_64_KERNEL_CACHE, types.DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE:
		f.Target = base + x(raw, 0, 30)
		if bit(raw, 63) {
			f.Auth = true
			f.Diversity = uint16(x(raw, 32, 16))
			f.AddrDiv = bit(raw, 48)
			f.Key = types.KeyName(x(raw, 49, 2))
		}
		return f, x(raw, 51, 12)
	}

	// arm64e family
	f.Auth = bit(raw, 63)
	ordinalBits := 16
	if format == types.DYLD_CHAINED_PTR_ARM64E_USERLAND24 {
		ordinalBits = 24
	}
	switch {
	case bit(raw, 62):
		f.Kind = Bind
		f.Ordinal = x(raw, 0, ordinalBits)
		if !f.Auth {
			f.Addend = signExtend(x(raw, 32, 19), 19)
		}
	case f.Auth:
		f.Target = base + x(raw, 0, 32)
	default:
		f.High8 = x(raw, 43, 8)
		f.Target = x(raw, 0, 43)
		if format != types.DYLD_CHAINED_PTR_ARM64E && format != types.DYLD_CHAINED_PTR_ARM64E_FIRMWARE {
			f.Target += base
		}
		f.Target |= f.High8 << 56
	}
	if f.Auth {
		f.Diversity = uint16(x(raw, 32, 16))
		f.AddrDiv = bit(raw, 48)
		f.Key = types.KeyName(x(raw, 49, 2))
	}
	return f, x(raw, 51, 11)
}
