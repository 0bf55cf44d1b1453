// Package intcbank models the per-bank line registers shared by the
// FTINTC020 and FTINTC030 hardware models: source latching, enables and
// trigger sensitivity. It does no locking; the owning device serializes
// access.
package intcbank

import (
	"fmt"

	"github.com/tinyrange/ftintc/internal/intc"
)

// bankSpan is the size of one register bank, RegSource through RegStatus.
const bankSpan = intc.RegStatus + 4

// Banks holds the line state of one controller.
type Banks struct {
	variant intc.Variant
	lines   uint32

	input []uint32 // wire levels as driven
	src   []uint32 // edge latches and active levels
	en    []uint32
	mode  []uint32
	level []uint32
}

// New allocates line state for lines inputs of a v controller.
func New(v intc.Variant, lines uint32) *Banks {
	n := (lines + 31) / 32
	return &Banks{
		variant: v,
		lines:   lines,
		input:   make([]uint32, n),
		src:     make([]uint32, n),
		en:      make([]uint32, n),
		mode:    make([]uint32, n),
		level:   make([]uint32, n),
	}
}

// Lines returns the number of inputs.
func (b *Banks) Lines() uint32 { return b.lines }

// Count returns the number of banks.
func (b *Banks) Count() uint32 { return uint32(len(b.src)) }

// Reset returns every line to disabled, active-high level sensitivity with
// no latched state. Wire levels are kept.
func (b *Banks) Reset() {
	for i := range b.src {
		b.en[i] = 0
		b.mode[i] = 0
		b.level[i] = 0
		b.src[i] = 0
		b.refresh(uint32(i))
	}
}

// valid masks the bits of bank that correspond to real lines.
func (b *Banks) valid(bank uint32) uint32 {
	first := bank * 32
	if rem := b.lines - first; rem < 32 {
		return (1 << rem) - 1
	}
	return 0xffffffff
}

// Decode maps a register offset to a bank index and a per-bank register.
func (b *Banks) Decode(off uint32) (bank, reg uint32, ok bool) {
	for i := uint32(0); i < b.Count(); i++ {
		base := intc.BankOffset(b.variant, i*32)
		if off >= base && off < base+bankSpan {
			return i, off - base, true
		}
	}
	return 0, 0, false
}

// Read returns a per-bank register.
func (b *Banks) Read(bank, reg uint32) uint32 {
	switch reg {
	case intc.RegSource, intc.RegClear:
		return b.src[bank]
	case intc.RegEnable:
		return b.en[bank]
	case intc.RegMode:
		return b.mode[bank]
	case intc.RegLevel:
		return b.level[bank]
	case intc.RegStatus:
		return b.Status(bank)
	default:
		return 0
	}
}

// Write stores a per-bank register with its side effects.
func (b *Banks) Write(bank, reg, v uint32) {
	v &= b.valid(bank)
	switch reg {
	case intc.RegEnable:
		b.en[bank] = v
	case intc.RegClear:
		// Only edge latches clear; level lines follow the wire.
		b.src[bank] &^= v & b.mode[bank]
	case intc.RegMode:
		// A line switching sensitivity starts with no latched edge.
		b.src[bank] &^= v ^ b.mode[bank]
		b.mode[bank] = v
		b.refresh(bank)
	case intc.RegLevel:
		b.level[bank] = v
		b.refresh(bank)
	}
}

// refresh recomputes the source bits of level-sensitive lines.
func (b *Banks) refresh(bank uint32) {
	active := (b.input[bank] ^ b.level[bank]) &^ b.mode[bank]
	b.src[bank] = (b.src[bank] & b.mode[bank]) | active
}

// SetInput drives a line's wire. Edge lines latch on their configured
// transition; level lines follow the wire.
func (b *Banks) SetInput(line uint32, high bool) {
	if line >= b.lines {
		return
	}
	bank, bit := line/32, uint32(1)<<(line%32)
	prev := b.input[bank]&bit != 0
	if high {
		b.input[bank] |= bit
	} else {
		b.input[bank] &^= bit
	}

	if b.mode[bank]&bit != 0 {
		falling := b.level[bank]&bit != 0
		if (!falling && !prev && high) || (falling && prev && !high) {
			b.src[bank] |= bit
		}
		return
	}
	b.refresh(bank)
}

// Status returns source & enable for bank.
func (b *Banks) Status(bank uint32) uint32 {
	return b.src[bank] & b.en[bank] & b.valid(bank)
}

// AnyStatus reports whether any enabled line is pending.
func (b *Banks) AnyStatus() bool {
	for i := range b.src {
		if b.Status(uint32(i)) != 0 {
			return true
		}
	}
	return false
}

// Offset validates a register access at addr into a region of size bytes at
// base. Only aligned 32-bit accesses are supported.
func Offset(name string, base, size, addr uint64, data []byte) (uint32, error) {
	if addr < base || addr+uint64(len(data)) > base+size {
		return 0, fmt.Errorf("%s: address 0x%x out of bounds", name, addr)
	}
	off := addr - base
	if len(data) != 4 || off%4 != 0 {
		return 0, fmt.Errorf("%s: unsupported %d byte access at offset 0x%x", name, len(data), off)
	}
	return uint32(off), nil
}
