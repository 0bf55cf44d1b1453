package intc

import (
	"fmt"
	"strings"
)

// Variant identifies a controller hardware revision.
type Variant uint8

const (
	VariantInvalid Variant = iota
	VariantFTINTC020
	VariantFTINTC020Vectored
	VariantFTINTC030
)

var variantNames = [...]string{
	VariantInvalid:    "invalid",
	VariantFTINTC020:         "ftintc020",
	VariantFTINTC020Vectored: "ftintc020-vectored",
	VariantFTINTC030:         "ftintc030",
}

func (v Variant) String() string {
	if int(v) < len(variantNames) {
		return variantNames[v]
	}
	return fmt.Sprintf("variant(%d)", uint8(v))
}

// ParseVariant converts a name such as "ftintc030" into a Variant.
func ParseVariant(s string) (Variant, error) {
	for v, name := range variantNames {
		if v != int(VariantInvalid) && strings.EqualFold(s, name) {
			return Variant(v), nil
		}
	}
	return VariantInvalid, fmt.Errorf("intc: unknown variant %q: %w", s, ErrInvalidArgument)
}

// Per-bank registers, relative to the bank offset of a line. Each bank
// covers 32 lines, one bit per line.
const (
	RegSource = 0x00 // RO: raw source state (edge latch or active level)
	RegEnable = 0x04 // RW: 1 = line delivers interrupts
	RegClear  = 0x08 // W1C: 1 clears an edge-latched pending bit; reads return pending state
	RegMode   = 0x0c // RW: 1 = edge, 0 = level
	RegLevel  = 0x10 // RW: 1 = active low / falling, 0 = active high / rising
	RegStatus = 0x14 // RO: source & enable
)

// Identification registers, common to both controllers.
const (
	RegRevision = 0x50 // RO
	RegFeature  = 0x54 // RO: line count, see layout.decodeLines
)

// FTINTC020 vector block (vectored variant only).
const (
	RegVectAddr   = 0x100 // RW, +4*slot: value returned by RegVectSel when the slot claims
	RegVectCtrl   = 0x140 // RW, +4*slot: VectEnable | source line
	RegVectDef    = 0x180 // RW: value returned by RegVectSel when no slot claims
	RegVectSel    = 0x184 // RO: selected vector address; marks the slot in service
	RegPrioScheme = 0x188 // RW: PriorityScheme
	RegVectAck    = 0x18c // WO: write the selected address to release the slot

	VectSlots         = 16
	VectEnable        = 1 << 7
	VectLineMask      = 0x3f
	DefaultVectorAddr = 64
)

// FTINTC030 per-CPU target masks and CPU interface.
const (
	// RegTarget + cpu*TargetStride + 4*((line-32)/32). A set bit EXCLUDES
	// the SPI from that CPU; a line excluded from every CPU cannot fire.
	RegTarget    = 0x400
	TargetStride = 0x40

	RegCPUMatch = 0x800 // RW: CPUs served by this dispatch path, one bit per CPU
	RegPriMask  = 0x804 // RW: priority mask, 0xff admits everything
	RegBinPoint = 0x808 // RW: binary point, 7 disables preemption
	RegCPUCtrl  = 0x80c // RW: bit 0 enables delivery
	RegAck      = 0x810 // RO: acknowledged line, or AckNone
	RegEOI      = 0x814 // WO: line number to complete

	AckNone = 511
	MaxCPUs = 8

	FirstSPI = 32
)

// PriorityScheme is the FTINTC020 vectored arbitration scheme.
type PriorityScheme uint32

const (
	FixedPriority PriorityScheme = iota
	FixedOrder
	RoundRobin
)

func (s PriorityScheme) String() string {
	switch s {
	case FixedPriority:
		return "fixed-priority"
	case FixedOrder:
		return "fixed-order"
	case RoundRobin:
		return "round-robin"
	default:
		return fmt.Sprintf("scheme(%d)", uint32(s))
	}
}

// ParsePriorityScheme converts a scheme name into a PriorityScheme.
func ParsePriorityScheme(s string) (PriorityScheme, error) {
	for _, ps := range []PriorityScheme{FixedPriority, FixedOrder, RoundRobin} {
		if strings.EqualFold(s, ps.String()) {
			return ps, nil
		}
	}
	return 0, fmt.Errorf("intc: unknown priority scheme %q: %w", s, ErrInvalidArgument)
}

// layout is the per-revision addressing table.
type layout struct {
	bankOffset  func(line uint32) uint32
	decodeLines func(feature uint32) uint32
	maxLines    uint32
	span        uint32 // bytes of register space the driver touches
}

var layouts = [...]layout{
	VariantFTINTC020: {
		bankOffset:  ftintc020Bank,
		decodeLines: func(f uint32) uint32 { return f & 0xff },
		maxLines:    64,
		span:        0x78,
	},
	VariantFTINTC020Vectored: {
		bankOffset:  ftintc020Bank,
		decodeLines: func(f uint32) uint32 { return f & 0xff },
		maxLines:    64,
		span:        RegVectAck + 4,
	},
	VariantFTINTC030: {
		bankOffset:  ftintc030Bank,
		decodeLines: func(f uint32) uint32 { return f & 0x3ff },
		maxLines:    256,
		span:        RegEOI + 4,
	},
}

func layoutFor(v Variant) *layout {
	if v == VariantInvalid || int(v) >= len(layouts) {
		panic(fmt.Sprintf("intc: no layout for %s", v))
	}
	return &layouts[v]
}

// ftintc020Bank: the extended bank (lines 32-63) sits 0x60 above the base
// bank, past the FIQ and identification registers.
func ftintc020Bank(line uint32) uint32 {
	if line < 32 {
		return 0x00
	}
	return 0x60
}

// ftintc030Bank: banks are 0x20 apart, except that banks from line 64 on
// skip the 0x40-0x5f identification window.
func ftintc030Bank(line uint32) uint32 {
	if line < 64 {
		return (line / 32) * 0x20
	}
	return (line/32)*0x20 + 0x20
}

// BankOffset returns the offset of the register bank holding line for v.
func BankOffset(v Variant, line uint32) uint32 {
	return layoutFor(v).bankOffset(line)
}

// MaxLines returns the largest line count v supports.
func MaxLines(v Variant) uint32 {
	return layoutFor(v).maxLines
}

// EncodeFeature builds a FEATURE register value reporting lines.
func EncodeFeature(v Variant, lines uint32) uint32 {
	switch v {
	case VariantFTINTC030:
		return lines & 0x3ff
	default:
		return lines & 0xff
	}
}
