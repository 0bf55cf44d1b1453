// Package regs provides ordering-preserving 32-bit access to a block of
// memory-mapped registers.
package regs

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/ftintc/internal/regtrace"
)

// Bank is a block of 32-bit registers addressed by byte offset.
//
// Side effects are register specific (write-1-to-clear, read-only status)
// and are documented next to each register definition. Accesses never fail:
// offsets are validated against Size when the bank's owner is constructed.
type Bank interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
	Size() uint32
}

// Window is a Bank backed by a byte slice, usually an mmap of device memory.
type Window struct {
	mem []byte
}

// NewWindow wraps mem. The slice must be 4-byte aligned and sized.
func NewWindow(mem []byte) (*Window, error) {
	if len(mem)%4 != 0 {
		return nil, fmt.Errorf("regs: window size 0x%x is not a multiple of 4", len(mem))
	}
	if len(mem) > 0 && uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, fmt.Errorf("regs: window is not 32-bit aligned")
	}
	return &Window{mem: mem}, nil
}

// Read32 reads one 32 bit register.
func (w *Window) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&w.mem[off])))
}

// Write32 writes one 32 bit register.
func (w *Window) Write32(off uint32, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&w.mem[off])), v)
}

func (w *Window) Size() uint32 { return uint32(len(w.mem)) }

// MMIO is a byte-oriented memory-mapped I/O target such as a simulated bus.
type MMIO interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// Router is an MMIO target that can report whether it serves a range.
type Router interface {
	MMIO
	Routes(addr, size uint64) bool
}

// BusBank exposes a register block that lives at base on an MMIO target.
type BusBank struct {
	bus  MMIO
	base uint64
	size uint32
}

// NewBusBank returns a Bank for [base, base+size) on bus.
func NewBusBank(bus Router, base uint64, size uint32) (*BusBank, error) {
	if size == 0 || size%4 != 0 {
		return nil, fmt.Errorf("regs: invalid bank size 0x%x", size)
	}
	if !bus.Routes(base, uint64(size)) {
		return nil, fmt.Errorf("regs: no device serves 0x%x-0x%x", base, base+uint64(size)-1)
	}
	return &BusBank{bus: bus, base: base, size: size}, nil
}

func (b *BusBank) Read32(off uint32) uint32 {
	var buf [4]byte
	if err := b.bus.ReadMMIO(b.base+uint64(off), buf[:]); err != nil {
		panic(fmt.Sprintf("regs: read 0x%x: %v", b.base+uint64(off), err))
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (b *BusBank) Write32(off uint32, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if err := b.bus.WriteMMIO(b.base+uint64(off), buf[:]); err != nil {
		panic(fmt.Sprintf("regs: write 0x%x: %v", b.base+uint64(off), err))
	}
}

func (b *BusBank) Size() uint32 { return b.size }

type traced struct {
	Bank
	source string
}

// Traced records every access to bank in the register trace under source.
func Traced(bank Bank, source string) Bank {
	return &traced{Bank: bank, source: source}
}

func (t *traced) Read32(off uint32) uint32 {
	v := t.Bank.Read32(off)
	regtrace.Record(t.source, regtrace.OpRead, off, v)
	return v
}

func (t *traced) Write32(off uint32, v uint32) {
	regtrace.Record(t.source, regtrace.OpWrite, off, v)
	t.Bank.Write32(off, v)
}

var (
	_ Bank = (*Window)(nil)
	_ Bank = (*BusBank)(nil)
	_ Bank = (*traced)(nil)
)
