// Package pl031 implements the ARM PrimeCell PL031 real time clock as an
// interrupt source on the simulated bus.
package pl031

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/tinyrange/ftintc/internal/chipset"
)

// Register offsets.
const (
	RegData     = 0x00 // counter, read-only
	RegMatch    = 0x04
	RegLoad     = 0x08
	RegControl  = 0x0c
	RegIMSC     = 0x10 // interrupt mask set/clear
	RegRIS      = 0x14 // raw status
	RegMIS      = 0x18 // masked status
	RegICR      = 0x1c // interrupt clear, write-only
	RegPeriphID = 0xfe0
	RegCellID   = 0xff0
)

const (
	ControlEnable = 1 << 0
	DefaultSize   = 0x1000
)

var (
	periphID = [4]uint32{0x31, 0x10, 0x04, 0x00}
	cellID   = [4]uint32{0x0d, 0xf0, 0x05, 0xb1}
)

// Config describes one RTC instance.
type Config struct {
	Base uint64
	// Now is the wall clock; time.Now when nil.
	Now func() time.Time
}

// RTC is a PL031. Its interrupt output is a level that stays high while the
// match interrupt is raw-pending and unmasked.
type RTC struct {
	mu sync.Mutex

	base uint64
	now  func() time.Time

	loadTime time.Time
	lr       uint32
	mr       uint32
	cr       uint32
	imsc     uint32
	ris      uint32
	// matched is set once the counter reached mr, so one match latches
	// once until MR is written again.
	matched bool

	irq chipset.LineInterrupt
}

// New creates an RTC at cfg.Base.
func New(cfg Config) *RTC {
	r := &RTC{
		base: cfg.Base,
		now:  cfg.Now,
		irq:  chipset.LineInterruptDetached(),
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.resetLocked()
	return r
}

// SetIRQLine connects the interrupt output.
func (r *RTC) SetIRQLine(line chipset.LineInterrupt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.irq = line
	r.updateLocked()
}

// Reset implements chipset.ChipsetDevice.
func (r *RTC) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	r.updateLocked()
	return nil
}

func (r *RTC) resetLocked() {
	now := r.now()
	r.loadTime = now
	r.lr = uint32(now.Unix())
	r.mr, r.imsc, r.ris = 0, 0, 0
	r.cr = ControlEnable
	r.matched = false
}

// SupportsMmio implements chipset.ChipsetDevice.
func (r *RTC) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.Region{{Address: r.base, Size: DefaultSize}},
		Handler: r,
	}
}

// Tick re-evaluates the match comparator against the clock.
func (r *RTC) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateLocked()
}

func (r *RTC) counterLocked() uint32 {
	if r.cr&ControlEnable == 0 {
		return r.lr
	}
	return r.lr + uint32(r.now().Sub(r.loadTime)/time.Second)
}

// updateLocked latches a match and drives the output. A zero match
// register never fires.
func (r *RTC) updateLocked() {
	if !r.matched && r.mr != 0 && r.cr&ControlEnable != 0 && r.counterLocked() >= r.mr {
		r.matched = true
		r.ris |= 1
	}
	r.irq.SetLevel(r.ris&r.imsc&1 != 0)
}

func (r *RTC) offset(addr uint64, data []byte) (uint64, error) {
	if len(data) != 4 || addr%4 != 0 {
		return 0, fmt.Errorf("pl031: %d byte access at 0x%x", len(data), addr)
	}
	if addr < r.base || addr+4 > r.base+DefaultSize {
		return 0, fmt.Errorf("pl031: address 0x%x out of bounds", addr)
	}
	return addr - r.base, nil
}

// ReadMMIO implements chipset.MmioHandler.
func (r *RTC) ReadMMIO(addr uint64, data []byte) error {
	off, err := r.offset(addr, data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var v uint32
	switch {
	case off == RegData:
		v = r.counterLocked()
	case off == RegMatch:
		v = r.mr
	case off == RegLoad:
		v = r.lr
	case off == RegControl:
		v = r.cr
	case off == RegIMSC:
		v = r.imsc
	case off == RegRIS:
		v = r.ris
	case off == RegMIS:
		v = r.ris & r.imsc
	case off >= RegPeriphID && off < RegPeriphID+16:
		v = periphID[(off-RegPeriphID)/4]
	case off >= RegCellID && off < RegCellID+16:
		v = cellID[(off-RegCellID)/4]
	}
	binary.LittleEndian.PutUint32(data, v)
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (r *RTC) WriteMMIO(addr uint64, data []byte) error {
	off, err := r.offset(addr, data)
	if err != nil {
		return err
	}
	v := binary.LittleEndian.Uint32(data)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch off {
	case RegMatch:
		r.mr = v
		r.matched = false
	case RegLoad:
		r.lr = v
		r.loadTime = r.now()
		r.matched = false
	case RegControl:
		// The enable bit cannot be cleared once set.
		r.cr |= v & ControlEnable
	case RegIMSC:
		r.imsc = v & 1
	case RegICR:
		r.ris &^= v & 1
	}
	r.updateLocked()
	return nil
}

var (
	_ chipset.ChipsetDevice = (*RTC)(nil)
	_ chipset.MmioHandler   = (*RTC)(nil)
)
