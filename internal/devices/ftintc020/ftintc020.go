// Package ftintc020 implements a register model of the Faraday FTINTC020
// interrupt controller, with the optional vector block.
package ftintc020

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	"github.com/tinyrange/ftintc/internal/chipset"
	"github.com/tinyrange/ftintc/internal/devices/intcbank"
	"github.com/tinyrange/ftintc/internal/intc"
)

const (
	DefaultSize = 0x1000
	Revision    = 0x00010200
)

// Config describes one controller instance.
type Config struct {
	Base     uint64
	Lines    uint32
	Vectored bool
}

// Device is an FTINTC020. Input lines arrive through SetIRQ; the IRQ output
// is high while any enabled line is pending.
type Device struct {
	mu sync.Mutex

	base     uint64
	vectored bool
	variant  intc.Variant
	banks    *intcbank.Banks

	vectAddr  [intc.VectSlots]uint32
	vectCtrl  [intc.VectSlots]uint32
	defAddr   uint32
	scheme    uint32
	inService uint16

	output chipset.LineInterrupt
	level  bool
}

// New creates a controller model at cfg.Base.
func New(cfg Config) (*Device, error) {
	v := intc.VariantFTINTC020
	if cfg.Vectored {
		v = intc.VariantFTINTC020Vectored
	}
	if cfg.Lines == 0 || cfg.Lines > intc.MaxLines(v) {
		return nil, fmt.Errorf("ftintc020: %d lines (max %d)", cfg.Lines, intc.MaxLines(v))
	}
	d := &Device{
		base:     cfg.Base,
		vectored: cfg.Vectored,
		variant:  v,
		banks:    intcbank.New(v, cfg.Lines),
		output:   chipset.LineInterruptDetached(),
	}
	d.resetLocked()
	return d, nil
}

// SetOutput connects the IRQ output.
func (d *Device) SetOutput(line chipset.LineInterrupt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	d.output = line
	d.output.SetLevel(d.level)
}

// Output reports the current IRQ output level.
func (d *Device) Output() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// InService returns the vector slots currently in service, one bit per slot.
func (d *Device) InService() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inService
}

// SetIRQ implements chipset.InterruptSink.
func (d *Device) SetIRQ(line uint32, level bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.banks.SetInput(line, level)
	d.syncOutputLocked()
}

// Reset implements chipset.ChipsetDevice.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
	d.syncOutputLocked()
	return nil
}

func (d *Device) resetLocked() {
	d.banks.Reset()
	d.vectAddr = [intc.VectSlots]uint32{}
	d.vectCtrl = [intc.VectSlots]uint32{}
	d.defAddr = 0
	d.scheme = 0
	d.inService = 0
}

// SupportsMmio implements chipset.ChipsetDevice.
func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.Region{{Address: d.base, Size: DefaultSize}},
		Handler: d,
	}
}

// ReadMMIO implements chipset.MmioHandler.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	off, err := intcbank.Offset("ftintc020", d.base, DefaultSize, addr, data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	binary.LittleEndian.PutUint32(data, d.readLocked(off))
	d.syncOutputLocked()
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	off, err := intcbank.Offset("ftintc020", d.base, DefaultSize, addr, data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeLocked(off, binary.LittleEndian.Uint32(data))
	d.syncOutputLocked()
	return nil
}

func (d *Device) readLocked(off uint32) uint32 {
	if bank, reg, ok := d.banks.Decode(off); ok {
		return d.banks.Read(bank, reg)
	}
	switch off {
	case intc.RegRevision:
		return Revision
	case intc.RegFeature:
		return intc.EncodeFeature(d.variant, d.banks.Lines())
	}
	if !d.vectored {
		return 0
	}
	switch {
	case off >= intc.RegVectAddr && off < intc.RegVectAddr+4*intc.VectSlots:
		return d.vectAddr[(off-intc.RegVectAddr)/4]
	case off >= intc.RegVectCtrl && off < intc.RegVectCtrl+4*intc.VectSlots:
		return d.vectCtrl[(off-intc.RegVectCtrl)/4]
	case off == intc.RegVectDef:
		return d.defAddr
	case off == intc.RegVectSel:
		return d.selectLocked()
	case off == intc.RegPrioScheme:
		return d.scheme
	}
	// FIQ aliases and reserved space read as zero.
	return 0
}

func (d *Device) writeLocked(off, v uint32) {
	if bank, reg, ok := d.banks.Decode(off); ok {
		d.banks.Write(bank, reg, v)
		return
	}
	if !d.vectored {
		return
	}
	switch {
	case off >= intc.RegVectAddr && off < intc.RegVectAddr+4*intc.VectSlots:
		d.vectAddr[(off-intc.RegVectAddr)/4] = v
	case off >= intc.RegVectCtrl && off < intc.RegVectCtrl+4*intc.VectSlots:
		d.vectCtrl[(off-intc.RegVectCtrl)/4] = v & (intc.VectEnable | intc.VectLineMask)
	case off == intc.RegVectDef:
		d.defAddr = v
	case off == intc.RegPrioScheme:
		d.scheme = v & 0x3
	case off == intc.RegVectAck:
		// Release the highest priority slot in service.
		if d.inService != 0 {
			d.inService &^= 1 << bits.TrailingZeros16(d.inService)
		}
	}
}

// selectLocked returns the vector address of the highest priority enabled
// slot whose line is pending, and marks the slot in service. Without a
// claiming slot it returns the default address.
func (d *Device) selectLocked() uint32 {
	for slot := 0; slot < intc.VectSlots; slot++ {
		ctrl := d.vectCtrl[slot]
		if ctrl&intc.VectEnable == 0 || d.inService&(1<<slot) != 0 {
			continue
		}
		line := ctrl & intc.VectLineMask
		if line >= d.banks.Lines() {
			continue
		}
		if d.banks.Status(line/32)&(1<<(line%32)) != 0 {
			d.inService |= 1 << slot
			return d.vectAddr[slot]
		}
	}
	return d.defAddr
}

func (d *Device) syncOutputLocked() {
	level := d.banks.AnyStatus()
	if level == d.level {
		return
	}
	d.level = level
	d.output.SetLevel(level)
}

var (
	_ chipset.ChipsetDevice = (*Device)(nil)
	_ chipset.MmioHandler   = (*Device)(nil)
	_ chipset.InterruptSink = (*Device)(nil)
)
