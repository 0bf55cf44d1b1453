// Package ftintc030 implements a register model of the Faraday FTINTC030
// interrupt controller: a banked distributor with per-CPU inverse target
// masks and a single CPU interface.
package ftintc030

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
	Revision    = 0x00010300

	spiWords = (256 - intc.FirstSPI) / 32
)

// Config describes one controller instance.
type Config struct {
	Base  uint64
	Lines uint32
}

// Device is an FTINTC030. The IRQ output is high while the CPU interface
// has a deliverable line: enabled, pending, not active, and for SPIs routed
// to at least one CPU in CPU_MATCH.
type Device struct {
	mu sync.Mutex

	base  uint64
	banks *intcbank.Banks

	target   [intc.MaxCPUs][spiWords]uint32
	active   []uint32
	cpuMatch uint32
	priMask  uint32
	binPoint uint32
	ctrl     uint32
	acks     uint64
	eois     uint64

	output chipset.LineInterrupt
	level  bool
}

// New creates a controller model at cfg.Base.
func New(cfg Config) (*Device, error) {
	if cfg.Lines == 0 || cfg.Lines > intc.MaxLines(intc.VariantFTINTC030) {
		return nil, fmt.Errorf("ftintc030: %d lines (max %d)", cfg.Lines, intc.MaxLines(intc.VariantFTINTC030))
	}
	banks := intcbank.New(intc.VariantFTINTC030, cfg.Lines)
	d := &Device{
		base:   cfg.Base,
		banks:  banks,
		active: make([]uint32, banks.Count()),
		output: chipset.LineInterruptDetached(),
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

// Active reports whether line has been acknowledged and not yet completed.
func (d *Device) Active(line uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if line >= d.banks.Lines() {
		return false
	}
	return d.active[line/32]&(1<<(line%32)) != 0
}

// Counters returns the number of ACK reads that returned a line and the
// number of EOI writes.
func (d *Device) Counters() (acks, eois uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acks, d.eois
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
	d.target = [intc.MaxCPUs][spiWords]uint32{}
	for i := range d.active {
		d.active[i] = 0
	}
	d.cpuMatch = 0
	d.priMask = 0
	d.binPoint = 0
	d.ctrl = 0
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
	off, err := intcbank.Offset("ftintc030", d.base, DefaultSize, addr, data)
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
	off, err := intcbank.Offset("ftintc030", d.base, DefaultSize, addr, data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeLocked(off, binary.LittleEndian.Uint32(data))
	d.syncOutputLocked()
	return nil
}

// targetIndex decodes a target register offset.
func targetIndex(off uint32) (cpu, word uint32, ok bool) {
	if off < intc.RegTarget || off >= intc.RegTarget+intc.MaxCPUs*intc.TargetStride {
		return 0, 0, false
	}
	rel := off - intc.RegTarget
	cpu, word = rel/intc.TargetStride, (rel%intc.TargetStride)/4
	return cpu, word, word < spiWords
}

func (d *Device) readLocked(off uint32) uint32 {
	if bank, reg, ok := d.banks.Decode(off); ok {
		return d.banks.Read(bank, reg)
	}
	if cpu, word, ok := targetIndex(off); ok {
		return d.target[cpu][word]
	}
	switch off {
	case intc.RegRevision:
		return Revision
	case intc.RegFeature:
		return intc.EncodeFeature(intc.VariantFTINTC030, d.banks.Lines())
	case intc.RegCPUMatch:
		return d.cpuMatch
	case intc.RegPriMask:
		return d.priMask
	case intc.RegBinPoint:
		return d.binPoint
	case intc.RegCPUCtrl:
		return d.ctrl
	case intc.RegAck:
		return d.acknowledgeLocked()
	}
	return 0
}

func (d *Device) writeLocked(off, v uint32) {
	if bank, reg, ok := d.banks.Decode(off); ok {
		d.banks.Write(bank, reg, v)
		return
	}
	if cpu, word, ok := targetIndex(off); ok {
		d.target[cpu][word] = v
		return
	}
	switch off {
	case intc.RegCPUMatch:
		d.cpuMatch = v & (1<<intc.MaxCPUs - 1)
	case intc.RegPriMask:
		d.priMask = v & 0xff
	case intc.RegBinPoint:
		d.binPoint = v & 0x7
	case intc.RegCPUCtrl:
		d.ctrl = v & 1
	case intc.RegEOI:
		d.eois++
		if v < d.banks.Lines() {
			d.active[v/32] &^= 1 << (v % 32)
		}
	}
}

// routedLocked returns the SPI bits of bank that reach a CPU in CPU_MATCH.
func (d *Device) routedLocked(bank uint32) uint32 {
	if bank == 0 {
		return 0xffffffff
	}
	word := bank - 1
	var routed uint32
	for cpu := uint32(0); cpu < intc.MaxCPUs; cpu++ {
		if d.cpuMatch&(1<<cpu) != 0 {
			routed |= ^d.target[cpu][word]
		}
	}
	return routed
}

func (d *Device) deliverableLocked(bank uint32) uint32 {
	return d.banks.Status(bank) &^ d.active[bank] & d.routedLocked(bank)
}

func (d *Device) interfaceOpenLocked() bool {
	return d.ctrl&1 != 0 && d.priMask != 0
}

// acknowledgeLocked claims the lowest deliverable line and marks it active.
func (d *Device) acknowledgeLocked() uint32 {
	if !d.interfaceOpenLocked() {
		return intc.AckNone
	}
	for bank := uint32(0); bank < d.banks.Count(); bank++ {
		if pending := d.deliverableLocked(bank); pending != 0 {
			bit := uint32(bits.TrailingZeros32(pending))
			d.active[bank] |= 1 << bit
			d.acks++
			return bank*32 + bit
		}
	}
	return intc.AckNone
}

func (d *Device) syncOutputLocked() {
	level := false
	if d.interfaceOpenLocked() {
		for bank := uint32(0); bank < d.banks.Count(); bank++ {
			if d.deliverableLocked(bank) != 0 {
				level = true
				break
			}
		}
	}
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
