package intc_test

import (
	"testing"

	"github.com/tinyrange/ftintc/internal/chipset"
	"github.com/tinyrange/ftintc/internal/devices/ftintc020"
	"github.com/tinyrange/ftintc/internal/devices/ftintc030"
	"github.com/tinyrange/ftintc/internal/intc"
	"github.com/tinyrange/ftintc/internal/regs"
)

const simBase = 0x9600_0000

func busBank(t *testing.T, dev chipset.ChipsetDevice, size uint32) regs.Bank {
	t.Helper()
	b := chipset.NewBuilder()
	if err := b.RegisterDevice("intc", dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	bank, err := regs.NewBusBank(cs, simBase, size)
	if err != nil {
		t.Fatalf("bus bank: %v", err)
	}
	return bank
}

// A vectored FTINTC020 routes lines outside the 16 vector slots through the
// default address, and the driver falls back to the bank scan.
func TestVectoredFallbackToBankScan(t *testing.T) {
	dev, err := ftintc020.New(ftintc020.Config{Base: simBase, Lines: 64, Vectored: true})
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	ic, err := intc.New020(busBank(t, dev, ftintc020.DefaultSize), true, intc.Options{Name: "gpio-intc"})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	for slot := uint32(0); slot < intc.VectSlots; slot++ {
		if got, ok, _ := ic.Priority(slot); !ok || got != slot {
			t.Fatalf("line %d in slot %d (%v), want identity", slot, got, ok)
		}
	}

	if err := ic.SetTrigger(20, intc.LevelHigh); err != nil {
		t.Fatalf("set trigger: %v", err)
	}
	if err := ic.Unmask(20); err != nil {
		t.Fatalf("unmask: %v", err)
	}
	dev.SetIRQ(20, true)

	line, ok := ic.Acknowledge()
	if !ok || line != 20 {
		t.Fatalf("acknowledge = %d %v, want 20", line, ok)
	}
	if dev.InService() != 0 {
		t.Fatalf("default-address path claimed a slot: 0x%x", dev.InService())
	}
	if _, bank, _ := ic.Pending(); bank != 0 {
		t.Fatalf("line 20 reported in bank %d", bank)
	}

	// The extended bank wins the scan while both banks have a line pending.
	if err := ic.Unmask(40); err != nil {
		t.Fatalf("unmask: %v", err)
	}
	dev.SetIRQ(40, true)
	if line, ok = ic.Acknowledge(); !ok || line != 40 {
		t.Fatalf("acknowledge = %d %v, want extended line 40", line, ok)
	}
}

func TestVectoredSlotAcknowledge(t *testing.T) {
	dev, err := ftintc020.New(ftintc020.Config{Base: simBase, Lines: 64, Vectored: true})
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	ic, err := intc.New020(busBank(t, dev, ftintc020.DefaultSize), true, intc.Options{})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	for _, line := range []uint32{4, 9} {
		if err := ic.SetTrigger(line, intc.EdgeRising); err != nil {
			t.Fatalf("set trigger: %v", err)
		}
		if err := ic.Unmask(line); err != nil {
			t.Fatalf("unmask: %v", err)
		}
	}
	// Line 9 gets the highest priority slot.
	if err := ic.ClearPriority(0); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := ic.SetPriority(9, 0); err != nil {
		t.Fatalf("set priority: %v", err)
	}

	dev.SetIRQ(4, true)
	dev.SetIRQ(9, true)
	line, ok := ic.Acknowledge()
	if !ok || line != 9 {
		t.Fatalf("acknowledge = %d %v, want 9", line, ok)
	}
	if dev.InService() != 0 {
		t.Fatalf("fixed-priority acknowledge did not release the slot")
	}
	ic.EndOfInterrupt(9)
	if line, ok = ic.Acknowledge(); !ok || line != 4 {
		t.Fatalf("second acknowledge = %d %v, want 4", line, ok)
	}
	ic.EndOfInterrupt(4)
	if dev.Output() {
		t.Fatalf("output still asserted")
	}
}

func TestFTINTC030AcknowledgeCycle(t *testing.T) {
	dev, err := ftintc030.New(ftintc030.Config{Base: simBase, Lines: 64})
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	ic, err := intc.New030(busBank(t, dev, ftintc030.DefaultSize), intc.Options{MatchID: 1})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	if _, ok := ic.Acknowledge(); ok {
		t.Fatalf("acknowledge with nothing pending")
	}

	if err := ic.SetTrigger(32, intc.EdgeRising); err != nil {
		t.Fatalf("set trigger: %v", err)
	}
	if err := ic.Unmask(32); err != nil {
		t.Fatalf("unmask: %v", err)
	}
	dev.SetIRQ(32, true)
	dev.SetIRQ(32, false)
	if !dev.Output() {
		t.Fatalf("edge did not assert the output")
	}

	line, ok := ic.Acknowledge()
	if !ok || line != 32 || !dev.Active(32) {
		t.Fatalf("acknowledge = %d %v active=%v", line, ok, dev.Active(32))
	}
	ic.EndOfInterrupt(32)
	if dev.Active(32) || dev.Output() {
		t.Fatalf("line not returned to armed: active=%v output=%v", dev.Active(32), dev.Output())
	}

	// Masking a pending line suppresses delivery without an acknowledge.
	dev.SetIRQ(32, true)
	if err := ic.Mask(32); err != nil {
		t.Fatalf("mask: %v", err)
	}
	if dev.Output() {
		t.Fatalf("masked line still delivered")
	}
	if _, ok := ic.Acknowledge(); ok {
		t.Fatalf("masked line acknowledged")
	}

	// An SPI routed away from every CPU cannot fire.
	if err := ic.SetAffinity(32, 0); err != nil {
		t.Fatalf("affinity: %v", err)
	}
	if err := ic.Unmask(32); err != nil {
		t.Fatalf("unmask: %v", err)
	}
	if dev.Output() {
		t.Fatalf("unrouted line delivered")
	}
}
