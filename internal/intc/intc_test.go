package intc

import (
	"errors"
	"sync"
	"testing"
)

type access struct {
	off    uint32
	value  uint32
	write  bool
	locked bool
}

// fakeBank is plain register memory that records every access.
type fakeBank struct {
	mu   sync.Mutex
	regs map[uint32]uint32
	size uint32
	log  []access
	held func() bool
}

func newFakeBank(v Variant, lines uint32) *fakeBank {
	b := &fakeBank{regs: make(map[uint32]uint32), size: 0x1000}
	b.regs[RegFeature] = EncodeFeature(v, lines)
	return b
}

func (b *fakeBank) record(off, v uint32, write bool) {
	a := access{off: off, value: v, write: write}
	if b.held != nil {
		a.locked = b.held()
	}
	b.log = append(b.log, a)
}

func (b *fakeBank) Read32(off uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.regs[off]
	b.record(off, v, false)
	return v
}

func (b *fakeBank) Write32(off, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[off] = v
	b.record(off, v, true)
}

func (b *fakeBank) Size() uint32 { return b.size }

func (b *fakeBank) reg(off uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[off]
}

func (b *fakeBank) set(off, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[off] = v
}

func (b *fakeBank) writes() []access {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []access
	for _, a := range b.log {
		if a.write {
			out = append(out, a)
		}
	}
	return out
}

func (b *fakeBank) resetLog() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = nil
}

func TestBankOffsetTables(t *testing.T) {
	tests := []struct {
		line       uint32
		v020, v030 uint32
	}{
		{0, 0x00, 0x00},
		{31, 0x00, 0x00},
		{32, 0x60, 0x20},
		{63, 0x60, 0x20},
		{64, 0x60, 0x60},
		{95, 0x60, 0x60},
		{96, 0x60, 0x80},
	}
	for _, tt := range tests {
		if got := BankOffset(VariantFTINTC020, tt.line); got != tt.v020 {
			t.Errorf("ftintc020 line %d: offset 0x%x, want 0x%x", tt.line, got, tt.v020)
		}
		if got := BankOffset(VariantFTINTC020Vectored, tt.line); got != tt.v020 {
			t.Errorf("ftintc020-vectored line %d: offset 0x%x, want 0x%x", tt.line, got, tt.v020)
		}
		if got := BankOffset(VariantFTINTC030, tt.line); got != tt.v030 {
			t.Errorf("ftintc030 line %d: offset 0x%x, want 0x%x", tt.line, got, tt.v030)
		}
	}
}

func TestParseTriggerAndVariant(t *testing.T) {
	for _, tr := range []Trigger{EdgeRising, EdgeFalling, LevelHigh, LevelLow} {
		got, err := ParseTrigger(tr.String())
		if err != nil || got != tr {
			t.Fatalf("ParseTrigger(%q) = %v, %v", tr.String(), got, err)
		}
	}
	if _, err := ParseTrigger("both"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("unknown trigger: got %v", err)
	}
	if v, err := ParseVariant("FTINTC020-Vectored"); err != nil || v != VariantFTINTC020Vectored {
		t.Fatalf("ParseVariant = %v, %v", v, err)
	}
	if _, err := ParseVariant("gic400"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("unknown variant: got %v", err)
	}
}

func TestInitClearsEveryBank(t *testing.T) {
	b := newFakeBank(VariantFTINTC030, 96)
	b.set(0x60+RegEnable, 0xffffffff)
	b.set(0x20+RegMode, 0xffffffff)
	if _, err := New030(b, Options{MatchID: 1}); err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, base := range []uint32{0x00, 0x20, 0x60} {
		if b.reg(base+RegEnable) != 0 || b.reg(base+RegMode) != 0 || b.reg(base+RegLevel) != 0 {
			t.Fatalf("bank at 0x%x not cleared", base)
		}
		if b.reg(base+RegClear) != 0xffffffff {
			t.Fatalf("bank at 0x%x pending not cleared", base)
		}
	}
	want := map[uint32]uint32{RegCPUMatch: 1, RegPriMask: 0xff, RegBinPoint: 7, RegCPUCtrl: 1}
	for off, v := range want {
		if got := b.reg(off); got != v {
			t.Fatalf("cpu interface 0x%x = 0x%x, want 0x%x", off, got, v)
		}
	}
	// Every SPI routed to CPU 0 only.
	if b.reg(RegTarget) != 0 || b.reg(RegTarget+TargetStride) != 0xffffffff {
		t.Fatalf("targets cpu0=0x%x cpu1=0x%x", b.reg(RegTarget), b.reg(RegTarget+TargetStride))
	}
}

func TestConstructionErrors(t *testing.T) {
	if _, err := New030(newFakeBank(VariantFTINTC030, 0), Options{MatchID: 1}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero lines: got %v", err)
	}
	if _, err := New020(newFakeBank(VariantFTINTC020, 65), false, Options{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("too many lines: got %v", err)
	}
	if _, err := New030(newFakeBank(VariantFTINTC030, 32), Options{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("missing match id: got %v", err)
	}
	small := newFakeBank(VariantFTINTC030, 32)
	small.size = 0x100
	if _, err := New030(small, Options{MatchID: 1}); !errors.Is(err, ErrBankTooSmall) {
		t.Fatalf("small bank: got %v", err)
	}
	if _, err := New020(newFakeBank(VariantFTINTC020, 32), true, Options{Scheme: RoundRobin}); !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("round robin: got %v", err)
	}
}

func TestMaskIsIdempotent(t *testing.T) {
	b := newFakeBank(VariantFTINTC020, 64)
	ic, err := New020(b, false, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, line := range []uint32{3, 40} {
		if err := ic.Unmask(line); err != nil {
			t.Fatalf("unmask %d: %v", line, err)
		}
		if err := ic.Mask(line); err != nil {
			t.Fatalf("mask %d: %v", line, err)
		}
		once := b.reg(ic.reg(line, RegEnable))
		if err := ic.Mask(line); err != nil {
			t.Fatalf("mask %d again: %v", line, err)
		}
		if twice := b.reg(ic.reg(line, RegEnable)); twice != once {
			t.Fatalf("line %d: enable 0x%x after one mask, 0x%x after two", line, once, twice)
		}
		if en, _ := ic.Enabled(line); en {
			t.Fatalf("line %d still enabled", line)
		}
	}
	if err := ic.Mask(64); !errors.Is(err, ErrLineRange) {
		t.Fatalf("mask out of range: got %v", err)
	}
}

func TestTriggerRoundTrip(t *testing.T) {
	want := map[Trigger][2]bool{
		EdgeRising:  {true, false},
		EdgeFalling: {true, true},
		LevelHigh:   {false, false},
		LevelLow:    {false, true},
	}
	for _, v := range []Variant{VariantFTINTC020, VariantFTINTC030} {
		b := newFakeBank(v, 64)
		ic, err := New(v, b, Options{MatchID: 1})
		if err != nil {
			t.Fatalf("%s: new: %v", v, err)
		}
		c := ic.(interface {
			Trigger(uint32) (Trigger, error)
			reg(uint32, uint32) uint32
		})
		for tr, bitsWant := range want {
			for _, line := range []uint32{0, 33, 63} {
				if line >= ic.Lines() {
					continue
				}
				// Neighbours carry the opposite pattern so a stray write shows.
				mode, level := c.reg(line, RegMode), c.reg(line, RegLevel)
				b.set(mode, 0xaaaaaaaa)
				b.set(level, 0x55555555)

				if err := ic.SetTrigger(line, tr); err != nil {
					t.Fatalf("%s: set %s on %d: %v", v, tr, line, err)
				}
				bit := uint32(1) << (line % 32)
				gotMode, gotLevel := b.reg(mode), b.reg(level)
				if (gotMode&bit != 0) != bitsWant[0] || (gotLevel&bit != 0) != bitsWant[1] {
					t.Fatalf("%s: %s on %d: mode=0x%x level=0x%x", v, tr, line, gotMode, gotLevel)
				}
				if gotMode&^bit != 0xaaaaaaaa&^bit || gotLevel&^bit != 0x55555555&^bit {
					t.Fatalf("%s: %s on %d disturbed other lines", v, tr, line)
				}
				if got, _ := c.Trigger(line); got != tr {
					t.Fatalf("%s: read back %s, want %s", v, got, tr)
				}
			}
		}
		if err := ic.SetTrigger(1, TriggerInvalid); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: invalid trigger: got %v", v, err)
		}
		if err := ic.SetTrigger(1, Trigger(42)); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: out of enum trigger: got %v", v, err)
		}
	}
}

func TestPendingBankPriority(t *testing.T) {
	b020 := newFakeBank(VariantFTINTC020, 64)
	ic020, err := New020(b020, false, Options{})
	if err != nil {
		t.Fatalf("new 020: %v", err)
	}
	b020.set(0x00+RegStatus, 1<<2)
	b020.set(0x60+RegStatus, 1<<5|1<<9)
	if line, bank, ok := ic020.Pending(); !ok || line != 37 || bank != 1 {
		t.Fatalf("020 pending = %d bank %d %v, want 37 from the extended bank", line, bank, ok)
	}
	if line, ok := ic020.Acknowledge(); !ok || line != 37 {
		t.Fatalf("020 acknowledge = %d %v", line, ok)
	}
	b020.set(0x60+RegStatus, 0)
	if line, _, ok := ic020.Pending(); !ok || line != 2 {
		t.Fatalf("020 fallback = %d %v, want 2", line, ok)
	}

	b030 := newFakeBank(VariantFTINTC030, 96)
	ic030, err := New030(b030, Options{MatchID: 1})
	if err != nil {
		t.Fatalf("new 030: %v", err)
	}
	b030.set(0x00+RegStatus, 1<<30)
	b030.set(0x20+RegStatus, 1<<0)
	if line, bank, ok := ic030.Pending(); !ok || line != 30 || bank != 0 {
		t.Fatalf("030 pending = %d bank %d %v, want 30 from the private bank", line, bank, ok)
	}
	b030.set(0x00+RegStatus, 0)
	b030.set(0x60+RegStatus, 1<<3)
	if line, _, ok := ic030.Pending(); !ok || line != 32 {
		t.Fatalf("030 pending = %d %v, want 32", line, ok)
	}
	b030.set(0x20+RegStatus, 0)
	b030.set(0x60+RegStatus, 0)
	if _, _, ok := ic030.Pending(); ok {
		t.Fatalf("pending with nothing set")
	}
}

func TestPendingIgnoresBitsPastLastLine(t *testing.T) {
	b := newFakeBank(VariantFTINTC020, 36)
	ic, err := New020(b, false, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b.set(0x60+RegStatus, 1<<10)
	if line, _, ok := ic.Pending(); ok {
		t.Fatalf("phantom line %d pending", line)
	}
}

func TestEndOfInterruptWrites(t *testing.T) {
	b030 := newFakeBank(VariantFTINTC030, 64)
	ic030, err := New030(b030, Options{MatchID: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b030.resetLog()
	ic030.EndOfInterrupt(33)
	got := b030.writes()
	want := []access{{off: 0x20 + RegClear, value: 1 << 1, write: true}, {off: RegEOI, value: 33, write: true}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("030 EOI writes %+v, want %+v", got, want)
	}

	b020 := newFakeBank(VariantFTINTC020, 64)
	ic020, err := New020(b020, false, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b020.resetLog()
	ic020.EndOfInterrupt(40)
	got = b020.writes()
	if len(got) != 1 || got[0].off != 0x60+RegClear || got[0].value != 1<<8 {
		t.Fatalf("020 EOI writes %+v", got)
	}
}

func TestAcknowledge030Sentinel(t *testing.T) {
	b := newFakeBank(VariantFTINTC030, 64)
	ic, err := New030(b, Options{MatchID: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, v := range []uint32{AckNone, 64, 1023} {
		b.set(RegAck, v)
		if line, ok := ic.Acknowledge(); ok {
			t.Fatalf("ack register %d produced line %d", v, line)
		}
	}
	b.set(RegAck, 63)
	if line, ok := ic.Acknowledge(); !ok || line != 63 {
		t.Fatalf("acknowledge = %d %v", line, ok)
	}
}

func TestVectorTableSeeding(t *testing.T) {
	b := newFakeBank(VariantFTINTC020Vectored, 64)
	if _, err := New020(b, true, Options{}); err != nil {
		t.Fatalf("new: %v", err)
	}
	for slot := uint32(0); slot < VectSlots; slot++ {
		if b.reg(RegVectAddr+4*slot) != slot || b.reg(RegVectCtrl+4*slot) != VectEnable|slot {
			t.Fatalf("slot %d: addr=%d ctrl=0x%x", slot, b.reg(RegVectAddr+4*slot), b.reg(RegVectCtrl+4*slot))
		}
	}
	if b.reg(RegVectDef) != DefaultVectorAddr {
		t.Fatalf("default address = %d", b.reg(RegVectDef))
	}
	if b.reg(RegPrioScheme) != uint32(FixedPriority) {
		t.Fatalf("scheme = %d", b.reg(RegPrioScheme))
	}
}

func TestSetPrioritySlots(t *testing.T) {
	b := newFakeBank(VariantFTINTC020Vectored, 64)
	ic, err := New020(b, true, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := ic.SetPriority(20, 3); !errors.Is(err, ErrSlotBusy) {
		t.Fatalf("occupied slot: got %v", err)
	}
	if err := ic.SetPriority(3, 3); err != nil {
		t.Fatalf("same line same slot: %v", err)
	}
	if err := ic.ClearPriority(3); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := ic.Priority(3); ok {
		t.Fatalf("line 3 still has a slot")
	}
	if err := ic.SetPriority(20, 3); err != nil {
		t.Fatalf("free slot: %v", err)
	}
	if slot, ok, _ := ic.Priority(20); !ok || slot != 3 {
		t.Fatalf("priority of 20 = %d %v", slot, ok)
	}
	// Moving line 20 releases slot 3.
	if err := ic.ClearPriority(15); err != nil {
		t.Fatalf("clear 15: %v", err)
	}
	if err := ic.SetPriority(20, 15); err != nil {
		t.Fatalf("move: %v", err)
	}
	if b.reg(RegVectCtrl+4*3) != 0 {
		t.Fatalf("old slot not released: 0x%x", b.reg(RegVectCtrl+4*3))
	}
	if err := ic.SetPriority(20, VectSlots); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("slot out of range: got %v", err)
	}

	plain, err := New020(newFakeBank(VariantFTINTC020, 32), false, Options{})
	if err != nil {
		t.Fatalf("new plain: %v", err)
	}
	if err := plain.SetPriority(1, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("unvectored priority: got %v", err)
	}
}

func TestAffinityInverseMasks(t *testing.T) {
	b := newFakeBank(VariantFTINTC030, 96)
	ic, err := New030(b, Options{MatchID: 0x3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if mask, _ := ic.Affinity(70); mask != 0x3 {
		t.Fatalf("initial affinity 0x%x, want match id", mask)
	}
	if err := ic.SetAffinity(70, 0x2); err != nil {
		t.Fatalf("set affinity: %v", err)
	}
	word := RegTarget + 4*uint32(1) // lines 64-95
	if b.reg(word)&(1<<6) == 0 {
		t.Fatalf("cpu0 should exclude line 70")
	}
	if b.reg(word+TargetStride)&(1<<6) != 0 {
		t.Fatalf("cpu1 should include line 70")
	}
	if mask, _ := ic.Affinity(70); mask != 0x2 {
		t.Fatalf("affinity = 0x%x", mask)
	}
	if err := ic.SetAffinity(70, 0); err != nil {
		t.Fatalf("empty mask: %v", err)
	}
	if mask, _ := ic.Affinity(70); mask != 0 {
		t.Fatalf("empty affinity read back 0x%x", mask)
	}
	if err := ic.SetAffinity(5, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("private line: got %v", err)
	}
	if err := ic.SetAffinity(40, 0x100); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("ninth cpu: got %v", err)
	}
}

// Concurrent SetTrigger and Mask on one line end in a state reachable by
// running them in some order, and every access they make happens under the
// controller lock.
func TestAcknowledgeHoldsLock(t *testing.T) {
	for _, tt := range []struct {
		name    string
		variant Variant
		setup   func(b *fakeBank) (Controller, error)
		want    uint32
	}{
		{"ftintc020", VariantFTINTC020, func(b *fakeBank) (Controller, error) {
			ic, err := New020(b, false, Options{})
			b.set(0x60+RegStatus, 1<<3)
			return ic, err
		}, 35},
		{"ftintc020-vectored fallback", VariantFTINTC020Vectored, func(b *fakeBank) (Controller, error) {
			ic, err := New020(b, true, Options{})
			b.set(RegVectSel, DefaultVectorAddr)
			b.set(0x00+RegStatus, 1<<6)
			return ic, err
		}, 6},
		{"ftintc030", VariantFTINTC030, func(b *fakeBank) (Controller, error) {
			ic, err := New030(b, Options{MatchID: 1})
			b.set(RegAck, 40)
			return ic, err
		}, 40},
	} {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBank(tt.variant, 64)
			ic, err := tt.setup(b)
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			switch c := ic.(type) {
			case *FTINTC020:
				b.held = c.lock.Held
			case *FTINTC030:
				b.held = c.lock.Held
			}
			b.resetLog()

			if line, ok := ic.Acknowledge(); !ok || line != tt.want {
				t.Fatalf("acknowledge = %d %v, want %d", line, ok, tt.want)
			}
			if len(b.log) == 0 {
				t.Fatalf("acknowledge touched no registers")
			}
			for _, a := range b.log {
				if !a.locked {
					t.Fatalf("access to 0x%x outside the lock", a.off)
				}
			}
		})
	}
}

func TestConcurrentTriggerAndMask(t *testing.T) {
	const line = 37
	for i := 0; i < 200; i++ {
		b := newFakeBank(VariantFTINTC030, 64)
		ic, err := New030(b, Options{MatchID: 1})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		if err := ic.Unmask(line); err != nil {
			t.Fatalf("unmask: %v", err)
		}
		if err := ic.SetTrigger(line, LevelLow); err != nil {
			t.Fatalf("set trigger: %v", err)
		}
		b.held = ic.lock.Held
		b.resetLog()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := ic.SetTrigger(line, EdgeRising); err != nil {
				t.Errorf("set trigger: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := ic.Mask(line); err != nil {
				t.Errorf("mask: %v", err)
			}
		}()
		wg.Wait()

		for _, a := range b.log {
			if !a.locked {
				t.Fatalf("access to 0x%x outside the lock", a.off)
			}
		}
		bit := uint32(1) << (line % 32)
		base := BankOffset(VariantFTINTC030, line)
		if b.reg(base+RegEnable) != 0 {
			t.Fatalf("line still enabled: 0x%x", b.reg(base+RegEnable))
		}
		if b.reg(base+RegMode) != bit || b.reg(base+RegLevel) != 0 {
			t.Fatalf("torn trigger: mode=0x%x level=0x%x", b.reg(base+RegMode), b.reg(base+RegLevel))
		}
		if n := len(b.log); n != 6 {
			t.Fatalf("%d accesses, want 6", n)
		}
	}
}
