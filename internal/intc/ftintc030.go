package intc

import (
	"fmt"

	"github.com/tinyrange/ftintc/internal/regs"
)

// FTINTC030 drives the banked FTINTC030 distributor and its CPU interface.
// Lines 0-31 are private (PPI/SGI); lines from FirstSPI on are shared and
// carry per-CPU targets.
type FTINTC030 struct {
	*core
	matchID uint32
}

var _ Controller = (*FTINTC030)(nil)

// New030 initializes an FTINTC030 behind bank. opts.MatchID selects the
// CPUs this dispatch path serves; every SPI starts routed to them.
func New030(bank regs.Bank, opts Options) (*FTINTC030, error) {
	c, err := newCore(VariantFTINTC030, bank, opts)
	if err != nil {
		return nil, err
	}
	if opts.MatchID == 0 || opts.MatchID>>MaxCPUs != 0 {
		return nil, fmt.Errorf("intc: %s: match id 0x%x: %w", c.name, opts.MatchID, ErrInvalidArgument)
	}

	ic := &FTINTC030{core: c, matchID: opts.MatchID}
	ic.reset()
	ic.resetCPUInterface()
	return ic, nil
}

func (ic *FTINTC030) resetCPUInterface() {
	flags := ic.lock.LockIRQSave()
	defer ic.lock.UnlockIRQRestore(flags)

	for line := uint32(FirstSPI); line < ic.lines; line += 32 {
		for cpu := uint32(0); cpu < MaxCPUs; cpu++ {
			var exclude uint32
			if ic.matchID&(1<<cpu) == 0 {
				exclude = 0xffffffff
			}
			ic.bank.Write32(targetReg(cpu, line), exclude)
		}
	}

	ic.bank.Write32(RegCPUMatch, ic.matchID)
	ic.bank.Write32(RegPriMask, 0xff)
	ic.bank.Write32(RegBinPoint, 7)
	ic.bank.Write32(RegCPUCtrl, 1)
}

func targetReg(cpu, line uint32) uint32 {
	return RegTarget + cpu*TargetStride + 4*((line-FirstSPI)/32)
}

// MatchID returns the CPU match pattern programmed at construction.
func (ic *FTINTC030) MatchID() uint32 { return ic.matchID }

// Pending scans the private bank before the shared banks, lowest line first.
func (ic *FTINTC030) Pending() (line, bank uint32, ok bool) {
	for first := uint32(0); first < ic.lines; first += 32 {
		if line, ok := ic.pendingIn(first); ok {
			return line, first / 32, true
		}
	}
	return 0, 0, false
}

// Acknowledge reads the hardware-arbitrated line. AckNone, or any value
// outside the controller, means nothing to service.
func (ic *FTINTC030) Acknowledge() (uint32, bool) {
	flags := ic.lock.LockIRQSave()
	line := ic.bank.Read32(RegAck)
	ic.lock.UnlockIRQRestore(flags)

	if line == AckNone || line >= ic.lines {
		return 0, false
	}
	return line, true
}

// EndOfInterrupt clears the pending bit and signals completion. Both writes
// are required; without the second the CPU interface keeps the line active
// and blocks equal and lower priority delivery.
func (ic *FTINTC030) EndOfInterrupt(line uint32) {
	if line >= ic.lines {
		return
	}
	ic.clearPending(line)
	ic.bank.Write32(RegEOI, line)
}

func (ic *FTINTC030) checkSPI(line uint32) error {
	if err := ic.checkLine(line); err != nil {
		return err
	}
	if line < FirstSPI {
		return fmt.Errorf("intc: %s: line %d is private: %w", ic.name, line, ErrInvalidArgument)
	}
	return nil
}

// SetAffinity routes an SPI to the CPUs in mask. An empty mask leaves the
// line unable to fire.
func (ic *FTINTC030) SetAffinity(line, mask uint32) error {
	if err := ic.checkSPI(line); err != nil {
		return err
	}
	if mask>>MaxCPUs != 0 {
		return fmt.Errorf("intc: %s: cpu mask 0x%x: %w", ic.name, mask, ErrInvalidArgument)
	}

	flags := ic.lock.LockIRQSave()
	defer ic.lock.UnlockIRQRestore(flags)

	bit := uint32(1) << (line % 32)
	for cpu := uint32(0); cpu < MaxCPUs; cpu++ {
		off := targetReg(cpu, line)
		v := ic.bank.Read32(off)
		if mask&(1<<cpu) != 0 {
			v &^= bit
		} else {
			v |= bit
		}
		ic.bank.Write32(off, v)
	}
	return nil
}

// Affinity decodes the CPUs an SPI is routed to.
func (ic *FTINTC030) Affinity(line uint32) (uint32, error) {
	if err := ic.checkSPI(line); err != nil {
		return 0, err
	}

	flags := ic.lock.LockIRQSave()
	defer ic.lock.UnlockIRQRestore(flags)

	var mask uint32
	bit := uint32(1) << (line % 32)
	for cpu := uint32(0); cpu < MaxCPUs; cpu++ {
		if ic.bank.Read32(targetReg(cpu, line))&bit == 0 {
			mask |= 1 << cpu
		}
	}
	return mask, nil
}

// Registers returns a side-effect free snapshot of the controller
// registers. ACK is never read here.
func (ic *FTINTC030) Registers() []Register {
	out := ic.bankRegisters()
	for line := uint32(FirstSPI); line < ic.lines; line += 32 {
		for cpu := uint32(0); cpu < MaxCPUs; cpu++ {
			out = append(out, ic.read(fmt.Sprintf("target%d.cpu%d", line/32, cpu), targetReg(cpu, line)))
		}
	}
	return append(out,
		ic.read("cpumatch", RegCPUMatch),
		ic.read("primask", RegPriMask),
		ic.read("binpoint", RegBinPoint),
		ic.read("ctrl", RegCPUCtrl),
	)
}
