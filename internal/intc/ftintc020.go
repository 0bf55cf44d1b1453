package intc

import (
	"fmt"

	"github.com/tinyrange/ftintc/internal/regs"
)

// FTINTC020 drives the two-bank FTINTC020, optionally with its vector block.
type FTINTC020 struct {
	*core
	vectored bool
	scheme   PriorityScheme
}

var _ Controller = (*FTINTC020)(nil)

// New020 initializes an FTINTC020 behind bank. Every line is left disabled
// with pending state and sensitivity cleared. The vectored variant also gets
// an identity vector table and the default-address sentinel.
func New020(bank regs.Bank, vectored bool, opts Options) (*FTINTC020, error) {
	v := VariantFTINTC020
	if vectored {
		v = VariantFTINTC020Vectored
	}
	c, err := newCore(v, bank, opts)
	if err != nil {
		return nil, err
	}
	if vectored && opts.Scheme != FixedPriority {
		return nil, fmt.Errorf("intc: %s: %s: %w", c.name, opts.Scheme, ErrUnsupportedScheme)
	}

	ic := &FTINTC020{core: c, vectored: vectored, scheme: opts.Scheme}
	ic.reset()
	if vectored {
		ic.resetVectors()
	}
	return ic, nil
}

func (ic *FTINTC020) resetVectors() {
	flags := ic.lock.LockIRQSave()
	defer ic.lock.UnlockIRQRestore(flags)

	ic.bank.Write32(RegPrioScheme, uint32(ic.scheme))
	for slot := uint32(0); slot < VectSlots; slot++ {
		if slot < ic.lines {
			ic.bank.Write32(RegVectAddr+4*slot, slot)
			ic.bank.Write32(RegVectCtrl+4*slot, VectEnable|slot)
		} else {
			ic.bank.Write32(RegVectAddr+4*slot, 0)
			ic.bank.Write32(RegVectCtrl+4*slot, 0)
		}
	}
	ic.bank.Write32(RegVectDef, DefaultVectorAddr)
}

// Vectored reports whether the vector block is in use.
func (ic *FTINTC020) Vectored() bool { return ic.vectored }

// Pending scans the extended bank before the base bank and returns the
// lowest pending line of the first bank with anything set.
func (ic *FTINTC020) Pending() (line, bank uint32, ok bool) {
	if ic.lines > 32 {
		if line, ok := ic.pendingIn(32); ok {
			return line, 1, true
		}
	}
	if line, ok := ic.pendingIn(0); ok {
		return line, 0, true
	}
	return 0, 0, false
}

// Acknowledge resolves the next line to service. The vectored variant asks
// the vector block first and falls back to a bank scan when the selected
// address is the default sentinel.
func (ic *FTINTC020) Acknowledge() (uint32, bool) {
	flags := ic.lock.LockIRQSave()
	defer ic.lock.UnlockIRQRestore(flags)

	if !ic.vectored {
		line, _, ok := ic.Pending()
		return line, ok
	}

	sel := ic.bank.Read32(RegVectSel)
	if sel == DefaultVectorAddr {
		line, _, ok := ic.Pending()
		return line, ok
	}
	if ic.scheme == FixedPriority {
		ic.bank.Write32(RegVectAck, sel)
	}
	if sel >= ic.lines {
		return 0, false
	}
	return sel, true
}

// EndOfInterrupt clears the line's pending bit. The FTINTC020 has no
// separate end-of-interrupt register.
func (ic *FTINTC020) EndOfInterrupt(line uint32) {
	if line >= ic.lines {
		return
	}
	ic.clearPending(line)
}

func (ic *FTINTC020) checkVectored() error {
	if !ic.vectored {
		return fmt.Errorf("intc: %s: no vector block: %w", ic.name, ErrInvalidArgument)
	}
	return nil
}

// slotOfLocked returns the enabled slot that routes line.
func (ic *FTINTC020) slotOfLocked(line uint32) (uint32, bool) {
	for slot := uint32(0); slot < VectSlots; slot++ {
		ctrl := ic.bank.Read32(RegVectCtrl + 4*slot)
		if ctrl&VectEnable != 0 && ctrl&VectLineMask == line {
			return slot, true
		}
	}
	return 0, false
}

// SetPriority moves line into vector slot, where slot 0 is the highest
// priority. A slot held by another line is ErrSlotBusy; the previous slot of
// line, if any, is released.
func (ic *FTINTC020) SetPriority(line, slot uint32) error {
	if err := ic.checkVectored(); err != nil {
		return err
	}
	if err := ic.checkLine(line); err != nil {
		return err
	}
	if slot >= VectSlots {
		return fmt.Errorf("intc: %s: vector slot %d of %d: %w", ic.name, slot, VectSlots, ErrInvalidArgument)
	}

	flags := ic.lock.LockIRQSave()
	defer ic.lock.UnlockIRQRestore(flags)

	ctrl := ic.bank.Read32(RegVectCtrl + 4*slot)
	if ctrl&VectEnable != 0 {
		if owner := ctrl & VectLineMask; owner != line {
			return fmt.Errorf("intc: %s: slot %d holds line %d: %w", ic.name, slot, owner, ErrSlotBusy)
		}
		return nil
	}
	if old, ok := ic.slotOfLocked(line); ok {
		ic.bank.Write32(RegVectCtrl+4*old, 0)
		ic.bank.Write32(RegVectAddr+4*old, 0)
	}
	ic.bank.Write32(RegVectAddr+4*slot, line)
	ic.bank.Write32(RegVectCtrl+4*slot, VectEnable|line)
	return nil
}

// ClearPriority releases the vector slot routing line. Lines without a slot
// are left alone.
func (ic *FTINTC020) ClearPriority(line uint32) error {
	if err := ic.checkVectored(); err != nil {
		return err
	}
	if err := ic.checkLine(line); err != nil {
		return err
	}

	flags := ic.lock.LockIRQSave()
	defer ic.lock.UnlockIRQRestore(flags)

	if slot, ok := ic.slotOfLocked(line); ok {
		ic.bank.Write32(RegVectCtrl+4*slot, 0)
		ic.bank.Write32(RegVectAddr+4*slot, 0)
	}
	return nil
}

// Priority returns the vector slot routing line, if any.
func (ic *FTINTC020) Priority(line uint32) (uint32, bool, error) {
	if err := ic.checkVectored(); err != nil {
		return 0, false, err
	}
	if err := ic.checkLine(line); err != nil {
		return 0, false, err
	}
	flags := ic.lock.LockIRQSave()
	slot, ok := ic.slotOfLocked(line)
	ic.lock.UnlockIRQRestore(flags)
	return slot, ok, nil
}

// Registers returns a side-effect free snapshot of the controller registers.
func (ic *FTINTC020) Registers() []Register {
	out := ic.bankRegisters()
	if !ic.vectored {
		return out
	}
	for slot := uint32(0); slot < VectSlots; slot++ {
		out = append(out,
			ic.read(fmt.Sprintf("vectaddr%d", slot), RegVectAddr+4*slot),
			ic.read(fmt.Sprintf("vectctrl%d", slot), RegVectCtrl+4*slot),
		)
	}
	return append(out,
		ic.read("defaddr", RegVectDef),
		ic.read("prioscheme", RegPrioScheme),
	)
}
