// Package intc drives the Faraday FTINTC020 and FTINTC030 interrupt
// controllers through a register bank.
//
// The controller is the single source of truth for line state: every query
// reads hardware, nothing is cached. All read-modify-write sequences run
// under a per-controller spinlock.
package intc

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"github.com/tinyrange/ftintc/internal/regs"
	"github.com/tinyrange/ftintc/internal/spinlock"
)

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrLineRange         = errors.New("line out of range")
	ErrSlotBusy          = errors.New("vector slot occupied")
	ErrUnsupportedScheme = errors.New("priority scheme not supported")
	ErrBankTooSmall      = errors.New("register bank too small")
)

// Controller is the capability set a dispatch layer needs from an interrupt
// controller.
type Controller interface {
	Name() string
	Variant() Variant
	Lines() uint32

	Mask(line uint32) error
	Unmask(line uint32) error
	SetTrigger(line uint32, t Trigger) error

	// Acknowledge returns the next line to service, or false when nothing is
	// pending. A false result is not an error.
	Acknowledge() (uint32, bool)
	// EndOfInterrupt returns an acknowledged line to the armed state.
	EndOfInterrupt(line uint32)
}

// Trigger is the sensitivity of a line.
type Trigger uint8

const (
	TriggerInvalid Trigger = iota
	EdgeRising
	EdgeFalling
	LevelHigh
	LevelLow
)

var triggerNames = [...]string{
	TriggerInvalid: "invalid",
	EdgeRising:     "edge-rising",
	EdgeFalling:    "edge-falling",
	LevelHigh:      "level-high",
	LevelLow:       "level-low",
}

func (t Trigger) String() string {
	if int(t) < len(triggerNames) {
		return triggerNames[t]
	}
	return fmt.Sprintf("trigger(%d)", uint8(t))
}

// ParseTrigger converts a trigger name such as "level-high" into a Trigger.
func ParseTrigger(s string) (Trigger, error) {
	for t, name := range triggerNames {
		if t != int(TriggerInvalid) && strings.EqualFold(s, name) {
			return Trigger(t), nil
		}
	}
	return TriggerInvalid, fmt.Errorf("intc: unknown trigger %q: %w", s, ErrInvalidArgument)
}

// IsEdge reports whether t latches on a transition.
func (t Trigger) IsEdge() bool {
	return t == EdgeRising || t == EdgeFalling
}

// encode returns the MODE and LEVEL register bits for t.
func (t Trigger) encode() (mode, level, ok bool) {
	switch t {
	case EdgeRising:
		return true, false, true
	case EdgeFalling:
		return true, true, true
	case LevelHigh:
		return false, false, true
	case LevelLow:
		return false, true, true
	default:
		return false, false, false
	}
}

// TriggerFromBits decodes MODE and LEVEL register bits.
func TriggerFromBits(mode, level bool) Trigger {
	switch {
	case mode && !level:
		return EdgeRising
	case mode && level:
		return EdgeFalling
	case !mode && !level:
		return LevelHigh
	default:
		return LevelLow
	}
}

// Options configures a controller at construction.
type Options struct {
	// Name identifies the controller in errors and traces.
	Name string
	// IRQFlags masks local interrupts while the controller lock is held.
	IRQFlags spinlock.IRQFlags
	// Scheme selects the FTINTC020 vectored priority scheme.
	Scheme PriorityScheme
	// MatchID identifies the CPUs served by an FTINTC030 dispatch path, one
	// bit per CPU.
	MatchID uint32
}

// New constructs and initializes a controller of the given variant.
func New(v Variant, bank regs.Bank, opts Options) (Controller, error) {
	switch v {
	case VariantFTINTC020:
		return New020(bank, false, opts)
	case VariantFTINTC020Vectored:
		return New020(bank, true, opts)
	case VariantFTINTC030:
		return New030(bank, opts)
	default:
		return nil, fmt.Errorf("intc: %s: %w", v, ErrInvalidArgument)
	}
}

// core holds the state and operations shared by every variant.
type core struct {
	name    string
	variant Variant
	layout  *layout
	bank    regs.Bank
	lines   uint32
	lock    spinlock.Lock
}

func newCore(v Variant, bank regs.Bank, opts Options) (*core, error) {
	l := layoutFor(v)
	name := opts.Name
	if name == "" {
		name = v.String()
	}
	if bank == nil {
		return nil, fmt.Errorf("intc: %s: nil register bank: %w", name, ErrInvalidArgument)
	}
	if bank.Size() < l.span {
		return nil, fmt.Errorf("intc: %s: bank is 0x%x bytes, need 0x%x: %w",
			name, bank.Size(), l.span, ErrBankTooSmall)
	}
	lines := l.decodeLines(bank.Read32(RegFeature))
	if lines == 0 || lines > l.maxLines {
		return nil, fmt.Errorf("intc: %s: feature register reports %d lines (max %d): %w",
			name, lines, l.maxLines, ErrInvalidArgument)
	}
	c := &core{
		name:    name,
		variant: v,
		layout:  l,
		bank:    bank,
		lines:   lines,
	}
	c.lock.SetIRQFlags(opts.IRQFlags)
	return c, nil
}

func (c *core) Name() string     { return c.name }
func (c *core) Variant() Variant { return c.variant }
func (c *core) Lines() uint32    { return c.lines }

func (c *core) checkLine(line uint32) error {
	if line >= c.lines {
		return fmt.Errorf("intc: %s: line %d of %d: %w", c.name, line, c.lines, ErrLineRange)
	}
	return nil
}

// reg returns the absolute offset of a per-bank register for line.
func (c *core) reg(line, reg uint32) uint32 {
	return c.layout.bankOffset(line) + reg
}

// modifyLocked sets or clears line's bit in a per-bank register. The caller
// holds c.lock.
func (c *core) modifyLocked(line, reg uint32, set bool) {
	off := c.reg(line, reg)
	v := c.bank.Read32(off)
	bit := uint32(1) << (line % 32)
	if set {
		v |= bit
	} else {
		v &^= bit
	}
	c.bank.Write32(off, v)
}

// reset disables every line, clears pending state and resets sensitivity.
func (c *core) reset() {
	flags := c.lock.LockIRQSave()
	defer c.lock.UnlockIRQRestore(flags)
	for line := uint32(0); line < c.lines; line += 32 {
		c.bank.Write32(c.reg(line, RegEnable), 0)
		c.bank.Write32(c.reg(line, RegClear), 0xffffffff)
		c.bank.Write32(c.reg(line, RegMode), 0)
		c.bank.Write32(c.reg(line, RegLevel), 0)
	}
}

// Mask stops line from delivering interrupts. Masking a pending line
// suppresses delivery without acknowledging it.
func (c *core) Mask(line uint32) error {
	if err := c.checkLine(line); err != nil {
		return err
	}
	flags := c.lock.LockIRQSave()
	c.modifyLocked(line, RegEnable, false)
	c.lock.UnlockIRQRestore(flags)
	return nil
}

// Unmask arms line.
func (c *core) Unmask(line uint32) error {
	if err := c.checkLine(line); err != nil {
		return err
	}
	flags := c.lock.LockIRQSave()
	c.modifyLocked(line, RegEnable, true)
	c.lock.UnlockIRQRestore(flags)
	return nil
}

// Enabled reads line's enable bit from hardware.
func (c *core) Enabled(line uint32) (bool, error) {
	if err := c.checkLine(line); err != nil {
		return false, err
	}
	return c.bank.Read32(c.reg(line, RegEnable))&(1<<(line%32)) != 0, nil
}

// SetTrigger programs the MODE and LEVEL bits for line as one locked update.
func (c *core) SetTrigger(line uint32, t Trigger) error {
	mode, level, ok := t.encode()
	if !ok {
		return fmt.Errorf("intc: %s: line %d: trigger %s: %w", c.name, line, t, ErrInvalidArgument)
	}
	if err := c.checkLine(line); err != nil {
		return err
	}
	flags := c.lock.LockIRQSave()
	c.modifyLocked(line, RegMode, mode)
	c.modifyLocked(line, RegLevel, level)
	c.lock.UnlockIRQRestore(flags)
	return nil
}

// Trigger reads line's sensitivity back from hardware.
func (c *core) Trigger(line uint32) (Trigger, error) {
	if err := c.checkLine(line); err != nil {
		return TriggerInvalid, err
	}
	bit := uint32(1) << (line % 32)
	flags := c.lock.LockIRQSave()
	mode := c.bank.Read32(c.reg(line, RegMode))&bit != 0
	level := c.bank.Read32(c.reg(line, RegLevel))&bit != 0
	c.lock.UnlockIRQRestore(flags)
	return TriggerFromBits(mode, level), nil
}

// pendingIn returns the lowest pending line in the bank holding first.
func (c *core) pendingIn(first uint32) (uint32, bool) {
	status := c.bank.Read32(c.reg(first, RegStatus))
	if valid := c.lines - first; valid < 32 {
		status &= (1 << valid) - 1
	}
	if status == 0 {
		return 0, false
	}
	return first + uint32(bits.TrailingZeros32(status)), true
}

// clearPending issues the write-1-to-clear for line.
func (c *core) clearPending(line uint32) {
	c.bank.Write32(c.reg(line, RegClear), 1<<(line%32))
}
