package board

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/tinyrange/ftintc/internal/chipset"
	"github.com/tinyrange/ftintc/internal/devices/ftintc020"
	"github.com/tinyrange/ftintc/internal/devices/ftintc030"
	"github.com/tinyrange/ftintc/internal/devices/pl031"
	"github.com/tinyrange/ftintc/internal/intc"
	"github.com/tinyrange/ftintc/internal/irq"
	"github.com/tinyrange/ftintc/internal/regs"
	"github.com/tinyrange/ftintc/internal/timeslice"
)

// windowSize is the register window mapped for every controller.
const windowSize = 0x1000

// maxService bounds one Service call.
const maxService = 4096

var (
	tsEntry    = timeslice.RegisterKind("entry")
	tsSpurious = timeslice.RegisterKind("spurious-entry")
)

var (
	ErrNotSimulated = errors.New("board: operation needs a simulated board")
	ErrUnknown      = errors.New("board: unknown name")
	ErrStorm        = errors.New("board: interrupt storm")
)

// Mode selects where controller registers live.
type Mode string

const (
	// ModeSim runs register models on an in-process bus.
	ModeSim Mode = "sim"
	// ModeMMIO maps the physical register windows from Options.Device.
	ModeMMIO Mode = "mmio"
)

// Options configures bring-up.
type Options struct {
	Mode Mode
	// Device is the memory device mapped in ModeMMIO.
	Device string
	// Trace records every register access in the open regtrace log.
	Trace  bool
	Logger *slog.Logger
}

// simModel is a register model on the simulated bus.
type simModel interface {
	chipset.ChipsetDevice
	chipset.InterruptSink
	SetOutput(chipset.LineInterrupt)
}

type controller struct {
	cfg     *ControllerConfig
	variant intc.Variant
	ic      intc.Controller
	parent  *controller
	link    irq.VIRQ

	model  simModel
	inputs *chipset.LineSet
}

type device struct {
	cfg     *DeviceConfig
	ctrl    *controller
	trigger intc.Trigger
	virq    irq.VIRQ
	count   atomic.Uint64

	input chipset.LineInterrupt
	// rtc and regs are set for devices backed by a simulated RTC; the
	// handler clears the source through regs like a driver would.
	rtc  *pl031.RTC
	regs regs.Bank
}

// Board is a brought-up interrupt tree.
type Board struct {
	cfg  *Config
	mode Mode
	log  *slog.Logger

	table    *irq.Table
	ctrls    []*controller
	byName   map[string]*controller
	top      *controller
	devices  []*device
	byDevice map[string]*device

	bus      *chipset.Chipset
	cpu      *chipset.LineSet
	rtcs     map[string]*pl031.RTC
	mappings []*regs.Mapping
	trace    bool
}

// New brings up cfg. The config is validated first.
func New(cfg *Config, opts Options) (*Board, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Mode == "" {
		opts.Mode = ModeSim
	}
	if opts.Device == "" {
		opts.Device = "/dev/mem"
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	b := &Board{
		cfg:      cfg,
		mode:     opts.Mode,
		log:      log.With("board", cfg.Name),
		table:    irq.NewTable(cfg.VIRQs),
		byName:   make(map[string]*controller),
		byDevice: make(map[string]*device),
		rtcs:     make(map[string]*pl031.RTC),
		trace:    opts.Trace,
	}

	// Parents come first so cascades always find their parent line.
	for i := range cfg.Controllers {
		cc := &cfg.Controllers[i]
		v, _ := intc.ParseVariant(cc.Variant)
		c := &controller{cfg: cc, variant: v}
		b.ctrls = append(b.ctrls, c)
		b.byName[cc.Name] = c
	}
	sort.SliceStable(b.ctrls, func(i, j int) bool {
		return cfg.depth(b.ctrls[i].cfg) < cfg.depth(b.ctrls[j].cfg)
	})
	for _, c := range b.ctrls {
		if c.cfg.Parent == "" {
			b.top = c
		} else {
			c.parent = b.byName[c.cfg.Parent]
		}
	}

	var err error
	switch opts.Mode {
	case ModeSim:
		err = b.buildSim()
	case ModeMMIO:
		err = b.mapWindows(opts.Device)
	default:
		err = fmt.Errorf("board: unknown mode %q", opts.Mode)
	}
	if err != nil {
		b.Close()
		return nil, err
	}
	if err := b.bringUp(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Board) buildSim() error {
	builder := chipset.NewBuilder()
	for _, c := range b.ctrls {
		var err error
		switch c.variant {
		case intc.VariantFTINTC030:
			c.model, err = ftintc030.New(ftintc030.Config{Base: c.cfg.Base, Lines: c.cfg.Lines})
		default:
			c.model, err = ftintc020.New(ftintc020.Config{
				Base:     c.cfg.Base,
				Lines:    c.cfg.Lines,
				Vectored: c.variant == intc.VariantFTINTC020Vectored,
			})
		}
		if err != nil {
			return fmt.Errorf("board: %s: %w", c.cfg.Name, err)
		}
		c.inputs = chipset.NewLineSet(c.model)
		if err := builder.RegisterDevice(c.cfg.Name, c.model); err != nil {
			return fmt.Errorf("board: %w", err)
		}
	}

	for i := range b.cfg.Devices {
		dc := &b.cfg.Devices[i]
		if dc.Model != ModelPL031 {
			continue
		}
		rtc := pl031.New(pl031.Config{Base: dc.Base})
		if err := builder.RegisterDevice(dc.Name, rtc); err != nil {
			return fmt.Errorf("board: %w", err)
		}
		b.rtcs[dc.Name] = rtc
	}

	b.cpu = chipset.NewLineSet(nil)
	for _, c := range b.ctrls {
		if c.parent == nil {
			c.model.SetOutput(b.cpu.AllocateLine(0))
		} else {
			c.model.SetOutput(c.parent.inputs.AllocateLine(c.cfg.ParentLine))
		}
	}

	bus, err := builder.Build()
	if err != nil {
		return fmt.Errorf("board: %w", err)
	}
	b.bus = bus
	return nil
}

func (b *Board) mapWindows(path string) error {
	for _, c := range b.ctrls {
		m, err := regs.Map(path, int64(c.cfg.Base), windowSize)
		if err != nil {
			return fmt.Errorf("board: %s: %w", c.cfg.Name, err)
		}
		b.mappings = append(b.mappings, m)
	}
	return nil
}

func (b *Board) bank(i int, c *controller) (regs.Bank, error) {
	if b.mode == ModeMMIO {
		return b.mappings[i], nil
	}
	return regs.NewBusBank(b.bus, c.cfg.Base, windowSize)
}

func (b *Board) bringUp() error {
	for i, c := range b.ctrls {
		bank, err := b.bank(i, c)
		if err != nil {
			return fmt.Errorf("board: %s: %w", c.cfg.Name, err)
		}
		if b.trace {
			bank = regs.Traced(bank, c.cfg.Name)
		}
		opts := intc.Options{Name: c.cfg.Name, MatchID: c.cfg.MatchID}
		if c.cfg.Scheme != "" {
			opts.Scheme, _ = intc.ParsePriorityScheme(c.cfg.Scheme)
		}
		c.ic, err = intc.New(c.variant, bank, opts)
		if err != nil {
			return fmt.Errorf("board: %w", err)
		}
		dopts := irq.DomainOptions{}
		if c.cfg.IRQBase != nil {
			dopts = irq.DomainOptions{Legacy: true, Base: irq.VIRQ(*c.cfg.IRQBase)}
		}
		if err := b.table.AddDomain(c.ic, dopts); err != nil {
			return fmt.Errorf("board: %w", err)
		}
		b.log.Info("controller up",
			"name", c.cfg.Name,
			"variant", c.variant,
			"base", fmt.Sprintf("0x%x", c.cfg.Base),
			"lines", c.ic.Lines())
	}

	for _, c := range b.ctrls {
		if c.parent == nil {
			continue
		}
		link, err := b.table.Cascade(c.parent.ic, c.cfg.ParentLine, c.ic)
		if err != nil {
			return fmt.Errorf("board: %w", err)
		}
		c.link = link
		b.log.Debug("cascade", "child", c.cfg.Name, "parent", c.parent.cfg.Name,
			"line", c.cfg.ParentLine, "virq", link)
	}

	if err := b.placeSlots(); err != nil {
		return err
	}
	for i := range b.cfg.Devices {
		if err := b.attach(&b.cfg.Devices[i]); err != nil {
			return err
		}
	}
	return nil
}

// placeSlots moves configured lines into their vector slots. The identity
// table seeded at init is released for every slot and line involved first.
func (b *Board) placeSlots() error {
	var placed []*DeviceConfig
	for i := range b.cfg.Devices {
		if b.cfg.Devices[i].Slot != nil {
			placed = append(placed, &b.cfg.Devices[i])
		}
	}
	for _, dc := range placed {
		ic := b.byName[dc.Controller].ic.(*intc.FTINTC020)
		for _, line := range []uint32{*dc.Slot, dc.Line} {
			if line >= ic.Lines() {
				continue
			}
			if err := ic.ClearPriority(line); err != nil {
				return fmt.Errorf("board: %s: %w", dc.Name, err)
			}
		}
	}
	for _, dc := range placed {
		ic := b.byName[dc.Controller].ic.(*intc.FTINTC020)
		if err := ic.SetPriority(dc.Line, *dc.Slot); err != nil {
			return fmt.Errorf("board: %s: %w", dc.Name, err)
		}
	}
	return nil
}

func (b *Board) attach(dc *DeviceConfig) error {
	c := b.byName[dc.Controller]
	trig, _ := intc.ParseTrigger(dc.Trigger)
	d := &device{cfg: dc, ctrl: c, trigger: trig, input: chipset.LineInterruptDetached()}

	if rtc := b.rtcs[dc.Name]; rtc != nil {
		bank, err := regs.NewBusBank(b.bus, dc.Base, pl031.DefaultSize)
		if err != nil {
			return fmt.Errorf("board: %s: %w", dc.Name, err)
		}
		d.regs = bank
		if b.trace {
			d.regs = regs.Traced(bank, dc.Name)
		}
		d.rtc = rtc
		rtc.SetIRQLine(c.inputs.AllocateLine(dc.Line))
	} else if c.inputs != nil {
		d.input = c.inputs.AllocateLine(dc.Line)
		// Active-low wires idle high.
		d.input.SetLevel(!activeLevel(trig))
	}
	if dc.Affinity != 0 {
		if err := c.ic.(*intc.FTINTC030).SetAffinity(dc.Line, dc.Affinity); err != nil {
			return fmt.Errorf("board: %s: %w", dc.Name, err)
		}
	}

	virq, _, err := b.table.MapSpecifier(c.ic, []uint32{dc.Line, irq.SpecifierFlags(trig)})
	if err != nil {
		return fmt.Errorf("board: %s: %w", dc.Name, err)
	}
	if err := b.table.Request(virq, dc.Name, irq.HandlerFunc(d.handle)); err != nil {
		return fmt.Errorf("board: %s: %w", dc.Name, err)
	}
	if err := c.ic.Unmask(dc.Line); err != nil {
		return fmt.Errorf("board: %s: %w", dc.Name, err)
	}
	d.virq = virq
	b.devices = append(b.devices, d)
	b.byDevice[dc.Name] = d
	b.log.Debug("device", "name", dc.Name, "controller", c.cfg.Name,
		"line", dc.Line, "trigger", trig, "virq", virq)
	return nil
}

func activeLevel(t intc.Trigger) bool {
	return t == intc.LevelHigh || t == intc.EdgeRising
}

// handle is the leaf handler of every device. A level device drops its
// request once it has been serviced.
func (d *device) handle(irq.VIRQ) {
	d.count.Add(1)
	if d.rtc != nil {
		if d.regs.Read32(pl031.RegMIS)&1 != 0 {
			d.regs.Write32(pl031.RegICR, 1)
		}
		return
	}
	if !d.trigger.IsEdge() {
		d.input.SetLevel(!activeLevel(d.trigger))
	}
}

// Close releases any mapped register windows.
func (b *Board) Close() error {
	var errs []error
	for _, m := range b.mappings {
		errs = append(errs, m.Close())
	}
	b.mappings = nil
	return errors.Join(errs...)
}

// Config returns the validated board description.
func (b *Board) Config() *Config { return b.cfg }

// Table returns the interrupt dispatch table.
func (b *Board) Table() *irq.Table { return b.table }

// Top returns the controller wired to the CPU.
func (b *Board) Top() intc.Controller { return b.top.ic }

// Controller looks up a controller by name.
func (b *Board) Controller(name string) (intc.Controller, bool) {
	c, ok := b.byName[name]
	if !ok {
		return nil, false
	}
	return c.ic, true
}

// Controllers returns controller names, parents first.
func (b *Board) Controllers() []string {
	out := make([]string, len(b.ctrls))
	for i, c := range b.ctrls {
		out[i] = c.cfg.Name
	}
	return out
}

// Devices returns device names in configuration order.
func (b *Board) Devices() []string {
	out := make([]string, len(b.devices))
	for i, d := range b.devices {
		out[i] = d.cfg.Name
	}
	return out
}

// Trigger returns the sensitivity a device was attached with.
func (b *Board) Trigger(name string) (intc.Trigger, error) {
	d, ok := b.byDevice[name]
	if !ok {
		return intc.TriggerInvalid, fmt.Errorf("%w: device %q", ErrUnknown, name)
	}
	return d.trigger, nil
}

// Registers snapshots the registers of the named controller.
func (b *Board) Registers(name string) ([]intc.Register, error) {
	c, ok := b.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: controller %q", ErrUnknown, name)
	}
	return c.ic.(intc.Dumper).Registers(), nil
}

func (b *Board) simDevice(name string) (*device, error) {
	if b.mode != ModeSim {
		return nil, ErrNotSimulated
	}
	d, ok := b.byDevice[name]
	if !ok {
		return nil, fmt.Errorf("%w: device %q", ErrUnknown, name)
	}
	return d, nil
}

// Raise asserts a device's interrupt wire. A modelled RTC is programmed to
// match its current count instead.
func (b *Board) Raise(name string) error {
	d, err := b.simDevice(name)
	if err != nil {
		return err
	}
	if d.rtc != nil {
		d.regs.Write32(pl031.RegIMSC, 1)
		d.regs.Write32(pl031.RegMatch, d.regs.Read32(pl031.RegData))
		return nil
	}
	d.input.SetLevel(activeLevel(d.trigger))
	return nil
}

// Lower returns a device's interrupt wire to idle.
func (b *Board) Lower(name string) error {
	d, err := b.simDevice(name)
	if err != nil {
		return err
	}
	if d.rtc != nil {
		d.regs.Write32(pl031.RegICR, 1)
		return nil
	}
	d.input.SetLevel(!activeLevel(d.trigger))
	return nil
}

// Pulse drives one active transition and back on a device's wire.
func (b *Board) Pulse(name string) error {
	d, err := b.simDevice(name)
	if err != nil {
		return err
	}
	if d.rtc != nil {
		d.regs.Write32(pl031.RegIMSC, 1)
		d.regs.Write32(pl031.RegMatch, d.regs.Read32(pl031.RegData))
		d.regs.Write32(pl031.RegICR, 1)
		return nil
	}
	d.input.PulseInterrupt()
	return nil
}

// Asserted reports whether the top controller's CPU output is high. It is
// always false on mapped hardware, where the CPU pin is not observable.
func (b *Board) Asserted() bool {
	return b.cpu != nil && b.cpu.Level(0)
}

// Service runs the exception entry on the top controller until nothing is
// left to deliver and returns how many entries dispatched a handler. On
// mapped hardware it runs until an entry finds nothing pending.
func (b *Board) Service() (int, error) {
	handled := 0
	for i := 0; i < maxService; i++ {
		if b.mode == ModeSim && !b.Asserted() {
			return handled, nil
		}
		start := time.Now()
		if b.table.HandleIRQ(b.top.ic) {
			timeslice.Since(tsEntry, start)
			handled++
			continue
		}
		timeslice.Since(tsSpurious, start)
		if b.mode == ModeMMIO {
			return handled, nil
		}
	}
	return handled, fmt.Errorf("%w: %d entries on %s", ErrStorm, maxService, b.top.cfg.Name)
}

// Counts returns how often each device's handler ran.
func (b *Board) Counts() map[string]uint64 {
	out := make(map[string]uint64, len(b.devices))
	for _, d := range b.devices {
		out[d.cfg.Name] = d.count.Load()
	}
	return out
}

// Count returns how often one device's handler ran.
func (b *Board) Count(name string) uint64 {
	if d, ok := b.byDevice[name]; ok {
		return d.count.Load()
	}
	return 0
}

// Stats returns the dispatch table statistics.
func (b *Board) Stats() irq.Stats { return b.table.Stats() }
