package irq

import (
	"fmt"

	"github.com/tinyrange/ftintc/internal/intc"
)

// Handler services one interrupt. It runs in interrupt context: it must be
// short and must not block.
type Handler interface {
	HandleInterrupt(virq VIRQ)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(virq VIRQ)

func (f HandlerFunc) HandleInterrupt(virq VIRQ) {
	if f != nil {
		f(virq)
	}
}

type actionKind uint8

const (
	kindLeaf actionKind = iota + 1
	kindCascade
)

func (k actionKind) String() string {
	switch k {
	case kindLeaf:
		return "leaf"
	case kindCascade:
		return "cascade"
	default:
		return "none"
	}
}

// action is what a virq is bound to: a leaf handler or a nested controller.
type action struct {
	kind  actionKind
	name  string
	leaf  Handler
	child *domain
}

// Request binds a leaf handler to virq.
func (t *Table) Request(virq VIRQ, name string, h Handler) error {
	if h == nil {
		return fmt.Errorf("irq: virq %d: nil handler: %w", virq, ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	desc := t.desc(virq)
	if desc == nil {
		return fmt.Errorf("irq: virq %d: %w", virq, ErrNotMapped)
	}
	if cur := desc.action.Load(); cur != nil {
		return fmt.Errorf("irq: virq %d: bound to %s %q: %w", virq, cur.kind, cur.name, ErrBusy)
	}
	desc.action.Store(&action{kind: kindLeaf, name: name, leaf: h})
	return nil
}

// Free masks the line behind virq and unbinds its leaf handler.
func (t *Table) Free(virq VIRQ) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	desc := t.desc(virq)
	if desc == nil {
		return fmt.Errorf("irq: virq %d: %w", virq, ErrNotMapped)
	}
	cur := desc.action.Load()
	if cur == nil {
		return nil
	}
	if cur.kind != kindLeaf {
		return fmt.Errorf("irq: virq %d: cascades cannot be freed: %w", virq, ErrInvalidArgument)
	}
	if err := desc.domain.ctrl.Mask(desc.hwline); err != nil {
		return err
	}
	desc.action.Store(nil)
	return nil
}

// Setup is the leaf driver entry point: map the line, program its trigger,
// bind h and unmask.
func (t *Table) Setup(ctrl intc.Controller, hwline uint32, trigger intc.Trigger, name string, h Handler) (VIRQ, error) {
	virq, err := t.Register(ctrl, hwline)
	if err != nil {
		return InvalidVIRQ, err
	}
	if err := ctrl.SetTrigger(hwline, trigger); err != nil {
		return InvalidVIRQ, fmt.Errorf("irq: %s: %w", name, err)
	}
	if err := t.Request(virq, name, h); err != nil {
		return InvalidVIRQ, err
	}
	if err := ctrl.Unmask(hwline); err != nil {
		_ = t.Free(virq)
		return InvalidVIRQ, fmt.Errorf("irq: %s: %w", name, err)
	}
	return virq, nil
}

// Cascade binds parent's line to child: an interrupt on that line runs the
// exception entry on child. The line is programmed level-high, matching the
// child's aggregated output, and unmasked. Repeating an existing link is a
// no-op that returns the same virq.
func (t *Table) Cascade(parent intc.Controller, line uint32, child intc.Controller) (VIRQ, error) {
	if parent == nil || child == nil {
		return InvalidVIRQ, fmt.Errorf("irq: cascade: nil controller: %w", ErrInvalidArgument)
	}
	if parent == child {
		return InvalidVIRQ, fmt.Errorf("irq: cascade %s into itself: %w", parent.Name(), ErrCycle)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cd := t.domainOf(child)
	if cd == nil {
		return InvalidVIRQ, fmt.Errorf("irq: cascade child %s: %w", child.Name(), ErrNoDomain)
	}
	desc, err := t.registerLocked(parent, line)
	if err != nil {
		return InvalidVIRQ, err
	}

	if cur := desc.action.Load(); cur != nil {
		if cur.kind == kindCascade && cur.child == cd {
			return desc.virq, nil
		}
		return InvalidVIRQ, fmt.Errorf("irq: cascade %s line %d: bound to %s %q: %w",
			parent.Name(), line, cur.kind, cur.name, ErrBusy)
	}
	if cd.parent != nil {
		return InvalidVIRQ, fmt.Errorf("irq: cascade child %s already hangs off %s line %d: %w",
			child.Name(), cd.parent.domain.ctrl.Name(), cd.parent.hwline, ErrBusy)
	}
	for d := desc.domain; d != nil; {
		if d == cd {
			return InvalidVIRQ, fmt.Errorf("irq: cascade %s line %d into %s: %w",
				parent.Name(), line, child.Name(), ErrCycle)
		}
		if d.parent == nil {
			break
		}
		d = d.parent.domain
	}

	if err := parent.SetTrigger(line, intc.LevelHigh); err != nil {
		return InvalidVIRQ, fmt.Errorf("irq: cascade: %w", err)
	}
	desc.action.Store(&action{kind: kindCascade, name: child.Name(), child: cd})
	cd.parent = desc
	if err := parent.Unmask(line); err != nil {
		desc.action.Store(nil)
		cd.parent = nil
		return InvalidVIRQ, fmt.Errorf("irq: cascade: %w", err)
	}
	return desc.virq, nil
}

// Dispatch runs the action bound to virq and reports whether one ran. A
// dispatch of a virq that is already running is dropped and counted.
func (t *Table) Dispatch(virq VIRQ) bool {
	desc := t.desc(virq)
	if desc == nil {
		return false
	}
	return t.dispatch(desc)
}

func (t *Table) dispatch(desc *descriptor) bool {
	act := desc.action.Load()
	if act == nil {
		return false
	}
	if !desc.running.CompareAndSwap(false, true) {
		t.nestedDrops.Add(1)
		return false
	}
	switch act.kind {
	case kindLeaf:
		act.leaf.HandleInterrupt(desc.virq)
	case kindCascade:
		t.handle(act.child)
	}
	desc.count.Add(1)
	desc.running.Store(false)
	return true
}

// HandleIRQ is the exception entry for ctrl: acknowledge, resolve, dispatch,
// then complete the line. It reports whether a handler ran. A spurious entry
// (nothing pending, or a line with nothing bound) dispatches nothing.
//
// The acknowledging frame owns the end-of-interrupt. A cascade handler
// completes the child's line inside its own frame and returns; the parent
// line is completed here, once, after the whole chain has run.
func (t *Table) HandleIRQ(ctrl intc.Controller) bool {
	d := t.domainOf(ctrl)
	if d == nil {
		if line, ok := ctrl.Acknowledge(); ok {
			ctrl.EndOfInterrupt(line)
		}
		t.unowned.Add(1)
		return false
	}
	return t.handle(d)
}

func (t *Table) handle(d *domain) bool {
	line, ok := d.ctrl.Acknowledge()
	if !ok {
		d.spurious.Add(1)
		return false
	}
	var desc *descriptor
	if virq := d.resolve(line); virq != InvalidVIRQ {
		desc = t.descs[virq].Load()
	}
	if desc == nil || desc.action.Load() == nil {
		d.spurious.Add(1)
		d.ctrl.EndOfInterrupt(line)
		return false
	}
	handled := t.dispatch(desc)
	d.ctrl.EndOfInterrupt(line)
	return handled
}
