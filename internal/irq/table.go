// Package irq maps controller lines to process-wide virtual IRQ numbers and
// dispatches acknowledged interrupts to their handlers.
//
// Registration (AddDomain, Register, Request, Cascade) is serialized by a
// mutex and may allocate. The interrupt path (Resolve, Dispatch, HandleIRQ)
// is lock-free and never allocates, logs or returns an error.
package irq

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/ftintc/internal/intc"
)

// VIRQ is a virtual interrupt number. Zero is never allocated.
type VIRQ uint32

const InvalidVIRQ VIRQ = 0

// DefaultSize is the table capacity used when none is given.
const DefaultSize = 1024

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoDomain        = errors.New("controller has no domain")
	ErrDomainExists    = errors.New("controller already has a domain")
	ErrNotMapped       = errors.New("virq not mapped")
	ErrBusy            = errors.New("virq busy")
	ErrCycle           = errors.New("cascade would form a cycle")
	ErrNoSpace         = errors.New("virq space exhausted")
)

// descriptor is the per-virq state. Its identity fields never change once
// published; the bound action is swapped atomically.
type descriptor struct {
	virq   VIRQ
	domain *domain
	hwline uint32

	action  atomic.Pointer[action]
	running atomic.Bool
	count   atomic.Uint64
}

// domain is the line-to-virq map of one controller.
type domain struct {
	ctrl   intc.Controller
	legacy bool
	base   VIRQ
	revmap []atomic.Uint32

	// parent is the descriptor of the line this controller cascades into.
	// Written under Table.mu.
	parent *descriptor

	spurious atomic.Uint64
}

func (d *domain) resolve(hwline uint32) VIRQ {
	if hwline >= uint32(len(d.revmap)) {
		return InvalidVIRQ
	}
	return VIRQ(d.revmap[hwline].Load())
}

// DomainOptions selects how a controller's lines are numbered.
type DomainOptions struct {
	// Legacy preallocates virq Base+hwline for every line. Otherwise virqs
	// are allocated on first Register.
	Legacy bool
	Base   VIRQ
}

// Table is a virtual IRQ space shared by every controller in a system.
type Table struct {
	mu   sync.Mutex
	next VIRQ

	descs   []atomic.Pointer[descriptor]
	domains atomic.Pointer[map[intc.Controller]*domain]

	nestedDrops atomic.Uint64
	unowned     atomic.Uint64
}

// NewTable returns a table holding virqs 1 through size-1. A zero size
// selects DefaultSize.
func NewTable(size uint32) *Table {
	if size == 0 {
		size = DefaultSize
	}
	t := &Table{
		next:  1,
		descs: make([]atomic.Pointer[descriptor], size),
	}
	empty := make(map[intc.Controller]*domain)
	t.domains.Store(&empty)
	return t
}

// Size returns the capacity of the table, including the reserved virq 0.
func (t *Table) Size() uint32 { return uint32(len(t.descs)) }

func (t *Table) domainOf(ctrl intc.Controller) *domain {
	return (*t.domains.Load())[ctrl]
}

func (t *Table) desc(virq VIRQ) *descriptor {
	if virq == InvalidVIRQ || uint64(virq) >= uint64(len(t.descs)) {
		return nil
	}
	return t.descs[virq].Load()
}

// AddDomain gives ctrl a virq mapping. Each controller has exactly one.
func (t *Table) AddDomain(ctrl intc.Controller, opts DomainOptions) error {
	if ctrl == nil {
		return fmt.Errorf("irq: nil controller: %w", ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.domainOf(ctrl) != nil {
		return fmt.Errorf("irq: %s: %w", ctrl.Name(), ErrDomainExists)
	}
	d := &domain{
		ctrl:   ctrl,
		legacy: opts.Legacy,
		base:   opts.Base,
		revmap: make([]atomic.Uint32, ctrl.Lines()),
	}

	if opts.Legacy {
		end := uint64(opts.Base) + uint64(ctrl.Lines())
		if opts.Base == InvalidVIRQ || end > uint64(len(t.descs)) {
			return fmt.Errorf("irq: %s: legacy range %d-%d outside table of %d: %w",
				ctrl.Name(), opts.Base, end-1, len(t.descs), ErrInvalidArgument)
		}
		for v := opts.Base; uint64(v) < end; v++ {
			if t.descs[v].Load() != nil {
				return fmt.Errorf("irq: %s: legacy virq %d already in use: %w", ctrl.Name(), v, ErrBusy)
			}
		}
		for hw := uint32(0); hw < ctrl.Lines(); hw++ {
			t.publishLocked(d, hw, opts.Base+VIRQ(hw))
		}
	}

	old := *t.domains.Load()
	next := make(map[intc.Controller]*domain, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[ctrl] = d
	t.domains.Store(&next)
	return nil
}

func (t *Table) publishLocked(d *domain, hwline uint32, virq VIRQ) *descriptor {
	desc := &descriptor{virq: virq, domain: d, hwline: hwline}
	t.descs[virq].Store(desc)
	d.revmap[hwline].Store(uint32(virq))
	return desc
}

// allocLocked finds a free virq outside every legacy range.
func (t *Table) allocLocked() (VIRQ, bool) {
	n := VIRQ(len(t.descs))
	for i := VIRQ(0); i < n-1; i++ {
		v := t.next + i
		if v >= n {
			v -= n - 1
		}
		if t.descs[v].Load() == nil && !t.reservedLocked(v) {
			t.next = v + 1
			if t.next >= n {
				t.next = 1
			}
			return v, true
		}
	}
	return InvalidVIRQ, false
}

func (t *Table) reservedLocked(v VIRQ) bool {
	for _, d := range *t.domains.Load() {
		if d.legacy && v >= d.base && v < d.base+VIRQ(len(d.revmap)) {
			return true
		}
	}
	return false
}

// Register returns the virq for (ctrl, hwline), allocating one if needed.
// Registering the same pair again returns the same virq.
func (t *Table) Register(ctrl intc.Controller, hwline uint32) (VIRQ, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	desc, err := t.registerLocked(ctrl, hwline)
	if err != nil {
		return InvalidVIRQ, err
	}
	return desc.virq, nil
}

func (t *Table) registerLocked(ctrl intc.Controller, hwline uint32) (*descriptor, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("irq: nil controller: %w", ErrInvalidArgument)
	}
	d := t.domainOf(ctrl)
	if d == nil {
		return nil, fmt.Errorf("irq: %s: %w", ctrl.Name(), ErrNoDomain)
	}
	if hwline >= uint32(len(d.revmap)) {
		return nil, fmt.Errorf("irq: %s: line %d of %d: %w", ctrl.Name(), hwline, len(d.revmap), ErrInvalidArgument)
	}
	if virq := d.resolve(hwline); virq != InvalidVIRQ {
		return t.descs[virq].Load(), nil
	}
	virq, ok := t.allocLocked()
	if !ok {
		return nil, fmt.Errorf("irq: %s: line %d: %w", ctrl.Name(), hwline, ErrNoSpace)
	}
	return t.publishLocked(d, hwline, virq), nil
}

// Resolve returns the virq mapped to (ctrl, hwline), if any.
func (t *Table) Resolve(ctrl intc.Controller, hwline uint32) (VIRQ, bool) {
	d := t.domainOf(ctrl)
	if d == nil {
		return InvalidVIRQ, false
	}
	virq := d.resolve(hwline)
	return virq, virq != InvalidVIRQ
}

// Lookup returns the controller and line behind virq.
func (t *Table) Lookup(virq VIRQ) (intc.Controller, uint32, bool) {
	desc := t.desc(virq)
	if desc == nil {
		return nil, 0, false
	}
	return desc.domain.ctrl, desc.hwline, true
}
