package irq

import (
	"fmt"

	"github.com/tinyrange/ftintc/internal/intc"
)

// Device-tree interrupt specifier trigger flags (second cell).
const (
	FlagNone        = 0
	FlagEdgeRising  = 1
	FlagEdgeFalling = 2
	FlagLevelHigh   = 4
	FlagLevelLow    = 8
)

// SpecifierCells is the #interrupt-cells value for both controllers.
const SpecifierCells = 2

// Translate decodes a two-cell <hwline flags> specifier for ctrl. A zero
// flags cell selects the reset sensitivity, level-high.
func Translate(ctrl intc.Controller, cells []uint32) (uint32, intc.Trigger, error) {
	if len(cells) != SpecifierCells {
		return 0, intc.TriggerInvalid, fmt.Errorf("irq: %s: specifier has %d cells, want %d: %w",
			ctrl.Name(), len(cells), SpecifierCells, ErrInvalidArgument)
	}
	hwline := cells[0]
	if hwline >= ctrl.Lines() {
		return 0, intc.TriggerInvalid, fmt.Errorf("irq: %s: specifier line %d of %d: %w",
			ctrl.Name(), hwline, ctrl.Lines(), ErrInvalidArgument)
	}
	t, err := FlagsTrigger(cells[1])
	if err != nil {
		return 0, intc.TriggerInvalid, fmt.Errorf("irq: %s: %w", ctrl.Name(), err)
	}
	return hwline, t, nil
}

// FlagsTrigger decodes a specifier flags cell.
func FlagsTrigger(flags uint32) (intc.Trigger, error) {
	switch flags {
	case FlagNone, FlagLevelHigh:
		return intc.LevelHigh, nil
	case FlagEdgeRising:
		return intc.EdgeRising, nil
	case FlagEdgeFalling:
		return intc.EdgeFalling, nil
	case FlagLevelLow:
		return intc.LevelLow, nil
	default:
		return intc.TriggerInvalid, fmt.Errorf("specifier flags 0x%x: %w", flags, ErrInvalidArgument)
	}
}

// SpecifierFlags encodes t as a specifier flags cell.
func SpecifierFlags(t intc.Trigger) uint32 {
	switch t {
	case intc.EdgeRising:
		return FlagEdgeRising
	case intc.EdgeFalling:
		return FlagEdgeFalling
	case intc.LevelLow:
		return FlagLevelLow
	default:
		return FlagLevelHigh
	}
}

// MapSpecifier translates a specifier, maps its line and programs its
// trigger. Lines described by a hardware tree are mapped this way on
// discovery rather than up front.
func (t *Table) MapSpecifier(ctrl intc.Controller, cells []uint32) (VIRQ, intc.Trigger, error) {
	hwline, trig, err := Translate(ctrl, cells)
	if err != nil {
		return InvalidVIRQ, intc.TriggerInvalid, err
	}
	virq, err := t.Register(ctrl, hwline)
	if err != nil {
		return InvalidVIRQ, intc.TriggerInvalid, err
	}
	if err := ctrl.SetTrigger(hwline, trig); err != nil {
		return InvalidVIRQ, intc.TriggerInvalid, fmt.Errorf("irq: %w", err)
	}
	return virq, trig, nil
}
