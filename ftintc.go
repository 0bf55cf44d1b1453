// Package ftintc brings up trees of Faraday FTINTC020 and FTINTC030
// interrupt controllers, either as register models on a simulated bus or
// on mapped hardware, and dispatches their interrupts to Go handlers.
package ftintc

import (
	"fmt"

	"github.com/tinyrange/ftintc/internal/board"
	"github.com/tinyrange/ftintc/internal/intc"
	"github.com/tinyrange/ftintc/internal/irq"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal packages
// -----------------------------------------------------------------------------

// Config is a board description.
type Config = board.Config

// ControllerConfig describes one controller instance.
type ControllerConfig = board.ControllerConfig

// DeviceConfig describes a leaf interrupt client.
type DeviceConfig = board.DeviceConfig

// Options configures bring-up.
type Options = board.Options

// Mode selects where controller registers live.
type Mode = board.Mode

// Controller is a brought-up interrupt controller.
type Controller = intc.Controller

// Trigger is the sensitivity of a line.
type Trigger = intc.Trigger

// VIRQ is a virtual interrupt number.
type VIRQ = irq.VIRQ

// Handler services one interrupt.
type Handler = irq.Handler

// HandlerFunc adapts a function to Handler.
type HandlerFunc = irq.HandlerFunc

// Stats is a snapshot of the dispatch table.
type Stats = irq.Stats

const (
	ModeSim  = board.ModeSim
	ModeMMIO = board.ModeMMIO
)

const (
	EdgeRising  = intc.EdgeRising
	EdgeFalling = intc.EdgeFalling
	LevelHigh   = intc.LevelHigh
	LevelLow    = intc.LevelLow
)

var (
	ErrInvalidConfig = board.ErrInvalidConfig
	ErrNotSimulated  = board.ErrNotSimulated
	ErrStorm         = board.ErrStorm
)

// System is a running controller tree.
type System struct {
	*board.Board
}

// Open loads a YAML board description and brings it up.
func Open(path string, opts Options) (*System, error) {
	cfg, err := board.Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts)
}

// OpenTree brings up the board described by a device tree blob.
func OpenTree(blob []byte, opts Options) (*System, error) {
	cfg, err := board.FromTree(blob)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts)
}

// Parse decodes and validates a YAML board description.
func Parse(data []byte) (*Config, error) {
	return board.Parse(data)
}

// New brings up cfg.
func New(cfg *Config, opts Options) (*System, error) {
	b, err := board.New(cfg, opts)
	if err != nil {
		return nil, err
	}
	return &System{Board: b}, nil
}

// Attach binds h to a line that the board description does not name. The
// line is programmed with trigger and unmasked.
func (s *System) Attach(controller string, line uint32, trigger Trigger, name string, h Handler) (VIRQ, error) {
	ctrl, ok := s.Controller(controller)
	if !ok {
		return irq.InvalidVIRQ, fmt.Errorf("ftintc: unknown controller %q", controller)
	}
	return s.Table().Setup(ctrl, line, trigger, name, h)
}

// Detach masks the line behind virq and unbinds its handler.
func (s *System) Detach(virq VIRQ) error {
	return s.Table().Free(virq)
}
