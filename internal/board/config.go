// Package board brings up a set of interrupt controllers, their cascades
// and leaf devices from a YAML board description.
package board

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/ftintc/internal/intc"
	"github.com/tinyrange/ftintc/internal/irq"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("board: invalid config")

// Config is a board description.
type Config struct {
	Name        string             `yaml:"name"`
	CPUs        uint32             `yaml:"cpus"`
	VIRQs       uint32             `yaml:"virqs"`
	Controllers []ControllerConfig `yaml:"controllers"`
	Devices     []DeviceConfig     `yaml:"devices"`
}

// ControllerConfig describes one controller instance.
type ControllerConfig struct {
	Name    string `yaml:"name"`
	Variant string `yaml:"variant"`
	Base    uint64 `yaml:"base"`
	Lines   uint32 `yaml:"lines"`
	// MatchID is the CPU_MATCH value of an ftintc030; zero selects CPU 0.
	MatchID uint32 `yaml:"match_id,omitempty"`
	// Scheme is the vectored ftintc020 priority scheme.
	Scheme string `yaml:"scheme,omitempty"`
	// IRQBase requests a legacy domain whose virqs are IRQBase+line.
	IRQBase    *uint32 `yaml:"irq_base,omitempty"`
	Parent     string  `yaml:"parent,omitempty"`
	ParentLine uint32  `yaml:"parent_line,omitempty"`
}

// DeviceConfig describes a leaf interrupt client.
type DeviceConfig struct {
	Name       string `yaml:"name"`
	Controller string `yaml:"controller"`
	Line       uint32 `yaml:"line"`
	Trigger    string `yaml:"trigger,omitempty"`
	// Affinity is an ftintc030 CPU mask for shared lines.
	Affinity uint32 `yaml:"affinity,omitempty"`
	// Slot places the line in a vectored ftintc020 priority slot.
	Slot *uint32 `yaml:"slot,omitempty"`
	// Model backs the device with a simulated peripheral at Base.
	Model string `yaml:"model,omitempty"`
	Base  uint64 `yaml:"base,omitempty"`
}

// ModelPL031 is an ARM PL031 real time clock raising its match interrupt.
const ModelPL031 = "pl031"

// Load reads and validates a board description from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML board description.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("board: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks the description and fills in defaults.
func (c *Config) Validate() error {
	if c.CPUs == 0 {
		c.CPUs = 1
	}
	if c.CPUs > intc.MaxCPUs {
		return invalid("cpus: %d exceeds %d", c.CPUs, intc.MaxCPUs)
	}
	if c.VIRQs == 0 {
		c.VIRQs = irq.DefaultSize
	}
	if len(c.Controllers) == 0 {
		return invalid("controllers: none defined")
	}

	names := make(map[string]string)
	ctrls := make(map[string]*ControllerConfig)
	for i := range c.Controllers {
		cc := &c.Controllers[i]
		if cc.Name == "" {
			return invalid("controllers[%d].name: empty", i)
		}
		if prev, ok := names[cc.Name]; ok {
			return invalid("controllers[%d].name: %q already names a %s", i, cc.Name, prev)
		}
		names[cc.Name] = "controller"
		ctrls[cc.Name] = cc

		v, err := intc.ParseVariant(cc.Variant)
		if err != nil {
			return invalid("controllers[%d].variant: %q", i, cc.Variant)
		}
		if cc.Lines == 0 || cc.Lines > intc.MaxLines(v) {
			return invalid("controllers[%d].lines: %d not in 1..%d", i, cc.Lines, intc.MaxLines(v))
		}
		if cc.Base%windowSize != 0 {
			return invalid("controllers[%d].base: 0x%x is not 0x%x aligned", i, cc.Base, windowSize)
		}
		switch v {
		case intc.VariantFTINTC030:
			if cc.MatchID == 0 {
				cc.MatchID = 1
			}
			if cc.MatchID > 0xff || cc.MatchID>>c.CPUs != 0 {
				return invalid("controllers[%d].match_id: 0x%x outside %d cpus", i, cc.MatchID, c.CPUs)
			}
		default:
			if cc.MatchID != 0 {
				return invalid("controllers[%d].match_id: only ftintc030 has a cpu interface", i)
			}
		}
		if cc.Scheme != "" {
			if v != intc.VariantFTINTC020Vectored {
				return invalid("controllers[%d].scheme: only ftintc020-vectored has a priority scheme", i)
			}
			if _, err := intc.ParsePriorityScheme(cc.Scheme); err != nil {
				return invalid("controllers[%d].scheme: %q", i, cc.Scheme)
			}
		}
		if cc.IRQBase != nil {
			if err := c.checkIRQBase(i); err != nil {
				return err
			}
		}
	}

	roots := 0
	used := make(map[string]map[uint32]string)
	claim := func(ctrl string, line uint32, who string) error {
		if used[ctrl] == nil {
			used[ctrl] = make(map[uint32]string)
		}
		if prev, ok := used[ctrl][line]; ok {
			return invalid("%s: %s line %d already used by %s", who, ctrl, line, prev)
		}
		used[ctrl][line] = who
		return nil
	}
	for i := range c.Controllers {
		cc := &c.Controllers[i]
		if cc.Parent == "" {
			roots++
			continue
		}
		parent, ok := ctrls[cc.Parent]
		if !ok {
			return invalid("controllers[%d].parent: unknown controller %q", i, cc.Parent)
		}
		if cc.ParentLine >= parent.Lines {
			return invalid("controllers[%d].parent_line: %d of %d", i, cc.ParentLine, parent.Lines)
		}
		if err := claim(cc.Parent, cc.ParentLine, cc.Name); err != nil {
			return err
		}
		// Every walk up from a controller must reach a root.
		seen := map[string]bool{cc.Name: true}
		for p := parent; ; {
			if seen[p.Name] {
				return invalid("controllers[%d].parent: cascade cycle through %q", i, p.Name)
			}
			seen[p.Name] = true
			if p.Parent == "" {
				break
			}
			next, ok := ctrls[p.Parent]
			if !ok {
				return invalid("controller %q: unknown parent %q", p.Name, p.Parent)
			}
			p = next
		}
	}
	if roots != 1 {
		return invalid("controllers: %d have no parent, want exactly one", roots)
	}

	slots := make(map[string]map[uint32]string)
	for i := range c.Devices {
		dc := &c.Devices[i]
		if dc.Name == "" {
			return invalid("devices[%d].name: empty", i)
		}
		if prev, ok := names[dc.Name]; ok {
			return invalid("devices[%d].name: %q already names a %s", i, dc.Name, prev)
		}
		names[dc.Name] = "device"
		cc, ok := ctrls[dc.Controller]
		if !ok {
			return invalid("devices[%d].controller: unknown controller %q", i, dc.Controller)
		}
		if dc.Line >= cc.Lines {
			return invalid("devices[%d].line: %d of %d", i, dc.Line, cc.Lines)
		}
		if dc.Trigger == "" {
			dc.Trigger = intc.LevelHigh.String()
		}
		switch dc.Model {
		case "":
			if dc.Base != 0 {
				return invalid("devices[%d].base: only modelled devices have registers", i)
			}
		case ModelPL031:
			if dc.Base == 0 || dc.Base%windowSize != 0 {
				return invalid("devices[%d].base: 0x%x is not a 0x%x aligned window", i, dc.Base, windowSize)
			}
			if dc.Trigger != intc.LevelHigh.String() {
				return invalid("devices[%d].trigger: %s output is level-high", i, dc.Model)
			}
		default:
			return invalid("devices[%d].model: unknown model %q", i, dc.Model)
		}
		if _, err := intc.ParseTrigger(dc.Trigger); err != nil {
			return invalid("devices[%d].trigger: %q", i, dc.Trigger)
		}
		v, _ := intc.ParseVariant(cc.Variant)
		if dc.Affinity != 0 {
			if v != intc.VariantFTINTC030 || dc.Line < intc.FirstSPI {
				return invalid("devices[%d].affinity: line %d of %s is not a shared line", i, dc.Line, cc.Name)
			}
			if dc.Affinity>>c.CPUs != 0 {
				return invalid("devices[%d].affinity: 0x%x outside %d cpus", i, dc.Affinity, c.CPUs)
			}
		}
		if dc.Slot != nil {
			if v != intc.VariantFTINTC020Vectored {
				return invalid("devices[%d].slot: %s has no vector table", i, cc.Name)
			}
			if *dc.Slot >= intc.VectSlots {
				return invalid("devices[%d].slot: %d of %d", i, *dc.Slot, intc.VectSlots)
			}
			if slots[cc.Name] == nil {
				slots[cc.Name] = make(map[uint32]string)
			}
			if prev, ok := slots[cc.Name][*dc.Slot]; ok {
				return invalid("devices[%d].slot: %s slot %d already holds %s", i, cc.Name, *dc.Slot, prev)
			}
			slots[cc.Name][*dc.Slot] = dc.Name
		}
		if err := claim(dc.Controller, dc.Line, dc.Name); err != nil {
			return err
		}
	}
	return nil
}

// depth returns how many cascades separate cc from the root.
func (c *Config) depth(cc *ControllerConfig) int {
	n := 0
	for cc.Parent != "" {
		cc = c.controller(cc.Parent)
		n++
	}
	return n
}

func (c *Config) controller(name string) *ControllerConfig {
	for i := range c.Controllers {
		if c.Controllers[i].Name == name {
			return &c.Controllers[i]
		}
	}
	return nil
}

// checkIRQBase validates the legacy virq range of controller i against the
// table size and the ranges of the controllers before it. Virq 0 is never
// handed out.
func (c *Config) checkIRQBase(i int) error {
	cc := &c.Controllers[i]
	base, end := uint64(*cc.IRQBase), uint64(*cc.IRQBase)+uint64(cc.Lines)
	if base == 0 {
		return invalid("controllers[%d].irq_base: virq 0 is reserved", i)
	}
	if end > uint64(c.VIRQs) {
		return invalid("controllers[%d].irq_base: %d+%d exceeds %d virqs", i, base, cc.Lines, c.VIRQs)
	}
	for j := 0; j < i; j++ {
		prev := &c.Controllers[j]
		if prev.IRQBase == nil {
			continue
		}
		pbase := uint64(*prev.IRQBase)
		if base < pbase+uint64(prev.Lines) && pbase < end {
			return invalid("controllers[%d].irq_base: virqs %d-%d overlap %s", i, base, end-1, prev.Name)
		}
	}
	return nil
}
