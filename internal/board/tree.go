package board

import (
	"fmt"
	"strings"

	"github.com/tinyrange/ftintc/internal/fdt"
	"github.com/tinyrange/ftintc/internal/intc"
	"github.com/tinyrange/ftintc/internal/irq"
)

const (
	propCPUs     = "faraday,cpus"
	propVIRQs    = "faraday,virqs"
	propLines    = "faraday,nr-irqs"
	propMatchID  = "faraday,cpu-match"
	propScheme   = "faraday,priority-scheme"
	propIRQBase  = "faraday,irq-base"
	propAffinity = "faraday,affinity"
	propSlot     = "faraday,vector-slot"
)

var compatible = map[intc.Variant][]string{
	intc.VariantFTINTC020:         {"faraday,ftintc020"},
	intc.VariantFTINTC020Vectored: {"faraday,ftintc020-vectored", "faraday,ftintc020"},
	intc.VariantFTINTC030:         {"faraday,ftintc030"},
}

// DeviceTree exports the board as a device tree. Controllers are numbered
// by phandle in configuration order; devices and cascaded controllers name
// their parent with interrupt-parent and a two-cell specifier.
func (c *Config) DeviceTree() fdt.Node {
	root := fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"model":          {Strings: []string{c.Name}},
			propCPUs:         {U32: []uint32{c.CPUs}},
			propVIRQs:        {U32: []uint32{c.VIRQs}},
		},
	}

	phandles := make(map[string]uint32)
	for i := range c.Controllers {
		phandles[c.Controllers[i].Name] = uint32(i + 1)
	}
	for i := range c.Controllers {
		cc := &c.Controllers[i]
		v, _ := intc.ParseVariant(cc.Variant)
		props := map[string]fdt.Property{
			"compatible":           {Strings: compatible[v]},
			"reg":                  {U64: []uint64{cc.Base, windowSize}},
			"interrupt-controller": {Flag: true},
			"#interrupt-cells":     {U32: []uint32{irq.SpecifierCells}},
			"phandle":              {U32: []uint32{phandles[cc.Name]}},
			propLines:              {U32: []uint32{cc.Lines}},
		}
		if cc.MatchID != 0 {
			props[propMatchID] = fdt.Property{U32: []uint32{cc.MatchID}}
		}
		if cc.Scheme != "" {
			props[propScheme] = fdt.Property{Strings: []string{cc.Scheme}}
		}
		if cc.IRQBase != nil {
			props[propIRQBase] = fdt.Property{U32: []uint32{*cc.IRQBase}}
		}
		if cc.Parent != "" {
			props["interrupt-parent"] = fdt.Property{U32: []uint32{phandles[cc.Parent]}}
			props["interrupts"] = fdt.Property{U32: []uint32{cc.ParentLine, irq.FlagLevelHigh}}
		}
		root.Children = append(root.Children, fdt.Node{
			Name:       fmt.Sprintf("%s@%x", cc.Name, cc.Base),
			Properties: props,
		})
	}

	for i := range c.Devices {
		dc := &c.Devices[i]
		trig, _ := intc.ParseTrigger(dc.Trigger)
		props := map[string]fdt.Property{
			"interrupt-parent": {U32: []uint32{phandles[dc.Controller]}},
			"interrupts":       {U32: []uint32{dc.Line, irq.SpecifierFlags(trig)}},
		}
		if dc.Affinity != 0 {
			props[propAffinity] = fdt.Property{U32: []uint32{dc.Affinity}}
		}
		if dc.Slot != nil {
			props[propSlot] = fdt.Property{U32: []uint32{*dc.Slot}}
		}
		if dc.Model == ModelPL031 {
			props["compatible"] = fdt.Property{Strings: []string{"arm,pl031", "arm,primecell"}}
			props["reg"] = fdt.Property{U64: []uint64{dc.Base, windowSize}}
		}
		root.Children = append(root.Children, fdt.Node{Name: dc.Name, Properties: props})
	}
	return root
}

// DeviceTree exports the running board's description.
func (b *Board) DeviceTree() fdt.Node { return b.cfg.DeviceTree() }

// FromTree rebuilds a board description from a DTB produced by DeviceTree.
func FromTree(blob []byte) (*Config, error) {
	root, err := fdt.Parse(blob)
	if err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	cfg := &Config{}
	if root.Has("model") {
		if cfg.Name, err = root.String("model"); err != nil {
			return nil, fmt.Errorf("board: %w", err)
		}
	}
	if root.Has(propCPUs) {
		if cfg.CPUs, err = root.Cell(propCPUs); err != nil {
			return nil, fmt.Errorf("board: %w", err)
		}
	}
	if root.Has(propVIRQs) {
		n, err := root.Cell(propVIRQs)
		if err != nil {
			return nil, fmt.Errorf("board: %w", err)
		}
		cfg.VIRQs = n
	}

	byPhandle := make(map[uint32]string)
	var ctrlNodes, leaves []*fdt.Node
	for i := range root.Children {
		n := &root.Children[i]
		if !n.Has("interrupt-controller") {
			if n.Has("interrupts") {
				leaves = append(leaves, n)
			}
			continue
		}
		cc, phandle, err := controllerFromNode(n)
		if err != nil {
			return nil, fmt.Errorf("board: %w", err)
		}
		byPhandle[phandle] = cc.Name
		cfg.Controllers = append(cfg.Controllers, cc)
		ctrlNodes = append(ctrlNodes, n)
	}

	// Parents resolve once every phandle is known.
	for i := range cfg.Controllers {
		cc, n := &cfg.Controllers[i], ctrlNodes[i]
		if !n.Has("interrupts") {
			continue
		}
		parent, line, _, err := specifier(n, byPhandle)
		if err != nil {
			return nil, fmt.Errorf("board: %w", err)
		}
		cc.Parent, cc.ParentLine = parent, line
	}

	for _, n := range leaves {
		ctrl, line, flags, err := specifier(n, byPhandle)
		if err != nil {
			return nil, fmt.Errorf("board: %w", err)
		}
		dc := DeviceConfig{Name: n.Name, Controller: ctrl, Line: line}
		trig, err := irq.FlagsTrigger(flags)
		if err != nil {
			return nil, fmt.Errorf("board: %s: %w", n.Name, err)
		}
		dc.Trigger = trig.String()
		if n.Has(propAffinity) {
			if dc.Affinity, err = n.Cell(propAffinity); err != nil {
				return nil, fmt.Errorf("board: %w", err)
			}
		}
		if n.Has(propSlot) {
			slot, err := n.Cell(propSlot)
			if err != nil {
				return nil, fmt.Errorf("board: %w", err)
			}
			dc.Slot = &slot
		}
		if n.Has("compatible") {
			compat, err := n.String("compatible")
			if err != nil {
				return nil, fmt.Errorf("board: %w", err)
			}
			if compat == "arm,pl031" {
				reg, err := n.Cells("reg")
				if err != nil || len(reg) != 4 {
					return nil, fmt.Errorf("board: %s: bad reg", n.Name)
				}
				dc.Model = ModelPL031
				dc.Base = uint64(reg[0])<<32 | uint64(reg[1])
			}
		}
		cfg.Devices = append(cfg.Devices, dc)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func controllerFromNode(n *fdt.Node) (ControllerConfig, uint32, error) {
	name, _, _ := strings.Cut(n.Name, "@")
	cc := ControllerConfig{Name: name}

	compat, err := n.String("compatible")
	if err != nil {
		return cc, 0, err
	}
	cc.Variant = strings.TrimPrefix(compat, "faraday,")
	reg, err := n.Cells("reg")
	if err != nil {
		return cc, 0, err
	}
	if len(reg) != 4 {
		return cc, 0, fmt.Errorf("%s: reg has %d cells, want 4", n.Name, len(reg))
	}
	cc.Base = uint64(reg[0])<<32 | uint64(reg[1])
	if cc.Lines, err = n.Cell(propLines); err != nil {
		return cc, 0, err
	}
	if n.Has(propMatchID) {
		if cc.MatchID, err = n.Cell(propMatchID); err != nil {
			return cc, 0, err
		}
	}
	if n.Has(propScheme) {
		if cc.Scheme, err = n.String(propScheme); err != nil {
			return cc, 0, err
		}
	}
	if n.Has(propIRQBase) {
		base, err := n.Cell(propIRQBase)
		if err != nil {
			return cc, 0, err
		}
		cc.IRQBase = &base
	}
	phandle, err := n.Cell("phandle")
	if err != nil {
		return cc, 0, err
	}
	return cc, phandle, nil
}

// specifier resolves a node's interrupt-parent and two-cell interrupts.
func specifier(n *fdt.Node, byPhandle map[uint32]string) (ctrl string, line, flags uint32, err error) {
	phandle, err := n.Cell("interrupt-parent")
	if err != nil {
		return "", 0, 0, err
	}
	ctrl, ok := byPhandle[phandle]
	if !ok {
		return "", 0, 0, fmt.Errorf("%s: interrupt-parent %d is not a controller", n.Name, phandle)
	}
	cells, err := n.Cells("interrupts")
	if err != nil {
		return "", 0, 0, err
	}
	if len(cells) != irq.SpecifierCells {
		return "", 0, 0, fmt.Errorf("%s: interrupts has %d cells, want %d", n.Name, len(cells), irq.SpecifierCells)
	}
	return ctrl, cells[0], cells[1], nil
}
