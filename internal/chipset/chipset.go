package chipset

import (
	"fmt"
	"sort"
)

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.DeviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Device returns the device registered under name.
func (c *Chipset) Device(name string) (ChipsetDevice, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// ReadMMIO dispatches an MMIO read to the registered device.
func (c *Chipset) ReadMMIO(addr uint64, data []byte) error {
	return c.HandleMMIO(addr, data, false)
}

// WriteMMIO dispatches an MMIO write to the registered device.
func (c *Chipset) WriteMMIO(addr uint64, data []byte) error {
	return c.HandleMMIO(addr, data, true)
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	if binding, ok := c.lookup(addr, uint64(len(data))); ok {
		if isWrite {
			return binding.handler.WriteMMIO(addr, data)
		}
		return binding.handler.ReadMMIO(addr, data)
	}

	return fmt.Errorf("chipset: MMIO address 0x%016x: %w", addr, ErrNoHandler)
}

// Routes reports whether a single device serves all of [addr, addr+size).
func (c *Chipset) Routes(addr, size uint64) bool {
	if addr+size < addr {
		return false
	}
	_, ok := c.lookup(addr, size)
	return ok
}

func (c *Chipset) lookup(addr, size uint64) (mmioBinding, bool) {
	// Regions are sorted and disjoint: the candidate is the last region
	// starting at or below addr.
	i := sort.Search(len(c.mmio), func(i int) bool {
		return c.mmio[i].region.Address > addr
	})
	if i == 0 {
		return mmioBinding{}, false
	}
	binding := c.mmio[i-1]
	if addr+size > binding.region.End() {
		return mmioBinding{}, false
	}
	return binding, true
}

// DeviceNames returns the registered device names in sorted order.
func (c *Chipset) DeviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
