// Package chipset assembles simulated devices onto a memory-mapped bus and
// carries interrupt lines between them.
package chipset

// Region is a span of bus addresses.
type Region struct {
	Address uint64
	Size    uint64
}

// End returns the first address past the region.
func (r Region) End() uint64 { return r.Address + r.Size }

// MmioHandler handles reads and writes to memory-mapped regions.
type MmioHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// MmioIntercept describes the MMIO regions a device serves and the handler for them.
type MmioIntercept struct {
	Regions []Region
	Handler MmioHandler
}

// InterruptSink receives level changes for numbered input lines.
type InterruptSink interface {
	SetIRQ(line uint32, level bool)
}

// InterruptSinkFunc adapts a function to InterruptSink.
type InterruptSinkFunc func(line uint32, level bool)

func (f InterruptSinkFunc) SetIRQ(line uint32, level bool) {
	if f != nil {
		f(line, level)
	}
}

// LineInterrupt models an interrupt line that supports level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// LineInterruptFromFunc adapts a simple level function to LineInterrupt.
func LineInterruptFromFunc(fn func(bool)) LineInterrupt {
	return lineInterruptFunc(fn)
}

type lineInterruptFunc func(bool)

func (f lineInterruptFunc) SetLevel(level bool) {
	if f != nil {
		f(level)
	}
}

func (f lineInterruptFunc) PulseInterrupt() {
	if f != nil {
		f(true)
		f(false)
	}
}

// ChipsetDevice is the interface all simulated bus devices implement.
type ChipsetDevice interface {
	Reset() error
	SupportsMmio() *MmioIntercept
}
