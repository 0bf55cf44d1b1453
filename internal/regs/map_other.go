//go:build !linux

package regs

import "errors"

// Mapping is a register window mapped from a device file.
type Mapping struct {
	*Window
}

// Map is only supported on Linux.
func Map(path string, offset int64, size int) (*Mapping, error) {
	return nil, errors.New("regs: device mapping is only supported on linux")
}

func (m *Mapping) Close() error { return nil }
