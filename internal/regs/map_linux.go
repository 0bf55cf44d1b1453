//go:build linux

package regs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapping is a register window mapped from a device file.
type Mapping struct {
	*Window
	file *os.File
	mem  []byte
}

// Map maps size bytes at offset of path (for example /dev/mem with the
// controller's physical base, or a UIO map) as a register window.
func Map(path string, offset int64, size int) (*Mapping, error) {
	if size <= 0 || size%unix.Getpagesize() != 0 {
		return nil, fmt.Errorf("regs: map size 0x%x is not a page multiple", size)
	}
	if offset%int64(unix.Getpagesize()) != 0 {
		return nil, fmt.Errorf("regs: map offset 0x%x is not page aligned", offset)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(int(f.Fd()), offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("regs: mmap %s: %w", path, err)
	}
	w, err := NewWindow(mem)
	if err != nil {
		unix.Munmap(mem)
		f.Close()
		return nil, err
	}
	return &Mapping{Window: w, file: f, mem: mem}, nil
}

// Close unmaps the window. The Bank must not be used afterwards.
func (m *Mapping) Close() error {
	err := unix.Munmap(m.mem)
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}
