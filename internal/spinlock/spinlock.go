// Package spinlock implements a busy-wait lock for short register
// read-modify-write sequences that run in interrupt context.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// IRQFlags saves and restores the local CPU interrupt state around a
// critical section. Platforms that can mask interrupts provide one; the
// default does nothing.
type IRQFlags interface {
	Save() uintptr
	Restore(flags uintptr)
}

type noopFlags struct{}

func (noopFlags) Save() uintptr   { return 0 }
func (noopFlags) Restore(uintptr) {}

// Lock is a test-and-test-and-set spinlock. The zero value is unlocked.
type Lock struct {
	state atomic.Uint32
	flags IRQFlags
}

// SetIRQFlags installs the local interrupt save/restore hooks used by
// LockIRQSave. It must be called before the lock is shared.
func (l *Lock) SetIRQFlags(f IRQFlags) {
	l.flags = f
}

// Lock spins until the lock is acquired.
func (l *Lock) Lock() {
	for spins := 0; ; spins++ {
		if l.state.Load() == 0 && l.state.CompareAndSwap(0, 1) {
			return
		}
		// Let the holder run when CPUs are oversubscribed.
		if spins&63 == 63 {
			runtime.Gosched()
		}
	}
}

// TryLock acquires the lock if it is free.
func (l *Lock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock. Unlocking an unlocked lock panics.
func (l *Lock) Unlock() {
	if l.state.Swap(0) != 1 {
		panic("spinlock: unlock of unlocked lock")
	}
}

// LockIRQSave disables local interrupts and acquires the lock.
func (l *Lock) LockIRQSave() uintptr {
	f := l.irqFlags()
	flags := f.Save()
	l.Lock()
	return flags
}

// UnlockIRQRestore releases the lock and restores local interrupts.
func (l *Lock) UnlockIRQRestore(flags uintptr) {
	l.Unlock()
	l.irqFlags().Restore(flags)
}

// Held reports whether the lock is currently held by anyone.
func (l *Lock) Held() bool {
	return l.state.Load() == 1
}

func (l *Lock) irqFlags() IRQFlags {
	if l.flags == nil {
		return noopFlags{}
	}
	return l.flags
}
