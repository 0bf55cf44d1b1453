// Package regtrace is a thread-safe binary log of register accesses.
//
// Each record is a fixed 24 byte header followed by the source name:
//   - 2 bytes op (0 = invalid, 1 = read, 2 = write)
//   - 2 bytes source length
//   - 4 bytes register offset
//   - 4 bytes value
//   - 4 bytes reserved
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - sourceLength bytes source
//
// Writers reserve space by atomically advancing the file offset, so records
// from concurrent CPUs never interleave.
package regtrace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const headerSize = 24

// Op identifies the kind of register access.
type Op uint16

const (
	OpInvalid Op = iota
	OpRead
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "rd"
	case OpWrite:
		return "wr"
	default:
		return "??"
	}
}

var ErrAlreadyOpen = errors.New("regtrace: already open")

// Writer is the sink for trace records.
type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct {
	w Writer
}

var (
	current atomic.Pointer[writer]
	offset  atomic.Uint64
)

// OpenFile truncates filename and starts tracing into it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if err := Open(f); err != nil {
		f.Close()
		return err
	}
	return nil
}

// Open starts tracing into w.
func Open(w Writer) error {
	if !current.CompareAndSwap(nil, &writer{w: w}) {
		return ErrAlreadyOpen
	}
	offset.Store(0)
	return nil
}

// Close stops tracing and closes the underlying writer.
func Close() error {
	w := current.Swap(nil)
	if w == nil {
		return nil
	}
	return w.w.Close()
}

// Enabled reports whether a trace is currently open.
func Enabled() bool {
	return current.Load() != nil
}

// Record appends a single access to the open trace. It does nothing when no
// trace is open.
func Record(source string, op Op, off, value uint32) {
	w := current.Load()
	if w == nil {
		return
	}
	size := uint64(headerSize + len(source))
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(op))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(buf[4:8], off)
	binary.LittleEndian.PutUint32(buf[8:12], value)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(time.Now().UnixNano()))
	copy(buf[headerSize:], source)

	at := offset.Add(size) - size
	// A failed trace write must not take down interrupt handling.
	_, _ = w.w.WriteAt(buf, int64(at))
}

// Entry is one decoded trace record.
type Entry struct {
	Time   time.Time
	Source string
	Op     Op
	Offset uint32
	Value  uint32
}

func (e Entry) String() string {
	return fmt.Sprintf("%s [%s] %s 0x%04x = 0x%08x",
		e.Time.Format(time.RFC3339Nano), e.Source, e.Op, e.Offset, e.Value)
}

// Each decodes every record in r, in file order.
func Each(r io.Reader, fn func(Entry) error) error {
	var hdr [headerSize]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("regtrace: read header: %w", err)
		}
		op := Op(binary.LittleEndian.Uint16(hdr[0:2]))
		if op == OpInvalid {
			// Hole left by a writer that reserved space but never wrote.
			return nil
		}
		src := make([]byte, binary.LittleEndian.Uint16(hdr[2:4]))
		if _, err := io.ReadFull(r, src); err != nil {
			return fmt.Errorf("regtrace: read source: %w", err)
		}
		e := Entry{
			Time:   time.Unix(0, int64(binary.LittleEndian.Uint64(hdr[16:24]))),
			Source: string(src),
			Op:     op,
			Offset: binary.LittleEndian.Uint32(hdr[4:8]),
			Value:  binary.LittleEndian.Uint32(hdr[8:12]),
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// ReadFile decodes a whole trace file.
func ReadFile(filename string) ([]Entry, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Entry
	err = Each(f, func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// Buffer is an in-memory Writer.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := int(off) + len(p)
	if end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	copy(b.data[off:], p)
	return len(p), nil
}

func (b *Buffer) Close() error { return nil }

// Bytes returns a copy of everything written so far.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}
