// Package timeslice records how long named phases take into a compact
// binary log: a header, a JSON table of kinds, then fixed 16 byte records.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

var ErrAlreadyOpen = errors.New("timeslice: already open")

type header struct {
	Magic     uint32
	Version   uint32
	KindsSize uint32
}

// Kind names one measured phase.
type Kind uint64

var (
	kindsMu sync.Mutex
	kinds   = make(map[Kind]string)
)

// RegisterKind allocates a Kind. Kinds registered after Open are missing
// from that log's table.
func RegisterKind(name string) Kind {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	k := Kind(len(kinds) + 1)
	kinds[k] = name
	return k
}

type record struct {
	Kind     Kind
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w       io.Writer
	records chan record
	done    chan error
}

var current atomic.Pointer[writer]

func (w *writer) run() {
	defer close(w.done)

	bw := bufio.NewWriterSize(w.w, 4096)
	var rec [16]byte
	for r := range w.records {
		binary.LittleEndian.PutUint64(rec[0:8], uint64(r.Kind))
		binary.LittleEndian.PutUint64(rec[8:16], uint64(r.Duration))
		if _, err := bw.Write(rec[:]); err != nil {
			w.done <- err
			// Keep draining so Record never blocks on a dead writer.
			for range w.records {
			}
			return
		}
	}
	w.done <- bw.Flush()
}

// Close stops recording and flushes everything recorded so far.
func (w *writer) Close() error {
	if !current.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}
	close(w.records)
	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write: %w", err)
	}
	return nil
}

// Enabled reports whether a log is open.
func Enabled() bool { return current.Load() != nil }

// Record appends one measurement. It does nothing when no log is open.
func Record(k Kind, d time.Duration) {
	if w := current.Load(); w != nil {
		w.records <- record{Kind: k, Duration: d.Nanoseconds()}
	}
}

// Since records the time elapsed since start.
func Since(k Kind, start time.Time) {
	if Enabled() {
		Record(k, time.Since(start))
	}
}

// Open writes the header and kind table to w and starts recording.
func Open(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, ErrAlreadyOpen
	}

	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:     Magic,
		Version:   Version,
		KindsSize: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	wr := &writer{w: w, records: make(chan record, 4096), done: make(chan error, 1)}
	if !current.CompareAndSwap(nil, wr) {
		return nil, ErrAlreadyOpen
	}
	go wr.run()
	return wr, nil
}

// Each decodes every record in r.
func Each(r io.Reader, fn func(kind string, d time.Duration) error) error {
	br := bufio.NewReaderSize(r, 4096)

	var h header
	if err := binary.Read(br, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if h.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic 0x%08x", h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", h.Version)
	}
	var table map[Kind]string
	if err := json.NewDecoder(io.LimitReader(br, int64(h.KindsSize))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: read kinds: %w", err)
	}

	var rec [16]byte
	for {
		if _, err := io.ReadFull(br, rec[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		k := Kind(binary.LittleEndian.Uint64(rec[0:8]))
		name, ok := table[k]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", k)
		}
		if err := fn(name, time.Duration(binary.LittleEndian.Uint64(rec[8:16]))); err != nil {
			return err
		}
	}
}

// Summary aggregates the records of one kind.
type Summary struct {
	Kind  string
	Count int
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
	P50   time.Duration
	P99   time.Duration
}

// Summarize reads a whole log and aggregates it per kind, ordered by name.
func Summarize(r io.Reader) ([]Summary, error) {
	samples := make(map[string][]time.Duration)
	if err := Each(r, func(kind string, d time.Duration) error {
		samples[kind] = append(samples[kind], d)
		return nil
	}); err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(samples))
	for kind, ds := range samples {
		slices.Sort(ds)
		s := Summary{Kind: kind, Count: len(ds), Min: ds[0], Max: ds[len(ds)-1]}
		for _, d := range ds {
			s.Total += d
		}
		s.P50 = ds[(len(ds)-1)*50/100]
		s.P99 = ds[(len(ds)-1)*99/100]
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Summary) int {
		switch {
		case a.Kind < b.Kind:
			return -1
		case a.Kind > b.Kind:
			return 1
		}
		return 0
	})
	return out, nil
}
