package board

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/tinyrange/ftintc/internal/fdt"
	"github.com/tinyrange/ftintc/internal/intc"
)

const evb = `
name: a369-evb
cpus: 2
controllers:
  - name: intc
    variant: ftintc030
    base: 0x96000000
    lines: 64
  - name: gpio-intc
    variant: ftintc020-vectored
    base: 0x96100000
    lines: 32
    irq_base: 512
    parent: intc
    parent_line: 40
devices:
  - name: uart0
    controller: intc
    line: 33
    trigger: level-high
    affinity: 0x1
  - name: timer0
    controller: intc
    line: 5
    trigger: edge-rising
  - name: button
    controller: gpio-intc
    line: 7
    trigger: edge-falling
  - name: sensor
    controller: gpio-intc
    line: 3
    trigger: level-low
    slot: 0
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEVB(t *testing.T) *Board {
	t.Helper()
	cfg, err := Parse([]byte(evb))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, err := New(cfg, Options{Mode: ModeSim, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestParseFillsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(evb))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.VIRQs != 1024 {
		t.Fatalf("virqs = %d", cfg.VIRQs)
	}
	if cfg.Controllers[0].MatchID != 1 {
		t.Fatalf("match_id = %d, want 1", cfg.Controllers[0].MatchID)
	}
	if cfg.Controllers[0].Base != 0x96000000 {
		t.Fatalf("base = 0x%x", cfg.Controllers[0].Base)
	}
	if cfg.Devices[0].Trigger != "level-high" {
		t.Fatalf("trigger = %q", cfg.Devices[0].Trigger)
	}
}

func TestValidateRejects(t *testing.T) {
	for _, tt := range []struct {
		name string
		yaml string
		want string
	}{
		{"unknown variant", `
controllers:
  - {name: a, variant: gic400, base: 0x1000, lines: 32}
`, "variant"},
		{"duplicate name", `
controllers:
  - {name: a, variant: ftintc030, base: 0x1000, lines: 64}
devices:
  - {name: a, controller: a, line: 33}
`, "already names"},
		{"missing parent", `
controllers:
  - {name: a, variant: ftintc030, base: 0x1000, lines: 64}
  - {name: b, variant: ftintc020, base: 0x2000, lines: 32, parent: c, parent_line: 40}
`, "unknown controller"},
		{"cascade cycle", `
controllers:
  - {name: top, variant: ftintc030, base: 0x1000, lines: 64}
  - {name: a, variant: ftintc020, base: 0x2000, lines: 32, parent: b, parent_line: 1}
  - {name: b, variant: ftintc020, base: 0x3000, lines: 32, parent: a, parent_line: 1}
`, "cycle"},
		{"self cascade", `
controllers:
  - {name: top, variant: ftintc030, base: 0x1000, lines: 64}
  - {name: a, variant: ftintc020, base: 0x2000, lines: 32, parent: a, parent_line: 1}
`, "cycle"},
		{"two roots", `
controllers:
  - {name: a, variant: ftintc030, base: 0x1000, lines: 64}
  - {name: b, variant: ftintc020, base: 0x2000, lines: 32}
`, "exactly one"},
		{"too many lines", `
controllers:
  - {name: a, variant: ftintc020, base: 0x1000, lines: 96}
`, "lines"},
		{"device on cascade line", `
controllers:
  - {name: a, variant: ftintc030, base: 0x1000, lines: 64}
  - {name: b, variant: ftintc020, base: 0x2000, lines: 32, parent: a, parent_line: 40}
devices:
  - {name: d, controller: a, line: 40}
`, "already used"},
		{"bad trigger", `
controllers:
  - {name: a, variant: ftintc030, base: 0x1000, lines: 64}
devices:
  - {name: d, controller: a, line: 33, trigger: both-edges}
`, "trigger"},
		{"legacy base zero", `
controllers:
  - {name: a, variant: ftintc030, base: 0x1000, lines: 64, irq_base: 0}
`, "irq_base: virq 0"},
		{"legacy ranges overlap", `
controllers:
  - {name: a, variant: ftintc030, base: 0x1000, lines: 64, irq_base: 32}
  - {name: b, variant: ftintc020, base: 0x2000, lines: 32, irq_base: 90, parent: a, parent_line: 40}
`, "overlap a"},
		{"legacy range past table", `
virqs: 64
controllers:
  - {name: a, variant: ftintc030, base: 0x1000, lines: 64, irq_base: 1}
`, "exceeds 64 virqs"},
		{"private affinity", `
controllers:
  - {name: a, variant: ftintc030, base: 0x1000, lines: 64}
devices:
  - {name: d, controller: a, line: 3, affinity: 1}
`, "affinity"},
		{"slot without vectors", `
controllers:
  - {name: a, variant: ftintc020, base: 0x1000, lines: 32}
devices:
  - {name: d, controller: a, line: 3, slot: 1}
`, "slot"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`
controllers:
  - {name: a, variant: ftintc030, base: 0x1000, lines: 64, colour: red}
`))
	if err == nil {
		t.Fatalf("unknown field accepted")
	}
}

func TestBringUp(t *testing.T) {
	b := newEVB(t)
	if got := b.Controllers(); len(got) != 2 || got[0] != "intc" {
		t.Fatalf("controllers = %v", got)
	}
	if b.Asserted() {
		t.Fatalf("cpu pin asserted after bring-up")
	}

	gpio, _ := b.Controller("gpio-intc")
	slot, ok, err := gpio.(*intc.FTINTC020).Priority(3)
	if err != nil || !ok || slot != 0 {
		t.Fatalf("sensor slot = %d %v %v", slot, ok, err)
	}
	top, _ := b.Controller("intc")
	if mask, err := top.(*intc.FTINTC030).Affinity(33); err != nil || mask != 1 {
		t.Fatalf("uart affinity = 0x%x %v", mask, err)
	}
	if trig, _ := b.Trigger("button"); trig != intc.EdgeFalling {
		t.Fatalf("button trigger = %s", trig)
	}
	regs, err := b.Registers("gpio-intc")
	if err != nil || len(regs) == 0 {
		t.Fatalf("registers: %v", err)
	}
}

func TestServiceLevelAndEdge(t *testing.T) {
	b := newEVB(t)

	if err := b.Pulse("timer0"); err != nil {
		t.Fatalf("pulse: %v", err)
	}
	if err := b.Raise("uart0"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if !b.Asserted() {
		t.Fatalf("cpu pin not asserted")
	}
	n, err := b.Service()
	if err != nil || n != 2 {
		t.Fatalf("service = %d, %v; want 2", n, err)
	}
	if b.Asserted() {
		t.Fatalf("cpu pin still asserted")
	}
	counts := b.Counts()
	if counts["timer0"] != 1 || counts["uart0"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
	if n, _ := b.Service(); n != 0 {
		t.Fatalf("idle service handled %d", n)
	}
}

func TestServiceThroughCascade(t *testing.T) {
	b := newEVB(t)

	if err := b.Pulse("button"); err != nil {
		t.Fatalf("pulse: %v", err)
	}
	if err := b.Raise("sensor"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	n, err := b.Service()
	if err != nil || n != 2 {
		t.Fatalf("service = %d, %v; want 2", n, err)
	}
	if b.Count("button") != 1 || b.Count("sensor") != 1 {
		t.Fatalf("counts = %v", b.Counts())
	}
	st := b.Stats()
	for name, n := range st.Spurious {
		if n != 0 {
			t.Fatalf("%s counted %d spurious entries", name, n)
		}
	}
	for _, s := range st.IRQs {
		if s.Name == "button" && s.VIRQ != 519 {
			t.Fatalf("button virq %d, want 519", s.VIRQ)
		}
	}
}

func TestUnknownDevice(t *testing.T) {
	b := newEVB(t)
	if err := b.Raise("nope"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("err = %v", err)
	}
}

func TestDeviceTreeRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(evb))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	blob, err := fdt.Build(cfg.DeviceTree())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got, err := FromTree(blob)
	if err != nil {
		t.Fatalf("from tree: %v", err)
	}

	if got.Name != "a369-evb" || got.CPUs != 2 || got.VIRQs != 1024 {
		t.Fatalf("board = %q cpus=%d virqs=%d", got.Name, got.CPUs, got.VIRQs)
	}
	if len(got.Controllers) != 2 || len(got.Devices) != 4 {
		t.Fatalf("%d controllers, %d devices", len(got.Controllers), len(got.Devices))
	}
	gpio := got.Controllers[1]
	if gpio.Name != "gpio-intc" || gpio.Variant != "ftintc020-vectored" ||
		gpio.Parent != "intc" || gpio.ParentLine != 40 || gpio.IRQBase == nil || *gpio.IRQBase != 512 {
		t.Fatalf("gpio controller = %+v", gpio)
	}
	for i, want := range cfg.Devices {
		d := got.Devices[i]
		if d.Name != want.Name || d.Controller != want.Controller || d.Line != want.Line ||
			d.Trigger != want.Trigger || d.Affinity != want.Affinity {
			t.Fatalf("device %d = %+v, want %+v", i, d, want)
		}
	}
	if s := got.Devices[3].Slot; s == nil || *s != 0 {
		t.Fatalf("sensor slot lost")
	}

	// The rebuilt description brings up an identical board.
	b, err := New(got, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new from tree: %v", err)
	}
	defer b.Close()
	if err := b.Raise("uart0"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if n, err := b.Service(); err != nil || n != 1 {
		t.Fatalf("service = %d, %v", n, err)
	}
}

const rtcBoard = `
name: rtc
controllers:
  - name: intc
    variant: ftintc030
    base: 0x96000000
    lines: 64
devices:
  - name: rtc0
    controller: intc
    line: 34
    model: pl031
    base: 0x97000000
`

func TestModelledRTCClearedByHandler(t *testing.T) {
	cfg, err := Parse([]byte(rtcBoard))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, err := New(cfg, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer b.Close()

	if err := b.Raise("rtc0"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if !b.Asserted() {
		t.Fatalf("rtc match did not reach the cpu")
	}
	if n, err := b.Service(); err != nil || n != 1 {
		t.Fatalf("service = %d, %v", n, err)
	}
	if b.Asserted() || b.Count("rtc0") != 1 {
		t.Fatalf("rtc interrupt not cleared by its handler")
	}

	blob, err := fdt.Build(cfg.DeviceTree())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	back, err := FromTree(blob)
	if err != nil {
		t.Fatalf("from tree: %v", err)
	}
	if d := back.Devices[0]; d.Model != ModelPL031 || d.Base != 0x97000000 {
		t.Fatalf("rtc device = %+v", d)
	}
}

func TestModelRequiresWindow(t *testing.T) {
	_, err := Parse([]byte(`
controllers:
  - {name: a, variant: ftintc030, base: 0x1000, lines: 64}
devices:
  - {name: r, controller: a, line: 33, model: pl031}
`))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v", err)
	}
}
