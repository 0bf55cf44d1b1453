package main

import (
	"flag"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

const testBoard = `
name: bench
cpus: 2
controllers:
  - name: intc
    variant: ftintc030
    base: 0x96000000
    lines: 64
  - name: gpio-intc
    variant: ftintc020
    base: 0x96100000
    lines: 32
    parent: intc
    parent_line: 40
devices:
  - {name: uart0, controller: intc, line: 33, trigger: level-high}
  - {name: timer0, controller: intc, line: 5, trigger: edge-rising}
  - {name: timer1, controller: intc, line: 6, trigger: edge-rising}
  - {name: button, controller: gpio-intc, line: 7, trigger: edge-falling}
  - {name: key, controller: gpio-intc, line: 8, trigger: edge-rising}
`

func writeBoard(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "board.yaml")
	if err := os.WriteFile(path, []byte(testBoard), 0o644); err != nil {
		t.Fatalf("write board: %v", err)
	}
	return path
}

func TestBoardFlags(t *testing.T) {
	for _, tt := range []struct {
		args    []string
		config  string
		dtb     string
		mode    string
		device  string
		verbose bool
	}{
		{nil, "", "", "sim", "/dev/mem", false},
		{[]string{"-config", "evb.yaml"}, "evb.yaml", "", "sim", "/dev/mem", false},
		{[]string{"-dtb", "evb.dtb", "-v"}, "", "evb.dtb", "sim", "/dev/mem", true},
		{[]string{"-config", "evb.yaml", "-mode", "mmio", "-device", "/dev/uio0"}, "evb.yaml", "", "mmio", "/dev/uio0", false},
	} {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		bf := addBoardFlags(fs)
		if err := fs.Parse(tt.args); err != nil {
			t.Fatalf("%v: parse: %v", tt.args, err)
		}
		if *bf.config != tt.config || *bf.dtb != tt.dtb || *bf.mode != tt.mode ||
			*bf.device != tt.device || *bf.verbose != tt.verbose {
			t.Fatalf("%v: config=%q dtb=%q mode=%q device=%q v=%v", tt.args,
				*bf.config, *bf.dtb, *bf.mode, *bf.device, *bf.verbose)
		}
		if *bf.trace != "" || *bf.timeslice != "" {
			t.Fatalf("%v: logs enabled by default", tt.args)
		}
	}
}

func TestOpenErrors(t *testing.T) {
	for _, tt := range []struct {
		args []string
		want string
	}{
		{nil, "-config or -dtb"},
		{[]string{"-config", writeBoard(t), "-mode", "jtag"}, "unknown mode"},
		{[]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, "missing.yaml"},
	} {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		bf := addBoardFlags(fs)
		if err := fs.Parse(tt.args); err != nil {
			t.Fatalf("%v: parse: %v", tt.args, err)
		}
		_, _, err := bf.open()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%v: err = %v, want mention of %q", tt.args, err, tt.want)
		}
	}
}

func TestDeviceTreeExportOpensSameBoard(t *testing.T) {
	config := writeBoard(t)
	out := filepath.Join(t.TempDir(), "bench.dtb")
	if err := dtbCmd([]string{"-config", config, "-o", out}); err != nil {
		t.Fatalf("dtb: %v", err)
	}

	open := func(args ...string) []string {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		bf := addBoardFlags(fs)
		if err := fs.Parse(args); err != nil {
			t.Fatalf("parse: %v", err)
		}
		sys, done, err := bf.open()
		if err != nil {
			t.Fatalf("open %v: %v", args, err)
		}
		defer done()
		names := sys.Devices()
		slices.Sort(names)
		return names
	}
	fromYAML := open("-config", config)
	fromTree := open("-dtb", out)
	if !slices.Equal(fromYAML, fromTree) {
		t.Fatalf("devices from tree %v, want %v", fromTree, fromYAML)
	}
}

func TestRunServicesRaisedLines(t *testing.T) {
	if err := runCmd([]string{"-config", writeBoard(t), "-raise", "uart0", "-pulse", "timer0,button"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := runCmd([]string{"-config", writeBoard(t), "-raise", "nosuch"}); err == nil {
		t.Fatalf("run with unknown device succeeded")
	}
}

func TestStormHandlesEachPulseOnce(t *testing.T) {
	// storm fails unless every device's count equals the pulses sent to it.
	for _, cores := range []string{"1", "2", "4"} {
		args := []string{"-config", writeBoard(t), "-n", "50", "-cores", cores, "-seed", "7"}
		if err := stormCmd(args); err != nil {
			t.Fatalf("storm with %s cores: %v", cores, err)
		}
	}
}
