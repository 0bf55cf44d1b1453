// Command ftintc brings up Faraday interrupt controller trees, drives
// simulated lines through them and inspects their registers.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/tinyrange/ftintc"
	"github.com/tinyrange/ftintc/internal/regtrace"
	"github.com/tinyrange/ftintc/internal/timeslice"
)

type command struct {
	summary string
	run     func(args []string) error
}

var commands = map[string]command{
	"run":     {"bring up a board, drive lines and service them", runCmd},
	"storm":   {"pulse edge lines from several cores at once", stormCmd},
	"regs":    {"dump controller registers", regsCmd},
	"dtb":     {"export a board as a flattened device tree", dtbCmd},
	"trace":   {"print a register trace log", traceCmd},
	"latency": {"summarize an exception entry timing log", latencyCmd},
}

func usage() {
	fmt.Fprintf(os.Stderr, "ftintc - Faraday FTINTC020/FTINTC030 interrupt controller tool\n\nUSAGE:\n  ftintc <command> [flags]\n\nCOMMANDS:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(os.Stderr, "\nRun 'ftintc <command> -h' for command flags.\n")
}

// boardFlags are shared by every command that brings up a board.
type boardFlags struct {
	config    *string
	dtb       *string
	mode      *string
	device    *string
	trace     *string
	timeslice *string
	verbose   *bool
}

func addBoardFlags(fs *flag.FlagSet) *boardFlags {
	return &boardFlags{
		config:    fs.String("config", "", "YAML board description"),
		dtb:       fs.String("dtb", "", "device tree blob to read the board from instead of -config"),
		mode:      fs.String("mode", string(ftintc.ModeSim), "sim or mmio"),
		device:    fs.String("device", "/dev/mem", "memory device mapped in mmio mode"),
		trace:     fs.String("trace", "", "record register accesses to `file`"),
		timeslice: fs.String("timeslice", "", "record exception entry timings to `file`"),
		verbose:   fs.Bool("v", false, "debug logging"),
	}
}

// open sets up logging and tracing, then brings up the board. The returned
// function undoes both.
func (f *boardFlags) open() (*ftintc.System, func(), error) {
	level := slog.LevelInfo
	if *f.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	if *f.trace != "" {
		if err := regtrace.OpenFile(*f.trace); err != nil {
			return nil, nil, fmt.Errorf("open trace: %w", err)
		}
		cleanups = append(cleanups, func() {
			if err := regtrace.Close(); err != nil {
				slog.Warn("close trace", "error", err)
			}
		})
	}
	if *f.timeslice != "" {
		out, err := os.Create(*f.timeslice)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("create timeslice file: %w", err)
		}
		w, err := timeslice.Open(out)
		if err != nil {
			out.Close()
			cleanup()
			return nil, nil, fmt.Errorf("open timeslice file: %w", err)
		}
		cleanups = append(cleanups, func() {
			if err := w.Close(); err != nil {
				slog.Warn("close timeslice", "error", err)
			}
			out.Close()
		})
	}
	opts := ftintc.Options{
		Mode:   ftintc.Mode(*f.mode),
		Device: *f.device,
		Trace:  *f.trace != "",
	}

	var (
		sys *ftintc.System
		err error
	)
	switch {
	case *f.dtb != "":
		var blob []byte
		blob, err = os.ReadFile(*f.dtb)
		if err == nil {
			sys, err = ftintc.OpenTree(blob, opts)
		}
	case *f.config != "":
		sys, err = ftintc.Open(*f.config, opts)
	default:
		err = fmt.Errorf("one of -config or -dtb is required")
	}
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return sys, func() {
		sys.Close()
		cleanup()
	}, nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	name := os.Args[1]
	if name == "-h" || name == "help" || name == "--help" {
		usage()
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "ftintc: unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}
	if err := cmd.run(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "ftintc %s: %v\n", name, err)
		os.Exit(1)
	}
}
