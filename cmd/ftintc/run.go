package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/tinyrange/ftintc"
)

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	bf := addBoardFlags(fs)
	raise := fs.String("raise", "", "comma separated devices to assert")
	pulse := fs.String("pulse", "", "comma separated devices to pulse")
	fs.Parse(args)

	sys, done, err := bf.open()
	if err != nil {
		return err
	}
	defer done()

	for _, name := range splitList(*raise) {
		if err := sys.Raise(name); err != nil {
			return err
		}
	}
	for _, name := range splitList(*pulse) {
		if err := sys.Pulse(name); err != nil {
			return err
		}
	}
	handled, err := sys.Service()
	if err != nil {
		return err
	}
	fmt.Printf("%d interrupts handled\n", handled)
	printStats(sys)
	return nil
}

func printStats(sys *ftintc.System) {
	st := sys.Stats()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VIRQ\tCONTROLLER\tLINE\tKIND\tNAME\tCOUNT")
	for _, s := range st.IRQs {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%d\n", s.VIRQ, s.Controller, s.HWLine, s.Kind, s.Name, s.Count)
	}
	tw.Flush()

	names := make([]string, 0, len(st.Spurious))
	for name := range st.Spurious {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("spurious %s: %d\n", name, st.Spurious[name])
	}
	if st.NestedDrops != 0 || st.Unowned != 0 {
		fmt.Printf("nested drops: %d, unowned entries: %d\n", st.NestedDrops, st.Unowned)
	}
}
