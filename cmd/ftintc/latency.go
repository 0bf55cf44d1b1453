package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/tinyrange/ftintc/internal/timeslice"
)

func latencyCmd(args []string) error {
	fs := flag.NewFlagSet("latency", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected one timeslice file")
	}
	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	sums, err := timeslice.Summarize(f)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tCOUNT\tMIN\tP50\tP99\tMAX\tTOTAL")
	for _, s := range sums {
		fmt.Fprintf(tw, "%s\t%d\t%v\t%v\t%v\t%v\t%v\n", s.Kind, s.Count, s.Min, s.P50, s.P99, s.Max, s.Total)
	}
	return tw.Flush()
}
