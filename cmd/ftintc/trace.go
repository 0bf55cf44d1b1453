package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"regexp"

	"github.com/tinyrange/ftintc/internal/regtrace"
)

var errLimit = errors.New("limit reached")

func traceCmd(args []string) error {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	source := fs.String("source", "", "regex to filter sources")
	writes := fs.Bool("writes", false, "only show writes")
	limit := fs.Int("limit", 0, "stop after N entries (0 for unlimited)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "USAGE:\n  ftintc trace [flags] <file>\n\nFLAGS:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("expected one trace file")
	}

	var re *regexp.Regexp
	if *source != "" {
		var err error
		if re, err = regexp.Compile(*source); err != nil {
			return fmt.Errorf("invalid -source: %w", err)
		}
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	n := 0
	err = regtrace.Each(f, func(e regtrace.Entry) error {
		if re != nil && !re.MatchString(e.Source) {
			return nil
		}
		if *writes && e.Op != regtrace.OpWrite {
			return nil
		}
		fmt.Println(e)
		n++
		if *limit > 0 && n >= *limit {
			return errLimit
		}
		return nil
	})
	if errors.Is(err, errLimit) {
		return nil
	}
	return err
}
