package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tinyrange/ftintc/internal/fdt"
)

func dtbCmd(args []string) error {
	fs := flag.NewFlagSet("dtb", flag.ExitOnError)
	bf := addBoardFlags(fs)
	out := fs.String("o", "", "output `file` (required)")
	fs.Parse(args)

	if *out == "" {
		fs.Usage()
		return fmt.Errorf("-o is required")
	}
	sys, done, err := bf.open()
	if err != nil {
		return err
	}
	defer done()

	blob, err := fdt.Build(sys.DeviceTree())
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, blob, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes to %s\n", len(blob), *out)
	return nil
}
