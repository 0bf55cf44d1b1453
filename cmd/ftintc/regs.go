package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

var (
	headerStyle = ansi.Style{}.Bold()
	setStyle    = ansi.Style{}.ForegroundColor(ansi.Green)
	zeroStyle   = ansi.Style{}.Faint()
)

func regsCmd(args []string) error {
	fs := flag.NewFlagSet("regs", flag.ExitOnError)
	bf := addBoardFlags(fs)
	only := fs.String("controller", "", "dump only this controller")
	color := fs.Bool("color", term.IsTerminal(int(os.Stdout.Fd())), "style the output")
	fs.Parse(args)

	sys, done, err := bf.open()
	if err != nil {
		return err
	}
	defer done()

	names := sys.Controllers()
	if *only != "" {
		names = []string{*only}
	}
	style := func(s ansi.Style, text string) string {
		if !*color {
			return text
		}
		return s.Styled(text)
	}

	for i, name := range names {
		regs, err := sys.Registers(name)
		if err != nil {
			return err
		}
		if i > 0 {
			fmt.Println()
		}
		ctrl, _ := sys.Controller(name)
		fmt.Println(style(headerStyle, fmt.Sprintf("%s (%s, %d lines)", name, ctrl.Variant(), ctrl.Lines())))

		width := 0
		for _, r := range regs {
			width = max(width, ansi.StringWidth(r.Name))
		}
		for _, r := range regs {
			value := fmt.Sprintf("0x%08x", r.Value)
			if r.Value == 0 {
				value = style(zeroStyle, value)
			} else {
				value = style(setStyle, value)
			}
			pad := strings.Repeat(" ", width-ansi.StringWidth(r.Name))
			fmt.Printf("  %s%s  0x%04x  %s\n", r.Name, pad, r.Offset, value)
		}
	}
	return nil
}
