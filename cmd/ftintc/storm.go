package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/ftintc"
)

func stormCmd(args []string) error {
	fs := flag.NewFlagSet("storm", flag.ExitOnError)
	bf := addBoardFlags(fs)
	rounds := fs.Int("n", 1000, "number of rounds")
	cores := fs.Int("cores", runtime.NumCPU(), "simulated cores servicing interrupts")
	seed := fs.Uint64("seed", 1, "random seed")
	timeout := fs.Duration("timeout", 5*time.Second, "per round deadline")
	fs.Parse(args)

	sys, done, err := bf.open()
	if err != nil {
		return err
	}
	defer done()

	var edges []string
	for _, name := range sys.Devices() {
		if trig, _ := sys.Trigger(name); trig.IsEdge() {
			edges = append(edges, name)
		}
	}
	if len(edges) == 0 {
		return fmt.Errorf("board has no edge triggered devices")
	}
	if *cores < 1 {
		*cores = 1
	}
	if *cores > len(edges) {
		*cores = len(edges)
	}

	// Each core owns a disjoint set of devices so it can tell when its own
	// pulses have been handled, whichever core serviced them.
	owned := make([][]string, *cores)
	for i, name := range edges {
		owned[i%*cores] = append(owned[i%*cores], name)
	}
	want := make(map[string]uint64, len(edges))
	for _, name := range edges {
		want[name] = sys.Count(name)
	}
	rngs := make([]*rand.Rand, *cores)
	for i := range rngs {
		rngs[i] = rand.New(rand.NewPCG(*seed, uint64(i)))
	}

	start := time.Now()
	bar := progressbar.Default(int64(*rounds), "storm")
	defer bar.Close()
	pulses := 0
	for range *rounds {
		// Pick this round's pulses up front; workers only read want.
		picks := make([][]string, *cores)
		for core := range picks {
			for _, name := range owned[core] {
				if rngs[core].IntN(2) == 0 {
					picks[core] = append(picks[core], name)
					want[name]++
					pulses++
				}
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		g, ctx := errgroup.WithContext(ctx)
		for core := range picks {
			mine := picks[core]
			g.Go(func() error { return stormWorker(ctx, sys, mine, want) })
		}
		err := g.Wait()
		cancel()
		if err != nil {
			return err
		}
		bar.Add(1)
	}
	bar.Finish()

	for _, name := range edges {
		if got := sys.Count(name); got != want[name] {
			return fmt.Errorf("%s handled %d times, want %d", name, got, want[name])
		}
	}
	fmt.Printf("%d pulses on %d devices from %d cores in %s, each handled once\n",
		pulses, len(edges), *cores, time.Since(start).Round(time.Millisecond))
	printStats(sys)
	return nil
}

// stormWorker pulses its devices and runs the exception entry until every
// one of them has been handled.
func stormWorker(ctx context.Context, sys *ftintc.System, names []string, want map[string]uint64) error {
	for _, name := range names {
		if err := sys.Pulse(name); err != nil {
			return err
		}
	}
	for {
		if _, err := sys.Service(); err != nil {
			return err
		}
		pending := false
		for _, name := range names {
			if sys.Count(name) < want[name] {
				pending = true
				break
			}
		}
		if !pending {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for %v: %w", names, err)
		}
		runtime.Gosched()
	}
}
