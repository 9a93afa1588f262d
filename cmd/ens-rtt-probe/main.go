// Command ens-rtt-probe probes cloudlet probe endpoints for an application
// and reports per-endpoint mean RTTs.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/project-edge/ens/pkg/endpoint"
	"github.com/project-edge/ens/pkg/probe"
)

var opt struct {
	Timeout time.Duration
	Samples int
	Help    bool
}

func init() {
	pflag.DurationVarP(&opt.Timeout, "timeout", "t", probe.DefaultTimeout, "Wall-clock probe budget")
	pflag.IntVarP(&opt.Samples, "samples", "n", probe.DefaultSamples, "RTT samples per endpoint")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() < 2 || opt.Help {
		fmt.Printf("usage: %s [options] developer.app tcp://host:port...\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	app := pflag.Arg(0)
	candidates := make([]probe.Candidate, 0, pflag.NArg()-1)
	for _, arg := range pflag.Args()[1:] {
		ep, err := endpoint.Parse(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(2)
		}
		candidates = append(candidates, probe.Candidate{CloudletID: arg, Endpoint: ep})
	}

	p := &probe.Prober{Timeout: opt.Timeout, Samples: opt.Samples}
	best, all, err := p.Run(context.Background(), app, candidates)

	var fail bool
	for _, r := range all {
		switch {
		case r.Err != nil && len(r.Samples) == 0:
			fmt.Fprintf(os.Stderr, "%s: error: %v\n", r.CloudletID, r.Err)
			fail = true
		default:
			fmt.Fprintf(os.Stderr, "%s: rtt %s (%d samples)\n", r.CloudletID, r.RTT(), len(r.Samples))
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("best: %s (%s)\n", best.CloudletID, best.RTT())
	if fail {
		os.Exit(1)
	}
}
