// Package probe implements the line-oriented ENS-PROBE protocol used to check
// application support on candidate cloudlets and sample their round-trip
// latency.
package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/project-edge/ens/pkg/endpoint"
)

var (
	// ErrNoCloudlets is returned when no candidate collected a single RTT
	// sample within the probe budget.
	ErrNoCloudlets = errors.New("no cloudlet completed probing")
	// ErrUnsupported is returned when a cloudlet rejects the application.
	ErrUnsupported = errors.New("application not supported by cloudlet")
)

// DefaultTimeout is the wall-clock budget shared by all probes in a run.
const DefaultTimeout = time.Second

// DefaultSamples is the number of RTT round-trips per cloudlet.
const DefaultSamples = 10

// Candidate is a cloudlet to probe.
type Candidate struct {
	CloudletID string
	Endpoint   *endpoint.Endpoint
}

// Result holds the outcome of probing one cloudlet. Samples may be non-empty
// even if Err is set; a straggler cut off by the budget keeps whatever it
// collected.
type Result struct {
	CloudletID string
	Samples    []time.Duration
	Err        error
}

// RTT returns the mean of the collected samples, or -1 if there are none.
func (r Result) RTT() time.Duration {
	if len(r.Samples) == 0 {
		return -1
	}
	var sum time.Duration
	for _, s := range r.Samples {
		sum += s
	}
	return sum / time.Duration(len(r.Samples))
}

// Prober probes candidate cloudlets concurrently and selects the one with the
// lowest mean RTT.
type Prober struct {
	// Timeout is the shared wall-clock budget. If zero, DefaultTimeout is
	// used.
	Timeout time.Duration

	// Samples is the per-cloudlet RTT sample count. If zero, DefaultSamples
	// is used.
	Samples int

	// Log is used for per-probe debug logging. The zero value discards
	// everything.
	Log zerolog.Logger
}

// Run probes all candidates concurrently and returns the result with the
// lowest mean RTT together with the full result set. Ties are broken by
// candidate order. If no candidate collected a sample, ErrNoCloudlets is
// returned.
func (p *Prober) Run(ctx context.Context, app string, candidates []Candidate) (Result, []Result, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	results := make([]Result, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, c Candidate) {
			defer wg.Done()
			samples, err := p.probe(ctx, app, c, deadline)
			results[i] = Result{CloudletID: c.CloudletID, Samples: samples, Err: err}
		}(i, c)
	}
	wg.Wait()

	best := -1
	for i, r := range results {
		if r.Err != nil {
			p.Log.Debug().Str("cloudlet", r.CloudletID).Err(r.Err).Msg("probe failed")
		}
		if rtt := r.RTT(); rtt >= 0 {
			if best == -1 || rtt < results[best].RTT() {
				best = i
			}
		}
	}
	if best == -1 {
		return Result{}, results, ErrNoCloudlets
	}
	return results[best], results, nil
}

func (p *Prober) probe(ctx context.Context, app string, c Candidate, deadline time.Time) ([]time.Duration, error) {
	samples, err := ProbeOne(ctx, app, c.Endpoint, deadline, p.sampleCount())
	if err == nil {
		p.Log.Debug().Str("cloudlet", c.CloudletID).Int("samples", len(samples)).Msg("probe complete")
	}
	return samples, err
}

func (p *Prober) sampleCount() int {
	if p.Samples > 0 {
		return p.Samples
	}
	return DefaultSamples
}

// ProbeOne runs the support handshake and RTT sampling against a single probe
// endpoint. Collected samples are returned even on error.
func ProbeOne(ctx context.Context, app string, ep *endpoint.Endpoint, deadline time.Time, count int) ([]time.Duration, error) {
	addr, err := ep.First()
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Deadline: deadline}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("connect to probe endpoint: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	br := bufio.NewReader(conn)

	if _, err := fmt.Fprintf(conn, "ENS-PROBE %s\r\n", app); err != nil {
		return nil, fmt.Errorf("send probe: %w", err)
	}
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("receive probe response: %w", err)
	}
	if tok, _, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " "); tok != "ENS-PROBE-OK" {
		return nil, ErrUnsupported
	}

	var samples []time.Duration
	for i := 0; i < count; i++ {
		start := time.Now()
		if _, err := fmt.Fprintf(conn, "ENS-RTT %s\r\n", app); err != nil {
			return samples, fmt.Errorf("send rtt probe: %w", err)
		}
		if _, err := br.ReadString('\n'); err != nil {
			return samples, fmt.Errorf("receive rtt response: %w", err)
		}
		samples = append(samples, time.Since(start))
	}
	return samples, nil
}
