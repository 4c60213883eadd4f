package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/ryhazerus/permit"
	"github.com/ryhazerus/permit/metrics"
)

// ProbeResult captures the outcome of one probe run.
type ProbeResult struct {
	Primitive string           `json:"primitive"`
	Backend   string           `json:"backend"`
	Key       string           `json:"key"`
	Limit     int64            `json:"limit"`
	Callers   int              `json:"callers"`
	Granted   int64            `json:"granted"`
	Denied    int64            `json:"denied"`
	Released  uint64           `json:"released"`
	Faults    uint64           `json:"faults"`
	Elapsed   time.Duration    `json:"elapsed_ns"`
	Decisions []CallerDecision `json:"decisions"`
}

// CallerDecision is what one probe caller got back.
type CallerDecision struct {
	Caller   string    `json:"caller"`
	Granted  bool      `json:"granted"`
	Released bool      `json:"released,omitempty"`
	At       time.Time `json:"at"`
}

type probeOptions struct {
	callers int
	hold    time.Duration
	release bool
}

type probeRun struct {
	decisions []CallerDecision
	granted   int64
	denied    int64
	elapsed   time.Duration
}

// apply copies the run's counts and decisions into r.
func (p probeRun) apply(r *ProbeResult) {
	r.Granted = p.granted
	r.Denied = p.denied
	r.Elapsed = p.elapsed
	r.Decisions = p.decisions
}

// runProbe starts callers goroutines that wait on a shared start signal and
// then each call TryAcquire once. Granted callers of a Releaser hold their
// permit for hold and, when release is set, give it back. Every caller gets
// a random id that tags its decision and its log lines.
func runProbe(ctx context.Context, logger *slog.Logger, a permit.Acquirer, opts probeOptions) probeRun {
	var (
		g, d      atomic.Int64
		wg        sync.WaitGroup
		start     = make(chan struct{})
		decisions = make([]CallerDecision, opts.callers)
	)

	r, releasable := a.(permit.Releaser)

	for i := 0; i < opts.callers; i++ {
		decisions[i].Caller = uuid.NewString()

		wg.Add(1)
		go func(dec *CallerDecision) {
			defer wg.Done()
			<-start

			ok := a.TryAcquire(ctx)
			dec.Granted = ok
			dec.At = time.Now()
			logger.Debug("probe decision", slog.String("caller", dec.Caller), slog.Bool("granted", ok))
			if !ok {
				d.Add(1)
				return
			}
			g.Add(1)

			if opts.hold > 0 {
				time.Sleep(opts.hold)
			}
			if releasable && opts.release {
				r.Release(ctx)
				dec.Released = true
				logger.Debug("probe release", slog.String("caller", dec.Caller))
			}
		}(&decisions[i])
	}

	began := time.Now()
	close(start)
	wg.Wait()
	return probeRun{
		decisions: decisions,
		granted:   g.Load(),
		denied:    d.Load(),
		elapsed:   time.Since(began),
	}
}

func collectorResult(c *metrics.Collector, name string, r *ProbeResult) {
	st := c.Stats(name)
	r.Released = st.Released
	r.Faults = st.Faults
}

func writeResult(w io.Writer, r *ProbeResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Fprintf(w, "=== %s probe (%s backend) ===\n", r.Primitive, r.Backend)
	fmt.Fprintf(w, "  key:      %s\n", r.Key)
	fmt.Fprintf(w, "  limit:    %d\n", r.Limit)
	fmt.Fprintf(w, "  callers:  %d\n", r.Callers)
	fmt.Fprintf(w, "  granted:  %d\n", r.Granted)
	fmt.Fprintf(w, "  denied:   %d\n", r.Denied)
	if r.Released > 0 {
		fmt.Fprintf(w, "  released: %d\n", r.Released)
	}
	if r.Faults > 0 {
		fmt.Fprintf(w, "  faults:   %d\n", r.Faults)
	}
	fmt.Fprintf(w, "  elapsed:  %s\n", r.Elapsed)

	for _, d := range r.Decisions {
		if d.Granted {
			fmt.Fprintf(w, "  [GRANT] caller=%s\n", d.Caller)
		}
	}
	return nil
}

// writePrometheus dumps the collector's counters in the Prometheus text
// exposition format.
func writePrometheus(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
