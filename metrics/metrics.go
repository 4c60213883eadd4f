// Package metrics counts the outcomes of permit primitives: grants, denials,
// releases and coordinator faults. Counts are kept in memory and, once
// RegisterPrometheus has been called, mirrored to Prometheus counters.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats holds the counts recorded for one named primitive.
type Stats struct {
	Granted    uint64
	Denied     uint64
	Released   uint64
	Faults     uint64
	LastUpdate time.Time
}

type counters struct {
	granted  atomic.Uint64
	denied   atomic.Uint64
	released atomic.Uint64
	faults   atomic.Uint64
	updated  atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Granted:    c.granted.Load(),
		Denied:     c.denied.Load(),
		Released:   c.released.Load(),
		Faults:     c.faults.Load(),
		LastUpdate: time.Unix(c.updated.Load(), 0),
	}
}

// Collector records outcomes per primitive name. It is safe for concurrent
// use. A nil *Collector discards everything.
type Collector struct {
	mu    sync.RWMutex
	stats map[string]*counters

	prom atomic.Pointer[promCounters]
}

type promCounters struct {
	decisions *prometheus.CounterVec
	releases  *prometheus.CounterVec
	faults    *prometheus.CounterVec
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{stats: make(map[string]*counters)}
}

func (c *Collector) get(name string) *counters {
	c.mu.RLock()
	s, ok := c.stats[name]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.stats[name]; ok {
		return s
	}
	s = &counters{}
	s.updated.Store(time.Now().Unix())
	c.stats[name] = s
	return s
}

// RecordGranted records a successful acquire.
func (c *Collector) RecordGranted(name string) {
	if c == nil {
		return
	}
	s := c.get(name)
	s.granted.Add(1)
	s.updated.Store(time.Now().Unix())
	if p := c.prom.Load(); p != nil {
		p.decisions.WithLabelValues(name, "granted").Inc()
	}
}

// RecordDenied records a denied acquire, including one denied because of a fault.
func (c *Collector) RecordDenied(name string) {
	if c == nil {
		return
	}
	s := c.get(name)
	s.denied.Add(1)
	s.updated.Store(time.Now().Unix())
	if p := c.prom.Load(); p != nil {
		p.decisions.WithLabelValues(name, "denied").Inc()
	}
}

// RecordReleased records a release that reached the coordinator.
func (c *Collector) RecordReleased(name string) {
	if c == nil {
		return
	}
	s := c.get(name)
	s.released.Add(1)
	s.updated.Store(time.Now().Unix())
	if p := c.prom.Load(); p != nil {
		p.releases.WithLabelValues(name).Inc()
	}
}

// RecordFault records a coordinator fault for op.
func (c *Collector) RecordFault(name, op string) {
	if c == nil {
		return
	}
	s := c.get(name)
	s.faults.Add(1)
	s.updated.Store(time.Now().Unix())
	if p := c.prom.Load(); p != nil {
		p.faults.WithLabelValues(name, op).Inc()
	}
}

// Stats returns the counts for name.
func (c *Collector) Stats(name string) Stats {
	if c == nil {
		return Stats{}
	}
	return c.get(name).snapshot()
}

// AllStats returns the counts for every name seen so far.
func (c *Collector) AllStats() map[string]Stats {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Stats, len(c.stats))
	for name, s := range c.stats {
		out[name] = s.snapshot()
	}
	return out
}

// Reset drops the counts for name.
func (c *Collector) Reset(name string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stats, name)
}

// RegisterPrometheus creates the collector's Prometheus counters on reg.
// Counts recorded before registration are not replayed.
func (c *Collector) RegisterPrometheus(reg prometheus.Registerer) {
	f := promauto.With(reg)
	p := &promCounters{
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permit_decisions_total",
				Help: "Total number of acquire decisions",
			},
			[]string{"primitive", "result"},
		),
		releases: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permit_releases_total",
				Help: "Total number of permits released",
			},
			[]string{"primitive"},
		),
		faults: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permit_coordinator_faults_total",
				Help: "Total number of coordinator faults",
			},
			[]string{"primitive", "op"},
		),
	}

	c.prom.Store(p)
}
