// Package metrics is a process-wide registry of named counters and latency
// histograms backing the /metrics endpoint and the periodic log summary.
package metrics

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var histogramBuckets = []time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	25 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	5 * time.Second,
	30 * time.Second,
}

// Counter is a monotonically increasing counter.
type Counter struct {
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Histogram tracks durations in fixed buckets.
type Histogram struct {
	counts [9]atomic.Int64 // one per bucket plus overflow
	total  atomic.Int64
	sumNS  atomic.Int64
}

// Observe records a duration.
func (h *Histogram) Observe(d time.Duration) {
	idx := len(histogramBuckets)
	for i, b := range histogramBuckets {
		if d <= b {
			idx = i
			break
		}
	}
	h.counts[idx].Add(1)
	h.total.Add(1)
	h.sumNS.Add(int64(d))
}

// Registry holds named counters and histograms.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	histograms map[string]*Histogram
	started    time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		histograms: make(map[string]*Histogram),
		started:    time.Now(),
	}
}

// Counter returns the counter with the given name, creating it on first use.
func (r *Registry) Counter(name string) *Counter {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = &Counter{}
	r.counters[name] = c
	return c
}

// Histogram returns the histogram with the given name, creating it on first use.
func (r *Registry) Histogram(name string) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	h = &Histogram{}
	r.histograms[name] = h
	return h
}

// HistogramSnapshot is the JSON shape of one histogram.
type HistogramSnapshot struct {
	Count   int64            `json:"count"`
	MeanMS  float64          `json:"mean_ms"`
	Buckets map[string]int64 `json:"buckets"`
}

// Snapshot returns all metrics for the /metrics endpoint.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counters := make(map[string]int64, len(r.counters))
	for name, c := range r.counters {
		counters[name] = c.Value()
	}

	histograms := make(map[string]HistogramSnapshot, len(r.histograms))
	for name, h := range r.histograms {
		snap := HistogramSnapshot{
			Count:   h.total.Load(),
			Buckets: make(map[string]int64, len(histogramBuckets)+1),
		}
		if snap.Count > 0 {
			snap.MeanMS = float64(h.sumNS.Load()) / float64(snap.Count) / float64(time.Millisecond)
		}
		for i, b := range histogramBuckets {
			snap.Buckets["le_"+b.String()] = h.counts[i].Load()
		}
		snap.Buckets["overflow"] = h.counts[len(histogramBuckets)].Load()
		histograms[name] = snap
	}

	return map[string]any{
		"uptime_seconds": int64(time.Since(r.started).Seconds()),
		"counters":       counters,
		"histograms":     histograms,
	}
}

// LogSummary writes a compact one-line summary of all counters.
func (r *Registry) LogSummary() {
	r.mu.RLock()
	names := make([]string, 0, len(r.counters))
	for name := range r.counters {
		names = append(names, name)
	}
	sort.Strings(names)

	attrs := make([]any, 0, len(names)*2)
	for _, name := range names {
		attrs = append(attrs, name, r.counters[name].Value())
	}
	r.mu.RUnlock()

	slog.Info("Metrics summary", attrs...)
}

// StartSummaryLoop logs a summary on the given interval until stop is closed.
func (r *Registry) StartSummaryLoop(stop <-chan struct{}, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.LogSummary()
			}
		}
	}()
}
