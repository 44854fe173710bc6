// Package metrics provides lightweight metric collection for dbpool and
// exposes it in the Prometheus text format.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultLatencyBuckets are histogram buckets in seconds, suited to
// connection acquisition and probe round-trips.
var DefaultLatencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// desc is the name and help text shared by every metric type.
type desc struct {
	name string
	help string
}

func (d desc) header(sb *strings.Builder, kind string) {
	fmt.Fprintf(sb, "# HELP %s %s\n", d.name, d.help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", d.name, kind)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	desc
	value uint64
}

// NewCounter creates a counter registered with the default registry.
func NewCounter(name, help string) *Counter {
	c := &Counter{desc: desc{name: name, help: help}}
	Default.Register(c)
	return c
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	atomic.AddUint64(&c.value, 1)
}

// Add adds v to the counter.
func (c *Counter) Add(v uint64) {
	atomic.AddUint64(&c.value, v)
}

// Value returns the current counter value.
func (c *Counter) Value() uint64 {
	return atomic.LoadUint64(&c.value)
}

func (c *Counter) metricName() string { return c.name }

func (c *Counter) prometheus() string {
	var sb strings.Builder
	c.header(&sb, "counter")
	fmt.Fprintf(&sb, "%s %d\n", c.name, c.Value())
	return sb.String()
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	desc
	value int64
}

// NewGauge creates a gauge registered with the default registry.
func NewGauge(name, help string) *Gauge {
	g := &Gauge{desc: desc{name: name, help: help}}
	Default.Register(g)
	return g
}

// Set sets the gauge to v.
func (g *Gauge) Set(v int64) {
	atomic.StoreInt64(&g.value, v)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1)
}

// Add adds v to the gauge.
func (g *Gauge) Add(v int64) {
	atomic.AddInt64(&g.value, v)
}

// Value returns the current gauge value.
func (g *Gauge) Value() int64 {
	return atomic.LoadInt64(&g.value)
}

func (g *Gauge) metricName() string { return g.name }

func (g *Gauge) prometheus() string {
	var sb strings.Builder
	g.header(&sb, "gauge")
	fmt.Fprintf(&sb, "%s %d\n", g.name, g.Value())
	return sb.String()
}

// Histogram tracks the distribution of observed values. Bucket counts are
// cumulative, as the exposition format expects.
type Histogram struct {
	desc
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// NewHistogram creates a histogram registered with the default registry.
// Buckets must be sorted ascending.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	h := newHistogram(name, help, buckets)
	Default.Register(h)
	return h
}

func newHistogram(name, help string, buckets []float64) *Histogram {
	return &Histogram{
		desc:    desc{name: name, help: help},
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) metricName() string { return h.name }

func (h *Histogram) prometheus() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var sb strings.Builder
	h.header(&sb, "histogram")
	for i, b := range h.buckets {
		fmt.Fprintf(&sb, "%s_bucket{le=\"%g\"} %d\n", h.name, b, h.counts[i])
	}
	fmt.Fprintf(&sb, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count)
	fmt.Fprintf(&sb, "%s_sum %g\n", h.name, h.sum)
	fmt.Fprintf(&sb, "%s_count %d\n", h.name, h.count)
	return sb.String()
}

// Timer measures one duration into a histogram.
type Timer struct {
	h     *Histogram
	start time.Time
}

// NewTimer starts a timer for h.
func NewTimer(h *Histogram) *Timer {
	return &Timer{h: h, start: time.Now()}
}

// ObserveDuration records the time since NewTimer and returns it.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	if t.h != nil {
		t.h.Observe(d.Seconds())
	}
	return d
}

// metric is the interface for all metric types.
type metric interface {
	metricName() string
	prometheus() string
}

// Registry holds registered metrics by name.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]metric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]metric)}
}

// Default is the registry the New* constructors register with.
var Default = NewRegistry()

// Register adds m, replacing any metric with the same name.
func (r *Registry) Register(m metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[m.metricName()] = m
}

// Expose returns all metrics in Prometheus exposition format, sorted by name.
func (r *Registry) Expose() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(r.metrics[name].prometheus())
		sb.WriteString("\n")
	}
	return sb.String()
}

// HandlerFor returns an http.Handler that serves r.
func HandlerFor(r *Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Expose()))
	})
}

// Handler returns an http.Handler that serves the default registry.
func Handler() http.Handler {
	return HandlerFor(Default)
}

// StartTime is the unix time the process recorded as its start.
var StartTime = NewGauge("dbpool_start_time_seconds", "Unix timestamp when the process started")

// RecordStartTime records the current time as the start time.
func RecordStartTime() {
	StartTime.Set(time.Now().Unix())
}
