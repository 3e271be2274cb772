package metrics

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrLabelCountMismatch is returned when the number of label values
	// doesn't match the labels the metric was declared with.
	ErrLabelCountMismatch = errors.New("label count mismatch")

	// ErrNegativeCounterValue is returned when adding a negative value to a counter.
	ErrNegativeCounterValue = errors.New("counter cannot be decreased")

	// ErrDuplicateMetric is the panic value used when a name is registered twice.
	ErrDuplicateMetric = errors.New("duplicate metric name")
)

// atomicFloat64 stores float64 bits in a uint64 for lock-free updates.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (a *atomicFloat64) Load() float64 { return math.Float64frombits(a.bits.Load()) }

func (a *atomicFloat64) Store(v float64) { a.bits.Store(math.Float64bits(v)) }

func (a *atomicFloat64) Add(delta float64) {
	for {
		old := a.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if a.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// MetricType represents the type of a metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric is the interface implemented by all metric types.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	// Collect returns all samples for exposition.
	Collect() []Sample
}

// Sample is a single metric sample with labels.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// family is the label bookkeeping shared by counters and gauges.
type family struct {
	name       string
	help       string
	labelNames []string

	mu     sync.RWMutex
	series map[string]*series
}

type series struct {
	labels map[string]string
	value  atomicFloat64
}

func (f *family) init(name, help string, labelNames []string) {
	f.name = name
	f.help = help
	f.labelNames = labelNames
	f.series = make(map[string]*series)
}

func (f *family) Name() string { return f.name }
func (f *family) Help() string { return f.help }

func (f *family) lookup(kind MetricType, values []string) (*series, error) {
	if len(values) != len(f.labelNames) {
		return nil, fmt.Errorf("%w: %s %s expected %d labels, got %d",
			ErrLabelCountMismatch, kind, f.name, len(f.labelNames), len(values))
	}

	key := strings.Join(values, "\x00")
	f.mu.RLock()
	s, ok := f.series[key]
	f.mu.RUnlock()
	if ok {
		return s, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok = f.series[key]; ok {
		return s, nil
	}
	s = &series{labels: zipLabels(f.labelNames, values)}
	f.series[key] = s
	return s, nil
}

func (f *family) collect() []Sample {
	f.mu.RLock()
	defer f.mu.RUnlock()

	samples := make([]Sample, 0, len(f.series))
	for _, s := range f.series {
		samples = append(samples, Sample{Name: f.name, Labels: s.labels, Value: s.value.Load()})
	}
	return samples
}

func zipLabels(names, values []string) map[string]string {
	labels := make(map[string]string, len(names))
	for i, name := range names {
		labels[name] = values[i]
	}
	return labels
}

// Counter is a monotonically increasing metric.
type Counter struct {
	family
}

// Type returns the metric type.
func (c *Counter) Type() MetricType { return MetricTypeCounter }

// Collect returns all metric samples.
func (c *Counter) Collect() []Sample { return c.collect() }

// WithLabels returns the series for the given label values.
func (c *Counter) WithLabels(values ...string) (*CounterVec, error) {
	s, err := c.lookup(MetricTypeCounter, values)
	if err != nil {
		return nil, err
	}
	return &CounterVec{s: s, name: c.name}, nil
}

// Inc increments an unlabelled counter by 1.
func (c *Counter) Inc() error { return c.Add(1) }

// Add adds delta to an unlabelled counter.
func (c *Counter) Add(delta float64) error {
	vec, err := c.WithLabels()
	if err != nil {
		return err
	}
	return vec.Add(delta)
}

// CounterVec is one labelled series of a Counter.
type CounterVec struct {
	s    *series
	name string
}

// Inc increments the counter by 1.
func (v *CounterVec) Inc() error { return v.Add(1) }

// Add adds delta to the counter. Negative deltas are rejected.
func (v *CounterVec) Add(delta float64) error {
	if delta < 0 {
		return fmt.Errorf("%w: counter %s", ErrNegativeCounterValue, v.name)
	}
	v.s.value.Add(delta)
	return nil
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	family
}

// Type returns the metric type.
func (g *Gauge) Type() MetricType { return MetricTypeGauge }

// Collect returns all metric samples.
func (g *Gauge) Collect() []Sample { return g.collect() }

// WithLabels returns the series for the given label values.
func (g *Gauge) WithLabels(values ...string) (*GaugeVec, error) {
	s, err := g.lookup(MetricTypeGauge, values)
	if err != nil {
		return nil, err
	}
	return &GaugeVec{s: s}, nil
}

// Set sets an unlabelled gauge.
func (g *Gauge) Set(value float64) error {
	vec, err := g.WithLabels()
	if err != nil {
		return err
	}
	vec.Set(value)
	return nil
}

// Inc increments an unlabelled gauge by 1.
func (g *Gauge) Inc() error { return g.Add(1) }

// Dec decrements an unlabelled gauge by 1.
func (g *Gauge) Dec() error { return g.Add(-1) }

// Add adds delta to an unlabelled gauge.
func (g *Gauge) Add(delta float64) error {
	vec, err := g.WithLabels()
	if err != nil {
		return err
	}
	vec.Add(delta)
	return nil
}

// GaugeVec is one labelled series of a Gauge.
type GaugeVec struct {
	s *series
}

func (v *GaugeVec) Set(value float64) { v.s.value.Store(value) }
func (v *GaugeVec) Inc()              { v.s.value.Add(1) }
func (v *GaugeVec) Dec()              { v.s.value.Add(-1) }
func (v *GaugeVec) Add(delta float64) { v.s.value.Add(delta) }

// GaugeFunc is an unlabelled gauge whose value is computed at scrape time.
type GaugeFunc struct {
	name string
	help string
	fn   func() float64
}

func (g *GaugeFunc) Name() string     { return g.name }
func (g *GaugeFunc) Help() string     { return g.help }
func (g *GaugeFunc) Type() MetricType { return MetricTypeGauge }

// Collect evaluates the function.
func (g *GaugeFunc) Collect() []Sample {
	return []Sample{{Name: g.name, Value: g.fn()}}
}

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name       string
	help       string
	labelNames []string
	bounds     []float64 // sorted, last is +Inf

	mu     sync.RWMutex
	series map[string]*histogramSeries
}

type histogramSeries struct {
	labels map[string]string
	counts []atomic.Uint64 // per bucket, not cumulative
	sum    atomicFloat64
	count  atomic.Uint64
}

func newHistogram(name, help string, buckets []float64, labelNames []string) *Histogram {
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	if len(bounds) == 0 || !math.IsInf(bounds[len(bounds)-1], 1) {
		bounds = append(bounds, math.Inf(1))
	}
	return &Histogram{
		name:       name,
		help:       help,
		labelNames: labelNames,
		bounds:     bounds,
		series:     make(map[string]*histogramSeries),
	}
}

func (h *Histogram) Name() string     { return h.name }
func (h *Histogram) Help() string     { return h.help }
func (h *Histogram) Type() MetricType { return MetricTypeHistogram }

// WithLabels returns the series for the given label values.
func (h *Histogram) WithLabels(values ...string) (*HistogramVec, error) {
	if len(values) != len(h.labelNames) {
		return nil, fmt.Errorf("%w: histogram %s expected %d labels, got %d",
			ErrLabelCountMismatch, h.name, len(h.labelNames), len(values))
	}

	key := strings.Join(values, "\x00")
	h.mu.RLock()
	hs, ok := h.series[key]
	h.mu.RUnlock()

	if !ok {
		h.mu.Lock()
		if hs, ok = h.series[key]; !ok {
			hs = &histogramSeries{
				labels: zipLabels(h.labelNames, values),
				counts: make([]atomic.Uint64, len(h.bounds)),
			}
			h.series[key] = hs
		}
		h.mu.Unlock()
	}
	return &HistogramVec{hs: hs, bounds: h.bounds}, nil
}

// Observe records a value in an unlabelled histogram.
func (h *Histogram) Observe(value float64) error {
	vec, err := h.WithLabels()
	if err != nil {
		return err
	}
	vec.Observe(value)
	return nil
}

// Collect returns cumulative bucket samples plus _sum and _count per series.
func (h *Histogram) Collect() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	samples := make([]Sample, 0, (len(h.bounds)+2)*len(h.series))
	for _, hs := range h.series {
		var cumulative uint64
		for i, bound := range h.bounds {
			cumulative += hs.counts[i].Load()
			labels := make(map[string]string, len(hs.labels)+1)
			for k, v := range hs.labels {
				labels[k] = v
			}
			labels["le"] = formatFloat(bound)
			samples = append(samples, Sample{Name: h.name + "_bucket", Labels: labels, Value: float64(cumulative)})
		}
		samples = append(samples,
			Sample{Name: h.name + "_sum", Labels: hs.labels, Value: hs.sum.Load()},
			Sample{Name: h.name + "_count", Labels: hs.labels, Value: float64(hs.count.Load())},
		)
	}
	return samples
}

// HistogramVec is one labelled series of a Histogram.
type HistogramVec struct {
	hs     *histogramSeries
	bounds []float64
}

// Observe records a value.
func (v *HistogramVec) Observe(value float64) {
	i := sort.SearchFloat64s(v.bounds, value)
	if i == len(v.bounds) {
		i-- // NaN
	}
	v.hs.counts[i].Add(1)
	v.hs.sum.Add(value)
	v.hs.count.Add(1)
}

// Registry holds registered metrics in registration order.
type Registry struct {
	mu      sync.RWMutex
	metrics []Metric
	names   map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// NewCounter creates and registers a counter.
func (r *Registry) NewCounter(name, help string, labels ...string) *Counter {
	c := &Counter{}
	c.init(name, help, labels)
	r.register(c)
	return c
}

// NewGauge creates and registers a gauge.
func (r *Registry) NewGauge(name, help string, labels ...string) *Gauge {
	g := &Gauge{}
	g.init(name, help, labels)
	r.register(g)
	return g
}

// NewGaugeFunc registers a gauge that calls fn on every scrape.
func (r *Registry) NewGaugeFunc(name, help string, fn func() float64) *GaugeFunc {
	g := &GaugeFunc{name: name, help: help, fn: fn}
	r.register(g)
	return g
}

// NewHistogram creates and registers a histogram with the given buckets.
func (r *Registry) NewHistogram(name, help string, buckets []float64, labels ...string) *Histogram {
	h := newHistogram(name, help, buckets, labels)
	r.register(h)
	return h
}

// register panics on duplicate names since they produce invalid exposition output.
func (r *Registry) register(m Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.names[m.Name()]; exists {
		panic(fmt.Sprintf("%s: %s", ErrDuplicateMetric, m.Name()))
	}
	r.names[m.Name()] = struct{}{}
	r.metrics = append(r.metrics, m)
}

// WriteTo writes every metric in Prometheus text format.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	r.mu.RLock()
	metrics := append([]Metric(nil), r.metrics...)
	r.mu.RUnlock()

	cw := &countingWriter{w: bufio.NewWriter(w)}
	for _, m := range metrics {
		writeMetric(cw, m)
	}
	if cw.err == nil {
		cw.err = cw.w.Flush()
	}
	return cw.n, cw.err
}

// Handler serves the registry over HTTP.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = r.WriteTo(w)
	})
}

type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countingWriter) printf(format string, args ...any) {
	if c.err != nil {
		return
	}
	n, err := fmt.Fprintf(c.w, format, args...)
	c.n += int64(n)
	c.err = err
}

func writeMetric(w *countingWriter, m Metric) {
	samples := m.Collect()
	if len(samples) == 0 {
		return
	}
	// Order series deterministically; bucket order within a series is kept.
	sort.SliceStable(samples, func(i, j int) bool {
		return seriesKey(samples[i].Labels) < seriesKey(samples[j].Labels)
	})

	w.printf("# HELP %s %s\n", m.Name(), escapeHelp(m.Help()))
	w.printf("# TYPE %s %s\n", m.Name(), m.Type())
	for _, s := range samples {
		if len(s.Labels) == 0 {
			w.printf("%s %s\n", s.Name, formatFloat(s.Value))
		} else {
			w.printf("%s{%s} %s\n", s.Name, formatLabels(s.Labels), formatFloat(s.Value))
		}
	}
}

func seriesKey(labels map[string]string) string {
	if _, ok := labels["le"]; !ok {
		return formatLabels(labels)
	}
	rest := make(map[string]string, len(labels)-1)
	for k, v := range labels {
		if k != "le" {
			rest[k] = v
		}
	}
	return formatLabels(rest)
}

// formatLabels renders key="value" pairs sorted by key.
func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(escapeLabelValue(labels[k]))
		b.WriteByte('"')
	}
	return b.String()
}

func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return fmt.Sprintf("%g", v)
}

func escapeHelp(s string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`).Replace(s)
}

func escapeLabelValue(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(s)
}

// DefaultBuckets are histogram buckets for request durations in seconds.
var DefaultBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
