package metrics

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrDuplicateMetric is the panic value when a metric name is registered twice.
var ErrDuplicateMetric = errors.New("duplicate metric name")

// MetricType represents the type of a metric.
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
)

// Metric is the interface implemented by all metric types.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Value() float64
}

// Counter is a monotonically increasing count.
type Counter struct {
	name, help string
	value      atomic.Uint64
}

func (c *Counter) Name() string     { return c.name }
func (c *Counter) Help() string     { return c.help }
func (c *Counter) Type() MetricType { return MetricTypeCounter }
func (c *Counter) Value() float64   { return float64(c.value.Load()) }

// Inc adds one.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds n.
func (c *Counter) Add(n uint64) { c.value.Add(n) }

// Gauge is a value that can go up and down.
type Gauge struct {
	name, help string
	bits       atomic.Uint64
	fn         func() float64
}

func (g *Gauge) Name() string     { return g.name }
func (g *Gauge) Help() string     { return g.help }
func (g *Gauge) Type() MetricType { return MetricTypeGauge }

// Value returns the current value, calling the gauge function if there is one.
func (g *Gauge) Value() float64 {
	if g.fn != nil {
		return g.fn()
	}
	return math.Float64frombits(g.bits.Load())
}

// Set stores v. It has no effect on a function gauge.
func (g *Gauge) Set(v float64) { g.bits.Store(math.Float64bits(v)) }

// Add adds delta using a CAS loop.
func (g *Gauge) Add(delta float64) {
	for {
		old := g.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if g.bits.CompareAndSwap(old, next) {
			return
		}
	}
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
func (r *Registry) NewCounter(name, help string) *Counter {
	c := &Counter{name: name, help: help}
	r.register(c)
	return c
}

// NewGauge creates and registers a gauge.
func (r *Registry) NewGauge(name, help string) *Gauge {
	g := &Gauge{name: name, help: help}
	r.register(g)
	return g
}

// NewGaugeFunc registers a gauge whose value is computed by fn on every scrape.
// fn must be safe to call from any goroutine.
func (r *Registry) NewGaugeFunc(name, help string, fn func() float64) *Gauge {
	g := &Gauge{name: name, help: help, fn: fn}
	r.register(g)
	return g
}

// register panics on a duplicate name, since duplicate metric names produce
// invalid Prometheus output.
func (r *Registry) register(m Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.names[m.Name()]; exists {
		panic(fmt.Errorf("%w: %s", ErrDuplicateMetric, m.Name()))
	}
	r.names[m.Name()] = struct{}{}
	r.metrics = append(r.metrics, m)
}

// WriteText writes every metric in Prometheus text format.
func (r *Registry) WriteText(w io.Writer) error {
	r.mu.RLock()
	metrics := make([]Metric, len(r.metrics))
	copy(metrics, r.metrics)
	r.mu.RUnlock()

	for _, m := range metrics {
		_, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %s\n",
			m.Name(), escapeHelp(m.Help()), m.Name(), m.Type(), m.Name(), formatFloat(m.Value()))
		if err != nil {
			return err
		}
	}
	return nil
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_ = r.WriteText(w)
	})
}

// formatFloat formats a float64 for Prometheus output.
func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case v == math.Trunc(v) && math.Abs(v) < 1e15:
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%g", v)
}

// escapeHelp escapes help text for Prometheus format.
func escapeHelp(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	return strings.ReplaceAll(s, "\n", "\\n")
}
