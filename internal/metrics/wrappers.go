package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Counter wraps prometheus.Counter
type Counter struct {
	counter prometheus.Counter
}

// NewCounter creates a new counter metric
func NewCounter(name string, labels map[string]string) *Counter {
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        name,
		Help:        name,
		ConstLabels: labels,
	})
	// Try to register, but ignore AlreadyRegisteredError
	if err := prometheus.Register(counter); err != nil {
		// If already registered, try to get the existing one
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return &Counter{counter: existing}
			}
		}
		// For other errors, continue with unregistered counter
	}
	return &Counter{counter: counter}
}

// Inc increments the counter by 1
func (c *Counter) Inc() {
	c.counter.Inc()
}

// Add adds the given value to the counter
func (c *Counter) Add(v float64) {
	c.counter.Add(v)
}

// Value returns the current count.
func (c *Counter) Value() float64 {
	m := &dto.Metric{}
	if err := c.counter.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// Gauge wraps prometheus.Gauge
type Gauge struct {
	gauge prometheus.Gauge
}

// NewGauge creates a new gauge metric
func NewGauge(name string, labels map[string]string) *Gauge {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        name,
		Help:        name,
		ConstLabels: labels,
	})
	// Try to register, but ignore AlreadyRegisteredError
	if err := prometheus.Register(gauge); err != nil {
		// If already registered, try to get the existing one
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return &Gauge{gauge: existing}
			}
		}
		// For other errors, continue with unregistered gauge
	}
	return &Gauge{gauge: gauge}
}

// Set sets the gauge to the given value
func (g *Gauge) Set(v float64) {
	g.gauge.Set(v)
}

// Value returns the current gauge value.
func (g *Gauge) Value() float64 {
	m := &dto.Metric{}
	if err := g.gauge.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
