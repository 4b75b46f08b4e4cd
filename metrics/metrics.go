// Package metrics exposes per-window collector totals and evictions as
// Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jnesss/stack-analyzer/collector"
)

const namespace = "stack_analyzer"

type Metrics struct {
	windowValue *prometheus.GaugeVec
	windowKeys  *prometheus.GaugeVec
	windows     *prometheus.CounterVec
	evictions   *prometheus.CounterVec
}

// New registers the metrics with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		windowValue: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "window_value",
				Help:      "Scaled total of the last window, in the collector's unit",
			},
			[]string{"collector", "type", "unit"},
		),
		windowKeys: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "window_keys",
				Help:      "Distinct stacks in the last window",
			},
			[]string{"collector"},
		),
		windows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "windows_total",
				Help:      "Reports emitted per collector",
			},
			[]string{"collector"},
		),
		evictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evictions_total",
				Help:      "Collectors evicted from the registry",
			},
			[]string{"collector", "stage"},
		),
	}
}

// Emit records a report
func (m *Metrics) Emit(r collector.Report) error {
	m.windowValue.WithLabelValues(r.Collector, r.Scale.Type, r.Scale.Unit).Set(r.Total())
	m.windowKeys.WithLabelValues(r.Collector).Set(float64(len(r.Items)))
	m.windows.WithLabelValues(r.Collector).Inc()
	return nil
}

// CollectorEvicted counts an eviction
func (m *Metrics) CollectorEvicted(name, stage string, err error) {
	m.evictions.WithLabelValues(name, stage).Inc()
}
