// Package metrics provides the Prometheus collector for gateway dispatches.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates dispatch-level metrics: outcomes, latency, executor
// retries, and fallback hops.
type Collector struct {
	dispatchesTotal  *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	retriesTotal     prometheus.Counter
	fallbacksTotal   *prometheus.CounterVec
	activeKeys       *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers the gateway metrics with the given registerer.
// A nil registerer uses the default registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	return &Collector{
		dispatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total number of dispatched chat requests",
			},
			[]string{"provider", "outcome"},
		),
		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Dispatch duration in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),
		retriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_retries_total",
				Help:      "Total number of upstream attempt retries",
			},
		),
		fallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallbacks_total",
				Help:      "Total number of fallback hops between providers",
			},
			[]string{"from", "to"},
		),
		activeKeys: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_keys",
				Help:      "Active API keys per provider in the rotation pool",
			},
			[]string{"provider"},
		),
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// ObserveDispatch records one finished dispatch.
func (c *Collector) ObserveDispatch(provider, outcome string, duration time.Duration) {
	c.dispatchesTotal.WithLabelValues(provider, outcome).Inc()
	c.dispatchDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// AddRetries accounts executor retries observed since the last report.
func (c *Collector) AddRetries(n float64) {
	if n > 0 {
		c.retriesTotal.Add(n)
	}
}

// ObserveFallback records one fallback hop.
func (c *Collector) ObserveFallback(from, to string) {
	c.fallbacksTotal.WithLabelValues(from, to).Inc()
}

// SetActiveKeys updates the rotation pool gauge for a provider.
func (c *Collector) SetActiveKeys(provider string, n int) {
	c.activeKeys.WithLabelValues(provider).Set(float64(n))
}
