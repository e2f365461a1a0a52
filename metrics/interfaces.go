// Package metrics provides interfaces and implementations for Prometheus-compatible metrics.
//
// The package supports three modes of operation:
//   - Scrape mode: a long-running scheduled workflow exposes its metrics over HTTP
//   - Push mode: a single workflow pass pushes to a VictoriaMetrics/Prometheus remote write endpoint
//   - Discard: monitoring is not configured and every update is dropped
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Gauge is a metric that represents a single numerical value that can go up and down.
type Gauge interface {
	// Set sets the Gauge to the given value.
	Set(float64)
}

// Counter is a metric that represents a single monotonically increasing counter.
type Counter interface {
	// Inc increments the counter by 1.
	Inc()
	// Add adds the given value to the counter. It panics if the value is negative.
	Add(float64)
}

// GaugeVec is a Gauge with labels.
type GaugeVec interface {
	With(prometheus.Labels) Gauge
}

// CounterVec is a Counter with labels.
type CounterVec interface {
	With(prometheus.Labels) Counter
}

// Registry creates and registers metrics.
// Implementations handle the differences between push and scrape modes.
type Registry interface {
	NewGauge(opts prometheus.GaugeOpts) (Gauge, error)
	NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error)
	NewCounter(opts prometheus.CounterOpts) (Counter, error)
	NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error)
}

// Discard is a Registry whose metrics drop every update.
var Discard Registry = discardRegistry{}

type discardRegistry struct{}

func (discardRegistry) NewGauge(prometheus.GaugeOpts) (Gauge, error) {
	return discardMetric{}, nil
}

func (discardRegistry) NewGaugeVec(prometheus.GaugeOpts, []string) (GaugeVec, error) {
	return discardGaugeVec{}, nil
}

func (discardRegistry) NewCounter(prometheus.CounterOpts) (Counter, error) {
	return discardMetric{}, nil
}

func (discardRegistry) NewCounterVec(prometheus.CounterOpts, []string) (CounterVec, error) {
	return discardCounterVec{}, nil
}

type discardMetric struct{}

func (discardMetric) Set(float64) {}
func (discardMetric) Inc()        {}
func (discardMetric) Add(float64) {}

type discardGaugeVec struct{}

func (discardGaugeVec) With(prometheus.Labels) Gauge { return discardMetric{} }

type discardCounterVec struct{}

func (discardCounterVec) With(prometheus.Labels) Counter { return discardMetric{} }
