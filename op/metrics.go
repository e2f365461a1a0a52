package op

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nomis52/dpflow/metrics"
)

// Metrics reports stage executions. A nil *Metrics records nothing.
type Metrics struct {
	executions metrics.CounterVec
	duration   metrics.GaugeVec
	lastRun    metrics.GaugeVec
}

// NewMetrics registers the stage metrics with reg.
func NewMetrics(reg metrics.Registry) (*Metrics, error) {
	executions, err := reg.NewCounterVec(prometheus.CounterOpts{
		Name: "stage_executions_total",
		Help: "Stage executions by kind and final status",
	}, []string{"kind", "status"})
	if err != nil {
		return nil, fmt.Errorf("creating executions counter: %w", err)
	}
	duration, err := reg.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stage_duration_seconds",
		Help: "Duration of the last execution of each stage",
	}, []string{"stage", "kind"})
	if err != nil {
		return nil, fmt.Errorf("creating duration gauge: %w", err)
	}
	lastRun, err := reg.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stage_last_run_timestamp_seconds",
		Help: "Unix time the stage last finished",
	}, []string{"stage", "kind"})
	if err != nil {
		return nil, fmt.Errorf("creating last run gauge: %w", err)
	}
	return &Metrics{executions: executions, duration: duration, lastRun: lastRun}, nil
}

func (m *Metrics) observe(stage string, kind Kind, status Status, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.With(prometheus.Labels{"kind": kind.String(), "status": status.String()}).Inc()
	labels := prometheus.Labels{"stage": stage, "kind": kind.String()}
	m.duration.With(labels).Set(d.Seconds())
	m.lastRun.With(labels).Set(float64(time.Now().Unix()))
}
