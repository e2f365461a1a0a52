package pipeline

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nomis52/dpflow/metrics"
	"github.com/nomis52/dpflow/op"
)

// Metrics reports workflow progress. A nil *Metrics records nothing.
type Metrics struct {
	// Stages is shared with the stage executors.
	Stages *op.Metrics

	iteration     metrics.Gauge
	runs          metrics.CounterVec
	skippedStages metrics.Counter
}

// NewMetrics registers the workflow and stage metrics with reg.
func NewMetrics(reg metrics.Registry) (*Metrics, error) {
	stageMetrics, err := op.NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	iter, err := reg.NewGauge(prometheus.GaugeOpts{
		Name: "workflow_iteration",
		Help: "Iteration the workflow is currently working on",
	})
	if err != nil {
		return nil, fmt.Errorf("creating iteration gauge: %w", err)
	}
	runs, err := reg.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_runs_total",
		Help: "Workflow runs by result",
	}, []string{"result"})
	if err != nil {
		return nil, fmt.Errorf("creating runs counter: %w", err)
	}
	skipped, err := reg.NewCounter(prometheus.CounterOpts{
		Name: "workflow_restored_stages_total",
		Help: "Stages restored from their records instead of executed",
	})
	if err != nil {
		return nil, fmt.Errorf("creating restored counter: %w", err)
	}
	return &Metrics{Stages: stageMetrics, iteration: iter, runs: runs, skippedStages: skipped}, nil
}

func (m *Metrics) stages() *op.Metrics {
	if m == nil {
		return nil
	}
	return m.Stages
}

func (m *Metrics) setIteration(i int) {
	if m == nil {
		return
	}
	m.iteration.Set(float64(i))
}

func (m *Metrics) run(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.runs.With(prometheus.Labels{"result": result}).Inc()
}

func (m *Metrics) restored() {
	if m == nil {
		return
	}
	m.skippedStages.Inc()
}
