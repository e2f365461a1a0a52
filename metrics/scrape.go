package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsPath is where Serve exposes the registry.
const MetricsPath = "/metrics"

// ScrapeRegistry keeps metrics in a Prometheus registry for a scheduled workflow
// process to expose over HTTP between and during its runs.
type ScrapeRegistry struct {
	prom *prometheus.Registry
}

// NewScrapeRegistry creates a registry that already carries the Go runtime and
// process collectors.
func NewScrapeRegistry() (*ScrapeRegistry, error) {
	r := &ScrapeRegistry{prom: prometheus.NewRegistry()}
	if _, err := register(r, "go collector", collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if _, err := register(r, "process collector", collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	return r, nil
}

// register adds c to the registry. Registering a name twice is an error, which
// catches two components claiming the same metric.
func register[C prometheus.Collector](r *ScrapeRegistry, name string, c C) (C, error) {
	if err := r.prom.Register(c); err != nil {
		var zero C
		return zero, fmt.Errorf("registering %s: %w", name, err)
	}
	return c, nil
}

// Handler serves the registry in the Prometheus or OpenMetrics text format.
func (r *ScrapeRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes MetricsPath on addr until ctx is cancelled. A cancelled context is
// a clean shutdown and returns nil.
func (r *ScrapeRegistry) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(MetricsPath, r.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving workflow metrics", "addr", addr, "path", MetricsPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (r *ScrapeRegistry) NewGauge(opts prometheus.GaugeOpts) (Gauge, error) {
	return register(r, "gauge "+opts.Name, prometheus.NewGauge(opts))
}

func (r *ScrapeRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error) {
	g, err := register(r, "gauge vec "+opts.Name, prometheus.NewGaugeVec(opts, labels))
	if err != nil {
		return nil, err
	}
	return gaugeVec{g}, nil
}

func (r *ScrapeRegistry) NewCounter(opts prometheus.CounterOpts) (Counter, error) {
	return register(r, "counter "+opts.Name, prometheus.NewCounter(opts))
}

func (r *ScrapeRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error) {
	c, err := register(r, "counter vec "+opts.Name, prometheus.NewCounterVec(opts, labels))
	if err != nil {
		return nil, err
	}
	return counterVec{c}, nil
}

// prometheus.Gauge and prometheus.Counter satisfy Gauge and Counter directly; the
// vectors only need their With narrowed to this package's interfaces.
type gaugeVec struct{ *prometheus.GaugeVec }

func (g gaugeVec) With(labels prometheus.Labels) Gauge {
	return g.GaugeVec.With(labels)
}

type counterVec struct{ *prometheus.CounterVec }

func (c counterVec) With(labels prometheus.Labels) Counter {
	return c.CounterVec.With(labels)
}
