// Package pipeline drives the active learning iterations of a workflow.
//
// Each iteration runs the same sequence of stages: prepare training, train,
// prepare exploration MD, run MD and reduce the model deviations. The Driver
// builds every stage through an op.Registry, feeds each one the outputs of the
// stages before it and stores a record of every execution. Stages whose latest
// record succeeded are restored instead of executed, so an interrupted workflow
// picks up where it stopped.
//
// Example usage:
//
//	registry, err := pipeline.NewRegistry(settings)
//	driver, err := pipeline.NewDriver(root, registry, pipeline.Config{
//		MaxIterations: 10,
//		InitConf:      []string{"confs/POSCAR.0"},
//	}, pipeline.WithLogger(logger))
//	err = driver.Run(ctx)
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/nomis52/dpflow/iteration"
	"github.com/nomis52/dpflow/logging"
	"github.com/nomis52/dpflow/op"
	"github.com/nomis52/dpflow/opio"
	"github.com/nomis52/dpflow/record"
)

// ErrAlreadyRunning is returned by Run while another run is in progress.
var ErrAlreadyRunning = errors.New("workflow is already running")

// Config describes the iterations a Driver runs.
type Config struct {
	MaxIterations int
	// InitConf lists the initial MD configurations, relative to the root.
	InitConf []string
}

// Driver runs the iterations of one workflow root.
type Driver struct {
	ctx       iteration.Context
	registry  *op.Registry
	steps     []Step
	cfg       Config
	store     record.Store
	logger    *slog.Logger
	collector *logging.LogCollector
	hook      logging.LoggerHook
	metrics   *Metrics

	running sync.Mutex
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger stages report through. Their records are also captured.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithStore sets where stage records are kept. The default is a DiskStore under the root.
func WithStore(store record.Store) Option {
	return func(d *Driver) {
		d.store = store
	}
}

// WithMetrics reports progress into m.
func WithMetrics(m *Metrics) Option {
	return func(d *Driver) {
		d.metrics = m
	}
}

// NewDriver returns a Driver for the workflow rooted at root.
func NewDriver(root string, registry *op.Registry, cfg Config, opts ...Option) (*Driver, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if missing := registry.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", op.ErrUnknownKind, missing)
	}
	if cfg.MaxIterations <= 0 {
		return nil, fmt.Errorf("max_iterations must be positive, got %d", cfg.MaxIterations)
	}
	if len(cfg.InitConf) == 0 {
		return nil, errors.New("at least one initial configuration is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workflow root: %w", err)
	}

	d := &Driver{
		ctx:       iteration.NewContext(abs),
		registry:  registry,
		cfg:       cfg,
		collector: logging.NewLogCollector(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.Discard()
	}
	d.logger = d.logger.With("component", "driver")
	d.hook = logging.NewCapturingLoggerHook(d.collector)
	if d.store == nil {
		store, err := record.NewDiskStore(record.DefaultDir(abs), d.logger)
		if err != nil {
			return nil, err
		}
		d.store = store
	}

	initConf := opio.NewPathSet()
	for _, p := range cfg.InitConf {
		initConf.Add(d.ctx.Rel(p))
	}
	d.steps = Steps(initConf)
	return d, nil
}

// Root returns the absolute workflow root.
func (d *Driver) Root() string {
	return d.ctx.Root()
}

// Store returns the record store.
func (d *Driver) Store() record.Store {
	return d.store
}

// Run works through the iterations in order and stops at the first failure.
// Finished stages are restored from their records. Concurrent calls fail with ErrAlreadyRunning.
func (d *Driver) Run(ctx context.Context) error {
	if !d.running.TryLock() {
		return ErrAlreadyRunning
	}
	defer d.running.Unlock()

	err := d.run(ctx)
	d.metrics.run(err)
	if err != nil {
		d.logger.Error("workflow run failed", "error", err)
		return err
	}
	d.logger.Info("workflow finished", "iterations", d.cfg.MaxIterations)
	return nil
}

func (d *Driver) run(ctx context.Context) error {
	for i := range d.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := d.runIteration(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// RunIteration runs the stages of iteration i only and returns each stage's output by name.
// Earlier iterations are assumed to be finished.
func (d *Driver) RunIteration(ctx context.Context, i int) (map[string]opio.OPIO, error) {
	if i < 0 {
		return nil, fmt.Errorf("invalid iteration %d", i)
	}
	if !d.running.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer d.running.Unlock()
	return d.runIteration(ctx, i)
}

func (d *Driver) runIteration(ctx context.Context, i int) (map[string]opio.OPIO, error) {
	ic := iteration.New(d.ctx.Root(), i)
	d.metrics.setIteration(i)
	logger := d.logger.With("iteration", i)
	logger.Info("starting iteration")

	outputs := make(map[string]opio.OPIO, len(d.steps))
	for _, step := range d.steps {
		if err := ctx.Err(); err != nil {
			return outputs, err
		}
		out, err := d.runStep(ctx, ic, step, outputs)
		if err != nil {
			return outputs, fmt.Errorf("iteration %d: %w", i, err)
		}
		outputs[step.Name] = out
	}
	logger.Info("iteration finished")
	return outputs, nil
}

// runStep restores step from its latest successful record or executes it and
// records the outcome.
func (d *Driver) runStep(ctx context.Context, ic iteration.IterationContext, step Step, prior map[string]opio.OPIO) (opio.OPIO, error) {
	key := logging.StageKey(ic.IterPath(), step.Name)
	stageLogger := d.hook.LoggerForStage(d.logger, key).With("iteration", ic.Iteration())

	exec, err := d.registry.Build(step.Kind, ic, stageLogger)
	if err != nil {
		return opio.OPIO{}, err
	}
	stage := op.New(step.Name, step.Kind, exec, op.WithLogger(stageLogger), op.WithMetrics(d.metrics.stages()))

	if rec, ok := d.store.Latest(ic.Iteration(), step.Name); ok && rec.Succeeded() {
		if err := stage.Restore(rec.Input, rec.Output); err != nil {
			return opio.OPIO{}, err
		}
		d.collector.Take(key)
		d.metrics.restored()
		d.logger.Debug("restored stage", "iteration", ic.Iteration(), "stage", step.Name, "record", rec.ID)
		return stage.Output()
	}

	in, err := step.Input(prior)
	if err != nil {
		d.collector.Take(key)
		return opio.OPIO{}, fmt.Errorf("assembling input of %s: %w", step.Name, err)
	}
	out, execErr := stage.Execute(ctx, in)

	rec := record.FromStage(ic.Iteration(), stage, d.collector.Take(key))
	if err := d.store.Save(rec); err != nil {
		return opio.OPIO{}, errors.Join(execErr, fmt.Errorf("saving record of %s: %w", step.Name, err))
	}
	if execErr != nil {
		return opio.OPIO{}, execErr
	}
	return out, nil
}
