// Package cron re-runs the workflow on a cron schedule so a long-lived process
// keeps resuming it as stages become runnable.
//
// Example usage:
//
//	trigger, err := cron.NewTrigger("*/10 * * * *", driver.Run, logger, cron.WithRunOnStart())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	trigger.Run(ctx) // blocks until ctx is cancelled
package cron

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCronSpec is returned when the cron specification cannot be parsed.
var ErrInvalidCronSpec = errors.New("invalid cron spec")

// RunFunc is what the trigger fires.
type RunFunc func(ctx context.Context) error

// Trigger fires a RunFunc according to a cron schedule. Fires never overlap:
// a run that outlasts its slot delays the next one.
type Trigger struct {
	spec       string
	schedule   cron.Schedule
	run        RunFunc
	logger     *slog.Logger
	runOnStart bool
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithRunOnStart fires once as soon as the trigger starts.
func WithRunOnStart() Option {
	return func(t *Trigger) {
		t.runOnStart = true
	}
}

// NewTrigger parses spec, a standard five field cron expression.
// Returns ErrInvalidCronSpec if the specification cannot be parsed.
func NewTrigger(spec string, run RunFunc, logger *slog.Logger, opts ...Option) (*Trigger, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, errors.Join(ErrInvalidCronSpec, err)
	}
	if run == nil {
		return nil, errors.New("run function is required")
	}
	t := &Trigger{
		spec:     spec,
		schedule: schedule,
		run:      run,
		logger:   logger.With("component", "cron", "schedule", spec),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// NextRun returns the next scheduled run time after from.
func (t *Trigger) NextRun(from time.Time) time.Time {
	return t.schedule.Next(from)
}

// Start runs the schedule in a goroutine and returns immediately.
func (t *Trigger) Start(ctx context.Context) {
	go t.Run(ctx)
}

// Run fires on schedule until ctx is cancelled.
func (t *Trigger) Run(ctx context.Context) {
	if t.runOnStart {
		t.fire(ctx)
	}
	for {
		next := t.schedule.Next(time.Now())
		wait := time.Until(next)
		t.logger.Debug("waiting for next scheduled run", "next_run", next, "wait_duration", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			t.logger.Info("cron trigger shutting down")
			return
		case <-timer.C:
			t.fire(ctx)
		}
	}
}

func (t *Trigger) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	t.logger.Info("starting scheduled workflow run")
	if err := t.run(ctx); err != nil {
		t.logger.Warn("scheduled run completed with error", "error", err)
		return
	}
	t.logger.Info("scheduled run completed successfully")
}
