package op

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nomis52/dpflow/opio"
)

var (
	// ErrInvalidTransition is returned when an operation is not allowed in the stage's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotExecuted is returned when dynamic IO is requested before the stage executed.
	ErrNotExecuted = errors.New("stage has not been executed")
)

// Executor is the unit of work a Stage drives.
type Executor interface {
	// WorkPath is the directory the executor writes into, relative to the workflow root.
	WorkPath() string
	// Execute consumes in and returns the produced channels.
	Execute(ctx context.Context, in opio.OPIO) (opio.OPIO, error)
}

// StaticIO is implemented by executors whose channels are known at construction time.
type StaticIO interface {
	StaticInput() opio.OPIO
	StaticOutput() opio.OPIO
}

// InputResolver is implemented by executors that can list the files an execution
// consumed beyond the channels they were given.
type InputResolver interface {
	ResolvedInput() opio.OPIO
}

// StageError reports which stage failed and where it was working.
type StageError struct {
	Stage    string
	Kind     Kind
	WorkPath string
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s (%s) failed in %s: %v", e.Stage, e.Kind, e.WorkPath, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Stage wraps an Executor with its status machine: Inited -> Executed | Error.
// A Stage executes at most once; build a new one to run again.
type Stage struct {
	name    string
	kind    Kind
	exec    Executor
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.RWMutex
	status    Status
	input     opio.OPIO
	output    opio.OPIO
	err       error
	startedAt time.Time
	endedAt   time.Time
}

// Option configures a Stage.
type Option func(*Stage)

// WithLogger sets the logger the stage reports through.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stage) {
		s.logger = logger
	}
}

// WithMetrics records executions into m.
func WithMetrics(m *Metrics) Option {
	return func(s *Stage) {
		s.metrics = m
	}
}

// New wraps exec in an Inited Stage.
func New(name string, kind Kind, exec Executor, opts ...Option) *Stage {
	s := &Stage{
		name:   name,
		kind:   kind,
		exec:   exec,
		status: Inited,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s.logger = s.logger.With("component", "stage", "stage", name, "kind", kind.String())
	return s
}

func (s *Stage) Name() string {
	return s.name
}

func (s *Stage) Kind() Kind {
	return s.kind
}

func (s *Stage) WorkPath() string {
	return s.exec.WorkPath()
}

// Status returns the current status.
func (s *Stage) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Err returns the execution error of a stage in the Error status.
func (s *Stage) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Times returns when the last execution started and ended.
func (s *Stage) Times() (time.Time, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt, s.endedAt
}

// Execute runs the executor with a copy of in. It may only be called once.
func (s *Stage) Execute(ctx context.Context, in opio.OPIO) (opio.OPIO, error) {
	s.mu.Lock()
	if s.status != Inited {
		status := s.status
		s.mu.Unlock()
		return opio.OPIO{}, fmt.Errorf("%w: cannot execute %s stage %s", ErrInvalidTransition, status, s.name)
	}
	s.startedAt = time.Now()
	s.mu.Unlock()

	in = in.Clone()

	s.logger.Info("executing stage", "work_path", s.WorkPath())
	out, err := s.exec.Execute(ctx, in)
	if static, ok := s.exec.(StaticIO); ok && err == nil && out.Len() == 0 {
		out = static.StaticOutput()
	}

	s.mu.Lock()
	s.endedAt = time.Now()
	duration := s.endedAt.Sub(s.startedAt)
	if err != nil {
		s.status = Error
		s.err = &StageError{Stage: s.name, Kind: s.kind, WorkPath: s.WorkPath(), Err: err}
		stageErr := s.err
		s.mu.Unlock()

		s.logger.Error("stage failed", "duration", duration, "error", err)
		s.metrics.observe(s.name, s.kind, Error, duration)
		return opio.OPIO{}, stageErr
	}
	if r, ok := s.exec.(InputResolver); ok {
		resolved := r.ResolvedInput()
		for _, k := range resolved.Keys() {
			v, _ := resolved.Get(k)
			in.Set(k, v)
		}
	}
	s.status = Executed
	s.input = in
	s.output = out.Clone()
	s.mu.Unlock()

	s.logger.Info("stage executed", "duration", duration, "channels", out.Keys())
	s.metrics.observe(s.name, s.kind, Executed, duration)
	return out.Clone(), nil
}

// Restore marks an Inited stage as Executed with previously recorded channels,
// without running the executor. It is used to resume a workflow.
func (s *Stage) Restore(in, out opio.OPIO) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Inited {
		return fmt.Errorf("%w: cannot restore %s stage %s", ErrInvalidTransition, s.status, s.name)
	}
	s.status = Executed
	s.input = in.Clone()
	s.output = out.Clone()
	s.logger.Info("stage restored from record")
	return nil
}

// Input returns the stage's input channels. Static executors answer in any status;
// dynamic ones only once executed.
func (s *Stage) Input() (opio.OPIO, error) {
	if static, ok := s.exec.(StaticIO); ok {
		return static.StaticInput(), nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != Executed {
		return opio.OPIO{}, fmt.Errorf("%w: input of %s", ErrNotExecuted, s.name)
	}
	return s.input.Clone(), nil
}

// Output returns the stage's output channels, with the same availability as Input.
func (s *Stage) Output() (opio.OPIO, error) {
	if static, ok := s.exec.(StaticIO); ok {
		return static.StaticOutput(), nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != Executed {
		return opio.OPIO{}, fmt.Errorf("%w: output of %s", ErrNotExecuted, s.name)
	}
	return s.output.Clone(), nil
}

// IsStatic reports whether the executor declares its IO up front.
func (s *Stage) IsStatic() bool {
	_, ok := s.exec.(StaticIO)
	return ok
}
