package op

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/dpflow/iteration"
	"github.com/nomis52/dpflow/metrics"
	"github.com/nomis52/dpflow/opio"
)

// Test Helpers
// ---------------------------------------------------------------------

// dynamicExec echoes its input as "out" and counts calls.
type dynamicExec struct {
	calls int
	err   error
}

func (e *dynamicExec) WorkPath() string { return "iter.000000/01.model_devi" }

func (e *dynamicExec) Execute(_ context.Context, in opio.OPIO) (opio.OPIO, error) {
	e.calls++
	if e.err != nil {
		return opio.OPIO{}, e.err
	}
	paths, err := in.Get("in")
	if err != nil {
		return opio.OPIO{}, err
	}
	out := opio.New()
	out.Set("out", paths)
	return out, nil
}

// staticExec declares fixed channels and returns nothing from Execute.
type staticExec struct{}

func (staticExec) WorkPath() string { return "task.000000" }

func (staticExec) Execute(context.Context, opio.OPIO) (opio.OPIO, error) {
	return opio.OPIO{}, nil
}

func (staticExec) StaticInput() opio.OPIO {
	return opio.From(map[string]opio.PathSet{"md_path": opio.NewPathSet("task.000000/model_devi.out")})
}

func (staticExec) StaticOutput() opio.OPIO {
	return opio.From(map[string]opio.PathSet{"max_md_path": opio.NewPathSet("task.000000/max_model_devi.out")})
}

func input(paths ...string) opio.OPIO {
	return opio.From(map[string]opio.PathSet{"in": opio.NewPathSet(paths...)})
}

// Tests
// ---------------------------------------------------------------------

func TestStage_DynamicLifecycle(t *testing.T) {
	exec := &dynamicExec{}
	s := New("prep_md", KindPrepMD, exec)
	assert.Equal(t, Inited, s.Status())
	assert.False(t, s.IsStatic())

	_, err := s.Input()
	assert.ErrorIs(t, err, ErrNotExecuted)
	_, err = s.Output()
	assert.ErrorIs(t, err, ErrNotExecuted)

	in := input("a", "b")
	out, err := s.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, Executed, s.Status())
	assert.True(t, out.ChannelEqual("out", opio.From(map[string]opio.PathSet{"out": opio.NewPathSet("a", "b")})))

	recordedIn, err := s.Input()
	require.NoError(t, err)
	assert.True(t, recordedIn.Equal(in))
	recordedOut, err := s.Output()
	require.NoError(t, err)
	assert.True(t, recordedOut.Equal(out))

	_, err = s.Execute(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, exec.calls, "a stage executes once")
}

func TestStage_InputIsCopied(t *testing.T) {
	s := New("prep_md", KindPrepMD, &dynamicExec{})
	in := input("a")
	_, err := s.Execute(context.Background(), in)
	require.NoError(t, err)

	in.Set("in", opio.NewPathSet("changed"))
	recorded, err := s.Input()
	require.NoError(t, err)
	paths, err := recorded.Get("in")
	require.NoError(t, err)
	assert.True(t, paths.Contains("a"))
}

func TestStage_Failure(t *testing.T) {
	cause := errors.New("disk full")
	s := New("train", KindTrain, &dynamicExec{err: cause})

	_, err := s.Execute(context.Background(), input("a"))
	require.Error(t, err)
	assert.Equal(t, Error, s.Status())
	assert.ErrorIs(t, err, cause)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, "train", stageErr.Stage)
	assert.Equal(t, "iter.000000/01.model_devi", stageErr.WorkPath)
	assert.Equal(t, KindTrain, stageErr.Kind)
	assert.Equal(t, err, s.Err())

	_, err = s.Output()
	assert.ErrorIs(t, err, ErrNotExecuted)
	_, err = s.Execute(context.Background(), input("a"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStage_Static(t *testing.T) {
	s := New("reduce", KindReduce, staticExec{})
	assert.True(t, s.IsStatic())

	in, err := s.Input()
	require.NoError(t, err, "static input is available before execution")
	assert.True(t, in.Has("md_path"))

	out, err := s.Execute(context.Background(), opio.OPIO{})
	require.NoError(t, err)
	assert.True(t, out.Has("max_md_path"), "empty result falls back to the static output")
}

func TestStage_Restore(t *testing.T) {
	exec := &dynamicExec{}
	s := New("prep_md", KindPrepMD, exec)
	out := opio.From(map[string]opio.PathSet{"out": opio.NewPathSet("x")})

	require.NoError(t, s.Restore(input("x"), out))
	assert.Equal(t, Executed, s.Status())
	got, err := s.Output()
	require.NoError(t, err)
	assert.True(t, got.Equal(out))
	assert.Zero(t, exec.calls)

	assert.ErrorIs(t, s.Restore(input("x"), out), ErrInvalidTransition)
}

func TestStage_Metrics(t *testing.T) {
	reg, err := metrics.NewScrapeRegistry()
	require.NoError(t, err)
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = New("prep_md", KindPrepMD, &dynamicExec{}, WithMetrics(m)).Execute(context.Background(), input("a"))
	require.NoError(t, err)
	_, err = New("train", KindTrain, &dynamicExec{err: errors.New("boom")}, WithMetrics(m)).Execute(context.Background(), input("a"))
	require.Error(t, err)

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `stage_executions_total{kind="prep_md",status="executed"} 1`)
	assert.Contains(t, string(body), `stage_executions_total{kind="train",status="error"} 1`)
	assert.Contains(t, string(body), `stage_duration_seconds{kind="prep_md",stage="prep_md"}`)
}

func TestStatus(t *testing.T) {
	tests := []struct {
		status   Status
		name     string
		terminal bool
	}{
		{Inited, "inited", false},
		{Executed, "executed", true},
		{Error, "error", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.status.String())
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())

			data, err := json.Marshal(tt.status)
			require.NoError(t, err)
			var decoded Status
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, tt.status, decoded)
		})
	}
	assert.Error(t, new(Status).UnmarshalText([]byte("running")))
}

func TestKind(t *testing.T) {
	for _, k := range Kinds {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	assert.True(t, KindTrain.Dispatches())
	assert.True(t, KindMD.Dispatches())
	assert.False(t, KindPrepMD.Dispatches())
	assert.False(t, KindReduce.Dispatches())

	_, err := ParseKind("fp")
	assert.Error(t, err)
	assert.False(t, Kind(42).Valid())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	built := 0
	r.MustRegister(KindReduce, func(ic iteration.IterationContext, _ *slog.Logger) (Executor, error) {
		built = ic.Iteration()
		return staticExec{}, nil
	})
	r.MustRegister(KindPrepTrain, func(iteration.IterationContext, *slog.Logger) (Executor, error) {
		return nil, errors.New("no template")
	})

	assert.Equal(t, []Kind{KindPrepTrain, KindReduce}, r.Kinds())
	assert.Equal(t, []Kind{KindTrain, KindPrepMD, KindMD}, r.Missing())

	exec, err := r.Build(KindReduce, iteration.New("/work", 3), nil)
	require.NoError(t, err)
	assert.Equal(t, "task.000000", exec.WorkPath())
	assert.Equal(t, 3, built)

	_, err = r.Build(KindPrepTrain, iteration.New("/work", 0), nil)
	assert.ErrorContains(t, err, "no template")

	_, err = r.Build(KindMD, iteration.New("/work", 0), nil)
	assert.ErrorIs(t, err, ErrUnknownKind)

	err = r.Register(KindReduce, func(iteration.IterationContext, *slog.Logger) (Executor, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrDuplicateKind)
	assert.Error(t, r.Register(Kind(99), nil))
	assert.Panics(t, func() { r.MustRegister(KindReduce, nil) })
}
