package stages

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/dpflow/iteration"
	"github.com/nomis52/dpflow/op"
	"github.com/nomis52/dpflow/opio"
)

// Test Helpers
// ---------------------------------------------------------------------

// counterSeeds returns 0, 1, 2, ... so seed order is observable.
type counterSeeds struct {
	next uint64
}

func (c *counterSeeds) Uint64N(uint64) uint64 {
	v := c.next
	c.next++
	return v
}

func trainTemplate() map[string]any {
	return map[string]any{
		"model": map[string]any{
			"descriptor":  map[string]any{"type": "se_e2_a", "seed": 1},
			"fitting_net": map[string]any{"seed": 1},
		},
		"training": map[string]any{
			"systems":    []any{},
			"set_prefix": "set",
			"stop_batch": 2000,
			"batch_size": "auto",
			"seed":       1,
		},
	}
}

// makeDataDirs creates labeled data directories under root, each with a unique type.raw.
func makeDataDirs(t *testing.T, root string, dirs ...string) opio.PathSet {
	t.Helper()
	for _, d := range dirs {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(root, d, opio.DataMarker), []byte(uuid.NewString()), 0644))
	}
	return opio.NewPathSet(dirs...)
}

func readJSON(t *testing.T, p string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func readText(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(data)
}

const numbModels = 4

var (
	initDirs = []string{"init/foo/", "init/bar/baz"}
	iterDirs = []string{"iter.000000/02.fp/data.000000", "iter.000001/02.fp/data.000001"}
)

// Tests
// ---------------------------------------------------------------------

func TestPrepDPTrain_Seeds(t *testing.T) {
	root := t.TempDir()
	ic := iteration.New(root, 2)
	p, err := NewPrepDPTrain(ic, trainTemplate(), makeDataDirs(t, root, initDirs...), makeDataDirs(t, root, iterDirs...), numbModels, &counterSeeds{})
	require.NoError(t, err)

	_, err = p.Execute(context.Background(), opio.New())
	require.NoError(t, err)

	for i := range numbModels {
		script := readJSON(t, filepath.Join(root, "iter.000002", "00.train", iteration.TrainName(i), "input.json"))
		model := script["model"].(map[string]any)
		assert.EqualValues(t, 3*i+0, model["descriptor"].(map[string]any)["seed"])
		assert.EqualValues(t, 3*i+1, model["fitting_net"].(map[string]any)["seed"])
		assert.EqualValues(t, 3*i+2, script["training"].(map[string]any)["seed"])
		assert.Equal(t, "se_e2_a", model["descriptor"].(map[string]any)["type"])
	}
}

func TestPrepDPTrain_StaticIO(t *testing.T) {
	root := t.TempDir()
	ic := iteration.New(root, 2)

	var wantDirs []string
	for i := range numbModels {
		wantDirs = append(wantDirs, filepath.Join("iter.000002", "00.train", iteration.TrainName(i)))
	}

	tests := []struct {
		name     string
		initData opio.PathSet
		iterData opio.PathSet
	}{
		{"both", opio.NewPathSet(initDirs...), opio.NewPathSet(iterDirs...)},
		{"no iter data", opio.NewPathSet(initDirs...), nil},
		{"no init data", nil, opio.NewPathSet(iterDirs...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPrepDPTrain(ic, trainTemplate(), tt.initData, tt.iterData, numbModels, &counterSeeds{})
			require.NoError(t, err)
			stage := op.New("prep_train", op.KindPrepTrain, p)

			in, err := stage.Input()
			require.NoError(t, err, "static input is available before execution")
			assert.Equal(t, []string{ChanInitData, ChanIterData}, in.Keys())
			got, err := in.Get(ChanInitData)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.initData))
			got, err = in.Get(ChanIterData)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.iterData))

			out, err := stage.Output()
			require.NoError(t, err)
			assert.Equal(t, []string{ChanTrainDirs}, out.Keys())
			dirs, err := out.Get(ChanTrainDirs)
			require.NoError(t, err)
			assert.Equal(t, wantDirs, dirs.Sorted())
		})
	}
}

func TestPrepDPTrain_LinksData(t *testing.T) {
	tests := []struct {
		name string
		init []string
		iter []string
	}{
		{"both", initDirs, iterDirs},
		{"no iter data", initDirs, nil},
		{"no init data", nil, iterDirs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			ic := iteration.New(root, 2)
			var initData, iterData opio.PathSet
			if tt.init != nil {
				initData = makeDataDirs(t, root, tt.init...)
			}
			if tt.iter != nil {
				iterData = makeDataDirs(t, root, tt.iter...)
			}
			p, err := NewPrepDPTrain(ic, trainTemplate(), initData, iterData, numbModels, &counterSeeds{})
			require.NoError(t, err)
			stage := op.New("prep_train", op.KindPrepTrain, p)
			_, err = stage.Execute(context.Background(), opio.New())
			require.NoError(t, err)
			assert.Equal(t, op.Executed, stage.Status())

			var wantSystems []any
			for _, group := range []struct {
				name string
				dirs []string
			}{{"init_data", tt.init}, {"iter_data", tt.iter}} {
				for _, d := range opio.NewPathSet(group.dirs...).Sorted() {
					wantSystems = append(wantSystems, filepath.Join("data", group.name, d))
				}
			}

			for m := range numbModels {
				trainDir := filepath.Join(root, "iter.000002", "00.train", iteration.TrainName(m))
				for _, group := range []struct {
					name string
					dirs []string
				}{{"init_data", tt.init}, {"iter_data", tt.iter}} {
					for _, d := range group.dirs {
						linked := filepath.Join(trainDir, "data", group.name, d, opio.DataMarker)
						assert.Equal(t, readText(t, filepath.Join(root, d, opio.DataMarker)), readText(t, linked))
					}
				}
				script := readJSON(t, filepath.Join(trainDir, "input.json"))
				assert.ElementsMatch(t, wantSystems, script["training"].(map[string]any)["systems"])
			}
		})
	}
}

func TestPrepDPTrain_DataExists(t *testing.T) {
	root := t.TempDir()
	ic := iteration.New(root, 2)
	initData := makeDataDirs(t, root, initDirs...)

	first, err := NewPrepDPTrain(ic, trainTemplate(), initData, nil, numbModels, &counterSeeds{})
	require.NoError(t, err)
	_, err = first.Execute(context.Background(), opio.New())
	require.NoError(t, err)

	second, err := NewPrepDPTrain(ic, trainTemplate(), initData, nil, numbModels, &counterSeeds{})
	require.NoError(t, err)
	stage := op.New("prep_train", op.KindPrepTrain, second)
	_, err = stage.Execute(context.Background(), opio.New())
	assert.ErrorIs(t, err, ErrDataExists)
	assert.Equal(t, op.Error, stage.Status())

	var stageErr *op.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, filepath.Join("iter.000002", "00.train"), stageErr.WorkPath)
}

func TestPrepDPTrain_TemplateUnchanged(t *testing.T) {
	root := t.TempDir()
	template := trainTemplate()
	p, err := NewPrepDPTrain(iteration.New(root, 0), template, makeDataDirs(t, root, initDirs...), nil, 2, &counterSeeds{})
	require.NoError(t, err)
	_, err = p.Execute(context.Background(), opio.New())
	require.NoError(t, err)

	assert.Equal(t, trainTemplate(), template)
}

func TestNewPrepDPTrain_Errors(t *testing.T) {
	ic := iteration.New(t.TempDir(), 0)
	tests := []struct {
		name     string
		template map[string]any
		models   int
	}{
		{"no models", trainTemplate(), 0},
		{"no model section", map[string]any{"training": map[string]any{}}, 1},
		{"no descriptor", map[string]any{"model": map[string]any{"fitting_net": map[string]any{}}, "training": map[string]any{}}, 1},
		{"no training", map[string]any{"model": map[string]any{"descriptor": map[string]any{}, "fitting_net": map[string]any{}}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPrepDPTrain(ic, tt.template, nil, nil, tt.models, &counterSeeds{})
			assert.Error(t, err)
		})
	}
}

func TestPrepDPTrain_KeepsLargeIntegers(t *testing.T) {
	root := t.TempDir()
	template := trainTemplate()
	template["training"].(map[string]any)["numb_steps"] = int64(9007199254740993)

	p, err := NewPrepDPTrain(iteration.New(root, 0), template, makeDataDirs(t, root, initDirs...), nil, 1,
		&boundSeeds{})
	require.NoError(t, err)
	_, err = p.Execute(context.Background(), opio.New())
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(root, "iter.000000", "00.train", "train.000", "input.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"numb_steps": 9007199254740993`)
	assert.Contains(t, string(raw), `"seed": 4294967295`)
}

// boundSeeds returns the largest seed its bound allows.
type boundSeeds struct{}

func (boundSeeds) Uint64N(n uint64) uint64 { return n - 1 }
