package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/dpflow/dispatcher"
	"github.com/nomis52/dpflow/lammps"
)

func validConfig() Config {
	cfg := Config{
		Workflow: WorkflowConfig{Root: "/work", MaxIterations: 3, NumbModels: 4},
		Train: TrainConfig{
			Template: map[string]any{"model": map[string]any{}},
			Command:  "dp train input.json",
		},
		ModelDevi: ModelDeviConfig{
			InitConfs: []string{"confs/POSCAR"},
			MD: lammps.MDSettings{
				Ens: lammps.EnsNVT, Dt: 0.002, NSteps: 1000, TrjFreq: 10, Temps: []float64{300},
			},
			MassMap: []float64{27},
			Command: "lmp -i in.lammps",
		},
	}
	cfg.SetDefaults()
	return cfg
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "dpflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"missing root", func(c *Config) { c.Workflow.Root = "" }, true},
		{"no iterations", func(c *Config) { c.Workflow.MaxIterations = 0 }, true},
		{"no models", func(c *Config) { c.Workflow.NumbModels = 0 }, true},
		{"valid schedule", func(c *Config) { c.Workflow.Schedule = "*/15 * * * *" }, false},
		{"invalid schedule", func(c *Config) { c.Workflow.Schedule = "every so often" }, true},
		{"missing template", func(c *Config) { c.Train.Template = nil }, true},
		{"missing train command", func(c *Config) { c.Train.Command = "" }, true},
		{"bad train machine", func(c *Config) { c.Train.Machine = dispatcher.Machine{Context: "slurm"} }, true},
		{"incomplete ssh machine", func(c *Config) { c.ModelDevi.Machine = dispatcher.Machine{Context: "ssh", Host: "hpc"} }, true},
		{"no init confs", func(c *Config) { c.ModelDevi.InitConfs = nil }, true},
		{"no mass map", func(c *Config) { c.ModelDevi.MassMap = nil }, true},
		{"npt without pressure", func(c *Config) { c.ModelDevi.MD.Ens = lammps.EnsNPT }, true},
		{"unknown conf format", func(c *Config) { c.ModelDevi.ConfFormat = "xyz" }, true},
		{"missing md command", func(c *Config) { c.ModelDevi.Command = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_SetDefaults(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()
	if cfg.Monitoring.MetricsPrefix != "dpflow" {
		t.Errorf("MetricsPrefix default = %v, want %v", cfg.Monitoring.MetricsPrefix, "dpflow")
	}
	if cfg.Monitoring.JobName != "dpflow" {
		t.Errorf("JobName default = %v, want %v", cfg.Monitoring.JobName, "dpflow")
	}
	if cfg.ModelDevi.ConfFormat != "auto" {
		t.Errorf("ConfFormat default = %v, want auto", cfg.ModelDevi.ConfFormat)
	}
	if cfg.ModelDevi.MD.TauT != 0.1 || cfg.ModelDevi.MD.TauP != 0.5 {
		t.Errorf("tau defaults = %v/%v, want 0.1/0.5", cfg.ModelDevi.MD.TauT, cfg.ModelDevi.MD.TauP)
	}
	assert.Equal(t, LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, cfg.Logging)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `workflow:
  root: run
  max_iterations: 5
  numb_models: 4
  init_data:
    - init/al.fcc
  schedule: "@hourly"
  seed: 42
train:
  command: dp train input.json && dp freeze
  template:
    model:
      descriptor:
        type: se_e2_a
        rcut: 6.0
      fitting_net:
        neuron: [240, 240, 240]
    training:
      stop_batch: 400000
  machine:
    context: ssh
    host: hpc.example.org
    user: dp
    key_path: ~/.ssh/id_ed25519
    remote_root: /scratch/dp
    queue_name: gpu
  resources:
    parallelism: 4
    source_list: [/opt/deepmd/env.sh]
    envs:
      OMP_NUM_THREADS: "8"
model_devi:
  init_confs: [confs/POSCAR.0, confs/POSCAR.1]
  md:
    ens: npt
    dt: 0.002
    nsteps: 2000
    trj_freq: 20
    temps: [50, 100]
    press: [1, 10]
  mass_map: [26.98, 24.305]
  append: true
  conf_format: poscar
  shuffle_atoms: true
  command: lmp -i in.lammps
monitoring:
  victoriametrics_url: http://vm:8428
  listen: ":9100"
logging:
  level: debug
  format: text
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "run"), cfg.Workflow.Root)
	assert.Equal(t, 5, cfg.Workflow.MaxIterations)
	assert.Equal(t, []string{"init/al.fcc"}, cfg.Workflow.InitData)
	assert.Equal(t, "@hourly", cfg.Workflow.Schedule)
	require.NotNil(t, cfg.Workflow.Seed)
	assert.Equal(t, uint64(42), *cfg.Workflow.Seed)

	descriptor := cfg.Train.Template["model"].(map[string]any)["descriptor"].(map[string]any)
	assert.Equal(t, "se_e2_a", descriptor["type"])
	assert.Equal(t, "ssh", cfg.Train.Machine.Context)
	assert.Equal(t, "/scratch/dp", cfg.Train.Machine.RemoteRoot)
	assert.Equal(t, "gpu", cfg.Train.Machine.Extra["queue_name"])
	assert.Equal(t, 4, cfg.Train.Resources.Parallelism)
	assert.Equal(t, "8", cfg.Train.Resources.Envs["OMP_NUM_THREADS"])

	assert.Equal(t, lammps.EnsNPT, cfg.ModelDevi.MD.Ens)
	assert.Equal(t, []float64{1, 10}, cfg.ModelDevi.MD.Press)
	assert.Equal(t, 0.1, cfg.ModelDevi.MD.TauT)
	assert.Equal(t, []float64{26.98, 24.305}, cfg.ModelDevi.MassMap)
	assert.True(t, cfg.ModelDevi.Append)
	assert.True(t, cfg.ModelDevi.ShuffleAtoms)
	assert.Empty(t, cfg.ModelDevi.Machine.Context)

	assert.Equal(t, ":9100", cfg.Monitoring.Listen)
	assert.Equal(t, "dpflow", cfg.Monitoring.MetricsPrefix)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "stdout", cfg.Logging.Logger().Output)
}

const minimalModelDevi = `model_devi:
  init_confs: [POSCAR]
  md: {ens: nvt, dt: 0.002, nsteps: 100, trj_freq: 10, temps: [300]}
  mass_map: [27]
  command: lmp -i in.lammps
`

func TestLoadConfig_TemplateFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.json"),
		[]byte(`{"model": {"descriptor": {"type": "se_e2_a"}, "fitting_net": {}}, "training": {"seed": 1, "numb_steps": 9007199254740993}}`), 0644))
	path := writeConfig(t, dir, `workflow: {root: /work, max_iterations: 1, numb_models: 1}
train:
  template_file: input.json
  command: dp train input.json
`+minimalModelDevi)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/work", cfg.Workflow.Root)
	training := cfg.Train.Template["training"].(map[string]any)
	assert.Equal(t, json.Number("1"), training["seed"])
	assert.Equal(t, json.Number("9007199254740993"), training["numb_steps"])
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid yaml", "workflow: [\n"},
		{"fails validation", "workflow: {root: /work}\n"},
		{"missing template file", "workflow: {root: /work, max_iterations: 1, numb_models: 1}\ntrain: {template_file: nope.json, command: dp}\n" + minimalModelDevi},
		{"template and file", "workflow: {root: /work, max_iterations: 1, numb_models: 1}\ntrain: {template: {a: 1}, template_file: nope.json, command: dp}\n" + minimalModelDevi},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, t.TempDir(), tt.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
