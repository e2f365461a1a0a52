package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/nomis52/dpflow/dispatcher"
	"github.com/nomis52/dpflow/lammps"
	"github.com/nomis52/dpflow/logging"
	"github.com/nomis52/dpflow/structure"
)

const (
	// Default monitoring settings
	defaultMetricsPrefix = "dpflow"
	defaultJobName       = "dpflow"

	// Default logging settings
	defaultLogLevel  = "info"
	defaultLogFormat = "json"
	defaultLogOutput = "stdout"
)

// Config represents the complete application configuration
type Config struct {
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Train      TrainConfig      `yaml:"train"`
	ModelDevi  ModelDeviConfig  `yaml:"model_devi"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// WorkflowConfig describes the workflow tree and how far to take it
type WorkflowConfig struct {
	// Root is the workflow directory. Relative roots are taken from the config file's directory.
	Root          string `yaml:"root"`
	MaxIterations int    `yaml:"max_iterations"`
	NumbModels    int    `yaml:"numb_models"`
	// InitData lists the initial labeled data directories, relative to Root
	InitData []string `yaml:"init_data"`
	// Schedule is a cron expression that re-runs the workflow. Empty runs it once.
	Schedule string `yaml:"schedule"`
	// Seed makes training seeds and MD velocities reproducible
	Seed *uint64 `yaml:"seed"`
}

// TrainConfig defines how models are trained
type TrainConfig struct {
	// Template is the training script. TemplateFile loads it from a JSON file instead.
	Template     map[string]any       `yaml:"template"`
	TemplateFile string               `yaml:"template_file"`
	Command      string               `yaml:"command"`
	Machine      dispatcher.Machine   `yaml:"machine"`
	Resources    dispatcher.Resources `yaml:"resources"`
}

// ModelDeviConfig defines the exploration MD
type ModelDeviConfig struct {
	// InitConfs lists the initial configurations, relative to the workflow root
	InitConfs    []string          `yaml:"init_confs"`
	MD           lammps.MDSettings `yaml:"md"`
	MassMap      []float64         `yaml:"mass_map"`
	Append       bool              `yaml:"append"`
	ConfFormat   string            `yaml:"conf_format"`
	ShuffleAtoms bool              `yaml:"shuffle_atoms"`

	Command   string               `yaml:"command"`
	Machine   dispatcher.Machine   `yaml:"machine"`
	Resources dispatcher.Resources `yaml:"resources"`
}

// MonitoringConfig holds metrics and monitoring settings
type MonitoringConfig struct {
	// VictoriaMetricsURL enables pushing metrics with remote write
	VictoriaMetricsURL string `yaml:"victoriametrics_url"`
	MetricsPrefix      string `yaml:"metrics_prefix"`
	JobName            string `yaml:"jobname"`
	// Listen serves /metrics on this address when set
	Listen string `yaml:"listen"`
}

// LoggingConfig defines logging behavior settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// Logger returns the settings in the form logging.New takes
func (l LoggingConfig) Logger() logging.Config {
	return logging.Config{
		Level:     l.Level,
		Format:    l.Format,
		Output:    l.Output,
		AddSource: l.AddSource,
	}
}

// Validate performs basic validation on the configuration
func (c *Config) Validate() error {
	if c.Workflow.Root == "" {
		return fmt.Errorf("workflow root is required")
	}
	if c.Workflow.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive")
	}
	if c.Workflow.NumbModels <= 0 {
		return fmt.Errorf("numb_models must be positive")
	}
	if c.Workflow.Schedule != "" {
		if _, err := cron.ParseStandard(c.Workflow.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", c.Workflow.Schedule, err)
		}
	}
	if c.Train.Template == nil {
		return fmt.Errorf("train template or template_file is required")
	}
	if c.Train.Command == "" {
		return fmt.Errorf("train command is required")
	}
	if err := c.Train.Machine.Validate(); err != nil {
		return fmt.Errorf("train machine: %w", err)
	}
	if len(c.ModelDevi.InitConfs) == 0 {
		return fmt.Errorf("at least one model_devi init_conf is required")
	}
	if len(c.ModelDevi.MassMap) == 0 {
		return fmt.Errorf("model_devi mass_map is required")
	}
	if err := c.ModelDevi.MD.Validate(); err != nil {
		return fmt.Errorf("model_devi md: %w", err)
	}
	if _, err := structure.ParseFormat(c.ModelDevi.ConfFormat); err != nil {
		return fmt.Errorf("model_devi conf_format: %w", err)
	}
	if c.ModelDevi.Command == "" {
		return fmt.Errorf("model_devi command is required")
	}
	if err := c.ModelDevi.Machine.Validate(); err != nil {
		return fmt.Errorf("model_devi machine: %w", err)
	}
	return nil
}

// SetDefaults sets reasonable default values for optional fields
func (c *Config) SetDefaults() {
	c.ModelDevi.MD.SetDefaults()
	if c.ModelDevi.ConfFormat == "" {
		c.ModelDevi.ConfFormat = string(structure.FormatAuto)
	}
	if c.Monitoring.MetricsPrefix == "" {
		c.Monitoring.MetricsPrefix = defaultMetricsPrefix
	}
	if c.Monitoring.JobName == "" {
		c.Monitoring.JobName = defaultJobName
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if c.Logging.Output == "" {
		c.Logging.Output = defaultLogOutput
	}
}

// LoadConfig reads the YAML config file at the given path and returns a Config struct.
// The workflow root and the template file are resolved against the file's directory.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}

	base := filepath.Dir(path)
	if cfg.Workflow.Root != "" && !filepath.IsAbs(cfg.Workflow.Root) {
		cfg.Workflow.Root = filepath.Join(base, cfg.Workflow.Root)
	}
	if cfg.Train.TemplateFile != "" {
		if cfg.Train.Template != nil {
			return cfg, fmt.Errorf("train template and template_file are mutually exclusive")
		}
		p := cfg.Train.TemplateFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		if cfg.Train.Template, err = loadTemplate(p); err != nil {
			return cfg, err
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadTemplate reads a training script written as JSON. Numbers stay json.Number
// so large integers are written back unchanged.
func loadTemplate(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading train template: %w", err)
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.UseNumber()
	var template map[string]any
	if err := dec.Decode(&template); err != nil {
		return nil, fmt.Errorf("parsing train template %s: %w", path, err)
	}
	return template, nil
}
