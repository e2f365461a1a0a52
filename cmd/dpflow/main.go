package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"

	"github.com/nomis52/dpflow/buildinfo"
	"github.com/nomis52/dpflow/config"
	"github.com/nomis52/dpflow/cron"
	"github.com/nomis52/dpflow/dispatcher"
	"github.com/nomis52/dpflow/logging"
	"github.com/nomis52/dpflow/metrics"
	"github.com/nomis52/dpflow/pipeline"
	"github.com/nomis52/dpflow/stages"
	"github.com/nomis52/dpflow/structure"
)

type Args struct {
	ConfigPath  string
	ShowVersion bool
	Validate    bool
	// Iteration runs only this iteration when non-negative.
	Iteration int
	// Once ignores the configured schedule.
	Once bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := parseArgs()

	if args.ShowVersion {
		showVersion()
		return nil
	}

	if args.ConfigPath == "" {
		return fmt.Errorf("config flag (-c or --config) is required")
	}

	cfg, err := config.LoadConfig(args.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if args.Validate {
		fmt.Printf("Configuration validation successful: %s\n", args.ConfigPath)
		return nil
	}

	logger, err := logging.New(cfg.Logging.Logger())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Close()

	props := buildinfo.Get()
	logger.Info("dpflow started",
		"version", props.Version,
		"build_time", props.BuildTime,
		"git_commit", props.GitCommit,
		"config_path", args.ConfigPath,
		"root", cfg.Workflow.Root,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := metricsRegistry(ctx, &cfg, logger.Logger)
	if err != nil {
		return err
	}
	m, err := pipeline.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	driver, err := newDriver(&cfg, logger.Logger, m)
	if err != nil {
		return err
	}

	switch {
	case args.Iteration >= 0:
		if _, err := driver.RunIteration(ctx, args.Iteration); err != nil {
			return fmt.Errorf("iteration %d failed: %w", args.Iteration, err)
		}
		return nil
	case cfg.Workflow.Schedule != "" && !args.Once:
		trigger, err := cron.NewTrigger(cfg.Workflow.Schedule, driver.Run, logger.Logger, cron.WithRunOnStart())
		if err != nil {
			return err
		}
		logger.Info("running on schedule", "schedule", cfg.Workflow.Schedule)
		trigger.Run(ctx)
		return nil
	default:
		if err := driver.Run(ctx); err != nil {
			return fmt.Errorf("workflow execution failed: %w", err)
		}
		return nil
	}
}

// metricsRegistry serves /metrics when a listen address is configured, pushes to
// VictoriaMetrics when a URL is, and discards metrics otherwise.
func metricsRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (metrics.Registry, error) {
	switch {
	case cfg.Monitoring.Listen != "":
		reg, err := metrics.NewScrapeRegistry()
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics registry: %w", err)
		}
		go func() {
			if err := reg.Serve(ctx, cfg.Monitoring.Listen, logger); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		return reg, nil
	case cfg.Monitoring.VictoriaMetricsURL != "":
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to get hostname: %w", err)
		}
		return metrics.NewPushRegistry(metrics.PushConfig{
			URL:      cfg.Monitoring.VictoriaMetricsURL,
			Prefix:   cfg.Monitoring.MetricsPrefix,
			Job:      cfg.Monitoring.JobName,
			Instance: hostname,
			Logger:   logger,
		}), nil
	default:
		return metrics.Discard, nil
	}
}

func newDriver(cfg *config.Config, logger *slog.Logger, m *pipeline.Metrics) (*pipeline.Driver, error) {
	trainSubmitter, err := dispatcher.New(cfg.Train.Machine, cfg.Train.Resources, logger)
	if err != nil {
		return nil, fmt.Errorf("train machine: %w", err)
	}
	mdSubmitter, err := dispatcher.New(cfg.ModelDevi.Machine, cfg.ModelDevi.Resources, logger)
	if err != nil {
		return nil, fmt.Errorf("model_devi machine: %w", err)
	}
	format, err := structure.ParseFormat(cfg.ModelDevi.ConfFormat)
	if err != nil {
		return nil, err
	}

	seed := rand.Uint64()
	if cfg.Workflow.Seed != nil {
		seed = *cfg.Workflow.Seed
	}
	logger.Info("random source seeded", "seed", seed)

	md := cfg.ModelDevi.MD
	registry, err := pipeline.NewRegistry(pipeline.Settings{
		TrainTemplate:  cfg.Train.Template,
		NumbModels:     cfg.Workflow.NumbModels,
		InitData:       cfg.Workflow.InitData,
		TrainCommand:   cfg.Train.Command,
		TrainSubmitter: trainSubmitter,
		MD: stages.PrepMDConfig{
			Settings:     &md,
			MassMap:      cfg.ModelDevi.MassMap,
			Append:       cfg.ModelDevi.Append,
			ConfFormat:   format,
			ShuffleAtoms: cfg.ModelDevi.ShuffleAtoms,
		},
		MDCommand:   cfg.ModelDevi.Command,
		MDSubmitter: mdSubmitter,
		Rand:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build stages: %w", err)
	}

	driver, err := pipeline.NewDriver(cfg.Workflow.Root, registry, pipeline.Config{
		MaxIterations: cfg.Workflow.MaxIterations,
		InitConf:      cfg.ModelDevi.InitConfs,
	}, pipeline.WithLogger(logger), pipeline.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("failed to create driver: %w", err)
	}
	return driver, nil
}

func showVersion() {
	props := buildinfo.Get()
	fmt.Printf("dpflow %s\n", props.Version)
	fmt.Printf("Built: %s\n", props.BuildTime)
	fmt.Printf("Commit: %s\n", props.GitCommit)
}

func parseArgs() Args {
	configPath := flag.String("config", "", "Path to config file")
	configPathShort := flag.String("c", "", "Path to config file (shorthand)")
	showVersion := flag.Bool("version", false, "Show version information")
	versionShort := flag.Bool("v", false, "Show version information (shorthand)")
	validate := flag.Bool("validate", false, "Validate configuration and exit")
	iteration := flag.Int("iteration", -1, "Run only this iteration")
	once := flag.Bool("once", false, "Run the workflow once, ignoring the schedule")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nDeep potential active learning workflow driver\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --config dpflow.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config dpflow.yaml --iteration 2\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config dpflow.yaml --validate\n", os.Args[0])
	}

	flag.Parse()

	path := *configPath
	if path == "" && *configPathShort != "" {
		path = *configPathShort
	}

	return Args{
		ConfigPath:  path,
		ShowVersion: *showVersion || *versionShort,
		Validate:    *validate,
		Iteration:   *iteration,
		Once:        *once,
	}
}
