// Package logging builds the slog loggers used by dpflow and captures the
// records each stage emits so they can be stored alongside its record.
//
// Example usage:
//
//	logger, err := logging.New(logging.Config{
//		Level:  "info",
//		Format: "text",
//	})
//	defer logger.Close()
//	logger.Info("stage executed", "iteration", 3, "stage", "prep_md")
//	logger.Error("submission failed", "work_path", "iter.000003/01.model_devi", "error", err)
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"
)

const (
	defaultLevel  = "info"
	defaultFormat = "json"
	defaultOutput = "stdout"
)

// Config holds the configuration for the logger.
type Config struct {
	// Level is one of debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
	// Output is stdout, stderr or a file the log is appended to. A workflow run
	// from cron usually logs to a file next to its root.
	Output string `yaml:"output"`
	// AddSource adds the source position to each record.
	AddSource bool `yaml:"add_source"`
}

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

type handlerFunc func(io.Writer, *slog.HandlerOptions) slog.Handler

var formats = map[string]handlerFunc{
	"json": func(w io.Writer, o *slog.HandlerOptions) slog.Handler { return slog.NewJSONHandler(w, o) },
	"text": func(w io.Writer, o *slog.HandlerOptions) slog.Handler { return slog.NewTextHandler(w, o) },
}

// Logger is the process logger. It owns the log file, if there is one.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// New builds a logger from cfg. Unset fields take their defaults.
func New(cfg Config) (*Logger, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	cfg.setDefaults()

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	writer, closer, err := getWriter(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to get output writer: %w", err)
	}

	handler := formats[cfg.Format](writer, &slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: rfc3339Time,
	})
	return &Logger{Logger: slog.New(handler), closer: closer}, nil
}

// Close closes the log file. It is a no-op for stdout and stderr.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Discard returns a logger that drops every record. Stages and stores fall back
// to it when no logger is given.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// rfc3339Time writes top level timestamps with second precision so that log
// lines line up with the iteration and record timestamps.
func rfc3339Time(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
	}
	return a
}

func (cfg *Config) validate() error {
	if cfg.Level != "" {
		if _, ok := levels[cfg.Level]; !ok {
			return fmt.Errorf("level must be one of: %s", names(levels))
		}
	}
	if cfg.Format != "" {
		if _, ok := formats[cfg.Format]; !ok {
			return fmt.Errorf("format must be one of: %s", names(formats))
		}
	}
	return nil
}

func (cfg *Config) setDefaults() {
	if cfg.Level == "" {
		cfg.Level = defaultLevel
	}
	if cfg.Format == "" {
		cfg.Format = defaultFormat
	}
	if cfg.Output == "" {
		cfg.Output = defaultOutput
	}
}

// parseLevel is case insensitive, unlike validate.
func parseLevel(level string) (slog.Level, error) {
	if l, ok := levels[strings.ToLower(level)]; ok {
		return l, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown level: %s", level)
}

// getWriter opens output. Anything other than stdout or stderr is a file path
// opened for appending, so successive runs of a workflow share one log.
func getWriter(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %q: %w", output, err)
	}
	return file, file, nil
}

func names[V any](m map[string]V) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return strings.Join(keys, ", ")
}
