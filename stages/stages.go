// Package stages implements the concrete pipeline stages of one active learning
// iteration: preparing and running model training, preparing and running the
// exploration MD, and reducing the MD model deviations.
//
// Every stage is an op.Executor. Paths exchanged through opio channels are
// relative to the workflow root; stages resolve them through their
// iteration.Context when touching the filesystem.
package stages

import (
	"io"
	"log/slog"
	"path/filepath"

	"github.com/nomis52/dpflow/iteration"
	"github.com/nomis52/dpflow/opio"
)

// Channel names exchanged between stages.
const (
	ChanInitData      = "init_data"
	ChanIterData      = "iter_data"
	ChanTrainDirs     = "train_dirs"
	ChanInitConf      = "init_conf"
	ChanModels        = "models"
	ChanModelDeviDirs = "model_devi_dirs"
	ChanMDPath        = "md_path"
	ChanMaxMDPath     = "max_md_path"
	ChanMaxMDPaths    = "max_md_paths"

	ChanTasks          = "tasks"
	ChanTaskForward    = "task_forward_files"
	ChanForwardCommon  = "forward_common_files"
	ChanTaskBackward   = "task_backward_files"
	ChanBackwardCommon = "backward_common_files"
)

// Option configures a stage executor.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger a stage executor reports through.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(component string, opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o.logger = o.logger.With("component", component)
	return o
}

// sortedChannel returns the sorted paths of a channel. A channel declared without a
// value yields no paths.
func sortedChannel(in opio.OPIO, key string) ([]string, error) {
	set, err := in.Get(key)
	if err != nil {
		return nil, err
	}
	return set.Sorted(), nil
}

// relTo expresses a root-relative path relative to a root-relative directory.
func relTo(ctx iteration.Context, dir, p string) (string, error) {
	return filepath.Rel(ctx.Resolve(dir), ctx.Resolve(p))
}
