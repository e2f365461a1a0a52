package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"

	"github.com/nomis52/dpflow/dispatcher"
	"github.com/nomis52/dpflow/iteration"
	"github.com/nomis52/dpflow/op"
	"github.com/nomis52/dpflow/opio"
	"github.com/nomis52/dpflow/stages"
)

// Settings holds everything the stage factories need beyond the iteration.
type Settings struct {
	// TrainTemplate is the training script every model starts from.
	TrainTemplate map[string]any
	NumbModels    int
	// InitData lists the initial labeled data directories, relative to the root.
	InitData []string

	TrainCommand   string
	TrainSubmitter dispatcher.Submitter

	MD          stages.PrepMDConfig
	MDCommand   string
	MDSubmitter dispatcher.Submitter

	// Rand feeds training seeds and MD randomness. Stages run one at a time so it is not locked.
	Rand *rand.Rand
}

// Validate checks the settings can build every stage kind.
func (s *Settings) Validate() error {
	var errs []error
	if s.NumbModels <= 0 {
		errs = append(errs, fmt.Errorf("numb_models must be positive, got %d", s.NumbModels))
	}
	if s.TrainTemplate == nil {
		errs = append(errs, errors.New("training template is required"))
	}
	if s.TrainSubmitter == nil || s.MDSubmitter == nil {
		errs = append(errs, errors.New("train and md submitters are required"))
	}
	if s.MD.Settings == nil {
		errs = append(errs, errors.New("md settings are required"))
	}
	if s.Rand == nil {
		errs = append(errs, errors.New("random source is required"))
	}
	return errors.Join(errs...)
}

// NewRegistry registers a factory for every stage kind of an iteration.
func NewRegistry(s Settings) (*op.Registry, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	r := op.NewRegistry()
	r.MustRegister(op.KindPrepTrain, func(ic iteration.IterationContext, logger *slog.Logger) (op.Executor, error) {
		iterData, err := previousData(ic)
		if err != nil {
			return nil, err
		}
		return stages.NewPrepDPTrain(ic, s.TrainTemplate, relPaths(ic, s.InitData), iterData, s.NumbModels, s.Rand,
			stages.WithLogger(logger))
	})
	r.MustRegister(op.KindTrain, func(ic iteration.IterationContext, logger *slog.Logger) (op.Executor, error) {
		return stages.NewRunDPTrain(ic, s.TrainCommand, s.TrainSubmitter, stages.WithLogger(logger))
	})
	r.MustRegister(op.KindPrepMD, func(ic iteration.IterationContext, logger *slog.Logger) (op.Executor, error) {
		return stages.NewPrepMDLmpNative(ic, s.MD, s.Rand, stages.WithLogger(logger))
	})
	r.MustRegister(op.KindMD, func(ic iteration.IterationContext, logger *slog.Logger) (op.Executor, error) {
		return stages.NewRunMDLmp(ic, s.MDCommand, s.MDSubmitter, stages.WithLogger(logger))
	})
	r.MustRegister(op.KindReduce, func(ic iteration.IterationContext, logger *slog.Logger) (op.Executor, error) {
		return stages.NewReduceModelDevi(ic, stages.WithLogger(logger)), nil
	})
	return r, nil
}

// previousData finds the labeled data produced by the fp step of every earlier
// iteration. It returns nil when there is none.
func previousData(ic iteration.IterationContext) (opio.PathSet, error) {
	var found opio.PathSet
	for _, prev := range ic.AllPrevIter() {
		dirs, err := opio.FindDataDirs(ic.Resolve(filepath.Join(prev, iteration.StepFP)))
		if err != nil {
			return nil, fmt.Errorf("scanning %s data: %w", prev, err)
		}
		for _, d := range dirs.Sorted() {
			if found == nil {
				found = opio.NewPathSet()
			}
			found.Add(ic.Rel(d))
		}
	}
	return found, nil
}

// relPaths expresses configured paths relative to the root. It returns nil for no paths.
func relPaths(ic iteration.IterationContext, paths []string) opio.PathSet {
	if len(paths) == 0 {
		return nil
	}
	out := opio.NewPathSet()
	for _, p := range paths {
		out.Add(ic.Rel(p))
	}
	return out
}
