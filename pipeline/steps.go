package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/nomis52/dpflow/iteration"
	"github.com/nomis52/dpflow/op"
	"github.com/nomis52/dpflow/opio"
	"github.com/nomis52/dpflow/stages"
)

// Stage names of one iteration, in execution order.
const (
	StepPrepTrain = "prep_train"
	StepRunTrain  = "run_train"
	StepPrepMD    = "prep_md"
	StepRunMD     = "run_md"
	StepReduce    = "reduce_model_devi"
)

// Step is one stage of an iteration.
type Step struct {
	Name string
	Kind op.Kind
	// Input assembles the stage input from the outputs of the earlier steps of the
	// same iteration, keyed by step name.
	Input func(prior map[string]opio.OPIO) (opio.OPIO, error)
}

// Steps returns the stage sequence of an iteration exploring from initConf.
func Steps(initConf opio.PathSet) []Step {
	return []Step{
		{
			Name: StepPrepTrain,
			Kind: op.KindPrepTrain,
			Input: func(map[string]opio.OPIO) (opio.OPIO, error) {
				return opio.New(), nil
			},
		},
		{
			Name: StepRunTrain,
			Kind: op.KindTrain,
			Input: func(prior map[string]opio.OPIO) (opio.OPIO, error) {
				return rename(prior, StepPrepTrain, stages.ChanTrainDirs, stages.ChanTasks)
			},
		},
		{
			Name: StepPrepMD,
			Kind: op.KindPrepMD,
			Input: func(prior map[string]opio.OPIO) (opio.OPIO, error) {
				models, err := frozenModels(prior[StepRunTrain])
				if err != nil {
					return opio.OPIO{}, err
				}
				return opio.From(map[string]opio.PathSet{
					stages.ChanInitConf: initConf,
					stages.ChanModels:   models,
				}), nil
			},
		},
		{
			Name: StepRunMD,
			Kind: op.KindMD,
			Input: func(prior map[string]opio.OPIO) (opio.OPIO, error) {
				return rename(prior, StepPrepMD, stages.ChanModelDeviDirs, stages.ChanTasks)
			},
		},
		{
			Name: StepReduce,
			Kind: op.KindReduce,
			Input: func(prior map[string]opio.OPIO) (opio.OPIO, error) {
				return rename(prior, StepRunMD, stages.ChanTasks, stages.ChanTasks)
			},
		},
	}
}

// rename carries channel from of step's output as channel to.
func rename(prior map[string]opio.OPIO, step, from, to string) (opio.OPIO, error) {
	out, ok := prior[step]
	if !ok {
		return opio.OPIO{}, fmt.Errorf("no output from %s", step)
	}
	paths, err := out.Get(from)
	if err != nil {
		return opio.OPIO{}, fmt.Errorf("%s: %w", step, err)
	}
	return opio.From(map[string]opio.PathSet{to: paths}), nil
}

// frozenModels picks the frozen models out of the training backward files.
func frozenModels(trainOut opio.OPIO) (opio.PathSet, error) {
	backward, err := trainOut.Get(stages.ChanTaskBackward)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StepRunTrain, err)
	}
	models := opio.NewPathSet()
	for _, p := range backward.Sorted() {
		if filepath.Base(p) == iteration.FrozenModel {
			models.Add(p)
		}
	}
	if models.Len() == 0 {
		return nil, fmt.Errorf("%s produced no %s", StepRunTrain, iteration.FrozenModel)
	}
	return models, nil
}
