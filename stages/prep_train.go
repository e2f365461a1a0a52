package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nomis52/dpflow/iteration"
	"github.com/nomis52/dpflow/opio"
	"github.com/nomis52/dpflow/pathutil"
)

// MaxTrainSeed bounds the seeds written into training scripts.
const MaxTrainSeed uint64 = 1 << 32

const (
	dataDir     = "data"
	initDataDir = "init_data"
	iterDataDir = "iter_data"
)

// ErrDataExists is returned when a training directory already holds a data tree.
var ErrDataExists = errors.New("training data directory already exists")

// SeedSource draws training seeds. *math/rand/v2.Rand satisfies it.
type SeedSource interface {
	Uint64N(n uint64) uint64
}

// PrepDPTrain lays out the training directories of an iteration. Each of the
// numbModels directories gets a data/ tree linking the init and iteration data and
// its own copy of the training script with fresh seeds.
type PrepDPTrain struct {
	ic         iteration.IterationContext
	template   []byte
	initData   opio.PathSet
	iterData   opio.PathSet
	numbModels int
	seeds      SeedSource
	logger     *slog.Logger
}

// NewPrepDPTrain validates the template and returns the stage executor.
// initData and iterData may be nil.
func NewPrepDPTrain(ic iteration.IterationContext, template map[string]any, initData, iterData opio.PathSet, numbModels int, seeds SeedSource, opts ...Option) (*PrepDPTrain, error) {
	if numbModels <= 0 {
		return nil, fmt.Errorf("numb_models must be positive, got %d", numbModels)
	}
	if seeds == nil {
		return nil, errors.New("seed source is required")
	}
	raw, err := json.Marshal(template)
	if err != nil {
		return nil, fmt.Errorf("encoding training template: %w", err)
	}
	if _, err := decodeScript(raw); err != nil {
		return nil, err
	}
	o := buildOptions("prep_dp_train", opts)
	return &PrepDPTrain{
		ic:         ic,
		template:   raw,
		initData:   initData.Clone(),
		iterData:   iterData.Clone(),
		numbModels: numbModels,
		seeds:      seeds,
		logger:     o.logger,
	}, nil
}

func (p *PrepDPTrain) WorkPath() string {
	return p.ic.StepPath(iteration.StepTrain)
}

// StaticInput returns the data directories the stage links.
func (p *PrepDPTrain) StaticInput() opio.OPIO {
	return opio.From(map[string]opio.PathSet{
		ChanInitData: p.initData,
		ChanIterData: p.iterData,
	})
}

// StaticOutput returns the training directories the stage creates.
func (p *PrepDPTrain) StaticOutput() opio.OPIO {
	return opio.From(map[string]opio.PathSet{
		ChanTrainDirs: opio.NewPathSet(p.trainDirs()...),
	})
}

func (p *PrepDPTrain) trainDirs() []string {
	dirs := make([]string, 0, p.numbModels)
	for i := range p.numbModels {
		dirs = append(dirs, filepath.Join(p.WorkPath(), iteration.TrainName(i)))
	}
	return dirs
}

// Execute creates the training directories. The input channels are ignored in
// favour of the data sets given at construction.
func (p *PrepDPTrain) Execute(ctx context.Context, _ opio.OPIO) (opio.OPIO, error) {
	for i, dir := range p.trainDirs() {
		if err := ctx.Err(); err != nil {
			return opio.OPIO{}, err
		}
		if err := p.prepare(i, dir); err != nil {
			return opio.OPIO{}, err
		}
	}
	p.logger.Info("prepared training directories", "models", p.numbModels,
		"init_data", p.initData.Len(), "iter_data", p.iterData.Len())
	return p.StaticOutput(), nil
}

func (p *PrepDPTrain) prepare(model int, dir string) error {
	if err := pathutil.EnsurePath(p.ic.Resolve(dir)); err != nil {
		return err
	}
	data := filepath.Join(dir, dataDir)
	if _, err := os.Lstat(p.ic.Resolve(data)); err == nil {
		return fmt.Errorf("%w: %s", ErrDataExists, data)
	}

	opts := pathutil.LinkOptions{Root: p.ic.Root()}
	var links []string
	for _, set := range []struct {
		name  string
		paths opio.PathSet
	}{{initDataDir, p.initData}, {iterDataDir, p.iterData}} {
		created, err := pathutil.LinkDirs(set.paths.Sorted(), filepath.Join(data, set.name), opts)
		if err != nil {
			return fmt.Errorf("linking %s of model %d: %w", set.name, model, err)
		}
		links = append(links, created...)
	}

	systems := make([]string, 0, len(links))
	for _, l := range links {
		rel, err := relTo(p.ic.Context, dir, l)
		if err != nil {
			return err
		}
		systems = append(systems, rel)
	}

	script, err := decodeScript(p.template)
	if err != nil {
		return err
	}
	script.descriptor["seed"] = p.seeds.Uint64N(MaxTrainSeed)
	script.fittingNet["seed"] = p.seeds.Uint64N(MaxTrainSeed)
	script.training["seed"] = p.seeds.Uint64N(MaxTrainSeed)
	script.training["systems"] = systems

	out, err := json.MarshalIndent(script.root, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding training script: %w", err)
	}
	target := p.ic.Resolve(filepath.Join(dir, iteration.TrainScript))
	if err := os.WriteFile(target, append(out, '\n'), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", target, err)
	}
	return nil
}

// trainScript is a decoded copy of the template with handles on the sections that
// receive seeds.
type trainScript struct {
	root       map[string]any
	descriptor map[string]any
	fittingNet map[string]any
	training   map[string]any
}

// decodeScript keeps numbers as json.Number so integers beyond 2^53 survive.
func decodeScript(raw []byte) (trainScript, error) {
	var s trainScript
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&s.root); err != nil {
		return s, fmt.Errorf("decoding training template: %w", err)
	}
	model, err := section(s.root, "model")
	if err != nil {
		return s, err
	}
	if s.descriptor, err = section(model, "descriptor"); err != nil {
		return s, fmt.Errorf("model: %w", err)
	}
	if s.fittingNet, err = section(model, "fitting_net"); err != nil {
		return s, fmt.Errorf("model: %w", err)
	}
	if s.training, err = section(s.root, "training"); err != nil {
		return s, err
	}
	return s, nil
}

func section(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("training template has no %q section", key)
	}
	return v, nil
}
