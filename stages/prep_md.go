package stages

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nomis52/dpflow/iteration"
	"github.com/nomis52/dpflow/lammps"
	"github.com/nomis52/dpflow/opio"
	"github.com/nomis52/dpflow/pathutil"
	"github.com/nomis52/dpflow/structure"
)

// origConfName replaces an initial configuration named like the converted one.
const origConfName = "conf.orig.lmp"

// ErrTaskExists is returned when a task directory that is about to be created is
// already on disk.
var ErrTaskExists = errors.New("task directory already exists")

// MDRand is the randomness consumed while preparing MD tasks. *math/rand/v2.Rand satisfies it.
type MDRand interface {
	lammps.Rand
	structure.Permuter
}

// PrepMDConfig configures PrepMDLmpNative.
type PrepMDConfig struct {
	Settings *lammps.MDSettings
	// MassMap holds the mass of each atom type, in type order.
	MassMap []float64
	// Append keeps existing tasks and numbers new ones after the highest existing index.
	Append bool
	// ConfFormat is the format of the initial configurations.
	ConfFormat   structure.Format
	ShuffleAtoms bool
}

// PrepMDLmpNative creates one LAMMPS task per initial configuration and thermodynamic
// condition. Its output is only known once it has run.
type PrepMDLmpNative struct {
	ic     iteration.IterationContext
	cfg    PrepMDConfig
	rng    MDRand
	logger *slog.Logger
}

// NewPrepMDLmpNative validates cfg and returns the stage executor.
func NewPrepMDLmpNative(ic iteration.IterationContext, cfg PrepMDConfig, rng MDRand, opts ...Option) (*PrepMDLmpNative, error) {
	if cfg.Settings == nil {
		return nil, errors.New("md settings are required")
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.MassMap) == 0 {
		return nil, errors.New("mass_map is required")
	}
	if rng == nil {
		return nil, errors.New("random source is required")
	}
	if cfg.ConfFormat == "" {
		cfg.ConfFormat = structure.FormatAuto
	}
	o := buildOptions("prep_md_lmp_native", opts)
	return &PrepMDLmpNative{ic: ic, cfg: cfg, rng: rng, logger: o.logger}, nil
}

func (p *PrepMDLmpNative) WorkPath() string {
	return p.ic.StepPath(iteration.StepModelDevi)
}

// Execute reads init_conf and models and lays out the MD tasks.
// It returns model_devi_dirs: every task under the work path, old ones included when appending.
func (p *PrepMDLmpNative) Execute(ctx context.Context, in opio.OPIO) (opio.OPIO, error) {
	confs, err := sortedChannel(in, ChanInitConf)
	if err != nil {
		return opio.OPIO{}, err
	}
	models, err := sortedChannel(in, ChanModels)
	if err != nil {
		return opio.OPIO{}, err
	}

	work := p.WorkPath()
	absWork := p.ic.Resolve(work)

	start := 0
	var existing []int
	if p.cfg.Append {
		if existing, err = pathutil.TaskIndices(absWork); err != nil {
			return opio.OPIO{}, err
		}
		if start, err = pathutil.NextTaskIndex(absWork); err != nil {
			return opio.OPIO{}, err
		}
		err = pathutil.EnsurePath(absWork)
	} else {
		err = pathutil.CreatePath(absWork)
	}
	if err != nil {
		return opio.OPIO{}, err
	}

	conditions := p.cfg.Settings.Conditions()
	out := opio.NewPathSet()
	for _, idx := range existing {
		out.Add(filepath.Join(work, iteration.TaskName(idx)))
	}

	graphs, err := p.linkWorkModels(work, models)
	if err != nil {
		return opio.OPIO{}, err
	}

	idx := start
	for _, conf := range confs {
		for _, cond := range conditions {
			if err := ctx.Err(); err != nil {
				return opio.OPIO{}, err
			}
			task := filepath.Join(work, iteration.TaskName(idx))
			idx++
			if err := p.prepareTask(task, conf, cond, graphs); err != nil {
				return opio.OPIO{}, fmt.Errorf("preparing %s: %w", task, err)
			}
			out.Add(task)
		}
	}
	p.logger.Info("prepared md tasks", "work_path", work, "first_task", start,
		"new_tasks", idx-start, "total_tasks", out.Len())

	return opio.From(map[string]opio.PathSet{ChanModelDeviDirs: out}), nil
}

// linkWorkModels links each model into the work path as graph.%03d.pb, keeping links
// left by an earlier run, and returns the link names.
func (p *PrepMDLmpNative) linkWorkModels(work string, models []string) ([]string, error) {
	graphs := make([]string, 0, len(models))
	for i, m := range models {
		name := iteration.GraphName(i)
		link := p.ic.Resolve(filepath.Join(work, name))
		graphs = append(graphs, name)
		if _, err := os.Lstat(link); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		if err := pathutil.Symlink(p.ic.Resolve(m), link, false); err != nil {
			return nil, err
		}
	}
	return graphs, nil
}

func (p *PrepMDLmpNative) prepareTask(task, conf string, cond lammps.Condition, graphs []string) error {
	dir := p.ic.Resolve(task)
	if _, err := os.Lstat(dir); err == nil {
		return fmt.Errorf("%w: %s", ErrTaskExists, task)
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		return err
	}

	name := filepath.Base(conf)
	if name == iteration.LmpConf {
		name = origConfName
	}
	taskConf := filepath.Join(dir, name)
	if err := pathutil.Symlink(p.ic.Resolve(conf), taskConf, true); err != nil {
		return err
	}

	format := p.cfg.ConfFormat
	if format == structure.FormatAuto {
		// detection goes by the original name, the task link may have been renamed
		detected, err := structure.DetectFormat(conf)
		if err != nil {
			return err
		}
		format = detected
	}
	sys, err := structure.Load(taskConf, format)
	if err != nil {
		return err
	}
	if sys.NumTypes() > len(p.cfg.MassMap) {
		return fmt.Errorf("%s has %d atom types but mass_map has %d entries", conf, sys.NumTypes(), len(p.cfg.MassMap))
	}
	if p.cfg.ShuffleAtoms {
		sys.Shuffle(p.rng)
	}
	if p.cfg.Settings.NoPBC {
		if err := sys.RemovePBC(structure.DefaultProtectLayer); err != nil {
			return err
		}
	}
	if err := structure.SaveLmp(filepath.Join(dir, iteration.LmpConf), sys); err != nil {
		return err
	}

	for _, g := range graphs {
		if err := pathutil.Symlink(filepath.Join(filepath.Dir(dir), g), filepath.Join(dir, g), false); err != nil {
			return err
		}
	}

	var pkaMass float64
	if sys.NumAtoms() > 0 {
		pkaMass = p.cfg.MassMap[sys.AtomTypes[0]]
	}
	input, err := lammps.MakeInput(lammps.InputParams{
		Settings:  p.cfg.Settings,
		ConfFile:  iteration.LmpConf,
		Graphs:    graphs,
		MassMap:   p.cfg.MassMap,
		Condition: cond,
		PKAMass:   pkaMass,
	}, p.rng)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, iteration.LmpInput), []byte(input), 0644); err != nil {
		return err
	}

	job, err := p.cfg.Settings.JSON()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, iteration.MDJob), job, 0644)
}
