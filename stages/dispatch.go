package stages

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nomis52/dpflow/dispatcher"
	"github.com/nomis52/dpflow/iteration"
	"github.com/nomis52/dpflow/opio"
)

// dispatchLog receives both output streams of dispatched commands.
const dispatchLog = "log"

// TaskFiles declares the files a dispatched command consumes and produces.
// Forward and Backward are relative to each task directory, the common ones to the work path.
type TaskFiles struct {
	Forward        opio.Paths
	Backward       opio.Paths
	ForwardCommon  opio.Paths
	BackwardCommon opio.Paths
}

// DispatcherOP submits one command per task directory through a dispatcher.Submitter
// and blocks until every task finished. Task directories come from the tasks channel
// and must lie under the work path.
type DispatcherOP struct {
	ic        iteration.IterationContext
	workPath  string
	command   string
	files     TaskFiles
	submitter dispatcher.Submitter
	logger    *slog.Logger

	mu       sync.Mutex
	resolved opio.OPIO
}

// NewDispatcherOP returns a dispatching executor working in workPath.
func NewDispatcherOP(ic iteration.IterationContext, workPath, command string, files TaskFiles, submitter dispatcher.Submitter, opts ...Option) (*DispatcherOP, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command is required for %s", workPath)
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter is required for %s", workPath)
	}
	o := buildOptions("dispatcher_op", opts)
	return &DispatcherOP{
		ic:        ic,
		workPath:  filepath.Clean(workPath),
		command:   command,
		files:     files,
		submitter: submitter,
		logger:    o.logger,
	}, nil
}

// NewRunDPTrain returns the executor training one model per training directory.
func NewRunDPTrain(ic iteration.IterationContext, command string, submitter dispatcher.Submitter, opts ...Option) (*DispatcherOP, error) {
	return NewDispatcherOP(ic, ic.StepPath(iteration.StepTrain), command, TaskFiles{
		Forward:  opio.Literals(iteration.TrainScript, dataDir),
		Backward: opio.Literals(iteration.FrozenModel, "lcurve.out"),
	}, submitter, opts...)
}

// NewRunMDLmp returns the executor running LAMMPS in every model deviation task.
func NewRunMDLmp(ic iteration.IterationContext, command string, submitter dispatcher.Submitter, opts ...Option) (*DispatcherOP, error) {
	return NewDispatcherOP(ic, ic.StepPath(iteration.StepModelDevi), command, TaskFiles{
		Forward:       opio.Paths{opio.Literal(iteration.LmpConf), opio.Literal(iteration.LmpInput), opio.Glob("graph.*.pb")},
		Backward:      opio.Literals(iteration.ModelDeviOut),
		ForwardCommon: opio.Paths{opio.Glob("graph.*.pb")},
	}, submitter, opts...)
}

func (d *DispatcherOP) WorkPath() string {
	return d.workPath
}

// Execute submits the tasks and returns tasks, task_backward_files and backward_common_files.
func (d *DispatcherOP) Execute(ctx context.Context, in opio.OPIO) (opio.OPIO, error) {
	taskDirs, err := sortedChannel(in, ChanTasks)
	if err != nil {
		return opio.OPIO{}, err
	}
	absWork := d.ic.Resolve(d.workPath)

	forwardAll := opio.NewPathSet()
	tasks := make([]dispatcher.Task, 0, len(taskDirs))
	for _, dir := range taskDirs {
		rel, err := relTo(d.ic.Context, d.workPath, dir)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return opio.OPIO{}, fmt.Errorf("task %s is not inside %s", dir, d.workPath)
		}
		forward, err := d.taskFiles(d.files.Forward, dir, forwardAll)
		if err != nil {
			return opio.OPIO{}, err
		}
		tasks = append(tasks, dispatcher.Task{
			Command:       d.command,
			WorkPath:      rel,
			ForwardFiles:  forward,
			BackwardFiles: d.files.Backward.Patterns(),
			OutLog:        dispatchLog,
			ErrLog:        dispatchLog,
		})
	}

	forwardCommonAll := opio.NewPathSet()
	forwardCommon, err := d.taskFiles(d.files.ForwardCommon, d.workPath, forwardCommonAll)
	if err != nil {
		return opio.OPIO{}, err
	}

	d.mu.Lock()
	d.resolved = opio.From(map[string]opio.PathSet{
		ChanTaskForward:   forwardAll,
		ChanForwardCommon: forwardCommonAll,
	})
	d.mu.Unlock()

	sub := dispatcher.NewSubmission(absWork, tasks, forwardCommon, d.files.BackwardCommon.Patterns())
	d.logger.Info("submitting tasks", "work_path", d.workPath, "tasks", len(tasks), "submission", sub.ID)
	if err := d.submitter.Submit(ctx, sub); err != nil {
		return opio.OPIO{}, fmt.Errorf("submission %s: %w", sub.ID, err)
	}

	backwardAll := opio.NewPathSet()
	for _, dir := range taskDirs {
		if _, err := d.taskFiles(d.files.Backward, dir, backwardAll); err != nil {
			return opio.OPIO{}, err
		}
	}
	backwardCommonAll := opio.NewPathSet()
	if _, err := d.taskFiles(d.files.BackwardCommon, d.workPath, backwardCommonAll); err != nil {
		return opio.OPIO{}, err
	}

	return opio.From(map[string]opio.PathSet{
		ChanTasks:          opio.NewPathSet(taskDirs...),
		ChanTaskBackward:   backwardAll,
		ChanBackwardCommon: backwardCommonAll,
	}), nil
}

// ResolvedInput returns the forward files of the last execution.
func (d *DispatcherOP) ResolvedInput() opio.OPIO {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolved.Clone()
}

// taskFiles resolves paths under the root-relative dir. It adds the root-relative
// results to all and returns them relative to dir.
func (d *DispatcherOP) taskFiles(paths opio.Paths, dir string, all opio.PathSet) ([]string, error) {
	abs := d.ic.Resolve(dir)
	files, err := paths.Files(abs)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		rel, err := filepath.Rel(abs, f)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
		all.Add(filepath.Join(dir, rel))
	}
	return out, nil
}
