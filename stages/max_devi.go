package stages

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nomis52/dpflow/iteration"
	"github.com/nomis52/dpflow/op"
	"github.com/nomis52/dpflow/opio"
)

// Columns of model_devi.out kept in max_model_devi.out, in output order:
// max_devi_f, then max_devi_v. Column 0 is the step and is dropped.
var maxDeviColumns = [2]int{4, 1}

// GetMaxMDLmp extracts the maximum force deviation of every frame from one
// task's model_devi.out into max_model_devi.out.
type GetMaxMDLmp struct {
	ctx      iteration.Context
	workPath string
}

// NewGetMaxMDLmp returns the executor for the task directory workPath.
func NewGetMaxMDLmp(ctx iteration.Context, workPath string) *GetMaxMDLmp {
	return &GetMaxMDLmp{ctx: ctx, workPath: filepath.Clean(workPath)}
}

func (g *GetMaxMDLmp) WorkPath() string {
	return g.workPath
}

func (g *GetMaxMDLmp) mdPath() string {
	return filepath.Join(g.workPath, iteration.ModelDeviOut)
}

func (g *GetMaxMDLmp) maxMDPath() string {
	return filepath.Join(g.workPath, iteration.MaxModelDevi)
}

func (g *GetMaxMDLmp) StaticInput() opio.OPIO {
	return opio.From(map[string]opio.PathSet{ChanMDPath: opio.NewPathSet(g.mdPath())})
}

func (g *GetMaxMDLmp) StaticOutput() opio.OPIO {
	return opio.From(map[string]opio.PathSet{ChanMaxMDPath: opio.NewPathSet(g.maxMDPath())})
}

// Execute writes max_model_devi.out. Its input is fixed at construction.
func (g *GetMaxMDLmp) Execute(_ context.Context, _ opio.OPIO) (opio.OPIO, error) {
	rows, err := readColumns(g.ctx.Resolve(g.mdPath()), maxDeviColumns[:])
	if err != nil {
		return opio.OPIO{}, err
	}

	target := g.ctx.Resolve(g.maxMDPath())
	f, err := os.Create(target)
	if err != nil {
		return opio.OPIO{}, fmt.Errorf("failed to create %s: %w", target, err)
	}
	w := bufio.NewWriter(f)
	for _, row := range rows {
		fields := make([]string, len(row))
		for i, v := range row {
			fields[i] = fmt.Sprintf("%.18e", v)
		}
		fmt.Fprintln(w, strings.Join(fields, " "))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return opio.OPIO{}, fmt.Errorf("failed to write %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return opio.OPIO{}, err
	}
	return g.StaticOutput(), nil
}

// readColumns parses a whitespace separated numeric table, skipping blank lines and
// '#' comments, and returns the requested columns of every row.
func readColumns(path string, columns []int) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows [][]float64
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(columns))
		for i, c := range columns {
			if c >= len(fields) {
				return nil, fmt.Errorf("%s:%d: want column %d, have %d columns", path, line, c, len(fields))
			}
			v, err := strconv.ParseFloat(fields[c], 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return rows, nil
}

// ReduceModelDevi runs a GetMaxMDLmp stage for every MD task and collects the
// resulting max_model_devi.out files. The per-task stages report no metrics;
// the surrounding reduce stage is observed once for all of them.
type ReduceModelDevi struct {
	ic     iteration.IterationContext
	logger *slog.Logger
}

// NewReduceModelDevi returns the executor.
func NewReduceModelDevi(ic iteration.IterationContext, opts ...Option) *ReduceModelDevi {
	o := buildOptions("reduce_model_devi", opts)
	return &ReduceModelDevi{ic: ic, logger: o.logger}
}

func (r *ReduceModelDevi) WorkPath() string {
	return r.ic.StepPath(iteration.StepModelDevi)
}

// Execute reads the task directories from the tasks channel, in sorted order.
func (r *ReduceModelDevi) Execute(ctx context.Context, in opio.OPIO) (opio.OPIO, error) {
	tasks, err := sortedChannel(in, ChanTasks)
	if err != nil {
		return opio.OPIO{}, err
	}
	out := opio.NewPathSet()
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return opio.OPIO{}, err
		}
		stage := op.New(filepath.Base(task)+"/max_devi", op.KindReduce, NewGetMaxMDLmp(r.ic.Context, task),
			op.WithLogger(r.logger))
		res, err := stage.Execute(ctx, opio.New())
		if err != nil {
			return opio.OPIO{}, err
		}
		paths, err := res.Get(ChanMaxMDPath)
		if err != nil {
			return opio.OPIO{}, err
		}
		for _, p := range paths.Sorted() {
			out.Add(p)
		}
	}
	r.logger.Info("reduced model deviations", "tasks", len(tasks))
	return opio.From(map[string]opio.PathSet{ChanMaxMDPaths: out}), nil
}
