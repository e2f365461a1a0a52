package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// LocalSubmitter runs tasks with bash on this machine, inside their work directories.
type LocalSubmitter struct {
	resources Resources
	logger    *slog.Logger
}

// NewLocalSubmitter creates a LocalSubmitter.
func NewLocalSubmitter(r Resources, logger *slog.Logger) *LocalSubmitter {
	return &LocalSubmitter{
		resources: r,
		logger:    logger.With("component", "local_submitter"),
	}
}

// Submit runs every task, at most Parallelism at a time, and waits for all of them.
// All task failures are reported together.
func (l *LocalSubmitter) Submit(ctx context.Context, sub *Submission) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	if err := checkForward(sub); err != nil {
		return err
	}
	logger := l.logger.With("submission", sub.ID)
	logger.Info("submitting tasks", "tasks", len(sub.Tasks), "work_base", sub.WorkBase)

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.resources.limit())
	for _, task := range sub.Tasks {
		g.Go(func() error {
			if err := l.runTask(gctx, sub.WorkBase, task, logger); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if err := checkBackward(sub.WorkBase, sub.BackwardCommonFiles); err != nil {
		return err
	}
	logger.Info("submission finished")
	return nil
}

func (l *LocalSubmitter) runTask(ctx context.Context, base string, task Task, logger *slog.Logger) error {
	dir := filepath.Join(base, task.WorkPath)
	if err := ensureDir(dir); err != nil {
		return fmt.Errorf("task %s: %w", task.WorkPath, err)
	}

	stdout, err := os.OpenFile(filepath.Join(dir, task.outLog()), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("task %s: opening log: %w", task.WorkPath, err)
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(filepath.Join(dir, task.errLog()), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("task %s: opening log: %w", task.WorkPath, err)
	}
	defer stderr.Close()

	cmd := exec.CommandContext(ctx, "bash", "-c", prelude(l.resources)+task.Command)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	logger.Debug("running task", "work_path", task.WorkPath, "command", task.Command)
	if err := cmd.Run(); err != nil {
		logger.Warn("task failed", "work_path", task.WorkPath, "duration", time.Since(start), "error", err)
		return fmt.Errorf("%w: %s: %v (see %s)", ErrTaskFailed, task.WorkPath, err, filepath.Join(dir, task.errLog()))
	}
	logger.Debug("task finished", "work_path", task.WorkPath, "duration", time.Since(start))

	if err := checkBackward(dir, task.BackwardFiles); err != nil {
		return fmt.Errorf("task %s: %w", task.WorkPath, err)
	}
	return nil
}
