package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nomis52/dpflow/clients/sshclient"
)

// remote is the part of an SSH connection the submitter needs.
type remote interface {
	RunWithInput(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) error
	Close() error
}

// SSHSubmitter stages a submission on a remote host and runs it there.
type SSHSubmitter struct {
	machine   Machine
	resources Resources
	logger    *slog.Logger
	dial      func() (remote, error)
}

// NewSSHSubmitter creates an SSHSubmitter. The connection is opened per submission.
func NewSSHSubmitter(m Machine, r Resources, logger *slog.Logger) *SSHSubmitter {
	s := &SSHSubmitter{
		machine:   m,
		resources: r,
		logger:    logger.With("component", "ssh_submitter", "host", m.Host),
	}
	s.dial = func() (remote, error) {
		var opts []sshclient.Option
		if m.KnownHosts != "" {
			opts = append(opts, sshclient.WithKnownHosts(m.KnownHosts))
		}
		return sshclient.NewFromKeyFile(m.Host, m.User, m.KeyPath, opts...)
	}
	return s
}

// Submit uploads the forward files, runs every task remotely and downloads the
// backward files and task logs into the local work base.
func (s *SSHSubmitter) Submit(ctx context.Context, sub *Submission) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	if err := checkForward(sub); err != nil {
		return err
	}
	logger := s.logger.With("submission", sub.ID)

	conn, err := s.dial()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", s.machine.Host, err)
	}
	defer conn.Close()

	remoteBase := path.Join(s.machine.RemoteRoot, sub.ID)
	logger.Info("uploading submission", "remote_base", remoteBase, "tasks", len(sub.Tasks))
	if err := s.upload(ctx, conn, sub, remoteBase); err != nil {
		return fmt.Errorf("uploading to %s: %w", remoteBase, err)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.resources.limit())
	for _, task := range sub.Tasks {
		g.Go(func() error {
			if err := s.runTask(gctx, conn, remoteBase, task); err != nil {
				logger.Warn("task failed", "work_path", task.WorkPath, "error", err)
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

	// results of failed tasks are fetched too so their logs can be inspected
	if err := s.download(ctx, conn, sub, remoteBase); err != nil {
		errs = append(errs, fmt.Errorf("downloading from %s: %w", remoteBase, err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	for _, task := range sub.Tasks {
		if err := checkBackward(filepath.Join(sub.WorkBase, task.WorkPath), task.BackwardFiles); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.WorkPath, err))
		}
	}
	if err := checkBackward(sub.WorkBase, sub.BackwardCommonFiles); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if s.machine.CleanRemote {
		if err := conn.RunWithInput(ctx, "rm -rf "+shellQuote(remoteBase), nil, nil, nil); err != nil {
			logger.Warn("failed to clean remote directory", "remote_base", remoteBase, "error", err)
		}
	}
	logger.Info("submission finished")
	return nil
}

func (s *SSHSubmitter) upload(ctx context.Context, conn remote, sub *Submission, remoteBase string) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeTarGz(ctx, pw, sub.WorkBase, forwardList(sub)))
	}()

	dirs := []string{shellQuote(remoteBase)}
	for _, t := range sub.Tasks {
		dirs = append(dirs, shellQuote(path.Join(remoteBase, filepath.ToSlash(t.WorkPath))))
	}
	cmd := fmt.Sprintf("mkdir -p %s && tar -xzf - -C %s", strings.Join(dirs, " "), shellQuote(remoteBase))

	var stderr bytes.Buffer
	err := conn.RunWithInput(ctx, cmd, pr, nil, &stderr)
	pr.Close()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (s *SSHSubmitter) runTask(ctx context.Context, conn remote, remoteBase string, task Task) error {
	dir := path.Join(remoteBase, filepath.ToSlash(task.WorkPath))
	script := fmt.Sprintf("cd %s && { %s%s\n} >>%s 2>>%s",
		shellQuote(dir), prelude(s.resources), task.Command,
		shellQuote(task.outLog()), shellQuote(task.errLog()))
	if err := conn.RunWithInput(ctx, "bash -c "+shellQuote(script), nil, nil, nil); err != nil {
		return fmt.Errorf("%w: %s: %v (see %s)", ErrTaskFailed, task.WorkPath, err, path.Join(task.WorkPath, task.errLog()))
	}
	return nil
}

func (s *SSHSubmitter) download(ctx context.Context, conn remote, sub *Submission, remoteBase string) error {
	var patterns []string
	for _, p := range sub.BackwardCommonFiles {
		patterns = append(patterns, quoteGlob(filepath.ToSlash(p)))
	}
	for _, t := range sub.Tasks {
		files := append([]string{t.outLog(), t.errLog()}, t.BackwardFiles...)
		for _, f := range files {
			patterns = append(patterns, quoteGlob(path.Join(filepath.ToSlash(t.WorkPath), filepath.ToSlash(f))))
		}
	}

	// nullglob drops patterns with no match; missing files are reported by checkBackward
	script := fmt.Sprintf("shopt -s nullglob; cd %s && files=(%s); for f in \"${files[@]}\"; do [ -e \"$f\" ] && printf '%%s\\0' \"$f\"; done | tar -czf - --null -T -",
		shellQuote(remoteBase), strings.Join(patterns, " "))

	pr, pw := io.Pipe()
	var stderr bytes.Buffer
	runErr := make(chan error, 1)
	go func() {
		err := conn.RunWithInput(ctx, "bash -c "+shellQuote(script), nil, pw, &stderr)
		pw.CloseWithError(err)
		runErr <- err
	}()

	extracted, err := extractTarGz(pr, sub.WorkBase)
	pr.Close()
	if rerr := <-runErr; rerr != nil {
		return fmt.Errorf("%w: %s", rerr, strings.TrimSpace(stderr.String()))
	}
	if err != nil {
		return err
	}
	s.logger.Debug("downloaded backward files", "submission", sub.ID, "files", len(extracted))
	return nil
}
