// Package dispatcher runs groups of shell tasks on a machine and brings their
// results back next to the local work tree.
//
// A Submission is a set of Tasks that share a local WorkBase. Each task runs its
// Command inside WorkBase/WorkPath. The local backend runs tasks in place; the SSH
// backend ships forward files to a remote directory as a gzip tar stream, runs the
// commands there and streams the backward files home the same way.
//
// Submitters do not retry and do not roll back: whatever a failed submission
// produced stays where it is.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	ContextLocal = "local"
	ContextSSH   = "ssh"
)

var (
	// ErrTaskFailed is wrapped by errors describing a task whose command failed.
	ErrTaskFailed = errors.New("task failed")
	// ErrMissingBackward is wrapped when a declared backward file was not produced.
	ErrMissingBackward = errors.New("backward file missing")
	// ErrMissingForward is wrapped when a declared forward file does not exist.
	ErrMissingForward = errors.New("forward file missing")
)

// Machine describes where tasks run.
type Machine struct {
	// Context selects the backend: "local" or "ssh".
	Context    string `yaml:"context"`
	Host       string `yaml:"host,omitempty"`
	User       string `yaml:"user,omitempty"`
	KeyPath    string `yaml:"key_path,omitempty"`
	KnownHosts string `yaml:"known_hosts,omitempty"`
	// RemoteRoot is the directory submissions are staged under on the remote host.
	RemoteRoot string `yaml:"remote_root,omitempty"`
	// CleanRemote removes the remote submission directory after a successful run.
	CleanRemote bool `yaml:"clean_remote,omitempty"`
	// Extra holds keys understood by other schedulers; they are carried but unused.
	Extra map[string]any `yaml:",inline"`
}

// Validate checks the machine can be connected to.
func (m *Machine) Validate() error {
	switch m.Context {
	case "", ContextLocal:
		return nil
	case ContextSSH:
		var missing []string
		if m.Host == "" {
			missing = append(missing, "host")
		}
		if m.User == "" {
			missing = append(missing, "user")
		}
		if m.KeyPath == "" {
			missing = append(missing, "key_path")
		}
		if m.RemoteRoot == "" {
			missing = append(missing, "remote_root")
		}
		if len(missing) > 0 {
			return fmt.Errorf("ssh machine is missing %v", missing)
		}
		return nil
	default:
		return fmt.Errorf("unknown machine context %q", m.Context)
	}
}

// Resources describes how tasks are run on the machine.
type Resources struct {
	// Parallelism bounds the number of concurrently running tasks. 0 means one at a time.
	Parallelism int               `yaml:"parallelism,omitempty"`
	Envs        map[string]string `yaml:"envs,omitempty"`
	// SourceList files are sourced before every command.
	SourceList []string       `yaml:"source_list,omitempty"`
	Extra      map[string]any `yaml:",inline"`
}

func (r Resources) limit() int {
	if r.Parallelism <= 0 {
		return 1
	}
	return r.Parallelism
}

// Task is one command run in its own directory.
type Task struct {
	Command string
	// WorkPath is the task directory relative to the submission's WorkBase.
	WorkPath string
	// ForwardFiles are needed by the command, relative to WorkPath.
	ForwardFiles []string
	// BackwardFiles are produced by the command, relative to WorkPath. Glob patterns are allowed.
	BackwardFiles []string
	OutLog        string
	ErrLog        string
}

// Submission groups tasks that are submitted and awaited together.
type Submission struct {
	ID string
	// WorkBase is the local directory task paths are relative to.
	WorkBase            string
	Tasks               []Task
	ForwardCommonFiles  []string
	BackwardCommonFiles []string
}

// NewSubmission returns a Submission with a fresh ID.
func NewSubmission(workBase string, tasks []Task, forwardCommon, backwardCommon []string) *Submission {
	return &Submission{
		ID:                  uuid.NewString(),
		WorkBase:            workBase,
		Tasks:               tasks,
		ForwardCommonFiles:  forwardCommon,
		BackwardCommonFiles: backwardCommon,
	}
}

// Validate checks the submission is well formed.
func (s *Submission) Validate() error {
	if s.WorkBase == "" {
		return errors.New("submission work base is required")
	}
	seen := make(map[string]bool, len(s.Tasks))
	for i, t := range s.Tasks {
		if t.Command == "" {
			return fmt.Errorf("task %d has no command", i)
		}
		if t.WorkPath == "" || filepath.IsAbs(t.WorkPath) {
			return fmt.Errorf("task %d work path %q must be relative", i, t.WorkPath)
		}
		if seen[t.WorkPath] {
			return fmt.Errorf("task work path %q appears twice", t.WorkPath)
		}
		seen[t.WorkPath] = true
	}
	return nil
}

// Submitter runs a submission to completion.
type Submitter interface {
	Submit(ctx context.Context, sub *Submission) error
}

// New returns the Submitter for the machine's context.
func New(m Machine, r Resources, logger *slog.Logger) (Submitter, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	switch m.Context {
	case "", ContextLocal:
		return NewLocalSubmitter(r, logger), nil
	default:
		return NewSSHSubmitter(m, r, logger), nil
	}
}

func (t Task) outLog() string {
	if t.OutLog == "" {
		return "log"
	}
	return t.OutLog
}

func (t Task) errLog() string {
	if t.ErrLog == "" {
		return "err"
	}
	return t.ErrLog
}
