// Package record persists what each stage consumed and produced so that an
// interrupted workflow can resume without repeating finished stages.
package record

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nomis52/dpflow/iteration"
	"github.com/nomis52/dpflow/logging"
	"github.com/nomis52/dpflow/op"
	"github.com/nomis52/dpflow/opio"
)

// Record is the outcome of one stage execution.
type Record struct {
	ID        string             `json:"id"`
	Iteration int                `json:"iteration"`
	Stage     string             `json:"stage"`
	Kind      op.Kind            `json:"kind"`
	Status    op.Status          `json:"status"`
	WorkPath  string             `json:"work_path"`
	Input     opio.OPIO          `json:"input"`
	Output    opio.OPIO          `json:"output"`
	Error     string             `json:"error,omitempty"`
	StartedAt *time.Time         `json:"started_at,omitempty"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
	Logs      []logging.LogEntry `json:"logs,omitempty"`
}

// FromStage captures the current state of stage as a record of iteration i.
// Channels the stage cannot report yet are left empty.
func FromStage(i int, stage *op.Stage, logs []logging.LogEntry) Record {
	r := Record{
		ID:        uuid.NewString(),
		Iteration: i,
		Stage:     stage.Name(),
		Kind:      stage.Kind(),
		Status:    stage.Status(),
		WorkPath:  stage.WorkPath(),
		Logs:      logs,
	}
	if in, err := stage.Input(); err == nil {
		r.Input = in
	}
	if out, err := stage.Output(); err == nil {
		r.Output = out
	}
	if err := stage.Err(); err != nil {
		r.Error = err.Error()
	}
	started, ended := stage.Times()
	if !started.IsZero() {
		r.StartedAt = &started
	}
	if !ended.IsZero() {
		r.EndedAt = &ended
	}
	return r
}

// Key identifies the stage a record belongs to, independent of the attempt.
func (r Record) Key() string {
	return logging.StageKey(iteration.IterName(r.Iteration), r.Stage)
}

// Succeeded reports whether the recorded execution completed.
func (r Record) Succeeded() bool {
	return r.Status == op.Executed
}

// Store persists stage records.
type Store interface {
	// Save stores r. Records are never updated in place; every attempt is kept.
	Save(r Record) error
	// Latest returns the most recent record of stage in iteration i.
	Latest(i int, stage string) (Record, bool)
	// Records returns every record ordered by iteration then start time.
	Records() []Record
}

// sortRecords orders by iteration, then start time, then ID.
func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Iteration != b.Iteration {
			return a.Iteration < b.Iteration
		}
		if ta, tb := startTime(a), startTime(b); !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.ID < b.ID
	})
}

func startTime(r Record) time.Time {
	if r.StartedAt == nil {
		return time.Time{}
	}
	return *r.StartedAt
}

// latest returns the last record of stage in iteration i from records sorted by sortRecords.
func latest(records []Record, i int, stage string) (Record, bool) {
	for k := len(records) - 1; k >= 0; k-- {
		if records[k].Iteration == i && records[k].Stage == stage {
			return records[k], true
		}
	}
	return Record{}, false
}
