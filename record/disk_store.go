package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nomis52/dpflow/iteration"
)

// recordsDir is where records live relative to the workflow root.
const recordsDir = ".dpflow/records"

// DefaultDir returns the record directory of the workflow rooted at root.
func DefaultDir(root string) string {
	return filepath.Join(root, filepath.FromSlash(recordsDir))
}

// DiskStore persists each record as a JSON file and keeps all of them in memory.
type DiskStore struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	records []Record
}

// NewDiskStore creates dir if needed and loads the records already in it.
// Unreadable files are logged and skipped.
func NewDiskStore(dir string, logger *slog.Logger) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}
	s := &DiskStore{
		dir:    dir,
		logger: logger.With("component", "record_store"),
	}
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	s.records = records
	return s, nil
}

// Dir returns the directory records are written to.
func (s *DiskStore) Dir() string {
	return s.dir
}

// Save writes r to its own file and adds it to the in-memory view.
func (s *DiskStore) Save(r Record) error {
	if r.StartedAt == nil {
		return errors.New("cannot save record without start time")
	}
	if r.ID == "" {
		return errors.New("cannot save record without ID")
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	path := filepath.Join(s.dir, fileName(r))
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write record file: %w", err)
	}

	s.mu.Lock()
	s.records = append(s.records, r)
	sortRecords(s.records)
	s.mu.Unlock()

	s.logger.Debug("saved record", "path", path, "status", r.Status.String())
	return nil
}

func (s *DiskStore) Latest(i int, stage string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return latest(s.records, i, stage)
}

func (s *DiskStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Reload re-reads every record from disk.
func (s *DiskStore) Reload() error {
	records, err := s.load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
	return nil
}

func (s *DiskStore) load() ([]Record, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read record directory: %w", err)
	}

	records := make([]Record, 0, len(files))
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, file.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("failed to read record file", "file", path, "error", err)
			continue
		}
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			s.logger.Warn("failed to parse record file", "file", path, "error", err)
			continue
		}
		records = append(records, r)
	}
	sortRecords(records)

	s.logger.Debug("loaded records from disk", "dir", s.dir, "count", len(records))
	return records, nil
}

// fileName is iter.NNNNNN.<stage>.<start>.<id>.json, so a directory listing reads in run order.
func fileName(r Record) string {
	return fmt.Sprintf("%s.%s.%s.%s.json",
		iteration.IterName(r.Iteration), r.Stage, r.StartedAt.UTC().Format("20060102T150405.000000000"), r.ID)
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".record-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
