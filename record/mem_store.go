package record

import "sync"

// MemStore keeps records in memory only.
type MemStore struct {
	mu      sync.Mutex
	records []Record
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) Save(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	sortRecords(s.records)
	return nil
}

func (s *MemStore) Latest(i int, stage string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return latest(s.records, i, stage)
}

func (s *MemStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}
