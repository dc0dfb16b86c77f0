package store

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/renderfarm/jobtrackd/pkg/models"
)

// MemoryStore is an in-memory implementation of the store
type MemoryStore struct {
	jobs map[string]*models.JobRecord
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.JobRecord)}
}

// clone deep-copies a record through JSON so callers never share state
// with the map.
func clone(record *models.JobRecord) *models.JobRecord {
	data, _ := json.Marshal(record)
	var out models.JobRecord
	_ = json.Unmarshal(data, &out)
	return &out
}

func (s *MemoryStore) CreateJob(record *models.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[record.JobID]; ok {
		return ErrJobExists
	}
	s.jobs[record.JobID] = clone(record)
	return nil
}

func (s *MemoryStore) GetJob(id string) (*models.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return clone(record), nil
}

func (s *MemoryStore) UpdateJob(record *models.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[record.JobID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[record.JobID] = clone(record)
	return nil
}

func (s *MemoryStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) ListJobs() ([]*models.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.JobRecord, 0, len(s.jobs))
	for _, record := range s.jobs {
		jobs = append(jobs, clone(record))
	}
	return jobs, nil
}

func (s *MemoryStore) DueAlarms(now time.Time) ([]*models.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]*models.JobRecord, 0)
	for _, record := range s.jobs {
		if record.AlarmAt != nil && !record.AlarmAt.After(now) {
			due = append(due, clone(record))
		}
	}
	return due, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) HealthCheck() error {
	return nil
}
