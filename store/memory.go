package store

import (
	"context"
	"sort"
	"sync"

	"github.com/OMAR3lwafi/video-api-sub001/core"
)

// MemoryStore keeps job records in process memory. All operations are
// serialized under one lock so patches are atomic.
type MemoryStore struct {
	logger core.Logger

	mu        sync.RWMutex
	records   map[string]*core.JobRecord
	callbacks []ChangeCallback
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore(logger core.Logger) *MemoryStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("store")
	}
	return &MemoryStore{
		logger:  logger,
		records: make(map[string]*core.JobRecord),
	}
}

func (s *MemoryStore) Save(ctx context.Context, record *core.JobRecord) error {
	s.mu.Lock()
	s.records[record.ID] = record.Clone()
	s.mu.Unlock()

	s.logger.Debug("Job record saved", map[string]interface{}{
		"operation": "job_save",
		"job_id":    record.ID,
		"status":    string(record.Status),
	})
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*core.JobRecord, error) {
	s.mu.RLock()
	record, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	return record.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch *core.JobPatch) (*core.JobRecord, error) {
	s.mu.Lock()
	record, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil, notFound(id)
	}
	if record.Status.IsTerminal() {
		status := record.Status
		s.mu.Unlock()
		return nil, terminalFrozen(id, status)
	}

	applyPatch(record, patch)
	snapshot := record.Clone()
	callbacks := make([]ChangeCallback, len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(snapshot.Clone())
	}
	return snapshot, nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]*core.JobRecord, error) {
	s.mu.RLock()
	out := make([]*core.JobRecord, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) OnChange(cb ChangeCallback) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

func (s *MemoryStore) Close() error { return nil }
