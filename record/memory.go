package record

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	stageflow "github.com/goliatone/go-stageflow"
)

// InMemoryStore is a thread-safe in-memory record store.
type InMemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*stageflow.PipelineRecord
	archived map[string]bool
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:  make(map[string]*stageflow.PipelineRecord),
		archived: make(map[string]bool),
	}
}

// Load returns a cloned record, or nil for unknown/archived ids.
func (s *InMemoryStore) Load(_ context.Context, id string) (*stageflow.PipelineRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory record store not configured")
	}
	id = strings.TrimSpace(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok || s.archived[id] {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

// Create inserts a new record.
func (s *InMemoryStore) Create(_ context.Context, rec stageflow.PipelineRecord) error {
	if s == nil {
		return errors.New("in-memory record store not configured")
	}
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		return errors.New("record id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return errors.New("record already exists")
	}
	s.records[rec.ID] = cloneRecord(&rec)
	return nil
}

// ApplyTransition performs the compare-and-set stage switch.
func (s *InMemoryStore) ApplyTransition(_ context.Context, recordID, fromStageID, toStageID string, at time.Time) error {
	if s == nil {
		return errors.New("in-memory record store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[strings.TrimSpace(recordID)]
	if !ok || s.archived[strings.TrimSpace(recordID)] {
		return stageflow.ErrRecordNotFound
	}
	if rec.CurrentStageID != fromStageID {
		return stageflow.ErrStageConflict
	}
	rec.CurrentStageID = toStageID
	rec.EnteredStageAt = at.UTC()
	return nil
}

// SetOwner rewrites record ownership.
func (s *InMemoryStore) SetOwner(_ context.Context, recordID, ownerID string) error {
	return s.mutate(recordID, func(rec *stageflow.PipelineRecord) {
		rec.OwnerID = strings.TrimSpace(ownerID)
	})
}

// SetField rewrites one record field value.
func (s *InMemoryStore) SetField(_ context.Context, recordID, key, value string) error {
	return s.mutate(recordID, func(rec *stageflow.PipelineRecord) {
		if rec.FieldValues == nil {
			rec.FieldValues = make(map[string]string)
		}
		rec.FieldValues[key] = value
	})
}

// Archive retires the record; the engine stops producing side effects for it.
func (s *InMemoryStore) Archive(_ context.Context, recordID string) error {
	if s == nil {
		return errors.New("in-memory record store not configured")
	}
	recordID = strings.TrimSpace(recordID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[recordID]; !ok {
		return stageflow.ErrRecordNotFound
	}
	s.archived[recordID] = true
	return nil
}

func (s *InMemoryStore) mutate(recordID string, apply func(*stageflow.PipelineRecord)) error {
	if s == nil {
		return errors.New("in-memory record store not configured")
	}
	recordID = strings.TrimSpace(recordID)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordID]
	if !ok || s.archived[recordID] {
		return stageflow.ErrRecordNotFound
	}
	apply(rec)
	return nil
}

// ListActive pages non-archived records ordered by id.
func (s *InMemoryStore) ListActive(_ context.Context, afterID string, limit int) ([]stageflow.PipelineRecord, string, error) {
	if s == nil {
		return nil, "", errors.New("in-memory record store not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		if !s.archived[id] && id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]stageflow.PipelineRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, *cloneRecord(s.records[id]))
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func cloneRecord(rec *stageflow.PipelineRecord) *stageflow.PipelineRecord {
	if rec == nil {
		return nil
	}
	cp := *rec
	if rec.FieldValues != nil {
		cp.FieldValues = make(map[string]string, len(rec.FieldValues))
		for k, v := range rec.FieldValues {
			cp.FieldValues[k] = v
		}
	}
	return &cp
}
