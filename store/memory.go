package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	stageflow "github.com/goliatone/go-stageflow"
)

// InMemoryStore keeps the firing log and outbox in memory. Suitable for
// tests and single-process deployments without durability requirements.
type InMemoryStore struct {
	mu      sync.Mutex
	firings map[string]FiringEntry
	outbox  []OutboxEntry
	tokens  map[string]string
	now     func() time.Time
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		firings: make(map[string]FiringEntry),
		tokens:  make(map[string]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock. Test hook.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// HasFired reports whether the firing log contains the given key.
func (s *InMemoryStore) HasFired(_ context.Context, recordID, stageID, automationID string, epoch int) (bool, error) {
	if s == nil {
		return false, errors.New("in-memory store not configured")
	}
	entry := FiringEntry{RecordID: recordID, StageID: stageID, AutomationID: automationID, Epoch: epoch}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.firings[entry.key()]
	return ok, nil
}

// MaxEpoch returns the highest recorded epoch for the automation within the
// current residency, or 0 when none fired.
func (s *InMemoryStore) MaxEpoch(_ context.Context, recordID, stageID, automationID string) (int, error) {
	if s == nil {
		return 0, errors.New("in-memory store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, entry := range s.firings {
		if entry.RecordID == strings.TrimSpace(recordID) &&
			entry.StageID == strings.TrimSpace(stageID) &&
			entry.AutomationID == strings.TrimSpace(automationID) &&
			entry.Epoch > max {
			max = entry.Epoch
		}
	}
	return max, nil
}

// ClearResidency removes all firing rows for (record, stage), ending the
// residency period so a future re-entry starts eligible again.
func (s *InMemoryStore) ClearResidency(_ context.Context, recordID, stageID string) error {
	if s == nil {
		return errors.New("in-memory store not configured")
	}
	prefix := residencyPrefix(recordID, stageID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.firings {
		if strings.HasPrefix(key, prefix) {
			delete(s.firings, key)
		}
	}
	return nil
}

// RunInTransaction applies producer mutations atomically: fn works on a
// cloned view that replaces the live state only when fn succeeds.
func (s *InMemoryStore) RunInTransaction(_ context.Context, fn func(Tx) error) error {
	if s == nil {
		return errors.New("in-memory store not configured")
	}
	if fn == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &inMemoryTx{
		firings: cloneFirings(s.firings),
		outbox:  append([]OutboxEntry(nil), s.outbox...),
		now:     s.now,
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.firings = tx.firings
	s.outbox = tx.outbox
	return nil
}

// ClaimPending leases claimable entries for the worker.
func (s *InMemoryStore) ClaimPending(_ context.Context, workerID string, limit int, leaseTTL time.Duration) ([]ClaimedEntry, error) {
	if s == nil {
		return nil, errors.New("in-memory store not configured")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, errors.New("worker id required")
	}
	if limit <= 0 {
		limit = 100
	}
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := make([]ClaimedEntry, 0, limit)
	for idx := range s.outbox {
		entry := s.outbox[idx]
		if !isClaimable(entry, now) {
			continue
		}
		token := uuid.NewString()
		entry.Status = StatusLeased
		entry.LeaseOwner = workerID
		entry.LeaseUntil = now.Add(leaseTTL)
		entry.Attempts++
		s.outbox[idx] = entry
		s.leaseTokens(idx, token)
		claimed = append(claimed, ClaimedEntry{OutboxEntry: entry, LeaseToken: token})
		if len(claimed) >= limit {
			break
		}
	}
	return claimed, nil
}

// leaseTokens stores the active token alongside the entry.
func (s *InMemoryStore) leaseTokens(idx int, token string) {
	if s.tokens == nil {
		s.tokens = make(map[string]string)
	}
	s.tokens[s.outbox[idx].ID] = token
}

// MarkCompleted acknowledges a successfully dispatched entry.
func (s *InMemoryStore) MarkCompleted(ctx context.Context, id, leaseToken string) error {
	return s.ack(ctx, id, leaseToken, func(entry *OutboxEntry, now time.Time) {
		entry.Status = StatusCompleted
		entry.ProcessedAt = &now
		entry.RetryAt = time.Time{}
		entry.LastError = ""
	})
}

// MarkSkipped records a precondition-failed discard: the request was
// consumed without effect because the record vanished or left the stage.
func (s *InMemoryStore) MarkSkipped(ctx context.Context, id, leaseToken, reason string) error {
	return s.ack(ctx, id, leaseToken, func(entry *OutboxEntry, now time.Time) {
		entry.Status = StatusSkipped
		entry.ProcessedAt = &now
		entry.RetryAt = time.Time{}
		entry.LastError = strings.TrimSpace(reason)
	})
}

// MarkFailed schedules a retry after a transient delivery failure.
func (s *InMemoryStore) MarkFailed(ctx context.Context, id, leaseToken string, retryAt time.Time, reason string) error {
	return s.ack(ctx, id, leaseToken, func(entry *OutboxEntry, now time.Time) {
		entry.Status = StatusPending
		entry.RetryAt = retryAt.UTC()
		entry.LastError = strings.TrimSpace(reason)
		if entry.FirstFailedAt == nil {
			failedAt := now
			entry.FirstFailedAt = &failedAt
		}
	})
}

// MarkDeadLetter parks the entry for operator intervention.
func (s *InMemoryStore) MarkDeadLetter(ctx context.Context, id, leaseToken, reason string) error {
	return s.ack(ctx, id, leaseToken, func(entry *OutboxEntry, now time.Time) {
		entry.Status = StatusDeadLetter
		entry.ProcessedAt = &now
		entry.RetryAt = time.Time{}
		entry.LastError = strings.TrimSpace(reason)
		if entry.FirstFailedAt == nil {
			failedAt := now
			entry.FirstFailedAt = &failedAt
		}
	})
}

func (s *InMemoryStore) ack(_ context.Context, id, leaseToken string, apply func(*OutboxEntry, time.Time)) error {
	if s == nil {
		return errors.New("in-memory store not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("outbox id required")
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.outbox {
		if s.outbox[idx].ID != id {
			continue
		}
		if s.tokens[id] != leaseToken {
			return ErrLeaseLost
		}
		entry := s.outbox[idx]
		entry.LeaseOwner = ""
		entry.LeaseUntil = time.Time{}
		apply(&entry, now)
		s.outbox[idx] = entry
		delete(s.tokens, id)
		return nil
	}
	return ErrNotFound
}

// ListDeadLetters returns dead-lettered entries matching the scope.
func (s *InMemoryStore) ListDeadLetters(_ context.Context, scope DeadLetterScope) ([]OutboxEntry, error) {
	if s == nil {
		return nil, errors.New("in-memory store not configured")
	}
	limit := scope.Limit
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxEntry, 0)
	for _, entry := range s.outbox {
		if entry.Status != StatusDeadLetter {
			continue
		}
		if scope.RecordID != "" && entry.Request.RecordID != scope.RecordID {
			continue
		}
		if scope.StageID != "" && entry.Request.StageID != scope.StageID {
			continue
		}
		out = append(out, entry)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Requeue returns a dead-lettered entry to the pending pool (operator
// redrive).
func (s *InMemoryStore) Requeue(_ context.Context, id string) error {
	if s == nil {
		return errors.New("in-memory store not configured")
	}
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.outbox {
		if s.outbox[idx].ID != id {
			continue
		}
		if s.outbox[idx].Status != StatusDeadLetter {
			return errors.New("only dead-lettered entries can be requeued")
		}
		s.outbox[idx].Status = StatusPending
		s.outbox[idx].Attempts = 0
		s.outbox[idx].RetryAt = time.Time{}
		s.outbox[idx].ProcessedAt = nil
		return nil
	}
	return ErrNotFound
}

// Entries returns a cloned outbox slice for assertions and debugging.
func (s *InMemoryStore) Entries() []OutboxEntry {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OutboxEntry(nil), s.outbox...)
}

type inMemoryTx struct {
	firings map[string]FiringEntry
	outbox  []OutboxEntry
	now     func() time.Time
}

// CheckAndMark inserts the firing entry, failing with ErrAlreadyFired when
// the key already exists.
func (tx *inMemoryTx) CheckAndMark(_ context.Context, entry FiringEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.FiredAt.IsZero() {
		entry.FiredAt = tx.now()
	}
	key := entry.key()
	if _, exists := tx.firings[key]; exists {
		return ErrAlreadyFired
	}
	tx.firings[key] = entry
	return nil
}

// AppendAction stages an outbox append for commit.
func (tx *inMemoryTx) AppendAction(_ context.Context, req stageflow.ActionRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	tx.outbox = append(tx.outbox, normalizeOutboxEntry(OutboxEntry{
		ID:        req.RequestID,
		Request:   req,
		CreatedAt: tx.now(),
	}))
	return nil
}

func cloneFirings(in map[string]FiringEntry) map[string]FiringEntry {
	out := make(map[string]FiringEntry, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
