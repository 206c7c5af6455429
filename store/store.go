// Package store persists the engine's durable state: the firing log that
// suppresses duplicate automation firings, and the action outbox drained by
// the executor. Both live behind one Store so a firing-log mark and its
// outbox append commit atomically.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	stageflow "github.com/goliatone/go-stageflow"
)

var (
	// ErrAlreadyFired indicates the (record, stage, automation, epoch) key
	// is already present in the firing log.
	ErrAlreadyFired = errors.New("automation already fired for this epoch")

	// ErrLeaseLost indicates an ack arrived with a stale lease token.
	ErrLeaseLost = errors.New("outbox lease no longer held")

	// ErrNotFound indicates the outbox entry does not exist.
	ErrNotFound = errors.New("outbox entry not found")
)

// Outbox entry lifecycle states.
const (
	StatusPending    = "pending"
	StatusLeased     = "leased"
	StatusCompleted  = "completed"
	StatusSkipped    = "skipped"
	StatusDeadLetter = "dead_letter"
)

// FiringEntry is one row of the idempotency ledger. Epoch is always >= 1;
// enter/exit firings use epoch 1. Rows are scoped to the current residency:
// the coordinator clears (record, stage) rows when the record leaves the
// stage, so re-entry starts with fresh eligibility.
type FiringEntry struct {
	RecordID     string
	StageID      string
	AutomationID string
	Epoch        int
	FiredAt      time.Time
}

// Validate checks the full idempotency key is present.
func (e FiringEntry) Validate() error {
	if strings.TrimSpace(e.RecordID) == "" || strings.TrimSpace(e.StageID) == "" || strings.TrimSpace(e.AutomationID) == "" {
		return fmt.Errorf("firing entry requires record, stage and automation ids")
	}
	if e.Epoch < 1 {
		return fmt.Errorf("firing entry epoch must be >= 1, got %d", e.Epoch)
	}
	return nil
}

func (e FiringEntry) key() string {
	return strings.TrimSpace(e.RecordID) + "::" + strings.TrimSpace(e.StageID) + "::" +
		strings.TrimSpace(e.AutomationID) + "::" + fmt.Sprint(e.Epoch)
}

func residencyPrefix(recordID, stageID string) string {
	return strings.TrimSpace(recordID) + "::" + strings.TrimSpace(stageID) + "::"
}

// OutboxEntry wraps one ActionRequest with delivery bookkeeping. The entry id
// equals the request id, which is unique per firing.
type OutboxEntry struct {
	ID            string
	Request       stageflow.ActionRequest
	Status        string
	Attempts      int
	LeaseOwner    string
	LeaseUntil    time.Time
	RetryAt       time.Time
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	FirstFailedAt *time.Time
	LastError     string
}

// ClaimedEntry is an outbox entry held under a lease token. Acks must
// present the token so an expired-lease reclaim by another worker cannot be
// overwritten by the original one.
type ClaimedEntry struct {
	OutboxEntry
	LeaseToken string
}

// DeadLetterScope constrains dead-letter listing.
type DeadLetterScope struct {
	RecordID string
	StageID  string
	Limit    int
}

// Tx is the transactional producer boundary: marking an epoch as fired and
// appending its action request either both commit or neither does.
type Tx interface {
	CheckAndMark(ctx context.Context, entry FiringEntry) error
	AppendAction(ctx context.Context, req stageflow.ActionRequest) error
}

// Store is the durable engine store. Producer side (coordinator, scheduler)
// uses the firing-log queries plus RunInTransaction; consumer side
// (executor) uses the claim/ack surface.
type Store interface {
	// firing log
	HasFired(ctx context.Context, recordID, stageID, automationID string, epoch int) (bool, error)
	MaxEpoch(ctx context.Context, recordID, stageID, automationID string) (int, error)
	ClearResidency(ctx context.Context, recordID, stageID string) error

	RunInTransaction(ctx context.Context, fn func(Tx) error) error

	// outbox consumption
	ClaimPending(ctx context.Context, workerID string, limit int, leaseTTL time.Duration) ([]ClaimedEntry, error)
	MarkCompleted(ctx context.Context, id, leaseToken string) error
	MarkSkipped(ctx context.Context, id, leaseToken, reason string) error
	MarkFailed(ctx context.Context, id, leaseToken string, retryAt time.Time, reason string) error
	MarkDeadLetter(ctx context.Context, id, leaseToken, reason string) error
	ListDeadLetters(ctx context.Context, scope DeadLetterScope) ([]OutboxEntry, error)
	Requeue(ctx context.Context, id string) error
}

func normalizeOutboxEntry(entry OutboxEntry) OutboxEntry {
	entry.ID = strings.TrimSpace(entry.ID)
	if entry.Status == "" {
		entry.Status = StatusPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return entry
}

func isClaimable(entry OutboxEntry, now time.Time) bool {
	switch entry.Status {
	case StatusPending:
	case StatusLeased:
		if !entry.LeaseUntil.IsZero() && entry.LeaseUntil.After(now) {
			return false
		}
	default:
		return false
	}
	if !entry.RetryAt.IsZero() && entry.RetryAt.After(now) {
		return false
	}
	return true
}
