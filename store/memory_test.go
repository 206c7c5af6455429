package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	stageflow "github.com/goliatone/go-stageflow"
)

func testRequest(recordID, stageID, automationID string, epoch, idx int, residency time.Time) stageflow.ActionRequest {
	return stageflow.ActionRequest{
		RequestID:    stageflow.NewRequestID(recordID, stageID, automationID, epoch, idx, residency),
		Type:         stageflow.ActionSendNotification,
		Config:       map[string]any{"message": "hello"},
		RecordID:     recordID,
		StageID:      stageID,
		AutomationID: automationID,
		ActionIndex:  idx,
		Trigger:      stageflow.TriggerOnEnter,
		Epoch:        epoch,
		TriggeredAt:  time.Now().UTC(),
	}
}

func mustEmit(t *testing.T, s *InMemoryStore, recordID, stageID, automationID string, epoch int) stageflow.ActionRequest {
	t.Helper()
	req := testRequest(recordID, stageID, automationID, epoch, 0, time.Unix(1000, 0))
	err := s.RunInTransaction(context.Background(), func(tx Tx) error {
		if err := tx.CheckAndMark(context.Background(), FiringEntry{
			RecordID:     recordID,
			StageID:      stageID,
			AutomationID: automationID,
			Epoch:        epoch,
		}); err != nil {
			return err
		}
		return tx.AppendAction(context.Background(), req)
	})
	if err != nil {
		t.Fatalf("emit %s/%s/%s epoch %d: %v", recordID, stageID, automationID, epoch, err)
	}
	return req
}

func TestCheckAndMark_DuplicateSuppressed(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	mustEmit(t, s, "rec-1", "stage-a", "auto-1", 1)

	fired, err := s.HasFired(ctx, "rec-1", "stage-a", "auto-1", 1)
	if err != nil || !fired {
		t.Fatalf("expected firing recorded, fired=%v err=%v", fired, err)
	}

	err = s.RunInTransaction(ctx, func(tx Tx) error {
		return tx.CheckAndMark(ctx, FiringEntry{RecordID: "rec-1", StageID: "stage-a", AutomationID: "auto-1", Epoch: 1})
	})
	if !errors.Is(err, ErrAlreadyFired) {
		t.Fatalf("expected ErrAlreadyFired, got %v", err)
	}

	// A different epoch is a distinct key.
	mustEmit(t, s, "rec-1", "stage-a", "auto-1", 2)
	if max, _ := s.MaxEpoch(ctx, "rec-1", "stage-a", "auto-1"); max != 2 {
		t.Fatalf("expected max epoch 2, got %d", max)
	}
}

func TestRunInTransaction_RollbackOnError(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	boom := fmt.Errorf("append exploded")
	err := s.RunInTransaction(ctx, func(tx Tx) error {
		if err := tx.CheckAndMark(ctx, FiringEntry{RecordID: "rec-1", StageID: "stage-a", AutomationID: "auto-1", Epoch: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected propagated error, got %v", err)
	}

	// The failed mark must not persist: both halves commit or neither.
	fired, err := s.HasFired(ctx, "rec-1", "stage-a", "auto-1", 1)
	if err != nil || fired {
		t.Fatalf("expected rollback of firing mark, fired=%v err=%v", fired, err)
	}
	if len(s.Entries()) != 0 {
		t.Fatalf("expected empty outbox after rollback, got %d entries", len(s.Entries()))
	}
}

func TestClearResidency_ResetsEligibility(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	mustEmit(t, s, "rec-1", "stage-a", "auto-1", 1)
	mustEmit(t, s, "rec-1", "stage-a", "auto-2", 1)
	mustEmit(t, s, "rec-1", "stage-b", "auto-3", 1)

	if err := s.ClearResidency(ctx, "rec-1", "stage-a"); err != nil {
		t.Fatalf("clear residency: %v", err)
	}

	if fired, _ := s.HasFired(ctx, "rec-1", "stage-a", "auto-1", 1); fired {
		t.Fatal("stage-a firings must be cleared")
	}
	if fired, _ := s.HasFired(ctx, "rec-1", "stage-b", "auto-3", 1); !fired {
		t.Fatal("stage-b firings must survive")
	}
}

func TestClaimPending_LeaseExcludesAndExpires(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	current := time.Unix(5000, 0).UTC()
	s.SetClock(func() time.Time { return current })

	mustEmit(t, s, "rec-1", "stage-a", "auto-1", 1)

	first, err := s.ClaimPending(ctx, "worker-1", 10, time.Minute)
	if err != nil || len(first) != 1 {
		t.Fatalf("expected one claimed entry, got %d err=%v", len(first), err)
	}
	if first[0].Attempts != 1 {
		t.Fatalf("expected attempt 1 on first claim, got %d", first[0].Attempts)
	}

	// Live lease hides the entry from other workers.
	second, err := s.ClaimPending(ctx, "worker-2", 10, time.Minute)
	if err != nil || len(second) != 0 {
		t.Fatalf("expected zero entries under live lease, got %d err=%v", len(second), err)
	}

	// Expired lease makes it claimable again under a fresh token.
	current = current.Add(2 * time.Minute)
	third, err := s.ClaimPending(ctx, "worker-2", 10, time.Minute)
	if err != nil || len(third) != 1 {
		t.Fatalf("expected reclaim after lease expiry, got %d err=%v", len(third), err)
	}
	if third[0].LeaseToken == first[0].LeaseToken {
		t.Fatal("reclaim must mint a fresh lease token")
	}

	// The original worker's stale token can no longer ack.
	if err := s.MarkCompleted(ctx, first[0].ID, first[0].LeaseToken); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for stale token, got %v", err)
	}
	if err := s.MarkCompleted(ctx, third[0].ID, third[0].LeaseToken); err != nil {
		t.Fatalf("fresh token must ack: %v", err)
	}
}

func TestMarkFailed_RetryAtGatesClaim(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	current := time.Unix(5000, 0).UTC()
	s.SetClock(func() time.Time { return current })

	mustEmit(t, s, "rec-1", "stage-a", "auto-1", 1)
	claimed, _ := s.ClaimPending(ctx, "worker-1", 10, time.Minute)
	if len(claimed) != 1 {
		t.Fatalf("expected claim, got %d", len(claimed))
	}

	retryAt := current.Add(10 * time.Minute)
	if err := s.MarkFailed(ctx, claimed[0].ID, claimed[0].LeaseToken, retryAt, "collaborator down"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if got, _ := s.ClaimPending(ctx, "worker-1", 10, time.Minute); len(got) != 0 {
		t.Fatalf("entry must stay hidden until retry_at, got %d", len(got))
	}

	current = retryAt.Add(time.Second)
	got, _ := s.ClaimPending(ctx, "worker-1", 10, time.Minute)
	if len(got) != 1 {
		t.Fatalf("entry must be claimable after retry_at, got %d", len(got))
	}
	if got[0].Attempts != 2 {
		t.Fatalf("expected attempt 2 on reclaim, got %d", got[0].Attempts)
	}
	if got[0].LastError != "collaborator down" {
		t.Fatalf("expected last error retained, got %q", got[0].LastError)
	}
}

func TestDeadLetter_ListAndRequeue(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	mustEmit(t, s, "rec-1", "stage-a", "auto-1", 1)
	mustEmit(t, s, "rec-2", "stage-b", "auto-2", 1)

	claimed, _ := s.ClaimPending(ctx, "worker-1", 10, time.Minute)
	if len(claimed) != 2 {
		t.Fatalf("expected two claims, got %d", len(claimed))
	}
	for _, c := range claimed {
		if err := s.MarkDeadLetter(ctx, c.ID, c.LeaseToken, "gave up"); err != nil {
			t.Fatalf("mark dead letter: %v", err)
		}
	}

	all, err := s.ListDeadLetters(ctx, DeadLetterScope{})
	if err != nil || len(all) != 2 {
		t.Fatalf("expected two dead letters, got %d err=%v", len(all), err)
	}
	scoped, err := s.ListDeadLetters(ctx, DeadLetterScope{RecordID: "rec-1"})
	if err != nil || len(scoped) != 1 || scoped[0].Request.RecordID != "rec-1" {
		t.Fatalf("expected scoped dead letter for rec-1, got %+v err=%v", scoped, err)
	}

	if err := s.Requeue(ctx, scoped[0].ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	reclaimed, _ := s.ClaimPending(ctx, "worker-1", 10, time.Minute)
	if len(reclaimed) != 1 || reclaimed[0].Request.RecordID != "rec-1" {
		t.Fatalf("expected requeued entry claimable, got %+v", reclaimed)
	}
	if reclaimed[0].Attempts != 1 {
		t.Fatalf("requeue must reset attempts, got %d", reclaimed[0].Attempts)
	}

	if err := s.Requeue(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRequestID_StableWithinResidency(t *testing.T) {
	residency := time.Unix(7000, 0).UTC()
	a := stageflow.NewRequestID("rec-1", "stage-a", "auto-1", 1, 0, residency)
	b := stageflow.NewRequestID("rec-1", "stage-a", "auto-1", 1, 0, residency)
	if a != b {
		t.Fatal("same firing must produce the same request id")
	}
	if stageflow.NewRequestID("rec-1", "stage-a", "auto-1", 1, 1, residency) == a {
		t.Fatal("different action index must change the request id")
	}
	if stageflow.NewRequestID("rec-1", "stage-a", "auto-1", 1, 0, residency.Add(time.Hour)) == a {
		t.Fatal("a new residency must change the request id")
	}
}
