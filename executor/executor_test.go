package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	stageflow "github.com/goliatone/go-stageflow"
	"github.com/goliatone/go-stageflow/record"
	"github.com/goliatone/go-stageflow/store"
)

type fixture struct {
	records       *record.InMemoryStore
	store         *store.InMemoryStore
	tasks         *InMemoryTaskService
	notifications *InMemoryNotificationService
	email         *InMemoryEmailService

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		records:       record.NewInMemoryStore(),
		store:         store.NewInMemoryStore(),
		tasks:         NewInMemoryTaskService(),
		notifications: NewInMemoryNotificationService(),
		email:         NewInMemoryEmailService(),
		now:           time.Unix(200_000, 0).UTC(),
	}
	f.store.SetClock(f.clock)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) executor(opts ...Option) *Executor {
	base := []Option{
		WithClock(f.clock),
		WithRetryStrategy(NoDelayStrategy{}),
		WithConcurrency(1),
	}
	return New(f.store, f.records, Services{
		Tasks:         f.tasks,
		Notifications: f.notifications,
		Email:         f.email,
		Directory:     StaticUserDirectory{"plumbing": "user-plumber"},
	}, append(base, opts...)...)
}

func (f *fixture) seedRecord(t *testing.T, id, stageID, owner string) {
	t.Helper()
	err := f.records.Create(context.Background(), stageflow.PipelineRecord{
		ID:             id,
		PipelineID:     "sales",
		CurrentStageID: stageID,
		EnteredStageAt: f.clock(),
		OwnerID:        owner,
	})
	if err != nil {
		t.Fatalf("seed record %s: %v", id, err)
	}
}

func (f *fixture) enqueue(t *testing.T, recordID, stageID string, trigger stageflow.TriggerType, actionType stageflow.ActionType, cfg map[string]any) stageflow.ActionRequest {
	t.Helper()
	req := stageflow.ActionRequest{
		RequestID:    stageflow.NewRequestID(recordID, stageID, "auto-"+string(actionType), 1, 0, f.clock()),
		Type:         actionType,
		Config:       cfg,
		RecordID:     recordID,
		StageID:      stageID,
		AutomationID: "auto-" + string(actionType),
		Trigger:      trigger,
		Epoch:        1,
		TriggeredAt:  f.clock(),
	}
	err := f.store.RunInTransaction(context.Background(), func(tx store.Tx) error {
		if err := tx.CheckAndMark(context.Background(), store.FiringEntry{
			RecordID:     recordID,
			StageID:      stageID,
			AutomationID: req.AutomationID,
			Epoch:        1,
		}); err != nil {
			return err
		}
		return tx.AppendAction(context.Background(), req)
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", actionType, err)
	}
	return req
}

func entryStatus(t *testing.T, s *store.InMemoryStore, id string) string {
	t.Helper()
	for _, e := range s.Entries() {
		if e.ID == id {
			return e.Status
		}
	}
	t.Fatalf("entry %s not found", id)
	return ""
}

func TestRunOnce_DispatchesActions(t *testing.T) {
	f := newFixture(t)
	f.seedRecord(t, "rec-1", "qualified", "owner-7")
	ctx := context.Background()

	taskReq := f.enqueue(t, "rec-1", "qualified", stageflow.TriggerOnEnter, stageflow.ActionCreateTask, map[string]any{
		"title":        "Call the customer",
		"priority":     "high",
		"due_in_hours": 4,
	})
	f.enqueue(t, "rec-1", "qualified", stageflow.TriggerOnEnter, stageflow.ActionSendNotification, map[string]any{
		"message": "record qualified",
	})
	f.enqueue(t, "rec-1", "qualified", stageflow.TriggerOnEnter, stageflow.ActionUpdateField, map[string]any{
		"field": "status_note",
		"value": "auto-qualified",
	})

	report, err := f.executor().RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Claimed != 3 || report.Completed != 3 {
		t.Fatalf("expected 3/3 completed, got claimed=%d completed=%d", report.Claimed, report.Completed)
	}

	tasks := f.tasks.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks))
	}
	task := tasks[0]
	if task.Title != "Call the customer" || task.RequestID != taskReq.RequestID {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Assignee != "owner-7" {
		t.Fatalf("default assignee strategy must resolve to the record owner, got %q", task.Assignee)
	}
	if want := f.clock().Add(4 * time.Hour); !task.DueAt.Equal(want) {
		t.Fatalf("expected due at %v, got %v", want, task.DueAt)
	}

	if sent := f.notifications.Sent(); len(sent) != 1 || sent[0].Message != "record qualified" {
		t.Fatalf("unexpected notifications: %+v", sent)
	}

	rec, _ := f.records.Load(ctx, "rec-1")
	if rec.FieldValues["status_note"] != "auto-qualified" {
		t.Fatalf("update_field must mutate the record, got %+v", rec.FieldValues)
	}
}

func TestRunOnce_AssigneeBySpecialization(t *testing.T) {
	f := newFixture(t)
	f.seedRecord(t, "rec-1", "scheduled", "owner-1")
	ctx := context.Background()

	f.enqueue(t, "rec-1", "scheduled", stageflow.TriggerOnEnter, stageflow.ActionCreateTask, map[string]any{
		"title":             "Dispatch a technician",
		"assignee_strategy": "by_specialization",
		"specialization":    "plumbing",
	})
	f.enqueue(t, "rec-1", "scheduled", stageflow.TriggerOnEnter, stageflow.ActionAssignUser, map[string]any{
		"strategy": "by_specialization",
		"role":     "plumbing",
	})

	if _, err := f.executor().RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if tasks := f.tasks.Tasks(); len(tasks) != 1 || tasks[0].Assignee != "user-plumber" {
		t.Fatalf("expected task assigned via directory, got %+v", tasks)
	}
	rec, _ := f.records.Load(ctx, "rec-1")
	if rec.OwnerID != "user-plumber" {
		t.Fatalf("assign_user must rewrite ownership, got %q", rec.OwnerID)
	}
}

func TestRunOnce_SkipsWhenRecordLeftStage(t *testing.T) {
	f := newFixture(t)
	f.seedRecord(t, "rec-1", "negotiation", "owner-1")
	ctx := context.Background()

	enterReq := f.enqueue(t, "rec-1", "negotiation", stageflow.TriggerOnDuration, stageflow.ActionSendNotification, map[string]any{
		"message": "still negotiating",
	})
	exitReq := f.enqueue(t, "rec-1", "old-stage", stageflow.TriggerOnExit, stageflow.ActionSendNotification, map[string]any{
		"message": "left old stage",
	})

	// The record moves on before the executor gets to the queue.
	if err := f.records.ApplyTransition(ctx, "rec-1", "negotiation", "closed", f.clock()); err != nil {
		t.Fatalf("move record: %v", err)
	}

	report, err := f.executor().RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Skipped != 1 || report.Completed != 1 {
		t.Fatalf("expected duration skip + exit delivery, got %+v", report)
	}
	if got := entryStatus(t, f.store, enterReq.RequestID); got != store.StatusSkipped {
		t.Fatalf("duration request must be skipped after stage change, got %s", got)
	}
	if got := entryStatus(t, f.store, exitReq.RequestID); got != store.StatusCompleted {
		t.Fatalf("exit request outlives the residency, got %s", got)
	}
	if sent := f.notifications.Sent(); len(sent) != 1 || sent[0].Message != "left old stage" {
		t.Fatalf("only the exit notification must deliver, got %+v", sent)
	}
}

func TestRunOnce_SkipsWhenRecordArchived(t *testing.T) {
	f := newFixture(t)
	f.seedRecord(t, "rec-1", "negotiation", "owner-1")
	ctx := context.Background()

	req := f.enqueue(t, "rec-1", "negotiation", stageflow.TriggerOnEnter, stageflow.ActionSendNotification, map[string]any{
		"message": "hello",
	})
	if err := f.records.Archive(ctx, "rec-1"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	report, err := f.executor().RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Skipped != 1 {
		t.Fatalf("expected one skip, got %+v", report)
	}
	if got := entryStatus(t, f.store, req.RequestID); got != store.StatusSkipped {
		t.Fatalf("expected skipped status, got %s", got)
	}
	if len(f.notifications.Sent()) != 0 {
		t.Fatal("archived record must produce no deliveries")
	}
}

func TestRunOnce_RetryThenDeadLetter(t *testing.T) {
	f := newFixture(t)
	f.seedRecord(t, "rec-1", "qualified", "owner-1")
	ctx := context.Background()

	req := f.enqueue(t, "rec-1", "qualified", stageflow.TriggerOnEnter, stageflow.ActionSendNotification, map[string]any{
		"message": "hello",
	})
	f.notifications.FailWith(fmt.Errorf("collaborator unavailable"))

	exec := f.executor(WithMaxAttempts(3))
	for attempt := 1; attempt <= 3; attempt++ {
		report, err := exec.RunOnce(ctx)
		if err == nil {
			t.Fatalf("attempt %d: expected cycle error", attempt)
		}
		if stageflow.ErrorCode(err) != stageflow.ErrCodeActionDeliveryFailed {
			t.Fatalf("attempt %d: expected ActionDeliveryFailed, got %v", attempt, err)
		}
		if report.Claimed != 1 {
			t.Fatalf("attempt %d: expected reclaim, got %+v", attempt, report)
		}
	}

	if got := entryStatus(t, f.store, req.RequestID); got != store.StatusDeadLetter {
		t.Fatalf("expected dead letter after max attempts, got %s", got)
	}

	dead, err := f.store.ListDeadLetters(ctx, store.DeadLetterScope{RecordID: "rec-1"})
	if err != nil || len(dead) != 1 {
		t.Fatalf("expected one dead letter, got %d err=%v", len(dead), err)
	}
	if dead[0].LastError != "collaborator unavailable" {
		t.Fatalf("expected terminal reason kept, got %q", dead[0].LastError)
	}

	// Operator redrive after the collaborator heals.
	f.notifications.FailWith(nil)
	if err := f.store.Requeue(ctx, req.RequestID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	report, err := exec.RunOnce(ctx)
	if err != nil || report.Completed != 1 {
		t.Fatalf("redriven entry must deliver, report=%+v err=%v", report, err)
	}
}

func TestRunOnce_BackoffDelaysReclaim(t *testing.T) {
	f := newFixture(t)
	f.seedRecord(t, "rec-1", "qualified", "owner-1")
	ctx := context.Background()

	f.enqueue(t, "rec-1", "qualified", stageflow.TriggerOnEnter, stageflow.ActionSendNotification, map[string]any{
		"message": "hello",
	})
	f.notifications.FailWith(fmt.Errorf("down"))

	exec := f.executor(
		WithMaxAttempts(5),
		WithRetryStrategy(ExponentialBackoffStrategy{Base: time.Minute, Factor: 2, Max: time.Hour}),
	)
	if _, err := exec.RunOnce(ctx); err == nil {
		t.Fatal("expected delivery failure")
	}

	// Inside the backoff window nothing is claimable.
	report, err := exec.RunOnce(ctx)
	if err != nil || report.Claimed != 0 {
		t.Fatalf("expected empty cycle inside backoff, got %+v err=%v", report, err)
	}

	f.advance(2 * time.Minute)
	f.notifications.FailWith(nil)
	report, err = exec.RunOnce(ctx)
	if err != nil || report.Completed != 1 {
		t.Fatalf("expected delivery after backoff, got %+v err=%v", report, err)
	}
}

func TestRunOnce_MalformedConfigDeadLettersImmediately(t *testing.T) {
	f := newFixture(t)
	f.seedRecord(t, "rec-1", "qualified", "owner-1")
	ctx := context.Background()

	// create_task without a title fails typed-config validation; retrying
	// cannot repair a corrupted payload.
	req := f.enqueue(t, "rec-1", "qualified", stageflow.TriggerOnEnter, stageflow.ActionCreateTask, map[string]any{
		"priority": "high",
	})

	if _, err := f.executor().RunOnce(ctx); err == nil {
		t.Fatal("expected cycle error for malformed config")
	}
	if got := entryStatus(t, f.store, req.RequestID); got != store.StatusDeadLetter {
		t.Fatalf("expected immediate dead letter, got %s", got)
	}
}

func TestExponentialBackoffStrategy(t *testing.T) {
	s := ExponentialBackoffStrategy{Base: time.Minute, Factor: 2, Max: 5 * time.Minute}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 5 * time.Minute},
		{0, time.Minute},
	}
	for _, tc := range cases {
		if got := s.NextDelay(tc.attempt, nil); got != tc.want {
			t.Fatalf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}
