package transition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	stageflow "github.com/goliatone/go-stageflow"
	"github.com/goliatone/go-stageflow/config"
	"github.com/goliatone/go-stageflow/record"
	"github.com/goliatone/go-stageflow/store"
)

func testSnapshot(t *testing.T) *config.Snapshot {
	t.Helper()
	set := config.PipelineSet{
		Version: 1,
		Pipelines: []stageflow.PipelineTemplate{
			{
				ID:   "sales",
				Name: "Sales",
				Stages: []stageflow.StageDefinition{
					{
						ID: "lead", PipelineID: "sales", Order: 1, Probability: 10,
						Automations: []stageflow.StageAutomation{
							{
								ID:      "lead-welcome",
								Trigger: stageflow.TriggerOnEnter,
								Actions: []stageflow.AutomationAction{{
									Type:   stageflow.ActionSendNotification,
									Config: map[string]any{"message": "lead arrived"},
								}},
							},
							{
								ID:      "lead-handoff",
								Trigger: stageflow.TriggerOnExit,
								Actions: []stageflow.AutomationAction{{
									Type:   stageflow.ActionSendNotification,
									Config: map[string]any{"message": "lead left"},
								}},
							},
						},
					},
					{
						ID: "qualified", PipelineID: "sales", Order: 2, Probability: 40,
						RequiredFields: []string{"budget"},
						Automations: []stageflow.StageAutomation{
							{
								ID:      "qualified-task",
								Trigger: stageflow.TriggerOnEnter,
								Actions: []stageflow.AutomationAction{{
									Type:   stageflow.ActionCreateTask,
									Config: map[string]any{"title": "Qualify the lead"},
								}},
							},
						},
					},
					{ID: "won", PipelineID: "sales", Order: 3, Probability: 100},
				},
			},
			{
				ID:   "support",
				Name: "Support",
				Stages: []stageflow.StageDefinition{
					{ID: "open", PipelineID: "support", Order: 1},
				},
			},
		},
	}
	return config.MustSnapshot(set)
}

type fixture struct {
	records     *record.InMemoryStore
	store       *store.InMemoryStore
	coordinator *Coordinator
	orgCtx      stageflow.OrgPipelineContext
	clock       *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Unix(10_000, 0).UTC()}
	records := record.NewInMemoryStore()
	st := store.NewInMemoryStore()
	st.SetClock(clock.Now)
	return &fixture{
		records:     records,
		store:       st,
		coordinator: NewCoordinator(records, st, WithClock(clock.Now)),
		orgCtx:      testSnapshot(t).Context("org-1"),
		clock:       clock,
	}
}

func (f *fixture) seed(t *testing.T, id, stageID string) {
	t.Helper()
	err := f.records.Create(context.Background(), stageflow.PipelineRecord{
		ID:             id,
		PipelineID:     "sales",
		CurrentStageID: stageID,
		EnteredStageAt: f.clock.Now(),
	})
	if err != nil {
		t.Fatalf("seed record %s: %v", id, err)
	}
}

func requestsByTrigger(entries []store.OutboxEntry, trigger stageflow.TriggerType) []store.OutboxEntry {
	var out []store.OutboxEntry
	for _, e := range entries {
		if e.Request.Trigger == trigger {
			out = append(out, e)
		}
	}
	return out
}

func TestRequestTransition_ExitThenEnter(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rec-1", "lead")

	err := f.coordinator.RequestTransition(context.Background(), f.orgCtx, "rec-1", "qualified", map[string]string{"budget": "10k"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	rec, _ := f.records.Load(context.Background(), "rec-1")
	if rec.CurrentStageID != "qualified" {
		t.Fatalf("expected record in qualified, got %s", rec.CurrentStageID)
	}

	entries := f.store.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected exit + enter requests, got %d", len(entries))
	}
	if entries[0].Request.Trigger != stageflow.TriggerOnExit || entries[0].Request.StageID != "lead" {
		t.Fatalf("first request must be the source exit, got %+v", entries[0].Request)
	}
	if entries[1].Request.Trigger != stageflow.TriggerOnEnter || entries[1].Request.StageID != "qualified" {
		t.Fatalf("second request must be the target enter, got %+v", entries[1].Request)
	}
	if entries[1].Request.Epoch != 1 {
		t.Fatalf("enter firings use epoch 1, got %d", entries[1].Request.Epoch)
	}
}

func TestRequestTransition_RepeatCallConverges(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rec-1", "lead")
	snapshot := map[string]string{"budget": "10k"}
	ctx := context.Background()

	if err := f.coordinator.RequestTransition(ctx, f.orgCtx, "rec-1", "qualified", snapshot); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	// Retried call with the record already in the target stage must be a
	// no-op: the firing log already holds every mark.
	if err := f.coordinator.RequestTransition(ctx, f.orgCtx, "rec-1", "qualified", snapshot); err != nil {
		t.Fatalf("repeat transition: %v", err)
	}

	if n := len(f.store.Entries()); n != 2 {
		t.Fatalf("repeat call must not enqueue duplicates, got %d entries", n)
	}
}

func TestRequestTransition_RequiredFieldsBlockWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rec-1", "lead")

	err := f.coordinator.RequestTransition(context.Background(), f.orgCtx, "rec-1", "qualified", nil)
	if err == nil {
		t.Fatal("expected required-field rejection")
	}
	if stageflow.ErrorCode(err) != stageflow.ErrCodeRequiredFieldMissing {
		t.Fatalf("expected RequiredFieldMissing code, got %q (%v)", stageflow.ErrorCode(err), err)
	}
	missing := stageflow.MissingFields(err)
	if len(missing) != 1 || missing[0] != "budget" {
		t.Fatalf("expected missing fields [budget], got %v", missing)
	}

	rec, _ := f.records.Load(context.Background(), "rec-1")
	if rec.CurrentStageID != "lead" {
		t.Fatalf("rejected transition must not move the record, got %s", rec.CurrentStageID)
	}
	if n := len(f.store.Entries()); n != 0 {
		t.Fatalf("rejected transition must not enqueue anything, got %d entries", n)
	}
}

func TestRequestTransition_ReentryStartsFreshResidency(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rec-1", "lead")
	snapshot := map[string]string{"budget": "10k"}
	ctx := context.Background()

	if err := f.coordinator.RequestTransition(ctx, f.orgCtx, "rec-1", "qualified", snapshot); err != nil {
		t.Fatalf("lead -> qualified: %v", err)
	}
	f.clock.Advance(time.Hour)
	if err := f.coordinator.RequestTransition(ctx, f.orgCtx, "rec-1", "lead", nil); err != nil {
		t.Fatalf("qualified -> lead: %v", err)
	}
	f.clock.Advance(time.Hour)
	if err := f.coordinator.RequestTransition(ctx, f.orgCtx, "rec-1", "qualified", snapshot); err != nil {
		t.Fatalf("lead -> qualified again: %v", err)
	}

	enters := requestsByTrigger(f.store.Entries(), stageflow.TriggerOnEnter)
	var qualifiedEnters []store.OutboxEntry
	for _, e := range enters {
		if e.Request.StageID == "qualified" {
			qualifiedEnters = append(qualifiedEnters, e)
		}
	}
	if len(qualifiedEnters) != 2 {
		t.Fatalf("re-entry must fire enter automations again, got %d firings", len(qualifiedEnters))
	}
	if qualifiedEnters[0].Request.RequestID == qualifiedEnters[1].Request.RequestID {
		t.Fatal("a fresh residency must produce a fresh request id")
	}
}

func TestRequestTransition_Rejections(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rec-1", "lead")
	ctx := context.Background()

	err := f.coordinator.RequestTransition(ctx, f.orgCtx, "ghost", "qualified", nil)
	if !errors.Is(err, stageflow.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}

	err = f.coordinator.RequestTransition(ctx, f.orgCtx, "rec-1", "nonexistent", nil)
	if !errors.Is(err, stageflow.ErrStageNotFound) {
		t.Fatalf("expected ErrStageNotFound, got %v", err)
	}

	// "open" exists but belongs to the support pipeline.
	err = f.coordinator.RequestTransition(ctx, f.orgCtx, "rec-1", "open", nil)
	if !errors.Is(err, stageflow.ErrInvalidStageForPipeline) {
		t.Fatalf("expected ErrInvalidStageForPipeline, got %v", err)
	}

	if n := len(f.store.Entries()); n != 0 {
		t.Fatalf("rejections must not enqueue anything, got %d entries", n)
	}
}

// staleViewStore always serves a frozen pre-transition view of one record
// while every write delegates, modelling a second instance racing on an
// outdated read.
type staleViewStore struct {
	record.Store
	stale stageflow.PipelineRecord
}

func (s *staleViewStore) Load(ctx context.Context, id string) (*stageflow.PipelineRecord, error) {
	if id == s.stale.ID {
		clone := s.stale
		return &clone, nil
	}
	return s.Store.Load(ctx, id)
}

func TestRequestTransition_CASLoserLeavesWinnerMarksIntact(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rec-1", "lead")
	snapshot := map[string]string{"budget": "10k"}
	ctx := context.Background()
	enteredLead := f.clock.Now()

	if err := f.coordinator.RequestTransition(ctx, f.orgCtx, "rec-1", "qualified", snapshot); err != nil {
		t.Fatalf("winner transition: %v", err)
	}
	winnerEntries := len(f.store.Entries())

	// A second instance still sees the record in lead and requests the
	// same move. Its compare-and-swap must fail, and crucially it must not
	// wipe the firing marks the winner just wrote for qualified.
	stale := &staleViewStore{
		Store: f.records,
		stale: stageflow.PipelineRecord{
			ID:             "rec-1",
			PipelineID:     "sales",
			CurrentStageID: "lead",
			EnteredStageAt: enteredLead,
		},
	}
	loser := NewCoordinator(stale, f.store, WithClock(f.clock.Now))
	err := loser.RequestTransition(ctx, f.orgCtx, "rec-1", "qualified", snapshot)
	if !errors.Is(err, stageflow.ErrStageConflict) {
		t.Fatalf("expected ErrStageConflict for the loser, got %v", err)
	}

	fired, err := f.store.HasFired(ctx, "rec-1", "qualified", "qualified-task", 1)
	if err != nil || !fired {
		t.Fatalf("winner's enter mark must survive the losing call, fired=%v err=%v", fired, err)
	}
	if n := len(f.store.Entries()); n != winnerEntries {
		t.Fatalf("losing call must not enqueue anything new, got %d entries (had %d)", n, winnerEntries)
	}
	rec, _ := f.records.Load(ctx, "rec-1")
	if rec.CurrentStageID != "qualified" {
		t.Fatalf("record must stay in qualified, got %s", rec.CurrentStageID)
	}
}

func TestRequestTransition_ConcurrentCallsConverge(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rec-1", "lead")
	snapshot := map[string]string{"budget": "10k"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.coordinator.RequestTransition(context.Background(), f.orgCtx, "rec-1", "qualified", snapshot)
		}()
	}
	wg.Wait()

	entries := f.store.Entries()
	if len(entries) != 2 {
		t.Fatalf("concurrent identical transitions must fire once, got %d entries", len(entries))
	}
	rec, _ := f.records.Load(context.Background(), "rec-1")
	if rec.CurrentStageID != "qualified" {
		t.Fatalf("expected record in qualified, got %s", rec.CurrentStageID)
	}
}

func TestRequestTransition_FreeMovementBetweenStages(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rec-1", "lead")
	ctx := context.Background()

	// Skipping stages and moving backwards are both legal.
	if err := f.coordinator.RequestTransition(ctx, f.orgCtx, "rec-1", "won", nil); err != nil {
		t.Fatalf("lead -> won: %v", err)
	}
	if err := f.coordinator.RequestTransition(ctx, f.orgCtx, "rec-1", "lead", nil); err != nil {
		t.Fatalf("won -> lead: %v", err)
	}
	rec, _ := f.records.Load(ctx, "rec-1")
	if rec.CurrentStageID != "lead" {
		t.Fatalf("expected record back in lead, got %s", rec.CurrentStageID)
	}
}
