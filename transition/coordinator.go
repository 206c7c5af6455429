// Package transition validates and applies record stage changes, emitting
// OnExit/OnEnter action requests through the firing log so each automation
// fires at most once per residency period.
package transition

import (
	"context"
	"errors"
	"time"

	stageflow "github.com/goliatone/go-stageflow"
	"github.com/goliatone/go-stageflow/record"
	"github.com/goliatone/go-stageflow/store"
)

// Option configures the coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger stageflow.Logger) Option {
	return func(c *Coordinator) {
		c.logger = stageflow.NormalizeLogger(logger)
	}
}

// WithClock overrides the coordinator clock. Test hook.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// Coordinator applies stage transitions. Transitions on one record are
// serialized by a per-record lock; distinct records proceed fully in
// parallel. In multi-instance deployments the record store's
// compare-and-set is the cross-instance backstop.
type Coordinator struct {
	records record.Store
	store   store.Store
	locker  *recordLocker
	logger  stageflow.Logger
	now     func() time.Time
}

// NewCoordinator builds a coordinator over the record and engine stores.
func NewCoordinator(records record.Store, st store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		records: records,
		store:   st,
		locker:  newRecordLocker(),
		logger:  stageflow.NormalizeLogger(nil),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// RequestTransition moves a record to targetStageID.
//
// Validation failures (unknown stage, wrong pipeline, missing required
// fields) reject the transition with no side effect. On success, the source
// stage's OnExit automations are enqueued against the source residency, the
// stage switch is applied atomically, and the target stage's OnEnter
// automations are enqueued against the new residency. Requesting the
// already-current stage re-evaluates enter automations idempotently: the
// firing log suppresses anything already fired, so a retried call converges
// without duplicates.
//
// No collaborator I/O happens here; only firing-log marks and outbox
// appends, keeping transition latency bounded by local state.
func (c *Coordinator) RequestTransition(ctx context.Context, orgCtx stageflow.OrgPipelineContext, recordID, targetStageID string, snapshot map[string]string) error {
	if err := orgCtx.Validate(); err != nil {
		return err
	}

	unlock := c.locker.Lock(recordID)
	defer unlock()

	rec, err := c.records.Load(ctx, recordID)
	if err != nil {
		return err
	}
	if rec == nil {
		return stageflow.ErrRecordNotFound
	}

	target, ok := orgCtx.Pipelines.Stage(targetStageID)
	if !ok {
		return stageflow.ErrStageNotFound
	}
	if target.PipelineID != rec.PipelineID {
		return stageflow.ErrInvalidStageForPipeline
	}

	logger := stageflow.WithLoggerFields(c.logger.WithContext(ctx), map[string]any{
		"record_id":    rec.ID,
		"target_stage": target.ID,
	})

	if target.ID == rec.CurrentStageID {
		// Re-evaluation of the already-current stage: repair any enter
		// automations a crashed prior call failed to enqueue.
		return c.emitStage(ctx, rec.ID, target, stageflow.TriggerOnEnter, rec.EnteredStageAt)
	}

	if missing := stageflow.MissingRequiredFields(target, snapshot); len(missing) > 0 {
		return stageflow.RequiredFieldsError(missing)
	}

	source, ok := orgCtx.Pipelines.Stage(rec.CurrentStageID)
	if !ok {
		// Stage removed from configuration while the record sat in it.
		// The transition proceeds; there is nothing to fire on exit.
		logger.Warn("source stage %s not in configuration, skipping exit automations", rec.CurrentStageID)
	} else {
		if err := c.emitStage(ctx, rec.ID, source, stageflow.TriggerOnExit, rec.EnteredStageAt); err != nil {
			return err
		}
	}

	enteredAt := c.now()
	if err := c.records.ApplyTransition(ctx, rec.ID, rec.CurrentStageID, target.ID, enteredAt); err != nil {
		return err
	}
	logger.Info("record transitioned from %s", rec.CurrentStageID)

	// Only the CAS winner owns the fresh residency. Drop leftover firing
	// rows from any previous residency in the target stage now, so stale
	// marks cannot suppress the new enter/duration firings.
	if err := c.store.ClearResidency(ctx, rec.ID, target.ID); err != nil {
		return err
	}

	return c.emitStage(ctx, rec.ID, target, stageflow.TriggerOnEnter, enteredAt)
}

// emitStage enqueues the stage's automations for the trigger against the
// residency starting at residencyStart. Each automation is one firing-log
// mark plus its action appends, committed atomically; a mark that already
// exists skips the automation without error.
func (c *Coordinator) emitStage(ctx context.Context, recordID string, stage stageflow.StageDefinition, trigger stageflow.TriggerType, residencyStart time.Time) error {
	for _, auto := range stage.AutomationsFor(trigger) {
		err := c.store.RunInTransaction(ctx, func(tx store.Tx) error {
			if err := tx.CheckAndMark(ctx, store.FiringEntry{
				RecordID:     recordID,
				StageID:      stage.ID,
				AutomationID: auto.ID,
				Epoch:        1,
				FiredAt:      c.now(),
			}); err != nil {
				return err
			}
			return appendActions(ctx, tx, recordID, stage.ID, auto, trigger, 1, residencyStart, c.now())
		})
		if errors.Is(err, store.ErrAlreadyFired) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// appendActions writes one ActionRequest per action in the automation's
// ordered action list.
func appendActions(ctx context.Context, tx store.Tx, recordID, stageID string, auto stageflow.StageAutomation, trigger stageflow.TriggerType, epoch int, residencyStart, triggeredAt time.Time) error {
	for idx, action := range auto.Actions {
		req := stageflow.ActionRequest{
			RequestID:    stageflow.NewRequestID(recordID, stageID, auto.ID, epoch, idx, residencyStart),
			Type:         action.Type,
			Config:       action.Config,
			RecordID:     recordID,
			StageID:      stageID,
			AutomationID: auto.ID,
			ActionIndex:  idx,
			Trigger:      trigger,
			Epoch:        epoch,
			TriggeredAt:  triggeredAt,
		}
		if err := tx.AppendAction(ctx, req); err != nil {
			return err
		}
	}
	return nil
}
