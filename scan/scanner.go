// Package scan computes which OnDuration automations are due and emits their
// action requests. Correctness is derived from elapsed residency time, not
// from tick counting, so a late or paused scheduler catches up without
// double-firing.
package scan

import (
	"context"
	"errors"
	"time"

	stageflow "github.com/goliatone/go-stageflow"
	"github.com/goliatone/go-stageflow/record"
	"github.com/goliatone/go-stageflow/store"
)

const leaseKey = "duration_scan"

// errResidencyChanged aborts an emission whose epoch math was computed from a
// residency that ended while the scan was in flight.
var errResidencyChanged = errors.New("residency changed during scan")

// ScannerOption configures the scanner.
type ScannerOption func(*Scanner)

// WithBatchSize bounds how many records one page loads.
func WithBatchSize(n int) ScannerOption {
	return func(s *Scanner) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithPartition shards the scan by record-id hash.
func WithPartition(p Partition) ScannerOption {
	return func(s *Scanner) {
		s.partition = p
	}
}

// WithLeaderLock gates each full scan behind a TTL lease.
func WithLeaderLock(lock LeaderLock) ScannerOption {
	return func(s *Scanner) {
		s.leader = lock
	}
}

// WithLogger sets the scanner logger.
func WithLogger(logger stageflow.Logger) ScannerOption {
	return func(s *Scanner) {
		s.logger = stageflow.NormalizeLogger(logger)
	}
}

// WithClock overrides the scanner clock. Test hook.
func WithClock(now func() time.Time) ScannerOption {
	return func(s *Scanner) {
		if now != nil {
			s.now = now
		}
	}
}

// Scanner walks active records in bounded pages and emits due OnDuration
// firings through the firing log's atomic check-and-mark.
type Scanner struct {
	records   record.Store
	store     store.Store
	batchSize int
	partition Partition
	leader    LeaderLock
	leaseTTL  time.Duration
	logger    stageflow.Logger
	now       func() time.Time
}

// NewScanner builds a scanner over the record and engine stores.
func NewScanner(records record.Store, st store.Store, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		records:   records,
		store:     st,
		batchSize: 200,
		leaseTTL:  30 * time.Second,
		logger:    stageflow.NormalizeLogger(nil),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ScanOnce performs one full scan pass and returns the number of
// ActionRequests emitted. Per-record failures are logged and skipped so one
// bad record cannot starve the rest of the working set; the first such
// failure is reported as a ScanTickFailed error after the pass completes.
func (s *Scanner) ScanOnce(ctx context.Context, orgCtx stageflow.OrgPipelineContext) (int, error) {
	if err := orgCtx.Validate(); err != nil {
		return 0, err
	}
	if err := s.partition.Validate(); err != nil {
		return 0, err
	}

	if s.leader != nil {
		release, ok, err := s.leader.Acquire(ctx, leaseKey, s.leaseTTL)
		if err != nil {
			return 0, wrapTickError(err)
		}
		if !ok {
			// Another instance holds the scan; nothing to do here.
			return 0, nil
		}
		defer release()
	}

	emitted := 0
	var firstErr error
	pageToken := ""
	for {
		page, next, err := s.records.ListActive(ctx, pageToken, s.batchSize)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		for _, rec := range page {
			if !s.partition.Owns(rec.ID) {
				continue
			}
			n, err := s.scanRecord(ctx, orgCtx, rec)
			emitted += n
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if next == "" {
			break
		}
		pageToken = next
	}

	if firstErr != nil {
		return emitted, wrapTickError(firstErr)
	}
	return emitted, nil
}

// scanRecord emits every due, unfired epoch for the record's current stage.
func (s *Scanner) scanRecord(ctx context.Context, orgCtx stageflow.OrgPipelineContext, stale stageflow.PipelineRecord) (int, error) {
	stage, ok := orgCtx.Pipelines.Stage(stale.CurrentStageID)
	if !ok {
		return 0, nil
	}
	autos := stage.AutomationsFor(stageflow.TriggerOnDuration)
	if len(autos) == 0 {
		return 0, nil
	}

	// Freshness check: the page data may predate a transition or archival.
	// Re-load immediately before emission and trust only the fresh state.
	rec, err := s.records.Load(ctx, stale.ID)
	if err != nil {
		return 0, err
	}
	if rec == nil || rec.CurrentStageID != stage.ID {
		return 0, nil
	}

	now := s.now()
	elapsed := now.Sub(rec.EnteredStageAt)
	if elapsed < 0 {
		return 0, nil
	}

	emitted := 0
	logger := stageflow.WithLoggerFields(s.logger.WithContext(ctx), map[string]any{
		"record_id": rec.ID,
		"stage_id":  stage.ID,
	})
	for _, auto := range autos {
		interval := auto.Duration()
		if interval <= 0 {
			continue
		}
		currentEpoch := int(elapsed / interval)
		if currentEpoch < 1 {
			continue
		}
		if !auto.Recurring && currentEpoch > 1 {
			currentEpoch = 1
		}
		fromEpoch, err := s.store.MaxEpoch(ctx, rec.ID, stage.ID, auto.ID)
		if err != nil {
			return emitted, err
		}
		for epoch := fromEpoch + 1; epoch <= currentEpoch; epoch++ {
			n, err := s.emitEpoch(ctx, rec, stage, auto, epoch, now)
			emitted += n
			if errors.Is(err, errResidencyChanged) {
				logger.Debug("record left %s mid-scan, skipping", stage.ID)
				return emitted, nil
			}
			if err != nil {
				return emitted, err
			}
		}
		if currentEpoch > fromEpoch {
			logger.Debug("automation %s caught up to epoch %d", auto.ID, currentEpoch)
		}
	}
	return emitted, nil
}

// emitEpoch marks one epoch and appends its action requests atomically. A
// concurrent scanner that already marked the epoch wins cleanly: zero
// requests are emitted here and no error is reported.
func (s *Scanner) emitEpoch(ctx context.Context, rec *stageflow.PipelineRecord, stage stageflow.StageDefinition, auto stageflow.StageAutomation, epoch int, now time.Time) (int, error) {
	err := s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		// The freshness check in scanRecord ran outside this transaction.
		// Re-validate under it: a transition that landed in between either
		// committed its ClearResidency before this load, or queues behind the
		// transaction and clears whatever we mark. Either way a stale epoch
		// cannot survive against the new residency.
		cur, err := s.records.Load(ctx, rec.ID)
		if err != nil {
			return err
		}
		if cur == nil || cur.CurrentStageID != stage.ID || !cur.EnteredStageAt.Equal(rec.EnteredStageAt) {
			return errResidencyChanged
		}
		if err := tx.CheckAndMark(ctx, store.FiringEntry{
			RecordID:     rec.ID,
			StageID:      stage.ID,
			AutomationID: auto.ID,
			Epoch:        epoch,
			FiredAt:      now,
		}); err != nil {
			return err
		}
		for idx, action := range auto.Actions {
			req := stageflow.ActionRequest{
				RequestID:    stageflow.NewRequestID(rec.ID, stage.ID, auto.ID, epoch, idx, rec.EnteredStageAt),
				Type:         action.Type,
				Config:       action.Config,
				RecordID:     rec.ID,
				StageID:      stage.ID,
				AutomationID: auto.ID,
				ActionIndex:  idx,
				Trigger:      stageflow.TriggerOnDuration,
				Epoch:        epoch,
				TriggeredAt:  now,
			}
			if err := tx.AppendAction(ctx, req); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrAlreadyFired) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(auto.Actions), nil
}

func wrapTickError(err error) error {
	wrapped := stageflow.ErrScanTickFailed.Clone()
	wrapped.Source = err
	return wrapped
}
