// Package executor drains the action outbox: it claims pending action
// requests under a lease, re-checks the record against the request before
// dispatching, delivers to the configured collaborators, and acknowledges
// with retry/backoff and dead-lettering on repeated failure.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	stageflow "github.com/goliatone/go-stageflow"
	"github.com/goliatone/go-stageflow/record"
	"github.com/goliatone/go-stageflow/store"
)

// Outcome classifies one delivery attempt.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeDeadLettered   Outcome = "dead_lettered"
)

// EntryResult captures one outbox entry's delivery result.
type EntryResult struct {
	RequestID    string
	RecordID     string
	StageID      string
	AutomationID string
	ActionType   stageflow.ActionType
	Attempt      int
	Outcome      Outcome
	RetryAt      time.Time
	Reason       string
	OccurredAt   time.Time
}

// Report summarizes one executor cycle.
type Report struct {
	WorkerID   string
	Claimed    int
	Completed  int
	Skipped    int
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []EntryResult
}

// RuntimeState tracks the background runner lifecycle.
type RuntimeState string

const (
	RuntimeStateIdle     RuntimeState = "idle"
	RuntimeStateRunning  RuntimeState = "running"
	RuntimeStateStopping RuntimeState = "stopping"
	RuntimeStateStopped  RuntimeState = "stopped"
)

// RuntimeStatus captures the latest runtime state and cycle counters.
type RuntimeStatus struct {
	WorkerID            string
	State               RuntimeState
	LastRunAt           time.Time
	LastSuccessAt       time.Time
	LastError           string
	ConsecutiveFailures int
	LastClaimed         int
	LastCompleted       int
}

// Health is derived from runtime status.
type Health struct {
	Healthy bool
	Reason  string
	Status  RuntimeStatus
}

// Services bundles the collaborators actions are delivered to. A nil
// collaborator fails deliveries of its action types through the normal
// retry path.
type Services struct {
	Tasks         TaskService
	Notifications NotificationService
	Email         EmailService
	Directory     UserDirectory
}

// Option customizes executor behavior.
type Option func(*Executor)

// WithWorkerID overrides the worker identifier used when claiming.
func WithWorkerID(id string) Option {
	return func(e *Executor) {
		if strings.TrimSpace(id) != "" {
			e.workerID = strings.TrimSpace(id)
		}
	}
}

// WithBatchLimit sets the max entries claimed per cycle.
func WithBatchLimit(limit int) Option {
	return func(e *Executor) {
		if limit > 0 {
			e.limit = limit
		}
	}
}

// WithLeaseDuration sets lease expiration for claimed entries.
func WithLeaseDuration(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.leaseTTL = d
		}
	}
}

// WithMaxAttempts sets the terminal-attempt threshold before dead-lettering.
func WithMaxAttempts(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithRetryStrategy sets the backoff between failed attempts.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(e *Executor) {
		if s != nil {
			e.retry = s
		}
	}
}

// WithConcurrency bounds parallel deliveries within one cycle.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithRunInterval sets background runner poll cadence.
func WithRunInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.runInterval = d
		}
	}
}

// WithLogger configures executor logging.
func WithLogger(logger stageflow.Logger) Option {
	return func(e *Executor) {
		e.logger = stageflow.NormalizeLogger(logger)
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithStatusHook receives runtime status updates after each cycle.
func WithStatusHook(hook func(context.Context, RuntimeStatus)) Option {
	return func(e *Executor) {
		e.statusHook = hook
	}
}

// Executor is the durable consumer side of the engine.
type Executor struct {
	store       store.Store
	records     record.Store
	services    Services
	workerID    string
	limit       int
	leaseTTL    time.Duration
	maxAttempts int
	concurrency int
	runInterval time.Duration
	retry       RetryStrategy
	logger      stageflow.Logger
	now         func() time.Time

	statusHook func(context.Context, RuntimeStatus)

	stateMu sync.RWMutex
	status  RuntimeStatus

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
	running   bool
}

// New constructs an executor over the engine store and record store.
func New(st store.Store, records record.Store, services Services, opts ...Option) *Executor {
	e := &Executor{
		store:       st,
		records:     records,
		services:    services,
		workerID:    "action-worker-1",
		limit:       100,
		leaseTTL:    30 * time.Second,
		maxAttempts: 3,
		concurrency: 4,
		runInterval: time.Second,
		retry: ExponentialBackoffStrategy{
			Base:   30 * time.Second,
			Factor: 2,
			Max:    15 * time.Minute,
		},
		logger: stageflow.NormalizeLogger(nil),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.status = RuntimeStatus{WorkerID: e.workerID, State: RuntimeStateIdle}
	return e
}

func (e *Executor) validate() error {
	if e.store == nil {
		return fmt.Errorf("engine store not configured")
	}
	if e.records == nil {
		return fmt.Errorf("record store not configured")
	}
	if strings.TrimSpace(e.workerID) == "" {
		return fmt.Errorf("worker id required")
	}
	if e.maxAttempts <= 0 {
		return fmt.Errorf("max attempts must be > 0")
	}
	return nil
}

// Run polls continuously until context cancellation or Stop.
func (e *Executor) Run(ctx context.Context) error {
	if e == nil {
		return fmt.Errorf("executor not configured")
	}
	if err := e.validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return fmt.Errorf("executor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	e.runCancel = cancel
	e.runDone = runDone
	e.running = true
	e.runMu.Unlock()

	e.setState(ctx, RuntimeStateRunning)
	logger := stageflow.WithLoggerFields(e.logger.WithContext(runCtx), map[string]any{"worker_id": e.workerID})
	logger.Info("action executor started")

	defer func() {
		e.runMu.Lock()
		e.running = false
		e.runCancel = nil
		e.runDone = nil
		close(runDone)
		e.runMu.Unlock()
		e.setState(context.Background(), RuntimeStateStopped)
		logger.Info("action executor stopped")
	}()

	ticker := time.NewTicker(e.runInterval)
	defer ticker.Stop()

	for {
		if _, err := e.RunOnce(runCtx); err != nil {
			logger.Warn("executor cycle failed: %v", err)
		}
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Stop requests loop termination and waits for the in-flight cycle.
func (e *Executor) Stop(ctx context.Context) error {
	if e == nil {
		return fmt.Errorf("executor not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	e.runMu.Lock()
	cancel := e.runCancel
	done := e.runDone
	running := e.running
	e.runMu.Unlock()

	if !running || cancel == nil || done == nil {
		e.setState(ctx, RuntimeStateStopped)
		return nil
	}

	e.setState(ctx, RuntimeStateStopping)
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes one claim/deliver/ack cycle. One failing entry does not
// abort the cycle; its error is retained and returned after the batch.
func (e *Executor) RunOnce(ctx context.Context) (Report, error) {
	report := Report{}
	if e == nil {
		return report, fmt.Errorf("executor not configured")
	}
	if err := e.validate(); err != nil {
		return report, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	report.WorkerID = e.workerID
	report.StartedAt = e.now().UTC()

	entries, err := e.store.ClaimPending(ctx, e.workerID, e.limit, e.leaseTTL)
	if err != nil {
		report.FinishedAt = e.now().UTC()
		e.recordCycle(ctx, report, err)
		return report, err
	}
	report.Claimed = len(entries)
	if len(entries) == 0 {
		report.FinishedAt = e.now().UTC()
		e.recordCycle(ctx, report, nil)
		return report, nil
	}

	var (
		mu       sync.Mutex
		cycleErr error
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.concurrency)
	for _, claimed := range entries {
		claimed := claimed
		group.Go(func() error {
			result, entryErr := e.process(groupCtx, claimed)
			mu.Lock()
			defer mu.Unlock()
			report.Outcomes = append(report.Outcomes, result)
			switch result.Outcome {
			case OutcomeCompleted:
				report.Completed++
			case OutcomeSkipped:
				report.Skipped++
			}
			if entryErr != nil && cycleErr == nil {
				cycleErr = entryErr
			}
			return nil
		})
	}
	_ = group.Wait()

	report.FinishedAt = e.now().UTC()
	e.recordCycle(ctx, report, cycleErr)
	return report, cycleErr
}

// Status returns a copy of the latest runtime status.
func (e *Executor) Status() RuntimeStatus {
	if e == nil {
		return RuntimeStatus{State: RuntimeStateStopped}
	}
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.status
}

// Health derives a health summary from runtime status.
func (e *Executor) Health() Health {
	status := e.Status()
	health := Health{Healthy: true, Status: status}
	if status.ConsecutiveFailures > 0 {
		health.Healthy = false
		health.Reason = "delivery failures detected"
	} else if status.State == RuntimeStateStopped && !status.LastRunAt.IsZero() {
		health.Healthy = false
		health.Reason = "executor stopped"
	}
	return health
}

func (e *Executor) process(ctx context.Context, claimed store.ClaimedEntry) (EntryResult, error) {
	req := claimed.Request
	result := EntryResult{
		RequestID:    req.RequestID,
		RecordID:     req.RecordID,
		StageID:      req.StageID,
		AutomationID: req.AutomationID,
		ActionType:   req.Type,
		Attempt:      claimed.Attempts,
		OccurredAt:   e.now().UTC(),
	}
	logger := stageflow.WithLoggerFields(e.logger.WithContext(ctx), map[string]any{
		"request_id":    req.RequestID,
		"record_id":     req.RecordID,
		"stage_id":      req.StageID,
		"automation_id": req.AutomationID,
		"action_type":   string(req.Type),
		"attempt":       claimed.Attempts,
	})

	rec, err := e.records.Load(ctx, req.RecordID)
	if err != nil {
		return e.fail(ctx, claimed, result, logger, err)
	}
	if rec == nil {
		return e.skip(ctx, claimed, result, logger, "record missing or archived")
	}
	// on_exit actions outlive the residency that produced them; enter and
	// duration actions only make sense while the record is still there.
	if req.Trigger != stageflow.TriggerOnExit && rec.CurrentStageID != req.StageID {
		return e.skip(ctx, claimed, result, logger, "record no longer in stage")
	}

	cfg, err := stageflow.DecodeActionConfig(req.Type, req.Config)
	if err != nil {
		// Config was validated at load time; a decode failure here is a
		// corrupted payload that no retry can repair.
		return e.deadLetter(ctx, claimed, result, logger, fmt.Errorf("decode action config: %w", err))
	}

	if err := e.dispatch(ctx, rec, req, cfg); err != nil {
		return e.fail(ctx, claimed, result, logger, err)
	}

	if err := e.store.MarkCompleted(ctx, claimed.ID, claimed.LeaseToken); err != nil {
		logger.Error("mark completed failed: %v", err)
		result.Outcome = OutcomeRetryScheduled
		result.Reason = err.Error()
		return result, err
	}
	result.Outcome = OutcomeCompleted
	logger.Debug("action delivered")
	return result, nil
}

func (e *Executor) dispatch(ctx context.Context, rec *stageflow.PipelineRecord, req stageflow.ActionRequest, cfg any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action handler panic: %v", r)
			e.logger.Error("action handler panic recovered: %v", r)
		}
	}()

	switch c := cfg.(type) {
	case stageflow.CreateTaskConfig:
		if e.services.Tasks == nil {
			return fmt.Errorf("task service not configured")
		}
		assignee, rerr := e.resolveAssignee(ctx, rec, c.AssigneeStrategy, c.Assignee, c.Specialization)
		if rerr != nil {
			return rerr
		}
		task := Task{
			RequestID: req.RequestID,
			RecordID:  req.RecordID,
			Title:     c.Title,
			Priority:  c.Priority,
			Assignee:  assignee,
		}
		if c.DueInHours > 0 {
			task.DueAt = e.now().UTC().Add(time.Duration(c.DueInHours) * time.Hour)
		}
		return e.services.Tasks.CreateTask(ctx, task)

	case stageflow.SendNotificationConfig:
		if e.services.Notifications == nil {
			return fmt.Errorf("notification service not configured")
		}
		return e.services.Notifications.Notify(ctx, Notification{
			RequestID: req.RequestID,
			RecordID:  req.RecordID,
			Message:   c.Message,
			Audience:  c.Audience,
		})

	case stageflow.AssignUserConfig:
		user := strings.TrimSpace(c.User)
		if user == "" {
			if e.services.Directory == nil {
				return fmt.Errorf("user directory not configured")
			}
			resolved, rerr := e.services.Directory.FindBySpecialization(ctx, c.Role)
			if rerr != nil {
				return rerr
			}
			user = resolved
		}
		return e.records.SetOwner(ctx, req.RecordID, user)

	case stageflow.UpdateFieldConfig:
		return e.records.SetField(ctx, req.RecordID, c.Field, c.Value)

	case stageflow.SendEmailConfig:
		if e.services.Email == nil {
			return fmt.Errorf("email service not configured")
		}
		to := strings.TrimSpace(c.To)
		if to == "" {
			to = rec.OwnerID
		}
		return e.services.Email.Send(ctx, Email{
			RequestID: req.RequestID,
			RecordID:  req.RecordID,
			Template:  c.Template,
			To:        to,
		})
	}
	return fmt.Errorf("unhandled action type %q", string(req.Type))
}

func (e *Executor) resolveAssignee(ctx context.Context, rec *stageflow.PipelineRecord, strategy, explicit, specialization string) (string, error) {
	switch strategy {
	case stageflow.AssigneeExplicit:
		return explicit, nil
	case stageflow.AssigneeBySpecialization:
		if e.services.Directory == nil {
			return "", fmt.Errorf("user directory not configured")
		}
		return e.services.Directory.FindBySpecialization(ctx, specialization)
	case "", stageflow.AssigneeOwner:
		return rec.OwnerID, nil
	}
	return "", fmt.Errorf("unknown assignee strategy %q", strategy)
}

func (e *Executor) skip(ctx context.Context, claimed store.ClaimedEntry, result EntryResult, logger stageflow.Logger, reason string) (EntryResult, error) {
	result.Outcome = OutcomeSkipped
	result.Reason = reason
	if err := e.store.MarkSkipped(ctx, claimed.ID, claimed.LeaseToken, reason); err != nil {
		logger.Error("mark skipped failed: %v", err)
		return result, err
	}
	logger.Info("action skipped: %s", reason)
	return result, nil
}

func (e *Executor) fail(ctx context.Context, claimed store.ClaimedEntry, result EntryResult, logger stageflow.Logger, cause error) (EntryResult, error) {
	if claimed.Attempts >= e.maxAttempts {
		return e.deadLetter(ctx, claimed, result, logger, cause)
	}
	delay := e.retry.NextDelay(claimed.Attempts, cause)
	retryAt := e.now().UTC().Add(delay)
	result.Outcome = OutcomeRetryScheduled
	result.RetryAt = retryAt
	result.Reason = cause.Error()
	if err := e.store.MarkFailed(ctx, claimed.ID, claimed.LeaseToken, retryAt, cause.Error()); err != nil {
		logger.Error("mark failed failed: %v", err)
		return result, err
	}
	logger.Warn("action delivery failed, retry at %s: %v", retryAt.Format(time.RFC3339), cause)
	wrapped := stageflow.ErrActionDeliveryFailed.Clone()
	wrapped.Source = cause
	return result, wrapped
}

func (e *Executor) deadLetter(ctx context.Context, claimed store.ClaimedEntry, result EntryResult, logger stageflow.Logger, cause error) (EntryResult, error) {
	result.Outcome = OutcomeDeadLettered
	result.Reason = cause.Error()
	if err := e.store.MarkDeadLetter(ctx, claimed.ID, claimed.LeaseToken, cause.Error()); err != nil {
		logger.Error("mark dead letter failed: %v", err)
		return result, err
	}
	logger.Error("action dead-lettered after %d attempts: %v", claimed.Attempts, cause)
	wrapped := stageflow.ErrActionDeliveryFailed.Clone()
	wrapped.Source = cause
	return result, wrapped
}

func (e *Executor) recordCycle(ctx context.Context, report Report, cycleErr error) {
	now := e.now().UTC()
	e.stateMu.Lock()
	status := e.status
	status.WorkerID = e.workerID
	status.LastRunAt = now
	status.LastClaimed = report.Claimed
	status.LastCompleted = report.Completed
	if cycleErr == nil {
		status.LastSuccessAt = now
		status.LastError = ""
		status.ConsecutiveFailures = 0
	} else {
		status.LastError = cycleErr.Error()
		status.ConsecutiveFailures++
	}
	if status.State == "" {
		status.State = RuntimeStateIdle
	}
	e.status = status
	e.stateMu.Unlock()

	if e.statusHook != nil {
		e.statusHook(ctx, status)
	}
}

func (e *Executor) setState(ctx context.Context, state RuntimeState) {
	e.stateMu.Lock()
	status := e.status
	status.WorkerID = e.workerID
	status.State = state
	e.status = status
	e.stateMu.Unlock()
	if e.statusHook != nil {
		e.statusHook(ctx, status)
	}
}
