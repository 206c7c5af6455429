package scan

import (
	"context"
	"errors"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	stageflow "github.com/goliatone/go-stageflow"
)

// SnapshotFunc supplies the configuration context for each tick, so a
// reloaded pipeline snapshot takes effect on the next pass without
// restarting the scheduler.
type SnapshotFunc func() stageflow.OrgPipelineContext

// SchedulerOption configures the tick driver.
type SchedulerOption func(*Scheduler)

// WithInterval sets the tick interval. Default 60s.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithErrorHandler receives tick errors (default: log).
func WithErrorHandler(h func(error)) SchedulerOption {
	return func(s *Scheduler) {
		if h != nil {
			s.errorHandler = h
		}
	}
}

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(logger stageflow.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = stageflow.NormalizeLogger(logger)
	}
}

// Scheduler drives Scanner.ScanOnce on a fixed tick. A failed tick is
// logged and retried on the next tick; the firing log guarantees the retry
// cannot double-fire anything the failed tick already emitted.
type Scheduler struct {
	mu       sync.Mutex
	scanner  *Scanner
	source   SnapshotFunc
	interval time.Duration
	cron     *rcron.Cron
	entryID  rcron.EntryID
	running  bool

	errorHandler func(error)
	logger       stageflow.Logger
}

// NewScheduler wires a scanner to a tick source.
func NewScheduler(scanner *Scanner, source SnapshotFunc, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		scanner:  scanner,
		source:   source,
		interval: 60 * time.Second,
		logger:   stageflow.NormalizeLogger(nil),
	}
	s.errorHandler = func(err error) {
		s.logger.Error("duration scan tick failed: %v", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start begins ticking. Safe to call once; subsequent calls error.
func (s *Scheduler) Start() error {
	if s == nil || s.scanner == nil || s.source == nil {
		return errors.New("scan scheduler not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scan scheduler already running")
	}
	s.cron = rcron.New()
	s.entryID = s.cron.Schedule(rcron.Every(s.interval), rcron.FuncJob(func() {
		s.tick(context.Background())
	}))
	s.cron.Start()
	s.running = true
	s.logger.Info("duration scan scheduler started, interval %s", s.interval)
	return nil
}

// Stop halts ticking and waits for an in-flight tick to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	stopCtx := s.cron.Stop()
	s.running = false
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TickNow runs one scan synchronously, outside the cron cadence.
func (s *Scheduler) TickNow(ctx context.Context) (int, error) {
	orgCtx := s.source()
	return s.scanner.ScanOnce(ctx, orgCtx)
}

func (s *Scheduler) tick(ctx context.Context) {
	defer stageflow.RecoverHandler(s.logger, "scan.tick", nil)()
	count, err := s.TickNow(ctx)
	if err != nil {
		s.errorHandler(err)
		return
	}
	if count > 0 {
		s.logger.Info("duration scan emitted %d action requests", count)
	}
}
