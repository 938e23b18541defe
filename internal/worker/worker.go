package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"github.com/lalithlochan/notekeeper/internal/db"
	"github.com/lalithlochan/notekeeper/internal/metrics"
)

// Repository is the reminder store as seen by the scheduler.
type Repository interface {
	Purger
	FindDuePending(ctx context.Context, now time.Time, limit int) ([]*db.Reminder, error)
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errText string) error
}

var (
	_ Repository = (*db.Repository)(nil)
	_ Repository = (*db.SQLiteRepository)(nil)

	_ Dispatcher = (*SMTPDispatcher)(nil)
	_ Dispatcher = (*SESDispatcher)(nil)
	_ Dispatcher = (*LogDispatcher)(nil)
)

// Locker grants a short lease so only one instance runs a given tick.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	CleanupEvery    int
	RetentionDays   int
	DispatchTimeout time.Duration
	LockKey         string
}

// DefaultLockKey is the lease key used when Config.LockKey is empty.
const DefaultLockKey = "notekeeper:scheduler:tick"

// TickResult summarizes one sweep.
type TickResult struct {
	Fetched int
	Sent    int
	Failed  int
	Purged  int64
	// Skipped is set when another tick held the single-flight guard or lease.
	Skipped bool
	// Err is the store or lock error that ended the tick early.
	Err error
}

type Option func(*Scheduler)

// WithClock replaces the wall clock (tests).
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLocker makes every tick take a distributed lease first.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

// Scheduler polls for due reminders and dispatches them.
type Scheduler struct {
	repo       Repository
	dispatcher Dispatcher
	retention  *RetentionPolicy
	config     Config
	clock      clock.Clock
	locker     Locker
	logger     *zap.Logger

	// tickMu serializes ticks; ticks is guarded by it.
	tickMu sync.Mutex
	ticks  int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(repo Repository, dispatcher Dispatcher, cfg Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 25
	}
	if cfg.CleanupEvery == 0 {
		cfg.CleanupEvery = 60
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 30
	}
	if cfg.DispatchTimeout == 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if cfg.LockKey == "" {
		cfg.LockKey = DefaultLockKey
	}

	s := &Scheduler{
		repo:       repo,
		dispatcher: dispatcher,
		config:     cfg,
		clock:      clock.New(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retention = NewRetentionPolicy(repo, cfg.RetentionDays, s.clock)

	return s
}

// Start runs one tick immediately and then one per PollInterval until ctx is
// canceled or Stop is called. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	s.logger.Info("reminder scheduler starting",
		zap.Duration("poll_interval", s.config.PollInterval),
		zap.Int("batch_size", s.config.BatchSize),
		zap.Int("cleanup_every", s.config.CleanupEvery),
		zap.Int("retention_days", s.config.RetentionDays),
		zap.Bool("distributed_lock", s.locker != nil),
	)

	go s.run(loopCtx, done)
}

// Stop halts the loop and waits for an in-flight tick to finish, or for ctx
// to expire, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		s.logger.Info("reminder scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight tick: %w", ctx.Err())
	}
}

// Running reports whether the poll loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// leaseTTL covers a full batch where every dispatch hits its timeout, so the
// lease cannot lapse while this instance is still sending.
func (s *Scheduler) leaseTTL() time.Duration {
	return time.Duration(s.config.BatchSize)*s.config.DispatchTimeout + s.config.PollInterval
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer func() {
		// parent ctx canceled without Stop: clear state so Start works again
		s.mu.Lock()
		if s.done == done {
			s.cancel()
			s.cancel, s.done = nil, nil
		}
		s.mu.Unlock()
		close(done)
	}()

	// ticks are not interrupted by shutdown; Stop waits for them instead
	tickCtx := context.WithoutCancel(ctx)

	s.Tick(tickCtx)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reminder scheduler stopping")
			return
		case <-ticker.C:
			s.Tick(tickCtx)
		}
	}
}

// Tick performs one sweep: fetch due reminders, dispatch each, record the
// outcome, and every CleanupEvery ticks apply the retention policy.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	if !s.tickMu.TryLock() {
		s.logger.Warn("previous tick still running, skipping")
		metrics.RecordTick("busy")
		return TickResult{Skipped: true}
	}
	defer s.tickMu.Unlock()

	start := s.clock.Now()

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, s.config.LockKey, s.leaseTTL())
		if err != nil {
			s.logger.Error("failed to acquire scheduler lease", zap.Error(err))
			metrics.RecordTick("lock_error")
			return TickResult{Skipped: true, Err: err}
		}
		if !ok {
			s.logger.Debug("scheduler lease held by another instance")
			metrics.RecordTick("lock_held")
			return TickResult{Skipped: true}
		}
		defer func() {
			if err := unlock(ctx); err != nil {
				s.logger.Warn("failed to release scheduler lease", zap.Error(err))
			}
		}()
	}

	reminders, err := s.repo.FindDuePending(ctx, s.clock.Now(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to fetch due reminders", zap.Error(err))
		metrics.RecordTick("fetch_error")
		return TickResult{Err: err}
	}
	metrics.ObserveDueBatch(len(reminders))

	result := TickResult{Fetched: len(reminders)}
	for _, r := range reminders {
		if s.process(ctx, r) {
			result.Sent++
		} else {
			result.Failed++
		}
	}

	s.ticks++
	if s.ticks%s.config.CleanupEvery == 0 {
		result.Purged = s.cleanup(ctx)
	}

	metrics.RecordTick("ok")

	if result.Fetched > 0 {
		s.logger.Info("tick complete",
			zap.Int("fetched", result.Fetched),
			zap.Int("sent", result.Sent),
			zap.Int("failed", result.Failed),
			zap.Duration("took", s.clock.Now().Sub(start)),
		)
	}

	return result
}

func (s *Scheduler) cleanup(ctx context.Context) int64 {
	cutoff := s.retention.Cutoff()

	purged, err := s.retention.Apply(ctx)
	if err != nil {
		s.logger.Error("failed to purge sent reminders",
			zap.Error(err),
			zap.Time("cutoff", cutoff),
		)
		return 0
	}

	metrics.RecordPurged(purged)
	s.logger.Info("purged sent reminders",
		zap.Int64("count", purged),
		zap.Time("cutoff", cutoff),
	)

	return purged
}

// process dispatches one reminder and records the result. It reports whether
// the reminder ended up SENT.
func (s *Scheduler) process(ctx context.Context, r *db.Reminder) bool {
	start := s.clock.Now()
	err := s.dispatch(ctx, r)
	took := s.clock.Now().Sub(start)

	if err == nil {
		err = s.repo.MarkSent(ctx, r.ID, s.clock.Now())
		if err == nil {
			metrics.RecordDispatch("sent", took)
			s.logger.Info("reminder sent",
				zap.String("reminder_id", r.ID.String()),
				zap.String("user_id", r.UserID.String()),
			)
			return true
		}
		s.logger.Error("failed to mark reminder sent",
			zap.Error(err),
			zap.String("reminder_id", r.ID.String()),
		)
	}

	var dispatchErr *DispatchError
	switch {
	case errors.Is(err, ErrNotConfigured):
		metrics.RecordDispatch("not_configured", took)
		s.logger.Warn("reminder not sent, transport not configured",
			zap.String("reminder_id", r.ID.String()),
			zap.Bool("transport_configured", false),
		)
	case errors.As(err, &dispatchErr) && dispatchErr.TimedOut:
		metrics.RecordDispatch("timeout", took)
		s.logger.Error("reminder dispatch timed out",
			zap.String("reminder_id", r.ID.String()),
			zap.Duration("timeout", s.config.DispatchTimeout),
		)
	default:
		metrics.RecordDispatch("failed", took)
		s.logger.Error("failed to send reminder",
			zap.Error(err),
			zap.String("reminder_id", r.ID.String()),
		)
	}

	if markErr := s.repo.MarkFailed(ctx, r.ID, err.Error()); markErr != nil {
		s.logger.Error("failed to mark reminder failed",
			zap.Error(markErr),
			zap.String("reminder_id", r.ID.String()),
		)
	}

	return false
}

// dispatch calls the dispatcher under DispatchTimeout. A dispatcher that
// ignores its context is abandoned when the timeout fires.
func (s *Scheduler) dispatch(ctx context.Context, r *db.Reminder) error {
	dctx, cancel := context.WithTimeout(ctx, s.config.DispatchTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("dispatcher panic: %v", p)
			}
		}()
		done <- s.dispatcher.Send(dctx, r)
	}()

	select {
	case err := <-done:
		return s.wrapDispatchErr(dctx, r, err)
	case <-dctx.Done():
		select {
		case err := <-done:
			return s.wrapDispatchErr(dctx, r, err)
		default:
		}
		return s.wrapDispatchErr(dctx, r, dctx.Err())
	}
}

func (s *Scheduler) wrapDispatchErr(dctx context.Context, r *db.Reminder, err error) error {
	if err == nil {
		return nil
	}
	return &DispatchError{
		ReminderID: r.ID,
		TimedOut:   errors.Is(dctx.Err(), context.DeadlineExceeded),
		Err:        err,
	}
}
