package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/portalkeep/internal/accounts"
	"github.com/xkilldash9x/portalkeep/internal/config"
	"github.com/xkilldash9x/portalkeep/internal/observability"
)

// Deps bundles the collaborators the scheduler loop needs.
type Deps struct {
	Directory AccountDirectory
	Schedule  ScheduleStore
	Processor AccountProcessor
	Clock     Clock
}

// Scheduler runs the refresh loop: scan the schedule for due accounts, fan
// them out through the pacer, observe the cycle's health and sleep until the
// next deadline or backoff interval. Cycles are single-flight; a trigger
// arriving while a cycle is running is absorbed.
type Scheduler struct {
	deps   Deps
	pacer  *Pacer
	health *HealthMonitor
	cfg    config.SchedulerConfig
	log    *zap.Logger

	running     atomic.Bool
	cycleActive atomic.Bool
	trigger     chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// New assembles a scheduler from its dependencies. Deps.Clock may be nil,
// in which case the system clock is used.
func New(deps Deps, cfg config.SchedulerConfig) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	return &Scheduler{
		deps:    deps,
		pacer:   NewPacer(deps.Processor, cfg.BatchSize, cfg.AccountsPerMinute),
		health:  NewHealthMonitor(cfg),
		cfg:     cfg,
		log:     observability.GetLogger().Named("scheduler"),
		trigger: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the refresh loop. It is an error to start a scheduler
// twice.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already running")
	}
	s.log.Info("Starting session refresh scheduler",
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Int("accounts_per_minute", s.cfg.AccountsPerMinute),
		zap.Int("max_concurrent_logins", s.cfg.MaxConcurrentLogins))

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts the loop and waits for any in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.running.Store(false)
	s.log.Info("Scheduler stopped")
}

// TriggerNow requests an immediate cycle. The request is absorbed if a
// trigger is already pending or a cycle is underway.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		sleep := s.runCycle(ctx)

		select {
		case <-ctx.Done():
			s.log.Info("Context cancelled, stopping refresh loop")
			return
		case <-s.stopCh:
			return
		case <-s.deps.Clock.After(sleep):
		case <-s.trigger:
			s.log.Info("Refresh cycle triggered externally")
		}
	}
}

// runCycle executes one scan-and-refresh pass and returns the sleep until
// the next. A panic anywhere inside the cycle is contained here so the loop
// always rearms.
func (s *Scheduler) runCycle(ctx context.Context) (sleep time.Duration) {
	if !s.cycleActive.CompareAndSwap(false, true) {
		return s.cfg.MinSleep
	}
	defer s.cycleActive.Store(false)

	cycleID := uuid.NewString()
	log := s.log.With(zap.String("cycle_id", cycleID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic during refresh cycle",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			s.health.ObserveCycleError(s.deps.Clock.Now())
			sleep = s.health.NextSleep(nil, s.deps.Clock.Now())
		}
	}()

	started := s.deps.Clock.Now()
	log.Debug("Refresh cycle starting")

	due, err := s.scanDue(ctx, started)
	if err != nil {
		log.Error("Failed to scan for due accounts", zap.Error(err))
		s.health.ObserveCycleError(s.deps.Clock.Now())
		return s.health.NextSleep(nil, s.deps.Clock.Now())
	}

	var tally Tally
	if len(due) > 0 {
		log.Info("Processing due accounts", zap.Int("count", len(due)))
		tally = s.pacer.ProcessAll(ctx, due)
	}

	now := s.deps.Clock.Now()
	s.health.Observe(tally, now)

	log.Info("Refresh cycle complete",
		zap.Int("due", len(due)),
		zap.Int("refreshed", tally.Refreshed),
		zap.Int("via_keep_alive", tally.RefreshedByKeepAlive),
		zap.Int("via_full_login", tally.RefreshedByFullLogin),
		zap.Int("skipped", tally.Skipped),
		zap.Int("rescheduled", tally.Scheduled),
		zap.Int("failed", tally.Failed),
		zap.Duration("elapsed", now.Sub(started)))

	var earliest *time.Time
	if t, ok, eErr := s.deps.Schedule.Earliest(ctx); eErr != nil {
		log.Warn("Failed to read earliest deadline", zap.Error(eErr))
	} else if ok {
		earliest = &t
	}

	sleep = s.health.NextSleep(earliest, now)
	log.Debug("Sleeping until next cycle", zap.Duration("sleep", sleep))
	return sleep
}

// scanDue cross-checks the schedule's due entries against the account
// directory. Entries for accounts that no longer exist are pruned, and
// active accounts that have never been scheduled are treated as due now so
// a newly added account is picked up within one cycle.
func (s *Scheduler) scanDue(ctx context.Context, now time.Time) ([]accounts.Account, error) {
	active, err := s.deps.Directory.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active accounts: %w", err)
	}
	byID := make(map[string]accounts.Account, len(active))
	for _, a := range active {
		byID[a.ID] = a
	}

	entries, err := s.deps.Schedule.DueBefore(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("querying due deadlines: %w", err)
	}

	seen := make(map[string]bool, len(entries))
	due := make([]accounts.Account, 0, len(entries))
	for _, e := range entries {
		seen[e.AccountID] = true
		acct, ok := byID[e.AccountID]
		if !ok {
			s.log.Info("Pruning schedule entry for unknown account",
				zap.String("account_id", e.AccountID))
			if rmErr := s.deps.Schedule.Remove(ctx, e.AccountID); rmErr != nil {
				s.log.Warn("Failed to prune stale schedule entry",
					zap.String("account_id", e.AccountID), zap.Error(rmErr))
			}
			continue
		}
		due = append(due, acct)
	}

	for _, a := range active {
		if seen[a.ID] {
			continue
		}
		scheduled, hErr := s.deps.Schedule.Has(ctx, a.ID)
		if hErr != nil {
			s.log.Warn("Failed to check schedule membership",
				zap.String("account_id", a.ID), zap.Error(hErr))
			continue
		}
		if !scheduled {
			due = append(due, a)
		}
	}

	return due, nil
}
