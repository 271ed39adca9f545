package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/portalkeep/internal/accounts"
	"github.com/xkilldash9x/portalkeep/internal/config"
	"github.com/xkilldash9x/portalkeep/internal/observability"
	"github.com/xkilldash9x/portalkeep/internal/session"
)

// Engine decides, for a single account, whether a refresh is needed and
// carries it out. Keep-alive is always attempted before a full login; full
// logins are bounded by a shared semaphore so a burst of expired sessions
// cannot spawn an unbounded number of browser instances.
type Engine struct {
	sessions  SessionStore
	schedule  ScheduleStore
	locks     LockService
	keepAlive KeepAliveClient
	login     LoginClient

	logins *semaphore.Weighted
	cfg    config.SchedulerConfig
	clock  Clock
	log    *zap.Logger
}

// NewEngine wires the refresh decision engine from its collaborators.
func NewEngine(
	sessions SessionStore,
	sched ScheduleStore,
	locks LockService,
	keepAlive KeepAliveClient,
	login LoginClient,
	cfg config.SchedulerConfig,
	clock Clock,
) *Engine {
	if clock == nil {
		clock = SystemClock
	}
	return &Engine{
		sessions:  sessions,
		schedule:  sched,
		locks:     locks,
		keepAlive: keepAlive,
		login:     login,
		logins:    semaphore.NewWeighted(int64(cfg.MaxConcurrentLogins)),
		cfg:       cfg,
		clock:     clock,
		log:       observability.GetLogger().Named("engine"),
	}
}

// Process runs the full decision chain for one account and reports what
// happened. It never panics outward and it never leaves the login flag set.
func (e *Engine) Process(ctx context.Context, acct accounts.Account) Outcome {
	log := e.log.With(zap.String("account_id", acct.ID))

	// An operator-driven manual refresh always wins. We do not touch the
	// account at all while the lock is present.
	if held, err := e.locks.ManualRefreshActive(ctx, acct.ID); err != nil {
		return Failed(fmt.Errorf("checking manual refresh lock: %w", err))
	} else if held {
		log.Debug("Skipping account, manual refresh in progress")
		return Skipped(SkipManualLock)
	}

	if inProgress, err := e.locks.LoginInProgress(ctx, acct.ID); err != nil {
		return Failed(fmt.Errorf("checking login flag: %w", err))
	} else if inProgress {
		log.Debug("Skipping account, another worker holds the login flag")
		return Skipped(SkipLoginInProgress)
	}

	now := e.clock.Now()

	rec, err := e.sessions.Get(ctx, acct.ID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		rec = nil
	case err != nil:
		return Failed(fmt.Errorf("loading session: %w", err))
	}

	due, expiry := e.assess(rec, now)
	if !due {
		return SkippedWithExpiry(SkipNotDue, expiry)
	}

	// A session with cookies on hand gets a keep-alive attempt first; only a
	// session the portal has already invalidated needs the browser.
	if rec != nil && len(rec.Cookies) > 0 {
		kaCtx, cancel := context.WithTimeout(ctx, e.cfg.KeepAliveTimeout)
		res, kaErr := e.keepAlive.KeepAlive(kaCtx, acct.ID)
		cancel()
		switch {
		case kaErr != nil:
			log.Warn("Keep-alive attempt failed, escalating to full login", zap.Error(kaErr))
		case res.Extended:
			log.Info("Session extended via keep-alive")
			return RefreshedViaKeepAlive(res.Expiry)
		case res.NeedsFullRefresh:
			// The keep-alive client has already cleared the dead jar and
			// rescheduled the account, so the next cycle takes the
			// no-cookies path straight into a full login.
			log.Info("Portal rejected keep-alive, account rescheduled for full login")
			return Skipped(SkipRescheduled)
		}
	}

	return e.fullLogin(ctx, acct, log)
}

// assess reports whether the account's session needs refreshing now, and if
// not, when it is next expected to.
func (e *Engine) assess(rec *session.Record, now time.Time) (bool, *time.Time) {
	if rec == nil || len(rec.Cookies) == 0 {
		return true, nil
	}
	if e.sessions.IsExpired(rec, now) {
		return true, rec.ExpiresAt
	}
	deadline := rec.NextRefreshAt
	if deadline == nil {
		deadline = rec.ExpiresAt
	}
	if deadline != nil && deadline.Before(now) {
		return true, rec.ExpiresAt
	}
	return false, rec.ExpiresAt
}

func (e *Engine) fullLogin(ctx context.Context, acct accounts.Account, log *zap.Logger) Outcome {
	if err := e.logins.Acquire(ctx, 1); err != nil {
		return Failed(fmt.Errorf("waiting for login slot: %w", err))
	}
	defer e.logins.Release(1)

	acquired, err := e.locks.AcquireLoginFlag(ctx, acct.ID)
	if err != nil {
		return Failed(fmt.Errorf("acquiring login flag: %w", err))
	}
	if !acquired {
		log.Debug("Login flag taken while waiting for a slot")
		return Skipped(SkipLoginInProgress)
	}
	defer func() {
		// Release even when the surrounding context is already cancelled;
		// leaving the flag to its TTL would stall the account for minutes.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := e.locks.ReleaseLoginFlag(relCtx, acct.ID); relErr != nil {
			log.Warn("Failed to release login flag, relying on TTL", zap.Error(relErr))
		}
	}()

	loginCtx, cancel := context.WithTimeout(ctx, e.cfg.LoginTimeout)
	defer cancel()

	log.Info("Performing full portal login")
	res, err := e.login.Login(loginCtx, acct.Credential)
	if err != nil {
		return Failed(fmt.Errorf("full login: %w", err))
	}

	rec, err := e.sessions.Save(ctx, acct.ID, res.Cookies, res.Expiry)
	if err != nil {
		return Failed(fmt.Errorf("persisting refreshed session: %w", err))
	}

	deadline := e.clock.Now().Add(e.cfg.MaxSleep)
	if rec.NextRefreshAt != nil {
		deadline = *rec.NextRefreshAt
	}
	if err := e.schedule.Upsert(ctx, acct.ID, deadline); err != nil {
		log.Warn("Failed to push refresh deadline to schedule", zap.Error(err))
	}

	log.Info("Full login succeeded", zap.Time("next_refresh_at", deadline))
	return RefreshedViaFullLogin(res.Expiry)
}
