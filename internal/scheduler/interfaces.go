// Package scheduler contains the adaptive session-refresh loop: the
// per-account refresh decision engine, the concurrency and pacing
// controller, the health-aware backoff controller and the cycle
// orchestrator that drives them.
package scheduler

import (
	"context"
	"time"

	"github.com/xkilldash9x/portalkeep/internal/accounts"
	"github.com/xkilldash9x/portalkeep/internal/portal"
	"github.com/xkilldash9x/portalkeep/internal/schedule"
	"github.com/xkilldash9x/portalkeep/internal/session"
)

// SessionStore is the slice of the session store the scheduler consumes.
type SessionStore interface {
	Get(ctx context.Context, accountID string) (*session.Record, error)
	Save(ctx context.Context, accountID string, cookies []session.Cookie, expiresAt *time.Time) (*session.Record, error)
	IsExpired(rec *session.Record, now time.Time) bool
}

// ScheduleStore is the deadline-ordered refresh schedule.
type ScheduleStore interface {
	Upsert(ctx context.Context, accountID string, deadline time.Time) error
	Remove(ctx context.Context, accountID string) error
	Has(ctx context.Context, accountID string) (bool, error)
	DueBefore(ctx context.Context, t time.Time) ([]schedule.Entry, error)
	Earliest(ctx context.Context) (time.Time, bool, error)
}

// LockService exposes the two mutual-exclusion markers the scheduler honors.
type LockService interface {
	ManualRefreshActive(ctx context.Context, accountID string) (bool, error)
	LoginInProgress(ctx context.Context, accountID string) (bool, error)
	AcquireLoginFlag(ctx context.Context, accountID string) (bool, error)
	ReleaseLoginFlag(ctx context.Context, accountID string) error
}

// KeepAliveClient extends an existing session without a full login.
type KeepAliveClient interface {
	KeepAlive(ctx context.Context, accountID string) (portal.KeepAliveResult, error)
}

// LoginClient performs the full browser-based portal login.
type LoginClient interface {
	Login(ctx context.Context, cred accounts.Credential) (*portal.LoginResult, error)
}

// AccountDirectory lists the accounts under management.
type AccountDirectory interface {
	ListActive(ctx context.Context) ([]accounts.Account, error)
}

// AccountProcessor decides and executes the refresh for one account. The
// pacer depends on this rather than the concrete engine so it can be tested
// in isolation.
type AccountProcessor interface {
	Process(ctx context.Context, acct accounts.Account) Outcome
}
