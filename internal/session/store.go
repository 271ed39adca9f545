package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no session has ever been stored for an account.
var ErrNotFound = errors.New("session not found")

// DB abstracts the pgxpool.Pool surface the store needs, to allow mocking.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists session records in Postgres.
type Store struct {
	db DB
	// refreshBuffer is how far ahead of expiry the next refresh deadline is
	// placed on save.
	refreshBuffer time.Duration
	// sessionCookieNames restricts expiry calculations to the cookies that
	// actually carry the portal session.
	sessionCookieNames []string
	log                *zap.Logger
}

// NewStore creates a session store. refreshBuffer should match the
// scheduler's configured buffer so deadlines and expiries agree.
func NewStore(db DB, refreshBuffer time.Duration, sessionCookieNames []string, logger *zap.Logger) *Store {
	return &Store{
		db:                 db,
		refreshBuffer:      refreshBuffer,
		sessionCookieNames: sessionCookieNames,
		log:                logger.Named("session_store"),
	}
}

// Get loads the session record for an account. Returns ErrNotFound when the
// account has never logged in.
func (s *Store) Get(ctx context.Context, accountID string) (*Record, error) {
	var (
		rec  Record
		blob []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT account_id, cookies, expires_at, next_refresh_at, updated_at
		FROM portal_sessions
		WHERE account_id = $1;
	`, accountID).Scan(&rec.AccountID, &blob, &rec.ExpiresAt, &rec.NextRefreshAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session for %s: %w", accountID, err)
	}

	rec.Cookies, err = DecodeCookies(blob)
	if err != nil {
		return nil, fmt.Errorf("stored cookie blob for %s is corrupt: %w", accountID, err)
	}
	return &rec, nil
}

// Save upserts the session for an account. When the expiry is known, the next
// refresh deadline is placed refreshBuffer ahead of it; otherwise the caller
// is expected to schedule the account explicitly.
func (s *Store) Save(ctx context.Context, accountID string, cookies []Cookie, expiresAt *time.Time) (*Record, error) {
	blob, err := EncodeCookies(cookies)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &Record{
		AccountID: accountID,
		Cookies:   cookies,
		ExpiresAt: expiresAt,
		UpdatedAt: now,
	}
	if expiresAt != nil {
		next := expiresAt.Add(-s.refreshBuffer)
		rec.NextRefreshAt = &next
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO portal_sessions (account_id, cookies, expires_at, next_refresh_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO UPDATE SET
			cookies = EXCLUDED.cookies,
			expires_at = EXCLUDED.expires_at,
			next_refresh_at = EXCLUDED.next_refresh_at,
			updated_at = EXCLUDED.updated_at;
	`, accountID, blob, rec.ExpiresAt, rec.NextRefreshAt, rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save session for %s: %w", accountID, err)
	}

	s.log.Debug("Saved session",
		zap.String("account_id", accountID),
		zap.Timep("expires_at", rec.ExpiresAt),
		zap.Timep("next_refresh_at", rec.NextRefreshAt),
	)
	return rec, nil
}

// IsExpired reports whether the record's cookies no longer represent a
// usable session as of now.
func (s *Store) IsExpired(rec *Record, now time.Time) bool {
	if rec == nil {
		return true
	}
	return Expired(rec.Cookies, s.sessionCookieNames, now)
}

// MinExpiry returns the earliest expiry among the session-bearing cookies.
func (s *Store) MinExpiry(cookies []Cookie) (time.Time, bool) {
	return MinExpiration(cookies, s.sessionCookieNames)
}
