// Package locks holds the two Redis-backed mutual-exclusion markers the
// scheduler honors: the manual refresh lock set by the user-facing flow, and
// the time-bounded login-in-progress flag owned by the pacing controller.
package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	manualPrefix = "refresh:manual:"
	loginPrefix  = "refresh:login:"
)

// Service provides lock checks and the login flag lifecycle. Both markers
// live in Redis so they survive scheduler restarts; the login flag carries a
// TTL as a second line of defence against a crash mid-login.
type Service struct {
	client redis.UniversalClient
	// flagTTL bounds the login-in-progress flag lifetime.
	flagTTL time.Duration
	// owner identifies this process in flag values, for debugging stuck locks.
	owner string
	log   *zap.Logger
}

// NewService creates the lock service.
func NewService(client redis.UniversalClient, flagTTL time.Duration, owner string, logger *zap.Logger) *Service {
	return &Service{
		client:  client,
		flagTTL: flagTTL,
		owner:   owner,
		log:     logger.Named("locks"),
	}
}

// ManualRefreshActive reports whether a user-triggered refresh currently
// holds the account. The scheduler must never race a manual operation.
func (s *Service) ManualRefreshActive(ctx context.Context, accountID string) (bool, error) {
	n, err := s.client.Exists(ctx, manualPrefix+accountID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check manual refresh lock for %s: %w", accountID, err)
	}
	return n > 0, nil
}

// LoginInProgress reports whether some worker already holds the login flag
// for the account.
func (s *Service) LoginInProgress(ctx context.Context, accountID string) (bool, error) {
	n, err := s.client.Exists(ctx, loginPrefix+accountID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check login flag for %s: %w", accountID, err)
	}
	return n > 0, nil
}

// AcquireLoginFlag attempts to set the login-in-progress flag. It returns
// false when another worker already holds it.
func (s *Service) AcquireLoginFlag(ctx context.Context, accountID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, loginPrefix+accountID, s.owner, s.flagTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire login flag for %s: %w", accountID, err)
	}
	if ok {
		s.log.Debug("Acquired login flag", zap.String("account_id", accountID))
	}
	return ok, nil
}

// ReleaseLoginFlag clears the flag. Callers release in a deferred path so the
// flag never outlives the attempt that set it; the TTL covers the crash case.
func (s *Service) ReleaseLoginFlag(ctx context.Context, accountID string) error {
	if err := s.client.Del(ctx, loginPrefix+accountID).Err(); err != nil {
		return fmt.Errorf("failed to release login flag for %s: %w", accountID, err)
	}
	return nil
}
