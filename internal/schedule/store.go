// Package schedule maintains the deadline-ordered refresh schedule in Redis.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// indexKey is the sorted set holding account ids scored by refresh
	// deadline (epoch milliseconds).
	indexKey = "schedule:refresh"
	// mirrorPrefix keys the per-account deadline mirror that backs the
	// fallback retrieval path when the ordered index cannot be queried.
	mirrorPrefix = "schedule:refresh:deadline:"
)

// Entry associates an account with its next due refresh time.
type Entry struct {
	AccountID string
	Deadline  time.Time
}

// Store keeps exactly one live schedule entry per account, ordered by
// deadline. Every write goes to the sorted set and to a per-account mirror
// key, so a broken index degrades reads to a linear scan instead of a blind
// spot. Availability over efficiency.
type Store struct {
	client redis.UniversalClient
	log    *zap.Logger
}

// NewStore creates a schedule store on the given Redis client.
func NewStore(client redis.UniversalClient, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		log:    logger.Named("schedule_store"),
	}
}

// Upsert records the next refresh deadline for an account, replacing any
// previous entry.
func (s *Store) Upsert(ctx context.Context, accountID string, deadline time.Time) error {
	ms := deadline.UnixMilli()
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(ms), Member: accountID})
	pipe.Set(ctx, mirrorPrefix+accountID, strconv.FormatInt(ms, 10), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert schedule entry for %s: %w", accountID, err)
	}
	return nil
}

// Remove drops an account from the schedule entirely.
func (s *Store) Remove(ctx context.Context, accountID string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, indexKey, accountID)
	pipe.Del(ctx, mirrorPrefix+accountID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove schedule entry for %s: %w", accountID, err)
	}
	return nil
}

// Has reports whether the account currently holds a schedule entry. The
// mirror key is authoritative here; it is written and deleted in the same
// pipeline as the index.
func (s *Store) Has(ctx context.Context, accountID string) (bool, error) {
	n, err := s.client.Exists(ctx, mirrorPrefix+accountID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check schedule entry for %s: %w", accountID, err)
	}
	return n > 0, nil
}

// DueBefore returns every entry whose deadline is at or before t, ordered by
// ascending deadline. When the ordered index cannot be queried the store
// falls back to scanning the per-account mirrors; a healthy empty index is
// trusted as truly empty.
func (s *Store) DueBefore(ctx context.Context, t time.Time) ([]Entry, error) {
	zs, err := s.client.ZRangeByScoreWithScores(ctx, indexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(t.UnixMilli(), 10),
	}).Result()
	if err != nil {
		s.log.Warn("Ordered index query failed, falling back to linear scan", zap.Error(err))
		return s.scanDueBefore(ctx, t)
	}

	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			AccountID: id,
			Deadline:  time.UnixMilli(int64(z.Score)),
		})
	}
	return entries, nil
}

// Earliest returns the soonest pending deadline across all accounts. The
// second return is false when the schedule is empty.
func (s *Store) Earliest(ctx context.Context) (time.Time, bool, error) {
	zs, err := s.client.ZRangeWithScores(ctx, indexKey, 0, 0).Result()
	if err != nil {
		s.log.Warn("Ordered index query failed, scanning mirrors for earliest deadline", zap.Error(err))
		return s.scanEarliest(ctx)
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(zs[0].Score)), true, nil
}

// scanDueBefore is the degraded retrieval path: walk the mirror keys one by
// one and filter client-side.
func (s *Store) scanDueBefore(ctx context.Context, t time.Time) ([]Entry, error) {
	entries, err := s.scanAll(ctx)
	if err != nil {
		return nil, err
	}

	due := entries[:0]
	for _, e := range entries {
		if !e.Deadline.After(t) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Deadline.Before(due[j].Deadline) })
	return due, nil
}

func (s *Store) scanEarliest(ctx context.Context) (time.Time, bool, error) {
	entries, err := s.scanAll(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	if len(entries) == 0 {
		return time.Time{}, false, nil
	}

	earliest := entries[0].Deadline
	for _, e := range entries[1:] {
		if e.Deadline.Before(earliest) {
			earliest = e.Deadline
		}
	}
	return earliest, true, nil
}

func (s *Store) scanAll(ctx context.Context) ([]Entry, error) {
	var (
		cursor  uint64
		entries []Entry
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, mirrorPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("fallback mirror scan failed: %w", err)
		}
		for _, key := range keys {
			raw, err := s.client.Get(ctx, key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				return nil, fmt.Errorf("failed to read mirror key %s: %w", key, err)
			}
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				s.log.Warn("Skipping corrupt mirror entry", zap.String("key", key), zap.String("value", raw))
				continue
			}
			entries = append(entries, Entry{
				AccountID: key[len(mirrorPrefix):],
				Deadline:  time.UnixMilli(ms),
			})
		}
		if next == 0 {
			return entries, nil
		}
		cursor = next
	}
}
