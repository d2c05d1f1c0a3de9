// Package blocklist manages block records and skip bookkeeping. Blocks are
// durable and append-only in PostgreSQL; a Redis mirror of the block sets
// gives the matchmaker an O(1) exclusion check per candidate. Blocking is
// directional: A blocking B excludes B from ever being offered to A, without
// implying the reverse record.
package blocklist

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BlockedPrefix is the Redis key prefix for block mirror sets:
	// blocked:<user_id> holds the ids that user has blocked.
	BlockedPrefix = "blocked:"

	// SkipPrefix marks a recently skipped pairing so the matchmaker does not
	// immediately re-pair the same two users.
	SkipPrefix = "skip:"

	// SkipCountPrefix counts skips per user for abuse-rate tracking.
	SkipCountPrefix = "skipcount:"

	// skipTTL is how long a skip entry suppresses re-pairing.
	skipTTL = 10 * time.Minute

	// skipCountTTL is the abuse-rate tracking window.
	skipCountTTL = 24 * time.Hour
)

// Record is one durable, immutable block entry.
type Record struct {
	ID        int64
	BlockerID string
	BlockedID string
	SessionID string // session the block was issued from, may be empty
	Reason    string
	CreatedAt time.Time
}

// Store manages block records and the Redis exclusion mirror.
type Store struct {
	db  *sql.DB
	rdb *redis.Client
}

// NewStore creates a block store over the given database handle and Redis
// client.
func NewStore(db *sql.DB, rdb *redis.Client) *Store {
	return &Store{db: db, rdb: rdb}
}

// Block appends a durable block record and updates the Redis mirror. The
// record is write-once; blocking an already-blocked user inserts another
// audit row but the mirror stays a set.
func (s *Store) Block(ctx context.Context, blockerID, blockedID, sessionID, reason string) error {
	const query = `
		INSERT INTO block_records (blocker_id, blocked_id, session_id, reason)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))`

	if _, err := s.db.ExecContext(ctx, query, blockerID, blockedID, sessionID, reason); err != nil {
		return fmt.Errorf("blocklist: insert: %w", err)
	}

	if err := s.rdb.SAdd(ctx, BlockedPrefix+blockerID, blockedID).Err(); err != nil {
		return fmt.Errorf("blocklist: mirror add: %w", err)
	}
	return nil
}

// HasBlocked reports whether blocker has blocked target.
func (s *Store) HasBlocked(ctx context.Context, blockerID, targetID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, BlockedPrefix+blockerID, targetID).Result()
	if err != nil {
		return false, fmt.Errorf("blocklist: membership check: %w", err)
	}
	return ok, nil
}

// Excluded reports whether a pairing of the two users must be excluded from
// matchmaking: either user having blocked the other suppresses the offer.
func (s *Store) Excluded(ctx context.Context, userA, userB string) (bool, error) {
	blocked, err := s.HasBlocked(ctx, userA, userB)
	if err != nil || blocked {
		return blocked, err
	}
	return s.HasBlocked(ctx, userB, userA)
}

// RecordSkip notes that the two users just skipped each other, suppressing an
// immediate re-pairing, and bumps the skipper's abuse-rate counter.
func (s *Store) RecordSkip(ctx context.Context, skipperID, skippedID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, skipKey(skipperID, skippedID), 1, skipTTL)
	countKey := SkipCountPrefix + skipperID
	incr := pipe.Incr(ctx, countKey)
	pipe.Exec(ctx)

	// Anchor the counting window on the first skip only.
	if n, err := incr.Result(); err == nil && n == 1 {
		s.rdb.Expire(ctx, countKey, skipCountTTL)
	}
	return nil
}

// RecentlySkipped reports whether the two users skipped each other within the
// suppression window (either direction).
func (s *Store) RecentlySkipped(ctx context.Context, userA, userB string) (bool, error) {
	n, err := s.rdb.Exists(ctx, skipKey(userA, userB)).Result()
	if err != nil {
		return false, fmt.Errorf("blocklist: skip check: %w", err)
	}
	return n > 0, nil
}

// SkipCount returns how many skips a user issued within the tracking window.
func (s *Store) SkipCount(ctx context.Context, userID string) (int64, error) {
	n, err := s.rdb.Get(ctx, SkipCountPrefix+userID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("blocklist: skip count: %w", err)
	}
	return n, nil
}

// LoadMirror rebuilds the Redis block sets from the durable records. Called
// at startup so matchmaking exclusion survives a Redis flush.
func (s *Store) LoadMirror(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT blocker_id, blocked_id FROM block_records`)
	if err != nil {
		return 0, fmt.Errorf("blocklist: load mirror: %w", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var blocker, blocked string
		if err := rows.Scan(&blocker, &blocked); err != nil {
			return loaded, fmt.Errorf("blocklist: load mirror scan: %w", err)
		}
		if err := s.rdb.SAdd(ctx, BlockedPrefix+blocker, blocked).Err(); err != nil {
			return loaded, fmt.Errorf("blocklist: load mirror add: %w", err)
		}
		loaded++
	}
	return loaded, rows.Err()
}

// skipKey builds an order-independent key for a skipped pairing.
func skipKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return SkipPrefix + a + ":" + b
}
