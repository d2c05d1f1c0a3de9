// Package pool maintains the waiting-pool index: the set of sessions in
// waiting state that the matchmaker scans for candidates. The index lives in
// Redis as a join-time sorted set plus per-interest buckets, so the candidate
// scan for a session is bounded by its interest buckets instead of the whole
// pool. Strict FIFO fairness is not a goal; the buckets only need to surface
// every candidate sharing at least one interest.
package pool

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flavourstalk/chat-core/internal/compat"
)

const (
	keyWaiting        = "pool:waiting"   // ZSET, score = join timestamp (ms)
	keyInterestPrefix = "pool:interest:" // + <tag> -> set of session ids
	keyEntryPrefix    = "pool:entry:"    // + <session_id> -> hash

	// entryTTL auto-expires index entries abandoned without a Dequeue.
	entryTTL = 5 * time.Minute
)

// Entry is one waiting session's record in the pool index.
type Entry struct {
	SessionID string
	Owner     string
	Criteria  compat.Criteria
	JoinedAt  time.Time
}

// WaitingFor returns how long the entry has been in the pool.
func (e *Entry) WaitingFor(now time.Time) time.Duration {
	return now.Sub(e.JoinedAt)
}

// Index manages the Redis data structures of the waiting pool.
type Index struct {
	rdb *redis.Client
}

// NewIndex creates a waiting-pool index backed by Redis.
func NewIndex(rdb *redis.Client) *Index {
	return &Index{rdb: rdb}
}

// Enqueue adds a waiting session to the pool and its interest buckets.
func (i *Index) Enqueue(ctx context.Context, sessionID, owner string, criteria compat.Criteria) error {
	now := time.Now()

	ageMin, ageMax := 0, 0
	if criteria.AgeRange != nil {
		ageMin = criteria.AgeRange.Min
		ageMax = criteria.AgeRange.Max
	}

	pipe := i.rdb.Pipeline()
	pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: float64(now.UnixMilli()), Member: sessionID})
	for _, tag := range criteria.Interests {
		bucket := keyInterestPrefix + tag
		pipe.SAdd(ctx, bucket, sessionID)
		pipe.Expire(ctx, bucket, entryTTL)
	}
	entryKey := keyEntryPrefix + sessionID
	pipe.HSet(ctx, entryKey, map[string]interface{}{
		"owner":     owner,
		"interests": strings.Join(criteria.Interests, ","),
		"age_min":   ageMin,
		"age_max":   ageMax,
		"location":  criteria.Location,
		"gender":    criteria.Gender,
		"modality":  criteria.Modality,
		"joined_at": now.UnixMilli(),
	})
	pipe.Expire(ctx, entryKey, entryTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("pool: enqueue %s: %w", sessionID, err)
	}
	return nil
}

// Dequeue removes a session from the pool and all its interest buckets.
// Removing an absent session is a no-op.
func (i *Index) Dequeue(ctx context.Context, sessionID string) error {
	entry, err := i.Entry(ctx, sessionID)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}

	pipe := i.rdb.Pipeline()
	pipe.ZRem(ctx, keyWaiting, sessionID)
	for _, tag := range entry.Criteria.Interests {
		pipe.SRem(ctx, keyInterestPrefix+tag, sessionID)
	}
	pipe.Del(ctx, keyEntryPrefix+sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pool: dequeue %s: %w", sessionID, err)
	}
	return nil
}

// Entry retrieves a session's pool record. Returns nil if not present.
func (i *Index) Entry(ctx context.Context, sessionID string) (*Entry, error) {
	m, err := i.rdb.HGetAll(ctx, keyEntryPrefix+sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("pool: get entry %s: %w", sessionID, err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return entryFromHash(sessionID, m), nil
}

// Contains reports whether a session is currently in the pool.
func (i *Index) Contains(ctx context.Context, sessionID string) (bool, error) {
	_, err := i.rdb.ZScore(ctx, keyWaiting, sessionID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pool: contains %s: %w", sessionID, err)
	}
	return true, nil
}

// Candidates returns the pool entries sharing at least one interest with the
// given entry, excluding the entry itself and anything stale. This is the
// cheap pre-filter that runs before scoring.
func (i *Index) Candidates(ctx context.Context, of *Entry) ([]*Entry, error) {
	seen := make(map[string]bool)
	var out []*Entry

	for _, tag := range of.Criteria.Interests {
		members, err := i.rdb.SMembers(ctx, keyInterestPrefix+tag).Result()
		if err != nil {
			continue
		}
		for _, id := range members {
			if id == of.SessionID || seen[id] {
				continue
			}
			seen[id] = true

			// Validate against the authoritative sorted set: interest
			// buckets may briefly hold dequeued ids.
			queued, err := i.Contains(ctx, id)
			if err != nil || !queued {
				continue
			}
			entry, err := i.Entry(ctx, id)
			if err != nil || entry == nil {
				continue
			}
			out = append(out, entry)
		}
	}
	return out, nil
}

// All returns every pooled session id, oldest first.
func (i *Index) All(ctx context.Context) ([]string, error) {
	ids, err := i.rdb.ZRange(ctx, keyWaiting, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("pool: list: %w", err)
	}
	return ids, nil
}

// Size returns the number of sessions currently waiting.
func (i *Index) Size(ctx context.Context) (int64, error) {
	return i.rdb.ZCard(ctx, keyWaiting).Result()
}

func entryFromHash(sessionID string, m map[string]string) *Entry {
	e := &Entry{
		SessionID: sessionID,
		Owner:     m["owner"],
	}
	if v := m["interests"]; v != "" {
		e.Criteria.Interests = strings.Split(v, ",")
	}
	ageMin, _ := strconv.Atoi(m["age_min"])
	ageMax, _ := strconv.Atoi(m["age_max"])
	if ageMin != 0 || ageMax != 0 {
		e.Criteria.AgeRange = &compat.AgeRange{Min: ageMin, Max: ageMax}
	}
	e.Criteria.Location = m["location"]
	e.Criteria.Gender = m["gender"]
	e.Criteria.Modality = m["modality"]
	if ms, err := strconv.ParseInt(m["joined_at"], 10, 64); err == nil {
		e.JoinedAt = time.UnixMilli(ms)
	}
	return e
}
