// Package matchmaker pairs waiting sessions. It scans the waiting pool for
// candidates sharing at least one interest, scores them with the
// compatibility engine, and commits the best eligible pairing through the
// registry's atomic transition. Runs as its own service, decoupled from the
// gateway via NATS.
package matchmaker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/flavourstalk/chat-core/internal/blocklist"
	"github.com/flavourstalk/chat-core/internal/chaterr"
	"github.com/flavourstalk/chat-core/internal/compat"
	"github.com/flavourstalk/chat-core/internal/messaging"
	"github.com/flavourstalk/chat-core/internal/metrics"
	"github.com/flavourstalk/chat-core/internal/pool"
	"github.com/flavourstalk/chat-core/internal/records"
	"github.com/flavourstalk/chat-core/internal/registry"
)

// Request is the NATS payload sent by the gateway when a user asks for a
// match.
type Request struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// CancelRequest is the NATS payload sent by the gateway when a user
// withdraws a waiting session from the pool.
type CancelRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// Result is the payload published on match.found.<session_id>. Timeout marks
// a wait that expired without a pairing.
type Result struct {
	Timeout         bool     `json:"timeout,omitempty"`
	SessionID       string   `json:"session_id"`
	PairID          string   `json:"pair_id,omitempty"`
	Score           float64  `json:"score,omitempty"`
	SharedInterests []string `json:"shared_interests,omitempty"`
}

// Candidate is one scored pool entry under consideration for a seeker.
type Candidate struct {
	Entry *pool.Entry
	Score float64
}

// Rank filters and orders a seeker's candidates: entries owned by the seeker
// or with a different chat modality are dropped, the rest are scored, and
// only eligible ones survive, best score first with earlier joiners breaking
// ties. Block and skip exclusion happens later, against live state.
func Rank(seeker *pool.Entry, entries []*pool.Entry) []Candidate {
	var out []Candidate
	for _, e := range entries {
		if e.Owner == seeker.Owner {
			continue
		}
		if e.Criteria.Modality != seeker.Criteria.Modality {
			continue
		}
		score := compat.Score(seeker.Criteria, e.Criteria)
		if !compat.Eligible(score) {
			continue
		}
		out = append(out, Candidate{Entry: e, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Entry.JoinedAt.Before(out[j].Entry.JoinedAt)
	})
	return out
}

// Matcher holds the stores a pairing decision touches.
type Matcher struct {
	registry *registry.Store
	pool     *pool.Index
	blocks   *blocklist.Store
	records  *records.Store
	nats     *messaging.Client
}

// NewMatcher wires a matcher over the given stores and NATS client.
func NewMatcher(reg *registry.Store, idx *pool.Index, blocks *blocklist.Store, rec *records.Store, nc *messaging.Client) *Matcher {
	return &Matcher{
		registry: reg,
		pool:     idx,
		blocks:   blocks,
		records:  rec,
		nats:     nc,
	}
}

// Enqueue validates that the session is a waiting session owned by the actor
// and adds it to the pool. Re-enqueuing a pooled session refreshes its entry
// without changing its join position.
func (m *Matcher) Enqueue(ctx context.Context, sessionID, userID string) error {
	sess, err := m.registry.GetOwned(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if sess.State != registry.StateWaiting {
		return chaterr.InvalidStatef("session %s is %s, only waiting sessions can seek a match", sessionID, sess.State)
	}
	if err := m.pool.Enqueue(ctx, sess.ID, sess.Owner, sess.Criteria); err != nil {
		return err
	}

	if size, err := m.pool.Size(ctx); err == nil {
		metrics.WaitingPoolSize.Set(float64(size))
	}
	log.Printf("[matchmaker] enqueued session=%s interests=%v", sess.ID, sess.Criteria.Interests)
	return nil
}

// Cancel withdraws a waiting session from the pool. The session stays in
// waiting state and may re-enter later.
func (m *Matcher) Cancel(ctx context.Context, sessionID, userID string) error {
	if _, err := m.registry.GetOwned(ctx, sessionID, userID); err != nil {
		return err
	}
	if err := m.pool.Dequeue(ctx, sessionID); err != nil {
		return err
	}
	log.Printf("[matchmaker] dequeued session=%s (cancelled)", sessionID)
	return nil
}

// TryMatch attempts to find and commit a pairing for a pooled session.
// Returns the match record, or nil when no eligible candidate exists right
// now. A candidate lost to a concurrent pairing is skipped and the next one
// tried, so a conflict never surfaces to the caller.
func (m *Matcher) TryMatch(ctx context.Context, sessionID string) (*records.Match, error) {
	seeker, err := m.pool.Entry(ctx, sessionID)
	if err != nil || seeker == nil {
		return nil, err
	}

	entries, err := m.pool.Candidates(ctx, seeker)
	if err != nil {
		return nil, err
	}

	for _, cand := range Rank(seeker, entries) {
		excluded, err := m.blocks.Excluded(ctx, seeker.Owner, cand.Entry.Owner)
		if err != nil || excluded {
			continue
		}
		skipped, err := m.blocks.RecentlySkipped(ctx, seeker.Owner, cand.Entry.Owner)
		if err != nil || skipped {
			continue
		}

		match, err := m.commit(ctx, seeker, cand)
		if err != nil {
			if chaterr.IsConflict(err) || chaterr.CodeOf(err) == chaterr.CodeNotFound {
				metrics.MatchAttemptsTotal.WithLabelValues("conflict").Inc()
				// When the seeker itself was claimed mid-scan, another scan
				// already paired it; remaining candidates would all conflict.
				if registry.ClaimedSession(err) == seeker.SessionID {
					log.Printf("[matchmaker] session=%s claimed concurrently, aborting scan", seeker.SessionID)
					return nil, nil
				}
				continue
			}
			return nil, err
		}
		return match, nil
	}

	metrics.MatchAttemptsTotal.WithLabelValues("no_match").Inc()
	return nil, nil
}

// commit flips both sessions to matched, removes them from the pool, records
// the pairing durably, and announces it to both owners.
func (m *Matcher) commit(ctx context.Context, seeker *pool.Entry, cand Candidate) (*records.Match, error) {
	a, err := m.registry.Get(ctx, seeker.SessionID)
	if err != nil {
		return nil, err
	}
	b, err := m.registry.Get(ctx, cand.Entry.SessionID)
	if err != nil {
		return nil, err
	}

	pairID := uuid.New().String()
	if err := m.registry.PairAtomically(ctx, a, b, pairID); err != nil {
		return nil, err
	}

	// Both sides are committed; everything below is bookkeeping and must not
	// undo the pairing.
	if err := m.pool.Dequeue(ctx, a.ID); err != nil {
		log.Printf("[matchmaker] dequeue %s: %v", a.ID, err)
	}
	if err := m.pool.Dequeue(ctx, b.ID); err != nil {
		log.Printf("[matchmaker] dequeue %s: %v", b.ID, err)
	}

	match := &records.Match{
		ID:              pairID,
		SessionA:        a.ID,
		SessionB:        b.ID,
		UserA:           a.Owner,
		UserB:           b.Owner,
		Score:           cand.Score,
		SharedInterests: compat.SharedInterests(a.Criteria, b.Criteria),
	}
	if err := m.records.CreateMatch(ctx, match); err != nil {
		log.Printf("[matchmaker] record match %s: %v", pairID, err)
	}

	m.announce(a.ID, match)
	m.announce(b.ID, match)
	m.notifyMatched(a.Owner, pairID)
	m.notifyMatched(b.Owner, pairID)

	metrics.MatchAttemptsTotal.WithLabelValues("paired").Inc()
	metrics.MatchScore.Observe(cand.Score)
	metrics.ActivePairs.Inc()
	metrics.MatchDuration.Observe(time.Since(seeker.JoinedAt).Seconds())

	log.Printf("[matchmaker] paired pair=%s a=%s b=%s score=%.2f shared=%v",
		pairID, a.ID, b.ID, cand.Score, match.SharedInterests)
	return match, nil
}

// announce publishes the pairing result to one session's match.found subject.
func (m *Matcher) announce(sessionID string, match *records.Match) {
	res := Result{
		SessionID:       sessionID,
		PairID:          match.ID,
		Score:           match.Score,
		SharedInterests: match.SharedInterests,
	}
	data, err := json.Marshal(res)
	if err != nil {
		log.Printf("[matchmaker] marshal result for %s: %v", sessionID, err)
		return
	}
	if err := m.nats.PublishMatchFound(sessionID, data); err != nil {
		log.Printf("[matchmaker] publish match.found for %s: %v", sessionID, err)
	}
}

// notifyMatched emits a notification-sink event for one owner, so a user who
// is not connected to the gateway still learns about the pairing.
func (m *Matcher) notifyMatched(userID, pairID string) {
	data, err := json.Marshal(map[string]interface{}{
		"kind":    "matched",
		"pair_id": pairID,
		"ts":      time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := m.nats.PublishNotify(userID, data); err != nil {
		log.Printf("[matchmaker] notify %s: %v", userID, err)
	}
}

// announceTimeout publishes a timeout result to one session's subject.
func (m *Matcher) announceTimeout(sessionID string) error {
	data, err := json.Marshal(Result{Timeout: true, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("matchmaker: marshal timeout: %w", err)
	}
	return m.nats.PublishMatchFound(sessionID, data)
}
