// Package lifecycle orchestrates the user-triggered session operations the
// gateway exposes: starting a session, ending, skipping, blocking, and
// reporting. Each operation composes the registry transition with its side
// effects (pool withdrawal, block records, skip bookkeeping, pair-channel
// announcements) so the transport handlers stay thin.
package lifecycle

import (
	"context"
	"encoding/json"
	"log"

	"github.com/flavourstalk/chat-core/internal/blocklist"
	"github.com/flavourstalk/chat-core/internal/chaterr"
	"github.com/flavourstalk/chat-core/internal/compat"
	"github.com/flavourstalk/chat-core/internal/matchmaker"
	"github.com/flavourstalk/chat-core/internal/messaging"
	"github.com/flavourstalk/chat-core/internal/metrics"
	"github.com/flavourstalk/chat-core/internal/pool"
	"github.com/flavourstalk/chat-core/internal/prefs"
	"github.com/flavourstalk/chat-core/internal/profile"
	"github.com/flavourstalk/chat-core/internal/realtime"
	"github.com/flavourstalk/chat-core/internal/registry"
	"github.com/flavourstalk/chat-core/internal/report"
)

// End causes published on the pair subject and in session_ended frames.
const (
	CauseEnded   = "ended"
	CauseSkipped = "skipped"
	CauseBlocked = "blocked"
)

// Service wires the session operations over the underlying stores.
type Service struct {
	registry *registry.Store
	pool     *pool.Index
	blocks   *blocklist.Store
	reports  *report.Store
	prefs    *prefs.Store
	realtime *realtime.Service
	nats     *messaging.Client
	profiles profile.Lookup
}

// NewService creates the lifecycle service.
func NewService(
	reg *registry.Store,
	idx *pool.Index,
	blocks *blocklist.Store,
	reports *report.Store,
	pr *prefs.Store,
	rt *realtime.Service,
	nc *messaging.Client,
) *Service {
	return &Service{
		registry: reg,
		pool:     idx,
		blocks:   blocks,
		reports:  reports,
		prefs:    pr,
		realtime: rt,
		nats:     nc,
	}
}

// SetProfileLookup enables the age-verification gate on session start. When
// unset, or when the profile service is unreachable, the gate is skipped.
func (s *Service) SetProfileLookup(l profile.Lookup) {
	s.profiles = l
}

// Start creates a fresh waiting session for the user. Criteria fields left
// empty fall back to the user's stored preferences; a user with neither
// stated interests nor preferences gets a validation error. A user with a
// live session cannot start a second one.
func (s *Service) Start(ctx context.Context, userID string, criteria compat.Criteria) (*registry.Session, error) {
	if existing, err := s.registry.ActiveForUser(ctx, userID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, chaterr.Conflictf("user already has a live session %s", existing.ID)
	}

	// Lookup failure yields a zero profile, which skips the gate: the chat
	// core must keep working when the profile service is down.
	if s.profiles != nil {
		if p := profile.Resolve(ctx, s.profiles, userID); p.Username != "" && !p.AgeVerified {
			return nil, chaterr.Blockedf("age verification required")
		}
	}

	if len(criteria.Interests) == 0 {
		stored, err := s.prefs.Get(ctx, userID)
		if err != nil {
			if chaterr.CodeOf(err) == chaterr.CodeNotFound {
				return nil, chaterr.Validationf("no interests stated and no stored preferences")
			}
			return nil, err
		}
		criteria = fillFromPreferences(criteria, stored.Criteria)
	}

	sess, err := s.registry.Create(ctx, userID, criteria)
	if err != nil {
		return nil, err
	}
	log.Printf("[lifecycle] started session=%s user=%s", sess.ID, userID)
	return sess, nil
}

// ActiveSession returns the user's current live session, or nil.
func (s *Service) ActiveSession(ctx context.Context, userID string) (*registry.Session, error) {
	return s.registry.ActiveForUser(ctx, userID)
}

// RequestMatch hands a waiting session to the matchmaker over NATS.
func (s *Service) RequestMatch(ctx context.Context, sessionID, userID string) error {
	sess, err := s.registry.GetOwned(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if sess.State != registry.StateWaiting {
		return chaterr.InvalidStatef("session %s is %s, only waiting sessions can seek a match", sessionID, sess.State)
	}

	data, err := json.Marshal(matchmaker.Request{SessionID: sessionID, UserID: userID})
	if err != nil {
		return err
	}
	return s.nats.PublishMatchRequest(data)
}

// CancelMatch withdraws a waiting session from matchmaking.
func (s *Service) CancelMatch(ctx context.Context, sessionID, userID string) error {
	if _, err := s.registry.GetOwned(ctx, sessionID, userID); err != nil {
		return err
	}
	data, err := json.Marshal(matchmaker.CancelRequest{SessionID: sessionID, UserID: userID})
	if err != nil {
		return err
	}
	return s.nats.PublishMatchCancel(data)
}

// End moves the session (and its counterpart, when paired) to ended.
// Idempotent: ending an already ended session succeeds without effect.
// Returns the session as it was before ending, so callers can tell whether a
// pair was involved.
func (s *Service) End(ctx context.Context, sessionID, userID string) (*registry.Session, error) {
	sess, err := s.registry.GetOwned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.end(ctx, sess, CauseEnded); err != nil {
		return nil, err
	}
	return sess, nil
}

// Skip ends the current pair, records the skip so the same two users are not
// immediately re-paired, and starts a fresh waiting session for the skipper
// only. The skipped counterpart is not re-queued.
func (s *Service) Skip(ctx context.Context, sessionID, userID string) (*registry.Session, error) {
	sess, err := s.registry.GetOwned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	// Ended sessions keep their counterpart link; without this check a stale
	// session id could mint a second live session past the Start guard.
	if sess.Terminal() {
		return nil, chaterr.InvalidStatef("session %s already ended, nothing to skip", sessionID)
	}
	if sess.Peer == "" {
		return nil, chaterr.InvalidStatef("session %s has no counterpart to skip", sessionID)
	}

	peer, err := s.registry.Get(ctx, sess.Peer)
	if err != nil {
		return nil, err
	}

	if err := s.end(ctx, sess, CauseSkipped); err != nil {
		return nil, err
	}
	if err := s.blocks.RecordSkip(ctx, userID, peer.Owner); err != nil {
		log.Printf("[lifecycle] record skip %s->%s: %v", userID, peer.Owner, err)
	}

	next, err := s.registry.Create(ctx, userID, sess.Criteria)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(matchmaker.Request{SessionID: next.ID, UserID: userID})
	if err == nil {
		if err := s.nats.PublishMatchRequest(data); err != nil {
			log.Printf("[lifecycle] requeue after skip %s: %v", next.ID, err)
		}
	}

	log.Printf("[lifecycle] skip session=%s user=%s next=%s", sessionID, userID, next.ID)
	return next, nil
}

// Block records a durable directional block against the counterpart and ends
// the pair. The blocked user is never offered to the blocker again.
func (s *Service) Block(ctx context.Context, sessionID, userID, reason string) error {
	sess, err := s.registry.GetOwned(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if sess.Peer == "" {
		return chaterr.InvalidStatef("session %s has no counterpart to block", sessionID)
	}

	peer, err := s.registry.Get(ctx, sess.Peer)
	if err != nil {
		return err
	}

	if err := s.blocks.Block(ctx, userID, peer.Owner, sessionID, reason); err != nil {
		return err
	}
	if err := s.end(ctx, sess, CauseBlocked); err != nil {
		return err
	}

	log.Printf("[lifecycle] block session=%s blocker=%s", sessionID, userID)
	return nil
}

// Report files an abuse report against the counterpart. Filing never changes
// session state, and reporting an already ended session is allowed.
func (s *Service) Report(ctx context.Context, sessionID, userID, reason, description string) (*report.Report, error) {
	sess, err := s.registry.GetOwned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if sess.Peer == "" {
		return nil, chaterr.InvalidStatef("session %s was never paired, nobody to report", sessionID)
	}

	peer, err := s.registry.Get(ctx, sess.Peer)
	if err != nil {
		return nil, err
	}

	r := &report.Report{
		SessionID:   sessionID,
		ReporterID:  userID,
		ReportedID:  peer.Owner,
		Reason:      reason,
		Description: description,
	}
	if err := s.reports.Create(ctx, r); err != nil {
		return nil, err
	}

	metrics.ReportsTotal.WithLabelValues(reason).Inc()
	log.Printf("[lifecycle] report filed session=%s reporter=%s reason=%s", sessionID, userID, reason)
	return r, nil
}

// end performs the shared ending path: the registry transition, pool
// withdrawal for unpaired sessions, and the pair-channel announcement.
func (s *Service) end(ctx context.Context, sess *registry.Session, cause string) error {
	alreadyEnded, err := s.registry.End(ctx, sess)
	if err != nil {
		return err
	}
	if alreadyEnded {
		return nil
	}

	if sess.Pair == "" {
		if err := s.pool.Dequeue(ctx, sess.ID); err != nil {
			log.Printf("[lifecycle] dequeue %s: %v", sess.ID, err)
		}
	} else {
		s.realtime.Ended(sess.Pair, sess.ID, cause)
		metrics.ActivePairs.Dec()
	}

	metrics.SessionsEndedTotal.WithLabelValues(cause).Inc()
	return nil
}

// fillFromPreferences overlays stored preference fields onto the stated
// criteria, keeping anything the caller stated explicitly.
func fillFromPreferences(stated, stored compat.Criteria) compat.Criteria {
	out := stated
	if len(out.Interests) == 0 {
		out.Interests = stored.Interests
	}
	if out.AgeRange == nil {
		out.AgeRange = stored.AgeRange
	}
	if out.Location == "" {
		out.Location = stored.Location
	}
	if out.Gender == "" {
		out.Gender = stored.Gender
	}
	if out.Modality == "" {
		out.Modality = stored.Modality
	}
	return out
}
