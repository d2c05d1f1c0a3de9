package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flavourstalk/chat-core/internal/chaterr"
	"github.com/flavourstalk/chat-core/internal/compat"
)

const (
	// SessionPrefix is the Redis key prefix for session hashes.
	SessionPrefix = "sess:"

	// UserSessionPrefix maps a user id to their most recent session id.
	UserSessionPrefix = "usersess:"

	// PairSeqPrefix is the per-pair message sequence counter.
	PairSeqPrefix = "pairseq:"

	// sessionTTL bounds how long live state sits in Redis. Durable history
	// is the Recorder's job; Redis only has to outlive the conversation.
	sessionTTL = 24 * time.Hour
)

// Recorder receives write-through updates for the durable record store.
// Registry transitions are already serialized per pair by the Lua scripts,
// so Recorder implementations never see conflicting writes for one session.
type Recorder interface {
	RecordSessionCreated(ctx context.Context, s *Session) error
	RecordSessionsMatched(ctx context.Context, a, b *Session) error
	RecordSessionsActivated(ctx context.Context, sessionA, sessionB string) error
	RecordSessionsEnded(ctx context.Context, sessionIDs []string, endedAt time.Time) error
}

// Store manages session records in Redis and owns every state transition.
type Store struct {
	rdb      *redis.Client
	recorder Recorder

	pairScript    *redis.Script
	sendScript    *redis.Script
	endPairScript *redis.Script
	endSoloScript *redis.Script
}

// NewStore creates a session registry backed by the given Redis client.
// recorder may not be nil; use store.Store for the Postgres write-through.
func NewStore(rdb *redis.Client, recorder Recorder) *Store {
	return &Store{
		rdb:           rdb,
		recorder:      recorder,
		pairScript:    redis.NewScript(pairLua),
		sendScript:    redis.NewScript(sendLua),
		endPairScript: redis.NewScript(endPairLua),
		endSoloScript: redis.NewScript(endSoloLua),
	}
}

// Create inserts a new session in waiting state and points the owner's
// current-session key at it.
func (s *Store) Create(ctx context.Context, owner string, criteria compat.Criteria) (*Session, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}

	sess := &Session{
		ID:        uuid.New().String(),
		Owner:     owner,
		Criteria:  criteria,
		State:     StateWaiting,
		CreatedAt: time.Now(),
	}

	pipe := s.rdb.Pipeline()
	key := SessionPrefix + sess.ID
	pipe.HSet(ctx, key, hashFields(sess))
	pipe.Expire(ctx, key, sessionTTL)
	pipe.Set(ctx, UserSessionPrefix+owner, sess.ID, sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("registry: create session: %w", err)
	}

	if err := s.recorder.RecordSessionCreated(ctx, sess); err != nil {
		log.Printf("[registry] record create %s: %v", sess.ID, err)
	}
	return sess, nil
}

// Get retrieves a session by id. Returns a NotFound error if unknown.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	m, err := s.rdb.HGetAll(ctx, SessionPrefix+sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: get session: %w", err)
	}
	sess := sessionFromHash(sessionID, m)
	if sess == nil {
		return nil, chaterr.NotFoundf("session %s not found", sessionID)
	}
	return sess, nil
}

// GetOwned retrieves a session and verifies the actor owns it.
func (s *Store) GetOwned(ctx context.Context, sessionID, userID string) (*Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Owner != userID {
		return nil, chaterr.Unauthorizedf("session %s is not owned by the actor", sessionID)
	}
	return sess, nil
}

// ActiveForUser returns the user's current non-ended session, or nil if the
// user has none.
func (s *Store) ActiveForUser(ctx context.Context, userID string) (*Session, error) {
	id, err := s.rdb.Get(ctx, UserSessionPrefix+userID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: lookup user session: %w", err)
	}
	sess, err := s.Get(ctx, id)
	if err != nil {
		if chaterr.CodeOf(err) == chaterr.CodeNotFound {
			return nil, nil
		}
		return nil, err
	}
	if sess.Terminal() {
		return nil, nil
	}
	return sess, nil
}

// PairAtomically flips both sessions from waiting to matched with mutual
// counterpart links, or neither. The two keys are committed inside one Lua
// script, so no observer ever sees a half-paired state. Keys are passed
// lower-session-id first as the fixed global commit order.
//
// A Conflict error means one side was claimed (or ended) since the caller's
// scan; the caller should rescan rather than treat it as fatal.
func (s *Store) PairAtomically(ctx context.Context, a, b *Session, pairID string) error {
	first, second := a, b
	if second.ID < first.ID {
		first, second = second, first
	}

	now := time.Now()
	res, err := s.pairScript.Run(ctx, s.rdb,
		[]string{SessionPrefix + first.ID, SessionPrefix + second.ID},
		first.ID, second.ID, pairID, now.Unix(),
	).Int()
	if err != nil {
		return fmt.Errorf("registry: pair transition: %w", err)
	}

	switch res {
	case 1:
		// fall through to bookkeeping below
	case -1:
		return chaterr.NotFoundf("session vanished during pairing")
	case -2:
		return claimConflict(first.ID)
	case -3:
		return claimConflict(second.ID)
	default:
		return chaterr.Conflictf("session already claimed by a concurrent match")
	}

	a.State, b.State = StateMatched, StateMatched
	a.Peer, b.Peer = b.ID, a.ID
	a.Pair, b.Pair = pairID, pairID
	a.MatchedAt, b.MatchedAt = now, now

	if err := s.recorder.RecordSessionsMatched(ctx, a, b); err != nil {
		log.Printf("[registry] record match %s<->%s: %v", a.ID, b.ID, err)
	}
	return nil
}

// claimedError records which session lost a pairing race.
type claimedError struct {
	sessionID string
}

func (e *claimedError) Error() string {
	return "session " + e.sessionID + " already claimed"
}

func claimConflict(sessionID string) error {
	return &chaterr.Error{
		Code:    chaterr.CodeConflict,
		Message: "session claimed by a concurrent match",
		Err:     &claimedError{sessionID: sessionID},
	}
}

// ClaimedSession returns the id of the session that was no longer waiting when
// PairAtomically reported a conflict, or empty for any other error. Callers
// use it to tell a lost seeker apart from a lost candidate.
func ClaimedSession(err error) string {
	var c *claimedError
	if errors.As(err, &c) {
		return c.sessionID
	}
	return ""
}

// AllocateMessageSeq validates that the sender's session can carry a message
// and returns the next monotonic per-pair sequence number. The state check,
// the matched->active promotion of both sides, and the sequence increment run
// in one Lua script, so a message sequence is only ever handed out for a
// pair observed in matched or active state.
//
// promoted is true when this call performed the matched->active transition.
func (s *Store) AllocateMessageSeq(ctx context.Context, sender *Session) (seq int64, promoted bool, err error) {
	if sender.Peer == "" || sender.Pair == "" {
		return 0, false, chaterr.InvalidStatef("session %s is not paired", sender.ID)
	}

	vals, err := s.sendScript.Run(ctx, s.rdb, []string{
		SessionPrefix + sender.ID,
		SessionPrefix + sender.Peer,
		PairSeqPrefix + sender.Pair,
	}).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("registry: allocate seq: %w", err)
	}
	if len(vals) != 2 {
		return 0, false, fmt.Errorf("registry: allocate seq: unexpected reply %v", vals)
	}

	switch vals[0] {
	case -1:
		return 0, false, chaterr.NotFoundf("session %s not found", sender.ID)
	case -2:
		return 0, false, chaterr.InvalidStatef("session %s cannot carry messages in its current state", sender.ID)
	}

	seq = vals[0]
	promoted = vals[1] == 1
	if promoted {
		sender.State = StateActive
		if err := s.recorder.RecordSessionsActivated(ctx, sender.ID, sender.Peer); err != nil {
			log.Printf("[registry] record activate %s<->%s: %v", sender.ID, sender.Peer, err)
		}
	}
	return seq, promoted, nil
}

// EndPair moves both sides of a pair to ended. Idempotent: ending an already
// ended pair returns alreadyEnded=true and no error.
func (s *Store) EndPair(ctx context.Context, sess *Session) (alreadyEnded bool, err error) {
	now := time.Now()
	res, err := s.endPairScript.Run(ctx, s.rdb,
		[]string{SessionPrefix + sess.ID, SessionPrefix + sess.Peer},
		now.Unix(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("registry: end pair: %w", err)
	}

	switch res {
	case -1:
		return false, chaterr.NotFoundf("session %s not found", sess.ID)
	case 0:
		return true, nil
	}

	sess.State = StateEnded
	sess.EndedAt = now
	if err := s.recorder.RecordSessionsEnded(ctx, []string{sess.ID, sess.Peer}, now); err != nil {
		log.Printf("[registry] record end pair %s<->%s: %v", sess.ID, sess.Peer, err)
	}
	return false, nil
}

// End moves a session (and its counterpart, when paired) to ended. Valid from
// any non-terminal state; calling it on an ended session is a no-op.
func (s *Store) End(ctx context.Context, sess *Session) (alreadyEnded bool, err error) {
	if sess.Peer != "" {
		return s.EndPair(ctx, sess)
	}

	now := time.Now()
	res, err := s.endSoloScript.Run(ctx, s.rdb,
		[]string{SessionPrefix + sess.ID},
		now.Unix(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("registry: end session: %w", err)
	}

	switch res {
	case -1:
		return false, chaterr.NotFoundf("session %s not found", sess.ID)
	case 0:
		return true, nil
	}

	sess.State = StateEnded
	sess.EndedAt = now
	if err := s.recorder.RecordSessionsEnded(ctx, []string{sess.ID}, now); err != nil {
		log.Printf("[registry] record end %s: %v", sess.ID, err)
	}
	return false, nil
}

// pairLua atomically transitions two waiting sessions to matched with mutual
// counterpart links. Returns 1 on success, -1 if either key is gone, -2/-3 if
// the first/second session is no longer waiting (lost race).
const pairLua = `
local sa = redis.call('HGET', KEYS[1], 'state')
local sb = redis.call('HGET', KEYS[2], 'state')
if not sa or not sb then return -1 end
if sa ~= 'waiting' then return -2 end
if sb ~= 'waiting' then return -3 end

redis.call('HSET', KEYS[1], 'state', 'matched', 'peer', ARGV[2], 'pair', ARGV[3], 'matched_at', ARGV[4])
redis.call('HSET', KEYS[2], 'state', 'matched', 'peer', ARGV[1], 'pair', ARGV[3], 'matched_at', ARGV[4])
return 1
`

// sendLua validates the sender's session state, promotes the pair from
// matched to active on the first message, and increments the per-pair
// sequence. Returns {code|seq, promoted}.
const sendLua = `
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return {-1, 0} end
if state == 'waiting' or state == 'ended' then return {-2, 0} end

local promoted = 0
if state == 'matched' then
    redis.call('HSET', KEYS[1], 'state', 'active')
    local peer = redis.call('HGET', KEYS[2], 'state')
    if peer == 'matched' then
        redis.call('HSET', KEYS[2], 'state', 'active')
    end
    promoted = 1
end

local seq = redis.call('INCR', KEYS[3])
return {seq, promoted}
`

// endPairLua ends both sides of a pair. Returns 1 on transition, 0 if the
// calling side was already ended (idempotent), -1 if the key is gone. The
// counterpart is ended too unless it already is.
const endPairLua = `
local sa = redis.call('HGET', KEYS[1], 'state')
if not sa then return -1 end
if sa == 'ended' then return 0 end

redis.call('HSET', KEYS[1], 'state', 'ended', 'ended_at', ARGV[1])
local sb = redis.call('HGET', KEYS[2], 'state')
if sb and sb ~= 'ended' then
    redis.call('HSET', KEYS[2], 'state', 'ended', 'ended_at', ARGV[1])
end
return 1
`

// endSoloLua ends an unpaired session. Same return convention as endPairLua.
const endSoloLua = `
local s = redis.call('HGET', KEYS[1], 'state')
if not s then return -1 end
if s == 'ended' then return 0 end
redis.call('HSET', KEYS[1], 'state', 'ended', 'ended_at', ARGV[1])
return 1
`
