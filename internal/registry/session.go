// Package registry is the authoritative store for chat session records and
// their state machine. Live state lives in Redis so that every transition can
// run as an atomic Lua script; a Recorder receives write-through updates for
// the durable history kept in Postgres.
//
// States: waiting -> matched -> active -> ended, plus waiting -> ended
// (cancel) and matched -> ended (skip/end before the first message). Only
// this package writes the state field.
package registry

import (
	"strconv"
	"strings"
	"time"

	"github.com/flavourstalk/chat-core/internal/compat"
)

// Session states.
const (
	StateWaiting = "waiting"
	StateMatched = "matched"
	StateActive  = "active"
	StateEnded   = "ended"
)

// Session is one user's participation record in a matchmaking attempt.
// Once matched it always exists in a pair: Peer holds the counterpart
// session id and Pair the shared pair id, and the counterpart's record
// points back symmetrically.
type Session struct {
	ID        string          `json:"id"`
	Owner     string          `json:"-"`
	Criteria  compat.Criteria `json:"criteria"`
	State     string          `json:"state"`
	Peer      string          `json:"peer_session_id,omitempty"` // counterpart session id, set once matched
	Pair      string          `json:"pair_id,omitempty"`         // pair id shared by both sides, set once matched
	CreatedAt time.Time       `json:"created_at"`
	MatchedAt time.Time       `json:"matched_at"` // zero until matched
	EndedAt   time.Time       `json:"ended_at"`   // zero until ended
}

// Terminal reports whether the session has reached its final state.
func (s *Session) Terminal() bool { return s.State == StateEnded }

// hashFields flattens a session into the Redis hash representation.
func hashFields(s *Session) map[string]interface{} {
	ageMin, ageMax := 0, 0
	if s.Criteria.AgeRange != nil {
		ageMin = s.Criteria.AgeRange.Min
		ageMax = s.Criteria.AgeRange.Max
	}
	return map[string]interface{}{
		"id":         s.ID,
		"owner":      s.Owner,
		"state":      s.State,
		"peer":       s.Peer,
		"pair":       s.Pair,
		"interests":  strings.Join(s.Criteria.Interests, ","),
		"age_min":    ageMin,
		"age_max":    ageMax,
		"location":   s.Criteria.Location,
		"gender":     s.Criteria.Gender,
		"modality":   s.Criteria.Modality,
		"created_at": s.CreatedAt.Unix(),
		"matched_at": unixOrZero(s.MatchedAt),
		"ended_at":   unixOrZero(s.EndedAt),
	}
}

// sessionFromHash rebuilds a session from the raw Redis hash map. Returns nil
// for an empty map (key not found).
func sessionFromHash(id string, m map[string]string) *Session {
	if len(m) == 0 {
		return nil
	}
	s := &Session{
		ID:    id,
		Owner: m["owner"],
		State: m["state"],
		Peer:  m["peer"],
		Pair:  m["pair"],
	}
	if v := m["interests"]; v != "" {
		s.Criteria.Interests = strings.Split(v, ",")
	}
	ageMin, _ := strconv.Atoi(m["age_min"])
	ageMax, _ := strconv.Atoi(m["age_max"])
	if ageMin != 0 || ageMax != 0 {
		s.Criteria.AgeRange = &compat.AgeRange{Min: ageMin, Max: ageMax}
	}
	s.Criteria.Location = m["location"]
	s.Criteria.Gender = m["gender"]
	s.Criteria.Modality = m["modality"]
	s.CreatedAt = timeFromUnixField(m["created_at"])
	s.MatchedAt = timeFromUnixField(m["matched_at"])
	s.EndedAt = timeFromUnixField(m["ended_at"])
	return s
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeFromUnixField(v string) time.Time {
	n, _ := strconv.ParseInt(v, 10, 64)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
