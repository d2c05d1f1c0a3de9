// Package records is the durable record store for session history, match
// audit rows, and chat messages, backed by PostgreSQL. Sessions are never
// physically deleted; ended sessions stay queryable forever. The package
// also implements registry.Recorder, receiving write-through updates for
// every state transition the registry commits.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/flavourstalk/chat-core/internal/chaterr"
	"github.com/flavourstalk/chat-core/internal/registry"
)

// Match is the immutable audit record of a successful pairing. Its ID doubles
// as the pair id both sessions link to.
type Match struct {
	ID              string
	SessionA        string
	SessionB        string
	UserA           string
	UserB           string
	Score           float64
	SharedInterests []string
	CreatedAt       time.Time
}

// Message is one durable chat message, owned by a session pair.
type Message struct {
	PairID    string    `json:"pair_id"`
	Seq       int64     `json:"seq"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionRow is the durable view of one session record.
type SessionRow struct {
	ID        string     `json:"id"`
	Owner     string     `json:"-"`
	State     string     `json:"state"`
	PairID    string     `json:"pair_id,omitempty"`
	Interests []string   `json:"interests"`
	Modality  string     `json:"modality"`
	CreatedAt time.Time  `json:"created_at"`
	MatchedAt *time.Time `json:"matched_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Stats is the aggregate counter snapshot served by the stats endpoint.
type Stats struct {
	SessionsTotal int64 `json:"sessions_total"`
	SessionsEnded int64 `json:"sessions_ended"`
	MatchesTotal  int64 `json:"matches_total"`
	MessagesTotal int64 `json:"messages_total"`
	BlocksTotal   int64 `json:"blocks_total"`
	ReportsTotal  int64 `json:"reports_total"`
}

// Store wraps the PostgreSQL handle for all durable chat records.
type Store struct {
	db *sql.DB
}

// NewStore creates a record store over the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ---------------------------------------------------------------------------
// registry.Recorder implementation (write-through from state transitions)
// ---------------------------------------------------------------------------

// RecordSessionCreated inserts the durable row for a fresh waiting session.
func (s *Store) RecordSessionCreated(ctx context.Context, sess *registry.Session) error {
	ageMin, ageMax := sql.NullInt32{}, sql.NullInt32{}
	if sess.Criteria.AgeRange != nil {
		ageMin = sql.NullInt32{Int32: int32(sess.Criteria.AgeRange.Min), Valid: true}
		ageMax = sql.NullInt32{Int32: int32(sess.Criteria.AgeRange.Max), Valid: true}
	}

	const query = `
		INSERT INTO chat_sessions
			(id, owner_id, interests, age_min, age_max, location, gender, modality, state, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.Owner, pq.Array(sess.Criteria.Interests),
		ageMin, ageMax, sess.Criteria.Location, sess.Criteria.Gender,
		sess.Criteria.Modality, sess.State, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("records: insert session: %w", err)
	}
	return nil
}

// RecordSessionsMatched updates both sides of a freshly committed pairing.
func (s *Store) RecordSessionsMatched(ctx context.Context, a, b *registry.Session) error {
	const query = `
		UPDATE chat_sessions
		SET state = 'matched', peer_session_id = $2, pair_id = $3, matched_at = $4
		WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, a.ID, b.ID, a.Pair, a.MatchedAt); err != nil {
		return fmt.Errorf("records: update matched %s: %w", a.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, query, b.ID, a.ID, b.Pair, b.MatchedAt); err != nil {
		return fmt.Errorf("records: update matched %s: %w", b.ID, err)
	}
	return nil
}

// RecordSessionsActivated marks both sides active on the first message.
func (s *Store) RecordSessionsActivated(ctx context.Context, sessionA, sessionB string) error {
	const query = `UPDATE chat_sessions SET state = 'active' WHERE id = ANY($1) AND state = 'matched'`
	if _, err := s.db.ExecContext(ctx, query, pq.Array([]string{sessionA, sessionB})); err != nil {
		return fmt.Errorf("records: update active: %w", err)
	}
	return nil
}

// RecordSessionsEnded marks the given sessions ended. Already-ended rows keep
// their original end timestamp.
func (s *Store) RecordSessionsEnded(ctx context.Context, sessionIDs []string, endedAt time.Time) error {
	const query = `
		UPDATE chat_sessions
		SET state = 'ended', ended_at = $2
		WHERE id = ANY($1) AND state <> 'ended'`
	if _, err := s.db.ExecContext(ctx, query, pq.Array(sessionIDs), endedAt); err != nil {
		return fmt.Errorf("records: update ended: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Match records
// ---------------------------------------------------------------------------

// CreateMatch inserts the immutable pairing record.
func (s *Store) CreateMatch(ctx context.Context, m *Match) error {
	const query = `
		INSERT INTO chat_matches (id, session_a, session_b, user_a, user_b, score, shared_interests)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query,
		m.ID, m.SessionA, m.SessionB, m.UserA, m.UserB, m.Score, pq.Array(m.SharedInterests),
	).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("records: insert match: %w", err)
	}
	return nil
}

// MatchByID loads one match record.
func (s *Store) MatchByID(ctx context.Context, id string) (*Match, error) {
	const query = `
		SELECT id, session_a, session_b, user_a, user_b, score, shared_interests, created_at
		FROM chat_matches WHERE id = $1`

	var m Match
	var shared pq.StringArray
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.SessionA, &m.SessionB, &m.UserA, &m.UserB, &m.Score, &shared, &m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chaterr.NotFoundf("match %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("records: get match: %w", err)
	}
	m.SharedInterests = shared
	return &m, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// AppendMessage durably stores one message. The (pair_id, seq) primary key
// makes duplicate sequence allocation impossible to persist.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	const query = `
		INSERT INTO chat_messages (pair_id, seq, sender_id, body, type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query, m.PairID, m.Seq, m.SenderID, m.Body, m.Type, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("records: insert message: %w", err)
	}
	return nil
}

// MessagesByPair returns messages for a pair, newest first. beforeSeq == 0
// starts from the latest; otherwise only messages with seq < beforeSeq are
// returned, which gives keyset pagination.
func (s *Store) MessagesByPair(ctx context.Context, pairID string, beforeSeq int64, limit int) ([]*Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	const query = `
		SELECT pair_id, seq, sender_id, body, type, created_at
		FROM chat_messages
		WHERE pair_id = $1 AND ($2 = 0 OR seq < $2)
		ORDER BY seq DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, pairID, beforeSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("records: list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.PairID, &m.Seq, &m.SenderID, &m.Body, &m.Type, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("records: scan message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MessageCountByPair returns the number of messages stored for a pair.
func (s *Store) MessageCountByPair(ctx context.Context, pairID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE pair_id = $1`, pairID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("records: count messages: %w", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// History & stats
// ---------------------------------------------------------------------------

// SessionsByOwner returns a user's sessions, newest first.
func (s *Store) SessionsByOwner(ctx context.Context, owner string, limit int) ([]*SessionRow, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	const query = `
		SELECT id, owner_id, state, COALESCE(pair_id::text, ''), interests, modality,
		       created_at, matched_at, ended_at
		FROM chat_sessions
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("records: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRow
	for rows.Next() {
		var r SessionRow
		var interests pq.StringArray
		if err := rows.Scan(&r.ID, &r.Owner, &r.State, &r.PairID, &interests,
			&r.Modality, &r.CreatedAt, &r.MatchedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("records: scan session: %w", err)
		}
		r.Interests = interests
		out = append(out, &r)
	}
	return out, rows.Err()
}

// AggregateStats returns the durable counters for the stats endpoint.
func (s *Store) AggregateStats(ctx context.Context) (*Stats, error) {
	const query = `
		SELECT
			(SELECT COUNT(*) FROM chat_sessions),
			(SELECT COUNT(*) FROM chat_sessions WHERE state = 'ended'),
			(SELECT COUNT(*) FROM chat_matches),
			(SELECT COUNT(*) FROM chat_messages),
			(SELECT COUNT(*) FROM block_records),
			(SELECT COUNT(*) FROM abuse_reports)`

	var st Stats
	err := s.db.QueryRowContext(ctx, query).Scan(
		&st.SessionsTotal, &st.SessionsEnded, &st.MatchesTotal,
		&st.MessagesTotal, &st.BlocksTotal, &st.ReportsTotal,
	)
	if err != nil {
		return nil, fmt.Errorf("records: aggregate stats: %w", err)
	}
	return &st, nil
}
