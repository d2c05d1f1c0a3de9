// Package prefs stores each user's durable chat preferences: the defaults
// used to pre-fill a new session's criteria. Preferences have their own
// lifecycle — the user may create or update them at any time, and they
// outlive individual sessions.
package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/flavourstalk/chat-core/internal/chaterr"
	"github.com/flavourstalk/chat-core/internal/compat"
)

// Preferences are one user's stored matching defaults.
type Preferences struct {
	UserID    string          `json:"user_id"`
	Criteria  compat.Criteria `json:"criteria"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store manages chat preferences in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a preferences store over the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert validates and stores a user's preferences, replacing any previous
// ones.
func (s *Store) Upsert(ctx context.Context, userID string, criteria compat.Criteria) (*Preferences, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}

	ageMin, ageMax := sql.NullInt32{}, sql.NullInt32{}
	if criteria.AgeRange != nil {
		ageMin = sql.NullInt32{Int32: int32(criteria.AgeRange.Min), Valid: true}
		ageMax = sql.NullInt32{Int32: int32(criteria.AgeRange.Max), Valid: true}
	}

	const query = `
		INSERT INTO chat_preferences (user_id, interests, age_min, age_max, location, gender, modality, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			interests = EXCLUDED.interests,
			age_min = EXCLUDED.age_min,
			age_max = EXCLUDED.age_max,
			location = EXCLUDED.location,
			gender = EXCLUDED.gender,
			modality = EXCLUDED.modality,
			updated_at = NOW()
		RETURNING updated_at`

	p := &Preferences{UserID: userID, Criteria: criteria}
	err := s.db.QueryRowContext(ctx, query,
		userID, pq.Array(criteria.Interests), ageMin, ageMax,
		criteria.Location, criteria.Gender, criteria.Modality,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("prefs: upsert: %w", err)
	}
	return p, nil
}

// Get returns a user's stored preferences, or a NotFound error if the user
// has never saved any.
func (s *Store) Get(ctx context.Context, userID string) (*Preferences, error) {
	const query = `
		SELECT interests, age_min, age_max, COALESCE(location, ''), COALESCE(gender, ''), modality, updated_at
		FROM chat_preferences WHERE user_id = $1`

	p := &Preferences{UserID: userID}
	var interests pq.StringArray
	var ageMin, ageMax sql.NullInt32
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&interests, &ageMin, &ageMax, &p.Criteria.Location, &p.Criteria.Gender,
		&p.Criteria.Modality, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chaterr.NotFoundf("no preferences stored for user")
	}
	if err != nil {
		return nil, fmt.Errorf("prefs: get: %w", err)
	}

	p.Criteria.Interests = interests
	if ageMin.Valid {
		p.Criteria.AgeRange = &compat.AgeRange{Min: int(ageMin.Int32), Max: int(ageMax.Int32)}
	}
	return p, nil
}
