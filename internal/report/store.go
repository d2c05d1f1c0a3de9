// Package report provides PostgreSQL-backed storage for abuse reports. Each
// report captures who reported whom within which session. Reports are
// append-only: no update or delete operation is exposed, and filing a report
// never changes session state.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flavourstalk/chat-core/internal/chaterr"
)

// validReasons is the set of allowed reason values, matching the CHECK
// constraint on the abuse_reports table.
var validReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"underage":   true,
	"other":      true,
}

// Report represents a single abuse report to be persisted.
type Report struct {
	ID          int64
	SessionID   string
	ReporterID  string
	ReportedID  string // counterpart identity derived from the session pair
	Reason      string
	Description string
	CreatedAt   time.Time
}

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts an abuse report. The reason is validated against the
// allowed set before insertion.
func (s *Store) Create(ctx context.Context, r *Report) error {
	if !validReasons[r.Reason] {
		return chaterr.Validationf("unknown report reason %q", r.Reason)
	}

	const query = `
		INSERT INTO abuse_reports (session_id, reporter_id, reported_id, reason, description)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		r.SessionID, r.ReporterID, r.ReportedID, r.Reason, r.Description,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against a user within the
// given window, for abuse-rate review.
func (s *Store) CountRecent(ctx context.Context, reportedID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	if err := s.db.QueryRowContext(ctx, query, reportedID, window.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
