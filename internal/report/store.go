// Package report persists abuse reports in PostgreSQL for moderator review.
// A report records who reported whom, in which room, and why. Users are
// anonymous, so both sides are identified by their ban fingerprint.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Reasons the client offers as buttons. Anything else is filed as "other"
// with the original text kept in Detail.
const (
	ReasonInappropriate = "inappropriate"
	ReasonHarassment    = "harassment"
	ReasonSpam          = "spam"
	ReasonUnderage      = "underage"
	ReasonOther         = "other"
)

// MaxDetailLength bounds the free-form text stored with a report, in runes.
const MaxDetailLength = 200

var knownReasons = map[string]bool{
	ReasonInappropriate: true,
	ReasonHarassment:    true,
	ReasonSpam:          true,
	ReasonUnderage:      true,
	ReasonOther:         true,
}

// Report is one stored abuse report.
type Report struct {
	ID                  int64
	ReporterFingerprint string
	ReportedFingerprint string
	RoomID              string
	Reason              string
	Detail              string
	CreatedAt           time.Time
}

// NormalizeReason maps client input onto a stored reason and detail text.
func NormalizeReason(raw string) (reason, detail string) {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	if knownReasons[lower] {
		return lower, ""
	}
	if raw == "" {
		return ReasonOther, ""
	}
	if utf8.RuneCountInString(raw) > MaxDetailLength {
		raw = string([]rune(raw)[:MaxDetailLength])
	}
	return ReasonOther, raw
}

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a report and fills in its ID and CreatedAt. The reason is
// normalized first, so arbitrary client text never fails the insert.
func (s *Store) Create(ctx context.Context, r *Report) error {
	if r.ReportedFingerprint == "" {
		return fmt.Errorf("report: reported fingerprint is empty")
	}
	reason, detail := NormalizeReason(r.Reason)
	r.Reason = reason
	if r.Detail == "" {
		r.Detail = detail
	}

	const query = `
		INSERT INTO abuse_reports (reporter_fingerprint, reported_fingerprint, room_id, reason, detail)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		r.ReporterFingerprint,
		r.ReportedFingerprint,
		r.RoomID,
		r.Reason,
		r.Detail,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against a fingerprint
// within the given window.
func (s *Store) CountRecent(ctx context.Context, reportedFingerprint string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_fingerprint = $1
		  AND created_at >= $2`

	var count int
	since := time.Now().Add(-window)
	err := s.db.QueryRowContext(ctx, query, reportedFingerprint, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}

// ListRecent returns up to limit reports against a fingerprint, newest first.
func (s *Store) ListRecent(ctx context.Context, reportedFingerprint string, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `
		SELECT id, reporter_fingerprint, reported_fingerprint, room_id, reason, detail, created_at
		FROM abuse_reports
		WHERE reported_fingerprint = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, reportedFingerprint, limit)
	if err != nil {
		return nil, fmt.Errorf("report: list recent: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var r Report
		if err := rows.Scan(&r.ID, &r.ReporterFingerprint, &r.ReportedFingerprint,
			&r.RoomID, &r.Reason, &r.Detail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("report: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: list recent: %w", err)
	}
	return out, nil
}
