package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/examprep/backend/internal/models"
	"github.com/lib/pq"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Store struct {
	db DBTX
}

func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// ── Appends ────────────────────────────────────────────

func (s *Store) RecordShown(ctx context.Context, studentID int64, sessionID string, questionIDs []int64, shownAt time.Time) error {
	if len(questionIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (student_id, question_id, session_id, kind, shown_at)
		 SELECT $1, q, $2, $3, $4 FROM unnest($5::bigint[]) AS q`,
		studentID, sessionID, models.UsageShown, shownAt, pq.Array(questionIDs),
	)
	if err != nil {
		return fmt.Errorf("%w: record shown: %v", ErrWrite, err)
	}
	return nil
}

func (s *Store) RecordSubmission(ctx context.Context, studentID int64, sessionID string, questionID int64, score *float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (student_id, question_id, session_id, kind, shown_at, submitted_at, score)
		 SELECT $1, $2, $3, $4, COALESCE(MAX(shown_at), $5), $5, $6
		 FROM usage_records
		 WHERE student_id = $1 AND question_id = $2 AND session_id = $3 AND kind = 'shown'`,
		studentID, questionID, sessionID, models.UsageSubmitted, at, score,
	)
	if err != nil {
		return fmt.Errorf("%w: record submission: %v", ErrWrite, err)
	}
	return nil
}

// ── Queries ────────────────────────────────────────────

func (s *Store) ExclusionSet(ctx context.Context, studentID int64, window time.Duration, now time.Time) (map[int64]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT question_id FROM usage_records
		 WHERE student_id = $1 AND kind = 'shown' AND shown_at > $2 AND shown_at <= $3`,
		studentID, now.Add(-window), now,
	)
	if err != nil {
		return nil, fmt.Errorf("exclusion set: %w", err)
	}
	defer rows.Close()

	set := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan exclusion: %w", err)
		}
		set[id] = struct{}{}
	}
	return set, rows.Err()
}

func (s *Store) Frequency(ctx context.Context, studentID, questionID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_records
		 WHERE student_id = $1 AND question_id = $2 AND kind = 'shown'`,
		studentID, questionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("frequency: %w", err)
	}
	return n, nil
}

func (s *Store) Frequencies(ctx context.Context, studentID int64, ids []int64) (map[int64]int, error) {
	out := make(map[int64]int)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_id, COUNT(*) FROM usage_records
		 WHERE student_id = $1 AND kind = 'shown' AND question_id = ANY($2)
		 GROUP BY question_id`,
		studentID, pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("frequencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan frequency: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}
