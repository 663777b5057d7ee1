package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrWrite marks a failed append. Callers treat it as transient.
var ErrWrite = errors.New("usage ledger write failed")

// Ledger is the append-only history of which questions each student saw.
type Ledger interface {
	RecordShown(ctx context.Context, studentID int64, sessionID string, questionIDs []int64, shownAt time.Time) error
	RecordSubmission(ctx context.Context, studentID int64, sessionID string, questionID int64, score *float64, at time.Time) error
	// ExclusionSet returns every question shown to the student in
	// (now-window, now].
	ExclusionSet(ctx context.Context, studentID int64, window time.Duration, now time.Time) (map[int64]struct{}, error)
	Frequency(ctx context.Context, studentID, questionID int64) (int, error)
	// Frequencies returns all-time shown counts for ids. Ids never shown
	// are absent from the map.
	Frequencies(ctx context.Context, studentID int64, ids []int64) (map[int64]int, error)
}
