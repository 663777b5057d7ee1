package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/examprep/backend/internal/models"
)

// Memory keeps usage records in a slice. Records are only ever appended.
type Memory struct {
	mu      sync.RWMutex
	records []models.UsageRecord
	batches int

	// FailWrites, when set, makes every append fail with ErrWrite.
	FailWrites error
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) RecordShown(ctx context.Context, studentID int64, sessionID string, questionIDs []int64, shownAt time.Time) error {
	if m.FailWrites != nil {
		return fmt.Errorf("%w: %v", ErrWrite, m.FailWrites)
	}
	if len(questionIDs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range questionIDs {
		m.records = append(m.records, models.UsageRecord{
			ID:         int64(len(m.records) + 1),
			StudentID:  studentID,
			QuestionID: id,
			SessionID:  sessionID,
			Kind:       models.UsageShown,
			ShownAt:    shownAt,
		})
	}
	m.batches++
	return nil
}

func (m *Memory) RecordSubmission(ctx context.Context, studentID int64, sessionID string, questionID int64, score *float64, at time.Time) error {
	if m.FailWrites != nil {
		return fmt.Errorf("%w: %v", ErrWrite, m.FailWrites)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	shownAt := at
	for _, r := range m.records {
		if r.Kind == models.UsageShown && r.StudentID == studentID && r.QuestionID == questionID && r.SessionID == sessionID {
			shownAt = r.ShownAt
		}
	}
	submitted := at
	m.records = append(m.records, models.UsageRecord{
		ID:          int64(len(m.records) + 1),
		StudentID:   studentID,
		QuestionID:  questionID,
		SessionID:   sessionID,
		Kind:        models.UsageSubmitted,
		ShownAt:     shownAt,
		SubmittedAt: &submitted,
		Score:       score,
	})
	return nil
}

func (m *Memory) ExclusionSet(ctx context.Context, studentID int64, window time.Duration, now time.Time) (map[int64]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	from := now.Add(-window)
	set := make(map[int64]struct{})
	for _, r := range m.records {
		if r.Kind != models.UsageShown || r.StudentID != studentID {
			continue
		}
		if r.ShownAt.After(from) && !r.ShownAt.After(now) {
			set[r.QuestionID] = struct{}{}
		}
	}
	return set, nil
}

func (m *Memory) Frequency(ctx context.Context, studentID, questionID int64) (int, error) {
	freq, err := m.Frequencies(ctx, studentID, []int64{questionID})
	if err != nil {
		return 0, err
	}
	return freq[questionID], nil
}

func (m *Memory) Frequencies(ctx context.Context, studentID int64, ids []int64) (map[int64]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make(map[int64]int)
	for _, r := range m.records {
		if r.Kind != models.UsageShown || r.StudentID != studentID {
			continue
		}
		if _, ok := want[r.QuestionID]; ok {
			out[r.QuestionID]++
		}
	}
	return out, nil
}

// Records returns a copy of every record, oldest first.
func (m *Memory) Records() []models.UsageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.UsageRecord(nil), m.records...)
}

// ShownBatches counts successful RecordShown calls with at least one id.
func (m *Memory) ShownBatches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batches
}

// Staged buffers appends until Flush so an enclosing unit of work can
// commit or discard them together with its other writes. Reads go straight
// to the parent.
type Staged struct {
	*Memory
	pending []func(ctx context.Context) error
}

func (m *Memory) Stage() *Staged {
	return &Staged{Memory: m}
}

func (s *Staged) RecordShown(ctx context.Context, studentID int64, sessionID string, questionIDs []int64, shownAt time.Time) error {
	if s.FailWrites != nil {
		return fmt.Errorf("%w: %v", ErrWrite, s.FailWrites)
	}
	ids := append([]int64(nil), questionIDs...)
	s.pending = append(s.pending, func(ctx context.Context) error {
		return s.Memory.RecordShown(ctx, studentID, sessionID, ids, shownAt)
	})
	return nil
}

func (s *Staged) RecordSubmission(ctx context.Context, studentID int64, sessionID string, questionID int64, score *float64, at time.Time) error {
	if s.FailWrites != nil {
		return fmt.Errorf("%w: %v", ErrWrite, s.FailWrites)
	}
	s.pending = append(s.pending, func(ctx context.Context) error {
		return s.Memory.RecordSubmission(ctx, studentID, sessionID, questionID, score, at)
	})
	return nil
}

// Flush appends every staged write to the parent ledger.
func (s *Staged) Flush(ctx context.Context) error {
	for _, write := range s.pending {
		if err := write(ctx); err != nil {
			return err
		}
	}
	s.pending = nil
	return nil
}
