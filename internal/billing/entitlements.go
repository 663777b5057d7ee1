package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// Entitlements answers whether a student may receive AI-graded questions.
type Entitlements interface {
	MayUseAIGrading(ctx context.Context, studentID int64) (bool, error)
}

// AllowAll grants AI grading to everyone.
type AllowAll struct{}

func (AllowAll) MayUseAIGrading(ctx context.Context, studentID int64) (bool, error) {
	return true, nil
}

const PlanFree = "free"

// SQLStore reads student_entitlements. Students without a row are on the
// free plan with no credits.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) MayUseAIGrading(ctx context.Context, studentID int64) (bool, error) {
	var plan string
	var credits int
	err := s.db.QueryRowContext(ctx,
		`SELECT plan, ai_credits_left FROM student_entitlements WHERE student_id = $1`,
		studentID,
	).Scan(&plan, &credits)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get entitlements: %w", err)
	}
	return allowed(plan, credits), nil
}

func allowed(plan string, credits int) bool {
	return plan != PlanFree || credits > 0
}

// Memory is a map-backed Entitlements for offline mode and tests.
type Memory struct {
	mu    sync.RWMutex
	plans map[int64]string
	cred  map[int64]int
}

func NewMemory() *Memory {
	return &Memory{plans: make(map[int64]string), cred: make(map[int64]int)}
}

func (m *Memory) Set(studentID int64, plan string, credits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[studentID] = plan
	m.cred[studentID] = credits
}

func (m *Memory) MayUseAIGrading(ctx context.Context, studentID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan, ok := m.plans[studentID]
	if !ok {
		return false, nil
	}
	return allowed(plan, m.cred[studentID]), nil
}
