package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/examprep/backend/internal/gate"
	"github.com/examprep/backend/internal/models"
)

// Store persists per-student difficulty progress.
type Store interface {
	// Get returns stored progress, or the starting progress for a student
	// that has none.
	Get(ctx context.Context, studentID int64) (models.DifficultyProgress, error)
	// AddPoints applies delta to a tier under a per-student lock.
	AddPoints(ctx context.Context, studentID int64, tier, delta int) (models.DifficultyProgress, error)
}

// ── Postgres ───────────────────────────────────────────

type SQLStore struct {
	db  *sql.DB
	tx  *sql.Tx
	cfg gate.Config
}

func NewSQLStore(db *sql.DB, cfg gate.Config) *SQLStore {
	return &SQLStore{db: db, cfg: cfg}
}

// WithTx returns a store whose reads and writes run inside tx. AddPoints
// then leaves commit to the caller.
func (s *SQLStore) WithTx(tx *sql.Tx) *SQLStore {
	return &SQLStore{db: s.db, tx: tx, cfg: s.cfg}
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLStore) q() queryer {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const progressCols = `student_id, unlocked_difficulty,
	points_tier1, points_tier2, points_tier3, points_tier4, points_tier5, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProgress(row rowScanner) (models.DifficultyProgress, error) {
	var p models.DifficultyProgress
	err := row.Scan(&p.StudentID, &p.UnlockedDifficulty,
		&p.PointsPerTier[0], &p.PointsPerTier[1], &p.PointsPerTier[2],
		&p.PointsPerTier[3], &p.PointsPerTier[4], &p.UpdatedAt)
	return p, err
}

func (s *SQLStore) Get(ctx context.Context, studentID int64) (models.DifficultyProgress, error) {
	p, err := scanProgress(s.q().QueryRowContext(ctx,
		`SELECT `+progressCols+` FROM student_difficulty_progress WHERE student_id = $1`,
		studentID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return gate.NewProgress(s.cfg, studentID), nil
	}
	if err != nil {
		return p, fmt.Errorf("get progress: %w", err)
	}
	return p, nil
}

func (s *SQLStore) AddPoints(ctx context.Context, studentID int64, tier, delta int) (models.DifficultyProgress, error) {
	if s.tx != nil {
		return s.addPoints(ctx, s.tx, studentID, tier, delta)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.DifficultyProgress{}, fmt.Errorf("begin progress tx: %w", err)
	}
	defer tx.Rollback()

	next, err := s.addPoints(ctx, tx, studentID, tier, delta)
	if err != nil {
		return next, err
	}
	if err := tx.Commit(); err != nil {
		return next, fmt.Errorf("commit progress: %w", err)
	}
	return next, nil
}

func (s *SQLStore) addPoints(ctx context.Context, tx *sql.Tx, studentID int64, tier, delta int) (models.DifficultyProgress, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO student_difficulty_progress (student_id, unlocked_difficulty)
		 VALUES ($1, $2) ON CONFLICT (student_id) DO NOTHING`,
		studentID, s.cfg.Base,
	)
	if err != nil {
		return models.DifficultyProgress{}, fmt.Errorf("upsert progress: %w", err)
	}

	cur, err := scanProgress(tx.QueryRowContext(ctx,
		`SELECT `+progressCols+` FROM student_difficulty_progress WHERE student_id = $1 FOR UPDATE`,
		studentID,
	))
	if err != nil {
		return models.DifficultyProgress{}, fmt.Errorf("lock progress: %w", err)
	}

	next, err := gate.ApplyPoints(s.cfg, cur, tier, delta)
	if err != nil {
		return cur, err
	}

	err = tx.QueryRowContext(ctx,
		`UPDATE student_difficulty_progress SET
		    unlocked_difficulty = $2,
		    points_tier1 = $3, points_tier2 = $4, points_tier3 = $5,
		    points_tier4 = $6, points_tier5 = $7, updated_at = NOW()
		 WHERE student_id = $1
		 RETURNING updated_at`,
		studentID, next.UnlockedDifficulty,
		next.PointsPerTier[0], next.PointsPerTier[1], next.PointsPerTier[2],
		next.PointsPerTier[3], next.PointsPerTier[4],
	).Scan(&next.UpdatedAt)
	if err != nil {
		return cur, fmt.Errorf("update progress: %w", err)
	}
	return next, nil
}

// ── Memory ─────────────────────────────────────────────

type Memory struct {
	mu    sync.Mutex
	cfg   gate.Config
	rows  map[int64]models.DifficultyProgress
	calls int

	// FailAfter, when positive, makes every AddPoints call after that many
	// fail.
	FailAfter int
}

func NewMemory(cfg gate.Config) *Memory {
	return &Memory{cfg: cfg, rows: make(map[int64]models.DifficultyProgress)}
}

// Set overwrites a student's progress, as an admin override would.
func (m *Memory) Set(p models.DifficultyProgress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[p.StudentID] = p
}

func (m *Memory) Get(ctx context.Context, studentID int64) (models.DifficultyProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current(studentID), nil
}

func (m *Memory) current(studentID int64) models.DifficultyProgress {
	if p, ok := m.rows[studentID]; ok {
		return p
	}
	return gate.NewProgress(m.cfg, studentID)
}

// failing counts one AddPoints call. Callers hold m.mu.
func (m *Memory) failing() error {
	m.calls++
	if m.FailAfter > 0 && m.calls > m.FailAfter {
		return errors.New("progress store unavailable")
	}
	return nil
}

func (m *Memory) AddPoints(ctx context.Context, studentID int64, tier, delta int) (models.DifficultyProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current(studentID)
	if err := m.failing(); err != nil {
		return cur, err
	}
	next, err := gate.ApplyPoints(m.cfg, cur, tier, delta)
	if err != nil {
		return cur, err
	}
	next.UpdatedAt = time.Now()
	m.rows[studentID] = next
	return next, nil
}

// Stage returns a view that buffers AddPoints until Flush, so an enclosing
// unit of work can apply or discard them with its other writes.
func (m *Memory) Stage() *Staged {
	return &Staged{parent: m, rows: make(map[int64]models.DifficultyProgress)}
}

type Staged struct {
	parent *Memory
	rows   map[int64]models.DifficultyProgress
}

func (s *Staged) Get(ctx context.Context, studentID int64) (models.DifficultyProgress, error) {
	if p, ok := s.rows[studentID]; ok {
		return p, nil
	}
	return s.parent.Get(ctx, studentID)
}

func (s *Staged) AddPoints(ctx context.Context, studentID int64, tier, delta int) (models.DifficultyProgress, error) {
	cur, err := s.Get(ctx, studentID)
	if err != nil {
		return cur, err
	}
	s.parent.mu.Lock()
	err = s.parent.failing()
	s.parent.mu.Unlock()
	if err != nil {
		return cur, err
	}
	next, err := gate.ApplyPoints(s.parent.cfg, cur, tier, delta)
	if err != nil {
		return cur, err
	}
	next.UpdatedAt = time.Now()
	s.rows[studentID] = next
	return next, nil
}

// Flush writes every staged row to the parent store.
func (s *Staged) Flush() {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	for id, p := range s.rows {
		s.parent.rows[id] = p
	}
	s.rows = make(map[int64]models.DifficultyProgress)
}
