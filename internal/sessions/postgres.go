package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/examprep/backend/internal/ledger"
	"github.com/examprep/backend/internal/models"
	"github.com/examprep/backend/internal/progress"
)

// SQLRepository stores sessions in exam_sessions. Start units take a
// transaction-scoped advisory lock on the student. Units hold one pooled
// connection and run every statement on it.
type SQLRepository struct {
	db       *sql.DB
	progress *progress.SQLStore
}

func NewSQLRepository(db *sql.DB, p *progress.SQLStore) *SQLRepository {
	return &SQLRepository{db: db, progress: p}
}

const sessionCols = `id, student_id, structure_id, status, sections, answers, total_points,
	skipped, shortfalls, score, created_at, started_at, deadline_at,
	submitted_at, handed_off_at, graded_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.ExamSession, error) {
	var s models.ExamSession
	var sections, answers, skipped, shortfalls []byte
	err := row.Scan(&s.ID, &s.StudentID, &s.StructureID, &s.Status, &sections, &answers, &s.TotalPoints,
		&skipped, &shortfalls, &s.Score, &s.CreatedAt, &s.StartedAt, &s.DeadlineAt,
		&s.SubmittedAt, &s.HandedOffAt, &s.GradedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	for _, f := range []struct {
		raw []byte
		dst interface{}
	}{
		{sections, &s.Sections},
		{answers, &s.Answers},
		{skipped, &s.Skipped},
		{shortfalls, &s.Shortfalls},
	} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", s.ID, err)
		}
	}
	if s.Answers == nil {
		s.Answers = make(map[int64]json.RawMessage)
	}
	return &s, nil
}

func (r *SQLRepository) Get(ctx context.Context, id string) (*models.ExamSession, error) {
	return scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM exam_sessions WHERE id = $1`, id))
}

func (r *SQLRepository) FindActive(ctx context.Context, studentID, structureID int64) (*models.ExamSession, error) {
	return findActive(ctx, r.db, studentID, structureID, "")
}

func (r *SQLRepository) Mutate(ctx context.Context, id string, fn MutateFunc) (*models.ExamSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin session tx: %w", err)
	}
	defer tx.Rollback()

	s, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM exam_sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	changed, err := fn(s)
	if err != nil {
		return nil, err
	}
	if !changed {
		return s, nil
	}
	if err := update(ctx, tx, s); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session: %w", err)
	}
	return s, nil
}

func update(ctx context.Context, tx *sql.Tx, s *models.ExamSession) error {
	answers, err := json.Marshal(s.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE exam_sessions SET
		    status = $2, answers = $3, score = $4,
		    submitted_at = $5, handed_off_at = $6, graded_at = $7
		 WHERE id = $1`,
		s.ID, s.Status, answers, s.Score, s.SubmittedAt, s.HandedOffAt, s.GradedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (r *SQLRepository) InStartTx(ctx context.Context, studentID, structureID int64, fn func(ctx context.Context, uow StartUnit) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrLedgerWrite, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		fmt.Sprintf("exam_session:%d", studentID),
	)
	if err != nil {
		return fmt.Errorf("%w: lock: %v", ErrLedgerWrite, err)
	}

	if err := fn(ctx, &sqlUnit{tx: tx, ledger: ledger.NewStore(tx)}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrLedgerWrite, err)
	}
	return nil
}

func (r *SQLRepository) InGradeTx(ctx context.Context, id string, fn func(ctx context.Context, uow GradeUnit) error) (*models.ExamSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin grade tx: %w", err)
	}
	defer tx.Rollback()

	s, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM exam_sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	uow := &sqlGradeUnit{sess: s, ledger: ledger.NewStore(tx), progress: r.progress.WithTx(tx)}
	if err := fn(ctx, uow); err != nil {
		return nil, err
	}
	if err := update(ctx, tx, s); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit grades: %w", err)
	}
	return s, nil
}

func (r *SQLRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return r.listIDs(ctx,
		`SELECT id FROM exam_sessions
		 WHERE status IN ('created', 'in_progress') AND deadline_at <= $1
		 ORDER BY deadline_at LIMIT $2`,
		now, limit)
}

func (r *SQLRepository) ListPendingHandoff(ctx context.Context, limit int) ([]string, error) {
	return r.listIDs(ctx,
		`SELECT id FROM exam_sessions
		 WHERE status IN ('submitted', 'expired') AND handed_off_at IS NULL
		 ORDER BY deadline_at LIMIT $1`,
		limit)
}

func (r *SQLRepository) listIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type sqlUnit struct {
	tx     *sql.Tx
	ledger *ledger.Store
}

func (u *sqlUnit) FindActive(ctx context.Context, studentID, structureID int64) (*models.ExamSession, error) {
	return findActive(ctx, u.tx, studentID, structureID, " FOR UPDATE")
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func findActive(ctx context.Context, q queryRower, studentID, structureID int64, lock string) (*models.ExamSession, error) {
	s, err := scanSession(q.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM exam_sessions
		 WHERE student_id = $1 AND structure_id = $2 AND status IN ('created', 'in_progress')`+lock,
		studentID, structureID))
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	return s, err
}

func (u *sqlUnit) Save(ctx context.Context, s *models.ExamSession) error {
	return update(ctx, u.tx, s)
}

func (u *sqlUnit) Insert(ctx context.Context, s *models.ExamSession) error {
	var blobs [4][]byte
	for i, v := range []interface{}{s.Sections, s.Answers, s.Skipped, s.Shortfalls} {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		blobs[i] = b
	}
	_, err := u.tx.ExecContext(ctx,
		`INSERT INTO exam_sessions (id, student_id, structure_id, status, sections, answers,
		    total_points, skipped, shortfalls, created_at, started_at, deadline_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.StudentID, s.StructureID, s.Status, blobs[0], blobs[1],
		s.TotalPoints, blobs[2], blobs[3], s.CreatedAt, s.StartedAt, s.DeadlineAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (u *sqlUnit) Ledger() ledger.Ledger {
	return u.ledger
}

type sqlGradeUnit struct {
	sess     *models.ExamSession
	ledger   *ledger.Store
	progress *progress.SQLStore
}

func (u *sqlGradeUnit) Session() *models.ExamSession { return u.sess }
func (u *sqlGradeUnit) Ledger() ledger.Ledger { return u.ledger }
func (u *sqlGradeUnit) Progress() progress.Store { return u.progress }
