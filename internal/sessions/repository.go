package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/examprep/backend/internal/ledger"
	"github.com/examprep/backend/internal/models"
	"github.com/examprep/backend/internal/progress"
)

// MutateFunc edits a locked session in place and reports whether it changed.
// Returning an error discards every change.
type MutateFunc func(s *models.ExamSession) (bool, error)

type Repository interface {
	Get(ctx context.Context, id string) (*models.ExamSession, error)
	// FindActive returns the active session for the pair, or nil, without
	// taking any lock.
	FindActive(ctx context.Context, studentID, structureID int64) (*models.ExamSession, error)
	// Mutate runs fn with the session locked against concurrent writers.
	Mutate(ctx context.Context, id string, fn MutateFunc) (*models.ExamSession, error)
	// InStartTx runs fn in one unit of work serialized per student. Nothing
	// fn wrote survives if it returns an error. fn must only touch storage
	// through uow.
	InStartTx(ctx context.Context, studentID, structureID int64, fn func(ctx context.Context, uow StartUnit) error) error
	// InGradeTx runs fn with the session locked. Session edits, ledger
	// appends and progress changes made through uow commit together.
	InGradeTx(ctx context.Context, id string, fn func(ctx context.Context, uow GradeUnit) error) (*models.ExamSession, error)
	// ListExpirable returns active sessions whose deadline is at or before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error)
	// ListPendingHandoff returns terminal sessions not yet sent to grading.
	ListPendingHandoff(ctx context.Context, limit int) ([]string, error)
}

// StartUnit is the view of storage available while starting a session.
type StartUnit interface {
	FindActive(ctx context.Context, studentID, structureID int64) (*models.ExamSession, error)
	Save(ctx context.Context, s *models.ExamSession) error
	Insert(ctx context.Context, s *models.ExamSession) error
	Ledger() ledger.Ledger
}

// GradeUnit is the view of storage available while applying grades.
type GradeUnit interface {
	// Session is the locked session; edits to it are saved on commit.
	Session() *models.ExamSession
	Ledger() ledger.Ledger
	Progress() progress.Store
}

// ── Memory ─────────────────────────────────────────────

// MemoryRepository keeps sessions in a map. Start units hold a keyed mutex
// and stage their writes until fn returns without error.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]*models.ExamSession
	ledger   *ledger.Memory
	progress *progress.Memory

	keyMu sync.Mutex
	keys  map[string]*sync.Mutex

	// FailInsert, when set, makes every Insert fail.
	FailInsert error
}

func NewMemoryRepository(l *ledger.Memory, p *progress.Memory) *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*models.ExamSession),
		ledger:   l,
		progress: p,
		keys:     make(map[string]*sync.Mutex),
	}
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*models.ExamSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (r *MemoryRepository) FindActive(ctx context.Context, studentID, structureID int64) (*models.ExamSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findActive(studentID, structureID), nil
}

// findActive requires r.mu.
func (r *MemoryRepository) findActive(studentID, structureID int64) *models.ExamSession {
	for _, s := range r.sessions {
		if s.StudentID == studentID && s.StructureID == structureID && s.Status.Active() {
			return s.Clone()
		}
	}
	return nil
}

func (r *MemoryRepository) Mutate(ctx context.Context, id string, fn MutateFunc) (*models.ExamSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	work := cur.Clone()
	changed, err := fn(work)
	if err != nil {
		return nil, err
	}
	if changed {
		r.sessions[id] = work
	}
	return work.Clone(), nil
}

func (r *MemoryRepository) lockKey(key string) *sync.Mutex {
	r.keyMu.Lock()
	defer r.keyMu.Unlock()
	m, ok := r.keys[key]
	if !ok {
		m = &sync.Mutex{}
		r.keys[key] = m
	}
	return m
}

func (r *MemoryRepository) InStartTx(ctx context.Context, studentID, structureID int64, fn func(ctx context.Context, uow StartUnit) error) error {
	m := r.lockKey(fmt.Sprintf("%d", studentID))
	m.Lock()
	defer m.Unlock()

	uow := &memoryUnit{repo: r, staged: r.ledger.Stage()}
	if err := fn(ctx, uow); err != nil {
		return err
	}
	return uow.commit(ctx)
}

func (r *MemoryRepository) InGradeTx(ctx context.Context, id string, fn func(ctx context.Context, uow GradeUnit) error) (*models.ExamSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}

	uow := &memoryGradeUnit{sess: cur.Clone(), ledger: r.ledger.Stage(), progress: r.progress.Stage()}
	if err := fn(ctx, uow); err != nil {
		return nil, err
	}
	if err := uow.ledger.Flush(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}
	uow.progress.Flush()
	r.sessions[id] = uow.sess
	return uow.sess.Clone(), nil
}

func (r *MemoryRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return r.list(limit, func(s *models.ExamSession) bool {
		return s.Status.Active() && !now.Before(s.DeadlineAt)
	}), nil
}

func (r *MemoryRepository) ListPendingHandoff(ctx context.Context, limit int) ([]string, error) {
	return r.list(limit, func(s *models.ExamSession) bool {
		return (s.Status == models.StatusSubmitted || s.Status == models.StatusExpired) && s.HandedOffAt == nil
	}), nil
}

func (r *MemoryRepository) list(limit int, keep func(*models.ExamSession) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ExamSession
	for _, s := range r.sessions {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadlineAt.Before(out[j].DeadlineAt) })
	ids := make([]string, 0, len(out))
	for _, s := range out {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, s.ID)
	}
	return ids
}

// Count returns how many sessions are stored.
func (r *MemoryRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

type memoryUnit struct {
	repo    *MemoryRepository
	staged  *ledger.Staged
	saved   []*models.ExamSession
	created []*models.ExamSession
}

func (u *memoryUnit) FindActive(ctx context.Context, studentID, structureID int64) (*models.ExamSession, error) {
	u.repo.mu.Lock()
	defer u.repo.mu.Unlock()
	return u.repo.findActive(studentID, structureID), nil
}

func (u *memoryUnit) Save(ctx context.Context, s *models.ExamSession) error {
	u.saved = append(u.saved, s.Clone())
	return nil
}

func (u *memoryUnit) Insert(ctx context.Context, s *models.ExamSession) error {
	if u.repo.FailInsert != nil {
		return u.repo.FailInsert
	}
	u.created = append(u.created, s.Clone())
	return nil
}

func (u *memoryUnit) Ledger() ledger.Ledger {
	return u.staged
}

func (u *memoryUnit) commit(ctx context.Context) error {
	if err := u.staged.Flush(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}
	u.repo.mu.Lock()
	defer u.repo.mu.Unlock()
	for _, s := range u.saved {
		u.repo.sessions[s.ID] = s
	}
	for _, s := range u.created {
		u.repo.sessions[s.ID] = s
	}
	return nil
}

type memoryGradeUnit struct {
	sess     *models.ExamSession
	ledger   *ledger.Staged
	progress *progress.Staged
}

func (u *memoryGradeUnit) Session() *models.ExamSession { return u.sess }
func (u *memoryGradeUnit) Ledger() ledger.Ledger { return u.ledger }
func (u *memoryGradeUnit) Progress() progress.Store { return u.progress }
