package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/examprep/backend/internal/billing"
	"github.com/examprep/backend/internal/config"
	"github.com/examprep/backend/internal/gate"
	"github.com/examprep/backend/internal/grading"
	"github.com/examprep/backend/internal/ledger"
	"github.com/examprep/backend/internal/logger"
	"github.com/examprep/backend/internal/models"
	"github.com/examprep/backend/internal/progress"
	"github.com/examprep/backend/internal/selection"
	"github.com/examprep/backend/internal/structures"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

type Options struct {
	RecencyWindow  time.Duration
	AcceptPartial  bool
	AIDeniedPolicy config.AIDeniedPolicy
	Gate           gate.Config
}

type Deps struct {
	Repo         Repository
	Catalog      structures.Catalog
	Progress     progress.Store
	Entitlements billing.Entitlements
	Selector     *selection.Selector
	Grading      grading.Handoff
	Log          *logger.Logger
}

type Service struct {
	Deps
	opts  Options
	group singleflight.Group
	now   func() time.Time
}

func NewService(d Deps, opts Options) *Service {
	if d.Grading == nil {
		d.Grading = grading.Noop{}
	}
	d.Log = d.Log.With("component", "sessions")
	return &Service{Deps: d, opts: opts, now: time.Now}
}

// ── Start ─────────────────────────────────────────────

type startResult struct {
	session *models.ExamSession
	resumed bool
}

// StartSession returns the student's active session for the structure, or
// assembles and stores a new one. Concurrent calls for the same pair see the
// same session; a caller that gives up does not cancel it for the others.
func (s *Service) StartSession(ctx context.Context, studentID, structureID int64) (*models.ExamSession, bool, error) {
	key := fmt.Sprintf("%d:%d", studentID, structureID)
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return s.start(shared, studentID, structureID)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, false, r.Err
		}
		res := r.Val.(startResult)
		return res.session.Clone(), res.resumed, nil
	}
}

func (s *Service) start(ctx context.Context, studentID, structureID int64) (startResult, error) {
	active, err := s.Repo.FindActive(ctx, studentID, structureID)
	if err != nil {
		return startResult{}, fmt.Errorf("find active session: %w", err)
	}
	if active != nil && s.now().Before(active.DeadlineAt) {
		s.Log.Info("session resumed", "session_id", active.ID, "student_id", studentID)
		return startResult{session: active, resumed: true}, nil
	}

	// Everything read here uses its own connection, so it happens before
	// the start unit takes one.
	plan, err := s.prepare(ctx, studentID, structureID)
	if err != nil {
		return startResult{}, err
	}

	var out startResult
	var expired *models.ExamSession
	err = s.Repo.InStartTx(ctx, studentID, structureID, func(ctx context.Context, uow StartUnit) error {
		now := s.now()
		active, err := uow.FindActive(ctx, studentID, structureID)
		if err != nil {
			return fmt.Errorf("find active session: %w", err)
		}
		if active != nil {
			if now.Before(active.DeadlineAt) {
				out = startResult{session: active, resumed: true}
				return nil
			}
			if _, err := expire(active); err != nil {
				return err
			}
			if err := uow.Save(ctx, active); err != nil {
				return fmt.Errorf("expire session %s: %w", active.ID, err)
			}
			expired = active
		}

		l := uow.Ledger()
		sess, err := s.assemble(ctx, l, plan, studentID, now)
		if err != nil {
			return err
		}
		if err := uow.Insert(ctx, sess); err != nil {
			return fmt.Errorf("%w: %w", ErrLedgerWrite, err)
		}
		if err := l.RecordShown(ctx, studentID, sess.ID, sess.QuestionIDs(), now); err != nil {
			return fmt.Errorf("%w: %w", ErrLedgerWrite, err)
		}
		out = startResult{session: sess}
		return nil
	})
	if err != nil {
		return out, err
	}

	if expired != nil {
		s.handOff(ctx, expired)
	}
	if out.resumed {
		s.Log.Info("session resumed", "session_id", out.session.ID, "student_id", studentID)
	} else {
		s.Log.Info("session started",
			"session_id", out.session.ID, "student_id", studentID, "structure_id", structureID,
			"questions", len(out.session.QuestionIDs()), "total_points", out.session.TotalPoints)
	}
	return out, nil
}

// startPlan is what assembly needs that does not depend on the ledger.
type startPlan struct {
	def        models.StructureDefinition
	maxAllowed int
	sections   [][]plannedRequirement
	selector   *selection.Selector
}

type plannedRequirement struct {
	req  models.SectionRequirement
	skip bool
}

// prepare loads the structure, the student's ceiling and entitlement, and
// every candidate question the structure could use.
func (s *Service) prepare(ctx context.Context, studentID, structureID int64) (*startPlan, error) {
	def, err := s.Catalog.Get(ctx, structureID)
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, fmt.Errorf("%w: %d", ErrStructureInactive, structureID)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid structure: %w", err)
	}

	prog, err := s.Progress.Get(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	maxAllowed, err := gate.MaxAllowedDifficulty(s.opts.Gate, prog)
	if err != nil {
		s.Log.Error("corrupt difficulty progress", "student_id", studentID, "error", err)
		return nil, err
	}
	aiAllowed, err := s.aiAllowed(ctx, studentID, def)
	if err != nil {
		return nil, err
	}

	plan := &startPlan{def: def, maxAllowed: maxAllowed}
	var fetch []models.SectionRequirement
	for _, sec := range def.Sections {
		reqs := make([]plannedRequirement, 0, len(sec.Requirements))
		for _, req := range sec.Requirements {
			p := plannedRequirement{req: req}
			if req.Type.AIGraded() && !aiAllowed {
				if s.opts.AIDeniedPolicy == config.AIDeniedSkip {
					p.skip = true
				} else {
					p.req.Type = models.TypeSingleChoiceClosed
				}
			}
			if !p.skip {
				fetch = append(fetch, p.req)
			}
			reqs = append(reqs, p)
		}
		plan.sections = append(plan.sections, reqs)
	}

	plan.selector, err = s.Selector.Prefetch(ctx, fetch, maxAllowed)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// assemble runs the prefetched selector over every requirement of the plan.
// Only l is read here.
func (s *Service) assemble(ctx context.Context, l ledger.Ledger, plan *startPlan, studentID int64, now time.Time) (*models.ExamSession, error) {
	recent, err := l.ExclusionSet(ctx, studentID, s.opts.RecencyWindow, now)
	if err != nil {
		return nil, fmt.Errorf("load exclusion set: %w", err)
	}

	sess := &models.ExamSession{
		ID:          uuid.NewString(),
		StudentID:   studentID,
		StructureID: plan.def.ID,
		Status:      models.StatusCreated,
		Answers:     make(map[int64]json.RawMessage),
		CreatedAt:   now,
		StartedAt:   now,
		DeadlineAt:  now.Add(time.Duration(plan.def.DurationMinutes) * time.Minute),
	}
	picked := make(map[int64]struct{})
	freq := func(ctx context.Context, ids []int64) (map[int64]int, error) {
		return l.Frequencies(ctx, studentID, ids)
	}

	var shortfalls []models.SectionShortfall
	for si, reqs := range plan.sections {
		assigned := models.AssignedSection{Title: plan.def.Sections[si].Title, Questions: []models.AssignedQuestion{}}
		for ri, p := range reqs {
			req := p.req
			if p.skip {
				sess.Skipped = append(sess.Skipped, models.SkippedRequirement{
					Section:     si + 1,
					Requirement: ri + 1,
					Type:        req.Type,
					Count:       req.Count,
					Reason:      "ai grading not available",
				})
				continue
			}

			res, err := plan.selector.Select(ctx, selection.Request{
				StudentID:   studentID,
				Requirement: req,
				MaxAllowed:  plan.maxAllowed,
				Recent:      recent,
				Picked:      picked,
				Frequencies: freq,
			})
			if err != nil {
				if errors.Is(err, gate.ErrGateViolation) {
					s.Log.Error("selection above unlocked difficulty", "student_id", studentID, "error", err)
				}
				return nil, err
			}
			if res.Step > selection.StepFresh || res.DegradedRange {
				s.Log.Debug("requirement relaxed",
					"student_id", studentID, "section", si+1, "requirement", ri+1,
					"step", res.Step, "degraded_range", res.DegradedRange, "shortfall", res.Shortfall)
			}

			for _, q := range res.Questions {
				assigned.Questions = append(assigned.Questions, models.AssignedQuestion{
					QuestionID: q.ID,
					Type:       q.Type,
					Category:   q.Category,
					Difficulty: q.Difficulty,
					Points:     req.PointsPerQuestion,
					Content:    q.Content,
				})
				sess.TotalPoints += req.PointsPerQuestion
			}
			if res.Shortfall > 0 {
				shortfalls = append(shortfalls, models.SectionShortfall{
					Section:     si + 1,
					Requirement: ri + 1,
					Wanted:      req.Count,
					Missing:     res.Shortfall,
				})
			}
		}
		sess.Sections = append(sess.Sections, assigned)
	}

	if len(shortfalls) > 0 {
		if !s.opts.AcceptPartial {
			return nil, &PoolExhaustionError{StructureID: plan.def.ID, Shortfalls: shortfalls}
		}
		s.Log.Warn("assembling partial session", "student_id", studentID, "structure_id", plan.def.ID, "short_requirements", len(shortfalls))
		sess.Shortfalls = shortfalls
	}
	if len(sess.QuestionIDs()) == 0 {
		return nil, ErrNothingToAssign
	}
	return sess, nil
}

func (s *Service) aiAllowed(ctx context.Context, studentID int64, def models.StructureDefinition) (bool, error) {
	for _, sec := range def.Sections {
		for _, r := range sec.Requirements {
			if r.Type.AIGraded() {
				ok, err := s.Entitlements.MayUseAIGrading(ctx, studentID)
				if err != nil {
					return false, fmt.Errorf("check ai entitlement: %w", err)
				}
				return ok, nil
			}
		}
	}
	return true, nil
}

// ── Lifecycle ──────────────────────────────────────────

// expire moves an active session past its deadline to expired.
func expire(sess *models.ExamSession) (bool, error) {
	to, err := Transition(sess.Status, EventDeadline)
	if err != nil {
		return false, err
	}
	sess.Status = to
	return true, nil
}

func owned(sess *models.ExamSession, studentID int64) error {
	if sess.StudentID != studentID {
		return ErrNotOwner
	}
	return nil
}

// Get returns the session, expiring it first when its deadline has passed.
// The first read by the owner moves a created session to in_progress.
func (s *Service) Get(ctx context.Context, studentID int64, id string) (*models.ExamSession, error) {
	now := s.now()
	expiredNow := false
	sess, err := s.Repo.Mutate(ctx, id, func(sess *models.ExamSession) (bool, error) {
		if err := owned(sess, studentID); err != nil {
			return false, err
		}
		if sess.Status.Active() && !now.Before(sess.DeadlineAt) {
			expiredNow = true
			return expire(sess)
		}
		if sess.Status != models.StatusCreated {
			return false, nil
		}
		to, err := Transition(sess.Status, EventAccess)
		if err != nil {
			return false, err
		}
		sess.Status = to
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if expiredNow {
		s.handOff(ctx, sess)
	}
	return sess, nil
}

// SaveAnswer stores one answer, last write wins. Writes after the deadline
// or after submission fail with ErrSessionClosed.
func (s *Service) SaveAnswer(ctx context.Context, studentID int64, id string, questionID int64, answer json.RawMessage) (*models.ExamSession, error) {
	now := s.now()
	expiredNow := false
	sess, err := s.Repo.Mutate(ctx, id, func(sess *models.ExamSession) (bool, error) {
		if err := owned(sess, studentID); err != nil {
			return false, err
		}
		if !sess.Status.Active() {
			return false, ErrSessionClosed
		}
		if !now.Before(sess.DeadlineAt) {
			expiredNow = true
			return expire(sess)
		}
		if _, ok := sess.Question(questionID); !ok {
			return false, fmt.Errorf("%w: %d", ErrUnknownQuestion, questionID)
		}
		to, err := Transition(sess.Status, EventAnswer)
		if err != nil {
			return false, err
		}
		sess.Status = to
		sess.Answers[questionID] = answer
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if expiredNow {
		s.handOff(ctx, sess)
		return nil, ErrSessionClosed
	}
	return sess, nil
}

// Finish submits the session and hands it to grading. Finishing an already
// submitted or graded session returns it unchanged.
func (s *Service) Finish(ctx context.Context, studentID int64, id string) (*models.ExamSession, error) {
	now := s.now()
	expiredNow := false
	sess, err := s.Repo.Mutate(ctx, id, func(sess *models.ExamSession) (bool, error) {
		if err := owned(sess, studentID); err != nil {
			return false, err
		}
		switch sess.Status {
		case models.StatusSubmitted, models.StatusGraded:
			return false, nil
		case models.StatusExpired:
			return false, ErrSessionClosed
		}
		if !now.Before(sess.DeadlineAt) {
			expiredNow = true
			return expire(sess)
		}
		to, err := Transition(sess.Status, EventFinish)
		if err != nil {
			return false, err
		}
		sess.Status = to
		sess.SubmittedAt = &now
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if sess.HandedOffAt == nil && (sess.Status == models.StatusSubmitted || sess.Status == models.StatusExpired) {
		if marked := s.handOff(ctx, sess); marked != nil {
			sess = marked
		}
	}
	if expiredNow {
		return nil, ErrSessionClosed
	}
	return sess, nil
}

// handOff sends a terminal session to grading and records the handoff. A
// failure is logged and left for the sweeper. It returns the updated session
// when the handoff was recorded.
func (s *Service) handOff(ctx context.Context, sess *models.ExamSession) *models.ExamSession {
	if err := s.Grading.Submit(ctx, grading.NewSubmission(sess)); err != nil {
		s.Log.Warn("grading handoff failed", "session_id", sess.ID, "error", err)
		return nil
	}
	at := s.now()
	marked, err := s.Repo.Mutate(ctx, sess.ID, func(cur *models.ExamSession) (bool, error) {
		if cur.HandedOffAt != nil {
			return false, nil
		}
		cur.HandedOffAt = &at
		return true, nil
	})
	if err != nil {
		s.Log.Error("record handoff", "session_id", sess.ID, "error", err)
		return nil
	}
	return marked
}

// ── Grading Results ────────────────────────────────────

// ApplyGrades records scores from the grader in one unit of work: one
// ledger submission per question, points added to the tier of each
// question's frozen difficulty, and the move to graded. A failed attempt
// leaves nothing behind, so redelivery applies the result exactly once.
// Results for graded sessions are ignored.
func (s *Service) ApplyGrades(ctx context.Context, res grading.Result) error {
	at := res.GradedAt
	if at.IsZero() {
		at = s.now()
	}

	duplicate := false
	sess, err := s.Repo.InGradeTx(ctx, res.SessionID, func(ctx context.Context, uow GradeUnit) error {
		sess := uow.Session()
		if sess.Status == models.StatusGraded {
			duplicate = true
			return nil
		}
		to, err := Transition(sess.Status, EventGraded)
		if err != nil {
			return err
		}

		total := 0.0
		seen := make(map[int64]struct{}, len(res.Scores))
		for _, sc := range res.Scores {
			q, ok := sess.Question(sc.QuestionID)
			if !ok {
				s.Log.Warn("grading result for unknown question", "session_id", sess.ID, "question_id", sc.QuestionID)
				continue
			}
			if _, dup := seen[q.QuestionID]; dup {
				continue
			}
			seen[q.QuestionID] = struct{}{}

			awarded := math.Max(0, math.Min(sc.Awarded, float64(q.Points)))
			if err := uow.Ledger().RecordSubmission(ctx, sess.StudentID, sess.ID, q.QuestionID, &awarded, at); err != nil {
				return err
			}
			if pts := int(math.Round(awarded)); pts > 0 {
				if _, err := uow.Progress().AddPoints(ctx, sess.StudentID, q.Difficulty, pts); err != nil {
					return fmt.Errorf("add points: %w", err)
				}
			}
			total += awarded
		}

		sess.Status = to
		sess.Score = &total
		sess.GradedAt = &at
		return nil
	})
	if err != nil {
		return err
	}

	if duplicate {
		s.Log.Info("ignoring duplicate grading result", "session_id", sess.ID)
		return nil
	}
	s.Log.Info("session graded",
		"session_id", sess.ID, "score", *sess.Score, "reported_score", res.Total(), "total_points", sess.TotalPoints)
	return nil
}

// HandleResult adapts ApplyGrades for the results consumer. Results that can
// never apply are marked permanent so they are not redelivered.
func (s *Service) HandleResult(ctx context.Context, res grading.Result) error {
	err := s.ApplyGrades(ctx, res)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrInvalidTransition) {
		return grading.Permanent(err)
	}
	return err
}

// StudentProgress returns the student's difficulty progress and current ceiling.
func (s *Service) StudentProgress(ctx context.Context, studentID int64) (models.ProgressResponse, error) {
	p, err := s.Progress.Get(ctx, studentID)
	if err != nil {
		return models.ProgressResponse{}, err
	}
	maxAllowed, err := gate.MaxAllowedDifficulty(s.opts.Gate, p)
	if err != nil {
		return models.ProgressResponse{}, err
	}
	return models.ProgressResponse{Progress: p, MaxAllowedDifficulty: maxAllowed}, nil
}
