package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/examprep/backend/internal/billing"
	"github.com/examprep/backend/internal/config"
	"github.com/examprep/backend/internal/gate"
	"github.com/examprep/backend/internal/grading"
	"github.com/examprep/backend/internal/ledger"
	"github.com/examprep/backend/internal/logger"
	"github.com/examprep/backend/internal/models"
	"github.com/examprep/backend/internal/pool"
	"github.com/examprep/backend/internal/progress"
	"github.com/examprep/backend/internal/selection"
	"github.com/examprep/backend/internal/structures"
)

var ctx = context.Background()

const student = int64(1)

type fixture struct {
	svc      *Service
	repo     *MemoryRepository
	ledger   *ledger.Memory
	pool     *pool.Memory
	catalog  *structures.Memory
	progress *progress.Memory
	billing  *billing.Memory
	grader   *grading.Recorder

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	o := Options{
		RecencyWindow:  7 * 24 * time.Hour,
		AIDeniedPolicy: config.AIDeniedDegrade,
		Gate:           gate.DefaultConfig(),
	}
	for _, fn := range opts {
		fn(&o)
	}

	f := &fixture{
		ledger:   ledger.NewMemory(),
		pool:     pool.NewMemory(),
		catalog:  structures.NewMemory(),
		progress: progress.NewMemory(o.Gate),
		billing:  billing.NewMemory(),
		grader:   &grading.Recorder{},
		now:      time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	f.repo = NewMemoryRepository(f.ledger, f.progress)
	f.svc = NewService(Deps{
		Repo:         f.repo,
		Catalog:      f.catalog,
		Progress:     f.progress,
		Entitlements: f.billing,
		Selector:     selection.NewSelector(f.pool, rand.NewSource(1), logger.Nop()),
		Grading:      f.grader,
		Log:          logger.Nop(),
	}, o)
	f.svc.now = f.clock
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) addQuestions(n int, typ models.QuestionType, cat models.Category, difficulty int) {
	for i := 0; i < n; i++ {
		f.pool.Add(models.Question{Type: typ, Category: cat, Difficulty: difficulty, Points: 1})
	}
}

func histReq(count, points int) models.SectionRequirement {
	return models.SectionRequirement{
		Type:              models.TypeSingleChoiceClosed,
		Category:          models.CategoryHistoricalLiterary,
		DifficultyMin:     1,
		DifficultyMax:     3,
		Count:             count,
		PointsPerQuestion: points,
	}
}

func structure(id int64, sections ...[]models.SectionRequirement) models.StructureDefinition {
	def := models.StructureDefinition{ID: id, Title: "Mock exam", DurationMinutes: 60, IsActive: true}
	for _, reqs := range sections {
		def.Sections = append(def.Sections, models.StructureSection{Title: "Section", Requirements: reqs})
	}
	return def
}

func TestStartSessionExactPool(t *testing.T) {
	f := newFixture(t)
	f.addQuestions(3, models.TypeSingleChoiceClosed, models.CategoryHistoricalLiterary, 1)
	f.addQuestions(2, models.TypeSingleChoiceClosed, models.CategoryHistoricalLiterary, 2)
	f.catalog.Put(structure(10, []models.SectionRequirement{histReq(5, 1)}))

	sess, resumed, err := f.svc.StartSession(ctx, student, 10)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if resumed {
		t.Error("new session reported as resumed")
	}
	if sess.Status != models.StatusCreated {
		t.Errorf("Status = %s, want created", sess.Status)
	}
	if got := len(sess.QuestionIDs()); got != 5 {
		t.Errorf("assigned %d questions, want 5", got)
	}
	if sess.TotalPoints != 5 {
		t.Errorf("TotalPoints = %d, want 5", sess.TotalPoints)
	}
	if !sess.DeadlineAt.Equal(f.now.Add(time.Hour)) {
		t.Errorf("DeadlineAt = %v, want start + 60m", sess.DeadlineAt)
	}
	recs := f.ledger.Records()
	if len(recs) != 5 || f.ledger.ShownBatches() != 1 {
		t.Errorf("ledger has %d records in %d batches, want 5 in 1", len(recs), f.ledger.ShownBatches())
	}
	for _, r := range recs {
		if r.SessionID != sess.ID || r.StudentID != student {
			t.Errorf("ledger record %+v does not match session", r)
		}
	}
}

func TestStartSessionInvariants(t *testing.T) {
	f := newFixture(t)
	for d := 1; d <= 5; d++ {
		f.addQuestions(6, models.TypeSingleChoiceClosed, models.CategoryHistoricalLiterary, d)
	}
	f.catalog.Put(structure(10,
		[]models.SectionRequirement{histReq(3, 2), histReq(2, 1)},
		[]models.SectionRequirement{histReq(4, 3)},
	))

	sess, _, err := f.svc.StartSession(ctx, student, 10)
	if err != nil {
		t.Fatal(err)
	}
	def, _ := f.catalog.Get(ctx, 10)
	ids := sess.QuestionIDs()
	if len(ids) != def.ExpectedQuestions() {
		t.Errorf("assigned %d questions, want %d", len(ids), def.ExpectedQuestions())
	}
	if sess.TotalPoints != def.ExpectedPoints() {
		t.Errorf("TotalPoints = %d, want %d", sess.TotalPoints, def.ExpectedPoints())
	}
	seen := make(map[int64]bool)
	for _, id := range ids {
		if seen[id] {
			t.Errorf("question %d assigned twice", id)
		}
		seen[id] = true
	}
	for _, sec := range sess.Sections {
		for _, q := range sec.Questions {
			if q.Difficulty > 2 {
				t.Errorf("question %d has difficulty %d above unlocked 2", q.QuestionID, q.Difficulty)
			}
		}
	}
}

func TestStartSessionConcurrent(t *testing.T) {
	f := newFixture(t)
	f.addQuestions(10, models.TypeSingleChoiceClosed, models.CategoryHistoricalLiterary, 1)
	f.catalog.Put(structure(10, []models.SectionRequirement{histReq(5, 1)}))

	const callers = 20
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, _, err := f.svc.StartSession(ctx, student, 10)
			if err != nil {
				t.Errorf("StartSession: %v", err)
				return
			}
			ids[i] = sess.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got session %s, caller 0 got %s", i, ids[i], ids[0])
		}
	}
	if f.repo.Count() != 1 {
		t.Errorf("stored %d sessions, want 1", f.repo.Count())
	}
	if f.ledger.ShownBatches() != 1 {
		t.Errorf("recorded %d ledger batches, want 1", f.ledger.ShownBatches())
	}
}

func TestStartSessionResumes(t *testing.T) {
	f := newFixture(t)
	f.addQuestions(10, models.TypeSingleChoiceClosed, models.CategoryHistoricalLiterary, 1)
	f.catalog.Put(structure(10, []models.SectionRequirement{histReq(5, 1)}))

	first, _, err := f.svc.StartSession(ctx, student, 10)
	if err != nil {
		t.Fatal(err)
	}
	f.advance(10 * time.Minute)
	second, resumed, err := f.svc.StartSession(ctx, student, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !resumed || second.ID != first.ID {
		t.Errorf("second start = %s (resumed %v), want %s resumed", second.ID, resumed, first.ID)
	}

	// another student gets their own session
	other, resumed, err := f.svc.StartSession(ctx, 2, 10)
	if err != nil {
		t.Fatal(err)
	}
	if resumed || other.ID == first.ID {
		t.Error("different student resumed the first student's session")
	}
}

func TestStartSessionAfterExpiry(t *testing.T) {
	f := newFixture(t)
	f.addQuestions(10, models.TypeSingleChoiceClosed, models.CategoryHistoricalLiterary, 1)
	f.catalog.Put(structure(10, []models.SectionRequirement{histReq(5, 1)}))

	first, _, _ := f.svc.StartSession(ctx, student, 10)
	f.advance(61 * time.Minute)

	second, resumed, err := f.svc.StartSession(ctx, student, 10)
	if err != nil {
		t.Fatal(err)
	}
	if resumed || second.ID == first.ID {
		t.Fatal("expired session was resumed")
	}
	old, _ := f.repo.Get(ctx, first.ID)
	if old.Status != models.StatusExpired {
		t.Errorf("old session status = %s, want expired", old.Status)
	}
	// the five questions of the first session are recent, so the second
	// session takes the other five
	for _, id := range second.QuestionIDs() {
		if _, ok := first.Question(id); ok {
			t.Errorf("question %d repeated within the recency window", id)
		}
	}
}

func TestStartSessionPoolExhaustion(t *testing.T) {
	f := newFixture(t)
	f.addQuestions(3, models.TypeSingleChoiceClosed, models.CategoryHistoricalLiterary, 1)
	f.catalog.Put(structure(10, []models.SectionRequirement{histReq(5, 1)}))

	_, _, err := f.svc.StartSession(ctx, student, 10)
	var exhausted *PoolExhaustionError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want PoolExhaustionError", err)
	}
	if len(exhausted.Shortfalls) != 1 || exhausted.Shortfalls[0].Missing != 2 {
		t.Errorf("shortfalls = %+v, want one missing 2", exhausted.Shortfalls)
	}
	if f.repo.Count() != 0 || len(f.ledger.Records()) != 0 {
		t.Error("failed assembly left a session or ledger records behind")
	}
}

func TestStartSessionAcceptPartial(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AcceptPartial = true })
	f.addQuestions(3, models.TypeSingleChoiceClosed, models.CategoryHistoricalLiterary, 1)
	f.catalog.Put(structure(10, []models.SectionRequirement{histReq(5, 2)}))

	sess, _, err := f.svc.StartSession(ctx, student, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.QuestionIDs()) != 3 || sess.TotalPoints != 6 {
		t.Errorf("got %d questions worth %d, want 3 worth 6", len(sess.QuestionIDs()), sess.TotalPoints)
	}
	if len(sess.Shortfalls) != 1 || sess.Shortfalls[0].Missing != 2 {
		t.Errorf("Shortfalls = %+v", sess.Shortfalls)
	}
}

func TestStartSessionLedgerFailureRollsBack(t *testing.T) {
	tests := []struct {
		name     string
		sabotage func(f *fixture)
	}{
		{"ledger write fails", func(f *fixture) { f.ledger.FailWrites = errors.New("disk full") }},
		{"session insert fails", func(f *fixture) { f.repo.FailInsert = errors.New("constraint") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addQuestions(5, models.TypeSingleChoiceClosed, models.CategoryHistoricalLiterary, 1)
			f.catalog.Put(structure(10, []models.SectionRequirement{histReq(5, 1)}))
			tt.sabotage(f)

			_, _, err := f.svc.StartSession(ctx, student, 10)
			if !errors.Is(err, ErrLedgerWrite) {
				t.Fatalf("err = %v, want ErrLedgerWrite", err)
			}
			if f.repo.Count() != 0 {
				t.Error("session stored without ledger records")
			}
			if len(f.ledger.Records()) != 0 {
				t.Error("ledger records stored without session")
			}
		})
	}
}

func TestStartSessionAIPolicy(t *testing.T) {
	essay := models.SectionRequirement{
		Type:              models.TypeEssay,
		Category:          models.CategoryWriting,
		DifficultyMin:     1,
		DifficultyMax:     2,
		Count:             1,
		PointsPerQuestion: 20,
	}

	tests := []struct {
		name        string
		policy      config.AIDeniedPolicy
		plan        string
		credits     int
		wantSkipped int
		wantType    models.QuestionType
		wantPoints  int
	}{
		{"entitled student gets essay", config.AIDeniedSkip, "premium", 0, 0, models.TypeEssay, 25},
		{"free student with credits gets essay", config.AIDeniedSkip, billing.PlanFree, 2, 0, models.TypeEssay, 25},
		{"skip drops essay", config.AIDeniedSkip, billing.PlanFree, 0, 1, "", 5},
		{"degrade swaps essay for closed question", config.AIDeniedDegrade, billing.PlanFree, 0, 0, models.TypeSingleChoiceClosed, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(o *Options) { o.AIDeniedPolicy = tt.policy })
			f.addQuestions(5, models.TypeSingleChoiceClosed, models.CategoryHistoricalLiterary, 1)
			f.addQuestions(2, models.TypeEssay, models.CategoryWriting, 2)
			f.addQuestions(2, models.TypeSingleChoiceClosed, models.CategoryWriting, 1)
			f.billing.Set(student, tt.plan, tt.credits)
			f.catalog.Put(structure(10,
				[]models.SectionRequirement{histReq(5, 1)},
				[]models.SectionRequirement{essay},
			))

			sess, _, err := f.svc.StartSession(ctx, student, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(sess.Skipped) != tt.wantSkipped {
				t.Errorf("Skipped = %+v, want %d", sess.Skipped, tt.wantSkipped)
			}
			if sess.TotalPoints != tt.wantPoints {
				t.Errorf("TotalPoints = %d, want %d", sess.TotalPoints, tt.wantPoints)
			}
			writing := sess.Sections[1].Questions
			if tt.wantType == "" {
				if len(writing) != 0 {
					t.Errorf("skipped section has %d questions", len(writing))
				}
				return
			}
			if len(writing) != 1 || writing[0].Type != tt.wantType || writing[0].Category != models.CategoryWriting {
				t.Errorf("writing section = %+v, want one %s", writing, tt.wantType)
			}
		})
	}
}

func TestStartSessionStructureErrors(t *testing.T) {
	f := newFixture(t)
	inactive := structure(11, []models.SectionRequirement{histReq(1, 1)})
	inactive.IsActive = false
	f.catalog.Put(inactive)

	if _, _, err := f.svc.StartSession(ctx, student, 99); !errors.Is(err, structures.ErrNotFound) {
		t.Errorf("missing structure err = %v", err)
	}
	if _, _, err := f.svc.StartSession(ctx, student, 11); !errors.Is(err, ErrStructureInactive) {
		t.Errorf("inactive structure err = %v", err)
	}
}

func TestStartSessionCorruptProgress(t *testing.T) {
	f := newFixture(t)
	f.addQuestions(5, models.TypeSingleChoiceClosed, models.CategoryHistoricalLiterary, 1)
	f.catalog.Put(structure(10, []models.SectionRequirement{histReq(1, 1)}))
	f.progress.Set(models.DifficultyProgress{StudentID: student, UnlockedDifficulty: 9})

	if _, _, err := f.svc.StartSession(ctx, student, 10); !errors.Is(err, gate.ErrGateViolation) {
		t.Errorf("err = %v, want ErrGateViolation", err)
	}
}

// started returns a fixture with one fresh session for student.
func started(t *testing.T) (*fixture, *models.ExamSession) {
	t.Helper()
	f := newFixture(t)
	f.addQuestions(5, models.TypeSingleChoiceClosed, models.CategoryHistoricalLiterary, 1)
	f.catalog.Put(structure(10, []models.SectionRequirement{histReq(3, 1)}))
	sess, _, err := f.svc.StartSession(ctx, student, 10)
	if err != nil {
		t.Fatal(err)
	}
	return f, sess
}

func TestSaveAnswer(t *testing.T) {
	f, sess := started(t)
	qid := sess.QuestionIDs()[0]

	got, err := f.svc.SaveAnswer(ctx, student, sess.ID, qid, json.RawMessage(`"A"`))
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusInProgress {
		t.Errorf("Status = %s, want in_progress", got.Status)
	}
	got, err = f.svc.SaveAnswer(ctx, student, sess.ID, qid, json.RawMessage(`"C"`))
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Answers[qid]) != `"C"` {
		t.Errorf("answer = %s, want last write \"C\"", got.Answers[qid])
	}

	if _, err := f.svc.SaveAnswer(ctx, student, sess.ID, 999, json.RawMessage(`"A"`)); !errors.Is(err, ErrUnknownQuestion) {
		t.Errorf("unknown question err = %v", err)
	}
	if _, err := f.svc.SaveAnswer(ctx, 2, sess.ID, qid, json.RawMessage(`"A"`)); !errors.Is(err, ErrNotOwner) {
		t.Errorf("other student err = %v", err)
	}
	if _, err := f.svc.SaveAnswer(ctx, student, "nope", qid, json.RawMessage(`"A"`)); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("missing session err = %v", err)
	}
}

func TestDeadlinePassesMidTest(t *testing.T) {
	f, sess := started(t)
	qid := sess.QuestionIDs()[0]
	if _, err := f.svc.SaveAnswer(ctx, student, sess.ID, qid, json.RawMessage(`"A"`)); err != nil {
		t.Fatal(err)
	}

	f.advance(time.Hour)
	if _, err := f.svc.SaveAnswer(ctx, student, sess.ID, qid, json.RawMessage(`"B"`)); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("answer after deadline err = %v, want ErrSessionClosed", err)
	}
	got, err := f.svc.Get(ctx, student, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusExpired {
		t.Errorf("Status = %s, want expired", got.Status)
	}
	if string(got.Answers[qid]) != `"A"` {
		t.Errorf("answer = %s, want the pre-deadline \"A\"", got.Answers[qid])
	}
	if got.Remaining(f.clock()) != 0 {
		t.Error("expired session reports remaining time")
	}
	if subs := f.grader.Submissions(); len(subs) != 1 || subs[0].Status != models.StatusExpired {
		t.Errorf("grading submissions = %+v, want one expired", subs)
	}
	if _, err := f.svc.Finish(ctx, student, sess.ID); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("finish after expiry err = %v", err)
	}
}

func TestGetMovesCreatedToInProgress(t *testing.T) {
	f, sess := started(t)
	got, err := f.svc.Get(ctx, student, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusInProgress {
		t.Errorf("Status = %s, want in_progress", got.Status)
	}
	if _, err := f.svc.Get(ctx, 2, sess.ID); !errors.Is(err, ErrNotOwner) {
		t.Errorf("other student err = %v", err)
	}
}

func TestFinishIdempotent(t *testing.T) {
	f, sess := started(t)
	first, err := f.svc.Finish(ctx, student, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != models.StatusSubmitted || first.SubmittedAt == nil || first.HandedOffAt == nil {
		t.Errorf("finished session = %+v", first)
	}
	second, err := f.svc.Finish(ctx, student, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != models.StatusSubmitted || !second.SubmittedAt.Equal(*first.SubmittedAt) {
		t.Errorf("second finish changed the session: %+v", second)
	}
	if n := len(f.grader.Submissions()); n != 1 {
		t.Errorf("handed off %d times, want 1", n)
	}
	if _, err := f.svc.SaveAnswer(ctx, student, sess.ID, sess.QuestionIDs()[0], json.RawMessage(`"A"`)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("answer after finish err = %v", err)
	}
}

func TestSweep(t *testing.T) {
	f, sess := started(t)
	f.grader.SetFail(errors.New("broker down"))

	f.advance(2 * time.Hour)
	expired, handed, err := f.svc.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if expired != 1 || handed != 0 {
		t.Errorf("sweep = (%d, %d), want (1, 0)", expired, handed)
	}
	got, _ := f.repo.Get(ctx, sess.ID)
	if got.Status != models.StatusExpired || got.HandedOffAt != nil {
		t.Errorf("after failed handoff: %+v", got)
	}

	f.grader.SetFail(nil)
	expired, handed, err = f.svc.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if expired != 0 || handed != 1 {
		t.Errorf("retry sweep = (%d, %d), want (0, 1)", expired, handed)
	}
	got, _ = f.repo.Get(ctx, sess.ID)
	if got.HandedOffAt == nil {
		t.Error("handoff not recorded")
	}
}

func TestApplyGrades(t *testing.T) {
	f, sess := started(t)
	if _, err := f.svc.Finish(ctx, student, sess.ID); err != nil {
		t.Fatal(err)
	}
	ids := sess.QuestionIDs()
	res := grading.Result{
		SessionID: sess.ID,
		StudentID: student,
		Scores: []grading.QuestionScore{
			{QuestionID: ids[0], Awarded: 1},
			{QuestionID: ids[1], Awarded: 5}, // capped at the frozen 1 point
			{QuestionID: ids[2], Awarded: 0},
			{QuestionID: 12345, Awarded: 1},
		},
	}

	if err := f.svc.ApplyGrades(ctx, res); err != nil {
		t.Fatal(err)
	}
	got, _ := f.repo.Get(ctx, sess.ID)
	if got.Status != models.StatusGraded || got.Score == nil || *got.Score != 2 {
		t.Errorf("graded session = status %s score %v, want graded 2", got.Status, got.Score)
	}
	p, _ := f.progress.Get(ctx, student)
	if p.TierPoints(1) != 2 {
		t.Errorf("tier 1 points = %d, want 2", p.TierPoints(1))
	}
	subs := 0
	for _, r := range f.ledger.Records() {
		if r.Kind == models.UsageSubmitted {
			subs++
		}
	}
	if subs != 3 {
		t.Errorf("ledger has %d submissions, want 3", subs)
	}

	// redelivery changes nothing
	if err := f.svc.ApplyGrades(ctx, res); err != nil {
		t.Fatal(err)
	}
	if p2, _ := f.progress.Get(ctx, student); p2.TierPoints(1) != 2 {
		t.Errorf("duplicate result added points: %d", p2.TierPoints(1))
	}

	if err := f.svc.HandleResult(ctx, grading.Result{SessionID: "missing"}); !grading.IsPermanent(err) {
		t.Errorf("unknown session err = %v, want permanent", err)
	}
}

func TestApplyGradesRejectsActiveSession(t *testing.T) {
	f, sess := started(t)
	err := f.svc.HandleResult(ctx, grading.Result{SessionID: sess.ID})
	if !errors.Is(err, ErrInvalidTransition) || !grading.IsPermanent(err) {
		t.Errorf("err = %v, want permanent ErrInvalidTransition", err)
	}
}

func TestApplyGradesRedeliveryAfterPartialFailure(t *testing.T) {
	f, sess := started(t)
	if _, err := f.svc.Finish(ctx, student, sess.ID); err != nil {
		t.Fatal(err)
	}
	ids := sess.QuestionIDs()
	res := grading.Result{
		SessionID: sess.ID,
		StudentID: student,
		Scores: []grading.QuestionScore{
			{QuestionID: ids[0], Awarded: 1},
			{QuestionID: ids[1], Awarded: 1},
		},
	}

	// the second AddPoints fails after the first question was applied
	f.progress.FailAfter = 1
	if err := f.svc.ApplyGrades(ctx, res); err == nil {
		t.Fatal("ApplyGrades succeeded, want failure")
	}
	submissions := func() int {
		n := 0
		for _, r := range f.ledger.Records() {
			if r.Kind == models.UsageSubmitted {
				n++
			}
		}
		return n
	}
	if p, _ := f.progress.Get(ctx, student); p.TierPoints(1) != 0 {
		t.Errorf("failed attempt left %d tier 1 points", p.TierPoints(1))
	}
	if n := submissions(); n != 0 {
		t.Errorf("failed attempt left %d submissions", n)
	}
	if got, _ := f.repo.Get(ctx, sess.ID); got.Status != models.StatusSubmitted {
		t.Errorf("status after failed attempt = %s, want submitted", got.Status)
	}

	f.progress.FailAfter = 0
	if err := f.svc.ApplyGrades(ctx, res); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if p, _ := f.progress.Get(ctx, student); p.TierPoints(1) != 2 {
		t.Errorf("tier 1 points = %d, want 2", p.TierPoints(1))
	}
	if n := submissions(); n != 2 {
		t.Errorf("submissions = %d, want 2", n)
	}
}

// lockWatch flags the time a start unit is open.
type lockWatch struct {
	*MemoryRepository
	inUnit atomic.Bool
}

func (w *lockWatch) InStartTx(ctx context.Context, studentID, structureID int64, fn func(ctx context.Context, uow StartUnit) error) error {
	return w.MemoryRepository.InStartTx(ctx, studentID, structureID, func(ctx context.Context, uow StartUnit) error {
		w.inUnit.Store(true)
		defer w.inUnit.Store(false)
		return fn(ctx, uow)
	})
}

type watchedCatalog struct {
	structures.Catalog
	t *testing.T
	w *lockWatch
}

func (c watchedCatalog) Get(ctx context.Context, id int64) (models.StructureDefinition, error) {
	if c.w.inUnit.Load() {
		c.t.Error("catalog read inside start unit")
	}
	return c.Catalog.Get(ctx, id)
}

type watchedProgress struct {
	progress.Store
	t *testing.T
	w *lockWatch
}

func (p watchedProgress) Get(ctx context.Context, studentID int64) (models.DifficultyProgress, error) {
	if p.w.inUnit.Load() {
		p.t.Error("progress read inside start unit")
	}
	return p.Store.Get(ctx, studentID)
}

type watchedEntitlements struct {
	billing.Entitlements
	t *testing.T
	w *lockWatch
}

func (e watchedEntitlements) MayUseAIGrading(ctx context.Context, studentID int64) (bool, error) {
	if e.w.inUnit.Load() {
		e.t.Error("entitlement read inside start unit")
	}
	return e.Entitlements.MayUseAIGrading(ctx, studentID)
}

type watchedPool struct {
	pool.Pool
	t *testing.T
	w *lockWatch
}

func (p watchedPool) Find(ctx context.Context, f pool.Filter) iter.Seq2[models.Question, error] {
	if p.w.inUnit.Load() {
		p.t.Error("pool read inside start unit")
	}
	return p.Pool.Find(ctx, f)
}

// A start unit holds one storage connection; every other read must happen
// before it opens or a full connection pool deadlocks.
func TestStartSessionReadsNothingElseInsideUnit(t *testing.T) {
	f := newFixture(t)
	f.addQuestions(4, models.TypeSingleChoiceClosed, models.CategoryHistoricalLiterary, 1)
	f.addQuestions(2, models.TypeEssay, models.CategoryWriting, 1)
	writing := models.SectionRequirement{
		Type: models.TypeEssay, Category: models.CategoryWriting,
		DifficultyMin: 1, DifficultyMax: 2, Count: 1, PointsPerQuestion: 20,
	}
	f.catalog.Put(structure(10, []models.SectionRequirement{histReq(3, 1)}, []models.SectionRequirement{writing}))

	w := &lockWatch{MemoryRepository: f.repo}
	svc := NewService(Deps{
		Repo:         w,
		Catalog:      watchedCatalog{f.catalog, t, w},
		Progress:     watchedProgress{f.progress, t, w},
		Entitlements: watchedEntitlements{f.billing, t, w},
		Selector:     selection.NewSelector(watchedPool{f.pool, t, w}, rand.NewSource(1), logger.Nop()),
		Grading:      f.grader,
		Log:          logger.Nop(),
	}, f.svc.opts)
	svc.now = f.clock
	f.billing.Set(student, "premium", 0)

	sess, _, err := svc.StartSession(ctx, student, 10)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if len(sess.QuestionIDs()) != 4 {
		t.Errorf("assigned %d questions, want 4", len(sess.QuestionIDs()))
	}
}

func TestStartSessionSameStudentTwoStructures(t *testing.T) {
	f := newFixture(t)
	f.addQuestions(2, models.TypeSingleChoiceClosed, models.CategoryHistoricalLiterary, 1)
	f.catalog.Put(structure(10, []models.SectionRequirement{histReq(1, 1)}))
	f.catalog.Put(structure(11, []models.SectionRequirement{histReq(1, 1)}))

	got := make([]int64, 2)
	var wg sync.WaitGroup
	for i, id := range []int64{10, 11} {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			sess, _, err := f.svc.StartSession(ctx, student, id)
			if err != nil {
				t.Errorf("StartSession(%d): %v", id, err)
				return
			}
			got[i] = sess.QuestionIDs()[0]
		}(i, id)
	}
	wg.Wait()

	if got[0] == got[1] {
		t.Errorf("both structures were given question %d", got[0])
	}
}

// blockingCatalog holds Get until release closes, or until its ctx ends.
type blockingCatalog struct {
	structures.Catalog
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *blockingCatalog) Get(ctx context.Context, id int64) (models.StructureDefinition, error) {
	c.once.Do(func() { close(c.entered) })
	select {
	case <-c.release:
	case <-ctx.Done():
		return models.StructureDefinition{}, ctx.Err()
	}
	return c.Catalog.Get(ctx, id)
}

func TestStartSessionCancelledCallerDoesNotFailOthers(t *testing.T) {
	f := newFixture(t)
	f.addQuestions(3, models.TypeSingleChoiceClosed, models.CategoryHistoricalLiterary, 1)
	f.catalog.Put(structure(10, []models.SectionRequirement{histReq(3, 1)}))
	bc := &blockingCatalog{Catalog: f.catalog, entered: make(chan struct{}), release: make(chan struct{})}
	f.svc.Catalog = bc

	first, cancel := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := f.svc.StartSession(first, student, 10)
		firstErr <- err
	}()
	<-bc.entered

	type outcome struct {
		sess *models.ExamSession
		err  error
	}
	second := make(chan outcome, 1)
	go func() {
		sess, _, err := f.svc.StartSession(ctx, student, 10)
		second <- outcome{sess, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller err = %v, want context.Canceled", err)
	}
	close(bc.release)

	out := <-second
	if out.err != nil {
		t.Fatalf("second caller: %v", out.err)
	}
	if len(out.sess.QuestionIDs()) != 3 {
		t.Errorf("second caller got %d questions, want 3", len(out.sess.QuestionIDs()))
	}
	if f.repo.Count() != 1 {
		t.Errorf("stored %d sessions, want 1", f.repo.Count())
	}
}
