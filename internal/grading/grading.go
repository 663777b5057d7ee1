package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/examprep/backend/internal/models"
)

// Submission is the answer snapshot handed to the external grader.
type Submission struct {
	SessionID   string               `json:"session_id"`
	StudentID   int64                `json:"student_id"`
	StructureID int64                `json:"structure_id"`
	Status      models.SessionStatus `json:"status"`
	SubmittedAt time.Time            `json:"submitted_at"`
	Questions   []SubmittedQuestion  `json:"questions"`
}

type SubmittedQuestion struct {
	QuestionID int64               `json:"question_id"`
	Type       models.QuestionType `json:"type"`
	Category   models.Category     `json:"category"`
	Difficulty int                 `json:"difficulty"`
	Points     int                 `json:"points"`
	Answer     json.RawMessage     `json:"answer,omitempty"`
}

// NewSubmission snapshots a terminal session. Unanswered questions are
// included with an empty answer.
func NewSubmission(s *models.ExamSession) Submission {
	sub := Submission{
		SessionID:   s.ID,
		StudentID:   s.StudentID,
		StructureID: s.StructureID,
		Status:      s.Status,
	}
	if s.SubmittedAt != nil {
		sub.SubmittedAt = *s.SubmittedAt
	}
	for _, sec := range s.Sections {
		for _, q := range sec.Questions {
			sub.Questions = append(sub.Questions, SubmittedQuestion{
				QuestionID: q.QuestionID,
				Type:       q.Type,
				Category:   q.Category,
				Difficulty: q.Difficulty,
				Points:     q.Points,
				Answer:     s.Answers[q.QuestionID],
			})
		}
	}
	return sub
}

// Result is what the grader sends back for one session.
type Result struct {
	SessionID string          `json:"session_id"`
	StudentID int64           `json:"student_id"`
	Scores    []QuestionScore `json:"scores"`
	GradedAt  time.Time       `json:"graded_at"`
}

// QuestionScore carries the points awarded for one question, between 0 and
// the question's frozen points.
type QuestionScore struct {
	QuestionID int64   `json:"question_id"`
	Awarded    float64 `json:"awarded"`
}

func (r Result) Total() float64 {
	var t float64
	for _, s := range r.Scores {
		t += s.Awarded
	}
	return t
}

// Handoff forwards submitted sessions to the grader.
type Handoff interface {
	Submit(ctx context.Context, sub Submission) error
}

// ResultHandler consumes one grading result.
type ResultHandler func(ctx context.Context, res Result) error

var errPermanent = errors.New("permanent grading failure")

// Permanent marks err so a consumer drops the message instead of requeueing.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", errPermanent, err)
}

func IsPermanent(err error) bool {
	return errors.Is(err, errPermanent)
}

// Noop accepts every submission and does nothing.
type Noop struct{}

func (Noop) Submit(ctx context.Context, sub Submission) error { return nil }

// Recorder keeps submissions in memory.
type Recorder struct {
	mu   sync.Mutex
	subs []Submission

	// Fail, when set, is returned by Submit.
	Fail error
}

func (r *Recorder) Submit(ctx context.Context, sub Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	r.subs = append(r.subs, sub)
	return nil
}

func (r *Recorder) Submissions() []Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Submission(nil), r.subs...)
}

// SetFail changes the failure returned by Submit.
func (r *Recorder) SetFail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Fail = err
}
