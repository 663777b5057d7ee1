package models

import (
	"encoding/json"
	"time"
)

type SessionStatus string

const (
	StatusCreated    SessionStatus = "created"
	StatusInProgress SessionStatus = "in_progress"
	StatusSubmitted  SessionStatus = "submitted"
	StatusExpired    SessionStatus = "expired"
	StatusGraded     SessionStatus = "graded"
)

// Active reports whether the session still accepts answers (deadline aside).
func (s SessionStatus) Active() bool {
	return s == StatusCreated || s == StatusInProgress
}

// AssignedQuestion is a question frozen into a session at creation time.
type AssignedQuestion struct {
	QuestionID int64           `json:"question_id"`
	Type       QuestionType    `json:"type"`
	Category   Category        `json:"category"`
	Difficulty int             `json:"difficulty"`
	Points     int             `json:"points"`
	Content    json.RawMessage `json:"content"`
}

type AssignedSection struct {
	Title     string             `json:"title"`
	Questions []AssignedQuestion `json:"questions"`
}

// SkippedRequirement records a requirement dropped by the AI-grading policy.
type SkippedRequirement struct {
	Section     int          `json:"section"`
	Requirement int          `json:"requirement"`
	Type        QuestionType `json:"type"`
	Count       int          `json:"count"`
	Reason      string       `json:"reason"`
}

// SectionShortfall records how many questions a requirement is missing after
// full relaxation. Only persisted in partial-accept mode.
type SectionShortfall struct {
	Section     int `json:"section"`
	Requirement int `json:"requirement"`
	Wanted      int `json:"wanted"`
	Missing     int `json:"missing"`
}

type ExamSession struct {
	ID          string                    `json:"id"`
	StudentID   int64                     `json:"student_id"`
	StructureID int64                     `json:"structure_id"`
	Status      SessionStatus             `json:"status"`
	Sections    []AssignedSection         `json:"sections"`
	Answers     map[int64]json.RawMessage `json:"answers"`
	TotalPoints int                       `json:"total_points"`
	Skipped     []SkippedRequirement      `json:"skipped,omitempty"`
	Shortfalls  []SectionShortfall        `json:"shortfalls,omitempty"`
	Score       *float64                  `json:"score,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	StartedAt   time.Time                 `json:"started_at"`
	DeadlineAt  time.Time                 `json:"deadline_at"`
	SubmittedAt *time.Time                `json:"submitted_at,omitempty"`
	HandedOffAt *time.Time                `json:"handed_off_at,omitempty"`
	GradedAt    *time.Time                `json:"graded_at,omitempty"`
}

// QuestionIDs returns every assigned question id in assignment order.
func (s *ExamSession) QuestionIDs() []int64 {
	var ids []int64
	for _, sec := range s.Sections {
		for _, q := range sec.Questions {
			ids = append(ids, q.QuestionID)
		}
	}
	return ids
}

// Question looks up an assigned question by id.
func (s *ExamSession) Question(id int64) (AssignedQuestion, bool) {
	for _, sec := range s.Sections {
		for _, q := range sec.Questions {
			if q.QuestionID == id {
				return q, true
			}
		}
	}
	return AssignedQuestion{}, false
}

// Remaining returns the time left before the deadline, never negative.
func (s *ExamSession) Remaining(now time.Time) time.Duration {
	d := s.DeadlineAt.Sub(now)
	if d < 0 || !s.Status.Active() {
		return 0
	}
	return d
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s *ExamSession) Clone() *ExamSession {
	c := *s
	c.Sections = make([]AssignedSection, len(s.Sections))
	for i, sec := range s.Sections {
		c.Sections[i] = AssignedSection{Title: sec.Title, Questions: append([]AssignedQuestion(nil), sec.Questions...)}
	}
	c.Answers = make(map[int64]json.RawMessage, len(s.Answers))
	for k, v := range s.Answers {
		c.Answers[k] = append(json.RawMessage(nil), v...)
	}
	c.Skipped = append([]SkippedRequirement(nil), s.Skipped...)
	c.Shortfalls = append([]SectionShortfall(nil), s.Shortfalls...)
	return &c
}

// ── Request Types ─────────────────────────────────────

type StartSessionRequest struct {
	StructureID int64 `json:"structure_id"`
}

type SaveAnswerRequest struct {
	QuestionID int64           `json:"question_id"`
	Answer     json.RawMessage `json:"answer"`
}

// ── Response Types ────────────────────────────────────

type SessionResponse struct {
	Session          *ExamSession `json:"session"`
	Resumed          bool         `json:"resumed"`
	RemainingSeconds int64        `json:"remaining_seconds"`
}
