package models

import (
	"encoding/json"
	"time"
)

type QuestionType string

const (
	TypeSingleChoiceClosed QuestionType = "single_choice_closed"
	TypeMultiChoiceClosed  QuestionType = "multi_choice_closed"
	TypeShortAnswer        QuestionType = "short_answer"
	TypeSynthesisNote      QuestionType = "synthesis_note"
	TypeEssay              QuestionType = "essay"
)

var ValidQuestionTypes = map[QuestionType]bool{
	TypeSingleChoiceClosed: true,
	TypeMultiChoiceClosed:  true,
	TypeShortAnswer:        true,
	TypeSynthesisNote:      true,
	TypeEssay:              true,
}

// AIGraded reports whether answers of this type are scored by the AI grader
// and therefore consume AI credits.
func (t QuestionType) AIGraded() bool {
	switch t {
	case TypeShortAnswer, TypeSynthesisNote, TypeEssay:
		return true
	}
	return false
}

type Category string

const (
	CategoryLanguageUse        Category = "language_use"
	CategoryHistoricalLiterary Category = "historical_literary"
	CategoryWriting            Category = "writing"
)

var ValidCategories = map[Category]bool{
	CategoryLanguageUse:        true,
	CategoryHistoricalLiterary: true,
	CategoryWriting:            true,
}

const (
	MinDifficulty = 1
	MaxDifficulty = 5
)

// ── Core Structs ───────────────────────────────────────

// Question is immutable once a usage record references it. Edits made by the
// authoring side produce a new row with a new ID.
type Question struct {
	ID         int64           `json:"id"`
	Type       QuestionType    `json:"type"`
	Category   Category        `json:"category"`
	Epoch      *string         `json:"epoch,omitempty"`
	Difficulty int             `json:"difficulty"`
	Points     int             `json:"points"`
	Tags       []string        `json:"tags"`
	Content    json.RawMessage `json:"content"`
	CreatedAt  time.Time       `json:"created_at"`
}

// HasTags reports whether every tag in want is present on the question.
func (q Question) HasTags(want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(q.Tags))
	for _, t := range q.Tags {
		have[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// ── Usage ─────────────────────────────────────────────

type UsageKind string

const (
	UsageShown     UsageKind = "shown"
	UsageSubmitted UsageKind = "submitted"
)

type UsageRecord struct {
	ID          int64      `json:"id"`
	StudentID   int64      `json:"student_id"`
	QuestionID  int64      `json:"question_id"`
	SessionID   string     `json:"session_id"`
	Kind        UsageKind  `json:"kind"`
	ShownAt     time.Time  `json:"shown_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	Score       *float64   `json:"score,omitempty"`
}

// ── Difficulty Progress ───────────────────────────────

type DifficultyProgress struct {
	StudentID          int64     `json:"student_id"`
	UnlockedDifficulty int       `json:"unlocked_difficulty"`
	PointsPerTier      [5]int    `json:"points_per_tier"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TierPoints returns the accumulated points for a 1-based tier.
func (p DifficultyProgress) TierPoints(tier int) int {
	if tier < MinDifficulty || tier > MaxDifficulty {
		return 0
	}
	return p.PointsPerTier[tier-1]
}

type ProgressResponse struct {
	Progress             DifficultyProgress `json:"progress"`
	MaxAllowedDifficulty int                `json:"max_allowed_difficulty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
