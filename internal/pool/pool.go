package pool

import (
	"context"
	"errors"
	"iter"

	"github.com/examprep/backend/internal/models"
)

// ErrPoolUnavailable wraps any failure of the storage behind a Pool.
var ErrPoolUnavailable = errors.New("question pool unavailable")

// Filter narrows a pool query. Zero fields are ignored; Tags must all be
// present on a matching question.
type Filter struct {
	Type          models.QuestionType
	Category      models.Category
	Epoch         *string
	DifficultyMin int
	DifficultyMax int
	Tags          []string
}

// Match reports whether q satisfies every set field of f.
func (f Filter) Match(q models.Question) bool {
	if f.Type != "" && q.Type != f.Type {
		return false
	}
	if f.Category != "" && q.Category != f.Category {
		return false
	}
	if f.Epoch != nil && (q.Epoch == nil || *q.Epoch != *f.Epoch) {
		return false
	}
	if f.DifficultyMin > 0 && q.Difficulty < f.DifficultyMin {
		return false
	}
	if f.DifficultyMax > 0 && q.Difficulty > f.DifficultyMax {
		return false
	}
	return q.HasTags(f.Tags)
}

// FromRequirement builds the filter for a requirement over [lo, hi].
func FromRequirement(r models.SectionRequirement, lo, hi int) Filter {
	return Filter{
		Type:          r.Type,
		Category:      r.Category,
		Epoch:         r.Epoch,
		DifficultyMin: lo,
		DifficultyMax: hi,
		Tags:          r.Tags,
	}
}

// Pool is the read side of the authored question bank.
type Pool interface {
	// Find yields matching questions ordered by difficulty then id. A
	// storage failure is yielded once as an error wrapping
	// ErrPoolUnavailable and ends the sequence.
	Find(ctx context.Context, f Filter) iter.Seq2[models.Question, error]
}

// Collect drains a Find sequence into a slice.
func Collect(seq iter.Seq2[models.Question, error]) ([]models.Question, error) {
	var out []models.Question
	for q, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}
