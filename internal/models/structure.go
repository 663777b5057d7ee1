package models

import "fmt"

// SectionRequirement describes how many questions of one kind a section needs.
// Epoch and Tags are explicit filters; nothing is inferred from section titles.
type SectionRequirement struct {
	Type              QuestionType `json:"type"`
	Category          Category     `json:"category"`
	Epoch             *string      `json:"epoch,omitempty"`
	Tags              []string     `json:"tags,omitempty"`
	DifficultyMin     int          `json:"difficulty_min"`
	DifficultyMax     int          `json:"difficulty_max"`
	Count             int          `json:"count"`
	PointsPerQuestion int          `json:"points_per_question"`
}

func (r SectionRequirement) TotalPoints() int {
	return r.Count * r.PointsPerQuestion
}

func (r SectionRequirement) Validate() error {
	if !ValidQuestionTypes[r.Type] {
		return fmt.Errorf("invalid question type %q", r.Type)
	}
	if !ValidCategories[r.Category] {
		return fmt.Errorf("invalid category %q", r.Category)
	}
	if r.DifficultyMin < MinDifficulty || r.DifficultyMax > MaxDifficulty || r.DifficultyMin > r.DifficultyMax {
		return fmt.Errorf("invalid difficulty range %d-%d", r.DifficultyMin, r.DifficultyMax)
	}
	if r.Count <= 0 {
		return fmt.Errorf("count must be positive, got %d", r.Count)
	}
	if r.PointsPerQuestion < 0 {
		return fmt.Errorf("points per question must not be negative, got %d", r.PointsPerQuestion)
	}
	return nil
}

type StructureSection struct {
	Title        string               `json:"title"`
	Requirements []SectionRequirement `json:"requirements"`
}

type StructureDefinition struct {
	ID              int64              `json:"id"`
	Title           string             `json:"title"`
	DurationMinutes int                `json:"duration_minutes"`
	IsActive        bool               `json:"is_active"`
	Sections        []StructureSection `json:"sections"`
}

// ExpectedQuestions is Σ requirement.count over every section.
func (s StructureDefinition) ExpectedQuestions() int {
	n := 0
	for _, sec := range s.Sections {
		for _, r := range sec.Requirements {
			n += r.Count
		}
	}
	return n
}

// ExpectedPoints is Σ count × pointsPerQuestion over every section.
func (s StructureDefinition) ExpectedPoints() int {
	n := 0
	for _, sec := range s.Sections {
		for _, r := range sec.Requirements {
			n += r.TotalPoints()
		}
	}
	return n
}

func (s StructureDefinition) Validate() error {
	if s.DurationMinutes <= 0 {
		return fmt.Errorf("structure %d: duration must be positive", s.ID)
	}
	if len(s.Sections) == 0 {
		return fmt.Errorf("structure %d: no sections", s.ID)
	}
	for i, sec := range s.Sections {
		for j, r := range sec.Requirements {
			if err := r.Validate(); err != nil {
				return fmt.Errorf("structure %d section %d requirement %d: %w", s.ID, i+1, j+1, err)
			}
		}
	}
	return nil
}
