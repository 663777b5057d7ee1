package gate

import (
	"errors"
	"fmt"
	"sort"

	"github.com/examprep/backend/internal/models"
)

// ErrGateViolation signals corrupt progress or a selection above the
// student's unlocked difficulty. It is a data-integrity failure.
var ErrGateViolation = errors.New("difficulty gate violation")

var ErrNegativePoints = errors.New("points delta must not be negative")

// Step unlocks a difficulty once the combined points of FromTiers reach
// Points. Steps are cumulative: a step is only checked when every lower
// step is already met.
type Step struct {
	Unlocks   int   `json:"unlocks"`
	FromTiers []int `json:"from_tiers"`
	Points    int   `json:"points"`
}

type Config struct {
	Base  int    `json:"base"`
	Steps []Step `json:"steps"`
}

// DefaultConfig: difficulty 3 at 100 points over tiers 1-2, 4 at 200 in
// tier 3, 5 at 300 in tier 4.
func DefaultConfig() Config {
	cfg, _ := ConfigFromPoints([]int{100, 200, 300})
	return cfg
}

// ConfigFromPoints builds the default step layout with custom thresholds
// for difficulties 3, 4 and 5.
func ConfigFromPoints(points []int) (Config, error) {
	if len(points) != 3 {
		return Config{}, fmt.Errorf("need 3 thresholds, got %d", len(points))
	}
	cfg := Config{
		Base: 2,
		Steps: []Step{
			{Unlocks: 3, FromTiers: []int{1, 2}, Points: points[0]},
			{Unlocks: 4, FromTiers: []int{3}, Points: points[1]},
			{Unlocks: 5, FromTiers: []int{4}, Points: points[2]},
		},
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Base < models.MinDifficulty || c.Base > models.MaxDifficulty {
		return fmt.Errorf("base difficulty %d out of range", c.Base)
	}
	prev := c.Base
	for _, s := range c.Steps {
		if s.Unlocks <= prev || s.Unlocks > models.MaxDifficulty {
			return fmt.Errorf("step unlocking %d must be above %d and at most %d", s.Unlocks, prev, models.MaxDifficulty)
		}
		if s.Points < 0 {
			return fmt.Errorf("step unlocking %d has negative threshold", s.Unlocks)
		}
		if len(s.FromTiers) == 0 {
			return fmt.Errorf("step unlocking %d has no source tiers", s.Unlocks)
		}
		for _, t := range s.FromTiers {
			if t < models.MinDifficulty || t >= s.Unlocks {
				return fmt.Errorf("step unlocking %d reads tier %d", s.Unlocks, t)
			}
		}
		prev = s.Unlocks
	}
	return nil
}

// NewProgress is the starting progress of a student with no points.
func NewProgress(cfg Config, studentID int64) models.DifficultyProgress {
	return models.DifficultyProgress{StudentID: studentID, UnlockedDifficulty: cfg.Base}
}

// Unlocked computes the difficulty earned by the points alone.
func Unlocked(cfg Config, p models.DifficultyProgress) int {
	steps := append([]Step(nil), cfg.Steps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Unlocks < steps[j].Unlocks })

	level := cfg.Base
	for _, s := range steps {
		sum := 0
		for _, t := range s.FromTiers {
			sum += p.TierPoints(t)
		}
		if sum < s.Points {
			break
		}
		level = s.Unlocks
	}
	return level
}

// MaxAllowedDifficulty returns the highest difficulty the student may be
// assigned. Stored unlocks are never lowered by recomputation.
func MaxAllowedDifficulty(cfg Config, p models.DifficultyProgress) (int, error) {
	if err := check(p); err != nil {
		return 0, err
	}
	return max(p.UnlockedDifficulty, Unlocked(cfg, p)), nil
}

// ApplyPoints adds delta to a 1-based tier and recomputes the unlocked
// difficulty. The result never decreases.
func ApplyPoints(cfg Config, p models.DifficultyProgress, tier, delta int) (models.DifficultyProgress, error) {
	if err := check(p); err != nil {
		return p, err
	}
	if tier < models.MinDifficulty || tier > models.MaxDifficulty {
		return p, fmt.Errorf("tier %d out of range", tier)
	}
	if delta < 0 {
		return p, ErrNegativePoints
	}
	next := p
	next.PointsPerTier[tier-1] += delta
	next.UnlockedDifficulty = max(p.UnlockedDifficulty, Unlocked(cfg, next))
	return next, nil
}

// Clamp intersects [lo, hi] with [1, allowed]. An empty intersection
// degrades to the single highest allowed difficulty.
func Clamp(lo, hi, allowed int) (int, int, bool) {
	lo = max(lo, models.MinDifficulty)
	hi = min(hi, allowed)
	if lo > hi {
		return allowed, allowed, true
	}
	return lo, hi, false
}

func check(p models.DifficultyProgress) error {
	if p.UnlockedDifficulty < models.MinDifficulty || p.UnlockedDifficulty > models.MaxDifficulty {
		return fmt.Errorf("%w: student %d has unlocked difficulty %d", ErrGateViolation, p.StudentID, p.UnlockedDifficulty)
	}
	for i, pts := range p.PointsPerTier {
		if pts < 0 {
			return fmt.Errorf("%w: student %d has %d points in tier %d", ErrGateViolation, p.StudentID, pts, i+1)
		}
	}
	return nil
}
