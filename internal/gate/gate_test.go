package gate

import (
	"errors"
	"testing"

	"github.com/examprep/backend/internal/models"
)

func progress(unlocked int, tiers ...int) models.DifficultyProgress {
	p := models.DifficultyProgress{StudentID: 1, UnlockedDifficulty: unlocked}
	copy(p.PointsPerTier[:], tiers)
	return p
}

func TestMaxAllowedDifficulty(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name string
		p    models.DifficultyProgress
		want int
	}{
		{"new student", progress(2), 2},
		{"tiers 1-2 just short", progress(2, 60, 39), 2},
		{"tiers 1-2 combined reach 100", progress(2, 60, 40), 3},
		{"tier 3 high but tiers 1-2 short", progress(2, 10, 10, 999), 2},
		{"tier 4 high but tier 3 short", progress(2, 100, 0, 199, 999), 3},
		{"all thresholds met", progress(2, 50, 50, 200, 300), 5},
		{"stored unlock kept", progress(4), 4},
	}

	for _, tt := range tests {
		got, err := MaxAllowedDifficulty(cfg, tt.p)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s: MaxAllowedDifficulty = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestMaxAllowedDifficultyCorrupt(t *testing.T) {
	for _, p := range []models.DifficultyProgress{progress(0), progress(6), progress(2, -5)} {
		if _, err := MaxAllowedDifficulty(DefaultConfig(), p); !errors.Is(err, ErrGateViolation) {
			t.Errorf("MaxAllowedDifficulty(%+v) err = %v, want ErrGateViolation", p, err)
		}
	}
}

func TestApplyPointsMonotonic(t *testing.T) {
	cfg := DefaultConfig()
	p := progress(2)
	prev := p.UnlockedDifficulty

	// tier 3 points alone never unlock anything
	p, err := ApplyPoints(cfg, p, 3, 500)
	if err != nil {
		t.Fatal(err)
	}
	if p.UnlockedDifficulty != 2 {
		t.Errorf("after tier-3 points: unlocked = %d, want 2", p.UnlockedDifficulty)
	}

	steps := []struct {
		tier, delta, want int
	}{
		{1, 50, 2},
		{2, 50, 4}, // tiers 1-2 reach 100, tier 3 already has 500
		{4, 299, 4},
		{4, 1, 5},
		{1, 0, 5},
	}
	for _, s := range steps {
		p, err = ApplyPoints(cfg, p, s.tier, s.delta)
		if err != nil {
			t.Fatalf("ApplyPoints(tier %d, %d): %v", s.tier, s.delta, err)
		}
		if p.UnlockedDifficulty < prev {
			t.Fatalf("unlocked decreased from %d to %d", prev, p.UnlockedDifficulty)
		}
		if p.UnlockedDifficulty != s.want {
			t.Errorf("after tier %d +%d: unlocked = %d, want %d", s.tier, s.delta, p.UnlockedDifficulty, s.want)
		}
		prev = p.UnlockedDifficulty
	}
}

func TestApplyPointsNeverLowersOverride(t *testing.T) {
	p, err := ApplyPoints(DefaultConfig(), progress(5), 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if p.UnlockedDifficulty != 5 {
		t.Errorf("unlocked = %d, want 5", p.UnlockedDifficulty)
	}
}

func TestApplyPointsRejects(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := ApplyPoints(cfg, progress(2), 1, -1); !errors.Is(err, ErrNegativePoints) {
		t.Errorf("negative delta err = %v", err)
	}
	if _, err := ApplyPoints(cfg, progress(2), 6, 1); err == nil {
		t.Error("tier 6 accepted")
	}
	if _, err := ApplyPoints(cfg, progress(9), 1, 1); !errors.Is(err, ErrGateViolation) {
		t.Errorf("corrupt progress err = %v", err)
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		lo, hi, allowed int
		wantLo, wantHi  int
		wantDegraded    bool
	}{
		{1, 3, 5, 1, 3, false},
		{1, 5, 3, 1, 3, false},
		{0, 2, 2, 1, 2, false},
		{4, 5, 2, 2, 2, true},
		{3, 3, 3, 3, 3, false},
	}
	for _, tt := range tests {
		lo, hi, degraded := Clamp(tt.lo, tt.hi, tt.allowed)
		if lo != tt.wantLo || hi != tt.wantHi || degraded != tt.wantDegraded {
			t.Errorf("Clamp(%d, %d, %d) = (%d, %d, %v), want (%d, %d, %v)",
				tt.lo, tt.hi, tt.allowed, lo, hi, degraded, tt.wantLo, tt.wantHi, tt.wantDegraded)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	if _, err := ConfigFromPoints([]int{100, 200}); err == nil {
		t.Error("two thresholds accepted")
	}
	if _, err := ConfigFromPoints([]int{100, -1, 300}); err == nil {
		t.Error("negative threshold accepted")
	}
	bad := Config{Base: 2, Steps: []Step{{Unlocks: 3, FromTiers: []int{3}, Points: 1}}}
	if err := bad.Validate(); err == nil {
		t.Error("step reading its own tier accepted")
	}
}
