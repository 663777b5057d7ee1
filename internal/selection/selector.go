package selection

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/examprep/backend/internal/gate"
	"github.com/examprep/backend/internal/logger"
	"github.com/examprep/backend/internal/models"
	"github.com/examprep/backend/internal/pool"
)

// Relaxation steps, in the order they are engaged.
const (
	StepFresh        = 1 // never shown, outside recency window
	StepByFrequency  = 2 // previously shown, outside recency window
	StepIgnoreRecent = 3 // recently shown
	StepWidenRange   = 4 // full unlocked difficulty range
)

// FrequencyFunc returns all-time shown counts for ids.
type FrequencyFunc func(ctx context.Context, ids []int64) (map[int64]int, error)

type Request struct {
	StudentID   int64
	Requirement models.SectionRequirement
	MaxAllowed  int
	// Recent is the student's recency exclusion set.
	Recent map[int64]struct{}
	// Picked holds ids already assigned in this assembly. Select adds its
	// own picks to it.
	Picked      map[int64]struct{}
	Frequencies FrequencyFunc
}

type Result struct {
	Questions     []models.Question
	Step          int
	Shortfall     int
	DegradedRange bool
}

// Selector picks questions for one requirement at a time.
type Selector struct {
	pool pool.Pool
	log  *logger.Logger
	rng  *lockedRand
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewSelector uses src for every random choice; a fixed seed gives
// repeatable picks.
func NewSelector(p pool.Pool, src rand.Source, log *logger.Logger) *Selector {
	return &Selector{
		pool: p,
		log:  log.With("component", "selection"),
		rng:  &lockedRand{r: rand.New(src)},
	}
}

// Prefetch loads every question reqs could be given under maxAllowed into
// memory and returns a Selector over that copy. It shares the random source
// with s. Selecting from the copy touches no storage.
func (s *Selector) Prefetch(ctx context.Context, reqs []models.SectionRequirement, maxAllowed int) (*Selector, error) {
	if maxAllowed < models.MinDifficulty || maxAllowed > models.MaxDifficulty {
		return nil, fmt.Errorf("%w: max allowed difficulty %d", gate.ErrGateViolation, maxAllowed)
	}
	snap := pool.NewMemory()
	for _, r := range reqs {
		for q, err := range s.pool.Find(ctx, pool.FromRequirement(r, models.MinDifficulty, maxAllowed)) {
			if err != nil {
				return nil, err
			}
			snap.Add(q)
		}
	}
	return &Selector{pool: snap, log: s.log, rng: s.rng}, nil
}

type candidate struct {
	q      models.Question
	freq   int
	recent bool
}

// Select fills req.Requirement.Count questions, relaxing constraints step
// by step while the requirement stays short.
func (s *Selector) Select(ctx context.Context, req Request) (Result, error) {
	r := req.Requirement
	if req.MaxAllowed < models.MinDifficulty || req.MaxAllowed > models.MaxDifficulty {
		return Result{}, fmt.Errorf("%w: max allowed difficulty %d", gate.ErrGateViolation, req.MaxAllowed)
	}
	if req.Picked == nil {
		req.Picked = make(map[int64]struct{})
	}

	lo, hi, degraded := gate.Clamp(r.DifficultyMin, r.DifficultyMax, req.MaxAllowed)
	res := Result{Step: StepFresh, DegradedRange: degraded}
	need := r.Count

	seen := make(map[int64]struct{})
	inRange, err := s.candidates(ctx, req, pool.FromRequirement(r, lo, hi), seen)
	if err != nil {
		return Result{}, err
	}
	fresh, stale, recent := s.partition(inRange)

	take := func(from []candidate) {
		for _, c := range from {
			if need == 0 {
				return
			}
			res.Questions = append(res.Questions, c.q)
			req.Picked[c.q.ID] = struct{}{}
			need--
		}
	}

	// 1: fresh items only
	take(fresh)

	// 2: items shown before but not recently, least shown first
	if need > 0 {
		res.Step = StepByFrequency
		take(stale)
	}

	// 3: recently shown items
	if need > 0 {
		res.Step = StepIgnoreRecent
		if len(recent) > 0 {
			s.log.Warn("reusing recently shown questions",
				"student_id", req.StudentID, "type", r.Type, "category", r.Category, "missing", need)
		}
		take(recent)
	}

	// 4: widen to [1, maxAllowed] with every relaxation applied
	if need > 0 {
		res.Step = StepWidenRange
		if lo > models.MinDifficulty || hi < req.MaxAllowed {
			wide, err := s.candidates(ctx, req, pool.FromRequirement(r, models.MinDifficulty, req.MaxAllowed), seen)
			if err != nil {
				return Result{}, err
			}
			f, st, rc := s.partition(wide)
			if len(rc) > 0 {
				s.log.Warn("reusing recently shown questions outside requested difficulty",
					"student_id", req.StudentID, "type", r.Type, "category", r.Category, "missing", need)
			}
			take(f)
			take(st)
			take(rc)
		}
	}
	res.Shortfall = need

	for _, q := range res.Questions {
		if q.Difficulty > req.MaxAllowed {
			return Result{}, fmt.Errorf("%w: question %d has difficulty %d above %d",
				gate.ErrGateViolation, q.ID, q.Difficulty, req.MaxAllowed)
		}
	}
	return res, nil
}

// candidates loads unpicked questions matching f that were not returned by
// an earlier call, annotated with frequency and recency.
func (s *Selector) candidates(ctx context.Context, req Request, f pool.Filter, seen map[int64]struct{}) ([]candidate, error) {
	var out []candidate
	var ids []int64
	for q, err := range s.pool.Find(ctx, f) {
		if err != nil {
			return nil, err
		}
		if _, ok := seen[q.ID]; ok {
			continue
		}
		seen[q.ID] = struct{}{}
		if _, ok := req.Picked[q.ID]; ok {
			continue
		}
		_, recent := req.Recent[q.ID]
		out = append(out, candidate{q: q, recent: recent})
		ids = append(ids, q.ID)
	}
	if len(out) == 0 || req.Frequencies == nil {
		return out, nil
	}

	freq, err := req.Frequencies(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load frequencies: %w", err)
	}
	for i := range out {
		out[i].freq = freq[out[i].q.ID]
	}
	return out, nil
}

// partition splits candidates into the three relaxation tiers. Fresh items
// are shuffled; the others are shuffled then ranked by frequency and
// difficulty so ties break randomly.
func (s *Selector) partition(cands []candidate) (fresh, stale, recent []candidate) {
	for _, c := range cands {
		switch {
		case c.recent:
			recent = append(recent, c)
		case c.freq == 0:
			fresh = append(fresh, c)
		default:
			stale = append(stale, c)
		}
	}
	s.shuffle(fresh)
	s.rank(stale)
	s.rank(recent)
	return fresh, stale, recent
}

func (s *Selector) shuffle(c []candidate) {
	s.rng.mu.Lock()
	s.rng.r.Shuffle(len(c), func(i, j int) { c[i], c[j] = c[j], c[i] })
	s.rng.mu.Unlock()
}

func (s *Selector) rank(c []candidate) {
	s.shuffle(c)
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].freq != c[j].freq {
			return c[i].freq < c[j].freq
		}
		return c[i].q.Difficulty < c[j].q.Difficulty
	})
}
