package pool

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/examprep/backend/internal/models"
)

type bucketKey struct {
	typ models.QuestionType
	cat models.Category
}

// Memory is an in-process pool indexed by (type, category) with each bucket
// sorted by difficulty. Used by the offline server mode and tests.
type Memory struct {
	mu      sync.RWMutex
	byID    map[int64]models.Question
	buckets map[bucketKey][]models.Question
	nextID  int64

	// Fail, when set, makes every read return ErrPoolUnavailable.
	Fail error
}

func NewMemory(questions ...models.Question) *Memory {
	m := &Memory{
		byID:    make(map[int64]models.Question),
		buckets: make(map[bucketKey][]models.Question),
	}
	for _, q := range questions {
		m.Add(q)
	}
	return m
}

// Add indexes q, assigning an id when q.ID is zero, and returns the stored
// copy. Adding an id that is already present keeps the first copy.
func (m *Memory) Add(q models.Question) models.Question {
	m.mu.Lock()
	defer m.mu.Unlock()

	if have, ok := m.byID[q.ID]; ok && q.ID != 0 {
		return have
	}
	if q.ID == 0 {
		m.nextID++
		q.ID = m.nextID
	} else if q.ID > m.nextID {
		m.nextID = q.ID
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	if q.Points == 0 {
		q.Points = 1
	}
	m.byID[q.ID] = q

	k := bucketKey{q.Type, q.Category}
	b := append(m.buckets[k], q)
	sort.Slice(b, func(i, j int) bool {
		if b[i].Difficulty != b[j].Difficulty {
			return b[i].Difficulty < b[j].Difficulty
		}
		return b[i].ID < b[j].ID
	})
	m.buckets[k] = b
	return q
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *Memory) Find(ctx context.Context, f Filter) iter.Seq2[models.Question, error] {
	return func(yield func(models.Question, error) bool) {
		if m.Fail != nil {
			yield(models.Question{}, fmt.Errorf("%w: %v", ErrPoolUnavailable, m.Fail))
			return
		}
		// Snapshot under the lock so yield never runs while holding it.
		m.mu.RLock()
		var candidates []models.Question
		if f.Type != "" && f.Category != "" {
			candidates = m.bucketRange(m.buckets[bucketKey{f.Type, f.Category}], f)
		} else {
			for _, b := range m.buckets {
				candidates = append(candidates, m.bucketRange(b, f)...)
			}
			sort.Slice(candidates, func(i, j int) bool {
				if candidates[i].Difficulty != candidates[j].Difficulty {
					return candidates[i].Difficulty < candidates[j].Difficulty
				}
				return candidates[i].ID < candidates[j].ID
			})
		}
		m.mu.RUnlock()

		for _, q := range candidates {
			if err := ctx.Err(); err != nil {
				yield(models.Question{}, err)
				return
			}
			if !yield(q, nil) {
				return
			}
		}
	}
}

// bucketRange binary-searches the difficulty floor and filters the rest.
func (m *Memory) bucketRange(b []models.Question, f Filter) []models.Question {
	start := 0
	if f.DifficultyMin > 0 {
		start = sort.Search(len(b), func(i int) bool { return b[i].Difficulty >= f.DifficultyMin })
	}
	var out []models.Question
	for _, q := range b[start:] {
		if f.DifficultyMax > 0 && q.Difficulty > f.DifficultyMax {
			break
		}
		if f.Match(q) {
			out = append(out, q)
		}
	}
	return out
}
