package structures

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/examprep/backend/internal/models"
)

var ErrNotFound = errors.New("structure not found")

// Catalog is the read-only view of structures authored elsewhere.
type Catalog interface {
	Get(ctx context.Context, id int64) (models.StructureDefinition, error)
}

// ── Postgres ───────────────────────────────────────────

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, id int64) (models.StructureDefinition, error) {
	var def models.StructureDefinition
	var sections []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, duration_minutes, is_active, sections
		 FROM exam_structures WHERE id = $1`,
		id,
	).Scan(&def.ID, &def.Title, &def.DurationMinutes, &def.IsActive, &sections)
	if errors.Is(err, sql.ErrNoRows) {
		return def, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return def, fmt.Errorf("get structure: %w", err)
	}
	if err := json.Unmarshal(sections, &def.Sections); err != nil {
		return def, fmt.Errorf("decode structure %d sections: %w", id, err)
	}
	return def, nil
}

// Upsert stores a structure. Used by seeding; authoring lives elsewhere.
func (s *Store) Upsert(ctx context.Context, def models.StructureDefinition) error {
	sections, err := json.Marshal(def.Sections)
	if err != nil {
		return fmt.Errorf("encode sections: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO exam_structures (id, title, duration_minutes, is_active, sections)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		    title = EXCLUDED.title, duration_minutes = EXCLUDED.duration_minutes,
		    is_active = EXCLUDED.is_active, sections = EXCLUDED.sections`,
		def.ID, def.Title, def.DurationMinutes, def.IsActive, sections,
	)
	if err != nil {
		return fmt.Errorf("upsert structure: %w", err)
	}
	return nil
}

// ── Memory ─────────────────────────────────────────────

type Memory struct {
	mu   sync.RWMutex
	defs map[int64]models.StructureDefinition
}

func NewMemory(defs ...models.StructureDefinition) *Memory {
	m := &Memory{defs: make(map[int64]models.StructureDefinition)}
	for _, d := range defs {
		m.Put(d)
	}
	return m
}

func (m *Memory) Put(def models.StructureDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.ID] = def
}

func (m *Memory) Get(ctx context.Context, id int64) (models.StructureDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.defs[id]
	if !ok {
		return def, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return def, nil
}
