package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/examprep/backend/internal/logger"
	"github.com/examprep/backend/internal/models"
	"github.com/examprep/backend/internal/pool"
	"github.com/examprep/backend/internal/structures"
)

// seedFile is the JSON layout of --seed-file.
type seedFile struct {
	Questions  []models.Question            `json:"questions"`
	Structures []models.StructureDefinition `json:"structures"`
}

type seeder interface {
	AddQuestion(ctx context.Context, q models.Question) error
	PutStructure(ctx context.Context, def models.StructureDefinition) error
}

type memorySeeder struct {
	pool    *pool.Memory
	catalog *structures.Memory
}

func (m memorySeeder) AddQuestion(ctx context.Context, q models.Question) error {
	m.pool.Add(q)
	return nil
}

func (m memorySeeder) PutStructure(ctx context.Context, def models.StructureDefinition) error {
	m.catalog.Put(def)
	return nil
}

type sqlSeeder struct {
	pool    *pool.Store
	catalog *structures.Store
}

func (s sqlSeeder) AddQuestion(ctx context.Context, q models.Question) error {
	_, err := s.pool.Insert(ctx, q)
	return err
}

func (s sqlSeeder) PutStructure(ctx context.Context, def models.StructureDefinition) error {
	return s.catalog.Upsert(ctx, def)
}

func readSeed(path string) (seedFile, error) {
	var sf seedFile
	raw, err := os.ReadFile(path)
	if err != nil {
		return sf, fmt.Errorf("read seed file: %w", err)
	}
	if err := json.Unmarshal(raw, &sf); err != nil {
		return sf, fmt.Errorf("parse seed file: %w", err)
	}
	for i, q := range sf.Questions {
		if !models.ValidQuestionTypes[q.Type] || !models.ValidCategories[q.Category] {
			return sf, fmt.Errorf("seed question %d: invalid type or category", i)
		}
		if q.Difficulty < models.MinDifficulty || q.Difficulty > models.MaxDifficulty {
			return sf, fmt.Errorf("seed question %d: difficulty %d out of range", i, q.Difficulty)
		}
	}
	for _, def := range sf.Structures {
		if err := def.Validate(); err != nil {
			return sf, fmt.Errorf("seed structure: %w", err)
		}
	}
	return sf, nil
}

func loadSeed(ctx context.Context, path string, s seeder, log *logger.Logger) error {
	sf, err := readSeed(path)
	if err != nil {
		return err
	}
	for _, q := range sf.Questions {
		if err := s.AddQuestion(ctx, q); err != nil {
			return err
		}
	}
	for _, def := range sf.Structures {
		if err := s.PutStructure(ctx, def); err != nil {
			return err
		}
	}
	log.Info("seed loaded", "path", path, "questions", len(sf.Questions), "structures", len(sf.Structures))
	return nil
}
