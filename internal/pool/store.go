package pool

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"

	"github.com/examprep/backend/internal/models"
	"github.com/lib/pq"
)

// Store is the Postgres-backed pool.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const questionCols = `id, type, category, epoch, difficulty, points, tags, content, created_at`

func (s *Store) Find(ctx context.Context, f Filter) iter.Seq2[models.Question, error] {
	return func(yield func(models.Question, error) bool) {
		query, args := buildFindQuery(f)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(models.Question{}, fmt.Errorf("%w: find questions: %v", ErrPoolUnavailable, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			q, err := scanQuestion(rows)
			if err != nil {
				yield(models.Question{}, fmt.Errorf("%w: scan question: %v", ErrPoolUnavailable, err))
				return
			}
			if !yield(q, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.Question{}, fmt.Errorf("%w: iterate questions: %v", ErrPoolUnavailable, err))
		}
	}
}

func buildFindQuery(f Filter) (string, []interface{}) {
	var where []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.Epoch != nil {
		add("epoch = $%d", *f.Epoch)
	}
	if f.DifficultyMin > 0 {
		add("difficulty >= $%d", f.DifficultyMin)
	}
	if f.DifficultyMax > 0 {
		add("difficulty <= $%d", f.DifficultyMax)
	}
	if len(f.Tags) > 0 {
		add("tags @> $%d", pq.Array(f.Tags))
	}

	query := "SELECT " + questionCols + " FROM questions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY difficulty, id"
	return query, args
}

func scanQuestion(rows *sql.Rows) (models.Question, error) {
	var q models.Question
	var epoch sql.NullString
	var content []byte
	err := rows.Scan(&q.ID, &q.Type, &q.Category, &epoch, &q.Difficulty, &q.Points,
		pq.Array(&q.Tags), &content, &q.CreatedAt)
	if err != nil {
		return q, err
	}
	if epoch.Valid {
		e := epoch.String
		q.Epoch = &e
	}
	q.Content = content
	return q, nil
}

// Insert adds a question and returns it with its new id. Authoring happens
// elsewhere; this backs seeding.
func (s *Store) Insert(ctx context.Context, q models.Question) (models.Question, error) {
	content := []byte(q.Content)
	if len(content) == 0 {
		content = []byte("{}")
	}
	tags := q.Tags
	if tags == nil {
		tags = []string{}
	}
	if q.Points == 0 {
		q.Points = 1
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO questions (type, category, epoch, difficulty, points, tags, content)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		q.Type, q.Category, q.Epoch, q.Difficulty, q.Points, pq.Array(tags), content,
	).Scan(&q.ID, &q.CreatedAt)
	if err != nil {
		return q, fmt.Errorf("insert question: %w", err)
	}
	return q, nil
}
