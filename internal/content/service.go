// Package content reads the quiz levels a duel is played on. The duel
// subsystem consumes levels but never writes them; authoring lives in a
// different system entirely.
package content

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/duelo/internal/domain"
	"github.com/victornm/duelo/internal/errors"
)

type Config struct {
	DB *pgxpool.Pool
}

type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{db: c.DB}
}

// GetLevel loads a level with its questions in level order.
func (s *Service) GetLevel(ctx context.Context, levelID string) (domain.Level, error) {
	const levelStmt = `
SELECT level_id, category_id, title, mode
FROM levels
WHERE level_id = $1;`

	var l domain.Level
	err := s.db.QueryRow(ctx, levelStmt, levelID).Scan(&l.LevelID, &l.CategoryID, &l.Title, &l.Mode)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.Level{}, errors.New(errors.CodeNotFound,
			errors.WithMessagef("level not found: level=%s", levelID))
	}
	if err != nil {
		return domain.Level{}, fmt.Errorf("select level: %w", err)
	}

	const questionStmt = `
SELECT question_id, prompt, COALESCE(answers, '{}'), COALESCE(options, '{}'), COALESCE(correct_option, -1)
FROM questions
WHERE level_id = $1
ORDER BY position;`

	rows, err := s.db.Query(ctx, questionStmt, levelID)
	if err != nil {
		return domain.Level{}, fmt.Errorf("select questions: %w", err)
	}

	l.Questions, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Question, error) {
		var q domain.Question
		err := r.Scan(&q.QuestionID, &q.Prompt, &q.Answers, &q.Options, &q.CorrectOption)
		return q, err
	})
	if err != nil {
		return domain.Level{}, err
	}

	return l, nil
}
