package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"battle-quiz-service/internal/domain"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"
)

// QuizLoader loads quiz configuration and its JSONB question pool from Postgres.
type QuizLoader struct {
	pool *pgxpool.Pool
}

func NewQuizLoader(pool *pgxpool.Pool) *QuizLoader {
	return &QuizLoader{pool: pool}
}

func (l *QuizLoader) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	var (
		quiz  domain.Quiz
		entry string
		raw   []byte
	)
	err := l.pool.QueryRow(ctx, `
		SELECT id, title, entry_amount::text, question_count, time_per_question_sec, max_players, active, questions
		FROM quizzes WHERE id=$1`, quizID).
		Scan(&quiz.ID, &quiz.Title, &entry, &quiz.QuestionCount, &quiz.TimePerQuestionSec, &quiz.MaxPlayers, &quiz.Active, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	if err != nil {
		return domain.Quiz{}, fmt.Errorf("load quiz: %w", err)
	}
	if quiz.EntryAmount, err = decimal.NewFromString(entry); err != nil {
		return domain.Quiz{}, fmt.Errorf("parse entry amount: %w", err)
	}
	if err := json.Unmarshal(raw, &quiz.Questions); err != nil {
		return domain.Quiz{}, fmt.Errorf("unmarshal questions: %w", err)
	}
	return quiz, nil
}

// SaveQuiz upserts a quiz; used by seeding and tests.
func (l *QuizLoader) SaveQuiz(ctx context.Context, quiz domain.Quiz) error {
	raw, err := json.Marshal(quiz.Questions)
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO quizzes (id, title, entry_amount, question_count, time_per_question_sec, max_players, active, questions)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			entry_amount = EXCLUDED.entry_amount,
			question_count = EXCLUDED.question_count,
			time_per_question_sec = EXCLUDED.time_per_question_sec,
			max_players = EXCLUDED.max_players,
			active = EXCLUDED.active,
			questions = EXCLUDED.questions`,
		quiz.ID, quiz.Title, quiz.EntryAmount.String(), quiz.QuestionCount, quiz.TimePerQuestionSec, quiz.MaxPlayers, quiz.Active, raw)
	if err != nil {
		return fmt.Errorf("save quiz: %w", err)
	}
	return nil
}
