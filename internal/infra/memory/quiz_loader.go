package memory

import (
	"context"
	"fmt"
	"os"
	"sort"

	"battle-quiz-service/internal/domain"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// StaticQuizLoader is a simple loader backed by an in-memory map (useful for tests/demos).
type StaticQuizLoader struct {
	quizzes map[string]domain.Quiz
}

func NewStaticQuizLoader(quizzes map[string]domain.Quiz) *StaticQuizLoader {
	return &StaticQuizLoader{quizzes: quizzes}
}

func (l *StaticQuizLoader) LoadQuiz(_ context.Context, quizID string) (domain.Quiz, error) {
	if quiz, ok := l.quizzes[quizID]; ok {
		return quiz, nil
	}
	return domain.Quiz{}, domain.ErrQuizNotFound
}

// Quizzes lists every quiz ordered by id; used to seed a database from a bank file.
func (l *StaticQuizLoader) Quizzes() []domain.Quiz {
	out := make([]domain.Quiz, 0, len(l.quizzes))
	for _, q := range l.quizzes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// quizBank is the on-disk layout of a question bank file.
type quizBank struct {
	Quizzes []bankQuiz `yaml:"quizzes"`
}

type bankQuiz struct {
	ID                 string         `yaml:"id"`
	Title              string         `yaml:"title"`
	EntryAmount        string         `yaml:"entry_amount"`
	QuestionCount      int            `yaml:"question_count"`
	TimePerQuestionSec int            `yaml:"time_per_question_sec"`
	MaxPlayers         int            `yaml:"max_players"`
	Active             *bool          `yaml:"active"`
	Questions          []bankQuestion `yaml:"questions"`
}

type bankQuestion struct {
	ID           string   `yaml:"id"`
	Prompt       string   `yaml:"prompt"`
	Options      []string `yaml:"options"`
	CorrectIndex int      `yaml:"correct_index"`
	Marks        int      `yaml:"marks"`
}

// LoadQuizBank reads a YAML question bank into a StaticQuizLoader.
func LoadQuizBank(path string) (*StaticQuizLoader, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read quiz bank: %w", err)
	}
	quizzes, err := ParseQuizBank(raw)
	if err != nil {
		return nil, fmt.Errorf("parse quiz bank %s: %w", path, err)
	}
	return NewStaticQuizLoader(quizzes), nil
}

// ParseQuizBank decodes YAML bank content keyed by quiz id.
func ParseQuizBank(raw []byte) (map[string]domain.Quiz, error) {
	var bank quizBank
	if err := yaml.Unmarshal(raw, &bank); err != nil {
		return nil, err
	}

	out := make(map[string]domain.Quiz, len(bank.Quizzes))
	for _, q := range bank.Quizzes {
		if q.ID == "" {
			return nil, fmt.Errorf("quiz without id")
		}
		if _, dup := out[q.ID]; dup {
			return nil, fmt.Errorf("duplicate quiz %q", q.ID)
		}
		entry := decimal.Zero
		if q.EntryAmount != "" {
			amount, err := decimal.NewFromString(q.EntryAmount)
			if err != nil {
				return nil, fmt.Errorf("quiz %q entry_amount: %w", q.ID, err)
			}
			if amount.IsNegative() {
				return nil, fmt.Errorf("quiz %q entry_amount must not be negative", q.ID)
			}
			entry = amount
		}

		quiz := domain.Quiz{
			ID:                 q.ID,
			Title:              q.Title,
			EntryAmount:        entry,
			QuestionCount:      q.QuestionCount,
			TimePerQuestionSec: q.TimePerQuestionSec,
			MaxPlayers:         q.MaxPlayers,
			Active:             q.Active == nil || *q.Active,
		}
		for _, bq := range q.Questions {
			if bq.CorrectIndex < 0 || bq.CorrectIndex >= len(bq.Options) {
				return nil, fmt.Errorf("quiz %q question %q: correct_index out of range", q.ID, bq.ID)
			}
			quiz.Questions = append(quiz.Questions, domain.Question{
				ID:           bq.ID,
				Prompt:       bq.Prompt,
				Options:      bq.Options,
				CorrectIndex: bq.CorrectIndex,
				Marks:        bq.Marks,
			})
		}
		out[q.ID] = quiz
	}
	return out, nil
}
