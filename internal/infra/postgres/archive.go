package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"battle-quiz-service/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type matchHistoryRow struct {
	bun.BaseModel `bun:"table:match_history"`

	ID           string          `bun:"id,pk"`
	QuizID       string          `bun:"quiz_id"`
	Player1ID    string          `bun:"player1_id"`
	Player2ID    string          `bun:"player2_id"`
	Player1Score int             `bun:"player1_score"`
	Player2Score int             `bun:"player2_score"`
	CurrentRound int             `bun:"current_round"`
	TotalRounds  int             `bun:"total_rounds"`
	WinnerID     sql.NullString  `bun:"winner_id"`
	EntryAmount  decimal.Decimal `bun:"entry_amount,type:numeric"`
	PrizeAmount  decimal.Decimal `bun:"prize_amount,type:numeric"`
	FinishReason string          `bun:"finish_reason"`
	StartedAt    time.Time       `bun:"started_at"`
	EndedAt      time.Time       `bun:"ended_at"`
}

type matchAnswerRow struct {
	bun.BaseModel `bun:"table:match_answers"`

	MatchID        string    `bun:"match_id,pk"`
	UserID         string    `bun:"user_id,pk"`
	QuestionID     string    `bun:"question_id,pk"`
	QuestionIndex  int       `bun:"question_index"`
	SelectedOption int       `bun:"selected_option"`
	Correct        bool      `bun:"correct"`
	Points         int       `bun:"points"`
	TimeTakenMs    int64     `bun:"time_taken_ms"`
	AnsweredAt     time.Time `bun:"answered_at"`
}

// Archive is the append-only history of finished matches, written through bun.
type Archive struct {
	db *bun.DB
}

// OpenBun opens a bun handle over pgdriver for dsn.
func OpenBun(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

func NewArchive(db *bun.DB) *Archive {
	return &Archive{db: db}
}

// Archive stores a finished match and its answers. Re-archiving is a no-op.
func (a *Archive) Archive(ctx context.Context, match domain.Match) error {
	if !match.Finished() {
		return fmt.Errorf("%w: archive unfinished match %s", domain.ErrInvalidTransition, match.ID)
	}
	row := toHistoryRow(match)
	answers := make([]matchAnswerRow, 0, len(match.Answers))
	for _, ans := range match.Answers {
		answers = append(answers, matchAnswerRow{
			MatchID:        match.ID,
			UserID:         ans.UserID,
			QuestionID:     ans.QuestionID,
			QuestionIndex:  ans.QuestionIndex,
			SelectedOption: ans.SelectedOption,
			Correct:        ans.Correct,
			Points:         ans.Points,
			TimeTakenMs:    ans.TimeTakenMs,
			AnsweredAt:     ans.AnsweredAt.UTC(),
		})
	}

	return a.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(&row).On("CONFLICT (id) DO NOTHING").Exec(ctx); err != nil {
			return fmt.Errorf("insert match history: %w", err)
		}
		if len(answers) == 0 {
			return nil
		}
		if _, err := tx.NewInsert().Model(&answers).On("CONFLICT (match_id, user_id, question_id) DO NOTHING").Exec(ctx); err != nil {
			return fmt.Errorf("insert match answers: %w", err)
		}
		return nil
	})
}

// History returns the most recent archived matches of userID, newest first.
// Answers are not loaded.
func (a *Archive) History(ctx context.Context, userID string, limit int) ([]domain.Match, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []matchHistoryRow
	err := a.db.NewSelect().
		Model(&rows).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("player1_id = ?", userID).WhereOr("player2_id = ?", userID)
		}).
		OrderExpr("ended_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load match history: %w", err)
	}
	out := make([]domain.Match, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromHistoryRow(row))
	}
	return out, nil
}

func toHistoryRow(m domain.Match) matchHistoryRow {
	ended := m.LastActivityAt
	if m.EndTime != nil {
		ended = *m.EndTime
	}
	return matchHistoryRow{
		ID:           m.ID,
		QuizID:       m.QuizID,
		Player1ID:    m.Player1ID,
		Player2ID:    m.Player2ID,
		Player1Score: m.Player1Score,
		Player2Score: m.Player2Score,
		CurrentRound: m.CurrentRound,
		TotalRounds:  m.TotalRounds,
		WinnerID:     sql.NullString{String: m.WinnerID, Valid: m.WinnerID != ""},
		EntryAmount:  m.EntryAmount,
		PrizeAmount:  m.PrizeAmount,
		FinishReason: string(m.FinishReason),
		StartedAt:    m.StartTime.UTC(),
		EndedAt:      ended.UTC(),
	}
}

func fromHistoryRow(row matchHistoryRow) domain.Match {
	end := row.EndedAt
	return domain.Match{
		ID:             row.ID,
		QuizID:         row.QuizID,
		Player1ID:      row.Player1ID,
		Player2ID:      row.Player2ID,
		Status:         domain.MatchFinished,
		CurrentRound:   row.CurrentRound,
		TotalRounds:    row.TotalRounds,
		Player1Score:   row.Player1Score,
		Player2Score:   row.Player2Score,
		WinnerID:       row.WinnerID.String,
		EntryAmount:    row.EntryAmount,
		PrizeAmount:    row.PrizeAmount,
		FinishReason:   domain.FinishReason(row.FinishReason),
		Settlement:     domain.SettlementDone,
		StartTime:      row.StartedAt,
		EndTime:        &end,
		LastActivityAt: row.EndedAt,
	}
}
