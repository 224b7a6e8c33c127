package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MatchStatus is the state of a head-to-head match.
type MatchStatus string

const (
	MatchStarting MatchStatus = "STARTING"
	MatchPlaying  MatchStatus = "PLAYING"
	MatchFinished MatchStatus = "FINISHED"
)

// matchTransitions enumerates every legal edge; PLAYING -> PLAYING is a scored round.
var matchTransitions = map[MatchStatus][]MatchStatus{
	MatchStarting: {MatchPlaying},
	MatchPlaying:  {MatchPlaying, MatchFinished},
}

// CanTransition reports whether to is reachable from s in one step.
func (s MatchStatus) CanTransition(to MatchStatus) bool {
	for _, next := range matchTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// FinishReason explains how a match reached FINISHED.
type FinishReason string

const (
	FinishCompleted FinishReason = "completed"
	FinishForfeit   FinishReason = "forfeit"
	FinishVoided    FinishReason = "voided"
)

// Settlement tracks the wallet side effects of a finished match.
type Settlement string

const (
	SettlementNone    Settlement = ""
	SettlementPending Settlement = "pending"
	SettlementDone    Settlement = "done"
)

// RoundPolicy decides when a round advances.
type RoundPolicy string

const (
	// RoundAdvanceAny advances on every accepted submission from either player.
	RoundAdvanceAny RoundPolicy = "any"
	// RoundAdvanceBoth advances once both players have answered the current round.
	RoundAdvanceBoth RoundPolicy = "both"
)

// ParseRoundPolicy accepts "any" and "both"; empty means any.
func ParseRoundPolicy(raw string) (RoundPolicy, error) {
	switch RoundPolicy(raw) {
	case "", RoundAdvanceAny:
		return RoundAdvanceAny, nil
	case RoundAdvanceBoth:
		return RoundAdvanceBoth, nil
	}
	return "", fmt.Errorf("unknown round policy %q", raw)
}

// AnswerRecord is one accepted answer. Records are append-only.
type AnswerRecord struct {
	UserID         string    `json:"userId"`
	QuestionID     string    `json:"questionId"`
	QuestionIndex  int       `json:"questionIndex"`
	SelectedOption int       `json:"selectedOption"`
	Correct        bool      `json:"correct"`
	Points         int       `json:"points"`
	TimeTakenMs    int64     `json:"timeTakenMs"`
	AnsweredAt     time.Time `json:"answeredAt"`
}

// Match is the central mutable entity; only the orchestrator mutates it, one writer per match.
type Match struct {
	ID             string          `json:"id"`
	QuizID         string          `json:"quizId"`
	Player1ID      string          `json:"player1Id"`
	Player2ID      string          `json:"player2Id"`
	Status         MatchStatus     `json:"status"`
	CurrentRound   int             `json:"currentRound"`
	TotalRounds    int             `json:"totalRounds"`
	Player1Score   int             `json:"player1Score"`
	Player2Score   int             `json:"player2Score"`
	WinnerID       string          `json:"winnerId,omitempty"` // empty once finished means a tie
	EntryAmount    decimal.Decimal `json:"entryAmount"`
	PrizeAmount    decimal.Decimal `json:"prizeAmount"`
	QuestionIDs    []string        `json:"questionIds"`
	Answers        []AnswerRecord  `json:"answers"`
	FinishReason   FinishReason    `json:"finishReason,omitempty"`
	Settlement     Settlement      `json:"settlement,omitempty"`
	StartTime      time.Time       `json:"startTime"`
	EndTime        *time.Time      `json:"endTime,omitempty"`
	LastActivityAt time.Time       `json:"lastActivityAt"`
	Version        int64           `json:"version"`
}

// NewMatch pairs two participants; player1 is the one who waited.
func NewMatch(id string, quiz Quiz, waiting, joiner Participant, now time.Time) Match {
	questions := quiz.MatchQuestions()
	ids := make([]string, len(questions))
	for i, q := range questions {
		ids[i] = q.ID
	}
	return Match{
		ID:             id,
		QuizID:         quiz.ID,
		Player1ID:      waiting.UserID,
		Player2ID:      joiner.UserID,
		Status:         MatchStarting,
		TotalRounds:    len(ids),
		EntryAmount:    quiz.EntryAmount,
		QuestionIDs:    ids,
		StartTime:      now,
		LastActivityAt: now,
	}
}

// IsPlayer reports whether userID plays in this match.
func (m *Match) IsPlayer(userID string) bool {
	return userID != "" && (userID == m.Player1ID || userID == m.Player2ID)
}

// Opponent returns the other player's id.
func (m *Match) Opponent(userID string) string {
	if userID == m.Player1ID {
		return m.Player2ID
	}
	return m.Player1ID
}

// Score returns the score of userID.
func (m *Match) Score(userID string) int {
	if userID == m.Player1ID {
		return m.Player1Score
	}
	if userID == m.Player2ID {
		return m.Player2Score
	}
	return 0
}

// QuestionIndex returns the position of questionID in the match, or -1.
func (m *Match) QuestionIndex(questionID string) int {
	for i, id := range m.QuestionIDs {
		if id == questionID {
			return i
		}
	}
	return -1
}

// HasAnswered reports whether userID already has a record for questionID.
func (m *Match) HasAnswered(userID, questionID string) bool {
	for _, a := range m.Answers {
		if a.UserID == userID && a.QuestionID == questionID {
			return true
		}
	}
	return false
}

// AnswerCount returns how many answers userID has recorded.
func (m *Match) AnswerCount(userID string) int {
	n := 0
	for _, a := range m.Answers {
		if a.UserID == userID {
			n++
		}
	}
	return n
}

// CorrectAnswers returns how many of userID's answers were correct.
func (m *Match) CorrectAnswers(userID string) int {
	n := 0
	for _, a := range m.Answers {
		if a.UserID == userID && a.Correct {
			n++
		}
	}
	return n
}

// Finished reports whether the match reached its terminal state.
func (m *Match) Finished() bool {
	return m.Status == MatchFinished
}

func (m *Match) transition(to MatchStatus) error {
	if m.Status == MatchFinished {
		return ErrMatchFinished
	}
	if !m.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, to)
	}
	m.Status = to
	return nil
}

// Start moves a freshly paired match into PLAYING. Starting a PLAYING match is a no-op.
func (m *Match) Start(now time.Time) error {
	if m.Status == MatchPlaying {
		return nil
	}
	if err := m.transition(MatchPlaying); err != nil {
		return err
	}
	m.LastActivityAt = now
	m.Version++
	return nil
}

// CheckAnswer validates a submission without mutating anything.
func (m *Match) CheckAnswer(userID, questionID string, policy RoundPolicy) error {
	if m.Status == MatchFinished {
		return ErrMatchFinished
	}
	if !m.IsPlayer(userID) {
		return ErrNotAPlayer
	}
	if m.QuestionIndex(questionID) < 0 {
		return ErrQuestionNotFound
	}
	if m.HasAnswered(userID, questionID) {
		return ErrAlreadyAnswered
	}
	if policy == RoundAdvanceBoth && m.AnswerCount(userID) > m.CurrentRound {
		return ErrWaitingForOpponent
	}
	return nil
}

// ApplyAnswer scores one validated record and advances the round.
// It reports whether the round counter reached TotalRounds, which finalizes the match.
func (m *Match) ApplyAnswer(rec AnswerRecord, policy RoundPolicy) (bool, error) {
	if err := m.CheckAnswer(rec.UserID, rec.QuestionID, policy); err != nil {
		return false, err
	}
	if m.Status == MatchStarting {
		if err := m.transition(MatchPlaying); err != nil {
			return false, err
		}
	}
	if err := m.transition(MatchPlaying); err != nil {
		return false, err
	}

	rec.QuestionIndex = m.QuestionIndex(rec.QuestionID)
	if rec.UserID == m.Player1ID {
		m.Player1Score += rec.Points
	} else {
		m.Player2Score += rec.Points
	}
	m.Answers = append(m.Answers, rec)

	switch policy {
	case RoundAdvanceBoth:
		m.CurrentRound = min(m.AnswerCount(m.Player1ID), m.AnswerCount(m.Player2ID))
	default:
		m.CurrentRound++
	}
	m.LastActivityAt = rec.AnsweredAt
	m.Version++
	return m.CurrentRound >= m.TotalRounds, nil
}

// DecideWinner compares scores strictly; a tie returns "".
func (m *Match) DecideWinner() string {
	switch {
	case m.Player1Score > m.Player2Score:
		return m.Player1ID
	case m.Player2Score > m.Player1Score:
		return m.Player2ID
	default:
		return ""
	}
}

// Finish closes the match. The prize is paid only when there is a winner, so a
// tie or a voided match records a zero prize.
func (m *Match) Finish(now time.Time, reason FinishReason, winnerID string, pool decimal.Decimal) error {
	if m.Status == MatchStarting {
		if err := m.transition(MatchPlaying); err != nil {
			return err
		}
	}
	if err := m.transition(MatchFinished); err != nil {
		return err
	}
	if winnerID != "" && !m.IsPlayer(winnerID) {
		return fmt.Errorf("%w: winner %s is not a player", ErrInvalidTransition, winnerID)
	}
	m.FinishReason = reason
	m.WinnerID = winnerID
	m.PrizeAmount = decimal.Zero
	if winnerID != "" {
		m.PrizeAmount = pool
	}
	end := now
	m.EndTime = &end
	m.Settlement = SettlementPending
	m.Version++
	return nil
}

// PrizePool is the sum of both entry fees times the payout fraction, truncated
// to whole cents so no wallet ever credits more than the fraction allows.
func PrizePool(entry, fraction decimal.Decimal) decimal.Decimal {
	return entry.Mul(decimal.NewFromInt(2)).Mul(fraction).RoundDown(2)
}
