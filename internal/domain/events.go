package domain

import "github.com/shopspring/decimal"

// EventType names a message pushed to a connected player.
type EventType string

const (
	EventWaiting              EventType = "waiting"
	EventMatched              EventType = "matched"
	EventOpponentAnswer       EventType = "opponent_answer"
	EventOpponentDisconnected EventType = "opponent_disconnected"
	EventOpponentReconnected  EventType = "opponent_reconnected"
	EventQuizResult           EventType = "quiz_result"
	EventMatchState           EventType = "match_state"
	EventWaitTimeout          EventType = "wait_timeout"
)

// Event is a typed push notification for one user.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

type WaitingPayload struct {
	QuizID        string `json:"quizId"`
	ParticipantID string `json:"participantId"`
}

type MatchedPayload struct {
	MatchID            string           `json:"matchId"`
	QuizID             string           `json:"quizId"`
	OpponentID         string           `json:"opponentId"`
	TotalRounds        int              `json:"totalRounds"`
	TimePerQuestionSec int              `json:"timePerQuestionSec"`
	Questions          []PublicQuestion `json:"questions"`
}

type OpponentAnswerPayload struct {
	MatchID       string `json:"matchId"`
	QuestionIndex int    `json:"questionIndex"`
}

type OpponentPresencePayload struct {
	MatchID string `json:"matchId"`
	GraceMs int64  `json:"graceMs,omitempty"`
}

// QuizResultPayload is personalised: "your" and "opponent" are relative to the recipient.
type QuizResultPayload struct {
	MatchID        string          `json:"matchId"`
	YourScore      int             `json:"yourScore"`
	OpponentScore  int             `json:"opponentScore"`
	Winner         *string         `json:"winner"`
	CorrectAnswers int             `json:"correctAnswers"`
	Prize          decimal.Decimal `json:"prize"`
	Reason         FinishReason    `json:"reason"`
}

type MatchStatePayload struct {
	Match     Match            `json:"match"`
	Questions []PublicQuestion `json:"questions"`
}

type WaitTimeoutPayload struct {
	QuizID   string          `json:"quizId"`
	Refunded decimal.Decimal `json:"refunded"`
}

// ResultFor builds the quiz_result payload seen by userID.
func ResultFor(m Match, userID string) QuizResultPayload {
	var winner *string
	if m.WinnerID != "" {
		w := m.WinnerID
		winner = &w
	}
	prize := decimal.Zero
	if m.WinnerID == userID {
		prize = m.PrizeAmount
	}
	return QuizResultPayload{
		MatchID:        m.ID,
		YourScore:      m.Score(userID),
		OpponentScore:  m.Score(m.Opponent(userID)),
		Winner:         winner,
		CorrectAnswers: m.CorrectAnswers(userID),
		Prize:          prize,
		Reason:         m.FinishReason,
	}
}
