package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Question models an MCQ question with exactly one correct option.
type Question struct {
	ID           string   `json:"id"`
	Prompt       string   `json:"prompt"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
	Marks        int      `json:"marks"` // defaults to 1 if zero
}

// Points is the score a correct answer earns.
func (q Question) Points() int {
	if q.Marks <= 0 {
		return 1
	}
	return q.Marks
}

// Public strips the answer key before a question is sent to clients.
func (q Question) Public() PublicQuestion {
	return PublicQuestion{ID: q.ID, Prompt: q.Prompt, Options: q.Options, Marks: q.Points()}
}

// PublicQuestion is the client-facing view of a question.
type PublicQuestion struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
	Marks   int      `json:"marks"`
}

// Quiz is the immutable battle configuration plus its question pool.
type Quiz struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	EntryAmount        decimal.Decimal `json:"entryAmount"`
	QuestionCount      int             `json:"questionCount"`
	TimePerQuestionSec int             `json:"timePerQuestionSec"`
	MaxPlayers         int             `json:"maxPlayers"`
	Active             bool            `json:"active"`
	Questions          []Question      `json:"questions"`
}

// Rounds is the number of questions a match of this quiz plays.
func (q Quiz) Rounds() int {
	if q.QuestionCount > 0 && q.QuestionCount <= len(q.Questions) {
		return q.QuestionCount
	}
	return len(q.Questions)
}

// MatchQuestions returns the ordered questions a new match plays.
func (q Quiz) MatchQuestions() []Question {
	return q.Questions[:q.Rounds()]
}

// Question finds a question by id.
func (q Quiz) Question(id string) (Question, bool) {
	for _, question := range q.Questions {
		if question.ID == id {
			return question, true
		}
	}
	return Question{}, false
}

// ParticipantStatus tracks a join request through pairing.
type ParticipantStatus string

const (
	ParticipantWaiting ParticipantStatus = "WAITING"
	ParticipantPlaying ParticipantStatus = "PLAYING"
	ParticipantDone    ParticipantStatus = "DONE"
)

// Active reports whether the status blocks another join for the same quiz.
func (s ParticipantStatus) Active() bool {
	return s == ParticipantWaiting || s == ParticipantPlaying
}

// Participant is a user's paid intent to play a quiz.
type Participant struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	QuizID      string            `json:"quizId"`
	Status      ParticipantStatus `json:"status"`
	MatchID     string            `json:"matchId,omitempty"`
	EntryAmount decimal.Decimal   `json:"entryAmount"`
	JoinedAt    time.Time         `json:"joinedAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// LedgerKind classifies wallet movements made by the engine.
type LedgerKind string

const (
	LedgerEntryFee LedgerKind = "entry_fee"
	LedgerPrize    LedgerKind = "prize"
	LedgerRefund   LedgerKind = "refund"
)

// LedgerEntry is one wallet movement. Reference makes the movement idempotent.
type LedgerEntry struct {
	UserID    string          `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	Kind      LedgerKind      `json:"kind"`
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
}

// LedgerCompleted is the only status the engine records; rejected debits leave no entry.
const LedgerCompleted = "completed"

// EntryFeeReference keys the join debit of a participant.
func EntryFeeReference(participantID string) string { return "entry:" + participantID }

// PrizeReference keys the payout of a match.
func PrizeReference(matchID string) string { return "prize:" + matchID }

// WaitingRefundReference keys the refund of a participant that never got matched.
func WaitingRefundReference(participantID string) string { return "refund:" + participantID }

// MatchRefundReference keys the refund of one player of a voided match.
func MatchRefundReference(matchID, userID string) string {
	return "refund:" + matchID + ":" + userID
}
