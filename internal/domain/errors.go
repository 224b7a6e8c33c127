package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is the umbrella kind for absent quizzes, matches, participants and questions.
	ErrNotFound = errors.New("not found")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = fmt.Errorf("quiz %w", ErrNotFound)
	// ErrMatchNotFound is returned for unknown match ids.
	ErrMatchNotFound = fmt.Errorf("match %w", ErrNotFound)
	// ErrParticipantNotFound is returned when a user has no WAITING/PLAYING entry for a quiz.
	ErrParticipantNotFound = fmt.Errorf("participant %w", ErrNotFound)
	// ErrQuestionNotFound indicates a submitted question does not belong to the match.
	ErrQuestionNotFound = fmt.Errorf("question %w", ErrNotFound)

	// ErrQuizInactive rejects joins to a quiz that is switched off.
	ErrQuizInactive = errors.New("quiz is not active")
	// ErrInsufficientFunds is returned when the conditional wallet debit fails.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAlreadyActive is returned when the user is already WAITING or PLAYING for the quiz.
	ErrAlreadyActive = errors.New("already waiting or playing this quiz")

	// ErrInvalidTransition is the umbrella kind for operations the match state machine rejects.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrMatchFinished rejects answers to a FINISHED match.
	ErrMatchFinished = fmt.Errorf("%w: match already finished", ErrInvalidTransition)
	// ErrAlreadyAnswered rejects a repeat answer for the same (match, user, question).
	ErrAlreadyAnswered = fmt.Errorf("%w: question already answered", ErrInvalidTransition)
	// ErrNotAPlayer rejects actions from users outside the match.
	ErrNotAPlayer = fmt.Errorf("%w: user is not a player of this match", ErrInvalidTransition)
	// ErrWaitingForOpponent rejects running ahead of the opponent under the both-answer round policy.
	ErrWaitingForOpponent = fmt.Errorf("%w: waiting for opponent to answer", ErrInvalidTransition)
	// ErrSelfChallenge rejects challenging oneself.
	ErrSelfChallenge = fmt.Errorf("%w: cannot challenge yourself", ErrInvalidTransition)

	// ErrConcurrencyConflict means a conditional update lost a race more times than allowed.
	ErrConcurrencyConflict = errors.New("concurrent update conflict")
)

// ErrorCode maps an error to the stable code clients receive.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrQuizInactive):
		return "quiz_inactive"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrAlreadyActive):
		return "already_active"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	default:
		return "internal"
	}
}
