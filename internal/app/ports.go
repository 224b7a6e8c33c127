package app

import (
	"context"
	"time"

	"battle-quiz-service/internal/domain"
	"github.com/shopspring/decimal"
)

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// Wallet is the balance service shared with the rest of the platform.
// TryDebit must decrement only if the balance covers the amount at that moment,
// returning domain.ErrInsufficientFunds otherwise. Both mutations record the
// ledger entry atomically and are no-ops when entry.Reference was already applied.
type Wallet interface {
	TryDebit(ctx context.Context, entry domain.LedgerEntry) error
	Credit(ctx context.Context, entry domain.LedgerEntry) error
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	Transactions(ctx context.Context, userID string) ([]domain.LedgerEntry, error)
}

// MatchStore abstracts how matches and participants are stored (in-memory, Redis).
//
// UpdateMatch serializes read-modify-write per match: fn sees the latest state and
// its mutation is committed only if nobody else committed in between. fn may run
// more than once and must not have side effects. Updates on different matches
// never contend.
//
// Pair commits the match and flips both participants WAITING -> PLAYING in one
// step; it returns domain.ErrConcurrencyConflict if either is no longer WAITING.
type MatchStore interface {
	AddParticipant(ctx context.Context, p domain.Participant) error
	GetParticipant(ctx context.Context, participantID string) (domain.Participant, error)
	ActiveParticipant(ctx context.Context, quizID, userID string) (domain.Participant, error)
	WaitingParticipants(ctx context.Context, quizID string) ([]domain.Participant, error)
	WaitingSince(ctx context.Context, cutoff time.Time) ([]domain.Participant, error)
	Pair(ctx context.Context, waiting, joiner domain.Participant, match domain.Match) error
	RemoveWaiting(ctx context.Context, participantID string) (domain.Participant, error)
	ReleaseParticipants(ctx context.Context, matchID string) error

	GetMatch(ctx context.Context, matchID string) (domain.Match, error)
	UpdateMatch(ctx context.Context, matchID string, fn func(*domain.Match) error) (domain.Match, error)
	ActiveMatches(ctx context.Context, userID string) ([]domain.Match, error)
	OpenMatches(ctx context.Context) ([]domain.Match, error)
}

// Notifier pushes events to a connected user; delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, userID string, event domain.Event)
}

// ResultPublisher announces finished matches to other services.
type ResultPublisher interface {
	PublishResult(ctx context.Context, match domain.Match) error
}

// MatchArchive keeps the append-only history of finished matches.
type MatchArchive interface {
	Archive(ctx context.Context, match domain.Match) error
}

// Presence answers who is connected and whose disconnect grace ran out.
type Presence interface {
	Online(userID string) bool
	ExpiredDisconnects(now time.Time) []string
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, domain.Event) {}

// Pruner is implemented by stores that keep finished state in process memory
// and need it evicted explicitly.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}
