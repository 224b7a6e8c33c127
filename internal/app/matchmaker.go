package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"battle-quiz-service/internal/domain"
	"battle-quiz-service/pkg/logger"
	"battle-quiz-service/pkg/metrics"
	"github.com/google/uuid"
)

const defaultPairAttempts = 5

// JoinRequest is a user's request to play a quiz, optionally against a named opponent.
type JoinRequest struct {
	QuizID     string
	UserID     string
	OpponentID string
}

// JoinResult tells the caller whether to wait or which match they landed in.
type JoinResult struct {
	Status      domain.ParticipantStatus `json:"status"`
	Participant domain.Participant       `json:"participant"`
	Match       *domain.Match            `json:"match,omitempty"`
}

// Matchmaker owns the per-quiz waiting pools and pairs participants as they arrive.
type Matchmaker struct {
	store       MatchStore
	wallet      Wallet
	quizzes     QuizRepository
	matches     *Orchestrator
	notifier    Notifier
	attempts    int
	rounds      int
	waitTimeout time.Duration
	now         func() time.Time
	log         logger.Logger
	metrics     *metrics.Manager
}

// MatchmakerOption customizes a Matchmaker.
type MatchmakerOption func(*Matchmaker)

// WithPairAttempts bounds how often a lost pairing race is retried.
func WithPairAttempts(n int) MatchmakerOption {
	return func(m *Matchmaker) {
		if n > 0 {
			m.attempts = n
		}
	}
}

// WithDefaultQuestionCount sets the rounds played for quizzes that do not configure a question count.
func WithDefaultQuestionCount(n int) MatchmakerOption {
	return func(m *Matchmaker) {
		if n > 0 {
			m.rounds = n
		}
	}
}

// WithWaitTimeout sets how long a participant may wait before being refunded.
func WithWaitTimeout(d time.Duration) MatchmakerOption {
	return func(m *Matchmaker) { m.waitTimeout = d }
}

func WithMatchmakerClock(now func() time.Time) MatchmakerOption {
	return func(m *Matchmaker) { m.now = now }
}

func WithMatchmakerLogger(l logger.Logger) MatchmakerOption {
	return func(m *Matchmaker) { m.log = l }
}

func WithMatchmakerMetrics(mm *metrics.Manager) MatchmakerOption {
	return func(m *Matchmaker) { m.metrics = mm }
}

func WithMatchmakerNotifier(n Notifier) MatchmakerOption {
	return func(m *Matchmaker) {
		if n != nil {
			m.notifier = n
		}
	}
}

func NewMatchmaker(store MatchStore, wallet Wallet, quizzes QuizRepository, matches *Orchestrator, opts ...MatchmakerOption) *Matchmaker {
	m := &Matchmaker{
		store:    store,
		wallet:   wallet,
		quizzes:  quizzes,
		matches:  matches,
		notifier: noopNotifier{},
		attempts: defaultPairAttempts,
		now:      time.Now,
		log:      logger.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Join debits the entry fee, registers a WAITING participant and tries to pair it.
func (m *Matchmaker) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	result, err := m.join(ctx, req)
	if err != nil {
		m.metrics.RecordJoin(domain.ErrorCode(err))
		m.log.Info(ctx, "join rejected",
			logger.String("quiz", req.QuizID),
			logger.String("user", req.UserID),
			logger.Error(err))
		return result, err
	}
	m.metrics.RecordJoin(string(result.Status))
	return result, nil
}

func (m *Matchmaker) join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	if req.OpponentID != "" && req.OpponentID == req.UserID {
		return JoinResult{}, domain.ErrSelfChallenge
	}
	quiz, err := m.quizzes.GetQuiz(ctx, req.QuizID)
	if err != nil {
		return JoinResult{}, err
	}
	if quiz.QuestionCount <= 0 && m.rounds > 0 {
		quiz.QuestionCount = m.rounds
	}
	if !quiz.Active || quiz.Rounds() == 0 {
		return JoinResult{}, domain.ErrQuizInactive
	}

	if _, err := m.store.ActiveParticipant(ctx, quiz.ID, req.UserID); err == nil {
		return JoinResult{}, domain.ErrAlreadyActive
	} else if !errors.Is(err, domain.ErrParticipantNotFound) {
		return JoinResult{}, err
	}

	now := m.now()
	p := domain.Participant{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		QuizID:      quiz.ID,
		Status:      domain.ParticipantWaiting,
		EntryAmount: quiz.EntryAmount,
		JoinedAt:    now,
		UpdatedAt:   now,
	}

	// Debit before the participant becomes visible so nobody is paired with an unpaid entry.
	if quiz.EntryAmount.IsPositive() {
		if err := m.wallet.TryDebit(ctx, domain.LedgerEntry{
			UserID:    req.UserID,
			Amount:    quiz.EntryAmount,
			Kind:      domain.LedgerEntryFee,
			Reference: domain.EntryFeeReference(p.ID),
			Status:    domain.LedgerCompleted,
			CreatedAt: now,
		}); err != nil {
			return JoinResult{}, err
		}
	}

	if err := m.store.AddParticipant(ctx, p); err != nil {
		// Lost the race against a concurrent join of the same user: give the fee back.
		m.refund(ctx, p, "join_rejected")
		return JoinResult{}, err
	}
	m.log.Debug(ctx, "participant waiting", logger.String("quiz", quiz.ID), logger.String("user", p.UserID))

	return m.pair(ctx, quiz, p, req.OpponentID)
}

func (m *Matchmaker) pair(ctx context.Context, quiz domain.Quiz, p domain.Participant, opponentID string) (JoinResult, error) {
	waiting := JoinResult{Status: domain.ParticipantWaiting, Participant: p}

	for attempt := 0; attempt < m.attempts; attempt++ {
		opponent, ok, err := m.findOpponent(ctx, quiz.ID, p, opponentID)
		if err != nil {
			return waiting, err
		}
		if !ok {
			return waiting, nil
		}

		match := domain.NewMatch(uuid.NewString(), quiz, opponent, p, m.now())
		err = m.store.Pair(ctx, opponent, p, match)
		if err == nil {
			m.metrics.RecordMatchCreated()
			return m.started(ctx, p, match), nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return waiting, fmt.Errorf("pair participants: %w", err)
		}
		m.metrics.RecordStoreConflict()

		// Someone else may have claimed us while we were claiming the opponent.
		self, err := m.store.GetParticipant(ctx, p.ID)
		if err != nil {
			return waiting, err
		}
		switch self.Status {
		case domain.ParticipantPlaying:
			current, err := m.store.GetMatch(ctx, self.MatchID)
			if err != nil {
				return waiting, err
			}
			return JoinResult{Status: domain.ParticipantPlaying, Participant: self, Match: &current}, nil
		case domain.ParticipantWaiting:
			continue
		default:
			return JoinResult{}, domain.ErrConcurrencyConflict
		}
	}

	// Still in the pool; the next joiner will pick us up.
	m.log.Warn(ctx, "pairing attempts exhausted, participant keeps waiting",
		logger.String("quiz", quiz.ID),
		logger.String("user", p.UserID))
	return waiting, nil
}

func (m *Matchmaker) started(ctx context.Context, p domain.Participant, match domain.Match) JoinResult {
	p.Status = domain.ParticipantPlaying
	p.MatchID = match.ID
	if m.matches != nil {
		current, err := m.matches.Start(ctx, match.ID)
		if err != nil {
			m.log.Error(ctx, "start match failed", logger.String("match", match.ID), logger.Error(err))
		} else {
			match = current
		}
	}
	return JoinResult{Status: domain.ParticipantPlaying, Participant: p, Match: &match}
}

// findOpponent prefers a direct challenge, then the oldest other waiting participant.
func (m *Matchmaker) findOpponent(ctx context.Context, quizID string, self domain.Participant, opponentID string) (domain.Participant, bool, error) {
	if opponentID != "" {
		challenged, err := m.store.ActiveParticipant(ctx, quizID, opponentID)
		switch {
		case err == nil && challenged.Status == domain.ParticipantWaiting:
			return challenged, true, nil
		case err != nil && !errors.Is(err, domain.ErrParticipantNotFound):
			return domain.Participant{}, false, err
		}
	}

	pool, err := m.store.WaitingParticipants(ctx, quizID)
	if err != nil {
		return domain.Participant{}, false, err
	}
	for _, candidate := range pool {
		if candidate.ID == self.ID || candidate.UserID == self.UserID {
			continue
		}
		return candidate, true, nil
	}
	return domain.Participant{}, false, nil
}

// Cancel takes a WAITING participant out of the pool and refunds the entry fee.
func (m *Matchmaker) Cancel(ctx context.Context, quizID, userID string) (domain.Participant, error) {
	p, err := m.store.ActiveParticipant(ctx, quizID, userID)
	if err != nil {
		return domain.Participant{}, err
	}
	if p.Status != domain.ParticipantWaiting {
		return p, fmt.Errorf("%w: participant already matched", domain.ErrInvalidTransition)
	}
	removed, err := m.store.RemoveWaiting(ctx, p.ID)
	if err != nil {
		return p, err
	}
	m.refund(ctx, removed, "cancelled")
	return removed, nil
}

// ExpireWaiting refunds and removes participants that waited longer than the wait timeout.
func (m *Matchmaker) ExpireWaiting(ctx context.Context) (int, error) {
	if m.waitTimeout <= 0 {
		return 0, nil
	}
	stale, err := m.store.WaitingSince(ctx, m.now().Add(-m.waitTimeout))
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, p := range stale {
		removed, err := m.store.RemoveWaiting(ctx, p.ID)
		if err != nil {
			// Paired or cancelled in the meantime.
			if !errors.Is(err, domain.ErrConcurrencyConflict) && !errors.Is(err, domain.ErrNotFound) {
				m.log.Warn(ctx, "expire waiting participant failed", logger.String("participant", p.ID), logger.Error(err))
			}
			continue
		}
		m.refund(ctx, removed, "timeout")
		m.notifier.Notify(ctx, removed.UserID, domain.Event{
			Type:    domain.EventWaitTimeout,
			Payload: domain.WaitTimeoutPayload{QuizID: removed.QuizID, Refunded: removed.EntryAmount},
		})
		expired++
	}
	return expired, nil
}

func (m *Matchmaker) refund(ctx context.Context, p domain.Participant, reason string) {
	m.metrics.RecordWaitingRemoved(reason)
	if !p.EntryAmount.IsPositive() {
		return
	}
	err := m.wallet.Credit(ctx, domain.LedgerEntry{
		UserID:    p.UserID,
		Amount:    p.EntryAmount,
		Kind:      domain.LedgerRefund,
		Reference: domain.WaitingRefundReference(p.ID),
		Status:    domain.LedgerCompleted,
		CreatedAt: m.now(),
	})
	if err != nil {
		m.log.Error(ctx, "entry fee refund failed",
			logger.String("participant", p.ID),
			logger.String("reason", reason),
			logger.Error(err))
		return
	}
	m.metrics.RecordRefund()
}
