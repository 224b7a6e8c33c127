package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"battle-quiz-service/internal/domain"
	"battle-quiz-service/pkg/logger"
	"battle-quiz-service/pkg/metrics"
	"github.com/shopspring/decimal"
)

// DefaultPayoutFraction is the share of both entry fees paid to the winner.
var DefaultPayoutFraction = decimal.RequireFromString("0.85")

// Policy holds the business rules of a match that are configurable per deployment.
type Policy struct {
	PayoutFraction decimal.Decimal
	Rounds         domain.RoundPolicy
}

// AnswerSubmission models the scoring signal from clients.
type AnswerSubmission struct {
	MatchID        string
	UserID         string
	QuestionID     string
	SelectedOption int
	TimeTaken      time.Duration
}

// AnswerResult summarizes the outcome of a submission for the submitting player.
type AnswerResult struct {
	QuestionID    string       `json:"questionId"`
	QuestionIndex int          `json:"questionIndex"`
	Correct       bool         `json:"correct"`
	Awarded       int          `json:"awarded"`
	Match         domain.Match `json:"match"`
}

// Orchestrator drives matches through STARTING -> PLAYING -> FINISHED and settles them.
type Orchestrator struct {
	store     MatchStore
	wallet    Wallet
	quizzes   QuizRepository
	notifier  Notifier
	publisher ResultPublisher
	archive   MatchArchive
	policy    Policy
	now       func() time.Time
	log       logger.Logger
	metrics   *metrics.Manager
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

func WithNotifier(n Notifier) OrchestratorOption {
	return func(o *Orchestrator) {
		if n != nil {
			o.notifier = n
		}
	}
}

func WithResultPublisher(p ResultPublisher) OrchestratorOption {
	return func(o *Orchestrator) { o.publisher = p }
}

func WithArchive(a MatchArchive) OrchestratorOption {
	return func(o *Orchestrator) { o.archive = a }
}

func WithPolicy(p Policy) OrchestratorOption {
	return func(o *Orchestrator) {
		if p.PayoutFraction.IsPositive() {
			o.policy.PayoutFraction = p.PayoutFraction
		}
		if p.Rounds != "" {
			o.policy.Rounds = p.Rounds
		}
	}
}

// WithClock is for deterministic timestamps in tests.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

func WithLogger(l logger.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = l }
}

func WithMetrics(m *metrics.Manager) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

func NewOrchestrator(store MatchStore, wallet Wallet, quizzes QuizRepository, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		wallet:   wallet,
		quizzes:  quizzes,
		notifier: noopNotifier{},
		policy:   Policy{PayoutFraction: DefaultPayoutFraction, Rounds: domain.RoundAdvanceAny},
		now:      time.Now,
		log:      logger.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Policy returns the active match rules.
func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// Match returns a snapshot of a match.
func (o *Orchestrator) Match(ctx context.Context, matchID string) (domain.Match, error) {
	return o.store.GetMatch(ctx, matchID)
}

// ActiveMatches lists the matches userID still plays in.
func (o *Orchestrator) ActiveMatches(ctx context.Context, userID string) ([]domain.Match, error) {
	return o.store.ActiveMatches(ctx, userID)
}

// Start moves a paired match into PLAYING and tells both players who they face.
func (o *Orchestrator) Start(ctx context.Context, matchID string) (domain.Match, error) {
	match, err := o.store.UpdateMatch(ctx, matchID, func(m *domain.Match) error {
		return m.Start(o.now())
	})
	if err != nil {
		return domain.Match{}, err
	}

	quiz, err := o.quizzes.GetQuiz(ctx, match.QuizID)
	if err != nil {
		o.log.Warn(ctx, "quiz lookup failed while starting match", logger.String("match", match.ID), logger.Error(err))
	}
	questions := publicQuestions(quiz, match)
	for _, userID := range []string{match.Player1ID, match.Player2ID} {
		o.notifier.Notify(ctx, userID, domain.Event{
			Type: domain.EventMatched,
			Payload: domain.MatchedPayload{
				MatchID:            match.ID,
				QuizID:             match.QuizID,
				OpponentID:         match.Opponent(userID),
				TotalRounds:        match.TotalRounds,
				TimePerQuestionSec: quiz.TimePerQuestionSec,
				Questions:          questions,
			},
		})
	}
	o.log.Info(ctx, "match started",
		logger.String("match", match.ID),
		logger.String("player1", match.Player1ID),
		logger.String("player2", match.Player2ID))
	return match, nil
}

// SubmitAnswer scores one answer as a single atomic transition of the match.
func (o *Orchestrator) SubmitAnswer(ctx context.Context, sub AnswerSubmission) (AnswerResult, error) {
	started := time.Now()
	result, err := o.submitAnswer(ctx, sub)
	o.metrics.RecordAnswer(answerOutcome(result, err), time.Since(started))
	return result, err
}

func (o *Orchestrator) submitAnswer(ctx context.Context, sub AnswerSubmission) (AnswerResult, error) {
	current, err := o.store.GetMatch(ctx, sub.MatchID)
	if err != nil {
		return AnswerResult{}, err
	}
	// Cheap rejection before touching the question pool; re-checked under the match guard.
	if err := current.CheckAnswer(sub.UserID, sub.QuestionID, o.policy.Rounds); err != nil {
		return AnswerResult{}, err
	}

	quiz, err := o.quizzes.GetQuiz(ctx, current.QuizID)
	if err != nil {
		return AnswerResult{}, err
	}
	question, ok := quiz.Question(sub.QuestionID)
	if !ok {
		return AnswerResult{}, domain.ErrQuestionNotFound
	}

	correct := sub.SelectedOption == question.CorrectIndex
	points := 0
	if correct {
		points = question.Points()
	}

	var finished bool
	match, err := o.store.UpdateMatch(ctx, sub.MatchID, func(m *domain.Match) error {
		finished = false
		now := o.now()
		done, err := m.ApplyAnswer(domain.AnswerRecord{
			UserID:         sub.UserID,
			QuestionID:     sub.QuestionID,
			SelectedOption: sub.SelectedOption,
			Correct:        correct,
			Points:         points,
			TimeTakenMs:    sub.TimeTaken.Milliseconds(),
			AnsweredAt:     now,
		}, o.policy.Rounds)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		finished = true
		return m.Finish(now, domain.FinishCompleted, m.DecideWinner(), domain.PrizePool(m.EntryAmount, o.policy.PayoutFraction))
	})
	if err != nil {
		return AnswerResult{}, err
	}

	index := match.QuestionIndex(sub.QuestionID)
	o.notifier.Notify(ctx, match.Opponent(sub.UserID), domain.Event{
		Type:    domain.EventOpponentAnswer,
		Payload: domain.OpponentAnswerPayload{MatchID: match.ID, QuestionIndex: index},
	})

	if finished {
		match = o.finalize(ctx, match)
	}
	return AnswerResult{
		QuestionID:    sub.QuestionID,
		QuestionIndex: index,
		Correct:       correct,
		Awarded:       points,
		Match:         match,
	}, nil
}

// Forfeit ends the match in favour of the opponent of loserID.
func (o *Orchestrator) Forfeit(ctx context.Context, matchID, loserID string) (domain.Match, error) {
	match, err := o.store.UpdateMatch(ctx, matchID, func(m *domain.Match) error {
		if m.Finished() {
			return domain.ErrMatchFinished
		}
		if !m.IsPlayer(loserID) {
			return domain.ErrNotAPlayer
		}
		return m.Finish(o.now(), domain.FinishForfeit, m.Opponent(loserID), domain.PrizePool(m.EntryAmount, o.policy.PayoutFraction))
	})
	if err != nil {
		return domain.Match{}, err
	}
	o.log.Info(ctx, "match forfeited", logger.String("match", matchID), logger.String("loser", loserID))
	return o.finalize(ctx, match), nil
}

// Void ends the match without a winner; settlement refunds both entry fees.
func (o *Orchestrator) Void(ctx context.Context, matchID string) (domain.Match, error) {
	return o.voidIf(ctx, matchID, func(*domain.Match) bool { return true })
}

func (o *Orchestrator) voidIf(ctx context.Context, matchID string, cond func(*domain.Match) bool) (domain.Match, error) {
	skipped := false
	match, err := o.store.UpdateMatch(ctx, matchID, func(m *domain.Match) error {
		skipped = false
		if m.Finished() {
			return domain.ErrMatchFinished
		}
		if !cond(m) {
			skipped = true
			return nil
		}
		return m.Finish(o.now(), domain.FinishVoided, "", decimal.Zero)
	})
	if err != nil || skipped {
		return match, err
	}
	o.log.Info(ctx, "match voided", logger.String("match", matchID))
	return o.finalize(ctx, match), nil
}

// Abandon resolves every match of a user whose disconnect grace expired: the
// opponent wins if still online, otherwise the match is voided.
func (o *Orchestrator) Abandon(ctx context.Context, userID string, online func(string) bool) error {
	matches, err := o.store.ActiveMatches(ctx, userID)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		if m.Finished() {
			continue
		}
		if online(m.Opponent(userID)) {
			_, err = o.Forfeit(ctx, m.ID, userID)
		} else {
			_, err = o.Void(ctx, m.ID)
		}
		if err != nil && !errors.Is(err, domain.ErrMatchFinished) {
			errs = append(errs, fmt.Errorf("abandon match %s: %w", m.ID, err))
		}
	}
	return errors.Join(errs...)
}

// VoidIdle voids unfinished matches with no activity for longer than idle.
func (o *Orchestrator) VoidIdle(ctx context.Context, idle time.Duration) (int, error) {
	if idle <= 0 {
		return 0, nil
	}
	matches, err := o.store.OpenMatches(ctx)
	if err != nil {
		return 0, err
	}
	voided := 0
	for _, m := range matches {
		if m.Finished() || o.now().Sub(m.LastActivityAt) <= idle {
			continue
		}
		got, err := o.voidIf(ctx, m.ID, func(cur *domain.Match) bool {
			return o.now().Sub(cur.LastActivityAt) > idle
		})
		if err != nil {
			if !errors.Is(err, domain.ErrMatchFinished) {
				o.log.Warn(ctx, "void idle match failed", logger.String("match", m.ID), logger.Error(err))
			}
			continue
		}
		if got.Finished() {
			voided++
		}
	}
	return voided, nil
}

// RetrySettlements re-runs settlement for finished matches still pending payout.
func (o *Orchestrator) RetrySettlements(ctx context.Context) (int, error) {
	matches, err := o.store.OpenMatches(ctx)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, m := range matches {
		if !m.Finished() || m.Settlement != domain.SettlementPending {
			continue
		}
		if _, err := o.Settle(ctx, m.ID); err != nil {
			o.log.Warn(ctx, "settlement retry failed", logger.String("match", m.ID), logger.Error(err))
			continue
		}
		settled++
	}
	return settled, nil
}

// Settle applies the wallet side effects of a finished match. It is safe to call
// any number of times: wallet references make every credit apply at most once and
// the settlement flag flips only from pending to done.
func (o *Orchestrator) Settle(ctx context.Context, matchID string) (domain.Match, error) {
	match, err := o.store.GetMatch(ctx, matchID)
	if err != nil {
		return domain.Match{}, err
	}
	if !match.Finished() {
		return match, fmt.Errorf("%w: match %s is not finished", domain.ErrInvalidTransition, matchID)
	}
	if match.Settlement == domain.SettlementDone {
		return match, nil
	}

	now := o.now()
	switch {
	case match.FinishReason == domain.FinishVoided:
		if match.EntryAmount.IsPositive() {
			for _, userID := range []string{match.Player1ID, match.Player2ID} {
				if err := o.wallet.Credit(ctx, domain.LedgerEntry{
					UserID:    userID,
					Amount:    match.EntryAmount,
					Kind:      domain.LedgerRefund,
					Reference: domain.MatchRefundReference(match.ID, userID),
					Status:    domain.LedgerCompleted,
					CreatedAt: now,
				}); err != nil {
					return match, fmt.Errorf("refund %s: %w", userID, err)
				}
				o.metrics.RecordRefund()
			}
		}
	case match.WinnerID != "" && match.PrizeAmount.IsPositive():
		if err := o.wallet.Credit(ctx, domain.LedgerEntry{
			UserID:    match.WinnerID,
			Amount:    match.PrizeAmount,
			Kind:      domain.LedgerPrize,
			Reference: domain.PrizeReference(match.ID),
			Status:    domain.LedgerCompleted,
			CreatedAt: now,
		}); err != nil {
			return match, fmt.Errorf("credit prize: %w", err)
		}
	}

	if err := o.store.ReleaseParticipants(ctx, match.ID); err != nil {
		return match, fmt.Errorf("release participants: %w", err)
	}
	if o.archive != nil {
		if err := o.archive.Archive(ctx, match); err != nil {
			return match, fmt.Errorf("archive match: %w", err)
		}
	}

	flipped := false
	match, err = o.store.UpdateMatch(ctx, matchID, func(m *domain.Match) error {
		flipped = false
		if m.Settlement != domain.SettlementPending {
			return nil
		}
		m.Settlement = domain.SettlementDone
		m.Version++
		flipped = true
		return nil
	})
	if err != nil {
		return match, err
	}
	if !flipped {
		return match, nil
	}

	if match.WinnerID != "" && match.PrizeAmount.IsPositive() {
		amount, _ := match.PrizeAmount.Float64()
		o.metrics.RecordPayout(amount)
	}
	if o.publisher != nil {
		if err := o.publisher.PublishResult(ctx, match); err != nil {
			o.log.Warn(ctx, "publish match result failed", logger.String("match", match.ID), logger.Error(err))
		}
	}
	o.log.Info(ctx, "match settled",
		logger.String("match", match.ID),
		logger.String("winner", match.WinnerID),
		logger.String("prize", match.PrizeAmount.String()))
	return match, nil
}

// finalize runs once, by whoever moved the match to FINISHED.
func (o *Orchestrator) finalize(ctx context.Context, match domain.Match) domain.Match {
	o.metrics.RecordMatchFinished(string(match.FinishReason))
	if settled, err := o.Settle(ctx, match.ID); err != nil {
		o.log.Error(ctx, "settlement deferred", logger.String("match", match.ID), logger.Error(err))
	} else {
		match = settled
	}
	for _, userID := range []string{match.Player1ID, match.Player2ID} {
		o.notifier.Notify(ctx, userID, domain.Event{
			Type:    domain.EventQuizResult,
			Payload: domain.ResultFor(match, userID),
		})
	}
	return match
}

// Disconnected tells the opponents of userID that they dropped.
func (o *Orchestrator) Disconnected(ctx context.Context, userID string, grace time.Duration) {
	matches, err := o.store.ActiveMatches(ctx, userID)
	if err != nil {
		o.log.Warn(ctx, "active match lookup failed", logger.String("user", userID), logger.Error(err))
		return
	}
	for _, m := range matches {
		o.notifier.Notify(ctx, m.Opponent(userID), domain.Event{
			Type:    domain.EventOpponentDisconnected,
			Payload: domain.OpponentPresencePayload{MatchID: m.ID, GraceMs: grace.Milliseconds()},
		})
	}
}

// Reconnected re-associates userID with in-progress matches: the user gets the
// full match state. The opponent only hears about it when resumed is true, i.e.
// the user came back from a disconnect grace period.
func (o *Orchestrator) Reconnected(ctx context.Context, userID string, resumed bool) []domain.Match {
	matches, err := o.store.ActiveMatches(ctx, userID)
	if err != nil {
		o.log.Warn(ctx, "active match lookup failed", logger.String("user", userID), logger.Error(err))
		return nil
	}
	for _, m := range matches {
		o.notifier.Notify(ctx, userID, domain.Event{
			Type:    domain.EventMatchState,
			Payload: domain.MatchStatePayload{Match: m, Questions: o.publicQuestions(ctx, m)},
		})
		if !resumed {
			continue
		}
		o.notifier.Notify(ctx, m.Opponent(userID), domain.Event{
			Type:    domain.EventOpponentReconnected,
			Payload: domain.OpponentPresencePayload{MatchID: m.ID},
		})
	}
	return matches
}

func (o *Orchestrator) publicQuestions(ctx context.Context, match domain.Match) []domain.PublicQuestion {
	quiz, err := o.quizzes.GetQuiz(ctx, match.QuizID)
	if err != nil {
		return nil
	}
	return publicQuestions(quiz, match)
}

func publicQuestions(quiz domain.Quiz, match domain.Match) []domain.PublicQuestion {
	out := make([]domain.PublicQuestion, 0, len(match.QuestionIDs))
	for _, id := range match.QuestionIDs {
		if q, ok := quiz.Question(id); ok {
			out = append(out, q.Public())
		}
	}
	return out
}

func answerOutcome(result AnswerResult, err error) string {
	switch {
	case err != nil:
		return domain.ErrorCode(err)
	case result.Correct:
		return "correct"
	default:
		return "incorrect"
	}
}
