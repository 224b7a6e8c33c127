package app_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"battle-quiz-service/internal/app"
	"battle-quiz-service/internal/domain"
	"battle-quiz-service/internal/infra/memory"
	"github.com/shopspring/decimal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 11, 22, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder is a Notifier that keeps every event per user.
type recorder struct {
	mu     sync.Mutex
	events map[string][]domain.Event
}

func newRecorder() *recorder {
	return &recorder{events: make(map[string][]domain.Event)}
}

func (r *recorder) Notify(_ context.Context, userID string, event domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[userID] = append(r.events[userID], event)
}

func (r *recorder) of(userID string, typ domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events[userID] {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// presence is a Presence whose answers the test sets directly.
type presence struct {
	online  map[string]bool
	expired []string
}

func (p *presence) Online(userID string) bool { return p.online[userID] }

func (p *presence) ExpiredDisconnects(time.Time) []string {
	out := p.expired
	p.expired = nil
	return out
}

type harness struct {
	store    *memory.MatchStore
	wallet   *memory.Wallet
	notes    *recorder
	clock    *fakeClock
	matches  *app.Orchestrator
	mm       *app.Matchmaker
	quizzes  app.QuizRepository
	settled  *countingPublisher
	archived *countingArchive
}

type harnessOption struct {
	policy      app.Policy
	failCredits int
	mmOpts      []app.MatchmakerOption
	quizzes     []domain.Quiz
	balances    map[string]int64
}

func newHarness(t *testing.T, opt harnessOption) *harness {
	t.Helper()
	h := &harness{
		store:    memory.NewMatchStore(),
		wallet:   memory.NewWallet(),
		notes:    newRecorder(),
		clock:    newFakeClock(),
		settled:  &countingPublisher{},
		archived: &countingArchive{},
	}
	for user, amount := range opt.balances {
		h.wallet.Deposit(user, decimal.NewFromInt(amount))
	}
	var wallet app.Wallet = h.wallet
	if opt.failCredits > 0 {
		wallet = &flakyWallet{Wallet: h.wallet, failures: opt.failCredits}
	}

	bank := make(map[string]domain.Quiz)
	for _, q := range opt.quizzes {
		bank[q.ID] = q
	}
	h.quizzes = memory.NewQuizRepository(memory.NewStaticQuizLoader(bank), time.Minute)

	h.matches = app.NewOrchestrator(h.store, wallet, h.quizzes,
		app.WithNotifier(h.notes),
		app.WithPolicy(opt.policy),
		app.WithClock(h.clock.Now),
		app.WithResultPublisher(h.settled),
		app.WithArchive(h.archived),
	)
	mmOpts := append([]app.MatchmakerOption{
		app.WithMatchmakerClock(h.clock.Now),
		app.WithMatchmakerNotifier(h.notes),
	}, opt.mmOpts...)
	h.mm = app.NewMatchmaker(h.store, wallet, h.quizzes, h.matches, mmOpts...)
	return h
}

func (h *harness) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	b, err := h.wallet.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance %s: %v", userID, err)
	}
	return b
}

// pair joins a and b to quizID and returns the started match.
func (h *harness) pair(t *testing.T, quizID, a, b string) domain.Match {
	t.Helper()
	ctx := context.Background()
	if res, err := h.mm.Join(ctx, app.JoinRequest{QuizID: quizID, UserID: a}); err != nil || res.Status != domain.ParticipantWaiting {
		t.Fatalf("join %s: %+v %v", a, res, err)
	}
	res, err := h.mm.Join(ctx, app.JoinRequest{QuizID: quizID, UserID: b})
	if err != nil || res.Status != domain.ParticipantPlaying || res.Match == nil {
		t.Fatalf("join %s: %+v %v", b, res, err)
	}
	return *res.Match
}

func (h *harness) answer(matchID, userID, questionID string, option int) (app.AnswerResult, error) {
	h.clock.Advance(time.Second)
	return h.matches.SubmitAnswer(context.Background(), app.AnswerSubmission{
		MatchID:        matchID,
		UserID:         userID,
		QuestionID:     questionID,
		SelectedOption: option,
		TimeTaken:      time.Second,
	})
}

// battleQuiz builds a quiz whose correct option is always index 0. marks[i] sets
// the marks of question i+1; missing entries default to 1.
func battleQuiz(id string, entry int64, rounds int, marks ...int) domain.Quiz {
	q := domain.Quiz{
		ID:                 id,
		Title:              "Battle " + id,
		EntryAmount:        decimal.NewFromInt(entry),
		QuestionCount:      rounds,
		TimePerQuestionSec: 15,
		MaxPlayers:         2,
		Active:             true,
	}
	for i := 0; i < rounds; i++ {
		m := 1
		if i < len(marks) {
			m = marks[i]
		}
		q.Questions = append(q.Questions, domain.Question{
			ID:           fmt.Sprintf("q%d", i+1),
			Prompt:       fmt.Sprintf("Question %d", i+1),
			Options:      []string{"right", "wrong"},
			CorrectIndex: 0,
			Marks:        m,
		})
	}
	return q
}

type countingPublisher struct {
	mu      sync.Mutex
	matches []string
}

func (p *countingPublisher) PublishResult(_ context.Context, m domain.Match) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.matches = append(p.matches, m.ID)
	return nil
}

func (p *countingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.matches)
}

type countingArchive struct {
	mu      sync.Mutex
	matches map[string]int
}

func (a *countingArchive) Archive(_ context.Context, m domain.Match) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.matches == nil {
		a.matches = make(map[string]int)
	}
	a.matches[m.ID]++
	return nil
}

func (a *countingArchive) count(matchID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.matches[matchID]
}

// flakyWallet fails the first n credits to exercise deferred settlement.
type flakyWallet struct {
	*memory.Wallet
	mu       sync.Mutex
	failures int
}

func (w *flakyWallet) Credit(ctx context.Context, entry domain.LedgerEntry) error {
	w.mu.Lock()
	if w.failures > 0 {
		w.failures--
		w.mu.Unlock()
		return fmt.Errorf("wallet service unavailable")
	}
	w.mu.Unlock()
	return w.Wallet.Credit(ctx, entry)
}

func prizeCredits(t *testing.T, wallet app.Wallet, userID string) int {
	t.Helper()
	txs, err := wallet.Transactions(context.Background(), userID)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	n := 0
	for _, tx := range txs {
		if tx.Kind == domain.LedgerPrize {
			n++
		}
	}
	return n
}
