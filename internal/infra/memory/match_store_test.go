package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"battle-quiz-service/internal/domain"
	"github.com/shopspring/decimal"
)

func waitingParticipant(id, user string, joined time.Time) domain.Participant {
	return domain.Participant{
		ID:       id,
		UserID:   user,
		QuizID:   "quiz-1",
		Status:   domain.ParticipantWaiting,
		JoinedAt: joined,
	}
}

func TestMatchStoreWaitingPoolIsFIFO(t *testing.T) {
	ctx := context.Background()
	store := NewMatchStore()
	base := time.Unix(1_700_000_000, 0)

	for i, user := range []string{"u1", "u2", "u3"} {
		p := waitingParticipant("p-"+user, user, base.Add(time.Duration(i)*time.Second))
		if err := store.AddParticipant(ctx, p); err != nil {
			t.Fatalf("add %s: %v", user, err)
		}
	}
	if err := store.AddParticipant(ctx, waitingParticipant("p-dup", "u2", base)); !errors.Is(err, domain.ErrAlreadyActive) {
		t.Fatalf("expected already active, got %v", err)
	}

	pool, _ := store.WaitingParticipants(ctx, "quiz-1")
	if len(pool) != 3 || pool[0].UserID != "u1" || pool[2].UserID != "u3" {
		t.Fatalf("unexpected pool order %+v", pool)
	}

	stale, _ := store.WaitingSince(ctx, base.Add(1500*time.Millisecond))
	if len(stale) != 2 || stale[0].UserID != "u1" || stale[1].UserID != "u2" {
		t.Fatalf("unexpected stale participants %+v", stale)
	}
}

func TestMatchStorePairAndRelease(t *testing.T) {
	ctx := context.Background()
	store := NewMatchStore()
	now := time.Unix(1_700_000_000, 0)

	a := waitingParticipant("pa", "alice", now)
	b := waitingParticipant("pb", "bob", now)
	_ = store.AddParticipant(ctx, a)
	_ = store.AddParticipant(ctx, b)

	match := domain.NewMatch("m1", sampleQuiz(), a, b, now)
	if err := store.Pair(ctx, a, b, match); err != nil {
		t.Fatalf("pair: %v", err)
	}

	got, _ := store.GetParticipant(ctx, "pa")
	if got.Status != domain.ParticipantPlaying || got.MatchID != "m1" {
		t.Fatalf("expected alice playing m1, got %+v", got)
	}
	if pool, _ := store.WaitingParticipants(ctx, "quiz-1"); len(pool) != 0 {
		t.Fatalf("expected empty pool, got %+v", pool)
	}
	if err := store.Pair(ctx, a, b, domain.NewMatch("m2", sampleQuiz(), a, b, now)); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict on re-pair, got %v", err)
	}
	if _, err := store.RemoveWaiting(ctx, "pa"); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict removing a playing participant, got %v", err)
	}

	active, _ := store.ActiveMatches(ctx, "bob")
	if len(active) != 1 || active[0].ID != "m1" {
		t.Fatalf("expected bob in m1, got %+v", active)
	}

	if err := store.ReleaseParticipants(ctx, "m1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.ActiveParticipant(ctx, "quiz-1", "alice"); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected alice free to rejoin, got %v", err)
	}
	if err := store.AddParticipant(ctx, waitingParticipant("pa2", "alice", now)); err != nil {
		t.Fatalf("rejoin after release: %v", err)
	}
}

func TestMatchStoreUpdateMatchCommitsOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	store := NewMatchStore()
	now := time.Unix(1_700_000_000, 0)
	a := waitingParticipant("pa", "alice", now)
	b := waitingParticipant("pb", "bob", now)
	_ = store.AddParticipant(ctx, a)
	_ = store.AddParticipant(ctx, b)
	_ = store.Pair(ctx, a, b, domain.NewMatch("m1", sampleQuiz(), a, b, now))

	boom := errors.New("boom")
	_, err := store.UpdateMatch(ctx, "m1", func(m *domain.Match) error {
		m.Player1Score = 99
		m.Answers = append(m.Answers, domain.AnswerRecord{UserID: "alice"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	got, _ := store.GetMatch(ctx, "m1")
	if got.Player1Score != 0 || len(got.Answers) != 0 {
		t.Fatalf("failed update leaked into the store: %+v", got)
	}

	if _, err := store.UpdateMatch(ctx, "missing", func(*domain.Match) error { return nil }); !errors.Is(err, domain.ErrMatchNotFound) {
		t.Fatalf("expected match not found, got %v", err)
	}
}

func TestMatchStoreUpdateMatchSerializes(t *testing.T) {
	ctx := context.Background()
	store := NewMatchStore()
	now := time.Unix(1_700_000_000, 0)
	a := waitingParticipant("pa", "alice", now)
	b := waitingParticipant("pb", "bob", now)
	_ = store.AddParticipant(ctx, a)
	_ = store.AddParticipant(ctx, b)
	_ = store.Pair(ctx, a, b, domain.NewMatch("m1", sampleQuiz(), a, b, now))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.UpdateMatch(ctx, "m1", func(m *domain.Match) error {
				m.Version++
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := store.GetMatch(ctx, "m1")
	if got.Version != 100 {
		t.Fatalf("expected 100 serialized increments, got %d", got.Version)
	}
}

func TestMatchStoreConcurrentPairingNeverDoubleBooks(t *testing.T) {
	ctx := context.Background()
	store := NewMatchStore()
	now := time.Unix(1_700_000_000, 0)
	target := waitingParticipant("target", "target", now)
	_ = store.AddParticipant(ctx, target)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		user := "joiner-" + string(rune('a'+i))
		joiner := waitingParticipant("p-"+user, user, now)
		if err := store.AddParticipant(ctx, joiner); err != nil {
			t.Fatalf("add joiner: %v", err)
		}
		wg.Add(1)
		go func(j domain.Participant) {
			defer wg.Done()
			if err := store.Pair(ctx, target, j, domain.NewMatch("m-"+j.UserID, sampleQuiz(), target, j, now)); err == nil {
				wins.Add(1)
			}
		}(joiner)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one pairing with target, got %d", wins.Load())
	}
	if active, _ := store.ActiveMatches(ctx, "target"); len(active) != 1 {
		t.Fatalf("target must be in exactly one match, got %d", len(active))
	}
}

func TestMatchStoreOpenMatches(t *testing.T) {
	ctx := context.Background()
	store := NewMatchStore()
	now := time.Unix(1_700_000_000, 0)
	a := waitingParticipant("pa", "alice", now)
	b := waitingParticipant("pb", "bob", now)
	_ = store.AddParticipant(ctx, a)
	_ = store.AddParticipant(ctx, b)
	_ = store.Pair(ctx, a, b, domain.NewMatch("m1", sampleQuiz(), a, b, now))

	_, err := store.UpdateMatch(ctx, "m1", func(m *domain.Match) error {
		return m.Finish(now, domain.FinishVoided, "", decimal.Zero)
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	open, _ := store.OpenMatches(ctx)
	if len(open) != 1 || open[0].Settlement != domain.SettlementPending {
		t.Fatalf("pending settlement should stay open, got %+v", open)
	}
	if active, _ := store.ActiveMatches(ctx, "alice"); len(active) != 0 {
		t.Fatalf("finished match must not be active, got %+v", active)
	}

	_, _ = store.UpdateMatch(ctx, "m1", func(m *domain.Match) error {
		m.Settlement = domain.SettlementDone
		return nil
	})
	if open, _ := store.OpenMatches(ctx); len(open) != 0 {
		t.Fatalf("settled match should be closed, got %+v", open)
	}
}

func TestMatchStorePruneEvictsOnlySettledState(t *testing.T) {
	ctx := context.Background()
	store := NewMatchStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	for _, p := range []domain.Participant{
		waitingParticipant("pa", "alice", now),
		waitingParticipant("pb", "bob", now),
		waitingParticipant("pc", "carol", now),
		waitingParticipant("pd", "dave", now),
		waitingParticipant("pe", "erin", now),
	} {
		if err := store.AddParticipant(ctx, p); err != nil {
			t.Fatalf("add %s: %v", p.UserID, err)
		}
	}
	a, _ := store.GetParticipant(ctx, "pa")
	b, _ := store.GetParticipant(ctx, "pb")
	c, _ := store.GetParticipant(ctx, "pc")
	d, _ := store.GetParticipant(ctx, "pd")
	_ = store.Pair(ctx, a, b, domain.NewMatch("settled", sampleQuiz(), a, b, now))
	_ = store.Pair(ctx, c, d, domain.NewMatch("pending", sampleQuiz(), c, d, now))
	if _, err := store.RemoveWaiting(ctx, "pe"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	_, _ = store.UpdateMatch(ctx, "settled", func(m *domain.Match) error {
		_ = m.Start(now)
		if err := m.Finish(now, domain.FinishForfeit, "bob", decimal.NewFromInt(17)); err != nil {
			return err
		}
		m.Settlement = domain.SettlementDone
		return nil
	})
	_ = store.ReleaseParticipants(ctx, "settled")
	_, _ = store.UpdateMatch(ctx, "pending", func(m *domain.Match) error {
		_ = m.Start(now)
		return m.Finish(now, domain.FinishForfeit, "dave", decimal.NewFromInt(17))
	})

	if n, _ := store.Prune(ctx, now); n != 0 {
		t.Fatalf("nothing is older than the cutoff yet, pruned %d", n)
	}

	n, err := store.Prune(ctx, now.Add(time.Minute))
	if err != nil || n != 2 {
		t.Fatalf("expected the settled match and the cancelled participant, got %d %v", n, err)
	}
	if _, err := store.GetMatch(ctx, "settled"); !errors.Is(err, domain.ErrMatchNotFound) {
		t.Fatalf("settled match should be gone, got %v", err)
	}
	for _, id := range []string{"pa", "pb", "pe"} {
		if _, err := store.GetParticipant(ctx, id); !errors.Is(err, domain.ErrParticipantNotFound) {
			t.Fatalf("%s should be evicted, got %v", id, err)
		}
	}
	if _, ok := store.userMatches["alice"]; ok {
		t.Fatalf("user index should drop alice")
	}

	open, _ := store.OpenMatches(ctx)
	if len(open) != 1 || open[0].ID != "pending" {
		t.Fatalf("pending settlement must survive pruning, got %+v", open)
	}
	if _, err := store.GetParticipant(ctx, "pc"); err != nil {
		t.Fatalf("players of the pending match stay: %v", err)
	}
	if err := store.AddParticipant(ctx, waitingParticipant("pa2", "alice", now)); err != nil {
		t.Fatalf("alice may join again after pruning: %v", err)
	}
}
