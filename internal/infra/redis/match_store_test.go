package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"battle-quiz-service/internal/domain"
	"github.com/shopspring/decimal"
)

func participant(id, user string, joined time.Time) domain.Participant {
	return domain.Participant{
		ID:          id,
		UserID:      user,
		QuizID:      "quiz-1",
		Status:      domain.ParticipantWaiting,
		EntryAmount: decimal.NewFromInt(10),
		JoinedAt:    joined,
	}
}

func TestMatchStoreParticipantsLifecycle(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	store := NewMatchStore(client, time.Hour, 5)
	now := time.Unix(1_700_000_000, 0)

	for i, user := range []string{"u1", "u2", "u3"} {
		if err := store.AddParticipant(ctx, participant("p-"+user, user, now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("add %s: %v", user, err)
		}
	}
	if err := store.AddParticipant(ctx, participant("p-again", "u1", now)); !errors.Is(err, domain.ErrAlreadyActive) {
		t.Fatalf("expected already active, got %v", err)
	}
	if !mr.Exists("bq:active:quiz-1:u1") {
		t.Fatalf("expected active index key")
	}

	pool, err := store.WaitingParticipants(ctx, "quiz-1")
	if err != nil {
		t.Fatalf("waiting: %v", err)
	}
	if len(pool) != 3 || pool[0].UserID != "u1" || pool[1].UserID != "u2" || pool[2].UserID != "u3" {
		t.Fatalf("expected FIFO pool, got %+v", pool)
	}

	stale, err := store.WaitingSince(ctx, now.Add(1500*time.Millisecond))
	if err != nil {
		t.Fatalf("waiting since: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("expected two stale participants, got %+v", stale)
	}

	removed, err := store.RemoveWaiting(ctx, "p-u2")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed.Status != domain.ParticipantDone {
		t.Fatalf("expected DONE, got %s", removed.Status)
	}
	if _, err := store.RemoveWaiting(ctx, "p-u2"); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("second removal should conflict, got %v", err)
	}
	if _, err := store.ActiveParticipant(ctx, "quiz-1", "u2"); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected u2 inactive, got %v", err)
	}
}

func TestMatchStorePairUpdateAndRelease(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewMatchStore(client, 0, 5)
	now := time.Unix(1_700_000_000, 0)

	a := participant("pa", "alice", now)
	b := participant("pb", "bob", now)
	_ = store.AddParticipant(ctx, a)
	_ = store.AddParticipant(ctx, b)

	match := domain.NewMatch("m1", sampleQuiz(), a, b, now)
	if err := store.Pair(ctx, a, b, match); err != nil {
		t.Fatalf("pair: %v", err)
	}
	if err := store.Pair(ctx, a, b, domain.NewMatch("m2", sampleQuiz(), a, b, now)); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict re-pairing, got %v", err)
	}
	if pool, _ := store.WaitingParticipants(ctx, "quiz-1"); len(pool) != 0 {
		t.Fatalf("expected empty pool, got %+v", pool)
	}

	updated, err := store.UpdateMatch(ctx, "m1", func(m *domain.Match) error {
		if err := m.Start(now); err != nil {
			return err
		}
		_, err := m.ApplyAnswer(domain.AnswerRecord{UserID: "alice", QuestionID: "q1", Correct: true, Points: 1, AnsweredAt: now}, domain.RoundAdvanceAny)
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Player1Score != 1 || updated.CurrentRound != 1 || updated.Status != domain.MatchPlaying {
		t.Fatalf("unexpected match %+v", updated)
	}

	stored, err := store.GetMatch(ctx, "m1")
	if err != nil || stored.Player1Score != 1 || !stored.EntryAmount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("stored match: %+v %v", stored, err)
	}

	active, _ := store.ActiveMatches(ctx, "alice")
	if len(active) != 1 {
		t.Fatalf("expected alice in one active match, got %d", len(active))
	}

	_, err = store.UpdateMatch(ctx, "m1", func(m *domain.Match) error {
		return m.Finish(now, domain.FinishCompleted, "alice", decimal.NewFromInt(17))
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if open, _ := store.OpenMatches(ctx); len(open) != 1 {
		t.Fatalf("pending settlement should keep the match open, got %d", len(open))
	}
	if active, _ := store.ActiveMatches(ctx, "alice"); len(active) != 0 {
		t.Fatalf("finished match must not be active")
	}

	if err := store.ReleaseParticipants(ctx, "m1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.AddParticipant(ctx, participant("pa2", "alice", now)); err != nil {
		t.Fatalf("alice should be able to rejoin: %v", err)
	}

	_, _ = store.UpdateMatch(ctx, "m1", func(m *domain.Match) error {
		m.Settlement = domain.SettlementDone
		return nil
	})
	if open, _ := store.OpenMatches(ctx); len(open) != 0 {
		t.Fatalf("settled match should leave the open index, got %d", len(open))
	}
}

func TestMatchStoreUpdateMatchRejectsWithoutWriting(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewMatchStore(client, 0, 5)
	now := time.Unix(1_700_000_000, 0)
	a := participant("pa", "alice", now)
	b := participant("pb", "bob", now)
	_ = store.AddParticipant(ctx, a)
	_ = store.AddParticipant(ctx, b)
	_ = store.Pair(ctx, a, b, domain.NewMatch("m1", sampleQuiz(), a, b, now))

	_, err := store.UpdateMatch(ctx, "m1", func(m *domain.Match) error {
		m.Player2Score = 42
		return domain.ErrNotAPlayer
	})
	if !errors.Is(err, domain.ErrNotAPlayer) {
		t.Fatalf("expected fn error, got %v", err)
	}
	got, _ := store.GetMatch(ctx, "m1")
	if got.Player2Score != 0 {
		t.Fatalf("rejected update must not be written")
	}
	if _, err := store.GetMatch(ctx, "nope"); !errors.Is(err, domain.ErrMatchNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMatchStoreConcurrentPairingIsExclusive(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewMatchStore(client, 0, 5)
	now := time.Unix(1_700_000_000, 0)

	target := participant("target", "target", now)
	_ = store.AddParticipant(ctx, target)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		j := participant(fmt.Sprintf("p%d", i), fmt.Sprintf("user-%d", i), now)
		if err := store.AddParticipant(ctx, j); err != nil {
			t.Fatalf("add: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Pair(ctx, target, j, domain.NewMatch("m-"+j.ID, sampleQuiz(), target, j, now)); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	got, _ := store.GetParticipant(ctx, "target")
	if got.Status != domain.ParticipantPlaying {
		t.Fatalf("target should be playing, got %s", got.Status)
	}
}

func TestMatchStoreKeepsLiveEntriesPastTTL(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	store := NewMatchStore(client, 10*time.Minute, 5)
	now := time.Unix(1_700_000_000, 0)

	a := participant("pa", "alice", now)
	b := participant("pb", "bob", now)
	_ = store.AddParticipant(ctx, a)
	_ = store.AddParticipant(ctx, b)
	if err := store.Pair(ctx, a, b, domain.NewMatch("m1", sampleQuiz(), a, b, now)); err != nil {
		t.Fatalf("pair: %v", err)
	}
	for i := 0; i < 11; i++ {
		mr.FastForward(time.Minute)
		if _, err := store.UpdateMatch(ctx, "m1", func(m *domain.Match) error {
			if m.Status == domain.MatchStarting {
				return m.Start(now)
			}
			return nil
		}); err != nil {
			t.Fatalf("update after %d minutes: %v", i+1, err)
		}
	}

	if p, err := store.ActiveParticipant(ctx, "quiz-1", "alice"); err != nil || p.Status != domain.ParticipantPlaying {
		t.Fatalf("playing participant must outlive the ttl: %+v %v", p, err)
	}
	if err := store.AddParticipant(ctx, participant("pa2", "alice", now)); !errors.Is(err, domain.ErrAlreadyActive) {
		t.Fatalf("second join while playing must be rejected, got %v", err)
	}

	if _, err := store.UpdateMatch(ctx, "m1", func(m *domain.Match) error {
		return m.Finish(now, domain.FinishForfeit, "bob", decimal.NewFromInt(17))
	}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	mr.FastForward(time.Hour)
	open, err := store.OpenMatches(ctx)
	if err != nil || len(open) != 1 || open[0].Settlement != domain.SettlementPending {
		t.Fatalf("pending settlement must survive the ttl: %+v %v", open, err)
	}

	if _, err := store.UpdateMatch(ctx, "m1", func(m *domain.Match) error {
		m.Settlement = domain.SettlementDone
		return nil
	}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := store.ReleaseParticipants(ctx, "m1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ttl := mr.TTL(matchKey("m1")); ttl != 10*time.Minute {
		t.Fatalf("settled match should expire after the ttl, got %s", ttl)
	}
	mr.FastForward(11 * time.Minute)
	if mr.Exists(matchKey("m1")) || mr.Exists(participantKey("pa")) {
		t.Fatalf("settled entries should have expired")
	}
}

func TestMatchStoreConcurrentFinishIsExclusive(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewMatchStore(client, 0, 50)
	now := time.Unix(1_700_000_000, 0)

	a := participant("pa", "alice", now)
	b := participant("pb", "bob", now)
	_ = store.AddParticipant(ctx, a)
	_ = store.AddParticipant(ctx, b)
	_ = store.Pair(ctx, a, b, domain.NewMatch("m1", sampleQuiz(), a, b, now))
	if _, err := store.UpdateMatch(ctx, "m1", func(m *domain.Match) error { return m.Start(now) }); err != nil {
		t.Fatalf("start: %v", err)
	}

	var finishes, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		winner := "alice"
		if i%2 == 1 {
			winner = "bob"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateMatch(ctx, "m1", func(m *domain.Match) error {
				return m.Finish(now, domain.FinishCompleted, winner, decimal.NewFromInt(17))
			})
			switch {
			case err == nil:
				finishes.Add(1)
			case errors.Is(err, domain.ErrMatchFinished):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	if finishes.Load() != 1 || rejected.Load() != 7 {
		t.Fatalf("expected one finish and seven rejections, got %d and %d", finishes.Load(), rejected.Load())
	}
	got, _ := store.GetMatch(ctx, "m1")
	if !got.Finished() || got.Version != 2 {
		t.Fatalf("match should be finished exactly once, got %+v", got)
	}
}
