package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"battle-quiz-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

const waitingSeqKey = keyPrefix + "seq:waiting"

// storedMatch keeps the participant ids next to the match so settlement can release them.
type storedMatch struct {
	Match        domain.Match `json:"match"`
	Participants [2]string    `json:"participants"`
}

// MatchStore is the Redis implementation of app.MatchStore. Match state survives
// restarts and stays consistent if several processes write to it, but presence and
// push live in the websocket Hub, so a deployment runs one gateway process.
// Every read-modify-write is an optimistic WATCH/MULTI/EXEC transaction retried a
// bounded number of times.
type MatchStore struct {
	client   *redis.Client
	ttl      time.Duration
	attempts int
	now      func() time.Time
}

// NewMatchStore builds a store whose finished entries expire after ttl (0 keeps
// them forever). Waiting and playing participants, their active index and any
// match that is unfinished or still owes a payout never expire.
func NewMatchStore(client *redis.Client, ttl time.Duration, attempts int) *MatchStore {
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	return &MatchStore{client: client, ttl: ttl, attempts: attempts, now: time.Now}
}

func (s *MatchStore) AddParticipant(ctx context.Context, p domain.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode participant: %w", err)
	}
	// The sequence keeps the pool FIFO even when joins share a millisecond.
	seq, err := s.client.Incr(ctx, waitingSeqKey).Result()
	if err != nil {
		return err
	}

	active := activeKey(p.QuizID, p.UserID)
	return watch(ctx, s.client, s.attempts, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, active).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrAlreadyActive
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, participantKey(p.ID), data, 0)
			pipe.Set(ctx, active, p.ID, 0)
			if p.Status == domain.ParticipantWaiting {
				pipe.ZAdd(ctx, waitingKey(p.QuizID), redis.Z{Score: float64(seq), Member: p.ID})
				pipe.ZAdd(ctx, waitingAllKey, redis.Z{Score: score(p.JoinedAt), Member: p.ID})
			}
			return nil
		})
		return err
	}, active)
}

func (s *MatchStore) GetParticipant(ctx context.Context, participantID string) (domain.Participant, error) {
	return loadParticipant(ctx, s.client, participantID)
}

func (s *MatchStore) ActiveParticipant(ctx context.Context, quizID, userID string) (domain.Participant, error) {
	id, err := s.client.Get(ctx, activeKey(quizID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if err != nil {
		return domain.Participant{}, err
	}
	return loadParticipant(ctx, s.client, id)
}

func (s *MatchStore) WaitingParticipants(ctx context.Context, quizID string) ([]domain.Participant, error) {
	ids, err := s.client.ZRange(ctx, waitingKey(quizID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.waitingOnly(ctx, ids)
}

func (s *MatchStore) WaitingSince(ctx context.Context, cutoff time.Time) ([]domain.Participant, error) {
	ids, err := s.client.ZRangeByScore(ctx, waitingAllKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: scoreBound(cutoff, false),
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.waitingOnly(ctx, ids)
}

// Pair commits the match only if both participants are still WAITING when EXEC runs.
func (s *MatchStore) Pair(ctx context.Context, waiting, joiner domain.Participant, match domain.Match) error {
	record, err := json.Marshal(storedMatch{Match: match, Participants: [2]string{waiting.ID, joiner.ID}})
	if err != nil {
		return fmt.Errorf("encode match: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		a, err := loadParticipant(ctx, tx, waiting.ID)
		if err != nil {
			return err
		}
		b, err := loadParticipant(ctx, tx, joiner.ID)
		if err != nil {
			return err
		}
		if a.Status != domain.ParticipantWaiting || b.Status != domain.ParticipantWaiting {
			return domain.ErrConcurrencyConflict
		}
		if n, err := tx.Exists(ctx, matchKey(match.ID)).Result(); err != nil {
			return err
		} else if n > 0 {
			return domain.ErrConcurrencyConflict
		}

		now := s.now()
		claimed := make(map[string][]byte, 2)
		for _, p := range []domain.Participant{a, b} {
			p.Status = domain.ParticipantPlaying
			p.MatchID = match.ID
			p.UpdatedAt = now
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			claimed[p.ID] = data
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, p := range []domain.Participant{a, b} {
				pipe.Set(ctx, participantKey(p.ID), claimed[p.ID], 0)
				pipe.ZRem(ctx, waitingKey(p.QuizID), p.ID)
				pipe.ZRem(ctx, waitingAllKey, p.ID)
			}
			pipe.Set(ctx, matchKey(match.ID), record, 0)
			pipe.SAdd(ctx, userMatchesKey(match.Player1ID), match.ID)
			pipe.SAdd(ctx, userMatchesKey(match.Player2ID), match.ID)
			pipe.SAdd(ctx, openMatchesKey, match.ID)
			return nil
		})
		return err
	}, participantKey(waiting.ID), participantKey(joiner.ID), matchKey(match.ID))

	if errors.Is(err, redis.TxFailedErr) {
		return domain.ErrConcurrencyConflict
	}
	return err
}

func (s *MatchStore) RemoveWaiting(ctx context.Context, participantID string) (domain.Participant, error) {
	var removed domain.Participant
	err := watch(ctx, s.client, s.attempts, func(tx *redis.Tx) error {
		p, err := loadParticipant(ctx, tx, participantID)
		if err != nil {
			return err
		}
		removed = p
		if p.Status != domain.ParticipantWaiting {
			return domain.ErrConcurrencyConflict
		}
		p.Status = domain.ParticipantDone
		p.UpdatedAt = s.now()
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, participantKey(p.ID), data, s.ttl)
			pipe.ZRem(ctx, waitingKey(p.QuizID), p.ID)
			pipe.ZRem(ctx, waitingAllKey, p.ID)
			pipe.Del(ctx, activeKey(p.QuizID, p.UserID))
			return nil
		})
		if err == nil {
			removed = p
		}
		return err
	}, participantKey(participantID))
	return removed, err
}

func (s *MatchStore) ReleaseParticipants(ctx context.Context, matchID string) error {
	record, err := loadMatch(ctx, s.client, matchID)
	if err != nil {
		return err
	}
	for _, id := range record.Participants {
		err := watch(ctx, s.client, s.attempts, func(tx *redis.Tx) error {
			p, err := loadParticipant(ctx, tx, id)
			if errors.Is(err, domain.ErrParticipantNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if p.Status == domain.ParticipantDone {
				return nil
			}
			// The active key is ours until we drop it: nobody can rejoin while it exists.
			owner, err := tx.Get(ctx, activeKey(p.QuizID, p.UserID)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			p.Status = domain.ParticipantDone
			p.UpdatedAt = s.now()
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, participantKey(p.ID), data, s.ttl)
				if owner == p.ID {
					pipe.Del(ctx, activeKey(p.QuizID, p.UserID))
				}
				return nil
			})
			return err
		}, participantKey(id))
		if err != nil {
			return fmt.Errorf("release participant %s: %w", id, err)
		}
	}
	return nil
}

func (s *MatchStore) GetMatch(ctx context.Context, matchID string) (domain.Match, error) {
	record, err := loadMatch(ctx, s.client, matchID)
	if err != nil {
		return domain.Match{}, err
	}
	return record.Match, nil
}

// UpdateMatch retries fn against a freshly read match until EXEC succeeds or the
// attempts run out, in which case it returns domain.ErrConcurrencyConflict.
func (s *MatchStore) UpdateMatch(ctx context.Context, matchID string, fn func(*domain.Match) error) (domain.Match, error) {
	var out domain.Match
	err := watch(ctx, s.client, s.attempts, func(tx *redis.Tx) error {
		record, err := loadMatch(ctx, tx, matchID)
		if err != nil {
			return err
		}
		out = record.Match
		next := record.Match
		if err := fn(&next); err != nil {
			return err
		}
		record.Match = next
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, matchKey(matchID), data, s.matchTTL(next))
			if next.Finished() && next.Settlement != domain.SettlementPending {
				pipe.SRem(ctx, openMatchesKey, matchID)
			}
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}, matchKey(matchID))
	return out, err
}

func (s *MatchStore) matchTTL(m domain.Match) time.Duration {
	if m.Finished() && m.Settlement == domain.SettlementDone {
		return s.ttl
	}
	return 0
}

func (s *MatchStore) ActiveMatches(ctx context.Context, userID string) ([]domain.Match, error) {
	ids, err := s.client.SMembers(ctx, userMatchesKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	return s.matches(ctx, ids, func(m domain.Match) bool { return !m.Finished() })
}

func (s *MatchStore) OpenMatches(ctx context.Context) ([]domain.Match, error) {
	ids, err := s.client.SMembers(ctx, openMatchesKey).Result()
	if err != nil {
		return nil, err
	}
	return s.matches(ctx, ids, func(m domain.Match) bool {
		return !m.Finished() || m.Settlement == domain.SettlementPending
	})
}

func (s *MatchStore) matches(ctx context.Context, ids []string, keep func(domain.Match) bool) ([]domain.Match, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = matchKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Match, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// expired
			continue
		}
		var record storedMatch
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("decode match: %w", err)
		}
		if keep(record.Match) {
			out = append(out, record.Match)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// waitingOnly resolves ids in order and drops entries that are no longer WAITING.
func (s *MatchStore) waitingOnly(ctx context.Context, ids []string) ([]domain.Participant, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = participantKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Participant, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var p domain.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode participant: %w", err)
		}
		if p.Status == domain.ParticipantWaiting {
			out = append(out, p)
		}
	}
	return out, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadParticipant(ctx context.Context, g getter, id string) (domain.Participant, error) {
	var p domain.Participant
	found, err := getJSON(ctx, g, participantKey(id), &p)
	if err != nil {
		return domain.Participant{}, err
	}
	if !found {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return p, nil
}

func loadMatch(ctx context.Context, g getter, id string) (storedMatch, error) {
	var record storedMatch
	found, err := getJSON(ctx, g, matchKey(id), &record)
	if err != nil {
		return storedMatch{}, err
	}
	if !found {
		return storedMatch{}, domain.ErrMatchNotFound
	}
	return record, nil
}

func getJSON(ctx context.Context, g getter, key string, v any) (bool, error) {
	raw, err := g.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// watch runs fn in a WATCH transaction and retries when another client touched
// the watched keys first.
func watch(ctx context.Context, client *redis.Client, attempts int, fn func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < attempts; attempt++ {
		err := client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return domain.ErrConcurrencyConflict
}
