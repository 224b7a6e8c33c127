package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"battle-quiz-service/internal/domain"
)

type activeKey struct {
	quizID string
	userID string
}

// matchEntry guards one match; updates on different matches never share a lock.
type matchEntry struct {
	mu           sync.Mutex
	match        domain.Match
	participants [2]string
}

// MatchStore is an in-memory implementation of app.MatchStore.
// mu guards the participant pools and the match index; each match has its own lock.
type MatchStore struct {
	now func() time.Time

	mu           sync.Mutex
	participants map[string]domain.Participant
	waiting      map[string][]string
	active       map[activeKey]string
	matches      map[string]*matchEntry
	userMatches  map[string]map[string]struct{}
}

func NewMatchStore() *MatchStore {
	return &MatchStore{
		now:          time.Now,
		participants: make(map[string]domain.Participant),
		waiting:      make(map[string][]string),
		active:       make(map[activeKey]string),
		matches:      make(map[string]*matchEntry),
		userMatches:  make(map[string]map[string]struct{}),
	}
}

func (s *MatchStore) AddParticipant(_ context.Context, p domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := activeKey{quizID: p.QuizID, userID: p.UserID}
	if _, ok := s.active[key]; ok {
		return domain.ErrAlreadyActive
	}
	s.participants[p.ID] = p
	s.active[key] = p.ID
	if p.Status == domain.ParticipantWaiting {
		s.waiting[p.QuizID] = append(s.waiting[p.QuizID], p.ID)
	}
	return nil
}

func (s *MatchStore) GetParticipant(_ context.Context, participantID string) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return p, nil
}

func (s *MatchStore) ActiveParticipant(_ context.Context, quizID, userID string) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[activeKey{quizID: quizID, userID: userID}]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return s.participants[id], nil
}

// WaitingParticipants returns the pool in join order.
func (s *MatchStore) WaitingParticipants(_ context.Context, quizID string) ([]domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.waiting[quizID]
	out := make([]domain.Participant, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.participants[id])
	}
	return out, nil
}

func (s *MatchStore) WaitingSince(_ context.Context, cutoff time.Time) ([]domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Participant
	for _, ids := range s.waiting {
		for _, id := range ids {
			if p := s.participants[id]; p.JoinedAt.Before(cutoff) {
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// Pair claims both participants and stores the match under a single lock, so
// a participant can never end up in two matches.
func (s *MatchStore) Pair(_ context.Context, waiting, joiner domain.Participant, match domain.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, okA := s.participants[waiting.ID]
	b, okB := s.participants[joiner.ID]
	if !okA || !okB {
		return domain.ErrParticipantNotFound
	}
	if a.Status != domain.ParticipantWaiting || b.Status != domain.ParticipantWaiting {
		return domain.ErrConcurrencyConflict
	}
	if _, exists := s.matches[match.ID]; exists {
		return domain.ErrConcurrencyConflict
	}

	now := s.now()
	for _, p := range []*domain.Participant{&a, &b} {
		p.Status = domain.ParticipantPlaying
		p.MatchID = match.ID
		p.UpdatedAt = now
		s.participants[p.ID] = *p
		s.dropWaitingLocked(p.QuizID, p.ID)
	}

	s.matches[match.ID] = &matchEntry{match: cloneMatch(match), participants: [2]string{a.ID, b.ID}}
	s.indexUserLocked(match.Player1ID, match.ID)
	s.indexUserLocked(match.Player2ID, match.ID)
	return nil
}

// RemoveWaiting takes a participant out of the pool; it fails with
// ErrConcurrencyConflict once the participant has been paired.
func (s *MatchStore) RemoveWaiting(_ context.Context, participantID string) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if p.Status != domain.ParticipantWaiting {
		return p, domain.ErrConcurrencyConflict
	}
	p.Status = domain.ParticipantDone
	p.UpdatedAt = s.now()
	s.participants[p.ID] = p
	s.dropWaitingLocked(p.QuizID, p.ID)
	delete(s.active, activeKey{quizID: p.QuizID, userID: p.UserID})
	return p, nil
}

// ReleaseParticipants marks the players of a match DONE so they may join the quiz again.
func (s *MatchStore) ReleaseParticipants(_ context.Context, matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.matches[matchID]
	if !ok {
		return domain.ErrMatchNotFound
	}
	now := s.now()
	for _, id := range entry.participants {
		p, ok := s.participants[id]
		if !ok || p.Status == domain.ParticipantDone {
			continue
		}
		p.Status = domain.ParticipantDone
		p.UpdatedAt = now
		s.participants[id] = p
		key := activeKey{quizID: p.QuizID, userID: p.UserID}
		if s.active[key] == id {
			delete(s.active, key)
		}
	}
	return nil
}

func (s *MatchStore) GetMatch(_ context.Context, matchID string) (domain.Match, error) {
	entry, ok := s.entry(matchID)
	if !ok {
		return domain.Match{}, domain.ErrMatchNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return cloneMatch(entry.match), nil
}

// UpdateMatch runs fn on a private copy while holding the match lock and commits
// the copy only if fn succeeds.
func (s *MatchStore) UpdateMatch(_ context.Context, matchID string, fn func(*domain.Match) error) (domain.Match, error) {
	entry, ok := s.entry(matchID)
	if !ok {
		return domain.Match{}, domain.ErrMatchNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	next := cloneMatch(entry.match)
	if err := fn(&next); err != nil {
		return cloneMatch(entry.match), err
	}
	entry.match = next
	return cloneMatch(next), nil
}

// ActiveMatches lists unfinished matches of userID.
func (s *MatchStore) ActiveMatches(_ context.Context, userID string) ([]domain.Match, error) {
	s.mu.Lock()
	entries := make([]*matchEntry, 0, len(s.userMatches[userID]))
	for id := range s.userMatches[userID] {
		entries = append(entries, s.matches[id])
	}
	s.mu.Unlock()

	return collect(entries, func(m *domain.Match) bool { return !m.Finished() }), nil
}

// OpenMatches lists matches that are unfinished or still awaiting settlement.
func (s *MatchStore) OpenMatches(_ context.Context) ([]domain.Match, error) {
	s.mu.Lock()
	entries := make([]*matchEntry, 0, len(s.matches))
	for _, entry := range s.matches {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	return collect(entries, func(m *domain.Match) bool {
		return !m.Finished() || m.Settlement == domain.SettlementPending
	}), nil
}

func (s *MatchStore) entry(matchID string) (*matchEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.matches[matchID]
	return entry, ok
}

func (s *MatchStore) dropWaitingLocked(quizID, participantID string) {
	ids := s.waiting[quizID]
	for i, id := range ids {
		if id == participantID {
			s.waiting[quizID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(s.waiting[quizID]) == 0 {
		delete(s.waiting, quizID)
	}
}

func (s *MatchStore) indexUserLocked(userID, matchID string) {
	set, ok := s.userMatches[userID]
	if !ok {
		set = make(map[string]struct{})
		s.userMatches[userID] = set
	}
	set[matchID] = struct{}{}
}

func collect(entries []*matchEntry, keep func(*domain.Match) bool) []domain.Match {
	out := make([]domain.Match, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		if keep(&entry.match) {
			out = append(out, cloneMatch(entry.match))
		}
		entry.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Prune evicts settled matches that ended before cutoff together with their
// participants, plus cancelled or expired participants last touched before cutoff.
// Unfinished matches and pending settlements are never evicted.
func (s *MatchStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	candidates := make(map[string]*matchEntry, len(s.matches))
	for id, entry := range s.matches {
		candidates[id] = entry
	}
	s.mu.Unlock()

	var expired []string
	for id, entry := range candidates {
		entry.mu.Lock()
		m := entry.match
		if m.Finished() && m.Settlement == domain.SettlementDone && m.EndTime != nil && m.EndTime.Before(cutoff) {
			expired = append(expired, id)
		}
		entry.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for _, id := range expired {
		entry, ok := s.matches[id]
		if !ok {
			continue
		}
		for _, pid := range entry.participants {
			if p, ok := s.participants[pid]; ok && p.Status == domain.ParticipantDone {
				delete(s.participants, pid)
			}
		}
		s.unindexUserLocked(entry.match.Player1ID, id)
		s.unindexUserLocked(entry.match.Player2ID, id)
		delete(s.matches, id)
		pruned++
	}
	for id, p := range s.participants {
		if p.Status == domain.ParticipantDone && p.MatchID == "" && p.UpdatedAt.Before(cutoff) {
			delete(s.participants, id)
			pruned++
		}
	}
	return pruned, nil
}

func (s *MatchStore) unindexUserLocked(userID, matchID string) {
	set := s.userMatches[userID]
	delete(set, matchID)
	if len(set) == 0 {
		delete(s.userMatches, userID)
	}
}

// cloneMatch copies the slices so callers never alias stored state.
func cloneMatch(m domain.Match) domain.Match {
	m.QuestionIDs = append([]string(nil), m.QuestionIDs...)
	m.Answers = append([]domain.AnswerRecord(nil), m.Answers...)
	if m.EndTime != nil {
		end := *m.EndTime
		m.EndTime = &end
	}
	return m
}
