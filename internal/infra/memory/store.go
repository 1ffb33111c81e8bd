package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"livequiz-service/internal/app"
	"livequiz-service/internal/domain"
)

// Store is the in-memory implementation of app.Store. It provides the
// same consistency guarantees the Postgres store gets from constraints:
// conditional session updates, unique (participant, question) answers,
// case-insensitive nickname uniqueness, capacity-checked team joins, and
// atomic score increments, all under one mutex. Every successful write
// publishes a change event.
type Store struct {
	hub *app.Hub

	mu           sync.RWMutex
	sessions     map[string]*domain.Session
	byCode       map[string]string
	participants map[string]*domain.Participant
	teams        map[string][]domain.Team
	answers      map[string]*domain.Answer
	answerByPair map[string]string // sessionID|participantID|questionID -> answerID
	results      map[string][]domain.SessionResult
}

func NewStore() *Store {
	return &Store{
		hub:          app.NewHub(),
		sessions:     make(map[string]*domain.Session),
		byCode:       make(map[string]string),
		participants: make(map[string]*domain.Participant),
		teams:        make(map[string][]domain.Team),
		answers:      make(map[string]*domain.Answer),
		answerByPair: make(map[string]string),
		results:      make(map[string][]domain.SessionResult),
	}
}

func (s *Store) Subscribe(sessionID string) (<-chan domain.Event, func()) {
	return s.hub.Subscribe(sessionID)
}

func (s *Store) CreateSession(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byCode[session.Code]; ok {
		return domain.ErrCodeConflict
	}
	copied := session
	s.sessions[session.ID] = &copied
	s.byCode[session.Code] = session.ID
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return *session, nil
}

func (s *Store) GetSessionByCode(_ context.Context, code string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCode[code]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return *s.sessions[id], nil
}

func (s *Store) UpdateSession(_ context.Context, id string, expect []domain.SessionStatus, patch domain.SessionPatch) (domain.Session, error) {
	s.mu.Lock()
	session, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if !statusAllowed(session.Status, expect) {
		s.mu.Unlock()
		return domain.Session{}, domain.ErrInvalidTransition
	}
	patch.Apply(session)
	updated := *session
	s.mu.Unlock()

	s.hub.Publish(domain.Event{Kind: domain.EventSession, SessionID: id})
	return updated, nil
}

// statusAllowed implements the CAS guard: empty expect means any
// non-terminal status.
func statusAllowed(current domain.SessionStatus, expect []domain.SessionStatus) bool {
	if len(expect) == 0 {
		return current != domain.StatusEnded
	}
	for _, status := range expect {
		if current == status {
			return true
		}
	}
	return false
}

func (s *Store) InsertTeams(_ context.Context, teams []domain.Team) error {
	if len(teams) == 0 {
		return nil
	}
	sessionID := teams[0].SessionID
	s.mu.Lock()
	s.teams[sessionID] = append(s.teams[sessionID], teams...)
	s.mu.Unlock()

	s.hub.Publish(domain.Event{Kind: domain.EventTeams, SessionID: sessionID})
	return nil
}

func (s *Store) ListTeams(_ context.Context, sessionID string) ([]domain.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	teams := make([]domain.Team, len(s.teams[sessionID]))
	copy(teams, s.teams[sessionID])
	return teams, nil
}

func (s *Store) InsertParticipant(_ context.Context, p domain.Participant) (domain.Participant, error) {
	s.mu.Lock()
	session, ok := s.sessions[p.SessionID]
	if !ok {
		s.mu.Unlock()
		return domain.Participant{}, domain.ErrSessionNotFound
	}

	// Nickname uniqueness and team capacity are checked under the same
	// lock as the insert, mirroring the constraints the SQL store relies
	// on; check-then-insert without the lock would race.
	for _, existing := range s.participants {
		if existing.SessionID == p.SessionID && strings.EqualFold(existing.Nickname, p.Nickname) {
			s.mu.Unlock()
			return domain.Participant{}, domain.ErrNicknameTaken
		}
	}
	if p.TeamID != "" && session.TeamMaxMembers > 0 {
		members := 0
		for _, existing := range s.participants {
			if existing.TeamID == p.TeamID {
				members++
			}
		}
		if members >= session.TeamMaxMembers {
			s.mu.Unlock()
			return domain.Participant{}, domain.ErrTeamFull
		}
	}

	copied := p
	s.participants[p.ID] = &copied
	s.mu.Unlock()

	s.hub.Publish(domain.Event{Kind: domain.EventParticipants, SessionID: p.SessionID})
	return p, nil
}

func (s *Store) GetParticipant(_ context.Context, id string) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return *p, nil
}

func (s *Store) ListParticipants(_ context.Context, sessionID string) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Participant, 0)
	for _, p := range s.participants {
		if p.SessionID == sessionID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *Store) IncrementParticipantScore(_ context.Context, participantID string, delta int) error {
	s.mu.Lock()
	p, ok := s.participants[participantID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrParticipantNotFound
	}
	p.Score += delta
	sessionID := p.SessionID
	s.mu.Unlock()

	s.hub.Publish(domain.Event{Kind: domain.EventParticipants, SessionID: sessionID})
	return nil
}

func answerKey(sessionID, participantID, questionID string) string {
	return sessionID + "|" + participantID + "|" + questionID
}

func (s *Store) InsertAnswer(_ context.Context, a domain.Answer) error {
	key := answerKey(a.SessionID, a.ParticipantID, a.QuestionID)

	s.mu.Lock()
	if _, ok := s.answerByPair[key]; ok {
		s.mu.Unlock()
		return domain.ErrDuplicateAnswer
	}
	copied := a
	s.answers[a.ID] = &copied
	s.answerByPair[key] = a.ID
	s.mu.Unlock()

	s.hub.Publish(domain.Event{Kind: domain.EventAnswers, SessionID: a.SessionID})
	return nil
}

func (s *Store) GetAnswer(_ context.Context, sessionID, participantID, questionID string) (domain.Answer, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.answerByPair[answerKey(sessionID, participantID, questionID)]
	if !ok {
		return domain.Answer{}, false, nil
	}
	return *s.answers[id], true, nil
}

func (s *Store) ListAnswers(_ context.Context, sessionID string) ([]domain.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Answer, 0)
	for _, a := range s.answers {
		if a.SessionID == sessionID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *Store) UpdateAnswerGrade(_ context.Context, answerID string, correct bool, points int) error {
	s.mu.Lock()
	a, ok := s.answers[answerID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("answer %s not found", answerID)
	}
	a.IsCorrect = correct
	a.AwardedPoints = points
	sessionID := a.SessionID
	s.mu.Unlock()

	s.hub.Publish(domain.Event{Kind: domain.EventAnswers, SessionID: sessionID})
	return nil
}

func (s *Store) InsertSessionResults(_ context.Context, rows []domain.SessionResult) error {
	if len(rows) == 0 {
		return nil
	}
	sessionID := rows[0].SessionID

	s.mu.Lock()
	existing := make(map[string]bool, len(s.results[sessionID]))
	for _, r := range s.results[sessionID] {
		existing[r.ParticipantID] = true
	}
	for _, r := range rows {
		if !existing[r.ParticipantID] {
			s.results[sessionID] = append(s.results[sessionID], r)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) ListSessionResults(_ context.Context, sessionID string) ([]domain.SessionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]domain.SessionResult, len(s.results[sessionID]))
	copy(rows, s.results[sessionID])
	return rows, nil
}
