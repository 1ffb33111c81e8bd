package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"livequiz-service/internal/domain"
)

const (
	defaultCodeLength     = 6
	defaultAutoAdvanceSec = 5
	maxAutoAdvanceSec     = 30
	codeRetries           = 5
)

// Service is the session orchestrator: the single authority a host client
// drives. It sequences state-machine transitions as compare-and-swap
// writes against the store, triggers grading at the results transition,
// and freezes the final ranking when a session ends.
type Service struct {
	store   Store
	quizzes QuizRepository
	now     Clock

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewService(store Store, quizzes QuizRepository) *Service {
	return NewServiceWithClock(store, quizzes, time.Now)
}

// NewServiceWithClock is test-only for deterministic timestamps.
func NewServiceWithClock(store Store, quizzes QuizRepository, now Clock) *Service {
	return &Service{
		store:   store,
		quizzes: quizzes,
		now:     now,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CreateSession opens a lobby for a quiz the host owns, generating a
// unique join code and instantiating the quiz's team slots.
func (s *Service) CreateSession(ctx context.Context, quizID, hostID string) (domain.Session, []domain.Team, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Session{}, nil, err
	}
	if quiz.OwnerID != "" && quiz.OwnerID != hostID {
		return domain.Session{}, nil, domain.ErrUnauthorized
	}
	if err := quiz.Validate(); err != nil {
		return domain.Session{}, nil, err
	}

	now := s.now()
	session := domain.Session{
		ID:             uuid.NewString(),
		QuizID:         quiz.ID,
		HostID:         hostID,
		Status:         domain.StatusLobby,
		AutoAdvanceSec: defaultAutoAdvanceSec,
		TeamMaxMembers: quiz.TeamMaxMembers,
		CreatedAt:      now,
	}

	for attempt := 0; ; attempt++ {
		session.Code = s.newCode()
		err = s.store.CreateSession(ctx, session)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrCodeConflict) || attempt >= codeRetries {
			return domain.Session{}, nil, fmt.Errorf("create session: %w", err)
		}
	}

	teams := make([]domain.Team, 0, len(quiz.TeamsConfig))
	for _, tpl := range quiz.TeamsConfig {
		teams = append(teams, domain.Team{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Name:      tpl.Name,
			Color:     tpl.Color,
			CreatedAt: now,
		})
	}
	if len(teams) > 0 {
		if err := s.store.InsertTeams(ctx, teams); err != nil {
			return domain.Session{}, nil, fmt.Errorf("create teams: %w", err)
		}
	}
	return session, teams, nil
}

func (s *Service) newCode() string {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return domain.NewJoinCode(defaultCodeLength, s.rnd)
}

// SessionByCode resolves a session from user-typed input.
func (s *Service) SessionByCode(ctx context.Context, code string) (domain.Session, error) {
	code = domain.NormalizeCode(code)
	if len(code) < domain.MinCodeLength {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return s.store.GetSessionByCode(ctx, code)
}

// Session returns a session by id.
func (s *Service) Session(ctx context.Context, id string) (domain.Session, error) {
	return s.store.GetSession(ctx, id)
}

// ownedSession loads a session and checks the acting host owns it and the
// session is not terminal.
func (s *Service) ownedSession(ctx context.Context, sessionID, hostID string) (domain.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.HostID != hostID {
		return domain.Session{}, domain.ErrUnauthorized
	}
	if session.Status == domain.StatusEnded {
		return domain.Session{}, domain.ErrSessionEnded
	}
	return session, nil
}

func (s *Service) currentQuestion(ctx context.Context, session domain.Session) (domain.Quiz, domain.Question, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, session.QuizID)
	if err != nil {
		return domain.Quiz{}, domain.Question{}, err
	}
	if session.CurrentQuestionIdx >= len(quiz.Questions) {
		return domain.Quiz{}, domain.Question{}, domain.ErrInvalidTransition
	}
	return quiz, quiz.Questions[session.CurrentQuestionIdx], nil
}

func publicSnapshot(q domain.Question) *domain.PublicQuestion {
	options := make([]string, len(q.Options))
	copy(options, q.Options)
	return &domain.PublicQuestion{
		QuestionID:   q.ID,
		Prompt:       q.Prompt,
		Options:      options,
		TimeLimitSec: q.TimeLimitSec,
	}
}

// questionPatch resets the timer and snapshot for a (re)started question.
func (s *Service) questionPatch(q domain.Question) domain.SessionPatch {
	status := domain.StatusQuestion
	startedAt := s.now()
	accum := int64(0)
	locked := false
	return domain.SessionPatch{
		Status:             &status,
		QuestionStartedAt:  &startedAt,
		ClearPausedAt:      true,
		PauseAccumulatedMs: &accum,
		Locked:             &locked,
		PublicQuestion:     publicSnapshot(q),
	}
}

// StartQuestion moves lobby -> question for the current index. At least
// one participant must have joined.
func (s *Service) StartQuestion(ctx context.Context, sessionID, hostID string) (domain.Session, error) {
	session, err := s.ownedSession(ctx, sessionID, hostID)
	if err != nil {
		return domain.Session{}, err
	}
	participants, err := s.store.ListParticipants(ctx, session.ID)
	if err != nil {
		return domain.Session{}, err
	}
	if len(participants) == 0 {
		return domain.Session{}, domain.ErrNoParticipants
	}
	_, question, err := s.currentQuestion(ctx, session)
	if err != nil {
		return domain.Session{}, err
	}
	return s.store.UpdateSession(ctx, session.ID,
		[]domain.SessionStatus{domain.StatusLobby}, s.questionPatch(question))
}

// ShowResults closes the answer window and reveals the correct option.
// The compare-and-swap on status guarantees a single winner even when two
// host tabs race; the winner then grades every participant's answer.
// Grading applies score deltas against previously recorded awards, so a
// retried or repeated grading pass cannot double-count.
func (s *Service) ShowResults(ctx context.Context, sessionID, hostID string) (domain.Session, error) {
	session, err := s.ownedSession(ctx, sessionID, hostID)
	if err != nil {
		return domain.Session{}, err
	}
	_, question, err := s.currentQuestion(ctx, session)
	if err != nil {
		return domain.Session{}, err
	}

	status := domain.StatusResults
	snapshot := publicSnapshot(question)
	reveal := question.CorrectIndex
	snapshot.CorrectIndex = &reveal

	updated, err := s.store.UpdateSession(ctx, session.ID,
		[]domain.SessionStatus{domain.StatusQuestion},
		domain.SessionPatch{Status: &status, PublicQuestion: snapshot})
	if err != nil {
		return domain.Session{}, err
	}
	if err := s.gradeQuestion(ctx, updated, question); err != nil {
		return domain.Session{}, fmt.Errorf("grade question %s: %w", question.ID, err)
	}
	return updated, nil
}

// NextQuestion advances results -> question for the next index, or ends
// the session when the quiz is exhausted.
func (s *Service) NextQuestion(ctx context.Context, sessionID, hostID string) (domain.Session, error) {
	session, err := s.ownedSession(ctx, sessionID, hostID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.Status != domain.StatusResults {
		return domain.Session{}, domain.ErrInvalidTransition
	}
	quiz, err := s.quizzes.GetQuiz(ctx, session.QuizID)
	if err != nil {
		return domain.Session{}, err
	}

	nextIdx := session.CurrentQuestionIdx + 1
	if nextIdx >= len(quiz.Questions) {
		return s.endSession(ctx, session)
	}

	patch := s.questionPatch(quiz.Questions[nextIdx])
	patch.CurrentQuestionIdx = &nextIdx
	return s.store.UpdateSession(ctx, session.ID,
		[]domain.SessionStatus{domain.StatusResults}, patch)
}

// ReopenQuestion undoes a premature results reveal: back to question on
// the same index, same started-at (a fresh one only if it was never set),
// correct option hidden again, lock cleared. No regrading happens here;
// the next ShowResults re-grades and the delta accounting keeps scores
// consistent.
func (s *Service) ReopenQuestion(ctx context.Context, sessionID, hostID string) (domain.Session, error) {
	session, err := s.ownedSession(ctx, sessionID, hostID)
	if err != nil {
		return domain.Session{}, err
	}
	_, question, err := s.currentQuestion(ctx, session)
	if err != nil {
		return domain.Session{}, err
	}

	status := domain.StatusQuestion
	locked := false
	startedAt := s.now()
	if session.QuestionStartedAt != nil {
		startedAt = *session.QuestionStartedAt
	}
	return s.store.UpdateSession(ctx, session.ID,
		[]domain.SessionStatus{domain.StatusResults},
		domain.SessionPatch{
			Status:            &status,
			Locked:            &locked,
			QuestionStartedAt: &startedAt,
			PublicQuestion:    publicSnapshot(question),
		})
}

// Pause freezes the question clock and locks submissions.
func (s *Service) Pause(ctx context.Context, sessionID, hostID string) (domain.Session, error) {
	session, err := s.ownedSession(ctx, sessionID, hostID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.Status != domain.StatusQuestion || session.QuestionStartedAt == nil || session.PausedAt != nil {
		return domain.Session{}, domain.ErrInvalidTransition
	}
	pausedAt := s.now()
	locked := true
	return s.store.UpdateSession(ctx, session.ID,
		[]domain.SessionStatus{domain.StatusQuestion},
		domain.SessionPatch{PausedAt: &pausedAt, Locked: &locked})
}

// Resume folds the paused interval into pause_accumulated_ms, restarts the
// clock, and unlocks submissions.
func (s *Service) Resume(ctx context.Context, sessionID, hostID string) (domain.Session, error) {
	session, err := s.ownedSession(ctx, sessionID, hostID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.Status != domain.StatusQuestion || session.PausedAt == nil {
		return domain.Session{}, domain.ErrInvalidTransition
	}
	accum := session.PauseAccumulatedMs + s.now().Sub(*session.PausedAt).Milliseconds()
	locked := false
	return s.store.UpdateSession(ctx, session.ID,
		[]domain.SessionStatus{domain.StatusQuestion},
		domain.SessionPatch{ClearPausedAt: true, PauseAccumulatedMs: &accum, Locked: &locked})
}

// ToggleLock flips answer acceptance without touching the clock.
func (s *Service) ToggleLock(ctx context.Context, sessionID, hostID string) (domain.Session, error) {
	session, err := s.ownedSession(ctx, sessionID, hostID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.Status != domain.StatusQuestion {
		return domain.Session{}, domain.ErrInvalidTransition
	}
	locked := !session.Locked
	return s.store.UpdateSession(ctx, session.ID,
		[]domain.SessionStatus{domain.StatusQuestion},
		domain.SessionPatch{Locked: &locked})
}

// SetAutoAdvance configures the results -> next-question delay; 0 disables.
func (s *Service) SetAutoAdvance(ctx context.Context, sessionID, hostID string, sec int) (domain.Session, error) {
	session, err := s.ownedSession(ctx, sessionID, hostID)
	if err != nil {
		return domain.Session{}, err
	}
	if sec < 0 {
		sec = 0
	}
	if sec > maxAutoAdvanceSec {
		sec = maxAutoAdvanceSec
	}
	return s.store.UpdateSession(ctx, session.ID, nil,
		domain.SessionPatch{AutoAdvanceSec: &sec})
}

// EndSession terminates a session from any non-terminal state. On an
// already-ended session it re-runs the ranking freeze when no result rows
// were written, so a failure between the status flip and the results
// insert stays retryable instead of stranding the session without a
// frozen ranking.
func (s *Service) EndSession(ctx context.Context, sessionID, hostID string) (domain.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.HostID != hostID {
		return domain.Session{}, domain.ErrUnauthorized
	}
	if session.Status == domain.StatusEnded {
		existing, err := s.store.ListSessionResults(ctx, session.ID)
		if err != nil {
			return domain.Session{}, err
		}
		if len(existing) == 0 {
			if err := s.freezeResults(ctx, session.ID); err != nil {
				return domain.Session{}, err
			}
		}
		return session, nil
	}
	return s.endSession(ctx, session)
}

// endSession flips to ended first (CAS over every non-terminal status) so
// exactly one caller wins, then the winner freezes the final ranking. The
// results insert is keyed on (session, participant), so a retry after a
// partial failure cannot duplicate rows.
func (s *Service) endSession(ctx context.Context, session domain.Session) (domain.Session, error) {
	status := domain.StatusEnded
	endedAt := s.now()
	updated, err := s.store.UpdateSession(ctx, session.ID,
		[]domain.SessionStatus{domain.StatusLobby, domain.StatusQuestion, domain.StatusResults},
		domain.SessionPatch{Status: &status, EndedAt: &endedAt})
	if err != nil {
		return domain.Session{}, err
	}
	if err := s.freezeResults(ctx, session.ID); err != nil {
		return domain.Session{}, err
	}
	return updated, nil
}

func (s *Service) freezeResults(ctx context.Context, sessionID string) error {
	participants, err := s.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return err
	}
	ranked := domain.Rank(participants)
	rows := make([]domain.SessionResult, 0, len(ranked))
	for _, r := range ranked {
		rows = append(rows, domain.SessionResult{
			SessionID:     sessionID,
			ParticipantID: r.ParticipantID,
			Nickname:      r.Nickname,
			Score:         r.Score,
			Rank:          r.Rank,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	if err := s.store.InsertSessionResults(ctx, rows); err != nil {
		return fmt.Errorf("freeze results: %w", err)
	}
	return nil
}
