package app

import (
	"context"
	"time"

	"livequiz-service/internal/domain"
)

// Store is the persistence collaborator for live session state. Every
// mutation is conditional: session writes carry the statuses the row must
// still be in, answer inserts fail on the (participant, question) unique
// constraint, and score increments are atomic at the store. No caller may
// assume the state it last observed is still current.
type Store interface {
	CreateSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	GetSessionByCode(ctx context.Context, code string) (domain.Session, error)
	// UpdateSession applies patch only while the session status is one of
	// expect (empty expect = any status except ended). It returns
	// domain.ErrInvalidTransition when the guard fails and the updated row
	// on success.
	UpdateSession(ctx context.Context, id string, expect []domain.SessionStatus, patch domain.SessionPatch) (domain.Session, error)

	InsertTeams(ctx context.Context, teams []domain.Team) error
	ListTeams(ctx context.Context, sessionID string) ([]domain.Team, error)

	// InsertParticipant enforces case-insensitive nickname uniqueness and
	// the session's team member cap atomically with the insert.
	InsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error)
	GetParticipant(ctx context.Context, id string) (domain.Participant, error)
	ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	// IncrementParticipantScore is an atomic read-modify-write at the
	// store, never a fetch-then-set in application code.
	IncrementParticipantScore(ctx context.Context, participantID string, delta int) error

	// InsertAnswer fails with domain.ErrDuplicateAnswer when the
	// participant already answered the question.
	InsertAnswer(ctx context.Context, a domain.Answer) error
	GetAnswer(ctx context.Context, sessionID, participantID, questionID string) (domain.Answer, bool, error)
	ListAnswers(ctx context.Context, sessionID string) ([]domain.Answer, error)
	UpdateAnswerGrade(ctx context.Context, answerID string, correct bool, points int) error

	// InsertSessionResults is idempotent per (session, participant) so a
	// retried end transition cannot duplicate history rows.
	InsertSessionResults(ctx context.Context, rows []domain.SessionResult) error
	ListSessionResults(ctx context.Context, sessionID string) ([]domain.SessionResult, error)

	Notifier
}

// Notifier delivers row-level change events scoped to one session.
type Notifier interface {
	Subscribe(sessionID string) (<-chan domain.Event, func())
}

// Broadcaster accepts published change events and fans them out to
// subscribers. Stores publish through one after every write; a
// single-instance deployment uses the in-process Hub, a multi-instance one
// swaps in the Redis bus.
type Broadcaster interface {
	Notifier
	Publish(event domain.Event)
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// Clock is injected for deterministic timestamps in tests.
type Clock func() time.Time
