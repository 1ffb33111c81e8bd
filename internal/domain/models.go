package domain

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle phase of a live session.
type SessionStatus string

const (
	StatusLobby    SessionStatus = "lobby"
	StatusQuestion SessionStatus = "question"
	StatusResults  SessionStatus = "results"
	StatusEnded    SessionStatus = "ended"
)

// Question limits enforced at quiz load time.
const (
	MinOptions      = 2
	MaxOptions      = 4
	MinTimeLimitSec = 5
	MaxTimeLimitSec = 60
)

// Question models an MCQ question with one correct option.
type Question struct {
	ID           string   `json:"id"`
	Idx          int      `json:"idx"`
	Prompt       string   `json:"prompt"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
	TimeLimitSec int      `json:"time_limit_sec"`
}

// Validate checks the option count, correct-index bound, and time limit.
func (q Question) Validate() error {
	if len(q.Options) < MinOptions || len(q.Options) > MaxOptions {
		return fmt.Errorf("question %s: %d options, want %d-%d", q.ID, len(q.Options), MinOptions, MaxOptions)
	}
	if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
		return fmt.Errorf("question %s: correct index %d out of range", q.ID, q.CorrectIndex)
	}
	if q.TimeLimitSec < MinTimeLimitSec || q.TimeLimitSec > MaxTimeLimitSec {
		return fmt.Errorf("question %s: time limit %ds, want %d-%ds", q.ID, q.TimeLimitSec, MinTimeLimitSec, MaxTimeLimitSec)
	}
	return nil
}

// TeamTemplate is an authored team slot on a quiz (name + display color).
type TeamTemplate struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Quiz is the authored content a session plays through. Questions are
// ordered by Idx.
type Quiz struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	TeamsConfig    []TeamTemplate `json:"teams_config,omitempty"`
	TeamMaxMembers int            `json:"team_max_members,omitempty"` // 0 means uncapped
	Questions      []Question     `json:"questions"`
}

// Validate checks every question.
func (q Quiz) Validate() error {
	if len(q.Questions) == 0 {
		return fmt.Errorf("quiz %s: no questions", q.ID)
	}
	for _, question := range q.Questions {
		if err := question.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// PublicQuestion is the participant-visible snapshot of the active
// question. CorrectIndex stays nil until the session reaches results.
type PublicQuestion struct {
	QuestionID   string   `json:"question_id"`
	Prompt       string   `json:"prompt"`
	Options      []string `json:"options"`
	TimeLimitSec int      `json:"time_limit_sec"`
	CorrectIndex *int     `json:"correct_index,omitempty"`
}

// Session is the central mutable entity of a live game.
type Session struct {
	ID                 string          `json:"id"`
	QuizID             string          `json:"quiz_id"`
	HostID             string          `json:"host_id"`
	Code               string          `json:"code"`
	Status             SessionStatus   `json:"status"`
	CurrentQuestionIdx int             `json:"current_question_idx"`
	QuestionStartedAt  *time.Time      `json:"question_started_at,omitempty"`
	PausedAt           *time.Time      `json:"paused_at,omitempty"`
	PauseAccumulatedMs int64           `json:"pause_accumulated_ms"`
	Locked             bool            `json:"locked"`
	AutoAdvanceSec     int             `json:"auto_advance_sec"`
	TeamMaxMembers     int             `json:"team_max_members,omitempty"`
	PublicQuestion     *PublicQuestion `json:"public_question,omitempty"`
	EndedAt            *time.Time      `json:"ended_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// SessionPatch is a partial session update. Nil fields are left untouched;
// the Clear flags set nullable columns back to null. Callers pair a patch
// with the set of statuses the session must still be in (compare-and-swap).
type SessionPatch struct {
	Status                 *SessionStatus
	CurrentQuestionIdx     *int
	QuestionStartedAt      *time.Time
	ClearQuestionStartedAt bool
	PausedAt               *time.Time
	ClearPausedAt          bool
	PauseAccumulatedMs     *int64
	Locked                 *bool
	AutoAdvanceSec         *int
	PublicQuestion         *PublicQuestion
	ClearPublicQuestion    bool
	EndedAt                *time.Time
}

// Apply copies the patch onto a session value.
func (p SessionPatch) Apply(s *Session) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.CurrentQuestionIdx != nil {
		s.CurrentQuestionIdx = *p.CurrentQuestionIdx
	}
	if p.QuestionStartedAt != nil {
		t := *p.QuestionStartedAt
		s.QuestionStartedAt = &t
	} else if p.ClearQuestionStartedAt {
		s.QuestionStartedAt = nil
	}
	if p.PausedAt != nil {
		t := *p.PausedAt
		s.PausedAt = &t
	} else if p.ClearPausedAt {
		s.PausedAt = nil
	}
	if p.PauseAccumulatedMs != nil {
		s.PauseAccumulatedMs = *p.PauseAccumulatedMs
	}
	if p.Locked != nil {
		s.Locked = *p.Locked
	}
	if p.AutoAdvanceSec != nil {
		s.AutoAdvanceSec = *p.AutoAdvanceSec
	}
	if p.PublicQuestion != nil {
		pq := *p.PublicQuestion
		s.PublicQuestion = &pq
	} else if p.ClearPublicQuestion {
		s.PublicQuestion = nil
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		s.EndedAt = &t
	}
}

// Participant is one player in a session. Score is mutated only by the
// grading step.
type Participant struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TeamID    string    `json:"team_id,omitempty"`
	Nickname  string    `json:"nickname"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Team is an instantiated team slot inside a session.
type Team struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at"`
}

// Answer records one participant's pick for one question. IsCorrect and
// AwardedPoints hold placeholder values until grading runs.
type Answer struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	ParticipantID string    `json:"participant_id"`
	QuestionID    string    `json:"question_id"`
	SelectedIndex int       `json:"selected_index"`
	IsCorrect     bool      `json:"is_correct"`
	AwardedPoints int       `json:"awarded_points"`
	CreatedAt     time.Time `json:"created_at"`
}

// SessionResult is the frozen per-participant outcome written once when a
// session ends.
type SessionResult struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
	Nickname      string `json:"nickname"`
	Score         int    `json:"score"`
	Rank          int    `json:"rank"`
}

// EventKind names the row family a change event refers to.
type EventKind string

const (
	EventSession      EventKind = "session"
	EventParticipants EventKind = "participants"
	EventAnswers      EventKind = "answers"
	EventTeams        EventKind = "teams"
)

// Event is a row-level change notification scoped to one session.
// Observers re-read the affected rows rather than trusting a payload.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
}
