package app

import (
	"context"

	"livequiz-service/internal/domain"
)

const leaderboardSize = 10

// HostView is the payload a host client renders: full session state plus
// live answer stats and both leaderboards.
type HostView struct {
	Session         domain.Session             `json:"session"`
	Participants    []domain.Participant       `json:"participants"`
	Leaderboard     []domain.RankedParticipant `json:"leaderboard"`
	TeamLeaderboard []domain.RankedTeam        `json:"team_leaderboard,omitempty"`
	AnswerCounts    []int                      `json:"answer_counts,omitempty"`
	TotalAnswers    int                        `json:"total_answers"`
	AvgResponseMs   *int64                     `json:"avg_response_ms,omitempty"`
	RemainingMs     int64                      `json:"remaining_ms"`
	QuestionCount   int                        `json:"question_count"`
	FinalResults    []domain.SessionResult     `json:"final_results,omitempty"`
}

// PlayerView is the payload a participant renders. It carries only the
// public question snapshot, so the correct index reaches players exactly
// when the session reaches results.
type PlayerView struct {
	SessionID      string                     `json:"session_id"`
	Code           string                     `json:"code"`
	Status         domain.SessionStatus       `json:"status"`
	PublicQuestion *domain.PublicQuestion     `json:"public_question,omitempty"`
	RemainingMs    int64                      `json:"remaining_ms"`
	Paused         bool                       `json:"paused"`
	Locked         bool                       `json:"locked"`
	Answered       bool                       `json:"answered"`
	Lobby          []string                   `json:"lobby,omitempty"`
	Leaderboard    []domain.RankedParticipant `json:"leaderboard,omitempty"`
	Teams          []domain.Team              `json:"teams,omitempty"`
	You            domain.RankedParticipant   `json:"you"`
}

// Projector turns the session's persisted rows into per-client payloads.
// It is stateful only for rank-delta diffing: it retains the previous
// ranking snapshot between refreshes. One projector serves one connection.
type Projector struct {
	svc       *Service
	store     Store
	now       Clock
	prevRanks map[string]int
}

func NewProjector(svc *Service, store Store) *Projector {
	return &Projector{svc: svc, store: store, now: svc.now}
}

// HostView assembles the host payload from freshly read rows.
func (p *Projector) HostView(ctx context.Context, sessionID string) (HostView, error) {
	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return HostView{}, err
	}
	participants, err := p.store.ListParticipants(ctx, session.ID)
	if err != nil {
		return HostView{}, err
	}
	answers, err := p.store.ListAnswers(ctx, session.ID)
	if err != nil {
		return HostView{}, err
	}
	teams, err := p.store.ListTeams(ctx, session.ID)
	if err != nil {
		return HostView{}, err
	}
	quiz, err := p.svc.quizzes.GetQuiz(ctx, session.QuizID)
	if err != nil {
		return HostView{}, err
	}

	ranked, next := domain.WithDeltas(domain.Rank(participants), p.prevRanks)
	p.prevRanks = next

	view := HostView{
		Session:       session,
		Participants:  participants,
		Leaderboard:   top(ranked, leaderboardSize),
		QuestionCount: len(quiz.Questions),
	}
	if len(teams) > 0 {
		view.TeamLeaderboard = domain.RankTeams(teams, participants)
	}
	if pq := session.PublicQuestion; pq != nil {
		view.RemainingMs = domain.RemainingMs(session, pq.TimeLimitSec, p.now())
		view.AnswerCounts, view.TotalAnswers, view.AvgResponseMs = answerStats(session, *pq, answers)
	}
	if session.Status == domain.StatusEnded {
		if results, err := p.store.ListSessionResults(ctx, session.ID); err == nil {
			view.FinalResults = results
		}
	}
	return view, nil
}

// PlayerView assembles one participant's payload.
func (p *Projector) PlayerView(ctx context.Context, sessionID, participantID string) (PlayerView, error) {
	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return PlayerView{}, err
	}
	participants, err := p.store.ListParticipants(ctx, session.ID)
	if err != nil {
		return PlayerView{}, err
	}

	ranked, next := domain.WithDeltas(domain.Rank(participants), p.prevRanks)
	p.prevRanks = next

	view := PlayerView{
		SessionID: session.ID,
		Code:      session.Code,
		Status:    session.Status,
		Paused:    session.PausedAt != nil,
		Locked:    session.Locked,
	}
	for _, r := range ranked {
		if r.ParticipantID == participantID {
			view.You = r
			break
		}
	}

	switch session.Status {
	case domain.StatusLobby:
		for _, joined := range participants {
			view.Lobby = append(view.Lobby, joined.Nickname)
		}
		if teams, err := p.store.ListTeams(ctx, session.ID); err == nil {
			view.Teams = teams
		}
	case domain.StatusQuestion:
		view.PublicQuestion = session.PublicQuestion
		if pq := session.PublicQuestion; pq != nil {
			view.RemainingMs = domain.RemainingMs(session, pq.TimeLimitSec, p.now())
			answered, err := p.svc.HasAnswered(ctx, session, participantID)
			if err != nil {
				return PlayerView{}, err
			}
			view.Answered = answered
		}
	case domain.StatusResults, domain.StatusEnded:
		view.PublicQuestion = session.PublicQuestion
		view.Leaderboard = top(ranked, leaderboardSize)
	}
	return view, nil
}

func top(ranked []domain.RankedParticipant, n int) []domain.RankedParticipant {
	if len(ranked) > n {
		return ranked[:n]
	}
	return ranked
}

// answerStats computes the per-option distribution, total count, and
// pause-aware average response time for the active question.
func answerStats(session domain.Session, pq domain.PublicQuestion, answers []domain.Answer) ([]int, int, *int64) {
	counts := make([]int, len(pq.Options))
	total := 0
	var latencySum int64
	for _, a := range answers {
		if a.QuestionID != pq.QuestionID {
			continue
		}
		if a.SelectedIndex >= 0 && a.SelectedIndex < len(counts) {
			counts[a.SelectedIndex]++
		}
		total++
		latencySum += domain.AnswerElapsedMs(session, a)
	}
	if total == 0 || session.QuestionStartedAt == nil {
		return counts, total, nil
	}
	avg := latencySum / int64(total)
	return counts, total, &avg
}
