package app

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"livequiz-service/internal/domain"
)

// Join adds a participant to a session, or re-attaches a returning one.
//
// Identity for rejoin is the client-held participant token (the id handed
// out on first join), never the nickname: a collision on nickname without
// a valid token is rejected so two people picking the same name cannot
// silently merge. Late joins are allowed at any point before the session
// ends. When the session runs teams, a team pick is mandatory and the
// member cap is enforced atomically with the insert.
func (s *Service) Join(ctx context.Context, code, nickname, teamID, token string) (domain.Session, domain.Participant, error) {
	session, err := s.SessionByCode(ctx, code)
	if err != nil {
		return domain.Session{}, domain.Participant{}, err
	}
	if session.Status == domain.StatusEnded {
		return domain.Session{}, domain.Participant{}, domain.ErrSessionEnded
	}

	if token != "" {
		if existing, err := s.store.GetParticipant(ctx, token); err == nil && existing.SessionID == session.ID {
			return session, existing, nil
		}
	}

	nickname = strings.TrimSpace(nickname)
	if len(nickname) < 2 {
		return domain.Session{}, domain.Participant{}, domain.ErrInvalidNickname
	}

	teams, err := s.store.ListTeams(ctx, session.ID)
	if err != nil {
		return domain.Session{}, domain.Participant{}, err
	}
	if len(teams) > 0 {
		if teamID == "" {
			return domain.Session{}, domain.Participant{}, domain.ErrTeamRequired
		}
		found := false
		for _, t := range teams {
			if t.ID == teamID {
				found = true
				break
			}
		}
		if !found {
			return domain.Session{}, domain.Participant{}, domain.ErrTeamNotFound
		}
	} else {
		teamID = ""
	}

	participant, err := s.store.InsertParticipant(ctx, domain.Participant{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		TeamID:    teamID,
		Nickname:  nickname,
		CreatedAt: s.now(),
	})
	if err != nil {
		return domain.Session{}, domain.Participant{}, err
	}
	return session, participant, nil
}
