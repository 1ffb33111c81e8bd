package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"livequiz-service/internal/domain"
)

// SubmitAnswer records a participant's pick for the active question. The
// row is inserted with placeholder grade values; the submission path never
// learns the correct index. Rejections: window closed, answers locked,
// index out of range, or an existing answer for the same (participant,
// question) pair. Duplicate detection happens at the store's unique
// constraint, not by check-then-insert, so a double-tap race still yields
// exactly one row.
func (s *Service) SubmitAnswer(ctx context.Context, sessionID, participantID string, selectedIndex int) (domain.Answer, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Answer{}, err
	}
	if session.Status != domain.StatusQuestion || session.PublicQuestion == nil {
		return domain.Answer{}, domain.ErrInvalidTransition
	}
	if session.Locked {
		return domain.Answer{}, domain.ErrAnswersLocked
	}
	if selectedIndex < 0 || selectedIndex >= len(session.PublicQuestion.Options) {
		return domain.Answer{}, domain.ErrInvalidOption
	}

	participant, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return domain.Answer{}, err
	}
	if participant.SessionID != session.ID {
		return domain.Answer{}, domain.ErrParticipantNotFound
	}

	answer := domain.Answer{
		ID:            uuid.NewString(),
		SessionID:     session.ID,
		ParticipantID: participant.ID,
		QuestionID:    session.PublicQuestion.QuestionID,
		SelectedIndex: selectedIndex,
		CreatedAt:     s.now(),
	}
	if err := s.store.InsertAnswer(ctx, answer); err != nil {
		return domain.Answer{}, err
	}
	return answer, nil
}

// HasAnswered reports whether the participant already answered the
// session's active question.
func (s *Service) HasAnswered(ctx context.Context, session domain.Session, participantID string) (bool, error) {
	if session.PublicQuestion == nil {
		return false, nil
	}
	_, ok, err := s.store.GetAnswer(ctx, session.ID, participantID, session.PublicQuestion.QuestionID)
	return ok, err
}

// gradeQuestion scores every participant's answer for one question. The
// latency is measured from question start to the answer's insert time,
// pause-aware, exactly as the countdown computes it. Each pass writes the
// recomputed grade and applies only the delta against the award already on
// the answer row, which makes grading idempotent: re-running after a
// reopen, a retry, or a racing host tab converges on the same cumulative
// scores. Participants without an answer contribute nothing.
func (s *Service) gradeQuestion(ctx context.Context, session domain.Session, question domain.Question) error {
	participants, err := s.store.ListParticipants(ctx, session.ID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		answer, ok, err := s.store.GetAnswer(ctx, session.ID, p.ID, question.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		elapsed := domain.AnswerElapsedMs(session, answer)
		correct := answer.SelectedIndex == question.CorrectIndex
		awarded := 0
		if correct {
			awarded = domain.Score(elapsed, question.TimeLimitSec)
		}

		if err := s.store.UpdateAnswerGrade(ctx, answer.ID, correct, awarded); err != nil {
			return fmt.Errorf("grade answer %s: %w", answer.ID, err)
		}
		if delta := awarded - answer.AwardedPoints; delta != 0 {
			if err := s.store.IncrementParticipantScore(ctx, p.ID, delta); err != nil {
				return fmt.Errorf("apply score to %s: %w", p.ID, err)
			}
		}
	}
	return nil
}
