package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"livequiz-service/internal/app"
	"livequiz-service/internal/domain"
)

const pgUniqueViolation = "23505"

// Store is the Postgres implementation of app.Store. The consistency
// rules live in the schema and the statements, not in application checks:
// the answers unique index closes the duplicate-submission race, the
// nickname index closes the join race, session updates compare-and-swap
// on status in the WHERE clause, score increments are single UPDATEs, and
// team capacity is checked under a row lock on the session.
//
// Change events are published through the configured broadcaster after
// each write: an in-process hub for a single instance, the Redis bus when
// several instances share the database.
type Store struct {
	pool   *pgxpool.Pool
	events app.Broadcaster
}

func NewStore(pool *pgxpool.Pool) *Store {
	return NewStoreWithEvents(pool, app.NewHub())
}

// NewStoreWithEvents routes change events through the given broadcaster,
// typically the Redis bus when running more than one instance.
func NewStoreWithEvents(pool *pgxpool.Pool, events app.Broadcaster) *Store {
	return &Store{pool: pool, events: events}
}

func (s *Store) Subscribe(sessionID string) (<-chan domain.Event, func()) {
	return s.events.Subscribe(sessionID)
}

const sessionColumns = `id, quiz_id, host_id, code, status, current_question_idx,
	question_started_at, paused_at, pause_accumulated_ms, locked,
	auto_advance_sec, team_max_members, public_question, ended_at, created_at`

func (s *Store) CreateSession(ctx context.Context, session domain.Session) error {
	var publicQuestion []byte
	if session.PublicQuestion != nil {
		var err error
		publicQuestion, err = json.Marshal(session.PublicQuestion)
		if err != nil {
			return err
		}
	}
	var teamMax sql.NullInt32
	if session.TeamMaxMembers > 0 {
		teamMax = sql.NullInt32{Int32: int32(session.TeamMaxMembers), Valid: true}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, quiz_id, host_id, code, status, current_question_idx,
			question_started_at, paused_at, pause_accumulated_ms, locked,
			auto_advance_sec, team_max_members, public_question, ended_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		session.ID, session.QuizID, session.HostID, session.Code, string(session.Status),
		session.CurrentQuestionIdx, session.QuestionStartedAt, session.PausedAt,
		session.PauseAccumulatedMs, session.Locked, session.AutoAdvanceSec,
		teamMax, publicQuestion, session.EndedAt, session.CreatedAt)
	if isUniqueViolation(err, "sessions_code_idx") {
		return domain.ErrCodeConflict
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, id)
	return scanSession(row)
}

func (s *Store) GetSessionByCode(ctx context.Context, code string) (domain.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE code=$1`, code)
	return scanSession(row)
}

func (s *Store) UpdateSession(ctx context.Context, id string, expect []domain.SessionStatus, patch domain.SessionPatch) (domain.Session, error) {
	set := make([]string, 0, 8)
	args := []interface{}{id}
	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s=$%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.CurrentQuestionIdx != nil {
		add("current_question_idx", *patch.CurrentQuestionIdx)
	}
	if patch.QuestionStartedAt != nil {
		add("question_started_at", *patch.QuestionStartedAt)
	} else if patch.ClearQuestionStartedAt {
		set = append(set, "question_started_at=NULL")
	}
	if patch.PausedAt != nil {
		add("paused_at", *patch.PausedAt)
	} else if patch.ClearPausedAt {
		set = append(set, "paused_at=NULL")
	}
	if patch.PauseAccumulatedMs != nil {
		add("pause_accumulated_ms", *patch.PauseAccumulatedMs)
	}
	if patch.Locked != nil {
		add("locked", *patch.Locked)
	}
	if patch.AutoAdvanceSec != nil {
		add("auto_advance_sec", *patch.AutoAdvanceSec)
	}
	if patch.PublicQuestion != nil {
		raw, err := json.Marshal(patch.PublicQuestion)
		if err != nil {
			return domain.Session{}, err
		}
		add("public_question", raw)
	} else if patch.ClearPublicQuestion {
		set = append(set, "public_question=NULL")
	}
	if patch.EndedAt != nil {
		add("ended_at", *patch.EndedAt)
	}
	if len(set) == 0 {
		return s.GetSession(ctx, id)
	}

	// The guard is part of the statement: the update applies only if the
	// row is still in an expected status when the write lands.
	where := `id=$1 AND status <> 'ended'`
	if len(expect) > 0 {
		statuses := make([]string, len(expect))
		for i, status := range expect {
			statuses[i] = string(status)
		}
		args = append(args, statuses)
		where = fmt.Sprintf(`id=$1 AND status = ANY($%d)`, len(args))
	}

	query := `UPDATE sessions SET ` + strings.Join(set, ", ") +
		` WHERE ` + where + ` RETURNING ` + sessionColumns
	updated, err := scanSession(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, domain.ErrSessionNotFound) {
		// Distinguish a missing row from a lost CAS.
		if _, getErr := s.GetSession(ctx, id); getErr == nil {
			return domain.Session{}, domain.ErrInvalidTransition
		}
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, err
	}

	s.events.Publish(domain.Event{Kind: domain.EventSession, SessionID: id})
	return updated, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		session        domain.Session
		status         string
		startedAt      sql.NullTime
		pausedAt       sql.NullTime
		endedAt        sql.NullTime
		teamMax        sql.NullInt32
		publicQuestion []byte
	)
	err := row.Scan(&session.ID, &session.QuizID, &session.HostID, &session.Code,
		&status, &session.CurrentQuestionIdx, &startedAt, &pausedAt,
		&session.PauseAccumulatedMs, &session.Locked, &session.AutoAdvanceSec,
		&teamMax, &publicQuestion, &endedAt, &session.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("scan session: %w", err)
	}

	session.Status = domain.SessionStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		session.QuestionStartedAt = &t
	}
	if pausedAt.Valid {
		t := pausedAt.Time
		session.PausedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		session.EndedAt = &t
	}
	if teamMax.Valid {
		session.TeamMaxMembers = int(teamMax.Int32)
	}
	if len(publicQuestion) > 0 {
		var pq domain.PublicQuestion
		if err := json.Unmarshal(publicQuestion, &pq); err != nil {
			return domain.Session{}, fmt.Errorf("unmarshal public question: %w", err)
		}
		session.PublicQuestion = &pq
	}
	return session, nil
}

func (s *Store) InsertTeams(ctx context.Context, teams []domain.Team) error {
	if len(teams) == 0 {
		return nil
	}
	for _, t := range teams {
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO teams (id, session_id, name, color, created_at)
			VALUES ($1,$2,$3,$4,$5)`,
			t.ID, t.SessionID, t.Name, t.Color, t.CreatedAt); err != nil {
			return fmt.Errorf("insert team %s: %w", t.Name, err)
		}
	}
	s.events.Publish(domain.Event{Kind: domain.EventTeams, SessionID: teams[0].SessionID})
	return nil
}

func (s *Store) ListTeams(ctx context.Context, sessionID string) ([]domain.Team, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, name, color, created_at
		FROM teams WHERE session_id=$1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var teams []domain.Team
	for rows.Next() {
		var t domain.Team
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Name, &t.Color, &t.CreatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

func (s *Store) InsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Participant{}, err
	}
	defer tx.Rollback(ctx)

	// Lock the session row so concurrent joiners serialize: the capacity
	// count below is stable for the duration of the transaction.
	var teamMax sql.NullInt32
	err = tx.QueryRow(ctx,
		`SELECT team_max_members FROM sessions WHERE id=$1 FOR UPDATE`,
		p.SessionID).Scan(&teamMax)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Participant{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("lock session: %w", err)
	}

	if p.TeamID != "" && teamMax.Valid && teamMax.Int32 > 0 {
		var members int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM participants WHERE team_id=$1`,
			p.TeamID).Scan(&members); err != nil {
			return domain.Participant{}, fmt.Errorf("count team members: %w", err)
		}
		if members >= int(teamMax.Int32) {
			return domain.Participant{}, domain.ErrTeamFull
		}
	}

	var teamID sql.NullString
	if p.TeamID != "" {
		teamID = sql.NullString{String: p.TeamID, Valid: true}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO participants (id, session_id, team_id, nickname, score, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		p.ID, p.SessionID, teamID, p.Nickname, p.Score, p.CreatedAt)
	if isUniqueViolation(err, "participants_unique_nickname_idx") {
		return domain.Participant{}, domain.ErrNicknameTaken
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("insert participant: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Participant{}, err
	}

	s.events.Publish(domain.Event{Kind: domain.EventParticipants, SessionID: p.SessionID})
	return p, nil
}

func (s *Store) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	var (
		p      domain.Participant
		teamID sql.NullString
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, session_id, team_id, nickname, score, created_at
		FROM participants WHERE id=$1`, id).
		Scan(&p.ID, &p.SessionID, &teamID, &p.Nickname, &p.Score, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	p.TeamID = teamID.String
	return p, nil
}

func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, team_id, nickname, score, created_at
		FROM participants WHERE session_id=$1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var participants []domain.Participant
	for rows.Next() {
		var (
			p      domain.Participant
			teamID sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.SessionID, &teamID, &p.Nickname, &p.Score, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.TeamID = teamID.String
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (s *Store) IncrementParticipantScore(ctx context.Context, participantID string, delta int) error {
	var sessionID string
	err := s.pool.QueryRow(ctx, `
		UPDATE participants SET score = score + $2 WHERE id=$1
		RETURNING session_id`, participantID, delta).Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrParticipantNotFound
	}
	if err != nil {
		return fmt.Errorf("increment score: %w", err)
	}
	s.events.Publish(domain.Event{Kind: domain.EventParticipants, SessionID: sessionID})
	return nil
}

func (s *Store) InsertAnswer(ctx context.Context, a domain.Answer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO answers (id, session_id, participant_id, question_id,
			selected_index, is_correct, awarded_points, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.SessionID, a.ParticipantID, a.QuestionID,
		a.SelectedIndex, a.IsCorrect, a.AwardedPoints, a.CreatedAt)
	if isUniqueViolation(err, "answers_unique_participant_question_idx") {
		return domain.ErrDuplicateAnswer
	}
	if err != nil {
		return fmt.Errorf("insert answer: %w", err)
	}
	s.events.Publish(domain.Event{Kind: domain.EventAnswers, SessionID: a.SessionID})
	return nil
}

func (s *Store) GetAnswer(ctx context.Context, sessionID, participantID, questionID string) (domain.Answer, bool, error) {
	var a domain.Answer
	err := s.pool.QueryRow(ctx, `
		SELECT id, session_id, participant_id, question_id, selected_index,
			is_correct, awarded_points, created_at
		FROM answers WHERE session_id=$1 AND participant_id=$2 AND question_id=$3`,
		sessionID, participantID, questionID).
		Scan(&a.ID, &a.SessionID, &a.ParticipantID, &a.QuestionID,
			&a.SelectedIndex, &a.IsCorrect, &a.AwardedPoints, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Answer{}, false, nil
	}
	if err != nil {
		return domain.Answer{}, false, fmt.Errorf("get answer: %w", err)
	}
	return a, true, nil
}

func (s *Store) ListAnswers(ctx context.Context, sessionID string) ([]domain.Answer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, participant_id, question_id, selected_index,
			is_correct, awarded_points, created_at
		FROM answers WHERE session_id=$1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	var answers []domain.Answer
	for rows.Next() {
		var a domain.Answer
		if err := rows.Scan(&a.ID, &a.SessionID, &a.ParticipantID, &a.QuestionID,
			&a.SelectedIndex, &a.IsCorrect, &a.AwardedPoints, &a.CreatedAt); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

func (s *Store) UpdateAnswerGrade(ctx context.Context, answerID string, correct bool, points int) error {
	var sessionID string
	err := s.pool.QueryRow(ctx, `
		UPDATE answers SET is_correct=$2, awarded_points=$3 WHERE id=$1
		RETURNING session_id`, answerID, correct, points).Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("answer %s not found", answerID)
	}
	if err != nil {
		return fmt.Errorf("update answer grade: %w", err)
	}
	s.events.Publish(domain.Event{Kind: domain.EventAnswers, SessionID: sessionID})
	return nil
}

func (s *Store) InsertSessionResults(ctx context.Context, rows []domain.SessionResult) error {
	for _, r := range rows {
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO session_results (session_id, participant_id, nickname, score, rank)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (session_id, participant_id) DO NOTHING`,
			r.SessionID, r.ParticipantID, r.Nickname, r.Score, r.Rank); err != nil {
			return fmt.Errorf("insert session result: %w", err)
		}
	}
	return nil
}

func (s *Store) ListSessionResults(ctx context.Context, sessionID string) ([]domain.SessionResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, participant_id, nickname, score, rank
		FROM session_results WHERE session_id=$1 ORDER BY rank`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session results: %w", err)
	}
	defer rows.Close()

	var results []domain.SessionResult
	for rows.Next() {
		var r domain.SessionResult
		if err := rows.Scan(&r.SessionID, &r.ParticipantID, &r.Nickname, &r.Score, &r.Rank); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}


func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolation &&
		(constraint == "" || pgErr.ConstraintName == constraint)
}
