package domain

import "errors"

var (
	// ErrSessionNotFound is returned for lookups by stale code or id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrParticipantNotFound is returned when a player acts before joining.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrTeamNotFound indicates the chosen team does not belong to the session.
	ErrTeamNotFound = errors.New("team not found in session")
	// ErrUnauthorized is returned when a non-owning host mutates a session.
	ErrUnauthorized = errors.New("host does not own this session")
	// ErrInvalidTransition is returned when the current status does not
	// permit the requested command. Callers treat it as a no-op.
	ErrInvalidTransition = errors.New("session status does not permit this action")
	// ErrSessionEnded is returned for any command against an ended session.
	ErrSessionEnded = errors.New("session has ended")
	// ErrDuplicateAnswer is returned on a second submission for the same
	// (participant, question) pair.
	ErrDuplicateAnswer = errors.New("already answered this question")
	// ErrAnswersLocked is returned while the host has locked submissions.
	ErrAnswersLocked = errors.New("answers are locked")
	// ErrTeamFull is returned when a join would exceed the team member cap.
	ErrTeamFull = errors.New("team is full")
	// ErrNicknameTaken is returned on a case-insensitive nickname collision
	// when the joiner holds no participant token.
	ErrNicknameTaken = errors.New("nickname already taken")
	// ErrInvalidOption is returned when the selected index is out of range
	// for the active question.
	ErrInvalidOption = errors.New("selected option out of range")
	// ErrInvalidNickname rejects blank or too-short nicknames.
	ErrInvalidNickname = errors.New("nickname must be at least 2 characters")
	// ErrTeamRequired is returned when the session runs teams and the
	// joiner picked none.
	ErrTeamRequired = errors.New("pick a team first")
	// ErrNoParticipants blocks starting the first question of an empty lobby.
	ErrNoParticipants = errors.New("no participants have joined yet")
	// ErrCodeConflict signals a join-code collision at insert time; the
	// caller regenerates and retries.
	ErrCodeConflict = errors.New("join code already in use")
)
