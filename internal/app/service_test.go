package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"livequiz-service/internal/app"
	"livequiz-service/internal/domain"
	"livequiz-service/internal/infra/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testQuiz() domain.Quiz {
	return domain.Quiz{
		ID:      "quiz-1",
		OwnerID: "host-1",
		Title:   "General Knowledge",
		Questions: []domain.Question{
			{ID: "q1", Idx: 0, Prompt: "2+2?", Options: []string{"3", "4", "5"}, CorrectIndex: 1, TimeLimitSec: 20},
			{ID: "q2", Idx: 1, Prompt: "Capital of France?", Options: []string{"Paris", "Lyon"}, CorrectIndex: 0, TimeLimitSec: 10},
		},
	}
}

func newTestService(t *testing.T, quiz domain.Quiz) (*app.Service, *memory.Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := memory.NewStore()
	quizzes := memory.NewQuizRepository(
		memory.NewStaticQuizLoader(map[string]domain.Quiz{quiz.ID: quiz}), time.Minute)
	return app.NewServiceWithClock(store, quizzes, clock.Now), store, clock
}

func mustCreate(t *testing.T, svc *app.Service) domain.Session {
	t.Helper()
	session, _, err := svc.CreateSession(context.Background(), "quiz-1", "host-1")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	return session
}

func mustJoin(t *testing.T, svc *app.Service, code, nickname string) domain.Participant {
	t.Helper()
	_, p, err := svc.Join(context.Background(), code, nickname, "", "")
	if err != nil {
		t.Fatalf("join %s failed: %v", nickname, err)
	}
	return p
}

func TestFullGameFlow(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t, testQuiz())

	session := mustCreate(t, svc)
	if session.Status != domain.StatusLobby {
		t.Fatalf("expected lobby, got %s", session.Status)
	}
	if len(session.Code) != 6 {
		t.Fatalf("expected 6-char code, got %q", session.Code)
	}

	alice := mustJoin(t, svc, session.Code, "Alice")
	bob := mustJoin(t, svc, session.Code, "Bob")

	if _, err := svc.StartQuestion(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Alice answers correct after 2s, Bob wrong after 10s.
	clock.Advance(2 * time.Second)
	if _, err := svc.SubmitAnswer(ctx, session.ID, alice.ID, 1); err != nil {
		t.Fatalf("alice submit failed: %v", err)
	}
	clock.Advance(8 * time.Second)
	if _, err := svc.SubmitAnswer(ctx, session.ID, bob.ID, 0); err != nil {
		t.Fatalf("bob submit failed: %v", err)
	}

	updated, err := svc.ShowResults(ctx, session.ID, "host-1")
	if err != nil {
		t.Fatalf("results failed: %v", err)
	}
	if updated.PublicQuestion == nil || updated.PublicQuestion.CorrectIndex == nil {
		t.Fatalf("expected correct index revealed at results")
	}

	// 1000 + round(500 * (1 - 2/20)) = 1450.
	p, err := store.GetParticipant(ctx, alice.ID)
	if err != nil {
		t.Fatalf("get participant: %v", err)
	}
	if p.Score != 1450 {
		t.Fatalf("expected alice score 1450, got %d", p.Score)
	}
	p, _ = store.GetParticipant(ctx, bob.ID)
	if p.Score != 0 {
		t.Fatalf("expected bob score 0, got %d", p.Score)
	}

	if _, err := svc.NextQuestion(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("next failed: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := svc.SubmitAnswer(ctx, session.ID, bob.ID, 0); err != nil {
		t.Fatalf("bob q2 submit failed: %v", err)
	}
	if _, err := svc.ShowResults(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("q2 results failed: %v", err)
	}

	// Past the last question the session ends and the ranking freezes.
	final, err := svc.NextQuestion(ctx, session.ID, "host-1")
	if err != nil {
		t.Fatalf("final next failed: %v", err)
	}
	if final.Status != domain.StatusEnded || final.EndedAt == nil {
		t.Fatalf("expected ended session, got %+v", final)
	}

	results, err := store.ListSessionResults(ctx, session.ID)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 result rows, got %d", len(results))
	}
	// Bob's q2 answer after 1s of a 10s limit is 1000 + 450 = 1450, tying
	// Alice; the stable tiebreak puts Alice first.
	if results[0].Nickname != "Alice" || results[0].Rank != 1 {
		t.Fatalf("expected Alice first, got %+v", results[0])
	}
	if results[1].Nickname != "Bob" || results[1].Score != 1450 {
		t.Fatalf("expected Bob with 1450, got %+v", results[1])
	}
}

func TestDuplicateAnswerRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, testQuiz())

	session := mustCreate(t, svc)
	p := mustJoin(t, svc, session.Code, "Alice")
	if _, err := svc.StartQuestion(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if _, err := svc.SubmitAnswer(ctx, session.ID, p.ID, 1); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	if _, err := svc.SubmitAnswer(ctx, session.ID, p.ID, 2); !errors.Is(err, domain.ErrDuplicateAnswer) {
		t.Fatalf("expected duplicate answer error, got %v", err)
	}
}

func TestRegradeAfterReopenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t, testQuiz())

	session := mustCreate(t, svc)
	p := mustJoin(t, svc, session.Code, "Alice")
	if _, err := svc.StartQuestion(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	clock.Advance(4 * time.Second)
	if _, err := svc.SubmitAnswer(ctx, session.ID, p.ID, 1); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if _, err := svc.ShowResults(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("results failed: %v", err)
	}
	first, _ := store.GetParticipant(ctx, p.ID)
	if first.Score <= 0 {
		t.Fatalf("expected positive score, got %d", first.Score)
	}

	reopened, err := svc.ReopenQuestion(ctx, session.ID, "host-1")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.PublicQuestion.CorrectIndex != nil {
		t.Fatalf("expected correct index hidden again after reopen")
	}

	if _, err := svc.ShowResults(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("second results failed: %v", err)
	}
	second, _ := store.GetParticipant(ctx, p.ID)
	if second.Score != first.Score {
		t.Fatalf("regrade changed score: %d -> %d", first.Score, second.Score)
	}
}

func TestPauseLocksAndExcludesTime(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t, testQuiz())

	session := mustCreate(t, svc)
	p := mustJoin(t, svc, session.Code, "Alice")
	if _, err := svc.StartQuestion(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	clock.Advance(3 * time.Second)
	if _, err := svc.Pause(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if _, err := svc.SubmitAnswer(ctx, session.ID, p.ID, 1); !errors.Is(err, domain.ErrAnswersLocked) {
		t.Fatalf("expected answers locked while paused, got %v", err)
	}

	clock.Advance(30 * time.Second)
	if _, err := svc.Resume(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, err := svc.SubmitAnswer(ctx, session.ID, p.ID, 1); err != nil {
		t.Fatalf("submit after resume failed: %v", err)
	}
	if _, err := svc.ShowResults(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("results failed: %v", err)
	}

	// Active time was 5s of a 20s limit: 1000 + round(500 * 0.75) = 1375.
	// The 30s pause does not count against the participant.
	got, _ := store.GetParticipant(ctx, p.ID)
	if got.Score != 1375 {
		t.Fatalf("expected pause-adjusted score 1375, got %d", got.Score)
	}
}

func TestStartRequiresParticipants(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, testQuiz())

	session := mustCreate(t, svc)
	if _, err := svc.StartQuestion(ctx, session.ID, "host-1"); !errors.Is(err, domain.ErrNoParticipants) {
		t.Fatalf("expected no participants error, got %v", err)
	}
}

func TestEndedSessionRejectsEverything(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, testQuiz())

	session := mustCreate(t, svc)
	mustJoin(t, svc, session.Code, "Alice")
	if _, err := svc.EndSession(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("end failed: %v", err)
	}

	if _, err := svc.StartQuestion(ctx, session.ID, "host-1"); !errors.Is(err, domain.ErrSessionEnded) {
		t.Fatalf("expected ended error on start, got %v", err)
	}
	// Ending again is idempotent, not an error.
	if ended, err := svc.EndSession(ctx, session.ID, "host-1"); err != nil || ended.Status != domain.StatusEnded {
		t.Fatalf("expected idempotent end, got %+v err=%v", ended, err)
	}
	if _, err := svc.EndSession(ctx, session.ID, "impostor"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized end, got %v", err)
	}
	if _, _, err := svc.Join(ctx, session.Code, "Late", "", ""); !errors.Is(err, domain.ErrSessionEnded) {
		t.Fatalf("expected ended error on join, got %v", err)
	}
}

func TestNicknameCollisionAndTokenRejoin(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, testQuiz())

	session := mustCreate(t, svc)
	alice := mustJoin(t, svc, session.Code, "Alice")

	if _, _, err := svc.Join(ctx, session.Code, "alice", "", ""); !errors.Is(err, domain.ErrNicknameTaken) {
		t.Fatalf("expected nickname taken (case-insensitive), got %v", err)
	}

	_, rejoined, err := svc.Join(ctx, session.Code, "Alice", "", alice.ID)
	if err != nil {
		t.Fatalf("token rejoin failed: %v", err)
	}
	if rejoined.ID != alice.ID {
		t.Fatalf("expected same participant on rejoin, got %s", rejoined.ID)
	}
}

func TestTeamCapacity(t *testing.T) {
	ctx := context.Background()
	quiz := testQuiz()
	quiz.TeamsConfig = []domain.TeamTemplate{{Name: "Red", Color: "#f00"}, {Name: "Blue", Color: "#00f"}}
	quiz.TeamMaxMembers = 1
	svc, _, _ := newTestService(t, quiz)

	session, teams, err := svc.CreateSession(ctx, "quiz-1", "host-1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(teams) != 2 {
		t.Fatalf("expected 2 teams, got %d", len(teams))
	}

	if _, _, err := svc.Join(ctx, session.Code, "Alice", "", ""); !errors.Is(err, domain.ErrTeamRequired) {
		t.Fatalf("expected team required, got %v", err)
	}
	if _, _, err := svc.Join(ctx, session.Code, "Alice", teams[0].ID, ""); err != nil {
		t.Fatalf("join team failed: %v", err)
	}
	if _, _, err := svc.Join(ctx, session.Code, "Bob", teams[0].ID, ""); !errors.Is(err, domain.ErrTeamFull) {
		t.Fatalf("expected team full, got %v", err)
	}
	if _, _, err := svc.Join(ctx, session.Code, "Bob", teams[1].ID, ""); err != nil {
		t.Fatalf("join other team failed: %v", err)
	}
}

func TestLateJoinDuringQuestion(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t, testQuiz())

	session := mustCreate(t, svc)
	mustJoin(t, svc, session.Code, "Alice")
	if _, err := svc.StartQuestion(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	clock.Advance(5 * time.Second)
	late := mustJoin(t, svc, session.Code, "Late")
	if _, err := svc.SubmitAnswer(ctx, session.ID, late.ID, 1); err != nil {
		t.Fatalf("late submit failed: %v", err)
	}
}

func TestAutoAdvanceClamped(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, testQuiz())

	session := mustCreate(t, svc)
	if session.AutoAdvanceSec != 5 {
		t.Fatalf("expected default auto-advance 5, got %d", session.AutoAdvanceSec)
	}

	updated, err := svc.SetAutoAdvance(ctx, session.ID, "host-1", 99)
	if err != nil {
		t.Fatalf("set auto-advance failed: %v", err)
	}
	if updated.AutoAdvanceSec != 30 {
		t.Fatalf("expected clamp to 30, got %d", updated.AutoAdvanceSec)
	}
	updated, _ = svc.SetAutoAdvance(ctx, session.ID, "host-1", -3)
	if updated.AutoAdvanceSec != 0 {
		t.Fatalf("expected clamp to 0, got %d", updated.AutoAdvanceSec)
	}
}

func TestHostCommandsRequireOwnership(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, testQuiz())

	session := mustCreate(t, svc)
	mustJoin(t, svc, session.Code, "Alice")
	if _, err := svc.StartQuestion(ctx, session.ID, "not-the-host"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	if _, _, err := svc.CreateSession(ctx, "quiz-1", "someone-else"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized create, got %v", err)
	}
}

func TestCorrectIndexHiddenDuringQuestion(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, testQuiz())

	session := mustCreate(t, svc)
	mustJoin(t, svc, session.Code, "Alice")
	started, err := svc.StartQuestion(ctx, session.ID, "host-1")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if started.PublicQuestion == nil {
		t.Fatalf("expected public question snapshot")
	}
	if started.PublicQuestion.CorrectIndex != nil {
		t.Fatalf("correct index must stay hidden during the question")
	}
	if started.PublicQuestion.QuestionID != "q1" {
		t.Fatalf("unexpected snapshot question: %s", started.PublicQuestion.QuestionID)
	}
}

func TestSubmitValidatesOptionRange(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, testQuiz())

	session := mustCreate(t, svc)
	p := mustJoin(t, svc, session.Code, "Alice")
	if _, err := svc.SubmitAnswer(ctx, session.ID, p.ID, 0); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected rejection before question starts, got %v", err)
	}

	if _, err := svc.StartQuestion(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := svc.SubmitAnswer(ctx, session.ID, p.ID, 3); !errors.Is(err, domain.ErrInvalidOption) {
		t.Fatalf("expected invalid option, got %v", err)
	}
	if _, err := svc.SubmitAnswer(ctx, session.ID, p.ID, -1); !errors.Is(err, domain.ErrInvalidOption) {
		t.Fatalf("expected invalid option, got %v", err)
	}
}

// flakyResultsStore fails the first results insert to simulate a store
// outage between the ended flip and the ranking freeze.
type flakyResultsStore struct {
	*memory.Store
	failures int
}

func (s *flakyResultsStore) InsertSessionResults(ctx context.Context, rows []domain.SessionResult) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("store unavailable")
	}
	return s.Store.InsertSessionResults(ctx, rows)
}

func TestEndSessionRetriesResultsFreeze(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := &flakyResultsStore{Store: memory.NewStore(), failures: 1}
	quizzes := memory.NewQuizRepository(
		memory.NewStaticQuizLoader(map[string]domain.Quiz{"quiz-1": testQuiz()}), time.Minute)
	svc := app.NewServiceWithClock(store, quizzes, clock.Now)

	session := mustCreate(t, svc)
	mustJoin(t, svc, session.Code, "Alice")
	mustJoin(t, svc, session.Code, "Bob")

	// The first end flips the status but the ranking freeze fails.
	if _, err := svc.EndSession(ctx, session.ID, "host-1"); err == nil {
		t.Fatalf("expected freeze failure")
	}
	current, err := svc.Session(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if current.Status != domain.StatusEnded {
		t.Fatalf("expected ended after winning the flip, got %s", current.Status)
	}
	if rows, _ := store.ListSessionResults(ctx, session.ID); len(rows) != 0 {
		t.Fatalf("expected no results after the failed freeze, got %d", len(rows))
	}

	// Retrying re-runs the freeze on the already-ended session.
	if _, err := svc.EndSession(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	rows, err := store.ListSessionResults(ctx, session.ID)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(rows) != 2 || rows[0].Rank != 1 {
		t.Fatalf("expected frozen ranking after retry, got %+v", rows)
	}

	// A further retry leaves the frozen ranking alone.
	if _, err := svc.EndSession(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("idempotent retry failed: %v", err)
	}
	if rows, _ := store.ListSessionResults(ctx, session.ID); len(rows) != 2 {
		t.Fatalf("expected two rows after idempotent retry, got %d", len(rows))
	}
}
