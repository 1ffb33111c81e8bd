package app_test

import (
	"context"
	"testing"
	"time"

	"livequiz-service/internal/app"
	"livequiz-service/internal/domain"
)

func TestHostViewAnswerStats(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t, testQuiz())

	session := mustCreate(t, svc)
	alice := mustJoin(t, svc, session.Code, "Alice")
	bob := mustJoin(t, svc, session.Code, "Bob")
	carol := mustJoin(t, svc, session.Code, "Carol")
	if _, err := svc.StartQuestion(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	clock.Advance(2 * time.Second)
	if _, err := svc.SubmitAnswer(ctx, session.ID, alice.ID, 1); err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, err := svc.SubmitAnswer(ctx, session.ID, bob.ID, 1); err != nil {
		t.Fatalf("bob submit: %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, err := svc.SubmitAnswer(ctx, session.ID, carol.ID, 0); err != nil {
		t.Fatalf("carol submit: %v", err)
	}

	view, err := app.NewProjector(svc, store).HostView(ctx, session.ID)
	if err != nil {
		t.Fatalf("host view failed: %v", err)
	}
	if view.QuestionCount != 2 {
		t.Fatalf("expected 2 questions, got %d", view.QuestionCount)
	}
	if view.TotalAnswers != 3 {
		t.Fatalf("expected 3 answers, got %d", view.TotalAnswers)
	}
	if len(view.AnswerCounts) != 3 || view.AnswerCounts[0] != 1 || view.AnswerCounts[1] != 2 {
		t.Fatalf("unexpected answer distribution: %v", view.AnswerCounts)
	}
	// Latencies 2s, 4s, 6s -> average 4s.
	if view.AvgResponseMs == nil || *view.AvgResponseMs != 4000 {
		t.Fatalf("expected avg 4000ms, got %v", view.AvgResponseMs)
	}
	// 6s of the 20s limit elapsed.
	if view.RemainingMs != 14000 {
		t.Fatalf("expected 14000ms remaining, got %d", view.RemainingMs)
	}
	if len(view.Leaderboard) != 3 {
		t.Fatalf("expected 3 leaderboard rows, got %d", len(view.Leaderboard))
	}
}

func TestPlayerViewLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t, testQuiz())

	session := mustCreate(t, svc)
	alice := mustJoin(t, svc, session.Code, "Alice")
	mustJoin(t, svc, session.Code, "Bob")

	projector := app.NewProjector(svc, store)

	view, err := projector.PlayerView(ctx, session.ID, alice.ID)
	if err != nil {
		t.Fatalf("lobby view failed: %v", err)
	}
	if view.Status != domain.StatusLobby || len(view.Lobby) != 2 {
		t.Fatalf("expected lobby roster of 2, got %+v", view)
	}

	if _, err := svc.StartQuestion(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	view, err = projector.PlayerView(ctx, session.ID, alice.ID)
	if err != nil {
		t.Fatalf("question view failed: %v", err)
	}
	if view.PublicQuestion == nil || view.PublicQuestion.CorrectIndex != nil {
		t.Fatalf("player must see the question without the answer: %+v", view.PublicQuestion)
	}
	if view.Answered {
		t.Fatalf("expected answered=false before submitting")
	}

	clock.Advance(time.Second)
	if _, err := svc.SubmitAnswer(ctx, session.ID, alice.ID, 1); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	view, _ = projector.PlayerView(ctx, session.ID, alice.ID)
	if !view.Answered {
		t.Fatalf("expected answered=true after submitting")
	}

	if _, err := svc.ShowResults(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("results failed: %v", err)
	}
	view, _ = projector.PlayerView(ctx, session.ID, alice.ID)
	if view.Status != domain.StatusResults {
		t.Fatalf("expected results status, got %s", view.Status)
	}
	if view.PublicQuestion.CorrectIndex == nil {
		t.Fatalf("expected correct index revealed at results")
	}
	if len(view.Leaderboard) == 0 || view.You.ParticipantID != alice.ID || view.You.Score <= 0 {
		t.Fatalf("expected alice on the leaderboard, got %+v", view)
	}
}

func TestPlayerViewRankDeltas(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t, testQuiz())

	session := mustCreate(t, svc)
	alice := mustJoin(t, svc, session.Code, "Alice")
	bob := mustJoin(t, svc, session.Code, "Bob")
	if _, err := svc.StartQuestion(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	projector := app.NewProjector(svc, store)
	// First refresh: Alice rank 1 by join order, no history yet.
	view, err := projector.PlayerView(ctx, session.ID, bob.ID)
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	if view.You.Rank != 2 || view.You.Delta != 0 {
		t.Fatalf("expected bob rank 2 delta 0, got %+v", view.You)
	}

	// Bob alone answers correct; after grading he overtakes Alice.
	clock.Advance(time.Second)
	if _, err := svc.SubmitAnswer(ctx, session.ID, bob.ID, 1); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := svc.ShowResults(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("results failed: %v", err)
	}

	view, err = projector.PlayerView(ctx, session.ID, bob.ID)
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	if view.You.Rank != 1 || view.You.Delta != 1 {
		t.Fatalf("expected bob to move up one rank, got %+v", view.You)
	}
	for _, row := range view.Leaderboard {
		if row.ParticipantID == alice.ID && row.Delta != -1 {
			t.Fatalf("expected alice delta -1, got %+v", row)
		}
	}
}

func TestHostViewFinalResults(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, testQuiz())

	session := mustCreate(t, svc)
	mustJoin(t, svc, session.Code, "Alice")
	if _, err := svc.EndSession(ctx, session.ID, "host-1"); err != nil {
		t.Fatalf("end failed: %v", err)
	}

	view, err := app.NewProjector(svc, store).HostView(ctx, session.ID)
	if err != nil {
		t.Fatalf("host view failed: %v", err)
	}
	if view.Session.Status != domain.StatusEnded {
		t.Fatalf("expected ended status, got %s", view.Session.Status)
	}
	if len(view.FinalResults) != 1 || view.FinalResults[0].Nickname != "Alice" {
		t.Fatalf("expected frozen final results, got %+v", view.FinalResults)
	}
}
