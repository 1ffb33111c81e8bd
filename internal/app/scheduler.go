package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"livequiz-service/internal/domain"
)

const schedulerOpTimeout = 5 * time.Second

type timerAction int

const (
	actionNone timerAction = iota
	actionCloseQuestion
	actionAdvance
)

// Scheduler owns the two auto-timers of a live session: question expiry
// (question -> results when the clock runs out) and auto-advance
// (results -> next question after the configured delay).
//
// Each armed timer carries a fingerprint of the fields that justify it.
// On every session change the desired (deadline, fingerprint) pair is
// recomputed; a standing timer survives only if its fingerprint still
// matches, and a firing timer re-reads state and declines when the world
// has moved on. That one reconciliation rule replaces ad hoc cancel/re-arm
// chains and makes stale timers (a pre-pause expiry, a timer for an ended
// session) harmless.
type Scheduler struct {
	svc   *Service
	store Store
	now   Clock

	mu      sync.Mutex
	tracked map[string]*trackedSession
}

type trackedSession struct {
	refs        int
	cancelSub   func()
	done        chan struct{}
	timer       *time.Timer
	fingerprint string
}

func NewScheduler(svc *Service, store Store) *Scheduler {
	return &Scheduler{
		svc:     svc,
		store:   store,
		now:     svc.now,
		tracked: make(map[string]*trackedSession),
	}
}

// Track starts timer reconciliation for a session. Calls are refcounted;
// a second host tab shares the same watcher.
func (s *Scheduler) Track(sessionID string) {
	s.mu.Lock()
	if t, ok := s.tracked[sessionID]; ok {
		t.refs++
		s.mu.Unlock()
		return
	}
	events, cancel := s.store.Subscribe(sessionID)
	t := &trackedSession{refs: 1, cancelSub: cancel, done: make(chan struct{})}
	s.tracked[sessionID] = t
	s.mu.Unlock()

	go s.watch(sessionID, events, t.done)
	s.reconcile(sessionID)
}

// Untrack drops one reference; the watcher and any armed timer stop when
// the last reference goes.
func (s *Scheduler) Untrack(sessionID string) {
	s.mu.Lock()
	t, ok := s.tracked[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	t.refs--
	if t.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.tracked, sessionID)
	if t.timer != nil {
		t.timer.Stop()
	}
	close(t.done)
	s.mu.Unlock()
	t.cancelSub()
}

func (s *Scheduler) watch(sessionID string, events <-chan domain.Event, done chan struct{}) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Kind == domain.EventSession {
				s.reconcile(sessionID)
			}
		case <-done:
			return
		}
	}
}

// reconcile recomputes the desired timer for a session and re-arms only
// when the governing fingerprint changed.
func (s *Scheduler) reconcile(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), schedulerOpTimeout)
	defer cancel()

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	fingerprint, wait, action := s.plan(session)

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracked[sessionID]
	if !ok {
		return
	}
	if t.fingerprint == fingerprint {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.fingerprint = fingerprint
	if action == actionNone {
		return
	}
	t.timer = time.AfterFunc(wait, func() {
		s.fire(sessionID, fingerprint, action)
	})
}

// plan derives (fingerprint, wait, action) from the session's governing
// fields. The expiry timer runs only while the question clock does: not
// locked, not paused. The advance timer runs only in results with a
// positive auto-advance.
func (s *Scheduler) plan(session domain.Session) (string, time.Duration, timerAction) {
	fingerprint := sessionFingerprint(session)

	switch session.Status {
	case domain.StatusQuestion:
		if session.Locked || session.PausedAt != nil || session.QuestionStartedAt == nil || session.PublicQuestion == nil {
			return fingerprint, 0, actionNone
		}
		remaining := domain.RemainingMs(session, session.PublicQuestion.TimeLimitSec, s.now())
		return fingerprint, time.Duration(remaining) * time.Millisecond, actionCloseQuestion
	case domain.StatusResults:
		if session.AutoAdvanceSec <= 0 {
			return fingerprint, 0, actionNone
		}
		return fingerprint, time.Duration(session.AutoAdvanceSec) * time.Second, actionAdvance
	default:
		return fingerprint, 0, actionNone
	}
}

// fire executes a due timer, but only after confirming against freshly
// read state that the conditions which armed it still hold.
func (s *Scheduler) fire(sessionID, armedFingerprint string, action timerAction) {
	ctx, cancel := context.WithTimeout(context.Background(), schedulerOpTimeout)
	defer cancel()

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	currentFingerprint, _, currentAction := s.plan(session)
	if currentFingerprint != armedFingerprint || currentAction != action {
		// State moved on since arming; the reconcile triggered by that
		// change owns the replacement timer.
		return
	}

	switch action {
	case actionCloseQuestion:
		_, err = s.svc.ShowResults(ctx, sessionID, session.HostID)
	case actionAdvance:
		_, err = s.svc.NextQuestion(ctx, sessionID, session.HostID)
	}
	if err != nil && !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, domain.ErrSessionEnded) {
		log.Printf("scheduler: session %s action failed: %v", sessionID, err)
	}
}

func sessionFingerprint(s domain.Session) string {
	var startedAt, pausedAt int64
	if s.QuestionStartedAt != nil {
		startedAt = s.QuestionStartedAt.UnixMilli()
	}
	if s.PausedAt != nil {
		pausedAt = s.PausedAt.UnixMilli()
	}
	return fmt.Sprintf("%s|%d|%d|%d|%d|%t|%d",
		s.Status, s.CurrentQuestionIdx, startedAt, pausedAt,
		s.PauseAccumulatedMs, s.Locked, s.AutoAdvanceSec)
}
