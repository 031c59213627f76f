package server

import (
	"log/slog"
	"sync"
	"time"
)

// Scheduler holds at most one pending deletion timer per session. A timer is
// armed when a session reaches zero members and disarmed by any join before
// it fires. The Scheduler does not re-validate on fire; the Router's
// deletion op re-checks occupancy, since a join can slip in between the fire
// and its turn on the event loop.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	grace  time.Duration
	fire   func(sessionID string)
	logger *slog.Logger
}

// NewScheduler creates a Scheduler that calls fire with the session ID after
// grace elapses without a disarm. fire runs on the timer's goroutine; the
// Router routes it back onto its event loop.
func NewScheduler(grace time.Duration, fire func(sessionID string), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		grace:  grace,
		fire:   fire,
		logger: logger.With("component", "cleanup"),
	}
}

// Arm schedules deletion of sessionID after the grace period. A pre-existing
// timer for the same session is cancelled and replaced, never duplicated.
func (s *Scheduler) Arm(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[sessionID]; ok {
		t.Stop()
	}
	s.timers[sessionID] = time.AfterFunc(s.grace, func() {
		s.mu.Lock()
		delete(s.timers, sessionID)
		s.mu.Unlock()
		s.fire(sessionID)
	})
	s.logger.Info("cleanup armed", "session_id", sessionID, "grace", s.grace)
}

// Disarm cancels a pending timer for sessionID if one exists and reports
// whether a timer was cancelled.
func (s *Scheduler) Disarm(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[sessionID]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, sessionID)
	s.logger.Info("cleanup disarmed", "session_id", sessionID)
	return true
}

// Armed reports whether a timer is pending for sessionID.
func (s *Scheduler) Armed(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[sessionID]
	return ok
}

// Stop cancels all pending timers. Used at shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
