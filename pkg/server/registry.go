package server

import (
	"log/slog"
	"time"

	"github.com/openboard-dev/openboard/pkg/protocol"
)

// Member is one (username, connection) occupant of a session. Uniqueness is
// enforced on the pair, not the username, so the same name under two
// connections appears twice in the roster.
type Member struct {
	Username string
	ConnID   string
}

// Session is the in-memory state of one whiteboard room.
type Session struct {
	ID        string
	CreatedAt time.Time

	// History is the ordered stroke sequence, replayed in full to every
	// new joiner. Append-only except for the clear event, which replaces
	// it with an empty sequence.
	History []protocol.Stroke

	// Members is the roster in insertion order of first join.
	Members []Member

	// ActivityLog is the append-only join/leave/clear narrative,
	// rebroadcast in full on every append.
	ActivityLog []protocol.LogEntry
}

// AddMember appends a (username, connID) pair unless the identical pair is
// already present.
func (s *Session) AddMember(username, connID string) {
	for _, m := range s.Members {
		if m.Username == username && m.ConnID == connID {
			return
		}
	}
	s.Members = append(s.Members, Member{Username: username, ConnID: connID})
}

// RemoveConn drops every membership entry held by connID and reports whether
// the roster is now empty.
func (s *Session) RemoveConn(connID string) bool {
	kept := s.Members[:0]
	for _, m := range s.Members {
		if m.ConnID != connID {
			kept = append(kept, m)
		}
	}
	s.Members = kept
	return len(s.Members) == 0
}

// Usernames returns the roster names in insertion order. Duplicate usernames
// under distinct connections appear once per connection.
func (s *Session) Usernames() []string {
	names := make([]string, len(s.Members))
	for i, m := range s.Members {
		names[i] = m.Username
	}
	return names
}

// AppendLog appends an activity log entry stamped with the current time and
// returns the updated log.
func (s *Session) AppendLog(message string) []protocol.LogEntry {
	s.ActivityLog = append(s.ActivityLog, protocol.LogEntry{
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	return s.ActivityLog
}

// Registry owns the session map. It is mutated only on the router's event
// loop, so it needs no lock.
type Registry struct {
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "registry"),
	}
}

// Ensure returns the session for id, creating it with empty state on first
// sight. It never fails.
func (r *Registry) Ensure(id string) *Session {
	if sess, ok := r.sessions[id]; ok {
		return sess
	}
	sess := &Session{ID: id, CreatedAt: time.Now()}
	r.sessions[id] = sess
	r.logger.Info("session created", "session_id", id, "active_sessions", len(r.sessions))
	return sess
}

// Get returns the session for id, or false if it does not exist. Absence is
// not an error; draw and clear events for absent sessions are no-ops.
func (r *Registry) Get(id string) (*Session, bool) {
	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove deletes all state for id unconditionally. The cleanup scheduler is
// responsible for only firing when membership is zero.
func (r *Registry) Remove(id string) {
	delete(r.sessions, id)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	return len(r.sessions)
}
