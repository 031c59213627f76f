package server

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openboard-dev/openboard/pkg/protocol"
)

// emission is one recorded transport call.
type emission struct {
	kind    string // "join", "emit", "broadcast", "except"
	target  string // connection ID for emit, group for the rest
	except  string
	event   string
	payload any
}

// fakeTransport records every transport call for assertions.
type fakeTransport struct {
	mu        sync.Mutex
	emissions []emission
}

func (f *fakeTransport) JoinGroup(group, connID string) {
	f.record(emission{kind: "join", target: group, except: connID})
}

func (f *fakeTransport) Emit(connID, event string, payload any) {
	f.record(emission{kind: "emit", target: connID, event: event, payload: payload})
}

func (f *fakeTransport) Broadcast(group, event string, payload any) {
	f.record(emission{kind: "broadcast", target: group, event: event, payload: payload})
}

func (f *fakeTransport) BroadcastExcept(group, exceptConnID, event string, payload any) {
	f.record(emission{kind: "except", target: group, except: exceptConnID, event: event, payload: payload})
}

func (f *fakeTransport) record(e emission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emissions = append(f.emissions, e)
}

func (f *fakeTransport) all() []emission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]emission, len(f.emissions))
	copy(out, f.emissions)
	return out
}

func (f *fakeTransport) byEvent(event string) []emission {
	var out []emission
	for _, e := range f.all() {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emissions = nil
}

func newTestRouter(t *testing.T, grace time.Duration) (*Router, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	r := NewRouter(ft, &Config{GracePeriod: grace}, nil, testLogger())
	t.Cleanup(r.Stop)
	return r, ft
}

func join(r *Router, connID, sessionID, username string) {
	r.HandleJoin(connID, protocol.JoinRequest{SessionID: sessionID, Username: username}, nil)
	r.barrier()
}

func TestJoinFirstMember(t *testing.T) {
	r, ft := newTestRouter(t, time.Hour)

	var acks []protocol.JoinAck
	r.HandleJoin("c1", protocol.JoinRequest{SessionID: "room1", Username: "alice"},
		func(a protocol.JoinAck) { acks = append(acks, a) })
	r.barrier()

	if len(acks) != 1 || !acks[0].Success {
		t.Fatalf("acks = %+v, want one success", acks)
	}

	sess, ok := r.registry.Get("room1")
	if !ok {
		t.Fatal("session should exist after join")
	}
	if len(sess.Members) != 1 || sess.Members[0].Username != "alice" {
		t.Errorf("Members = %+v", sess.Members)
	}
	if b, ok := r.index.Lookup("c1"); !ok || b.SessionID != "room1" || b.Username != "alice" {
		t.Errorf("binding = %+v, ok = %v", b, ok)
	}

	// The joiner gets the pre-join snapshots directly.
	logs := ft.byEvent(protocol.EventActivityLog)
	if len(logs) != 2 {
		t.Fatalf("activity-log emissions = %d, want 2 (snapshot + join entry)", len(logs))
	}
	if logs[0].kind != "emit" || logs[0].target != "c1" {
		t.Errorf("log snapshot = %+v, want emit to c1", logs[0])
	}
	if got := logs[0].payload.([]protocol.LogEntry); len(got) != 0 {
		t.Errorf("log snapshot has %d entries, want 0", len(got))
	}
	if logs[1].kind != "broadcast" || logs[1].target != "room1" {
		t.Errorf("join log entry = %+v, want broadcast to room1", logs[1])
	}
	if got := logs[1].payload.([]protocol.LogEntry); len(got) != 1 || got[0].Message != "alice joined the session" {
		t.Errorf("join log = %+v", got)
	}

	canvas := ft.byEvent(protocol.EventInitCanvas)
	if len(canvas) != 1 || canvas[0].kind != "emit" || canvas[0].target != "c1" {
		t.Fatalf("init-canvas = %+v", canvas)
	}
	if got := canvas[0].payload.([]protocol.Stroke); len(got) != 0 {
		t.Errorf("init-canvas has %d strokes, want 0", len(got))
	}

	users := ft.byEvent(protocol.EventSessionUsers)
	if len(users) != 1 || users[0].kind != "broadcast" {
		t.Fatalf("session-users = %+v", users)
	}
	if got := users[0].payload.([]string); len(got) != 1 || got[0] != "alice" {
		t.Errorf("roster = %v, want [alice]", got)
	}

	joined := ft.byEvent(protocol.EventUserJoined)
	if len(joined) != 1 || joined[0].payload.(protocol.UserEvent).Username != "alice" {
		t.Errorf("user-joined = %+v", joined)
	}
}

func TestJoinSecondMemberRosterOrder(t *testing.T) {
	r, ft := newTestRouter(t, time.Hour)

	join(r, "c1", "room1", "alice")
	ft.reset()
	join(r, "c2", "room1", "bob")

	users := ft.byEvent(protocol.EventSessionUsers)
	if len(users) != 1 {
		t.Fatalf("session-users emissions = %d, want 1", len(users))
	}
	got := users[0].payload.([]string)
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Errorf("roster = %v, want [alice bob]", got)
	}
}

func TestJoinInvalid(t *testing.T) {
	r, ft := newTestRouter(t, time.Hour)

	join(r, "c1", "", "alice")
	join(r, "c1", "room1", "")

	errs := ft.byEvent(protocol.EventErrorMessage)
	if len(errs) != 2 {
		t.Fatalf("error-message emissions = %d, want 2", len(errs))
	}
	for _, e := range errs {
		if e.kind != "emit" || e.target != "c1" {
			t.Errorf("error should go to the caller only, got %+v", e)
		}
		if e.payload.(string) != "Invalid session or username" {
			t.Errorf("payload = %v", e.payload)
		}
	}

	if r.registry.Count() != 0 {
		t.Error("malformed join must not create a session")
	}
	if _, ok := r.index.Lookup("c1"); ok {
		t.Error("malformed join must not bind the connection")
	}
	if len(ft.byEvent(protocol.EventUserJoined)) != 0 {
		t.Error("malformed join must not notify the group")
	}
}

func TestJoinDuplicateUsernameTwoConnections(t *testing.T) {
	r, ft := newTestRouter(t, time.Hour)

	join(r, "c1", "room1", "alice")
	ft.reset()
	join(r, "c2", "room1", "alice")

	users := ft.byEvent(protocol.EventSessionUsers)
	got := users[len(users)-1].payload.([]string)
	if len(got) != 2 || got[0] != "alice" || got[1] != "alice" {
		t.Errorf("roster = %v, want [alice alice]", got)
	}
}

func TestRejoinSameConnectionNoDuplicate(t *testing.T) {
	r, _ := newTestRouter(t, time.Hour)

	join(r, "c1", "room1", "alice")
	join(r, "c1", "room1", "alice")

	sess, _ := r.registry.Get("room1")
	if len(sess.Members) != 1 {
		t.Errorf("len(Members) = %d, want 1", len(sess.Members))
	}
}

func TestDrawAppendsAndRelays(t *testing.T) {
	r, ft := newTestRouter(t, time.Hour)

	join(r, "c1", "room1", "alice")
	join(r, "c2", "room1", "bob")
	ft.reset()

	stroke := protocol.Stroke{X0Norm: 0.1, Y0Norm: 0.2, X1Norm: 0.3, Y1Norm: 0.4, Username: "alice", Color: "#ff0000"}
	r.HandleDraw("c1", protocol.DrawRequest{SessionID: "room1", Stroke: stroke})
	r.barrier()

	sess, _ := r.registry.Get("room1")
	if len(sess.History) != 1 || sess.History[0] != stroke {
		t.Errorf("History = %+v", sess.History)
	}

	relays := ft.byEvent(protocol.EventDraw)
	if len(relays) != 1 {
		t.Fatalf("draw emissions = %d, want 1", len(relays))
	}
	e := relays[0]
	if e.kind != "except" || e.target != "room1" || e.except != "c1" {
		t.Errorf("draw relay = %+v, want group minus sender", e)
	}
	if e.payload.(protocol.Stroke) != stroke {
		t.Errorf("relayed stroke = %+v, want %+v", e.payload, stroke)
	}
}

func TestDrawAbsentSessionDropped(t *testing.T) {
	r, ft := newTestRouter(t, time.Hour)

	r.HandleDraw("c1", protocol.DrawRequest{SessionID: "ghost"})
	r.HandleDraw("c1", protocol.DrawRequest{})
	r.barrier()

	if len(ft.all()) != 0 {
		t.Errorf("emissions = %+v, want none", ft.all())
	}
}

func TestClearEmptiesHistoryKeepsLog(t *testing.T) {
	r, ft := newTestRouter(t, time.Hour)

	join(r, "c1", "room1", "alice")
	r.HandleDraw("c1", protocol.DrawRequest{SessionID: "room1", Stroke: protocol.Stroke{Username: "alice"}})
	r.barrier()

	sess, _ := r.registry.Get("room1")
	logBefore := len(sess.ActivityLog)
	ft.reset()

	r.HandleClear("c1", "room1")
	r.barrier()

	if len(sess.History) != 0 {
		t.Errorf("History has %d strokes after clear, want 0", len(sess.History))
	}
	if len(sess.ActivityLog) != logBefore+1 {
		t.Errorf("ActivityLog grew by %d, want 1", len(sess.ActivityLog)-logBefore)
	}
	if got := sess.ActivityLog[len(sess.ActivityLog)-1].Message; got != "alice cleared the canvas" {
		t.Errorf("log message = %q", got)
	}

	clears := ft.byEvent(protocol.EventClear)
	if len(clears) != 1 {
		t.Fatalf("clear emissions = %d, want 1", len(clears))
	}
	// The whole group hears the clear, sender included.
	if clears[0].kind != "broadcast" || clears[0].target != "room1" {
		t.Errorf("clear = %+v, want broadcast to room1", clears[0])
	}
	if clears[0].payload != nil {
		t.Errorf("clear payload = %v, want nil", clears[0].payload)
	}
}

func TestClearUnknownActor(t *testing.T) {
	r, _ := newTestRouter(t, time.Hour)

	join(r, "c1", "room1", "alice")

	// c9 never joined; the log entry still lands, attributed to Unknown.
	r.HandleClear("c9", "room1")
	r.barrier()

	sess, _ := r.registry.Get("room1")
	if got := sess.ActivityLog[len(sess.ActivityLog)-1].Message; got != "Unknown cleared the canvas" {
		t.Errorf("log message = %q", got)
	}
}

func TestClearAbsentSessionDropped(t *testing.T) {
	r, ft := newTestRouter(t, time.Hour)

	r.HandleClear("c1", "ghost")
	r.HandleClear("c1", "")
	r.barrier()

	if len(ft.all()) != 0 {
		t.Errorf("emissions = %+v, want none", ft.all())
	}
}

func TestDisconnectNotifiesRemaining(t *testing.T) {
	r, ft := newTestRouter(t, time.Hour)

	join(r, "c1", "room1", "alice")
	join(r, "c2", "room1", "bob")
	ft.reset()

	r.HandleDisconnect("c1")
	r.barrier()

	left := ft.byEvent(protocol.EventUserLeft)
	if len(left) != 1 || left[0].payload.(protocol.UserEvent).Username != "alice" {
		t.Fatalf("user-left = %+v", left)
	}
	users := ft.byEvent(protocol.EventSessionUsers)
	if len(users) != 1 {
		t.Fatalf("session-users emissions = %d, want 1", len(users))
	}
	if got := users[0].payload.([]string); len(got) != 1 || got[0] != "bob" {
		t.Errorf("roster = %v, want [bob]", got)
	}

	sess, _ := r.registry.Get("room1")
	if got := sess.ActivityLog[len(sess.ActivityLog)-1].Message; got != "alice left the session" {
		t.Errorf("log message = %q", got)
	}
	if _, ok := r.index.Lookup("c1"); ok {
		t.Error("binding should be gone after disconnect")
	}
	if r.cleanup.Armed("room1") {
		t.Error("cleanup must not be armed while members remain")
	}
}

func TestDisconnectLastMemberArmsCleanup(t *testing.T) {
	r, ft := newTestRouter(t, time.Hour)

	join(r, "c1", "room1", "alice")
	ft.reset()

	r.HandleDisconnect("c1")
	r.barrier()

	if !r.cleanup.Armed("room1") {
		t.Error("cleanup should be armed for the empty session")
	}
	if _, ok := r.registry.Get("room1"); !ok {
		t.Error("session should survive until the grace period elapses")
	}
	if len(ft.byEvent(protocol.EventUserLeft)) != 0 {
		t.Error("no user-left broadcast when nobody remains")
	}
}

func TestDisconnectWithoutJoin(t *testing.T) {
	r, ft := newTestRouter(t, time.Hour)

	r.HandleDisconnect("c1")
	r.barrier()

	if len(ft.all()) != 0 {
		t.Errorf("emissions = %+v, want none", ft.all())
	}
}

func TestRejoinWithinGraceKeepsHistory(t *testing.T) {
	r, ft := newTestRouter(t, 200*time.Millisecond)

	join(r, "c1", "room1", "alice")
	stroke := protocol.Stroke{X0Norm: 0.5, Username: "alice"}
	r.HandleDraw("c1", protocol.DrawRequest{SessionID: "room1", Stroke: stroke})
	r.barrier()
	r.HandleDisconnect("c1")
	r.barrier()

	time.Sleep(10 * time.Millisecond)
	ft.reset()
	join(r, "c2", "room1", "alice")

	if r.cleanup.Armed("room1") {
		t.Error("rejoin should disarm the cleanup timer")
	}

	canvas := ft.byEvent(protocol.EventInitCanvas)
	if len(canvas) != 1 {
		t.Fatalf("init-canvas emissions = %d, want 1", len(canvas))
	}
	got := canvas[0].payload.([]protocol.Stroke)
	if len(got) != 1 || got[0] != stroke {
		t.Errorf("rejoin history = %+v, want the pre-disconnect stroke", got)
	}

	// Well past the original deadline the session must still exist.
	time.Sleep(300 * time.Millisecond)
	r.barrier()
	if _, ok := r.registry.Get("room1"); !ok {
		t.Error("session was deleted despite the rejoin")
	}
}

func TestGraceElapsedDeletesSession(t *testing.T) {
	r, ft := newTestRouter(t, 20*time.Millisecond)

	join(r, "c1", "room1", "alice")
	r.HandleDraw("c1", protocol.DrawRequest{SessionID: "room1", Stroke: protocol.Stroke{Username: "alice"}})
	r.barrier()
	r.HandleDisconnect("c1")
	r.barrier()

	time.Sleep(100 * time.Millisecond)
	r.barrier()

	if _, ok := r.registry.Get("room1"); ok {
		t.Fatal("session should be deleted after the grace period")
	}

	// A fresh join to the same ID starts from scratch.
	ft.reset()
	join(r, "c2", "room1", "bob")

	canvas := ft.byEvent(protocol.EventInitCanvas)
	if len(canvas) != 1 {
		t.Fatalf("init-canvas emissions = %d, want 1", len(canvas))
	}
	if got := canvas[0].payload.([]protocol.Stroke); len(got) != 0 {
		t.Errorf("fresh session history = %+v, want empty", got)
	}
	logs := ft.byEvent(protocol.EventActivityLog)
	if got := logs[0].payload.([]protocol.LogEntry); len(got) != 0 {
		t.Errorf("fresh session log = %+v, want empty", got)
	}
}

func TestEmptyRosterIffTimerArmed(t *testing.T) {
	r, _ := newTestRouter(t, time.Hour)

	check := func(when string) {
		t.Helper()
		sess, ok := r.registry.Get("room1")
		if !ok {
			return
		}
		armed := r.cleanup.Armed("room1")
		if (len(sess.Members) == 0) != armed {
			t.Errorf("%s: members = %d, armed = %v", when, len(sess.Members), armed)
		}
	}

	join(r, "c1", "room1", "alice")
	check("after first join")
	join(r, "c2", "room1", "bob")
	check("after second join")
	r.HandleDisconnect("c1")
	r.barrier()
	check("after first disconnect")
	r.HandleDisconnect("c2")
	r.barrier()
	check("after last disconnect")
	join(r, "c3", "room1", "carol")
	check("after rejoin")
}

// A connection that joins a second session without disconnecting keeps a
// ghost membership entry in the first. Observed behavior, preserved: the
// first session's roster shows the stale name and its cleanup never arms
// through that entry.
func TestSwitchSessionLeavesGhostMember(t *testing.T) {
	r, _ := newTestRouter(t, time.Hour)

	join(r, "c1", "room1", "alice")
	join(r, "c1", "room2", "alice")

	r.HandleDisconnect("c1")
	r.barrier()

	room1, _ := r.registry.Get("room1")
	if len(room1.Members) != 1 {
		t.Errorf("room1 members = %+v, want the ghost entry", room1.Members)
	}
	if r.cleanup.Armed("room1") {
		t.Error("room1 cleanup should not arm through the ghost entry")
	}

	room2, _ := r.registry.Get("room2")
	if len(room2.Members) != 0 {
		t.Errorf("room2 members = %+v, want empty", room2.Members)
	}
	if !r.cleanup.Armed("room2") {
		t.Error("room2 cleanup should be armed")
	}
}

// A join queued behind a busy event loop can be overtaken by a timer fire:
// the deletion op then runs after the join has re-populated the session, and
// must yield instead of removing it out from under the new member.
func TestJoinBeatsQueuedDeletion(t *testing.T) {
	r, ft := newTestRouter(t, 30*time.Millisecond)

	join(r, "c1", "room1", "alice")
	stroke := protocol.Stroke{X0Norm: 0.5, Username: "alice"}
	r.HandleDraw("c1", protocol.DrawRequest{SessionID: "room1", Stroke: stroke})
	r.barrier()
	r.HandleDisconnect("c1")
	r.barrier()
	if !r.cleanup.Armed("room1") {
		t.Fatal("cleanup should be armed")
	}

	// Hold the event loop so the join sits in the queue while the timer
	// fires and queues its deletion behind it.
	gate := make(chan struct{})
	r.dispatch(func() { <-gate })
	ft.reset()
	r.HandleJoin("c2", protocol.JoinRequest{SessionID: "room1", Username: "bob"}, nil)
	time.Sleep(80 * time.Millisecond)
	close(gate)
	r.barrier()

	sess, ok := r.registry.Get("room1")
	if !ok {
		t.Fatal("session deleted while a member remained")
	}
	if len(sess.Members) != 1 || sess.Members[0].Username != "bob" {
		t.Errorf("Members = %+v, want [bob]", sess.Members)
	}
	if b, ok := r.index.Lookup("c2"); !ok || b.SessionID != "room1" {
		t.Errorf("binding = %+v, ok = %v", b, ok)
	}

	canvas := ft.byEvent(protocol.EventInitCanvas)
	if len(canvas) != 1 {
		t.Fatalf("init-canvas emissions = %d, want 1", len(canvas))
	}
	if got := canvas[0].payload.([]protocol.Stroke); len(got) != 1 || got[0] != stroke {
		t.Errorf("history = %+v, want the pre-disconnect stroke", got)
	}
}

// A join and disconnect both overtaking a queued deletion leave the session
// empty but owned by a fresh timer; the stale deletion must defer to it so
// the new grace period runs in full.
func TestStaleDeletionYieldsToNewTimer(t *testing.T) {
	r, _ := newTestRouter(t, 60*time.Millisecond)

	join(r, "c1", "room1", "alice")
	stroke := protocol.Stroke{X0Norm: 0.7, Username: "alice"}
	r.HandleDraw("c1", protocol.DrawRequest{SessionID: "room1", Stroke: stroke})
	r.barrier()
	r.HandleDisconnect("c1")
	r.barrier()

	gate := make(chan struct{})
	r.dispatch(func() { <-gate })
	r.HandleJoin("c2", protocol.JoinRequest{SessionID: "room1", Username: "bob"}, nil)
	r.HandleDisconnect("c2")
	time.Sleep(120 * time.Millisecond)
	close(gate)
	r.barrier()

	// The stale deletion ran last and must have skipped: the rearmed
	// session survives with its history.
	sess, ok := r.registry.Get("room1")
	if !ok {
		t.Fatal("session deleted before the new grace period elapsed")
	}
	if len(sess.Members) != 0 {
		t.Errorf("Members = %+v, want empty", sess.Members)
	}
	if len(sess.History) != 1 || sess.History[0] != stroke {
		t.Errorf("History = %+v, want preserved", sess.History)
	}
	if !r.cleanup.Armed("room1") {
		t.Fatal("new timer should own the session")
	}

	// The replacement timer still reclaims it eventually.
	time.Sleep(100 * time.Millisecond)
	r.barrier()
	if _, ok := r.registry.Get("room1"); ok {
		t.Error("session should be deleted once the new grace period elapses")
	}
}

func TestEventsAfterStopLogged(t *testing.T) {
	var buf bytes.Buffer
	ft := &fakeTransport{}
	r := NewRouter(ft, &Config{GracePeriod: time.Hour}, nil,
		slog.New(slog.NewTextHandler(&buf, nil)))
	r.Stop()

	r.HandleDraw("c1", protocol.DrawRequest{SessionID: "room1"})
	r.HandleClear("c1", "room1")

	if len(ft.all()) != 0 {
		t.Errorf("emissions = %+v, want none after Stop", ft.all())
	}
	out := buf.String()
	if !strings.Contains(out, "event dropped") {
		t.Errorf("log output %q should record the dropped events", out)
	}
}

func TestDispatchAfterStop(t *testing.T) {
	r, _ := newTestRouter(t, time.Hour)
	r.Stop()

	if err := r.dispatch(func() {}); err != ErrRouterClosed {
		t.Errorf("dispatch after Stop = %v, want ErrRouterClosed", err)
	}
}
