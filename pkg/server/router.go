package server

import (
	"context"
	"log/slog"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openboard-dev/openboard/pkg/protocol"
)

// Tracer name for router event spans.
const tracerName = "openboard"

// Activity log message suffixes, matching the browser client's expectations.
const (
	activityJoined  = " joined the session"
	activityCleared = " cleared the canvas"
	activityLeft    = " left the session"
)

// unknownUser is the acting-user label when a clear arrives from a
// connection with no binding.
const unknownUser = "Unknown"

// Router is the protocol state machine. It interprets join, draw, clear and
// disconnect events against the Registry and ConnIndex and emits outbound
// events through the Transport.
//
// All state mutation happens on a single event loop goroutine: Handle*
// methods and cleanup timer expiries queue closures onto the loop, and each
// closure runs to completion before the next starts. The Registry, ConnIndex
// and Session records are therefore never touched concurrently.
type Router struct {
	registry  *Registry
	index     *ConnIndex
	cleanup   *Scheduler
	transport Transport
	metrics   *Metrics
	tracer    trace.Tracer

	ops  chan func()
	done chan struct{}
	// Signals that the event loop has exited.
	loopDone chan struct{}

	logger *slog.Logger
}

// NewRouter creates a Router and starts its event loop. The cleanup
// scheduler is owned by the router so that timer expiries are serialized
// with event processing.
func NewRouter(transport Transport, cfg *Config, metrics *Metrics, logger *slog.Logger) *Router {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		registry:  NewRegistry(logger),
		index:     NewConnIndex(),
		transport: transport,
		metrics:   metrics,
		tracer:    otel.Tracer(tracerName),
		ops:       make(chan func(), cfg.EventQueueSize),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		logger:    logger.With("component", "router"),
	}
	r.cleanup = NewScheduler(cfg.GracePeriod, r.onGraceElapsed, logger)

	go r.eventLoop()

	return r
}

// eventLoop drains queued operations until Stop is called. Each operation
// runs to completion before the next; this is the relay's only mutator of
// session state.
func (r *Router) eventLoop() {
	defer close(r.loopDone)

	for {
		select {
		case op := <-r.ops:
			r.execute(op)
		case <-r.done:
			return
		}
	}
}

// execute runs one operation with panic recovery, so a single bad event
// cannot take down the loop.
func (r *Router) execute(op func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event handler panic",
				"panic", rec,
				"stack", string(debug.Stack()))
		}
	}()
	op()
}

// dispatch queues an operation onto the event loop. It blocks when the queue
// is full rather than dropping state mutations, and gives up only if the
// router shuts down first.
func (r *Router) dispatch(op func()) error {
	select {
	case <-r.done:
		return ErrRouterClosed
	default:
	}
	select {
	case r.ops <- op:
		return nil
	case <-r.done:
		return ErrRouterClosed
	}
}

// Stop shuts down the event loop and cancels all pending cleanup timers.
func (r *Router) Stop() {
	select {
	case <-r.done:
		return
	default:
		close(r.done)
	}
	<-r.loopDone
	r.cleanup.Stop()
}

// span starts an event span and returns its end function.
func (r *Router) span(event, sessionID string) func() {
	_, sp := r.tracer.Start(context.Background(), "event."+event,
		trace.WithAttributes(
			attribute.String("event", event),
			attribute.String("session_id", sessionID),
		))
	return func() { sp.End() }
}

// dropLogged dispatches op and logs at Warn when the event is dropped
// because the router has shut down.
func (r *Router) dropLogged(event string, op func()) {
	if err := r.dispatch(op); err != nil {
		r.logger.Warn("event dropped", "event", event, "error", err)
	}
}

// HandleJoin processes a join-session event from connID. ack, when non-nil,
// is invoked with the join acknowledgment on success.
func (r *Router) HandleJoin(connID string, req protocol.JoinRequest, ack func(protocol.JoinAck)) {
	r.dropLogged(protocol.EventJoinSession, func() {
		defer r.span(protocol.EventJoinSession, req.SessionID)()
		r.metrics.event(protocol.EventJoinSession)

		if req.SessionID == "" || req.Username == "" {
			r.transport.Emit(connID, protocol.EventErrorMessage, "Invalid session or username")
			return
		}

		r.cleanup.Disarm(req.SessionID)
		sess := r.registry.Ensure(req.SessionID)
		r.metrics.setSessions(r.registry.Count())

		r.transport.JoinGroup(req.SessionID, connID)
		r.logger.Info("user joined",
			"session_id", req.SessionID,
			"username", req.Username,
			"conn_id", connID)

		// The joiner sees the log as it stood before their own entry.
		r.transport.Emit(connID, protocol.EventActivityLog, sess.ActivityLog)

		sess.AddMember(req.Username, connID)
		r.index.Bind(connID, req.SessionID, req.Username)

		r.transport.Emit(connID, protocol.EventInitCanvas, sess.History)
		r.transport.Broadcast(req.SessionID, protocol.EventSessionUsers, sess.Usernames())
		r.transport.Broadcast(req.SessionID, protocol.EventUserJoined, protocol.UserEvent{Username: req.Username})
		if ack != nil {
			ack(protocol.JoinAck{Success: true})
		}
		r.logActivity(sess, req.Username+activityJoined)
	})
}

// HandleDraw processes a draw event: append the stroke and relay it to every
// group member except its author. Draws for absent sessions are dropped
// silently; a late stroke after teardown is not actionable by the client.
func (r *Router) HandleDraw(connID string, req protocol.DrawRequest) {
	r.dropLogged(protocol.EventDraw, func() {
		defer r.span(protocol.EventDraw, req.SessionID)()
		r.metrics.event(protocol.EventDraw)

		if req.SessionID == "" {
			return
		}
		sess, ok := r.registry.Get(req.SessionID)
		if !ok {
			return
		}

		sess.History = append(sess.History, req.Stroke)
		r.transport.BroadcastExcept(req.SessionID, connID, protocol.EventDraw, req.Stroke)
		r.metrics.strokeRelayed()
	})
}

// HandleClear processes a clear event: empty the history and tell the whole
// group, sender included. The activity log is untouched except for the clear
// entry itself.
func (r *Router) HandleClear(connID, sessionID string) {
	r.dropLogged(protocol.EventClear, func() {
		defer r.span(protocol.EventClear, sessionID)()
		r.metrics.event(protocol.EventClear)

		if sessionID == "" {
			return
		}
		sess, ok := r.registry.Get(sessionID)
		if !ok {
			return
		}

		username := unknownUser
		if b, ok := r.index.Lookup(connID); ok {
			username = b.Username
		}

		sess.History = nil
		r.transport.Broadcast(sessionID, protocol.EventClear, nil)
		r.logActivity(sess, username+activityCleared)
	})
}

// HandleDisconnect processes a transport-level disconnect. A connection that
// never joined is a no-op. When the last member leaves, the session is kept
// and a grace-period deletion is armed instead of notifying anyone.
func (r *Router) HandleDisconnect(connID string) {
	r.dropLogged("disconnect", func() {
		b, ok := r.index.Lookup(connID)
		if !ok {
			return
		}
		defer r.span("disconnect", b.SessionID)()
		r.metrics.event("disconnect")

		sess, found := r.registry.Get(b.SessionID)
		if found {
			if empty := sess.RemoveConn(connID); empty {
				r.cleanup.Arm(b.SessionID)
			} else {
				r.transport.Broadcast(b.SessionID, protocol.EventUserLeft, protocol.UserEvent{Username: b.Username})
				r.transport.Broadcast(b.SessionID, protocol.EventSessionUsers, sess.Usernames())
			}
		}

		r.index.Unbind(connID)

		if found {
			r.logActivity(sess, b.Username+activityLeft)
			r.logger.Info("user left",
				"session_id", b.SessionID,
				"username", b.Username,
				"conn_id", connID,
				"remaining", len(sess.Members))
		}
	})
}

// onGraceElapsed runs when a cleanup timer fires. The deletion is routed
// through the event loop so it is serialized with all other processing.
// Because the fire and its execution are not atomic, a join dispatched
// before the fire can run first; the op re-checks that the session is still
// empty and unclaimed — a roster entry or a newer timer means the session
// was reclaimed in the gap and the stale deletion must not run.
func (r *Router) onGraceElapsed(sessionID string) {
	if err := r.dispatch(func() {
		sess, ok := r.registry.Get(sessionID)
		if !ok {
			return
		}
		if len(sess.Members) > 0 || r.cleanup.Armed(sessionID) {
			r.logger.Info("stale cleanup skipped", "session_id", sessionID,
				"members", len(sess.Members))
			return
		}
		r.registry.Remove(sessionID)
		r.metrics.setSessions(r.registry.Count())
		r.metrics.sessionReaped()
		r.logger.Info("session deleted after grace period", "session_id", sessionID)
	}); err != nil {
		r.logger.Warn("cleanup dropped", "session_id", sessionID, "error", err)
	}
}

// logActivity appends a timestamped entry to the session's log and
// rebroadcasts the full log to the group.
func (r *Router) logActivity(sess *Session, message string) {
	log := sess.AppendLog(message)
	r.transport.Broadcast(sess.ID, protocol.EventActivityLog, log)
}

// barrier waits until every operation queued before the call has been
// processed. Test helper.
func (r *Router) barrier() {
	done := make(chan struct{})
	if err := r.dispatch(func() { close(done) }); err != nil {
		return
	}
	<-done
}
