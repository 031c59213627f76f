package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openboard-dev/openboard/pkg/protocol"
)

// Conn wraps one WebSocket client connection. Outbound frames go through a
// buffered send queue drained by writeLoop; inbound frames are decoded by
// readLoop and handed to the Router.
type Conn struct {
	id   string
	sock *websocket.Conn
	cfg  *Config

	send   chan []byte
	done   chan struct{}
	closed atomic.Bool

	logger *slog.Logger
}

// newConn wraps sock with a fresh connection ID.
func newConn(sock *websocket.Conn, cfg *Config, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	id := generateConnID()
	return &Conn{
		id:     id,
		sock:   sock,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendQueueSize),
		done:   make(chan struct{}),
		logger: logger.With("conn_id", id),
	}
}

// generateConnID generates a cryptographically random connection ID.
func generateConnID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("failed to generate connection ID: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// ID returns the connection's ID.
func (c *Conn) ID() string {
	return c.id
}

// enqueue queues one frame for delivery. Frames are dropped, not blocked on,
// when the queue is full.
func (c *Conn) enqueue(msg []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendQueueFull
	}
}

// readLoop reads and dispatches inbound envelopes until the connection
// closes or errors. It blocks; the caller owns disconnect handling after it
// returns.
func (c *Conn) readLoop(router *Router) {
	c.sock.SetReadLimit(c.cfg.MaxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	for {
		_, msg, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.logger.Error("read error", "error", err)
			}
			return
		}
		c.sock.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		env, err := protocol.DecodeEnvelope(msg)
		if err != nil {
			c.logger.Warn("envelope decode error", "error", err)
			continue
		}

		c.handleEnvelope(router, env)
	}
}

// handleEnvelope routes one decoded envelope to the matching router handler.
func (c *Conn) handleEnvelope(router *Router, env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventJoinSession:
		req, err := protocol.DecodeJoinRequest(env.Data)
		if err != nil {
			c.logger.Warn("join decode error", "error", err)
			return
		}
		router.HandleJoin(c.id, *req, c.ackFunc(env.AckID))

	case protocol.EventDraw:
		req, err := protocol.DecodeDrawRequest(env.Data)
		if err != nil {
			c.logger.Warn("draw decode error", "error", err)
			return
		}
		router.HandleDraw(c.id, *req)

	case protocol.EventClear:
		sessionID, err := protocol.DecodeSessionID(env.Data)
		if err != nil {
			c.logger.Warn("clear decode error", "error", err)
			return
		}
		router.HandleClear(c.id, sessionID)

	default:
		c.logger.Warn("unknown event", "event", env.Event)
	}
}

// ackFunc returns an acknowledgment callback for ackID, or nil when the
// client did not request one.
func (c *Conn) ackFunc(ackID uint64) func(protocol.JoinAck) {
	if ackID == 0 {
		return nil
	}
	return func(a protocol.JoinAck) {
		msg, err := protocol.EncodeAck(ackID, a)
		if err != nil {
			c.logger.Error("ack encode error", "error", err)
			return
		}
		if err := c.enqueue(msg); err != nil {
			c.logger.Warn("ack dropped", "error", err)
		}
	}
}

// writeLoop drains the send queue and emits heartbeat pings. It runs until
// the connection is closed or a write fails.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Error("write error", "error", err)
				return
			}

		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// Close shuts down the connection. Safe to call more than once.
func (c *Conn) Close() {
	if c.closed.Swap(true) {
		return
	}
	close(c.done)

	if c.sock != nil {
		c.sock.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.sock.Close()
	}
}
