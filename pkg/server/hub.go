package server

import (
	"log/slog"
	"sync"

	"github.com/openboard-dev/openboard/pkg/protocol"
)

// Hub is the gorilla/websocket-backed Transport. It tracks open connections
// and named session groups, and fans outbound envelopes into per-connection
// send queues so one slow client never blocks the event loop.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	groups map[string]map[string]struct{}

	metrics *Metrics
	logger  *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(metrics *Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:   make(map[string]*Conn),
		groups:  make(map[string]map[string]struct{}),
		metrics: metrics,
		logger:  logger.With("component", "hub"),
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	total := len(h.conns)
	h.mu.Unlock()

	h.metrics.connOpened()
	h.logger.Info("client connected", "conn_id", c.ID(), "connections", total)
}

// Unregister removes a connection from the hub and from every group it
// joined. Unknown IDs are a no-op.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	_, known := h.conns[connID]
	delete(h.conns, connID)
	for group, members := range h.groups {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	total := len(h.conns)
	h.mu.Unlock()

	if known {
		h.metrics.connClosed()
		h.logger.Info("client disconnected", "conn_id", connID, "connections", total)
	}
}

// JoinGroup adds connID to the named group, creating the group on first use.
func (h *Hub) JoinGroup(group, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]struct{})
		h.groups[group] = members
	}
	members[connID] = struct{}{}
}

// Emit sends an event to one connection. Unknown connections are dropped
// silently; they have already disconnected.
func (h *Hub) Emit(connID, event string, payload any) {
	msg, err := protocol.EncodeEnvelope(event, payload)
	if err != nil {
		h.logger.Error("encode error", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()

	if c != nil {
		h.deliver(c, event, msg)
	}
}

// Broadcast sends an event to every connection in a group.
func (h *Hub) Broadcast(group, event string, payload any) {
	h.broadcast(group, "", event, payload)
}

// BroadcastExcept sends an event to every connection in a group except one.
func (h *Hub) BroadcastExcept(group, exceptConnID, event string, payload any) {
	h.broadcast(group, exceptConnID, event, payload)
}

func (h *Hub) broadcast(group, exceptConnID, event string, payload any) {
	msg, err := protocol.EncodeEnvelope(event, payload)
	if err != nil {
		h.logger.Error("encode error", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.groups[group]))
	for connID := range h.groups[group] {
		if connID == exceptConnID {
			continue
		}
		if c := h.conns[connID]; c != nil {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, event, msg)
	}
}

// deliver enqueues one pre-encoded frame, accounting for drops.
func (h *Hub) deliver(c *Conn, event string, msg []byte) {
	if err := c.enqueue(msg); err != nil {
		h.metrics.frameDropped()
		h.logger.Warn("dropping frame",
			"conn_id", c.ID(),
			"event", event,
			"error", err)
	}
}

// ConnCount returns the number of registered connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// GroupSize returns the number of connections in a group.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}
