// Package protocol defines the wire protocol for the whiteboard relay.
//
// Every WebSocket message is a JSON envelope carrying a named event and an
// opaque payload:
//
//	{"event": "draw", "data": {...}, "ackId": 3}
//
// The event names and payload shapes mirror the browser client's protocol:
// clients send join-session, draw, and clear; the server emits init-canvas,
// activity-log-update, session-users, user-joined, user-left, clear,
// error-message, and ack.
//
// Payloads are passed through verbatim where the server acts as a relay.
// Stroke coordinates in particular are opaque normalized floats; the server
// never inspects or validates them.
//
// # Acknowledgments
//
// An inbound envelope may carry a non-zero AckID. The server answers with an
// "ack" envelope echoing the same AckID, with the reply payload in Data.
// Only join-session is acknowledged today.
package protocol
