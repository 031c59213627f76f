// Package server implements the whiteboard relay: session state, the
// join/draw/clear/disconnect protocol, and the HTTP/WebSocket server that
// carries it.
//
// # Architecture
//
//   - Registry: in-memory session map (stroke history, member roster,
//     activity log per session)
//   - ConnIndex: connection ID -> (session ID, username) bindings, the sole
//     source of truth for disconnect cleanup
//   - Scheduler: per-session delayed deletion, armed when a session empties
//     and disarmed on any rejoin
//   - Router: the protocol state machine; interprets inbound events against
//     the registry and index and emits outbound events through a Transport
//   - Hub/Conn: the gorilla/websocket transport with named session groups
//   - Server: chi-routed HTTP surface (liveness, health, metrics, /ws)
//
// # Event Processing
//
// The Router runs one event loop goroutine. Every inbound event, and every
// cleanup timer expiry, is queued onto that loop and processed to completion
// before the next, so the registry and index are mutated by a single
// goroutine and need no locks. Connection read loops and the Hub's write
// pumps run on their own goroutines and touch only their own connection
// state.
//
// # Session Lifecycle
//
// Sessions are created lazily on the first join to an unseen ID. When the
// last member disconnects the Scheduler arms a grace-period timer (one hour
// by default); a rejoin within the grace period disarms it and finds the
// history intact. If the timer fires the session is deleted unconditionally
// and a later join starts fresh.
package server
