package server

// Transport delivers named events to individual connections and to session
// groups. The Hub is the production implementation; router tests inject a
// recording fake.
type Transport interface {
	// JoinGroup adds connID to the named group. Connections leave all
	// groups implicitly when they disconnect.
	JoinGroup(group, connID string)

	// Emit sends an event to one connection.
	Emit(connID, event string, payload any)

	// Broadcast sends an event to every connection in a group, including
	// the sender if present.
	Broadcast(group, event string, payload any)

	// BroadcastExcept sends an event to every connection in a group except
	// one, used to relay strokes to everyone but their author.
	BroadcastExcept(group, exceptConnID, event string, payload any)
}
