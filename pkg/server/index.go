package server

// Binding records which session a connection joined, and as whom. It is the
// only authoritative record of "who is this connection" at disconnect time.
type Binding struct {
	SessionID string
	Username  string
}

// ConnIndex maps active connection IDs to their current binding. Like the
// Registry it is touched only on the router's event loop.
type ConnIndex struct {
	bindings map[string]Binding
}

// NewConnIndex creates an empty ConnIndex.
func NewConnIndex() *ConnIndex {
	return &ConnIndex{bindings: make(map[string]Binding)}
}

// Bind records connID's binding. Last write wins: a connection that joins a
// second session without disconnecting simply gets the later binding. The
// first session's membership entry is not removed (see Router).
func (ci *ConnIndex) Bind(connID, sessionID, username string) {
	ci.bindings[connID] = Binding{SessionID: sessionID, Username: username}
}

// Lookup returns connID's binding, or false if it was never bound or has
// already been unbound.
func (ci *ConnIndex) Lookup(connID string) (Binding, bool) {
	b, ok := ci.bindings[connID]
	return b, ok
}

// Unbind removes connID's binding. Called once, at disconnect; unbinding an
// unknown connection is a no-op.
func (ci *ConnIndex) Unbind(connID string) {
	delete(ci.bindings, connID)
}

// Count returns the number of bound connections.
func (ci *ConnIndex) Count() int {
	return len(ci.bindings)
}
