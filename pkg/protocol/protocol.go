package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

// Client → server event names.
const (
	EventJoinSession = "join-session"
	EventDraw        = "draw"
	EventClear       = "clear"
)

// Server → client event names.
const (
	EventInitCanvas   = "init-canvas"
	EventActivityLog  = "activity-log-update"
	EventSessionUsers = "session-users"
	EventUserJoined   = "user-joined"
	EventUserLeft     = "user-left"
	EventErrorMessage = "error-message"
	EventAck          = "ack"
)

// Sentinel errors for envelope decoding.
var (
	// ErrEmptyMessage is returned when a message contains no data.
	ErrEmptyMessage = errors.New("protocol: empty message")

	// ErrMissingEvent is returned when an envelope has no event name.
	ErrMissingEvent = errors.New("protocol: missing event name")
)

// Envelope is one named event on the wire.
type Envelope struct {
	// Event is the event name (EventJoinSession, EventDraw, ...).
	Event string `json:"event"`

	// Data is the event payload, left raw until the event name is known.
	Data json.RawMessage `json:"data,omitempty"`

	// AckID, when non-zero, requests an EventAck reply echoing this ID.
	AckID uint64 `json:"ackId,omitempty"`
}

// DecodeEnvelope parses a raw WebSocket message into an Envelope.
func DecodeEnvelope(msg []byte) (*Envelope, error) {
	if len(msg) == 0 {
		return nil, ErrEmptyMessage
	}
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, err
	}
	if env.Event == "" {
		return nil, ErrMissingEvent
	}
	return &env, nil
}

// EncodeEnvelope builds the wire form of a named event with the given
// payload. A nil payload produces an envelope with no data field, which is
// how the bare clear signal is sent.
func EncodeEnvelope(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(&env)
}

// EncodeAck builds an EventAck envelope echoing ackID with the given reply
// payload.
func EncodeAck(ackID uint64, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Envelope{Event: EventAck, Data: data, AckID: ackID})
}

// Stroke is one normalized line segment drawn by a client. Coordinates and
// color are relayed verbatim; the server never validates them.
type Stroke struct {
	X0Norm   float64 `json:"x0Norm"`
	Y0Norm   float64 `json:"y0Norm"`
	X1Norm   float64 `json:"x1Norm"`
	Y1Norm   float64 `json:"y1Norm"`
	Username string  `json:"username"`
	Color    string  `json:"color"`
}

// JoinRequest is the payload of a join-session event.
type JoinRequest struct {
	SessionID string `json:"sessionId"`
	Username  string `json:"username"`
}

// JoinAck is the acknowledgment payload for a join-session event.
type JoinAck struct {
	Success bool `json:"success"`
}

// DrawRequest is the payload of a draw event. The stroke fields are inlined
// alongside the session ID, so the relayed stroke is the same object minus
// the session ID.
type DrawRequest struct {
	SessionID string `json:"sessionId"`
	Stroke
}

// UserEvent is the payload of user-joined and user-left events.
type UserEvent struct {
	Username string `json:"username"`
}

// LogEntry is one activity log record. The full log is rebroadcast on every
// append.
type LogEntry struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// DecodeJoinRequest parses a join-session payload.
func DecodeJoinRequest(data json.RawMessage) (*JoinRequest, error) {
	var req JoinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// DecodeDrawRequest parses a draw payload.
func DecodeDrawRequest(data json.RawMessage) (*DrawRequest, error) {
	var req DrawRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// DecodeSessionID parses a payload that is a bare session ID string, as sent
// by the clear event.
func DecodeSessionID(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return "", err
	}
	return id, nil
}
