// Package protocol defines the messages exchanged across the shell-host
// boundary: the inbound pty-data/pty-exit notifications and the websocket
// envelopes used when the host runs in another process.
package protocol

import "time"

// EventKind tags an inbound notification.
type EventKind string

const (
	// EventData carries a chunk of terminal output.
	EventData EventKind = "pty-data"
	// EventExit reports that the session's process ended. Delivered once per session.
	EventExit EventKind = "pty-exit"
)

// Event is an inbound notification from the shell host. Every event carries
// the id of the session it originated from.
type Event struct {
	Kind      EventKind `json:"event"`
	SessionID string    `json:"session_id"`
	Data      string    `json:"data,omitempty"`
	Status    int       `json:"status"`
}

// Data builds a pty-data event.
func Data(sessionID, data string) Event {
	return Event{Kind: EventData, SessionID: sessionID, Data: data}
}

// Exit builds a pty-exit event.
func Exit(sessionID string, status int) Event {
	return Event{Kind: EventExit, SessionID: sessionID, Status: status}
}

// Methods accepted by the websocket host.
const (
	MethodStartSession     = "start_session"
	MethodWriteToSession   = "write_to_session"
	MethodResizeSession    = "resize_session"
	MethodTerminateSession = "terminate_session"
	MethodPing             = "ping"
)

// Server message types.
const (
	TypeResponse = "response"
	TypeEvent    = "event"
	TypeError    = "error"
)

// Error codes sent in error messages and failed responses.
const (
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeUnsupportedMessage = "UNSUPPORTED_MESSAGE"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeStartFailed        = "START_FAILED"
	CodeWriteFailed        = "INPUT_WRITE_FAILED"
	CodeResizeFailed       = "RESIZE_FAILED"
	CodeTerminateFailed    = "TERMINATE_FAILED"
)

// ClientMessage is a request sent by a display to the websocket host.
type ClientMessage struct {
	ID        uint64 `json:"id"`
	Method    string `json:"method"`
	SessionID string `json:"session_id,omitempty"`
	Data      string `json:"data,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// ServerMessage is either a response to a ClientMessage (matched by ID), an
// inbound event, or an unsolicited error.
type ServerMessage struct {
	Type      string    `json:"type"` // response, event, error
	ID        uint64    `json:"id,omitempty"`
	Event     EventKind `json:"event,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Data      string    `json:"data,omitempty"`
	Status    int       `json:"status,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time,omitempty"`
}

// EventMessage wraps an Event for the wire.
func EventMessage(ev Event) ServerMessage {
	return ServerMessage{
		Type:      TypeEvent,
		Event:     ev.Kind,
		SessionID: ev.SessionID,
		Data:      ev.Data,
		Status:    ev.Status,
		Time:      time.Now().UTC(),
	}
}

// AsEvent converts an event message back into an Event.
func (m ServerMessage) AsEvent() (Event, bool) {
	if m.Type != TypeEvent {
		return Event{}, false
	}
	switch m.Event {
	case EventData, EventExit:
	default:
		return Event{}, false
	}
	return Event{Kind: m.Event, SessionID: m.SessionID, Data: m.Data, Status: m.Status}, true
}
