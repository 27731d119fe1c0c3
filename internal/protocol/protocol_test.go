package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventMessageRoundTrip(t *testing.T) {
	for _, ev := range []Event{Data("s1", "hello\r\n"), Exit("s1", 0), Exit("s2", -1)} {
		msg := EventMessage(ev)
		assert.Equal(t, TypeEvent, msg.Type)
		assert.False(t, msg.Time.IsZero())

		got, ok := msg.AsEvent()
		assert.True(t, ok)
		assert.Equal(t, ev, got)
	}
}

func TestAsEventRejectsOtherMessages(t *testing.T) {
	tests := []struct {
		name string
		msg  ServerMessage
	}{
		{"response", ServerMessage{Type: TypeResponse, ID: 1, SessionID: "s1"}},
		{"error", ServerMessage{Type: TypeError, Code: CodeInvalidMessage}},
		{"unknown event", ServerMessage{Type: TypeEvent, Event: "pty-bell", SessionID: "s1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := tt.msg.AsEvent()
			assert.False(t, ok)
		})
	}
}
