//go:build !windows

package web

import (
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/popper/internal/protocol"
	"github.com/asheshgoplani/popper/internal/ptyhost"
)

func TestWSEndpointShellIntegration(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	srv := NewServer(Config{
		ListenAddr: "127.0.0.1:0",
		Shell:      ptyhost.Config{Candidates: []string{"/bin/sh"}},
	})
	testServer := httptest.NewServer(srv.Handler())
	defer testServer.Close()

	conn := dialHost(t, wsURL(testServer.URL, "/ws"), nil)

	if err := conn.WriteJSON(protocol.ClientMessage{ID: 1, Method: protocol.MethodStartSession, Cols: 100, Rows: 30}); err != nil {
		t.Fatalf("failed to send start: %v", err)
	}
	started := readUntil(t, conn, responseTo(1))
	if started.Code != "" || started.SessionID == "" {
		t.Fatalf("start failed: %+v", started)
	}
	sessionID := started.SessionID

	marker := fmt.Sprintf("POPPER_IT_%d", time.Now().UnixNano())
	command := fmt.Sprintf("printf '%%s\\n' %s; exit 4\r", marker)
	if err := conn.WriteJSON(protocol.ClientMessage{ID: 2, Method: protocol.MethodWriteToSession, SessionID: sessionID, Data: command}); err != nil {
		t.Fatalf("failed to send input: %v", err)
	}

	output, status, err := readSessionUntilExit(conn, sessionID, 8*time.Second)
	if err != nil {
		t.Fatalf("%v\nstream_excerpt=%q", err, trimForError(output, 350))
	}
	if !strings.Contains(output, marker) {
		t.Fatalf("did not observe marker in ws stream: %q", trimForError(output, 350))
	}
	if status != 4 {
		t.Fatalf("expected exit status 4, got %d", status)
	}
}

func readSessionUntilExit(conn *websocket.Conn, sessionID string, timeout time.Duration) (string, int, error) {
	deadline := time.Now().Add(timeout)
	var combined strings.Builder

	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(900 * time.Millisecond))
		var msg protocol.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if isTimeout(err) {
				continue
			}
			return combined.String(), 0, err
		}

		ev, ok := msg.AsEvent()
		if !ok || ev.SessionID != sessionID {
			continue
		}
		switch ev.Kind {
		case protocol.EventData:
			combined.WriteString(ev.Data)
		case protocol.EventExit:
			return combined.String(), ev.Status, nil
		}
	}

	return combined.String(), 0, fmt.Errorf("timeout waiting for exit of %s", sessionID)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return err != nil && (strings.Contains(err.Error(), "i/o timeout") || (errors.As(err, &netErr) && netErr.Timeout()))
}

func trimForError(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
