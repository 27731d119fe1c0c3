package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/popper/internal/protocol"
	"github.com/asheshgoplani/popper/internal/ptyhost"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}

	return strings.EqualFold(originURL.Host, r.Host)
}

// hostConn serves one websocket connection backed by its own host.
type hostConn struct {
	host   SessionHost
	writer *wsConnWriter
	ctx    context.Context
	starts sync.WaitGroup
}

func (s *Server) handleHostWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.connections.Add(1)
	defer s.connections.Add(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	hc := &hostConn{
		host:   s.newHost(),
		writer: newWSConnWriter(conn),
		ctx:    ctx,
	}

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		hc.forwardEvents()
	}()
	defer func() {
		cancel()
		hc.starts.Wait()
		_ = hc.host.Close()
		<-forwarded
	}()

	// Unblock the read loop when the server shuts down.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	webLog.Info("host_connection_opened", slog.String("remote", r.RemoteAddr))
	defer webLog.Info("host_connection_closed", slog.String("remote", r.RemoteAddr))

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) && ctx.Err() == nil {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("remote", r.RemoteAddr),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = hc.writer.WriteJSON(protocol.ServerMessage{
				Type:    protocol.TypeError,
				Code:    protocol.CodeInvalidMessage,
				Message: "invalid json payload",
				Time:    time.Now().UTC(),
			})
			continue
		}

		hc.handle(msg)
	}
}

// handle runs one request. Starts run in the background so a slow shell
// does not hold up input for other sessions; the rest answer inline, in
// order.
func (hc *hostConn) handle(msg protocol.ClientMessage) {
	switch msg.Method {
	case protocol.MethodPing:
		hc.respond(msg, "", nil)

	case protocol.MethodStartSession:
		hc.starts.Add(1)
		go func() {
			defer hc.starts.Done()
			id, err := hc.host.StartSession(hc.ctx, msg.Cols, msg.Rows)
			hc.respond(msg, id, err)
		}()

	case protocol.MethodWriteToSession:
		err := hc.host.WriteToSession(hc.ctx, msg.SessionID, msg.Data)
		hc.respond(msg, msg.SessionID, err)

	case protocol.MethodResizeSession:
		err := hc.host.ResizeSession(hc.ctx, msg.SessionID, msg.Cols, msg.Rows)
		hc.respond(msg, msg.SessionID, err)

	case protocol.MethodTerminateSession:
		err := hc.host.TerminateSession(hc.ctx, msg.SessionID)
		hc.respond(msg, msg.SessionID, err)

	default:
		_ = hc.writer.WriteJSON(protocol.ServerMessage{
			Type:    protocol.TypeError,
			ID:      msg.ID,
			Code:    protocol.CodeUnsupportedMessage,
			Message: "supported methods: start_session,write_to_session,resize_session,terminate_session,ping",
			Time:    time.Now().UTC(),
		})
	}
}

func (hc *hostConn) respond(msg protocol.ClientMessage, sessionID string, err error) {
	resp := protocol.ServerMessage{
		Type:      protocol.TypeResponse,
		ID:        msg.ID,
		SessionID: sessionID,
		Time:      time.Now().UTC(),
	}
	if err != nil {
		resp.Code = errorCode(msg.Method, err)
		resp.Message = err.Error()
		webLog.Warn("host_request_failed",
			slog.String("method", msg.Method),
			slog.String("session_id", msg.SessionID),
			slog.String("error", err.Error()))
	}
	_ = hc.writer.WriteJSON(resp)
}

// forwardEvents relays host events until the host closes its event stream.
// Write failures are ignored so the stream is always drained.
func (hc *hostConn) forwardEvents() {
	for ev := range hc.host.Events() {
		_ = hc.writer.WriteJSON(protocol.EventMessage(ev))
	}
}

func errorCode(method string, err error) string {
	if errors.Is(err, ptyhost.ErrSessionNotFound) {
		return protocol.CodeSessionNotFound
	}
	switch method {
	case protocol.MethodStartSession:
		return protocol.CodeStartFailed
	case protocol.MethodWriteToSession:
		return protocol.CodeWriteFailed
	case protocol.MethodResizeSession:
		return protocol.CodeResizeFailed
	case protocol.MethodTerminateSession:
		return protocol.CodeTerminateFailed
	default:
		return protocol.CodeInvalidMessage
	}
}
