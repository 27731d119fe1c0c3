// Package client implements the shell host boundary over a websocket
// connection to a `popper host` server.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/popper/internal/logging"
	"github.com/asheshgoplani/popper/internal/protocol"
)

var clientLog = logging.ForComponent(logging.CompClient)

const (
	writeTimeout    = 10 * time.Second
	reapTimeout     = 5 * time.Second
	pongTimeout     = 60 * time.Second
	pingInterval    = 30 * time.Second
	eventBufferSize = 256
)

// ErrClosed is returned for calls made on, or interrupted by, a closed
// connection.
var ErrClosed = errors.New("connection closed")

// RemoteError is a request the host answered with an error code.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

type pendingCall struct {
	method string
	ch     chan protocol.ServerMessage
	// abandoned marks a start_session whose caller gave up. A session it
	// still creates is terminated when the response arrives.
	abandoned bool
}

// Client is a remote shell host. It is safe for concurrent use.
type Client struct {
	url  string
	conn *websocket.Conn

	writeMu sync.Mutex // serialises all conn writes

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]pendingCall
	live    map[string]struct{}
	ended   map[string]struct{}
	closed  bool
	err     error

	events    chan protocol.Event
	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

// Dial connects to a host server. A non-empty token is sent as a bearer
// token.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		url:      url,
		conn:     conn,
		pending:  make(map[uint64]pendingCall),
		live:     make(map[string]struct{}),
		ended:    make(map[string]struct{}),
		events:   make(chan protocol.Event, eventBufferSize),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	go c.readLoop()
	go c.pingLoop()

	clientLog.Info("host_connected", slog.String("url", url))
	return c, nil
}

// Events returns the pty-data/pty-exit stream. When the connection drops,
// every session still running gets a pty-exit with status -1 before the
// channel is closed.
func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// StartSession asks the host for a new session of the given size.
func (c *Client) StartSession(ctx context.Context, cols, rows int) (string, error) {
	resp, err := c.call(ctx, protocol.ClientMessage{
		Method: protocol.MethodStartSession,
		Cols:   cols,
		Rows:   rows,
	})
	if err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", errors.New("host returned an empty session id")
	}
	return resp.SessionID, nil
}

// WriteToSession sends raw input to a session.
func (c *Client) WriteToSession(ctx context.Context, sessionID, data string) error {
	_, err := c.call(ctx, protocol.ClientMessage{
		Method:    protocol.MethodWriteToSession,
		SessionID: sessionID,
		Data:      data,
	})
	return err
}

// ResizeSession resizes a session's terminal.
func (c *Client) ResizeSession(ctx context.Context, sessionID string, cols, rows int) error {
	_, err := c.call(ctx, protocol.ClientMessage{
		Method:    protocol.MethodResizeSession,
		SessionID: sessionID,
		Cols:      cols,
		Rows:      rows,
	})
	return err
}

// TerminateSession ends a session. Its exit is still reported on Events.
func (c *Client) TerminateSession(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, protocol.ClientMessage{
		Method:    protocol.MethodTerminateSession,
		SessionID: sessionID,
	})
	return err
}

// Ping round-trips a request to the host.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, protocol.ClientMessage{Method: protocol.MethodPing})
	return err
}

// Close closes the connection and waits for the read loop to finish.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.readDone
	return nil
}

func (c *Client) call(ctx context.Context, msg protocol.ClientMessage) (protocol.ServerMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.ServerMessage{}, ErrClosed
	}
	c.nextID++
	msg.ID = c.nextID
	ch := make(chan protocol.ServerMessage, 1)
	c.pending[msg.ID] = pendingCall{method: msg.Method, ch: ch}
	c.mu.Unlock()

	if err := c.writeJSON(msg); err != nil {
		c.forget(msg.ID)
		return protocol.ServerMessage{}, fmt.Errorf("%s: %w", msg.Method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return protocol.ServerMessage{}, ErrClosed
		}
		if resp.Code != "" {
			return resp, &RemoteError{Code: resp.Code, Message: resp.Message}
		}
		return resp, nil
	case <-ctx.Done():
		if msg.Method == protocol.MethodStartSession {
			c.abandon(msg.ID, ch)
		} else {
			c.forget(msg.ID)
		}
		return protocol.ServerMessage{}, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// abandon gives up on a start_session call. If its response already landed
// in ch, the session it created is reaped here instead.
func (c *Client) abandon(id uint64, ch <-chan protocol.ServerMessage) {
	c.mu.Lock()
	if call, ok := c.pending[id]; ok {
		call.abandoned = true
		c.pending[id] = call
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if ok && resp.Code == "" && resp.SessionID != "" {
			c.mu.Lock()
			_, live := c.live[resp.SessionID]
			delete(c.live, resp.SessionID)
			c.mu.Unlock()
			if live {
				go c.reap(resp.SessionID)
			}
		}
	default:
	}
}

// reap terminates a session nobody is waiting for.
func (c *Client) reap(sessionID string) {
	clientLog.Warn("late_start_terminated", slog.String("session_id", sessionID))
	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()
	if err := c.TerminateSession(ctx, sessionID); err != nil && !errors.Is(err, ErrClosed) {
		clientLog.Warn("late_start_terminate_failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Client) readLoop() {
	defer close(c.readDone)

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		var msg protocol.ServerMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.shutdown(err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		switch msg.Type {
		case protocol.TypeResponse:
			c.resolve(msg)
		case protocol.TypeEvent:
			ev, ok := msg.AsEvent()
			if !ok {
				continue
			}
			if ev.Kind == protocol.EventExit {
				c.mu.Lock()
				delete(c.live, ev.SessionID)
				c.ended[ev.SessionID] = struct{}{}
				c.mu.Unlock()
			}
			select {
			case c.events <- ev:
			case <-c.done:
			}
		case protocol.TypeError:
			if msg.ID != 0 {
				c.resolve(msg)
				continue
			}
			clientLog.Warn("host_error",
				slog.String("code", msg.Code),
				slog.String("message", msg.Message))
		}
	}
}

// resolve hands a response to its waiting caller. Sessions are tracked here,
// in wire order, so an exit that overtook its start response is not
// reported twice.
func (c *Client) resolve(msg protocol.ServerMessage) {
	c.mu.Lock()
	call, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	started := call.method == protocol.MethodStartSession && msg.Code == "" && msg.SessionID != ""
	_, gone := c.ended[msg.SessionID]
	if started && !gone && !call.abandoned {
		c.live[msg.SessionID] = struct{}{}
	}
	if ok && !call.abandoned {
		// Delivered under the lock so abandon either sees the call pending
		// or finds the response in the channel.
		call.ch <- msg
	}
	c.mu.Unlock()

	switch {
	case !ok:
		clientLog.Debug("response_unmatched", slog.Uint64("id", msg.ID))
	case call.abandoned && started && !gone:
		// resolve runs on the read loop, which the terminate call needs.
		go c.reap(msg.SessionID)
	}
}

// shutdown fails pending calls, reports every live session as exited with
// -1, and closes the event stream.
func (c *Client) shutdown(err error) {
	c.mu.Lock()
	c.closed = true
	c.err = err
	pending := c.pending
	c.pending = make(map[uint64]pendingCall)
	live := make([]string, 0, len(c.live))
	for id := range c.live {
		live = append(live, id)
	}
	c.live = make(map[string]struct{})
	c.mu.Unlock()

	for _, call := range pending {
		close(call.ch)
	}

	select {
	case <-c.done:
	default:
		clientLog.Warn("host_disconnected",
			slog.String("url", c.url),
			slog.String("error", err.Error()),
			slog.Int("live_sessions", len(live)))
	}

	for _, id := range live {
		select {
		case c.events <- protocol.Exit(id, -1):
		case <-c.done:
		}
	}
	close(c.events)
	_ = c.conn.Close()
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.readDone:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
