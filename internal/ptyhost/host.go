// Package ptyhost owns shell processes attached to pseudo-terminals. It is
// the host side of the session boundary: it starts sessions, writes input,
// resizes them, terminates them, and reports their output and exit on a
// single event channel.
package ptyhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/asheshgoplani/popper/internal/logging"
	"github.com/asheshgoplani/popper/internal/protocol"
)

var hostLog = logging.ForComponent(logging.CompHost)

// ErrSessionNotFound is returned for operations on unknown or finished sessions.
var ErrSessionNotFound = errors.New("session not found")

// ErrClosed is returned once the host has been closed.
var ErrClosed = errors.New("host closed")

const (
	readBufferSize  = 4096
	eventBufferSize = 256
	defaultCols     = 80
	defaultRows     = 24
)

// Config describes the program each session runs.
type Config struct {
	// Candidates are tried in order; the first that resolves is started.
	Candidates []string
	Args       []string
	Dir        string
	// Env is appended to the inherited environment.
	Env []string
}

type session struct {
	id   string
	cmd  *exec.Cmd
	ptmx *os.File

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Host manages PTY sessions. All methods are safe for concurrent use.
type Host struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup

	events chan protocol.Event
	done   chan struct{}
}

// New creates a host. Events() must be drained by the caller.
func New(cfg Config) *Host {
	return &Host{
		cfg:      cfg,
		sessions: make(map[string]*session),
		events:   make(chan protocol.Event, eventBufferSize),
		done:     make(chan struct{}),
	}
}

// Events returns the pty-data/pty-exit stream. It is closed by Close once
// every session's final exit event has been delivered.
func (h *Host) Events() <-chan protocol.Event {
	return h.events
}

// StartSession spawns the configured program on a new PTY of the given size
// and returns the new session's id. Zero dimensions fall back to 80x24.
// If ctx is done by the time the process is running, the process is killed
// and ctx's error returned, so a caller that gave up never leaks a session.
func (h *Host) StartSession(ctx context.Context, cols, rows int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	program, err := ResolveProgram(h.cfg.Candidates)
	if err != nil {
		return "", err
	}

	cmd := exec.Command(program, h.cfg.Args...)
	cmd.Dir = h.cfg.Dir
	cmd.Env = sessionEnv(os.Environ(), h.cfg.Env)

	ptmx, err := pty.StartWithSize(cmd, winsize(cols, rows))
	if err != nil {
		return "", fmt.Errorf("failed to start %s: %w", program, err)
	}

	sess := &session{id: uuid.NewString(), cmd: cmd, ptmx: ptmx}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sess.terminate()
		_ = cmd.Wait()
		return "", ErrClosed
	}
	h.sessions[sess.id] = sess
	h.wg.Add(1)
	h.mu.Unlock()

	go h.pump(sess)

	if err := ctx.Err(); err != nil {
		hostLog.Warn("session_start_abandoned",
			slog.String("session_id", sess.id),
			slog.String("error", err.Error()))
		sess.terminate()
		return "", err
	}

	hostLog.Info("session_started",
		slog.String("session_id", sess.id),
		slog.String("program", program),
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("cols", int(winsize(cols, rows).Cols)),
		slog.Int("rows", int(winsize(cols, rows).Rows)))
	return sess.id, nil
}

// pump streams output until the PTY closes, then reports the exit status.
// It is the only sender of events for its session, which keeps data before
// exit and exit exactly once.
func (h *Host) pump(sess *session) {
	defer h.wg.Done()

	buf := make([]byte, readBufferSize)
	var carry []byte
	for {
		n, err := sess.ptmx.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			var text string
			text, carry = splitUTF8(chunk)
			if text != "" {
				h.emit(protocol.Data(sess.id, text))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				hostLog.Warn("session_read_error",
					slog.String("session_id", sess.id),
					slog.String("error", err.Error()))
			}
			break
		}
	}
	if len(carry) > 0 {
		h.emit(protocol.Data(sess.id, string(carry)))
	}

	status := exitStatus(sess.cmd.Wait())
	sess.close()

	h.mu.Lock()
	delete(h.sessions, sess.id)
	h.mu.Unlock()

	hostLog.Info("session_exited",
		slog.String("session_id", sess.id),
		slog.Int("status", status))
	h.emit(protocol.Exit(sess.id, status))
}

// emit blocks until the consumer takes the event, giving PTY output natural
// backpressure. After Close it only delivers if there is room.
func (h *Host) emit(ev protocol.Event) {
	select {
	case h.events <- ev:
	case <-h.done:
		select {
		case h.events <- ev:
		default:
			logging.Aggregate(logging.CompHost, "event_dropped_after_close",
				slog.String("event", string(ev.Kind)))
		}
	}
}

// WriteToSession writes raw input to the session's PTY.
func (h *Host) WriteToSession(_ context.Context, sessionID, data string) error {
	sess, err := h.get(sessionID)
	if err != nil {
		return err
	}
	if data == "" {
		return nil
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if _, err := sess.ptmx.Write([]byte(data)); err != nil {
		return fmt.Errorf("write error: %w", err)
	}
	return nil
}

// ResizeSession changes the PTY window size.
func (h *Host) ResizeSession(_ context.Context, sessionID string, cols, rows int) error {
	sess, err := h.get(sessionID)
	if err != nil {
		return err
	}
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid dimensions: cols=%d rows=%d", cols, rows)
	}
	if err := pty.Setsize(sess.ptmx, winsize(cols, rows)); err != nil {
		return fmt.Errorf("resize error: %w", err)
	}
	return nil
}

// TerminateSession signals the session's process group and closes its PTY.
// The exit event is still delivered. Unknown ids are not an error.
func (h *Host) TerminateSession(_ context.Context, sessionID string) error {
	h.mu.Lock()
	sess := h.sessions[sessionID]
	h.mu.Unlock()
	if sess == nil {
		return nil
	}
	hostLog.Info("session_terminate", slog.String("session_id", sessionID))
	sess.terminate()
	return nil
}

// Sessions returns the number of live sessions.
func (h *Host) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close terminates every session, waits for their exit events to be handed
// off, and closes the event channel.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	live := make([]*session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		live = append(live, sess)
	}
	h.mu.Unlock()

	close(h.done)
	for _, sess := range live {
		sess.terminate()
	}
	h.wg.Wait()
	close(h.events)
	return nil
}

func (h *Host) get(id string) (*session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required: %w", ErrSessionNotFound)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	sess := h.sessions[id]
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *session) terminate() {
	if s.cmd.Process != nil {
		// pty.Start puts the child in its own session, so its pid is the group id.
		if pgid, err := syscall.Getpgid(s.cmd.Process.Pid); err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
		} else {
			_ = s.cmd.Process.Kill()
		}
	}
	s.close()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		_ = s.ptmx.Close()
	})
}

// winsize builds a pty size, substituting defaults for non-positive values
// and clamping anything the kernel's 16-bit fields cannot hold.
func winsize(cols, rows int) *pty.Winsize {
	return &pty.Winsize{
		Cols: dimension(cols, defaultCols),
		Rows: dimension(rows, defaultRows),
	}
}

func dimension(n int, fallback uint16) uint16 {
	switch {
	case n <= 0:
		return fallback
	case n > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(n)
}

// exitStatus maps a Wait error to an exit code; -1 when the process was
// killed by a signal or the status is unknown.
func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func sessionEnv(base, extra []string) []string {
	env := make([]string, 0, len(base)+len(extra)+1)
	hasTerm := false
	for _, kv := range base {
		if strings.HasPrefix(kv, "TERM=") {
			hasTerm = true
		}
		env = append(env, kv)
	}
	if !hasTerm {
		env = append(env, "TERM=xterm-256color")
	}
	return append(env, extra...)
}
