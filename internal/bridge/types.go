// Package bridge connects a terminal display to a single shell session owned
// by a host. The Controller runs the session lifecycle (start, startup
// timeout, exit, restart) on one goroutine; the session bridge it owns gates
// host events by session id and forwards input and resizes to the host.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/asheshgoplani/popper/internal/protocol"
)

// Phase is the lifecycle phase of the current shell session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseFailed
	PhaseExited
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseFailed:
		return "failed"
	case PhaseExited:
		return "exited"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a snapshot of the lifecycle. SessionID is set only while Running,
// Reason only when Failed, Code only when Exited.
type State struct {
	Phase     Phase
	SessionID string
	Reason    string
	Code      int
}

func idleState() State             { return State{Phase: PhaseIdle} }
func startingState() State         { return State{Phase: PhaseStarting} }
func runningState(id string) State { return State{Phase: PhaseRunning, SessionID: id} }
func failedState(reason string) State {
	return State{Phase: PhaseFailed, Reason: reason}
}
func exitedState(code int) State { return State{Phase: PhaseExited, Code: code} }

var (
	// ErrStartTimeout is the startup failure reported when the host does not
	// answer start_session within the start timeout.
	ErrStartTimeout = errors.New("start_session timed out")

	// ErrAlreadyRunning is returned by a second call to Controller.Run.
	ErrAlreadyRunning = errors.New("controller already running")

	// ErrOutboxFull is reported when a command cannot be queued for dispatch.
	ErrOutboxFull = errors.New("dispatch queue full")
)

// StartupError is a failed or timed-out start. It is shown to the user via
// the status line and is recoverable through restart.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string {
	if e.Err == nil {
		return "unknown error"
	}
	return e.Err.Error()
}

func (e *StartupError) Unwrap() error { return e.Err }

// DispatchError is a failed write, resize or terminate. It never changes the
// lifecycle state.
type DispatchError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Host is the shell host boundary. Events delivers pty-data and pty-exit
// notifications, with exactly one exit per session.
type Host interface {
	StartSession(ctx context.Context, cols, rows int) (string, error)
	WriteToSession(ctx context.Context, sessionID, data string) error
	ResizeSession(ctx context.Context, sessionID string, cols, rows int) error
	TerminateSession(ctx context.Context, sessionID string) error
	Events() <-chan protocol.Event
}

// Display is the terminal surface. Methods are called from the controller
// loop and must not block on the display's own event loop.
type Display interface {
	Render(text string)
	Reset()
	Geometry() (cols, rows int)
}

// StatusLine shows the status text.
type StatusLine interface {
	SetStatus(text string)
}

// Window is the application window. Close is invoked only on a clean exit.
type Window interface {
	Close()
}
