package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/asheshgoplani/popper/internal/logging"
	"github.com/asheshgoplani/popper/internal/protocol"
)

var bridgeLog = logging.ForComponent(logging.CompBridge)

const outboxSize = 256

const (
	opWrite     = "write_to_session"
	opResize    = "resize_session"
	opTerminate = "terminate_session"
)

type command struct {
	op        string
	sessionID string
	data      string
	cols      int
	rows      int
}

// sessionBridge tracks the active session id and is the only path between
// the lifecycle loop and the host's per-session operations. accept, write,
// resize, activate and detach must be called from the controller loop.
// Commands are dispatched in order by a single sender goroutine.
type sessionBridge struct {
	host    Host
	display Display
	timeout time.Duration

	onExit          func(sessionID string, code int)
	onDispatchError func(*DispatchError)

	active string
	outbox chan command
}

func newSessionBridge(host Host, display Display, timeout time.Duration,
	onExit func(string, int), onDispatchError func(*DispatchError)) *sessionBridge {
	return &sessionBridge{
		host:            host,
		display:         display,
		timeout:         timeout,
		onExit:          onExit,
		onDispatchError: onDispatchError,
		outbox:          make(chan command, outboxSize),
	}
}

func (b *sessionBridge) activate(sessionID string) {
	b.active = sessionID
}

// detach clears the active session and returns the id it had, if any.
func (b *sessionBridge) detach() string {
	id := b.active
	b.active = ""
	return id
}

// accept routes an inbound host event. Events arriving while no session is
// active, or for any session other than the active one, are dropped.
func (b *sessionBridge) accept(ev protocol.Event) {
	if b.active == "" || ev.SessionID != b.active {
		logging.Aggregate(logging.CompBridge, "event_dropped_stale",
			slog.String("event", string(ev.Kind)),
			slog.String("session_id", ev.SessionID))
		return
	}

	switch ev.Kind {
	case protocol.EventData:
		b.display.Render(ev.Data)
	case protocol.EventExit:
		b.onExit(ev.SessionID, ev.Status)
	default:
		bridgeLog.Debug("event_unknown_kind", slog.String("event", string(ev.Kind)))
	}
}

func (b *sessionBridge) write(text string) {
	if b.active == "" {
		logging.Aggregate(logging.CompBridge, "input_dropped_no_session")
		return
	}
	if text == "" {
		return
	}
	b.enqueue(command{op: opWrite, sessionID: b.active, data: text})
}

func (b *sessionBridge) resize(cols, rows int) {
	if b.active == "" {
		logging.Aggregate(logging.CompBridge, "resize_dropped_no_session")
		return
	}
	b.enqueue(command{op: opResize, sessionID: b.active, cols: cols, rows: rows})
}

// terminate queues termination of a session that is no longer active, after
// any input already queued for it.
func (b *sessionBridge) terminate(sessionID string) {
	if sessionID == "" {
		return
	}
	b.enqueue(command{op: opTerminate, sessionID: sessionID})
}

func (b *sessionBridge) enqueue(cmd command) {
	select {
	case b.outbox <- cmd:
	default:
		b.report(&DispatchError{Op: cmd.op, SessionID: cmd.sessionID, Err: ErrOutboxFull})
	}
}

// run drains the outbox until ctx is done. Queued commands left at that
// point are discarded.
func (b *sessionBridge) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-b.outbox:
			if err := b.dispatch(ctx, cmd); err != nil {
				b.report(&DispatchError{Op: cmd.op, SessionID: cmd.sessionID, Err: err})
			}
		}
	}
}

func (b *sessionBridge) dispatch(ctx context.Context, cmd command) error {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	switch cmd.op {
	case opWrite:
		return b.host.WriteToSession(callCtx, cmd.sessionID, cmd.data)
	case opResize:
		return b.host.ResizeSession(callCtx, cmd.sessionID, cmd.cols, cmd.rows)
	case opTerminate:
		return b.host.TerminateSession(callCtx, cmd.sessionID)
	}
	return nil
}

func (b *sessionBridge) report(err *DispatchError) {
	if b.onDispatchError != nil {
		b.onDispatchError(err)
	}
}
