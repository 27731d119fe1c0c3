package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/popper/internal/logging"
)

var lifecycleLog = logging.ForComponent(logging.CompLifecycle)

const (
	DefaultStartTimeout    = 8 * time.Second
	DefaultDispatchTimeout = 2 * time.Second
	DefaultAppName         = "Popper"

	inputBufferSize  = 256
	resizeBufferSize = 16
)

// Config wires a Controller. Host and Display are required.
type Config struct {
	AppName         string
	Host            Host
	Display         Display
	Status          StatusLine
	Window          Window
	StartTimeout    time.Duration
	DispatchTimeout time.Duration

	// OnStateChange, if set, is called on the controller loop after every
	// transition. It must not block.
	OnStateChange func(State)
	// OnDispatchError, if set, is called for every failed host command.
	OnDispatchError func(*DispatchError)
}

type geometry struct {
	cols, rows int
}

type startOutcome struct {
	attempt   uint64
	sessionID string
	err       error
}

// Controller owns the lifecycle of one shell session. All state transitions
// happen on the goroutine running Run; Input, Resize and Restart may be
// called from anywhere.
type Controller struct {
	app     string
	host    Host
	display Display
	status  StatusLine
	window  Window
	bridge  *sessionBridge

	startTimeout    atomic.Int64
	dispatchTimeout time.Duration
	onStateChange   func(State)
	onDispatchError func(*DispatchError)
	errLog          rate.Sometimes

	inputCh   chan string
	resizeCh  chan geometry
	restartCh chan struct{}
	outcomeCh chan startOutcome
	done      chan struct{}

	running  atomic.Bool
	snapshot atomic.Pointer[State]

	// Owned by the loop goroutine.
	state     State
	starting  bool
	attempt   uint64
	startGeom geometry
}

// New creates a controller in the Idle state. Nothing happens until Run.
func New(cfg Config) *Controller {
	c := &Controller{
		app:             cfg.AppName,
		host:            cfg.Host,
		display:         cfg.Display,
		status:          cfg.Status,
		window:          cfg.Window,
		dispatchTimeout: cfg.DispatchTimeout,
		onStateChange:   cfg.OnStateChange,
		onDispatchError: cfg.OnDispatchError,
		errLog:          rate.Sometimes{First: 3, Interval: 5 * time.Second},
		inputCh:         make(chan string, inputBufferSize),
		resizeCh:        make(chan geometry, resizeBufferSize),
		restartCh:       make(chan struct{}, 1),
		outcomeCh:       make(chan startOutcome, 1),
		done:            make(chan struct{}),
		state:           idleState(),
	}
	if c.app == "" {
		c.app = DefaultAppName
	}
	if c.status == nil {
		c.status = nopStatus{}
	}
	if c.window == nil {
		c.window = nopWindow{}
	}
	if c.dispatchTimeout <= 0 {
		c.dispatchTimeout = DefaultDispatchTimeout
	}
	c.SetStartTimeout(cfg.StartTimeout)
	c.bridge = newSessionBridge(c.host, c.display, c.dispatchTimeout, c.handleExit, c.reportDispatchError)

	initial := c.state
	c.snapshot.Store(&initial)
	return c
}

// SetStartTimeout changes the timeout used by the next start attempt.
// Non-positive values restore the default.
func (c *Controller) SetStartTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultStartTimeout
	}
	c.startTimeout.Store(int64(d))
}

// StartTimeout returns the timeout the next start attempt will use.
func (c *Controller) StartTimeout() time.Duration {
	return time.Duration(c.startTimeout.Load())
}

// State returns the most recently published lifecycle state.
func (c *Controller) State() State {
	return *c.snapshot.Load()
}

// AppName is the name used in status text.
func (c *Controller) AppName() string {
	return c.app
}

// Input queues typed text for the running session. It is dropped if no
// session is running when the loop handles it.
func (c *Controller) Input(text string) {
	select {
	case c.inputCh <- text:
	case <-c.done:
	}
}

// Resize reports a new display geometry.
func (c *Controller) Resize(cols, rows int) {
	select {
	case c.resizeCh <- geometry{cols: cols, rows: rows}:
	case <-c.done:
	}
}

// Restart asks for the display to be cleared and a new session started.
// Requests made while one is pending are coalesced.
func (c *Controller) Restart() {
	select {
	case c.restartCh <- struct{}{}:
	default:
	}
}

// Run starts the first session and handles every lifecycle event until ctx
// is done, at which point the active session is terminated. Run may only be
// called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.bridge.run(ctx)

	lifecycleLog.Info("controller_started",
		slog.String("app", c.app),
		slog.Duration("start_timeout", c.StartTimeout()))

	events := c.host.Events()
	c.start(ctx)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil

		case text := <-c.inputCh:
			c.bridge.write(text)

		case g := <-c.resizeCh:
			c.handleResize(g)

		case <-c.restartCh:
			c.restart(ctx)

		case out := <-c.outcomeCh:
			// Keystrokes queued before the outcome was seen were typed
			// while Starting and must not reach the new session.
			c.drainInput()
			c.resolveStart(out)

		case ev, ok := <-events:
			if !ok {
				lifecycleLog.Warn("host_events_closed")
				events = nil
				continue
			}
			c.bridge.accept(ev)
		}
	}
}

// drainInput applies every keystroke already queued, without blocking.
func (c *Controller) drainInput() {
	for {
		select {
		case text := <-c.inputCh:
			c.bridge.write(text)
		default:
			return
		}
	}
}

// start begins a new start attempt unless one is already outstanding.
func (c *Controller) start(ctx context.Context) {
	if c.starting {
		logging.Aggregate(logging.CompLifecycle, "start_ignored_in_flight")
		return
	}
	c.starting = true
	c.attempt++

	if prev := c.bridge.detach(); prev != "" {
		lifecycleLog.Info("session_detached", slog.String("session_id", prev))
		c.bridge.terminate(prev)
	}

	c.setState(startingState())

	cols, rows := c.display.Geometry()
	c.startGeom = geometry{cols: cols, rows: rows}

	go c.requestStart(ctx, c.attempt, cols, rows)
}

// requestStart races StartSession against the start timeout and posts
// exactly one outcome for the attempt.
func (c *Controller) requestStart(ctx context.Context, attempt uint64, cols, rows int) {
	startCtx, cancel := context.WithTimeout(ctx, c.StartTimeout())
	defer cancel()

	results := make(chan startResult, 1)
	go func() {
		id, err := c.host.StartSession(startCtx, cols, rows)
		results <- startResult{id: id, err: err}
	}()

	out := startOutcome{attempt: attempt}
	select {
	case r := <-results:
		out.sessionID, out.err = r.id, r.err
		if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			out.err = ErrStartTimeout
		}
	case <-startCtx.Done():
		out.err = ErrStartTimeout
		if ctx.Err() != nil {
			out.err = ctx.Err()
		}
		go c.reapLateStart(results)
	}
	if out.err == nil && out.sessionID == "" {
		out.err = errors.New("host returned an empty session id")
	}
	if out.err != nil {
		out.err = &StartupError{Err: out.err}
	}

	select {
	case c.outcomeCh <- out:
	case <-c.done:
		if out.err == nil {
			c.terminateDirect(out.sessionID)
		}
	}
}

type startResult struct {
	id  string
	err error
}

// reapLateStart terminates a session whose start succeeded after the
// attempt had already been given up.
func (c *Controller) reapLateStart(results <-chan startResult) {
	r := <-results
	if r.err != nil || r.id == "" {
		return
	}
	lifecycleLog.Warn("late_start_terminated", slog.String("session_id", r.id))
	c.terminateDirect(r.id)
}

// resolveStart is the single place an attempt's outcome is applied.
func (c *Controller) resolveStart(out startOutcome) {
	if out.attempt != c.attempt || !c.starting {
		lifecycleLog.Warn("start_outcome_stale", slog.Uint64("attempt", out.attempt))
		if out.err == nil {
			c.bridge.terminate(out.sessionID)
		}
		return
	}
	defer func() { c.starting = false }()

	if out.err != nil {
		lifecycleLog.Error("session_start_failed",
			slog.Uint64("attempt", out.attempt),
			slog.String("error", out.err.Error()))
		c.setState(failedState(out.err.Error()))
		return
	}

	c.bridge.activate(out.sessionID)
	c.setState(runningState(out.sessionID))
	lifecycleLog.Info("session_running",
		slog.String("session_id", out.sessionID),
		slog.Uint64("attempt", out.attempt))

	// The display may have changed size while the start was in flight.
	cols, rows := c.display.Geometry()
	if now := (geometry{cols: cols, rows: rows}); now != c.startGeom {
		c.bridge.resize(cols, rows)
	}
}

func (c *Controller) handleExit(sessionID string, code int) {
	c.bridge.detach()
	c.setState(exitedState(code))
	lifecycleLog.Info("session_exit",
		slog.String("session_id", sessionID),
		slog.Int("code", code))

	if code == 0 {
		c.window.Close()
	}
}

func (c *Controller) restart(ctx context.Context) {
	lifecycleLog.Info("restart_requested", slog.String("phase", c.state.Phase.String()))
	c.display.Reset()
	c.start(ctx)
}

// handleResize forwards a geometry change to the running session. The
// display itself remembers the size for the next start.
func (c *Controller) handleResize(g geometry) {
	if c.state.Phase == PhaseRunning {
		c.bridge.resize(g.cols, g.rows)
	}
}

func (c *Controller) shutdown() {
	if id := c.bridge.detach(); id != "" {
		c.terminateDirect(id)
	}
	lifecycleLog.Info("controller_stopped")
}

// terminateDirect calls the host outside the dispatch queue, for use when the
// loop is gone or from helper goroutines.
func (c *Controller) terminateDirect(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.dispatchTimeout)
	defer cancel()
	if err := c.host.TerminateSession(ctx, sessionID); err != nil {
		c.reportDispatchError(&DispatchError{Op: opTerminate, SessionID: sessionID, Err: err})
	}
}

// setState applies a transition. The snapshot is published last so an
// observer that sees a state also sees its status text.
func (c *Controller) setState(s State) {
	c.state = s
	c.status.SetStatus(StatusText(c.app, s))
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
	snap := s
	c.snapshot.Store(&snap)
}

func (c *Controller) reportDispatchError(err *DispatchError) {
	c.errLog.Do(func() {
		lifecycleLog.Warn("dispatch_failed",
			slog.String("op", err.Op),
			slog.String("session_id", err.SessionID),
			slog.String("error", err.Err.Error()))
	})
	if c.onDispatchError != nil {
		c.onDispatchError(err)
	}
}

type nopStatus struct{}

func (nopStatus) SetStatus(string) {}

type nopWindow struct{}

func (nopWindow) Close() {}
