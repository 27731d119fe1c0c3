package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/popper/internal/protocol"
)

type startReply struct {
	id  string
	err error
}

type startCall struct {
	cols, rows int
	reply      chan startReply
}

// fakeHost hands every StartSession call to the test through starts and
// blocks until the test replies. It ignores the call's context so tests can
// model a host that answers late.
type fakeHost struct {
	starts chan startCall
	events chan protocol.Event

	mu         sync.Mutex
	writes     []string
	resizes    []string
	terminated []string
	writeErr   error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		starts: make(chan startCall, 16),
		events: make(chan protocol.Event, 64),
	}
}

func (h *fakeHost) StartSession(_ context.Context, cols, rows int) (string, error) {
	call := startCall{cols: cols, rows: rows, reply: make(chan startReply, 1)}
	h.starts <- call
	r := <-call.reply
	return r.id, r.err
}

func (h *fakeHost) WriteToSession(_ context.Context, sessionID, data string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writeErr != nil {
		return h.writeErr
	}
	h.writes = append(h.writes, sessionID+":"+data)
	return nil
}

func (h *fakeHost) ResizeSession(_ context.Context, sessionID string, cols, rows int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resizes = append(h.resizes, fmt.Sprintf("%s:%dx%d", sessionID, cols, rows))
	return nil
}

func (h *fakeHost) TerminateSession(_ context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = append(h.terminated, sessionID)
	return nil
}

func (h *fakeHost) Events() <-chan protocol.Event { return h.events }

func (h *fakeHost) setWriteErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writeErr = err
}

func (h *fakeHost) snapshot() (writes, resizes, terminated []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.writes...),
		append([]string(nil), h.resizes...),
		append([]string(nil), h.terminated...)
}

// fakeDisplay records renders and resets in one ordered log.
type fakeDisplay struct {
	mu         sync.Mutex
	log        []string
	cols, rows int
}

func (d *fakeDisplay) Render(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = append(d.log, "render:"+text)
}

func (d *fakeDisplay) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = append(d.log, "reset")
}

func (d *fakeDisplay) Geometry() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cols, d.rows
}

func (d *fakeDisplay) setGeometry(cols, rows int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cols, d.rows = cols, rows
}

func (d *fakeDisplay) entries() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.log...)
}

func (d *fakeDisplay) rendered() string {
	var b strings.Builder
	for _, e := range d.entries() {
		if text, ok := strings.CutPrefix(e, "render:"); ok {
			b.WriteString(text)
		}
	}
	return b.String()
}

type fakeStatus struct {
	mu      sync.Mutex
	history []string
}

func (s *fakeStatus) SetStatus(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, text)
}

func (s *fakeStatus) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return ""
	}
	return s.history[len(s.history)-1]
}

func (s *fakeStatus) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

type fakeWindow struct {
	mu     sync.Mutex
	closes int
}

func (w *fakeWindow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closes++
}

func (w *fakeWindow) closeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closes
}

type harness struct {
	ctrl    *Controller
	host    *fakeHost
	display *fakeDisplay
	status  *fakeStatus
	window  *fakeWindow

	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		host:    newFakeHost(),
		display: &fakeDisplay{cols: 80, rows: 24},
		status:  &fakeStatus{},
		window:  &fakeWindow{},
	}
	cfg := Config{
		AppName:         "Popper",
		Host:            h.host,
		Display:         h.display,
		Status:          h.status,
		Window:          h.window,
		StartTimeout:    5 * time.Second,
		DispatchTimeout: time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.ctrl = New(cfg)
	return h
}

// run starts the controller loop and stops it when the test ends.
func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.ctrl.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
	}
}

func (h *harness) nextStart(t *testing.T) startCall {
	t.Helper()
	select {
	case call := <-h.host.starts:
		return call
	case <-time.After(5 * time.Second):
		t.Fatal("no start_session request")
		return startCall{}
	}
}

func (h *harness) noStart(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case <-h.host.starts:
		t.Fatal("unexpected start_session request")
	case <-time.After(wait):
	}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ctrl.State() == want },
		5*time.Second, 5*time.Millisecond, "want state %+v, have %+v", want, h.ctrl.State())
}

// startRunning runs the controller and completes the first start with id.
func (h *harness) startRunning(t *testing.T, id string) {
	t.Helper()
	h.run(t)
	h.nextStart(t).reply <- startReply{id: id}
	h.waitState(t, runningState(id))
}
