package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/popper/internal/protocol"
)

func TestNewControllerIsIdle(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, idleState(), h.ctrl.State())
	assert.Equal(t, 5*time.Second, h.ctrl.StartTimeout())
	assert.Empty(t, h.status.all())
}

func TestNewControllerDefaults(t *testing.T) {
	c := New(Config{Host: newFakeHost(), Display: &fakeDisplay{}})
	assert.Equal(t, DefaultAppName, c.AppName())
	assert.Equal(t, DefaultStartTimeout, c.StartTimeout())

	c.SetStartTimeout(3 * time.Second)
	assert.Equal(t, 3*time.Second, c.StartTimeout())
	c.SetStartTimeout(0)
	assert.Equal(t, DefaultStartTimeout, c.StartTimeout())
}

func TestStartupThenEcho(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	call := h.nextStart(t)
	assert.Equal(t, 80, call.cols)
	assert.Equal(t, 24, call.rows)
	require.Eventually(t, func() bool { return h.status.current() == "Starting Popper shell…" },
		time.Second, 5*time.Millisecond)

	call.reply <- startReply{id: "s1"}
	h.waitState(t, runningState("s1"))
	assert.Equal(t, "Popper shell running", h.status.current())

	h.ctrl.Input("ls\r")
	require.Eventually(t, func() bool {
		writes, _, _ := h.host.snapshot()
		return len(writes) == 1 && writes[0] == "s1:ls\r"
	}, time.Second, 5*time.Millisecond)

	h.host.events <- protocol.Data("s1", "file.txt\r\n")
	require.Eventually(t, func() bool { return h.display.rendered() == "file.txt\r\n" },
		time.Second, 5*time.Millisecond)
}

func TestRepeatedStartWhileStartingSendsOneRequest(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	call := h.nextStart(t)
	for i := 0; i < 5; i++ {
		h.ctrl.Restart()
		time.Sleep(5 * time.Millisecond)
	}
	h.noStart(t, 100*time.Millisecond)

	call.reply <- startReply{id: "s1"}
	h.waitState(t, runningState("s1"))
	h.noStart(t, 50*time.Millisecond)
}

func TestStartDirectlyIgnoresSecondCallInFlight(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ctrl.start(ctx)
	h.ctrl.start(ctx)

	h.nextStart(t)
	h.noStart(t, 100*time.Millisecond)
	assert.True(t, h.ctrl.starting)
	assert.Equal(t, uint64(1), h.ctrl.attempt)
}

func TestForeignAndStaleEventsIgnored(t *testing.T) {
	h := newHarness(t)
	h.startRunning(t, "s1")

	h.host.events <- protocol.Data("s0", "old output")
	h.host.events <- protocol.Exit("s0", 1)
	h.host.events <- protocol.Data("s1", "mine")

	require.Eventually(t, func() bool { return h.display.rendered() == "mine" },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, runningState("s1"), h.ctrl.State())
	assert.Equal(t, 0, h.window.closeCount())
}

func TestOutputDuringStartingIsDropped(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	call := h.nextStart(t)
	h.host.events <- protocol.Data("s0", "previous shell")
	h.host.events <- protocol.Data("s1", "$ ")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.display.entries(), "nothing rendered while starting")

	call.reply <- startReply{id: "s1"}
	h.waitState(t, runningState("s1"))
	h.host.events <- protocol.Data("s1", "ls")

	require.Eventually(t, func() bool { return h.display.rendered() == "ls" },
		time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "ls", h.display.rendered())
}

func TestExitDuringStartingIsDropped(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	call := h.nextStart(t)
	h.host.events <- protocol.Exit("s1", 0)
	time.Sleep(50 * time.Millisecond)

	call.reply <- startReply{id: "s1"}
	h.waitState(t, runningState("s1"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, runningState("s1"), h.ctrl.State())
	assert.Equal(t, 0, h.window.closeCount())
}

func TestInputDuringStartingIsNotSent(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	call := h.nextStart(t)
	h.ctrl.Input("typed too early")
	call.reply <- startReply{id: "s1"}
	h.waitState(t, runningState("s1"))

	h.ctrl.Input("pwd\r")
	require.Eventually(t, func() bool {
		writes, _, _ := h.host.snapshot()
		return len(writes) > 0
	}, time.Second, 5*time.Millisecond)
	writes, _, _ := h.host.snapshot()
	assert.Equal(t, []string{"s1:pwd\r"}, writes)
}

func TestInputQueuedBehindStartOutcomeIsDropped(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.ctrl.bridge.run(ctx)

	// Input and a successful outcome are both waiting when the loop looks.
	h.ctrl.start(ctx)
	h.nextStart(t).reply <- startReply{id: "s1"}
	out := <-h.ctrl.outcomeCh
	h.ctrl.inputCh <- "typed while starting"

	h.ctrl.drainInput()
	h.ctrl.resolveStart(out)

	assert.Equal(t, runningState("s1"), h.ctrl.state)
	time.Sleep(50 * time.Millisecond)
	writes, _, _ := h.host.snapshot()
	assert.Empty(t, writes)
}

func TestFailedStartThenRestart(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	call := h.nextStart(t)
	h.host.events <- protocol.Data("s1", "orphan")
	time.Sleep(50 * time.Millisecond)

	call.reply <- startReply{err: errors.New("boom")}
	h.waitState(t, failedState("boom"))

	h.ctrl.Restart()
	h.nextStart(t).reply <- startReply{id: "s1"}
	h.waitState(t, runningState("s1"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"reset"}, h.display.entries())
}

func TestCleanExitClosesWindow(t *testing.T) {
	h := newHarness(t)
	h.startRunning(t, "s1")

	h.host.events <- protocol.Exit("s1", 0)
	h.waitState(t, exitedState(0))

	assert.Equal(t, "Popper exited. Closing app…", h.status.current())
	require.Eventually(t, func() bool { return h.window.closeCount() == 1 },
		time.Second, 5*time.Millisecond)
	for _, s := range h.status.all() {
		assert.NotContains(t, s, "Click restart")
	}
}

func TestAbnormalExitPromptsRestart(t *testing.T) {
	h := newHarness(t)
	h.startRunning(t, "s1")

	h.host.events <- protocol.Exit("s1", 2)
	h.waitState(t, exitedState(2))

	assert.Equal(t, "Popper exited unexpectedly (code 2). Click restart to relaunch.", h.status.current())
	assert.Equal(t, 0, h.window.closeCount())
}

func TestInputAfterExitIsNotSent(t *testing.T) {
	h := newHarness(t)
	h.startRunning(t, "s1")

	h.host.events <- protocol.Exit("s1", 2)
	h.waitState(t, exitedState(2))

	h.ctrl.Input("ignored")
	h.ctrl.Resize(100, 30)
	time.Sleep(50 * time.Millisecond)

	writes, resizes, _ := h.host.snapshot()
	assert.Empty(t, writes)
	assert.Empty(t, resizes)
}

func TestRestartAfterExitResetsBeforeNewOutput(t *testing.T) {
	h := newHarness(t)
	h.startRunning(t, "s1")

	h.host.events <- protocol.Data("s1", "before")
	h.host.events <- protocol.Exit("s1", 2)
	h.waitState(t, exitedState(2))

	h.ctrl.Restart()
	h.nextStart(t).reply <- startReply{id: "s2"}
	h.waitState(t, runningState("s2"))

	h.host.events <- protocol.Data("s2", "after")
	require.Eventually(t, func() bool {
		return len(h.display.entries()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"render:before", "reset", "render:after"}, h.display.entries())
}

func TestStartTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StartTimeout = 50 * time.Millisecond })
	h.run(t)

	call := h.nextStart(t)
	h.waitState(t, failedState("start_session timed out"))
	assert.Equal(t, "Failed to start Popper: start_session timed out", h.status.current())

	call.reply <- startReply{id: "late"}
	require.Eventually(t, func() bool {
		_, _, terminated := h.host.snapshot()
		return len(terminated) == 1 && terminated[0] == "late"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, failedState("start_session timed out"), h.ctrl.State())

	h.host.events <- protocol.Data("late", "ghost")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.display.rendered())
}

func TestStartErrorFails(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	h.nextStart(t).reply <- startReply{err: errors.New("shell program not found. Tried: /bin/nope")}
	h.waitState(t, failedState("shell program not found. Tried: /bin/nope"))
	assert.Equal(t, "Failed to start Popper: shell program not found. Tried: /bin/nope", h.status.current())

	h.ctrl.Restart()
	h.nextStart(t).reply <- startReply{id: "s2"}
	h.waitState(t, runningState("s2"))
}

func TestEmptySessionIDFails(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	h.nextStart(t).reply <- startReply{}
	require.Eventually(t, func() bool { return h.ctrl.State().Phase == PhaseFailed },
		time.Second, 5*time.Millisecond)
}

func TestStartupErrorWrapsCause(t *testing.T) {
	var states []State
	var mu sync.Mutex
	h := newHarness(t, func(c *Config) {
		c.StartTimeout = 20 * time.Millisecond
		c.OnStateChange = func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}
	})
	h.run(t)
	h.nextStart(t)
	h.waitState(t, failedState(ErrStartTimeout.Error()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, states, 2)
	assert.Equal(t, PhaseStarting, states[0].Phase)
	assert.Equal(t, PhaseFailed, states[1].Phase)

	err := error(&StartupError{Err: ErrStartTimeout})
	assert.ErrorIs(t, err, ErrStartTimeout)
}

func TestResizeForwardedOnlyWhileRunning(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	call := h.nextStart(t)
	h.display.setGeometry(120, 40)
	h.ctrl.Resize(120, 40)
	time.Sleep(20 * time.Millisecond)
	_, resizes, _ := h.host.snapshot()
	assert.Empty(t, resizes, "no resize dispatched while starting")

	call.reply <- startReply{id: "s1"}
	h.waitState(t, runningState("s1"))
	require.Eventually(t, func() bool {
		_, resizes, _ := h.host.snapshot()
		return len(resizes) == 1 && resizes[0] == "s1:120x40"
	}, time.Second, 5*time.Millisecond, "geometry changed during start is sent after running")

	h.ctrl.Resize(100, 30)
	require.Eventually(t, func() bool {
		_, resizes, _ := h.host.snapshot()
		return len(resizes) == 2 && resizes[1] == "s1:100x30"
	}, time.Second, 5*time.Millisecond)
}

func TestRestartWhileRunningTerminatesOldSession(t *testing.T) {
	h := newHarness(t)
	h.startRunning(t, "s1")

	h.ctrl.Restart()
	call := h.nextStart(t)
	require.Eventually(t, func() bool {
		_, _, terminated := h.host.snapshot()
		return len(terminated) == 1 && terminated[0] == "s1"
	}, time.Second, 5*time.Millisecond)

	h.host.events <- protocol.Exit("s1", -1)
	call.reply <- startReply{id: "s2"}
	h.waitState(t, runningState("s2"))
	assert.Equal(t, 0, h.window.closeCount())
}

func TestDispatchErrorDoesNotChangeState(t *testing.T) {
	errs := make(chan *DispatchError, 4)
	h := newHarness(t, func(c *Config) {
		c.OnDispatchError = func(err *DispatchError) { errs <- err }
	})
	h.startRunning(t, "s1")

	h.host.setWriteErr(errors.New("broken pipe"))
	h.ctrl.Input("x")

	select {
	case err := <-errs:
		assert.Equal(t, opWrite, err.Op)
		assert.Equal(t, "s1", err.SessionID)
		assert.EqualError(t, err.Err, "broken pipe")
	case <-time.After(time.Second):
		t.Fatal("dispatch error not reported")
	}
	assert.Equal(t, runningState("s1"), h.ctrl.State())
}

func TestRunTwiceReturnsErrAlreadyRunning(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.nextStart(t)

	err := h.ctrl.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestShutdownTerminatesActiveSession(t *testing.T) {
	h := newHarness(t)
	h.startRunning(t, "s1")

	h.stop(t)

	_, _, terminated := h.host.snapshot()
	assert.Equal(t, []string{"s1"}, terminated)

	// Ingress after the loop is gone must not block.
	h.ctrl.Input("x")
	h.ctrl.Resize(1, 1)
	h.ctrl.Restart()
}

func TestHostEventsClosedKeepsLoopAlive(t *testing.T) {
	h := newHarness(t)
	h.startRunning(t, "s1")

	close(h.host.events)
	time.Sleep(20 * time.Millisecond)

	h.ctrl.Input("still here")
	require.Eventually(t, func() bool {
		writes, _, _ := h.host.snapshot()
		return len(writes) == 1
	}, time.Second, 5*time.Millisecond)
}
