package ui

import (
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/popper/internal/bridge"
)

type fakeController struct {
	mu       sync.Mutex
	inputs   []string
	resizes  [][2]int
	restarts int
	state    bridge.State
}

func (c *fakeController) Input(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs = append(c.inputs, text)
}

func (c *fakeController) Resize(cols, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resizes = append(c.resizes, [2]int{cols, rows})
}

func (c *fakeController) Restart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restarts++
}

func (c *fakeController) State() bridge.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func newTestModel(t *testing.T) (Model, *fakeController, *Screen) {
	t.Helper()
	ctrl := &fakeController{state: bridge.State{Phase: bridge.PhaseRunning, SessionID: "s1"}}
	screen := NewScreen(0)
	m := NewModel(ctrl, screen)
	return update(t, m, tea.WindowSizeMsg{Width: 40, Height: 10}), ctrl, screen
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok, "Update returned %T", next)
	return out
}

func TestModelLayoutReportsTerminalArea(t *testing.T) {
	_, ctrl, screen := newTestModel(t)

	assert.Equal(t, [][2]int{{40, 9}}, ctrl.resizes)
	cols, rows := screen.Geometry()
	assert.Equal(t, 40, cols)
	assert.Equal(t, 9, rows)
}

func TestModelViewBeforeLayout(t *testing.T) {
	m := NewModel(&fakeController{}, NewScreen(0))
	assert.Equal(t, "", m.View())
}

func TestModelViewShowsOutputAndStatus(t *testing.T) {
	m, _, screen := newTestModel(t)
	screen.Render("$ echo hi\r\nhi\r\n")
	screen.SetStatus("Popper shell running")
	m = update(t, m, screenChangedMsg{})

	view := m.View()
	assert.Contains(t, view, "$ echo hi")
	assert.Contains(t, view, "Popper shell running")
	assert.Contains(t, view, restartLabel)
}

func TestModelStatusTruncatedToWidth(t *testing.T) {
	m, ctrl, screen := newTestModel(t)
	ctrl.state = bridge.State{Phase: bridge.PhaseExited, Code: 2}
	screen.SetStatus(bridge.StatusText("Popper", ctrl.state))
	m = update(t, m, screenChangedMsg{})

	view := m.View()
	assert.Contains(t, view, "Popper exited")
	assert.NotContains(t, view, "relaunch.")
	assert.Contains(t, view, restartLabel)
}

func TestModelTypingSendsInput(t *testing.T) {
	m, ctrl, _ := newTestModel(t)
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("ls")})
	m = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	_ = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})

	assert.Equal(t, []string{"ls", "\r", "\x03"}, ctrl.inputs)
}

func TestModelRestartKey(t *testing.T) {
	m, ctrl, _ := newTestModel(t)
	_ = update(t, m, tea.KeyMsg{Type: tea.KeyF5})

	assert.Equal(t, 1, ctrl.restarts)
	assert.Empty(t, ctrl.inputs)
}

func TestModelQuitKey(t *testing.T) {
	m, ctrl, _ := newTestModel(t)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyF10})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, ctrl.inputs)
}

func TestModelRestartButtonClick(t *testing.T) {
	m, ctrl, _ := newTestModel(t)

	click := func(x, y int) {
		m = update(t, m, tea.MouseMsg{X: x, Y: y, Action: tea.MouseActionPress, Button: tea.MouseButtonLeft})
	}

	click(39, 9)
	assert.Equal(t, 1, ctrl.restarts, "right edge of the button")

	click(29, 9)
	assert.Equal(t, 2, ctrl.restarts, "left edge of the button")

	click(28, 9)
	click(35, 8)
	assert.Equal(t, 2, ctrl.restarts, "clicks outside the button are ignored")

	m = update(t, m, tea.MouseMsg{X: 35, Y: 9, Action: tea.MouseActionRelease, Button: tea.MouseButtonLeft})
	assert.Equal(t, 2, ctrl.restarts, "release is not a click")
}

func TestModelFollowsOutputUnlessScrolledBack(t *testing.T) {
	m, _, screen := newTestModel(t)
	for i := 0; i < 30; i++ {
		screen.Render("line\r\n")
	}
	m = update(t, m, screenChangedMsg{})
	require.True(t, m.viewport.AtBottom())

	m = update(t, m, tea.MouseMsg{Action: tea.MouseActionPress, Button: tea.MouseButtonWheelUp})
	require.False(t, m.viewport.AtBottom())
	offset := m.viewport.YOffset

	screen.Render("more\r\n")
	m = update(t, m, screenChangedMsg{})
	assert.Equal(t, offset, m.viewport.YOffset, "scrolled-back view stays put")

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	assert.True(t, m.viewport.AtBottom(), "typing jumps back to the bottom")
}

func TestModelScreenCloseQuits(t *testing.T) {
	m, _, screen := newTestModel(t)
	screen.Close()

	msg := waitForScreen(screen)()
	_, cmd := m.Update(msg)
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}

func TestModelScreenChangeRearms(t *testing.T) {
	m, _, screen := newTestModel(t)
	screen.Render("x")

	msg := waitForScreen(screen)()
	require.Equal(t, screenChangedMsg{}, msg)
	_, cmd := m.Update(msg)
	assert.NotNil(t, cmd)
}

func TestModelThemeMsg(t *testing.T) {
	t.Cleanup(func() { InitTheme("dark") })
	m, _, _ := newTestModel(t)

	m = update(t, m, ThemeMsg{Theme: "light"})
	assert.Equal(t, ThemeLight, GetCurrentTheme())

	_ = update(t, m, systemThemeMsg{theme: "dark"})
	assert.Equal(t, ThemeDark, GetCurrentTheme())
}

func TestListenForThemeWithoutWatcher(t *testing.T) {
	assert.Nil(t, listenForTheme(nil))

	ch := make(chan string, 1)
	ch <- "light"
	assert.Equal(t, systemThemeMsg{theme: "light"}, listenForTheme(ch)())

	close(ch)
	assert.Nil(t, listenForTheme(ch)())
}
