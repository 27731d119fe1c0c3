// Package ui is the bubbletea display surface: a scrolling terminal view
// with a status bar and a restart button.
package ui

import (
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/asheshgoplani/popper/internal/bridge"
	"github.com/asheshgoplani/popper/internal/logging"
)

var uiLog = logging.ForComponent(logging.CompUI)

const (
	restartLabel    = "[ Restart ]"
	statusBarHeight = 1
	wheelLines      = 3
)

// Controller is the part of the lifecycle controller the view drives.
type Controller interface {
	Input(text string)
	Resize(cols, rows int)
	Restart()
	State() bridge.State
}

// ThemeMsg switches the color theme ("dark" or "light").
type ThemeMsg struct {
	Theme string
}

type screenChangedMsg struct{}

type screenClosedMsg struct{}

type systemThemeMsg struct {
	theme string
}

// Model is the bubbletea model for the shell window.
type Model struct {
	ctrl     Controller
	screen   *Screen
	keys     KeyMap
	viewport viewport.Model

	width, height int
	ready         bool

	themeCh <-chan string
}

// Option configures a Model.
type Option func(*Model)

// WithSystemTheme makes the model follow the OS dark mode setting.
func WithSystemTheme(st *SystemTheme) Option {
	return func(m *Model) {
		if st != nil {
			m.themeCh = st.Themes()
		}
	}
}

// NewModel creates the view for ctrl, drawing from screen.
func NewModel(ctrl Controller, screen *Screen, opts ...Option) Model {
	m := Model{
		ctrl:     ctrl,
		screen:   screen,
		keys:     DefaultKeyMap(),
		viewport: viewport.New(0, 0),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Init starts listening for screen and theme changes.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForScreen(m.screen), listenForTheme(m.themeCh))
}

// waitForScreen blocks until the screen changes or is closed.
func waitForScreen(s *Screen) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-s.Changed():
			return screenChangedMsg{}
		case <-s.Closed():
			return screenClosedMsg{}
		}
	}
}

func listenForTheme(ch <-chan string) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		theme, ok := <-ch
		if !ok {
			return nil
		}
		return systemThemeMsg{theme: theme}
	}
}

// Update handles a message.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout(msg.Width, msg.Height)
		return m, nil

	case screenChangedMsg:
		m.refresh()
		return m, waitForScreen(m.screen)

	case screenClosedMsg:
		uiLog.Info("window_closed")
		return m, tea.Quit

	case ThemeMsg:
		InitTheme(msg.Theme)
		return m, nil

	case systemThemeMsg:
		uiLog.Info("system_theme_changed", slog.String("theme", msg.theme))
		InitTheme(msg.theme)
		return m, listenForTheme(m.themeCh)

	case tea.MouseMsg:
		m.handleMouse(msg)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Restart):
		m.ctrl.Restart()
		return m, nil
	case key.Matches(msg, m.keys.ScrollUp):
		m.scroll(-1)
		return m, nil
	case key.Matches(msg, m.keys.ScrollDown):
		m.scroll(1)
		return m, nil
	case key.Matches(msg, m.keys.PageUp):
		m.scroll(-m.viewport.Height)
		return m, nil
	case key.Matches(msg, m.keys.PageDown):
		m.scroll(m.viewport.Height)
		return m, nil
	}

	data := keyToBytes(msg)
	if data == "" {
		return m, nil
	}
	m.viewport.GotoBottom()
	m.ctrl.Input(data)
	return m, nil
}

func (m *Model) handleMouse(msg tea.MouseMsg) {
	if msg.Action != tea.MouseActionPress {
		return
	}
	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.scroll(-wheelLines)
	case tea.MouseButtonWheelDown:
		m.scroll(wheelLines)
	case tea.MouseButtonLeft:
		if m.onRestartButton(msg.X, msg.Y) {
			uiLog.Info("restart_clicked")
			m.ctrl.Restart()
		}
	}
}

func (m *Model) scroll(lines int) {
	m.viewport.SetYOffset(m.viewport.YOffset + lines)
}

// layout sizes the viewport above the status bar and reports the terminal
// area to the controller.
func (m *Model) layout(width, height int) {
	m.width, m.height = width, height
	rows := height - statusBarHeight
	if rows < 0 {
		rows = 0
	}
	m.viewport.Width = width
	m.viewport.Height = rows
	m.ready = true

	m.screen.SetGeometry(width, rows)
	m.ctrl.Resize(width, rows)
	m.refresh()
}

// refresh copies the screen into the viewport, following new output only
// when the view was already at the bottom.
func (m *Model) refresh() {
	wasAtBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.screen.Content())
	if wasAtBottom {
		m.viewport.GotoBottom()
	}
}

func (m Model) buttonStart() int {
	start := m.width - runewidth.StringWidth(restartLabel)
	if start < 0 {
		return 0
	}
	return start
}

func (m Model) onRestartButton(x, y int) bool {
	if !m.ready || y != m.height-1 {
		return false
	}
	return x >= m.buttonStart() && x < m.width
}

// View renders the terminal area and the status bar.
func (m Model) View() string {
	if !m.ready {
		return ""
	}
	return m.viewport.View() + "\n" + m.renderStatusBar()
}

func (m Model) renderStatusBar() string {
	st := currentStyles()

	textStyle := st.bar
	switch m.ctrl.State().Phase {
	case bridge.PhaseStarting:
		textStyle = st.starting
	case bridge.PhaseRunning:
		textStyle = st.running
	case bridge.PhaseFailed:
		textStyle = st.failed
	case bridge.PhaseExited:
		textStyle = st.exited
	}

	left := m.buttonStart()
	var body string
	if left > 1 {
		body = " " + runewidth.Truncate(m.screen.Status(), left-1, "…")
	}
	if pad := left - runewidth.StringWidth(body); pad > 0 {
		body += strings.Repeat(" ", pad)
	}

	label := restartLabel
	if m.width < runewidth.StringWidth(restartLabel) {
		label = runewidth.Truncate(restartLabel, m.width, "")
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, textStyle.Render(body), st.button.Render(label))
}
