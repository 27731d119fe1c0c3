package ui

import (
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Theme represents the current color scheme
type Theme string

const (
	ThemeDark  Theme = "dark"
	ThemeLight Theme = "light"
)

var currentTheme Theme = ThemeDark

type palette struct {
	Bg, Surface, Border, Text, TextDim lipgloss.Color
	Accent, Green, Yellow, Red         lipgloss.Color
}

// Dark Theme - Tokyo Night
var darkColors = palette{
	Bg:      lipgloss.Color("#1a1b26"),
	Surface: lipgloss.Color("#24283b"),
	Border:  lipgloss.Color("#414868"),
	Text:    lipgloss.Color("#c0caf5"),
	TextDim: lipgloss.Color("#787fa0"),
	Accent:  lipgloss.Color("#7aa2f7"),
	Green:   lipgloss.Color("#9ece6a"),
	Yellow:  lipgloss.Color("#e0af68"),
	Red:     lipgloss.Color("#f7768e"),
}

// Light Theme - Tokyo Night Light variant
var lightColors = palette{
	Bg:      lipgloss.Color("#d5d6db"),
	Surface: lipgloss.Color("#e9e9ec"),
	Border:  lipgloss.Color("#9699a3"),
	Text:    lipgloss.Color("#343b58"),
	TextDim: lipgloss.Color("#6a6d7c"),
	Accent:  lipgloss.Color("#34548a"),
	Green:   lipgloss.Color("#485e30"),
	Yellow:  lipgloss.Color("#8f5e15"),
	Red:     lipgloss.Color("#8c4351"),
}

// Active color variables (set by InitTheme)
var (
	ColorBg      lipgloss.Color
	ColorSurface lipgloss.Color
	ColorBorder  lipgloss.Color
	ColorText    lipgloss.Color
	ColorTextDim lipgloss.Color
	ColorAccent  lipgloss.Color
	ColorGreen   lipgloss.Color
	ColorYellow  lipgloss.Color
	ColorRed     lipgloss.Color
)

// themeMu protects the color and style variables during live theme switches.
var themeMu sync.RWMutex

// InitTheme sets the active color palette based on theme name.
// Anything other than "light" selects the dark palette.
func InitTheme(theme string) {
	themeMu.Lock()
	defer themeMu.Unlock()

	p := darkColors
	currentTheme = ThemeDark
	if theme == string(ThemeLight) {
		p = lightColors
		currentTheme = ThemeLight
	}
	ColorBg = p.Bg
	ColorSurface = p.Surface
	ColorBorder = p.Border
	ColorText = p.Text
	ColorTextDim = p.TextDim
	ColorAccent = p.Accent
	ColorGreen = p.Green
	ColorYellow = p.Yellow
	ColorRed = p.Red

	initStyles()
}

// GetCurrentTheme returns the active theme
func GetCurrentTheme() Theme {
	themeMu.RLock()
	defer themeMu.RUnlock()
	return currentTheme
}

func init() {
	InitTheme("dark")
}

// Status bar styles, one per lifecycle phase.
var (
	StatusBarStyle      lipgloss.Style
	StatusStartingStyle lipgloss.Style
	StatusRunningStyle  lipgloss.Style
	StatusFailedStyle   lipgloss.Style
	StatusExitedStyle   lipgloss.Style
	RestartButtonStyle  lipgloss.Style
)

func initStyles() {
	StatusBarStyle = lipgloss.NewStyle().
		Background(ColorSurface).
		Foreground(ColorText)
	StatusStartingStyle = StatusBarStyle.Foreground(ColorYellow)
	StatusRunningStyle = StatusBarStyle.Foreground(ColorGreen)
	StatusFailedStyle = StatusBarStyle.Foreground(ColorRed).Bold(true)
	StatusExitedStyle = StatusBarStyle.Foreground(ColorTextDim)
	RestartButtonStyle = lipgloss.NewStyle().
		Background(ColorAccent).
		Foreground(ColorBg).
		Bold(true)
}

// styleSnapshot is a consistent set of styles for one render.
type styleSnapshot struct {
	bar, starting, running, failed, exited, button lipgloss.Style
}

func currentStyles() styleSnapshot {
	themeMu.RLock()
	defer themeMu.RUnlock()
	return styleSnapshot{
		bar:      StatusBarStyle,
		starting: StatusStartingStyle,
		running:  StatusRunningStyle,
		failed:   StatusFailedStyle,
		exited:   StatusExitedStyle,
		button:   RestartButtonStyle,
	}
}
