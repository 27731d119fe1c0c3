package ui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

// KeyMap holds the keys the app handles itself. Everything else is sent to
// the shell.
type KeyMap struct {
	Restart    key.Binding
	Quit       key.Binding
	ScrollUp   key.Binding
	ScrollDown key.Binding
	PageUp     key.Binding
	PageDown   key.Binding
}

// DefaultKeyMap returns the default bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Restart: key.NewBinding(
			key.WithKeys("f5"),
			key.WithHelp("F5", "restart"),
		),
		Quit: key.NewBinding(
			key.WithKeys("f10"),
			key.WithHelp("F10", "quit"),
		),
		ScrollUp: key.NewBinding(
			key.WithKeys("shift+up"),
			key.WithHelp("shift+↑", "scroll up"),
		),
		ScrollDown: key.NewBinding(
			key.WithKeys("shift+down"),
			key.WithHelp("shift+↓", "scroll down"),
		),
		PageUp: key.NewBinding(
			key.WithKeys("ctrl+pgup"),
			key.WithHelp("ctrl+pgup", "page up"),
		),
		PageDown: key.NewBinding(
			key.WithKeys("ctrl+pgdown"),
			key.WithHelp("ctrl+pgdown", "page down"),
		),
	}
}

// keySequences are the xterm sequences for keys without a byte value.
var keySequences = map[tea.KeyType]string{
	tea.KeyUp:       "\x1b[A",
	tea.KeyDown:     "\x1b[B",
	tea.KeyRight:    "\x1b[C",
	tea.KeyLeft:     "\x1b[D",
	tea.KeyShiftTab: "\x1b[Z",
	tea.KeyHome:     "\x1b[H",
	tea.KeyEnd:      "\x1b[F",
	tea.KeyInsert:   "\x1b[2~",
	tea.KeyDelete:   "\x1b[3~",
	tea.KeyPgUp:     "\x1b[5~",
	tea.KeyPgDown:   "\x1b[6~",
	tea.KeyF1:       "\x1bOP",
	tea.KeyF2:       "\x1bOQ",
	tea.KeyF3:       "\x1bOR",
	tea.KeyF4:       "\x1bOS",
}

// keyToBytes translates a key press into the bytes a terminal would send.
// It returns "" for keys with no terminal encoding.
func keyToBytes(msg tea.KeyMsg) string {
	var s string
	switch {
	case msg.Type == tea.KeyRunes:
		s = string(msg.Runes)
	case msg.Type == tea.KeySpace:
		s = " "
	case msg.Type >= 0 && msg.Type < 0x20, msg.Type == tea.KeyBackspace:
		// Control keys, enter, tab, escape and backspace carry their byte
		// value as the key type.
		s = string(rune(msg.Type))
	default:
		s = keySequences[msg.Type]
	}
	if s != "" && msg.Alt {
		s = "\x1b" + s
	}
	return s
}
