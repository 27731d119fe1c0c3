package ui

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// DefaultScrollback is the number of completed lines a Screen keeps.
const DefaultScrollback = 2000

const tabWidth = 8

// maxPendingSeq bounds an escape sequence held across Render calls. A longer
// unterminated sequence is discarded.
const maxPendingSeq = 4096

// Screen is the terminal surface the controller draws into. It is safe for
// concurrent use and never blocks: the bubbletea program learns about
// changes through Changed, in the same way the storage watcher signals
// reloads.
//
// Output is treated as a plain text stream: escape sequences are stripped,
// even when split across Render calls, "\n" also returns the carriage, "\r"
// returns the carriage, and backspace moves left.
type Screen struct {
	mu         sync.Mutex
	lines      []string
	cur        []rune
	col        int
	scrollback int
	cols, rows int
	status     string
	// pendingSeq is the start of an escape sequence the last Render ended in.
	pendingSeq string

	changed   chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewScreen creates an empty screen keeping at most scrollback lines.
func NewScreen(scrollback int) *Screen {
	if scrollback <= 0 {
		scrollback = DefaultScrollback
	}
	return &Screen{
		scrollback: scrollback,
		changed:    make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
	}
}

// Render appends terminal output.
func (s *Screen) Render(text string) {
	s.mu.Lock()
	text = s.pendingSeq + text
	s.pendingSeq = ""

	visible := false
	for len(text) > 0 {
		seq, width, n, state := ansi.DecodeSequence(text, ansi.NormalState, nil)
		if state != ansi.NormalState {
			// The input ran out inside a sequence; finish it next time.
			if len(seq) <= maxPendingSeq {
				s.pendingSeq = seq
			}
			break
		}
		if n <= 0 {
			n = 1
		}
		text = text[n:]
		if width == 0 && !isControl(seq) {
			continue
		}
		for _, r := range seq {
			s.put(r)
		}
		visible = true
	}
	if visible {
		s.trim()
	}
	s.mu.Unlock()

	if visible {
		s.notify()
	}
}

func isControl(seq string) bool {
	return len(seq) == 1 && (seq[0] < 0x20 || seq[0] == 0x7f)
}

func (s *Screen) put(r rune) {
	switch r {
	case '\n':
		s.lines = append(s.lines, string(s.cur))
		s.cur = s.cur[:0:0]
		s.col = 0
	case '\r':
		s.col = 0
	case '\b':
		if s.col > 0 {
			s.col--
		}
	case '\t':
		next := (s.col/tabWidth + 1) * tabWidth
		for s.col < next {
			s.write(' ')
		}
	default:
		if r < 0x20 || r == 0x7f {
			return
		}
		s.write(r)
	}
}

// write places r at the cursor, overwriting what is there.
func (s *Screen) write(r rune) {
	if s.col < len(s.cur) {
		s.cur[s.col] = r
	} else {
		for len(s.cur) < s.col {
			s.cur = append(s.cur, ' ')
		}
		s.cur = append(s.cur, r)
	}
	s.col++
}

func (s *Screen) trim() {
	if over := len(s.lines) - s.scrollback; over > 0 {
		s.lines = append([]string(nil), s.lines[over:]...)
	}
}

// Reset clears all output.
func (s *Screen) Reset() {
	s.mu.Lock()
	s.lines = nil
	s.cur = nil
	s.col = 0
	s.pendingSeq = ""
	s.mu.Unlock()
	s.notify()
}

// Content returns the scrollback and the current line joined by newlines.
func (s *Screen) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return string(s.cur)
	}
	var b strings.Builder
	for _, l := range s.lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString(string(s.cur))
	return b.String()
}

// LineCount returns the number of completed lines held.
func (s *Screen) LineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
}

// SetGeometry records the size of the visible terminal area.
func (s *Screen) SetGeometry(cols, rows int) {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
}

// Geometry returns the last recorded size; zero before the first layout.
func (s *Screen) Geometry() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// SetStatus sets the status line text.
func (s *Screen) SetStatus(text string) {
	s.mu.Lock()
	s.status = text
	s.mu.Unlock()
	s.notify()
}

// Status returns the status line text.
func (s *Screen) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Close asks the program to quit. Safe to call multiple times.
func (s *Screen) Close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
}

// Changed receives a value whenever output or status changed since the
// last receive.
func (s *Screen) Changed() <-chan struct{} {
	return s.changed
}

// Closed is closed once Close has been called.
func (s *Screen) Closed() <-chan struct{} {
	return s.closeCh
}

func (s *Screen) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}
