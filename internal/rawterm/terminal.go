// Package rawterm is the passthrough display surface: stdin is put in raw
// mode and shell output goes straight to stdout.
package rawterm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/muesli/cancelreader"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/asheshgoplani/popper/internal/logging"
)

var rawLog = logging.ForComponent(logging.CompUI)

const (
	// RestartKey is Ctrl+].
	RestartKey = 0x1d
	// QuitKey is Ctrl+Q.
	QuitKey = 0x11

	// clearScreen erases the screen and scrollback and homes the cursor.
	clearScreen = "\x1b[H\x1b[2J\x1b[3J"

	// controlSeqTimeout drops replies to terminal capability queries that
	// arrive right after entering raw mode.
	controlSeqTimeout = 50 * time.Millisecond
)

// Controller is the part of the lifecycle controller the terminal drives.
type Controller interface {
	Input(text string)
	Resize(cols, rows int)
	Restart()
}

// Terminal implements the display, status line and window for a raw
// terminal. Render, Reset, SetStatus and Close are safe from any goroutine.
type Terminal struct {
	in     io.Reader
	out    io.Writer
	styled *termenv.Output
	fd     int
	isTerm bool
	settle time.Duration

	mu         sync.Mutex
	lastStatus string

	closeCh   chan struct{}
	closeOnce sync.Once
}

// New creates a terminal reading keys from in and writing to out. When in is
// a terminal it is switched to raw mode for the duration of Run.
func New(in io.Reader, out io.Writer) *Terminal {
	t := &Terminal{
		in:      in,
		out:     out,
		styled:  termenv.NewOutput(out),
		fd:      -1,
		settle:  controlSeqTimeout,
		closeCh: make(chan struct{}),
	}
	if f, ok := in.(*os.File); ok {
		t.fd = int(f.Fd())
		t.isTerm = term.IsTerminal(t.fd)
	}
	return t
}

// Render writes shell output unchanged.
func (t *Terminal) Render(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = io.WriteString(t.out, text)
}

// Reset clears the screen.
func (t *Terminal) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = io.WriteString(t.out, clearScreen)
}

// Geometry returns the terminal size, or zero when in is not a terminal.
func (t *Terminal) Geometry() (int, int) {
	if !t.isTerm {
		return 0, 0
	}
	cols, rows, err := term.GetSize(t.fd)
	if err != nil {
		return 0, 0
	}
	return cols, rows
}

// SetStatus prints a changed, non-empty status on its own line.
func (t *Terminal) SetStatus(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if text == "" || text == t.lastStatus {
		t.lastStatus = text
		return
	}
	t.lastStatus = text
	line := t.styled.String("[" + text + "]").Faint().String()
	_, _ = fmt.Fprintf(t.out, "\r\n%s\r\n", line)
}

// Close ends Run. Safe to call multiple times.
func (t *Terminal) Close() {
	t.closeOnce.Do(func() {
		close(t.closeCh)
	})
}

// Closed is closed once Close has been called.
func (t *Terminal) Closed() <-chan struct{} {
	return t.closeCh
}

// Run forwards keys to ctrl until ctx is done, the window is closed, the
// user presses QuitKey, or input ends.
func (t *Terminal) Run(ctx context.Context, ctrl Controller) error {
	if t.isTerm {
		oldState, err := term.MakeRaw(t.fd)
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer func() { _ = term.Restore(t.fd, oldState) }()
	}

	reader, err := cancelreader.NewReader(t.in)
	if err != nil {
		return fmt.Errorf("failed to wrap input: %w", err)
	}
	defer reader.Close()

	sigwinch := make(chan os.Signal, 1)
	stopResize := notifyResize(sigwinch)
	defer stopResize()

	done := make(chan struct{})
	defer close(done)
	defer reader.Cancel()

	inputs := make(chan []byte)
	readErr := make(chan error, 1)
	go t.readLoop(reader, inputs, readErr, done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.closeCh:
			return nil
		case <-sigwinch:
			if cols, rows := t.Geometry(); cols > 0 && rows > 0 {
				ctrl.Resize(cols, rows)
			}
		case data := <-inputs:
			if quit := dispatchKeys(ctrl, data); quit {
				rawLog.Info("quit_key_pressed")
				return nil
			}
		case err := <-readErr:
			if errors.Is(err, cancelreader.ErrCanceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("stdin read error: %w", err)
		}
	}
}

func (t *Terminal) readLoop(r io.Reader, inputs chan<- []byte, errs chan<- error, done <-chan struct{}) {
	start := time.Now()
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 && time.Since(start) >= t.settle {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case inputs <- data:
			case <-done:
				return
			}
		}
		if err != nil {
			errs <- err
			return
		}
	}
}

// dispatchKeys sends data to ctrl, acting on RestartKey and QuitKey. It
// reports whether QuitKey was seen; bytes after it are discarded.
func dispatchKeys(ctrl Controller, data []byte) bool {
	start := 0
	flush := func(end int) {
		if end > start {
			ctrl.Input(string(data[start:end]))
		}
	}
	for i, b := range data {
		switch b {
		case RestartKey:
			flush(i)
			start = i + 1
			rawLog.Info("restart_key_pressed", slog.Int("offset", i))
			ctrl.Restart()
		case QuitKey:
			flush(i)
			return true
		}
	}
	flush(len(data))
	return false
}
