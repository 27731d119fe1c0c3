package ui

import (
	"context"
	"log/slog"

	dark "github.com/thiagokokada/dark-mode-go"

	"github.com/asheshgoplani/popper/internal/platform"
)

// Swapped out in tests.
var (
	watchDarkMode = dark.WatchDarkMode
	underWSL      = platform.IsWSL
)

// SystemTheme reports the theme name ("dark" or "light") whenever the OS
// dark mode setting flips. It backs the "system" theme.
type SystemTheme struct {
	themes chan string
	cancel context.CancelFunc
	done   chan struct{}
}

// FollowSystemTheme starts following the OS setting. It returns nil when the
// setting cannot be read, in which case the configured fallback theme stays.
func FollowSystemTheme(ctx context.Context) *SystemTheme {
	// A WSL distro has no desktop session to ask.
	if underWSL() {
		uiLog.Info("system_theme_unavailable", slog.String("platform", platform.Detect().String()))
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	events, errs, err := watchDarkMode(ctx)
	if err != nil {
		cancel()
		uiLog.Warn("system_theme_unavailable", slog.String("error", err.Error()))
		return nil
	}

	st := &SystemTheme{
		themes: make(chan string, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go st.run(ctx, events, errs)
	return st
}

// run forwards changes until ctx ends or the source closes. Repeats of the
// current theme are dropped, and an unread theme is replaced by a newer one.
func (st *SystemTheme) run(ctx context.Context, events <-chan bool, errs <-chan error) {
	defer close(st.done)
	defer close(st.themes)

	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case isDark, ok := <-events:
			if !ok {
				return
			}
			theme := themeName(isDark)
			if theme == last {
				continue
			}
			last = theme
			select {
			case <-st.themes:
			default:
			}
			st.themes <- theme
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				uiLog.Warn("system_theme_error", slog.String("error", err.Error()))
			}
		}
	}
}

// Themes returns the channel of theme names. It is closed once following
// stops.
func (st *SystemTheme) Themes() <-chan string {
	return st.themes
}

// Close stops following and waits for the goroutine to exit. It is safe on a
// nil SystemTheme and may be called more than once.
func (st *SystemTheme) Close() {
	if st == nil {
		return
	}
	st.cancel()
	<-st.done
}

func themeName(isDark bool) string {
	if isDark {
		return string(ThemeDark)
	}
	return string(ThemeLight)
}
