package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/asheshgoplani/popper/internal/bridge"
	"github.com/asheshgoplani/popper/internal/client"
	"github.com/asheshgoplani/popper/internal/config"
	"github.com/asheshgoplani/popper/internal/logging"
	"github.com/asheshgoplani/popper/internal/ptyhost"
	"github.com/asheshgoplani/popper/internal/rawterm"
	"github.com/asheshgoplani/popper/internal/ui"
)

var cliLog = logging.ForComponent(logging.CompLifecycle)

const dialTimeout = 10 * time.Second

// shellOptions are the flags shared by the local and connect commands.
type shellOptions struct {
	raw     bool
	timeout time.Duration // zero means the configured timeout
	url     string
	token   string
}

// parseShellFlags parses flags for "popper" (local) or "popper connect".
func parseShellFlags(name string, args []string, cfg *config.Config) (shellOptions, error) {
	remote := name == "connect"

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	raw := fs.Bool("raw", cfg.Display.GetMode() == "raw", "Hand the terminal to the shell (no status bar)")
	timeout := fs.Duration("timeout", 0, "Start timeout, e.g. 8s (default from config)")
	var token *string
	if remote {
		token = fs.String("token", cfg.Host.Token, "Bearer token for the host")
	}

	fs.Usage = func() {
		if remote {
			fmt.Println("Usage: popper connect <ws-url> [options]")
			fmt.Println()
			fmt.Println("Open a shell on a host started with `popper host`.")
		} else {
			fmt.Println("Usage: popper [options]")
			fmt.Println()
			fmt.Println("Open a local shell.")
		}
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return shellOptions{}, err
	}
	if *timeout < 0 {
		return shellOptions{}, errors.New("--timeout must be >= 0")
	}

	opts := shellOptions{raw: *raw, timeout: *timeout}
	if !remote {
		if fs.NArg() > 0 {
			return shellOptions{}, fmt.Errorf("unknown command %q (see `popper help`)", fs.Arg(0))
		}
		return opts, nil
	}

	if fs.NArg() > 1 {
		return shellOptions{}, fmt.Errorf("unexpected arguments: %v", fs.Args()[1:])
	}
	opts.url = firstNonEmpty(fs.Arg(0), cfg.Host.URL)
	if opts.url == "" {
		return shellOptions{}, errors.New("connect needs a host url (or [host] url in config.toml)")
	}
	opts.token = *token
	return opts, nil
}

// flagExitCode maps a flag parsing error to an exit code, printing it.
func flagExitCode(err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 2
}

func handleLocal(args []string) int {
	cfg := loadConfig()
	opts, err := parseShellFlags("popper", args, cfg)
	if err != nil {
		return flagExitCode(err)
	}

	shutdown := initLogging(cfg)
	defer shutdown()

	host := ptyhost.New(ptyhost.Config{
		Candidates: cfg.Shell.ProgramCandidates(),
		Args:       cfg.Shell.Args,
		Dir:        cfg.Shell.WorkDir(),
		Env:        cfg.Shell.EnvList(),
	})
	defer host.Close()

	if err := runShell(context.Background(), host, cfg, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func handleConnect(args []string) int {
	cfg := loadConfig()
	opts, err := parseShellFlags("connect", args, cfg)
	if err != nil {
		return flagExitCode(err)
	}

	shutdown := initLogging(cfg)
	defer shutdown()

	dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	c, err := client.Dial(dialCtx, opts.url, opts.token)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer c.Close()

	if err := runShell(context.Background(), c, cfg, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// defaultSizeDisplay reports the configured size while the real display
// has not been measured yet.
type defaultSizeDisplay struct {
	bridge.Display
	cols, rows int
}

func (d defaultSizeDisplay) Geometry() (int, int) {
	cols, rows := d.Display.Geometry()
	if cols <= 0 || rows <= 0 {
		return d.cols, d.rows
	}
	return cols, rows
}

// surface is a display that is also its own status line and window.
type surface interface {
	bridge.Display
	bridge.StatusLine
	bridge.Window
}

func newController(cfg *config.Config, host bridge.Host, s surface, opts shellOptions) *bridge.Controller {
	cols, rows := cfg.Session.Geometry()
	timeout := opts.timeout
	if timeout == 0 {
		timeout = cfg.Session.StartTimeout()
	}
	return bridge.New(bridge.Config{
		AppName:         cfg.GetAppName(),
		Host:            host,
		Display:         defaultSizeDisplay{Display: s, cols: cols, rows: rows},
		Status:          s,
		Window:          s,
		StartTimeout:    timeout,
		DispatchTimeout: cfg.Session.DispatchTimeout(),
	})
}

// runShell runs the controller against host with the TUI or raw display
// until the window closes, the user quits, or a shutdown signal arrives.
func runShell(ctx context.Context, host bridge.Host, cfg *config.Config, opts shellOptions) error {
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals...)
	defer stop()

	if opts.raw {
		return runRaw(ctx, host, cfg, opts)
	}
	return runTUI(ctx, host, cfg, opts)
}

func runTUI(ctx context.Context, host bridge.Host, cfg *config.Config, opts shellOptions) error {
	screen := ui.NewScreen(cfg.Display.GetScrollback())
	ctrl := newController(cfg, host, screen, opts)

	ctrlCtx, cancel := context.WithCancel(ctx)
	runDone := startController(ctrlCtx, ctrl)
	defer func() {
		cancel()
		<-runDone
	}()

	var modelOpts []ui.Option
	if cfg.GetTheme() == "system" {
		if st := ui.FollowSystemTheme(ctx); st != nil {
			defer st.Close()
			modelOpts = append(modelOpts, ui.WithSystemTheme(st))
		}
	}
	ui.InitTheme(cfg.ResolveTheme())

	p := tea.NewProgram(
		ui.NewModel(ctrl, screen, modelOpts...),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	)

	stopWatch := watchConfig(ctrl, opts.timeout == 0, func(theme string) {
		p.Send(ui.ThemeMsg{Theme: theme})
	})
	defer stopWatch()

	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}

func runRaw(ctx context.Context, host bridge.Host, cfg *config.Config, opts shellOptions) error {
	term := rawterm.New(os.Stdin, os.Stdout)
	ctrl := newController(cfg, host, term, opts)

	ctrlCtx, cancel := context.WithCancel(ctx)
	runDone := startController(ctrlCtx, ctrl)
	defer func() {
		cancel()
		<-runDone
	}()

	stopWatch := watchConfig(ctrl, opts.timeout == 0, nil)
	defer stopWatch()

	return term.Run(ctx, ctrl)
}

func startController(ctx context.Context, ctrl *bridge.Controller) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ctrl.Run(ctx); err != nil {
			cliLog.Error("controller_stopped", slog.String("error", err.Error()))
		}
	}()
	return done
}

// watchConfig applies config file edits to the running controller and, when
// onTheme is set, to the theme. The returned func stops watching.
func watchConfig(ctrl *bridge.Controller, followTimeout bool, onTheme func(string)) func() {
	w, err := config.NewWatcher(func(cfg *config.Config, err error) {
		if err != nil || cfg == nil {
			return
		}
		if followTimeout {
			ctrl.SetStartTimeout(cfg.Session.StartTimeout())
		}
		if onTheme != nil {
			onTheme(cfg.ResolveTheme())
		}
	})
	if err != nil {
		cliLog.Warn("config_watcher_unavailable", slog.String("error", err.Error()))
		return func() {}
	}
	if err := w.Start(); err != nil {
		cliLog.Warn("config_watcher_unavailable", slog.String("error", err.Error()))
		w.Stop()
		return func() {}
	}
	return w.Stop
}
