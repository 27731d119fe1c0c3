package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/asheshgoplani/popper/internal/config"
	"github.com/asheshgoplani/popper/internal/logging"
	"github.com/asheshgoplani/popper/internal/platform"
)

const Version = "0.3.0"

// envDebug enables the debug log in ~/.popper/debug.log.
const envDebug = "POPPER_DEBUG"

func init() {
	initColorProfile()
}

// initColorProfile configures the lipgloss color profile.
// POPPER_COLOR overrides detection: truecolor, 256, 16, none.
func initColorProfile() {
	if colorEnv := os.Getenv("POPPER_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	term := os.Getenv("TERM")
	for _, t := range []string{"xterm-256color", "screen-256color", "tmux-256color", "xterm-direct", "alacritty", "kitty", "wezterm"} {
		if strings.Contains(term, t) {
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		}
	}

	if os.Getenv("WT_SESSION") != "" || // Windows Terminal
		os.Getenv("ITERM_SESSION_ID") != "" ||
		os.Getenv("KONSOLE_VERSION") != "" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run dispatches a subcommand and returns the process exit code.
func run(args []string) int {
	if len(args) > 0 {
		switch args[0] {
		case "version", "--version", "-v":
			fmt.Printf("Popper v%s (%s)\n", Version, platform.Detect())
			return 0
		case "help", "--help", "-h":
			printHelp()
			return 0
		case "host":
			return handleHost(args[1:])
		case "connect":
			return handleConnect(args[1:])
		case "config":
			return handleConfig(args[1:])
		}
	}
	return handleLocal(args)
}

// loadConfig loads the user config, printing a parse error as a warning.
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
	}
	return cfg
}

// initLogging sets up structured logging from the config. Logs are written
// to ~/.popper/debug.log only when POPPER_DEBUG is set. The returned func
// flushes and closes the log.
func initLogging(cfg *config.Config) func() {
	debugMode := os.Getenv(envDebug) != ""
	baseDir, err := config.Dir()
	if err != nil {
		_ = logging.Init(logging.Config{})
		return logging.Shutdown
	}

	logCfg := logging.Config{
		Debug:                 debugMode,
		LogDir:                baseDir,
		Level:                 "debug",
		Format:                "json",
		MaxSizeMB:             10,
		MaxBackups:            5,
		MaxAgeDays:            10,
		Compress:              true,
		RingBufferSize:        10 * 1024 * 1024,
		AggregateIntervalSecs: 30,
	}
	ls := cfg.Logs
	if ls.Level != "" {
		logCfg.Level = ls.Level
	}
	if ls.Format != "" {
		logCfg.Format = ls.Format
	}
	if ls.MaxSizeMB > 0 {
		logCfg.MaxSizeMB = ls.MaxSizeMB
	}
	if ls.MaxBackups > 0 {
		logCfg.MaxBackups = ls.MaxBackups
	}
	if ls.MaxAgeDays > 0 {
		logCfg.MaxAgeDays = ls.MaxAgeDays
	}
	if ls.Compress {
		logCfg.Compress = ls.Compress
	}
	if ls.RingBufferMB > 0 {
		logCfg.RingBufferSize = ls.RingBufferMB * 1024 * 1024
	}
	if ls.AggregateIntervalS > 0 {
		logCfg.AggregateIntervalSecs = ls.AggregateIntervalS
	}
	logCfg.PprofAddr = ls.PprofAddr

	if err := logging.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (file logging disabled)\n", err)
		logCfg.Debug = false
		_ = logging.Init(logCfg)
	}

	if debugMode {
		logging.Logger().Info("popper_started",
			slog.Int("pid", os.Getpid()),
			slog.String("version", Version))
	}

	// SIGUSR1 dumps the ring buffer for post-mortem debugging
	stopDump := notifyDump(func() {
		dumpPath, err := logging.DumpRingBuffer(baseDir)
		if err != nil {
			logging.Logger().Error("crash_dump_failed", slog.String("error", err.Error()))
		} else {
			logging.Logger().Info("crash_dump_written", slog.String("path", dumpPath))
		}
	})

	return func() {
		stopDump()
		logging.Shutdown()
	}
}

// shutdownSignals end a running command.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

func printHelp() {
	fmt.Printf("Popper v%s\n", Version)
	fmt.Println("A shell window that starts, watches and restarts a terminal session")
	fmt.Println()
	fmt.Println("Usage: popper [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (none)           Open a local shell")
	fmt.Println("  connect <url>    Open a shell on a remote host")
	fmt.Println("  host             Serve shells over websocket")
	fmt.Println("  config init      Write an example config file")
	fmt.Println("  config path      Show the config file path")
	fmt.Println("  version          Show version")
	fmt.Println("  help             Show this help")
	fmt.Println()
	fmt.Println("Options (local and connect):")
	fmt.Println("  --raw            Hand the terminal to the shell instead of drawing a status bar")
	fmt.Println("  --timeout <d>    Start timeout, e.g. 8s (default from config)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  popper                                   # Local shell")
	fmt.Println("  popper --raw                             # Local shell, passthrough mode")
	fmt.Println("  popper host --listen 0.0.0.0:8421 --token s3cret")
	fmt.Println("  popper connect ws://devbox:8421/ws --token s3cret")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  POPPER_HOME      Config and log directory (default: ~/.popper)")
	fmt.Println("  POPPER_DEBUG     Write a debug log to the config directory")
	fmt.Println("  POPPER_COLOR     Color mode: truecolor, 256, 16, none")
	fmt.Println()
	fmt.Println("Keys:")
	fmt.Println("  F5 / click [ Restart ]   Restart the shell")
	fmt.Println("  F10                      Quit")
	fmt.Println("  Ctrl+] / Ctrl+Q          Restart / quit (--raw)")
}
