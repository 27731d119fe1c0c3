// Package config loads ~/.popper/config.toml and applies defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	dark "github.com/thiagokokada/dark-mode-go"
)

const (
	// DirName is the per-user directory holding config and logs.
	DirName = ".popper"

	// FileName is the TOML config file inside the directory.
	FileName = "config.toml"

	// EnvHome overrides the config directory (used by tests and portable installs).
	EnvHome = "POPPER_HOME"
)

// Default values applied by the getters.
const (
	DefaultStartTimeout    = 8 * time.Second
	DefaultDispatchTimeout = 2 * time.Second
	DefaultCols            = 80
	DefaultRows            = 24
	DefaultScrollback      = 2000
	DefaultListenAddr      = "127.0.0.1:8421"
	DefaultAppName         = "Popper"
)

// Config represents the user-facing configuration in TOML format.
type Config struct {
	// AppName is shown in status messages ("Starting Popper shell…").
	AppName string `toml:"app_name"`

	// Theme sets the color scheme: "dark" (default), "light", or "system"
	Theme string `toml:"theme"`

	Shell   ShellSettings   `toml:"shell"`
	Session SessionSettings `toml:"session"`
	Display DisplaySettings `toml:"display"`
	Host    HostSettings    `toml:"host"`
	Logs    LogSettings     `toml:"logs"`
}

// ShellSettings selects the program run inside each session.
type ShellSettings struct {
	// Program is tried first. Empty means $SHELL.
	Program string `toml:"program"`

	// Args are passed to the program.
	Args []string `toml:"args"`

	// Candidates are fallback programs, tried in order after Program.
	Candidates []string `toml:"candidates"`

	// Dir is the working directory. Empty means the user's home directory.
	Dir string `toml:"dir"`

	// Env adds variables to the inherited environment.
	Env map[string]string `toml:"env"`
}

// SessionSettings controls the session lifecycle.
type SessionSettings struct {
	// StartTimeoutSeconds bounds how long a start request may take (default: 8)
	StartTimeoutSeconds int `toml:"start_timeout_seconds"`

	// DispatchTimeoutMs bounds a single write/resize call (default: 2000)
	DispatchTimeoutMs int `toml:"dispatch_timeout_ms"`

	// DefaultCols and DefaultRows are used when the display reports no size.
	DefaultCols int `toml:"default_cols"`
	DefaultRows int `toml:"default_rows"`
}

// DisplaySettings controls the display surface.
type DisplaySettings struct {
	// Mode is "tui" (default) or "raw".
	Mode string `toml:"mode"`

	// Scrollback is the number of lines kept by the TUI screen (default: 2000)
	Scrollback int `toml:"scrollback"`
}

// HostSettings configures `popper host` and `popper connect`.
type HostSettings struct {
	Listen string `toml:"listen"`
	Token  string `toml:"token"`
	URL    string `toml:"url"`
}

// LogSettings configures the debug log.
type LogSettings struct {
	Level              string `toml:"level"`
	Format             string `toml:"format"`
	MaxSizeMB          int    `toml:"max_size_mb"`
	MaxBackups         int    `toml:"max_backups"`
	MaxAgeDays         int    `toml:"max_age_days"`
	Compress           bool   `toml:"compress"`
	RingBufferMB       int    `toml:"ring_buffer_mb"`
	AggregateIntervalS int    `toml:"aggregate_interval_seconds"`
	PprofAddr          string `toml:"pprof_addr"`
}

// StartTimeout returns the start timeout with the default applied.
func (s SessionSettings) StartTimeout() time.Duration {
	if s.StartTimeoutSeconds <= 0 {
		return DefaultStartTimeout
	}
	return time.Duration(s.StartTimeoutSeconds) * time.Second
}

// DispatchTimeout returns the per-call write/resize timeout.
func (s SessionSettings) DispatchTimeout() time.Duration {
	if s.DispatchTimeoutMs <= 0 {
		return DefaultDispatchTimeout
	}
	return time.Duration(s.DispatchTimeoutMs) * time.Millisecond
}

// Geometry returns the fallback size for a display that has not been measured.
func (s SessionSettings) Geometry() (cols, rows int) {
	cols, rows = s.DefaultCols, s.DefaultRows
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	return cols, rows
}

// GetMode returns "tui" or "raw".
func (d DisplaySettings) GetMode() string {
	if strings.EqualFold(d.Mode, "raw") {
		return "raw"
	}
	return "tui"
}

// GetScrollback returns the scrollback line count.
func (d DisplaySettings) GetScrollback() int {
	if d.Scrollback <= 0 {
		return DefaultScrollback
	}
	return d.Scrollback
}

// GetListen returns the listen address for `popper host`.
func (h HostSettings) GetListen() string {
	if h.Listen == "" {
		return DefaultListenAddr
	}
	return h.Listen
}

// ProgramCandidates returns the programs to try, in order, without duplicates.
func (s ShellSettings) ProgramCandidates() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}

	add(s.Program)
	for _, c := range s.Candidates {
		add(c)
	}
	if len(out) == 0 {
		add(os.Getenv("SHELL"))
		add("/bin/bash")
		add("/bin/sh")
	}
	return out
}

// WorkDir returns the session working directory with "~" expanded. Empty
// means the user's home directory.
func (s ShellSettings) WorkDir() string {
	dir := strings.TrimSpace(s.Dir)
	home, err := os.UserHomeDir()
	if err != nil {
		return dir
	}
	switch {
	case dir == "" || dir == "~":
		return home
	case strings.HasPrefix(dir, "~/"):
		return filepath.Join(home, dir[2:])
	}
	return dir
}

// EnvList returns Env as KEY=VALUE pairs.
func (s ShellSettings) EnvList() []string {
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	return out
}

// GetAppName returns the name shown in status messages.
func (c *Config) GetAppName() string {
	if c == nil || strings.TrimSpace(c.AppName) == "" {
		return DefaultAppName
	}
	return c.AppName
}

// GetTheme returns the configured theme, defaulting to "dark".
func (c *Config) GetTheme() string {
	if c == nil {
		return "dark"
	}
	switch c.Theme {
	case "dark", "light", "system":
		return c.Theme
	default:
		return "dark"
	}
}

// ResolveTheme resolves the configured theme to "dark" or "light".
// "system" asks the OS and falls back to "dark" when detection fails.
func (c *Config) ResolveTheme() string {
	theme := c.GetTheme()
	if theme != "system" {
		return theme
	}
	isDark, err := dark.IsDarkMode()
	if err != nil || isDark {
		return "dark"
	}
	return "light"
}

var (
	configCache   *Config
	configCacheMu sync.RWMutex
)

// Dir returns the config directory, honoring POPPER_HOME.
func Dir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(EnvHome)); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// Path returns the path to the config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Default returns a config with every field at its zero value; getters
// supply the defaults.
func Default() *Config {
	return &Config{Shell: ShellSettings{Env: map[string]string{}}}
}

// LoadFile decodes a config file. A missing file yields the default config.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Default(), fmt.Errorf("config.toml parse error: %w", err)
	}
	if cfg.Shell.Env == nil {
		cfg.Shell.Env = make(map[string]string)
	}
	return &cfg, nil
}

// Load returns the cached config, reading it from disk on first use.
// On a parse error the default config is cached and the error returned so
// the caller can show it.
func Load() (*Config, error) {
	configCacheMu.RLock()
	if configCache != nil {
		defer configCacheMu.RUnlock()
		return configCache, nil
	}
	configCacheMu.RUnlock()

	configCacheMu.Lock()
	defer configCacheMu.Unlock()
	if configCache != nil {
		return configCache, nil
	}

	path, err := Path()
	if err != nil {
		configCache = Default()
		return configCache, nil
	}
	cfg, err := LoadFile(path)
	configCache = cfg
	return cfg, err
}

// Reload drops the cache and reads the file again.
func Reload() (*Config, error) {
	ClearCache()
	return Load()
}

// ClearCache clears the cached config without reloading.
func ClearCache() {
	configCacheMu.Lock()
	configCache = nil
	configCacheMu.Unlock()
}

// Save writes the config atomically (temp file, fsync, rename) and clears the cache.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# Popper configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	_ = syncFile(tmpPath)
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}

	ClearCache()
	return nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// CreateExample writes a commented example config unless one already exists.
// Returns the path and whether a file was written.
func CreateExample() (string, bool, error) {
	path, err := Path()
	if err != nil {
		return "", false, err
	}
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", false, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(exampleConfig), 0o600); err != nil {
		return "", false, fmt.Errorf("failed to write example config: %w", err)
	}
	ClearCache()
	return path, true, nil
}

const exampleConfig = `# Popper configuration

# Name shown in status messages.
# app_name = "Popper"

# "dark", "light" or "system"
theme = "dark"

[shell]
# program = "/bin/zsh"
# args = ["-l"]
# candidates = ["/usr/local/bin/fish", "/bin/bash"]
# dir = "~/src"

[shell.env]
# EDITOR = "vim"

[session]
start_timeout_seconds = 8
dispatch_timeout_ms = 2000
default_cols = 80
default_rows = 24

[display]
# "tui" draws a status bar and restart button, "raw" hands the terminal to the shell.
mode = "tui"
scrollback = 2000

[host]
listen = "127.0.0.1:8421"
# token = "change-me"
# url = "ws://127.0.0.1:8421/ws"

[logs]
level = "debug"
format = "json"
max_size_mb = 10
max_backups = 5
max_age_days = 10
compress = true
`
