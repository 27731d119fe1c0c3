// Package logging is Popper's structured log: slog records rotated into
// ~/.popper/debug.log, an in-memory ring for SIGUSR1 dumps, and an
// aggregator for noisy events.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names attached to every record written through ForComponent.
const (
	CompBridge    = "bridge"
	CompLifecycle = "lifecycle"
	CompHost      = "host"
	CompWeb       = "web"
	CompClient    = "client"
	CompUI        = "ui"
	CompConfig    = "config"
)

// LogFileName is the rotated log file inside Config.LogDir.
const LogFileName = "debug.log"

const (
	defaultRingBytes     = 4 * 1024 * 1024
	discardRingBytes     = 64 * 1024
	defaultAggregateSecs = 30
)

// Config holds logging configuration.
type Config struct {
	// Debug turns on the log file. Without it records only reach the ring.
	Debug  bool
	LogDir string

	Level  string // debug, info (default), warn, error
	Format string // json (default) or text

	MaxSizeMB  int // rotation size, default 10
	MaxBackups int // default 5
	MaxAgeDays int // default 10
	Compress   bool

	RingBufferSize        int // bytes, default 4MB
	AggregateIntervalSecs int // default 30

	// PprofAddr starts a pprof server when non-empty (e.g. "localhost:6060").
	PprofAddr string
}

func (c *Config) applyDefaults() {
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 10
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 5
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 10
	}
	if c.RingBufferSize <= 0 {
		c.RingBufferSize = defaultRingBytes
	}
	if c.AggregateIntervalSecs <= 0 {
		c.AggregateIntervalSecs = defaultAggregateSecs
	}
}

// sink is everything Init installs. It is replaced wholesale so readers
// never see a half-initialized mix.
type sink struct {
	logger *slog.Logger
	ring   *RingBuffer
	agg    *Aggregator
	file   *lumberjack.Logger
	dir    string
}

var (
	mu      sync.RWMutex
	current *sink
	discard = slog.New(slog.NewJSONHandler(io.Discard, nil))
)

// Init installs the global logger, replacing any previous one. The display
// owns the terminal, so nothing is ever written to stderr; without Debug the
// records go only to a small in-memory ring.
func Init(cfg Config) error {
	cfg.applyDefaults()

	s := &sink{dir: cfg.LogDir}
	var out io.Writer
	if cfg.Debug && cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o700); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		s.file = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, LogFileName),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		s.ring = NewRingBuffer(cfg.RingBufferSize)
		out = io.MultiWriter(s.file, s.ring)
	} else {
		s.ring = NewRingBuffer(discardRingBytes)
		out = s.ring
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "text" {
		s.logger = slog.New(slog.NewTextHandler(out, opts))
	} else {
		s.logger = slog.New(slog.NewJSONHandler(out, opts))
	}

	aggLogger := s.logger
	if s.file == nil {
		aggLogger = nil
	}
	s.agg = NewAggregator(aggLogger, cfg.AggregateIntervalSecs)
	s.agg.Start()

	mu.Lock()
	prev := current
	current = s
	mu.Unlock()
	prev.close()

	if cfg.PprofAddr != "" {
		go servePprof(s.logger, cfg.PprofAddr)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func servePprof(logger *slog.Logger, addr string) {
	logger.Info("pprof_server_start", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Error("pprof_server_error", slog.String("error", err.Error()))
	}
}

func active() *sink {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Logger returns the global logger, or a discarding one before Init.
func Logger() *slog.Logger {
	if s := active(); s != nil {
		return s.logger
	}
	return discard
}

// ForComponent returns a logger tagged with component. It resolves the
// global logger per record, so it can be a package-level var created
// before Init.
func ForComponent(component string) *slog.Logger {
	return slog.New(&componentHandler{component: component})
}

type componentHandler struct {
	component string
	attrs     []slog.Attr
	groups    []string
}

func (h *componentHandler) resolve() slog.Handler {
	handler := Logger().Handler().WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	for _, g := range h.groups {
		handler = handler.WithGroup(g)
	}
	return handler
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}

// Aggregate counts a high-frequency event for the next event_summary.
func Aggregate(component, event string, fields ...slog.Attr) {
	if s := active(); s != nil {
		s.agg.Record(component, event, fields...)
	}
}

// DumpRingBuffer writes the recent records to crash-dump-<unix>.jsonl in dir
// (the log dir when dir is empty) and returns the file path.
func DumpRingBuffer(dir string) (string, error) {
	s := active()
	if s == nil {
		return "", nil
	}
	if dir == "" {
		dir = s.dir
	}
	if dir == "" {
		return "", fmt.Errorf("no directory for crash dump")
	}
	path := filepath.Join(dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
	if err := s.ring.DumpToFile(path); err != nil {
		return "", err
	}
	return path, nil
}

// Shutdown flushes the aggregator and closes the log file.
func Shutdown() {
	mu.Lock()
	s := current
	current = nil
	mu.Unlock()
	s.close()
}

func (s *sink) close() {
	if s == nil {
		return
	}
	s.agg.Stop()
	if s.file != nil {
		_ = s.file.Close()
	}
}
