// Package web serves shell sessions over a websocket so a display can run
// against a host in another process or on another machine.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/popper/internal/logging"
	"github.com/asheshgoplani/popper/internal/protocol"
	"github.com/asheshgoplani/popper/internal/ptyhost"
)

var webLog = logging.ForComponent(logging.CompWeb)

// DefaultListenAddr is used when Config.ListenAddr is empty.
const DefaultListenAddr = "127.0.0.1:8421"

// SessionHost is the host a websocket connection drives. Close terminates
// every session it started.
type SessionHost interface {
	StartSession(ctx context.Context, cols, rows int) (string, error)
	WriteToSession(ctx context.Context, sessionID, data string) error
	ResizeSession(ctx context.Context, sessionID string, cols, rows int) error
	TerminateSession(ctx context.Context, sessionID string) error
	Events() <-chan protocol.Event
	Close() error
}

// Config defines runtime options for the host server.
type Config struct {
	ListenAddr string
	Token      string
	// Shell configures the in-process host created for each connection.
	Shell ptyhost.Config
	// NewHost overrides how a connection's host is created.
	NewHost func() SessionHost
}

// Server exposes one SessionHost per websocket connection.
type Server struct {
	cfg        Config
	httpServer *http.Server
	newHost    func() SessionHost
	baseCtx    context.Context
	cancelBase context.CancelFunc

	connections atomic.Int64
}

// NewServer creates a new host server with its routes and middleware.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}

	s := &Server{
		cfg:     cfg,
		newHost: cfg.NewHost,
	}
	if s.newHost == nil {
		shell := cfg.Shell
		s.newHost = func() SessionHost { return ptyhost.New(shell) }
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleHostWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// AuthRequired reports whether clients must present the token.
func (s *Server) AuthRequired() bool {
	return s.cfg.Token != ""
}

// Connections returns the number of open websocket connections.
func (s *Server) Connections() int {
	return int(s.connections.Load())
}

// Start starts the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("server_listening", slog.String("addr", s.cfg.ListenAddr),
		slog.Bool("auth", s.cfg.Token != ""))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server. Open connections are closed and
// their sessions terminated.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		s.cancelBase()
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}

	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"connections": s.Connections(),
		"time":        time.Now().UTC().Format(time.RFC3339),
	})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("host-server(addr=%s, auth=%t)", s.cfg.ListenAddr, s.cfg.Token != "")
}
