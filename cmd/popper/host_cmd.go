package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/popper/internal/config"
	"github.com/asheshgoplani/popper/internal/ptyhost"
	"github.com/asheshgoplani/popper/internal/web"
)

const shutdownGrace = 5 * time.Second

// buildHostServer parses host flags and returns a ready-to-start server.
func buildHostServer(args []string, cfg *config.Config) (*web.Server, error) {
	fs := flag.NewFlagSet("host", flag.ContinueOnError)
	listenAddr := fs.String("listen", cfg.Host.GetListen(), "Listen address for the websocket server")
	token := fs.String("token", cfg.Host.Token, "Bearer token required from clients")

	fs.Usage = func() {
		fmt.Println("Usage: popper host [options]")
		fmt.Println()
		fmt.Println("Serve shells over websocket for `popper connect`.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  popper host")
		fmt.Println("  popper host --listen 0.0.0.0:8421 --token s3cret")
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	return web.NewServer(web.Config{
		ListenAddr: *listenAddr,
		Token:      *token,
		Shell: ptyhost.Config{
			Candidates: cfg.Shell.ProgramCandidates(),
			Args:       cfg.Shell.Args,
			Dir:        cfg.Shell.WorkDir(),
			Env:        cfg.Shell.EnvList(),
		},
	}), nil
}

func handleHost(args []string) int {
	cfg := loadConfig()
	server, err := buildHostServer(args, cfg)
	if err != nil {
		return flagExitCode(err)
	}

	shutdown := initLogging(cfg)
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	fmt.Printf("Popper host listening on %s\n", server.Addr())
	if !server.AuthRequired() {
		fmt.Println("Warning: no --token set; anyone who can reach this address gets a shell")
	}
	if err := serve(ctx, server); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// serve runs the server until ctx is done, then shuts it down.
func serve(ctx context.Context, server *web.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil {
			return fmt.Errorf("host server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
