// Command relay runs the event-relay process: it loads configuration,
// wires the pipeline, and serves the public WebSocket listener alongside
// the admin HTTP surface until it receives a termination signal.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eventrelay/relay/internal/config"
	"github.com/eventrelay/relay/internal/logging"
	"github.com/eventrelay/relay/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	logging.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	srv, err := relay.New(cfg)
	if err != nil {
		logger.Fatal("failed to build relay server", logging.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Run(ctx)
	defer srv.Stop()

	go func() {
		logger.Info("admin HTTP surface listening", logging.String("addr", cfg.AdminAddress))
		if err := srv.ListenAndServeAdmin(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin HTTP surface exited", logging.Error(err))
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("relay listening", logging.String("addr", cfg.Address))
		serveErr <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("relay listener exited", logging.Error(err))
		}
	case sig := <-sigCh:
		logger.Info("received shutdown signal", logging.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}
