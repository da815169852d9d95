// Command server exposes a docgraph engine over a JSON HTTP API.
//
// Usage:
//
//	CGO_ENABLED=1 go run -tags sqlite_fts5 ./cmd/server \
//	  --config docgraph.yaml --addr :8080
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brunobiangulo/docgraph"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	cfg, err := docgraph.LoadConfig(*configPath)
	if err != nil {
		slog.Error("server: loading config", "error", err)
		os.Exit(1)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	engine, err := docgraph.New(cfg)
	if err != nil {
		slog.Error("server: creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	srv := &http.Server{
		Addr: *addr,
		Handler: newRouter(engine, routerOptions{
			APIKey:      os.Getenv("DOCGRAPH_API_KEY"),
			CORSOrigins: os.Getenv("DOCGRAPH_CORS_ORIGINS"),
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // graph builds over large corpora
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server: starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server: listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("server: shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server: shutdown failed", "error", err)
	}

	slog.Info("server: stopped")
}
