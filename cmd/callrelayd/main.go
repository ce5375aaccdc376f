// Command callrelayd runs the tenant-facing call relay daemon. It stores
// tenant PBX credentials server-side and forwards authenticated call start
// and end commands to the third-party PBX API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dialdesk/dialdesk/internal/config"
	"github.com/dialdesk/dialdesk/internal/database"
	"github.com/dialdesk/dialdesk/internal/metrics"
	"github.com/dialdesk/dialdesk/internal/relay"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting callrelayd",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Encryptor for API keys at rest.
	keyBytes, err := cfg.EncryptionKeyBytes()
	if err != nil {
		slog.Error("failed to decode encryption key", "error", err)
		os.Exit(1)
	}
	enc, err := database.NewEncryptor(keyBytes)
	if err != nil {
		slog.Error("failed to create encryptor", "error", err)
		os.Exit(1)
	}

	handler, err := relay.NewServer(db, cfg, enc, relay.NewUpstream(nil), logger)
	if err != nil {
		slog.Error("failed to create relay server", "error", err)
		os.Exit(1)
	}
	defer handler.Close()

	// Register the metrics collector backing GET /metrics.
	collector := metrics.NewCollector(
		database.NewRelayCallRepository(db),
		database.NewTenantRepository(db),
		handler.Stats(),
		time.Now(),
	)
	if err := prometheus.Register(collector); err != nil {
		slog.Error("failed to register metrics collector", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down server")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("callrelayd stopped")
}
