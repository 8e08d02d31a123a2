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

	"github.com/voxbridge/voxbridge/internal/api"
	"github.com/voxbridge/voxbridge/internal/bridge"
	"github.com/voxbridge/voxbridge/internal/calls"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/database"
	"github.com/voxbridge/voxbridge/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voxbridge",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"model", cfg.GeminiModel,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	records := database.NewCallRecordRepository(db)

	// Application context for bridge sessions. Cancelling it during shutdown
	// reaches every active call, including hijacked websocket connections the
	// HTTP server no longer tracks.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Stream token issuer guarding the media-stream endpoint.
	secret, err := cfg.StreamTokenSecretBytes()
	if err != nil {
		slog.Error("failed to load stream token secret", "error", err)
		os.Exit(1)
	}
	tokens, err := calls.NewTokenIssuer(secret)
	if err != nil {
		slog.Error("failed to create token issuer", "error", err)
		os.Exit(1)
	}

	// The outbound dialer is optional; without provider credentials the
	// bridge still accepts inbound media streams.
	var dialer api.CallPlacer
	if cfg.DialerConfigured() {
		d, err := calls.NewDialer(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, logger)
		if err != nil {
			slog.Error("failed to create dialer", "error", err)
			os.Exit(1)
		}
		dialer = d
	} else {
		slog.Warn("provider credentials not configured, call-trigger endpoint disabled")
	}

	registry := bridge.NewRegistry(logger)
	br := bridge.New(bridge.Config{
		Upstream: upstream.Config{
			APIKey:           cfg.GeminiAPIKey,
			Model:            cfg.GeminiModel,
			Voice:            cfg.GeminiVoice,
			HandshakeTimeout: cfg.UpstreamTimeout,
		},
		PrimingPrompt: cfg.PrimingPrompt,
	}, registry, records, logger)

	handler := api.NewServer(appCtx, cfg, br, registry, records, dialer, tokens, calls.StreamTwiML, logger)
	defer handler.Close()

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     handler,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: media-stream websockets stay open for the whole call.
		IdleTimeout: 60 * time.Second,
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

	// Graceful shutdown with timeout. Cancelling appCtx first tears down the
	// active bridge sessions so their websockets drain promptly.
	slog.Info("shutting down", "active_sessions", registry.Count())
	appCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("voxbridge stopped")
}
