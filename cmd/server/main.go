// Voicebridge - realtime session bridge between telephony media streams
// and a speech engine, with topic enforcement and scheduling tools.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baoagent/voicebridge/internal/api"
	"github.com/baoagent/voicebridge/internal/config"
	"github.com/baoagent/voicebridge/internal/engine"
	"github.com/baoagent/voicebridge/internal/middleware"
	"github.com/baoagent/voicebridge/internal/scheduler"
	"github.com/baoagent/voicebridge/internal/session"
	"github.com/baoagent/voicebridge/internal/store"
	"github.com/baoagent/voicebridge/internal/topic"
	"github.com/baoagent/voicebridge/internal/transport"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	tools := scheduler.NewClient(cfg.Scheduler.BaseURL, cfg.Scheduler.Token, cfg.Scheduler.Timeout)
	slog.Info("Scheduling backend configured", "base_url", cfg.Scheduler.BaseURL)

	// Each call gets its own engine connection and topic monitor.
	registry := session.NewRegistry(func(id string) *engine.Connection {
		return engine.New(engine.Config{
			URL:                cfg.Engine.URL,
			APIKey:             cfg.Engine.APIKey,
			Model:              cfg.Engine.Model,
			Voice:              cfg.Engine.Voice,
			TranscriptionModel: cfg.Engine.TranscriptionModel,
			AudioBufferCap:     cfg.Engine.AudioBufferCap,
			TerminateGrace:     cfg.Engine.TerminateGrace,
		}, tools, topic.NewMonitor(topic.DefaultConfig()))
	})

	// Initialize handlers.
	apiHandler := api.NewHandler(repo, registry, cfg.PublicHost)
	wsHandler := transport.NewHandler(registry, repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{cfg.FrontendURL}))

	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/media-stream", wsHandler.ServeHTTP)

	// Media-stream websockets hold the connection for the length of a
	// call, so the server cannot enforce a write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
