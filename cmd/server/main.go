// Retro Relay - real-time session sync server
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

	"github.com/ashureev/retro-relay/internal/api"
	"github.com/ashureev/retro-relay/internal/config"
	"github.com/ashureev/retro-relay/internal/grpcserver"
	"github.com/ashureev/retro-relay/internal/identity"
	"github.com/ashureev/retro-relay/internal/middleware"
	"github.com/ashureev/retro-relay/internal/presence"
	"github.com/ashureev/retro-relay/internal/relay"
	"github.com/ashureev/retro-relay/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)

	slog.Info("Starting server", "port", cfg.Port, "store", cfg.Store.Driver, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.NewProviders(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName, cfg.Telemetry.Insecure)
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to flush telemetry", "error", err)
		}
	}()

	// Initialize dependencies.
	repo, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize presence store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	pingCtx, cancelPing := context.WithTimeout(ctx, cfg.Store.Timeout)
	err = repo.Ping(pingCtx)
	cancelPing()
	if err != nil {
		slog.Error("Presence store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Presence store connected", "driver", cfg.Store.Driver)

	// Initialize services.
	reconciler := presence.NewReconciler(repo, presence.WithTimeout(cfg.Store.Timeout))
	hub := relay.NewHub(reconciler, relay.WithSweep(cfg.Presence.SweepInterval, cfg.Presence.StaleAfter))

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo, hub, cfg.Store.Timeout)
	presenceHandler := api.NewPresenceHandler(reconciler)
	wsHandler := relay.NewWebSocketHandler(hub, cfg.AllowedOrigins(), cfg.Socket.SendQueueSize, cfg.Socket.MaxMessageBytes, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	r.Route("/api", func(r chi.Router) {
		healthHandler.RegisterHealth(r)
		presenceHandler.RegisterRoutes(r)

		// WebSocket endpoint.
		r.With(identity.Middleware()).Get("/socket", wsHandler.ServeHTTP)
	})

	// No WriteTimeout: relay sockets are long-lived.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	var grpcSrv *grpcserver.Server
	if cfg.GRPCAddr != "" {
		grpcSrv, err = grpcserver.New(cfg.GRPCAddr)
		if err != nil {
			slog.Error("Failed to start gRPC health server", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := grpcSrv.Serve(); err != nil {
				slog.Error("gRPC server failed", "error", err)
			}
		}()
		go grpcSrv.Mirror(ctx, hub, time.Second)
	}

	hub.Start(ctx)

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

	if err := hub.Shutdown(shutdownCtx); err != nil {
		slog.Error("Relay hub shutdown incomplete", "error", err)
	}
	if grpcSrv != nil {
		grpcSrv.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
