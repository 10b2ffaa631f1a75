package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/advisor/internal/api"
	"github.com/ashureev/advisor/internal/config"
	"github.com/ashureev/advisor/internal/identity"
	"github.com/ashureev/advisor/internal/middleware"
	"github.com/ashureev/advisor/internal/session"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "provider", cfg.Capability.Provider)

	a, err := newApp(cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.repo.Ping(context.Background()); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	conns := api.NewConnRegistry()
	handler := api.NewHandler(api.Deps{
		Router:        a.router,
		Sessions:      a.sessions,
		Schema:        a.schema,
		Repo:          a.repo,
		Limiter:       limiter,
		Conns:         conns,
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		Logger:        logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	handler.RegisterRoutes(r)

	// WebSocket connections are long lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retention, err := session.StartRetention(a.sessions, cfg.RetentionSchedule, cfg.SessionRetention, func(userID string) {
		closed := conns.Close(userID)
		limiter.Forget(userID)
		slog.Debug("Session evicted", "user_id", userID, "sockets_closed", closed)
	}, logger)
	if err != nil {
		return fmt.Errorf("start retention: %w", err)
	}
	defer retention.Stop()
	slog.Info("Retention worker started", "schedule", cfg.RetentionSchedule, "retention", cfg.SessionRetention)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or a listener failure.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}
