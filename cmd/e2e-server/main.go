// Package main provides a standalone HTTP server for E2E testing.
// It serves the same routes as the real service, backed by an in-process
// fake Gradio space, so browser tests can run without Hugging Face access.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grokghibli/cache"
	"grokghibli/config"
	"grokghibli/internal/api"
	"grokghibli/internal/app"
	"grokghibli/observability"
	"grokghibli/repository"
	"grokghibli/services"
	"grokghibli/tokens"
)

func main() {
	// Initialize logger in development mode for tests
	observability.InitLogger(false)
	observability.InitMetrics()

	// Get configuration from environment
	port := os.Getenv("E2E_SERVER_PORT")
	if port == "" {
		port = "9090"
	}

	space := startMockSpace()
	defer space.Close()

	cfg := config.NewTestConfig()
	cfg.Gradio.SpaceURL = space.URL()
	cfg.Tokens.List = []string{"hf_e2e_server_token_a", "hf_e2e_server_token_b"}
	if secret := os.Getenv("E2E_ADMIN_SECRET"); secret != "" {
		cfg.HTTP.AdminSecret = secret
	}

	ctx := context.Background()

	// User credits are optional for browser tests
	var users app.UserStore
	if databaseURL := os.Getenv("E2E_DATABASE_URL"); databaseURL != "" {
		repo, err := repository.NewRepository(ctx, databaseURL)
		if err != nil {
			observability.Fatal("failed to connect to database", "error", err)
		}
		if err := repo.Migrate(ctx); err != nil {
			observability.Fatal("failed to migrate database", "error", err)
		}
		users = repo
		observability.Info("connected to test database")
	}

	creds, err := tokens.Load(cfg.Tokens)
	if err != nil {
		observability.Fatal("failed to load tokens", "error", err)
	}
	policy, err := tokens.PolicyFromConfig(cfg)
	if err != nil {
		observability.Fatal("invalid rotation policy", "error", err)
	}
	pool, err := tokens.NewManager(creds, policy, tokens.WithMetrics(observability.GetMetrics()))
	if err != nil {
		observability.Fatal("failed to create token manager", "error", err)
	}

	application := app.New(cfg, pool, services.NewGradioService(cfg.Gradio), cache.NewMemoryStore(cfg.Redis.TaskTTL), users)
	application.Startup(ctx)

	// Create HTTP router
	limiter := api.NewRateLimiter(cfg.Transform.SubmitRPS, cfg.Transform.SubmitBurst)
	handler := api.NewHandler(application, cfg)
	router := api.NewRouter(handler, cfg, limiter)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Start server in goroutine
	go func() {
		observability.Info("starting E2E test server", "port", port, "url", fmt.Sprintf("http://localhost:%s", port), "space", space.URL())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			observability.Fatal("server error", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	observability.Info("shutting down E2E test server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		observability.Error("server forced to shutdown", "error", err)
	}

	application.Shutdown(shutdownCtx)
	limiter.Stop()
	observability.Info("E2E test server stopped")
}
