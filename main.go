package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"grokghibli/cache"
	"grokghibli/config"
	"grokghibli/internal/api"
	"grokghibli/internal/app"
	"grokghibli/observability"
	"grokghibli/repository"
	"grokghibli/services"
	"grokghibli/tokens"
)

const (
	shutdownTimeout = 30 * time.Second
	sweepInterval   = 5 * time.Minute
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		observability.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		observability.Fatal("invalid configuration", "error", err)
	}

	observability.InitLoggerWithLevel(cfg.Log.Production, observability.ParseLevel(cfg.Log.Level))
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credential pool
	creds, err := tokens.Load(cfg.Tokens)
	if err != nil {
		observability.Fatal("failed to load credentials", "error", err)
	}
	policy, err := tokens.PolicyFromConfig(cfg)
	if err != nil {
		observability.Fatal("invalid rotation policy", "error", err)
	}
	pool, err := tokens.NewManager(creds, policy, tokens.WithMetrics(observability.GetMetrics()))
	if err != nil {
		observability.Fatal("failed to create token manager", "error", err)
	}
	pool.Start()
	defer pool.Stop()

	// Task store (Redis with in-process fallback)
	var store cache.Store
	if cfg.HasRedis() {
		redisStore, err := cache.NewRedisStore(cfg.Redis.URL, cfg.Redis.TaskTTL)
		if err != nil {
			observability.Fatal("failed to connect to redis", "error", err)
		}
		go redisStore.Fallback().RunSweeper(ctx, sweepInterval)
		store = redisStore
	} else {
		observability.Warn("REDIS_URL not set, task state is kept in memory")
		memStore := cache.NewMemoryStore(cfg.Redis.TaskTTL)
		go memStore.RunSweeper(ctx, sweepInterval)
		store = memStore
	}

	// User credits (optional)
	var users app.UserStore
	if cfg.HasDatabase() {
		repo, err := repository.NewRepository(ctx, cfg.Database.URL)
		if err != nil {
			observability.Warn("failed to initialize database, running without user credits", "error", err)
		} else if err := repo.Migrate(ctx); err != nil {
			observability.Warn("failed to migrate database, running without user credits", "error", err)
			repo.Close()
		} else {
			users = repo
		}
	}

	backend := services.NewGradioService(cfg.Gradio)

	application := app.New(cfg, pool, backend, store, users)
	application.Startup(ctx)

	limiter := api.NewRateLimiter(cfg.Transform.SubmitRPS, cfg.Transform.SubmitBurst)
	handler := api.NewHandler(application, cfg)

	server := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           api.NewRouter(handler, cfg, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		observability.Info("starting server",
			"addr", cfg.HTTP.ListenAddr,
			"tokens", pool.Size(),
			"policy", policy.String(),
			"redis", cfg.HasRedis(),
			"users", application.HasUserStore())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		observability.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		application.Shutdown(shutdownCtx)
		limiter.Stop()
		return err
	})

	if err := g.Wait(); err != nil {
		observability.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	observability.Info("server stopped")
}
