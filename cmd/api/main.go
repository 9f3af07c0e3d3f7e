package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/token-service/internal/api/http"
	"github.com/spec-kit/token-service/internal/api/http/handlers"
	"github.com/spec-kit/token-service/internal/auth"
	"github.com/spec-kit/token-service/internal/config"
	"github.com/spec-kit/token-service/internal/observability"
	"github.com/spec-kit/token-service/internal/persistence"
	"github.com/spec-kit/token-service/internal/repository"
	"github.com/spec-kit/token-service/internal/service"
	"github.com/spec-kit/token-service/internal/session"
	"github.com/spec-kit/token-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.SQLHandle(), logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	metrics := observability.NewMetrics()
	dependencies := map[string]handlers.Pinger{}

	var store session.Store
	noSweeper := make(chan struct{})
	close(noSweeper)
	var sweeperDone <-chan struct{} = noSweeper
	switch cfg.Session.Backend {
	case config.BackendPostgres:
		pgStore := session.NewPostgresStore(pg.SQLHandle(), nil)
		store = pgStore
		sweeperDone = worker.StartSessionSweeper(ctx, pgStore, cfg.Session.SweepInterval, logger)
	case config.BackendMemory:
		logger.Warn("using in-process session store; sessions are lost on restart and not shared between replicas")
		store = session.NewMemoryStore(nil)
	default:
		redis := persistence.NewRedis(cfg.Redis, logger)
		defer redis.Close()
		store = session.NewRedisStore(redis.Client)
	}
	dependencies["session_store"] = store

	var directory repository.UserDirectory
	if pg.Configured() {
		directory = repository.NewUserDirectory(pg.SQLHandle())
		dependencies["postgres"] = pg
	} else {
		logger.Warn("no user directory configured; token rotation will reject every request")
		directory = repository.NewMemoryUserDirectory()
	}

	codec, err := auth.NewTokenCodec(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience, logger)
	if err != nil {
		logger.Fatal("failed to build token codec", zap.Error(err))
	}

	services := service.New(*cfg, service.TokenDependencies{
		Store:     store,
		Codec:     codec,
		Directory: directory,
		Metrics:   metrics,
		Logger:    logger,
	})
	authMiddleware := auth.NewAuthMiddleware(services.Tokens, logger)

	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		DisableStartupMessage: true,
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, dependencies, metrics),
		Session:        handlers.NewSessionHandler(),
		AuthMiddleware: authMiddleware,
	})

	go func() {
		logger.Info("listening",
			zap.String("addr", cfg.App.Addr()),
			zap.String("session_backend", cfg.Session.Backend))
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	if err := app.Shutdown(); err != nil {
		logger.Warn("fiber shutdown", zap.Error(err))
	}
	cancel()
	<-sweeperDone
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
