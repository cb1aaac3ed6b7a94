package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nexushost/sites/internal/app/migrate"
	"github.com/nexushost/sites/internal/docker"
	httpx "github.com/nexushost/sites/internal/http"
	"github.com/nexushost/sites/internal/repository/postgres"
	"github.com/nexushost/sites/internal/service/deploy"
	"github.com/nexushost/sites/internal/service/lifecycle"
	"github.com/nexushost/sites/internal/service/provision"
	"github.com/nexushost/sites/internal/service/site"
	"github.com/nexushost/sites/internal/service/status"
	"github.com/nexushost/sites/internal/workspace"
	"github.com/nexushost/sites/pkg/config"
	"github.com/nexushost/sites/pkg/logger"
)

func main() {
	cfg := config.LoadSitesConfig()
	log := logger.New("sites", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	runner, err := migrate.New(store.Pool(), cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	runtime, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer runtime.Close()
	if err := runtime.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	workspaces, err := workspace.New(cfg.DataDir)
	if err != nil {
		log.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}

	locks := lifecycle.NewKeyedMutex()

	lifecycleSvc, err := lifecycle.New(store, store, runtime, locks, log)
	if err != nil {
		log.Error("failed to wire lifecycle service", "error", err)
		os.Exit(1)
	}
	provisioner, err := provision.New(store, store, store, runtime, locks, provision.Options{
		BaseDomain:     cfg.BaseDomain,
		IngressNetwork: cfg.IngressNetwork,
		SecretsKey:     cfg.SecretsKey,
		PullTimeout:    cfg.PullTimeout,
	}, log)
	if err != nil {
		log.Error("failed to wire provisioner", "error", err)
		os.Exit(1)
	}
	deploySvc, err := deploy.New(store, store, store, runtime, workspaces, locks, deploy.Options{
		BaseDomain:     cfg.BaseDomain,
		IngressNetwork: cfg.IngressNetwork,
		SecretsKey:     cfg.SecretsKey,
		GitTimeout:     cfg.GitTimeout,
		PullTimeout:    cfg.PullTimeout,
		BuildTimeout:   cfg.BuildTimeout,
	}, log)
	if err != nil {
		log.Error("failed to wire deploy service", "error", err)
		os.Exit(1)
	}
	siteSvc, err := site.New(store, store, store, runtime, provisioner, lifecycleSvc, workspaces, locks, log)
	if err != nil {
		log.Error("failed to wire site service", "error", err)
		os.Exit(1)
	}
	statusSvc, err := status.New(store, store, runtime, log)
	if err != nil {
		log.Error("failed to wire status service", "error", err)
		os.Exit(1)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Config{
		Logger:         log,
		Sites:          siteSvc,
		Deploys:        deploySvc,
		Lifecycle:      lifecycleSvc,
		Status:         statusSvc,
		Limiter:        limiter,
		JWTSecret:      cfg.JWTSecret,
		MaxUploadBytes: cfg.MaxUploadBytes,
		DBHealth:       store.Pool().Ping,
		RuntimeHealth:  runtime.Ping,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("sites server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		provisioner.Wait()
		log.Info("sites server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
