package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/telemetry-aggregator/internal/app"
	"github.com/xela07ax/telemetry-aggregator/internal/audit"
	"github.com/xela07ax/telemetry-aggregator/internal/cache"
	"github.com/xela07ax/telemetry-aggregator/internal/console/handler"
	"github.com/xela07ax/telemetry-aggregator/internal/console/server"
	"github.com/xela07ax/telemetry-aggregator/internal/core"
	"github.com/xela07ax/telemetry-aggregator/internal/domain"
	"github.com/xela07ax/telemetry-aggregator/internal/engine"
	"github.com/xela07ax/telemetry-aggregator/internal/infra"
	"github.com/xela07ax/telemetry-aggregator/internal/infra/auth"
	"github.com/xela07ax/telemetry-aggregator/internal/repository/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./config.yaml or ./configs/config.yaml)")
	flag.Parse()

	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("telemetryd failed", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст для управления жизненным циклом фоновых горутин
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 2. Инфраструктура и ресурсы
	pool, err := app.OpenPool(appCtx, cfg)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	backends, err := app.OpenBackends(cfg, pool, metrics, logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	// 3. Источник дашбордов: Postgres (+ кэш L1/L2) или каталог
	var (
		source      core.DashboardSource
		invalidator handler.Invalidator
	)
	switch cfg.Dashboards.Source {
	case "dir":
		source = core.DirSource{Dir: cfg.Dashboards.Dir}
	case "postgres":
		repo := postgres.NewDashboardRepo(pool)
		source = repo
		if cfg.Cache.Enabled {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			if err := rdb.Ping(appCtx).Err(); err != nil {
				// Без Redis работаем на L1, сброс между инстансами не доходит
				logger.Warn("redis unavailable, dashboard cache is process-local", zap.Error(err))
				rdb.Close()
				rdb = nil
			} else {
				defer rdb.Close()
			}
			dc := cache.New(repo, rdb, cfg.Cache, clock.New(), logger)
			if err := dc.Warmup(appCtx, cfg.Cache.Warmup); err != nil {
				logger.Warn("dashboard warm-up incomplete", zap.Error(err))
			}
			go dc.Listen(appCtx)
			source, invalidator = dc, dc
		}
	}

	// 4. Core
	agg, err := app.NewAggregator(cfg, source, backends.Fetchers, clock.New(), metrics, logger)
	if err != nil {
		return err
	}

	// 5. HTTP Server
	var authMW func(http.Handler) http.Handler
	if cfg.Auth.Enabled {
		authMW, err = newAuthMiddleware(cfg.Auth, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("API authentication is disabled")
	}
	h := handler.NewAggregateHandler(agg, invalidator, clock.New(), logger)
	if cfg.Audit.Enabled {
		journal := audit.NewJournal(postgres.NewRunRepo(pool), audit.Config{
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
			BufferSize:    cfg.Audit.BufferSize,
		}, clock.New(), logger)
		journal.Start()
		// Останавливается после srv.Shutdown: последние записи тоже попадут в БД
		defer journal.Stop()
		h.WithRecorder(journal)
	}
	api := server.NewAPIServer(h, authMW, reg, cfg.Server.RequestTimeout, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 6. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("telemetryd started", zap.String("addr", srv.Addr),
			zap.String("metrics_backend", cfg.Backends.Metrics),
			zap.String("dashboards", cfg.Dashboards.Source))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("telemetryd stopping...")
	cancel()

	// Даем время на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("telemetryd exited properly")
	return nil
}

func newAuthMiddleware(cfg infra.AuthConfig, logger *zap.Logger) (func(http.Handler) http.Handler, error) {
	var validator auth.TokenValidator
	if len(cfg.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.PublicKey)
		if err != nil {
			return nil, err
		}
		validator = auth.NewBaseValidator(pub)
	}
	keys, err := auth.NewAPIKeyStore(cfg.APIKeys)
	if err != nil {
		return nil, err
	}
	if validator == nil && len(cfg.APIKeys) == 0 {
		return nil, errors.New("auth is enabled but neither public key nor api keys are configured")
	}
	return auth.NewMiddleware(validator, keys, domain.ScopeAggregateRead, logger), nil
}
