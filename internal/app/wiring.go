// Package app собирает ядро агрегации из конфигурации. Общий код для telemetryd и aggctl.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/telemetry-aggregator/internal/connectors"
	"github.com/xela07ax/telemetry-aggregator/internal/core"
	"github.com/xela07ax/telemetry-aggregator/internal/domain"
	"github.com/xela07ax/telemetry-aggregator/internal/engine"
	"github.com/xela07ax/telemetry-aggregator/internal/infra"
	"github.com/xela07ax/telemetry-aggregator/internal/repository/postgres"
)

// Backends — открытые подключения к бэкендам. Close освобождает их.
type Backends struct {
	Fetchers map[domain.Backend]engine.SeriesFetcher
	closers  []func() error
}

func (b *Backends) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ReliabilityConfig переносит секцию engine в настройки обертки надежности.
func ReliabilityConfig(cfg infra.EngineConfig) engine.ReliabilityConfig {
	return engine.ReliabilityConfig{
		RatePerSecond:     cfg.RateLimit,
		Burst:             cfg.RateBurst,
		RetryAttempts:     cfg.RetryAttempts,
		RetryDelay:        cfg.RetryDelay,
		BreakerFailures:   cfg.CBFailures,
		BreakerOpenPeriod: cfg.CBTimeout,
	}
}

func ExecutorConfig(cfg infra.EngineConfig) engine.ExecutorConfig {
	return engine.ExecutorConfig{
		MaxWorkers: cfg.MaxWorkers,
		Timeouts: map[domain.Backend]time.Duration{
			domain.BackendMetrics:   cfg.MetricsTimeout,
			domain.BackendLogSearch: cfg.LogSearchTimeout,
		},
		HardDeadline: cfg.HardDeadline,
	}
}

func QueryTemplates(cfg infra.QueriesConfig) core.QueryTemplates {
	return core.QueryTemplates{
		Selector:   cfg.Selector,
		Hits:       cfg.Hits,
		Errors:     cfg.Errors,
		LatencyAvg: cfg.LatencyAvg,
		LatencyMin: cfg.LatencyMin,
		LatencyMax: cfg.LatencyMax,
		LogErrors:  cfg.LogErrors,
	}
}

// DemoFetcher отвечает на любой запрос одним и тем же рядом (backends.metrics = mock).
func DemoFetcher() *connectors.MockFetcher {
	m := connectors.NewMockFetcher()
	m.MaxJitter = 50 * time.Millisecond
	return m.On("", connectors.MockResponse{Values: []*float64{domain.Float(12), domain.Float(15), domain.Float(9), domain.Float(11)}})
}

// OpenBackends создает фетчеры по секции backends, каждый в обертке надежности.
// pool нужен только для журнала (log_search_enabled).
func OpenBackends(cfg *infra.Config, pool *pgxpool.Pool, metrics *engine.Metrics, logger *zap.Logger) (*Backends, error) {
	b := &Backends{Fetchers: make(map[domain.Backend]engine.SeriesFetcher)}
	rel := ReliabilityConfig(cfg.Engine)

	var metricsFetcher engine.SeriesFetcher
	switch cfg.Backends.Metrics {
	case "prometheus":
		p, err := connectors.NewPrometheusFetcher(cfg.Backends.PrometheusURL, cfg.Backends.PrometheusToken, cfg.Engine.MaxPoints, logger)
		if err != nil {
			return nil, err
		}
		metricsFetcher = p
	case "grpc":
		conn, err := grpc.NewClient(cfg.Backends.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to metrics backend: %w", err)
		}
		b.closers = append(b.closers, conn.Close)
		metricsFetcher = connectors.NewGRPCAdapter(conn, cfg.Backends.GRPCMethod)
	case "mock":
		metricsFetcher = DemoFetcher()
	default:
		return nil, fmt.Errorf("backends.metrics: unsupported value %q", cfg.Backends.Metrics)
	}
	b.Fetchers[domain.BackendMetrics] = engine.NewReliabilityWrapper(domain.BackendMetrics, metricsFetcher, rel, metrics, logger)

	if cfg.Backends.LogSearchEnabled {
		if pool == nil {
			b.Close()
			return nil, fmt.Errorf("log search requires database.url")
		}
		logs := postgres.NewLogRepo(pool, cfg.Engine.MaxPoints)
		b.Fetchers[domain.BackendLogSearch] = engine.NewReliabilityWrapper(domain.BackendLogSearch, logs, rel, metrics, logger)
	}
	return b, nil
}

// NewAggregator собирает планировщик, исполнитель и ядро поверх готового источника дашбордов.
func NewAggregator(cfg *infra.Config, source core.DashboardSource, fetchers map[domain.Backend]engine.SeriesFetcher, clk clock.Clock, metrics *engine.Metrics, logger *zap.Logger) (*core.Aggregator, error) {
	_, logSearch := fetchers[domain.BackendLogSearch]
	planner, err := core.NewQueryPlanner(QueryTemplates(cfg.Queries), logSearch, cfg.Engine.MaxPoints)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	exec := engine.NewExecutor(fetchers, ExecutorConfig(cfg.Engine), metrics, logger)
	return core.NewAggregator(source, exec, planner, core.AggregatorConfig{MaxDepth: cfg.Engine.MaxDepth}, clk, metrics, logger), nil
}

// OpenPool подключается к Postgres, если он нужен конфигурации. Иначе nil.
func OpenPool(ctx context.Context, cfg *infra.Config) (*pgxpool.Pool, error) {
	if !cfg.NeedsDatabase() {
		return nil, nil
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database.url is required for dashboards.source=%s, log_search_enabled=%t, audit.enabled=%t",
			cfg.Dashboards.Source, cfg.Backends.LogSearchEnabled, cfg.Audit.Enabled)
	}
	return postgres.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
}
