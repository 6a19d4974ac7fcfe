package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/telemetry-aggregator/internal/connectors"
	"github.com/xela07ax/telemetry-aggregator/internal/domain"
	"github.com/xela07ax/telemetry-aggregator/internal/engine"
	"github.com/xela07ax/telemetry-aggregator/internal/widget"
)

var ErrInvalidRequest = errors.New("invalid aggregation request")

// DashboardSource отдает определение дашборда. Ошибки: NotFoundError, AuthError.
type DashboardSource interface {
	FetchDashboard(ctx context.Context, id string) (*domain.DashboardDefinition, error)
}

// TaskRunner — параллельный исполнитель задач (engine.Executor).
type TaskRunner interface {
	Run(ctx context.Context, window domain.TimeWindow, tasks []domain.QueryTask) (map[string]domain.QueryResult, error)
}

type Request struct {
	DashboardID  string
	Window       domain.TimeWindow
	EntityFilter string
	ErrorsOnly   bool
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.DashboardID) == "" {
		return fmt.Errorf("%w: dashboard id is required", ErrInvalidRequest)
	}
	if err := r.Window.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

type AggregatorConfig struct {
	MaxDepth int
}

type Aggregator struct {
	source   DashboardSource
	runner   TaskRunner
	planner  *QueryPlanner
	clock    clock.Clock
	maxDepth int
	metrics  *engine.Metrics
	logger   *zap.Logger
}

func NewAggregator(source DashboardSource, runner TaskRunner, planner *QueryPlanner, cfg AggregatorConfig, clk clock.Clock, metrics *engine.Metrics, logger *zap.Logger) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = engine.NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = widget.DefaultMaxDepth
	}
	return &Aggregator{
		source:   source,
		runner:   runner,
		planner:  planner,
		clock:    clk,
		maxDepth: cfg.MaxDepth,
		metrics:  metrics,
		logger:   logger.Named("aggregator"),
	}
}

// Aggregate — единственная операция ядра. Прерывается только ошибками получения
// дашборда и AuthError, остальные ошибки задач попадают в FailedQueries.
func (a *Aggregator) Aggregate(ctx context.Context, req Request) (res *domain.AggregationResult, err error) {
	start := a.clock.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		a.metrics.AggregationDuration.WithLabelValues(status).Observe(a.clock.Since(start).Seconds())
	}()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	dash, err := a.source.FetchDashboard(ctx, req.DashboardID)
	if err != nil {
		return nil, fmt.Errorf("fetch dashboard %q: %w", req.DashboardID, err)
	}

	// 1. Дерево виджетов -> листья -> релевантные листья
	leaves, truncated := widget.Flatten(dash.Widgets, a.maxDepth)
	relevant := widget.FilterLeaves(leaves, req.EntityFilter)

	acc := NewAccumulator()
	acc.SetTruncated(truncated)
	for _, l := range relevant {
		acc.AddLeaf(l)
	}

	// 2. Задачи к бэкендам и единственная параллельная стадия
	tasks, err := a.planner.Plan(acc.Entities(), req.Window, req.ErrorsOnly)
	if err != nil {
		return nil, err
	}
	results, err := a.runner.Run(ctx, req.Window, tasks)
	if err != nil {
		return nil, fmt.Errorf("run query tasks: %w", err)
	}

	for _, t := range tasks {
		if r, ok := results[t.Key]; ok && r.Err != nil && r.Err.Kind == domain.ErrorKindAuth {
			return nil, &connectors.AuthError{Backend: string(t.Backend), Cause: r.Err}
		}
	}

	// 3. Свертка и сборка
	acc.Collect(results, req.Window)
	var filter Predicate
	if req.ErrorsOnly {
		filter = ErrorsOnly
	}
	res = Assemble(acc, filter)
	res.ID = uuid.New().String()
	res.DashboardID = dash.ID
	if res.DashboardID == "" {
		res.DashboardID = req.DashboardID
	}
	res.DashboardTitle = dash.Title
	res.GeneratedAt = a.clock.Now().UTC()
	res.Window = req.Window

	for _, f := range res.FailedQueries {
		a.metrics.FailedQueries.WithLabelValues(string(f.Error.Kind)).Inc()
	}

	a.logger.Info("aggregation finished",
		zap.String("trace_id", engine.TraceID(ctx)),
		zap.String("dashboard", req.DashboardID),
		zap.Int("leaves", len(leaves)),
		zap.Int("relevant", len(relevant)),
		zap.Int("tasks", len(tasks)),
		zap.Int("entities", len(res.Entities)),
		zap.Int("failed", len(res.FailedQueries)),
		zap.Int("truncated", truncated),
		zap.Duration("took", a.clock.Since(start).Round(time.Millisecond)))

	return res, nil
}
