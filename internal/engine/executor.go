package engine

/*
Файл executor.go реализует Parallel Query Executor: единственную конкурентную стадию
конвейера агрегации.

- Bounded pool: задачи выполняются пулом pond фиксированного размера, лишние ждут в очереди.
- Изоляция отказов: ошибка, таймаут или паника задачи попадает только в ее QueryResult.
- Барьер: Run возвращается, когда каждая задача завершилась успехом или ошибкой.
- Без блокировок: каждая задача пишет в свой слот среза, map собирается после join.
- Отмена: по умолчанию мягкая (начатые задачи доживают до своего таймаута),
  в режиме HardDeadline начатые задачи тоже отменяются.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond"
	"go.uber.org/zap"

	"github.com/xela07ax/telemetry-aggregator/internal/connectors"
	"github.com/xela07ax/telemetry-aggregator/internal/domain"
)

const (
	DefaultMaxWorkers       = 3
	DefaultMetricsTimeout   = 30 * time.Second
	DefaultLogSearchTimeout = 60 * time.Second
)

var ErrDuplicateTaskKey = errors.New("duplicate task key")

// SeriesFetcher — абстрактная операция "получить ряд по запросу за окно".
type SeriesFetcher interface {
	QueryMetric(ctx context.Context, query string, window domain.TimeWindow) (*domain.TimeSeries, error)
}

type ExecutorConfig struct {
	MaxWorkers int
	// Таймаут задачи по умолчанию для каждого бэкенда
	Timeouts map[domain.Backend]time.Duration
	// HardDeadline: отмена контекста вызывающего прерывает и уже начатые задачи
	HardDeadline bool
}

type Executor struct {
	fetchers map[domain.Backend]SeriesFetcher
	cfg      ExecutorConfig
	metrics  *Metrics
	logger   *zap.Logger
}

func NewExecutor(fetchers map[domain.Backend]SeriesFetcher, cfg ExecutorConfig, metrics *Metrics, logger *zap.Logger) *Executor {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	timeouts := map[domain.Backend]time.Duration{
		domain.BackendMetrics:   DefaultMetricsTimeout,
		domain.BackendLogSearch: DefaultLogSearchTimeout,
	}
	for b, d := range cfg.Timeouts {
		if d > 0 {
			timeouts[b] = d
		}
	}
	cfg.Timeouts = timeouts
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		fetchers: fetchers,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With(zap.String("mod", "executor")),
	}
}

// Run выполняет независимые задачи и возвращает результат по каждому ключу.
// Ошибка возвращается только для некорректного набора задач (дубли ключей),
// до того как что-либо запущено.
func (e *Executor) Run(ctx context.Context, window domain.TimeWindow, tasks []domain.QueryTask) (map[string]domain.QueryResult, error) {
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if _, dup := seen[t.Key]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTaskKey, t.Key)
		}
		seen[t.Key] = struct{}{}
	}

	out := make(map[string]domain.QueryResult, len(tasks))
	if len(tasks) == 0 {
		return out, nil
	}

	// Каждый воркер пишет только в свой слот
	results := make([]domain.QueryResult, len(tasks))

	pool := pond.New(e.cfg.MaxWorkers, len(tasks))
	for i := range tasks {
		i := i
		pool.Submit(func() {
			results[i] = e.execute(ctx, window, tasks[i])
		})
	}
	pool.StopAndWait()

	for _, r := range results {
		out[r.Key] = r
	}
	return out, nil
}

func (e *Executor) timeoutFor(task domain.QueryTask) time.Duration {
	if task.Timeout > 0 {
		return task.Timeout
	}
	if d, ok := e.cfg.Timeouts[task.Backend]; ok {
		return d
	}
	return DefaultMetricsTimeout
}

func (e *Executor) execute(parent context.Context, window domain.TimeWindow, task domain.QueryTask) (res domain.QueryResult) {
	start := time.Now()
	inFlight := false
	defer func() {
		if r := recover(); r != nil {
			res = failed(task.Key, &domain.ErrorInfo{Kind: domain.ErrorKindBackend, Message: fmt.Sprintf("panic: %v", r)})
		}
		if inFlight {
			e.metrics.TasksInFlight.Dec()
		}
		e.observe(task, res, time.Since(start))
	}()

	// Задачи, не успевшие стартовать до отмены, считаются отмененными
	if err := parent.Err(); err != nil {
		return failed(task.Key, connectors.Classify(&connectors.CancelledError{Cause: err}))
	}
	e.metrics.TasksInFlight.Inc()
	inFlight = true

	fetcher, ok := e.fetchers[task.Backend]
	if !ok || fetcher == nil {
		return failed(task.Key, connectors.Classify(&connectors.BackendError{
			Message: fmt.Sprintf("no fetcher registered for backend %q", task.Backend),
		}))
	}

	base := parent
	if !e.cfg.HardDeadline {
		// Мягкий дедлайн: начатая задача живет до собственного таймаута
		base = context.WithoutCancel(parent)
	}
	timeout := e.timeoutFor(task)
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()

	type outcome struct {
		series *domain.TimeSeries
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		s, err := fetcher.QueryMetric(ctx, task.Query, window)
		done <- outcome{series: s, err: err}
	}()

	// Не доверяем фетчеру соблюдение контекста: барьер не должен зависнуть
	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o = outcome{err: ctx.Err()}
	}

	if o.err != nil {
		return failed(task.Key, e.classify(o.err, ctx, parent, timeout))
	}
	if o.series == nil {
		return failed(task.Key, connectors.Classify(&connectors.MalformedDataError{Reason: "empty response"}))
	}
	if !o.series.IsOrdered() {
		return failed(task.Key, connectors.Classify(&connectors.MalformedDataError{Reason: "samples are not ordered by timestamp"}))
	}
	return domain.QueryResult{Key: task.Key, Series: o.series}
}

func (e *Executor) classify(err error, ctx, parent context.Context, timeout time.Duration) *domain.ErrorInfo {
	if e.cfg.HardDeadline && parent.Err() != nil {
		return connectors.Classify(&connectors.CancelledError{Cause: parent.Err()})
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return connectors.Classify(&connectors.TimeoutError{After: timeout, Cause: err})
	}
	return connectors.Classify(err)
}

func (e *Executor) observe(task domain.QueryTask, res domain.QueryResult, took time.Duration) {
	outcome := "ok"
	if res.Err != nil {
		outcome = string(res.Err.Kind)
		e.logger.Warn("query task failed",
			zap.String("key", task.Key),
			zap.String("backend", string(task.Backend)),
			zap.String("kind", outcome),
			zap.Int("status_code", res.Err.StatusCode),
			zap.Duration("took", took),
			zap.String("error", res.Err.Message))
	}
	e.metrics.TasksTotal.WithLabelValues(string(task.Backend), outcome).Inc()
	e.metrics.TaskDuration.WithLabelValues(string(task.Backend), outcome).Observe(took.Seconds())
}

func failed(key string, info *domain.ErrorInfo) domain.QueryResult {
	return domain.QueryResult{Key: key, Err: info}
}
