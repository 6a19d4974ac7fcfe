package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/telemetry-aggregator/internal/connectors"
	"github.com/xela07ax/telemetry-aggregator/internal/domain"
)

type ReliabilityConfig struct {
	RatePerSecond     float64
	Burst             int
	RetryAttempts     uint
	RetryDelay        time.Duration
	MaxRetryAfter     time.Duration // потолок ожидания по Retry-After
	BreakerFailures   uint32
	BreakerOpenPeriod time.Duration
}

func (c ReliabilityConfig) withDefaults() ReliabilityConfig {
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 100
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	if c.MaxRetryAfter <= 0 {
		c.MaxRetryAfter = 10 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerOpenPeriod <= 0 {
		c.BreakerOpenPeriod = 30 * time.Second
	}
	return c
}

// ReliabilityWrapper оборачивает фетчер одного бэкенда: лимитер, предохранитель и ретраи
// только для временных ошибок. Сам Executor ничего не повторяет.
type ReliabilityWrapper struct {
	backend domain.Backend
	next    SeriesFetcher
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
}

func NewReliabilityWrapper(backend domain.Backend, next SeriesFetcher, cfg ReliabilityConfig, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.CircuitBreakerState.WithLabelValues(string(backend)).Set(0)

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backend-" + string(backend),
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     cfg.BreakerOpenPeriod, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Ошибки запроса (4xx, auth, кривые данные) бэкенд не ломают
		IsSuccessful: func(err error) bool {
			return err == nil || !connectors.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(string(backend)).Set(float64(to))
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &ReliabilityWrapper{
		backend: backend,
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cfg:     cfg,
	}
}

// QueryMetric реализует SeriesFetcher.
func (w *ReliabilityWrapper) QueryMetric(ctx context.Context, query string, window domain.TimeWindow) (*domain.TimeSeries, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &connectors.BackendError{StatusCode: http.StatusTooManyRequests, Message: fmt.Sprintf("rate limit exceeded: %v", err)}
	}

	// 2. Circuit Breaker
	res, err := w.cb.Execute(func() (interface{}, error) {
		var series *domain.TimeSeries
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.RetryAttempts),
			retry.Delay(w.cfg.RetryDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(connectors.IsTransient),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Бэкенд сам сказал, когда приходить (Retry-After)
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) && tErr.RetryAfter > 0 {
					return min(tErr.RetryAfter, w.cfg.MaxRetryAfter)
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)
		retryErr := r.Do(func() error {
			var callErr error
			series, callErr = w.next.QueryMetric(ctx, query, window)
			return callErr
		})
		return series, retryErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &connectors.BackendError{
				StatusCode: http.StatusServiceUnavailable,
				Message:    fmt.Sprintf("%s backend unavailable: %v", w.backend, err),
			}
		}
		return nil, err
	}
	series, _ := res.(*domain.TimeSeries)
	return series, nil
}
