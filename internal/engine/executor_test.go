package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/telemetry-aggregator/internal/connectors"
	"github.com/xela07ax/telemetry-aggregator/internal/domain"
)

var window = domain.TimeWindow{From: 1700000000, To: 1700003600}

type fetcherFunc func(ctx context.Context, query string, w domain.TimeWindow) (*domain.TimeSeries, error)

func (f fetcherFunc) QueryMetric(ctx context.Context, query string, w domain.TimeWindow) (*domain.TimeSeries, error) {
	return f(ctx, query, w)
}

func metricTasks(n int) []domain.QueryTask {
	tasks := make([]domain.QueryTask, n)
	for i := range tasks {
		tasks[i] = domain.QueryTask{Key: fmt.Sprintf("t%d", i+1), Backend: domain.BackendMetrics, Query: fmt.Sprintf("q%d", i+1)}
	}
	return tasks
}

func TestRunIsolatesFailures(t *testing.T) {
	mock := connectors.NewMockFetcher()
	for i := 1; i <= 5; i++ {
		mock.On(fmt.Sprintf("q%d", i), connectors.MockResponse{Values: []*float64{domain.Float(float64(i))}, Latency: 50 * time.Millisecond})
	}
	mock.On("q3", connectors.MockResponse{Err: &connectors.BackendError{StatusCode: 502, Message: "bad gateway"}, Latency: 50 * time.Millisecond})

	exec := NewExecutor(map[domain.Backend]SeriesFetcher{domain.BackendMetrics: mock}, ExecutorConfig{MaxWorkers: 5}, nil, nil)

	start := time.Now()
	res, err := exec.Run(context.Background(), window, metricTasks(5))
	took := time.Since(start)
	require.NoError(t, err)

	require.Len(t, res, 5)
	for _, key := range []string{"t1", "t2", "t4", "t5"} {
		assert.True(t, res[key].OK(), key)
	}
	require.NotNil(t, res["t3"].Err)
	assert.Equal(t, domain.ErrorKindBackend, res["t3"].Err.Kind)
	assert.Equal(t, 502, res["t3"].Err.StatusCode)
	assert.Nil(t, res["t3"].Series)

	// параллельно: время близко к самой медленной задаче, а не к сумме
	assert.Less(t, took, 200*time.Millisecond)
}

func TestRunRespectsWorkerBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	f := fetcherFunc(func(ctx context.Context, query string, w domain.TimeWindow) (*domain.TimeSeries, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return domain.NewSeries(w.From, 60, domain.Float(1)), nil
	})

	exec := NewExecutor(map[domain.Backend]SeriesFetcher{domain.BackendMetrics: f}, ExecutorConfig{MaxWorkers: 2}, nil, nil)
	res, err := exec.Run(context.Background(), window, metricTasks(8))
	require.NoError(t, err)
	assert.Len(t, res, 8)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunTimeoutProducesTimeoutError(t *testing.T) {
	blocking := fetcherFunc(func(ctx context.Context, query string, w domain.TimeWindow) (*domain.TimeSeries, error) {
		if query == "slow" {
			// игнорирует контекст: исполнитель все равно не должен зависнуть
			time.Sleep(time.Second)
		}
		return domain.NewSeries(w.From, 60, domain.Float(1)), nil
	})
	exec := NewExecutor(map[domain.Backend]SeriesFetcher{domain.BackendMetrics: blocking}, ExecutorConfig{}, nil, nil)

	tasks := []domain.QueryTask{
		{Key: "slow", Backend: domain.BackendMetrics, Query: "slow", Timeout: 30 * time.Millisecond},
		{Key: "fast", Backend: domain.BackendMetrics, Query: "fast"},
	}
	start := time.Now()
	res, err := exec.Run(context.Background(), window, tasks)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	require.NotNil(t, res["slow"].Err)
	assert.Equal(t, domain.ErrorKindTimeout, res["slow"].Err.Kind)
	assert.True(t, res["fast"].OK())
}

func TestRunRejectsDuplicateKeys(t *testing.T) {
	var calls atomic.Int32
	f := fetcherFunc(func(ctx context.Context, query string, w domain.TimeWindow) (*domain.TimeSeries, error) {
		calls.Add(1)
		return &domain.TimeSeries{}, nil
	})
	exec := NewExecutor(map[domain.Backend]SeriesFetcher{domain.BackendMetrics: f}, ExecutorConfig{}, nil, nil)

	tasks := []domain.QueryTask{
		{Key: "a", Backend: domain.BackendMetrics},
		{Key: "a", Backend: domain.BackendMetrics},
	}
	_, err := exec.Run(context.Background(), window, tasks)
	assert.ErrorIs(t, err, ErrDuplicateTaskKey)
	assert.Zero(t, calls.Load())
}

func TestRunEmptyTaskList(t *testing.T) {
	exec := NewExecutor(nil, ExecutorConfig{}, nil, nil)
	res, err := exec.Run(context.Background(), window, nil)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	f := fetcherFunc(func(ctx context.Context, query string, w domain.TimeWindow) (*domain.TimeSeries, error) {
		return &domain.TimeSeries{}, nil
	})
	metrics := NewMetrics(nil)
	inFlight := &countingGauge{Gauge: metrics.TasksInFlight}
	metrics.TasksInFlight = inFlight
	exec := NewExecutor(map[domain.Backend]SeriesFetcher{domain.BackendMetrics: f}, ExecutorConfig{}, metrics, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := exec.Run(ctx, window, metricTasks(3))
	require.NoError(t, err)
	for _, r := range res {
		require.NotNil(t, r.Err)
		assert.Equal(t, domain.ErrorKindCancelled, r.Err.Kind)
	}
	// до бэкенда никто не дошел
	assert.Zero(t, inFlight.incs.Load())
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.TasksTotal.WithLabelValues("metrics", "cancelled")))

	_, err = exec.Run(context.Background(), window, metricTasks(2))
	require.NoError(t, err)
	assert.EqualValues(t, 2, inFlight.incs.Load())
	assert.Zero(t, testutil.ToFloat64(metrics.TasksInFlight))
}

type countingGauge struct {
	prometheus.Gauge
	incs atomic.Int32
}

func (g *countingGauge) Inc() {
	g.incs.Add(1)
	g.Gauge.Inc()
}

func TestRunSoftCancelLetsStartedTasksFinish(t *testing.T) {
	started := make(chan struct{})
	f := fetcherFunc(func(ctx context.Context, query string, w domain.TimeWindow) (*domain.TimeSeries, error) {
		close(started)
		select {
		case <-time.After(50 * time.Millisecond):
			return domain.NewSeries(w.From, 60, domain.Float(7)), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	run := func(hard bool) domain.QueryResult {
		started = make(chan struct{})
		exec := NewExecutor(map[domain.Backend]SeriesFetcher{domain.BackendMetrics: f}, ExecutorConfig{HardDeadline: hard}, nil, nil)
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-started
			cancel()
		}()
		res, err := exec.Run(ctx, window, metricTasks(1))
		require.NoError(t, err)
		return res["t1"]
	}

	assert.True(t, run(false).OK())

	hard := run(true)
	require.NotNil(t, hard.Err)
	assert.Equal(t, domain.ErrorKindCancelled, hard.Err.Kind)
}

func TestRunCapturesPanicsAndUnknownBackends(t *testing.T) {
	f := fetcherFunc(func(ctx context.Context, query string, w domain.TimeWindow) (*domain.TimeSeries, error) {
		panic("boom")
	})
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	exec := NewExecutor(map[domain.Backend]SeriesFetcher{domain.BackendMetrics: f}, ExecutorConfig{}, metrics, nil)

	tasks := []domain.QueryTask{
		{Key: "panic", Backend: domain.BackendMetrics},
		{Key: "logs", Backend: domain.BackendLogSearch},
	}
	res, err := exec.Run(context.Background(), window, tasks)
	require.NoError(t, err)
	require.NotNil(t, res["panic"].Err)
	assert.Contains(t, res["panic"].Err.Message, "boom")
	require.NotNil(t, res["logs"].Err)
	assert.Equal(t, domain.ErrorKindBackend, res["logs"].Err.Kind)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.TasksTotal.WithLabelValues("metrics", "backend"))+
		testutil.ToFloat64(metrics.TasksTotal.WithLabelValues("log_search", "backend")))
}

func TestRunRejectsUnorderedSeries(t *testing.T) {
	f := fetcherFunc(func(ctx context.Context, query string, w domain.TimeWindow) (*domain.TimeSeries, error) {
		return &domain.TimeSeries{Samples: []domain.Sample{{Timestamp: 2}, {Timestamp: 1}}}, nil
	})
	exec := NewExecutor(map[domain.Backend]SeriesFetcher{domain.BackendMetrics: f}, ExecutorConfig{}, nil, nil)
	res, err := exec.Run(context.Background(), window, metricTasks(1))
	require.NoError(t, err)
	require.NotNil(t, res["t1"].Err)
	assert.Equal(t, domain.ErrorKindMalformed, res["t1"].Err.Kind)
}

func TestReliabilityWrapperRetriesTransientOnly(t *testing.T) {
	var calls atomic.Int32
	flaky := fetcherFunc(func(ctx context.Context, query string, w domain.TimeWindow) (*domain.TimeSeries, error) {
		if query == "bad" {
			calls.Add(1)
			return nil, &connectors.BackendError{StatusCode: 400, Message: "parse error"}
		}
		if calls.Add(1) < 3 {
			return nil, &connectors.BackendError{StatusCode: 503, Message: "unavailable"}
		}
		return domain.NewSeries(w.From, 60, domain.Float(1)), nil
	})

	w := NewReliabilityWrapper(domain.BackendMetrics, flaky, ReliabilityConfig{RetryAttempts: 3, RetryDelay: time.Millisecond}, nil, nil)
	s, err := w.QueryMetric(context.Background(), "ok", window)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, s.Values())
	assert.EqualValues(t, 3, calls.Load())

	calls.Store(0)
	_, err = w.QueryMetric(context.Background(), "bad", window)
	var be *connectors.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 400, be.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestReliabilityWrapperHonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	throttled := fetcherFunc(func(ctx context.Context, query string, w domain.TimeWindow) (*domain.TimeSeries, error) {
		if calls.Add(1) == 1 {
			return nil, &connectors.ThrottleError{RetryAfter: 50 * time.Millisecond}
		}
		return domain.NewSeries(w.From, 60, domain.Float(1)), nil
	})

	w := NewReliabilityWrapper(domain.BackendMetrics, throttled, ReliabilityConfig{RetryAttempts: 2, RetryDelay: time.Millisecond}, nil, nil)
	start := time.Now()
	_, err := w.QueryMetric(context.Background(), "q", window)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// Retry-After ограничен сверху
	calls.Store(0)
	w = NewReliabilityWrapper(domain.BackendMetrics, throttled, ReliabilityConfig{RetryAttempts: 2, RetryDelay: time.Millisecond, MaxRetryAfter: time.Millisecond}, nil, nil)
	start = time.Now()
	_, err = w.QueryMetric(context.Background(), "q", window)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestReliabilityWrapperOpensBreaker(t *testing.T) {
	var calls atomic.Int32
	down := fetcherFunc(func(ctx context.Context, query string, w domain.TimeWindow) (*domain.TimeSeries, error) {
		calls.Add(1)
		return nil, &connectors.BackendError{StatusCode: 500, Message: "down"}
	})
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	w := NewReliabilityWrapper(domain.BackendMetrics, down, ReliabilityConfig{BreakerFailures: 2}, metrics, nil)

	for i := 0; i < 2; i++ {
		_, err := w.QueryMetric(context.Background(), "q", window)
		require.Error(t, err)
	}
	_, err := w.QueryMetric(context.Background(), "q", window)
	var be *connectors.BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, http.StatusServiceUnavailable, be.StatusCode)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("metrics")))
}

func TestTracingMiddleware(t *testing.T) {
	var seen string
	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceID(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TraceHeader, "abc")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get(TraceHeader))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, "00000000-0000-0000-0000-000000000000", TraceID(context.Background()))
}
