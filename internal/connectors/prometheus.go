package connectors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"

	"github.com/xela07ax/telemetry-aggregator/internal/domain"
)

// PrometheusFetcher выполняет range-запросы PromQL и декодирует матрицу в TimeSeries.
type PrometheusFetcher struct {
	api       promv1.API
	maxPoints int
	logger    *zap.Logger
}

// NewPrometheusFetcher создает адаптер. token передается как есть в заголовке
// Authorization: управление учетными данными не наша забота.
func NewPrometheusFetcher(address, token string, maxPoints int, logger *zap.Logger) (*PrometheusFetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := api.NewClient(api.Config{
		Address:      address,
		RoundTripper: &authRoundTripper{next: api.DefaultRoundTripper, token: token},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	return &PrometheusFetcher{
		api:       promv1.NewAPI(client),
		maxPoints: maxPoints,
		logger:    logger.With(zap.String("mod", "prometheus")),
	}, nil
}

// QueryMetric реализует engine.SeriesFetcher.
func (p *PrometheusFetcher) QueryMetric(ctx context.Context, query string, window domain.TimeWindow) (*domain.TimeSeries, error) {
	step := window.Step(p.maxPoints)
	r := promv1.Range{Start: window.Start(), End: window.End(), Step: step}

	val, warnings, err := p.api.QueryRange(ctx, query, r)
	if err != nil {
		return nil, p.translate(err)
	}
	if len(warnings) > 0 {
		p.logger.Debug("prometheus returned warnings", zap.Strings("warnings", warnings))
	}
	return decodePromValue(val, window, step)
}

func (p *PrometheusFetcher) translate(err error) error {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	var th *ThrottleError
	if errors.As(err, &th) {
		return th
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &CancelledError{Cause: err}
	}

	var pe *promv1.Error
	if !errors.As(err, &pe) {
		return &BackendError{Message: err.Error()}
	}
	switch pe.Type {
	case promv1.ErrTimeout:
		return &TimeoutError{Cause: pe}
	case promv1.ErrCanceled:
		return &CancelledError{Cause: pe}
	case promv1.ErrBadResponse:
		return &MalformedDataError{Reason: "bad response", Cause: pe}
	case promv1.ErrBadData, promv1.ErrClient:
		return &BackendError{StatusCode: http.StatusBadRequest, Message: pe.Msg}
	case promv1.ErrExec:
		return &BackendError{StatusCode: http.StatusUnprocessableEntity, Message: pe.Msg}
	default:
		return &BackendError{StatusCode: http.StatusInternalServerError, Message: pe.Msg}
	}
}

// decodePromValue складывает все ряды матрицы по временным меткам и раскладывает
// их на сетку окна. Точки, которых нет в ответе, остаются пропусками.
func decodePromValue(val model.Value, window domain.TimeWindow, step time.Duration) (*domain.TimeSeries, error) {
	sums := make(map[int64]float64)
	add := func(ts model.Time, v model.SampleValue) {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return
		}
		sums[ts.Unix()] += f
	}

	switch v := val.(type) {
	case model.Matrix:
		for _, stream := range v {
			for _, pair := range stream.Values {
				add(pair.Timestamp, pair.Value)
			}
		}
	case model.Vector:
		for _, s := range v {
			add(s.Timestamp, s.Value)
		}
	case *model.Scalar:
		add(v.Timestamp, v.Value)
	default:
		return nil, &MalformedDataError{Reason: fmt.Sprintf("unexpected value type %T", val)}
	}

	return alignToGrid(sums, window, int64(step/time.Second)), nil
}

// alignToGrid строит ряд с точками From, From+step, ... <= To.
// Точки вне сетки (например, от vector-запроса) добавляются по порядку.
func alignToGrid(values map[int64]float64, window domain.TimeWindow, step int64) *domain.TimeSeries {
	if step <= 0 {
		step = 60
	}
	series := &domain.TimeSeries{}
	seen := make(map[int64]bool, len(values))
	for ts := window.From; ts <= window.To; ts += step {
		s := domain.Sample{Timestamp: ts}
		if v, ok := values[ts]; ok {
			s.Value = domain.Float(v)
			seen[ts] = true
		}
		series.Samples = append(series.Samples, s)
	}
	for ts, v := range values {
		if !seen[ts] {
			series.Samples = append(series.Samples, domain.Sample{Timestamp: ts, Value: domain.Float(v)})
		}
	}
	sortSamples(series.Samples)
	return series
}

// authRoundTripper подкладывает токен и превращает 401/403 в AuthError, 429 в ThrottleError.
type authRoundTripper struct {
	next  http.RoundTripper
	token string
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, &AuthError{Backend: "prometheus", Cause: fmt.Errorf("http status %d", resp.StatusCode)}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, &ThrottleError{
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Cause:      fmt.Errorf("http status %d", resp.StatusCode),
		}
	}
	return resp, nil
}

// ParseRetryAfter понимает оба формата заголовка: секунды и HTTP-дату.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if sec, err := strconv.Atoi(v); err == nil {
		if sec < 0 {
			return 0
		}
		return time.Duration(sec) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
