package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/telemetry-aggregator/internal/audit"
	"github.com/xela07ax/telemetry-aggregator/internal/connectors"
	"github.com/xela07ax/telemetry-aggregator/internal/console/handler"
	"github.com/xela07ax/telemetry-aggregator/internal/core"
	"github.com/xela07ax/telemetry-aggregator/internal/domain"
	"github.com/xela07ax/telemetry-aggregator/internal/engine"
	"github.com/xela07ax/telemetry-aggregator/internal/infra/auth"
	"github.com/xela07ax/telemetry-aggregator/internal/widget"
)

type fakeAggregator struct {
	last core.Request
	err  error
}

func (f *fakeAggregator) Aggregate(_ context.Context, req core.Request) (*domain.AggregationResult, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &domain.AggregationResult{
		DashboardID:   req.DashboardID,
		Window:        req.Window,
		Entities:      []domain.EntityRecord{},
		FailedQueries: []domain.FailedQuery{},
	}, nil
}

type fakeRecorder struct{ runs []audit.Run }

func (f *fakeRecorder) Record(run audit.Run) { f.runs = append(f.runs, run) }

type fakeInvalidator struct{ ids []string }

func (f *fakeInvalidator) Invalidate(_ context.Context, id string) error {
	f.ids = append(f.ids, id)
	return nil
}

func newTestServer(agg handler.AggregateService, inv handler.Invalidator, authMW func(http.Handler) http.Handler) (*APIServer, *clock.Mock) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	h := handler.NewAggregateHandler(agg, inv, clk, nil)

	reg := prometheus.NewRegistry()
	engine.NewMetrics(reg).TasksTotal.WithLabelValues("metrics", "ok").Inc()
	return NewAPIServer(h, authMW, reg, time.Second, nil), clk
}

func do(t *testing.T, s http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestAggregateDefaultsToLastHour(t *testing.T) {
	agg := &fakeAggregator{}
	s, _ := newTestServer(agg, nil, nil)

	rec := do(t, s, http.MethodGet, "/v1/dashboards/ops/aggregate?filter=svc-*&errors_only=true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(engine.TraceHeader))

	assert.Equal(t, core.Request{
		DashboardID:  "ops",
		Window:       domain.TimeWindow{From: 1_700_000_000 - 3600, To: 1_700_000_000},
		EntityFilter: "svc-*",
		ErrorsOnly:   true,
	}, agg.last)

	var body domain.AggregationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ops", body.DashboardID)
	assert.NotNil(t, body.Entities)
}

func TestAggregateParsesWindow(t *testing.T) {
	agg := &fakeAggregator{}
	s, _ := newTestServer(agg, nil, nil)

	rec := do(t, s, http.MethodGet, "/v1/dashboards/ops/aggregate?from=2024-01-01T00:00:00Z&to=1704070800")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.TimeWindow{From: 1704067200, To: 1704070800}, agg.last.Window)
}

func TestAggregateErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		want   int
	}{
		{"bad from", "/v1/dashboards/ops/aggregate?from=yesterday", nil, http.StatusBadRequest},
		{"bad errors_only", "/v1/dashboards/ops/aggregate?errors_only=maybe", nil, http.StatusBadRequest},
		{"inverted window", "/v1/dashboards/ops/aggregate?from=200&to=100", nil, http.StatusBadRequest},
		{"not found", "/v1/dashboards/ghost/aggregate", fmt.Errorf("fetch: %w", &connectors.NotFoundError{Resource: "dashboard", ID: "ghost"}), http.StatusNotFound},
		{"corrupt dashboard", "/v1/dashboards/ops/aggregate", fmt.Errorf("fetch dashboard: %w", fmt.Errorf("%w: invalid json", widget.ErrMalformedDashboard)), http.StatusBadGateway},
		{"backend auth", "/v1/dashboards/ops/aggregate", &connectors.AuthError{Backend: "metrics"}, http.StatusBadGateway},
		{"timeout", "/v1/dashboards/ops/aggregate", &connectors.TimeoutError{After: time.Second}, http.StatusGatewayTimeout},
		{"unexpected", "/v1/dashboards/ops/aggregate", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(&fakeAggregator{err: tt.err}, nil, nil)
			rec := do(t, s, http.MethodGet, tt.target)
			assert.Equal(t, tt.want, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
			assert.Equal(t, rec.Header().Get(engine.TraceHeader), body["trace_id"])
		})
	}
}

func TestAuthMiddlewareGuardsAPI(t *testing.T) {
	deny := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
	s, _ := newTestServer(&fakeAggregator{}, nil, deny)

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/v1/dashboards/ops/aggregate").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(&fakeAggregator{}, nil, nil)
	rec := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tasks_total")
}

func TestInvalidate(t *testing.T) {
	s, _ := newTestServer(&fakeAggregator{}, nil, nil)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/v1/dashboards/ops/invalidate").Code)

	inv := &fakeInvalidator{}
	s, _ = newTestServer(&fakeAggregator{}, inv, nil)
	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodPost, "/v1/dashboards/ops/invalidate").Code)
	assert.Equal(t, []string{"ops"}, inv.ids)
}

func TestAggregateIsJournaled(t *testing.T) {
	rec := &fakeRecorder{}
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))

	asAlice := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithPrincipal(r.Context(), &domain.Principal{ID: "alice"})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	agg := &fakeAggregator{}
	h := handler.NewAggregateHandler(agg, nil, clk, nil).WithRecorder(rec)
	s := NewAPIServer(h, asAlice, prometheus.NewRegistry(), 0, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/dashboards/ops/aggregate?filter=svc-a", nil)
	req.Header.Set(engine.TraceHeader, "trace-1")
	s.ServeHTTP(httptest.NewRecorder(), req)

	agg.err = &connectors.NotFoundError{Resource: "dashboard", ID: "ghost"}
	do(t, s, http.MethodGet, "/v1/dashboards/ghost/aggregate")

	require.Len(t, rec.runs, 2)
	assert.Equal(t, "trace-1", rec.runs[0].TraceID)
	assert.Equal(t, "alice", rec.runs[0].Principal)
	assert.Equal(t, "ops", rec.runs[0].DashboardID)
	assert.Equal(t, "svc-a", rec.runs[0].Filter)
	assert.Equal(t, "ok", rec.runs[0].Status)
	assert.Equal(t, int64(1_700_000_000), rec.runs[0].To)

	assert.Equal(t, "error", rec.runs[1].Status)
	assert.Equal(t, "ghost", rec.runs[1].DashboardID)
	assert.Contains(t, rec.runs[1].Error, "not found")
}
