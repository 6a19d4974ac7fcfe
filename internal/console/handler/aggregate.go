package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/telemetry-aggregator/internal/audit"
	"github.com/xela07ax/telemetry-aggregator/internal/connectors"
	"github.com/xela07ax/telemetry-aggregator/internal/core"
	"github.com/xela07ax/telemetry-aggregator/internal/domain"
	"github.com/xela07ax/telemetry-aggregator/internal/engine"
	"github.com/xela07ax/telemetry-aggregator/internal/infra/auth"
	"github.com/xela07ax/telemetry-aggregator/internal/widget"
)

// DefaultWindow — окно по умолчанию, если from/to не заданы.
const DefaultWindow = time.Hour

// AggregateService описывает, что нам нужно от ядра
type AggregateService interface {
	Aggregate(ctx context.Context, req core.Request) (*domain.AggregationResult, error)
}

// Recorder — журнал вызовов (audit.Journal).
type Recorder interface {
	Record(run audit.Run)
}

// Invalidator сбрасывает закэшированное определение дашборда.
type Invalidator interface {
	Invalidate(ctx context.Context, id string) error
}

type AggregateHandler struct {
	service     AggregateService
	invalidator Invalidator
	recorder    Recorder
	clock       clock.Clock
	logger      *zap.Logger
}

// NewAggregateHandler: inv == nil означает, что кэша нет и сбрасывать нечего.
func NewAggregateHandler(s AggregateService, inv Invalidator, clk clock.Clock, logger *zap.Logger) *AggregateHandler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AggregateHandler{service: s, invalidator: inv, clock: clk, logger: logger}
}

// WithRecorder включает журнал вызовов агрегации.
func (h *AggregateHandler) WithRecorder(r Recorder) *AggregateHandler {
	h.recorder = r
	return h
}

// Aggregate считает сводку по дашборду
// GET /v1/dashboards/{id}/aggregate?from=...&to=...&filter=...&errors_only=true
func (h *AggregateHandler) Aggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	window, err := h.parseWindow(q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	errorsOnly := false
	if v := q.Get("errors_only"); v != "" {
		errorsOnly, err = strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "errors_only must be a boolean")
			return
		}
	}

	req := core.Request{
		DashboardID:  chi.URLParam(r, "id"),
		Window:       window,
		EntityFilter: q.Get("filter"),
		ErrorsOnly:   errorsOnly,
	}
	start := h.clock.Now()
	res, err := h.service.Aggregate(r.Context(), req)
	h.record(r, req, res, err, h.clock.Since(start))
	if err != nil {
		code := statusFor(err)
		if code >= http.StatusInternalServerError {
			h.logger.Error("aggregate failed", zap.String("trace_id", engine.TraceID(r.Context())), zap.Error(err))
		}
		writeError(w, r, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *AggregateHandler) record(r *http.Request, req core.Request, res *domain.AggregationResult, err error, took time.Duration) {
	if h.recorder == nil {
		return
	}
	run := audit.Run{
		TraceID:     engine.TraceID(r.Context()),
		DashboardID: req.DashboardID,
		From:        req.Window.From,
		To:          req.Window.To,
		Filter:      req.EntityFilter,
		ErrorsOnly:  req.ErrorsOnly,
		Status:      "ok",
		DurationMs:  took.Milliseconds(),
	}
	if p := auth.PrincipalFromContext(r.Context()); p != nil {
		run.Principal = p.ID
	}
	if err != nil {
		run.Status, run.Error = "error", err.Error()
	} else {
		run.ID = res.ID
		run.Entities = len(res.Entities)
		run.FailedQueries = len(res.FailedQueries)
	}
	h.recorder.Record(run)
}

// Invalidate сбрасывает кэш дашборда на всех инстансах
// POST /v1/dashboards/{id}/invalidate
func (h *AggregateHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	if h.invalidator == nil {
		writeError(w, r, http.StatusNotFound, "dashboard cache is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.invalidator.Invalidate(r.Context(), id); err != nil {
		h.logger.Error("invalidate failed", zap.String("id", id), zap.Error(err))
		writeError(w, r, http.StatusBadGateway, "failed to invalidate cache")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseWindow принимает epoch-секунды или RFC3339. Пустой to = сейчас, пустой from = to - час.
func (h *AggregateHandler) parseWindow(from, to string) (domain.TimeWindow, error) {
	end := h.clock.Now()
	if to != "" {
		t, err := ParseTime(to)
		if err != nil {
			return domain.TimeWindow{}, errors.New("to: " + err.Error())
		}
		end = t
	}
	start := end.Add(-DefaultWindow)
	if from != "" {
		t, err := ParseTime(from)
		if err != nil {
			return domain.TimeWindow{}, errors.New("from: " + err.Error())
		}
		start = t
	}
	return domain.TimeWindow{From: start.Unix(), To: end.Unix()}, nil
}

// ParseTime принимает epoch-секунды или RFC3339.
func ParseTime(s string) (time.Time, error) {
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.New("expected epoch seconds or RFC3339")
	}
	return t, nil
}

func statusFor(err error) int {
	var (
		nf *connectors.NotFoundError
		ae *connectors.AuthError
		te *connectors.TimeoutError
	)
	switch {
	case errors.Is(err, core.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.Is(err, widget.ErrMalformedDashboard):
		// Хранилище отдало битое определение
		return http.StatusBadGateway
	case errors.As(err, &ae):
		// Отказал бэкенд, а не вызывающий
		return http.StatusBadGateway
	case errors.As(err, &te), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg, TraceID: engine.TraceID(r.Context())})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
