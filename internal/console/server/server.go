package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/telemetry-aggregator/internal/console/handler"
	"github.com/xela07ax/telemetry-aggregator/internal/engine"
)

type APIServer struct {
	router *chi.Mux
	logger *zap.Logger

	aggHandler     *handler.AggregateHandler
	authMiddleware func(http.Handler) http.Handler
	gatherer       prometheus.Gatherer
	requestTimeout time.Duration
}

// NewAPIServer собирает роутер. authMW == nil отключает аутентификацию (локальный запуск).
func NewAPIServer(aggH *handler.AggregateHandler, authMW func(http.Handler) http.Handler, gatherer prometheus.Gatherer, requestTimeout time.Duration, logger *zap.Logger) *APIServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &APIServer{
		router:         chi.NewRouter(),
		logger:         logger.Named("api"),
		aggHandler:     aggH,
		authMiddleware: authMW,
		gatherer:       gatherer,
		requestTimeout: requestTimeout,
	}

	s.routes()
	return s
}

func (s *APIServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// --- 3. Защищенный периметр ---
	r.Group(func(r chi.Router) {
		if s.authMiddleware != nil {
			r.Use(s.authMiddleware)
		}
		if s.requestTimeout > 0 {
			r.Use(middleware.Timeout(s.requestTimeout))
		}

		r.Route("/v1/dashboards/{id}", func(r chi.Router) {
			r.Get("/aggregate", s.aggHandler.Aggregate)
			r.Post("/invalidate", s.aggHandler.Invalidate)
		})
	})
}

// accessLog пишет запросы в zap вместо стандартного логгера chi
func (s *APIServer) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("trace_id", engine.TraceID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

// ServeHTTP позволяет использовать APIServer как стандартный http.Handler
func (s *APIServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
