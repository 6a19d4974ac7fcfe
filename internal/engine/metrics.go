package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько времени заняла задача к бэкенду
	TaskDuration *prometheus.HistogramVec

	// Traffic: общее кол-во задач по бэкенду и исходу (ok, timeout, backend, ...)
	TasksTotal *prometheus.CounterVec

	// Saturation: сколько задач сейчас выполняется
	TasksInFlight prometheus.Gauge

	// Состояние Circuit Breaker (0 - закрыт, 1 - полуоткрыт, 2 - открыт)
	CircuitBreakerState *prometheus.GaugeVec

	// Aggregate целиком
	AggregationDuration *prometheus.HistogramVec
	FailedQueries       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		TaskDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "telemetry_query_task_duration_seconds",
			Help:    "Histogram of backend query task latencies.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 15, 30, 60, 120},
		}, []string{"backend", "outcome"}),

		TasksTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_query_tasks_total",
			Help: "Total number of executed query tasks.",
		}, []string{"backend", "outcome"}),

		TasksInFlight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_query_tasks_in_flight",
			Help: "Current number of running query tasks.",
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "telemetry_circuit_breaker_state",
			Help: "Current state of the backend circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"backend"}),

		AggregationDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "telemetry_aggregation_duration_seconds",
			Help:    "Histogram of full aggregation request latencies.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 15, 30, 60, 120},
		}, []string{"status"}),

		FailedQueries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_failed_queries_total",
			Help: "Total number of query tasks reported as failed, by error kind.",
		}, []string{"kind"}),
	}
}
