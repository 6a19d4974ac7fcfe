package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Percentage — доля ошибок в процентах с полосой отображения.
type Percentage struct {
	Value float64
}

// String: значения меньше 0.1% не округляются до нуля, чтобы не создавать
// впечатление отсутствия ошибок.
func (p Percentage) String() string {
	switch {
	case p.Value == 0:
		return "0.0%"
	case p.Value < 0.1:
		return "<0.1%"
	default:
		return fmt.Sprintf("%.1f%%", p.Value)
	}
}

func (p Percentage) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// EntityStats — производная статистика по сущности. nil = "нет данных", а не ноль.
type EntityStats struct {
	Entity          EntityRef   `json:"entity"`
	HitsPerSecond   *float64    `json:"hits_per_second"`
	ErrorCount      *float64    `json:"error_count"`
	ErrorPercentage *Percentage `json:"error_percentage"`
	LatencyAvgMs    *float64    `json:"latency_avg_ms"`
	LatencyMinMs    *float64    `json:"latency_min_ms"`
	LatencyMaxMs    *float64    `json:"latency_max_ms"`
	LatencyP50Ms    *float64    `json:"latency_p50_ms,omitempty"`
	LatencyP90Ms    *float64    `json:"latency_p90_ms,omitempty"`
	LatencyP95Ms    *float64    `json:"latency_p95_ms,omitempty"`
	LogErrorCount   *float64    `json:"log_error_count,omitempty"`
}

// EntityRecord соединяет статистику с метаданными виджетов.
type EntityRecord struct {
	EntityStats
	Kind    string   `json:"kind"`
	Widgets []string `json:"widgets"`
	// ErrorStatusUnknown: серия ошибок не получена, статус ошибок неизвестен.
	ErrorStatusUnknown bool `json:"error_status_unknown,omitempty"`
}

// FailedQuery — задача, чьи данные не удалось получить.
type FailedQuery struct {
	Key    string     `json:"key"`
	Entity string     `json:"entity,omitempty"`
	Metric string     `json:"metric,omitempty"`
	Error  *ErrorInfo `json:"error"`
}

// AggregationResult — итоговый результат, принадлежит вызывающему.
type AggregationResult struct {
	ID                 string         `json:"id"`
	DashboardID        string         `json:"dashboard_id"`
	DashboardTitle     string         `json:"dashboard_title"`
	GeneratedAt        time.Time      `json:"generated_at"`
	Window             TimeWindow     `json:"window"`
	TruncatedNodeCount int            `json:"truncated_node_count"`
	SkippedLeafCount   int            `json:"skipped_leaf_count"`
	Entities           []EntityRecord `json:"entities"`
	FailedQueries      []FailedQuery  `json:"failed_queries"`
}
