package audit

import "time"

// Run — запись журнала об одном вызове агрегации через API.
type Run struct {
	ID          string `json:"id"`           // ID результата, пусто при ошибке
	TraceID     string `json:"trace_id"`     // Сквозной ID запроса
	Principal   string `json:"principal"`    // Кто запрашивал
	DashboardID string `json:"dashboard_id"` // Какой дашборд
	From        int64  `json:"from"`
	To          int64  `json:"to"`
	Filter      string `json:"filter"`
	ErrorsOnly  bool   `json:"errors_only"`

	// Результат
	Status        string    `json:"status"` // "ok" или "error"
	Entities      int       `json:"entities"`
	FailedQueries int       `json:"failed_queries"`
	DurationMs    int64     `json:"duration_ms"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
