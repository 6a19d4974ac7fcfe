package domain

import "time"

// Backend — бэкенд, к которому адресована задача.
type Backend string

const (
	BackendMetrics   Backend = "metrics"
	BackendLogSearch Backend = "log_search"
)

// QueryTask — непрозрачный запрос к бэкенду плюс ключ для корреляции результата.
type QueryTask struct {
	Key     string        `json:"key"`
	Backend Backend       `json:"backend"`
	Query   string        `json:"query"`
	Timeout time.Duration `json:"timeout,omitempty"` // 0 = дефолт бэкенда из конфига
}

// ErrorKind классифицирует ошибку для вызывающего.
type ErrorKind string

const (
	ErrorKindNotFound  ErrorKind = "not_found"
	ErrorKindAuth      ErrorKind = "auth"
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindBackend   ErrorKind = "backend"
	ErrorKindMalformed ErrorKind = "malformed_data"
	ErrorKindCancelled ErrorKind = "cancelled"
)

// ErrorInfo — ошибка, декодированная на границе с бэкендом.
type ErrorInfo struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// QueryResult — ровно одно из Series/Err задано. Неизменяем после создания.
type QueryResult struct {
	Key    string      `json:"key"`
	Series *TimeSeries `json:"series,omitempty"`
	Err    *ErrorInfo  `json:"error,omitempty"`
}

func (r QueryResult) OK() bool { return r.Err == nil && r.Series != nil }
