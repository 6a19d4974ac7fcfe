package connectors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xela07ax/telemetry-aggregator/internal/domain"
)

// MockResponse — заранее заданный ответ на запрос.
type MockResponse struct {
	Values  []*float64    // значения ряда, шаг = окно / len(Values)
	Err     error         // если задана, возвращается вместо ряда
	Latency time.Duration // 0 = случайная задержка 0..MaxJitter
}

// MockFetcher имитирует бэкенд метрик: задержку, ответы и ошибки по подстроке запроса.
// Используется в тестах и в demo-режиме сервиса (backends.mock).
type MockFetcher struct {
	mu        sync.RWMutex
	responses map[string]MockResponse
	MaxJitter time.Duration
	calls     atomic.Int64
	queries   []string
}

func NewMockFetcher() *MockFetcher {
	return &MockFetcher{responses: make(map[string]MockResponse)}
}

// On регистрирует ответ для всех запросов, содержащих match.
func (m *MockFetcher) On(match string, resp MockResponse) *MockFetcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[match] = resp
	return m
}

func (m *MockFetcher) Calls() int64 { return m.calls.Load() }

// Queries — все полученные запросы в порядке поступления.
func (m *MockFetcher) Queries() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.queries...)
}

func (m *MockFetcher) QueryMetric(ctx context.Context, query string, window domain.TimeWindow) (*domain.TimeSeries, error) {
	m.calls.Add(1)

	m.mu.Lock()
	m.queries = append(m.queries, query)
	resp, ok := m.match(query)
	m.mu.Unlock()

	latency := resp.Latency
	if latency == 0 && m.MaxJitter > 0 {
		latency = time.Duration(rand.Int64N(int64(m.MaxJitter)))
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if !ok {
		return nil, &BackendError{StatusCode: 400, Message: fmt.Sprintf("query %q not supported by mock", query)}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}

	step := int64(60)
	if n := int64(len(resp.Values)); n > 0 {
		step = (window.To - window.From) / n
	}
	return domain.NewSeries(window.From, step, resp.Values...), nil
}

// match выбирает самое длинное совпадение, чтобы "svc-a" не перехватывал "svc-a-canary".
func (m *MockFetcher) match(query string) (MockResponse, bool) {
	best, bestLen := MockResponse{}, -1
	for k, v := range m.responses {
		if strings.Contains(query, k) && len(k) > bestLen {
			best, bestLen = v, len(k)
		}
	}
	return best, bestLen >= 0
}
