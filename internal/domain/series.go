package domain

import (
	"fmt"
	"time"
)

// TimeWindow — интервал [From, To] в epoch-секундах, общий для всех задач одного запроса.
type TimeWindow struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

func (w TimeWindow) Validate() error {
	if w.From >= w.To {
		return fmt.Errorf("invalid time window: from (%d) must be before to (%d)", w.From, w.To)
	}
	return nil
}

func (w TimeWindow) Start() time.Time { return time.Unix(w.From, 0).UTC() }
func (w TimeWindow) End() time.Time   { return time.Unix(w.To, 0).UTC() }

func (w TimeWindow) Duration() time.Duration {
	return time.Duration(w.To-w.From) * time.Second
}

// Step подбирает шаг выборки так, чтобы в окне было не больше maxPoints точек
// и не меньше минуты на точку.
func (w TimeWindow) Step(maxPoints int) time.Duration {
	if maxPoints <= 0 {
		maxPoints = 120
	}
	step := w.Duration() / time.Duration(maxPoints)
	if step < time.Minute {
		step = time.Minute
	}
	return step.Truncate(time.Second)
}

// Sample — точка ряда. Value == nil означает пропуск, а не ноль.
type Sample struct {
	Timestamp int64    `json:"ts"`
	Value     *float64 `json:"value"`
}

// TimeSeries упорядочен по неубыванию Timestamp. Пропуски сохраняются.
type TimeSeries struct {
	Samples []Sample `json:"samples"`
}

func Float(v float64) *float64 { return &v }

// NewSeries собирает ряд из пар (ts, value) с шагом step, удобно для тестов и моков.
func NewSeries(from int64, step int64, values ...*float64) *TimeSeries {
	s := &TimeSeries{Samples: make([]Sample, len(values))}
	for i, v := range values {
		s.Samples[i] = Sample{Timestamp: from + int64(i)*step, Value: v}
	}
	return s
}

// Values возвращает только непустые значения в исходном порядке.
func (s *TimeSeries) Values() []float64 {
	if s == nil {
		return nil
	}
	out := make([]float64, 0, len(s.Samples))
	for _, p := range s.Samples {
		if p.Value != nil {
			out = append(out, *p.Value)
		}
	}
	return out
}

// Last — последнее непустое значение.
func (s *TimeSeries) Last() (float64, bool) {
	if s == nil {
		return 0, false
	}
	for i := len(s.Samples) - 1; i >= 0; i-- {
		if s.Samples[i].Value != nil {
			return *s.Samples[i].Value, true
		}
	}
	return 0, false
}

// IsOrdered проверяет инвариант неубывания временных меток.
func (s *TimeSeries) IsOrdered() bool {
	if s == nil {
		return true
	}
	for i := 1; i < len(s.Samples); i++ {
		if s.Samples[i].Timestamp < s.Samples[i-1].Timestamp {
			return false
		}
	}
	return true
}
