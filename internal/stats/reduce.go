// Package stats сворачивает сырые ряды сущности в EntityStats.
//
// Отсутствующий ряд (запрос упал или не запрашивался) дает nil в соответствующем поле,
// присутствующий, но пустой ряд дает 0. Эти два случая никогда не смешиваются.
package stats

import (
	"math"
	"sort"

	"github.com/xela07ax/telemetry-aggregator/internal/domain"
)

// SeriesSet — ряды одной сущности. nil = ряд не получен.
type SeriesSet struct {
	Hits       *domain.TimeSeries
	Errors     *domain.TimeSeries
	LatencyAvg *domain.TimeSeries
	LatencyMin *domain.TimeSeries
	LatencyMax *domain.TimeSeries
	LogErrors  *domain.TimeSeries
}

type Options struct {
	Window      domain.TimeWindow
	LatencyUnit domain.LatencyUnit
}

// Reduce считает производную статистику. Не зависит от порядка, в котором ряды были получены.
func Reduce(entity domain.EntityRef, set SeriesSet, opts Options) domain.EntityStats {
	st := domain.EntityStats{Entity: entity}

	if set.Hits != nil {
		st.HitsPerSecond = domain.Float(lastOrZero(set.Hits))
	}
	if set.Errors != nil {
		st.ErrorCount = domain.Float(lastOrZero(set.Errors))
	}
	if st.HitsPerSecond != nil && st.ErrorCount != nil {
		st.ErrorPercentage = ErrorPercentage(*st.ErrorCount, TotalHits(set.Hits, opts.Window))
	}

	if avg := toMillis(set.LatencyAvg, opts.LatencyUnit); avg != nil {
		st.LatencyAvgMs = mean(avg)
		if len(avg) > 0 {
			sorted := append([]float64(nil), avg...)
			sort.Float64s(sorted)
			st.LatencyP50Ms = domain.Float(percentile(sorted, 0.50))
			st.LatencyP90Ms = domain.Float(percentile(sorted, 0.90))
			st.LatencyP95Ms = domain.Float(percentile(sorted, 0.95))
		}
	}
	if mins := toMillis(set.LatencyMin, opts.LatencyUnit); mins != nil {
		st.LatencyMinMs = extreme(mins, math.Min)
	}
	if maxs := toMillis(set.LatencyMax, opts.LatencyUnit); maxs != nil {
		st.LatencyMaxMs = extreme(maxs, math.Max)
	}

	if set.LogErrors != nil {
		var sum float64
		for _, v := range set.LogErrors.Values() {
			sum += v
		}
		st.LogErrorCount = domain.Float(sum)
	}
	return st
}

// ErrorPercentage возвращает nil, если хитов не было: доля от нуля не определена.
func ErrorPercentage(errorCount, totalHits float64) *domain.Percentage {
	if totalHits <= 0 {
		return nil
	}
	return &domain.Percentage{Value: errorCount / totalHits * 100}
}

// FormatErrorPercentage — процент ошибок с полосой "<0.1%", либо "" если хитов не было.
func FormatErrorPercentage(errorCount, totalHits float64) string {
	p := ErrorPercentage(errorCount, totalHits)
	if p == nil {
		return ""
	}
	return p.String()
}

// TotalHits интегрирует ряд скоростей (запросов в секунду) по окну.
// Каждая точка покрывает расстояние до следующей, последняя повторяет предыдущий шаг,
// единственная точка покрывает все окно.
func TotalHits(s *domain.TimeSeries, window domain.TimeWindow) float64 {
	if s == nil || len(s.Samples) == 0 {
		return 0
	}
	samples := s.Samples
	if len(samples) == 1 {
		if samples[0].Value == nil {
			return 0
		}
		span := float64(window.To - window.From)
		if span <= 0 {
			span = 1
		}
		return *samples[0].Value * span
	}

	var total, plain float64
	for i, p := range samples {
		if p.Value == nil {
			continue
		}
		var step int64
		if i+1 < len(samples) {
			step = samples[i+1].Timestamp - p.Timestamp
		} else {
			step = p.Timestamp - samples[i-1].Timestamp
		}
		total += *p.Value * float64(step)
		plain += *p.Value
	}
	// Все метки совпали: шаг восстановить нельзя, считаем точки как есть
	if total == 0 && plain != 0 {
		return plain
	}
	return total
}

// RescaleLatency переводит значение в миллисекунды по объявленной единице.
func RescaleLatency(v float64, unit domain.LatencyUnit) float64 {
	switch unit {
	case domain.LatencyUnitSeconds:
		return v * 1000
	case domain.LatencyUnitMilliseconds:
		return v
	default:
		// Эвристика: значения меньше 10 считаем секундами
		if v < 10 {
			return v * 1000
		}
		return v
	}
}

func lastOrZero(s *domain.TimeSeries) float64 {
	v, _ := s.Last()
	return v
}

// toMillis возвращает nil для отсутствующего ряда и пустой срез для ряда без значений.
func toMillis(s *domain.TimeSeries, unit domain.LatencyUnit) []float64 {
	if s == nil {
		return nil
	}
	vals := s.Values()
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = RescaleLatency(v, unit)
	}
	return out
}

func mean(values []float64) *float64 {
	if len(values) == 0 {
		return domain.Float(0)
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return domain.Float(sum / float64(len(values)))
}

func extreme(values []float64, pick func(a, b float64) float64) *float64 {
	if len(values) == 0 {
		return domain.Float(0)
	}
	acc := values[0]
	for _, v := range values[1:] {
		acc = pick(acc, v)
	}
	return domain.Float(acc)
}

// percentile ожидает отсортированный срез, линейная интерполяция между соседями.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	pos := p * float64(len(values)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return values[lower]
	}
	weight := pos - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}
