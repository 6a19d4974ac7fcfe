package core

import (
	"github.com/xela07ax/telemetry-aggregator/internal/domain"
	"github.com/xela07ax/telemetry-aggregator/internal/stats"
)

type entityEntry struct {
	ref     domain.EntityRef
	kind    string
	widgets []string
	metrics domain.MetricSet
	all     bool // хотя бы один виджет не ограничил метрики
	unit    domain.LatencyUnit
	stats   domain.EntityStats
}

// Accumulator — состояние одного вызова Aggregate. Создается на запрос и
// никогда не разделяется между запросами.
type Accumulator struct {
	order     []*entityEntry
	byKey     map[string]*entityEntry
	failed    []domain.FailedQuery
	truncated int
	skipped   int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{byKey: make(map[string]*entityEntry)}
}

func (a *Accumulator) SetTruncated(n int) { a.truncated = n }

// AddLeaf регистрирует виджет. Порядок сущностей задается первым вхождением.
// Виджет без сущности пропускается и учитывается в SkippedLeafCount.
func (a *Accumulator) AddLeaf(l domain.Leaf) bool {
	if l.Entity == nil || l.Entity.Name == "" {
		a.skipped++
		return false
	}
	key := l.Entity.Key()
	e, ok := a.byKey[key]
	if !ok {
		e = &entityEntry{ref: *l.Entity, kind: l.Kind, metrics: domain.MetricSet{}, unit: domain.LatencyUnitAuto}
		a.byKey[key] = e
		a.order = append(a.order, e)
	}
	if l.Title != "" {
		e.widgets = append(e.widgets, l.Title)
	}
	if len(l.Metrics) == 0 {
		e.all = true
	}
	for k, on := range l.Metrics {
		// false сохраняется как "объявлено, но не поддерживается"
		e.metrics[k] = on || e.metrics[k]
	}
	// Явная единица побеждает эвристику; первая явная единица фиксируется
	if e.unit == domain.LatencyUnitAuto && l.LatencyUnit != "" {
		e.unit = l.LatencyUnit
	}
	return true
}

func (a *Accumulator) Len() int { return len(a.order) }

// Entities — сущности для планировщика в порядке первого вхождения.
func (a *Accumulator) Entities() []PlannedEntity {
	out := make([]PlannedEntity, 0, len(a.order))
	for _, e := range a.order {
		p := PlannedEntity{Ref: e.ref, LatencyUnit: e.unit}
		if !e.all {
			p.Metrics = e.metrics
		}
		out = append(out, p)
	}
	return out
}

// Collect раскладывает результаты задач по сущностям, собирает ошибки и
// сворачивает ряды в статистику.
func (a *Accumulator) Collect(results map[string]domain.QueryResult, window domain.TimeWindow) {
	for _, e := range a.order {
		var set stats.SeriesSet
		for _, kind := range seriesOrder {
			key := TaskKey(e.ref.Key(), kind)
			res, ok := results[key]
			if !ok {
				continue
			}
			if res.Err != nil || res.Series == nil {
				info := res.Err
				if info == nil {
					info = &domain.ErrorInfo{Kind: domain.ErrorKindMalformed, Message: "empty result"}
				}
				a.failed = append(a.failed, domain.FailedQuery{Key: key, Entity: e.ref.String(), Metric: string(kind), Error: info})
				continue
			}
			switch kind {
			case SeriesHits:
				set.Hits = res.Series
			case SeriesErrors:
				set.Errors = res.Series
			case SeriesLatencyAvg:
				set.LatencyAvg = res.Series
			case SeriesLatencyMin:
				set.LatencyMin = res.Series
			case SeriesLatencyMax:
				set.LatencyMax = res.Series
			case SeriesLogErrors:
				set.LogErrors = res.Series
			}
		}
		e.stats = stats.Reduce(e.ref, set, stats.Options{Window: window, LatencyUnit: e.unit})
	}
}

// Failed — все ошибки задач в порядке сущностей.
func (a *Accumulator) Failed() []domain.FailedQuery {
	return append([]domain.FailedQuery(nil), a.failed...)
}
