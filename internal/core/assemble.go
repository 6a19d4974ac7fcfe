package core

import (
	"github.com/xela07ax/telemetry-aggregator/internal/domain"
)

// Predicate — пост-фильтр по уже посчитанной статистике.
type Predicate func(rec domain.EntityRecord) bool

// ErrorsOnly оставляет сущности с ErrorCount > 0. Сущности с неизвестным статусом
// ошибок (ряд не получен) тоже остаются: они помечены ErrorStatusUnknown и
// не должны молча исчезать из выдачи.
func ErrorsOnly(rec domain.EntityRecord) bool {
	if rec.ErrorStatusUnknown {
		return true
	}
	return rec.ErrorCount != nil && *rec.ErrorCount > 0
}

// Assemble применяет пост-фильтр после того, как статистика посчитана для всех сущностей.
// Порядок сущностей совпадает с порядком отфильтрованных виджетов.
func Assemble(acc *Accumulator, postFilter Predicate) *domain.AggregationResult {
	res := &domain.AggregationResult{
		TruncatedNodeCount: acc.truncated,
		SkippedLeafCount:   acc.skipped,
		Entities:           make([]domain.EntityRecord, 0, len(acc.order)),
		FailedQueries:      acc.Failed(),
	}
	if res.FailedQueries == nil {
		res.FailedQueries = []domain.FailedQuery{}
	}

	for _, e := range acc.order {
		rec := domain.EntityRecord{
			EntityStats:        e.stats,
			Kind:               e.kind,
			Widgets:            append([]string{}, e.widgets...),
			ErrorStatusUnknown: e.stats.ErrorCount == nil,
		}
		if postFilter != nil && !postFilter(rec) {
			continue
		}
		res.Entities = append(res.Entities, rec)
	}
	return res
}
