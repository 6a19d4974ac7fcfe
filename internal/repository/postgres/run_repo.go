package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/telemetry-aggregator/internal/audit"
)

const runColumns = 14

// RunRepo пишет журнал вызовов агрегации в таблицу aggregation_runs.
type RunRepo struct {
	pool querier
}

func NewRunRepo(pool querier) *RunRepo {
	return &RunRepo{pool: pool}
}

// WriteBatch — одна многострочная вставка на пачку.
func (r *RunRepo) WriteBatch(ctx context.Context, runs []audit.Run) error {
	if len(runs) == 0 {
		return nil
	}

	var sb strings.Builder
	vals := make([]any, 0, len(runs)*runColumns)
	for i, e := range runs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('(')
		for c := 1; c <= runColumns; c++ {
			if c > 1 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", i*runColumns+c)
		}
		sb.WriteByte(')')

		vals = append(vals,
			nullable(e.ID), e.TraceID, e.Principal, e.DashboardID,
			e.From, e.To, e.Filter, e.ErrorsOnly,
			e.Status, e.Entities, e.FailedQueries, e.DurationMs, e.Error, e.Timestamp,
		)
	}

	query := "INSERT INTO aggregation_runs (result_id, trace_id, principal, dashboard_id, window_from, window_to, " +
		"filter, errors_only, status, entities, failed_queries, duration_ms, error, created_at) VALUES " + sb.String()

	if _, err := r.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: failed to write %d runs: %w", len(runs), translate(err))
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
