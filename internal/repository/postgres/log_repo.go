package postgres

/*
Файл log_repo.go — бэкенд LogSearch: счетчики записей журнала по корзинам окна.

Фильтр запроса — строка токенов "ключ:значение" и свободных слов, например
  service:"svc-a" env:prod level:error "connection reset"
Ключи отображаются на колонки, свободные слова ищутся в message (ILIKE).
Все значения передаются параметрами.
*/

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/xela07ax/telemetry-aggregator/internal/connectors"
	"github.com/xela07ax/telemetry-aggregator/internal/domain"
)

// filterColumns — разрешенные ключи фильтра.
var filterColumns = map[string]string{
	"service":     "service",
	"env":         "env",
	"environment": "env",
	"level":       "level",
	"host":        "host",
}

type LogFilter struct {
	Equals map[string][]string // колонка -> допустимые значения (OR)
	Terms  []string            // подстроки message (AND)
}

// ParseLogFilter разбирает строку фильтра. Неизвестный ключ — ошибка запроса.
func ParseLogFilter(query string) (LogFilter, error) {
	words, err := shellquote.Split(query)
	if err != nil {
		return LogFilter{}, &connectors.BackendError{StatusCode: 400, Message: fmt.Sprintf("invalid log filter: %v", err)}
	}
	f := LogFilter{Equals: make(map[string][]string)}
	for _, w := range words {
		key, value, ok := strings.Cut(w, ":")
		if !ok || key == "" {
			if w != "" {
				f.Terms = append(f.Terms, w)
			}
			continue
		}
		col, known := filterColumns[strings.ToLower(key)]
		if !known {
			return LogFilter{}, &connectors.BackendError{StatusCode: 400, Message: fmt.Sprintf("unknown log filter key %q", key)}
		}
		f.Equals[col] = append(f.Equals[col], value)
	}
	return f, nil
}

// buildCountQuery собирает SQL со счетчиками по корзинам date_bin.
// Параметры $1..$3: шаг в секундах, начало и конец окна.
func buildCountQuery(f LogFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args)+3)
	}

	cols := make([]string, 0, len(f.Equals))
	for col := range f.Equals {
		cols = append(cols, col)
	}
	// стабильный порядок условий
	sort.Strings(cols)
	for _, col := range cols {
		vals := f.Equals[col]
		if len(vals) == 1 {
			where = append(where, fmt.Sprintf("%s = %s", col, next(vals[0])))
			continue
		}
		where = append(where, fmt.Sprintf("%s = ANY(%s)", col, next(vals)))
	}
	for _, t := range f.Terms {
		where = append(where, fmt.Sprintf("message ILIKE %s", next("%"+escapeLike(t)+"%")))
	}

	query := `
		SELECT date_bin(make_interval(secs => $1), ts, $2) AS bucket, COUNT(*)
		FROM logs
		WHERE ts >= $2 AND ts < $3`
	for _, w := range where {
		query += " AND " + w
	}
	query += `
		GROUP BY bucket
		ORDER BY bucket`
	return query, args
}

type LogRepo struct {
	pool      querier
	maxPoints int
}

func NewLogRepo(pool querier, maxPoints int) *LogRepo {
	return &LogRepo{pool: pool, maxPoints: maxPoints}
}

// QueryMetric реализует engine.SeriesFetcher для бэкенда LogSearch.
// Корзины без записей — это настоящие нули, а не пропуски.
func (r *LogRepo) QueryMetric(ctx context.Context, query string, window domain.TimeWindow) (*domain.TimeSeries, error) {
	f, err := ParseLogFilter(query)
	if err != nil {
		return nil, err
	}
	step := window.Step(r.maxPoints)
	sql, extra := buildCountQuery(f)
	args := append([]any{step.Seconds(), window.Start(), window.End()}, extra...)

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	counts := make(map[int64]float64)
	for rows.Next() {
		var (
			bucket time.Time
			n      int64
		)
		if err := rows.Scan(&bucket, &n); err != nil {
			return nil, &connectors.MalformedDataError{Reason: "unexpected log counter row", Cause: err}
		}
		counts[bucket.Unix()] = float64(n)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return fillBuckets(counts, window, int64(step/time.Second)), nil
}

// fillBuckets раскладывает счетчики на сетку [From, To) с шагом step, пустые корзины = 0.
func fillBuckets(counts map[int64]float64, window domain.TimeWindow, step int64) *domain.TimeSeries {
	if step <= 0 {
		step = 60
	}
	s := &domain.TimeSeries{}
	for ts := window.From; ts < window.To; ts += step {
		s.Samples = append(s.Samples, domain.Sample{Timestamp: ts, Value: domain.Float(counts[ts])})
	}
	return s
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
