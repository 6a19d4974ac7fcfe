package core

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/xela07ax/telemetry-aggregator/internal/domain"
)

// SeriesKind — вид сырого ряда, который запрашивается для сущности.
type SeriesKind string

const (
	SeriesHits       SeriesKind = "hits"
	SeriesErrors     SeriesKind = "errors"
	SeriesLatencyAvg SeriesKind = "latency_avg"
	SeriesLatencyMin SeriesKind = "latency_min"
	SeriesLatencyMax SeriesKind = "latency_max"
	SeriesLogErrors  SeriesKind = "log_errors"
)

// seriesOrder фиксирует порядок задач и FailedQueries.
var seriesOrder = []SeriesKind{SeriesHits, SeriesErrors, SeriesLatencyAvg, SeriesLatencyMin, SeriesLatencyMax, SeriesLogErrors}

// QueryTemplates — шаблоны запросов к бэкендам (text/template + sprig).
// Во всех шаблонах доступен {{ template "selector" . }} с метками сущности.
type QueryTemplates struct {
	Selector   string
	Hits       string
	Errors     string
	LatencyAvg string
	LatencyMin string
	LatencyMax string
	LogErrors  string
}

func DefaultQueryTemplates() QueryTemplates {
	return QueryTemplates{
		Selector:   `service={{ .Name | quote }}{{ with .Environment }},env={{ . | quote }}{{ end }}`,
		Hits:       `sum(rate(http_requests_total{ {{- template "selector" . -}} }[{{ .Step }}]))`,
		Errors:     `sum(increase(http_requests_total{ {{- template "selector" . -}} ,code=~"5.."}[{{ .Range }}]))`,
		LatencyAvg: `avg(http_request_duration_seconds{ {{- template "selector" . -}} })`,
		LatencyMin: `min(http_request_duration_seconds{ {{- template "selector" . -}} })`,
		LatencyMax: `max(http_request_duration_seconds{ {{- template "selector" . -}} })`,
		LogErrors:  `service:{{ .Name | quote }}{{ with .Environment }} env:{{ . | quote }}{{ end }} level:error`,
	}
}

func (q QueryTemplates) withDefaults() QueryTemplates {
	d := DefaultQueryTemplates()
	pick := func(v, def string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return v
	}
	return QueryTemplates{
		Selector:   pick(q.Selector, d.Selector),
		Hits:       pick(q.Hits, d.Hits),
		Errors:     pick(q.Errors, d.Errors),
		LatencyAvg: pick(q.LatencyAvg, d.LatencyAvg),
		LatencyMin: pick(q.LatencyMin, d.LatencyMin),
		LatencyMax: pick(q.LatencyMax, d.LatencyMax),
		LogErrors:  pick(q.LogErrors, d.LogErrors),
	}
}

// PlannedEntity — сущность с объединенным набором метрик всех ее виджетов.
type PlannedEntity struct {
	Ref         domain.EntityRef
	Metrics     domain.MetricSet // пустой = все метрики
	LatencyUnit domain.LatencyUnit
}

type queryData struct {
	Name        string
	Environment string
	Key         string
	From        int64
	To          int64
	Step        string // шаг выборки, например "60s"
	Range       string // длительность окна, например "3600s"
}

// QueryPlanner превращает сущности в независимые QueryTask.
type QueryPlanner struct {
	templates map[SeriesKind]*template.Template
	logSearch bool
	maxPoints int
}

func NewQueryPlanner(q QueryTemplates, logSearch bool, maxPoints int) (*QueryPlanner, error) {
	q = q.withDefaults()
	sources := map[SeriesKind]string{
		SeriesHits:       q.Hits,
		SeriesErrors:     q.Errors,
		SeriesLatencyAvg: q.LatencyAvg,
		SeriesLatencyMin: q.LatencyMin,
		SeriesLatencyMax: q.LatencyMax,
		SeriesLogErrors:  q.LogErrors,
	}
	p := &QueryPlanner{templates: make(map[SeriesKind]*template.Template, len(sources)), logSearch: logSearch, maxPoints: maxPoints}
	for kind, src := range sources {
		t, err := template.New(string(kind)).
			Funcs(sprig.TxtFuncMap()).
			Option("missingkey=error").
			Parse(`{{ define "selector" }}` + q.Selector + `{{ end }}` + src)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s query template: %w", kind, err)
		}
		p.templates[kind] = t
	}
	return p, nil
}

// TaskKey — ключ задачи: "<ключ сущности>:<вид ряда>". В ключе сущности ':' экранирован.
func TaskKey(entityKey string, kind SeriesKind) string {
	return entityKey + ":" + string(kind)
}

// kindsFor — какие ряды нужны сущности. Ошибки запрашиваются всегда при errorsOnly,
// иначе пост-фильтр не сможет отличить "ноль" от "не запрашивали".
func (p *QueryPlanner) kindsFor(e PlannedEntity, errorsOnly bool) []SeriesKind {
	var kinds []SeriesKind
	if e.Metrics.Has(domain.MetricHits) || e.Metrics.Has(domain.MetricErrors) || errorsOnly {
		// процент ошибок считается от хитов
		kinds = append(kinds, SeriesHits)
	}
	if e.Metrics.Has(domain.MetricErrors) || errorsOnly {
		kinds = append(kinds, SeriesErrors)
	}
	if e.Metrics.Has(domain.MetricLatency) {
		kinds = append(kinds, SeriesLatencyAvg, SeriesLatencyMin, SeriesLatencyMax)
	}
	if p.logSearch && (e.Metrics.Has(domain.MetricErrors) || errorsOnly) {
		kinds = append(kinds, SeriesLogErrors)
	}
	return kinds
}

// Plan строит задачи в порядке сущностей и фиксированном порядке рядов.
func (p *QueryPlanner) Plan(entities []PlannedEntity, window domain.TimeWindow, errorsOnly bool) ([]domain.QueryTask, error) {
	step := window.Step(p.maxPoints)
	var tasks []domain.QueryTask
	for _, e := range entities {
		data := queryData{
			Name:        e.Ref.Name,
			Environment: e.Ref.Environment,
			Key:         e.Ref.Key(),
			From:        window.From,
			To:          window.To,
			Step:        fmt.Sprintf("%ds", int64(step.Seconds())),
			Range:       fmt.Sprintf("%ds", window.To-window.From),
		}
		for _, kind := range p.kindsFor(e, errorsOnly) {
			var buf bytes.Buffer
			if err := p.templates[kind].Execute(&buf, data); err != nil {
				return nil, fmt.Errorf("failed to render %s query for %s: %w", kind, e.Ref, err)
			}
			backend := domain.BackendMetrics
			if kind == SeriesLogErrors {
				backend = domain.BackendLogSearch
			}
			tasks = append(tasks, domain.QueryTask{
				Key:     TaskKey(data.Key, kind),
				Backend: backend,
				Query:   strings.TrimSpace(buf.String()),
			})
		}
	}
	return tasks, nil
}
