package domain

import (
	"sort"
	"strings"
)

// MetricKind — вид статистики, которую виджет объявляет для отображения.
type MetricKind string

const (
	MetricHits    MetricKind = "hits"
	MetricErrors  MetricKind = "errors"
	MetricLatency MetricKind = "latency"
)

// AllMetricKinds используется, когда виджет не объявил метрики явно.
var AllMetricKinds = []MetricKind{MetricHits, MetricErrors, MetricLatency}

// LatencyUnit — единица измерения latency-серий, объявленная на виджете.
type LatencyUnit string

const (
	// LatencyUnitAuto — унаследованная эвристика: значения < 10 считаются секундами.
	LatencyUnitAuto         LatencyUnit = "auto"
	LatencyUnitSeconds      LatencyUnit = "s"
	LatencyUnitMilliseconds LatencyUnit = "ms"
)

// ParseLatencyUnit нормализует значение из свойств виджета. Неизвестное значение = auto.
func ParseLatencyUnit(s string) LatencyUnit {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "s", "sec", "seconds":
		return LatencyUnitSeconds
	case "ms", "millis", "milliseconds":
		return LatencyUnitMilliseconds
	default:
		return LatencyUnitAuto
	}
}

// MetricSet — множество объявленных метрик виджета.
type MetricSet map[MetricKind]bool

func NewMetricSet(kinds ...MetricKind) MetricSet {
	s := make(MetricSet, len(kinds))
	for _, k := range kinds {
		s[k] = true
	}
	return s
}

// Has учитывает правило по умолчанию: пустой набор означает "все метрики".
func (s MetricSet) Has(k MetricKind) bool {
	if len(s) == 0 {
		return true
	}
	return s[k]
}

// Kinds возвращает метрики в стабильном порядке.
func (s MetricSet) Kinds() []MetricKind {
	if len(s) == 0 {
		return append([]MetricKind(nil), AllMetricKinds...)
	}
	out := make([]MetricKind, 0, len(s))
	for k, ok := range s {
		if ok {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EntityRef идентифицирует то, что измеряет виджет (например, сервис в окружении).
type EntityRef struct {
	Name        string `json:"name"`
	Environment string `json:"environment,omitempty"`
}

// NormalizeName приводит имя к канонической форме: нижний регистр, '_' вместо '-'.
func NormalizeName(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
}

// Same сравнивает сущности без учета регистра и различий '-'/'_'.
func (e EntityRef) Same(other EntityRef) bool {
	return NormalizeName(e.Name) == NormalizeName(other.Name) &&
		NormalizeName(e.Environment) == NormalizeName(other.Environment)
}

// keyEscaper экранирует разделители ключей ('@' сущности и ':' задачи),
// чтобы разные сущности не давали одинаковый ключ.
var keyEscaper = strings.NewReplacer("%", "%25", "@", "%40", ":", "%3A")

// Key — канонический ключ сущности для корреляции задач и результатов.
// Два ключа равны тогда и только тогда, когда Same == true.
func (e EntityRef) Key() string {
	name := keyEscaper.Replace(NormalizeName(e.Name))
	if e.Environment == "" {
		return name
	}
	return name + "@" + keyEscaper.Replace(NormalizeName(e.Environment))
}

func (e EntityRef) String() string {
	if e.Environment == "" {
		return e.Name
	}
	return e.Name + "@" + e.Environment
}

// Leaf — конечный виджет, который отображает метрики ровно одной сущности.
type Leaf struct {
	ID          string      `json:"id,omitempty"`
	Kind        string      `json:"kind"`
	Title       string      `json:"title"`
	Entity      *EntityRef  `json:"entity,omitempty"`
	Metrics     MetricSet   `json:"metrics,omitempty"`
	LatencyUnit LatencyUnit `json:"latency_unit,omitempty"`
}

// Group — контейнер, который только содержит другие виджеты.
type Group struct {
	Title    string       `json:"title,omitempty"`
	Children []WidgetNode `json:"children"`
}

// WidgetNode — tagged union: задан либо Group, либо Leaf.
// Узел без обоих полей считается битым и не дает листьев.
type WidgetNode struct {
	Group *Group `json:"group,omitempty"`
	Leaf  *Leaf  `json:"leaf,omitempty"`
}

func GroupNode(title string, children ...WidgetNode) WidgetNode {
	return WidgetNode{Group: &Group{Title: title, Children: children}}
}

func LeafNode(l Leaf) WidgetNode {
	return WidgetNode{Leaf: &l}
}

// DashboardDefinition неизменяем после получения и принадлежит вызывающему на время запроса.
type DashboardDefinition struct {
	ID      string       `json:"id"`
	Title   string       `json:"title"`
	Widgets []WidgetNode `json:"widgets"`
}
