package widget

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/xela07ax/telemetry-aggregator/internal/domain"
)

// decodeDepthLimit защищает разбор от патологически глубокого JSON.
// Должен быть заметно больше любого maxDepth флаттенера.
const decodeDepthLimit = 64

var ErrMalformedDashboard = errors.New("malformed dashboard definition")

// DecodeDashboard превращает слабо типизированный JSON дашборда в типизированное дерево.
//
// Группа: {"type":"group","title":...,"widgets":[...]} (или "children").
// Лист:   {"type":"timeseries","id":...,"title":...,"properties":{
//
//	"service"|"entity": "...", "environment"|"env": "...",
//	"metrics": ["hits","errors","latency"] | "hits,errors",
//	"latency_unit": "auto"|"s"|"ms"}}
func DecodeDashboard(id string, raw []byte) (*domain.DashboardDefinition, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedDashboard)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, fmt.Errorf("%w: root must be an object", ErrMalformedDashboard)
	}

	def := &domain.DashboardDefinition{
		ID:    doc.Get("id").String(),
		Title: doc.Get("title").String(),
	}
	if def.ID == "" {
		def.ID = id
	}
	def.Widgets = decodeNodes(childrenOf(doc), 1)
	return def, nil
}

func childrenOf(v gjson.Result) gjson.Result {
	if c := v.Get("widgets"); c.Exists() {
		return c
	}
	return v.Get("children")
}

func decodeNodes(list gjson.Result, depth int) []domain.WidgetNode {
	if !list.IsArray() {
		return nil
	}
	var out []domain.WidgetNode
	list.ForEach(func(_, v gjson.Result) bool {
		out = append(out, decodeNode(v, depth))
		return true
	})
	return out
}

func decodeNode(v gjson.Result, depth int) domain.WidgetNode {
	if !v.IsObject() {
		return domain.WidgetNode{}
	}
	kind := strings.ToLower(v.Get("type").String())
	if kind == "group" || kind == "row" {
		g := &domain.Group{Title: v.Get("title").String()}
		if depth < decodeDepthLimit {
			g.Children = decodeNodes(childrenOf(v), depth+1)
		}
		return domain.WidgetNode{Group: g}
	}
	if kind == "" {
		return domain.WidgetNode{}
	}

	props := v.Get("properties")
	leaf := &domain.Leaf{
		ID:          v.Get("id").String(),
		Kind:        kind,
		Title:       firstString(v.Get("title"), props.Get("title")),
		LatencyUnit: domain.ParseLatencyUnit(props.Get("latency_unit").String()),
		Metrics:     decodeMetrics(props.Get("metrics")),
	}
	if name := firstString(props.Get("entity"), props.Get("service"), props.Get("service_name")); name != "" {
		leaf.Entity = &domain.EntityRef{
			Name:        name,
			Environment: firstString(props.Get("environment"), props.Get("env")),
		}
	}
	return domain.WidgetNode{Leaf: leaf}
}

func decodeMetrics(v gjson.Result) domain.MetricSet {
	var names []string
	switch {
	case v.IsArray():
		for _, m := range v.Array() {
			names = append(names, m.String())
		}
	case v.Type == gjson.String:
		names = strings.Split(v.String(), ",")
	default:
		return nil
	}

	// Неизвестные имена остаются в наборе со значением false: список объявлен,
	// и опечатка не должна превращаться в "все метрики".
	set := domain.MetricSet{}
	for _, n := range names {
		k := domain.MetricKind(strings.ToLower(strings.TrimSpace(n)))
		switch k {
		case "":
		case domain.MetricHits, domain.MetricErrors, domain.MetricLatency:
			set[k] = true
		default:
			if _, ok := set[k]; !ok {
				set[k] = false
			}
		}
	}
	return set
}

func firstString(vals ...gjson.Result) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v.String()); s != "" && v.Type != gjson.Null {
			return s
		}
	}
	return ""
}
