// Package widget разворачивает дерево виджетов дашборда и отбирает листья по сущности.
package widget

import "github.com/xela07ax/telemetry-aggregator/internal/domain"

// DefaultMaxDepth — предел вложенности групп по умолчанию.
const DefaultMaxDepth = 4

// Flatten обходит дерево в глубину, сохраняя исходный порядок.
// Верхний уровень имеет глубину 1. Узел глубже maxDepth не раскрывается:
// он увеличивает счетчик truncated и не попадает в результат.
func Flatten(nodes []domain.WidgetNode, maxDepth int) ([]domain.Leaf, int) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	f := flattener{maxDepth: maxDepth}
	f.walk(nodes, 1)
	return f.leaves, f.truncated
}

type flattener struct {
	maxDepth  int
	leaves    []domain.Leaf
	truncated int
}

func (f *flattener) walk(nodes []domain.WidgetNode, depth int) {
	for _, n := range nodes {
		if depth > f.maxDepth {
			f.truncated++
			continue
		}
		switch {
		case n.Leaf != nil:
			f.leaves = append(f.leaves, *n.Leaf)
		case n.Group != nil:
			f.walk(n.Group.Children, depth+1)
		}
		// битый узел (ни группа, ни лист) просто ничего не дает
	}
}
