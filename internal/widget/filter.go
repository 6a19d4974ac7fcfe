package widget

import (
	"strings"

	"github.com/xela07ax/telemetry-aggregator/internal/domain"
)

// FilterLeaves отбирает листья, чья сущность или заголовок совпадает с pattern.
//
// Сравнение "жадное": подстрока в обе стороны, без учета регистра,
// '-' и '_' взаимозаменяемы.
func FilterLeaves(leaves []domain.Leaf, pattern string) []domain.Leaf {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return leaves
	}
	pv := variants(pattern)

	out := make([]domain.Leaf, 0, len(leaves))
	for _, l := range leaves {
		if Matches(l, pv) {
			out = append(out, l)
		}
	}
	return out
}

// Matches проверяет один лист против заранее подготовленных вариантов шаблона.
func Matches(l domain.Leaf, patternVariants []string) bool {
	var names []string
	if l.Entity != nil && strings.TrimSpace(l.Entity.Name) != "" {
		names = variants(l.Entity.Name)
	}
	titles := variants(l.Title)

	for _, p := range patternVariants {
		for _, n := range names {
			if strings.Contains(n, p) || strings.Contains(p, n) {
				return true
			}
		}
		for _, t := range titles {
			if t != "" && strings.Contains(t, p) {
				return true
			}
		}
	}
	return false
}

// variants: нижний регистр как есть, с '-'→'_' и с '_'→'-'.
func variants(s string) []string {
	low := strings.ToLower(strings.TrimSpace(s))
	under := strings.ReplaceAll(low, "-", "_")
	dash := strings.ReplaceAll(low, "_", "-")

	out := []string{low}
	if under != low {
		out = append(out, under)
	}
	if dash != low && dash != under {
		out = append(out, dash)
	}
	return out
}
