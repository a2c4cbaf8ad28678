// internal/gameplay/entities.go
package gameplay

import (
	"regexp"
	"strings"

	"github.com/Corphon/Formamorph/internal/models"
)

// EntityMatcher 在叙述文本中识别世界实体，正则在创建时编译一次
type EntityMatcher struct {
	entries []entityPattern
}

type entityPattern struct {
	name  string
	whole *regexp.Regexp
	words []*regexp.Regexp
}

func wordPattern(s string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(s) + `(?:s)?\b`)
}

// NewEntityMatcher 为世界中的全部实体构建匹配器
func NewEntityMatcher(entities []models.Entity) *EntityMatcher {
	m := &EntityMatcher{}
	for _, e := range entities {
		lower := strings.ToLower(strings.TrimSpace(e.Name))
		if lower == "" {
			continue
		}
		p := entityPattern{name: e.Name, whole: wordPattern(lower)}
		if words := strings.Fields(lower); len(words) > 1 {
			for _, w := range words {
				p.words = append(p.words, wordPattern(w))
			}
		}
		m.entries = append(m.entries, p)
	}
	return m
}

// Extract 返回文本中出现的实体名称，按实体列表顺序去重。
// 名称整体匹配（允许复数 s），多词名称也可以所有词分别出现。
func (m *EntityMatcher) Extract(text string) []string {
	found := []string{}
	if text == "" || m == nil {
		return found
	}
	seen := make(map[string]bool)
	for _, p := range m.entries {
		if seen[p.name] || !p.matches(text) {
			continue
		}
		seen[p.name] = true
		found = append(found, p.name)
	}
	return found
}

func (p entityPattern) matches(text string) bool {
	if p.whole.MatchString(text) {
		return true
	}
	if len(p.words) == 0 {
		return false
	}
	for _, w := range p.words {
		if !w.MatchString(text) {
			return false
		}
	}
	return true
}
