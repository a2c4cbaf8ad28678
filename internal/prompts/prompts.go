// internal/prompts/prompts.go
package prompts

import (
	_ "embed"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/Corphon/Formamorph/internal/models"
	"github.com/Corphon/Formamorph/internal/stats"
)

// 模板占位符
const (
	TokenWorld    = "<WORLD DESCRIPTION>"
	TokenLocation = "<LOCATION JSON DATA>"
	TokenStats    = "<STATS DESCRIPTION>"
	TokenTraits   = "<TRAITS DESCRIPTION>"
	TokenNotes    = "<NOTES>"

	noTraits = "<NO TRAITS AVAILABLE>"
)

var (
	//go:embed templates/narration.txt
	defaultNarration string
	//go:embed templates/choices.txt
	defaultChoices string
	//go:embed templates/stat_updates.txt
	defaultStatUpdates string
)

// Templates 三个请求使用的系统提示词模板
type Templates struct {
	Narration   string
	Choices     string
	StatUpdates string
}

// Defaults 内置模板
func Defaults() Templates {
	return Templates{
		Narration:   defaultNarration,
		Choices:     defaultChoices,
		StatUpdates: defaultStatUpdates,
	}
}

// FromSettings 玩家设置中的非空模板覆盖内置模板
func FromSettings(s models.Settings) Templates {
	t := Defaults()
	if strings.TrimSpace(s.NarrationPrompt) != "" {
		t.Narration = s.NarrationPrompt
	}
	if strings.TrimSpace(s.ChoicesPrompt) != "" {
		t.Choices = s.ChoicesPrompt
	}
	if strings.TrimSpace(s.StatUpdatesPrompt) != "" {
		t.StatUpdates = s.StatUpdatesPrompt
	}
	return t
}

// Context 渲染提示词所需的游戏数据
type Context struct {
	World    *models.World
	Location *models.Location
	Stats    []models.Stat
	Traits   []models.Trait
	Notes    string
}

// Set 渲染好的三个系统提示词
type Set struct {
	Narration   string
	Choices     string
	StatUpdates string
}

// Build 渲染全部模板并按语言追加说明
func Build(t Templates, ctx Context, lang string) Set {
	set := Set{
		Narration:   Render(t.Narration, ctx),
		Choices:     Render(t.Choices, ctx),
		StatUpdates: Render(t.StatUpdates, ctx),
	}
	if name := LanguageName(lang); !IsEnglish(name) {
		set.Narration += "\n Narration language: " + name
		set.Choices += "\n Choice language: " + name
		set.StatUpdates += "\n Please write in english"
	}
	return set
}

// Render 替换模板中所有占位符
func Render(template string, ctx Context) string {
	worldPrompt := ""
	if ctx.World != nil {
		worldPrompt = ctx.World.Overview.SystemPrompt
	}
	r := strings.NewReplacer(
		TokenWorld, worldPrompt,
		TokenLocation, DescribeLocation(ctx.World, ctx.Location),
		TokenStats, stats.Describe(ctx.Stats),
		TokenTraits, DescribeTraits(ctx.Traits),
		TokenNotes, ctx.Notes,
	)
	return r.Replace(template)
}

// DescribeLocation 地点的纯文本描述，包含其中的实体
func DescribeLocation(world *models.World, loc *models.Location) string {
	if loc == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("name: " + loc.Name + "\n")
	b.WriteString("description: " + loc.DetailedDescription + "\n")
	for _, key := range sortedKeys(loc.Properties) {
		b.WriteString(key + ": " + loc.Properties[key] + "\n")
	}

	if len(loc.Entities) == 0 || world == nil {
		return b.String()
	}
	b.WriteString("entities:\n")
	for _, id := range loc.Entities {
		entity, ok := world.FindEntity(id)
		if !ok {
			continue
		}
		b.WriteString("  - name: " + entity.Name + "\n")
		b.WriteString("    description: " + entity.DetailedDescription + "\n")
		if entity.Type != "" {
			b.WriteString("    type: " + entity.Type + "\n")
		}
		for _, key := range sortedKeys(entity.Properties) {
			b.WriteString("    " + key + ": " + entity.Properties[key] + "\n")
		}
	}
	return b.String()
}

// DescribeTraits 每行 "name: description"
func DescribeTraits(traits []models.Trait) string {
	if len(traits) == 0 {
		return noTraits
	}
	lines := make([]string, 0, len(traits))
	for _, t := range traits {
		lines = append(lines, t.Name+": "+t.Description)
	}
	return strings.Join(lines, "\n")
}

// LanguageName 把语言代码（如 "fr"、"pt-BR"）转换为英文名称，无法识别时原样返回
func LanguageName(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return "English"
	}
	// 已经是语言名称
	if len(lang) > 3 && !strings.ContainsAny(lang, "-_") {
		return lang
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return lang
	}
	if base, _ := tag.Base(); base.String() == "en" {
		return "English"
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return lang
}

// IsEnglish 是否为英语
func IsEnglish(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), "english")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
