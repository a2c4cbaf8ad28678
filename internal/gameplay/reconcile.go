// internal/gameplay/reconcile.go
package gameplay

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Corphon/Formamorph/internal/models"
	"github.com/Corphon/Formamorph/internal/stats"
)

const (
	starvationThreshold = 20
	starvationPerHour   = 5
	hoursPerTurn        = 1
)

var signedNumber = regexp.MustCompile(`[+-]?\d+`)

// StatUpdate 模型返回的一行属性变化
type StatUpdate struct {
	Key   string
	Value float64
	Max   bool
}

// ParseChoices 按行拆分，去空白，丢弃空行
func ParseChoices(text string) []string {
	choices := []string{}
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			choices = append(choices, line)
		}
	}
	return choices
}

// ParseStatUpdates 解析 "Key: value" 行。取值部分第一个有符号整数，数字之后出现 MAX 时为上限调整。
func ParseStatUpdates(text string) []StatUpdate {
	var updates []StatUpdate
	for _, line := range strings.Split(text, "\n") {
		parts := strings.Split(line, ":")
		if len(parts) < 2 {
			continue
		}
		key, raw := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if key == "" || raw == "" {
			continue
		}
		loc := signedNumber.FindStringIndex(raw)
		if loc == nil {
			continue
		}
		n, err := strconv.Atoi(raw[loc[0]:loc[1]])
		if err != nil {
			continue
		}
		updates = append(updates, StatUpdate{
			Key:   key,
			Value: float64(n),
			Max:   strings.Contains(strings.ToUpper(raw[loc[1]:]), "MAX"),
		})
	}
	return updates
}

// Outcome 一个回合结算后的属性结果
type Outcome struct {
	Stats       []models.Stat
	StatChanges []map[string]float64
	Recent      map[string]float64
	Logs        []string
	Hours       float64
}

// Reconcile 依次应用上限调整、数值批量变化、时间流逝（恢复和饥饿），不修改输入
func Reconcile(current []models.Stat, updates []StatUpdate) Outcome {
	next := models.CloneStats(current)
	changes := []map[string]float64{}

	for _, u := range updates {
		if u.Max {
			next = stats.AdjustMax(next, u.Key, u.Value)
			continue
		}
		changes = append(changes, map[string]float64{u.Key: u.Value})
	}

	next, recent := stats.ApplyValueBatch(next, changes)
	out := Outcome{Stats: next, StatChanges: changes, Recent: recent, Hours: hoursPerTurn}
	out.passTime(hoursPerTurn)
	return out
}

func (o *Outcome) passTime(hours float64) {
	for i := range o.Stats {
		s, delta := stats.Regen(o.Stats[i], hours)
		o.Stats[i] = s
		if delta != 0 {
			o.Recent[strings.ToLower(s.Name)] += delta
		}
	}

	hungerIdx, hasHunger := stats.FindByName(o.Stats, "Hunger")
	healthIdx, hasHealth := stats.FindByName(o.Stats, "Health")
	if !hasHunger || !hasHealth || o.Stats[hungerIdx].Value > starvationThreshold {
		return
	}
	loss := starvationPerHour * hours
	o.Stats[healthIdx] = stats.ApplyDelta(o.Stats[healthIdx], -loss)
	o.Recent["health"] -= loss
	o.Logs = append(o.Logs, "You're starving! Lost "+stats.FormatNumber(loss)+" health.")
}
