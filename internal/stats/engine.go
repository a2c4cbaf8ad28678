// internal/stats/engine.go
package stats

import (
	"math"
	"strconv"
	"strings"

	"github.com/Corphon/Formamorph/internal/models"
)

// 所有函数都不修改传入的切片，返回新的副本，调用方负责整体替换

// Clamp 把值限制在 [min, max]
func Clamp(value, min, max float64) float64 {
	return math.Max(min, math.Min(max, value))
}

// ApplyDelta 增减属性值并钳制
func ApplyDelta(stat models.Stat, amount float64) models.Stat {
	stat.Value = Clamp(stat.Value+amount, stat.Min, stat.Max)
	return stat
}

// Regen 按小时恢复，返回钳制后实际变化量
func Regen(stat models.Stat, hours float64) (models.Stat, float64) {
	if stat.Regen == 0 || hours == 0 {
		return stat, 0
	}
	before := stat.Value
	stat = ApplyDelta(stat, stat.Regen*hours)
	return stat, stat.Value - before
}

// ApplyTraitChanges 应用一组特质修改。
// 第一遍处理 min/max/regen 并累计补偿值，第二遍应用 starting 和每个属性的补偿（各一次）。
func ApplyTraitChanges(stats []models.Stat, changes []models.StatChange) []models.Stat {
	out := models.CloneStats(stats)
	index := indexByID(out)

	compensation := make(map[int]float64)
	touched := make([]int, 0, len(changes))
	seen := make(map[int]bool)

	for _, change := range changes {
		i, ok := index[change.StatID]
		if !ok {
			continue
		}
		if !seen[i] {
			seen[i] = true
			touched = append(touched, i)
		}
		s := &out[i]

		switch change.Type {
		case models.StatChangeMin:
			oldMin := s.Min
			newMin := math.Min(math.Max(s.Min, s.Min+change.Value), s.Max)
			s.Min = newMin
			if newMin > s.Value {
				compensation[i] += newMin - oldMin
			}
		case models.StatChangeMax:
			oldMax := s.Max
			newMax := math.Max(s.Max+change.Value, s.Min)
			s.Max = newMax
			if newMax > oldMax && s.Value == oldMax {
				compensation[i] += newMax - oldMax
			} else if newMax < s.Value {
				compensation[i] += newMax - s.Value
			}
		case models.StatChangeRegen:
			s.Regen += change.Value
		}
	}

	for _, change := range changes {
		if change.Type != models.StatChangeStarting {
			continue
		}
		if i, ok := index[change.StatID]; ok {
			out[i] = ApplyDelta(out[i], change.Value)
		}
	}

	for _, i := range touched {
		out[i] = ApplyDelta(out[i], compensation[i])
	}
	return out
}

// ApplyValueBatch 合并同名（不区分大小写）的增量后逐个应用，返回规范化后的增量表
func ApplyValueBatch(stats []models.Stat, changes []map[string]float64) ([]models.Stat, map[string]float64) {
	normalized := make(map[string]float64)
	for _, change := range changes {
		for key, value := range change {
			normalized[strings.ToLower(key)] += value
		}
	}

	out := models.CloneStats(stats)
	for i := range out {
		if delta, ok := normalized[strings.ToLower(out[i].Name)]; ok {
			out[i] = ApplyDelta(out[i], delta)
		}
	}
	return out, normalized
}

// AdjustMax 调整上限，不低于下限，当前值随之钳制
func AdjustMax(stats []models.Stat, name string, delta float64) []models.Stat {
	out := models.CloneStats(stats)
	for i := range out {
		if !strings.EqualFold(out[i].Name, name) {
			continue
		}
		out[i].Max = math.Max(out[i].Max+delta, out[i].Min)
		out[i].Value = Clamp(out[i].Value, out[i].Min, out[i].Max)
	}
	return out
}

// InitialValues 会话开始时的初始值：value || min || 0
func InitialValues(stats []models.Stat) []models.Stat {
	out := models.CloneStats(stats)
	for i := range out {
		if out[i].Value == 0 {
			out[i].Value = out[i].Min
		}
	}
	return out
}

// Percentage 当前值在区间中的百分比。区间为空时结果为 NaN 或 Inf，不匹配任何描述。
func Percentage(stat models.Stat) float64 {
	return (stat.Value - stat.Min) / (stat.Max - stat.Min) * 100
}

// ActiveDescriptor 第一个阈值不小于当前百分比的描述
func ActiveDescriptor(stat models.Stat) (models.Descriptor, bool) {
	pct := Percentage(stat)
	for _, d := range stat.Descriptors {
		if pct <= d.Threshold {
			return d, true
		}
	}
	return models.Descriptor{}, false
}

// Describe 生成提示词中的属性描述，每行 "Name: value/max (descriptor)"
func Describe(stats []models.Stat) string {
	lines := make([]string, 0, len(stats))
	for _, s := range stats {
		desc := "Unknown"
		if d, ok := ActiveDescriptor(s); ok {
			desc = d.Description
		}
		lines = append(lines, s.Name+": "+FormatNumber(s.Value)+"/"+FormatNumber(s.Max)+" ("+desc+")")
	}
	return strings.Join(lines, "\n")
}

// FindByName 按名称（不区分大小写）查找
func FindByName(stats []models.Stat, name string) (int, bool) {
	for i, s := range stats {
		if strings.EqualFold(s.Name, name) {
			return i, true
		}
	}
	return -1, false
}

// FormatNumber 用最短的十进制形式输出数字
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func indexByID(stats []models.Stat) map[models.ID]int {
	index := make(map[models.ID]int, len(stats))
	for i, s := range stats {
		if _, dup := index[s.ID]; !dup {
			index[s.ID] = i
		}
	}
	return index
}
