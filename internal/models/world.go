// internal/models/world.go
package models

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ID 是世界数据中的标识符。编辑器导出的世界文件里既有数字也有字符串，统一按字符串处理。
type ID string

// UnmarshalJSON 同时接受 JSON 数字和字符串
func (id *ID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if f, err := n.Float64(); err == nil && f == float64(int64(f)) {
		*id = ID(strconv.FormatInt(int64(f), 10))
		return nil
	}
	*id = ID(n.String())
	return nil
}

// String 返回字符串形式
func (id ID) String() string { return string(id) }

// Descriptor 描述属性在某个百分比区间内的文字
type Descriptor struct {
	Threshold   float64 `json:"threshold" yaml:"threshold"`
	Description string  `json:"description" yaml:"description"`
}

// Stat 玩家属性
type Stat struct {
	ID          ID           `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Type        string       `json:"type,omitempty" yaml:"type,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Min         float64      `json:"min" yaml:"min"`
	Max         float64      `json:"max" yaml:"max"`
	Value       float64      `json:"value" yaml:"value"`
	Regen       float64      `json:"regen" yaml:"regen"`
	Descriptors []Descriptor `json:"descriptors" yaml:"descriptors"`
	Code        string       `json:"code,omitempty" yaml:"code,omitempty"`
}

// HasCode 属性值是否由脚本推导
func (s Stat) HasCode() bool {
	return strings.TrimSpace(s.Code) != ""
}

// StatChangeType 特质对属性的修改方式
type StatChangeType string

const (
	StatChangeMin      StatChangeType = "min"
	StatChangeMax      StatChangeType = "max"
	StatChangeStarting StatChangeType = "starting"
	StatChangeRegen    StatChangeType = "regen"
)

// StatChange 特质中的单条属性修改
type StatChange struct {
	StatID ID             `json:"statId" yaml:"statId"`
	Value  float64        `json:"value" yaml:"value"`
	Type   StatChangeType `json:"type" yaml:"type"`
}

// Trait 特质
type Trait struct {
	ID          ID           `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description" yaml:"description"`
	StatChanges []StatChange `json:"statChanges" yaml:"statChanges"`
}

// Location 地点
type Location struct {
	ID                  ID                `json:"id" yaml:"id"`
	Name                string            `json:"name" yaml:"name"`
	InGameDescription   string            `json:"inGameDescription,omitempty" yaml:"inGameDescription,omitempty"`
	DetailedDescription string            `json:"detailedDescription,omitempty" yaml:"detailedDescription,omitempty"`
	BackgroundImage     string            `json:"backgroundImage,omitempty" yaml:"backgroundImage,omitempty"`
	AmbientSound        string            `json:"ambientSound,omitempty" yaml:"ambientSound,omitempty"`
	Entities            []ID              `json:"entities" yaml:"entities"`
	Properties          map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Entity 世界中的实体（人物、生物、物品）
type Entity struct {
	ID                  ID                `json:"id" yaml:"id"`
	Name                string            `json:"name" yaml:"name"`
	InGameDescription   string            `json:"inGameDescription,omitempty" yaml:"inGameDescription,omitempty"`
	DetailedDescription string            `json:"detailedDescription,omitempty" yaml:"detailedDescription,omitempty"`
	Type                string            `json:"type,omitempty" yaml:"type,omitempty"`
	Image               string            `json:"image,omitempty" yaml:"image,omitempty"`
	Sound               string            `json:"sound,omitempty" yaml:"sound,omitempty"`
	Model               string            `json:"model,omitempty" yaml:"model,omitempty"`
	Properties          map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// WorldOverview 世界概要
type WorldOverview struct {
	Name         string   `json:"name" yaml:"name"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	Author       string   `json:"author,omitempty" yaml:"author,omitempty"`
	SystemPrompt string   `json:"systemPrompt" yaml:"systemPrompt"`
	Tags         []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// World 完整的世界定义，对游戏核心只读
type World struct {
	ID        string        `json:"id" yaml:"id"`
	Overview  WorldOverview `json:"worldOverview" yaml:"worldOverview"`
	Stats     []Stat        `json:"stats" yaml:"stats"`
	Locations []Location    `json:"locations" yaml:"locations"`
	Entities  []Entity      `json:"entities" yaml:"entities"`
	Traits    []Trait       `json:"traits" yaml:"traits"`
}

// FindLocation 按ID查找地点
func (w *World) FindLocation(id ID) (Location, bool) {
	for _, loc := range w.Locations {
		if loc.ID == id {
			return loc, true
		}
	}
	return Location{}, false
}

// FindEntity 按ID查找实体
func (w *World) FindEntity(id ID) (Entity, bool) {
	for _, e := range w.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return Entity{}, false
}

// FindTrait 按ID查找特质
func (w *World) FindTrait(id ID) (Trait, bool) {
	for _, t := range w.Traits {
		if t.ID == id {
			return t, true
		}
	}
	return Trait{}, false
}
