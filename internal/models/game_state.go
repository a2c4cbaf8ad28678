// internal/models/game_state.go
package models

import (
	"encoding/json"
	"time"
)

// 消息角色
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// StateVersion 当前快照格式版本
const StateVersion = 2

// Message 对话历史中的一条消息。助手消息的 Content 是序列化后的 AssistantPayload。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AssistantPayload 助手消息的结构化内容
type AssistantPayload struct {
	GameText    string               `json:"game_text"`
	Choices     []string             `json:"choices"`
	StatChanges []map[string]float64 `json:"stat_changes"`
}

// Encode 序列化为消息内容，空切片保持为 []
func (p AssistantPayload) Encode() string {
	if p.Choices == nil {
		p.Choices = []string{}
	}
	if p.StatChanges == nil {
		p.StatChanges = []map[string]float64{}
	}
	data, _ := json.Marshal(p)
	return string(data)
}

// DecodeAssistantPayload 解析助手消息内容
func DecodeAssistantPayload(content string) (AssistantPayload, error) {
	var p AssistantPayload
	err := json.Unmarshal([]byte(content), &p)
	return p, err
}

// LogEntry 游戏日志条目，连续重复的文本只增加 Repeat
type LogEntry struct {
	Text     string  `json:"text"`
	GameTime float64 `json:"gameTime"`
	Repeat   int     `json:"repeat"`
}

// GameState 一个回合结束后的完整可恢复状态
type GameState struct {
	PlayerStats        []Stat          `json:"playerStats"`
	PlayerTraits       []Trait         `json:"playerTraits"`
	VisibleEntities    []string        `json:"visibleEntities"`
	LogEntries         []LogEntry      `json:"logEntries"`
	GameplayText       string          `json:"gameplayText"`
	LocationID         ID              `json:"locationId,omitempty"`
	GameTime           float64         `json:"gameTime"`
	FullMessageHistory []Message       `json:"fullMessageHistory"`
	CharacterData      json.RawMessage `json:"characterData,omitempty"`
	Choices            []string        `json:"choices"`
	IsGameStarted      bool            `json:"isGameStarted"`
	Timestamp          time.Time       `json:"timestamp"`
	WorldName          string          `json:"worldName,omitempty"`
	PlayerNotes        string          `json:"playerNotes,omitempty"`
	PreviousStateIndex *int            `json:"previousStateIndex,omitempty"`
	StateVersion       int             `json:"stateVersion,omitempty"`
}

// Clone 深拷贝，快照之间不共享任何切片
func (g GameState) Clone() GameState {
	out := g
	out.PlayerStats = CloneStats(g.PlayerStats)
	if g.PlayerTraits != nil {
		out.PlayerTraits = make([]Trait, len(g.PlayerTraits))
		for i, t := range g.PlayerTraits {
			t.StatChanges = append([]StatChange(nil), t.StatChanges...)
			out.PlayerTraits[i] = t
		}
	}
	out.VisibleEntities = append([]string(nil), g.VisibleEntities...)
	out.LogEntries = append([]LogEntry(nil), g.LogEntries...)
	out.FullMessageHistory = append([]Message(nil), g.FullMessageHistory...)
	out.Choices = append([]string(nil), g.Choices...)
	if g.CharacterData != nil {
		out.CharacterData = append(json.RawMessage(nil), g.CharacterData...)
	}
	if g.PreviousStateIndex != nil {
		idx := *g.PreviousStateIndex
		out.PreviousStateIndex = &idx
	}
	return out
}

// CloneStats 深拷贝属性列表
func CloneStats(stats []Stat) []Stat {
	if stats == nil {
		return nil
	}
	out := make([]Stat, len(stats))
	for i, s := range stats {
		s.Descriptors = append([]Descriptor(nil), s.Descriptors...)
		out[i] = s
	}
	return out
}
