// internal/saves/record.go
package saves

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/Corphon/Formamorph/internal/errors"
	"github.com/Corphon/Formamorph/internal/models"
)

// CurrentVersion 当前存档格式
const CurrentVersion = 2

// 旧格式嵌套深度上限
const maxLegacyDepth = 256

// Format 存档格式
type Format int

const (
	FormatV2 Format = iota + 1
	FormatLegacy
)

func (f Format) String() string {
	switch f {
	case FormatV2:
		return "v2"
	case FormatLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// Record 第 2 版存档：当前状态加扁平的每页快照
type Record struct {
	Version      int                `json:"version"`
	CurrentState models.GameState   `json:"currentState"`
	StateHistory []models.GameState `json:"stateHistory"`
}

// Summary 存档列表项
type Summary struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	GameTime  float64   `json:"game_time"`
	WorldName string    `json:"world_name,omitempty"`
	Version   int       `json:"version"`
}

// legacyState 旧格式：每个状态里嵌着更早的状态
type legacyState struct {
	models.GameState
	GameStates []json.RawMessage `json:"gameStates"`
}

type probe struct {
	Version      *int            `json:"version"`
	CurrentState json.RawMessage `json:"currentState"`
	StateHistory json.RawMessage `json:"stateHistory"`
}

// Conversion 读档时旧格式的处理结果
type Conversion int

const (
	ConversionNone Conversion = iota
	ConversionMigrated
	ConversionFailed
)

// Notice 写入游戏日志的提示，不需要提示时为空
func (c Conversion) Notice() string {
	switch c {
	case ConversionMigrated:
		return "Converted save from the legacy format"
	case ConversionFailed:
		return "Legacy save conversion failed, loaded current state only"
	}
	return ""
}

// present 字段存在且不是 null
func present(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// Detect 判断存档格式，不是 JSON 对象时返回格式错误
func Detect(data []byte) (Format, error) {
	var p probe
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return 0, apperrors.NewSaveFormatError("save data is empty", nil)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return 0, apperrors.NewSaveFormatError("save data is not a JSON object", err)
	}
	if p.Version != nil && *p.Version == CurrentVersion && present(p.CurrentState) && present(p.StateHistory) {
		return FormatV2, nil
	}
	if p.Version != nil && *p.Version > CurrentVersion {
		return 0, apperrors.NewSaveFormatError(fmt.Sprintf("unsupported save version %d", *p.Version), nil)
	}
	return FormatLegacy, nil
}

// DecodeRecord 解析第 2 版存档
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, apperrors.NewSaveFormatError("invalid save record", err)
	}
	return r, nil
}

// NewRecord 由当前状态和快照历史组成存档，当前状态不带嵌套历史
func NewRecord(current models.GameState, history []models.GameState) Record {
	r := Record{
		Version:      CurrentVersion,
		CurrentState: current.Clone(),
		StateHistory: make([]models.GameState, len(history)),
	}
	r.CurrentState.StateVersion = CurrentVersion
	for i, st := range history {
		r.StateHistory[i] = st.Clone()
	}
	return r
}

// Migrate 把旧格式转换为第 2 版：嵌套状态深度优先展开（旧的在前），
// 按时间戳和历史长度去重，再按所在页放入快照历史。不修改输入。
func Migrate(data []byte) (Record, error) {
	var root legacyState
	if err := json.Unmarshal(data, &root); err != nil {
		return Record{}, apperrors.NewSaveFormatError("legacy save root is invalid", err)
	}

	var flat []models.GameState
	for i, raw := range root.GameStates {
		if err := flatten(raw, &flat, 1); err != nil {
			return Record{}, apperrors.NewSaveFormatError(fmt.Sprintf("legacy state %d is invalid", i), err)
		}
	}

	current := root.GameState
	current.StateVersion = CurrentVersion
	return Record{
		Version:      CurrentVersion,
		CurrentState: current,
		StateHistory: placeByPage(dedupe(flat)),
	}, nil
}

func flatten(raw json.RawMessage, out *[]models.GameState, depth int) error {
	if depth > maxLegacyDepth {
		return fmt.Errorf("nesting deeper than %d", maxLegacyDepth)
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	var st legacyState
	if err := json.Unmarshal(raw, &st); err != nil {
		return err
	}
	for _, child := range st.GameStates {
		if err := flatten(child, out, depth+1); err != nil {
			return err
		}
	}
	st.GameState.StateVersion = CurrentVersion
	*out = append(*out, st.GameState)
	return nil
}

type stateKey struct {
	timestamp int64
	messages  int
}

func dedupe(states []models.GameState) []models.GameState {
	seen := make(map[stateKey]bool, len(states))
	out := make([]models.GameState, 0, len(states))
	for _, st := range states {
		key := stateKey{timestamp: st.Timestamp.UnixNano(), messages: len(st.FullMessageHistory)}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, st)
	}
	return out
}

// placeByPage 快照放在 ceil(len/2)-1，空位补零值
func placeByPage(states []models.GameState) []models.GameState {
	out := []models.GameState{}
	for _, st := range states {
		idx := (len(st.FullMessageHistory)+1)/2 - 1
		if idx < 0 {
			continue
		}
		for len(out) <= idx {
			out = append(out, models.GameState{})
		}
		out[idx] = st
	}
	return out
}

// summarize 读取列表需要的字段
func summarize(name string, data []byte) (Summary, error) {
	format, err := Detect(data)
	if err != nil {
		return Summary{}, err
	}

	var st models.GameState
	version := CurrentVersion
	if format == FormatV2 {
		r, err := DecodeRecord(data)
		if err != nil {
			return Summary{}, err
		}
		st = r.CurrentState
	} else {
		version = 1
		if err := json.Unmarshal(data, &st); err != nil {
			return Summary{}, apperrors.NewSaveFormatError("invalid legacy save", err)
		}
	}
	return Summary{
		Name:      name,
		Timestamp: st.Timestamp,
		GameTime:  st.GameTime,
		WorldName: st.WorldName,
		Version:   version,
	}, nil
}
