// internal/gameplay/session.go
package gameplay

import (
	"encoding/json"
	"math/rand/v2"
	"sync"
	"time"

	apperrors "github.com/Corphon/Formamorph/internal/errors"
	"github.com/Corphon/Formamorph/internal/history"
	"github.com/Corphon/Formamorph/internal/models"
	"github.com/Corphon/Formamorph/internal/stats"
	"github.com/Corphon/Formamorph/internal/utils"
)

// TurnState 回合状态机
type TurnState string

const (
	TurnIdle                    TurnState = "idle"
	TurnAwaitingNarration       TurnState = "awaiting_narration"
	TurnAwaitingChoicesAndStats TurnState = "awaiting_choices_and_stats"
	TurnCommitted               TurnState = "committed"
	TurnErrored                 TurnState = "errored"
)

// StartAction 游戏开始前唯一允许的动作
const StartAction = "START GAME"

// RecentChangeTTL 最近属性变化的显示时长
const RecentChangeTTL = 10 * time.Second

// Session 一局游戏。所有状态都在 mu 下读写，回合进行中 busy 为 true。
type Session struct {
	ID    string
	World *models.World

	mu            sync.Mutex
	busy          bool
	turnState     TurnState
	stats         []models.Stat
	traits        []models.Trait
	visible       []string
	logEntries    []models.LogEntry
	gameplayText  string
	location      *models.Location
	gameTime      float64
	history       *history.Store
	characterData json.RawMessage
	choices       []string
	started       bool
	notes         string
	snapshots     []models.GameState
	recent        map[string]float64
	recentAt      time.Time

	matcher *EntityMatcher
	events  *EventBus
	clock   func() time.Time
	pick    func(n int) int
	logger  *utils.Logger
}

// SessionOption 配置会话
type SessionOption func(*Session)

// WithClock 注入时钟
func WithClock(clock func() time.Time) SessionOption {
	return func(s *Session) { s.clock = clock }
}

// WithPicker 注入起始地点的随机选择
func WithPicker(pick func(n int) int) SessionOption {
	return func(s *Session) { s.pick = pick }
}

// WithCharacterData 角色自定义数据，原样保存
func WithCharacterData(data json.RawMessage) SessionOption {
	return func(s *Session) { s.characterData = data }
}

// NewSession 创建会话：初始化属性值，应用初始特质，随机选择起始地点
func NewSession(id string, world *models.World, initialTraits []models.ID, opts ...SessionOption) *Session {
	s := &Session{
		ID:        id,
		World:     world,
		turnState: TurnIdle,
		history:   history.NewStore(nil),
		visible:   []string{},
		choices:   []string{},
		recent:    map[string]float64{},
		events:    NewEventBus(),
		clock:     time.Now,
		pick:      rand.IntN,
		logger:    utils.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.matcher = NewEntityMatcher(world.Entities)
	s.stats = stats.InitialValues(world.Stats)

	for _, id := range initialTraits {
		if trait, ok := world.FindTrait(id); ok {
			s.applyTraitLocked(trait)
		}
	}

	if n := len(world.Locations); n > 0 {
		loc := world.Locations[s.pick(n)]
		s.changeLocationLocked(loc)
		s.addLogLocked("Starting in location: " + loc.Name)
	}
	return s
}

// Events 事件总线
func (s *Session) Events() *EventBus { return s.events }

// addLogLocked 连续相同的日志只增加 repeat
func (s *Session) addLogLocked(text string) {
	if n := len(s.logEntries); n > 0 && s.logEntries[n-1].Text == text {
		s.logEntries[n-1].Repeat++
		return
	}
	s.logEntries = append(s.logEntries, models.LogEntry{Text: text, GameTime: s.gameTime})
}

// AddLog 写入游戏日志
func (s *Session) AddLog(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLogLocked(text)
}

func (s *Session) guardIdleLocked(op string) error {
	if s.busy {
		return apperrors.NewConflictError("a turn is in progress; cannot "+op, nil)
	}
	return nil
}

func (s *Session) applyTraitLocked(trait models.Trait) {
	s.stats = stats.ApplyTraitChanges(s.stats, trait.StatChanges)
	s.traits = append(s.traits, trait)
	s.addLogLocked("Applied trait: " + trait.Name)
}

// ApplyTrait 游戏中获得特质
func (s *Session) ApplyTrait(id models.ID) error {
	trait, ok := s.World.FindTrait(id)
	if !ok {
		return apperrors.NewNotFoundError("trait not found: "+id.String(), nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardIdleLocked("apply trait"); err != nil {
		return err
	}
	s.applyTraitLocked(trait)
	return nil
}

func (s *Session) changeLocationLocked(loc models.Location) {
	s.location = &loc
	s.addLogLocked("Entered new location: " + loc.Name)
}

// ChangeLocation 切换地点
func (s *Session) ChangeLocation(id models.ID) error {
	loc, ok := s.World.FindLocation(id)
	if !ok {
		return apperrors.NewNotFoundError("location not found: "+id.String(), nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardIdleLocked("change location"); err != nil {
		return err
	}
	s.changeLocationLocked(loc)
	return nil
}

// SetNotes 玩家笔记，进入提示词的 <NOTES>
func (s *Session) SetNotes(notes string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = notes
}

// captureLocked 当前状态的深拷贝
func (s *Session) captureLocked() models.GameState {
	state := models.GameState{
		PlayerStats:        s.stats,
		PlayerTraits:       s.traits,
		VisibleEntities:    s.visible,
		LogEntries:         s.logEntries,
		GameplayText:       s.gameplayText,
		GameTime:           s.gameTime,
		FullMessageHistory: s.history.Messages(),
		CharacterData:      s.characterData,
		Choices:            s.choices,
		IsGameStarted:      s.started,
		Timestamp:          s.clock().UTC(),
		WorldName:          s.World.Overview.Name,
		PlayerNotes:        s.notes,
		StateVersion:       models.StateVersion,
	}
	if s.location != nil {
		state.LocationID = s.location.ID
	}
	return state.Clone()
}

// restoreLocked 从快照恢复，地点按ID重新解析，找不到时置空
func (s *Session) restoreLocked(state models.GameState) {
	st := state.Clone()
	s.stats = st.PlayerStats
	s.traits = st.PlayerTraits
	s.visible = st.VisibleEntities
	if s.visible == nil {
		s.visible = []string{}
	}
	s.logEntries = st.LogEntries
	s.gameplayText = st.GameplayText
	s.gameTime = st.GameTime
	s.history = history.NewStore(st.FullMessageHistory)
	s.characterData = st.CharacterData
	s.choices = st.Choices
	if s.choices == nil {
		s.choices = []string{}
	}
	s.started = st.IsGameStarted
	s.notes = st.PlayerNotes
	s.recent = map[string]float64{}

	s.location = nil
	if st.LocationID != "" {
		if loc, ok := s.World.FindLocation(st.LocationID); ok {
			s.location = &loc
		}
	}
}

// CurrentState 当前状态，不包含快照历史
func (s *Session) CurrentState() models.GameState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureLocked()
}

// Snapshots 每页一个的快照历史（深拷贝），缺失的页为零值
func (s *Session) Snapshots() []models.GameState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.GameState, len(s.snapshots))
	for i, snap := range s.snapshots {
		out[i] = snap.Clone()
	}
	return out
}

// Checkpoint 存档用：同时取当前状态和快照历史。回合进行中拒绝，
// 否则未回复的玩家消息会被写进存档。
func (s *Session) Checkpoint() (models.GameState, []models.GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardIdleLocked("save"); err != nil {
		return models.GameState{}, nil, err
	}
	snapshots := make([]models.GameState, len(s.snapshots))
	for i, snap := range s.snapshots {
		snapshots[i] = snap.Clone()
	}
	return s.captureLocked(), snapshots, nil
}

// Restore 读档：恢复当前状态和快照历史
func (s *Session) Restore(current models.GameState, snapshots []models.GameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardIdleLocked("load"); err != nil {
		return err
	}
	s.restoreLocked(current)
	s.snapshots = make([]models.GameState, len(snapshots))
	for i, snap := range snapshots {
		s.snapshots[i] = snap.Clone()
	}
	return nil
}

// storeSnapshotLocked 快照放在 ceil(len(history)/2)-1
func (s *Session) storeSnapshotLocked(state models.GameState) {
	idx := s.history.PageCount() - 1
	if idx < 0 {
		return
	}
	for len(s.snapshots) <= idx {
		s.snapshots = append(s.snapshots, models.GameState{})
	}
	s.snapshots[idx] = state
}

// Rollback 回到第 page 页结束时的状态，丢弃之后的快照。
// 只在 1 <= page < PageCount 且该页有快照时生效。
func (s *Session) Rollback(page int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardIdleLocked("roll back"); err != nil {
		return false, err
	}
	if page < 1 || page >= s.history.PageCount() || page > len(s.snapshots) {
		return false, nil
	}
	target := s.snapshots[page-1]
	if target.Timestamp.IsZero() {
		return false, nil
	}
	s.restoreLocked(target)
	s.snapshots = s.snapshots[:page]
	s.addLogLocked("Rolled back to previous game state")
	return true, nil
}

// recentLocked 最近变化，超过 TTL 后视为空
func (s *Session) recentLocked() map[string]float64 {
	out := map[string]float64{}
	if s.recentAt.IsZero() || s.clock().Sub(s.recentAt) >= RecentChangeTTL {
		return out
	}
	for k, v := range s.recent {
		out[k] = v
	}
	return out
}

// SessionView 对外展示的会话状态
type SessionView struct {
	ID              string             `json:"id"`
	WorldName       string             `json:"world_name"`
	Stats           []models.Stat      `json:"stats"`
	Traits          []models.Trait     `json:"traits"`
	VisibleEntities []string           `json:"visible_entities"`
	LogEntries      []models.LogEntry  `json:"log_entries"`
	GameplayText    string             `json:"gameplay_text"`
	Location        *models.Location   `json:"location,omitempty"`
	GameTime        float64            `json:"game_time"`
	Choices         []string           `json:"choices"`
	IsGameStarted   bool               `json:"is_game_started"`
	RecentChanges   map[string]float64 `json:"recent_changes"`
	Notes           string             `json:"notes,omitempty"`
	PageCount       int                `json:"page_count"`
	CurrentPage     int                `json:"current_page"`
	Busy            bool               `json:"busy"`
	TurnState       TurnState          `json:"turn_state"`
}

func (s *Session) viewLocked() *SessionView {
	st := s.captureLocked()
	v := &SessionView{
		ID:              s.ID,
		WorldName:       s.World.Overview.Name,
		Stats:           st.PlayerStats,
		Traits:          st.PlayerTraits,
		VisibleEntities: st.VisibleEntities,
		LogEntries:      st.LogEntries,
		GameplayText:    st.GameplayText,
		GameTime:        st.GameTime,
		Choices:         st.Choices,
		IsGameStarted:   st.IsGameStarted,
		RecentChanges:   s.recentLocked(),
		Notes:           st.PlayerNotes,
		PageCount:       s.history.PageCount(),
		CurrentPage:     s.history.CurrentPage(),
		Busy:            s.busy,
		TurnState:       s.turnState,
	}
	if s.location != nil {
		loc := *s.location
		v.Location = &loc
	}
	return v
}

// View 当前状态视图
func (s *Session) View() *SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// HistoryPage 第 page 页的消息和总页数；page<=0 时返回当前页
func (s *Session) HistoryPage(page int) ([]models.Message, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if page <= 0 {
		page = s.history.CurrentPage()
	} else {
		s.history.SetPage(page)
	}
	return s.history.Page(page), page, s.history.PageCount()
}

// Busy 是否有回合在进行
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}
