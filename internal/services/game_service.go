// internal/services/game_service.go
package services

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Corphon/Formamorph/internal/errors"
	"github.com/Corphon/Formamorph/internal/gameplay"
	"github.com/Corphon/Formamorph/internal/models"
	"github.com/Corphon/Formamorph/internal/saves"
	"github.com/Corphon/Formamorph/internal/utils"
	"github.com/Corphon/Formamorph/internal/world"
)

// DefaultTurnTimeout 异步回合的最长时间
const DefaultTurnTimeout = 5 * time.Minute

// CreateSessionRequest 新游戏参数
type CreateSessionRequest struct {
	WorldID       string          `json:"world_id"`
	Traits        []models.ID     `json:"traits,omitempty"`
	CharacterData json.RawMessage `json:"character_data,omitempty"`
}

// SessionSummary 会话列表项
type SessionSummary struct {
	ID            string    `json:"id"`
	WorldID       string    `json:"world_id"`
	WorldName     string    `json:"world_name"`
	CreatedAt     time.Time `json:"created_at"`
	IsGameStarted bool      `json:"is_game_started"`
	Busy          bool      `json:"busy"`
}

// HistoryView 历史分页
type HistoryView struct {
	Messages  []models.Message `json:"messages"`
	Page      int              `json:"page"`
	PageCount int              `json:"page_count"`
}

type sessionEntry struct {
	session   *gameplay.Session
	worldID   string
	createdAt time.Time
}

// GameService 管理进行中的会话，协调回合与存档
type GameService struct {
	catalog      *world.Catalog
	orchestrator *gameplay.Orchestrator
	saves        *saves.Service
	locks        *LockManager
	settings     func() models.Settings
	metrics      *utils.GameMetrics
	logger       *utils.Logger

	sessionOpts []gameplay.SessionOption
	turnTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	baseCtx context.Context
	cancel  context.CancelFunc
	turns   sync.WaitGroup
}

// GameOption 配置 GameService
type GameOption func(*GameService)

// WithSettings 指定设置来源
func WithSettings(get func() models.Settings) GameOption {
	return func(g *GameService) { g.settings = get }
}

// WithGameMetrics 指定指标
func WithGameMetrics(m *utils.GameMetrics) GameOption {
	return func(g *GameService) { g.metrics = m }
}

// WithLockManager 共享锁管理器
func WithLockManager(lm *LockManager) GameOption {
	return func(g *GameService) { g.locks = lm }
}

// WithSessionOptions 创建会话时附加的选项
func WithSessionOptions(opts ...gameplay.SessionOption) GameOption {
	return func(g *GameService) { g.sessionOpts = append(g.sessionOpts, opts...) }
}

// WithTurnTimeout 异步回合超时
func WithTurnTimeout(d time.Duration) GameOption {
	return func(g *GameService) { g.turnTimeout = d }
}

// NewGameService 创建游戏服务
func NewGameService(catalog *world.Catalog, orchestrator *gameplay.Orchestrator, saveService *saves.Service, opts ...GameOption) *GameService {
	ctx, cancel := context.WithCancel(context.Background())
	g := &GameService{
		catalog:      catalog,
		orchestrator: orchestrator,
		saves:        saveService,
		settings:     models.DefaultSettings,
		metrics:      utils.NewGameMetrics(nil),
		logger:       utils.GetLogger(),
		turnTimeout:  DefaultTurnTimeout,
		sessions:     make(map[string]*sessionEntry),
		baseCtx:      ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.locks == nil {
		g.locks = NewLockManager()
	}
	return g
}

// Close 取消进行中的回合并等待结束
func (g *GameService) Close() {
	g.cancel()
	g.turns.Wait()
	g.locks.Stop()
}

// CreateSession 用指定世界开始新游戏
func (g *GameService) CreateSession(req CreateSessionRequest) (*gameplay.Session, error) {
	if req.WorldID == "" {
		return nil, apperrors.NewValidationError("world_id is required", nil)
	}
	w, err := g.catalog.Get(req.WorldID)
	if err != nil {
		return nil, err
	}
	for _, id := range req.Traits {
		if _, ok := w.FindTrait(id); !ok {
			return nil, apperrors.NewValidationError("unknown trait: "+id.String(), nil)
		}
	}

	opts := append([]gameplay.SessionOption{}, g.sessionOpts...)
	if len(req.CharacterData) > 0 {
		opts = append(opts, gameplay.WithCharacterData(req.CharacterData))
	}
	s := gameplay.NewSession(uuid.NewString(), w, req.Traits, opts...)

	g.mu.Lock()
	g.sessions[s.ID] = &sessionEntry{session: s, worldID: w.ID, createdAt: time.Now()}
	count := len(g.sessions)
	g.mu.Unlock()

	g.metrics.Collector().SetGauge("sessions_active", int64(count))
	g.logger.Info("session created", map[string]interface{}{
		"session": s.ID,
		"world":   w.ID,
		"traits":  len(req.Traits),
	})
	return s, nil
}

// GetSession 按 id 取会话
func (g *GameService) GetSession(id string) (*gameplay.Session, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entry, ok := g.sessions[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("session not found: "+id, nil)
	}
	return entry.session, nil
}

// ListSessions 按创建时间排序
func (g *GameService) ListSessions() []SessionSummary {
	g.mu.RLock()
	out := make([]SessionSummary, 0, len(g.sessions))
	for id, entry := range g.sessions {
		view := entry.session.View()
		out = append(out, SessionSummary{
			ID:            id,
			WorldID:       entry.worldID,
			WorldName:     view.WorldName,
			CreatedAt:     entry.createdAt,
			IsGameStarted: view.IsGameStarted,
			Busy:          view.Busy,
		})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DeleteSession 结束会话。回合进行中时拒绝。
func (g *GameService) DeleteSession(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.sessions[id]
	if !ok {
		return apperrors.NewNotFoundError("session not found: "+id, nil)
	}
	if entry.session.Busy() {
		return apperrors.NewConflictError("a turn is in progress; cannot end session", nil)
	}
	delete(g.sessions, id)
	g.metrics.Collector().SetGauge("sessions_active", int64(len(g.sessions)))
	return nil
}

// Act 同步执行一个回合
func (g *GameService) Act(ctx context.Context, id, action string) error {
	s, err := g.GetSession(id)
	if err != nil {
		return err
	}
	return g.orchestrator.Act(ctx, s, action, g.settings())
}

// ActAsync 在后台执行回合，进度和结果通过会话事件推送。
// 已有回合在进行时立即返回冲突错误。
func (g *GameService) ActAsync(id, action string) error {
	s, err := g.GetSession(id)
	if err != nil {
		return err
	}
	if strings.TrimSpace(action) == "" {
		return apperrors.NewValidationError("action must not be empty", nil)
	}
	if s.Busy() {
		return apperrors.NewConflictError("a turn is already in progress", nil)
	}
	settings := g.settings()

	g.turns.Add(1)
	go func() {
		defer g.turns.Done()
		ctx, cancel := context.WithTimeout(g.baseCtx, g.turnTimeout)
		defer cancel()
		if err := g.orchestrator.Act(ctx, s, action, settings); err != nil {
			g.logger.Warn("background turn ended with error", map[string]interface{}{
				"session": id,
				"error":   err.Error(),
			})
		}
	}()
	return nil
}

// publishState 非回合操作后推送最新状态
func (g *GameService) publishState(s *gameplay.Session) {
	s.Events().Publish(gameplay.Event{Type: gameplay.EventState, SessionID: s.ID, View: s.View()})
}

// Rollback 回到指定页
func (g *GameService) Rollback(id string, page int) (bool, error) {
	s, err := g.GetSession(id)
	if err != nil {
		return false, err
	}
	ok, err := s.Rollback(page)
	if err != nil {
		return false, err
	}
	if ok {
		g.publishState(s)
	}
	return ok, nil
}

// ApplyTrait 游戏中获得特质
func (g *GameService) ApplyTrait(id string, traitID models.ID) error {
	s, err := g.GetSession(id)
	if err != nil {
		return err
	}
	if err := s.ApplyTrait(traitID); err != nil {
		return err
	}
	g.publishState(s)
	return nil
}

// ChangeLocation 切换地点
func (g *GameService) ChangeLocation(id string, locationID models.ID) error {
	s, err := g.GetSession(id)
	if err != nil {
		return err
	}
	if err := s.ChangeLocation(locationID); err != nil {
		return err
	}
	g.publishState(s)
	return nil
}

// SetNotes 更新玩家笔记
func (g *GameService) SetNotes(id, notes string) error {
	s, err := g.GetSession(id)
	if err != nil {
		return err
	}
	s.SetNotes(notes)
	return nil
}

// History 历史分页，page<=0 表示当前页
func (g *GameService) History(id string, page int) (*HistoryView, error) {
	s, err := g.GetSession(id)
	if err != nil {
		return nil, err
	}
	msgs, current, count := s.HistoryPage(page)
	if msgs == nil {
		msgs = []models.Message{}
	}
	return &HistoryView{Messages: msgs, Page: current, PageCount: count}, nil
}

func saveLockKey(name string) string { return "save:" + name }

// SaveGame 把会话保存到 name
func (g *GameService) SaveGame(ctx context.Context, id, name string) error {
	s, err := g.GetSession(id)
	if err != nil {
		return err
	}
	return g.locks.Execute(saveLockKey(name), func() error {
		return g.saves.Save(ctx, name, s)
	})
}

// LoadGame 从 name 读档到会话；没有存档时 found 为 false
func (g *GameService) LoadGame(ctx context.Context, id, name string) (found bool, err error) {
	s, err := g.GetSession(id)
	if err != nil {
		return false, err
	}
	err = g.locks.ExecuteRead(saveLockKey(name), func() error {
		found, err = g.saves.Load(ctx, name, s)
		return err
	})
	if err == nil && found {
		g.publishState(s)
	}
	return found, err
}

// DeleteSave 删除存档
func (g *GameService) DeleteSave(ctx context.Context, name string) error {
	return g.locks.Execute(saveLockKey(name), func() error {
		return g.saves.Delete(ctx, name)
	})
}

// ListSaves 存档列表，最新的在前
func (g *GameService) ListSaves(ctx context.Context) ([]saves.Summary, error) {
	return g.saves.List(ctx)
}

// ExportSave 导出已保存的存档
func (g *GameService) ExportSave(ctx context.Context, name string) (file saves.ExportFile, err error) {
	err = g.locks.ExecuteRead(saveLockKey(name), func() error {
		file, err = g.saves.Export(ctx, name)
		return err
	})
	return file, err
}

// ExportSession 直接导出会话当前状态
func (g *GameService) ExportSession(ctx context.Context, id, name string) (saves.ExportFile, error) {
	s, err := g.GetSession(id)
	if err != nil {
		return saves.ExportFile{}, err
	}
	return g.saves.ExportSession(ctx, name, s)
}

// ImportSave 上传存档文件
func (g *GameService) ImportSave(ctx context.Context, name string, data []byte) error {
	return g.locks.Execute(saveLockKey(name), func() error {
		return g.saves.Import(ctx, name, data)
	})
}

// Catalog 世界目录
func (g *GameService) Catalog() *world.Catalog { return g.catalog }
