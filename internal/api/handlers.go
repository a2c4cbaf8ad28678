// internal/api/handlers.go
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/Formamorph/internal/config"
	"github.com/Corphon/Formamorph/internal/models"
	"github.com/Corphon/Formamorph/internal/services"
	"github.com/Corphon/Formamorph/internal/utils"
	"github.com/Corphon/Formamorph/internal/world"
)

// maxUploadSize 世界和存档上传的大小上限
const maxUploadSize = 10 << 20

// Handler 处理API请求
type Handler struct {
	Game             *services.GameService // 游戏会话
	LLM              *services.LLMService  // AI 提供方
	Metrics          *utils.GameMetrics    // 指标
	WebSocketHandler *WebSocketHandler     // WebSocket 处理器
	Response         *ResponseHelper       // 响应助手

	// syncTimeout 同步回合的最长时间
	syncTimeout time.Duration
}

// NewHandler 创建API处理器
func NewHandler(game *services.GameService, llmService *services.LLMService, metrics *utils.GameMetrics, ws *WebSocketHandler) *Handler {
	return &Handler{
		Game:             game,
		LLM:              llmService,
		Metrics:          metrics,
		WebSocketHandler: ws,
		Response:         NewResponseHelper(),
		syncTimeout:      services.DefaultTurnTimeout,
	}
}

// APIResponse 标准API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// PaginationMeta 分页元数据
type PaginationMeta struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// PaginatedResponse 带分页的响应
type PaginatedResponse struct {
	*APIResponse
	Meta *PaginationMeta `json:"meta,omitempty"`
}

// ActionRequest 玩家动作
type ActionRequest struct {
	Action string `json:"action"`
	Async  bool   `json:"async"`
}

// RollbackRequest 回退到指定历史页
type RollbackRequest struct {
	Page int `json:"page"`
}

// TraitRequest 获得特质
type TraitRequest struct {
	TraitID models.ID `json:"trait_id"`
}

// LocationRequest 切换地点
type LocationRequest struct {
	LocationID models.ID `json:"location_id"`
}

// NotesRequest 玩家笔记
type NotesRequest struct {
	Notes string `json:"notes"`
}

// SaveRequest 存读档
type SaveRequest struct {
	Name string `json:"name"`
}

// ------------------------------------------------
// 世界

// ListWorlds 列出可用世界
func (h *Handler) ListWorlds(c *gin.Context) {
	h.Response.Success(c, h.Game.Catalog().List())
}

// GetWorld 获取完整世界定义
func (h *Handler) GetWorld(c *gin.Context) {
	w, err := h.Game.Catalog().Get(c.Param("id"))
	if err != nil {
		h.Response.FromError(c, "world", err)
		return
	}
	h.Response.Success(c, w)
}

// UploadWorld 上传世界定义，支持 multipart 字段 file 或直接的请求体
func (h *Handler) UploadWorld(c *gin.Context) {
	data, filename, ok := h.readUpload(c)
	if !ok {
		return
	}

	format := c.Query("format")
	if format == "" && filename != "" {
		format = world.FormatOf(filename)
	}
	w, err := world.Decode(data, format)
	if err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorWorldInvalid, "invalid world definition", err.Error())
		return
	}
	added, err := h.Game.Catalog().Add(w)
	if err != nil {
		h.Response.FromError(c, "world", err)
		return
	}
	h.Response.Created(c, added, "world added")
}

// readUpload 读取上传内容，失败时已写入响应
func (h *Handler) readUpload(c *gin.Context) ([]byte, string, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			h.uploadError(c, err)
			return nil, "", false
		}
		f, err := fh.Open()
		if err != nil {
			h.Response.Error(c, http.StatusBadRequest, ErrorFileUploadFailed, "cannot open uploaded file", err.Error())
			return nil, "", false
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			h.uploadError(c, err)
			return nil, "", false
		}
		return data, fh.Filename, true
	}

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.uploadError(c, err)
		return nil, "", false
	}
	if len(data) == 0 {
		h.Response.Error(c, http.StatusBadRequest, ErrorFileUploadFailed, "empty upload")
		return nil, "", false
	}
	return data, "", true
}

func (h *Handler) uploadError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.Response.Error(c, http.StatusRequestEntityTooLarge, ErrorFileTooLarge, "upload exceeds "+strconv.Itoa(maxUploadSize>>20)+"MB")
		return
	}
	h.Response.Error(c, http.StatusBadRequest, ErrorFileUploadFailed, "upload failed", err.Error())
}

// ------------------------------------------------
// 会话

// CreateSession 开始新游戏
func (h *Handler) CreateSession(c *gin.Context) {
	var req services.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	s, err := h.Game.CreateSession(req)
	if err != nil {
		h.Response.FromError(c, "world", err)
		return
	}
	h.Response.Created(c, s.View(), "session created")
}

// ListSessions 列出进行中的会话
func (h *Handler) ListSessions(c *gin.Context) {
	h.Response.Success(c, h.Game.ListSessions())
}

// GetSession 会话的当前视图
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.Game.GetSession(c.Param("id"))
	if err != nil {
		h.Response.FromError(c, "session", err)
		return
	}
	h.Response.Success(c, s.View())
}

// DeleteSession 结束会话并通知已连接的客户端
func (h *Handler) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.Game.DeleteSession(id); err != nil {
		h.Response.FromError(c, "session", err)
		return
	}
	if h.WebSocketHandler != nil {
		h.WebSocketHandler.manager.BroadcastToSession(id, map[string]interface{}{
			"type":       "session_ended",
			"session_id": id,
			"timestamp":  time.Now().Format(time.RFC3339),
		})
	}
	h.Response.Success(c, gin.H{"id": id}, "session ended")
}

// Act 提交玩家动作。async 时立即返回 202，进度通过 WebSocket 推送。
func (h *Handler) Act(c *gin.Context) {
	id := c.Param("id")
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}

	if req.Async {
		if err := h.Game.ActAsync(id, req.Action); err != nil {
			h.Response.FromError(c, "session", err)
			return
		}
		h.Response.Accepted(c, gin.H{"session_id": id}, "turn started")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.syncTimeout)
	defer cancel()
	if err := h.Game.Act(ctx, id, req.Action); err != nil {
		h.Response.FromError(c, "session", err)
		return
	}
	s, err := h.Game.GetSession(id)
	if err != nil {
		h.Response.FromError(c, "session", err)
		return
	}
	h.Response.Success(c, s.View())
}

// Rollback 回退到历史页
func (h *Handler) Rollback(c *gin.Context) {
	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	id := c.Param("id")
	ok, err := h.Game.Rollback(id, req.Page)
	if err != nil {
		h.Response.FromError(c, "session", err)
		return
	}
	if !ok {
		h.Response.BadRequest(c, "page out of range", "page "+strconv.Itoa(req.Page))
		return
	}
	h.sessionView(c, id)
}

// ApplyTrait 给角色添加特质
func (h *Handler) ApplyTrait(c *gin.Context) {
	var req TraitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	id := c.Param("id")
	if err := h.Game.ApplyTrait(id, req.TraitID); err != nil {
		h.Response.FromError(c, "session", err)
		return
	}
	h.sessionView(c, id)
}

// ChangeLocation 切换当前地点
func (h *Handler) ChangeLocation(c *gin.Context) {
	var req LocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	id := c.Param("id")
	if err := h.Game.ChangeLocation(id, req.LocationID); err != nil {
		h.Response.FromError(c, "session", err)
		return
	}
	h.sessionView(c, id)
}

// SetNotes 保存玩家笔记
func (h *Handler) SetNotes(c *gin.Context) {
	var req NotesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	if err := h.Game.SetNotes(c.Param("id"), req.Notes); err != nil {
		h.Response.FromError(c, "session", err)
		return
	}
	h.Response.Success(c, gin.H{"notes": req.Notes})
}

// History 分页历史，page 从 1 开始，缺省为当前页
func (h *Handler) History(c *gin.Context) {
	page := 0
	if raw := c.Query("page"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p < 1 {
			h.Response.BadRequest(c, "page must be a positive integer")
			return
		}
		page = p
	}

	history, err := h.Game.History(c.Param("id"), page)
	if err != nil {
		h.Response.FromError(c, "session", err)
		return
	}
	h.Response.PaginatedSuccess(c, history.Messages, &PaginationMeta{
		Page:       history.Page,
		PerPage:    len(history.Messages),
		Total:      history.PageCount,
		TotalPages: history.PageCount,
	})
}

func (h *Handler) sessionView(c *gin.Context, id string) {
	s, err := h.Game.GetSession(id)
	if err != nil {
		h.Response.FromError(c, "session", err)
		return
	}
	h.Response.Success(c, s.View())
}

// ------------------------------------------------
// 存档

// SaveGame 把会话存到指定名称
func (h *Handler) SaveGame(c *gin.Context) {
	var req SaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	if err := h.Game.SaveGame(c.Request.Context(), c.Param("id"), req.Name); err != nil {
		h.Response.FromError(c, "session", err)
		return
	}
	h.Response.Success(c, gin.H{"name": req.Name}, "game saved")
}

// LoadGame 读档到会话
func (h *Handler) LoadGame(c *gin.Context) {
	var req SaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	id := c.Param("id")
	found, err := h.Game.LoadGame(c.Request.Context(), id, req.Name)
	if err != nil {
		h.Response.FromError(c, "session", err)
		return
	}
	if !found {
		h.Response.NotFound(c, "save", req.Name)
		return
	}
	h.sessionView(c, id)
}

// ExportSession 导出会话的当前状态
func (h *Handler) ExportSession(c *gin.Context) {
	file, err := h.Game.ExportSession(c.Request.Context(), c.Param("id"), c.Query("name"))
	if err != nil {
		h.Response.FromError(c, "session", err)
		return
	}
	h.Response.DownloadResponse(c, file.Data, file.FileName, "application/json")
}

// ListSaves 存档列表，最新在前
func (h *Handler) ListSaves(c *gin.Context) {
	list, err := h.Game.ListSaves(c.Request.Context())
	if err != nil {
		h.Response.FromError(c, "save", err)
		return
	}
	h.Response.Success(c, list)
}

// DeleteSave 删除存档
func (h *Handler) DeleteSave(c *gin.Context) {
	name := c.Param("name")
	if err := h.Game.DeleteSave(c.Request.Context(), name); err != nil {
		h.Response.FromError(c, "save", err)
		return
	}
	h.Response.Success(c, gin.H{"name": name}, "save deleted")
}

// ExportSave 下载存档文件
func (h *Handler) ExportSave(c *gin.Context) {
	file, err := h.Game.ExportSave(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.Response.FromError(c, "save", err)
		return
	}
	h.Response.DownloadResponse(c, file.Data, file.FileName, "application/json")
}

// ImportSave 上传存档文件
func (h *Handler) ImportSave(c *gin.Context) {
	data, _, ok := h.readUpload(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if err := h.Game.ImportSave(c.Request.Context(), name, data); err != nil {
		h.Response.FromError(c, "save", err)
		return
	}
	h.Response.Created(c, gin.H{"name": name}, "save imported")
}

// ------------------------------------------------
// 设置与状态

// GetSettings 当前设置，令牌已隐藏
func (h *Handler) GetSettings(c *gin.Context) {
	h.Response.Success(c, config.GetSettings().Redacted())
}

// UpdateSettings 保存设置，并用新的端点和令牌重新配置 AI 提供方
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req models.Settings
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	if req.APIToken == "********" {
		req.APIToken = ""
	}

	saved, err := config.UpdateSettings(req)
	if err != nil {
		h.Response.Error(c, http.StatusInternalServerError, ErrorSettingsInvalid, "failed to save settings", err.Error())
		return
	}

	if h.LLM != nil {
		name := h.LLM.GetProviderName()
		if err := h.LLM.UpdateProvider(name, services.ProviderConfig(saved.APIToken, saved.EndpointURL)); err != nil {
			utils.GetLogger().Warn("⚠️ provider reconfiguration failed", map[string]interface{}{
				"provider": name,
				"error":    err.Error(),
			})
		}
	}
	h.Response.Success(c, saved.Redacted(), "settings saved")
}

// GetLLMStatus AI 提供方状态
func (h *Handler) GetLLMStatus(c *gin.Context) {
	if h.LLM == nil {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorLLMServiceUnavailable, "AI service not configured")
		return
	}
	ready, state := h.LLM.GetProviderStatus()
	h.Response.Success(c, gin.H{
		"provider": h.LLM.GetProviderName(),
		"ready":    ready,
		"state":    state,
	})
}

// GetMetrics 指标快照
func (h *Handler) GetMetrics(c *gin.Context) {
	h.Response.Success(c, h.Metrics.Collector().GetMetrics())
}

// GetWebSocketStatus WebSocket 连接状态
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	h.WebSocketHandler.GetStatus(c)
}

// SessionWebSocket 会话的 WebSocket 通道
func (h *Handler) SessionWebSocket(c *gin.Context) {
	h.WebSocketHandler.SessionWebSocket(c)
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"status":   "ok",
		"sessions": len(h.Game.ListSessions()),
	})
}
