// internal/api/router.go
package api

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/Formamorph/internal/config"
	"github.com/Corphon/Formamorph/internal/di"
	"github.com/Corphon/Formamorph/internal/services"
	"github.com/Corphon/Formamorph/internal/utils"
)

// SetupRouter 配置HTTP路由。返回的 cleanup 停止 WebSocket 管理器和限流器。
func SetupRouter(cfg *config.Config, container *di.Container) (*gin.Engine, func(), error) {
	// ✅ 只从容器获取服务，不再创建新实例
	game, ok := di.Resolve[*services.GameService](container, di.ServiceGame)
	if !ok {
		return nil, nil, fmt.Errorf("游戏服务未正确初始化")
	}
	llmService, ok := di.Resolve[*services.LLMService](container, di.ServiceLLM)
	if !ok {
		return nil, nil, fmt.Errorf("LLM服务未正确初始化")
	}
	metrics := di.ResolveOr(container, di.ServiceMetrics, utils.NewGameMetrics(nil))

	wsManager := NewWebSocketManager()
	limiter := NewRateLimiter()
	cleanup := func() {
		wsManager.Shutdown()
		limiter.Stop()
	}

	handler := NewHandler(game, llmService, metrics, NewWebSocketHandler(wsManager, game))

	if cfg.DebugMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.DebugMode {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(corsMiddleware())
	r.Use(metricsMiddleware(metrics))

	// 静态文件服务，目录不存在时跳过
	if cfg.StaticDir != "" {
		if info, err := os.Stat(cfg.StaticDir); err == nil && info.IsDir() {
			r.Static("/static", cfg.StaticDir)
			index := filepath.Join(cfg.StaticDir, "index.html")
			if _, err := os.Stat(index); err == nil {
				r.StaticFile("/", index)
			}
		}
	}

	// WebSocket 支持
	r.GET("/ws/sessions/:id", handler.SessionWebSocket)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	{
		api.GET("/health", handler.Health)

		worlds := api.Group("/worlds")
		{
			worlds.GET("", handler.ListWorlds)
			worlds.POST("", handler.UploadWorld)
			worlds.GET("/:id", handler.GetWorld)
		}

		sessions := api.Group("/sessions")
		{
			sessions.GET("", handler.ListSessions)
			sessions.POST("", handler.CreateSession)
			sessions.GET("/:id", handler.GetSession)
			sessions.DELETE("/:id", handler.DeleteSession)

			// 每个 IP 每分钟的动作次数
			sessions.POST("/:id/action", limiter.ByIP(cfg.ActionRateLimit, time.Minute), handler.Act)

			sessions.POST("/:id/rollback", handler.Rollback)
			sessions.POST("/:id/traits", handler.ApplyTrait)
			sessions.POST("/:id/location", handler.ChangeLocation)
			sessions.PUT("/:id/notes", handler.SetNotes)
			sessions.GET("/:id/history", handler.History)

			sessions.POST("/:id/save", handler.SaveGame)
			sessions.POST("/:id/load", handler.LoadGame)
			sessions.GET("/:id/export", handler.ExportSession)
		}

		savesGroup := api.Group("/saves")
		{
			savesGroup.GET("", handler.ListSaves)
			savesGroup.DELETE("/:name", handler.DeleteSave)
			savesGroup.GET("/:name/export", handler.ExportSave)
			savesGroup.POST("/:name/import", handler.ImportSave)
		}

		settingsGroup := api.Group("/settings")
		{
			settingsGroup.GET("", handler.GetSettings)
			settingsGroup.PUT("", handler.UpdateSettings)
		}

		api.GET("/llm/status", handler.GetLLMStatus)
		api.GET("/metrics", handler.GetMetrics)
		api.GET("/ws/status", handler.GetWebSocketStatus)
	}

	return r, cleanup, nil
}
