// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/Formamorph/internal/api"
	"github.com/Corphon/Formamorph/internal/app"
	"github.com/Corphon/Formamorph/internal/config"
	"github.com/Corphon/Formamorph/internal/di"
)

func main() {
	log.Println("🚀 启动 Formamorph 服务器...")

	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 配置加载完成，端口: %s，存档后端: %s", cfg.Port, cfg.SaveStore)

	// 2. 创建必要的目录
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("❌ %v", err)
	}

	// 3. 初始化所有服务
	ctx := context.Background()
	container := di.GetContainer()
	application, err := app.New(ctx, cfg, container)
	if err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}
	log.Printf("✅ 所有服务初始化完成，服务数量: %d", len(container.GetNames()))

	if ready, state := application.LLM().GetProviderStatus(); !ready {
		log.Printf("⚠️ AI 服务未就绪: %s", state)
	}

	// 4. 设置路由
	router, cleanup, err := api.SetupRouter(cfg, container)
	if err != nil {
		log.Fatalf("❌ 设置路由失败: %v", err)
	}
	log.Println("✅ 路由设置完成")

	log.Printf("🌐 服务器启动在端口 %s", cfg.Port)
	log.Printf("🔗 访问地址: http://localhost:%s", cfg.Port)

	serve(router, cfg.Port)

	// 路由先停，再关闭服务
	cleanup()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Close(shutdownCtx); err != nil {
		log.Printf("⚠️ 关闭服务时出错: %v", err)
	}
	log.Println("✅ 服务器优雅关闭完成")
}

// serve 启动服务器，收到中断信号后优雅关闭
func serve(router *gin.Engine, port string) {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ 启动服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("❌ 服务器强制关闭: %v", err)
	}
}
