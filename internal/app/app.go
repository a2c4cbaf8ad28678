// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Corphon/Formamorph/internal/config"
	"github.com/Corphon/Formamorph/internal/di"
	"github.com/Corphon/Formamorph/internal/gameplay"
	"github.com/Corphon/Formamorph/internal/sandbox"
	"github.com/Corphon/Formamorph/internal/saves"
	"github.com/Corphon/Formamorph/internal/services"
	"github.com/Corphon/Formamorph/internal/storage"
	"github.com/Corphon/Formamorph/internal/storage/sqlite"
	"github.com/Corphon/Formamorph/internal/telemetry"
	"github.com/Corphon/Formamorph/internal/utils"
	"github.com/Corphon/Formamorph/internal/world"
)

// ServiceName 追踪中的服务名
const ServiceName = "formamorph"

// App 持有全部服务，按依赖顺序创建、逆序关闭
type App struct {
	config    *config.Config
	container *di.Container

	store   storage.Store
	saves   *saves.Service
	game    *services.GameService
	llm     *services.LLMService
	locks   *services.LockManager
	metrics *utils.GameMetrics

	stopMetrics     context.CancelFunc
	shutdownTracing func(context.Context) error
}

// New 初始化日志、追踪、存储和游戏服务，并注册到 container
func New(ctx context.Context, cfg *config.Config, container *di.Container) (*App, error) {
	if container == nil {
		container = di.GetContainer()
	}
	a := &App{config: cfg, container: container}

	logger := utils.GetLogger()
	logger.SetLogLevel(utils.ParseLevel(cfg.LogLevel))
	if cfg.DebugMode {
		logger.SetLogLevel(utils.DEBUG)
	}
	if cfg.LogDir != "" {
		if err := utils.InitLogger(filepath.Join(cfg.LogDir, "formamorph.log")); err != nil {
			return nil, fmt.Errorf("初始化日志失败: %w", err)
		}
	}

	shutdown, err := telemetry.Setup(ctx, ServiceName, telemetry.Options{Endpoint: cfg.TracingEndpoint()})
	if err != nil {
		logger.Warn("tracing disabled", map[string]interface{}{"error": err.Error()})
	}
	a.shutdownTracing = shutdown

	if err := config.InitSettings(cfg.DataDir, cfg.SettingsSecret, cfg); err != nil {
		return nil, fmt.Errorf("初始化设置失败: %w", err)
	}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = store

	catalog, err := world.NewCatalog(cfg.WorldsDir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("加载世界失败: %w", err)
	}

	a.metrics = utils.NewGameMetrics(utils.GetMetricsCollector())
	metricsCtx, cancel := context.WithCancel(context.Background())
	a.stopMetrics = cancel
	a.metrics.StartMetricsCollection(metricsCtx, 5*time.Minute)

	a.llm = services.NewLLMService(cfg.LLMProvider, services.ProviderConfig(cfg.LLMAPIKey, cfg.LLMEndpoint))
	if ready, state := a.llm.GetProviderStatus(); !ready {
		logger.Warn("LLM provider not ready", map[string]interface{}{
			"provider": cfg.LLMProvider,
			"state":    state,
		})
	}

	a.saves = saves.NewService(store,
		saves.WithWorker(saves.NewWorker(cfg.SaveWorkers, cfg.SaveWorkers*4)),
		saves.WithMetrics(a.metrics),
	)

	orchestrator := gameplay.NewOrchestrator(a.llm,
		gameplay.WithEvaluator(sandbox.NewEvaluator(
			sandbox.WithTimeout(cfg.SandboxTimeout),
			sandbox.WithMemoryLimit(uint64(cfg.SandboxMemoryMB)<<20),
		)),
		gameplay.WithMetrics(a.metrics),
	)

	a.locks = services.NewLockManager()
	a.game = services.NewGameService(catalog, orchestrator, a.saves,
		services.WithSettings(config.GetSettings),
		services.WithGameMetrics(a.metrics),
		services.WithLockManager(a.locks),
	)

	container.Register(di.ServiceConfig, cfg)
	container.Register(di.ServiceLLM, a.llm)
	container.Register(di.ServiceWorlds, catalog)
	container.Register(di.ServiceSaves, a.saves)
	container.Register(di.ServiceLocks, a.locks)
	container.Register(di.ServiceMetrics, a.metrics)
	container.Register(di.ServiceGame, a.game)
	return a, nil
}

// OpenStore 按配置打开 sqlite 或文件存档后端
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.SaveStore {
	case config.SaveStoreFile:
		return storage.NewFileStorage(cfg.SavesPath())
	case config.SaveStoreSQLite:
		return sqlite.Open(ctx, cfg.SavesPath())
	default:
		return nil, fmt.Errorf("unknown save store %q", cfg.SaveStore)
	}
}

// Config 启动配置
func (a *App) Config() *config.Config { return a.config }

// Container 依赖注入容器
func (a *App) Container() *di.Container { return a.container }

// Game 游戏服务
func (a *App) Game() *services.GameService { return a.game }

// LLM 模型服务
func (a *App) LLM() *services.LLMService { return a.llm }

// Metrics 游戏指标
func (a *App) Metrics() *utils.GameMetrics { return a.metrics }

// Close 逆序关闭服务
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.game != nil {
		a.game.Close()
	}
	if a.saves != nil {
		a.saves.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if a.stopMetrics != nil {
		a.stopMetrics()
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}
