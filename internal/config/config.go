// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/Corphon/Formamorph/internal/models"
	"github.com/Corphon/Formamorph/internal/utils"
)

// 存档后端
const (
	SaveStoreSQLite = "sqlite"
	SaveStoreFile   = "file"
)

// Config 启动时从环境变量读取的配置
type Config struct {
	// 基础配置
	Port      string `env:"PORT" envDefault:"8080"`
	DataDir   string `env:"DATA_DIR" envDefault:"data"`
	WorldsDir string `env:"WORLDS_DIR"`
	StaticDir string `env:"STATIC_DIR" envDefault:"static"`
	LogDir    string `env:"LOG_DIR" envDefault:"logs"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	DebugMode bool   `env:"DEBUG_MODE" envDefault:"false"`

	// 存档
	SaveStore   string `env:"FORMAMORPH_SAVE_STORE" envDefault:"sqlite"`
	SaveWorkers int    `env:"FORMAMORPH_SAVE_WORKERS" envDefault:"2"`

	// LLM相关配置
	LLMProvider string `env:"LLM_PROVIDER" envDefault:"openai"`
	LLMAPIKey   string `env:"LLM_API_KEY"`
	LLMEndpoint string `env:"LLM_ENDPOINT"`

	// 回合
	SandboxTimeout  time.Duration `env:"FORMAMORPH_SANDBOX_TIMEOUT" envDefault:"1s"`
	SandboxMemoryMB int           `env:"FORMAMORPH_SANDBOX_MEMORY_MB" envDefault:"64"`
	ActionRateLimit int           `env:"FORMAMORPH_ACTION_RATE_LIMIT" envDefault:"30"`

	// 追踪
	OTelEndpoint string `env:"FORMAMORPH_OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"FORMAMORPH_OTEL_ENABLED" envDefault:"true"`

	// 设置文件中 API 令牌的加密密钥，为空时明文保存
	SettingsSecret string `env:"SETTINGS_SECRET"`
}

// Load 读取 .env（可选）和环境变量
func Load() (*Config, error) {
	_ = godotenv.Load()
	return parse(env.Options{})
}

// LoadFrom 只从给定的变量表读取，供测试使用
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.WorldsDir == "" {
		cfg.WorldsDir = filepath.Join(cfg.DataDir, "worlds")
	}
	cfg.SaveStore = strings.ToLower(strings.TrimSpace(cfg.SaveStore))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查取值范围
func (c *Config) Validate() error {
	switch c.SaveStore {
	case SaveStoreSQLite, SaveStoreFile:
	default:
		return fmt.Errorf("unknown save store %q (want %s or %s)", c.SaveStore, SaveStoreSQLite, SaveStoreFile)
	}
	if c.SaveWorkers <= 0 {
		return fmt.Errorf("save workers must be positive")
	}
	if c.SandboxTimeout <= 0 {
		return fmt.Errorf("sandbox timeout must be positive")
	}
	if c.SandboxMemoryMB < 0 {
		return fmt.Errorf("sandbox memory limit must not be negative")
	}
	return nil
}

// EnsureDirs 创建数据、世界和日志目录
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.WorldsDir, c.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建目录失败 %s: %w", dir, err)
		}
	}
	return nil
}

// SavesPath sqlite 存档库或文件存档目录
func (c *Config) SavesPath() string {
	if c.SaveStore == SaveStoreFile {
		return filepath.Join(c.DataDir, "saves")
	}
	return filepath.Join(c.DataDir, "saves.db")
}

// TracingEndpoint 追踪关闭时返回空串
func (c *Config) TracingEndpoint() string {
	if !c.OTelEnabled {
		return ""
	}
	return strings.TrimSpace(c.OTelEndpoint)
}

// 玩家设置的单例
var (
	currentSettings *models.Settings
	settingsMutex   sync.RWMutex
	settingsFile    string
	settingsSecret  string
)

// InitSettings 从 dataDir/settings.json 加载玩家设置，文件不存在时写入默认值。
// base 为环境变量中的 LLM 配置，只在文件里没有对应值时使用。
func InitSettings(dataDir, secret string, base *Config) error {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settingsFile = filepath.Join(dataDir, "settings.json")
	settingsSecret = secret

	settings := models.DefaultSettings()
	if base != nil {
		if base.LLMEndpoint != "" {
			settings.EndpointURL = base.LLMEndpoint
		}
		settings.APIToken = base.LLMAPIKey
	}

	if data, err := os.ReadFile(settingsFile); err == nil {
		var saved models.Settings
		if err := json.Unmarshal(data, &saved); err != nil {
			utils.GetLogger().Warn("settings file is invalid, using defaults", map[string]interface{}{
				"path":  settingsFile,
				"error": err.Error(),
			})
		} else {
			token, err := utils.OpenSecret(saved.APIToken, secret)
			if err != nil {
				utils.GetLogger().Warn("cannot decrypt saved API token", map[string]interface{}{"error": err.Error()})
				token = ""
			}
			saved.APIToken = token
			if saved.APIToken == "" {
				saved.APIToken = settings.APIToken
			}
			settings = normalize(saved)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("读取设置失败: %w", err)
	}

	currentSettings = &settings
	return saveLocked()
}

// GetSettings 当前设置的副本
func GetSettings() models.Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	if currentSettings == nil {
		return models.DefaultSettings()
	}
	return *currentSettings
}

// UpdateSettings 替换设置并保存。令牌为空时保留原令牌。
func UpdateSettings(next models.Settings) (models.Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if currentSettings == nil {
		return models.Settings{}, fmt.Errorf("设置系统未初始化")
	}
	if next.APIToken == "" {
		next.APIToken = currentSettings.APIToken
	}
	next = normalize(next)
	prev := *currentSettings
	currentSettings = &next
	if err := saveLocked(); err != nil {
		currentSettings = &prev
		return models.Settings{}, err
	}
	return next, nil
}

// normalize 非法数值回落到默认值
func normalize(s models.Settings) models.Settings {
	def := models.DefaultSettings()
	if strings.TrimSpace(s.EndpointURL) == "" {
		s.EndpointURL = def.EndpointURL
	}
	if strings.TrimSpace(s.ModelName) == "" {
		s.ModelName = def.ModelName
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = def.MaxTokens
	}
	if s.AIMessageLimit <= 0 {
		s.AIMessageLimit = def.AIMessageLimit
	}
	if strings.TrimSpace(s.Language) == "" {
		s.Language = def.Language
	}
	return s
}

func saveLocked() error {
	if currentSettings == nil {
		return fmt.Errorf("没有设置可保存")
	}
	if err := os.MkdirAll(filepath.Dir(settingsFile), 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	out := *currentSettings
	token, err := utils.SealSecret(out.APIToken, settingsSecret)
	if err != nil {
		return fmt.Errorf("加密令牌失败: %w", err)
	}
	out.APIToken = token

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化设置失败: %w", err)
	}

	tmp := settingsFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("保存设置失败: %w", err)
	}
	return os.Rename(tmp, settingsFile)
}
