// internal/services/llm_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	apperrors "github.com/Corphon/Formamorph/internal/errors"
	"github.com/Corphon/Formamorph/internal/llm"
	_ "github.com/Corphon/Formamorph/internal/llm/providers/githubmodels"
	_ "github.com/Corphon/Formamorph/internal/llm/providers/glm"
	_ "github.com/Corphon/Formamorph/internal/llm/providers/grok"
	_ "github.com/Corphon/Formamorph/internal/llm/providers/openai"
	_ "github.com/Corphon/Formamorph/internal/llm/providers/openrouter"
	_ "github.com/Corphon/Formamorph/internal/llm/providers/qwen"
	"github.com/Corphon/Formamorph/internal/models"
)

var ErrLLMNotReady = errors.New("llm service not ready")

// LLMService 持有当前的模型提供者，可在运行时替换。
// 它本身实现 llm.Provider，编排器只依赖这个接口。
type LLMService struct {
	providerMutex sync.RWMutex
	provider      llm.Provider
	providerName  string
	readyState    string
}

// NewLLMService 按名称创建提供者。初始化失败时返回未就绪的服务而不是错误。
func NewLLMService(providerName string, config map[string]string) *LLMService {
	s := NewEmptyLLMService()
	_ = s.UpdateProvider(providerName, config)
	return s
}

// NewEmptyLLMService 未配置提供者的服务
func NewEmptyLLMService() *LLMService {
	return &LLMService{
		providerName: "empty",
		readyState:   "Uninitialized",
	}
}

// ProviderConfig 由环境配置生成提供者参数。默认端点不写入，提供者用自己的端点。
func ProviderConfig(apiKey, endpoint string) map[string]string {
	cfg := map[string]string{}
	if apiKey != "" {
		cfg["api_key"] = apiKey
	}
	if endpoint != "" && endpoint != models.DefaultEndpoint {
		cfg["endpoint"] = endpoint
	}
	return cfg
}

// IsReady 是否已有可用的提供者
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider != nil
}

// GetReadyState 就绪状态描述
func (s *LLMService) GetReadyState() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.readyState
}

// GetProviderStatus 返回是否就绪以及可读描述
func (s *LLMService) GetProviderStatus() (bool, string) {
	if s == nil {
		return false, "LLM服务实例未初始化"
	}
	return s.IsReady(), s.GetReadyState()
}

// UpdateProvider 替换提供者；失败时保留旧的提供者
func (s *LLMService) UpdateProvider(providerName string, config map[string]string) error {
	provider, err := llm.GetProvider(providerName, config)

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	if err != nil {
		s.readyState = fmt.Sprintf("Configuration failed: %v", err)
		if s.provider == nil {
			// 记下目标名称，之后补全配置时可以重试
			s.providerName = providerName
		}
		return err
	}
	s.provider = provider
	s.providerName = providerName
	s.readyState = "Ready"
	return nil
}

// GetProviderName 当前提供者名称
func (s *LLMService) GetProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.providerName
}

// Initialize 实现 llm.Provider，等同于用当前名称重新配置
func (s *LLMService) Initialize(config map[string]string) error {
	return s.UpdateProvider(s.GetProviderName(), config)
}

// GetName 实现 llm.Provider
func (s *LLMService) GetName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	if s.provider != nil {
		return s.provider.GetName()
	}
	return s.providerName
}

// StreamCompletion 转发给当前提供者
func (s *LLMService) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	s.providerMutex.RLock()
	provider := s.provider
	s.providerMutex.RUnlock()

	if provider == nil {
		return nil, apperrors.NewTransportError(0, s.GetReadyState(), ErrLLMNotReady)
	}
	return provider.StreamCompletion(ctx, req)
}
