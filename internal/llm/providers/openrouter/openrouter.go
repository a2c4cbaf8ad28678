// internal/llm/providers/openrouter/openrouter.go
package openrouter

import (
	"context"
	"errors"

	"github.com/Corphon/Formamorph/internal/llm"
	"github.com/Corphon/Formamorph/internal/llm/providers/openai"
)

// DefaultEndpoint OpenRouter 的聊天补全端点
const DefaultEndpoint = "https://openrouter.ai/api/v1/chat/completions"

func init() {
	llm.Register("openrouter", func() llm.Provider { return &Provider{} })
}

// Provider OpenRouter 预设：与 OpenAI 相同的协议，附带来源和应用名请求头
type Provider struct {
	inner *openai.Provider
}

// Initialize 需要 api_key，可选 app_name、http_referer、default_model、endpoint
func (p *Provider) Initialize(config map[string]string) error {
	apiKey := config["api_key"]
	if apiKey == "" {
		return errors.New("OpenRouter API密钥未提供")
	}

	appName := config["app_name"]
	if appName == "" {
		appName = "Formamorph"
	}
	referer := config["http_referer"]
	if referer == "" {
		referer = "https://github.com/Corphon/Formamorph"
	}

	p.inner = openai.New(
		openai.WithName("OpenRouter"),
		openai.WithEndpoint(DefaultEndpoint),
		openai.WithHeader("HTTP-Referer", referer),
		openai.WithHeader("X-Title", appName),
	)
	return p.inner.Initialize(config)
}

// GetName 提供者名称
func (p *Provider) GetName() string {
	return "OpenRouter"
}

// StreamCompletion 委托给 OpenAI 兼容实现
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	if p.inner == nil {
		return nil, errors.New("OpenRouter 提供者未初始化")
	}
	return p.inner.StreamCompletion(ctx, req)
}
