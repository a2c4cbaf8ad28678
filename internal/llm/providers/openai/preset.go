package openai

import (
	"context"
	"errors"

	"github.com/Corphon/Formamorph/internal/llm"
)

// Preset 使用 OpenAI 兼容协议的第三方服务：固定端点、默认模型，并要求 api_key
type Preset struct {
	Name         string
	Endpoint     string
	DefaultModel string
	Headers      map[string]string

	inner *Provider
}

// Register 以 key 注册预设
func (p Preset) Register(key string) {
	llm.Register(key, func() llm.Provider {
		cp := p
		return &cp
	})
}

// Initialize 需要 api_key，可用 endpoint、default_model 覆盖预设
func (p *Preset) Initialize(config map[string]string) error {
	if config["api_key"] == "" {
		return errors.New(p.Name + " API密钥未提供")
	}
	opts := []Option{WithName(p.Name), WithEndpoint(p.Endpoint), WithDefaultModel(p.DefaultModel)}
	for k, v := range p.Headers {
		opts = append(opts, WithHeader(k, v))
	}
	p.inner = New(opts...)
	return p.inner.Initialize(config)
}

// GetName 提供者名称
func (p *Preset) GetName() string { return p.Name }

// StreamCompletion 委托给 OpenAI 兼容实现
func (p *Preset) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	if p.inner == nil {
		return nil, errors.New(p.Name + " 提供者未初始化")
	}
	return p.inner.StreamCompletion(ctx, req)
}
