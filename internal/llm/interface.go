// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// 错误定义
var ErrUnknownProvider = errors.New("未知的AI提供者")

// ChatMessage 聊天补全中的一条消息
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest 一次聊天补全请求。Endpoint 和 APIToken 为空时使用提供者的配置。
type CompletionRequest struct {
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	Messages     []ChatMessage          `json:"messages"`
	MaxTokens    int                    `json:"max_tokens,omitempty"`
	Model        string                 `json:"model,omitempty"`
	StopWords    []string               `json:"stop_words,omitempty"`
	Endpoint     string                 `json:"-"`
	APIToken     string                 `json:"-"`
	ExtraParams  map[string]interface{} `json:"extra_params,omitempty"`
}

// StreamResponse 流式响应中的一个事件。
// 流以 Done=true 或 Err!=nil 的事件结束，之后通道关闭。
type StreamResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	Done         bool   `json:"done"`
	Err          error  `json:"-"`
}

// Provider 定义所有LLM提供者必须实现的接口
type Provider interface {
	// 初始化提供者，传入配置
	Initialize(config map[string]string) error

	// 获取提供者名称
	GetName() string

	// 流式响应生成
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan StreamResponse, error)
}

// ProviderFactory 提供者工厂
type ProviderFactory func() Provider

var (
	registryMu sync.RWMutex
	providers  = make(map[string]ProviderFactory)
)

// Register 注册提供者工厂
func Register(name string, factory ProviderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	providers[strings.ToLower(name)] = factory
}

// GetProvider 创建指定名称的提供者实例
func GetProvider(name string, config map[string]string) (Provider, error) {
	registryMu.RLock()
	factory, exists := providers[strings.ToLower(name)]
	registryMu.RUnlock()
	if !exists {
		return nil, ErrUnknownProvider
	}

	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}
	return provider, nil
}

// ListProviders 返回所有已注册的提供者名称
func ListProviders() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collect 读完整个流，每收到一段文本就以累计内容回调 onDelta。返回去掉首尾空白的全文。
func Collect(ctx context.Context, stream <-chan StreamResponse, onDelta func(content string)) (string, error) {
	var buf strings.Builder
	for {
		select {
		case <-ctx.Done():
			return strings.TrimSpace(buf.String()), ctx.Err()
		case resp, ok := <-stream:
			if !ok {
				return strings.TrimSpace(buf.String()), nil
			}
			if resp.Err != nil {
				return strings.TrimSpace(buf.String()), resp.Err
			}
			if resp.Text != "" {
				buf.WriteString(resp.Text)
				if onDelta != nil {
					onDelta(buf.String())
				}
			}
			if resp.Done {
				return strings.TrimSpace(buf.String()), nil
			}
		}
	}
}
