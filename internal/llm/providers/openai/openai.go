// internal/llm/providers/openai/openai.go
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/Formamorph/internal/errors"
	"github.com/Corphon/Formamorph/internal/llm"
	"github.com/Corphon/Formamorph/internal/models"
	"github.com/Corphon/Formamorph/internal/utils"
)

func init() {
	llm.Register("openai", func() llm.Provider { return New() })
}

// Provider 兼容 OpenAI chat-completions 协议的流式客户端
type Provider struct {
	name         string
	endpoint     string
	apiKey       string
	defaultModel string
	client       *http.Client
	headers      map[string]string

	randMu sync.Mutex
	rand   func() float64
}

// Option 配置 Provider
type Option func(*Provider)

// WithHTTPClient 指定 HTTP 客户端
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithRand 指定端点分流使用的随机源
func WithRand(r func() float64) Option {
	return func(p *Provider) { p.rand = r }
}

// WithHeader 每个请求附加的请求头
func WithHeader(key, value string) Option {
	return func(p *Provider) { p.headers[key] = value }
}

// WithName 提供者名称
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithEndpoint 默认端点
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithDefaultModel 请求未指定模型时使用
func WithDefaultModel(model string) Option {
	return func(p *Provider) { p.defaultModel = model }
}

// New 创建 Provider
func New(opts ...Option) *Provider {
	p := &Provider{
		name:         "OpenAI-compatible",
		endpoint:     models.DefaultEndpoint,
		defaultModel: models.DefaultModel,
		client:       &http.Client{},
		headers:      make(map[string]string),
		rand:         rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize 支持 endpoint、api_key、default_model、timeout_seconds
func (p *Provider) Initialize(config map[string]string) error {
	if endpoint := config["endpoint"]; endpoint != "" {
		p.endpoint = endpoint
	}
	if apiKey := config["api_key"]; apiKey != "" {
		p.apiKey = apiKey
	}
	if model := config["default_model"]; model != "" {
		p.defaultModel = model
	}
	if raw := config["timeout_seconds"]; raw != "" {
		var seconds int
		if _, err := fmt.Sscanf(raw, "%d", &seconds); err != nil {
			return apperrors.NewValidationError("invalid timeout_seconds: "+raw, err)
		}
		p.client = &http.Client{Timeout: time.Duration(seconds) * time.Second}
	}
	return nil
}

// GetName 提供者名称
func (p *Provider) GetName() string {
	return p.name
}

// BalanceEndpoint 默认端点按概率分流到三个后端，其它端点原样返回
func BalanceEndpoint(endpoint string, r float64) string {
	if endpoint != models.DefaultEndpoint {
		return endpoint
	}
	switch {
	case r < 0.25:
		return strings.Replace(endpoint, "mistral", "mistral3", 1)
	case r < 0.5:
		return strings.Replace(endpoint, "mistral", "mistral4", 1)
	default:
		return strings.Replace(endpoint, "mistral", "mistral5", 1)
	}
}

func (p *Provider) nextRand() float64 {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	return p.rand()
}

func (p *Provider) buildBody(req llm.CompletionRequest) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]llm.ChatMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, llm.ChatMessage{Role: models.RoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, req.Messages...)

	requestBody := map[string]interface{}{
		"model":    model,
		"messages": messages,
		"stream":   true,
	}
	if req.MaxTokens > 0 {
		requestBody["max_tokens"] = req.MaxTokens
	}
	if len(req.StopWords) > 0 {
		requestBody["stop"] = req.StopWords
	}
	for k, v := range req.ExtraParams {
		requestBody[k] = v
	}
	return json.Marshal(requestBody)
}

// StreamCompletion 发起流式请求。非 2xx 响应返回带状态码的传输错误。
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	jsonData, err := p.buildBody(req)
	if err != nil {
		return nil, apperrors.NewProcessingError("failed to encode chat request", err)
	}

	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = p.endpoint
	}
	endpoint = BalanceEndpoint(endpoint, p.nextRand())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, apperrors.NewTransportError(0, "invalid endpoint URL", err)
	}

	apiKey := req.APIToken
	if apiKey == "" {
		apiKey = p.apiKey
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewTransportError(0, "chat request failed", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		httpResp.Body.Close()
		return nil, apperrors.NewTransportError(httpResp.StatusCode,
			fmt.Sprintf("%s API错误(%d)", p.name, httpResp.StatusCode),
			errors.New(strings.TrimSpace(string(body))))
	}

	respChan := make(chan llm.StreamResponse)
	go p.readStream(ctx, httpResp.Body, respChan)
	return respChan, nil
}

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// readStream 解析 SSE。格式错误的数据块跳过，流以 Done 或 Err 事件结束。
func (p *Provider) readStream(ctx context.Context, body io.ReadCloser, out chan<- llm.StreamResponse) {
	defer body.Close()
	defer close(out)

	send := func(resp llm.StreamResponse) bool {
		select {
		case out <- resp:
			return true
		case <-ctx.Done():
			return false
		}
	}

	reader := bufio.NewReader(body)
	var modelName string

	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimSpace(line); strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				send(llm.StreamResponse{FinishReason: "stop", ModelName: modelName, Done: true})
				return
			}

			var chunk streamChunk
			if jsonErr := json.Unmarshal([]byte(data), &chunk); jsonErr != nil {
				utils.GetLogger().Debug("skipping malformed stream chunk", map[string]interface{}{
					"provider": p.name,
					"error":    jsonErr.Error(),
				})
			} else {
				if modelName == "" {
					modelName = chunk.Model
				}
				if len(chunk.Choices) > 0 {
					if content := chunk.Choices[0].Delta.Content; content != "" {
						if !send(llm.StreamResponse{Text: content, ModelName: modelName}) {
							return
						}
					}
					if reason := chunk.Choices[0].FinishReason; reason != nil && *reason != "" {
						send(llm.StreamResponse{FinishReason: *reason, ModelName: modelName, Done: true})
						return
					}
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				send(llm.StreamResponse{FinishReason: "eof", ModelName: modelName, Done: true})
			} else if ctx.Err() == nil {
				send(llm.StreamResponse{Err: apperrors.NewTransportError(0, "stream interrupted", err)})
			}
			return
		}
	}
}
