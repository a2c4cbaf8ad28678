// internal/llm/providers/grok/grok.go
package grok

import "github.com/Corphon/Formamorph/internal/llm/providers/openai"

// DefaultEndpoint xAI 的聊天补全端点
const DefaultEndpoint = "https://api.x.ai/v1/chat/completions"

func init() {
	openai.Preset{Name: "Grok", Endpoint: DefaultEndpoint, DefaultModel: "grok-3"}.Register("grok")
}
