// internal/llm/providers/qwen/qwen.go
package qwen

import "github.com/Corphon/Formamorph/internal/llm/providers/openai"

// DefaultEndpoint 通义千问兼容模式端点
const DefaultEndpoint = "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions"

func init() {
	openai.Preset{Name: "Qwen", Endpoint: DefaultEndpoint, DefaultModel: "qwen2.5-max"}.Register("qwen")
}
