// internal/llm/providers/githubmodels/github.go
package githubmodels

import "github.com/Corphon/Formamorph/internal/llm/providers/openai"

// DefaultEndpoint GitHub Models 推理端点
const DefaultEndpoint = "https://models.inference.ai.azure.com/chat/completions"

func init() {
	openai.Preset{Name: "GitHub Models", Endpoint: DefaultEndpoint, DefaultModel: "o3-mini"}.Register("githubmodels")
}
