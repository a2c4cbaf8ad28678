// internal/llm/providers/glm/glm.go
package glm

import "github.com/Corphon/Formamorph/internal/llm/providers/openai"

// DefaultEndpoint 智谱 GLM 端点
const DefaultEndpoint = "https://open.bigmodel.cn/api/paas/v4/chat/completions"

func init() {
	openai.Preset{Name: "GLM", Endpoint: DefaultEndpoint, DefaultModel: "glm-4"}.Register("glm")
}
