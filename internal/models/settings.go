// internal/models/settings.go
package models

// DefaultEndpoint 内置的默认聊天补全端点，请求时会在几个后端之间随机分流
const DefaultEndpoint = "https://mistral.lyonade.net/v1/chat/completions"

// DefaultModel 默认模型
const DefaultModel = "shuyuej/Mistral-Nemo-Instruct-2407-GPTQ"

// Settings 玩家可修改的设置，每个回合显式传入编排器
type Settings struct {
	EndpointURL       string `json:"endpoint_url"`
	APIToken          string `json:"api_token,omitempty"`
	ModelName         string `json:"model_name"`
	MaxTokens         int    `json:"max_tokens"`
	AIMessageLimit    int    `json:"ai_message_limit"`
	Language          string `json:"language"`
	Shortform         bool   `json:"shortform"`
	NarrationPrompt   string `json:"narration_prompt,omitempty"`
	ChoicesPrompt     string `json:"choices_prompt,omitempty"`
	StatUpdatesPrompt string `json:"stat_updates_prompt,omitempty"`
}

// DefaultSettings 返回默认设置，提示词为空表示使用内置模板
func DefaultSettings() Settings {
	return Settings{
		EndpointURL:    DefaultEndpoint,
		ModelName:      DefaultModel,
		MaxTokens:      1024,
		AIMessageLimit: 2000,
		Language:       "English",
		Shortform:      true,
	}
}

// Redacted 返回隐藏了令牌的副本，用于API输出
func (s Settings) Redacted() Settings {
	if s.APIToken != "" {
		s.APIToken = "********"
	}
	return s
}
