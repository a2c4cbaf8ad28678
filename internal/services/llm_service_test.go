package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/Formamorph/internal/errors"
	"github.com/Corphon/Formamorph/internal/llm"
)

func TestEmptyLLMServiceIsNotReady(t *testing.T) {
	s := NewEmptyLLMService()
	ready, state := s.GetProviderStatus()
	assert.False(t, ready)
	assert.Equal(t, "Uninitialized", state)

	_, err := s.StreamCompletion(context.Background(), llm.CompletionRequest{})
	assert.ErrorIs(t, err, ErrLLMNotReady)
	assert.True(t, apperrors.IsTransportError(err))
}

func TestNewLLMServiceFromRegistry(t *testing.T) {
	s := NewLLMService("openai", ProviderConfig("", "http://localhost:1/v1/chat/completions"))
	assert.True(t, s.IsReady())
	assert.Equal(t, "openai", s.GetProviderName())
	assert.Equal(t, "Ready", s.GetReadyState())
}

func TestUpdateProviderKeepsPreviousOnFailure(t *testing.T) {
	s := NewLLMService("openai", nil)
	require.True(t, s.IsReady())

	err := s.UpdateProvider("openrouter", nil)
	assert.Error(t, err, "openrouter needs an api key")
	assert.True(t, s.IsReady())
	assert.Equal(t, "openai", s.GetProviderName())
	assert.Contains(t, s.GetReadyState(), "Configuration failed")

	assert.ErrorIs(t, s.UpdateProvider("nope", nil), llm.ErrUnknownProvider)

	require.NoError(t, s.UpdateProvider("openrouter", ProviderConfig("sk-or", "")))
	assert.Equal(t, "openrouter", s.GetProviderName())
	assert.Equal(t, "Ready", s.GetReadyState())
}

func TestCompatiblePresetsRegistered(t *testing.T) {
	for name, display := range map[string]string{"grok": "Grok", "qwen": "Qwen", "glm": "GLM", "githubmodels": "GitHub Models"} {
		s := NewLLMService(name, ProviderConfig("key", ""))
		assert.True(t, s.IsReady(), name)
		assert.Equal(t, display, s.GetName(), name)

		assert.False(t, NewLLMService(name, nil).IsReady(), name)
	}
}
