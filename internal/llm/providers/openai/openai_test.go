package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/Formamorph/internal/errors"
	"github.com/Corphon/Formamorph/internal/llm"
	"github.com/Corphon/Formamorph/internal/models"
)

func sseServer(t *testing.T, bodies chan<- map[string]interface{}, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if bodies != nil {
			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			bodies <- body
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamCompletion(t *testing.T) {
	bodies := make(chan map[string]interface{}, 1)
	srv := sseServer(t, bodies,
		`: keep-alive`,
		`data: {"model":"m1","choices":[{"delta":{"content":"You "}}]}`,
		`data: not json`,
		`data: {"choices":[{"delta":{"content":"wake up."}}]}`,
		`data: [DONE]`,
	)

	p := New()
	stream, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		SystemPrompt: "narrate",
		Messages:     []llm.ChatMessage{{Role: "user", Content: "Player action: START GAME"}},
		MaxTokens:    1024,
		Model:        "m1",
		StopWords:    []string{"\n"},
		Endpoint:     srv.URL,
		APIToken:     "secret",
	})
	require.NoError(t, err)

	text, err := llm.Collect(context.Background(), stream, nil)
	require.NoError(t, err)
	assert.Equal(t, "You wake up.", text)

	body := <-bodies
	assert.Equal(t, true, body["stream"])
	assert.Equal(t, float64(1024), body["max_tokens"])
	assert.Equal(t, []interface{}{"\n"}, body["stop"])
	messages := body["messages"].([]interface{})
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]interface{})["role"])
}

func TestStreamCompletionEndsOnEOFWithoutDone(t *testing.T) {
	srv := sseServer(t, nil, `data: {"choices":[{"delta":{"content":"partial"}}]}`)

	stream, err := New().StreamCompletion(context.Background(), llm.CompletionRequest{Endpoint: srv.URL, APIToken: "secret"})
	require.NoError(t, err)

	text, err := llm.Collect(context.Background(), stream, nil)
	require.NoError(t, err)
	assert.Equal(t, "partial", text)
}

func TestStreamCompletionStatusErrors(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusBadRequest, http.StatusInternalServerError} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", status)
			}))
			defer srv.Close()

			_, err := New().StreamCompletion(context.Background(), llm.CompletionRequest{Endpoint: srv.URL})
			require.Error(t, err)
			assert.True(t, apperrors.IsTransportError(err))
			assert.Equal(t, status, apperrors.StatusCodeOf(err))
		})
	}
}

func TestBalanceEndpoint(t *testing.T) {
	tests := []struct {
		r    float64
		want string
	}{
		{0.1, "https://mistral3.lyonade.net/v1/chat/completions"},
		{0.3, "https://mistral4.lyonade.net/v1/chat/completions"},
		{0.9, "https://mistral5.lyonade.net/v1/chat/completions"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BalanceEndpoint(models.DefaultEndpoint, tt.r))
	}
	assert.Equal(t, "https://example.com/v1", BalanceEndpoint("https://example.com/v1", 0.1))
}

func TestInitialize(t *testing.T) {
	p := New()
	require.NoError(t, p.Initialize(map[string]string{"endpoint": "http://x", "api_key": "k", "default_model": "m", "timeout_seconds": "5"}))
	assert.Equal(t, "http://x", p.endpoint)
	assert.Equal(t, "m", p.defaultModel)

	assert.Error(t, p.Initialize(map[string]string{"timeout_seconds": "soon"}))
}
