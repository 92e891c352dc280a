package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Corphon/OMNetCore/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := llm.GetProvider("ollama", map[string]string{"base_url": srv.URL, "default_model": "phi3:mini"})
	require.NoError(t, err)
	return p.(*Provider)
}

func TestChatSendsSystemPromptFirst(t *testing.T) {
	var got map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":       "codellama:7b",
			"message":     map[string]string{"role": "assistant", "content": "squeak"},
			"done_reason": "stop",
			"eval_count":  3,
		})
	})

	resp, err := p.Chat(context.Background(), llm.ChatRequest{
		Model:        "codellama:7b",
		SystemPrompt: "You are Mushak",
		Messages:     []llm.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "squeak", resp.Text)
	assert.Equal(t, 3, resp.OutputTokens)

	assert.Equal(t, "codellama:7b", got["model"])
	assert.Equal(t, false, got["stream"])
	messages := got["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	options := got["options"].(map[string]any)
	assert.Equal(t, 0.7, options["temperature"])
	assert.Equal(t, 0.9, options["top_p"])
	assert.Equal(t, float64(1000), options["num_predict"])
}

func TestChatReportsHTTPErrors(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})
	_, err := p.Chat(context.Background(), llm.ChatRequest{Messages: []llm.ChatMessage{{Role: "user", Content: "x"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestLoadAndUnload(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"done":true}`))
	})

	require.NoError(t, p.LoadModel(context.Background(), "mistral:7b"))
	require.NoError(t, p.UnloadModel(context.Background(), "mistral:7b"))
	require.Len(t, bodies, 2)
	assert.NotContains(t, bodies[0], "keep_alive")
	assert.Equal(t, float64(0), bodies[1]["keep_alive"])
}

func TestFetchAvailableModels(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[{"name":"phi3:mini"},{"name":"mistral:7b"}]}`))
	})
	assert.Contains(t, p.GetSupportedModels(), "deepseek-r1:8b")
	require.NoError(t, p.FetchAvailableModels(context.Background()))
	assert.Equal(t, []string{"phi3:mini", "mistral:7b"}, p.GetSupportedModels())
}

func TestProviderImplementsModelLoader(t *testing.T) {
	var _ llm.ModelLoader = (*Provider)(nil)
	assert.Contains(t, llm.ListProviders(), "ollama")
}
