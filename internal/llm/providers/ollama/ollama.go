// internal/llm/providers/ollama/ollama.go
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/Corphon/OMNetCore/internal/llm"
)

func init() {
	llm.Register("ollama", func() llm.Provider {
		return &Provider{
			baseURL: "http://localhost:11434",
			recommendedModels: []string{
				"phi3:mini",
				"codellama:7b",
				"llama2:7b",
				"mistral:7b",
				"deepseek-r1:8b",
				"dolphin-mixtral:8x7b",
			},
		}
	})
}

// Provider 本地 Ollama 服务
type Provider struct {
	baseURL           string
	client            *http.Client
	defaultModel      string
	temperature       float64
	topP              float64
	maxTokens         int
	recommendedModels []string

	mu              sync.RWMutex
	availableModels []string
}

func (p *Provider) Initialize(config map[string]string) error {
	p.client = &http.Client{}
	if baseURL := config["base_url"]; baseURL != "" {
		p.baseURL = baseURL
	}
	p.defaultModel = config["default_model"]
	if p.defaultModel == "" {
		p.defaultModel = "phi3:mini"
	}
	p.temperature = parseFloat(config["temperature"], 0.7)
	p.topP = parseFloat(config["top_p"], 0.9)
	p.maxTokens = int(parseFloat(config["max_tokens"], 1000))
	return nil
}

func parseFloat(value string, fallback float64) float64 {
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return f
}

func (p *Provider) GetName() string {
	return "Ollama"
}

func (p *Provider) GetSupportedModels() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.availableModels) > 0 {
		return append([]string{}, p.availableModels...)
	}
	return append([]string{}, p.recommendedModels...)
}

// FetchAvailableModels 通过 /api/tags 获取本地已拉取的模型
func (p *Provider) FetchAvailableModels(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("获取模型列表失败(%d): %s", resp.StatusCode, string(body))
	}

	var response struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return err
	}

	names := make([]string, 0, len(response.Models))
	for _, m := range response.Models {
		names = append(names, m.Name)
	}
	p.mu.Lock()
	p.availableModels = names
	p.mu.Unlock()
	return nil
}

type chatRequest struct {
	Model    string            `json:"model"`
	Messages []llm.ChatMessage `json:"messages"`
	Stream   bool              `json:"stream"`
	Options  map[string]any    `json:"options,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	options := map[string]any{
		"temperature": p.temperature,
		"top_p":       p.topP,
		"num_predict": p.maxTokens,
	}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		options["top_p"] = req.TopP
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	var response chatResponse
	if err := p.post(ctx, "/api/chat", chatRequest{
		Model:    model,
		Messages: llm.BuildMessages(req),
		Stream:   false,
		Options:  options,
	}, &response); err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, errors.New("Ollama错误: " + response.Error)
	}

	return &llm.ChatResponse{
		Text:         response.Message.Content,
		FinishReason: response.DoneReason,
		PromptTokens: response.PromptEvalCount,
		OutputTokens: response.EvalCount,
		ModelName:    model,
		ProviderName: p.GetName(),
	}, nil
}

// LoadModel 空请求会让 Ollama 把模型加载到内存
func (p *Provider) LoadModel(ctx context.Context, model string) error {
	return p.post(ctx, "/api/generate", map[string]any{"model": model}, nil)
}

// UnloadModel keep_alive=0 让 Ollama 立即释放模型
func (p *Provider) UnloadModel(ctx context.Context, model string) error {
	return p.post(ctx, "/api/generate", map[string]any{"model": model, "keep_alive": 0}, nil)
}

func (p *Provider) post(ctx context.Context, path string, body any, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("Ollama API错误(%d): %s", httpResp.StatusCode, string(respBody))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		return nil
	}
	return json.NewDecoder(httpResp.Body).Decode(out)
}
