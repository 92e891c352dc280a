// internal/llm/providers/openrouter/openrouter.go
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/Corphon/OMNetCore/internal/llm"
)

func init() {
	llm.Register("openrouter", func() llm.Provider {
		return &Provider{
			recommendedModels: []string{
				"mistralai/mistral-7b-instruct:free",
				"deepseek/deepseek-r1:free",
				"meta-llama/llama-3.1-8b-instruct:free",
			},
			baseURL: "https://openrouter.ai/api/v1",
		}
	})
}

// Provider OpenRouter 托管模型（OpenAI 兼容接口）
type Provider struct {
	apiKey            string
	baseURL           string
	client            *http.Client
	defaultModel      string
	recommendedModels []string
	httpReferer       string // 请求来源
	appName           string // 应用名称

	mu              sync.RWMutex
	availableModels []string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return errors.New("OpenRouter API密钥未提供")
	}

	p.apiKey = apiKey
	p.client = &http.Client{}

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = p.recommendedModels[0]
	}

	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		p.baseURL = baseURL
	}

	p.appName = config["app_name"]
	if p.appName == "" {
		p.appName = "OMNet Core"
	}
	p.httpReferer = config["http_referer"]

	return nil
}

func (p *Provider) GetName() string {
	return "OpenRouter"
}

func (p *Provider) GetSupportedModels() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	// 如果已经通过API获取了真实模型列表，则返回它
	if len(p.availableModels) > 0 {
		return append([]string{}, p.availableModels...)
	}
	return append([]string{}, p.recommendedModels...)
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("X-Title", p.appName)
	if p.httpReferer != "" {
		req.Header.Set("HTTP-Referer", p.httpReferer)
	}
}

// FetchAvailableModels 获取OpenRouter上可用的模型列表
func (p *Provider) FetchAvailableModels(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	p.setHeaders(req)

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
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return err
	}

	names := make([]string, 0, len(response.Data))
	for _, model := range response.Data {
		names = append(names, model.ID)
	}
	p.mu.Lock()
	p.availableModels = names
	p.mu.Unlock()
	return nil
}

func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	requestBody := map[string]interface{}{
		"model":    model,
		"messages": llm.BuildMessages(req),
	}
	if req.Temperature > 0 {
		requestBody["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		requestBody["max_tokens"] = req.MaxTokens
	}
	if req.TopP > 0 {
		requestBody["top_p"] = req.TopP
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.setHeaders(httpReq)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("OpenRouter API错误(%d): %s", httpResp.StatusCode, string(body))
	}

	var response struct {
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
		Model string `json:"model"` // OpenRouter返回实际使用的模型
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, err
	}
	if len(response.Choices) == 0 {
		return nil, errors.New("OpenRouter未返回任何结果")
	}

	return &llm.ChatResponse{
		Text:         response.Choices[0].Message.Content,
		FinishReason: response.Choices[0].FinishReason,
		PromptTokens: response.Usage.PromptTokens,
		OutputTokens: response.Usage.CompletionTokens,
		ModelName:    response.Model,
		ProviderName: p.GetName(),
	}, nil
}
