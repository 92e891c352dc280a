// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// 错误定义
var ErrUnknownProvider = errors.New("未知的AI提供者")

// ChatMessage 发送给模型的一条消息
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest 标准化的对话请求
type ChatRequest struct {
	Model        string        `json:"model,omitempty"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	Messages     []ChatMessage `json:"messages"`
	MaxTokens    int           `json:"max_tokens,omitempty"`
	Temperature  float64       `json:"temperature,omitempty"`
	TopP         float64       `json:"top_p,omitempty"`
}

// ChatResponse 标准化的对话响应
type ChatResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	PromptTokens int    `json:"prompt_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`
}

// Provider 定义所有LLM提供者必须实现的接口
type Provider interface {
	// 初始化提供者，传入配置
	Initialize(config map[string]string) error

	// 获取提供者名称
	GetName() string

	// 获取支持的模型列表
	GetSupportedModels() []string

	// 多轮对话生成，系统提示总是放在最前面
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// 从服务端刷新可用模型列表
	FetchAvailableModels(ctx context.Context) error
}

// ModelLoader 可选接口：支持显式加载/卸载模型的提供者（例如本地 Ollama）
type ModelLoader interface {
	LoadModel(ctx context.Context, model string) error
	UnloadModel(ctx context.Context, model string) error
}

// BuildMessages 把系统提示放在对话前面
func BuildMessages(req ChatRequest) []ChatMessage {
	messages := make([]ChatMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: req.SystemPrompt})
	}
	return append(messages, req.Messages...)
}

// ProviderFactory 提供者工厂
type ProviderFactory func() Provider

var (
	registryMu sync.RWMutex
	providers  = make(map[string]ProviderFactory)
)

// Register 注册提供者工厂
func Register(name string, factory ProviderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	providers[name] = factory
}

// GetProvider 创建并初始化指定名称的提供者实例
func GetProvider(name string, config map[string]string) (Provider, error) {
	registryMu.RLock()
	factory, exists := providers[name]
	registryMu.RUnlock()
	if !exists {
		return nil, ErrUnknownProvider
	}

	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}
	return provider, nil
}

// ListProviders 返回所有已注册的提供者名称
func ListProviders() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
