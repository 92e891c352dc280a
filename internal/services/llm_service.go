// internal/services/llm_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Corphon/OMNetCore/internal/config"
	apperrors "github.com/Corphon/OMNetCore/internal/errors"
	"github.com/Corphon/OMNetCore/internal/llm"
	"github.com/Corphon/OMNetCore/internal/models"
	"github.com/Corphon/OMNetCore/internal/utils"
)

var ErrLLMNotReady = errors.New("llm service not ready")

// ReplyGenerator 会话管理器依赖的推理能力
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, model, systemPrompt string, messages []models.Message) (string, error)
}

// LLMService 提供统一的大语言模型调用接口
type LLMService struct {
	providerMutex sync.RWMutex
	provider      llm.Provider
	providerName  string
	isReady       bool
	readyState    string

	cfg     config.LLMConfig
	timeout time.Duration
	metrics *utils.Metrics
	logger  *zap.Logger
}

// NewLLMService 按配置创建提供者；初始化失败时返回未就绪的服务而不是错误，
// 此时每轮对话都会得到降级回复。
func NewLLMService(cfg config.LLMConfig, timeout time.Duration, metrics *utils.Metrics, logger *zap.Logger) *LLMService {
	if logger == nil {
		logger = zap.NewNop()
	}
	service := &LLMService{
		cfg:        cfg,
		timeout:    timeout,
		metrics:    metrics,
		logger:     logger.With(zap.String("component", "llm")),
		readyState: "Uninitialized",
	}

	if cfg.Provider == "" {
		service.readyState = "LLM provider not configured"
		return service
	}
	if err := service.UpdateProvider(cfg.Provider, providerConfig(cfg)); err != nil {
		service.logger.Warn("LLM provider initialization failed",
			zap.String("provider", cfg.Provider), zap.Error(err))
	}
	return service
}

// NewLLMServiceWithProvider 直接使用给定的提供者，主要用于测试
func NewLLMServiceWithProvider(provider llm.Provider, timeout time.Duration, metrics *utils.Metrics, logger *zap.Logger) *LLMService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMService{
		provider:     provider,
		providerName: provider.GetName(),
		isReady:      true,
		readyState:   "Ready",
		timeout:      timeout,
		metrics:      metrics,
		logger:       logger.With(zap.String("component", "llm")),
	}
}

func providerConfig(cfg config.LLMConfig) map[string]string {
	out := map[string]string{
		"default_model": cfg.DefaultModel,
		"temperature":   strconv.FormatFloat(cfg.Temperature, 'f', -1, 64),
		"top_p":         strconv.FormatFloat(cfg.TopP, 'f', -1, 64),
		"max_tokens":    strconv.Itoa(cfg.MaxTokens),
	}
	if cfg.BaseURL != "" {
		out["base_url"] = cfg.BaseURL
	}
	if cfg.APIKey != "" {
		out["api_key"] = cfg.APIKey
	}
	return out
}

// UpdateProvider 更新LLM服务的提供商
func (s *LLMService) UpdateProvider(providerName string, cfg map[string]string) error {
	provider, err := llm.GetProvider(providerName, cfg)

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	if err != nil {
		s.isReady = false
		s.readyState = fmt.Sprintf("Configuration failed: %v", err)
		return err
	}
	s.provider = provider
	s.providerName = providerName
	s.isReady = true
	s.readyState = "Ready"
	return nil
}

// IsReady 返回服务是否已就绪
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider != nil && s.isReady
}

// GetProviderStatus 返回服务是否就绪以及可读描述
func (s *LLMService) GetProviderStatus() (bool, string) {
	if s == nil {
		return false, "LLM服务实例未初始化"
	}
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider != nil && s.isReady, s.readyState
}

// GetProviderName 当前提供者名称
func (s *LLMService) GetProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.providerName
}

func (s *LLMService) currentProvider() (llm.Provider, error) {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	if s.provider == nil || !s.isReady {
		return nil, ErrLLMNotReady
	}
	return s.provider, nil
}

// GenerateReply 用系统提示词和最近对话调用模型，返回回复文本
func (s *LLMService) GenerateReply(ctx context.Context, model, systemPrompt string, messages []models.Message) (string, error) {
	provider, err := s.currentProvider()
	if err != nil {
		s.metrics.RecordInference(model, "not_ready", 0)
		return "", apperrors.NewInferenceError("模型服务未就绪", err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	chatMessages := make([]llm.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		chatMessages = append(chatMessages, llm.ChatMessage{Role: msg.Role, Content: msg.Content})
	}

	start := time.Now()
	resp, err := provider.Chat(ctx, llm.ChatRequest{
		Model:        model,
		SystemPrompt: systemPrompt,
		Messages:     chatMessages,
		MaxTokens:    s.cfg.MaxTokens,
		Temperature:  s.cfg.Temperature,
		TopP:         s.cfg.TopP,
	})
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.metrics.RecordInference(model, "timeout", elapsed)
			return "", apperrors.NewTimeoutError("模型调用超时", err)
		}
		s.metrics.RecordInference(model, "error", elapsed)
		return "", apperrors.NewInferenceError("模型调用失败", err)
	}
	s.metrics.RecordInference(model, "ok", elapsed)

	s.logger.Debug("Inference completed",
		zap.String("model", model),
		zap.Duration("elapsed", elapsed),
		zap.Int("output_tokens", resp.OutputTokens))
	return resp.Text, nil
}

// Loader 提供者支持显式加载/卸载时返回它，否则返回 nil
func (s *LLMService) Loader() llm.ModelLoader {
	provider, err := s.currentProvider()
	if err != nil {
		return nil
	}
	loader, _ := provider.(llm.ModelLoader)
	return loader
}

// AvailableModels 刷新并返回提供者的模型列表
func (s *LLMService) AvailableModels(ctx context.Context) ([]string, error) {
	provider, err := s.currentProvider()
	if err != nil {
		return nil, err
	}
	if err := provider.FetchAvailableModels(ctx); err != nil {
		s.logger.Warn("Failed to refresh model list", zap.Error(err))
	}
	return provider.GetSupportedModels(), nil
}

// LoadModel 委托给提供者；不支持显式加载的提供者视为总是成功
func (s *LLMService) LoadModel(ctx context.Context, model string) error {
	if loader := s.Loader(); loader != nil {
		return loader.LoadModel(ctx, model)
	}
	return nil
}

// UnloadModel 委托给提供者
func (s *LLMService) UnloadModel(ctx context.Context, model string) error {
	if loader := s.Loader(); loader != nil {
		return loader.UnloadModel(ctx, model)
	}
	return nil
}
