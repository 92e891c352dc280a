// internal/services/session_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/Corphon/OMNetCore/internal/errors"
	"github.com/Corphon/OMNetCore/internal/models"
	"github.com/Corphon/OMNetCore/internal/storage"
	"github.com/Corphon/OMNetCore/internal/utils"
)

// DefaultUserID 请求未携带用户时使用
const DefaultUserID = "default"

// SessionConfig 会话管理参数
type SessionConfig struct {
	Timeout        time.Duration // 空闲超时，超过后静默开始新会话
	HistoryWindow  int           // 转发给模型的最近历史条数
	PersistTimeout time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Timeout <= 0 {
		c.Timeout = time.Hour
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 10
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	return c
}

// SessionDeps 会话管理器的协作者
type SessionDeps struct {
	Store   storage.Store
	Avatars AvatarLookup
	Mood    *MoodClassifier
	Prompts *PromptComposer
	Router  *ModelRouter
	LLM     ReplyGenerator
	Learner *PreferenceLearner
	Metrics *utils.Metrics
	Logger  *zap.Logger
	Clock   func() time.Time
}

// SessionManager 处理对话轮次并维护会话上下文。
// 同一会话键的操作串行执行，不同键互不阻塞。
// 内存表中的上下文提交后不再原地修改，每次变更都替换为新的副本。
type SessionManager struct {
	store   storage.Store
	avatars AvatarLookup
	mood    *MoodClassifier
	prompts *PromptComposer
	router  *ModelRouter
	llm     ReplyGenerator
	learner *PreferenceLearner
	locks   *LockManager
	cfg     SessionConfig
	metrics *utils.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.RWMutex
	contexts map[string]*models.ConversationContext
}

// NewSessionManager 创建会话管理器
func NewSessionManager(cfg SessionConfig, deps SessionDeps) *SessionManager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Store == nil {
		deps.Store = storage.NewMemoryStore(0)
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	if deps.Mood == nil {
		deps.Mood = NewMoodClassifier()
	}
	if deps.Prompts == nil {
		deps.Prompts = NewPromptComposer()
	}
	if deps.Router == nil {
		deps.Router = NewModelRouter(deps.Avatars, DefaultModel, DefaultModelCapacity)
	}
	if deps.Learner == nil {
		deps.Learner = NewPreferenceLearner(deps.Store, LearnerConfig{PersistTimeout: cfg.PersistTimeout}, deps.Metrics, deps.Logger)
	}
	return &SessionManager{
		store:    deps.Store,
		avatars:  deps.Avatars,
		mood:     deps.Mood,
		prompts:  deps.Prompts,
		router:   deps.Router,
		llm:      deps.LLM,
		learner:  deps.Learner,
		locks:    NewLockManager(),
		cfg:      cfg.withDefaults(),
		metrics:  deps.Metrics,
		logger:   deps.Logger.With(zap.String("component", "session")),
		now:      deps.Clock,
		contexts: make(map[string]*models.ConversationContext),
	}
}

// Learner 返回会话使用的偏好学习器
func (s *SessionManager) Learner() *PreferenceLearner {
	return s.learner
}

// Router 返回会话使用的模型路由器
func (s *SessionManager) Router() *ModelRouter {
	return s.router
}

// ProcessTurn 处理一轮对话。
// 只有缺少化身名或输入为空会返回错误；推理失败返回降级回复并在 Error 中附带原因。
// 调用方取消时返回 ctx.Err()，不写入任何状态。
func (s *SessionManager) ProcessTurn(ctx context.Context, req models.TurnRequest) (*models.TurnResult, error) {
	started := time.Now()
	req.AvatarName = strings.TrimSpace(req.AvatarName)
	if req.AvatarName == "" {
		s.metrics.RecordTurn("", "invalid", time.Since(started))
		return nil, apperrors.NewValidationError("缺少化身名称", nil)
	}
	if strings.TrimSpace(req.Input) == "" {
		s.metrics.RecordTurn(req.AvatarName, "invalid", time.Since(started))
		return nil, apperrors.NewValidationError("输入不能为空", nil)
	}
	if req.UserID == "" {
		req.UserID = DefaultUserID
	}
	if req.SessionID == "" {
		req.SessionID = fmt.Sprintf("%s_%s_%d", req.UserID, req.AvatarName, s.now().Unix())
	}

	key := models.SessionKey{UserID: req.UserID, AvatarName: req.AvatarName, SessionID: req.SessionID}
	var result *models.TurnResult
	err := s.locks.ExecuteWithLock(ctx, key.String(), func() error {
		var err error
		result, err = s.processLocked(ctx, key, req, started)
		return err
	})
	if err != nil {
		s.metrics.RecordTurn(req.AvatarName, "cancelled", time.Since(started))
		return nil, err
	}

	outcome := "ok"
	if result.Degraded() {
		outcome = "degraded"
	}
	s.metrics.RecordTurn(req.AvatarName, outcome, time.Since(started))
	return result, nil
}

func (s *SessionManager) processLocked(ctx context.Context, key models.SessionKey, req models.TurnRequest, started time.Time) (*models.TurnResult, error) {
	now := s.now()
	current, reason := s.lookup(ctx, key)
	var working *models.ConversationContext
	switch {
	case current == nil:
		working = models.NewConversationContext(key, now)
		s.metrics.RecordSessionReset(reason)
	case current.Expired(now, s.cfg.Timeout):
		s.logger.Info("Session expired, starting fresh",
			zap.String("session_id", key.SessionID),
			zap.Duration("idle", now.Sub(current.LastInteraction)))
		working = models.NewConversationContext(key, now)
		s.metrics.RecordSessionReset("expired")
	default:
		working = current.Clone()
		if !now.After(working.LastInteraction) {
			now = working.LastInteraction.Add(time.Microsecond)
		}
	}

	working.LastInteraction = now
	working.Append(models.Message{
		Role:      models.RoleUser,
		Content:   req.Input,
		Timestamp: now,
		Metadata:  copyMetadata(req.Metadata),
	})
	working.MoodState = s.mood.Classify(req.Input)

	avatar, _ := s.avatars.Lookup(key.AvatarName)
	var prefsPtr *models.UserPreferences
	if prefs, ok := s.learner.Preferences(ctx, key.AvatarName, key.UserID); ok {
		prefsPtr = &prefs
	}
	var adjPtr *models.PersonalityAdjustment
	if adj, ok := s.learner.Adjustment(ctx, key.AvatarName, key.UserID); ok {
		adjPtr = &adj
	}
	systemPrompt := s.prompts.ComposeTuned(avatar, working, prefsPtr, adjPtr)

	model := s.router.SelectModel(key.AvatarName, req.Input)
	if !s.router.EnsureLoaded(ctx, model) {
		s.logger.Warn("Model not confirmed loaded, attempting inference anyway", zap.String("model", model))
	}

	reply, genErr := s.generate(ctx, model, systemPrompt, working.RecentDialog(s.cfg.HistoryWindow))
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	record := models.InteractionRecord{
		Timestamp:         now,
		UserInput:         req.Input,
		SatisfactionScore: scoreFromMetadata(req.Metadata),
		InteractionType:   models.InteractionConversation,
		Metadata: map[string]interface{}{
			"session_id": key.SessionID,
			"model_used": model,
			"mood":       working.MoodState,
		},
	}

	if genErr != nil {
		s.logger.Error("Inference failed, returning fallback reply",
			zap.String("avatar", key.AvatarName),
			zap.String("user_id", key.UserID),
			zap.String("model", model),
			zap.Error(genErr))
		record.AvatarResponse = models.FallbackReply
		record.ResponseTime = time.Since(started).Seconds()
		record.Metadata["error"] = genErr.Error()
		var diagnostics []string
		if err := s.recordInteraction(ctx, key, record); err != nil {
			diagnostics = append(diagnostics, err.Error())
		}

		return &models.TurnResult{
			Avatar:      key.AvatarName,
			Response:    models.FallbackReply,
			MoodState:   working.MoodState,
			SessionID:   key.SessionID,
			ModelUsed:   model,
			Timestamp:   s.now(),
			ActiveTools: append([]string{}, working.ActiveTools...),
			Error:       genErr.Error(),
			Diagnostics: diagnostics,
		}, nil
	}

	working.Append(models.Message{
		Role:      models.RoleAssistant,
		Content:   reply,
		Timestamp: s.now(),
		Metadata: map[string]interface{}{
			"model_used": model,
			"mood":       working.MoodState,
		},
	})
	// 持久化失败不改变回复，只作为诊断信息返回
	var diagnostics []string
	if err := s.commit(ctx, working); err != nil {
		diagnostics = append(diagnostics, err.Error())
	}

	record.AvatarResponse = reply
	record.ResponseTime = time.Since(started).Seconds()
	if err := s.recordInteraction(ctx, key, record); err != nil {
		diagnostics = append(diagnostics, err.Error())
	}

	return &models.TurnResult{
		Avatar:      key.AvatarName,
		Response:    reply,
		MoodState:   working.MoodState,
		SessionID:   key.SessionID,
		ModelUsed:   model,
		Timestamp:   s.now(),
		ActiveTools: append([]string{}, working.ActiveTools...),
		Diagnostics: diagnostics,
	}, nil
}

func (s *SessionManager) generate(ctx context.Context, model, systemPrompt string, dialog []models.Message) (string, error) {
	if s.llm == nil {
		return "", apperrors.NewInferenceError("模型服务未配置", ErrLLMNotReady)
	}
	return s.llm.GenerateReply(ctx, model, systemPrompt, dialog)
}

// lookup 先查内存再查存储。读取失败按新会话处理，reason 说明原因。
func (s *SessionManager) lookup(ctx context.Context, key models.SessionKey) (*models.ConversationContext, string) {
	s.mu.RLock()
	current, ok := s.contexts[key.String()]
	s.mu.RUnlock()
	if ok {
		return current, ""
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	stored, found, err := s.store.LoadContext(pctx, key)
	if err != nil {
		s.logger.Warn("Failed to load session, starting fresh",
			zap.String("session_id", key.SessionID), zap.Error(err))
		s.metrics.RecordPersistenceError("load_context")
		return nil, "load_error"
	}
	if !found {
		return nil, "new"
	}
	return stored, ""
}

// commit 替换内存中的上下文并写入存储；写入失败时内存状态继续服务，错误返回给调用方
func (s *SessionManager) commit(ctx context.Context, c *models.ConversationContext) error {
	s.mu.Lock()
	s.contexts[c.Key().String()] = c
	s.mu.Unlock()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
	defer cancel()
	if err := s.store.SaveContext(pctx, c); err != nil {
		s.logger.Error("Failed to persist session",
			zap.String("user_id", c.UserID),
			zap.String("avatar", c.AvatarName),
			zap.String("session_id", c.SessionID),
			zap.Error(err))
		s.metrics.RecordPersistenceError("save_context")
		return apperrors.NewPersistenceError("保存会话失败", err)
	}
	return nil
}

func (s *SessionManager) recordInteraction(ctx context.Context, key models.SessionKey, record models.InteractionRecord) error {
	err := s.learner.RecordInteraction(context.WithoutCancel(ctx), key.AvatarName, key.UserID, record)
	if err != nil {
		s.logger.Error("Failed to record interaction",
			zap.String("user_id", key.UserID),
			zap.String("avatar", key.AvatarName),
			zap.Error(err))
	}
	return err
}

// UpdateSession 修改任务上下文、激活工具和会话级偏好
func (s *SessionManager) UpdateSession(ctx context.Context, key models.SessionKey, update models.SessionUpdate) (*models.ConversationContext, error) {
	var out *models.ConversationContext
	err := s.locks.ExecuteWithLock(ctx, key.String(), func() error {
		current, _ := s.lookup(ctx, key)
		if current == nil {
			return apperrors.NewNotFoundError(fmt.Sprintf("会话不存在: %s", key.SessionID), nil)
		}
		working := current.Clone()
		if update.TaskContext != nil {
			working.TaskContext = *update.TaskContext
		}
		for _, tool := range update.AddTools {
			if tool = strings.TrimSpace(tool); tool != "" {
				working.AddTool(tool)
			}
		}
		for _, tool := range update.RemoveTools {
			working.RemoveTool(strings.TrimSpace(tool))
		}
		for k, v := range update.Preferences {
			working.UserPreferences[k] = v
		}
		for _, k := range update.ClearPrefKeys {
			delete(working.UserPreferences, k)
		}
		out = working.Clone()
		return s.commit(ctx, working)
	})
	return out, err
}

// GetSession 返回会话上下文副本
func (s *SessionManager) GetSession(ctx context.Context, key models.SessionKey) (*models.ConversationContext, error) {
	var out *models.ConversationContext
	err := s.locks.ExecuteWithLock(ctx, key.String(), func() error {
		current, _ := s.lookup(ctx, key)
		if current == nil {
			return apperrors.NewNotFoundError(fmt.Sprintf("会话不存在: %s", key.SessionID), nil)
		}
		out = current.Clone()
		return nil
	})
	return out, err
}

// LoadSession 从存储恢复会话到内存并返回摘要
func (s *SessionManager) LoadSession(ctx context.Context, key models.SessionKey) (*models.SessionSummary, error) {
	var summary *models.SessionSummary
	err := s.locks.ExecuteWithLock(ctx, key.String(), func() error {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
		defer cancel()
		stored, found, err := s.store.LoadContext(pctx, key)
		if err != nil {
			return apperrors.NewPersistenceError("读取会话失败", err)
		}
		if !found {
			return apperrors.NewNotFoundError(fmt.Sprintf("会话不存在: %s", key.SessionID), nil)
		}
		s.mu.Lock()
		s.contexts[key.String()] = stored
		s.mu.Unlock()

		record := models.SessionRecord{Context: stored, LastUpdated: stored.LastInteraction}
		sum := record.Summarize()
		summary = &sum
		return nil
	})
	return summary, err
}

// ListSessions 列出用户保存的会话
func (s *SessionManager) ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	sessions, err := s.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, apperrors.NewPersistenceError("列出会话失败", err)
	}
	return sessions, nil
}

// EvictIdle 从内存中移除超时的上下文，存储中的副本保留
func (s *SessionManager) EvictIdle() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, c := range s.contexts {
		if c.Expired(now, s.cfg.Timeout) {
			delete(s.contexts, key)
			evicted++
		}
	}
	return evicted
}

// ActiveSessions 内存中的上下文数量
func (s *SessionManager) ActiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// Run 定期清理空闲上下文，直到 ctx 取消
func (s *SessionManager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.EvictIdle(); n > 0 {
				s.logger.Debug("Evicted idle sessions", zap.Int("count", n))
			}
		}
	}
}

// Flush 把内存中的所有上下文写回存储，关闭时调用。
// 每个键在会话锁内保存当时最新的上下文，不会覆盖并发提交的结果。
func (s *SessionManager) Flush(ctx context.Context) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.contexts))
	for k := range s.contexts {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	var firstErr error
	for _, k := range keys {
		err := s.locks.ExecuteWithLock(ctx, k, func() error {
			s.mu.RLock()
			c, ok := s.contexts[k]
			s.mu.RUnlock()
			if !ok {
				return nil
			}
			if err := s.store.SaveContext(ctx, c); err != nil {
				s.metrics.RecordPersistenceError("flush_context")
				return apperrors.NewPersistenceError("刷新会话失败", err)
			}
			return nil
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func copyMetadata(in map[string]interface{}) map[string]interface{} {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// scoreFromMetadata 读取调用方附带的满意度，缺失时为 0
func scoreFromMetadata(md map[string]interface{}) float64 {
	raw, ok := md["satisfaction_score"]
	if !ok {
		return 0
	}
	var score float64
	switch v := raw.(type) {
	case float64:
		score = v
	case float32:
		score = float64(v)
	case int:
		score = float64(v)
	case int64:
		score = float64(v)
	default:
		return 0
	}
	return models.ClampScore(score)
}
