// internal/api/handlers.go
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Corphon/OMNetCore/internal/auth"
	apperrors "github.com/Corphon/OMNetCore/internal/errors"
	"github.com/Corphon/OMNetCore/internal/models"
	"github.com/Corphon/OMNetCore/internal/services"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 处理 HTTP 请求
type Handler struct {
	sessions *services.SessionManager
	learner  *services.PreferenceLearner
	router   *services.ModelRouter
	avatars  *services.AvatarService
	llm      *services.LLMService
	tokens   *auth.TokenConfig
	hub      *WebSocketManager
	logger   *zap.Logger
	rh       *ResponseHelper
	started  time.Time
}

// NewHandler 创建API处理器
func NewHandler(deps Dependencies) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewWebSocketManager(deps.Metrics, logger)
	}
	return &Handler{
		sessions: deps.Sessions,
		learner:  deps.Sessions.Learner(),
		router:   deps.Sessions.Router(),
		avatars:  deps.Avatars,
		llm:      deps.LLM,
		tokens:   deps.Tokens,
		hub:      hub,
		logger:   logger.With(zap.String("component", "api")),
		rh:       NewResponseHelper(),
		started:  time.Now(),
	}
}

// InteractionRequest 记录外部产生的交互
type InteractionRequest struct {
	AvatarName  string                   `json:"avatar"`
	UserID      string                   `json:"user_id"`
	Interaction models.InteractionRecord `json:"interaction"`
}

// TokenRequest 申请访问令牌
type TokenRequest struct {
	UserID string `json:"user_id"`
}

// turnFailure 与成功回复同形的失败结果
func turnFailure(req models.TurnRequest, message string) *models.TurnResult {
	return &models.TurnResult{
		Avatar:      req.AvatarName,
		Response:    "",
		SessionID:   req.SessionID,
		Timestamp:   time.Now(),
		ActiveTools: []string{},
		Error:       message,
	}
}

// turnErrorStatus 对话失败对应的状态码和消息
func turnErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, context.Canceled):
		return 499, "请求已取消"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "请求超时"
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return apperrors.HTTPStatus(err), appErr.Message
	}
	return http.StatusInternalServerError, "内部错误"
}

// Chat 处理一轮对话；降级回复同样返回 200
func (h *Handler) Chat(c *gin.Context) {
	var req models.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, turnFailure(req, "请求格式错误"))
		return
	}

	userID, ok := resolveUserID(c, req.UserID)
	if !ok {
		c.JSON(http.StatusForbidden, turnFailure(req, "令牌与请求的用户不一致"))
		return
	}
	req.UserID = userID

	result, err := h.sessions.ProcessTurn(c.Request.Context(), req)
	if err != nil {
		status, message := turnErrorStatus(err)
		c.JSON(status, turnFailure(req, message))
		return
	}
	c.JSON(http.StatusOK, result)
}

// Feedback 记录反馈并返回调整后的性格
func (h *Handler) Feedback(c *gin.Context) {
	var req models.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rh.BadRequest(c, "请求格式错误", err.Error())
		return
	}
	req.AvatarName = strings.TrimSpace(req.AvatarName)
	if req.AvatarName == "" || strings.TrimSpace(req.Feedback) == "" {
		h.rh.Error(c, http.StatusBadRequest, ErrorInvalidFeedback, "缺少化身名称或反馈内容")
		return
	}
	userID, ok := resolveUserID(c, req.UserID)
	if !ok {
		h.rh.Error(c, http.StatusForbidden, ErrorTokenForbidden, "令牌与请求的用户不一致")
		return
	}

	adj, err := h.learner.RecordFeedback(c.Request.Context(), req.AvatarName, userID, req.Feedback, req.SatisfactionScore)
	if err != nil {
		if apperrors.IsPersistenceError(err) {
			h.logger.Warn("Feedback applied but not persisted", zap.String("user_id", userID), zap.Error(err))
			h.rh.Success(c, adj, "反馈已应用，但保存失败")
			return
		}
		h.rh.AppError(c, err)
		return
	}
	h.rh.Success(c, adj, "反馈已记录")
}

// RecordInteraction 记录一条外部交互
func (h *Handler) RecordInteraction(c *gin.Context) {
	var req InteractionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rh.BadRequest(c, "请求格式错误", err.Error())
		return
	}
	req.AvatarName = strings.TrimSpace(req.AvatarName)
	if req.AvatarName == "" {
		h.rh.BadRequest(c, "缺少化身名称")
		return
	}
	userID, ok := resolveUserID(c, req.UserID)
	if !ok {
		h.rh.Error(c, http.StatusForbidden, ErrorTokenForbidden, "令牌与请求的用户不一致")
		return
	}

	if err := h.learner.RecordInteraction(c.Request.Context(), req.AvatarName, userID, req.Interaction); err != nil {
		if !apperrors.IsPersistenceError(err) {
			h.rh.AppError(c, err)
			return
		}
		h.logger.Warn("Interaction recorded in memory only", zap.String("user_id", userID), zap.Error(err))
	}

	prefs, learned := h.learner.Preferences(c.Request.Context(), req.AvatarName, userID)
	h.rh.Created(c, gin.H{"preferences": prefs, "learned": learned}, "交互已记录")
}

// ListSessions 列出用户保存的会话
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.ListSessions(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.rh.AppError(c, err)
		return
	}
	h.rh.Success(c, sessions)
}

func sessionKey(c *gin.Context) models.SessionKey {
	return models.SessionKey{
		UserID:     c.Param("user_id"),
		AvatarName: c.Param("avatar"),
		SessionID:  c.Param("session_id"),
	}
}

// GetSession 从存储恢复会话并返回摘要；full=true 时附带完整上下文
func (h *Handler) GetSession(c *gin.Context) {
	key := sessionKey(c)
	summary, err := h.sessions.LoadSession(c.Request.Context(), key)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			h.rh.NotFound(c, "会话", key.SessionID)
			return
		}
		h.rh.AppError(c, err)
		return
	}

	if full, _ := strconv.ParseBool(c.Query("full")); !full {
		h.rh.Success(c, summary)
		return
	}
	convCtx, err := h.sessions.GetSession(c.Request.Context(), key)
	if err != nil {
		h.rh.AppError(c, err)
		return
	}
	h.rh.Success(c, gin.H{"summary": summary, "context": convCtx})
}

// UpdateSession 修改任务上下文、工具和会话偏好
func (h *Handler) UpdateSession(c *gin.Context) {
	var update models.SessionUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		h.rh.BadRequest(c, "请求格式错误", err.Error())
		return
	}
	key := sessionKey(c)
	convCtx, err := h.sessions.UpdateSession(c.Request.Context(), key, update)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			h.rh.NotFound(c, "会话", key.SessionID)
			return
		}
		h.rh.AppError(c, err)
		return
	}
	h.rh.Success(c, convCtx, "会话已更新")
}

// GetPreferences 返回学习到的偏好，尚未学习时返回默认值
func (h *Handler) GetPreferences(c *gin.Context) {
	prefs, learned := h.learner.Preferences(c.Request.Context(), c.Param("avatar"), c.Param("user_id"))
	if !learned {
		prefs = models.DefaultUserPreferences()
	}
	h.rh.Success(c, gin.H{"preferences": prefs, "learned": learned})
}

// GetAdjustments 返回性格调整
func (h *Handler) GetAdjustments(c *gin.Context) {
	adj, found := h.learner.Adjustment(c.Request.Context(), c.Param("avatar"), c.Param("user_id"))
	h.rh.Success(c, gin.H{"adjustment": adj, "found": found})
}

// GetInteractions 返回最近的交互记录
func (h *Handler) GetInteractions(c *gin.Context) {
	history := h.learner.History(c.Request.Context(), c.Param("avatar"), c.Param("user_id"))
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		h.rh.BadRequest(c, "limit 必须为正整数")
		return
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	if history == nil {
		history = []models.InteractionRecord{}
	}
	h.rh.Success(c, history)
}

// ListAvatars 列出所有化身
func (h *Handler) ListAvatars(c *gin.Context) {
	h.rh.Success(c, h.avatars.List())
}

// GetAvatar 返回单个化身配置
func (h *Handler) GetAvatar(c *gin.Context) {
	avatar, ok := h.avatars.Lookup(c.Param("name"))
	if !ok {
		h.rh.NotFound(c, "化身", c.Param("name"))
		return
	}
	h.rh.Success(c, avatar)
}

// ListModels 返回活跃模型和后端可用模型
func (h *Handler) ListModels(c *gin.Context) {
	data := gin.H{
		"active":        h.router.ActiveModels(),
		"available":     []string{},
		"max_active":    h.router.Capacity(),
		"default_model": h.router.DefaultModel(),
		"provider":      "",
		"provider_ok":   false,
	}
	if h.llm != nil {
		ready, name := h.llm.GetProviderStatus()
		data["provider"] = name
		data["provider_ok"] = ready
		available, err := h.llm.AvailableModels(c.Request.Context())
		if err != nil {
			data["available_error"] = err.Error()
		} else if available != nil {
			data["available"] = available
		}
	}
	h.rh.Success(c, data)
}

// IssueToken 为用户签发访问令牌
func (h *Handler) IssueToken(c *gin.Context) {
	if h.tokens == nil {
		h.rh.Error(c, http.StatusNotFound, ErrorTokenDisabled, "未启用令牌签发")
		return
	}
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		h.rh.BadRequest(c, "缺少用户ID")
		return
	}
	signed, err := auth.GenerateToken(strings.TrimSpace(req.UserID), h.tokens)
	if err != nil {
		h.rh.InternalError(c, "签发令牌失败")
		return
	}
	h.rh.Created(c, gin.H{
		"access_token": signed,
		"token_type":   "Bearer",
		"expires_in":   int(h.tokens.Expiration.Seconds()),
	})
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	ready, provider := false, ""
	if h.llm != nil {
		ready, provider = h.llm.GetProviderStatus()
	}
	status := "ok"
	if !ready {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"provider":        provider,
		"provider_ready":  ready,
		"active_sessions": h.sessions.ActiveSessions(),
		"active_models":   len(h.router.ActiveModels()),
		"ws_connections":  h.hub.Count(),
		"uptime_seconds":  int(time.Since(h.started).Seconds()),
		"timestamp":       time.Now(),
	})
}

// WebSocketStatus 返回 WebSocket 连接状态
func (h *Handler) WebSocketStatus(c *gin.Context) {
	h.rh.Success(c, h.hub.GetStatus())
}
