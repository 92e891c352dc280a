// internal/models/turn.go
package models

import "time"

// FallbackReply 推理或存储失败时返回给调用方的回复
const FallbackReply = "I sense a disturbance in the digital dharma. Please try again in a moment."

// TurnRequest 一轮对话请求
type TurnRequest struct {
	AvatarName string                 `json:"avatar"`
	Input      string                 `json:"input"`
	UserID     string                 `json:"user_id,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// TurnResult 一轮对话结果，成功与降级共用一个结构
type TurnResult struct {
	Avatar      string    `json:"avatar"`
	Response    string    `json:"response"`
	MoodState   string    `json:"mood_state,omitempty"`
	SessionID   string    `json:"session_id"`
	ModelUsed   string    `json:"model_used,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	ActiveTools []string  `json:"active_tools"`
	Error       string    `json:"error,omitempty"`
	// Diagnostics 不影响回复的内部错误，例如保存会话失败
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// Degraded 是否为降级回复
func (r *TurnResult) Degraded() bool {
	return r.Error != ""
}

// FeedbackRequest 用户对化身表现的反馈
type FeedbackRequest struct {
	AvatarName        string  `json:"avatar"`
	UserID            string  `json:"user_id"`
	Feedback          string  `json:"feedback"`
	SatisfactionScore float64 `json:"satisfaction_score"`
}

// SessionUpdate 会话状态修改
type SessionUpdate struct {
	TaskContext   *string           `json:"task_context,omitempty"`
	AddTools      []string          `json:"add_tools,omitempty"`
	RemoveTools   []string          `json:"remove_tools,omitempty"`
	Preferences   map[string]string `json:"preferences,omitempty"`
	ClearPrefKeys []string          `json:"clear_preferences,omitempty"`
}
