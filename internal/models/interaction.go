// internal/models/interaction.go
package models

import "time"

// 交互类型
const (
	InteractionConversation = "conversation"
	InteractionFeedback     = "feedback"
	InteractionGeneral      = "general"
)

// InteractionRecord 一次完整交互的记录，写入后不再修改
type InteractionRecord struct {
	Timestamp         time.Time              `json:"timestamp"`
	UserInput         string                 `json:"user_input"`
	AvatarResponse    string                 `json:"avatar_response"`
	SatisfactionScore float64                `json:"satisfaction_score"` // [-1, 1]，未评分为 0
	InteractionType   string                 `json:"interaction_type"`
	ResponseTime      float64                `json:"response_time"` // 秒
	UserFollowUp      string                 `json:"user_follow_up,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// InteractionLogEntry 交互日志中的一行
type InteractionLogEntry struct {
	InteractionRecord
	AvatarName string `json:"avatar_name"`
	UserID     string `json:"user_id"`
}

// ClampScore 把满意度限制在 [-1, 1]
func ClampScore(score float64) float64 {
	if score > 1 {
		return 1
	}
	if score < -1 {
		return -1
	}
	if score != score {
		return 0
	}
	return score
}
