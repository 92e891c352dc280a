// internal/models/context.go
package models

import (
	"fmt"
	"sort"
	"time"
)

// 消息角色
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// MoodNeutral 没有匹配任何情绪关键词时的情绪
const MoodNeutral = "neutral"

// Message 对话中的一条消息
type Message struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SessionKey 标识一个会话: (用户, 化身, 会话)
type SessionKey struct {
	UserID     string
	AvatarName string
	SessionID  string
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.UserID, k.AvatarName, k.SessionID)
}

// ConversationContext 表示用户与某个化身在一个会话中的对话状态
type ConversationContext struct {
	AvatarName          string            `json:"avatar_name"`
	UserID              string            `json:"user_id"`
	SessionID           string            `json:"session_id"`
	ConversationHistory []Message         `json:"conversation_history"`
	MoodState           string            `json:"mood_state"`
	TaskContext         string            `json:"task_context,omitempty"`
	ActiveTools         []string          `json:"active_tools"`
	UserPreferences     map[string]string `json:"user_preferences"`
	LastInteraction     time.Time         `json:"last_interaction"`
}

// NewConversationContext 创建空白会话上下文
func NewConversationContext(key SessionKey, now time.Time) *ConversationContext {
	return &ConversationContext{
		AvatarName:          key.AvatarName,
		UserID:              key.UserID,
		SessionID:           key.SessionID,
		ConversationHistory: []Message{},
		MoodState:           MoodNeutral,
		ActiveTools:         []string{},
		UserPreferences:     map[string]string{},
		LastInteraction:     now,
	}
}

// Key 返回上下文的会话键
func (c *ConversationContext) Key() SessionKey {
	return SessionKey{UserID: c.UserID, AvatarName: c.AvatarName, SessionID: c.SessionID}
}

// Expired 判断上下文是否已超过空闲超时
func (c *ConversationContext) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.LastInteraction) >= timeout
}

// Clone 深拷贝上下文，消息元数据只拷贝第一层
func (c *ConversationContext) Clone() *ConversationContext {
	clone := *c
	clone.ConversationHistory = make([]Message, len(c.ConversationHistory))
	for i, msg := range c.ConversationHistory {
		clone.ConversationHistory[i] = msg
		if msg.Metadata != nil {
			md := make(map[string]interface{}, len(msg.Metadata))
			for k, v := range msg.Metadata {
				md[k] = v
			}
			clone.ConversationHistory[i].Metadata = md
		}
	}
	clone.ActiveTools = append([]string{}, c.ActiveTools...)
	clone.UserPreferences = make(map[string]string, len(c.UserPreferences))
	for k, v := range c.UserPreferences {
		clone.UserPreferences[k] = v
	}
	return &clone
}

// Normalize 补齐反序列化后可能为 nil 的集合字段
func (c *ConversationContext) Normalize() {
	if c.ConversationHistory == nil {
		c.ConversationHistory = []Message{}
	}
	if c.ActiveTools == nil {
		c.ActiveTools = []string{}
	}
	if c.UserPreferences == nil {
		c.UserPreferences = map[string]string{}
	}
	if c.MoodState == "" {
		c.MoodState = MoodNeutral
	}
}

// Append 追加一条消息
func (c *ConversationContext) Append(msg Message) {
	c.ConversationHistory = append(c.ConversationHistory, msg)
}

// AddTool 激活工具，保持有序且不重复
func (c *ConversationContext) AddTool(name string) {
	i := sort.SearchStrings(c.ActiveTools, name)
	if i < len(c.ActiveTools) && c.ActiveTools[i] == name {
		return
	}
	c.ActiveTools = append(c.ActiveTools, "")
	copy(c.ActiveTools[i+1:], c.ActiveTools[i:])
	c.ActiveTools[i] = name
}

// RemoveTool 停用工具
func (c *ConversationContext) RemoveTool(name string) {
	i := sort.SearchStrings(c.ActiveTools, name)
	if i < len(c.ActiveTools) && c.ActiveTools[i] == name {
		c.ActiveTools = append(c.ActiveTools[:i], c.ActiveTools[i+1:]...)
	}
}

// RecentDialog 取最后 n 条历史，只保留 user/assistant 角色
func (c *ConversationContext) RecentDialog(n int) []Message {
	history := c.ConversationHistory
	if n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	out := make([]Message, 0, len(history))
	for _, msg := range history {
		if msg.Role == RoleUser || msg.Role == RoleAssistant {
			out = append(out, msg)
		}
	}
	return out
}

// SessionRecord 会话的持久化形式
type SessionRecord struct {
	Context     *ConversationContext `json:"context"`
	LastUpdated time.Time            `json:"last_updated"`
}

// SessionSummary 会话摘要
type SessionSummary struct {
	SessionID       string    `json:"session_id"`
	AvatarName      string    `json:"avatar_name"`
	UserID          string    `json:"user_id"`
	MoodState       string    `json:"mood_state"`
	MessageCount    int       `json:"message_count"`
	LastInteraction time.Time `json:"last_interaction"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Summarize 生成会话摘要
func (r *SessionRecord) Summarize() SessionSummary {
	return SessionSummary{
		SessionID:       r.Context.SessionID,
		AvatarName:      r.Context.AvatarName,
		UserID:          r.Context.UserID,
		MoodState:       r.Context.MoodState,
		MessageCount:    len(r.Context.ConversationHistory),
		LastInteraction: r.Context.LastInteraction,
		LastUpdated:     r.LastUpdated,
	}
}
