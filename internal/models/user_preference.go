// internal/models/user_preference.go
package models

import "time"

// 回复长度
const (
	ResponseLengthBrief    = "brief"
	ResponseLengthModerate = "moderate"
	ResponseLengthDetailed = "detailed"
)

// 技术深度
const (
	TechnicalDepthLow    = "low"
	TechnicalDepthMedium = "medium"
	TechnicalDepthHigh   = "high"
)

// 表情使用
const (
	EmojiUsageMinimal  = "minimal"
	EmojiUsageModerate = "moderate"
	EmojiUsageFrequent = "frequent"
)

// 交互风格
const (
	InteractionStyleFormal   = "formal"
	InteractionStyleBalanced = "balanced"
	InteractionStyleCasual   = "casual"
)

// UserPreferences 从交互历史中学习到的用户偏好（按用户+化身）
type UserPreferences struct {
	ResponseLength   string            `json:"response_length"`   // brief, moderate, detailed
	TechnicalDepth   string            `json:"technical_depth"`   // low, medium, high
	EmojiUsage       string            `json:"emoji_usage"`       // minimal, moderate, frequent
	InteractionStyle string            `json:"interaction_style"` // formal, balanced, casual
	PreferredTopics  []string          `json:"preferred_topics"`
	AvoidedTopics    []string          `json:"avoided_topics"`
	CustomVocabulary map[string]string `json:"custom_vocabulary"`
}

// DefaultUserPreferences 默认偏好
func DefaultUserPreferences() UserPreferences {
	return UserPreferences{
		ResponseLength:   ResponseLengthModerate,
		TechnicalDepth:   TechnicalDepthMedium,
		EmojiUsage:       EmojiUsageModerate,
		InteractionStyle: InteractionStyleBalanced,
		PreferredTopics:  []string{},
		AvoidedTopics:    []string{},
		CustomVocabulary: map[string]string{},
	}
}

// Clone 深拷贝
func (p UserPreferences) Clone() UserPreferences {
	out := p
	out.PreferredTopics = append([]string{}, p.PreferredTopics...)
	out.AvoidedTopics = append([]string{}, p.AvoidedTopics...)
	out.CustomVocabulary = make(map[string]string, len(p.CustomVocabulary))
	for k, v := range p.CustomVocabulary {
		out.CustomVocabulary[k] = v
	}
	return out
}

// 性格调整维度
const (
	DimensionResponseSpeed  = "response_speed"
	DimensionTechnicalDepth = "technical_depth"
	DimensionFriendliness   = "friendliness"
	DimensionVerbosity      = "verbosity"
	DimensionCreativity     = "creativity"
)

// AdjustmentDimensions 固定的维度顺序
var AdjustmentDimensions = []string{
	DimensionResponseSpeed,
	DimensionTechnicalDepth,
	DimensionFriendliness,
	DimensionVerbosity,
	DimensionCreativity,
}

// PersonalityAdjustment 基于反馈的性格微调，每个维度限制在 [-1, 1]
type PersonalityAdjustment struct {
	ResponseSpeed  float64   `json:"response_speed"`  // -1 更慢 .. 1 更快
	TechnicalDepth float64   `json:"technical_depth"` // -1 更浅显 .. 1 更技术化
	Friendliness   float64   `json:"friendliness"`    // -1 更正式 .. 1 更随意
	Verbosity      float64   `json:"verbosity"`       // -1 更简洁 .. 1 更详细
	Creativity     float64   `json:"creativity"`      // -1 更务实 .. 1 更有创意
	LastUpdated    time.Time `json:"last_updated"`
}

func (a *PersonalityAdjustment) field(dim string) *float64 {
	switch dim {
	case DimensionResponseSpeed:
		return &a.ResponseSpeed
	case DimensionTechnicalDepth:
		return &a.TechnicalDepth
	case DimensionFriendliness:
		return &a.Friendliness
	case DimensionVerbosity:
		return &a.Verbosity
	case DimensionCreativity:
		return &a.Creativity
	}
	return nil
}

// Get 读取某个维度，未知维度返回 0
func (a PersonalityAdjustment) Get(dim string) float64 {
	if f := a.field(dim); f != nil {
		return *f
	}
	return 0
}

// Nudge 调整某个维度并重新裁剪
func (a *PersonalityAdjustment) Nudge(dim string, delta float64) {
	if f := a.field(dim); f != nil {
		*f += delta
	}
	a.Clamp()
}

// Clamp 把所有维度裁剪到 [-1, 1]
func (a *PersonalityAdjustment) Clamp() {
	for _, dim := range AdjustmentDimensions {
		f := a.field(dim)
		switch {
		case *f > 1:
			*f = 1
		case *f < -1:
			*f = -1
		case *f != *f: // NaN
			*f = 0
		}
	}
}
