// internal/models/avatar.go
package models

// 未配置化身时使用的默认值
const (
	DefaultSpecialty        = "general assistance"
	DefaultPersonality      = "helpful and wise"
	DefaultEmojiUsage       = "🕉️"
	DefaultExplanationStyle = "clear"
	DefaultResponseSpeed    = "normal"
)

// InteractionStyle 化身的表达风格
type InteractionStyle struct {
	EmojiUsage       string `json:"emoji_usage" yaml:"emoji_usage"`
	ExplanationStyle string `json:"explanation_style" yaml:"explanation_style"`
	ResponseSpeed    string `json:"response_speed" yaml:"response_speed"`
}

// AvatarConfig 化身静态配置，加载时校验一次
type AvatarConfig struct {
	Name             string           `json:"name" yaml:"name"`
	Specialty        string           `json:"specialty" yaml:"specialty"`
	Personality      string           `json:"personality" yaml:"personality"`
	InteractionStyle InteractionStyle `json:"interaction_style" yaml:"interaction_style"`
	ModelPrimary     string           `json:"model_primary,omitempty" yaml:"model_primary"`
}

// DefaultAvatarConfig 未知化身的通用描述
func DefaultAvatarConfig(name string) AvatarConfig {
	cfg := AvatarConfig{Name: name}
	cfg.ApplyDefaults(name)
	return cfg
}

// ApplyDefaults 补齐缺失字段
func (a *AvatarConfig) ApplyDefaults(name string) {
	if a.Name == "" {
		a.Name = name
	}
	if a.Specialty == "" {
		a.Specialty = DefaultSpecialty
	}
	if a.Personality == "" {
		a.Personality = DefaultPersonality
	}
	if a.InteractionStyle.EmojiUsage == "" {
		a.InteractionStyle.EmojiUsage = DefaultEmojiUsage
	}
	if a.InteractionStyle.ExplanationStyle == "" {
		a.InteractionStyle.ExplanationStyle = DefaultExplanationStyle
	}
	if a.InteractionStyle.ResponseSpeed == "" {
		a.InteractionStyle.ResponseSpeed = DefaultResponseSpeed
	}
}

// AvatarFile 化身配置文件: {"avatars": {name: {...}}}
type AvatarFile struct {
	Avatars map[string]AvatarConfig `json:"avatars" yaml:"avatars"`
}
