// internal/services/prompt_service.go
package services

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Corphon/OMNetCore/internal/models"
)

// 个性化块中最多引用的偏好话题数
const maxPromptTopics = 3

// 性格微调低于该幅度时不写入提示词
const tuningThreshold = 0.2

// PromptComposer 组装系统提示词。纯函数，相同输入得到相同输出。
type PromptComposer struct{}

// NewPromptComposer 创建提示词组装器
func NewPromptComposer() *PromptComposer {
	return &PromptComposer{}
}

// Compose 生成系统提示词；prefs 为 nil 表示尚未学习到偏好，不附加个性化块
func (p *PromptComposer) Compose(avatar models.AvatarConfig, convCtx *models.ConversationContext, prefs *models.UserPreferences) string {
	prompt := p.basePrompt(avatar, convCtx)
	if prefs == nil {
		return prompt
	}
	clauses := personalizationClauses(*prefs)
	if len(clauses) == 0 {
		return prompt
	}
	return prompt + "\n\nPersonalization for this user:\n- " + strings.Join(clauses, "\n- ")
}

// ComposeTuned 在 Compose 的基础上附加基于反馈的性格微调
func (p *PromptComposer) ComposeTuned(avatar models.AvatarConfig, convCtx *models.ConversationContext, prefs *models.UserPreferences, adj *models.PersonalityAdjustment) string {
	prompt := p.Compose(avatar, convCtx, prefs)
	if adj == nil {
		return prompt
	}
	clauses := tuningClauses(*adj)
	if len(clauses) == 0 {
		return prompt
	}
	return prompt + "\n\nPersonality tuning for this user:\n- " + strings.Join(clauses, "\n- ")
}

func (p *PromptComposer) basePrompt(avatar models.AvatarConfig, convCtx *models.ConversationContext) string {
	parts := []string{
		fmt.Sprintf("You are %s, a dharmic AI avatar in Kalki OS.", avatar.Name),
		fmt.Sprintf("\nPersonality: %s", avatar.Personality),
		fmt.Sprintf("Specialty: %s", avatar.Specialty),
		fmt.Sprintf("Current mood: %s", convCtx.MoodState),
		"\nCore Principles:",
		"- Embody your unique personality in every response",
		"- Provide specialized knowledge in your domain",
		"- Maintain dharmic computing principles (mindful, balanced, compassionate)",
		fmt.Sprintf("- Use appropriate emoji from your style: %s", avatar.InteractionStyle.EmojiUsage),
		fmt.Sprintf("- Keep responses %s", avatar.InteractionStyle.ExplanationStyle),
	}

	if convCtx.TaskContext != "" {
		parts = append(parts, fmt.Sprintf("\nCurrent task context: %s", convCtx.TaskContext))
	}
	if len(convCtx.ActiveTools) > 0 {
		tools := append([]string{}, convCtx.ActiveTools...)
		sort.Strings(tools)
		parts = append(parts, fmt.Sprintf("\nActive tools: %s", strings.Join(tools, ", ")))
	}
	if len(convCtx.UserPreferences) > 0 {
		keys := sortedKeys(convCtx.UserPreferences)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, fmt.Sprintf("%s: %s", k, convCtx.UserPreferences[k]))
		}
		parts = append(parts, fmt.Sprintf("\nUser preferences: %s", strings.Join(pairs, ", ")))
	}

	return strings.Join(parts, "\n")
}

func personalizationClauses(prefs models.UserPreferences) []string {
	var clauses []string

	switch prefs.ResponseLength {
	case models.ResponseLengthBrief:
		clauses = append(clauses, "Keep responses concise and to the point")
	case models.ResponseLengthDetailed:
		clauses = append(clauses, "Provide comprehensive, detailed explanations")
	}

	switch prefs.TechnicalDepth {
	case models.TechnicalDepthHigh:
		clauses = append(clauses, "Use technical terminology and provide implementation details")
	case models.TechnicalDepthLow:
		clauses = append(clauses, "Explain concepts in simple, accessible terms")
	}

	switch prefs.EmojiUsage {
	case models.EmojiUsageFrequent:
		clauses = append(clauses, "Use emojis liberally to enhance expression")
	case models.EmojiUsageMinimal:
		clauses = append(clauses, "Use emojis sparingly and only when highly relevant")
	}

	if len(prefs.PreferredTopics) > 0 {
		topics := prefs.PreferredTopics
		if len(topics) > maxPromptTopics {
			topics = topics[:maxPromptTopics]
		}
		clauses = append(clauses, "When relevant, incorporate these topics: "+strings.Join(topics, ", "))
	}

	if len(prefs.CustomVocabulary) > 0 {
		keys := sortedKeys(prefs.CustomVocabulary)
		items := make([]string, 0, len(keys))
		for _, k := range keys {
			items = append(items, fmt.Sprintf("%s (%s)", k, prefs.CustomVocabulary[k]))
		}
		clauses = append(clauses, "Use these custom terms: "+strings.Join(items, ", "))
	}

	return clauses
}

// 每个维度: 正向措辞, 负向措辞
var tuningPhrases = map[string][2]string{
	models.DimensionResponseSpeed:  {"Respond quickly and get to the point fast", "Take your time and be thorough before answering"},
	models.DimensionTechnicalDepth: {"Lean into technical depth", "Favor simpler explanations over technical detail"},
	models.DimensionFriendliness:   {"Be warm and casual", "Keep a more formal, professional tone"},
	models.DimensionVerbosity:      {"Elaborate more than usual", "Be more concise than usual"},
	models.DimensionCreativity:     {"Feel free to be imaginative and playful", "Stick closely to facts"},
}

func tuningClauses(adj models.PersonalityAdjustment) []string {
	var clauses []string
	for _, dim := range models.AdjustmentDimensions {
		v := adj.Get(dim)
		if math.Abs(v) < tuningThreshold {
			continue
		}
		if v > 0 {
			clauses = append(clauses, tuningPhrases[dim][0])
		} else {
			clauses = append(clauses, tuningPhrases[dim][1])
		}
	}
	return clauses
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
