// internal/services/mood_service.go
package services

import (
	"strings"

	"github.com/Corphon/OMNetCore/internal/models"
)

// MoodCategory 一个情绪及其关键词
type MoodCategory struct {
	Mood     string
	Keywords []string
}

// 按优先级排列，先匹配先返回
var defaultMoodCategories = []MoodCategory{
	{Mood: "frustrated", Keywords: []string{"error", "problem", "help", "stuck", "broken", "not working", "why is"}},
	{Mood: "creative", Keywords: []string{"write", "create", "design", "imagine", "story", "poem", "art"}},
	{Mood: "learning", Keywords: []string{"how", "what", "why", "explain", "teach", "learn", "understand"}},
	{Mood: "excited", Keywords: []string{"awesome", "amazing", "cool", "wow", "great", "love", "thank"}},
	{Mood: "technical", Keywords: []string{"code", "debug", "fix", "error", "bug", "system", "config"}},
}

// MoodClassifier 无状态的关键词情绪分类器
type MoodClassifier struct {
	categories []MoodCategory
}

// NewMoodClassifier 使用默认情绪表
func NewMoodClassifier() *MoodClassifier {
	return &MoodClassifier{categories: defaultMoodCategories}
}

// Classify 小写后两侧补空格，关键词也补空格再做包含判断，
// 因此 "aim" 不会命中 "ai"，但紧跟标点的词（"error,"）也不会命中。
func (m *MoodClassifier) Classify(text string) string {
	padded := " " + strings.ToLower(text) + " "
	for _, category := range m.categories {
		for _, keyword := range category.Keywords {
			if strings.Contains(padded, " "+keyword+" ") {
				return category.Mood
			}
		}
	}
	return models.MoodNeutral
}
