package services

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Corphon/OMNetCore/internal/models"
	"github.com/Corphon/OMNetCore/internal/storage"
)

func positive(reply string) models.InteractionRecord {
	return models.InteractionRecord{
		UserInput:         "question",
		AvatarResponse:    reply,
		SatisfactionScore: 0.9,
		InteractionType:   models.InteractionConversation,
	}
}

func TestAnalyzePreferences(t *testing.T) {
	base := models.DefaultUserPreferences()

	brief := AnalyzePreferences(base, []models.InteractionRecord{positive("short answer"), positive("ok")})
	assert.Equal(t, models.ResponseLengthBrief, brief.ResponseLength)
	assert.Equal(t, models.TechnicalDepthLow, brief.TechnicalDepth)
	assert.Equal(t, models.EmojiUsageMinimal, brief.EmojiUsage)

	allTerms := "The algorithm implementation needs configuration, then debug and optimize."
	technical := AnalyzePreferences(base, []models.InteractionRecord{positive(allTerms), positive(allTerms)})
	assert.Equal(t, models.TechnicalDepthHigh, technical.TechnicalDepth)

	medium := AnalyzePreferences(base, []models.InteractionRecord{positive("debug the algorithm to optimize it")})
	assert.Equal(t, models.TechnicalDepthMedium, medium.TechnicalDepth)

	emoji := AnalyzePreferences(base, []models.InteractionRecord{positive("😀🚀🌟😀 yes"), positive("😀🚀🌟😀 no")})
	assert.Equal(t, models.EmojiUsageFrequent, emoji.EmojiUsage)
	some := AnalyzePreferences(base, []models.InteractionRecord{positive("🚀 go")})
	assert.Equal(t, models.EmojiUsageModerate, some.EmojiUsage)

	moderate := AnalyzePreferences(base, []models.InteractionRecord{positive(words(50))})
	assert.Equal(t, models.ResponseLengthModerate, moderate.ResponseLength)
}

func TestAnalyzePreferencesIgnoresLowScores(t *testing.T) {
	prefs := models.DefaultUserPreferences()
	prefs.ResponseLength = models.ResponseLengthDetailed
	low := positive("😀😀😀😀😀 algorithm")
	low.SatisfactionScore = 0.5

	got := AnalyzePreferences(prefs, []models.InteractionRecord{low, low})
	assert.Equal(t, models.ResponseLengthDetailed, got.ResponseLength, "unchanged without positive records")
	assert.Equal(t, models.TechnicalDepthLow, got.TechnicalDepth)
	assert.Equal(t, models.EmojiUsageMinimal, got.EmojiUsage)
}

func TestRecordInteractionNeedsMinimumHistory(t *testing.T) {
	store := storage.NewMemoryStore(1000)
	l := NewPreferenceLearner(store, LearnerConfig{}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, l.RecordInteraction(ctx, "krix", "u1", positive(words(150))))
		// 反馈不计入学习所需的对话数
		_, err := l.RecordFeedback(ctx, "krix", "u1", "nice", 0.9)
		require.NoError(t, err)
	}
	_, ok := l.Preferences(ctx, "krix", "u1")
	assert.False(t, ok)

	require.NoError(t, l.RecordInteraction(ctx, "krix", "u1", positive(words(150))))
	prefs, ok := l.Preferences(ctx, "krix", "u1")
	require.True(t, ok)
	assert.Equal(t, models.ResponseLengthDetailed, prefs.ResponseLength)

	data, err := store.LoadAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.ResponseLengthDetailed, data.Preferences["krix"].ResponseLength)
	assert.Len(t, data.History["krix"], 9)

	_, ok = l.Preferences(ctx, "mushak", "u1")
	assert.False(t, ok, "preferences are per avatar")
}

func TestRecordInteractionUsesRecentWindow(t *testing.T) {
	l := NewPreferenceLearner(storage.NewMemoryStore(1000), LearnerConfig{}, nil, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.RecordInteraction(ctx, "krix", "u1", positive(words(150))))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, l.RecordInteraction(ctx, "krix", "u1", positive("short")))
	}
	prefs, ok := l.Preferences(ctx, "krix", "u1")
	require.True(t, ok)
	assert.Equal(t, models.ResponseLengthBrief, prefs.ResponseLength)
}

func TestRecordFeedbackAdjustsDimensions(t *testing.T) {
	store := storage.NewMemoryStore(1000)
	l := NewPreferenceLearner(store, LearnerConfig{}, nil, nil)
	ctx := context.Background()

	cases := []struct {
		feedback  string
		score     float64
		dimension string
		want      float64
	}{
		{"way too slow", -0.8, models.DimensionResponseSpeed, 0.08},
		{"that was quick", 0.5, models.DimensionResponseSpeed, 0.13},
		{"this is too technical", -0.5, models.DimensionTechnicalDepth, -0.05},
		{"be more friendly", 0.5, models.DimensionFriendliness, 0.05},
		{"too wordy", -0.6, models.DimensionVerbosity, -0.06},
		{"that was boring", -0.5, models.DimensionCreativity, 0.05},
	}
	var adj models.PersonalityAdjustment
	for _, tc := range cases {
		var err error
		adj, err = l.RecordFeedback(ctx, "krix", "u1", tc.feedback, tc.score)
		require.NoError(t, err)
		assert.InDelta(t, tc.want, adj.Get(tc.dimension), 1e-9, tc.feedback)
	}

	before := adj
	adj, err := l.RecordFeedback(ctx, "krix", "u1", "way too slow", 0.2)
	require.NoError(t, err)
	assert.Equal(t, before.ResponseSpeed, adj.ResponseSpeed, "weak feedback is ignored")

	stored, ok := l.Adjustment(ctx, "krix", "u1")
	require.True(t, ok)
	assert.InDelta(t, 0.13, stored.ResponseSpeed, 1e-9)

	data, err := store.LoadAll(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, -0.06, data.Adjustments["krix"].Verbosity, 1e-9)
	require.Len(t, data.History["krix"], len(cases)+1)
	for _, rec := range data.History["krix"] {
		assert.Equal(t, models.InteractionFeedback, rec.InteractionType)
	}
}

func TestApplyFeedbackBoundedDrift(t *testing.T) {
	phrases := []string{
		"too slow", "so fast", "quick please", "too technical", "more detail", "confusing",
		"too casual", "friendly", "unprofessional", "too long", "wordy", "explain more",
		"more creative", "stick to facts", "boring", "imaginative", "factual", "speed",
	}
	rapid.Check(t, func(rt *rapid.T) {
		var adj models.PersonalityAdjustment
		n := rapid.IntRange(1, 200).Draw(rt, "n")
		rate := rapid.Float64Range(0, 50).Draw(rt, "rate")
		for i := 0; i < n; i++ {
			text := strings.Join(rapid.SliceOfN(rapid.SampledFrom(phrases), 1, 3).Draw(rt, "words"), " ")
			score := rapid.Float64().Draw(rt, "score")
			ApplyFeedback(&adj, text, score, rate)
			for _, dim := range models.AdjustmentDimensions {
				v := adj.Get(dim)
				if math.IsNaN(v) || v < -1 || v > 1 {
					rt.Fatalf("%s drifted to %v after %q (score %v)", dim, v, text, score)
				}
			}
		}
	})
}

func TestLearnerLoadsSnapshotsFromStore(t *testing.T) {
	store := storage.NewMemoryStore(1000)
	ctx := context.Background()
	prefs := models.DefaultUserPreferences()
	prefs.EmojiUsage = models.EmojiUsageFrequent
	require.NoError(t, store.SavePreferences(ctx, "u1", "bunni", prefs))
	require.NoError(t, store.SaveAdjustment(ctx, "u1", "bunni", models.PersonalityAdjustment{Friendliness: 0.4}))

	l := NewPreferenceLearner(store, LearnerConfig{}, nil, nil)
	got, ok := l.Preferences(ctx, "bunni", "u1")
	require.True(t, ok)
	assert.Equal(t, models.EmojiUsageFrequent, got.EmojiUsage)
	adj, ok := l.Adjustment(ctx, "bunni", "u1")
	require.True(t, ok)
	assert.Equal(t, 0.4, adj.Friendliness)

	fresh := storage.NewMemoryStore(1000)
	l.store = fresh
	require.NoError(t, l.Flush(ctx))
	data, err := fresh.LoadAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.EmojiUsageFrequent, data.Preferences["bunni"].EmojiUsage)
	assert.Equal(t, 0.4, data.Adjustments["bunni"].Friendliness)
}
