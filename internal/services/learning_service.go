// internal/services/learning_service.go
package services

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/Corphon/OMNetCore/internal/errors"
	"github.com/Corphon/OMNetCore/internal/models"
	"github.com/Corphon/OMNetCore/internal/storage"
	"github.com/Corphon/OMNetCore/internal/utils"
)

// LearnerConfig 偏好学习参数
type LearnerConfig struct {
	LearningRate    float64
	MinInteractions int
	WindowSize      int
	HistoryLimit    int
	PersistTimeout  time.Duration
}

func (c LearnerConfig) withDefaults() LearnerConfig {
	if c.LearningRate <= 0 {
		c.LearningRate = 0.1
	}
	if c.MinInteractions <= 0 {
		c.MinInteractions = 5
	}
	if c.WindowSize <= 0 {
		c.WindowSize = c.MinInteractions
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1000
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	return c
}

const (
	positiveScoreThreshold = 0.5
	feedbackThreshold      = 0.3
)

var technicalTerms = []string{"algorithm", "implementation", "configuration", "debug", "optimize"}

// userState 一个用户在内存中的学习数据
type userState struct {
	mu          sync.RWMutex
	history     map[string][]models.InteractionRecord
	preferences map[string]models.UserPreferences
	adjustments map[string]models.PersonalityAdjustment
}

func newUserState(data *storage.UserData) *userState {
	if data == nil {
		data = storage.NewUserData()
	}
	return &userState{
		history:     data.History,
		preferences: data.Preferences,
		adjustments: data.Adjustments,
	}
}

// PreferenceLearner 从交互历史学习用户偏好，并根据反馈微调化身性格
type PreferenceLearner struct {
	store   storage.Store
	cfg     LearnerConfig
	locks   *LockManager
	metrics *utils.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	users map[string]*userState
	loads singleflight.Group
}

// NewPreferenceLearner 创建偏好学习器
func NewPreferenceLearner(store storage.Store, cfg LearnerConfig, metrics *utils.Metrics, logger *zap.Logger) *PreferenceLearner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = storage.NewMemoryStore(cfg.HistoryLimit)
	}
	return &PreferenceLearner{
		store:   store,
		cfg:     cfg.withDefaults(),
		locks:   NewLockManager(),
		metrics: metrics,
		logger:  logger.With(zap.String("component", "learner")),
		now:     func() time.Time { return time.Now().UTC() },
		users:   make(map[string]*userState),
	}
}

// user 返回用户的缓存数据，首次访问时从存储加载（同一用户的并发加载合并为一次）
func (l *PreferenceLearner) user(ctx context.Context, userID string) (*userState, error) {
	l.mu.Lock()
	state, ok := l.users[userID]
	l.mu.Unlock()
	if ok {
		return state, nil
	}

	result, err, _ := l.loads.Do(userID, func() (interface{}, error) {
		l.mu.Lock()
		if state, ok := l.users[userID]; ok {
			l.mu.Unlock()
			return state, nil
		}
		l.mu.Unlock()

		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.PersistTimeout)
		defer cancel()

		data, err := l.store.LoadAll(loadCtx, userID)
		if err != nil {
			// 读取失败时以空数据继续服务，后续快照写入按化身合并不会覆盖其他数据
			l.logger.Error("Failed to load user learning data",
				zap.String("user_id", userID), zap.Error(err))
			l.metrics.RecordPersistenceError("load_user")
			data = nil
		}
		state := newUserState(data)
		l.mu.Lock()
		defer l.mu.Unlock()
		if existing, ok := l.users[userID]; ok {
			return existing, nil
		}
		l.users[userID] = state
		return state, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*userState), nil
}

func (l *PreferenceLearner) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.cfg.PersistTimeout)
}

// RecordInteraction 追加交互记录；积累足够的对话后重新计算偏好。
// 存储失败时内存状态仍然更新，错误返回给调用方记录。
func (l *PreferenceLearner) RecordInteraction(ctx context.Context, avatarName, userID string, record models.InteractionRecord) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = l.now()
	}
	if record.InteractionType == "" {
		record.InteractionType = models.InteractionGeneral
	}
	record.SatisfactionScore = models.ClampScore(record.SatisfactionScore)

	state, err := l.user(ctx, userID)
	if err != nil {
		return err
	}

	return l.locks.ExecuteWithLock(ctx, userID, func() error {
		pctx, cancel := l.persistCtx(ctx)
		defer cancel()

		var errs []error
		if err := l.store.AppendInteraction(pctx, userID, avatarName, record); err != nil {
			l.metrics.RecordPersistenceError("append_interaction")
			errs = append(errs, err)
		}

		state.mu.Lock()
		history := append(state.history[avatarName], record)
		if len(history) > l.cfg.HistoryLimit {
			history = history[len(history)-l.cfg.HistoryLimit:]
		}
		state.history[avatarName] = history

		var updated *models.UserPreferences
		if record.InteractionType != models.InteractionFeedback {
			if prefs, ok := l.recompute(state, avatarName); ok {
				state.preferences[avatarName] = prefs
				updated = &prefs
			}
		}
		state.mu.Unlock()

		if updated != nil {
			l.metrics.RecordPreferenceRecompute()
			if err := l.store.SavePreferences(pctx, userID, avatarName, *updated); err != nil {
				l.metrics.RecordPersistenceError("save_preferences")
				errs = append(errs, err)
			}
		}

		if len(errs) > 0 {
			return apperrors.NewPersistenceError("保存学习数据失败", errors.Join(errs...))
		}
		return nil
	})
}

// recompute 在 state.mu 写锁内调用
func (l *PreferenceLearner) recompute(state *userState, avatarName string) (models.UserPreferences, bool) {
	var dialog []models.InteractionRecord
	for _, rec := range state.history[avatarName] {
		if rec.InteractionType != models.InteractionFeedback {
			dialog = append(dialog, rec)
		}
	}
	if len(dialog) < l.cfg.MinInteractions {
		return models.UserPreferences{}, false
	}

	prefs, ok := state.preferences[avatarName]
	if ok {
		prefs = prefs.Clone()
	} else {
		prefs = models.DefaultUserPreferences()
	}

	window := dialog
	if len(window) > l.cfg.WindowSize {
		window = window[len(window)-l.cfg.WindowSize:]
	}
	return AnalyzePreferences(prefs, window), true
}

// AnalyzePreferences 从一组交互中推导偏好，只统计满意度高于 0.5 的记录。
// 没有正向记录时回复长度保持不变。
func AnalyzePreferences(prefs models.UserPreferences, window []models.InteractionRecord) models.UserPreferences {
	var (
		positives  int
		totalWords int
		technical  int
		totalEmoji int
	)
	for _, rec := range window {
		if rec.SatisfactionScore <= positiveScoreThreshold {
			continue
		}
		positives++
		totalWords += len(strings.Fields(rec.AvatarResponse))
		lower := strings.ToLower(rec.AvatarResponse)
		for _, term := range technicalTerms {
			if strings.Contains(lower, term) {
				technical++
			}
		}
		totalEmoji += countEmoji(rec.AvatarResponse)
	}

	if positives > 0 {
		avgWords := float64(totalWords) / float64(positives)
		switch {
		case avgWords < 20:
			prefs.ResponseLength = models.ResponseLengthBrief
		case avgWords > 100:
			prefs.ResponseLength = models.ResponseLengthDetailed
		default:
			prefs.ResponseLength = models.ResponseLengthModerate
		}
	}

	switch {
	case technical > 5:
		prefs.TechnicalDepth = models.TechnicalDepthHigh
	case technical > 2:
		prefs.TechnicalDepth = models.TechnicalDepthMedium
	default:
		prefs.TechnicalDepth = models.TechnicalDepthLow
	}

	avgEmoji := 0.0
	if positives > 0 {
		avgEmoji = float64(totalEmoji) / float64(positives)
	}
	switch {
	case avgEmoji > 3:
		prefs.EmojiUsage = models.EmojiUsageFrequent
	case avgEmoji > 0:
		prefs.EmojiUsage = models.EmojiUsageModerate
	default:
		prefs.EmojiUsage = models.EmojiUsageMinimal
	}
	return prefs
}

func countEmoji(text string) int {
	n := 0
	for _, r := range text {
		switch {
		case r >= 0x1F600 && r <= 0x1F64F, // emoticons
			r >= 0x1F300 && r <= 0x1F5FF, // symbols & pictographs
			r >= 0x1F680 && r <= 0x1F6FF, // transport & map
			r >= 0x1F1E0 && r <= 0x1F1FF: // flags
			n++
		}
	}
	return n
}

// feedbackRule 一个维度的触发词规则。gate 中任一词出现才检查该维度。
type feedbackRule struct {
	dimension string
	gate      []string
	delta     func(text string, score, rate float64) float64
}

func containsAny(text string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

var feedbackRules = []feedbackRule{
	{
		dimension: models.DimensionResponseSpeed,
		gate:      []string{"slow", "fast", "quick", "speed"},
		delta: func(text string, score, rate float64) float64 {
			switch {
			case strings.Contains(text, "slow") && score < 0:
				return rate * math.Abs(score)
			case containsAny(text, "fast", "quick"):
				if score > 0 {
					return rate * score
				}
				return -rate * math.Abs(score)
			}
			return 0
		},
	},
	{
		dimension: models.DimensionTechnicalDepth,
		gate:      []string{"technical", "simple", "explain", "detail"},
		delta: func(text string, score, rate float64) float64 {
			switch {
			case containsAny(text, "too technical", "confusing"):
				return -rate * math.Abs(score)
			case containsAny(text, "more detail", "technical"):
				return rate * score
			}
			return 0
		},
	},
	{
		dimension: models.DimensionFriendliness,
		gate:      []string{"friendly", "formal", "casual", "professional"},
		delta: func(text string, score, rate float64) float64 {
			switch {
			case containsAny(text, "too casual", "unprofessional"):
				return -rate * math.Abs(score)
			case containsAny(text, "friendly", "casual"):
				return rate * score
			}
			return 0
		},
	},
	{
		dimension: models.DimensionVerbosity,
		gate:      []string{"verbose", "wordy", "brief", "concise"},
		delta: func(text string, score, rate float64) float64 {
			switch {
			case containsAny(text, "too long", "wordy"):
				return -rate * math.Abs(score)
			case containsAny(text, "more detail", "explain more"):
				return rate * score
			}
			return 0
		},
	},
	{
		dimension: models.DimensionCreativity,
		gate:      []string{"creative", "boring", "imaginative", "facts", "factual"},
		delta: func(text string, score, rate float64) float64 {
			switch {
			case containsAny(text, "too creative", "stick to facts", "factual"):
				return -rate * math.Abs(score)
			case containsAny(text, "more creative", "boring", "imaginative"):
				return rate * math.Abs(score)
			}
			return 0
		},
	},
}

// ApplyFeedback 按触发词调整性格，每次更新后裁剪到 [-1, 1]。返回被调整的维度。
func ApplyFeedback(adj *models.PersonalityAdjustment, feedback string, score, rate float64) []string {
	score = models.ClampScore(score)
	if math.Abs(score) <= feedbackThreshold {
		return nil
	}
	text := strings.ToLower(feedback)
	var changed []string
	for _, rule := range feedbackRules {
		if !containsAny(text, rule.gate...) {
			continue
		}
		if d := rule.delta(text, score, rate); d != 0 {
			adj.Nudge(rule.dimension, d)
			changed = append(changed, rule.dimension)
		}
	}
	return changed
}

// RecordFeedback 把反馈作为 "feedback" 类型的交互记录下来，并在满意度足够显著时调整性格
func (l *PreferenceLearner) RecordFeedback(ctx context.Context, avatarName, userID, feedback string, score float64) (models.PersonalityAdjustment, error) {
	score = models.ClampScore(score)
	record := models.InteractionRecord{
		Timestamp:         l.now(),
		UserInput:         feedback,
		SatisfactionScore: score,
		InteractionType:   models.InteractionFeedback,
	}
	recordErr := l.RecordInteraction(ctx, avatarName, userID, record)
	if recordErr != nil && !apperrors.IsPersistenceError(recordErr) {
		return models.PersonalityAdjustment{}, recordErr
	}

	state, err := l.user(ctx, userID)
	if err != nil {
		return models.PersonalityAdjustment{}, err
	}

	var result models.PersonalityAdjustment
	err = l.locks.ExecuteWithLock(ctx, userID, func() error {
		state.mu.Lock()
		adj, ok := state.adjustments[avatarName]
		if !ok {
			adj = models.PersonalityAdjustment{LastUpdated: l.now()}
		}
		changed := ApplyFeedback(&adj, feedback, score, l.cfg.LearningRate)
		if len(changed) > 0 {
			adj.LastUpdated = l.now()
		}
		state.adjustments[avatarName] = adj
		state.mu.Unlock()
		result = adj

		if len(changed) == 0 {
			return nil
		}
		for _, dim := range changed {
			l.metrics.RecordFeedbackAdjustment(dim)
		}
		l.logger.Info("Updated personality adjustment",
			zap.String("user_id", userID),
			zap.String("avatar", avatarName),
			zap.Strings("dimensions", changed))

		pctx, cancel := l.persistCtx(ctx)
		defer cancel()
		if err := l.store.SaveAdjustment(pctx, userID, avatarName, adj); err != nil {
			l.metrics.RecordPersistenceError("save_adjustment")
			return apperrors.NewPersistenceError("保存性格调整失败", err)
		}
		return nil
	})
	if err == nil {
		err = recordErr
	}
	return result, err
}

// Preferences 返回学习到的偏好；尚未学习时 found=false
func (l *PreferenceLearner) Preferences(ctx context.Context, avatarName, userID string) (models.UserPreferences, bool) {
	state, err := l.user(ctx, userID)
	if err != nil {
		return models.UserPreferences{}, false
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	prefs, ok := state.preferences[avatarName]
	if !ok {
		return models.UserPreferences{}, false
	}
	return prefs.Clone(), true
}

// Adjustment 返回性格调整；没有任何反馈时 found=false
func (l *PreferenceLearner) Adjustment(ctx context.Context, avatarName, userID string) (models.PersonalityAdjustment, bool) {
	state, err := l.user(ctx, userID)
	if err != nil {
		return models.PersonalityAdjustment{}, false
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	adj, ok := state.adjustments[avatarName]
	return adj, ok
}

// History 返回某个化身最近的交互记录副本
func (l *PreferenceLearner) History(ctx context.Context, avatarName, userID string) []models.InteractionRecord {
	state, err := l.user(ctx, userID)
	if err != nil {
		return nil
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	return append([]models.InteractionRecord(nil), state.history[avatarName]...)
}

// Flush 把缓存中的快照全部写回存储，关闭时调用
func (l *PreferenceLearner) Flush(ctx context.Context) error {
	l.mu.Lock()
	users := make(map[string]*userState, len(l.users))
	for id, state := range l.users {
		users[id] = state
	}
	l.mu.Unlock()

	var errs []error
	for userID, state := range users {
		state.mu.RLock()
		prefs := make(map[string]models.UserPreferences, len(state.preferences))
		for avatar, p := range state.preferences {
			prefs[avatar] = p.Clone()
		}
		adjustments := make(map[string]models.PersonalityAdjustment, len(state.adjustments))
		for avatar, a := range state.adjustments {
			adjustments[avatar] = a
		}
		state.mu.RUnlock()

		for avatar, p := range prefs {
			if err := l.store.SavePreferences(ctx, userID, avatar, p); err != nil {
				errs = append(errs, err)
			}
		}
		for avatar, a := range adjustments {
			if err := l.store.SaveAdjustment(ctx, userID, avatar, a); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return apperrors.NewPersistenceError("刷新学习数据失败", errors.Join(errs...))
	}
	return nil
}
