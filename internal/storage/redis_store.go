// internal/storage/redis_store.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Corphon/OMNetCore/internal/models"
	"github.com/Corphon/OMNetCore/internal/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore Redis 实现
//
//	<prefix>user:<hash>:log          LIST   交互日志，LTRIM 到 historyLimit
//	<prefix>user:<hash>:prefs        HASH   avatar -> UserPreferences
//	<prefix>user:<hash>:personality  HASH   avatar -> PersonalityAdjustment
//	<prefix>user:<hash>:sessions     SET    "<avatar>/<session>"
//	<prefix>session:<hash>:<avatar>/<session>  STRING  SessionRecord
type RedisStore struct {
	client       redis.UniversalClient
	keyPrefix    string
	historyLimit int
	logger       *zap.Logger
}

// NewRedisStore 连接 Redis 并检查可用性
func NewRedisStore(cfg Config, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.withDefaults(), logger), nil
}

// NewRedisStoreWithClient 使用已有客户端
func NewRedisStoreWithClient(client redis.UniversalClient, cfg Config, logger *zap.Logger) *RedisStore {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:       client,
		keyPrefix:    cfg.RedisPrefix,
		historyLimit: cfg.HistoryLimit,
		logger:       logger.With(zap.String("component", "redis_store")),
	}
}

func (s *RedisStore) userKey(userID, suffix string) string {
	return s.keyPrefix + "user:" + utils.UserDirHash(userID) + ":" + suffix
}

func sessionMember(key models.SessionKey) string {
	return utils.SafeSegment(key.AvatarName) + "/" + utils.SafeSegment(key.SessionID)
}

func (s *RedisStore) sessionKey(userID, member string) string {
	return s.keyPrefix + "session:" + utils.UserDirHash(userID) + ":" + member
}

func (s *RedisStore) AppendInteraction(ctx context.Context, userID, avatarName string, record models.InteractionRecord) error {
	line, err := json.Marshal(models.InteractionLogEntry{
		InteractionRecord: record,
		AvatarName:        avatarName,
		UserID:            userID,
	})
	if err != nil {
		return fmt.Errorf("序列化交互记录失败: %w", err)
	}

	key := s.userKey(userID, "log")
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, line)
	pipe.LTrim(ctx, key, int64(-s.historyLimit), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入交互日志失败: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadAll(ctx context.Context, userID string) (*UserData, error) {
	pipe := s.client.Pipeline()
	logCmd := pipe.LRange(ctx, s.userKey(userID, "log"), 0, -1)
	prefsCmd := pipe.HGetAll(ctx, s.userKey(userID, "prefs"))
	adjCmd := pipe.HGetAll(ctx, s.userKey(userID, "personality"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("读取用户数据失败: %w", err)
	}

	data := NewUserData()
	skipped := 0
	for _, line := range logCmd.Val() {
		var entry models.InteractionLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil || entry.UserID != userID {
			skipped++
			continue
		}
		data.addEntry(entry, s.historyLimit)
	}
	if skipped > 0 {
		s.logger.Warn("skipped unreadable interaction log entries", zap.Int("count", skipped))
	}

	for avatar, raw := range prefsCmd.Val() {
		var p models.UserPreferences
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			s.logger.Warn("bad preferences snapshot", zap.String("avatar", avatar), zap.Error(err))
			continue
		}
		data.Preferences[avatar] = p
	}
	for avatar, raw := range adjCmd.Val() {
		var a models.PersonalityAdjustment
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			s.logger.Warn("bad personality snapshot", zap.String("avatar", avatar), zap.Error(err))
			continue
		}
		data.Adjustments[avatar] = a
	}
	return data, nil
}

// 按字段写入 HASH，天然不会覆盖其他化身
func (s *RedisStore) hsetJSON(ctx context.Context, key, field string, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}
	if err := s.client.HSet(ctx, key, field, encoded).Err(); err != nil {
		return fmt.Errorf("写入快照失败: %w", err)
	}
	return nil
}

func (s *RedisStore) SavePreferences(ctx context.Context, userID, avatarName string, prefs models.UserPreferences) error {
	return s.hsetJSON(ctx, s.userKey(userID, "prefs"), avatarName, prefs)
}

func (s *RedisStore) SaveAdjustment(ctx context.Context, userID, avatarName string, adj models.PersonalityAdjustment) error {
	return s.hsetJSON(ctx, s.userKey(userID, "personality"), avatarName, adj)
}

func (s *RedisStore) SaveContext(ctx context.Context, c *models.ConversationContext) error {
	encoded, err := json.Marshal(models.SessionRecord{Context: c, LastUpdated: now()})
	if err != nil {
		return fmt.Errorf("序列化会话失败: %w", err)
	}
	member := sessionMember(c.Key())

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(c.UserID, member), encoded, 0)
	pipe.SAdd(ctx, s.userKey(c.UserID, "sessions"), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("保存会话失败: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadContext(ctx context.Context, key models.SessionKey) (*models.ConversationContext, bool, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(key.UserID, sessionMember(key))).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("读取会话失败: %w", err)
	}
	record, err := decodeSession(raw)
	if err != nil {
		return nil, false, err
	}
	return record.Context, true, nil
}

func (s *RedisStore) ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	members, err := s.client.SMembers(ctx, s.userKey(userID, "sessions")).Result()
	if err != nil {
		return nil, fmt.Errorf("读取会话索引失败: %w", err)
	}
	out := []models.SessionSummary{}
	if len(members) == 0 {
		return out, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.sessionKey(userID, m)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("读取会话失败: %w", err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		record, err := decodeSession(raw)
		if err != nil {
			s.logger.Warn("skipping unreadable session", zap.String("member", members[i]), zap.Error(err))
			continue
		}
		out = append(out, record.Summarize())
	}
	sortSummaries(out)
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
