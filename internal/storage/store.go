// internal/storage/store.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Corphon/OMNetCore/internal/models"
	"go.uber.org/zap"
)

// Store 持久化层：交互日志 + 每用户快照 + 会话上下文
type Store interface {
	// AppendInteraction 追加一条交互记录到用户日志
	AppendInteraction(ctx context.Context, userID, avatarName string, record models.InteractionRecord) error
	// LoadAll 读取用户的全部历史与快照
	LoadAll(ctx context.Context, userID string) (*UserData, error)
	// SavePreferences 写入某个化身的偏好快照，不影响其他化身
	SavePreferences(ctx context.Context, userID, avatarName string, prefs models.UserPreferences) error
	// SaveAdjustment 写入某个化身的性格调整快照
	SaveAdjustment(ctx context.Context, userID, avatarName string, adj models.PersonalityAdjustment) error
	// SaveContext 保存会话上下文
	SaveContext(ctx context.Context, c *models.ConversationContext) error
	// LoadContext 读取会话上下文，不存在时 found=false 且 err=nil
	LoadContext(ctx context.Context, key models.SessionKey) (c *models.ConversationContext, found bool, err error)
	// ListSessions 列出用户保存的会话
	ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error)
	Ping(ctx context.Context) error
	Close() error
}

// UserData 一个用户的全部学习数据，按化身名分组
type UserData struct {
	History     map[string][]models.InteractionRecord
	Preferences map[string]models.UserPreferences
	Adjustments map[string]models.PersonalityAdjustment
}

// NewUserData 创建空的用户数据
func NewUserData() *UserData {
	return &UserData{
		History:     make(map[string][]models.InteractionRecord),
		Preferences: make(map[string]models.UserPreferences),
		Adjustments: make(map[string]models.PersonalityAdjustment),
	}
}

// addEntry 追加日志行，每个化身最多保留 limit 条
func (d *UserData) addEntry(entry models.InteractionLogEntry, limit int) {
	history := append(d.History[entry.AvatarName], entry.InteractionRecord)
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	d.History[entry.AvatarName] = history
}

var errEmptySession = errors.New("会话记录缺少 context 字段")

// 存储类型
const (
	TypeMemory = "memory"
	TypeFile   = "file"
	TypeRedis  = "redis"
	TypeSQLite = "sqlite"
)

// Config 存储配置
type Config struct {
	Type          string
	BaseDir       string // file
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	SQLitePath    string
	HistoryLimit  int   // 日志保留的记录数
	MaxLogBytes   int64 // 文件日志轮转阈值
}

// 日志保留默认值
const (
	DefaultHistoryLimit = 1000
	DefaultMaxLogBytes  = 10 * 1024 * 1024
)

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.MaxLogBytes <= 0 {
		c.MaxLogBytes = DefaultMaxLogBytes
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = "omnet:"
	}
	return c
}

// NewStore 根据配置创建存储后端
func NewStore(cfg Config, logger *zap.Logger) (Store, error) {
	cfg = cfg.withDefaults()
	switch cfg.Type {
	case TypeMemory:
		return NewMemoryStore(cfg.HistoryLimit), nil
	case TypeFile, "":
		return NewFileStore(cfg.BaseDir, cfg.HistoryLimit, cfg.MaxLogBytes, logger)
	case TypeRedis:
		return NewRedisStore(cfg, logger)
	case TypeSQLite:
		return NewSQLiteStore(cfg.SQLitePath, cfg.HistoryLimit, logger)
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", cfg.Type)
	}
}

func decodeSession(raw string) (*models.SessionRecord, error) {
	var record models.SessionRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("解析会话失败: %w", err)
	}
	if record.Context == nil {
		return nil, errEmptySession
	}
	record.Context.Normalize()
	return &record, nil
}

func sortSummaries(out []models.SessionSummary) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].LastUpdated.After(out[j].LastUpdated)
		}
		if out[i].AvatarName != out[j].AvatarName {
			return out[i].AvatarName < out[j].AvatarName
		}
		return out[i].SessionID < out[j].SessionID
	})
}

func now() time.Time {
	return time.Now().UTC()
}
