// internal/storage/sqlite_store.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Corphon/OMNetCore/internal/models"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS interactions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     TEXT NOT NULL,
	avatar_name TEXT NOT NULL,
	record      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interactions_user ON interactions(user_id, id);

CREATE TABLE IF NOT EXISTS preferences (
	user_id     TEXT NOT NULL,
	avatar_name TEXT NOT NULL,
	data        TEXT NOT NULL,
	PRIMARY KEY (user_id, avatar_name)
);

CREATE TABLE IF NOT EXISTS personality (
	user_id     TEXT NOT NULL,
	avatar_name TEXT NOT NULL,
	data        TEXT NOT NULL,
	PRIMARY KEY (user_id, avatar_name)
);

CREATE TABLE IF NOT EXISTS sessions (
	user_id      TEXT NOT NULL,
	avatar_name  TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	data         TEXT NOT NULL,
	last_updated TEXT NOT NULL,
	PRIMARY KEY (user_id, avatar_name, session_id)
);
`

// SQLiteStore 单文件 SQLite 实现
type SQLiteStore struct {
	db           *sql.DB
	historyLimit int
	logger       *zap.Logger
}

// NewSQLiteStore 打开（或创建）数据库并建表。path 为 ":memory:" 时使用内存库。
func NewSQLiteStore(path string, historyLimit int, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("创建数据库目录失败: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// 单写者；内存库每个连接是独立的数据库
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("设置数据库参数失败: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	return &SQLiteStore{
		db:           db,
		historyLimit: historyLimit,
		logger:       logger.With(zap.String("component", "sqlite_store")),
	}, nil
}

func (s *SQLiteStore) AppendInteraction(ctx context.Context, userID, avatarName string, record models.InteractionRecord) error {
	line, err := json.Marshal(models.InteractionLogEntry{
		InteractionRecord: record,
		AvatarName:        avatarName,
		UserID:            userID,
	})
	if err != nil {
		return fmt.Errorf("序列化交互记录失败: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO interactions (user_id, avatar_name, record) VALUES (?, ?, ?)`,
		userID, avatarName, string(line)); err != nil {
		return fmt.Errorf("写入交互记录失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM interactions WHERE user_id = ? AND id NOT IN (
			SELECT id FROM interactions WHERE user_id = ? ORDER BY id DESC LIMIT ?)`,
		userID, userID, s.historyLimit); err != nil {
		return fmt.Errorf("裁剪交互记录失败: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadAll(ctx context.Context, userID string) (*UserData, error) {
	data := NewUserData()

	rows, err := s.db.QueryContext(ctx, `SELECT record FROM interactions WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("读取交互记录失败: %w", err)
	}
	skipped := 0
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, err
		}
		var entry models.InteractionLogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			skipped++
			continue
		}
		data.addEntry(entry, s.historyLimit)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if skipped > 0 {
		s.logger.Warn("skipped unreadable interaction rows", zap.Int("count", skipped))
	}

	if err := s.loadSnapshots(ctx, "preferences", userID, func(avatar string, raw []byte) error {
		var p models.UserPreferences
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		data.Preferences[avatar] = p
		return nil
	}); err != nil {
		return nil, err
	}
	if err := s.loadSnapshots(ctx, "personality", userID, func(avatar string, raw []byte) error {
		var a models.PersonalityAdjustment
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		data.Adjustments[avatar] = a
		return nil
	}); err != nil {
		return nil, err
	}
	return data, nil
}

// table 只会是本文件内的常量
func (s *SQLiteStore) loadSnapshots(ctx context.Context, table, userID string, fn func(avatar string, raw []byte) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT avatar_name, data FROM `+table+` WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("读取快照失败: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var avatar, raw string
		if err := rows.Scan(&avatar, &raw); err != nil {
			return err
		}
		if err := fn(avatar, []byte(raw)); err != nil {
			s.logger.Warn("bad snapshot row", zap.String("table", table), zap.String("avatar", avatar), zap.Error(err))
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) upsertSnapshot(ctx context.Context, table, userID, avatarName string, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (user_id, avatar_name, data) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, avatar_name) DO UPDATE SET data = excluded.data`,
		userID, avatarName, string(encoded))
	if err != nil {
		return fmt.Errorf("写入快照失败: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SavePreferences(ctx context.Context, userID, avatarName string, prefs models.UserPreferences) error {
	return s.upsertSnapshot(ctx, "preferences", userID, avatarName, prefs)
}

func (s *SQLiteStore) SaveAdjustment(ctx context.Context, userID, avatarName string, adj models.PersonalityAdjustment) error {
	return s.upsertSnapshot(ctx, "personality", userID, avatarName, adj)
}

func (s *SQLiteStore) SaveContext(ctx context.Context, c *models.ConversationContext) error {
	updated := now()
	encoded, err := json.Marshal(models.SessionRecord{Context: c, LastUpdated: updated})
	if err != nil {
		return fmt.Errorf("序列化会话失败: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, avatar_name, session_id, data, last_updated) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, avatar_name, session_id) DO UPDATE SET data = excluded.data, last_updated = excluded.last_updated`,
		c.UserID, c.AvatarName, c.SessionID, string(encoded), updated.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("保存会话失败: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadContext(ctx context.Context, key models.SessionKey) (*models.ConversationContext, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM sessions WHERE user_id = ? AND avatar_name = ? AND session_id = ?`,
		key.UserID, key.AvatarName, key.SessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("读取会话失败: %w", err)
	}
	defer rows.Close()

	out := []models.SessionSummary{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		record, err := decodeSession(raw)
		if err != nil {
			s.logger.Warn("skipping unreadable session row", zap.Error(err))
			continue
		}
		out = append(out, record.Summarize())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortSummaries(out)
	return out, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
